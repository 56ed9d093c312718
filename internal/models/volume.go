package models

// Slice is a single 2D plane of a scan stored as a flat array in row-major order
type Slice struct {
	// Data holds Width*Height values, row by row
	Data []float64

	// Width is the number of columns in the slice
	Width int

	// Height is the number of rows in the slice
	Height int
}

// NewSlice allocates a zeroed slice with the given dimensions
func NewSlice(width, height int) Slice {
	return Slice{
		Data:   make([]float64, width*height),
		Width:  width,
		Height: height,
	}
}

// At returns the value at column x, row y
func (s Slice) At(x, y int) float64 {
	return s.Data[y*s.Width+x]
}

// Volume is the intensity scan as an ordered sequence of slices along the
// third axis. A loaded Volume is never modified; the next run replaces it.
type Volume struct {
	// Slices are the intensity planes, index 0..N-1, windowed to [0,1]
	Slices []Slice

	// Spacing is the physical size of each voxel in mm (x, y, z)
	Spacing [3]float64
}

// Len returns the number of slices, zero for a nil volume
func (v *Volume) Len() int {
	if v == nil {
		return 0
	}
	return len(v.Slices)
}

// PredictionVolume is the label volume written by the segmentation model.
// It is index-aligned with the Volume it was produced from.
type PredictionVolume struct {
	// Slices hold binary labels: 1 inside the segmented region, 0 elsewhere
	Slices []Slice

	// Spacing is the physical size of each voxel in mm (x, y, z)
	Spacing [3]float64
}

// Len returns the number of slices, zero for a nil volume
func (p *PredictionVolume) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Slices)
}

// Overlay pairs a label slice with the name it is annotated with
type Overlay struct {
	Label Slice
	Name  string
}

// Composed is an intensity slice together with the label overlays drawn on it
type Composed struct {
	Image    Slice
	Overlays []Overlay

	// Offset is the 0-based volume index the content was taken from
	Offset int
}

// Slot is one fixed display position. A hidden slot has no content.
type Slot struct {
	Visible bool
	Content *Composed
}
