package volume

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"mrisegview/internal/models"
	"mrisegview/pkg/nifti"
)

// ErrVolumeLoad is the kind carried by every VolumeLoadError.
var ErrVolumeLoad = errors.New("volume load failed")

// maxWindowSamples caps how many voxels are sorted to find the intensity window
const maxWindowSamples = 1 << 20

// VolumeLoadError reports a scan or prediction file that could not be turned
// into slices.
type VolumeLoadError struct {
	Path string
	Err  error
}

func (e *VolumeLoadError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrVolumeLoad.Error(), e.Path, e.Err)
}

func (e *VolumeLoadError) Unwrap() error { return e.Err }

func (e *VolumeLoadError) Is(target error) bool { return target == ErrVolumeLoad }

// Loader turns volume files into slice sequences.
type Loader interface {
	// LoadVolume reads an intensity scan
	LoadVolume(path string) (*models.Volume, error)

	// LoadPrediction reads a label volume written by the segmentation model
	LoadPrediction(path string) (*models.PredictionVolume, error)
}

// NIfTILoader loads .nii and .nii.gz files, slicing along the third axis.
type NIfTILoader struct {
	// WindowLow and WindowHigh are the intensity quantiles mapped to 0 and 1
	WindowLow  float64
	WindowHigh float64
}

// NewNIfTILoader returns a loader with the given display window
func NewNIfTILoader(low, high float64) *NIfTILoader {
	return &NIfTILoader{WindowLow: low, WindowHigh: high}
}

// LoadVolume reads the scan and windows its intensities to [0,1]
func (l *NIfTILoader) LoadVolume(path string) (*models.Volume, error) {
	img, err := nifti.ReadFile(path)
	if err != nil {
		return nil, &VolumeLoadError{Path: path, Err: err}
	}

	lo, hi := intensityWindow(img.Data, l.WindowLow, l.WindowHigh)
	scale := 0.0
	if hi > lo {
		scale = 1 / (hi - lo)
	}

	vol := &models.Volume{
		Slices:  make([]models.Slice, img.Nz),
		Spacing: img.Spacing,
	}
	for z := 0; z < img.Nz; z++ {
		src := img.Slice(z)
		s := models.NewSlice(img.Nx, img.Ny)
		for i, v := range src {
			w := (v - lo) * scale
			if w < 0 {
				w = 0
			} else if w > 1 {
				w = 1
			}
			s.Data[i] = w
		}
		vol.Slices[z] = s
	}
	return vol, nil
}

// LoadPrediction reads the label volume and binarises it: any positive label is 1
func (l *NIfTILoader) LoadPrediction(path string) (*models.PredictionVolume, error) {
	img, err := nifti.ReadFile(path)
	if err != nil {
		return nil, &VolumeLoadError{Path: path, Err: err}
	}

	pred := &models.PredictionVolume{
		Slices:  make([]models.Slice, img.Nz),
		Spacing: img.Spacing,
	}
	for z := 0; z < img.Nz; z++ {
		src := img.Slice(z)
		s := models.NewSlice(img.Nx, img.Ny)
		for i, v := range src {
			if v > 0 {
				s.Data[i] = 1
			}
		}
		pred.Slices[z] = s
	}
	return pred, nil
}

// intensityWindow returns the values at the low and high quantiles of data,
// estimated from an evenly strided sample for large volumes.
func intensityWindow(data []float64, low, high float64) (float64, float64) {
	if len(data) == 0 {
		return 0, 0
	}
	stride := 1
	if len(data) > maxWindowSamples {
		stride = (len(data) + maxWindowSamples - 1) / maxWindowSamples
	}
	sample := make([]float64, 0, len(data)/stride+1)
	for i := 0; i < len(data); i += stride {
		sample = append(sample, data[i])
	}
	sort.Float64s(sample)

	lo := stat.Quantile(low, stat.Empirical, sample, nil)
	hi := stat.Quantile(high, stat.Empirical, sample, nil)
	return lo, hi
}
