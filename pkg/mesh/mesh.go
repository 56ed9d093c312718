// Package mesh converts a prediction volume into a renderable surface mesh
// and writes it as Wavefront OBJ or binary STL.
package mesh

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"mrisegview/pkg/logging"
	"mrisegview/pkg/nifti"
)

// ErrExternalMesh is the kind carried by every ExternalMeshError.
var ErrExternalMesh = errors.New("mesh extraction failed")

// ExternalMeshError reports a prediction that could not be turned into a mesh file.
type ExternalMeshError struct {
	PredictionPath string
	Err            error
}

func (e *ExternalMeshError) Error() string {
	return fmt.Sprintf("%s for %s: %v", ErrExternalMesh.Error(), e.PredictionPath, e.Err)
}

func (e *ExternalMeshError) Unwrap() error { return e.Err }

func (e *ExternalMeshError) Is(target error) bool { return target == ErrExternalMesh }

// Extractor writes a mesh for the prediction volume at predictionPath to meshPath.
type Extractor interface {
	Extract(ctx context.Context, predictionPath, meshPath string) error
}

// IsoSurface is the built-in Extractor: it reads a NIfTI label volume and
// extracts the surface of the labelled region. The format follows the
// extension of the mesh path (.obj or .stl).
type IsoSurface struct {
	IsoLevel float64
	Workers  int
}

// NewIsoSurface returns an extractor for binary label volumes
func NewIsoSurface(isoLevel float64, workers int) *IsoSurface {
	return &IsoSurface{IsoLevel: isoLevel, Workers: workers}
}

// Extract implements Extractor
func (s *IsoSurface) Extract(ctx context.Context, predictionPath, meshPath string) error {
	fail := func(err error) error {
		return &ExternalMeshError{PredictionPath: predictionPath, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	img, err := nifti.ReadFile(predictionPath)
	if err != nil {
		return fail(err)
	}

	// pad by one voxel so regions touching the border still get closed caps
	data, w, h, d := pad(img.Data, img.Nx, img.Ny, img.Nz)
	for i, v := range data {
		if v > 0 {
			data[i] = 1
		}
	}

	mt := NewMarchingTetrahedra(data, w, h, d, s.IsoLevel)
	mt.SetScale(float32(img.Spacing[0]), float32(img.Spacing[1]), float32(img.Spacing[2]))
	mt.SetWorkers(s.Workers)
	triangles := mt.GenerateTriangles()

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := os.MkdirAll(filepath.Dir(meshPath), 0755); err != nil {
		return fail(err)
	}

	switch strings.ToLower(filepath.Ext(meshPath)) {
	case ".stl":
		err = SaveToSTL(meshPath, triangles)
	case ".obj":
		err = SaveToOBJ(meshPath, triangles)
	default:
		err = fmt.Errorf("unsupported mesh format %q", filepath.Ext(meshPath))
	}
	if err != nil {
		return fail(err)
	}

	if info, err := os.Stat(meshPath); err == nil {
		logging.Infof("Wrote %d triangles to %s (%s)", len(triangles), meshPath, humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

// pad surrounds a volume with a one voxel border of zeros
func pad(data []float64, w, h, d int) ([]float64, int, int, int) {
	pw, ph, pd := w+2, h+2, d+2
	out := make([]float64, pw*ph*pd)
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			src := data[z*w*h+y*w : z*w*h+y*w+w]
			dst := (z+1)*pw*ph + (y+1)*pw + 1
			copy(out[dst:dst+w], src)
		}
	}
	return out, pw, ph, pd
}

// SaveToSTL writes triangles as a binary STL file
func SaveToSTL(filename string, triangles []Triangle) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	var header [80]byte
	copy(header[:], "mrisegview binary STL")
	if _, err := w.Write(header[:]); err != nil {
		f.Close()
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		f.Close()
		return err
	}

	var rec [50]byte
	for _, t := range triangles {
		putVec(rec[0:], t.Normal)
		putVec(rec[12:], t.Vertex1)
		putVec(rec[24:], t.Vertex2)
		putVec(rec[36:], t.Vertex3)
		// attribute byte count stays zero
		if _, err := w.Write(rec[:]); err != nil {
			f.Close()
			return err
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func putVec(b []byte, v [3]float32) {
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v[i]))
	}
}

// SaveToOBJ writes triangles as a Wavefront OBJ file with per-face normals
func SaveToOBJ(filename string, triangles []Triangle) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	fmt.Fprintf(w, "# mrisegview surface, %d triangles\n", len(triangles))
	for _, t := range triangles {
		for _, v := range [3][3]float32{t.Vertex1, t.Vertex2, t.Vertex3} {
			fmt.Fprintf(w, "v %g %g %g\n", v[0], v[1], v[2])
		}
	}
	for _, t := range triangles {
		fmt.Fprintf(w, "vn %g %g %g\n", t.Normal[0], t.Normal[1], t.Normal[2])
	}
	for i := range triangles {
		v := 3*i + 1
		n := i + 1
		fmt.Fprintf(w, "f %d//%d %d//%d %d//%d\n", v, n, v+1, n, v+2, n)
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
