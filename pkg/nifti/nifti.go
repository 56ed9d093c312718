// Package nifti reads and writes single-file NIfTI-1 images (.nii and .nii.gz).
//
// Only what a segmentation viewer needs is supported: 3D scalar volumes of the
// common integer and floating point datatypes, with intensity scaling applied
// on read. Voxels are stored x fastest, then y, then z, so slice z of an image
// is the contiguous run Data[z*Nx*Ny : (z+1)*Nx*Ny].
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// NIfTI-1 datatype codes
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTUint16  int16 = 512
)

const (
	headerSize = 348
	// vox_offset of a single-file image without extensions
	defaultVoxOffset = 352
)

// voxel data is decoded this many bytes at a time
const readChunkBytes = 1 << 20

// MaxVoxels bounds the image size Read accepts. The header alone decides the
// size, so larger claims are rejected before any voxel memory is allocated.
var MaxVoxels = 1 << 28

var (
	ErrNotNIfTI            = errors.New("not a NIfTI-1 file")
	ErrUnsupportedDatatype = errors.New("unsupported NIfTI datatype")
	ErrTooLarge            = errors.New("NIfTI image too large")
)

// header mirrors the 348-byte NIfTI-1 header field by field.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Image is a decoded 3D volume
type Image struct {
	// Nx, Ny, Nz are the volume dimensions; Nz is the slice axis
	Nx, Ny, Nz int

	// Spacing is the voxel size in mm along x, y, z
	Spacing [3]float64

	// Datatype is the on-disk datatype code
	Datatype int16

	// Data holds Nx*Ny*Nz scaled voxel values
	Data []float64
}

// NewImage allocates a zeroed image
func NewImage(nx, ny, nz int) *Image {
	return &Image{
		Nx:       nx,
		Ny:       ny,
		Nz:       nz,
		Spacing:  [3]float64{1, 1, 1},
		Datatype: DTFloat32,
		Data:     make([]float64, nx*ny*nz),
	}
}

// Slice returns the voxels of plane z without copying
func (img *Image) Slice(z int) []float64 {
	size := img.Nx * img.Ny
	return img.Data[z*size : (z+1)*size]
}

// ReadFile decodes the image at path, gunzipping it when needed
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Read decodes an image from r. Gzip compression is detected from the stream.
func Read(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotNIfTI, err)
	}
	var src io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(src, raw); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrNotNIfTI, err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw) == headerSize:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: bad sizeof_hdr", ErrNotNIfTI)
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if !bytes.Equal(h.Magic[:3], []byte("n+1")) {
		return nil, fmt.Errorf("%w: magic %q (only single-file images are supported)", ErrNotNIfTI, h.Magic[:3])
	}

	ndim := int(h.Dim[0])
	if ndim < 2 || ndim > 7 {
		return nil, fmt.Errorf("%w: %d dimensions", ErrNotNIfTI, ndim)
	}
	img := &Image{Nx: int(h.Dim[1]), Ny: int(h.Dim[2]), Nz: 1, Datatype: h.Datatype}
	if ndim >= 3 {
		img.Nz = int(h.Dim[3])
	}
	// trailing dimensions (time, components) must be singleton
	for d := 4; d <= ndim; d++ {
		if h.Dim[d] > 1 {
			return nil, fmt.Errorf("%w: dimension %d has size %d, only 3D volumes are supported", ErrNotNIfTI, d, h.Dim[d])
		}
	}
	if img.Nx <= 0 || img.Ny <= 0 || img.Nz <= 0 {
		return nil, fmt.Errorf("%w: non-positive dimensions %dx%dx%d", ErrNotNIfTI, img.Nx, img.Ny, img.Nz)
	}
	for i := 0; i < 3; i++ {
		img.Spacing[i] = math.Abs(float64(h.Pixdim[i+1]))
		if img.Spacing[i] == 0 {
			img.Spacing[i] = 1
		}
	}

	if n := img.Nx * img.Ny * img.Nz; n > MaxVoxels {
		return nil, fmt.Errorf("%w: %dx%dx%d voxels, at most %d allowed", ErrTooLarge, img.Nx, img.Ny, img.Nz, MaxVoxels)
	}

	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("%w: vox_offset %g inside header", ErrNotNIfTI, h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, src, skip); err != nil {
		return nil, fmt.Errorf("skip to voxel data: %w", err)
	}

	n := img.Nx * img.Ny * img.Nz
	if img.Data, err = readVoxels(src, order, h.Datatype, n); err != nil {
		return nil, err
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !(slope == 1 && inter == 0) {
		for i, v := range img.Data {
			img.Data[i] = v*slope + inter
		}
	}
	return img, nil
}

func readVoxels(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float64, error) {
	width, err := bytesPerVoxel(datatype)
	if err != nil {
		return nil, err
	}
	// grow with the data actually present, a truncated file fails early
	perChunk := readChunkBytes / width
	buf := make([]byte, perChunk*width)
	out := make([]float64, 0, min(n, perChunk))
	for len(out) < n {
		m := min(n-len(out), perChunk)
		chunk := buf[:m*width]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, fmt.Errorf("read %d voxels after %d: %w", n, len(out), err)
		}
		for i := 0; i < m; i++ {
			out = append(out, decodeVoxel(chunk[i*width:(i+1)*width], order, datatype))
		}
	}
	return out, nil
}

func decodeVoxel(b []byte, order binary.ByteOrder, datatype int16) float64 {
	switch datatype {
	case DTUint8:
		return float64(b[0])
	case DTInt16:
		return float64(int16(order.Uint16(b)))
	case DTUint16:
		return float64(order.Uint16(b))
	case DTInt32:
		return float64(int32(order.Uint32(b)))
	case DTFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case DTFloat64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

func bytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case DTUint8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedDatatype, datatype)
}

// WriteFile encodes img at path in little endian byte order using
// img.Datatype. Paths ending in .gz are gzip compressed.
func WriteFile(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var w io.Writer = f
	var zw *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zw = gzip.NewWriter(f)
		w = zw
	}
	bw := bufio.NewWriter(w)

	err = Write(bw, img)
	if err == nil {
		err = bw.Flush()
	}
	if zw != nil {
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Write encodes img to w without compression
func Write(w io.Writer, img *Image) error {
	width, err := bytesPerVoxel(img.Datatype)
	if err != nil {
		return err
	}
	for _, d := range []int{img.Nx, img.Ny, img.Nz} {
		if d <= 0 || d > math.MaxInt16 {
			return fmt.Errorf("dimensions %dx%dx%d do not fit a NIfTI-1 header", img.Nx, img.Ny, img.Nz)
		}
	}
	if len(img.Data) != img.Nx*img.Ny*img.Nz {
		return fmt.Errorf("image has %d voxels, dimensions say %d", len(img.Data), img.Nx*img.Ny*img.Nz)
	}

	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  img.Datatype,
		Bitpix:    int16(width * 8),
		VoxOffset: defaultVoxOffset,
		SclSlope:  1,
		XyztUnits: 2, // mm
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(img.Nx), int16(img.Ny), int16(img.Nz), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, float32(img.Spacing[0]), float32(img.Spacing[1]), float32(img.Spacing[2]), 1, 1, 1, 1}

	order := binary.LittleEndian
	if err := binary.Write(w, order, &h); err != nil {
		return err
	}
	// empty extension block
	if _, err := w.Write(make([]byte, defaultVoxOffset-headerSize)); err != nil {
		return err
	}

	buf := make([]byte, width)
	for _, v := range img.Data {
		switch img.Datatype {
		case DTUint8:
			buf[0] = uint8(clamp(math.Round(v), 0, math.MaxUint8))
		case DTInt16:
			order.PutUint16(buf, uint16(int16(clamp(math.Round(v), math.MinInt16, math.MaxInt16))))
		case DTUint16:
			order.PutUint16(buf, uint16(clamp(math.Round(v), 0, math.MaxUint16)))
		case DTInt32:
			order.PutUint32(buf, uint32(int32(clamp(math.Round(v), math.MinInt32, math.MaxInt32))))
		case DTFloat32:
			order.PutUint32(buf, math.Float32bits(float32(v)))
		case DTFloat64:
			order.PutUint64(buf, math.Float64bits(v))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
