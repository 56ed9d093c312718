package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradientImage(nx, ny, nz int, datatype int16) *Image {
	img := NewImage(nx, ny, nz)
	img.Datatype = datatype
	img.Spacing = [3]float64{0.5, 0.5, 2}
	for i := range img.Data {
		img.Data[i] = float64(i % 200)
	}
	return img
}

func TestWriteReadFileCompressed(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	for _, name := range []string{"scan.nii", "scan.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			img := gradientImage(6, 5, 4, DTInt16)
			require.NoError(t, WriteFile(path, img))

			got, err := ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, 6, got.Nx)
			assert.Equal(t, 5, got.Ny)
			assert.Equal(t, 4, got.Nz)
			assert.Equal(t, DTInt16, got.Datatype)
			assert.Equal(t, [3]float64{0.5, 0.5, 2}, got.Spacing)
			assert.Equal(t, img.Data, got.Data)
		})
	}
}

func TestSliceIsContiguousPlane(t *testing.T) {
	img := NewImage(3, 2, 2)
	for i := range img.Data {
		img.Data[i] = float64(i)
	}
	assert.Equal(t, []float64{6, 7, 8, 9, 10, 11}, img.Slice(1))
}

func TestReadAppliesScaling(t *testing.T) {
	var buf bytes.Buffer
	img := gradientImage(2, 2, 1, DTUint8)
	require.NoError(t, Write(&buf, img))

	raw := buf.Bytes()
	// scl_slope at byte 112, scl_inter at 116
	binary.LittleEndian.PutUint32(raw[112:], 0x40000000) // 2.0
	binary.LittleEndian.PutUint32(raw[116:], 0x3f800000) // 1.0

	got, err := Read(bytes.NewReader(raw))
	require.NoError(t, err)
	for i, v := range img.Data {
		assert.Equal(t, v*2+1, got.Data[i])
	}
}

func TestReadBigEndianHeader(t *testing.T) {
	h := header{
		SizeofHdr: headerSize,
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: defaultVoxOffset,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, 2, 1, 1, 1, 1, 1, 1}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &h))
	buf.Write(make([]byte, 4))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []float32{1.5, -3}))

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -3}, got.Data)
	assert.Equal(t, [3]float64{1, 1, 1}, got.Spacing)
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := Read(bytes.NewReader(bytes.Repeat([]byte{0xAB}, 400)))
	assert.True(t, errors.Is(err, ErrNotNIfTI))

	_, err = Read(bytes.NewReader(nil))
	assert.True(t, errors.Is(err, ErrNotNIfTI))
}

func TestWriteRejectsUnsupportedDatatype(t *testing.T) {
	img := NewImage(1, 1, 1)
	img.Datatype = 128 // RGB24
	err := Write(&bytes.Buffer{}, img)
	assert.True(t, errors.Is(err, ErrUnsupportedDatatype))
}

func TestWriteClampsIntegerTypes(t *testing.T) {
	img := NewImage(3, 1, 1)
	img.Datatype = DTUint8
	img.Data = []float64{-4, 0.6, 300}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, img))
	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 255}, got.Data)
}

// headerOnly encodes a header claiming the given dimensions with no voxel data
func headerOnly(t *testing.T, nx, ny, nz, datatype int16) []byte {
	t.Helper()
	width, err := bytesPerVoxel(datatype)
	require.NoError(t, err)
	h := header{
		SizeofHdr: headerSize,
		Datatype:  datatype,
		Bitpix:    int16(width * 8),
		VoxOffset: defaultVoxOffset,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, nx, ny, nz, 1, 1, 1, 1}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &h))
	buf.Write(make([]byte, defaultVoxOffset-headerSize))
	return buf.Bytes()
}

func TestReadRejectsOversizedHeader(t *testing.T) {
	for _, dims := range [][3]int16{{1024, 1024, 512}, {32767, 32767, 32767}} {
		_, err := Read(bytes.NewReader(headerOnly(t, dims[0], dims[1], dims[2], DTFloat64)))
		assert.True(t, errors.Is(err, ErrTooLarge), "%v", dims)
	}

	defer func(old int) { MaxVoxels = old }(MaxVoxels)
	MaxVoxels = 10
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, NewImage(3, 3, 3)))
	_, err := Read(&buf)
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestReadTruncatedDataAllocatesLittle(t *testing.T) {
	// 64M float64 voxels claimed, none present
	raw := headerOnly(t, 512, 512, 256, DTFloat64)

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	_, err := Read(bytes.NewReader(raw))
	runtime.ReadMemStats(&after)

	require.Error(t, err)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20))

	// data that stops partway through is an error too
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, gradientImage(64, 64, 4, DTInt16)))
	_, err = Read(bytes.NewReader(buf.Bytes()[:buf.Len()-100]))
	assert.Error(t, err)
}

func TestWriteRejectsDimensionsOutsideHeader(t *testing.T) {
	for _, img := range []*Image{NewImage(40000, 1, 1), NewImage(0, 2, 2)} {
		err := Write(&bytes.Buffer{}, img)
		assert.Error(t, err, "%dx%dx%d", img.Nx, img.Ny, img.Nz)
	}
}
