package visualization

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"mrisegview/internal/models"
	"mrisegview/pkg/volume"
)

// testComposed returns a width x height slice at the given grey level with
// the left half labelled
func testComposed(width, height int, grey float64) models.Composed {
	img := models.NewSlice(width, height)
	label := models.NewSlice(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Data[y*width+x] = grey
			if x < width/2 {
				label.Data[y*width+x] = 1
			}
		}
	}
	return models.Composed{Image: img, Overlays: []models.Overlay{{Label: label, Name: "Tumor"}}}
}

// TestParseHexColor verifies the accepted colour notations
func TestParseHexColor(t *testing.T) {
	c, err := ParseHexColor("#ffae00")
	if err != nil {
		t.Fatalf("Failed to parse colour: %v", err)
	}
	if c != (color.RGBA{R: 0xff, G: 0xae, B: 0x00, A: 0xff}) {
		t.Errorf("Unexpected colour %v", c)
	}

	c, err = ParseHexColor("0f0")
	if err != nil || c != (color.RGBA{G: 0xff, A: 0xff}) {
		t.Errorf("Expected short form to expand to green, got %v (%v)", c, err)
	}

	for _, bad := range []string{"", "#12345", "#gggggg"} {
		if _, err := ParseHexColor(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

// TestNewRenderer verifies parameter checks
func TestNewRenderer(t *testing.T) {
	if _, err := NewRenderer("#ffae00", 1.5); err == nil {
		t.Error("Expected error for alpha above 1")
	}
	if _, err := NewRenderer("orange", 0.5); err == nil {
		t.Error("Expected error for a named colour")
	}
}

// TestRender verifies grey levels and overlay blending
func TestRender(t *testing.T) {
	r, err := NewRenderer("#ff0000", 0.5)
	if err != nil {
		t.Fatalf("Failed to create renderer: %v", err)
	}

	width, height := 10, 6
	img := r.Render(testComposed(width, height, 0.2))

	bounds := img.Bounds()
	if bounds.Dx() != width || bounds.Dy() != height {
		t.Fatalf("Expected %dx%d image, got %dx%d", width, height, bounds.Dx(), bounds.Dy())
	}

	// grey 0.2 -> 51; blended half way with red -> (153, 26, 26)
	if got := img.RGBAAt(width-1, 0); got != (color.RGBA{R: 51, G: 51, B: 51, A: 255}) {
		t.Errorf("Expected unlabelled pixel to stay grey, got %v", got)
	}
	if got := img.RGBAAt(0, 0); got != (color.RGBA{R: 153, G: 26, B: 26, A: 255}) {
		t.Errorf("Expected labelled pixel to be tinted, got %v", got)
	}
}

// TestRenderClampsIntensity verifies out-of-window values saturate
func TestRenderClampsIntensity(t *testing.T) {
	r, _ := NewRenderer("#ffae00", 0)
	c := models.Composed{Image: models.Slice{Data: []float64{-1, 2}, Width: 2, Height: 1}}
	img := r.Render(c)
	if img.RGBAAt(0, 0).R != 0 || img.RGBAAt(1, 0).R != 255 {
		t.Errorf("Expected clamped values 0 and 255, got %v and %v", img.RGBAAt(0, 0), img.RGBAAt(1, 0))
	}
}

// TestEncodePNG verifies the PNG round trip keeps the pixels
func TestEncodePNG(t *testing.T) {
	r, _ := NewRenderer("#ffae00", 0.5)
	img := r.Render(testComposed(4, 4, 0.5))

	var buf bytes.Buffer
	if err := EncodePNG(&buf, img); err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	decoded, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if decoded.Bounds() != img.Bounds() {
		t.Errorf("Expected bounds %v, got %v", img.Bounds(), decoded.Bounds())
	}
	r1, g1, b1, _ := decoded.At(0, 0).RGBA()
	r2, g2, b2, _ := img.At(0, 0).RGBA()
	if r1 != r2 || g1 != g2 || b1 != b2 {
		t.Errorf("Pixel changed in round trip")
	}
}

// TestSaveSlice verifies that slices can be saved to disk
func TestSaveSlice(t *testing.T) {
	// Skip this test in short mode
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	tempDir := t.TempDir()
	r, _ := NewRenderer("#ffae00", 0.5)
	img := r.Render(testComposed(10, 10, 0.5))

	for _, name := range []string{"test_slice.png", "test_slice.jpg"} {
		filename := filepath.Join(tempDir, name)
		if err := r.SaveSlice(img, filename); err != nil {
			t.Fatalf("Failed to save slice: %v", err)
		}
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Saved file does not exist: %s", filename)
		}
	}

	// the file is complete once SaveSlice returns
	data, err := os.ReadFile(filepath.Join(tempDir, "test_slice.png"))
	if err != nil {
		t.Fatalf("Failed to read saved slice: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("Saved PNG does not decode: %v", err)
	}

	bmp := filepath.Join(tempDir, "test_slice.bmp")
	if err := r.SaveSlice(img, bmp); err == nil {
		t.Error("Expected error for unsupported format, got nil")
	}
	if _, err := os.Stat(bmp); !os.IsNotExist(err) {
		t.Errorf("Unsupported format left a file behind: %s", bmp)
	}

	if err := r.SaveSlice(img, filepath.Join(tempDir, "missing", "slice.png")); err == nil {
		t.Error("Expected error for a missing directory, got nil")
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	// Skip this test in short mode
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	depth := 3
	vol := &models.Volume{}
	pred := &models.PredictionVolume{}
	for z := 0; z < depth; z++ {
		c := testComposed(5, 5, 0.5)
		vol.Slices = append(vol.Slices, c.Image)
		pred.Slices = append(pred.Slices, c.Overlays[0].Label)
	}
	store := volume.NewStore()
	if err := store.Replace(vol, pred); err != nil {
		t.Fatalf("Failed to fill store: %v", err)
	}

	r, _ := NewRenderer("#ffae00", 0.5)
	outputDir := filepath.Join(t.TempDir(), "slices")
	n, err := r.SaveSliceSequence(store.Snapshot(), "meningioma", outputDir, "png")
	if err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}
	if n != depth {
		t.Errorf("Expected %d files, got %d", depth, n)
	}

	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%03d.png", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	// Test invalid format
	if _, err := r.SaveSliceSequence(store.Snapshot(), "meningioma", outputDir, "tiff"); err == nil {
		t.Error("Expected error for invalid format, got nil")
	}

	// Test empty store
	if _, err := r.SaveSliceSequence(volume.NewStore().Snapshot(), "meningioma", outputDir, "png"); err == nil {
		t.Error("Expected error for an empty volume, got nil")
	}
}
