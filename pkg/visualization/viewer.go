// Package visualization renders composed slices to images: the intensity
// slice in grey with every labelled pixel tinted in the overlay colour.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mrisegview/internal/models"
	"mrisegview/pkg/slicewindow"
	"mrisegview/pkg/volume"
)

// Renderer draws composed slices with a single overlay colour.
type Renderer struct {
	// overlay is the tint applied where a label is set
	overlay color.RGBA

	// alpha is the weight of the tint, 0 leaves the slice untouched
	alpha float64
}

// NewRenderer creates a renderer from a #rrggbb colour and an opacity in [0,1]
func NewRenderer(hexColor string, alpha float64) (*Renderer, error) {
	c, err := ParseHexColor(hexColor)
	if err != nil {
		return nil, err
	}
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("overlay alpha %g outside [0,1]", alpha)
	}
	return &Renderer{overlay: c, alpha: alpha}, nil
}

// ParseHexColor parses #rrggbb or #rgb
func ParseHexColor(s string) (color.RGBA, error) {
	h := strings.TrimPrefix(s, "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid colour %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid colour %q: %v", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

// Render draws c as an RGBA image the size of its intensity slice
func (r *Renderer) Render(c models.Composed) *image.RGBA {
	s := c.Image
	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	for y := 0; y < s.Height; y++ {
		for x := 0; x < s.Width; x++ {
			g := uint8(math.Max(0, math.Min(255, math.Round(s.At(x, y)*255))))
			px := color.RGBA{R: g, G: g, B: g, A: 0xff}
			for _, o := range c.Overlays {
				if o.Label.Width == s.Width && o.Label.Height == s.Height && o.Label.At(x, y) > 0 {
					px = r.blend(px)
					break
				}
			}
			img.SetRGBA(x, y, px)
		}
	}
	return img
}

func (r *Renderer) blend(px color.RGBA) color.RGBA {
	mix := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a)*(1-r.alpha) + float64(b)*r.alpha))
	}
	return color.RGBA{
		R: mix(px.R, r.overlay.R),
		G: mix(px.G, r.overlay.G),
		B: mix(px.B, r.overlay.B),
		A: 0xff,
	}
}

// EncodePNG writes img as PNG
func EncodePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

// SaveSlice saves a rendered slice as PNG or JPEG, chosen by the extension
func (r *Renderer) SaveSlice(img image.Image, filename string) error {
	var encode func(io.Writer, image.Image) error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		encode = func(w io.Writer, img image.Image) error {
			return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
		}
	case ".png":
		encode = EncodePNG
	default:
		return fmt.Errorf("unsupported image format %q", filepath.Ext(filename))
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence renders every slice of the snapshot, annotated with
// label, into outputDir as slice_000.<format> onwards. It returns the number
// of files written.
func (r *Renderer) SaveSliceSequence(snap volume.Snapshot, label, outputDir, format string) (int, error) {
	switch format {
	case "png", "jpg", "jpeg":
	default:
		return 0, fmt.Errorf("invalid format: %s (must be png or jpg)", format)
	}
	if snap.Len() == 0 {
		return 0, volume.ErrEmptyVolume
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	for k := 1; k <= snap.Len(); k++ {
		c, ok := slicewindow.Current(k, snap, label)
		if !ok {
			return k - 1, volume.ErrLengthMismatch
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%03d.%s", c.Offset, format))
		if err := r.SaveSlice(r.Render(c), filename); err != nil {
			return k - 1, err
		}
	}
	return snap.Len(), nil
}
