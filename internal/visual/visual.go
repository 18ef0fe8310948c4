// Package visual renders segmentation overlays and uncertainty heat maps
// to PNG files.
package visual

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

// ErrShape is returned when a mask or field does not match the image.
var ErrShape = errors.New("visual: size mismatch")

// #region types
// MaskedLabels is a label map with a hide mask; hidden pixels are drawn
// without overlay.
type MaskedLabels struct {
	Labels tensor.LabelMap
	Mask   []bool
}

// Field is a scalar map with a hide mask; hidden pixels are transparent.
type Field struct {
	H, W   int
	Values []float64
	Mask   []bool
	// Lo and Hi fix the colour range; equal values mean the unmasked
	// min and max.
	Lo, Hi float64
}

// Renderer writes PNG files.
type Renderer struct{}

// #endregion types

// #region palette
// DefaultPalette spaces n hues evenly in HCL so neighbouring classes stay
// distinguishable.
func DefaultPalette(n int) [][3]uint8 {
	out := make([][3]uint8, n)
	for i := range out {
		c := colorful.Hcl(360*float64(i)/float64(max(n, 1)), 0.55, 0.65).Clamped()
		r, g, b := c.RGB255()
		out[i] = [3]uint8{r, g, b}
	}
	return out
}

var (
	heatLo  = colorful.Color{R: 0.19, G: 0.07, B: 0.23}
	heatMid = colorful.Color{R: 0.98, G: 0.73, B: 0.22}
	heatHi  = colorful.Color{R: 0.48, G: 0.02, B: 0.01}
)

// Colormap maps t in [0, 1] along a dark-violet, amber, dark-red ramp
// blended in Lab space.
func Colormap(t float64) color.NRGBA {
	t = math.Min(math.Max(t, 0), 1)
	var c colorful.Color
	if t < 0.5 {
		c = heatLo.BlendLab(heatMid, 2*t)
	} else {
		c = heatMid.BlendLab(heatHi, 2*t-1)
	}
	r, g, b := c.Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

// #endregion palette

// #region show-result
// ShowResult writes the image followed by one overlay panel per mask,
// left to right. Labels outside the palette are drawn as in the image.
func (Renderer) ShowResult(img *tensor.Tensor, masks []MaskedLabels, palette [][3]uint8, outFile string, opacity float64) error {
	base := toRGB(img)
	h, w := img.H, img.W
	canvas := image.NewNRGBA(image.Rect(0, 0, w*(len(masks)+1), h))
	for y := range h {
		for x := range w {
			canvas.SetNRGBA(x, y, base[y*w+x])
		}
	}
	for p, m := range masks {
		if m.Labels.H != h || m.Labels.W != w || (m.Mask != nil && len(m.Mask) != h*w) {
			return fmt.Errorf("mask %d is %dx%d for a %dx%d image: %w", p, m.Labels.H, m.Labels.W, h, w, ErrShape)
		}
		off := (p + 1) * w
		for i, v := range m.Labels.Data {
			px := base[i]
			if (m.Mask == nil || !m.Mask[i]) && v >= 0 && v < len(palette) {
				px = blend(px, palette[v], opacity)
			}
			canvas.SetNRGBA(off+i%w, i/w, px)
		}
	}
	return writePNG(outFile, canvas)
}

func blend(px color.NRGBA, c [3]uint8, opacity float64) color.NRGBA {
	mix := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a)*(1-opacity) + float64(b)*opacity))
	}
	return color.NRGBA{R: mix(px.R, c[0]), G: mix(px.G, c[1]), B: mix(px.B, c[2]), A: 255}
}

// toRGB min-max normalises the first three channels of batch item 0;
// single-channel images are drawn in grey.
func toRGB(img *tensor.Tensor) []color.NRGBA {
	hw := img.H * img.W
	chans := make([][]float64, 3)
	for c := range chans {
		chans[c] = img.Plane(0, min(c, img.C-1))
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, ch := range chans {
		for _, v := range ch {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	scale := 0.0
	if hi > lo {
		scale = 255 / (hi - lo)
	}
	out := make([]color.NRGBA, hw)
	for i := range out {
		q := func(c int) uint8 { return uint8(math.Round((chans[c][i] - lo) * scale)) }
		out[i] = color.NRGBA{R: q(0), G: q(1), B: q(2), A: 255}
	}
	return out
}

// #endregion show-result

// #region heatmap
// Heatmap writes f through Colormap; masked pixels are transparent.
func (Renderer) Heatmap(f Field, outFile string) error {
	if len(f.Values) != f.H*f.W || (f.Mask != nil && len(f.Mask) != len(f.Values)) {
		return fmt.Errorf("field %dx%d with %d values: %w", f.H, f.W, len(f.Values), ErrShape)
	}
	lo, hi := f.Lo, f.Hi
	if lo == hi {
		lo, hi = math.Inf(1), math.Inf(-1)
		for i, v := range f.Values {
			if f.Mask != nil && f.Mask[i] {
				continue
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	img := image.NewNRGBA(image.Rect(0, 0, f.W, f.H))
	for i, v := range f.Values {
		if f.Mask != nil && f.Mask[i] {
			continue
		}
		t := 0.0
		if hi > lo {
			t = (v - lo) / (hi - lo)
		}
		img.SetNRGBA(i%f.W, i/f.W, Colormap(t))
	}
	return writePNG(outFile, img)
}

// #endregion heatmap

func writePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
