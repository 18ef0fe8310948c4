package visual

import (
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

func decode(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return img
}

func TestDefaultPalette_Distinct(t *testing.T) {
	p := DefaultPalette(6)
	seen := map[[3]uint8]bool{}
	for _, c := range p {
		if seen[c] {
			t.Fatalf("repeated colour %v in %v", c, p)
		}
		seen[c] = true
	}
}

func TestShowResult_PanelsAndMask(t *testing.T) {
	img := tensor.New(1, 3, 2, 2)
	for i := range img.Data {
		img.Data[i] = float64(i)
	}
	labels := tensor.LabelMap{H: 2, W: 2, Data: []int{0, 1, 1, 0}}
	masks := []MaskedLabels{
		{Labels: labels, Mask: []bool{true, false, false, false}},
		{Labels: labels},
	}
	out := filepath.Join(t.TempDir(), "sub", "show.png")
	if err := (Renderer{}).ShowResult(img, masks, [][3]uint8{{255, 0, 0}, {0, 0, 255}}, out, 1); err != nil {
		t.Fatalf("show: %v", err)
	}
	got := decode(t, out)
	if b := got.Bounds(); b.Dx() != 6 || b.Dy() != 2 {
		t.Fatalf("canvas %v, want 6x2", b)
	}
	if got.At(2, 0) != got.At(0, 0) {
		t.Error("masked pixel should show the plain image")
	}
	if r, g, b, _ := got.At(4, 0).RGBA(); r>>8 != 255 || g != 0 || b != 0 {
		t.Errorf("class 0 at full opacity should be red, got %d %d %d", r>>8, g>>8, b>>8)
	}
}

func TestShowResult_SizeMismatch(t *testing.T) {
	masks := []MaskedLabels{{Labels: tensor.NewLabelMap(3, 3)}}
	err := (Renderer{}).ShowResult(tensor.New(1, 3, 2, 2), masks, DefaultPalette(2), filepath.Join(t.TempDir(), "x.png"), 0.5)
	if !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestHeatmap_MaskedTransparent(t *testing.T) {
	out := filepath.Join(t.TempDir(), "conf.png")
	f := Field{H: 1, W: 3, Values: []float64{0, 0.5, 1}, Mask: []bool{false, true, false}}
	if err := (Renderer{}).Heatmap(f, out); err != nil {
		t.Fatalf("heatmap: %v", err)
	}
	got := decode(t, out)
	if _, _, _, a := got.At(1, 0).RGBA(); a != 0 {
		t.Errorf("masked pixel alpha %d, want 0", a)
	}
	lo, hi := Colormap(0), Colormap(1)
	if r, _, _, _ := got.At(0, 0).RGBA(); uint8(r>>8) != lo.R {
		t.Errorf("minimum not mapped to the low end of the ramp")
	}
	if r, _, _, _ := got.At(2, 0).RGBA(); uint8(r>>8) != hi.R {
		t.Errorf("maximum not mapped to the high end of the ramp")
	}
}
