package tensor

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func seq(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

func TestConcatBatchAndChannel(t *testing.T) {
	a, _ := FromData(1, 2, 1, 2, []float64{1, 2, 3, 4})
	b, _ := FromData(1, 2, 1, 2, []float64{5, 6, 7, 8})

	batch, err := Concat(AxisBatch, a, b)
	if err != nil {
		t.Fatalf("concat batch: %v", err)
	}
	if batch.Shape() != [4]int{2, 2, 1, 2} {
		t.Fatalf("unexpected shape %v", batch.Shape())
	}
	if batch.At(1, 0, 0, 1) != 6 {
		t.Errorf("expected 6, got %f", batch.At(1, 0, 0, 1))
	}

	ch, err := Concat(AxisChannel, a, b)
	if err != nil {
		t.Fatalf("concat channel: %v", err)
	}
	if ch.Shape() != [4]int{1, 4, 1, 2} {
		t.Fatalf("unexpected shape %v", ch.Shape())
	}
	if ch.At(0, 3, 0, 0) != 7 {
		t.Errorf("expected 7, got %f", ch.At(0, 3, 0, 0))
	}
}

func TestConcatShapeMismatch(t *testing.T) {
	a := New(1, 2, 2, 2)
	b := New(1, 3, 2, 2)
	if _, err := Concat(AxisBatch, a, b); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestResizeAlignCornersKeepsCorners(t *testing.T) {
	src, _ := FromData(1, 1, 2, 2, []float64{0, 1, 2, 3})
	out := Resize(src, 3, 3, true)
	if out.At(0, 0, 0, 0) != 0 || out.At(0, 0, 2, 2) != 3 {
		t.Fatalf("corners not preserved: %v", out.Data)
	}
	if math.Abs(out.At(0, 0, 1, 1)-1.5) > 1e-12 {
		t.Errorf("expected centre 1.5, got %f", out.At(0, 0, 1, 1))
	}
}

func TestResizeHalfPixel(t *testing.T) {
	// half-pixel centres: [0 1] -> 0, .25, .75, 1
	src, _ := FromData(1, 1, 1, 2, []float64{0, 1})
	out := Resize(src, 1, 4, false)
	want := []float64{0, 0.25, 0.75, 1}
	for i, w := range want {
		if math.Abs(out.Data[i]-w) > 1e-12 {
			t.Fatalf("index %d: want %f got %f", i, w, out.Data[i])
		}
	}
}

func TestConv1x1MatchesManual(t *testing.T) {
	x, _ := FromData(2, 3, 1, 2, seq(12))
	w := mat.NewDense(2, 3, []float64{1, 0, -1, 0.5, 0.5, 0.5})
	bias := []float64{1, -1}

	out, err := Conv1x1(x, w, bias)
	if err != nil {
		t.Fatalf("conv: %v", err)
	}
	if out.Shape() != [4]int{2, 2, 1, 2} {
		t.Fatalf("unexpected shape %v", out.Shape())
	}
	for n := 0; n < 2; n++ {
		for px := 0; px < 2; px++ {
			v := x.Pixel(n, 0, px, nil)
			want0 := v[0] - v[2] + 1
			want1 := 0.5*(v[0]+v[1]+v[2]) - 1
			if math.Abs(out.At(n, 0, 0, px)-want0) > 1e-12 || math.Abs(out.At(n, 1, 0, px)-want1) > 1e-12 {
				t.Fatalf("n=%d px=%d mismatch: %f %f", n, px, out.At(n, 0, 0, px), out.At(n, 1, 0, px))
			}
		}
	}
}

func TestConv1x1RejectsChannelMismatch(t *testing.T) {
	x := New(1, 4, 2, 2)
	w := mat.NewDense(2, 3, nil)
	if _, err := Conv1x1(x, w, nil); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestArgmaxChannels(t *testing.T) {
	x, _ := FromData(2, 2, 1, 1, []float64{0, 1, 3, 1})
	if got := x.ArgmaxChannels(0).Data[0]; got != 1 {
		t.Errorf("expected argmax 1, got %d", got)
	}
	if got := x.ArgmaxChannels(1).Data[0]; got != 0 {
		t.Errorf("expected argmax 0, got %d", got)
	}
}

func TestAvgPool(t *testing.T) {
	x, _ := FromData(1, 1, 2, 4, seq(8))
	out := AvgPool(x, 2)
	if out.H != 1 || out.W != 2 {
		t.Fatalf("unexpected shape %v", out.Shape())
	}
	if out.Data[0] != 2.5 || out.Data[1] != 4.5 {
		t.Errorf("unexpected pooled values %v", out.Data)
	}
}
