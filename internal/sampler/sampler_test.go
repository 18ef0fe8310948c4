package sampler

import (
	"errors"
	"testing"

	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

func fourPixels(t *testing.T) (*tensor.Tensor, []tensor.LabelMap) {
	t.Helper()
	// class-0 logits; class 1 fixed at 0. Labels all 0 except an ignored pixel.
	logits, err := tensor.FromData(1, 2, 1, 4, []float64{4, 1, -2, 3, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("logits: %v", err)
	}
	lm := tensor.NewLabelMap(1, 4)
	lm.Data[3] = 255
	return logits, []tensor.LabelMap{lm}
}

func TestOHEM_KeepsHardestByLoss(t *testing.T) {
	logits, labels := fourPixels(t)
	s, err := Build(Config{Type: "ohem", MinKept: 2}, 255)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	w := s.Sample(logits, labels)
	want := []float64{0, 1, 1, 0}
	for i := range want {
		if w[i] != want[i] {
			t.Fatalf("weights %v, want %v", w, want)
		}
	}
}

func TestOHEM_Threshold(t *testing.T) {
	logits, labels := fourPixels(t)
	s, _ := Build(Config{Type: "ohem", Thresh: 0.9, MinKept: 1}, 255)
	w := s.Sample(logits, labels)
	// p(label) = sigmoid(4), sigmoid(1), sigmoid(-2): only the first is above 0.9
	want := []float64{0, 1, 1, 0}
	for i := range want {
		if w[i] != want[i] {
			t.Fatalf("weights %v, want %v", w, want)
		}
	}
}

func TestBuild_EmptyAndUnknown(t *testing.T) {
	s, err := Build(Config{}, 255)
	if err != nil || s != nil {
		t.Fatalf("empty config should yield no sampler, got %v %v", s, err)
	}
	if _, err := Build(Config{Type: "random"}, 255); !errors.Is(err, ErrUnknownSampler) {
		t.Fatalf("expected ErrUnknownSampler, got %v", err)
	}
}
