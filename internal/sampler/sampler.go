// Package sampler selects which pixels contribute to the segmentation loss.
package sampler

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/danielpatrickdp/uqseg/internal/tensor"
	"github.com/danielpatrickdp/uqseg/internal/uncertainty"
)

// ErrUnknownSampler is returned by Build for an unregistered sampler type.
var ErrUnknownSampler = errors.New("sampler: unknown type")

// #region interface
// PixelSampler returns one weight per label pixel across the batch.
type PixelSampler interface {
	Sample(logits *tensor.Tensor, labels []tensor.LabelMap) []float64
}

// Config selects a pixel sampler. Thresh 0 ranks by loss instead of
// probability.
type Config struct {
	Type    string  `json:"type"`
	Thresh  float64 `json:"thresh,omitempty"`
	MinKept int     `json:"min_kept,omitempty"`
}

// Build returns the configured sampler, or nil when cfg.Type is empty.
func Build(cfg Config, ignoreIndex int) (PixelSampler, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "ohem":
		if cfg.MinKept <= 0 {
			cfg.MinKept = 100000
		}
		return &OHEM{Thresh: cfg.Thresh, MinKept: cfg.MinKept, IgnoreIndex: ignoreIndex}, nil
	default:
		return nil, fmt.Errorf("build sampler %q: %w", cfg.Type, ErrUnknownSampler)
	}
}

// #endregion interface

// #region ohem
// OHEM keeps hard pixels: those whose ground-truth probability is below
// max(Thresh, the MinKept-th lowest probability), or, without a threshold,
// the MinKept highest-loss pixels per batch item.
type OHEM struct {
	Thresh      float64
	MinKept     int
	IgnoreIndex int
}

type scored struct {
	idx   int
	score float64
}

func (o *OHEM) Sample(logits *tensor.Tensor, labels []tensor.LabelMap) []float64 {
	hw := logits.H * logits.W
	weight := make([]float64, len(labels)*hw)
	batchKept := o.MinKept * len(labels)

	px := make([]float64, logits.C)
	p := make([]float64, logits.C)
	var valid []scored
	for n, lm := range labels {
		for i, y := range lm.Data {
			if y == o.IgnoreIndex || y < 0 || y >= logits.C {
				continue
			}
			px = logits.Pixel(n, i/logits.W, i%logits.W, px)
			uncertainty.Softmax(p, px)
			valid = append(valid, scored{idx: n*hw + i, score: p[y]})
		}
	}
	if len(valid) == 0 {
		return weight
	}

	if o.Thresh > 0 {
		probs := make([]float64, len(valid))
		for i, v := range valid {
			probs[i] = v.score
		}
		slices.Sort(probs)
		threshold := math.Max(probs[min(batchKept, len(probs)-1)], o.Thresh)
		for _, v := range valid {
			if v.score < threshold {
				weight[v.idx] = 1
			}
		}
		return weight
	}

	// highest loss first: -log p ascending in p
	slices.SortStableFunc(valid, func(a, b scored) int {
		switch {
		case a.score < b.score:
			return -1
		case a.score > b.score:
			return 1
		}
		return 0
	})
	for _, v := range valid[:min(batchKept, len(valid))] {
		weight[v.idx] = 1
	}
	return weight
}

// #endregion ohem
