package decodehead

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/uqseg/internal/loss"
	"github.com/danielpatrickdp/uqseg/internal/tensor"
	"github.com/danielpatrickdp/uqseg/internal/uncertainty"
)

// #region deterministic
// classify applies the fixed conv_seg and repeats the result nSamples times
// so every head variant returns a sample-major batch.
func (b *base) classify(inputs []*tensor.Tensor, nSamples int, training bool) (Output, error) {
	if nSamples <= 0 {
		return Output{}, fmt.Errorf("forward with %d samples: %w", nSamples, ErrConfig)
	}
	feat, err := b.features(inputs, training)
	if err != nil {
		return Output{}, err
	}
	logits, err := tensor.Conv1x1(feat, b.clsW, b.clsB)
	if err != nil {
		return Output{}, fmt.Errorf("conv_seg: %w", err)
	}
	if nSamples > 1 {
		parts := make([]*tensor.Tensor, nSamples)
		for i := range parts {
			parts[i] = logits
		}
		if logits, err = tensor.Concat(tensor.AxisBatch, parts...); err != nil {
			return Output{}, err
		}
	}
	return Output{Logits: logits, SumLogJac: make([]float64, nSamples)}, nil
}

// #endregion deterministic

// #region plain-head
// PlainHead is an ordinary pixel classifier.
type PlainHead struct {
	*base
}

func newPlainHead(cfg Config) (*PlainHead, error) {
	b, err := newBase(cfg, cfg.NumClasses)
	if err != nil {
		return nil, err
	}
	return &PlainHead{base: b}, nil
}

func (h *PlainHead) Kind() string            { return KindPlain }
func (h *PlainHead) Bags() *uncertainty.Bags { return nil }

func (h *PlainHead) Forward(inputs []*tensor.Tensor, nSamples int, training bool) (Output, error) {
	return h.classify(inputs, nSamples, training)
}

func (h *PlainHead) ForwardTrain(inputs []*tensor.Tensor, gt []tensor.LabelMap, step loss.Step) (map[string]float64, error) {
	out, err := h.classify(inputs, 1, true)
	if err != nil {
		return nil, err
	}
	return h.trainLosses(out.Logits, out.SumLogJac, gt, step, false)
}

func (h *PlainHead) ForwardTest(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	out, err := h.classify(inputs, 1, false)
	if err != nil {
		return nil, err
	}
	return out.Logits, nil
}

func (h *PlainHead) Predict(logits *tensor.Tensor) []tensor.LabelMap { return argmaxAll(logits) }
func (h *PlainHead) State() State                                   { return h.sharedState(KindPlain) }
func (h *PlainHead) LoadState(s State) error                        { return h.loadShared(s) }

// #endregion plain-head

// #region bag-head
// BagHead predicts one softmax per class bag plus an "other" channel per
// bag; class probabilities combine the bags.
type BagHead struct {
	*base
	bags uncertainty.Bags
}

func newBagHead(cfg Config) (*BagHead, error) {
	bags := uncertainty.EvenBags(cfg.NumClasses, 2)
	if cfg.Bags != nil {
		bags = *cfg.Bags
	}
	if err := bags.Validate(cfg.NumClasses); err != nil {
		return nil, fmt.Errorf("bags: %w: %w", ErrConfig, err)
	}
	b, err := newBase(cfg, bags.NumChannels())
	if err != nil {
		return nil, err
	}
	return &BagHead{base: b, bags: bags}, nil
}

func (h *BagHead) Kind() string            { return KindBags }
func (h *BagHead) Bags() *uncertainty.Bags { return &h.bags }

func (h *BagHead) Forward(inputs []*tensor.Tensor, nSamples int, training bool) (Output, error) {
	return h.classify(inputs, nSamples, training)
}

// classLogits converts bag logits to log class probabilities, which
// softmax back to the combined bag probabilities.
func (h *BagHead) classLogits(bagLogits *tensor.Tensor) *tensor.Tensor {
	probs := uncertainty.Probabilities(bagLogits, h.bags.Prob(), h.bags.NumClasses())
	for i, p := range probs.Data {
		probs.Data[i] = math.Log(math.Max(p, 1e-12))
	}
	return probs
}

func (h *BagHead) ForwardTrain(inputs []*tensor.Tensor, gt []tensor.LabelMap, step loss.Step) (map[string]float64, error) {
	out, err := h.classify(inputs, 1, true)
	if err != nil {
		return nil, err
	}
	return h.trainLosses(h.classLogits(out.Logits), out.SumLogJac, gt, step, false)
}

// ForwardTest returns raw bag logits; use Predict or Bags().Prob() to read classes.
func (h *BagHead) ForwardTest(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	out, err := h.classify(inputs, 1, false)
	if err != nil {
		return nil, err
	}
	return out.Logits, nil
}

func (h *BagHead) Predict(logits *tensor.Tensor) []tensor.LabelMap {
	return argmaxAll(h.classLogits(logits))
}

func (h *BagHead) State() State            { return h.sharedState(KindBags) }
func (h *BagHead) LoadState(s State) error { return h.loadShared(s) }

// #endregion bag-head
