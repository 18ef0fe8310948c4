package decodehead

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/danielpatrickdp/uqseg/internal/loss"
	"github.com/danielpatrickdp/uqseg/internal/nflow"
	"github.com/danielpatrickdp/uqseg/internal/tensor"
	"github.com/danielpatrickdp/uqseg/internal/uncertainty"
)

// #region flow-head
// FlowHead replaces the conv_seg parameters on every forward pass with
// draws from a normalizing flow anchored at the trained classifier.
type FlowHead struct {
	*base
	density *nflow.Density
	wNumel  int
	bNumel  int
}

func newFlowHead(cfg Config) (*FlowHead, error) {
	if cfg.FlowLength < 0 {
		return nil, fmt.Errorf("flow_length %d: %w", cfg.FlowLength, ErrConfig)
	}
	b, err := newBase(cfg, cfg.NumClasses)
	if err != nil {
		return nil, err
	}
	r, c := b.clsW.Dims()
	h := &FlowHead{base: b, wNumel: r * c, bNumel: r}
	h.density, err = nflow.New(h.wNumel+h.bNumel, cfg.FlowLength, cfg.FlowType, b.rng)
	if err != nil {
		return nil, fmt.Errorf("build flow: %w", err)
	}
	h.density.SetScale(cfg.BaseScale)
	if err := h.SyncBase(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *FlowHead) Kind() string            { return KindFlow }
func (h *FlowHead) Bags() *uncertainty.Bags { return nil }
func (h *FlowHead) Density() *nflow.Density { return h.density }

// SyncBase re-anchors the base Gaussian at the current conv_seg parameters.
// Call it whenever those parameters change outside the head.
func (h *FlowHead) SyncBase() error {
	p := make([]float64, 0, h.wNumel+h.bNumel)
	p = append(p, h.clsW.RawMatrix().Data...)
	p = append(p, h.clsB...)
	if err := h.density.SetMean(p); err != nil {
		return fmt.Errorf("sync flow base: %w", err)
	}
	return nil
}

// Forward draws nSamples classifier parameter vectors through the flow and
// applies each as an independent 1×1 conv over the shared features.
func (h *FlowHead) Forward(inputs []*tensor.Tensor, nSamples int, training bool) (Output, error) {
	if nSamples <= 0 {
		return Output{}, fmt.Errorf("flow forward with %d samples: %w", nSamples, ErrConfig)
	}
	feat, err := h.features(inputs, training)
	if err != nil {
		return Output{}, err
	}
	z, sumLogJac := h.density.Forward(h.density.SampleBase(nSamples))
	r, c := h.clsW.Dims()

	parts := make([]*tensor.Tensor, nSamples)
	for i := 0; i < nSamples; i++ {
		row := z.RawRowView(i)
		w := mat.NewDense(r, c, row[:h.wNumel])
		out, err := tensor.Conv1x1(feat, w, row[len(row)-h.bNumel:])
		if err != nil {
			return Output{}, fmt.Errorf("sample %d conv_seg: %w", i, err)
		}
		parts[i] = out
	}
	logits, err := tensor.Concat(tensor.AxisBatch, parts...)
	if err != nil {
		return Output{}, err
	}
	return Output{Logits: logits, SumLogJac: sumLogJac}, nil
}

func (h *FlowHead) ForwardTrain(inputs []*tensor.Tensor, gt []tensor.LabelMap, step loss.Step) (map[string]float64, error) {
	out, err := h.Forward(inputs, h.cfg.NSamplesTrain, true)
	if err != nil {
		return nil, err
	}
	return h.trainLosses(out.Logits, out.SumLogJac, gt, step, true)
}

func (h *FlowHead) ForwardTest(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	out, err := h.Forward(inputs, NSamplesTest, false)
	if err != nil {
		return nil, err
	}
	return out.Logits, nil
}

func (h *FlowHead) Predict(logits *tensor.Tensor) []tensor.LabelMap {
	return argmaxAll(logits)
}

func (h *FlowHead) State() State {
	s := h.sharedState(KindFlow)
	p := h.density.Params()
	s.Flow = &p
	return s
}

// LoadState restores a checkpoint and re-anchors the flow base.
func (h *FlowHead) LoadState(s State) error {
	if err := h.loadShared(s); err != nil {
		return err
	}
	if s.Flow != nil {
		if err := h.density.SetParams(*s.Flow); err != nil {
			return fmt.Errorf("load flow: %w", err)
		}
	}
	return h.SyncBase()
}

// #endregion flow-head

func argmaxAll(logits *tensor.Tensor) []tensor.LabelMap {
	out := make([]tensor.LabelMap, logits.N)
	for n := range out {
		out[n] = logits.ArgmaxChannels(n)
	}
	return out
}
