package decodehead

import (
	"fmt"
	"log"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/danielpatrickdp/uqseg/internal/loss"
	"github.com/danielpatrickdp/uqseg/internal/sampler"
	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

const bnEps = 1e-5

// #region conv-module
// ConvModule is a 1×1 conv followed by optional eval-mode batch norm and ReLU.
type ConvModule struct {
	weight *mat.Dense
	bias   []float64
	norm   bool
	mean   []float64
	vr     []float64
	gamma  []float64
	beta   []float64
}

func newConvModule(in, out int, norm bool, rng *rand.Rand) *ConvModule {
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, out*in)
	for i := range w {
		w[i] = (2*rng.Float64() - 1) * bound
	}
	m := &ConvModule{weight: mat.NewDense(out, in, w), bias: make([]float64, out), norm: norm}
	if norm {
		m.mean = make([]float64, out)
		m.vr = make([]float64, out)
		m.gamma = make([]float64, out)
		m.beta = make([]float64, out)
		floats.AddConst(1, m.vr)
		floats.AddConst(1, m.gamma)
	}
	return m
}

func (m *ConvModule) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.Conv1x1(x, m.weight, m.bias)
	if err != nil {
		return nil, err
	}
	for n := 0; n < out.N; n++ {
		for c := 0; c < out.C; c++ {
			plane := out.Plane(n, c)
			if m.norm {
				scale := m.gamma[c] / math.Sqrt(m.vr[c]+bnEps)
				for i, v := range plane {
					plane[i] = (v-m.mean[c])*scale + m.beta[c]
				}
			}
			for i, v := range plane {
				if v < 0 {
					plane[i] = 0
				}
			}
		}
	}
	return out, nil
}

func (m *ConvModule) state() ConvState {
	return ConvState{
		Weight: append([]float64(nil), m.weight.RawMatrix().Data...),
		Bias:   append([]float64(nil), m.bias...),
		Mean:   append([]float64(nil), m.mean...),
		Var:    append([]float64(nil), m.vr...),
		Gamma:  append([]float64(nil), m.gamma...),
		Beta:   append([]float64(nil), m.beta...),
	}
}

func (m *ConvModule) load(s ConvState) error {
	r, c := m.weight.Dims()
	if len(s.Weight) != r*c || len(s.Bias) != r {
		return fmt.Errorf("load conv %dx%d from %d weights, %d biases: %w", r, c, len(s.Weight), len(s.Bias), ErrConfig)
	}
	m.weight = mat.NewDense(r, c, append([]float64(nil), s.Weight...))
	m.bias = append([]float64(nil), s.Bias...)
	if m.norm {
		if len(s.Mean) != r || len(s.Var) != r || len(s.Gamma) != r || len(s.Beta) != r {
			return fmt.Errorf("load norm stats for %d channels: %w", r, ErrConfig)
		}
		m.mean = append([]float64(nil), s.Mean...)
		m.vr = append([]float64(nil), s.Var...)
		m.gamma = append([]float64(nil), s.Gamma...)
		m.beta = append([]float64(nil), s.Beta...)
	}
	return nil
}

// #endregion conv-module

// #region base
// base holds everything shared by the head variants: the input transform,
// the conv stack, dropout, the conv_seg classifier and the loss terms.
type base struct {
	cfg      Config
	inCh     int
	laterals []*ConvModule
	convs    []*ConvModule
	clsW     *mat.Dense // outChannels × clsIn
	clsB     []float64
	losses   []loss.Loss
	sampler  sampler.PixelSampler
	rng      *rand.Rand
}

func newBase(cfg Config, outChannels int) (*base, error) {
	if err := validateInputs(cfg); err != nil {
		return nil, err
	}
	if cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("num_classes %d: %w", cfg.NumClasses, ErrConfig)
	}
	if cfg.DropoutRatio < 0 || cfg.DropoutRatio >= 1 {
		return nil, fmt.Errorf("dropout_ratio %f: %w", cfg.DropoutRatio, ErrConfig)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	b := &base{cfg: cfg, rng: rng}

	stackIn := 0
	switch cfg.InputTransform {
	case TransformResizeConcat:
		for _, c := range cfg.InChannels {
			stackIn += c
		}
	case TransformMultipleSelect:
		for _, c := range cfg.InChannels {
			b.laterals = append(b.laterals, newConvModule(c, cfg.Channels, cfg.UseNorm, rng))
		}
		stackIn = cfg.Channels
	default:
		stackIn = cfg.InChannels[0]
	}
	b.inCh = stackIn

	clsIn := stackIn
	for i := 0; i < cfg.NumConvs; i++ {
		b.convs = append(b.convs, newConvModule(clsIn, cfg.Channels, cfg.UseNorm, rng))
		clsIn = cfg.Channels
	}
	if cfg.NumConvs == 0 && clsIn != cfg.Channels {
		return nil, fmt.Errorf("num_convs 0 needs channels (%d) == input channels (%d): %w", cfg.Channels, clsIn, ErrConfig)
	}

	init := distuv.Normal{Mu: 0, Sigma: 0.01, Src: rng}
	w := make([]float64, outChannels*clsIn)
	for i := range w {
		w[i] = init.Rand()
	}
	b.clsW = mat.NewDense(outChannels, clsIn, w)
	b.clsB = make([]float64, outChannels)

	losses, err := loss.BuildAll(cfg.Losses)
	if err != nil {
		return nil, fmt.Errorf("build losses: %w", err)
	}
	if len(losses) == 0 {
		return nil, fmt.Errorf("no loss_decode configured: %w", ErrConfig)
	}
	b.losses = losses

	smp, err := sampler.Build(cfg.Sampler, cfg.IgnoreIndex)
	if err != nil {
		return nil, fmt.Errorf("build sampler: %w", err)
	}
	if smp != nil {
		for _, l := range losses {
			if loss.IsEvidential(l) {
				return nil, fmt.Errorf("pixel sampler with evidential loss %s: %w", l.Name(), ErrNotImplemented)
			}
		}
	}
	b.sampler = smp
	return b, nil
}

func validateInputs(cfg Config) error {
	switch cfg.InputTransform {
	case TransformNone:
		if len(cfg.InChannels) != 1 || len(cfg.InIndex) != 1 {
			return fmt.Errorf("single input needs one in_channels and one in_index, got %d and %d: %w",
				len(cfg.InChannels), len(cfg.InIndex), ErrConfig)
		}
	case TransformResizeConcat, TransformMultipleSelect:
		if len(cfg.InChannels) == 0 || len(cfg.InChannels) != len(cfg.InIndex) {
			return fmt.Errorf("%s needs matching in_channels (%d) and in_index (%d): %w",
				cfg.InputTransform, len(cfg.InChannels), len(cfg.InIndex), ErrConfig)
		}
	default:
		return fmt.Errorf("input_transform %q: %w", cfg.InputTransform, ErrConfig)
	}
	return nil
}

func (b *base) Losses() []loss.Loss { return b.losses }
func (b *base) NumClasses() int     { return b.cfg.NumClasses }
func (b *base) AlignCorners() bool  { return b.cfg.AlignCorners }

// #endregion base

// #region input-transform
func (b *base) selectInput(inputs []*tensor.Tensor, idx int) (*tensor.Tensor, error) {
	i := idx
	if i < 0 {
		i += len(inputs)
	}
	if i < 0 || i >= len(inputs) {
		return nil, fmt.Errorf("in_index %d with %d inputs: %w", idx, len(inputs), ErrConfig)
	}
	return inputs[i], nil
}

// transformInputs applies the input policy and returns the map fed to the conv stack.
func (b *base) transformInputs(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	var selected []*tensor.Tensor
	for _, idx := range b.cfg.InIndex {
		x, err := b.selectInput(inputs, idx)
		if err != nil {
			return nil, err
		}
		selected = append(selected, x)
	}
	for i, x := range selected {
		if x.C != b.cfg.InChannels[i] {
			return nil, fmt.Errorf("input %d has %d channels, want %d: %w", i, x.C, b.cfg.InChannels[i], tensor.ErrShape)
		}
	}
	first := selected[0]

	switch b.cfg.InputTransform {
	case TransformResizeConcat:
		resized := make([]*tensor.Tensor, len(selected))
		for i, x := range selected {
			resized[i] = tensor.Resize(x, first.H, first.W, b.cfg.AlignCorners)
		}
		return tensor.Concat(tensor.AxisChannel, resized...)
	case TransformMultipleSelect:
		var sum *tensor.Tensor
		for i, x := range selected {
			lat, err := b.laterals[i].Forward(x)
			if err != nil {
				return nil, fmt.Errorf("lateral %d: %w", i, err)
			}
			lat = tensor.Resize(lat, first.H, first.W, b.cfg.AlignCorners)
			if sum == nil {
				sum = lat
				continue
			}
			floats.Add(sum.Data, lat.Data)
		}
		return sum, nil
	default:
		return first, nil
	}
}

// features runs the input transform, the conv stack and, in training, Dropout2d.
func (b *base) features(inputs []*tensor.Tensor, training bool) (*tensor.Tensor, error) {
	x, err := b.transformInputs(inputs)
	if err != nil {
		return nil, err
	}
	for i, m := range b.convs {
		x, err = m.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("conv %d: %w", i, err)
		}
	}
	if training && b.cfg.DropoutRatio > 0 {
		x = x.Clone()
		keep := 1 / (1 - b.cfg.DropoutRatio)
		for n := 0; n < x.N; n++ {
			for c := 0; c < x.C; c++ {
				if b.rng.Float64() < b.cfg.DropoutRatio {
					floats.Scale(0, x.Plane(n, c))
				} else {
					floats.Scale(keep, x.Plane(n, c))
				}
			}
		}
	}
	return x, nil
}

// #endregion input-transform

// #region train-losses
// trainLosses scores sample-major logits against gt replicated once per
// sample. penalty is added to each loss the policy selects.
func (b *base) trainLosses(logits *tensor.Tensor, sumLogJac []float64, gt []tensor.LabelMap, step loss.Step, withJacobian bool) (map[string]float64, error) {
	if len(gt) == 0 {
		return nil, fmt.Errorf("no ground truth: %w", ErrConfig)
	}
	nSamples := len(sumLogJac)
	if logits.N != nSamples*len(gt) {
		return nil, fmt.Errorf("logits batch %d for %d samples × %d labels: %w", logits.N, nSamples, len(gt), tensor.ErrShape)
	}
	logits = tensor.Resize(logits, gt[0].H, gt[0].W, b.cfg.AlignCorners)

	labels := make([]tensor.LabelMap, 0, logits.N)
	for s := 0; s < nSamples; s++ {
		for _, lm := range gt {
			labels = append(labels, lm.Clone())
		}
	}

	var weight []float64
	if b.sampler != nil {
		weight = b.sampler.Sample(logits, labels)
	}

	out := make(map[string]float64)
	acc, err := loss.Accuracy(logits, labels, b.cfg.IgnoreIndex)
	if err != nil {
		return nil, fmt.Errorf("accuracy: %w", err)
	}
	out["acc_seg"] = acc

	meanJac := 0.0
	if withJacobian && nSamples > 0 {
		meanJac = floats.Sum(sumLogJac) / float64(nSamples)
	}
	penalty := b.cfg.JacobianWeight * meanJac

	for _, l := range b.losses {
		evidential := loss.IsEvidential(l)
		w := weight
		if evidential {
			w = nil
		}
		v, err := l.Forward(logits, labels, w, b.cfg.IgnoreIndex, step)
		if err != nil {
			return nil, fmt.Errorf("loss %s: %w", l.Name(), err)
		}
		if _, dup := out[l.Name()]; dup {
			out[l.Name()] += v
			continue
		}
		if withJacobian && (b.cfg.JacobianPenalty != PenaltyEDLOnly || evidential) {
			v += penalty
		}
		out[l.Name()] = v
		if evidential {
			for k, lv := range l.(loss.Evidential).Logs(logits, labels, b.cfg.IgnoreIndex, step) {
				out[k] = lv
			}
			if withJacobian {
				out["mean_jacobian_logdet"] = meanJac
			}
		}
	}
	return out, nil
}

// #endregion train-losses

// #region classifier
func (b *base) convSegState() ConvState {
	return ConvState{
		Weight: append([]float64(nil), b.clsW.RawMatrix().Data...),
		Bias:   append([]float64(nil), b.clsB...),
	}
}

func (b *base) loadShared(s State) error {
	if len(s.Convs) != len(b.convs) || len(s.Laterals) != len(b.laterals) {
		return fmt.Errorf("load %d convs/%d laterals into %d/%d: %w",
			len(s.Convs), len(s.Laterals), len(b.convs), len(b.laterals), ErrConfig)
	}
	for i, m := range b.convs {
		if err := m.load(s.Convs[i]); err != nil {
			return fmt.Errorf("conv %d: %w", i, err)
		}
	}
	for i, m := range b.laterals {
		if err := m.load(s.Laterals[i]); err != nil {
			return fmt.Errorf("lateral %d: %w", i, err)
		}
	}
	r, c := b.clsW.Dims()
	if len(s.ConvSeg.Weight) != r*c || len(s.ConvSeg.Bias) != r {
		return fmt.Errorf("load conv_seg %dx%d: %w", r, c, ErrConfig)
	}
	b.clsW = mat.NewDense(r, c, append([]float64(nil), s.ConvSeg.Weight...))
	b.clsB = append([]float64(nil), s.ConvSeg.Bias...)
	return nil
}

func (b *base) sharedState(kind string) State {
	s := State{Kind: kind, ConvSeg: b.convSegState()}
	for _, m := range b.convs {
		s.Convs = append(s.Convs, m.state())
	}
	for _, m := range b.laterals {
		s.Laterals = append(s.Laterals, m.state())
	}
	return s
}

func logHead(kind string, cfg Config) {
	log.Printf("[HEAD] built %s head: classes=%d channels=%d transform=%q losses=%d",
		kind, cfg.NumClasses, cfg.Channels, cfg.InputTransform, len(cfg.Losses))
}

// #endregion classifier
