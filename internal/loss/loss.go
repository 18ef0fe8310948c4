package loss

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mathext"

	"github.com/danielpatrickdp/uqseg/internal/tensor"
	"github.com/danielpatrickdp/uqseg/internal/uncertainty"
)

// EDLPrefix marks loss names whose logs are merged into the training output.
const EDLPrefix = "loss_edl"

// #region build
// Build constructs the loss described by cfg, filling defaults.
func Build(cfg Config) (Loss, error) {
	if cfg.LossWeight == 0 {
		cfg.LossWeight = 1
	}
	switch cfg.Type {
	case TypeCrossEntropy, "":
		if cfg.Name == "" {
			cfg.Name = "loss_ce"
		}
		return &CrossEntropy{cfg: cfg}, nil
	case TypeDice:
		if cfg.Name == "" {
			cfg.Name = "loss_dice"
		}
		if cfg.Smooth == 0 {
			cfg.Smooth = 1
		}
		if cfg.Exponent == 0 {
			cfg.Exponent = 2
		}
		return &Dice{cfg: cfg}, nil
	case TypeEDL:
		if cfg.Name == "" {
			cfg.Name = EDLPrefix
		}
		if !strings.HasPrefix(cfg.Name, EDLPrefix) {
			return nil, fmt.Errorf("build edl loss named %q: name must start with %s: %w", cfg.Name, EDLPrefix, ErrUnknownLoss)
		}
		if cfg.EDLType == "" {
			cfg.EDLType = EDLMSE
		}
		if cfg.AnnealingStep <= 0 {
			cfg.AnnealingStep = 10
		}
		ev, err := uncertainty.LookupEvidence(cfg.Evidence)
		if err != nil {
			return nil, fmt.Errorf("build edl loss: %w", err)
		}
		switch cfg.EDLType {
		case EDLMSE, EDLLog, EDLDigamma:
		default:
			return nil, fmt.Errorf("build edl loss with data term %q: %w", cfg.EDLType, ErrUnknownLoss)
		}
		return &EDL{cfg: cfg, evidence: ev, alpha: uncertainty.Alpha(ev, cfg.PowAlpha)}, nil
	default:
		return nil, fmt.Errorf("build loss %q: %w", cfg.Type, ErrUnknownLoss)
	}
}

// BuildAll constructs every configured loss in order.
func BuildAll(cfgs []Config) ([]Loss, error) {
	out := make([]Loss, 0, len(cfgs))
	for i, c := range cfgs {
		l, err := Build(c)
		if err != nil {
			return nil, fmt.Errorf("loss %d: %w", i, err)
		}
		out = append(out, l)
	}
	return out, nil
}

// IsEvidential reports whether l is a Dirichlet loss by its name prefix.
func IsEvidential(l Loss) bool {
	_, ok := l.(Evidential)
	return ok && strings.HasPrefix(l.Name(), EDLPrefix)
}

// #endregion build

// #region accuracy
// Accuracy returns the top-1 pixel accuracy in percent over non-ignored pixels.
func Accuracy(logits *tensor.Tensor, labels []tensor.LabelMap, ignoreIndex int) (float64, error) {
	if err := checkLabels(logits, labels); err != nil {
		return 0, err
	}
	var correct, valid int
	for n, lm := range labels {
		pred := logits.ArgmaxChannels(n)
		for i, y := range lm.Data {
			if y == ignoreIndex {
				continue
			}
			valid++
			if pred.Data[i] == y {
				correct++
			}
		}
	}
	if valid == 0 {
		return 0, nil
	}
	return 100 * float64(correct) / float64(valid), nil
}

func checkLabels(logits *tensor.Tensor, labels []tensor.LabelMap) error {
	if len(labels) != logits.N {
		return fmt.Errorf("%d label maps for batch %d: %w", len(labels), logits.N, ErrLabels)
	}
	for _, lm := range labels {
		if lm.H != logits.H || lm.W != logits.W {
			return fmt.Errorf("label %dx%d for logits %dx%d: %w", lm.H, lm.W, logits.H, logits.W, ErrLabels)
		}
	}
	return nil
}

// #endregion accuracy

// #region cross-entropy
// CrossEntropy is pixel-wise negative log-likelihood over softmax or
// softplus-normalised probabilities.
type CrossEntropy struct {
	cfg Config
}

func (c *CrossEntropy) Name() string { return c.cfg.Name }

func (c *CrossEntropy) Probability() uncertainty.ProbFunc {
	if c.cfg.UseSoftplus {
		return uncertainty.SoftplusNormalized
	}
	return uncertainty.Softmax
}

func (c *CrossEntropy) Forward(logits *tensor.Tensor, labels []tensor.LabelMap, weight []float64, ignoreIndex int, _ Step) (float64, error) {
	if err := checkLabels(logits, labels); err != nil {
		return 0, err
	}
	prob := c.Probability()
	px := make([]float64, logits.C)
	p := make([]float64, logits.C)
	var sum float64
	var count int
	hw := logits.H * logits.W
	for n, lm := range labels {
		for i, y := range lm.Data {
			if y == ignoreIndex || y < 0 || y >= logits.C {
				if !c.cfg.AvgNonIgnore {
					count++
				}
				continue
			}
			count++
			px = logits.Pixel(n, i/logits.W, i%logits.W, px)
			prob(p, px)
			l := -math.Log(math.Max(p[y], 1e-12))
			if c.cfg.ClassWeight != nil {
				l *= c.cfg.ClassWeight[y]
			}
			if weight != nil {
				l *= weight[n*hw+i]
			}
			sum += l
		}
	}
	if count == 0 {
		return 0, nil
	}
	return c.cfg.LossWeight * sum / float64(count), nil
}

// #endregion cross-entropy

// #region dice
// Dice is 1 − mean class Dice coefficient over non-ignored pixels.
type Dice struct {
	cfg Config
}

func (d *Dice) Name() string { return d.cfg.Name }

func (d *Dice) Forward(logits *tensor.Tensor, labels []tensor.LabelMap, weight []float64, ignoreIndex int, _ Step) (float64, error) {
	if err := checkLabels(logits, labels); err != nil {
		return 0, err
	}
	k := logits.C
	inter := make([]float64, k)
	predPow := make([]float64, k)
	targ := make([]float64, k)
	px := make([]float64, k)
	p := make([]float64, k)
	hw := logits.H * logits.W
	for n, lm := range labels {
		for i, y := range lm.Data {
			if y == ignoreIndex || y < 0 || y >= k {
				continue
			}
			w := 1.0
			if weight != nil {
				w = weight[n*hw+i]
			}
			px = logits.Pixel(n, i/logits.W, i%logits.W, px)
			uncertainty.Softmax(p, px)
			for c := 0; c < k; c++ {
				predPow[c] += w * math.Pow(p[c], d.cfg.Exponent)
			}
			inter[y] += w * p[y]
			targ[y] += w
		}
	}
	var total float64
	var classes int
	for c := 0; c < k; c++ {
		if c == ignoreIndex {
			continue
		}
		dice := (2*inter[c] + d.cfg.Smooth) / (predPow[c] + targ[c] + d.cfg.Smooth)
		w := 1.0
		if d.cfg.ClassWeight != nil {
			w = d.cfg.ClassWeight[c]
		}
		total += w * (1 - dice)
		classes++
	}
	if classes == 0 {
		return 0, nil
	}
	return d.cfg.LossWeight * total / float64(classes), nil
}

// #endregion dice

// #region edl
// EDL is the evidential loss: a Dirichlet data term plus a KL regulariser
// toward the uniform Dirichlet, annealed by min(1, epoch/AnnealingStep).
type EDL struct {
	cfg      Config
	evidence uncertainty.EvidenceFunc
	alpha    uncertainty.AlphaFunc
}

func (e *EDL) Name() string                 { return e.cfg.Name }
func (e *EDL) Alpha() uncertainty.AlphaFunc { return e.alpha }
func (e *EDL) PowAlpha() bool               { return e.cfg.PowAlpha }

// AnnealingCoef is the KL weight at the given step.
func (e *EDL) AnnealingCoef(step Step) float64 {
	return math.Min(1, float64(step.Epoch)/float64(e.cfg.AnnealingStep))
}

type edlTerms struct {
	data, kl, vacuity, evidence float64
	count                       int
}

func (e *EDL) terms(logits *tensor.Tensor, labels []tensor.LabelMap, ignoreIndex int) edlTerms {
	k := logits.C
	px := make([]float64, k)
	a := make([]float64, k)
	tilde := make([]float64, k)
	var t edlTerms
	for n, lm := range labels {
		for i, y := range lm.Data {
			if y == ignoreIndex || y < 0 || y >= k {
				continue
			}
			px = logits.Pixel(n, i/logits.W, i%logits.W, px)
			e.alpha(a, px)
			s := floats.Sum(a)
			t.data += e.dataTerm(a, s, y)

			copy(tilde, a)
			tilde[y] = 1
			t.kl += klUniform(tilde)

			t.vacuity += float64(k) / s
			for _, v := range px {
				t.evidence += e.evidence(v)
			}
			t.count++
		}
	}
	return t
}

func (e *EDL) dataTerm(a []float64, s float64, y int) float64 {
	switch e.cfg.EDLType {
	case EDLLog:
		return math.Log(s) - math.Log(a[y])
	case EDLDigamma:
		return mathext.Digamma(s) - mathext.Digamma(a[y])
	default:
		var l float64
		for c, ac := range a {
			p := ac / s
			target := 0.0
			if c == y {
				target = 1
			}
			l += (target-p)*(target-p) + p*(1-p)/(s+1)
		}
		return l
	}
}

// klUniform is KL(Dir(alpha) || Dir(1, …, 1)).
func klUniform(alpha []float64) float64 {
	k := float64(len(alpha))
	s := floats.Sum(alpha)
	lgS, _ := math.Lgamma(s)
	lgK, _ := math.Lgamma(k)
	kl := lgS - lgK
	psiS := mathext.Digamma(s)
	for _, a := range alpha {
		lg, _ := math.Lgamma(a)
		kl += -lg + (a-1)*(mathext.Digamma(a)-psiS)
	}
	return kl
}

func (e *EDL) Forward(logits *tensor.Tensor, labels []tensor.LabelMap, _ []float64, ignoreIndex int, step Step) (float64, error) {
	if err := checkLabels(logits, labels); err != nil {
		return 0, err
	}
	t := e.terms(logits, labels, ignoreIndex)
	if t.count == 0 {
		return 0, nil
	}
	n := float64(t.count)
	return e.cfg.LossWeight * (t.data/n + e.AnnealingCoef(step)*t.kl/n), nil
}

// Logs reports the decomposed loss terms for the training log.
func (e *EDL) Logs(logits *tensor.Tensor, labels []tensor.LabelMap, ignoreIndex int, step Step) map[string]float64 {
	t := e.terms(logits, labels, ignoreIndex)
	n := math.Max(float64(t.count), 1)
	return map[string]float64{
		"edl_data":      t.data / n,
		"edl_kl":        t.kl / n,
		"edl_annealing": e.AnnealingCoef(step),
		"mean_vacuity":  t.vacuity / n,
		"mean_evidence": t.evidence / n, // summed over classes, before pow_alpha
	}
}

// #endregion edl
