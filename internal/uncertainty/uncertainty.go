// Package uncertainty holds the per-pixel numeric transforms shared by the
// evidential losses, the decode heads and the evaluation loop.
package uncertainty

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

// ErrUnknownEvidence is returned for an unrecognised evidence function name.
var ErrUnknownEvidence = errors.New("uncertainty: unknown evidence function")

// #region evidence
// Evidence function names.
const (
	EvidenceSoftplus = "softplus"
	EvidenceReLU     = "relu"
	EvidenceExp      = "exp"
)

// expClamp bounds logits before exponentiation.
const expClamp = 10.0

// EvidenceFunc maps one logit to non-negative evidence.
type EvidenceFunc func(float64) float64

// LookupEvidence returns the evidence function registered under name.
func LookupEvidence(name string) (EvidenceFunc, error) {
	switch name {
	case EvidenceSoftplus, "":
		return Softplus, nil
	case EvidenceReLU:
		return func(x float64) float64 { return math.Max(x, 0) }, nil
	case EvidenceExp:
		return func(x float64) float64 {
			return math.Exp(math.Min(math.Max(x, -expClamp), expClamp))
		}, nil
	default:
		return nil, fmt.Errorf("lookup %q: %w", name, ErrUnknownEvidence)
	}
}

// Softplus is log(1 + e^x), linear above 20 for stability.
func Softplus(x float64) float64 {
	if x > 20 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

// #endregion evidence

// #region alpha
// AlphaFunc turns a channel vector of logits into Dirichlet concentrations.
type AlphaFunc func(dst, logits []float64)

// Alpha builds alpha = evidence + 1, squared when powAlpha is set.
func Alpha(ev EvidenceFunc, powAlpha bool) AlphaFunc {
	return func(dst, logits []float64) {
		for i, v := range logits {
			a := ev(v) + 1
			if powAlpha {
				a *= a
			}
			dst[i] = a
		}
	}
}

// #endregion alpha

// #region probabilities
// ProbFunc maps a channel vector of logits to class probabilities.
type ProbFunc func(dst, logits []float64)

// Softmax writes the numerically stable softmax of logits into dst.
func Softmax(dst, logits []float64) {
	m := floats.Max(logits)
	for i, v := range logits {
		dst[i] = math.Exp(v - m)
	}
	floats.Scale(1/floats.Sum(dst), dst)
}

// SoftplusNormalized writes softplus(x)/Σ softplus(x) into dst.
func SoftplusNormalized(dst, logits []float64) {
	for i, v := range logits {
		dst[i] = Softplus(v)
	}
	floats.Scale(1/floats.Sum(dst), dst)
}

// DirichletMean writes alpha/Σalpha into dst.
func DirichletMean(dst, alpha []float64) {
	copy(dst, alpha)
	floats.Scale(1/floats.Sum(alpha), dst)
}

// #endregion probabilities

// #region subjective-logic
// Vacuity is K/S for a Dirichlet with strength S = Σalpha.
func Vacuity(alpha []float64) float64 {
	return float64(len(alpha)) / floats.Sum(alpha)
}

// Dissonance measures conflict between class beliefs b_k = (alpha_k - 1)/S:
// Σ_k b_k · (Σ_{j≠k} b_j·Bal(b_j,b_k)) / (Σ_{j≠k} b_j),
// Bal(x, y) = 1 − |x − y|/(x + y).
func Dissonance(alpha []float64) float64 {
	s := floats.Sum(alpha)
	belief := make([]float64, len(alpha))
	for i, a := range alpha {
		belief[i] = (a - 1) / s
	}
	var diss float64
	for k, bk := range belief {
		var num, den float64
		for j, bj := range belief {
			if j == k {
				continue
			}
			den += bj
			if bj+bk > 0 {
				num += bj * (1 - math.Abs(bj-bk)/(bj+bk))
			}
		}
		if den > 0 {
			diss += bk * num / den
		}
	}
	return diss
}

// #endregion subjective-logic

// #region maps
// Maps are the per-pixel fields rendered or scored for one batch item.
type Maps struct {
	H, W       int
	Confidence []float64
	Vacuity    []float64 // nil unless evidential
	Dissonance []float64 // nil unless evidential
}

// EvidentialMaps computes confidence, vacuity and dissonance for batch item n.
func EvidentialMaps(logits *tensor.Tensor, n int, alpha AlphaFunc) Maps {
	hw := logits.H * logits.W
	m := Maps{H: logits.H, W: logits.W,
		Confidence: make([]float64, hw),
		Vacuity:    make([]float64, hw),
		Dissonance: make([]float64, hw),
	}
	px := make([]float64, logits.C)
	a := make([]float64, logits.C)
	for y := 0; y < logits.H; y++ {
		for x := 0; x < logits.W; x++ {
			px = logits.Pixel(n, y, x, px)
			alpha(a, px)
			i := y*logits.W + x
			s := floats.Sum(a)
			m.Confidence[i] = floats.Max(a) / s
			m.Vacuity[i] = Vacuity(a)
			m.Dissonance[i] = Dissonance(a)
		}
	}
	return m
}

// ConfidenceMap computes the max class probability per pixel for batch item n.
func ConfidenceMap(logits *tensor.Tensor, n int, prob ProbFunc) Maps {
	hw := logits.H * logits.W
	m := Maps{H: logits.H, W: logits.W, Confidence: make([]float64, hw)}
	px := make([]float64, logits.C)
	p := make([]float64, logits.C)
	for y := 0; y < logits.H; y++ {
		for x := 0; x < logits.W; x++ {
			px = logits.Pixel(n, y, x, px)
			prob(p, px)
			m.Confidence[y*logits.W+x] = floats.Max(p)
		}
	}
	return m
}

// Probabilities applies prob to every pixel. The result has numClasses
// channels, which differs from logits.C for bag logits.
func Probabilities(logits *tensor.Tensor, prob ProbFunc, numClasses int) *tensor.Tensor {
	out := tensor.New(logits.N, numClasses, logits.H, logits.W)
	px := make([]float64, logits.C)
	p := make([]float64, numClasses)
	for n := 0; n < logits.N; n++ {
		for y := 0; y < logits.H; y++ {
			for x := 0; x < logits.W; x++ {
				px = logits.Pixel(n, y, x, px)
				prob(p, px)
				out.SetPixel(n, y, x, p)
			}
		}
	}
	return out
}

// #endregion maps
