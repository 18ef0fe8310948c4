package nflow

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// #region base-gaussian
// BaseGaussian is an isotropic Gaussian N(mean, scale²·I). A full distmv
// covariance would be dim² for classifier-sized vectors, so coordinates are
// drawn independently from distuv.
type BaseGaussian struct {
	mean  []float64
	scale float64
	src   rand.Source
}

// NewBaseGaussian returns a base distribution with zero mean.
func NewBaseGaussian(dim int, scale float64, src rand.Source) *BaseGaussian {
	if scale <= 0 {
		scale = 1
	}
	return &BaseGaussian{mean: make([]float64, dim), scale: scale, src: src}
}

// Mean returns a copy of the current mean.
func (g *BaseGaussian) Mean() []float64 {
	return append([]float64(nil), g.mean...)
}

// Sample draws n vectors, one per row.
func (g *BaseGaussian) Sample(n int) *mat.Dense {
	dim := len(g.mean)
	out := mat.NewDense(n, dim, nil)
	unit := distuv.Normal{Mu: 0, Sigma: g.scale, Src: g.src}
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] = g.mean[j] + unit.Rand()
		}
	}
	return out
}

// LogDensity evaluates log N(x; mean, scale²·I).
func (g *BaseGaussian) LogDensity(x []float64) float64 {
	d := float64(len(g.mean))
	dist := floats.Distance(x, g.mean, 2)
	return -0.5*d*math.Log(2*math.Pi*g.scale*g.scale) - dist*dist/(2*g.scale*g.scale)
}

// #endregion base-gaussian

// #region density
// Density is a normalizing flow: a fixed chain of transforms over a base
// Gaussian whose mean tracks the classifier parameters.
type Density struct {
	dim        int
	kind       string
	transforms []Transform
	base       *BaseGaussian
}

// New builds a chain of flowLength transforms of the given kind.
// flowLength 0 yields the identity map.
func New(dim, flowLength int, kind string, rng *rand.Rand) (*Density, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("create flow with dim %d: %w", dim, ErrDim)
	}
	var build func() Transform
	switch kind {
	case KindPlanar:
		build = func() Transform { return NewPlanar(dim, rng) }
	case KindRadial:
		build = func() Transform { return NewRadial(dim, rng) }
	case KindIAF:
		build = func() Transform { return NewAutoregressive(dim, DefaultHiddenDims, rng) }
	default:
		return nil, fmt.Errorf("create flow of kind %q: %w", kind, ErrNotImplemented)
	}
	d := &Density{dim: dim, kind: kind, base: NewBaseGaussian(dim, 1, rng)}
	for i := 0; i < flowLength; i++ {
		d.transforms = append(d.transforms, build())
	}
	return d, nil
}

func (d *Density) Dim() int                { return d.dim }
func (d *Density) Kind() string            { return d.kind }
func (d *Density) Len() int                { return len(d.transforms) }
func (d *Density) Base() *BaseGaussian     { return d.base }
func (d *Density) Transforms() []Transform { return d.transforms }

// SetMean pins the base mean to p, typically the flattened classifier
// weights followed by the bias.
func (d *Density) SetMean(p []float64) error {
	if len(p) != d.dim {
		return fmt.Errorf("set base mean of len %d on dim %d: %w", len(p), d.dim, ErrDim)
	}
	copy(d.base.mean, p)
	return nil
}

// SetScale changes the isotropic base standard deviation.
func (d *Density) SetScale(s float64) {
	if s > 0 {
		d.base.scale = s
	}
}

// SampleBase draws n base vectors.
func (d *Density) SampleBase(n int) *mat.Dense {
	return d.base.Sample(n)
}

// Forward pushes each row of z0 through the chain in order and returns the
// transformed rows with the per-row sum of log|det J|.
func (d *Density) Forward(z0 *mat.Dense) (*mat.Dense, []float64) {
	n, _ := z0.Dims()
	out := mat.DenseCopyOf(z0)
	sumLogJac := make([]float64, n)
	buf := make([]float64, d.dim)
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		for _, t := range d.transforms {
			sumLogJac[i] += t.Apply(buf, row)
			copy(row, buf)
		}
	}
	return out, sumLogJac
}

// LogProb evaluates the base log-density at Forward(x) plus the accumulated
// log-Jacobian, one value per row.
func (d *Density) LogProb(x *mat.Dense) []float64 {
	z, sumLogJac := d.Forward(x)
	n, _ := z.Dims()
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = d.base.LogDensity(z.RawRowView(i)) + sumLogJac[i]
	}
	return out
}

// #endregion density

// #region params
// Params exports the transform parameters for checkpointing.
func (d *Density) Params() Params {
	p := Params{Kind: d.kind, Dim: d.dim}
	for _, t := range d.transforms {
		p.Transforms = append(p.Transforms, t.Params())
	}
	return p
}

// SetParams restores a checkpoint produced by Params.
func (d *Density) SetParams(p Params) error {
	if p.Kind != d.kind {
		return fmt.Errorf("load %q params into %q flow: %w", p.Kind, d.kind, ErrNotImplemented)
	}
	if p.Dim != d.dim || len(p.Transforms) != len(d.transforms) {
		return fmt.Errorf("load params dim=%d len=%d into dim=%d len=%d: %w",
			p.Dim, len(p.Transforms), d.dim, len(d.transforms), ErrDim)
	}
	for i, t := range d.transforms {
		if err := t.SetParams(p.Transforms[i]); err != nil {
			return fmt.Errorf("load transform %d: %w", i, err)
		}
	}
	return nil
}

// #endregion params
