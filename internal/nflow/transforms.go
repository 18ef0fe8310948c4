package nflow

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// #region helpers
func softplus(x float64) float64 {
	if x > 20 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func uniform(rng *rand.Rand, n int, bound float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = (2*rng.Float64() - 1) * bound
	}
	return out
}

func need(p map[string][]float64, key string, n int) ([]float64, error) {
	v, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("missing param %q: %w", key, ErrDim)
	}
	if len(v) != n {
		return nil, fmt.Errorf("param %q has %d values, want %d: %w", key, len(v), n, ErrDim)
	}
	out := make([]float64, n)
	copy(out, v)
	return out, nil
}

// #endregion helpers

// #region planar
// Planar is f(z) = z + û·tanh(w·z + b), with û constrained so f is invertible.
type Planar struct {
	u, w []float64
	b    float64
}

// NewPlanar initialises a planar map with U(-1/√d, 1/√d) parameters.
func NewPlanar(dim int, rng *rand.Rand) *Planar {
	bound := 1 / math.Sqrt(float64(dim))
	return &Planar{
		u: uniform(rng, dim, bound),
		w: uniform(rng, dim, bound),
		b: uniform(rng, 1, bound)[0],
	}
}

func (p *Planar) Kind() string { return KindPlanar }

func (p *Planar) uHat() []float64 {
	wu := floats.Dot(p.w, p.u)
	m := -1 + softplus(wu)
	alpha := (m - wu) / floats.Dot(p.w, p.w)
	uh := make([]float64, len(p.u))
	copy(uh, p.u)
	floats.AddScaled(uh, alpha, p.w)
	return uh
}

func (p *Planar) Apply(dst, z []float64) float64 {
	uh := p.uHat()
	act := math.Tanh(floats.Dot(p.w, z) + p.b)
	copy(dst, z)
	floats.AddScaled(dst, act, uh)
	inner := 1 + (1-act*act)*floats.Dot(uh, p.w)
	return math.Log(math.Abs(inner))
}

func (p *Planar) Params() map[string][]float64 {
	return map[string][]float64{
		"u":    append([]float64(nil), p.u...),
		"w":    append([]float64(nil), p.w...),
		"bias": {p.b},
	}
}

func (p *Planar) SetParams(params map[string][]float64) error {
	u, err := need(params, "u", len(p.u))
	if err != nil {
		return err
	}
	w, err := need(params, "w", len(p.w))
	if err != nil {
		return err
	}
	b, err := need(params, "bias", 1)
	if err != nil {
		return err
	}
	p.u, p.w, p.b = u, w, b[0]
	return nil
}

// #endregion planar

// #region radial
// Radial contracts or expands around a reference point x0:
// f(z) = z + β·h(α, r)·(z − x0), r = ‖z − x0‖, h = 1/(α + r).
type Radial struct {
	x0         []float64
	alphaPrime float64
	betaPrime  float64
}

// NewRadial initialises a radial map with U(-1/√d, 1/√d) parameters.
func NewRadial(dim int, rng *rand.Rand) *Radial {
	bound := 1 / math.Sqrt(float64(dim))
	ab := uniform(rng, 2, bound)
	return &Radial{x0: uniform(rng, dim, bound), alphaPrime: ab[0], betaPrime: ab[1]}
}

func (r *Radial) Kind() string { return KindRadial }

func (r *Radial) Apply(dst, z []float64) float64 {
	alpha := softplus(r.alphaPrime)
	beta := -alpha + softplus(r.betaPrime)

	floats.SubTo(dst, z, r.x0)
	dist := floats.Norm(dst, 2)
	h := 1 / (alpha + dist)
	hPrime := -h * h
	betaH := beta * h

	// dst currently holds z - x0
	floats.Scale(betaH, dst)
	floats.Add(dst, z)

	d := float64(len(z))
	return (d-1)*math.Log1p(betaH) + math.Log1p(betaH+beta*hPrime*dist)
}

func (r *Radial) Params() map[string][]float64 {
	return map[string][]float64{
		"x0":          append([]float64(nil), r.x0...),
		"alpha_prime": {r.alphaPrime},
		"beta_prime":  {r.betaPrime},
	}
}

func (r *Radial) SetParams(params map[string][]float64) error {
	x0, err := need(params, "x0", len(r.x0))
	if err != nil {
		return err
	}
	a, err := need(params, "alpha_prime", 1)
	if err != nil {
		return err
	}
	b, err := need(params, "beta_prime", 1)
	if err != nil {
		return err
	}
	r.x0, r.alphaPrime, r.betaPrime = x0, a[0], b[0]
	return nil
}

// #endregion radial

// #region autoregressive
const (
	logScaleMin = -5.0
	logScaleMax = 3.0
)

// DefaultHiddenDims is the MADE width used for iaf_flow chains.
var DefaultHiddenDims = []int{128, 128}

// Autoregressive is an affine autoregressive map f(z) = μ(z) + exp(logσ(z))·z
// where μ_i and logσ_i depend only on z_<i, computed by a masked MLP (MADE).
type Autoregressive struct {
	dim     int
	weights []*mat.Dense // masked hidden layers, then loc and log-scale heads
	biases  [][]float64
	masks   []*mat.Dense
}

// NewAutoregressive builds a MADE conditioner with ReLU hidden layers.
func NewAutoregressive(dim int, hidden []int, rng *rand.Rand) *Autoregressive {
	inDeg := make([]int, dim)
	for i := range inDeg {
		inDeg[i] = i + 1
	}
	degs := [][]int{inDeg}
	for _, h := range hidden {
		d := make([]int, h)
		mod := max(1, dim-1)
		for k := range d {
			d[k] = k%mod + min(1, dim-1)
		}
		degs = append(degs, d)
	}

	a := &Autoregressive{dim: dim}
	for l := 1; l < len(degs); l++ {
		prev, cur := degs[l-1], degs[l]
		m := mat.NewDense(len(cur), len(prev), nil)
		for i := range cur {
			for j := range prev {
				if cur[i] >= prev[j] {
					m.Set(i, j, 1)
				}
			}
		}
		a.addLayer(m, rng)
	}
	last := degs[len(degs)-1]
	for head := 0; head < 2; head++ {
		m := mat.NewDense(dim, len(last), nil)
		for i := 0; i < dim; i++ {
			for j := range last {
				if inDeg[i] > last[j] {
					m.Set(i, j, 1)
				}
			}
		}
		a.addLayer(m, rng)
	}
	return a
}

func (a *Autoregressive) addLayer(mask *mat.Dense, rng *rand.Rand) {
	rows, cols := mask.Dims()
	bound := 1 / math.Sqrt(float64(cols))
	w := mat.NewDense(rows, cols, uniform(rng, rows*cols, bound))
	w.MulElem(w, mask)
	a.weights = append(a.weights, w)
	a.biases = append(a.biases, uniform(rng, rows, bound))
	a.masks = append(a.masks, mask)
}

func (a *Autoregressive) Kind() string { return KindIAF }

// conditioner returns (μ, logσ) for input z, logσ clamped.
func (a *Autoregressive) conditioner(z []float64) ([]float64, []float64) {
	h := mat.NewVecDense(len(z), append([]float64(nil), z...))
	nHidden := len(a.weights) - 2
	for l := 0; l < nHidden; l++ {
		rows, _ := a.weights[l].Dims()
		next := mat.NewVecDense(rows, nil)
		next.MulVec(a.weights[l], h)
		raw := next.RawVector().Data
		floats.Add(raw, a.biases[l])
		for i, v := range raw {
			if v < 0 {
				raw[i] = 0
			}
		}
		h = next
	}
	loc := mat.NewVecDense(a.dim, nil)
	loc.MulVec(a.weights[nHidden], h)
	logScale := mat.NewVecDense(a.dim, nil)
	logScale.MulVec(a.weights[nHidden+1], h)

	mu := loc.RawVector().Data
	floats.Add(mu, a.biases[nHidden])
	ls := logScale.RawVector().Data
	floats.Add(ls, a.biases[nHidden+1])
	for i, v := range ls {
		ls[i] = math.Min(math.Max(v, logScaleMin), logScaleMax)
	}
	return mu, ls
}

func (a *Autoregressive) Apply(dst, z []float64) float64 {
	mu, ls := a.conditioner(z)
	for i := range z {
		dst[i] = mu[i] + math.Exp(ls[i])*z[i]
	}
	return floats.Sum(ls)
}

func (a *Autoregressive) Params() map[string][]float64 {
	out := make(map[string][]float64, 2*len(a.weights))
	for l, w := range a.weights {
		rows, cols := w.Dims()
		flat := make([]float64, 0, rows*cols)
		for i := 0; i < rows; i++ {
			flat = append(flat, w.RawRowView(i)...)
		}
		out[fmt.Sprintf("layer%d.weight", l)] = flat
		out[fmt.Sprintf("layer%d.bias", l)] = append([]float64(nil), a.biases[l]...)
	}
	return out
}

func (a *Autoregressive) SetParams(params map[string][]float64) error {
	for l, w := range a.weights {
		rows, cols := w.Dims()
		flat, err := need(params, fmt.Sprintf("layer%d.weight", l), rows*cols)
		if err != nil {
			return err
		}
		b, err := need(params, fmt.Sprintf("layer%d.bias", l), rows)
		if err != nil {
			return err
		}
		nw := mat.NewDense(rows, cols, flat)
		nw.MulElem(nw, a.masks[l])
		a.weights[l] = nw
		a.biases[l] = b
	}
	return nil
}

// #endregion autoregressive
