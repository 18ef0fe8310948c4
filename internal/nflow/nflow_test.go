package nflow

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

func testRNG() *rand.Rand {
	return rand.New(rand.NewPCG(7, 11))
}

// fdLogDet returns log|det J| of t at z from a central-difference Jacobian.
func fdLogDet(t *testing.T, tr Transform, z []float64) float64 {
	t.Helper()
	d := len(z)
	jac := mat.NewDense(d, d, nil)
	fd.Jacobian(jac, func(y, x []float64) { tr.Apply(y, x) }, z, &fd.JacobianSettings{Formula: fd.Central})
	logDet, _ := mat.LogDet(jac)
	return logDet
}

func TestUnknownKindNotImplemented(t *testing.T) {
	_, err := New(4, 2, "sylvester_flow", testRNG())
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestAnalyticLogDetMatchesFiniteDifference(t *testing.T) {
	rng := testRNG()
	for _, tr := range []Transform{
		NewPlanar(3, rng),
		NewRadial(3, rng),
		NewAutoregressive(3, []int{8, 8}, rng),
	} {
		z := []float64{0.3, -0.7, 1.1}
		dst := make([]float64, 3)
		analytic := tr.Apply(dst, z)
		numeric := fdLogDet(t, tr, z)
		if math.Abs(analytic-numeric) > 1e-5 {
			t.Errorf("%s: analytic %f vs finite-difference %f", tr.Kind(), analytic, numeric)
		}
	}
}

func TestAutoregressiveJacobianIsTriangular(t *testing.T) {
	tr := NewAutoregressive(4, []int{16, 16}, testRNG())
	z := []float64{0.2, -0.4, 0.9, -1.3}
	jac := mat.NewDense(4, 4, nil)
	fd.Jacobian(jac, func(y, x []float64) { tr.Apply(y, x) }, z, &fd.JacobianSettings{Formula: fd.Central})
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			if math.Abs(jac.At(i, j)) > 1e-8 {
				t.Errorf("output %d depends on later input %d: %g", i, j, jac.At(i, j))
			}
		}
	}
}

func TestChangeOfVariablesIntegratesToOne(t *testing.T) {
	for _, kind := range []string{KindPlanar, KindRadial, KindIAF} {
		d, err := New(1, 3, kind, testRNG())
		if err != nil {
			t.Fatalf("new %s: %v", kind, err)
		}
		const n = 6001
		xs := make([]float64, n)
		for i := range xs {
			xs[i] = -30 + 60*float64(i)/float64(n-1)
		}
		lp := d.LogProb(mat.NewDense(n, 1, append([]float64(nil), xs...)))
		ps := make([]float64, n)
		for i, v := range lp {
			ps[i] = math.Exp(v)
		}
		if mass := integrate.Trapezoidal(xs, ps); math.Abs(mass-1) > 1e-3 {
			t.Errorf("%s: density integrates to %f", kind, mass)
		}
	}
}

func TestLogProbIsBasePlusJacobian(t *testing.T) {
	d, err := New(3, 2, KindPlanar, testRNG())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := d.SetMean([]float64{0.5, 0, -0.5}); err != nil {
		t.Fatalf("set mean: %v", err)
	}
	x := mat.NewDense(2, 3, []float64{0.1, 0.2, 0.3, -1, 0, 1})
	z, sum := d.Forward(x)
	lp := d.LogProb(x)
	for i := 0; i < 2; i++ {
		want := d.Base().LogDensity(z.RawRowView(i)) + sum[i]
		if math.Abs(lp[i]-want) > 1e-12 {
			t.Errorf("row %d: %f != %f", i, lp[i], want)
		}
	}
}

func TestBaseLogDensityMatchesDistmv(t *testing.T) {
	g := NewBaseGaussian(3, 0.5, testRNG())
	copy(g.mean, []float64{1, -2, 0.5})
	cov := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		cov.SetSym(i, i, 0.25)
	}
	oracle, ok := distmv.NewNormal(g.Mean(), cov, nil)
	if !ok {
		t.Fatal("covariance not positive definite")
	}
	x := []float64{0.3, -1.1, 2}
	if got, want := g.LogDensity(x), oracle.LogProb(x); math.Abs(got-want) > 1e-10 {
		t.Fatalf("log density %f, want %f", got, want)
	}
}

func TestSampleBaseCentredOnMean(t *testing.T) {
	d, _ := New(2, 0, KindPlanar, testRNG())
	if err := d.SetMean([]float64{1, -2}); err != nil {
		t.Fatalf("set mean: %v", err)
	}
	s := d.SampleBase(4000)
	for j, want := range []float64{1, -2} {
		col := mat.Col(nil, j, s)
		if got := floats.Sum(col) / float64(len(col)); math.Abs(got-want) > 0.1 {
			t.Errorf("column %d mean %f, want %f", j, got, want)
		}
	}
}

func TestIdentityChainHasZeroLogDet(t *testing.T) {
	d, _ := New(2, 0, KindRadial, testRNG())
	x := mat.NewDense(1, 2, []float64{3, 4})
	z, sum := d.Forward(x)
	if !mat.Equal(x, z) || sum[0] != 0 {
		t.Fatalf("identity chain changed input: %v %v", mat.Formatted(z), sum)
	}
}

func TestSetMeanRejectsWrongDim(t *testing.T) {
	d, _ := New(3, 1, KindPlanar, testRNG())
	if err := d.SetMean([]float64{1}); !errors.Is(err, ErrDim) {
		t.Fatalf("expected ErrDim, got %v", err)
	}
}

func TestParamsRoundTripThroughJSON(t *testing.T) {
	src, _ := New(3, 2, KindIAF, rand.New(rand.NewPCG(1, 1)))
	dst, _ := New(3, 2, KindIAF, rand.New(rand.NewPCG(2, 2)))

	raw, err := json.Marshal(src.Params())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := dst.SetParams(p); err != nil {
		t.Fatalf("set params: %v", err)
	}

	x := mat.NewDense(1, 3, []float64{0.4, -0.2, 0.9})
	a, la := src.Forward(x)
	b, lb := dst.Forward(x)
	if !mat.EqualApprox(a, b, 1e-12) || math.Abs(la[0]-lb[0]) > 1e-12 {
		t.Fatal("restored flow differs from source")
	}
}
