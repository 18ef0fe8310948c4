package uncertainty

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"

	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

func TestEvidenceNonNegativeAndMonotone(t *testing.T) {
	for _, name := range []string{EvidenceSoftplus, EvidenceReLU, EvidenceExp} {
		ev, err := LookupEvidence(name)
		if err != nil {
			t.Fatalf("lookup %s: %v", name, err)
		}
		prev := -1.0
		for x := -15.0; x <= 15; x += 0.5 {
			v := ev(x)
			if v < 0 {
				t.Fatalf("%s(%f) = %f is negative", name, x, v)
			}
			if v < prev {
				t.Fatalf("%s not monotone at %f", name, x)
			}
			prev = v
		}
	}
}

func TestExpEvidenceClamped(t *testing.T) {
	ev, _ := LookupEvidence(EvidenceExp)
	if ev(50) != math.Exp(10) || ev(-50) != math.Exp(-10) {
		t.Fatalf("exp evidence not clamped: %f %f", ev(50), ev(-50))
	}
}

func TestLookupEvidence_Unknown(t *testing.T) {
	if _, err := LookupEvidence("tanh"); !errors.Is(err, ErrUnknownEvidence) {
		t.Fatalf("expected ErrUnknownEvidence, got %v", err)
	}
}

func TestAlphaPow(t *testing.T) {
	ev, _ := LookupEvidence(EvidenceReLU)
	dst := make([]float64, 2)
	Alpha(ev, false)(dst, []float64{2, -1})
	if dst[0] != 3 || dst[1] != 1 {
		t.Fatalf("alpha = %v", dst)
	}
	Alpha(ev, true)(dst, []float64{2, -1})
	if dst[0] != 9 || dst[1] != 1 {
		t.Fatalf("squared alpha = %v", dst)
	}
}

func TestSoftmaxAndSoftplusSumToOne(t *testing.T) {
	logits := []float64{1000, 999, -3}
	p := make([]float64, 3)
	Softmax(p, logits)
	if math.Abs(floats.Sum(p)-1) > 1e-12 || math.IsNaN(p[0]) {
		t.Fatalf("softmax = %v", p)
	}
	SoftplusNormalized(p, []float64{0, 1, 2})
	if math.Abs(floats.Sum(p)-1) > 1e-12 {
		t.Fatalf("softplus probs = %v", p)
	}
}

func TestVacuityAndDissonance(t *testing.T) {
	// no evidence: full vacuity, no conflict
	flat := []float64{1, 1, 1}
	if Vacuity(flat) != 1 || Dissonance(flat) != 0 {
		t.Fatalf("flat: vacuity %f dissonance %f", Vacuity(flat), Dissonance(flat))
	}
	// evidence on one class only: no conflict
	if d := Dissonance([]float64{21, 1, 1}); d != 0 {
		t.Fatalf("single-class dissonance %f", d)
	}
	// balanced evidence on two classes: b = 10/23 each, dissonance = 2·b
	d := Dissonance([]float64{11, 11, 1})
	if want := 20.0 / 23; math.Abs(d-want) > 1e-12 {
		t.Fatalf("balanced dissonance %f, want %f", d, want)
	}
}

func TestEvidentialMaps(t *testing.T) {
	logits, _ := tensor.FromData(1, 2, 1, 2, []float64{4, 0, 0, 0})
	ev, _ := LookupEvidence(EvidenceReLU)
	m := EvidentialMaps(logits, 0, Alpha(ev, false))
	// pixel 0: alpha (5,1); pixel 1: alpha (1,1)
	if math.Abs(m.Confidence[0]-5.0/6) > 1e-12 || m.Confidence[1] != 0.5 {
		t.Errorf("confidence %v", m.Confidence)
	}
	if math.Abs(m.Vacuity[0]-2.0/6) > 1e-12 || m.Vacuity[1] != 1 {
		t.Errorf("vacuity %v", m.Vacuity)
	}
}

func TestConfidenceMapSoftmax(t *testing.T) {
	logits, _ := tensor.FromData(1, 2, 1, 1, []float64{0, 0})
	m := ConfidenceMap(logits, 0, Softmax)
	if m.Confidence[0] != 0.5 || m.Vacuity != nil {
		t.Fatalf("unexpected maps %+v", m)
	}
}

func TestBagsProbSumsToOne(t *testing.T) {
	b := Bags{Classes: [][]int{{0, 2}, {1}}}
	if err := b.Validate(3); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if b.NumChannels() != 5 {
		t.Fatalf("expected 5 channels, got %d", b.NumChannels())
	}
	// bag 0 strongly prefers class 2; bag 1 strongly says "other"
	logits := []float64{0, 8, 0, 0, 8}
	p := make([]float64, 3)
	b.Prob()(p, logits)
	if math.Abs(floats.Sum(p)-1) > 1e-12 {
		t.Fatalf("bag probs %v do not sum to 1", p)
	}
	if floats.MaxIdx(p) != 2 {
		t.Fatalf("expected class 2 to win, got %v", p)
	}
}

func TestBagsValidate(t *testing.T) {
	if err := (Bags{Classes: [][]int{{0}, {0, 1}}}).Validate(2); !errors.Is(err, ErrBags) {
		t.Fatalf("duplicate class: expected ErrBags, got %v", err)
	}
	if err := (Bags{Classes: [][]int{{0}}}).Validate(2); !errors.Is(err, ErrBags) {
		t.Fatalf("missing class: expected ErrBags, got %v", err)
	}
	even := EvenBags(5, 2)
	if err := even.Validate(5); err != nil {
		t.Fatalf("even bags invalid: %v", err)
	}
}

func TestProbabilitiesBagWidth(t *testing.T) {
	b := EvenBags(2, 2)
	logits := tensor.New(1, b.NumChannels(), 1, 1)
	out := Probabilities(logits, b.Prob(), b.NumClasses())
	if out.C != 2 || math.Abs(out.Data[0]+out.Data[1]-1) > 1e-12 {
		t.Fatalf("unexpected bag probabilities %+v", out)
	}
}
