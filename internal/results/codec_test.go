package results

import (
	"errors"
	"testing"

	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

func TestEncodeDecode_MixedKinds(t *testing.T) {
	lm := tensor.LabelMap{H: 2, W: 2, Data: []int{0, 3, 255, -1}}
	in := []Result{
		Prediction(lm),
		Path("/tmp/x.npy"),
		PreEval(
			SegPreResult{Intersect: []float64{1, 2}, Union: []float64{3, 4}, PredArea: []float64{2, 2}, LabelArea: []float64{2, 3}},
			AuxPreResult{Mode: ModeEDL, BinCount: []float64{0, 4}, NLLSum: 1.5, Pixels: 4, EdgeCorrect: 1, EdgeTotal: 2,
				OODScores: []float64{0.2}, OODTargets: []bool{true}, VacuitySum: 0.75},
		),
	}
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out))
	}
	if out[0].Kind != KindPrediction || out[0].Prediction.Data[3] != -1 || out[0].Prediction.Data[2] != 255 {
		t.Errorf("prediction not preserved: %+v", out[0].Prediction)
	}
	if out[1].Kind != KindPath || out[1].Path != "/tmp/x.npy" {
		t.Errorf("path not preserved: %+v", out[1])
	}
	aux := out[2].Aux
	if out[2].Seg.Union[1] != 4 || aux.Mode != ModeEDL || aux.NLLSum != 1.5 || aux.EdgeTotal != 2 || !aux.OODTargets[0] || aux.VacuitySum != 0.75 {
		t.Errorf("pre-eval not preserved: %+v %+v", out[2].Seg, aux)
	}
}

func TestDecode_Truncated(t *testing.T) {
	b := Encode([]Result{Path("abc")})
	if _, err := Decode(b[:len(b)-2]); !errors.Is(err, ErrCodec) {
		t.Fatalf("expected ErrCodec, got %v", err)
	}
}

func TestDecode_LabelSizeMismatch(t *testing.T) {
	lm := tensor.LabelMap{H: 3, W: 3, Data: []int{1}}
	if _, err := Decode(Encode([]Result{Prediction(lm)})); !errors.Is(err, ErrCodec) {
		t.Fatalf("expected ErrCodec, got %v", err)
	}
}
