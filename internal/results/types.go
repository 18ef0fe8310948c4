// Package results holds the per-sample evaluation results exchanged between
// the evaluation loop, the dataset reducers and the cross-process collectors.
package results

import (
	"errors"

	"github.com/danielpatrickdp/uqseg/internal/tensor"
	"github.com/danielpatrickdp/uqseg/internal/uncertainty"
)

// ErrCodec is returned when an encoded result list cannot be decoded.
var ErrCodec = errors.New("results: malformed encoding")

// #region kind
// Kind tags which payload of a Result is set.
type Kind int

const (
	KindPrediction Kind = iota + 1
	KindPath
	KindFormatted
	KindPreEval
)

func (k Kind) String() string {
	switch k {
	case KindPrediction:
		return "prediction"
	case KindPath:
		return "path"
	case KindFormatted:
		return "formatted"
	case KindPreEval:
		return "pre_eval"
	}
	return "unknown"
}

// #endregion kind

// #region result
// Result is one entry of the ordered result list. Exactly one payload is
// set, selected by Kind; pre-eval results carry both Seg and Aux.
type Result struct {
	Kind       Kind
	Prediction *tensor.LabelMap
	Path       string
	Formatted  string
	Seg        *SegPreResult
	Aux        *AuxPreResult
}

// Prediction wraps a raw label map.
func Prediction(lm tensor.LabelMap) Result { return Result{Kind: KindPrediction, Prediction: &lm} }

// Path wraps the location of a spilled prediction.
func Path(p string) Result { return Result{Kind: KindPath, Path: p} }

// Formatted wraps a dataset-formatted output.
func Formatted(s string) Result { return Result{Kind: KindFormatted, Formatted: s} }

// PreEval pairs the segmentation and auxiliary pre-results of one sample.
func PreEval(seg SegPreResult, aux AuxPreResult) Result {
	return Result{Kind: KindPreEval, Seg: &seg, Aux: &aux}
}

// #endregion result

// #region pre-results
// SegPreResult holds per-class pixel areas for IoU reduction.
type SegPreResult struct {
	Intersect []float64
	Union     []float64
	PredArea  []float64
	LabelArea []float64
}

// AuxPreResult holds calibration, edge and OOD statistics of one sample.
type AuxPreResult struct {
	Mode string
	// Calibration bins: pixel count, summed confidence and correct count.
	BinCount   []float64
	BinConf    []float64
	BinCorrect []float64
	NLLSum      float64
	Pixels      int
	EdgeCorrect int
	EdgeTotal   int
	// OOD scores are per-pixel uncertainty, higher meaning more likely OOD.
	OODScores  []float64
	OODTargets []bool
	// Evidential statistics, zero outside "edl" mode.
	VacuitySum    float64
	DissonanceSum float64
}

// #endregion pre-results

// #region aux-request
// Aux modes.
const (
	ModeEDL     = "edl"
	ModeSoftmax = "softmax"
	ModeBags    = "bags"
)

// AuxRequest selects how logits turn into probabilities for the auxiliary
// pre-result. Alpha is set in "edl" mode, Prob in "softmax" mode and Bags in
// "bags" mode.
type AuxRequest struct {
	Mode  string
	Prob  uncertainty.ProbFunc
	Alpha uncertainty.AlphaFunc
	Bags  *uncertainty.Bags
}

// #endregion aux-request
