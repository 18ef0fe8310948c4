package eval

import (
	"encoding/json"
	"math"
)

// #region eval-config
// EvalConfig holds thresholds checked against the final metrics of a test
// run. A zero threshold disables its check.
type EvalConfig struct {
	MinMIoU         float64 `json:"min_miou"`          // fail if mIoU falls below this
	MaxECE          float64 `json:"max_ece"`           // fail if calibration error exceeds this
	MinOODAUROC     float64 `json:"min_ood_auroc"`     // fail if OOD separation falls below this
	EdgeAccBaseline float64 `json:"edge_acc_baseline"` // warn if edge accuracy is below baseline
}

// DefaultEvalConfig returns thresholds loose enough for untrained models.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		MinMIoU:         0,
		MaxECE:          0.5,
		MinOODAUROC:     0,
		EdgeAccBaseline: 0.5,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Pass  bool    `json:"pass"`
}

// MarshalJSON writes a NaN or infinite value as null.
func (m EvalMetric) MarshalJSON() ([]byte, error) {
	var v *float64
	if !math.IsNaN(m.Value) && !math.IsInf(m.Value, 0) {
		v = &m.Value
	}
	return json.Marshal(struct {
		Name  string   `json:"name"`
		Value *float64 `json:"value"`
		Pass  bool     `json:"pass"`
	}{m.Name, v, m.Pass})
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of a threshold check.
type EvalResult struct {
	Passed  bool         `json:"passed"`
	Metrics []EvalMetric `json:"metrics"`
	Reason  string       `json:"reason"`
}

// #endregion eval-result
