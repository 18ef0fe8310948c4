package eval

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/uqseg/internal/dataset"
)

// #region eval-harness
// EvalHarness checks the final metrics of a test run against thresholds.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run checks m. Metrics that are NaN (no OOD pixels, no labelled pixels)
// are reported but never fail a run.
func (h *EvalHarness) Run(m dataset.Metrics) EvalResult {
	var metrics []EvalMetric
	passed := true
	var failReasons []string

	check := func(name string, v float64, ok bool, reason string) {
		if math.IsNaN(v) {
			ok = true
		}
		metrics = append(metrics, EvalMetric{Name: name, Value: v, Pass: ok})
		if !ok {
			passed = false
			failReasons = append(failReasons, reason)
		}
	}

	// 1. Segmentation quality
	check("mIoU", m.MIoU, m.MIoU >= h.config.MinMIoU,
		fmt.Sprintf("mIoU %.4f below %.4f", m.MIoU, h.config.MinMIoU))

	// 2. Calibration
	eceOK := h.config.MaxECE <= 0 || m.ECE <= h.config.MaxECE
	check("ECE", m.ECE, eceOK,
		fmt.Sprintf("ECE %.4f exceeds %.4f", m.ECE, h.config.MaxECE))

	// 3. OOD separation
	check("ood_auroc", m.OODAUROC, m.OODAUROC >= h.config.MinOODAUROC,
		fmt.Sprintf("OOD AUROC %.4f below %.4f", m.OODAUROC, h.config.MinOODAUROC))

	// 4. Edge accuracy: informational only
	metrics = append(metrics, EvalMetric{
		Name:  "edge_acc",
		Value: m.EdgeAcc,
		Pass:  math.IsNaN(m.EdgeAcc) || m.EdgeAcc >= h.config.EdgeAccBaseline,
	})

	reason := "all checks passed"
	if !passed {
		reason = fmt.Sprintf("eval failed: %s", failReasons[0])
		if len(failReasons) > 1 {
			reason = fmt.Sprintf("eval failed: %d checks: %s", len(failReasons), failReasons[0])
		}
	}

	return EvalResult{
		Passed:  passed,
		Metrics: metrics,
		Reason:  reason,
	}
}

// #endregion eval-harness
