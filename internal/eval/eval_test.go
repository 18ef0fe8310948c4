package eval

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/danielpatrickdp/uqseg/internal/dataset"
)

func makeMetrics() dataset.Metrics {
	return dataset.Metrics{
		AAcc:     0.9,
		MIoU:     0.7,
		ECE:      0.05,
		EdgeAcc:  0.8,
		OODAUROC: math.NaN(),
	}
}

func TestEvalPassesOnGoodMetrics(t *testing.T) {
	h := NewEvalHarness(DefaultEvalConfig())

	result := h.Run(makeMetrics())

	if !result.Passed {
		t.Fatalf("expected pass, got fail: %s", result.Reason)
	}
	if len(result.Metrics) != 4 {
		t.Fatalf("expected 4 metrics, got %d", len(result.Metrics))
	}
}

func TestEvalFailsOnLowMIoU(t *testing.T) {
	config := DefaultEvalConfig()
	config.MinMIoU = 0.8
	h := NewEvalHarness(config)

	result := h.Run(makeMetrics())

	if result.Passed {
		t.Fatal("expected fail on low mIoU")
	}
	if !strings.Contains(result.Reason, "mIoU") {
		t.Fatalf("reason should name mIoU: %s", result.Reason)
	}
}

func TestEvalFailsOnPoorCalibration(t *testing.T) {
	config := DefaultEvalConfig()
	config.MaxECE = 0.01
	h := NewEvalHarness(config)

	result := h.Run(makeMetrics())

	if result.Passed {
		t.Fatal("expected fail on ECE")
	}
}

func TestEvalNaNNeverFails(t *testing.T) {
	config := DefaultEvalConfig()
	config.MinOODAUROC = 0.9
	h := NewEvalHarness(config)

	result := h.Run(makeMetrics())

	if !result.Passed {
		t.Fatalf("missing OOD AUROC should not fail: %s", result.Reason)
	}
}

func TestEvalCountsFailures(t *testing.T) {
	config := DefaultEvalConfig()
	config.MinMIoU = 0.8
	config.MinOODAUROC = 0.9
	h := NewEvalHarness(config)

	m := makeMetrics()
	m.OODAUROC = 0.6
	result := h.Run(m)

	if result.Passed || !strings.Contains(result.Reason, "2 checks") {
		t.Fatalf("expected two failures, got %q", result.Reason)
	}
}

func TestEvalEdgeAccInformationalOnly(t *testing.T) {
	config := DefaultEvalConfig()
	config.EdgeAccBaseline = 0.99
	h := NewEvalHarness(config)

	result := h.Run(makeMetrics())

	if !result.Passed {
		t.Fatal("edge accuracy should not block")
	}
	for _, m := range result.Metrics {
		if m.Name == "edge_acc" && m.Pass {
			t.Fatal("edge_acc should be flagged below baseline")
		}
	}
}

func TestEvalResultMarshalsNaNAsNull(t *testing.T) {
	result := NewEvalHarness(EvalConfig{}).Run(dataset.Metrics{MIoU: 0.5, OODAUROC: math.NaN(), EdgeAcc: 1})
	if !result.Passed {
		t.Fatalf("expected pass, got %s", result.Reason)
	}

	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got struct {
		Passed  bool `json:"passed"`
		Metrics []struct {
			Name  string   `json:"name"`
			Value *float64 `json:"value"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Passed || len(got.Metrics) != 4 {
		t.Fatalf("unexpected result %s", data)
	}
	for _, m := range got.Metrics {
		switch m.Name {
		case "ood_auroc":
			if m.Value != nil {
				t.Errorf("ood_auroc = %v, want null", *m.Value)
			}
		case "mIoU":
			if m.Value == nil || *m.Value != 0.5 {
				t.Errorf("mIoU = %v, want 0.5", m.Value)
			}
		}
	}
}
