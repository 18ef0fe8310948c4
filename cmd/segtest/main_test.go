package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/uqseg/internal/config"
	"github.com/danielpatrickdp/uqseg/internal/ledger"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Ledger.DBPath = filepath.Join(t.TempDir(), "uqseg.db")
	cfg.Thresholds.MaxECE = 0
	return cfg
}

func lastRun(t *testing.T, path string) (ledger.RunRecord, map[string]float64) {
	t.Helper()
	s, err := ledger.NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer s.Close()
	runs, err := s.ListRuns(1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns: %v (%d runs)", err, len(runs))
	}
	ms, err := s.Metrics(runs[0].RunID)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	out := map[string]float64{}
	for _, m := range ms {
		out[m.Name] = m.Value
	}
	return runs[0], out
}

func TestRun_SingleProcessRecordsMetrics(t *testing.T) {
	cfg := testConfig(t)
	if code := run(context.Background(), cfg, 1, false); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	rec, ms := lastRun(t, cfg.Ledger.DBPath)
	if rec.Status != ledger.StatusFinished || rec.Mode != "test" {
		t.Fatalf("unexpected run %+v", rec)
	}
	if _, ok := ms["mIoU"]; !ok {
		t.Fatalf("mIoU not recorded: %v", ms)
	}
}

func TestRun_LocalLauncher(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dist.Launcher = config.LauncherLocal
	cfg.Dist.WorldSize = 2
	cfg.Dist.GPUCollect = true
	if code := run(context.Background(), cfg, 0, true); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	rec, ms := lastRun(t, cfg.Ledger.DBPath)
	if rec.WorldSize != 2 || len(ms) == 0 {
		t.Fatalf("unexpected run %+v metrics %v", rec, ms)
	}
}

func TestRun_FailingThresholdMarksRunFailed(t *testing.T) {
	cfg := testConfig(t)
	cfg.Thresholds.MinMIoU = 1.01
	if code := run(context.Background(), cfg, 0, false); code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	rec, _ := lastRun(t, cfg.Ledger.DBPath)
	if rec.Status != ledger.StatusFailed {
		t.Fatalf("status %q, want failed", rec.Status)
	}
}

func TestRun_FormatOnlyPrintsCounts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Eval.PreEval = false
	cfg.Eval.FormatOnly = true
	cfg.Eval.FormatDir = t.TempDir()
	if code := run(context.Background(), cfg, 0, false); code != 0 {
		t.Fatalf("exit code %d", code)
	}
}
