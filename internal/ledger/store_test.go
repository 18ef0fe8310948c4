package ledger

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndFinishRun(t *testing.T) {
	s := tempDB(t)

	rec, err := s.CreateRun("test", 2, `{"pre_eval":true}`, "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if rec.RunID == "" || rec.Status != StatusRunning {
		t.Fatalf("unexpected run %+v", rec)
	}
	if err := s.FinishRun(rec.RunID, StatusFinished); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := s.GetRun(rec.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != StatusFinished || got.FinishedAt.IsZero() {
		t.Fatalf("run not finished: %+v", got)
	}
	if got.WorldSize != 2 || got.ConfigJSON != `{"pre_eval":true}` {
		t.Fatalf("run fields lost: %+v", got)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := tempDB(t)
	if _, err := s.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.FinishRun("missing", StatusFailed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRun_ParentMustExist(t *testing.T) {
	s := tempDB(t)
	if _, err := s.CreateRun("test", 1, "{}", "no-such-run"); err == nil {
		t.Fatal("expected foreign key violation")
	}
	parent, err := s.CreateRun("probe", 1, "{}", "")
	if err != nil {
		t.Fatalf("parent: %v", err)
	}
	child, err := s.CreateRun("test", 1, "{}", parent.RunID)
	if err != nil {
		t.Fatalf("child: %v", err)
	}
	got, _ := s.GetRun(child.RunID)
	if got.ParentID != parent.RunID {
		t.Fatalf("parent %q, want %q", got.ParentID, parent.RunID)
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := tempDB(t)
	first, _ := s.CreateRun("test", 1, "{}", "")
	time.Sleep(2 * time.Millisecond)
	second, _ := s.CreateRun("test", 1, "{}", "")

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != second.RunID || runs[1].RunID != first.RunID {
		t.Fatalf("unexpected order: %+v", runs)
	}
}

func TestRecordMetrics(t *testing.T) {
	s := tempDB(t)
	rec, _ := s.CreateRun("test", 1, "{}", "")
	if err := s.RecordMetrics(rec.RunID, map[string]float64{"mIoU": 0.5, "aAcc": 0.9, "ood_auroc": math.NaN()}); err != nil {
		t.Fatalf("RecordMetrics: %v", err)
	}
	if err := s.RecordMetrics(rec.RunID, map[string]float64{"mIoU": 0.6}); err != nil {
		t.Fatalf("RecordMetrics overwrite: %v", err)
	}
	ms, err := s.Metrics(rec.RunID)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if len(ms) != 2 || ms[0].Name != "aAcc" || ms[1].Name != "mIoU" || ms[1].Value != 0.6 {
		t.Fatalf("unexpected metrics %+v", ms)
	}
}

func TestCurveRoundTrip(t *testing.T) {
	s := tempDB(t)
	rec, _ := s.CreateRun("test", 1, "{}", "")
	want := []float64{0, 0.25, 1, -3.5}
	if err := s.SaveCurve(rec.RunID, "reliability", want); err != nil {
		t.Fatalf("SaveCurve: %v", err)
	}
	got, err := s.Curve(rec.RunID, "reliability")
	if err != nil {
		t.Fatalf("Curve: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("curve %v, want %v", got, want)
		}
	}
	if _, err := s.Curve(rec.RunID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
