package model

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/uqseg/internal/dataset"
	"github.com/danielpatrickdp/uqseg/internal/decodehead"
	"github.com/danielpatrickdp/uqseg/internal/loss"
	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

// #region helpers
func testBatch(t *testing.T) dataset.Batch {
	t.Helper()
	ds, err := dataset.New(dataset.Synthetic(dataset.DefaultSyntheticConfig()))
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	b, ok, err := dataset.NewLoader(ds, nil, 1).Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("first batch: ok=%v err=%v", ok, err)
	}
	return b
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Head.NumClasses = 3
	cfg.Head.InChannels = nil
	cfg.Head.DropoutRatio = 0
	cfg.Head.NSamplesTrain = 3
	return cfg
}

func mustSegmentor(t *testing.T, cfg Config) *Segmentor {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new segmentor: %v", err)
	}
	return s
}

// #endregion helpers

// #region segmentor-tests
func TestInfer_ImageResolution(t *testing.T) {
	s := mustSegmentor(t, testConfig())
	preds, logits, err := s.Infer(context.Background(), testBatch(t))
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if logits.Shape() != [4]int{1, 3, 8, 8} {
		t.Fatalf("logits shape %v", logits.Shape())
	}
	if len(preds) != 1 || preds[0].H != 8 || preds[0].W != 8 {
		t.Fatalf("unexpected predictions %d of %dx%d", len(preds), preds[0].H, preds[0].W)
	}
}

func TestNew_InChannelsFromBackbone(t *testing.T) {
	cfg := testConfig()
	cfg.Backbone.Channels = []int{4, 6}
	cfg.Head.InIndex = []int{0}
	s := mustSegmentor(t, cfg)
	if got := s.Config().Head.InChannels; len(got) != 1 || got[0] != 4 {
		t.Fatalf("head in_channels %v, want [4]", got)
	}
	cfg.Head.InIndex = []int{5}
	cfg.Head.InChannels = nil
	if _, err := New(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestBackbone_InputChannels(t *testing.T) {
	bb, err := NewPoolingBackbone(DefaultBackboneConfig())
	if err != nil {
		t.Fatalf("backbone: %v", err)
	}
	if _, err := bb.Forward(tensor.New(1, 2, 4, 4)); !errors.Is(err, tensor.ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
	feats, err := bb.Forward(tensor.New(1, 3, 5, 5))
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if feats[1].H != 3 || feats[1].W != 3 {
		t.Fatalf("stride-2 level is %dx%d, want 3x3", feats[1].H, feats[1].W)
	}
}

func TestTrainStep(t *testing.T) {
	cfg := testConfig()
	cfg.Head.Losses = []loss.Config{{Type: loss.TypeEDL}}
	s := mustSegmentor(t, cfg)
	b := testBatch(t)
	gt := []tensor.LabelMap{tensor.NewLabelMap(8, 8)}
	out, err := s.TrainStep(context.Background(), b, gt, loss.Step{Epoch: 2, TotalEpochs: 10})
	if err != nil {
		t.Fatalf("train step: %v", err)
	}
	if _, ok := out["loss_edl"]; !ok {
		t.Fatalf("missing loss_edl in %v", out)
	}
}

// #endregion segmentor-tests

// #region wrapper-tests
func TestResolve_ThroughWrappers(t *testing.T) {
	s := mustSegmentor(t, testConfig())
	var m Model = &AlgorithmWrapper{Model: &DistributedWrapper{Module: s}, Algorithm: "ema"}
	if m.Resolve() != s {
		t.Fatal("wrappers did not resolve to the segmentor")
	}
	preds, _, err := m.Infer(context.Background(), testBatch(t))
	if err != nil || len(preds) != 1 {
		t.Fatalf("wrapped infer: %d predictions, err %v", len(preds), err)
	}
}

// #endregion wrapper-tests

// #region checkpoint-tests
func TestCheckpoint_RoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Head.Kind = decodehead.KindPlain
	cfg.Head.Seed = 3
	a := mustSegmentor(t, cfg)
	path := filepath.Join(t.TempDir(), "ck.json")
	if err := SaveCheckpoint(path, a.Checkpoint(CheckpointMeta{Epoch: 4})); err != nil {
		t.Fatalf("save: %v", err)
	}

	ck, err := LoadCheckpointFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ck.Meta.Epoch != 4 || ck.Meta.CreatedAt == "" {
		t.Fatalf("meta %+v", ck.Meta)
	}
	cfg.Head.Seed = 99
	cfg.Backbone.Seed = 99
	ck.Config = cfg
	b, err := FromCheckpoint(ck)
	if err != nil {
		t.Fatalf("from checkpoint: %v", err)
	}

	batch := testBatch(t)
	_, la, err := a.Infer(context.Background(), batch)
	if err != nil {
		t.Fatalf("infer a: %v", err)
	}
	_, lb, err := b.Infer(context.Background(), batch)
	if err != nil {
		t.Fatalf("infer b: %v", err)
	}
	for i := range la.Data {
		if math.Abs(la.Data[i]-lb.Data[i]) > 1e-12 {
			t.Fatalf("logit %d differs after reload: %g vs %g", i, la.Data[i], lb.Data[i])
		}
	}
}

func TestLoadCheckpoint_ShapeMismatch(t *testing.T) {
	a := mustSegmentor(t, testConfig())
	ck := a.Checkpoint(CheckpointMeta{})
	ck.Backbone.Levels = ck.Backbone.Levels[:1]
	if err := a.LoadCheckpoint(ck); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

// #endregion checkpoint-tests
