// Package model assembles a backbone and a decode head into a segmentor
// and provides the wrappers the evaluation loop resolves through.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"slices"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/danielpatrickdp/uqseg/internal/dataset"
	"github.com/danielpatrickdp/uqseg/internal/decodehead"
	"github.com/danielpatrickdp/uqseg/internal/loss"
	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

// #region defaults
// DefaultBackboneConfig returns a two-level backbone over RGB input.
func DefaultBackboneConfig() BackboneConfig {
	return BackboneConfig{
		InChannels: 3,
		Channels:   []int{8, 8},
		Strides:    []int{1, 2},
		Seed:       1,
	}
}

// DefaultConfig pairs the default backbone with the default nf_bll head.
func DefaultConfig() Config {
	head := decodehead.DefaultConfig()
	head.InChannels = []int{8}
	head.InIndex = []int{-1}
	return Config{Backbone: DefaultBackboneConfig(), Head: head}
}

// #endregion defaults

// #region backbone
// PoolingBackbone produces one feature level per stride: average pooling
// followed by a 1×1 projection and ReLU.
type PoolingBackbone struct {
	cfg    BackboneConfig
	levels []*mat.Dense
	biases [][]float64
}

// NewPoolingBackbone initialises the projections with He-normal weights.
func NewPoolingBackbone(cfg BackboneConfig) (*PoolingBackbone, error) {
	if cfg.InChannels <= 0 || len(cfg.Channels) == 0 || len(cfg.Channels) != len(cfg.Strides) {
		return nil, fmt.Errorf("backbone in=%d channels=%v strides=%v: %w", cfg.InChannels, cfg.Channels, cfg.Strides, ErrConfig)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+0x632be59bd9b4e019))
	init := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2 / float64(cfg.InChannels)), Src: rng}
	b := &PoolingBackbone{cfg: cfg}
	for i, c := range cfg.Channels {
		if c <= 0 || cfg.Strides[i] <= 0 {
			return nil, fmt.Errorf("backbone level %d: channels %d stride %d: %w", i, c, cfg.Strides[i], ErrConfig)
		}
		w := make([]float64, c*cfg.InChannels)
		for j := range w {
			w[j] = init.Rand()
		}
		b.levels = append(b.levels, mat.NewDense(c, cfg.InChannels, w))
		b.biases = append(b.biases, make([]float64, c))
	}
	return b, nil
}

func (b *PoolingBackbone) OutChannels() []int { return slices.Clone(b.cfg.Channels) }

func (b *PoolingBackbone) Forward(x *tensor.Tensor) ([]*tensor.Tensor, error) {
	if x.C != b.cfg.InChannels {
		return nil, fmt.Errorf("backbone input with %d channels, want %d: %w", x.C, b.cfg.InChannels, tensor.ErrShape)
	}
	out := make([]*tensor.Tensor, len(b.levels))
	for i, w := range b.levels {
		f, err := tensor.Conv1x1(tensor.AvgPool(x, b.cfg.Strides[i]), w, b.biases[i])
		if err != nil {
			return nil, fmt.Errorf("backbone level %d: %w", i, err)
		}
		for j, v := range f.Data {
			f.Data[j] = math.Max(v, 0)
		}
		out[i] = f
	}
	return out, nil
}

func (b *PoolingBackbone) State() BackboneState {
	s := BackboneState{Levels: make([]LevelState, len(b.levels))}
	for i, w := range b.levels {
		s.Levels[i] = LevelState{
			Weight: slices.Clone(w.RawMatrix().Data),
			Bias:   slices.Clone(b.biases[i]),
		}
	}
	return s
}

func (b *PoolingBackbone) LoadState(s BackboneState) error {
	if len(s.Levels) != len(b.levels) {
		return fmt.Errorf("load %d backbone levels into %d: %w", len(s.Levels), len(b.levels), ErrConfig)
	}
	for i, l := range s.Levels {
		r, c := b.levels[i].Dims()
		if len(l.Weight) != r*c || len(l.Bias) != r {
			return fmt.Errorf("load backbone level %d: %w", i, ErrConfig)
		}
		b.levels[i] = mat.NewDense(r, c, slices.Clone(l.Weight))
		b.biases[i] = slices.Clone(l.Bias)
	}
	return nil
}

// #endregion backbone

// #region segmentor
// Segmentor is an encoder-decoder: backbone features into a decode head,
// logits resized to the input resolution.
type Segmentor struct {
	cfg      Config
	backbone Backbone
	head     decodehead.Head
}

// New builds a segmentor. Empty head in_channels are taken from the backbone.
func New(cfg Config) (*Segmentor, error) {
	bb, err := NewPoolingBackbone(cfg.Backbone)
	if err != nil {
		return nil, err
	}
	out := bb.OutChannels()
	if len(cfg.Head.InIndex) == 0 {
		cfg.Head.InIndex = []int{-1}
	}
	if len(cfg.Head.InChannels) == 0 {
		for _, idx := range cfg.Head.InIndex {
			if idx < 0 {
				idx += len(out)
			}
			if idx < 0 || idx >= len(out) {
				return nil, fmt.Errorf("head in_index %d over %d backbone levels: %w", idx, len(out), ErrConfig)
			}
			cfg.Head.InChannels = append(cfg.Head.InChannels, out[idx])
		}
	}
	head, err := decodehead.New(cfg.Head)
	if err != nil {
		return nil, fmt.Errorf("build decode head: %w", err)
	}
	return NewWithParts(cfg, bb, head), nil
}

// NewWithParts assembles a segmentor from prebuilt parts.
func NewWithParts(cfg Config, bb Backbone, head decodehead.Head) *Segmentor {
	return &Segmentor{cfg: cfg, backbone: bb, head: head}
}

func (s *Segmentor) Config() Config              { return s.cfg }
func (s *Segmentor) Backbone() Backbone          { return s.backbone }
func (s *Segmentor) DecodeHead() decodehead.Head { return s.head }
func (s *Segmentor) Resolve() *Segmentor         { return s }

// Infer runs the test-time forward pass: discrete predictions and the
// logits they were taken from, both at image resolution.
func (s *Segmentor) Infer(ctx context.Context, b dataset.Batch) ([]tensor.LabelMap, *tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	feats, err := s.backbone.Forward(b.Image)
	if err != nil {
		return nil, nil, fmt.Errorf("backbone forward: %w", err)
	}
	logits, err := s.head.ForwardTest(feats)
	if err != nil {
		return nil, nil, fmt.Errorf("decode head forward: %w", err)
	}
	logits = tensor.Resize(logits, b.Image.H, b.Image.W, s.head.AlignCorners())
	return s.head.Predict(logits), logits, nil
}

// TrainStep runs the training forward pass and returns the loss dict.
func (s *Segmentor) TrainStep(ctx context.Context, b dataset.Batch, gt []tensor.LabelMap, step loss.Step) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	feats, err := s.backbone.Forward(b.Image)
	if err != nil {
		return nil, fmt.Errorf("backbone forward: %w", err)
	}
	return s.head.ForwardTrain(feats, gt, step)
}

// #endregion segmentor

// #region wrappers
// DistributedWrapper marks a model replicated across a process group.
type DistributedWrapper struct {
	Module Model
	Rank   int
}

func (w *DistributedWrapper) Resolve() *Segmentor { return w.Module.Resolve() }

func (w *DistributedWrapper) Infer(ctx context.Context, b dataset.Batch) ([]tensor.LabelMap, *tensor.Tensor, error) {
	return w.Module.Infer(ctx, b)
}

// AlgorithmWrapper marks a model driven by an outer training algorithm.
type AlgorithmWrapper struct {
	Model     Model
	Algorithm string
}

func (w *AlgorithmWrapper) Resolve() *Segmentor { return w.Model.Resolve() }

func (w *AlgorithmWrapper) Infer(ctx context.Context, b dataset.Batch) ([]tensor.LabelMap, *tensor.Tensor, error) {
	return w.Model.Infer(ctx, b)
}

// #endregion wrappers

// #region checkpoint
// Checkpoint captures the segmentor's parameters.
func (s *Segmentor) Checkpoint(meta CheckpointMeta) Checkpoint {
	if meta.CreatedAt == "" {
		meta.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return Checkpoint{
		Meta:     meta,
		Config:   s.cfg,
		Backbone: s.backbone.State(),
		Head:     s.head.State(),
	}
}

// LoadCheckpoint restores parameters. The head re-anchors its flow on the
// loaded classifier.
func (s *Segmentor) LoadCheckpoint(ck Checkpoint) error {
	if err := s.backbone.LoadState(ck.Backbone); err != nil {
		return fmt.Errorf("load backbone: %w", err)
	}
	if err := s.head.LoadState(ck.Head); err != nil {
		return fmt.Errorf("load decode head: %w", err)
	}
	log.Printf("[MODEL] loaded checkpoint epoch=%d iter=%d run=%s", ck.Meta.Epoch, ck.Meta.Iter, ck.Meta.RunID)
	return nil
}

// SaveCheckpoint writes ck as JSON.
func SaveCheckpoint(path string, ck Checkpoint) error {
	data, err := json.Marshal(ck)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	return nil
}

// LoadCheckpointFile reads a checkpoint written by SaveCheckpoint.
func LoadCheckpointFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	var ck Checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return &ck, nil
}

// FromCheckpoint rebuilds a segmentor from a checkpoint's config and loads
// its parameters.
func FromCheckpoint(ck *Checkpoint) (*Segmentor, error) {
	s, err := New(ck.Config)
	if err != nil {
		return nil, err
	}
	if err := s.LoadCheckpoint(*ck); err != nil {
		return nil, err
	}
	return s, nil
}

// #endregion checkpoint
