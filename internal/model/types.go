package model

import (
	"context"
	"errors"

	"github.com/danielpatrickdp/uqseg/internal/dataset"
	"github.com/danielpatrickdp/uqseg/internal/decodehead"
	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

// ErrConfig is returned when backbone and head do not fit together.
var ErrConfig = errors.New("model: invalid configuration")

// #region model
// Model is anything the evaluation loop can run: a Segmentor or a wrapper
// around one. Resolve reaches the concrete Segmentor through any number of
// wrapper layers.
type Model interface {
	Infer(ctx context.Context, b dataset.Batch) ([]tensor.LabelMap, *tensor.Tensor, error)
	Resolve() *Segmentor
}

// Backbone turns an image batch into a list of feature maps.
type Backbone interface {
	Forward(x *tensor.Tensor) ([]*tensor.Tensor, error)
	OutChannels() []int
	State() BackboneState
	LoadState(BackboneState) error
}

// #endregion model

// #region config
// BackboneConfig describes a PoolingBackbone. Level i average-pools the
// image by Strides[i] and projects it to Channels[i] features.
type BackboneConfig struct {
	InChannels int    `json:"in_channels"`
	Channels   []int  `json:"channels"`
	Strides    []int  `json:"strides"`
	Seed       uint64 `json:"seed"`
}

// Config is a full segmentor.
type Config struct {
	Backbone BackboneConfig    `json:"backbone"`
	Head     decodehead.Config `json:"decode_head"`
}

// #endregion config

// #region state
// LevelState holds one backbone projection.
type LevelState struct {
	Weight []float64 `json:"weight"`
	Bias   []float64 `json:"bias"`
}

// BackboneState is the serialisable backbone.
type BackboneState struct {
	Levels []LevelState `json:"levels"`
}

// CheckpointMeta records where a checkpoint came from.
type CheckpointMeta struct {
	RunID     string `json:"run_id,omitempty"`
	Epoch     int    `json:"epoch"`
	Iter      int    `json:"iter"`
	CreatedAt string `json:"created_at"`
}

// Checkpoint is the JSON form of a trained segmentor.
type Checkpoint struct {
	Meta     CheckpointMeta   `json:"meta"`
	Config   Config           `json:"config"`
	Backbone BackboneState    `json:"backbone"`
	Head     decodehead.State `json:"decode_head"`
}

// #endregion state
