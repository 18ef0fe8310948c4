package decodehead

import (
	"errors"

	"github.com/danielpatrickdp/uqseg/internal/loss"
	"github.com/danielpatrickdp/uqseg/internal/nflow"
	"github.com/danielpatrickdp/uqseg/internal/sampler"
	"github.com/danielpatrickdp/uqseg/internal/tensor"
	"github.com/danielpatrickdp/uqseg/internal/uncertainty"
)

var (
	// ErrConfig is returned when head options are inconsistent.
	ErrConfig = errors.New("decodehead: invalid config")
	// ErrNotImplemented is shared with nflow so callers can match either.
	ErrNotImplemented = nflow.ErrNotImplemented
)

// #region kinds
// Head variants selected by Config.Kind.
const (
	KindFlow  = "nf_bll"
	KindBags  = "bags"
	KindPlain = "plain"
)

// Input transform policies.
const (
	TransformNone           = ""
	TransformResizeConcat   = "resize_concat"
	TransformMultipleSelect = "multiple_select"
)

// Jacobian penalty policies.
const (
	PenaltyAll     = "all"
	PenaltyEDLOnly = "edl_only"
)

// #endregion kinds

// #region config
// Config describes a decode head. InChannels and InIndex have one entry
// each for TransformNone and matching lengths otherwise.
type Config struct {
	Kind           string  `json:"kind"`
	InChannels     []int   `json:"in_channels"`
	InIndex        []int   `json:"in_index"`
	InputTransform string  `json:"input_transform,omitempty"`
	Channels       int     `json:"channels"`
	NumClasses     int     `json:"num_classes"`
	NumConvs       int     `json:"num_convs"`
	UseNorm        bool    `json:"use_norm,omitempty"`
	DropoutRatio   float64 `json:"dropout_ratio"`
	AlignCorners   bool    `json:"align_corners"`
	IgnoreIndex    int     `json:"ignore_index"`

	Losses  []loss.Config  `json:"loss_decode"`
	Sampler sampler.Config `json:"sampler,omitempty"`

	// nf_bll
	FlowType        string  `json:"flow_type,omitempty"`
	FlowLength      int     `json:"flow_length"`
	NSamplesTrain   int     `json:"nsamples_train,omitempty"`
	BaseScale       float64 `json:"base_scale,omitempty"`
	JacobianWeight  float64 `json:"jacobian_weight,omitempty"`
	JacobianPenalty string  `json:"jacobian_penalty,omitempty"`

	// bags
	Bags *uncertainty.Bags `json:"bags,omitempty"`

	Seed uint64 `json:"seed,omitempty"`
}

// NSamplesTest is the number of flow draws used at inference.
const NSamplesTest = 1

// #endregion config

// #region output
// Output is the result of one forward pass: logits of shape
// (nSamples·batch, C, H, W), sample-major, and one log-Jacobian sum per
// sample (zeros for heads without a flow).
type Output struct {
	Logits    *tensor.Tensor
	SumLogJac []float64
}

// #endregion output

// #region head
// Head produces per-pixel logits from backbone feature maps.
type Head interface {
	Kind() string
	Forward(inputs []*tensor.Tensor, nSamples int, training bool) (Output, error)
	ForwardTrain(inputs []*tensor.Tensor, gt []tensor.LabelMap, step loss.Step) (map[string]float64, error)
	ForwardTest(inputs []*tensor.Tensor) (*tensor.Tensor, error)
	// Predict maps test logits to per-item label maps.
	Predict(logits *tensor.Tensor) []tensor.LabelMap
	Losses() []loss.Loss
	Bags() *uncertainty.Bags
	NumClasses() int
	AlignCorners() bool
	State() State
	LoadState(s State) error
}

// #endregion head

// #region state
// ConvState is the parameter set of one ConvModule.
type ConvState struct {
	Weight []float64 `json:"weight"`
	Bias   []float64 `json:"bias"`
	Mean   []float64 `json:"running_mean,omitempty"`
	Var    []float64 `json:"running_var,omitempty"`
	Gamma  []float64 `json:"gamma,omitempty"`
	Beta   []float64 `json:"beta,omitempty"`
}

// State is a head checkpoint.
type State struct {
	Kind     string        `json:"kind"`
	Convs    []ConvState   `json:"convs"`
	Laterals []ConvState   `json:"laterals,omitempty"`
	ConvSeg  ConvState     `json:"conv_seg"`
	Flow     *nflow.Params `json:"flow,omitempty"`
}

// #endregion state
