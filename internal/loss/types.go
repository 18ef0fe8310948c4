package loss

import (
	"errors"

	"github.com/danielpatrickdp/uqseg/internal/tensor"
	"github.com/danielpatrickdp/uqseg/internal/uncertainty"
)

var (
	// ErrUnknownLoss is returned by Build for an unregistered loss type.
	ErrUnknownLoss = errors.New("loss: unknown type")
	// ErrLabels is returned when labels do not match the logits batch.
	ErrLabels = errors.New("loss: labels do not match logits")
)

// #region step
// Step carries the training position into losses that anneal over epochs.
// It is passed on every call so a loss never holds its own epoch counter.
type Step struct {
	Epoch       int
	TotalEpochs int
	Iter        int
}

// #endregion step

// #region interfaces
// Loss scores a batch of logits against per-item label maps. weight, when
// non-nil, holds one value per label pixel across the batch.
type Loss interface {
	Name() string
	Forward(logits *tensor.Tensor, labels []tensor.LabelMap, weight []float64, ignoreIndex int, step Step) (float64, error)
}

// Evidential is implemented by Dirichlet-based losses. The evaluation loop
// uses Alpha to derive confidence, vacuity and dissonance.
type Evidential interface {
	Loss
	Alpha() uncertainty.AlphaFunc
	PowAlpha() bool
	Logs(logits *tensor.Tensor, labels []tensor.LabelMap, ignoreIndex int, step Step) map[string]float64
}

// Probabilistic is implemented by losses that define a non-softmax
// probability mapping.
type Probabilistic interface {
	Probability() uncertainty.ProbFunc
}

// #endregion interfaces

// #region config
// Loss type tags accepted by Build.
const (
	TypeCrossEntropy = "cross_entropy"
	TypeDice         = "dice"
	TypeEDL          = "edl"
)

// EDL data terms.
const (
	EDLMSE     = "mse"
	EDLLog     = "log"
	EDLDigamma = "digamma"
)

// Config selects and parameterises one loss term.
type Config struct {
	Type         string    `json:"type"`
	Name         string    `json:"loss_name,omitempty"`
	LossWeight   float64   `json:"loss_weight,omitempty"`
	ClassWeight  []float64 `json:"class_weight,omitempty"`
	UseSoftplus  bool      `json:"use_softplus,omitempty"`
	AvgNonIgnore bool      `json:"avg_non_ignore,omitempty"`

	// evidential
	Evidence      string `json:"evidence,omitempty"`
	PowAlpha      bool   `json:"pow_alpha,omitempty"`
	EDLType       string `json:"edl_type,omitempty"`
	AnnealingStep int    `json:"annealing_step,omitempty"`

	// dice
	Smooth   float64 `json:"smooth,omitempty"`
	Exponent float64 `json:"exponent,omitempty"`
}

// #endregion config
