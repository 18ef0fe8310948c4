package evaluate

import (
	"context"
	"errors"
	"io"

	"github.com/danielpatrickdp/uqseg/internal/dataset"
	"github.com/danielpatrickdp/uqseg/internal/model"
	"github.com/danielpatrickdp/uqseg/internal/results"
	"github.com/danielpatrickdp/uqseg/internal/tensor"
	"github.com/danielpatrickdp/uqseg/internal/visual"
)

var (
	// ErrConflictingModes is returned when more than one of efficient
	// test, pre-eval and format-only is set.
	ErrConflictingModes = errors.New("evaluate: efficient_test, pre_eval and format_only are mutually exclusive")
	// ErrBatchSize is returned for a loader that yields more than one
	// sample per batch.
	ErrBatchSize = errors.New("evaluate: batch size must be 1")
	// ErrNoFormatter is returned for format-only runs over a dataset that
	// cannot format results.
	ErrNoFormatter = errors.New("evaluate: dataset has no result formatter")
	// ErrOpacity is returned for an overlay opacity outside (0, 1].
	ErrOpacity = errors.New("evaluate: opacity must be in (0, 1]")
)

// DefaultShowDir receives visualizations when Show is set without OutDir.
const DefaultShowDir = "show_results"

// #region options
// Options selects what the evaluation loop returns per sample. At most one
// of EfficientTest, PreEval and FormatOnly may be set; with none set the
// raw predictions are returned.
type Options struct {
	Show   bool
	OutDir string

	EfficientTest bool
	PreEval       bool
	FormatOnly    bool
	FormatArgs    dataset.FormatArgs

	// Opacity of the label overlay, in (0, 1]; zero selects the default.
	Opacity float64
	// SpillDir is the root for efficient-test files; empty means
	// spill.DefaultDir.
	SpillDir string

	// Progress receives the rank-0 progress bar; nil disables it.
	Progress io.Writer
	// Visualizer renders overlays; nil uses visual.Renderer.
	Visualizer Visualizer
}

// DefaultOptions returns raw-prediction options with half-opacity
// overlays.
func DefaultOptions() Options {
	return Options{Opacity: 0.5}
}

// #endregion options

// #region collaborators
// Model is an inference model that can be resolved through its wrappers.
type Model = model.Model

// Dataset is the evaluation dataset contract.
type Dataset interface {
	Len() int
	GroundTruth(idx int) (tensor.LabelMap, error)
	PreEval(pred tensor.LabelMap, idx int) (results.SegPreResult, error)
	PreEvalCustom(logits *tensor.Tensor, gt tensor.LabelMap, req results.AuxRequest) (results.AuxPreResult, error)
	IgnoreIndex() int
	Palette() [][3]uint8
	EdgeMask(gt tensor.LabelMap) []bool
}

// Formatter is implemented by datasets that can write submission files.
type Formatter interface {
	FormatResults(preds []tensor.LabelMap, indices []int, args dataset.FormatArgs) ([]string, error)
}

// OODProvider is implemented by datasets with reserved out-of-distribution
// labels.
type OODProvider interface {
	OODIndices() []int
}

// Loader yields batches of one rank's shard.
type Loader interface {
	BatchSize() int
	Next(ctx context.Context) (dataset.Batch, bool, error)
}

// Visualizer persists overlays and heat maps.
type Visualizer interface {
	ShowResult(img *tensor.Tensor, masks []visual.MaskedLabels, palette [][3]uint8, outFile string, opacity float64) error
	Heatmap(f visual.Field, outFile string) error
}

// #endregion collaborators
