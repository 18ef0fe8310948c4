package dataset

import (
	"errors"

	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

var (
	// ErrIndex is returned for a sample index outside the dataset.
	ErrIndex = errors.New("dataset: index out of range")
	// ErrFixture is returned for a malformed fixture file.
	ErrFixture = errors.New("dataset: malformed fixture")
	// ErrRequest is returned for an unusable reduction request or result.
	ErrRequest = errors.New("dataset: invalid request")
)

// DefaultIgnoreIndex marks pixels excluded from every metric.
const DefaultIgnoreIndex = 255

// #region batch
// ImageMeta describes the source image of one batch item.
type ImageMeta struct {
	Filename string `json:"filename"`
	H        int    `json:"h"`
	W        int    `json:"w"`
}

// Batch is one loader step: the dataset indices it covers, the stacked
// images (N = len(Indices)) and their metadata.
type Batch struct {
	Indices []int
	Image   *tensor.Tensor
	Metas   []ImageMeta
}

// #endregion batch

// #region fixture
// Fixture is the JSON form of a small segmentation dataset.
type Fixture struct {
	Description     string          `json:"description"`
	Classes         []string        `json:"classes"`
	Palette         [][3]uint8      `json:"palette"`
	IgnoreIndex     int             `json:"ignore_index"`
	ReduceZeroLabel bool            `json:"reduce_zero_label"`
	OODIndices      []int           `json:"ood_indices,omitempty"`
	Samples         []FixtureSample `json:"samples"`
}

// FixtureSample is one image and its raw (unreduced) label map.
type FixtureSample struct {
	Filename string    `json:"filename"`
	H        int       `json:"h"`
	W        int       `json:"w"`
	C        int       `json:"c"`
	Image    []float64 `json:"image"`
	Label    []int     `json:"label"`
}

// #endregion fixture

// #region format
// FormatArgs controls FormatResults.
type FormatArgs struct {
	OutDir string `json:"out_dir"`
}

// #endregion format

// #region metrics
// Metrics is the final evaluation summary.
type Metrics struct {
	AAcc           float64   `json:"aAcc"`
	MIoU           float64   `json:"mIoU"`
	MAcc           float64   `json:"mAcc"`
	IoU            []float64 `json:"IoU"`
	Acc            []float64 `json:"Acc"`
	ECE            float64   `json:"ECE"`
	NLL            float64   `json:"NLL"`
	EdgeAcc        float64   `json:"edge_acc"`
	OODAUROC       float64   `json:"ood_auroc,omitempty"`
	MeanVacuity    float64   `json:"mean_vacuity,omitempty"`
	MeanDissonance float64   `json:"mean_dissonance,omitempty"`
	// Reliability holds per-bin accuracy for the calibration diagram.
	Reliability []float64 `json:"reliability"`
}

// #endregion metrics
