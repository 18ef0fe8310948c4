package tensor

import "errors"

// ErrShape is returned when tensor shapes are incompatible for an operation.
var ErrShape = errors.New("tensor: shape mismatch")

// #region axes
// Axis selects a concatenation dimension.
type Axis int

const (
	AxisBatch   Axis = 0
	AxisChannel Axis = 1
)

// #endregion axes

// #region tensor
// Tensor is a dense NCHW float64 tensor. Data is row-major with W fastest.
type Tensor struct {
	N, C, H, W int
	Data       []float64
}

// #endregion tensor

// #region label-map
// LabelMap is a single-channel H×W integer map (ground truth or prediction).
type LabelMap struct {
	H, W int
	Data []int
}

// #endregion label-map
