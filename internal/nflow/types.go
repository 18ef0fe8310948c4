package nflow

import "errors"

// ErrNotImplemented is returned for flow kinds this package does not provide.
var ErrNotImplemented = errors.New("nflow: not implemented")

// ErrDim is returned when a vector or parameter set has the wrong dimension.
var ErrDim = errors.New("nflow: dimension mismatch")

// #region kinds
// Transform kind tags accepted by New.
const (
	KindPlanar = "planar_flow"
	KindRadial = "radial_flow"
	KindIAF    = "iaf_flow"
)

// #endregion kinds

// #region transform
// Transform is one invertible map of a flow chain.
type Transform interface {
	Kind() string
	// Apply writes f(z) into dst and returns log|det ∂f/∂z| evaluated at z.
	// dst and z must not alias.
	Apply(dst, z []float64) float64
	Params() map[string][]float64
	SetParams(p map[string][]float64) error
}

// #endregion transform

// #region params
// Params is the serialisable state of a Density, used by checkpoints.
type Params struct {
	Kind       string                 `json:"kind"`
	Dim        int                    `json:"dim"`
	Transforms []map[string][]float64 `json:"transforms"`
}

// #endregion params
