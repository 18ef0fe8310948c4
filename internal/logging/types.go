package logging

import (
	"errors"
	"time"
)

// ErrUnknownMode is returned when a runner is neither training nor
// validating.
var ErrUnknownMode = errors.New("logging: runner mode must be train or val")

// Runner modes.
const (
	ModeTrain = "train"
	ModeVal   = "val"
)

// #region runner-state
// RunnerState is the slice of runner state a logger hook reads. Epoch and
// Iter are zero-based counters; InnerIter counts within the epoch.
type RunnerState struct {
	Mode          string
	Epoch         int
	Iter          int
	InnerIter     int
	MaxEpochs     int
	ItersPerEpoch int
	Buffer        *LogBuffer

	// LR and Momentum are keyed by param group; a single unnamed group
	// uses the empty key.
	LR       map[string]float64
	Momentum map[string]float64
}

// #endregion runner-state

// #region hook-config
// HookConfig controls when a hook logs.
type HookConfig struct {
	Interval  int  `json:"interval"`
	ResetFlag bool `json:"reset_flag"`
	// ByEpoch logs averaged values at epoch ends; otherwise every
	// Interval iterations.
	ByEpoch bool `json:"by_epoch"`
}

// DefaultHookConfig logs every epoch.
func DefaultHookConfig() HookConfig {
	return HookConfig{
		Interval: 1,
		ByEpoch:  true,
	}
}

// #endregion hook-config

// #region entry
// Entry is a single row in the train_logs table.
type Entry struct {
	RunID     string
	Mode      string
	Epoch     int
	Iter      int
	Tag       string
	Value     float64
	CreatedAt time.Time
}

// #endregion entry
