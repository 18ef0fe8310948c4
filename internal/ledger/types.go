package ledger

import "time"

// #region run-record
// Run statuses.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// RunRecord is one training or evaluation run.
type RunRecord struct {
	RunID      string
	ParentID   string // run whose checkpoint this run evaluated
	Mode       string // "test" | "probe"
	WorldSize  int
	ConfigJSON string
	Status     string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// #endregion run-record

// #region metric-record
// MetricRecord is one final evaluation scalar.
type MetricRecord struct {
	Name  string
	Value float64
}

// #endregion metric-record

// #region train-log-row
// TrainLogRow is one logged scalar from the logger hooks.
type TrainLogRow struct {
	Mode      string
	Epoch     int
	Iter      int
	Tag       string
	Value     float64
	CreatedAt time.Time
}

// #endregion train-log-row
