package config

import (
	"errors"

	"github.com/danielpatrickdp/uqseg/internal/eval"
	"github.com/danielpatrickdp/uqseg/internal/logging"
	"github.com/danielpatrickdp/uqseg/internal/model"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid")

// Launchers.
const (
	LauncherNone  = "none"  // single process
	LauncherLocal = "local" // in-process ranks over channels
	LauncherGRPC  = "grpc"  // one process per rank, rendezvous over gRPC
)

// #region config
// Config is the runtime configuration of a test run.
type Config struct {
	Model      model.Config       `json:"model"`
	Data       DataConfig         `json:"data"`
	Eval       EvalOptions        `json:"evaluation"`
	Dist       DistConfig         `json:"dist"`
	Ledger     LedgerConfig       `json:"ledger"`
	Log        logging.HookConfig `json:"log_config"`
	Thresholds eval.EvalConfig    `json:"thresholds"`
	Checkpoint string             `json:"checkpoint,omitempty"`
}

// DataConfig names the test dataset.
type DataConfig struct {
	Fixture string `json:"fixture"`
	// Samples limits the test set; 0 means all.
	Samples int `json:"samples,omitempty"`
}

// EvalOptions mirrors the evaluation loop options.
type EvalOptions struct {
	Show          bool    `json:"show"`
	ShowDir       string  `json:"show_dir,omitempty"`
	EfficientTest bool    `json:"efficient_test"`
	PreEval       bool    `json:"pre_eval"`
	FormatOnly    bool    `json:"format_only"`
	FormatDir     string  `json:"format_dir,omitempty"`
	Opacity       float64 `json:"opacity"`
	SpillDir      string  `json:"spill_dir,omitempty"`
}

// DistConfig selects the process group and collection strategy.
type DistConfig struct {
	Launcher    string `json:"launcher"`
	Rank        int    `json:"rank"`
	WorldSize   int    `json:"world_size"`
	Coordinator string `json:"coordinator,omitempty"`
	GPUCollect  bool   `json:"gpu_collect"`
	TmpDir      string `json:"tmpdir,omitempty"`
}

// LedgerConfig locates the run ledger; an empty path disables it.
type LedgerConfig struct {
	DBPath string `json:"db_path"`
}

// #endregion config
