// Package config loads the JSON run configuration and applies environment
// overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/danielpatrickdp/uqseg/internal/eval"
	"github.com/danielpatrickdp/uqseg/internal/logging"
	"github.com/danielpatrickdp/uqseg/internal/model"
)

// #region defaults
// Default returns a single-process pre-eval configuration.
func Default() Config {
	return Config{
		Model: model.DefaultConfig(),
		Eval: EvalOptions{
			PreEval: true,
			Opacity: 0.5,
		},
		Dist: DistConfig{
			Launcher:    LauncherNone,
			WorldSize:   1,
			Coordinator: "localhost:50071",
		},
		Ledger:     LedgerConfig{DBPath: "uqseg.db"},
		Log:        logging.DefaultHookConfig(),
		Thresholds: eval.DefaultEvalConfig(),
	}
}

// #endregion defaults

// #region load
// Load reads a JSON config over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides ledger and distributed settings from UQSEG_DB,
// UQSEG_RANK, UQSEG_WORLD_SIZE and UQSEG_COORDINATOR.
func (c *Config) ApplyEnv() error {
	c.Ledger.DBPath = envOr("UQSEG_DB", c.Ledger.DBPath)
	c.Dist.Coordinator = envOr("UQSEG_COORDINATOR", c.Dist.Coordinator)

	var err error
	if c.Dist.Rank, err = envInt("UQSEG_RANK", c.Dist.Rank); err != nil {
		return err
	}
	if c.Dist.WorldSize, err = envInt("UQSEG_WORLD_SIZE", c.Dist.WorldSize); err != nil {
		return err
	}
	return nil
}

// #endregion load

// #region validate
// Validate checks option combinations that would otherwise fail mid-run.
func (c Config) Validate() error {
	modes := 0
	for _, on := range []bool{c.Eval.EfficientTest, c.Eval.PreEval, c.Eval.FormatOnly} {
		if on {
			modes++
		}
	}
	if modes > 1 {
		return fmt.Errorf("efficient_test, pre_eval and format_only are exclusive: %w", ErrInvalid)
	}
	if c.Eval.Opacity <= 0 || c.Eval.Opacity > 1 {
		return fmt.Errorf("opacity %v outside (0, 1]: %w", c.Eval.Opacity, ErrInvalid)
	}
	if c.Data.Samples < 0 {
		return fmt.Errorf("samples %d: %w", c.Data.Samples, ErrInvalid)
	}

	d := c.Dist
	switch d.Launcher {
	case LauncherNone:
		if d.WorldSize != 1 || d.Rank != 0 {
			return fmt.Errorf("launcher none with rank %d of %d: %w", d.Rank, d.WorldSize, ErrInvalid)
		}
	case LauncherLocal, LauncherGRPC:
		if d.WorldSize < 1 || d.Rank < 0 || d.Rank >= d.WorldSize {
			return fmt.Errorf("rank %d of world %d: %w", d.Rank, d.WorldSize, ErrInvalid)
		}
		if d.Launcher == LauncherGRPC && d.Coordinator == "" {
			return fmt.Errorf("grpc launcher without coordinator: %w", ErrInvalid)
		}
	default:
		return fmt.Errorf("launcher %q: %w", d.Launcher, ErrInvalid)
	}

	if c.Log.Interval < 1 {
		return fmt.Errorf("log interval %d: %w", c.Log.Interval, ErrInvalid)
	}
	return nil
}

// #endregion validate

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, v, ErrInvalid)
	}
	return n, nil
}

// #endregion helpers
