package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `{"evaluation": {"pre_eval": false, "format_only": true, "opacity": 0.3}, "data": {"fixture": "fx.json"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Eval.FormatOnly || cfg.Eval.PreEval || cfg.Eval.Opacity != 0.3 {
		t.Fatalf("evaluation not applied: %+v", cfg.Eval)
	}
	if cfg.Data.Fixture != "fx.json" {
		t.Fatalf("fixture %q", cfg.Data.Fixture)
	}
	if cfg.Dist.Launcher != LauncherNone || cfg.Log.Interval != 1 {
		t.Fatalf("defaults lost: %+v %+v", cfg.Dist, cfg.Log)
	}
	if len(cfg.Model.Head.Losses) == 0 {
		t.Fatal("default model losses lost")
	}
}

func TestLoad_ConflictingModes(t *testing.T) {
	path := writeConfig(t, `{"evaluation": {"pre_eval": true, "efficient_test": true, "opacity": 0.5}}`)
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestLoad_BadJSON(t *testing.T) {
	path := writeConfig(t, `{"evaluation":`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("UQSEG_DB", "/tmp/other.db")
	t.Setenv("UQSEG_RANK", "1")
	t.Setenv("UQSEG_WORLD_SIZE", "3")
	t.Setenv("UQSEG_COORDINATOR", "")

	cfg := Default()
	cfg.Dist.Launcher = LauncherGRPC
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Ledger.DBPath != "/tmp/other.db" || cfg.Dist.Rank != 1 || cfg.Dist.WorldSize != 3 {
		t.Fatalf("env not applied: %+v %+v", cfg.Ledger, cfg.Dist)
	}
	if cfg.Dist.Coordinator != "localhost:50071" {
		t.Fatalf("empty env should keep coordinator, got %q", cfg.Dist.Coordinator)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestApplyEnv_BadInt(t *testing.T) {
	t.Setenv("UQSEG_RANK", "zero")
	cfg := Default()
	if err := cfg.ApplyEnv(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestValidate_Dist(t *testing.T) {
	cases := map[string]DistConfig{
		"none with ranks":   {Launcher: LauncherNone, WorldSize: 2},
		"rank out of range": {Launcher: LauncherLocal, Rank: 2, WorldSize: 2},
		"grpc without addr": {Launcher: LauncherGRPC, WorldSize: 2},
		"unknown launcher":  {Launcher: "slurm", WorldSize: 1},
	}
	for name, d := range cases {
		cfg := Default()
		cfg.Dist = d
		if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}
