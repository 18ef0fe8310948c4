package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/uqseg/internal/dataset"
	"github.com/danielpatrickdp/uqseg/internal/model"
)

// #region main

func main() {
	def := dataset.DefaultSyntheticConfig()
	outPath := flag.String("out", "", "output fixture JSON path")
	samples := flag.Int("samples", def.Samples, "number of samples")
	height := flag.Int("h", def.H, "image height")
	width := flag.Int("w", def.W, "image width")
	channels := flag.Int("channels", def.Channels, "image channels")
	classes := flag.Int("classes", def.Classes, "number of in-distribution classes")
	noise := flag.Float64("noise", def.Noise, "Gaussian noise on image channels")
	ood := flag.Bool("ood", false, "add an out-of-distribution patch")
	reduceZero := flag.Bool("reduce-zero-label", false, "store labels shifted by one with 0 unlabelled")
	seed := flag.Uint64("seed", def.Seed, "generator seed")
	ckPath := flag.String("checkpoint", "", "also write an untrained checkpoint matching the fixture")
	modelPath := flag.String("model", "", "model config JSON for --checkpoint (defaults when empty)")
	flag.Parse()

	if *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-gen --out path/to/fixture.json [--samples N] [--h H --w W] [--classes K] [--ood] [--checkpoint path]")
		os.Exit(2)
	}

	cfg := dataset.SyntheticConfig{
		Samples:         *samples,
		H:               *height,
		W:               *width,
		Channels:        *channels,
		Classes:         *classes,
		Noise:           *noise,
		OOD:             *ood,
		ReduceZeroLabel: *reduceZero,
		Seed:            *seed,
	}
	if err := run(cfg, *outPath, *ckPath, *modelPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region generate

func run(cfg dataset.SyntheticConfig, outPath, ckPath, modelPath string) error {
	f := dataset.Synthetic(cfg)
	if err := f.Validate(); err != nil {
		return fmt.Errorf("generated fixture: %w", err)
	}
	if err := dataset.SaveFixture(outPath, f); err != nil {
		return fmt.Errorf("save fixture: %w", err)
	}
	fmt.Printf("Wrote %d samples (%dx%d, %d classes) to %s\n", len(f.Samples), cfg.H, cfg.W, len(f.Classes), outPath)

	if ckPath == "" {
		return nil
	}
	mcfg, err := modelConfig(modelPath, cfg)
	if err != nil {
		return err
	}
	seg, err := model.New(mcfg)
	if err != nil {
		return fmt.Errorf("build model: %w", err)
	}
	ck := seg.Checkpoint(model.CheckpointMeta{CreatedAt: time.Now().UTC().Format(time.RFC3339Nano)})
	if err := model.SaveCheckpoint(ckPath, ck); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	fmt.Printf("Wrote checkpoint to %s\n", ckPath)
	return nil
}

// modelConfig loads path over the defaults and matches the input channels
// and class count to the fixture.
func modelConfig(path string, cfg dataset.SyntheticConfig) (model.Config, error) {
	mcfg := model.DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return model.Config{}, fmt.Errorf("read model config: %w", err)
		}
		if err := json.Unmarshal(data, &mcfg); err != nil {
			return model.Config{}, fmt.Errorf("parse model config: %w", err)
		}
	}
	mcfg.Backbone.InChannels = cfg.Channels
	mcfg.Head.NumClasses = cfg.Classes
	return mcfg, nil
}

// #endregion generate
