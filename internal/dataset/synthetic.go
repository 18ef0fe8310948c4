package dataset

import (
	"fmt"
	"math/rand/v2"

	"github.com/danielpatrickdp/uqseg/internal/visual"
)

// #region synthetic
// SyntheticConfig describes a generated fixture.
type SyntheticConfig struct {
	Samples         int
	H, W            int
	Channels        int
	Classes         int
	Noise           float64
	OOD             bool // add a patch labelled Classes and declare it OOD
	ReduceZeroLabel bool // store labels shifted up by one with 0 as "unlabelled"
	Seed            uint64
}

// DefaultSyntheticConfig returns a small four-sample, three-class fixture.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Samples:  4,
		H:        8,
		W:        8,
		Channels: 3,
		Classes:  3,
		Noise:    0.1,
		Seed:     7,
	}
}

// Synthetic builds a fixture of vertical class stripes whose image channels
// encode the stripe label plus Gaussian noise. The top-left pixel of every
// sample is the ignore index.
func Synthetic(cfg SyntheticConfig) *Fixture {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5851f42d4c957f2d))
	f := &Fixture{
		Description:     fmt.Sprintf("synthetic stripes: %d samples of %dx%d, %d classes", cfg.Samples, cfg.H, cfg.W, cfg.Classes),
		IgnoreIndex:     DefaultIgnoreIndex,
		ReduceZeroLabel: cfg.ReduceZeroLabel,
		Palette:         visual.DefaultPalette(cfg.Classes),
	}
	for c := range cfg.Classes {
		f.Classes = append(f.Classes, fmt.Sprintf("class%d", c))
	}
	if cfg.OOD {
		f.OODIndices = []int{cfg.Classes}
	}
	for s := range cfg.Samples {
		sample := FixtureSample{
			Filename: fmt.Sprintf("synthetic_%04d.png", s),
			H:        cfg.H,
			W:        cfg.W,
			C:        cfg.Channels,
			Image:    make([]float64, cfg.Channels*cfg.H*cfg.W),
			Label:    make([]int, cfg.H*cfg.W),
		}
		hw := cfg.H * cfg.W
		for y := range cfg.H {
			for x := range cfg.W {
				i := y*cfg.W + x
				label := (x*cfg.Classes/cfg.W + s) % cfg.Classes
				if cfg.OOD && y >= cfg.H-2 && x >= cfg.W-2 {
					label = cfg.Classes
				}
				for c := range cfg.Channels {
					v := rng.NormFloat64() * cfg.Noise
					if label%cfg.Channels == c && label < cfg.Classes {
						v += 1
					}
					sample.Image[c*hw+i] = v
				}
				if cfg.ReduceZeroLabel {
					label++
				}
				sample.Label[i] = label
			}
		}
		sample.Label[0] = DefaultIgnoreIndex
		f.Samples = append(f.Samples, sample)
	}
	return f
}

// #endregion synthetic
