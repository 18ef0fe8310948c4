package dataset

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/uqseg/internal/tensor"
)

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// SaveFixture writes f as indented JSON.
func SaveFixture(path string, f *Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// Validate checks sample sizes against their declared shapes.
func (f *Fixture) Validate() error {
	if len(f.Classes) == 0 {
		return fmt.Errorf("no classes: %w", ErrFixture)
	}
	if len(f.Palette) != 0 && len(f.Palette) != len(f.Classes) {
		return fmt.Errorf("palette has %d colours for %d classes: %w", len(f.Palette), len(f.Classes), ErrFixture)
	}
	for i, s := range f.Samples {
		if s.H <= 0 || s.W <= 0 || s.C <= 0 {
			return fmt.Errorf("sample %d shape %dx%dx%d: %w", i, s.C, s.H, s.W, ErrFixture)
		}
		if len(s.Image) != s.C*s.H*s.W {
			return fmt.Errorf("sample %d image has %d values, want %d: %w", i, len(s.Image), s.C*s.H*s.W, ErrFixture)
		}
		if len(s.Label) != s.H*s.W {
			return fmt.Errorf("sample %d label has %d values, want %d: %w", i, len(s.Label), s.H*s.W, ErrFixture)
		}
	}
	return nil
}

// ToTensor converts the sample image to a 1×C×H×W tensor.
func (s *FixtureSample) ToTensor() *tensor.Tensor {
	t := tensor.New(1, s.C, s.H, s.W)
	copy(t.Data, s.Image)
	return t
}

// ToLabelMap converts the raw label to a LabelMap.
func (s *FixtureSample) ToLabelMap() tensor.LabelMap {
	lm := tensor.NewLabelMap(s.H, s.W)
	copy(lm.Data, s.Label)
	return lm
}

// ToMeta returns the sample's image metadata.
func (s *FixtureSample) ToMeta() ImageMeta {
	return ImageMeta{Filename: s.Filename, H: s.H, W: s.W}
}

// #endregion fixture-loader
