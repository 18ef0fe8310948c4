// Package decodehead implements segmentation decode heads: a flow-based
// Bayesian last layer, a bag-of-classes head and a plain classifier.
package decodehead

import (
	"fmt"

	"github.com/danielpatrickdp/uqseg/internal/loss"
	"github.com/danielpatrickdp/uqseg/internal/nflow"
)

// #region defaults
// DefaultConfig returns an nf_bll head with a planar flow of length 2 and
// cross-entropy loss.
func DefaultConfig() Config {
	return Config{
		Kind:            KindFlow,
		InChannels:      []int{8},
		InIndex:         []int{-1},
		Channels:        8,
		NumClasses:      4,
		NumConvs:        1,
		DropoutRatio:    0.1,
		IgnoreIndex:     255,
		Losses:          []loss.Config{{Type: loss.TypeCrossEntropy}},
		FlowType:        nflow.KindPlanar,
		FlowLength:      2,
		NSamplesTrain:   10,
		BaseScale:       1,
		JacobianWeight:  1,
		JacobianPenalty: PenaltyAll,
	}
}

// #endregion defaults

// #region new
// New builds the head variant named by cfg.Kind.
func New(cfg Config) (Head, error) {
	if cfg.NSamplesTrain <= 0 {
		cfg.NSamplesTrain = 10
	}
	if cfg.FlowType == "" {
		cfg.FlowType = nflow.KindPlanar
	}
	if cfg.JacobianPenalty == "" {
		cfg.JacobianPenalty = PenaltyAll
	}
	switch cfg.JacobianPenalty {
	case PenaltyAll, PenaltyEDLOnly:
	default:
		return nil, fmt.Errorf("jacobian_penalty %q: %w", cfg.JacobianPenalty, ErrConfig)
	}

	var (
		h   Head
		err error
	)
	switch cfg.Kind {
	case KindFlow, "":
		h, err = newFlowHead(cfg)
	case KindBags:
		h, err = newBagHead(cfg)
	case KindPlain:
		h, err = newPlainHead(cfg)
	default:
		return nil, fmt.Errorf("head kind %q: %w", cfg.Kind, ErrNotImplemented)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s head: %w", cfg.Kind, err)
	}
	logHead(h.Kind(), cfg)
	return h, nil
}

// #endregion new

// #region primary-loss
// PrimaryLoss is the loss whose probability interpretation governs
// evaluation: the first evidential loss if any, else the first loss.
func PrimaryLoss(h Head) loss.Loss {
	ls := h.Losses()
	for _, l := range ls {
		if loss.IsEvidential(l) {
			return l
		}
	}
	if len(ls) == 0 {
		return nil
	}
	return ls[0]
}

// #endregion primary-loss
