// Package logging provides logger hooks for the loss probe runner: a text
// logger and a ledger logger that writes scalars into SQLite.
package logging

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// #region hook
// Hook is a logger hook. Config is a pointer so BeforeRun can set the
// reset flag on the last hook.
type Hook interface {
	Config() *HookConfig
	Log(rs *RunnerState) error
}

// #endregion hook

// #region runner-queries
// Mode is the tag prefix for rs: a train runner whose buffer carries no
// "time" entry is running validation.
func Mode(rs *RunnerState) (string, error) {
	switch rs.Mode {
	case ModeTrain:
		if rs.Buffer != nil {
			if _, ok := rs.Buffer.Output["time"]; ok {
				return ModeTrain, nil
			}
		}
		return ModeVal, nil
	case ModeVal:
		return ModeVal, nil
	}
	return "", fmt.Errorf("mode %q: %w", rs.Mode, ErrUnknownMode)
}

// Epoch is the one-based epoch to report. Validation runs after the
// runner has already advanced its epoch counter.
func Epoch(rs *RunnerState) (int, error) {
	switch rs.Mode {
	case ModeTrain:
		return rs.Epoch + 1, nil
	case ModeVal:
		return rs.Epoch, nil
	}
	return 0, fmt.Errorf("epoch in mode %q: %w", rs.Mode, ErrUnknownMode)
}

// Iter is the one-based iteration to report; inner selects the position
// within the epoch when logging by epoch.
func Iter(rs *RunnerState, cfg HookConfig, inner bool) int {
	if cfg.ByEpoch && inner {
		return rs.InnerIter + 1
	}
	return rs.Iter + 1
}

var skipTags = map[string]bool{"time": true, "data_time": true}

// LoggableTags returns the buffer output prefixed by mode, plus learning
// rate and momentum tags.
func LoggableTags(rs *RunnerState) (map[string]float64, error) {
	mode, err := Mode(rs)
	if err != nil {
		return nil, err
	}
	tags := map[string]float64{}
	if rs.Buffer != nil {
		for k, v := range rs.Buffer.Output {
			if skipTags[k] {
				continue
			}
			tags[mode+"/"+k] = v
		}
	}
	groupTags(tags, "learning_rate", rs.LR)
	groupTags(tags, "momentum", rs.Momentum)
	return tags, nil
}

func groupTags(tags map[string]float64, prefix string, groups map[string]float64) {
	for name, v := range groups {
		if name == "" {
			tags[prefix] = v
			continue
		}
		tags[prefix+"/"+name] = v
	}
}

// #endregion runner-queries

// #region dispatch
// BeforeRun makes the last hook clear the buffer output after logging.
func BeforeRun(hooks []Hook) {
	if len(hooks) > 0 {
		hooks[len(hooks)-1].Config().ResetFlag = true
	}
}

// AfterTrainIter logs every Interval iterations when not logging by epoch.
func AfterTrainIter(h Hook, rs *RunnerState) error {
	cfg := h.Config()
	if cfg.ByEpoch || cfg.Interval <= 0 || (rs.Iter+1)%cfg.Interval != 0 {
		return nil
	}
	rs.Buffer.Average(cfg.Interval)
	return flush(h, rs)
}

// AfterTrainEpoch averages the epoch and logs every Interval epochs.
func AfterTrainEpoch(h Hook, rs *RunnerState) error {
	cfg := h.Config()
	if cfg.ByEpoch && cfg.Interval > 0 && (rs.Epoch+1)%cfg.Interval == 0 {
		rs.Buffer.Average(0)
	}
	return flush(h, rs)
}

// AfterValEpoch always averages and logs.
func AfterValEpoch(h Hook, rs *RunnerState) error {
	rs.Buffer.Average(0)
	return flush(h, rs)
}

func flush(h Hook, rs *RunnerState) error {
	if !rs.Buffer.Ready {
		return nil
	}
	if err := h.Log(rs); err != nil {
		return err
	}
	if h.Config().ResetFlag {
		rs.Buffer.ClearOutput()
	}
	return nil
}

// #endregion dispatch

// #region text-logger
// TextLogger writes one line per log call.
type TextLogger struct {
	cfg HookConfig
	w   io.Writer
}

// NewTextLogger returns a text logger writing to w.
func NewTextLogger(cfg HookConfig, w io.Writer) *TextLogger {
	return &TextLogger{cfg: cfg, w: w}
}

func (l *TextLogger) Config() *HookConfig { return &l.cfg }

// Log formats "Epoch [e][i/n]" for training and "Epoch(val) [e]" for
// validation followed by the loggable tags in sorted order.
func (l *TextLogger) Log(rs *RunnerState) error {
	mode, err := Mode(rs)
	if err != nil {
		return err
	}
	epoch, err := Epoch(rs)
	if err != nil {
		return err
	}
	tags, err := LoggableTags(rs)
	if err != nil {
		return err
	}

	var sb strings.Builder
	if mode == ModeTrain {
		fmt.Fprintf(&sb, "Epoch [%d][%d/%d]", epoch, Iter(rs, l.cfg, true), rs.ItersPerEpoch)
	} else {
		fmt.Fprintf(&sb, "Epoch(val) [%d]", epoch)
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		sep := ", "
		if i == 0 {
			sep = "\t"
		}
		fmt.Fprintf(&sb, "%s%s: %.4f", sep, k, tags[k])
	}
	sb.WriteByte('\n')
	_, err = io.WriteString(l.w, sb.String())
	return err
}

// #endregion text-logger
