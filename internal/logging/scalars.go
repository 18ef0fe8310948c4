package logging

import (
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// #region log-scalars
// LogScalars writes entries to the train_logs table in one transaction.
func LogScalars(db *sql.DB, entries []Entry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		_, err := tx.Exec(
			`INSERT INTO train_logs (run_id, mode, epoch, iter, tag, value, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.RunID,
			e.Mode,
			e.Epoch,
			e.Iter,
			e.Tag,
			e.Value,
			e.CreatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("log scalar %s: %w", e.Tag, err)
		}
	}
	return tx.Commit()
}

// #endregion log-scalars

// #region ledger-logger
// LedgerLogger writes loggable tags as train_logs rows for one run.
type LedgerLogger struct {
	cfg   HookConfig
	db    *sql.DB
	runID string
}

// NewLedgerLogger returns a hook writing rows for runID into db.
func NewLedgerLogger(cfg HookConfig, db *sql.DB, runID string) *LedgerLogger {
	return &LedgerLogger{cfg: cfg, db: db, runID: runID}
}

func (l *LedgerLogger) Config() *HookConfig { return &l.cfg }

func (l *LedgerLogger) Log(rs *RunnerState) error {
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
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, Entry{
			RunID: l.runID,
			Mode:  mode,
			Epoch: epoch,
			Iter:  Iter(rs, l.cfg, false),
			Tag:   k,
			Value: tags[k],
		})
	}
	return LogScalars(l.db, entries)
}

// #endregion ledger-logger
