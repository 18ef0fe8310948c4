// Package ledger records evaluation runs, their logged scalars and final
// metrics in SQLite.
package ledger

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for an unknown run or curve.
var ErrNotFound = errors.New("ledger: not found")

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	parent_id   TEXT,
	mode        TEXT NOT NULL,
	world_size  INTEGER NOT NULL,
	config_json TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	finished_at TEXT,
	FOREIGN KEY (parent_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS train_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	mode       TEXT NOT NULL,
	epoch      INTEGER NOT NULL,
	iter       INTEGER NOT NULL,
	tag        TEXT NOT NULL,
	value      REAL NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS eval_metrics (
	run_id     TEXT NOT NULL,
	metric     TEXT NOT NULL,
	value      REAL NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (run_id, metric),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS curves (
	run_id TEXT NOT NULL,
	name   TEXT NOT NULL,
	data   BLOB NOT NULL,
	PRIMARY KEY (run_id, name),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// #endregion schema

// #region store-struct
// Store manages the run ledger in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion db-accessor

// #region runs
// CreateRun inserts a running run and returns it.
func (s *Store) CreateRun(mode string, worldSize int, configJSON, parentID string) (RunRecord, error) {
	rec := RunRecord{
		RunID:      uuid.New().String(),
		ParentID:   parentID,
		Mode:       mode,
		WorldSize:  worldSize,
		ConfigJSON: configJSON,
		Status:     StatusRunning,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, parent_id, mode, world_size, config_json, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, nullIfEmpty(parentID), mode, worldSize, configJSON, rec.Status,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return RunRecord{}, fmt.Errorf("insert run: %w", err)
	}
	return rec, nil
}

// FinishRun sets the final status of a run.
func (s *Store) FinishRun(runID, status string) error {
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (RunRecord, error) {
	row := s.db.QueryRow(
		`SELECT run_id, parent_id, mode, world_size, config_json, status, created_at, finished_at
		 FROM runs WHERE run_id = ?`, id,
	)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("get run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return rec, nil
}

// ListRuns returns the most recent runs.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT run_id, parent_id, mode, world_size, config_json, status, created_at, finished_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var rec RunRecord
	var parentID, finishedStr sql.NullString
	var createdStr string
	if err := sc.Scan(&rec.RunID, &parentID, &rec.Mode, &rec.WorldSize, &rec.ConfigJSON,
		&rec.Status, &createdStr, &finishedStr); err != nil {
		return RunRecord{}, err
	}
	if parentID.Valid {
		rec.ParentID = parentID.String
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if finishedStr.Valid {
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedStr.String)
	}
	return rec, nil
}

// #endregion runs

// #region metrics
// RecordMetrics stores final evaluation scalars atomically; NaN values are
// skipped and existing names are overwritten.
func (s *Store) RecordMetrics(runID string, metrics map[string]float64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for name, v := range metrics {
		if math.IsNaN(v) {
			continue
		}
		_, err := tx.Exec(
			`INSERT INTO eval_metrics (run_id, metric, value, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(run_id, metric) DO UPDATE SET value = excluded.value, created_at = excluded.created_at`,
			runID, name, v, now,
		)
		if err != nil {
			return fmt.Errorf("insert metric %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// Metrics returns a run's final scalars sorted by name.
func (s *Store) Metrics(runID string) ([]MetricRecord, error) {
	rows, err := s.db.Query(`SELECT metric, value FROM eval_metrics WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricRecord
	for rows.Next() {
		var m MetricRecord
		if err := rows.Scan(&m.Name, &m.Value); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// TrainLogs returns the scalars the logger hooks wrote for a run, in
// insertion order.
func (s *Store) TrainLogs(runID string) ([]TrainLogRow, error) {
	rows, err := s.db.Query(
		`SELECT mode, epoch, iter, tag, value, created_at FROM train_logs WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query train logs: %w", err)
	}
	defer rows.Close()

	var out []TrainLogRow
	for rows.Next() {
		var r TrainLogRow
		var createdStr string
		if err := rows.Scan(&r.Mode, &r.Epoch, &r.Iter, &r.Tag, &r.Value, &createdStr); err != nil {
			return nil, fmt.Errorf("scan train log: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion metrics

// #region curves
// SaveCurve stores a named vector (e.g. the reliability diagram) for a run.
func (s *Store) SaveCurve(runID, name string, v []float64) error {
	_, err := s.db.Exec(
		`INSERT INTO curves (run_id, name, data) VALUES (?, ?, ?)
		 ON CONFLICT(run_id, name) DO UPDATE SET data = excluded.data`,
		runID, name, encodeVector(v),
	)
	if err != nil {
		return fmt.Errorf("save curve %s: %w", name, err)
	}
	return nil
}

// Curve reads a vector stored by SaveCurve.
func (s *Store) Curve(runID, name string) ([]float64, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT data FROM curves WHERE run_id = ? AND name = ?`, runID, name).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("curve %s/%s: %w", runID, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("curve %s/%s: %w", runID, name, err)
	}
	return decodeVector(blob), nil
}

// #endregion curves

// #region vector-encoding
func encodeVector(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float64 {
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}

// #endregion vector-encoding

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
