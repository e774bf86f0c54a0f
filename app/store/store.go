// Package store keeps the history of training runs in sqlite. One row per
// pair per dispatch, queried by the web API and the summary notifier.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/freqops/trainn/app/trainer"
)

// Run is one recorded training job
type Run struct {
	ID           int64     `json:"id"`
	Pair         string    `json:"pair"`
	Identifier   string    `json:"identifier"`
	Timerange    string    `json:"timerange"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
	Status       string    `json:"status"`
	ExitCode     int       `json:"exit_code"`
	LogPath      string    `json:"log_path,omitempty"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
}

// Duration is the run's wall time
func (r Run) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// SQLiteStore persists runs in a sqlite database
type SQLiteStore struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pair TEXT NOT NULL,
	identifier TEXT NOT NULL,
	timerange TEXT NOT NULL DEFAULT '',
	started INTEGER NOT NULL,
	finished INTEGER NOT NULL,
	status TEXT NOT NULL,
	exit_code INTEGER NOT NULL DEFAULT 0,
	log_path TEXT NOT NULL DEFAULT '',
	artifact_path TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_pair ON runs(pair);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started);
`

// NewSQLiteStore opens the database, enables WAL and creates the schema
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps readers from blocking the recording writer
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if _, err = db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to create schema: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// RecordRun inserts one finished run
func (s *SQLiteStore) RecordRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (pair, identifier, timerange, started, finished, status, exit_code, log_path, artifact_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Pair, run.Identifier, run.Timerange, run.Started.Unix(), run.Finished.Unix(),
		run.Status, run.ExitCode, run.LogPath, run.ArtifactPath)
	if err != nil {
		return fmt.Errorf("failed to record run for %s: %w", run.Pair, err)
	}
	return nil
}

// runRow mirrors the table, timestamps stored as unix seconds
type runRow struct {
	ID           int64  `db:"id"`
	Pair         string `db:"pair"`
	Identifier   string `db:"identifier"`
	Timerange    string `db:"timerange"`
	Started      int64  `db:"started"`
	Finished     int64  `db:"finished"`
	Status       string `db:"status"`
	ExitCode     int    `db:"exit_code"`
	LogPath      string `db:"log_path"`
	ArtifactPath string `db:"artifact_path"`
}

func (r runRow) toRun() Run {
	return Run{
		ID:           r.ID,
		Pair:         r.Pair,
		Identifier:   r.Identifier,
		Timerange:    r.Timerange,
		Started:      time.Unix(r.Started, 0),
		Finished:     time.Unix(r.Finished, 0),
		Status:       r.Status,
		ExitCode:     r.ExitCode,
		LogPath:      r.LogPath,
		ArtifactPath: r.ArtifactPath,
	}
}

// ListRuns returns the most recent runs, newest first, up to limit
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, pair, identifier, timerange, started, finished, status, exit_code, log_path, artifact_path
		FROM runs ORDER BY started DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	runs := make([]Run, len(rows))
	for i, r := range rows {
		runs[i] = r.toRun()
	}
	return runs, nil
}

// LastRun returns the most recent run for a pair, or nil when none recorded
func (s *SQLiteStore) LastRun(ctx context.Context, pair string) (*Run, error) {
	runs, err := s.listPair(ctx, pair, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

func (s *SQLiteStore) listPair(ctx context.Context, pair string, limit int) ([]Run, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, pair, identifier, timerange, started, finished, status, exit_code, log_path, artifact_path
		FROM runs WHERE pair = ? ORDER BY started DESC, id DESC LIMIT ?`, pair, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs for %s: %w", pair, err)
	}

	runs := make([]Run, len(rows))
	for i, r := range rows {
		runs[i] = r.toRun()
	}
	return runs, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Recorder adapts the store to the dispatcher's event stream, also tracking
// live per-pair state for the web API.
type Recorder struct {
	store     *SQLiteStore
	timerange string

	mu   sync.Mutex
	live map[string]LiveState
}

// LiveState is the in-flight view of one pair's job
type LiveState struct {
	Pair       string    `json:"pair"`
	Identifier string    `json:"identifier"`
	Status     string    `json:"status"`
	Started    time.Time `json:"started"`
}

// NewRecorder makes an event handler persisting to store
func NewRecorder(store *SQLiteStore, timerange string) *Recorder {
	return &Recorder{store: store, timerange: timerange, live: map[string]LiveState{}}
}

// OnJobStart marks the pair running
func (r *Recorder) OnJobStart(pair, identifier string, started time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[pair] = LiveState{Pair: pair, Identifier: identifier, Status: "running", Started: started}
}

// OnJobComplete records the result, recording trouble is logged and dropped
func (r *Recorder) OnJobComplete(res trainer.Result) {
	r.mu.Lock()
	r.live[res.Pair] = LiveState{
		Pair:       res.Pair,
		Identifier: res.Identifier,
		Status:     string(res.Status),
		Started:    res.Started,
	}
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.store.RecordRun(ctx, Run{
		Pair:         res.Pair,
		Identifier:   res.Identifier,
		Timerange:    r.timerange,
		Started:      res.Started,
		Finished:     res.Finished,
		Status:       string(res.Status),
		ExitCode:     res.ExitCode,
		LogPath:      res.LogFile,
		ArtifactPath: res.ArtifactPath,
	})
	if err != nil {
		log.Printf("[WARN] can't record run for %s, %v", res.Pair, err)
	}
}

// Live returns a snapshot of per-pair states
func (r *Recorder) Live() []LiveState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LiveState, 0, len(r.live))
	for _, st := range r.live {
		out = append(out, st)
	}
	return out
}
