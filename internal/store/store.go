// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store is the durable store: the runs/steps schema, its
// indexes, WAL-mode concurrency, and the read-side query contract the
// HTTP API and CLI consume. It never inspects the opaque step blob it
// is handed; encode and decode are entirely the pipeline's job.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	_ "modernc.org/sqlite"

	tracerr "github.com/huginn/huginn/pkg/errors"
	"github.com/huginn/huginn/pkg/trace"
)

// Config configures the SQLite-backed store.
type Config struct {
	// Path is the filesystem path to the database file. ":memory:" is
	// accepted for tests.
	Path string

	// MaxOpenConns bounds the connection pool. WAL mode lets readers run
	// concurrently with the single writer, so a small pool (default 5)
	// is plenty.
	MaxOpenConns int

	// BusyTimeout bounds how long a connection waits on a lock before
	// SQLITE_BUSY is returned to the driver (default 5s).
	BusyTimeout time.Duration
}

// Store is the durable store: schema owner, write path, read contract, and
// maintenance operations.
type Store struct {
	db       *sql.DB
	pipeline *trace.Pipeline
}

// Open opens (creating if absent) the database at cfg.Path and applies
// the schema. pipeline decodes blobs on the read path.
func Open(ctx context.Context, cfg Config, pipeline *trace.Pipeline) (*Store, error) {
	if cfg.Path == "" {
		return nil, &tracerr.ConfigError{Key: "db_path", Reason: "must not be empty"}
	}

	busyMs := int(cfg.BusyTimeout / time.Millisecond)
	if busyMs == 0 {
		busyMs = 5000
	}

	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr = fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL&_foreign_keys=on", cfg.Path, busyMs)
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, &tracerr.StoreError{Op: "open", Cause: err}
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	if cfg.Path == ":memory:" {
		// Every pooled connection to :memory: gets its own database, so
		// the pool must collapse to a single connection.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &tracerr.StoreError{Op: "open", Cause: err}
	}

	s := &Store{db: db, pipeline: pipeline}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return &tracerr.StoreError{Op: "migrate", Cause: err}
	}
	// journal_mode=WAL is persistent in the database file, unlike the
	// per-connection pragmas in the DSN.
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		return &tracerr.StoreError{Op: "migrate", Cause: err}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			ended_at_ms INTEGER,
			user_id TEXT,
			session_id TEXT,
			parent_run_id TEXT,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at_ms DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,

		`CREATE TABLE IF NOT EXISTS steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			parent_event_id INTEGER,
			blob BLOB NOT NULL,
			blob_codec TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_ts ON steps(run_id, timestamp_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_timestamp ON steps(timestamp_ms)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &tracerr.StoreError{Op: "migrate", Cause: err}
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for tests and CLI maintenance
// commands that need to run ad-hoc diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// isTransient classifies a sqlite error as retryable busy/locked
// contention vs. a permanent failure.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "SQLITE_BUSY") || contains(msg, "database is locked") || contains(msg, "locked")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// WithTx runs fn in a single transaction, retrying the whole transaction
// up to 3 times with exponential backoff on a transient error, so a
// batch is either fully persisted or not at all.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 50 * time.Millisecond
			backoff += time.Duration(rand.Intn(25)) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			lastErr = &tracerr.StoreError{Op: "begin_tx", Transient: isTransient(err), Cause: err}
			if isTransient(err) {
				continue
			}
			return lastErr
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			var se *tracerr.StoreError
			if errors.As(err, &se) && !se.Transient {
				return err
			}
			lastErr = err
			if isTransient(err) {
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			lastErr = &tracerr.StoreError{Op: "commit", Transient: isTransient(err), Cause: err}
			if isTransient(err) {
				continue
			}
			return lastErr
		}
		return nil
	}
	return lastErr
}

// EnsureRun inserts the runs row if it does not already exist, so a run
// row is always in place before any of its steps is committed. Existing
// rows are left untouched.
func EnsureRun(ctx context.Context, tx *sql.Tx, r Run) error {
	metaJSON, err := encodeMetadata(r.Metadata)
	if err != nil {
		return &tracerr.StoreError{Op: "ensure_run", Cause: err}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, name, status, started_at_ms, user_id, session_id, parent_run_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID, r.Name, string(trace.RunStatusRunning), r.StartedAtMs, nullableStr(r.UserID), nullableStr(r.SessionID), nullableStr(r.ParentRunID), metaJSON)
	if err != nil {
		return &tracerr.StoreError{Op: "ensure_run", Transient: isTransient(err), Cause: err}
	}
	return nil
}

// RunExists reports whether a runs row is already present, used by the
// storage exporter to reject steps for a run it never saw a run_start
// for.
func RunExists(ctx context.Context, tx *sql.Tx, runID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &tracerr.StoreError{Op: "run_exists", Transient: isTransient(err), Cause: err}
	}
	return true, nil
}

// InsertStep inserts one steps row. The caller (the storage exporter)
// has already run the pipeline to produce blob/codec; this layer never
// inspects either.
func InsertStep(ctx context.Context, tx *sql.Tx, st Step) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO steps (run_id, event_type, timestamp_ms, parent_event_id, blob, blob_codec)
		VALUES (?, ?, ?, ?, ?, ?)
	`, st.RunID, string(st.EventType), st.TimestampMs, nullableInt64(st.ParentEventID), st.Blob, st.BlobCodec)
	if err != nil {
		return &tracerr.StoreError{Op: "insert_step", Transient: isTransient(err), Cause: err}
	}
	return nil
}

// FinalizeRun applies the one legal terminal transition for a run,
// running -> completed|failed, setting ended_at_ms in the same write.
func FinalizeRun(ctx context.Context, tx *sql.Tx, runID string, endedAtMs int64, status trace.RunStatus) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at_ms = ?
		WHERE id = ? AND status = ?
	`, string(status), endedAtMs, runID, string(trace.RunStatusRunning))
	if err != nil {
		return &tracerr.StoreError{Op: "finalize_run", Transient: isTransient(err), Cause: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Either the run does not exist yet or it was already
		// finalized; both are no-ops for the terminal transition.
	}
	return nil
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt64(v *uint64) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
