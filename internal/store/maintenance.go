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

package store

import (
	"context"
	"database/sql"
	"os"
	"time"

	tracerr "github.com/huginn/huginn/pkg/errors"
)

// Prune deletes runs whose started_at_ms is older than the retention
// window, together with their steps, in one transaction. Returns the
// number of runs removed.
func (s *Store) Prune(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, &tracerr.ConfigError{Key: "retention_days", Reason: "must be >= 0"}
	}
	cutoff := time.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour).UnixMilli()

	// Steps are deleted explicitly rather than leaning on the FK cascade:
	// the foreign_keys pragma is per-connection and the pool does not
	// guarantee which connection runs this statement.
	var pruned int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM steps WHERE run_id IN (SELECT id FROM runs WHERE started_at_ms < ?)`, cutoff); err != nil {
			return &tracerr.StoreError{Op: "prune", Transient: isTransient(err), Cause: err}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at_ms < ?`, cutoff)
		if err != nil {
			return &tracerr.StoreError{Op: "prune", Transient: isTransient(err), Cause: err}
		}
		pruned, err = res.RowsAffected()
		if err != nil {
			return &tracerr.StoreError{Op: "prune", Cause: err}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

// Vacuum reclaims free space left behind by prune/delete.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return &tracerr.StoreError{Op: "vacuum", Transient: isTransient(err), Cause: err}
	}
	return nil
}

// Backup writes an atomic snapshot of the database to path using VACUUM
// INTO, which produces a consistent copy even while writers are active in
// WAL mode. An existing file at path is refused rather than overwritten.
func (s *Store) Backup(ctx context.Context, path string) error {
	if path == "" {
		return &tracerr.ConfigError{Key: "backup_path", Reason: "must not be empty"}
	}
	if _, err := os.Stat(path); err == nil {
		return &tracerr.StoreError{Op: "backup", Cause: os.ErrExist}
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return &tracerr.StoreError{Op: "backup", Transient: isTransient(err), Cause: err}
	}
	return nil
}
