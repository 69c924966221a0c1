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
	"fmt"
	"strings"

	tracerr "github.com/huginn/huginn/pkg/errors"
	"github.com/huginn/huginn/pkg/trace"
)

// ListRuns lists runs filtered and paged, ordered by started_at_ms
// DESC, returning the page plus the unpaged total.
func (s *Store) ListRuns(ctx context.Context, f ListRunsFilter) ([]RunSummary, int, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	where, args := buildRunFilter(f)

	var total int
	countQuery := "SELECT COUNT(*) FROM runs r" + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, &tracerr.StoreError{Op: "list_runs", Transient: isTransient(err), Cause: err}
	}

	query := `
		SELECT r.id, r.name, r.status, r.started_at_ms, r.ended_at_ms, r.user_id, r.session_id, r.parent_run_id, r.metadata,
			(SELECT COUNT(*) FROM steps WHERE steps.run_id = r.id) AS step_count,
			(SELECT COUNT(*) FROM steps WHERE steps.run_id = r.id AND steps.event_type = 'error') AS error_count
		FROM runs r` + where + `
		ORDER BY r.started_at_ms DESC
		LIMIT ? OFFSET ?
	`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, &tracerr.StoreError{Op: "list_runs", Transient: isTransient(err), Cause: err}
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		rs, err := scanRunSummary(rows)
		if err != nil {
			return nil, 0, &tracerr.StoreError{Op: "list_runs", Cause: err}
		}
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, &tracerr.StoreError{Op: "list_runs", Transient: isTransient(err), Cause: err}
	}
	return out, total, nil
}

func buildRunFilter(f ListRunsFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Status != nil {
		clauses = append(clauses, "r.status = ?")
		args = append(args, string(*f.Status))
	}
	if f.UserID != nil {
		clauses = append(clauses, "r.user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.SessionID != nil {
		clauses = append(clauses, "r.session_id = ?")
		args = append(args, *f.SessionID)
	}
	if f.Search != "" {
		clauses = append(clauses, "LOWER(r.name) LIKE ?")
		args = append(args, "%"+strings.ToLower(f.Search)+"%")
	}
	if f.StartedAfterMs != nil {
		clauses = append(clauses, "r.started_at_ms >= ?")
		args = append(args, *f.StartedAfterMs)
	}
	if f.StartedBeforeMs != nil {
		clauses = append(clauses, "r.started_at_ms <= ?")
		args = append(args, *f.StartedBeforeMs)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// GetRun returns a run plus its step and error counts. Returns a
// *NotFoundError if no such run exists.
func (s *Store) GetRun(ctx context.Context, runID string) (RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.name, r.status, r.started_at_ms, r.ended_at_ms, r.user_id, r.session_id, r.parent_run_id, r.metadata,
			(SELECT COUNT(*) FROM steps WHERE steps.run_id = r.id) AS step_count,
			(SELECT COUNT(*) FROM steps WHERE steps.run_id = r.id AND steps.event_type = 'error') AS error_count
		FROM runs r WHERE r.id = ?
	`, runID)
	rs, err := scanRunSummary(row)
	if err == sql.ErrNoRows {
		return RunSummary{}, &tracerr.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return RunSummary{}, &tracerr.StoreError{Op: "get_run", Transient: isTransient(err), Cause: err}
	}
	return rs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunSummary(row rowScanner) (RunSummary, error) {
	var rs RunSummary
	var status string
	var endedAt sql.NullInt64
	var userID, sessionID, parentRunID sql.NullString
	var metaStr string

	err := row.Scan(&rs.ID, &rs.Name, &status, &rs.StartedAtMs, &endedAt, &userID, &sessionID, &parentRunID, &metaStr,
		&rs.StepCount, &rs.ErrorCount)
	if err != nil {
		return RunSummary{}, err
	}

	rs.Status = trace.RunStatus(status)
	if endedAt.Valid {
		rs.EndedAtMs = &endedAt.Int64
	}
	if userID.Valid {
		rs.UserID = &userID.String
	}
	if sessionID.Valid {
		rs.SessionID = &sessionID.String
	}
	if parentRunID.Valid {
		rs.ParentRunID = &parentRunID.String
	}
	rs.Metadata = decodeMetadata(metaStr)
	return rs, nil
}

// GetSteps returns a run's steps ordered by (timestamp_ms, id) ASC with
// decoded payloads, optionally filtered to one event_type.
func (s *Store) GetSteps(ctx context.Context, runID string, eventType *trace.EventType, limit, offset int) ([]DecodedStep, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `SELECT id, run_id, event_type, timestamp_ms, parent_event_id, blob, blob_codec FROM steps WHERE run_id = ?`
	args := []any{runID}
	if eventType != nil {
		query += " AND event_type = ?"
		args = append(args, string(*eventType))
	}
	query += " ORDER BY timestamp_ms ASC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &tracerr.StoreError{Op: "get_steps", Transient: isTransient(err), Cause: err}
	}
	defer rows.Close()

	var out []DecodedStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, &tracerr.StoreError{Op: "get_steps", Cause: err}
		}
		decoded, err := s.decodeStep(st)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, rows.Err()
}

func scanStep(rows *sql.Rows) (Step, error) {
	var st Step
	var parentEventID sql.NullInt64
	if err := rows.Scan(&st.ID, &st.RunID, &st.EventType, &st.TimestampMs, &parentEventID, &st.Blob, &st.BlobCodec); err != nil {
		return Step{}, err
	}
	if parentEventID.Valid {
		v := uint64(parentEventID.Int64)
		st.ParentEventID = &v
	}
	return st, nil
}

func (s *Store) decodeStep(st Step) (DecodedStep, error) {
	codec, err := trace.ParseCodec(st.BlobCodec)
	if err != nil {
		return DecodedStep{}, &tracerr.PipelineError{Stage: "codec", Cause: err}
	}
	rec, err := s.pipeline.Decode(st.Blob, codec)
	if err != nil {
		return DecodedStep{}, err
	}
	payload, _ := rec["payload"].(map[string]any)
	return DecodedStep{
		ID:            st.ID,
		RunID:         st.RunID,
		EventType:     st.EventType,
		TimestampMs:   st.TimestampMs,
		ParentEventID: st.ParentEventID,
		Payload:       payload,
	}, nil
}

// GetTimeline returns the compact waterfall view the UI renders,
// ordered the same way as GetSteps.
func (s *Store) GetTimeline(ctx context.Context, runID string) ([]TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, timestamp_ms, parent_event_id, blob, blob_codec
		FROM steps WHERE run_id = ? ORDER BY timestamp_ms ASC, id ASC
	`, runID)
	if err != nil {
		return nil, &tracerr.StoreError{Op: "get_timeline", Transient: isTransient(err), Cause: err}
	}
	defer rows.Close()

	var out []TimelineEntry
	for rows.Next() {
		var id int64
		var eventType string
		var ts int64
		var parentEventID sql.NullInt64
		var blob []byte
		var codecStr string
		if err := rows.Scan(&id, &eventType, &ts, &parentEventID, &blob, &codecStr); err != nil {
			return nil, &tracerr.StoreError{Op: "get_timeline", Cause: err}
		}

		entry := TimelineEntry{
			ID:          id,
			Type:        trace.EventType(eventType),
			TimestampMs: ts,
			Status:      trace.StatusOK,
		}
		if parentEventID.Valid {
			v := uint64(parentEventID.Int64)
			entry.ParentEventID = &v
		}

		if codec, err := trace.ParseCodec(codecStr); err == nil {
			if rec, err := s.pipeline.Decode(blob, codec); err == nil {
				if status, ok := rec["status"].(string); ok {
					entry.Status = trace.Status(status)
				}
				if d, ok := rec["duration_ms"].(float64); ok {
					ms := int64(d)
					entry.DurationMs = &ms
				}
				if payload, ok := rec["payload"].(map[string]any); ok {
					entry.Name = timelineName(entry.Type, payload)
				}
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func timelineName(t trace.EventType, payload map[string]any) string {
	switch t {
	case trace.EventRunStart:
		if n, ok := payload["name"].(string); ok {
			return n
		}
	case trace.EventLLMCall:
		if m, ok := payload["model"].(string); ok {
			return m
		}
	case trace.EventToolCall:
		if n, ok := payload["tool_name"].(string); ok {
			return n
		}
	case trace.EventMemoryRead, trace.EventMemoryWrite:
		if k, ok := payload["memory_key"].(string); ok {
			return k
		}
	case trace.EventCustom:
		if n, ok := payload["name"].(string); ok {
			return n
		}
	}
	return string(t)
}

// GetStepData returns the fully decoded payload for one step. Returns a
// *NotFoundError if the step doesn't belong to runID.
func (s *Store) GetStepData(ctx context.Context, runID string, stepID int64) (map[string]any, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, event_type, timestamp_ms, parent_event_id, blob, blob_codec
		FROM steps WHERE run_id = ? AND id = ?
	`, runID, stepID)

	var st Step
	var parentEventID sql.NullInt64
	err := row.Scan(&st.ID, &st.RunID, &st.EventType, &st.TimestampMs, &parentEventID, &st.Blob, &st.BlobCodec)
	if err == sql.ErrNoRows {
		return nil, &tracerr.NotFoundError{Resource: "step", ID: fmt.Sprintf("%s/%d", runID, stepID)}
	}
	if err != nil {
		return nil, &tracerr.StoreError{Op: "get_step_data", Transient: isTransient(err), Cause: err}
	}
	if parentEventID.Valid {
		v := uint64(parentEventID.Int64)
		st.ParentEventID = &v
	}

	codec, err := trace.ParseCodec(st.BlobCodec)
	if err != nil {
		return nil, &tracerr.PipelineError{Stage: "codec", Cause: err}
	}
	return s.pipeline.Decode(st.Blob, codec)
}

// ExportRun returns run metadata plus the full ordered, decoded
// timeline, for the CLI's `export` command and the read-only HTTP dump
// endpoint.
func (s *Store) ExportRun(ctx context.Context, runID string) (ExportedRun, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return ExportedRun{}, err
	}
	steps, err := s.GetSteps(ctx, runID, nil, 100, 0)
	if err != nil {
		return ExportedRun{}, err
	}
	// GetSteps pages at 100; export needs the full ordered run, so keep
	// pulling pages until exhausted.
	all := append([]DecodedStep{}, steps...)
	for offset := 100; len(steps) == 100; offset += 100 {
		steps, err = s.GetSteps(ctx, runID, nil, 100, offset)
		if err != nil {
			return ExportedRun{}, err
		}
		all = append(all, steps...)
	}
	return ExportedRun{Run: run, Steps: all}, nil
}

// Stats returns counts by run status, counts by event type, and total
// on-disk size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	out := Stats{RunsByStatus: map[string]int64{}, StepsByType: map[string]int64{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return Stats{}, &tracerr.StoreError{Op: "stats", Transient: isTransient(err), Cause: err}
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return Stats{}, &tracerr.StoreError{Op: "stats", Cause: err}
		}
		out.RunsByStatus[status] = n
		out.TotalRuns += n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM steps GROUP BY event_type`)
	if err != nil {
		return Stats{}, &tracerr.StoreError{Op: "stats", Transient: isTransient(err), Cause: err}
	}
	for rows.Next() {
		var et string
		var n int64
		if err := rows.Scan(&et, &n); err != nil {
			rows.Close()
			return Stats{}, &tracerr.StoreError{Op: "stats", Cause: err}
		}
		out.StepsByType[et] = n
		out.TotalSteps += n
	}
	rows.Close()

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			out.DBSizeBytes = pageCount * pageSize
		}
	}

	return out, nil
}

// Ping reports whether the store's connection is healthy, for GET /health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
