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
	"encoding/json"

	"github.com/huginn/huginn/pkg/trace"
)

// Run is one runs row.
type Run struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Status      trace.RunStatus `json:"status"`
	StartedAtMs int64           `json:"started_at_ms"`
	EndedAtMs   *int64          `json:"ended_at_ms,omitempty"`
	UserID      *string         `json:"user_id,omitempty"`
	SessionID   *string         `json:"session_id,omitempty"`
	ParentRunID *string         `json:"parent_run_id,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// DurationMs derives the run duration for a finished run; returns nil
// while the run is still "running".
func (r Run) DurationMs() *int64 {
	if r.EndedAtMs == nil {
		return nil
	}
	d := *r.EndedAtMs - r.StartedAtMs
	return &d
}

// RunSummary is a Run enriched with aggregate step counts, the shape
// GetRun and ListRuns return.
type RunSummary struct {
	Run
	StepCount  int `json:"step_count"`
	ErrorCount int `json:"error_count"`
}

// Step is one steps row with its blob still opaque.
type Step struct {
	ID            int64
	RunID         string
	EventType     trace.EventType
	TimestampMs   int64
	ParentEventID *uint64
	Blob          []byte
	BlobCodec     string
}

// DecodedStep is a Step with its blob run through the pipeline's inverse,
// the shape get_steps/export_run return.
type DecodedStep struct {
	ID            int64          `json:"id"`
	RunID         string         `json:"run_id"`
	EventType     trace.EventType `json:"event_type"`
	TimestampMs   int64          `json:"timestamp_ms"`
	ParentEventID *uint64        `json:"parent_event_id,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// TimelineEntry is the compact per-event summary GetTimeline returns
// for the UI's waterfall view.
type TimelineEntry struct {
	ID            int64          `json:"id"`
	Type          trace.EventType `json:"type"`
	Name          string         `json:"name,omitempty"`
	TimestampMs   int64          `json:"timestamp_ms"`
	DurationMs    *int64         `json:"duration_ms,omitempty"`
	Status        trace.Status   `json:"status"`
	ParentEventID *uint64        `json:"parent_event_id,omitempty"`
}

// ListRunsFilter carries ListRuns' filters and paging.
type ListRunsFilter struct {
	Status         *trace.RunStatus
	UserID         *string
	SessionID      *string
	Search         string
	StartedAfterMs *int64
	StartedBeforeMs *int64
	Limit          int
	Offset         int
}

// Stats is the aggregate counts operation's result.
type Stats struct {
	RunsByStatus  map[string]int64 `json:"runs_by_status"`
	StepsByType   map[string]int64 `json:"steps_by_type"`
	TotalRuns     int64            `json:"total_runs"`
	TotalSteps    int64            `json:"total_steps"`
	DBSizeBytes   int64            `json:"db_size_bytes"`
}

// ExportedRun is ExportRun's result: run metadata plus the full
// ordered, decoded timeline.
type ExportedRun struct {
	Run   RunSummary    `json:"run"`
	Steps []DecodedStep `json:"steps"`
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
