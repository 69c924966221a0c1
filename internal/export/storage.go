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

package export

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/huginn/huginn/pkg/trace"
)

// DefaultMaxBlobBytes bounds a single encoded step: an oversized blob
// is dropped, never truncated, so partially-decodable garbage never
// reaches the store.
const DefaultMaxBlobBytes = 10 * 1024 * 1024

// Storer is the subset of the durable store the storage exporter drives.
// Defined here, rather than imported from the store package, so export
// never depends on database/sql concerns beyond *sql.Tx.
type Storer interface {
	WithTx(ctx context.Context, fn func(*sql.Tx) error) error
}

// RunRow and StepRow are the write-side shapes the storage exporter hands
// to the store, kept free of the store package's own Run/Step types so
// export does not need to import store (store already imports trace and
// errors; export would otherwise gain a needless dependency edge on it).
type RunRow struct {
	ID          string
	Name        string
	StartedAtMs int64
	UserID      *string
	SessionID   *string
	ParentRunID *string
	Metadata    map[string]any
}

type StepRow struct {
	RunID         string
	EventType     trace.EventType
	TimestampMs   int64
	ParentEventID *uint64
	Blob          []byte
	BlobCodec     string
}

// StoreOps is the set of store-package functions the storage exporter
// needs; supplied by the caller so export never imports store directly
// (store's Open/migrate machinery has nothing to do with exporting).
type StoreOps struct {
	EnsureRun    func(ctx context.Context, tx *sql.Tx, r RunRow) error
	RunExists    func(ctx context.Context, tx *sql.Tx, runID string) (bool, error)
	InsertStep   func(ctx context.Context, tx *sql.Tx, s StepRow) error
	FinalizeRun  func(ctx context.Context, tx *sql.Tx, runID string, endedAtMs int64, status trace.RunStatus) error
}

// Storage is the default Exporter: pipeline-encoded events persisted
// to the durable store inside one transaction per batch. The OTel
// exporter is strictly optional; this one is always wired.
type Storage struct {
	store    Storer
	ops      StoreOps
	pipeline *trace.Pipeline
	maxBlob  int

	dropped atomic.Int64
}

// NewStorage builds the storage exporter. maxBlobBytes <= 0 selects
// DefaultMaxBlobBytes.
func NewStorage(store Storer, ops StoreOps, pipeline *trace.Pipeline, maxBlobBytes int) *Storage {
	if maxBlobBytes <= 0 {
		maxBlobBytes = DefaultMaxBlobBytes
	}
	return &Storage{store: store, ops: ops, pipeline: pipeline, maxBlob: maxBlobBytes}
}

// Initialize implements Exporter. The store is already open by the time
// a Storage exporter is constructed, so there is nothing to do here.
func (s *Storage) Initialize(ctx context.Context) error {
	return nil
}

// ExportBatch implements Exporter: one transaction for the whole batch
// (a batch is never partially persisted), retried as a unit by
// Storer.WithTx on transient failure. Only a run_start creates a runs row
// (EnsureRun is idempotent); any other event is written only when its run
// has a run_start somewhere in the same batch or already exists in the
// store, and is otherwise dropped and counted.
func (s *Storage) ExportBatch(ctx context.Context, events []trace.Event) error {
	if len(events) == 0 {
		return nil
	}

	seenRunStart := make(map[string]bool)
	for _, e := range events {
		if e.Type == trace.EventRunStart {
			seenRunStart[e.RunID] = true
		}
	}

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			if err := s.writeOne(ctx, tx, e, seenRunStart); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage) writeOne(ctx context.Context, tx *sql.Tx, e trace.Event, seenRunStart map[string]bool) error {
	if e.Type == trace.EventRunStart {
		row := RunRow{
			ID:          e.RunID,
			StartedAtMs: e.TimestampMs,
			Metadata:    e.Metadata,
		}
		if rs, ok := e.Payload.(trace.RunStartPayload); ok {
			row.Name = rs.Name
			row.UserID = rs.UserID
			row.SessionID = rs.SessionID
			row.ParentRunID = rs.ParentRunID
		}
		if err := s.ops.EnsureRun(ctx, tx, row); err != nil {
			return err
		}
	} else {
		// Reject steps whose run never had a run_start in this batch and
		// isn't already durable: an orphaned step is silently dropped,
		// counted, never persisted.
		if !seenRunStart[e.RunID] {
			exists, err := s.ops.RunExists(ctx, tx, e.RunID)
			if err != nil {
				return err
			}
			if !exists {
				s.dropped.Add(1)
				return nil
			}
		}
	}

	if e.Type == trace.EventRunEnd {
		status := trace.RunStatusCompleted
		if rp, ok := e.Payload.(trace.RunEndPayload); ok {
			status = rp.FinalStatus
		}
		if err := s.ops.FinalizeRun(ctx, tx, e.RunID, e.TimestampMs, status); err != nil {
			return err
		}
	}

	blob, codec, err := s.pipeline.Encode(e)
	if err != nil {
		// A pipeline failure drops only this one event, not the batch:
		// it is neither a store error nor grounds to roll back events
		// already written in this loop.
		s.dropped.Add(1)
		return nil
	}
	if len(blob) > s.maxBlob {
		s.dropped.Add(1)
		return nil
	}

	return s.ops.InsertStep(ctx, tx, StepRow{
		RunID:         e.RunID,
		EventType:     e.Type,
		TimestampMs:   e.TimestampMs,
		ParentEventID: e.ParentEventID,
		Blob:          blob,
		BlobCodec:     codec.String(),
	})
}

// Shutdown implements Exporter. The store's lifecycle is owned by its
// caller, not by the exporter, so there is nothing to release here.
func (s *Storage) Shutdown(ctx context.Context) error {
	return nil
}

// Dropped reports the number of events this exporter has silently
// dropped (oversized blob, orphaned step, pipeline failure), for the
// huginn_events_dropped_total metric.
func (s *Storage) Dropped() int64 {
	return s.dropped.Load()
}
