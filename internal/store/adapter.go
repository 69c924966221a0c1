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

	"github.com/huginn/huginn/internal/export"
	"github.com/huginn/huginn/pkg/trace"
)

// Ops returns the export.StoreOps binding the storage exporter needs,
// so its only coupling to this package is through that narrow interface
// rather than a direct import of Run/Step/EnsureRun/etc.
func Ops() export.StoreOps {
	return export.StoreOps{
		EnsureRun: func(ctx context.Context, tx *sql.Tx, r export.RunRow) error {
			return EnsureRun(ctx, tx, Run{
				ID:          r.ID,
				Name:        r.Name,
				StartedAtMs: r.StartedAtMs,
				UserID:      r.UserID,
				SessionID:   r.SessionID,
				ParentRunID: r.ParentRunID,
				Metadata:    r.Metadata,
			})
		},
		RunExists: RunExists,
		InsertStep: func(ctx context.Context, tx *sql.Tx, st export.StepRow) error {
			return InsertStep(ctx, tx, Step{
				RunID:         st.RunID,
				EventType:     st.EventType,
				TimestampMs:   st.TimestampMs,
				ParentEventID: st.ParentEventID,
				Blob:          st.Blob,
				BlobCodec:     st.BlobCodec,
			})
		},
		FinalizeRun: func(ctx context.Context, tx *sql.Tx, runID string, endedAtMs int64, status trace.RunStatus) error {
			return FinalizeRun(ctx, tx, runID, endedAtMs, status)
		},
	}
}
