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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tracerr "github.com/huginn/huginn/pkg/errors"
	"github.com/huginn/huginn/pkg/trace"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	pipeline, err := trace.NewPipeline(trace.DefaultConfig())
	require.NoError(t, err)

	st, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "test.db")}, pipeline)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// writeRun inserts a run with its run_start step plus the given extra
// steps, the way the storage exporter would.
func writeRun(t *testing.T, st *Store, runID, name string, startedAt int64, steps ...trace.Event) {
	t.Helper()
	pipeline, err := trace.NewPipeline(trace.DefaultConfig())
	require.NoError(t, err)

	err = st.WithTx(context.Background(), func(tx *sql.Tx) error {
		if err := EnsureRun(context.Background(), tx, Run{ID: runID, Name: name, StartedAtMs: startedAt}); err != nil {
			return err
		}
		start := trace.Event{
			Envelope: trace.Envelope{EventID: 1, RunID: runID, Type: trace.EventRunStart, TimestampMs: startedAt, Status: trace.StatusInfo},
			Payload:  trace.RunStartPayload{Name: name},
		}
		all := append([]trace.Event{start}, steps...)
		for _, e := range all {
			blob, codec, err := pipeline.Encode(e)
			if err != nil {
				return err
			}
			if err := InsertStep(context.Background(), tx, Step{
				RunID:       runID,
				EventType:   e.Type,
				TimestampMs: e.TimestampMs,
				Blob:        blob,
				BlobCodec:   codec.String(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func stepEvent(runID string, id uint64, ts int64, typ trace.EventType, payload trace.Payload) trace.Event {
	return trace.Event{
		Envelope: trace.Envelope{EventID: id, RunID: runID, Type: typ, TimestampMs: ts, Status: trace.StatusOK},
		Payload:  payload,
	}
}

func TestOpenCreatesSchema(t *testing.T) {
	st := openTestStore(t)

	var n int
	err := st.DB().QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('runs','steps')`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	pipeline, _ := trace.NewPipeline(trace.DefaultConfig())
	_, err := Open(context.Background(), Config{}, pipeline)
	require.Error(t, err)
}

func TestGetRunNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetRun(context.Background(), "nope")
	var nf *tracerr.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestWriteAndReadBack(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UnixMilli()

	writeRun(t, st, "r1", "demo", now,
		stepEvent("r1", 2, now+10, trace.EventLLMCall, trace.LLMCallPayload{Model: "m", Prompt: "hi", Response: "hello"}),
		stepEvent("r1", 3, now+20, trace.EventError, trace.ErrorPayload{ErrorType: "E", ErrorMessage: "boom"}),
	)

	run, err := st.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "demo", run.Name)
	assert.Equal(t, trace.RunStatusRunning, run.Status)
	assert.Equal(t, 3, run.StepCount)
	assert.Equal(t, 1, run.ErrorCount)
	assert.Nil(t, run.DurationMs())

	steps, err := st.GetSteps(context.Background(), "r1", nil, 50, 0)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, trace.EventRunStart, steps[0].EventType)
	assert.Equal(t, "hi", steps[1].Payload["prompt"])

	llm := trace.EventLLMCall
	filtered, err := st.GetSteps(context.Background(), "r1", &llm, 50, 0)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "m", filtered[0].Payload["model"])
}

func TestFinalizeRunTransitions(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UnixMilli()
	writeRun(t, st, "r1", "demo", now)

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return FinalizeRun(context.Background(), tx, "r1", now+100, trace.RunStatusCompleted)
	})
	require.NoError(t, err)

	run, err := st.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, trace.RunStatusCompleted, run.Status)
	require.NotNil(t, run.EndedAtMs)
	assert.Equal(t, now+100, *run.EndedAtMs)
	require.NotNil(t, run.DurationMs())
	assert.Equal(t, int64(100), *run.DurationMs())

	// A second terminal transition is a no-op (running -> X only).
	err = st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return FinalizeRun(context.Background(), tx, "r1", now+999, trace.RunStatusFailed)
	})
	require.NoError(t, err)
	run, err = st.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, trace.RunStatusCompleted, run.Status)
	assert.Equal(t, now+100, *run.EndedAtMs)
}

func TestEnsureRunIdempotent(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UnixMilli()

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		if err := EnsureRun(context.Background(), tx, Run{ID: "r1", Name: "first", StartedAtMs: now}); err != nil {
			return err
		}
		return EnsureRun(context.Background(), tx, Run{ID: "r1", Name: "second", StartedAtMs: now + 5})
	})
	require.NoError(t, err)

	run, err := st.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "first", run.Name, "an existing row is left untouched")
}

func TestListRunsFiltersAndPaging(t *testing.T) {
	st := openTestStore(t)
	base := time.Now().UnixMilli()

	user := "alice"
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
			r := Run{ID: id, Name: "agent-" + id, StartedAtMs: base + int64(i*1000)}
			if i%2 == 0 {
				r.UserID = &user
			}
			return EnsureRun(context.Background(), tx, r)
		})
		require.NoError(t, err)
	}

	rows, total, err := st.ListRuns(context.Background(), ListRunsFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, rows, 2)
	assert.Equal(t, "e", rows[0].ID, "ordering is started_at_ms DESC")
	assert.Equal(t, "d", rows[1].ID)

	rows, _, err = st.ListRuns(context.Background(), ListRunsFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, "c", rows[0].ID)

	rows, total, err = st.ListRuns(context.Background(), ListRunsFilter{UserID: &user, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	rows, total, err = st.ListRuns(context.Background(), ListRunsFilter{Search: "AGENT-B", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "b", rows[0].ID)

	after := base + 2500
	rows, total, err = st.ListRuns(context.Background(), ListRunsFilter{StartedAfterMs: &after, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	running := trace.RunStatusRunning
	_, total, err = st.ListRuns(context.Background(), ListRunsFilter{Status: &running, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
}

func TestStepOrderingByTimestampThenID(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UnixMilli()

	// Two steps share a timestamp; insertion order (autoincrement id)
	// breaks the tie.
	writeRun(t, st, "r1", "demo", now,
		stepEvent("r1", 2, now+10, trace.EventToolCall, trace.ToolCallPayload{ToolName: "first"}),
		stepEvent("r1", 3, now+10, trace.EventToolCall, trace.ToolCallPayload{ToolName: "second"}),
		stepEvent("r1", 4, now+5, trace.EventToolCall, trace.ToolCallPayload{ToolName: "earlier"}),
	)

	steps, err := st.GetSteps(context.Background(), "r1", nil, 50, 0)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	assert.Equal(t, "earlier", steps[1].Payload["tool_name"])
	assert.Equal(t, "first", steps[2].Payload["tool_name"])
	assert.Equal(t, "second", steps[3].Payload["tool_name"])
}

func TestTimeline(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UnixMilli()

	writeRun(t, st, "r1", "demo", now,
		stepEvent("r1", 2, now+10, trace.EventLLMCall, trace.LLMCallPayload{Model: "gpt-x", Prompt: "p", Response: "r"}),
		stepEvent("r1", 3, now+20, trace.EventToolCall, trace.ToolCallPayload{ToolName: "search"}),
	)

	timeline, err := st.GetTimeline(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, "demo", timeline[0].Name)
	assert.Equal(t, "gpt-x", timeline[1].Name)
	assert.Equal(t, "search", timeline[2].Name)
	assert.Equal(t, trace.StatusInfo, timeline[0].Status)
	assert.Equal(t, trace.StatusOK, timeline[1].Status)
}

func TestGetStepData(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UnixMilli()
	writeRun(t, st, "r1", "demo", now,
		stepEvent("r1", 2, now+10, trace.EventFinalAnswer, trace.FinalAnswerPayload{Answer: "42"}),
	)

	steps, err := st.GetSteps(context.Background(), "r1", nil, 50, 0)
	require.NoError(t, err)

	data, err := st.GetStepData(context.Background(), "r1", steps[1].ID)
	require.NoError(t, err)
	payload := data["payload"].(map[string]any)
	assert.Equal(t, "42", payload["answer"])

	_, err = st.GetStepData(context.Background(), "other-run", steps[1].ID)
	var nf *tracerr.NotFoundError
	require.ErrorAs(t, err, &nf, "a step is only addressable under its own run")
}

func TestExportRunPullsAllPages(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UnixMilli()

	var steps []trace.Event
	for i := 0; i < 150; i++ {
		steps = append(steps, stepEvent("r1", uint64(i+2), now+int64(i)+1, trace.EventCustom,
			trace.CustomPayload{Name: "tick", Payload: i}))
	}
	writeRun(t, st, "r1", "demo", now, steps...)

	exported, err := st.ExportRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, exported.Steps, 151, "export is not capped by the read page size")
	assert.Equal(t, "r1", exported.Run.ID)
}

func TestUnknownCodecRefused(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UnixMilli()
	writeRun(t, st, "r1", "demo", now)

	_, err := st.DB().Exec(
		`INSERT INTO steps (run_id, event_type, timestamp_ms, blob, blob_codec) VALUES (?, ?, ?, ?, ?)`,
		"r1", "custom", now+1, []byte("{}"), "redact=1;zstd=1;aesgcm=0")
	require.NoError(t, err)

	_, err = st.GetSteps(context.Background(), "r1", nil, 50, 0)
	require.Error(t, err, "a codec this reader does not understand must be refused, not guessed")
}

func TestPruneScenario(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UnixMilli()
	tenDaysAgo := now - 10*24*3600*1000
	fortyDaysAgo := now - 40*24*3600*1000

	writeRun(t, st, "recent", "keep-me", tenDaysAgo,
		stepEvent("recent", 2, tenDaysAgo+1, trace.EventCustom, trace.CustomPayload{Name: "x"}))
	writeRun(t, st, "ancient", "drop-me", fortyDaysAgo,
		stepEvent("ancient", 2, fortyDaysAgo+1, trace.EventCustom, trace.CustomPayload{Name: "x"}))

	n, err := st.Prune(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = st.GetRun(context.Background(), "ancient")
	var nf *tracerr.NotFoundError
	require.ErrorAs(t, err, &nf)

	// Its steps are gone too; no orphans remain.
	var orphans int
	require.NoError(t, st.DB().QueryRow(
		`SELECT COUNT(*) FROM steps WHERE run_id NOT IN (SELECT id FROM runs)`).Scan(&orphans))
	assert.Zero(t, orphans)

	recent, err := st.GetRun(context.Background(), "recent")
	require.NoError(t, err)
	assert.Equal(t, 2, recent.StepCount)
}

func TestStats(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UnixMilli()

	writeRun(t, st, "r1", "a", now,
		stepEvent("r1", 2, now+1, trace.EventLLMCall, trace.LLMCallPayload{Model: "m", Prompt: "p", Response: "r"}),
		stepEvent("r1", 3, now+2, trace.EventLLMCall, trace.LLMCallPayload{Model: "m", Prompt: "p", Response: "r"}),
	)
	writeRun(t, st, "r2", "b", now)

	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalRuns)
	assert.Equal(t, int64(2), stats.RunsByStatus["running"])
	assert.Equal(t, int64(2), stats.StepsByType["llm_call"])
	assert.Equal(t, int64(2), stats.StepsByType["run_start"])
	assert.Equal(t, int64(4), stats.TotalSteps)
	assert.Positive(t, stats.DBSizeBytes)
}

func TestVacuumAndBackup(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UnixMilli()
	writeRun(t, st, "r1", "demo", now)

	require.NoError(t, st.Vacuum(context.Background()))

	backupPath := filepath.Join(t.TempDir(), "snapshot.db")
	require.NoError(t, st.Backup(context.Background(), backupPath))

	info, err := os.Stat(backupPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	// Refuses to clobber an existing file.
	require.Error(t, st.Backup(context.Background(), backupPath))

	// The snapshot opens as a working database.
	pipeline, _ := trace.NewPipeline(trace.DefaultConfig())
	snap, err := Open(context.Background(), Config{Path: backupPath}, pipeline)
	require.NoError(t, err)
	defer snap.Close()
	run, err := snap.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "demo", run.Name)
}

func TestBlobPreservedByteExact(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UnixMilli()

	blob := []byte{0x00, 0xff, 0x1f, 0x8b, 0x00, 0x42}
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		if err := EnsureRun(context.Background(), tx, Run{ID: "r1", Name: "n", StartedAtMs: now}); err != nil {
			return err
		}
		return InsertStep(context.Background(), tx, Step{
			RunID: "r1", EventType: trace.EventCustom, TimestampMs: now,
			Blob: blob, BlobCodec: trace.Codec{Redacted: true}.String(),
		})
	})
	require.NoError(t, err)

	var stored []byte
	require.NoError(t, st.DB().QueryRow(`SELECT blob FROM steps WHERE run_id = 'r1'`).Scan(&stored))
	assert.Equal(t, blob, stored, "the store never re-encodes a blob")
}
