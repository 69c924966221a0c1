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

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huginn/huginn/internal/queue"
	"github.com/huginn/huginn/pkg/trace"
)

// recordingExporter captures exported batches; optionally fails some.
type recordingExporter struct {
	mu      sync.Mutex
	batches [][]trace.Event
	fail    bool
}

func (r *recordingExporter) Initialize(ctx context.Context) error { return nil }

func (r *recordingExporter) ExportBatch(ctx context.Context, events []trace.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("export refused")
	}
	batch := make([]trace.Event, len(events))
	copy(batch, events)
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recordingExporter) Shutdown(ctx context.Context) error { return nil }

func (r *recordingExporter) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recordingExporter) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func submitN(q *queue.Queue, n int) {
	for i := 0; i < n; i++ {
		q.TrySubmit(trace.Event{
			Envelope: trace.Envelope{EventID: uint64(i + 1), RunID: "r", Type: trace.EventToolCall, TimestampMs: int64(i), Status: trace.StatusOK},
			Payload:  trace.ToolCallPayload{ToolName: "t"},
		})
	}
}

func TestWorkerFlushesFullBatch(t *testing.T) {
	q := queue.New(64)
	exp := &recordingExporter{}
	w := New(q, exp, nil, 10, time.Hour)

	w.Start(context.Background())
	defer w.Stop(time.Second)

	submitN(q, 10)
	require.Eventually(t, func() bool { return exp.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, exp.batches[0], 10)
}

func TestWorkerFlushesPartialBatchOnTimeout(t *testing.T) {
	q := queue.New(64)
	exp := &recordingExporter{}
	w := New(q, exp, nil, 100, 30*time.Millisecond)

	w.Start(context.Background())
	defer w.Stop(time.Second)

	submitN(q, 3)
	require.Eventually(t, func() bool { return exp.eventCount() == 3 }, time.Second, 5*time.Millisecond)
}

func TestWorkerPreservesOrder(t *testing.T) {
	q := queue.New(256)
	exp := &recordingExporter{}
	w := New(q, exp, nil, 7, 10*time.Millisecond)

	w.Start(context.Background())
	submitN(q, 50)
	require.Eventually(t, func() bool { return exp.eventCount() == 50 }, time.Second, 5*time.Millisecond)
	w.Stop(time.Second)

	var ids []uint64
	exp.mu.Lock()
	for _, b := range exp.batches {
		for _, e := range b {
			ids = append(ids, e.EventID)
		}
	}
	exp.mu.Unlock()
	for i, id := range ids {
		assert.Equal(t, uint64(i+1), id, "FIFO order must survive batching")
	}
}

func TestWorkerSurvivesExporterFailure(t *testing.T) {
	q := queue.New(64)
	exp := &recordingExporter{fail: true}
	w := New(q, exp, nil, 5, 10*time.Millisecond)

	w.Start(context.Background())
	defer w.Stop(time.Second)

	submitN(q, 5)
	require.Eventually(t, func() bool { return w.BatchesFailed() >= 1 }, time.Second, 5*time.Millisecond)

	// A later batch still gets processed after the failure.
	exp.mu.Lock()
	exp.fail = false
	exp.mu.Unlock()
	submitN(q, 5)
	require.Eventually(t, func() bool { return exp.eventCount() == 5 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, w.BatchesExported(), int64(1))
}

func TestWorkerStopDrainsPending(t *testing.T) {
	q := queue.New(64)
	exp := &recordingExporter{}
	// Long timeout so nothing flushes before Stop; a batch size well
	// below the queued count forces the drain through several batches.
	w := New(q, exp, nil, 5, time.Hour)

	w.Start(context.Background())
	submitN(q, 23)
	w.Stop(time.Second)

	assert.Equal(t, 23, exp.eventCount(), "stop must flush everything queued, not one batch")
	assert.GreaterOrEqual(t, exp.batchCount(), 5)

	var ids []uint64
	exp.mu.Lock()
	for _, b := range exp.batches {
		assert.LessOrEqual(t, len(b), 5, "drain must respect the batch size")
		for _, e := range b {
			ids = append(ids, e.EventID)
		}
	}
	exp.mu.Unlock()
	for i, id := range ids {
		assert.Equal(t, uint64(i+1), id, "drain preserves emission order")
	}
}

func TestWorkerStopIdempotent(t *testing.T) {
	q := queue.New(8)
	exp := &recordingExporter{}
	w := New(q, exp, nil, 10, time.Hour)

	w.Start(context.Background())
	w.Stop(time.Second)
	w.Stop(time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Stop(time.Second)
		}()
	}
	wg.Wait()
}
