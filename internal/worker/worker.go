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

// Package worker runs the single background goroutine that drains
// the ingestion queue into fixed-size, time-bounded batches and hands each
// one to the configured Exporter.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huginn/huginn/internal/export"
	"github.com/huginn/huginn/internal/log"
	"github.com/huginn/huginn/internal/queue"
	"github.com/huginn/huginn/pkg/trace"
)

// Worker drains one Queue into batches of at most BatchSize, flushed
// either when the batch fills or when the batch timer fires, whichever
// comes first. The timer restarts after every flush, so a partial batch
// waits at most BatchTimeout.
type Worker struct {
	q        *queue.Queue
	exporter export.Exporter
	log      *slog.Logger

	batchSize    int
	batchTimeout time.Duration

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	batchesExported atomic.Int64
	batchesFailed   atomic.Int64
}

// New builds a Worker. batchSize <= 0 defaults to 50; batchTimeout <= 0
// defaults to 5s.
func New(q *queue.Queue, exporter export.Exporter, log *slog.Logger, batchSize int, batchTimeout time.Duration) *Worker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		q:            q,
		exporter:     exporter,
		log:          log,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		done:         make(chan struct{}),
	}
}

// Start launches the background drain loop. Stop shuts it down; calls
// after the first are no-ops.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	batch := make([]trace.Event, 0, w.batchSize)
	timer := time.NewTimer(w.batchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.export(ctx, batch)
		batch = make([]trace.Event, 0, w.batchSize)
	}

	for {
		select {
		case e, ok := <-w.q.Chan():
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= w.batchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.batchTimeout)
			}

		case <-timer.C:
			flush()
			timer.Reset(w.batchTimeout)

		case <-w.done:
			w.drainRemaining(&batch, flush)
			flush()
			return

		case <-ctx.Done():
			w.drainRemaining(&batch, flush)
			flush()
			return
		}
	}
}

// drainRemaining empties the channel at shutdown time, flushing a full
// batch to the exporter each time one fills, so a graceful stop strands
// nothing that was already queued. The receive is non-blocking, so the
// loop ends as soon as the channel is dry; Stop's timeout bounds the
// whole drain including the export calls.
func (w *Worker) drainRemaining(batch *[]trace.Event, flush func()) {
	for {
		select {
		case e, ok := <-w.q.Chan():
			if !ok {
				return
			}
			*batch = append(*batch, e)
			if len(*batch) >= w.batchSize {
				flush()
			}
		default:
			return
		}
	}
}

// export hands one batch to the exporter. A batch export failure is
// logged and the batch is dropped; it never panics and never blocks the
// worker loop indefinitely. A batch failure must never kill the worker.
func (w *Worker) export(ctx context.Context, batch []trace.Event) {
	start := time.Now()
	err := w.exporter.ExportBatch(ctx, batch)
	log.LogBatchExport(w.log, &log.BatchExport{
		Size:       len(batch),
		DurationMs: time.Since(start).Milliseconds(),
		Err:        err,
	})
	if err != nil {
		w.batchesFailed.Add(1)
		return
	}
	w.batchesExported.Add(1)
}

// Stop signals the worker to drain and flush, then blocks until it has
// exited or timeout elapses, whichever comes first. Calling Stop more
// than once is a no-op beyond the first call.
func (w *Worker) Stop(timeout time.Duration) {
	w.stopOnce.Do(func() { close(w.done) })

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(timeout):
		w.log.Warn("worker shutdown timed out", "timeout", timeout)
	}
}

// BatchesExported reports the cumulative count of successfully exported
// batches, for the metrics surface.
func (w *Worker) BatchesExported() int64 {
	return w.batchesExported.Load()
}

// BatchesFailed reports the cumulative count of batches the exporter
// rejected outright.
func (w *Worker) BatchesFailed() int64 {
	return w.batchesFailed.Load()
}
