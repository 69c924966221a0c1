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

// Package queue implements the bounded, non-blocking submission channel
// between producers (instrumented code) and the background worker.
//
// A Go buffered channel is the bounded queue itself: capacity is fixed at
// construction, sends are lock-free under the runtime's own channel
// internals, and a `select`/`default` pair gives the non-blocking overflow
// policy for free. This package only adds the drop counters on top.
package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/huginn/huginn/pkg/trace"
)

// Queue is a fixed-capacity, concurrency-safe channel of events with
// per-event-type drop counters.
type Queue struct {
	ch    chan trace.Event
	drops map[trace.EventType]*atomic.Int64
	total atomic.Int64
}

// New creates a Queue with the given capacity (>= 1).
func New(capacity int) *Queue {
	return &Queue{
		ch: make(chan trace.Event, capacity),
		drops: map[trace.EventType]*atomic.Int64{
			trace.EventRunStart:    {},
			trace.EventRunEnd:      {},
			trace.EventLLMCall:     {},
			trace.EventToolCall:    {},
			trace.EventMemoryRead:  {},
			trace.EventMemoryWrite: {},
			trace.EventError:       {},
			trace.EventFinalAnswer: {},
			trace.EventCustom:      {},
		},
	}
}

// TrySubmit is the default, non-blocking submission mode. If the channel
// is full the event is dropped immediately and the per-type drop counter
// is incremented; the caller is never blocked on I/O or a held lock.
func (q *Queue) TrySubmit(e trace.Event) (submitted bool) {
	select {
	case q.ch <- e:
		return true
	default:
		q.recordDrop(e.Type)
		return false
	}
}

// SubmitBlocking is the bounded-wait submission mode, used only for
// run_end when block_on_run_end is configured: it waits up to timeout for
// capacity before dropping.
func (q *Queue) SubmitBlocking(ctx context.Context, e trace.Event, timeout time.Duration) (submitted bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q.ch <- e:
		return true
	default:
	}

	select {
	case q.ch <- e:
		return true
	case <-timer.C:
		q.recordDrop(e.Type)
		return false
	case <-ctx.Done():
		q.recordDrop(e.Type)
		return false
	}
}

// Chan exposes the receive side for the worker. Only one consumer should
// ever range/receive from it.
func (q *Queue) Chan() <-chan trace.Event {
	return q.ch
}

func (q *Queue) recordDrop(t trace.EventType) {
	c, ok := q.drops[t]
	if !ok {
		return
	}
	c.Add(1)
	q.total.Add(1)
}

// Dropped returns the cumulative drop count for a given event type.
func (q *Queue) Dropped(t trace.EventType) int64 {
	c, ok := q.drops[t]
	if !ok {
		return 0
	}
	return c.Load()
}

// TotalDropped returns the cumulative drop count across all event types.
func (q *Queue) TotalDropped() int64 {
	return q.total.Load()
}

// Len reports the number of events currently buffered, for the queue
// depth gauge.
func (q *Queue) Len() int {
	return len(q.ch)
}
