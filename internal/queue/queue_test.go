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

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huginn/huginn/pkg/trace"
)

func event(typ trace.EventType, id uint64) trace.Event {
	return trace.Event{
		Envelope: trace.Envelope{EventID: id, RunID: "r", Type: typ, TimestampMs: 1, Status: trace.StatusOK},
		Payload:  trace.CustomPayload{Name: "t"},
	}
}

func TestTrySubmitWithinCapacity(t *testing.T) {
	q := New(4)
	for i := uint64(1); i <= 4; i++ {
		require.True(t, q.TrySubmit(event(trace.EventToolCall, i)))
	}
	assert.Equal(t, 4, q.Len())
	assert.Zero(t, q.TotalDropped())
}

func TestTrySubmitOverflowDropsAndCounts(t *testing.T) {
	q := New(4)
	for i := uint64(1); i <= 10; i++ {
		q.TrySubmit(event(trace.EventToolCall, i))
	}
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, int64(6), q.Dropped(trace.EventToolCall))
	assert.Equal(t, int64(6), q.TotalDropped())
	assert.Zero(t, q.Dropped(trace.EventLLMCall), "only the overflowing type's counter moves")
}

func TestSubmitBlockingWaitsForCapacity(t *testing.T) {
	q := New(1)
	require.True(t, q.TrySubmit(event(trace.EventToolCall, 1)))

	done := make(chan bool)
	go func() {
		done <- q.SubmitBlocking(context.Background(), event(trace.EventRunEnd, 2), time.Second)
	}()

	// Free one slot; the blocked submit should take it.
	<-q.Chan()
	assert.True(t, <-done)
	assert.Zero(t, q.Dropped(trace.EventRunEnd))
}

func TestSubmitBlockingTimesOut(t *testing.T) {
	q := New(1)
	require.True(t, q.TrySubmit(event(trace.EventToolCall, 1)))

	start := time.Now()
	ok := q.SubmitBlocking(context.Background(), event(trace.EventRunEnd, 2), 30*time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, int64(1), q.Dropped(trace.EventRunEnd))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSubmitBlockingHonorsContext(t *testing.T) {
	q := New(1)
	require.True(t, q.TrySubmit(event(trace.EventToolCall, 1)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	ok := q.SubmitBlocking(ctx, event(trace.EventRunEnd, 2), time.Minute)
	assert.False(t, ok)
}

func TestConcurrentProducers(t *testing.T) {
	q := New(1024)
	var wg sync.WaitGroup
	const producers = 8
	const perProducer = 100

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.TrySubmit(event(trace.EventLLMCall, uint64(i)))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, q.Len())
	assert.Zero(t, q.TotalDropped())
}

func TestFIFOOrder(t *testing.T) {
	q := New(16)
	for i := uint64(1); i <= 5; i++ {
		q.TrySubmit(event(trace.EventToolCall, i))
	}
	for i := uint64(1); i <= 5; i++ {
		e := <-q.Chan()
		assert.Equal(t, i, e.EventID)
	}
}
