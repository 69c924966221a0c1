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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huginn/huginn/pkg/trace"
)

type stubExporter struct {
	batches int
	fail    bool
	down    bool
}

func (s *stubExporter) Initialize(ctx context.Context) error { return nil }

func (s *stubExporter) ExportBatch(ctx context.Context, events []trace.Event) error {
	if s.fail {
		return errors.New("refused")
	}
	s.batches++
	return nil
}

func (s *stubExporter) Shutdown(ctx context.Context) error {
	s.down = true
	return nil
}

func TestCompositeFansOutPastFailures(t *testing.T) {
	failing := &stubExporter{fail: true}
	healthy := &stubExporter{}
	var reported []int
	c := NewComposite([]Exporter{failing, healthy}, func(i int, err error) {
		reported = append(reported, i)
	})

	batch := []trace.Event{mkEvent(trace.EventCustom, "r1", 1, trace.CustomPayload{Name: "x"})}
	require.NoError(t, c.ExportBatch(context.Background(), batch))

	assert.Equal(t, 1, healthy.batches, "a failing member must not starve the others")
	assert.Equal(t, []int{0}, reported)
}

func TestCompositeShutdownReachesAll(t *testing.T) {
	a := &stubExporter{}
	b := &stubExporter{}
	c := NewComposite([]Exporter{a, b}, nil)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.True(t, a.down)
	assert.True(t, b.down)
}

func TestCompositeNilOnErrorIsSafe(t *testing.T) {
	c := NewComposite([]Exporter{&stubExporter{fail: true}}, nil)
	batch := []trace.Event{mkEvent(trace.EventCustom, "r1", 1, trace.CustomPayload{Name: "x"})}
	require.NoError(t, c.ExportBatch(context.Background(), batch))
}
