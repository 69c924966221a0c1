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

// Package metrics exposes the runtime's operational counters (queue
// depth, drops, batch outcomes) as Prometheus metrics through the
// OpenTelemetry metric SDK. These instruments describe the service
// itself, not the traced agent's data.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/huginn/huginn/internal/export"
	"github.com/huginn/huginn/internal/queue"
	"github.com/huginn/huginn/internal/worker"
	"github.com/huginn/huginn/pkg/trace"
)

var eventTypes = []trace.EventType{
	trace.EventRunStart,
	trace.EventRunEnd,
	trace.EventLLMCall,
	trace.EventToolCall,
	trace.EventMemoryRead,
	trace.EventMemoryWrite,
	trace.EventError,
	trace.EventFinalAnswer,
	trace.EventCustom,
}

// Collector registers observable instruments over the runtime's existing
// atomic counters; nothing on the hot path ever touches the metric SDK.
type Collector struct {
	provider *sdkmetric.MeterProvider
}

// NewCollector wires instruments over the queue, worker, and storage
// exporter. The prometheus exporter registers with the default registry,
// so Handler() serves everything.
func NewCollector(q *queue.Queue, w *worker.Worker, storage *export.Storage) (*Collector, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExporter))
	meter := provider.Meter("huginn")

	queueDepth, err := meter.Int64ObservableGauge(
		"huginn_queue_depth",
		metric.WithDescription("Events currently buffered in the ingestion queue"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	eventsDropped, err := meter.Int64ObservableCounter(
		"huginn_events_dropped_total",
		metric.WithDescription("Events dropped, by event type and reason"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	batchesExported, err := meter.Int64ObservableCounter(
		"huginn_batches_exported_total",
		metric.WithDescription("Batches successfully handed to the exporter"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	batchesFailed, err := meter.Int64ObservableCounter(
		"huginn_batches_failed_total",
		metric.WithDescription("Batches the exporter rejected after retries"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(queueDepth, int64(q.Len()))
		for _, et := range eventTypes {
			if n := q.Dropped(et); n > 0 {
				obs.ObserveInt64(eventsDropped, n, metric.WithAttributes(
					attribute.String("event_type", string(et)),
					attribute.String("reason", "queue_full"),
				))
			}
		}
		if storage != nil {
			if n := storage.Dropped(); n > 0 {
				obs.ObserveInt64(eventsDropped, n, metric.WithAttributes(
					attribute.String("event_type", "any"),
					attribute.String("reason", "export"),
				))
			}
		}
		if w != nil {
			obs.ObserveInt64(batchesExported, w.BatchesExported())
			obs.ObserveInt64(batchesFailed, w.BatchesFailed())
		}
		return nil
	}, queueDepth, eventsDropped, batchesExported, batchesFailed)
	if err != nil {
		return nil, err
	}

	return &Collector{provider: provider}, nil
}

// Handler returns the /metrics endpoint. The OpenTelemetry prometheus
// exporter registers with the default Prometheus registry, so
// promhttp.Handler() exposes them.
func (c *Collector) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (c *Collector) Shutdown(ctx context.Context) error {
	return c.provider.Shutdown(ctx)
}
