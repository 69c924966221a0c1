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
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	tracerr "github.com/huginn/huginn/pkg/errors"
	tracepkg "github.com/huginn/huginn/pkg/trace"
)

// OTLPConfig configures the optional OpenTelemetry-backed exporter.
type OTLPConfig struct {
	// Type selects the transport: "otlp-grpc", "otlp-http", or "console".
	Type     string
	Endpoint string
	Insecure bool
	TLS      *tls.Config
	Headers  map[string]string
}

// OTel is an Exporter implementation that re-expresses each stored
// Event as a minimal OpenTelemetry span and ships it via the OTLP SDK.
// It is always an alternative to the Storage exporter, never the
// default.
type OTel struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewOTel builds the OTel exporter for the given config.
func NewOTel(ctx context.Context, cfg OTLPConfig) (*OTel, error) {
	spanExporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("huginn"),
	))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)

	return &OTel{
		provider: provider,
		tracer:   provider.Tracer("github.com/huginn/huginn"),
	}, nil
}

func newSpanExporter(ctx context.Context, cfg OTLPConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Type {
	case "otlp-http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		client := otlptracehttp.NewClient(opts...)
		return otlptrace.New(ctx, client)
	case "console":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp-grpc", "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		} else if cfg.TLS != nil {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(cfg.TLS)))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		client := otlptracegrpc.NewClient(opts...)
		return otlptrace.New(ctx, client)
	default:
		return nil, &tracerr.ConfigError{Key: "otlp_type", Reason: fmt.Sprintf("unknown exporter type %q", cfg.Type)}
	}
}

// Initialize implements Exporter. The OTel SDK exporters are ready to use
// immediately after construction, so this is a no-op.
func (o *OTel) Initialize(ctx context.Context) error {
	return nil
}

// ExportBatch implements Exporter, converting each event to a span and
// ending it immediately (events are already-completed observations, not
// live spans).
func (o *OTel) ExportBatch(ctx context.Context, events []tracepkg.Event) error {
	for _, e := range events {
		spanCtx := spanContextFor(e)
		childCtx := oteltrace.ContextWithSpanContext(ctx, spanCtx)
		_, span := o.tracer.Start(childCtx, string(e.Type), oteltrace.WithTimestamp(msToTime(e.TimestampMs)))
		span.SetAttributes(
			attribute.String("huginn.run_id", e.RunID),
			attribute.String("huginn.event_type", string(e.Type)),
			attribute.String("huginn.status", string(e.Status)),
		)
		endOpts := []oteltrace.SpanEndOption{}
		if e.DurationMs != nil {
			endOpts = append(endOpts, oteltrace.WithTimestamp(msToTime(e.TimestampMs+*e.DurationMs)))
		}
		span.End(endOpts...)
	}
	return nil
}

// Shutdown implements Exporter, flushing and shutting down the underlying
// TracerProvider.
func (o *OTel) Shutdown(ctx context.Context) error {
	return o.provider.Shutdown(ctx)
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// spanContextFor derives a deterministic trace/span ID pair from the
// event's run_id and event_id so that spans for the same run share a
// trace ID, matching the grouping a real distributed tracer would give
// the equivalent spans.
func spanContextFor(e tracepkg.Event) oteltrace.SpanContext {
	var traceID oteltrace.TraceID
	copy(traceID[:], []byte(e.RunID))

	var spanID oteltrace.SpanID
	binary.BigEndian.PutUint64(spanID[:], e.EventID)

	return oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: oteltrace.FlagsSampled,
	})
}
