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

// Package huginn assembles the tracing runtime: the durable store, the
// per-event pipeline, the storage exporter, the bounded queue, the
// background worker, and the public Trace facade on top of them all.
//
// Simple callers do:
//
//	rt, err := huginn.Open(ctx, trace.DefaultConfig())
//	defer rt.Shutdown(context.Background())
//
//	rt.Trace().Run(ctx, "demo", func(ctx context.Context) error {
//		rt.Trace().LLM(ctx, "model", "hi", "hello")
//		return nil
//	})
package huginn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/huginn/huginn/internal/export"
	"github.com/huginn/huginn/internal/queue"
	"github.com/huginn/huginn/internal/store"
	"github.com/huginn/huginn/internal/worker"
	"github.com/huginn/huginn/pkg/trace"
)

// ShutdownTimeout is the hard bound on draining the worker at shutdown.
const ShutdownTimeout = 5 * time.Second

// Runtime owns every component behind one Trace instance. All of it is
// torn down by Shutdown, which the Trace facade also reaches through
// Trace.Shutdown.
type Runtime struct {
	tr    *trace.Trace
	st    *store.Store
	q     *queue.Queue
	w     *worker.Worker
	strge *export.Storage
}

// Option customizes Open.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	sampler   trace.Sampler
	exporters []export.Exporter
}

// WithLogger injects the structured logger shared by the worker and
// exporters. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSampler replaces the default deterministic hash sampler.
func WithSampler(s trace.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithExporter adds an exporter alongside the storage exporter; batches
// fan out to all of them through a composite, and one exporter's failure
// never starves the others.
func WithExporter(e export.Exporter) Option {
	return func(o *options) { o.exporters = append(o.exporters, e) }
}

// Open validates cfg, opens the store at cfg.DBPath, and starts the
// background worker. The returned Runtime must be shut down to flush
// buffered events.
func Open(ctx context.Context, cfg trace.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	pipeline, err := trace.NewPipeline(cfg)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, store.Config{Path: cfg.DBPath}, pipeline)
	if err != nil {
		return nil, err
	}

	storage := export.NewStorage(st, store.Ops(), pipeline, 0)
	var exp export.Exporter = storage
	if len(o.exporters) > 0 {
		all := append([]export.Exporter{storage}, o.exporters...)
		exp = export.NewComposite(all, func(i int, err error) {
			logger.Error("exporter failed", "exporter", i, "error", err)
		})
	}
	if err := exp.Initialize(ctx); err != nil {
		st.Close()
		return nil, err
	}

	q := queue.New(cfg.QueueSize)
	w := worker.New(q, exp, logger, cfg.BatchSize, time.Duration(cfg.BatchTimeoutMs)*time.Millisecond)
	w.Start(context.Background())

	rt := &Runtime{st: st, q: q, w: w, strge: storage}

	shutdown := func(ctx context.Context) error {
		w.Stop(ShutdownTimeout)
		expErr := exp.Shutdown(ctx)
		closeErr := st.Close()
		return errors.Join(expErr, closeErr)
	}

	tr, err := trace.New(cfg, o.sampler, q, shutdown, logger)
	if err != nil {
		shutdown(ctx)
		return nil, err
	}
	rt.tr = tr
	return rt, nil
}

// Init opens a Runtime and installs its Trace as the process-wide default
// reachable through trace.GetTrace, for callers that instrument through
// the package-level facade rather than an injected instance.
func Init(ctx context.Context, cfg trace.Config, opts ...Option) (*Runtime, error) {
	rt, err := Open(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	trace.SetTrace(rt.Trace())
	return rt, nil
}

// Trace returns the emission facade.
func (rt *Runtime) Trace() *trace.Trace {
	return rt.tr
}

// Store returns the durable store for the read-side consumers (HTTP API,
// CLI).
func (rt *Runtime) Store() *store.Store {
	return rt.st
}

// Queue exposes the ingestion queue for operational metrics.
func (rt *Runtime) Queue() *queue.Queue {
	return rt.q
}

// Worker exposes the background worker for operational metrics.
func (rt *Runtime) Worker() *worker.Worker {
	return rt.w
}

// StorageExporter exposes the default exporter for its drop counter.
func (rt *Runtime) StorageExporter() *export.Storage {
	return rt.strge
}

// Shutdown drains and stops everything. Idempotent; delegates to the
// facade so both entry points share one shutdown path.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	return rt.tr.Shutdown(ctx)
}
