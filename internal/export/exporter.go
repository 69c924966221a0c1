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

// Package export defines the exporter contract and its concrete
// implementations: the durable Storage exporter, a fan-out Composite, and
// an optional OTel exporter whose transport is OTLP or console output.
package export

import (
	"context"

	"github.com/huginn/huginn/pkg/trace"
)

// Exporter is the contract every batch consumer implements: initialize,
// export_batch, shutdown. export_batch must be safe to call repeatedly and
// must not panic on partial per-event failure; it reports only batch-level
// success to the caller, logging individual event failures itself.
type Exporter interface {
	Initialize(ctx context.Context) error
	ExportBatch(ctx context.Context, events []trace.Event) error
	Shutdown(ctx context.Context) error
}

// Composite fans a batch out to every configured exporter in order. One
// failing exporter does not prevent the others from receiving the batch;
// each failure is reported and the fan-out continues.
type Composite struct {
	exporters []Exporter
	onError   func(exporterIndex int, err error)
}

// NewComposite builds a Composite over the given exporters in fan-out
// order. onError, if non-nil, is invoked for every per-exporter failure
// (callers typically wire this to a logger).
func NewComposite(exporters []Exporter, onError func(int, error)) *Composite {
	return &Composite{exporters: exporters, onError: onError}
}

// Initialize implements Exporter, initializing every member in order and
// continuing past individual failures.
func (c *Composite) Initialize(ctx context.Context) error {
	for i, e := range c.exporters {
		if err := e.Initialize(ctx); err != nil {
			c.reportError(i, err)
		}
	}
	return nil
}

// ExportBatch implements Exporter, fanning the batch out to every member.
func (c *Composite) ExportBatch(ctx context.Context, events []trace.Event) error {
	for i, e := range c.exporters {
		if err := e.ExportBatch(ctx, events); err != nil {
			c.reportError(i, err)
		}
	}
	return nil
}

// Shutdown implements Exporter, shutting down every member and continuing
// past individual failures.
func (c *Composite) Shutdown(ctx context.Context) error {
	for i, e := range c.exporters {
		if err := e.Shutdown(ctx); err != nil {
			c.reportError(i, err)
		}
	}
	return nil
}

func (c *Composite) reportError(i int, err error) {
	if c.onError != nil {
		c.onError(i, err)
	}
}
