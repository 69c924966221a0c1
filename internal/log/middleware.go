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

package log

import (
	"log/slog"
)

// HTTPRequest represents one served HTTP request for logging purposes.
type HTTPRequest struct {
	// Method is the HTTP method.
	Method string

	// Path is the request path.
	Path string

	// RemoteAddr is the remote address of the client.
	RemoteAddr string

	// Status is the response status code.
	Status int

	// DurationMs is the time spent serving the request in milliseconds.
	DurationMs int64

	// Metadata contains additional request metadata.
	Metadata map[string]interface{}
}

// LogHTTPRequest logs one served request at a level matching its outcome:
// 5xx at error, 4xx at warn, everything else at info.
func LogHTTPRequest(logger *slog.Logger, req *HTTPRequest) {
	attrs := []any{
		"method", req.Method,
		"path", req.Path,
		"remote", req.RemoteAddr,
		"status", req.Status,
		DurationKey, req.DurationMs,
	}
	for k, v := range req.Metadata {
		attrs = append(attrs, k, v)
	}

	switch {
	case req.Status >= 500:
		logger.Error("http request", attrs...)
	case req.Status >= 400:
		logger.Warn("http request", attrs...)
	default:
		logger.Info("http request", attrs...)
	}
}

// BatchExport records one exporter batch for logging purposes.
type BatchExport struct {
	// Size is the number of events in the batch.
	Size int

	// DurationMs is the export duration in milliseconds.
	DurationMs int64

	// Err is the export error, if any.
	Err error
}

// LogBatchExport logs one exporter batch outcome.
func LogBatchExport(logger *slog.Logger, b *BatchExport) {
	if b.Err != nil {
		logger.Error("batch export failed",
			BatchSizeKey, b.Size,
			DurationKey, b.DurationMs,
			"error", b.Err)
		return
	}
	logger.Debug("batch exported",
		BatchSizeKey, b.Size,
		DurationKey, b.DurationMs)
}
