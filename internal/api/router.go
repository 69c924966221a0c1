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

// Package api provides the read-only HTTP API over the read store
// contract. Handlers are thin: parse parameters, call the store, write
// JSON.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/huginn/huginn/internal/store"
	"github.com/huginn/huginn/pkg/trace"
)

// ReadStore is the query surface the API consumes. *store.Store
// satisfies it; tests substitute their own.
type ReadStore interface {
	ListRuns(ctx context.Context, f store.ListRunsFilter) ([]store.RunSummary, int, error)
	GetRun(ctx context.Context, runID string) (store.RunSummary, error)
	GetSteps(ctx context.Context, runID string, eventType *trace.EventType, limit, offset int) ([]store.DecodedStep, error)
	GetTimeline(ctx context.Context, runID string) ([]store.TimelineEntry, error)
	GetStepData(ctx context.Context, runID string, stepID int64) (map[string]any, error)
	ExportRun(ctx context.Context, runID string) (store.ExportedRun, error)
	Stats(ctx context.Context) (store.Stats, error)
	Ping(ctx context.Context) error
}

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version string

	// APIKey enables X-API-Key auth with a plaintext expected key.
	APIKey string

	// APIKeyHash enables X-API-Key auth against a bcrypt hash instead of
	// a stored plaintext key. Takes precedence over APIKey.
	APIKeyHash string

	// RateLimitPerMinute bounds requests per client IP; <= 0 disables.
	RateLimitPerMinute int

	// CORSOrigins lists allowed origins for the web UI; empty disables CORS.
	CORSOrigins []string
}

// Router wraps an http.ServeMux with the /v1 read surface and the
// middleware chain.
type Router struct {
	mux     *http.ServeMux
	config  RouterConfig
	reads   ReadStore
	logger  *slog.Logger
	metrics http.Handler
	handler http.Handler
}

// NewRouter builds the router over the given read store. metricsHandler,
// if non-nil, is mounted at /metrics outside the /v1 version namespace.
func NewRouter(cfg RouterConfig, reads ReadStore, logger *slog.Logger, metricsHandler http.Handler) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:     http.NewServeMux(),
		config:  cfg,
		reads:   reads,
		logger:  logger,
		metrics: metricsHandler,
	}
	r.registerRoutes()
	r.handler = chain(r.mux,
		recoverPanics(logger),
		requestLogging(logger),
		apiKeyAuth(cfg.APIKey, cfg.APIKeyHash),
		rateLimit(cfg.RateLimitPerMinute),
		cors(cfg.CORSOrigins),
	)
	return r
}

func (r *Router) registerRoutes() {
	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/runs", r.handleListRuns)
	r.mux.HandleFunc("GET /v1/runs/{id}", r.handleGetRun)
	r.mux.HandleFunc("GET /v1/runs/{id}/steps", r.handleGetSteps)
	r.mux.HandleFunc("GET /v1/runs/{id}/timeline", r.handleGetTimeline)
	r.mux.HandleFunc("GET /v1/runs/{id}/steps/{step_id}/data", r.handleGetStepData)
	r.mux.HandleFunc("GET /v1/runs/{id}/export", r.handleExportRun)
	r.mux.HandleFunc("GET /v1/stats", r.handleStats)
	if r.metrics != nil {
		r.mux.Handle("GET /metrics", r.metrics)
	}
}

// ServeHTTP implements http.Handler through the middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	dbStatus := "ok"
	status := "ok"
	code := http.StatusOK
	if err := r.reads.Ping(req.Context()); err != nil {
		dbStatus = "down"
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
		"database":  dbStatus,
		"version":   r.config.Version,
	})
}

func (r *Router) handleListRuns(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	f := store.ListRunsFilter{Search: q.Get("search")}

	if v := q.Get("status"); v != "" {
		switch trace.RunStatus(v) {
		case trace.RunStatusRunning, trace.RunStatusCompleted, trace.RunStatusFailed:
			st := trace.RunStatus(v)
			f.Status = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid status filter: "+v)
			return
		}
	}
	if v := q.Get("user_id"); v != "" {
		f.UserID = &v
	}
	if v := q.Get("session_id"); v != "" {
		f.SessionID = &v
	}

	var bad string
	f.StartedAfterMs = parseInt64Param(q.Get("started_after"), &bad, "started_after")
	f.StartedBeforeMs = parseInt64Param(q.Get("started_before"), &bad, "started_before")
	if bad != "" {
		writeError(w, http.StatusBadRequest, "invalid parameter: "+bad)
		return
	}

	limit := parseIntDefault(q.Get("limit"), 20)
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	f.Limit = limit

	if page := parseIntDefault(q.Get("page"), 0); page > 0 {
		f.Offset = (page - 1) * limit
	} else {
		f.Offset = parseIntDefault(q.Get("offset"), 0)
	}

	runs, total, err := r.reads.ListRuns(req.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":      runs,
		"total":     total,
		"page":      f.Offset/limit + 1,
		"page_size": limit,
	})
}

func (r *Router) handleGetRun(w http.ResponseWriter, req *http.Request) {
	run, err := r.reads.GetRun(req.Context(), req.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (r *Router) handleGetSteps(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()

	var eventType *trace.EventType
	if v := q.Get("event_type"); v != "" {
		et := trace.EventType(v)
		eventType = &et
	}
	limit := parseIntDefault(q.Get("limit"), 20)
	if limit > 100 {
		limit = 100
	}
	offset := parseIntDefault(q.Get("offset"), 0)

	steps, err := r.reads.GetSteps(req.Context(), req.PathValue("id"), eventType, limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if steps == nil {
		steps = []store.DecodedStep{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (r *Router) handleGetTimeline(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("id")
	if _, err := r.reads.GetRun(req.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	timeline, err := r.reads.GetTimeline(req.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if timeline == nil {
		timeline = []store.TimelineEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeline": timeline})
}

func (r *Router) handleGetStepData(w http.ResponseWriter, req *http.Request) {
	stepID, err := strconv.ParseInt(req.PathValue("step_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid step id")
		return
	}
	data, err := r.reads.GetStepData(req.Context(), req.PathValue("id"), stepID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (r *Router) handleExportRun(w http.ResponseWriter, req *http.Request) {
	exported, err := r.reads.ExportRun(req.Context(), req.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exported)
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.reads.Stats(req.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func parseInt64Param(s string, bad *string, name string) *int64 {
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		*bad = name
		return nil
	}
	return &n
}
