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

package trace

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Submitter is the facade's only view of the ingestion queue: an
// immediate, non-blocking submit for the hot path, and a bounded wait
// reserved for run_end when block_on_run_end is configured.
type Submitter interface {
	TrySubmit(Event) bool
	SubmitBlocking(ctx context.Context, e Event, timeout time.Duration) bool
}

// Trace is the public emission API. Instrumented code acquires run
// scopes through Run and emits events through the typed emitters; every
// emitter is a cheap envelope stamp plus a queue handoff, and none of
// them ever surfaces an error into agent code.
//
// All exported methods tolerate a nil receiver so that code instrumented
// against GetTrace keeps working, silently untraced, before any instance
// has been installed.
type Trace struct {
	cfg     Config
	sampler Sampler
	sub     Submitter
	log     *slog.Logger

	// shutdownFn is injected by the assembler and tears down the worker,
	// exporters, and store behind this instance.
	shutdownFn func(context.Context) error

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds a Trace over an already-assembled queue. cfg is validated
// here; a Config that fails validation never produces an instance.
// sampler defaults to HashSampler, logger to slog.Default().
func New(cfg Config, sampler Sampler, sub Submitter, shutdown func(context.Context) error, logger *slog.Logger) (*Trace, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sampler == nil {
		sampler = HashSampler{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trace{
		cfg:        cfg,
		sampler:    sampler,
		sub:        sub,
		log:        logger,
		shutdownFn: shutdown,
	}, nil
}

// Config returns the immutable configuration this instance was built with.
func (t *Trace) Config() Config {
	if t == nil {
		return Config{}
	}
	return t.cfg
}

// defaultTrace is the process-wide instance for simple callers; richer
// programs construct their own Trace and inject it at the edges.
var defaultTrace atomic.Pointer[Trace]

// SetTrace installs t as the process-wide default instance, primarily for
// dependency injection in tests and for the lazy-initialized convenience
// default.
func SetTrace(t *Trace) {
	defaultTrace.Store(t)
}

// GetTrace returns the process-wide default instance, or nil when none
// has been installed. A nil Trace is safe to use: runs execute untraced.
func GetTrace() *Trace {
	return defaultTrace.Load()
}

// RunContext is the per-run state: identity, the cached sampling
// decision, the monotonic event counter, and the only-on-error buffer.
// One RunContext is shared by every goroutine that inherits the run's
// context; all of its state is synchronized internally.
type RunContext struct {
	t      *Trace
	runID  string
	name   string
	traced bool

	userID      *string
	sessionID   *string
	parentRunID *string
	metadata    map[string]any

	startMs     int64
	nextEventID atomic.Uint64
	ended       atomic.Bool

	bufMu  sync.Mutex
	buffer []Event
}

// RunID returns the run's opaque identifier.
func (rc *RunContext) RunID() string {
	if rc == nil {
		return ""
	}
	return rc.runID
}

// Name returns the run's label.
func (rc *RunContext) Name() string {
	if rc == nil {
		return ""
	}
	return rc.name
}

// Traced reports the run's cached sampling decision.
func (rc *RunContext) Traced() bool {
	return rc != nil && rc.traced
}

// RunOption customizes a run scope at entry.
type RunOption func(*runOptions)

type runOptions struct {
	userID    *string
	sessionID *string
	metadata  map[string]any
}

// WithUserID attaches a user identifier to the run row.
func WithUserID(id string) RunOption {
	return func(o *runOptions) { o.userID = &id }
}

// WithSessionID attaches a session identifier to the run row.
func WithSessionID(id string) RunOption {
	return func(o *runOptions) { o.sessionID = &id }
}

// WithRunMetadata attaches caller metadata to the run. The map is carried
// on the run_start event and participates in redaction.
func WithRunMetadata(m map[string]any) RunOption {
	return func(o *runOptions) { o.metadata = m }
}

// Run executes fn inside a new run scope. The run_end terminator is
// guaranteed on every exit path: normal return emits run_end(completed),
// an error return emits error + run_end(failed), and a panic emits a
// critical error + run_end(failed) before re-panicking. Cancelling the
// caller's context takes the error path once fn returns ctx.Err().
//
// The run context is installed on the context handed to fn, so nested Run
// scopes become child runs and emitters called with that context attach
// their events to this run.
func (t *Trace) Run(ctx context.Context, name string, fn func(context.Context) error, opts ...RunOption) (err error) {
	if fn == nil {
		return nil
	}
	if t == nil {
		return fn(ctx)
	}

	rc := t.newRun(ctx, name, opts...)
	runCtx := ContextWith(ctx, rc)

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			rc.emit(rc.newEvent(EventError, StatusError, ErrorPayload{
				ErrorType:    fmt.Sprintf("%T", r),
				ErrorMessage: fmt.Sprintf("%v", r),
				Critical:     true,
				Stack:        &stack,
			}, nil))
			rc.end(RunStatusFailed)
			panic(r)
		}
	}()

	err = fn(runCtx)
	if err != nil {
		rc.emit(rc.newEvent(EventError, StatusError, ErrorPayload{
			ErrorType:    fmt.Sprintf("%T", err),
			ErrorMessage: err.Error(),
			Critical:     false,
		}, nil))
		rc.end(RunStatusFailed)
		return err
	}
	rc.end(RunStatusCompleted)
	return nil
}

func (t *Trace) newRun(ctx context.Context, name string, opts ...RunOption) *RunContext {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	runID := uuid.NewString()
	rc := &RunContext{
		t:         t,
		runID:     runID,
		name:      name,
		userID:    o.userID,
		sessionID: o.sessionID,
		metadata:  o.metadata,
		startMs:   time.Now().UnixMilli(),
		traced:    !t.closed.Load() && t.sampler.ShouldSample(runID, name, t.cfg),
	}
	if parent := FromContext(ctx); parent != nil {
		id := parent.runID
		rc.parentRunID = &id
	}

	start := rc.newEvent(EventRunStart, StatusInfo, RunStartPayload{
		Name:        name,
		UserID:      rc.userID,
		SessionID:   rc.sessionID,
		ParentRunID: rc.parentRunID,
	}, rc.metadata)
	rc.emit(start)
	return rc
}

// EventOption customizes a single emitted event.
type EventOption func(*eventOptions)

type eventOptions struct {
	status     *Status
	durationMs *int64
	metadata   map[string]any
	tokens     *int
	latencyMs  *int64
	stack      *string
}

// WithStatus overrides the event's default status.
func WithStatus(s Status) EventOption {
	return func(o *eventOptions) { o.status = &s }
}

// WithDurationMs records how long the observed operation took.
func WithDurationMs(ms int64) EventOption {
	return func(o *eventOptions) { o.durationMs = &ms }
}

// WithEventMetadata attaches caller metadata to one event.
func WithEventMetadata(m map[string]any) EventOption {
	return func(o *eventOptions) { o.metadata = m }
}

// WithTokens records the total token count on an llm_call event.
func WithTokens(n int) EventOption {
	return func(o *eventOptions) { o.tokens = &n }
}

// WithLatencyMs records provider latency on an llm_call event.
func WithLatencyMs(ms int64) EventOption {
	return func(o *eventOptions) { o.latencyMs = &ms }
}

// WithStack attaches a stack trace to an error event.
func WithStack(stack string) EventOption {
	return func(o *eventOptions) { o.stack = &stack }
}

// LLM emits an llm_call event on the active run. A no-op when ctx carries
// no run or the run is untraced.
func (t *Trace) LLM(ctx context.Context, model string, prompt, response any, opts ...EventOption) {
	rc := t.active(ctx)
	if rc == nil {
		return
	}
	o := applyEventOptions(opts)
	rc.emitWith(EventLLMCall, StatusOK, LLMCallPayload{
		Model:       model,
		Prompt:      prompt,
		Response:    response,
		TotalTokens: o.tokens,
		LatencyMs:   o.latencyMs,
	}, o)
}

// Tool emits a tool_call event on the active run.
func (t *Trace) Tool(ctx context.Context, toolName string, args, result any, opts ...EventOption) {
	rc := t.active(ctx)
	if rc == nil {
		return
	}
	o := applyEventOptions(opts)
	rc.emitWith(EventToolCall, StatusOK, ToolCallPayload{
		ToolName:   toolName,
		ToolArgs:   args,
		ToolResult: result,
	}, o)
}

// MemoryRead emits a memory_read event on the active run.
func (t *Trace) MemoryRead(ctx context.Context, key string, value any, memoryType string, opts ...EventOption) {
	rc := t.active(ctx)
	if rc == nil {
		return
	}
	o := applyEventOptions(opts)
	rc.emitWith(EventMemoryRead, StatusOK, MemoryReadPayload{
		MemoryKey:   key,
		MemoryValue: value,
		MemoryType:  memoryType,
	}, o)
}

// MemoryWrite emits a memory_write event on the active run.
func (t *Trace) MemoryWrite(ctx context.Context, key string, value any, memoryType string, overwrite bool, opts ...EventOption) {
	rc := t.active(ctx)
	if rc == nil {
		return
	}
	o := applyEventOptions(opts)
	rc.emitWith(EventMemoryWrite, StatusOK, MemoryWritePayload{
		MemoryKey:   key,
		MemoryValue: value,
		MemoryType:  memoryType,
		Overwrite:   overwrite,
	}, o)
}

// Error emits an error event on the active run. It does not end the run;
// the Run scope's exit path decides the final status.
func (t *Trace) Error(ctx context.Context, err error, critical bool, opts ...EventOption) {
	rc := t.active(ctx)
	if rc == nil || err == nil {
		return
	}
	o := applyEventOptions(opts)
	rc.emitWith(EventError, StatusError, ErrorPayload{
		ErrorType:    fmt.Sprintf("%T", err),
		ErrorMessage: err.Error(),
		Critical:     critical,
		Stack:        o.stack,
	}, o)
}

// Final emits a final_answer event on the active run.
func (t *Trace) Final(ctx context.Context, answer any, opts ...EventOption) {
	rc := t.active(ctx)
	if rc == nil {
		return
	}
	o := applyEventOptions(opts)
	rc.emitWith(EventFinalAnswer, StatusOK, FinalAnswerPayload{Answer: answer}, o)
}

// Emit emits a custom event on the active run. Custom events go through
// the full pipeline like every built-in tag.
func (t *Trace) Emit(ctx context.Context, name string, payload any, opts ...EventOption) {
	rc := t.active(ctx)
	if rc == nil {
		return
	}
	o := applyEventOptions(opts)
	rc.emitWith(EventCustom, StatusInfo, CustomPayload{Name: name, Payload: payload}, o)
}

// Shutdown stops accepting new runs, drains the worker, and shuts the
// exporters and store down. It is idempotent: repeated calls return the
// first call's result.
func (t *Trace) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.closed.Store(true)
	t.shutdownOnce.Do(func() {
		if t.shutdownFn != nil {
			t.shutdownErr = t.shutdownFn(ctx)
		}
	})
	return t.shutdownErr
}

func (t *Trace) active(ctx context.Context) *RunContext {
	if t == nil {
		return nil
	}
	rc := FromContext(ctx)
	if rc == nil || !rc.traced {
		return nil
	}
	return rc
}

func applyEventOptions(opts []EventOption) eventOptions {
	var o eventOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// rootEventID is the run_start event's id; every later event in the run
// parents to it so the timeline nests under the run's opening step.
const rootEventID uint64 = 1

func (rc *RunContext) newEvent(typ EventType, status Status, payload Payload, metadata map[string]any) Event {
	id := rc.nextEventID.Add(1)
	env := Envelope{
		EventID:     id,
		RunID:       rc.runID,
		Type:        typ,
		TimestampMs: time.Now().UnixMilli(),
		Status:      status,
		Metadata:    metadata,
	}
	if id != rootEventID {
		parent := rootEventID
		env.ParentEventID = &parent
	}
	return Event{Envelope: env, Payload: payload}
}

func (rc *RunContext) emitWith(typ EventType, status Status, payload Payload, o eventOptions) {
	if o.status != nil {
		status = *o.status
	}
	e := rc.newEvent(typ, status, payload, o.metadata)
	e.DurationMs = o.durationMs
	rc.emit(e)
}

// emit routes one event toward the queue, honoring the run's sampling
// decision, the post-run_end drop rule, and only-on-error buffering.
func (rc *RunContext) emit(e Event) {
	if !rc.traced {
		return
	}
	if rc.ended.Load() {
		rc.t.log.Warn("event emitted after run_end, dropped",
			"run_id", rc.runID, "event_type", string(e.Type))
		return
	}
	if rc.t.cfg.OnlyOnError {
		rc.bufMu.Lock()
		rc.buffer = append(rc.buffer, e)
		rc.bufMu.Unlock()
		return
	}
	rc.t.sub.TrySubmit(e)
}

// end emits the run terminator exactly once. With only_on_error set, a
// failed run first flushes the buffered events in emission order and a
// completed run discards them, leaving nothing persisted.
func (rc *RunContext) end(status RunStatus) {
	if !rc.ended.CompareAndSwap(false, true) {
		return
	}
	if !rc.traced {
		return
	}

	now := time.Now().UnixMilli()
	duration := now - rc.startMs
	e := Event{
		Envelope: Envelope{
			EventID:     rc.nextEventID.Add(1),
			RunID:       rc.runID,
			Type:        EventRunEnd,
			TimestampMs: now,
			DurationMs:  &duration,
			Status:      StatusInfo,
		},
		Payload: RunEndPayload{FinalStatus: status},
	}
	parent := rootEventID
	e.ParentEventID = &parent

	if rc.t.cfg.OnlyOnError {
		rc.bufMu.Lock()
		buffered := rc.buffer
		rc.buffer = nil
		rc.bufMu.Unlock()
		if status != RunStatusFailed {
			return
		}
		for _, be := range buffered {
			rc.t.sub.TrySubmit(be)
		}
	}

	if rc.t.cfg.BlockOnRunEnd {
		timeout := time.Duration(rc.t.cfg.RunEndBlockTimeoutMs) * time.Millisecond
		rc.t.sub.SubmitBlocking(context.Background(), e, timeout)
		return
	}
	rc.t.sub.TrySubmit(e)
}
