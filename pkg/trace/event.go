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

// Package trace defines the tagged-variant event model emitted during an
// agent run and the public facade used by instrumented code to emit it.
package trace

// EventType tags the variant a Step carries.
type EventType string

const (
	EventRunStart    EventType = "run_start"
	EventRunEnd      EventType = "run_end"
	EventLLMCall     EventType = "llm_call"
	EventToolCall    EventType = "tool_call"
	EventMemoryRead  EventType = "memory_read"
	EventMemoryWrite EventType = "memory_write"
	EventError       EventType = "error"
	EventFinalAnswer EventType = "final_answer"
	EventCustom      EventType = "custom"
)

// Status is the outcome of a single step.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
	StatusInfo  Status = "info"
)

// RunStatus is the lifecycle state of a Run. Transitions are restricted
// to running->completed and running->failed.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Envelope carries the fields shared by every event, regardless of payload
// variant. Envelope fields are never subject to redaction.
type Envelope struct {
	EventID       uint64
	RunID         string
	ParentEventID *uint64
	Type          EventType
	TimestampMs   int64
	DurationMs    *int64
	Status        Status
	Metadata      map[string]any
}

// Event is one observation within a run: an Envelope plus a tag-specific
// Payload. Construction produces an immutable value; callers must not
// mutate a Payload's map/slice fields after handing the Event to the queue.
type Event struct {
	Envelope
	Payload Payload
}

// Payload is implemented by every tag-specific variant below. Fields
// returns the payload's data as a tree that participates in redaction:
// map[string]any, []any, and scalars only, so the pipeline always
// traverses a plain JSON-shaped tree.
type Payload interface {
	Fields() map[string]any
}

type RunStartPayload struct {
	Name        string
	UserID      *string
	SessionID   *string
	ParentRunID *string
}

func (p RunStartPayload) Fields() map[string]any {
	f := map[string]any{"name": p.Name}
	if p.UserID != nil {
		f["user_id"] = *p.UserID
	}
	if p.SessionID != nil {
		f["session_id"] = *p.SessionID
	}
	if p.ParentRunID != nil {
		f["parent_run_id"] = *p.ParentRunID
	}
	return f
}

type RunEndPayload struct {
	FinalStatus RunStatus
}

func (p RunEndPayload) Fields() map[string]any {
	return map[string]any{"final_status": string(p.FinalStatus)}
}

type LLMCallPayload struct {
	Model       string
	Prompt      any
	Response    any
	TotalTokens *int
	LatencyMs   *int64
}

func (p LLMCallPayload) Fields() map[string]any {
	f := map[string]any{
		"model":    p.Model,
		"prompt":   p.Prompt,
		"response": p.Response,
	}
	if p.TotalTokens != nil {
		f["total_tokens"] = *p.TotalTokens
	}
	if p.LatencyMs != nil {
		f["latency_ms"] = *p.LatencyMs
	}
	return f
}

type ToolCallPayload struct {
	ToolName   string
	ToolArgs   any
	ToolResult any
}

func (p ToolCallPayload) Fields() map[string]any {
	return map[string]any{
		"tool_name":   p.ToolName,
		"tool_args":   p.ToolArgs,
		"tool_result": p.ToolResult,
	}
}

type MemoryReadPayload struct {
	MemoryKey   string
	MemoryValue any
	MemoryType  string
}

func (p MemoryReadPayload) Fields() map[string]any {
	return map[string]any{
		"memory_key":   p.MemoryKey,
		"memory_value": p.MemoryValue,
		"memory_type":  p.MemoryType,
	}
}

type MemoryWritePayload struct {
	MemoryKey   string
	MemoryValue any
	MemoryType  string
	Overwrite   bool
}

func (p MemoryWritePayload) Fields() map[string]any {
	return map[string]any{
		"memory_key":   p.MemoryKey,
		"memory_value": p.MemoryValue,
		"memory_type":  p.MemoryType,
		"overwrite":    p.Overwrite,
	}
}

type ErrorPayload struct {
	ErrorType    string
	ErrorMessage string
	Critical     bool
	Stack        *string
}

func (p ErrorPayload) Fields() map[string]any {
	f := map[string]any{
		"error_type":    p.ErrorType,
		"error_message": p.ErrorMessage,
		"critical":      p.Critical,
	}
	if p.Stack != nil {
		f["stack"] = *p.Stack
	}
	return f
}

type FinalAnswerPayload struct {
	Answer any
}

func (p FinalAnswerPayload) Fields() map[string]any {
	return map[string]any{"answer": p.Answer}
}

type CustomPayload struct {
	Name    string
	Payload any
}

func (p CustomPayload) Fields() map[string]any {
	return map[string]any{"name": p.Name, "payload": p.Payload}
}

// Encode flattens the event into the record shape the pipeline and store
// operate on: envelope fields at the top level (never redacted) plus a
// "payload" subtree (redaction target). Metadata is nested under the
// payload tree as well, since it is caller-supplied and may carry secrets.
func (e Event) Encode() map[string]any {
	payload := e.Payload.Fields()
	payload["metadata"] = e.Metadata

	rec := map[string]any{
		"event_id":     e.EventID,
		"run_id":       e.RunID,
		"type":         string(e.Type),
		"timestamp_ms": e.TimestampMs,
		"status":       string(e.Status),
		"payload":      payload,
	}
	if e.ParentEventID != nil {
		rec["parent_event_id"] = *e.ParentEventID
	} else {
		rec["parent_event_id"] = nil
	}
	if e.DurationMs != nil {
		rec["duration_ms"] = *e.DurationMs
	} else {
		rec["duration_ms"] = nil
	}
	return rec
}
