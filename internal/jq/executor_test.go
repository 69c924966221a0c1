package jq

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestExecutorExecute(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		data       any
		want       any
		wantErr    bool
	}{
		{
			name:       "empty expression returns document as-is",
			expression: "",
			data:       map[string]any{"run": map[string]any{"id": "r1"}},
			want:       map[string]any{"run": map[string]any{"id": "r1"}},
		},
		{
			name:       "field extraction",
			expression: ".run.id",
			data:       map[string]any{"run": map[string]any{"id": "r1"}},
			want:       "r1",
		},
		{
			name:       "select steps by event type",
			expression: `.steps | map(select(.event_type == "llm_call")) | length`,
			data: map[string]any{"steps": []any{
				map[string]any{"event_type": "llm_call"},
				map[string]any{"event_type": "tool_call"},
				map[string]any{"event_type": "llm_call"},
			}},
			want: 2,
		},
		{
			name:       "invalid expression",
			expression: ".[",
			data:       map[string]any{},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)
			got, err := executor.Execute(context.Background(), tt.expression, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Execute() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestExecutorValidate(t *testing.T) {
	executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)

	if err := executor.Validate(""); err != nil {
		t.Errorf("empty expression should be valid, got %v", err)
	}
	if err := executor.Validate(".steps[] | .payload"); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := executor.Validate(".["); err == nil {
		t.Error("invalid expression accepted")
	}
}

func TestExecutorTimeout(t *testing.T) {
	executor := NewExecutor(100*time.Millisecond, DefaultMaxInputSize)

	// This expression never terminates on its own.
	_, err := executor.Execute(context.Background(), "while(true; . + 1)", 0)
	if err == nil {
		t.Error("Execute() expected timeout error, got nil")
	}
}
