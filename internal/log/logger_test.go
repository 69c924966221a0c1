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
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	logger.Info("hello", RunIDKey, "r-1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "hello" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry[RunIDKey] != "r-1" {
		t.Errorf("%s = %v", RunIDKey, entry[RunIDKey])
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})
	logger.Info("hello")

	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text format, got %q", buf.String())
	}
}

func TestNewLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Debug("dropped")
	logger.Info("dropped too")
	if buf.Len() != 0 {
		t.Errorf("below-threshold records should be suppressed, got %q", buf.String())
	}

	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn record missing: %q", buf.String())
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("TRACE_DEBUG", "")
	t.Setenv("TRACE_LOG_LEVEL", "error")
	t.Setenv("TRACE_LOG_FORMAT", "text")
	t.Setenv("TRACE_LOG_SOURCE", "1")

	cfg := FromEnv()
	if cfg.Level != "error" {
		t.Errorf("Level = %q", cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("Format = %q", cfg.Format)
	}
	if !cfg.AddSource {
		t.Error("AddSource should be enabled")
	}
}

func TestFromEnvDebugPrecedence(t *testing.T) {
	t.Setenv("TRACE_DEBUG", "true")
	t.Setenv("TRACE_LOG_LEVEL", "error")

	cfg := FromEnv()
	if cfg.Level != "debug" {
		t.Errorf("TRACE_DEBUG should win over TRACE_LOG_LEVEL, got %q", cfg.Level)
	}
	if !cfg.AddSource {
		t.Error("TRACE_DEBUG should enable source logging")
	}
}

func TestWithRunContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithRunContext(logger, "run-123", "checkout-agent").Info("step done")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry[RunIDKey] != "run-123" {
		t.Errorf("%s = %v", RunIDKey, entry[RunIDKey])
	}
	if entry["run_name"] != "checkout-agent" {
		t.Errorf("run_name = %v", entry["run_name"])
	}
}

func TestSanitizeAPIKey(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"sk-abcdef123456", "...3456"},
		{"abcd", "[REDACTED]"},
		{"", "[REDACTED]"},
	}
	for _, tt := range tests {
		if got := SanitizeAPIKey(tt.input); got != tt.want {
			t.Errorf("SanitizeAPIKey(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestTraceLevel(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	Trace(logger, "blob detail", Int("size", 42))
	if buf.Len() != 0 {
		t.Errorf("trace records should be suppressed at debug level, got %q", buf.String())
	}

	logger = New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})
	Trace(logger, "blob detail", Int("size", 42))
	if !strings.Contains(buf.String(), "blob detail") {
		t.Errorf("trace record missing at trace level: %q", buf.String())
	}
}
