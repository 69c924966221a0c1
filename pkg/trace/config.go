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
	"os"
	"strconv"
	"strings"

	tracerr "github.com/huginn/huginn/pkg/errors"
)

// Config holds immutable, validated options for a Trace instance.
// Precedence, highest first: explicit struct fields set by the caller >
// environment variables (TRACE_*) > a named preset > built-in defaults.
// Once built via New, a Config is never mutated and may be freely shared.
type Config struct {
	SampleRate           float64
	OnlyOnError          bool
	QueueSize            int
	BatchSize            int
	BatchTimeoutMs       int
	RedactKeys           []string
	RedactPatterns       []string
	CompressionEnabled   bool
	CompressionLevel     int
	EncryptionEnabled    bool
	EncryptionKey        []byte
	DBPath               string
	RetentionDays        int
	BlockOnRunEnd        bool
	RunEndBlockTimeoutMs int
}

// DefaultConfig returns the built-in baseline before presets or environment
// overrides are applied.
func DefaultConfig() Config {
	return Config{
		SampleRate:           1.0,
		OnlyOnError:          false,
		QueueSize:            1024,
		BatchSize:            100,
		BatchTimeoutMs:       1000,
		RedactKeys:           nil,
		RedactPatterns:       nil,
		CompressionEnabled:   false,
		CompressionLevel:     6,
		EncryptionEnabled:    false,
		EncryptionKey:        nil,
		DBPath:               "huginn.db",
		RetentionDays:        30,
		BlockOnRunEnd:        false,
		RunEndBlockTimeoutMs: 1000,
	}
}

// Preset names recognized by ApplyPreset and the TRACE_PROFILE env var.
const (
	PresetProduction  = "production"
	PresetDevelopment = "development"
	PresetDebug       = "debug"
)

// ApplyPreset mutates a Config (intended for use only before New validates
// and freezes it) to the named preset's values.
func ApplyPreset(cfg *Config, name string) error {
	switch name {
	case PresetProduction:
		cfg.SampleRate = 0.01
		cfg.CompressionEnabled = true
		cfg.EncryptionEnabled = true
	case PresetDevelopment:
		cfg.SampleRate = 0.5
		cfg.CompressionEnabled = true
		cfg.EncryptionEnabled = false
	case PresetDebug:
		cfg.SampleRate = 1.0
		cfg.CompressionEnabled = false
		cfg.EncryptionEnabled = false
		cfg.BatchSize = 1
	default:
		return &tracerr.ConfigError{Key: "profile", Reason: "unknown preset " + name}
	}
	return nil
}

// FromEnv overlays TRACE_* environment variables onto cfg. Malformed
// values are rejected rather than silently ignored.
func FromEnv(cfg *Config) error {
	if v := os.Getenv("TRACE_SAMPLE_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &tracerr.ConfigError{Key: "TRACE_SAMPLE_RATE", Reason: "not a float", Cause: err}
		}
		cfg.SampleRate = f
	}
	if v := os.Getenv("TRACE_ONLY_ON_ERROR"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &tracerr.ConfigError{Key: "TRACE_ONLY_ON_ERROR", Reason: "not a bool", Cause: err}
		}
		cfg.OnlyOnError = b
	}
	if v := os.Getenv("TRACE_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &tracerr.ConfigError{Key: "TRACE_QUEUE_SIZE", Reason: "not an int", Cause: err}
		}
		cfg.QueueSize = n
	}
	if v := os.Getenv("TRACE_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &tracerr.ConfigError{Key: "TRACE_BATCH_SIZE", Reason: "not an int", Cause: err}
		}
		cfg.BatchSize = n
	}
	if v := os.Getenv("TRACE_BATCH_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &tracerr.ConfigError{Key: "TRACE_BATCH_TIMEOUT_MS", Reason: "not an int", Cause: err}
		}
		cfg.BatchTimeoutMs = n
	}
	if v := os.Getenv("TRACE_REDACT_KEYS"); v != "" {
		cfg.RedactKeys = splitNonEmpty(v)
	}
	if v := os.Getenv("TRACE_REDACT_PATTERNS"); v != "" {
		cfg.RedactPatterns = splitNonEmpty(v)
	}
	if v := os.Getenv("TRACE_COMPRESSION_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &tracerr.ConfigError{Key: "TRACE_COMPRESSION_ENABLED", Reason: "not a bool", Cause: err}
		}
		cfg.CompressionEnabled = b
	}
	if v := os.Getenv("TRACE_COMPRESSION_LEVEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &tracerr.ConfigError{Key: "TRACE_COMPRESSION_LEVEL", Reason: "not an int", Cause: err}
		}
		cfg.CompressionLevel = n
	}
	if v := os.Getenv("TRACE_ENCRYPTION_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &tracerr.ConfigError{Key: "TRACE_ENCRYPTION_ENABLED", Reason: "not a bool", Cause: err}
		}
		cfg.EncryptionEnabled = b
	}
	if v := os.Getenv("TRACE_ENCRYPTION_KEY"); v != "" {
		key, err := DeriveKey(v)
		if err != nil {
			return &tracerr.ConfigError{Key: "TRACE_ENCRYPTION_KEY", Reason: "invalid key material", Cause: err}
		}
		cfg.EncryptionKey = key
	}
	if v := os.Getenv("TRACE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TRACE_RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &tracerr.ConfigError{Key: "TRACE_RETENTION_DAYS", Reason: "not an int", Cause: err}
		}
		cfg.RetentionDays = n
	}
	if v := os.Getenv("TRACE_BLOCK_ON_RUN_END"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &tracerr.ConfigError{Key: "TRACE_BLOCK_ON_RUN_END", Reason: "not a bool", Cause: err}
		}
		cfg.BlockOnRunEnd = b
	}
	if v := os.Getenv("TRACE_RUN_END_BLOCK_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &tracerr.ConfigError{Key: "TRACE_RUN_END_BLOCK_TIMEOUT_MS", Reason: "not an int", Cause: err}
		}
		cfg.RunEndBlockTimeoutMs = n
	}
	return nil
}

func splitNonEmpty(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects out-of-range values and weak/missing keys when
// encryption is requested. Called once by New; a Config that fails
// validation must never be used to construct a Trace instance.
func (c Config) Validate() error {
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return &tracerr.ConfigError{Key: "sample_rate", Reason: "must be within [0,1]"}
	}
	if c.QueueSize < 1 {
		return &tracerr.ConfigError{Key: "queue_size", Reason: "must be >= 1"}
	}
	if c.BatchSize < 1 {
		return &tracerr.ConfigError{Key: "batch_size", Reason: "must be >= 1"}
	}
	if c.BatchTimeoutMs < 1 {
		return &tracerr.ConfigError{Key: "batch_timeout_ms", Reason: "must be >= 1"}
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		return &tracerr.ConfigError{Key: "compression_level", Reason: "must be within [1,9]"}
	}
	if c.EncryptionEnabled && len(c.EncryptionKey) != 32 {
		return &tracerr.ConfigError{Key: "encryption_key", Reason: "encryption enabled but key is not 32 bytes"}
	}
	if c.RetentionDays < 0 {
		return &tracerr.ConfigError{Key: "retention_days", Reason: "must be >= 0"}
	}
	return nil
}
