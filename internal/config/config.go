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

// Package config loads and saves the CLI/server configuration file and
// resolves it into a validated trace.Config. Layering, highest first:
// explicit flags handled by the commands, TRACE_* environment variables,
// the file's explicit fields, the file's profile preset, built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	tracerr "github.com/huginn/huginn/pkg/errors"
	"github.com/huginn/huginn/pkg/trace"
)

// File is the on-disk configuration shape.
type File struct {
	// Profile selects a preset applied before the explicit fields below:
	// production, development, or debug.
	Profile string `yaml:"profile,omitempty"`

	SampleRate           *float64 `yaml:"sample_rate,omitempty"`
	OnlyOnError          *bool    `yaml:"only_on_error,omitempty"`
	QueueSize            *int     `yaml:"queue_size,omitempty"`
	BatchSize            *int     `yaml:"batch_size,omitempty"`
	BatchTimeoutMs       *int     `yaml:"batch_timeout_ms,omitempty"`
	RedactKeys           []string `yaml:"redact_keys,omitempty"`
	RedactPatterns       []string `yaml:"redact_patterns,omitempty"`
	CompressionEnabled   *bool    `yaml:"compression_enabled,omitempty"`
	CompressionLevel     *int     `yaml:"compression_level,omitempty"`
	EncryptionEnabled    *bool    `yaml:"encryption_enabled,omitempty"`
	EncryptionKey        string   `yaml:"encryption_key,omitempty"`
	DBPath               string   `yaml:"db_path,omitempty"`
	RetentionDays        *int     `yaml:"retention_days,omitempty"`
	BlockOnRunEnd        *bool    `yaml:"block_on_run_end,omitempty"`
	RunEndBlockTimeoutMs *int     `yaml:"run_end_block_timeout_ms,omitempty"`

	Server ServerConfig `yaml:"server,omitempty"`
	OTLP   OTLPConfig   `yaml:"otlp,omitempty"`
}

// ServerConfig configures the HTTP API surface.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// APIKeyHash is a bcrypt hash of the expected X-API-Key value, so the
	// key itself is never written to disk. A plaintext key can still be
	// supplied at runtime via TRACE_API_KEY.
	APIKeyHash string `yaml:"api_key_hash,omitempty"`

	// RateLimitPerMinute bounds requests per client IP; 0 (unset) selects
	// the default of 100 and a negative value disables the limit.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute,omitempty"`

	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// OTLPConfig configures the optional OTLP exporter.
type OTLPConfig struct {
	// Type selects the transport: otlp-grpc, otlp-http, or console.
	Type     string            `yaml:"type,omitempty"`
	Endpoint string            `yaml:"endpoint,omitempty"`
	Insecure bool              `yaml:"insecure,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// Dir returns the XDG config directory for huginn, creating it if
// missing. Respects XDG_CONFIG_HOME.
func Dir() (string, error) {
	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}

	dir := filepath.Join(base, "huginn")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// Path returns the full path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the file at path. A missing file is not an error; it yields
// an empty File so every layer below it still applies.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &File{}, nil
	}
	if err != nil {
		return nil, &tracerr.ConfigError{Key: "config_file", Reason: fmt.Sprintf("reading %s", path), Cause: err}
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &tracerr.ConfigError{Key: "config_file", Reason: fmt.Sprintf("parsing %s", path), Cause: err}
	}
	return &f, nil
}

// Save writes f to path with owner-only permissions.
func Save(path string, f *File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return &tracerr.ConfigError{Key: "config_file", Reason: "encoding", Cause: err}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return &tracerr.ConfigError{Key: "config_file", Reason: fmt.Sprintf("creating %s", filepath.Dir(path)), Cause: err}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return &tracerr.ConfigError{Key: "config_file", Reason: fmt.Sprintf("writing %s", path), Cause: err}
	}
	return nil
}

// Resolve starts from the built-in defaults, applies the profile preset,
// layers f's explicit fields on top, then overlays TRACE_* environment
// variables, and finally validates. TRACE_PROFILE overrides the file's
// profile.
func Resolve(f *File) (trace.Config, error) {
	cfg := trace.DefaultConfig()

	profile := f.Profile
	if env := os.Getenv("TRACE_PROFILE"); env != "" {
		profile = env
	}
	if profile != "" {
		if err := trace.ApplyPreset(&cfg, profile); err != nil {
			return trace.Config{}, err
		}
	}

	applyFile(&cfg, f)

	if err := trace.FromEnv(&cfg); err != nil {
		return trace.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return trace.Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *trace.Config, f *File) {
	if f.SampleRate != nil {
		cfg.SampleRate = *f.SampleRate
	}
	if f.OnlyOnError != nil {
		cfg.OnlyOnError = *f.OnlyOnError
	}
	if f.QueueSize != nil {
		cfg.QueueSize = *f.QueueSize
	}
	if f.BatchSize != nil {
		cfg.BatchSize = *f.BatchSize
	}
	if f.BatchTimeoutMs != nil {
		cfg.BatchTimeoutMs = *f.BatchTimeoutMs
	}
	if len(f.RedactKeys) > 0 {
		cfg.RedactKeys = f.RedactKeys
	}
	if len(f.RedactPatterns) > 0 {
		cfg.RedactPatterns = f.RedactPatterns
	}
	if f.CompressionEnabled != nil {
		cfg.CompressionEnabled = *f.CompressionEnabled
	}
	if f.CompressionLevel != nil {
		cfg.CompressionLevel = *f.CompressionLevel
	}
	if f.EncryptionEnabled != nil {
		cfg.EncryptionEnabled = *f.EncryptionEnabled
	}
	if f.EncryptionKey != "" {
		if key, err := trace.DeriveKey(f.EncryptionKey); err == nil {
			cfg.EncryptionKey = key
		}
	}
	if f.DBPath != "" {
		cfg.DBPath = f.DBPath
	}
	if f.RetentionDays != nil {
		cfg.RetentionDays = *f.RetentionDays
	}
	if f.BlockOnRunEnd != nil {
		cfg.BlockOnRunEnd = *f.BlockOnRunEnd
	}
	if f.RunEndBlockTimeoutMs != nil {
		cfg.RunEndBlockTimeoutMs = *f.RunEndBlockTimeoutMs
	}
}
