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

// Package commands implements the huginn CLI subcommands: a thin surface
// over the config layer and the durable store.
package commands

import (
	"context"
	"log/slog"

	"github.com/huginn/huginn/internal/cli"
	"github.com/huginn/huginn/internal/config"
	"github.com/huginn/huginn/internal/log"
	"github.com/huginn/huginn/internal/store"
	"github.com/huginn/huginn/pkg/trace"
)

// Env carries the root command's global flags into each subcommand.
type Env struct {
	Version string
	Flags   *cli.Flags
}

// configPath resolves the config file location: --config flag, then the
// XDG default.
func (e *Env) configPath() (string, error) {
	if e.Flags.ConfigPath != "" {
		return e.Flags.ConfigPath, nil
	}
	return config.Path()
}

// load reads the config file and resolves it into a validated
// trace.Config, applying the --db-path flag override last.
func (e *Env) load() (trace.Config, *config.File, error) {
	path, err := e.configPath()
	if err != nil {
		return trace.Config{}, nil, err
	}
	f, err := config.Load(path)
	if err != nil {
		return trace.Config{}, nil, err
	}
	cfg, err := config.Resolve(f)
	if err != nil {
		return trace.Config{}, nil, err
	}
	if e.Flags.DBPath != "" {
		cfg.DBPath = e.Flags.DBPath
	}
	return cfg, f, nil
}

// openStore opens the durable store read-side for stats, prune, export.
func (e *Env) openStore(ctx context.Context) (*store.Store, trace.Config, error) {
	cfg, _, err := e.load()
	if err != nil {
		return nil, trace.Config{}, err
	}
	pipeline, err := trace.NewPipeline(cfg)
	if err != nil {
		return nil, trace.Config{}, err
	}
	st, err := store.Open(ctx, store.Config{Path: cfg.DBPath}, pipeline)
	if err != nil {
		return nil, trace.Config{}, err
	}
	return st, cfg, nil
}

// logger builds the structured logger from flags and TRACE_* env.
func (e *Env) logger() *slog.Logger {
	cfg := log.FromEnv()
	if e.Flags.LogLevel != "" {
		cfg.Level = e.Flags.LogLevel
	}
	if e.Flags.LogFormat != "" {
		cfg.Format = log.Format(e.Flags.LogFormat)
	}
	return log.New(cfg)
}
