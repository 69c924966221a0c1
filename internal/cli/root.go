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

// Package cli holds the root Cobra command scaffolding and exit-code
// handling shared by every subcommand.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	tracerr "github.com/huginn/huginn/pkg/errors"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitConfigError = 3
	ExitNotFound    = 4
)

// Flags shared across subcommands, bound by NewRootCommand.
type Flags struct {
	ConfigPath string
	DBPath     string
	LogLevel   string
	LogFormat  string
}

// NewRootCommand creates the root Cobra command for huginn.
func NewRootCommand(version string, flags *Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "huginn",
		Short: "huginn - local-first observability for AI agents",
		Long: `Huginn captures the semantic events an AI agent emits during a run
(LLM calls, tool invocations, memory access, errors, final answers),
persists them durably, and serves them back through a query API.

Run 'huginn init' to create a configuration file.
Run 'huginn server' to start the read API for the web UI.`,
		Version:       version,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	RegisterGlobalFlags(cmd.PersistentFlags(), flags)

	return cmd
}

// RegisterGlobalFlags binds the shared flags onto a flag set, so tests
// can exercise parsing without building the whole command tree.
func RegisterGlobalFlags(fs *pflag.FlagSet, flags *Flags) {
	fs.StringVar(&flags.ConfigPath, "config", "", "Path to config file (default: ~/.config/huginn/config.yaml)")
	fs.StringVar(&flags.DBPath, "db-path", "", "Path to the trace database (overrides config)")
	fs.StringVar(&flags.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	fs.StringVar(&flags.LogFormat, "log-format", "", "Log format: json, text")
}

// HandleExitError prints err and exits with a code matching its kind.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())

	var ce *tracerr.ConfigError
	if errors.As(err, &ce) {
		os.Exit(ExitConfigError)
	}
	var nf *tracerr.NotFoundError
	if errors.As(err, &nf) {
		os.Exit(ExitNotFound)
	}
	os.Exit(ExitFailure)
}
