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

package commands

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/huginn/huginn/internal/config"
	"github.com/huginn/huginn/pkg/trace"
)

// NewInitCommand creates the init command, which scaffolds a config
// file. In a terminal it walks through an interactive form; otherwise it
// writes the development defaults straight away.
func NewInitCommand(env *Env) *cobra.Command {
	var force bool
	var profile string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a huginn configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := env.configPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}

			f := &config.File{
				Profile: profile,
				DBPath:  "huginn.db",
			}

			if term.IsTerminal(int(os.Stdin.Fd())) {
				if err := runInitForm(f); err != nil {
					return err
				}
			}

			// The production preset turns encryption on; scaffold key
			// material unless the operator already supplies their own
			// through the environment.
			generatedKey := false
			if f.Profile == trace.PresetProduction && os.Getenv("TRACE_ENCRYPTION_KEY") == "" {
				key, err := trace.GenerateEncryptionKey()
				if err != nil {
					return err
				}
				f.EncryptionKey = base64.StdEncoding.EncodeToString(key)
				generatedKey = true
			}

			// Resolve once before writing so a bad interactive answer is
			// rejected here, not at first server start.
			if _, err := config.Resolve(f); err != nil {
				return err
			}
			if err := config.Save(path, f); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			if generatedKey {
				fmt.Fprintf(cmd.OutOrStdout(), "Generated a fresh encryption key and stored it in %s (mode 0600). Back it up: blobs encrypted with it are unreadable without it.\n", path)
			} else if f.Profile == trace.PresetProduction {
				fmt.Fprintln(cmd.OutOrStdout(), "Production profile enables encryption: using the key from TRACE_ENCRYPTION_KEY.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	cmd.Flags().StringVar(&profile, "profile", trace.PresetDevelopment, "Profile to scaffold: production, development, or debug")
	return cmd
}

func runInitForm(f *config.File) error {
	var redact string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Profile").
				Description("Preset for sampling, compression, and encryption").
				Options(
					huh.NewOption("Development (sample 50%, compressed)", trace.PresetDevelopment),
					huh.NewOption("Production (sample 1%, compressed, encrypted)", trace.PresetProduction),
					huh.NewOption("Debug (sample everything, batch of 1)", trace.PresetDebug),
				).
				Value(&f.Profile),
			huh.NewInput().
				Title("Database path").
				Value(&f.DBPath),
			huh.NewInput().
				Title("Redacted keys").
				Description("Comma-separated payload keys to mask, e.g. api_key,password").
				Value(&redact),
		),
	)

	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			return fmt.Errorf("init aborted")
		}
		return err
	}

	f.RedactKeys = splitCommaList(redact)
	return nil
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
