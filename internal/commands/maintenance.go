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
	"fmt"

	"github.com/spf13/cobra"
)

// NewPruneCommand creates the prune command.
func NewPruneCommand(env *Env) *cobra.Command {
	var retentionDays int
	var vacuum bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := env.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			days := retentionDays
			if days < 0 {
				days = cfg.RetentionDays
			}

			n, err := st.Prune(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d run(s) older than %d day(s)\n", n, days)

			if vacuum {
				if err := st.Vacuum(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Vacuumed")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&retentionDays, "retention-days", -1, "Retention window in days (default: configured retention_days)")
	cmd.Flags().BoolVar(&vacuum, "vacuum", false, "Reclaim free space after pruning")
	return cmd
}

// NewVacuumCommand creates the vacuum command.
func NewVacuumCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Reclaim free space in the trace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := env.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Vacuum(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Vacuumed")
			return nil
		},
	}
}

// NewBackupCommand creates the backup command.
func NewBackupCommand(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <path>",
		Short: "Write an atomic snapshot of the trace database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := env.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Backup(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backed up to %s\n", args[0])
			return nil
		},
	}
}
