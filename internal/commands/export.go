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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/huginn/huginn/internal/jq"
	"github.com/huginn/huginn/internal/store"
)

// NewExportCommand creates the export command: a JSON dump of one run
// (or all runs) with fully decoded payloads, optionally filtered through
// a jq expression.
func NewExportCommand(env *Env) *cobra.Command {
	var all bool
	var limit int
	var output string
	var jqExpr string

	cmd := &cobra.Command{
		Use:   "export [run_id]",
		Short: "Export a run's full decoded timeline as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("either a run_id or --all is required")
			}
			if all && len(args) > 0 {
				return fmt.Errorf("--all and a run_id are mutually exclusive")
			}
			if err := jq.NewExecutor(0, 0).Validate(jqExpr); err != nil {
				return err
			}

			st, _, err := env.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			var doc any
			if all {
				runs, _, err := st.ListRuns(cmd.Context(), store.ListRunsFilter{Limit: min(limit, 100)})
				if err != nil {
					return err
				}
				exports := make([]store.ExportedRun, 0, len(runs))
				for _, r := range runs {
					exported, err := st.ExportRun(cmd.Context(), r.ID)
					if err != nil {
						return err
					}
					exports = append(exports, exported)
				}
				doc = exports
			} else {
				exported, err := st.ExportRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				doc = exported
			}

			if jqExpr != "" {
				// gojq operates on the generic JSON tree, so round-trip
				// the typed export shape through encoding/json first.
				raw, err := json.Marshal(doc)
				if err != nil {
					return err
				}
				var tree any
				if err := json.Unmarshal(raw, &tree); err != nil {
					return err
				}
				doc, err = jq.NewExecutor(0, 0).Execute(cmd.Context(), jqExpr, tree)
				if err != nil {
					return fmt.Errorf("jq filter: %w", err)
				}
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}

			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Export every run (newest first)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to export with --all")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to a file instead of stdout")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter the exported JSON through a jq expression")
	return cmd
}
