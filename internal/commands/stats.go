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
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(env *Env) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate run and event counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := env.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			p := message.NewPrinter(language.English)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

			fmt.Fprintln(w, "RUNS\tCOUNT")
			for _, status := range sortedKeys(stats.RunsByStatus) {
				fmt.Fprintf(w, "%s\t%s\n", status, p.Sprintf("%d", stats.RunsByStatus[status]))
			}
			fmt.Fprintf(w, "total\t%s\n", p.Sprintf("%d", stats.TotalRuns))
			fmt.Fprintln(w, "\t")

			fmt.Fprintln(w, "EVENTS\tCOUNT")
			for _, et := range sortedKeys(stats.StepsByType) {
				fmt.Fprintf(w, "%s\t%s\n", et, p.Sprintf("%d", stats.StepsByType[et]))
			}
			fmt.Fprintf(w, "total\t%s\n", p.Sprintf("%d", stats.TotalSteps))
			fmt.Fprintln(w, "\t")

			fmt.Fprintf(w, "database size\t%s bytes\n", p.Sprintf("%d", stats.DBSizeBytes))
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
