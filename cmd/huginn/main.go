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

package main

import (
	"github.com/huginn/huginn/internal/cli"
	"github.com/huginn/huginn/internal/commands"
)

// Version information (injected via ldflags at build time)
var version = "dev"

func main() {
	var flags cli.Flags
	env := &commands.Env{Version: version, Flags: &flags}

	root := cli.NewRootCommand(version, &flags)
	root.AddCommand(
		commands.NewInitCommand(env),
		commands.NewServerCommand(env),
		commands.NewStatsCommand(env),
		commands.NewPruneCommand(env),
		commands.NewVacuumCommand(env),
		commands.NewBackupCommand(env),
		commands.NewExportCommand(env),
		commands.NewConfigCommand(env),
	)

	if err := root.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
