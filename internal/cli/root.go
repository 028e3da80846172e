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

// Package cli builds the beergarden root command.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/beer-garden/beergarden/internal/commands/plugin"
	"github.com/beer-garden/beergarden/internal/commands/serve"
	"github.com/beer-garden/beergarden/internal/commands/shared"
	"github.com/beer-garden/beergarden/internal/commands/user"
	versioncmd "github.com/beer-garden/beergarden/internal/commands/version"
)

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beergarden",
		Short: "Beer-garden - plugin orchestration server",
		Long: `Beer-garden runs plugins as remotely invocable systems. It validates
and routes requests to plugin instances over message queues, runs
scheduled jobs and supervises locally installed plugins.

Run 'beergarden serve' to start the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, json, config := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVarP(config, "config", "c", "", "Path to config file")

	cmd.AddCommand(serve.NewCommand())
	cmd.AddCommand(plugin.NewCommand())
	cmd.AddCommand(user.NewCommand())
	cmd.AddCommand(versioncmd.NewCommand())
	return cmd
}
