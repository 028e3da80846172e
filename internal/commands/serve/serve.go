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

// Package serve implements the command that runs the server.
package serve

import (
	"github.com/spf13/cobra"

	"github.com/beer-garden/beergarden/internal/commands/shared"
	"github.com/beer-garden/beergarden/internal/config"
	"github.com/beer-garden/beergarden/internal/daemon"
)

type options struct {
	port      int
	pluginDir string
	noAuth    bool
}

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Beer-garden server",
		Long: `Start the Beer-garden server: the REST API, the scheduler and the
local plugin runners. Runs until interrupted.`,
		Example: `  # Start with defaults
  beergarden serve

  # Start with a config file and a different port
  beergarden serve --config /etc/beergarden/config.yaml --port 8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			v, _, _ := shared.GetVersion()
			return daemon.Run(cfg, daemon.Options{Version: v})
		},
	}

	cmd.Flags().IntVar(&opts.port, "port", 0, "Port to bind the API to (overrides config)")
	cmd.Flags().StringVar(&opts.pluginDir, "plugin-dir", "", "Local plugin directory (overrides config)")
	cmd.Flags().BoolVar(&opts.noAuth, "no-auth", false, "Disable authentication")
	return cmd
}

// loadConfig reads the config file and applies flag overrides, which only
// count when the flag was set explicitly.
func loadConfig(cmd *cobra.Command, opts options) (*config.Config, error) {
	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return nil, shared.NewConfigError("failed to load configuration", err)
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = opts.port
	}
	if cmd.Flags().Changed("plugin-dir") {
		cfg.Plugin.Local.Directory = opts.pluginDir
	}
	if opts.noAuth {
		cfg.Auth.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, shared.NewConfigError("invalid configuration", err)
	}
	return cfg, nil
}
