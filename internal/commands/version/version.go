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

// Package version implements the version command.
package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/beer-garden/beergarden/internal/commands/shared"
)

// Info contains version metadata
type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	BuildDate  string `json:"build_date"`
	APIVersion string `json:"api_version"`
}

// NewCommand creates the version command
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE:  runVersion,
	}
}

func runVersion(cmd *cobra.Command, args []string) error {
	v, c, b := shared.GetVersion()
	info := Info{Version: v, Commit: c, BuildDate: b, APIVersion: "v1"}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, info)
	}
	fmt.Fprintf(out, "beergarden version %s\n", info.Version)
	fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("commit:    "), info.Commit)
	fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("build date:"), info.BuildDate)
	fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("api:       "), info.APIVersion)
	return nil
}
