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

package plugin

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/beer-garden/beergarden/internal/commands/shared"
	"github.com/beer-garden/beergarden/internal/runner"
)

type listEntry struct {
	Dir    string   `json:"dir"`
	Plugin *summary `json:"plugin,omitempty"`
	Error  string   `json:"error,omitempty"`
}

type listResponse struct {
	shared.JSONResponse
	Plugins []listEntry `json:"plugins"`
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <dir>",
		Short: "List the plugins in a plugin directory",
		Long: `List every subdirectory of a plugin directory that holds a beer.conf,
with its validation status.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := scan(args[0])
			if err != nil {
				return err
			}
			return printList(cmd.OutOrStdout(), entries)
		},
	}
}

// scan loads every plugin under root. A directory without a beer.conf is
// not a plugin and is skipped.
func scan(root string) ([]listEntry, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	var entries []listEntry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(root, d.Name())
		if _, err := os.Stat(filepath.Join(dir, runner.ConfigFileName)); err != nil {
			continue
		}
		entry := listEntry{Dir: d.Name()}
		if cfg, err := runner.LoadConfig(dir, quiet); err != nil {
			entry.Error = err.Error()
		} else {
			entry.Plugin = summarize(cfg)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func printList(out io.Writer, entries []listEntry) error {
	if shared.GetJSON() {
		resp := listResponse{JSONResponse: shared.NewResponse("plugin list"), Plugins: entries}
		if resp.Plugins == nil {
			resp.Plugins = []listEntry{}
		}
		return shared.EmitJSON(out, resp)
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No plugins found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DIR\tNAME\tVERSION\tINSTANCES\tSTATUS")
	for _, e := range entries {
		if e.Plugin == nil {
			fmt.Fprintf(w, "%s\t-\t-\t-\t%s\n", e.Dir, shared.StatusError.Render("invalid"))
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Dir, e.Plugin.Name, e.Plugin.Version,
			strings.Join(e.Plugin.Instances, ","), shared.StatusOK.Render("ok"))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if shared.GetVerbose() {
		for _, e := range entries {
			if e.Error != "" {
				fmt.Fprintf(out, "\n%s\n", shared.RenderWarn(e.Dir+": "+e.Error))
			}
		}
	}
	return nil
}
