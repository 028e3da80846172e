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
	"strings"

	"github.com/spf13/cobra"

	"github.com/beer-garden/beergarden/internal/commands/shared"
	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/runner"
)

type validateResponse struct {
	shared.JSONResponse
	Plugin *summary            `json:"plugin,omitempty"`
	Errors []shared.JSONError `json:"errors,omitempty"`
}

// summary is the part of a beer.conf worth showing.
type summary struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Namespace string   `json:"namespace,omitempty"`
	Entry     string   `json:"entry"`
	Instances []string `json:"instances"`
	Path      string   `json:"path"`
}

func summarize(cfg *runner.PluginConfig) *summary {
	return &summary{
		Name:      cfg.Name,
		Version:   cfg.Version,
		Namespace: cfg.Namespace,
		Entry:     cfg.PluginEntry,
		Instances: cfg.Instances,
		Path:      cfg.Path,
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate a plugin's beer.conf",
		Long: `Parse and validate the beer.conf in a plugin directory the same way the
server does before starting it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), args[0])
		},
	}
}

func runValidate(out io.Writer, dir string) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if shared.GetVerbose() {
		logCfg := log.FromEnv()
		logCfg.Format = log.FormatText
		logCfg.Output = out
		logger = log.New(logCfg)
	}
	cfg, err := runner.LoadConfig(dir, logger)

	if shared.GetJSON() {
		resp := validateResponse{JSONResponse: shared.NewResponse("plugin validate")}
		if err != nil {
			resp.Success = false
			resp.Errors = []shared.JSONError{{Code: "INVALID_PLUGIN", Message: err.Error(), Path: dir}}
		} else {
			resp.Plugin = summarize(cfg)
		}
		if jerr := shared.EmitJSON(out, resp); jerr != nil {
			return jerr
		}
		if err != nil {
			return shared.NewInvalidPluginError("plugin is invalid", err)
		}
		return nil
	}

	if err != nil {
		return shared.NewInvalidPluginError("plugin is invalid", err)
	}
	s := summarize(cfg)
	fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("%s %s is valid", s.Name, s.Version)))
	fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("entry:"), s.Entry)
	fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("instances:"), strings.Join(s.Instances, ", "))
	return nil
}
