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

package runner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// ConfigFileName is the plugin descriptor every plugin directory carries.
const ConfigFileName = "beer.conf"

// DefaultInstance is used when a plugin names no instances.
const DefaultInstance = "default"

// systemKeys are the beer.conf keys describing the system. Each one present
// is passed to the plugin as BG_<KEY>.
var systemKeys = []string{
	"NAME", "VERSION", "DESCRIPTION", "MAX_INSTANCES", "ICON_NAME",
	"DISPLAY_NAME", "METADATA", "NAMESPACE",
}

// PluginConfig is a decoded beer.conf.
type PluginConfig struct {
	Name            string         `mapstructure:"NAME"`
	Version         string         `mapstructure:"VERSION"`
	PluginEntry     string         `mapstructure:"PLUGIN_ENTRY"`
	Description     string         `mapstructure:"DESCRIPTION"`
	Instances       []string       `mapstructure:"INSTANCES"`
	PluginArgs      any            `mapstructure:"PLUGIN_ARGS"`
	Environment     map[string]any `mapstructure:"ENVIRONMENT"`
	IconName        string         `mapstructure:"ICON_NAME"`
	DisplayName     string         `mapstructure:"DISPLAY_NAME"`
	Metadata        map[string]any `mapstructure:"METADATA"`
	Namespace       string         `mapstructure:"NAMESPACE"`
	InterpreterPath string         `mapstructure:"INTERPRETER_PATH"`
	LogLevel        string         `mapstructure:"LOG_LEVEL"`
	MaxInstances    int            `mapstructure:"MAX_INSTANCES"`

	// Path is the plugin directory.
	Path string `mapstructure:"-"`
	// Args holds the normalized command line arguments per instance.
	Args map[string][]string `mapstructure:"-"`
	// Env is the validated ENVIRONMENT.
	Env map[string]string `mapstructure:"-"`
	// SystemEnv holds BG_ variables derived from the system keys present.
	SystemEnv map[string]string `mapstructure:"-"`
}

// LoadConfig reads, normalizes and validates the beer.conf in dir. Unknown
// keys are logged and ignored.
func LoadConfig(dir string, logger *slog.Logger) (*PluginConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	raw, err := parseAssignments(string(data))
	if err != nil {
		return nil, &bgerrors.ValidationError{Field: ConfigFileName, Message: fmt.Sprintf("%s: %v", path, err)}
	}

	cfg := &PluginConfig{MaxInstances: -1, Path: dir}
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:   cfg,
		Metadata: &md,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, &bgerrors.ValidationError{Field: ConfigFileName, Message: fmt.Sprintf("%s: %v", path, err)}
	}
	if len(md.Unused) > 0 {
		sort.Strings(md.Unused)
		logger.Warn("ignoring unknown plugin config keys", slog.String("path", path), slog.Any("keys", md.Unused))
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.SystemEnv = systemEnv(raw)
	return cfg, nil
}

func invalidConfig(field, format string, args ...any) error {
	return &bgerrors.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// normalize reconciles INSTANCES and PLUGIN_ARGS into Instances and Args.
func (c *PluginConfig) normalize() error {
	c.Args = make(map[string][]string)

	seen := make(map[string]bool, len(c.Instances))
	for _, inst := range c.Instances {
		if seen[inst] {
			return invalidConfig("INSTANCES", "instance %q is listed more than once", inst)
		}
		seen[inst] = true
	}

	switch args := c.PluginArgs.(type) {
	case nil:
		if len(c.Instances) == 0 {
			c.Instances = []string{DefaultInstance}
		}
		for _, inst := range c.Instances {
			c.Args[inst] = nil
		}

	case []any:
		list, err := argList(args)
		if err != nil {
			return err
		}
		if len(c.Instances) == 0 {
			c.Instances = []string{DefaultInstance}
		}
		for _, inst := range c.Instances {
			c.Args[inst] = slices.Clone(list)
		}

	case map[string]any:
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(c.Instances) == 0 {
			c.Instances = keys
		} else {
			want := slices.Clone(c.Instances)
			sort.Strings(want)
			if !slices.Equal(want, keys) {
				return invalidConfig("PLUGIN_ARGS", "keys %v do not match INSTANCES %v", keys, c.Instances)
			}
		}
		for k, v := range args {
			var list []string
			switch v := v.(type) {
			case nil:
			case []any:
				var err error
				if list, err = argList(v); err != nil {
					return err
				}
			default:
				return invalidConfig("PLUGIN_ARGS", "arguments for instance %q must be a list or None", k)
			}
			c.Args[k] = list
		}

	default:
		return invalidConfig("PLUGIN_ARGS", "must be a list, dict or None, got %T", c.PluginArgs)
	}
	return nil
}

func argList(items []any) ([]string, error) {
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case int, float64, bool:
			out = append(out, fmt.Sprint(v))
		default:
			return nil, invalidConfig("PLUGIN_ARGS", "argument %v is not a scalar", item)
		}
	}
	return out, nil
}

func (c *PluginConfig) validate() error {
	if c.Name == "" {
		return invalidConfig("NAME", "is required")
	}
	if c.Version == "" {
		return invalidConfig("VERSION", "is required")
	}
	if c.PluginEntry == "" {
		return invalidConfig("PLUGIN_ENTRY", "is required")
	}

	c.Env = make(map[string]string, len(c.Environment))
	for k, v := range c.Environment {
		s, ok := v.(string)
		if !ok {
			return invalidConfig("ENVIRONMENT", "value of %s must be a string, got %T", k, v)
		}
		if strings.HasPrefix(k, "BG_") {
			return invalidConfig("ENVIRONMENT", "%s uses the reserved BG_ prefix", k)
		}
		c.Env[k] = s
	}
	return validateEntry(c.Path, c.PluginEntry)
}

// validateEntry checks that PLUGIN_ENTRY names a file in dir, or a package
// runnable with -m.
func validateEntry(dir, entry string) error {
	fields := strings.Fields(entry)
	if len(fields) == 0 {
		return invalidConfig("PLUGIN_ENTRY", "is required")
	}
	if len(fields) >= 2 && fields[0] == "-m" {
		pkg := filepath.Join(dir, filepath.FromSlash(strings.ReplaceAll(fields[1], ".", "/")))
		for _, f := range []string{"__init__.py", "__main__.py"} {
			if _, err := os.Stat(filepath.Join(pkg, f)); err != nil {
				return invalidConfig("PLUGIN_ENTRY", "package %s has no %s", fields[1], f)
			}
		}
		return nil
	}
	if info, err := os.Stat(filepath.Join(dir, fields[0])); err != nil || info.IsDir() {
		return invalidConfig("PLUGIN_ENTRY", "entry point %s not found in %s", fields[0], dir)
	}
	return nil
}

func systemEnv(raw map[string]any) map[string]string {
	env := make(map[string]string)
	for _, key := range systemKeys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		switch v := v.(type) {
		case string:
			env["BG_"+key] = v
		case map[string]any, []any:
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			env["BG_"+key] = string(data)
		default:
			env["BG_"+key] = fmt.Sprint(v)
		}
	}
	return env
}
