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
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/beer-garden/beergarden/internal/log"
)

// Connection tells plugins how to reach the API.
type Connection struct {
	Host       string
	Port       int
	URLPrefix  string
	SSLEnabled bool
	CACert     string
	CAVerify   bool
}

// buildEnv assembles a plugin process environment. ENVIRONMENT entries are
// applied last and may reference anything assembled before them as ${VAR}.
func buildEnv(cfg *PluginConfig, instance, runnerID string, mc Config) []string {
	env := make(map[string]string)
	maps.Copy(env, cfg.SystemEnv)

	env["BG_HOST"] = mc.Connection.Host
	env["BG_PORT"] = strconv.Itoa(mc.Connection.Port)
	env["BG_URL_PREFIX"] = mc.Connection.URLPrefix
	env["BG_SSL_ENABLED"] = strconv.FormatBool(mc.Connection.SSLEnabled)
	env["BG_CA_VERIFY"] = strconv.FormatBool(mc.Connection.CAVerify)
	if mc.Connection.CACert != "" {
		env["BG_CA_CERT"] = mc.Connection.CACert
	}

	env["BG_INSTANCE_NAME"] = instance
	env["BG_RUNNER_ID"] = runnerID
	env["BG_PLUGIN_PATH"] = cfg.Path
	if mc.Username != "" {
		env["BG_USERNAME"] = mc.Username
	}
	if mc.Password != "" {
		env["BG_PASSWORD"] = mc.Password
	}
	if level := firstNonEmpty(cfg.LogLevel, mc.LogLevel); level != "" {
		env["BG_LOG_LEVEL"] = level
	}

	for _, name := range mc.HostEnvVars {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}

	for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
		env[k] = os.Expand(cfg.Env[k], func(name string) string { return env[name] })
	}

	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// redactEnv returns env with credential values hidden, for logging.
func redactEnv(env []string) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == "BG_PASSWORD" {
			kv = k + "=" + log.SanitizeSecret(v)
		}
		out[i] = kv
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
