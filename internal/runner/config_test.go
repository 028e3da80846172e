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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// writePlugin creates a plugin directory holding conf and an entry point.
func writePlugin(t *testing.T, root, name, conf string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(conf), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.sh"), []byte("echo \"started $BG_INSTANCE_NAME\"\nexec sleep 30\n"), 0o755))
	return dir
}

const baseConf = "NAME = 'echo'\nVERSION = '1.0.0'\nPLUGIN_ENTRY = 'main.sh'\n"

func TestLoadConfigNormalizesInstances(t *testing.T) {
	tests := []struct {
		name      string
		extra     string
		instances []string
		args      map[string][]string
	}{
		{
			name:      "neither set",
			instances: []string{"default"},
			args:      map[string][]string{"default": nil},
		},
		{
			name:      "instances only",
			extra:     "INSTANCES = ['a', 'b']\n",
			instances: []string{"a", "b"},
			args:      map[string][]string{"a": nil, "b": nil},
		},
		{
			name:      "args list only",
			extra:     "PLUGIN_ARGS = ['-v']\n",
			instances: []string{"default"},
			args:      map[string][]string{"default": {"-v"}},
		},
		{
			name:      "args dict only",
			extra:     "PLUGIN_ARGS = {'y': ['1'], 'x': None}\n",
			instances: []string{"x", "y"},
			args:      map[string][]string{"x": nil, "y": {"1"}},
		},
		{
			name:      "list applied to every instance",
			extra:     "INSTANCES = ['a', 'b']\nPLUGIN_ARGS = ['--port', 8080]\n",
			instances: []string{"a", "b"},
			args:      map[string][]string{"a": {"--port", "8080"}, "b": {"--port", "8080"}},
		},
		{
			name:      "matching dict",
			extra:     "INSTANCES = ['b', 'a']\nPLUGIN_ARGS = {'a': ['1'], 'b': ['2']}\n",
			instances: []string{"b", "a"},
			args:      map[string][]string{"a": {"1"}, "b": {"2"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writePlugin(t, t.TempDir(), "echo", baseConf+tt.extra)
			cfg, err := LoadConfig(dir, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.instances, cfg.Instances)
			assert.Equal(t, tt.args, cfg.Args)
		})
	}
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name  string
		conf  string
		field string
	}{
		{"mismatched args", baseConf + "INSTANCES = ['a']\nPLUGIN_ARGS = {'b': None}\n", "PLUGIN_ARGS"},
		{"args not a list", baseConf + "PLUGIN_ARGS = 'x'\n", "PLUGIN_ARGS"},
		{"duplicate instances", baseConf + "INSTANCES = ['a', 'a']\n", "INSTANCES"},
		{"duplicate instances with args", baseConf + "INSTANCES = ['a', 'a']\nPLUGIN_ARGS = {'a': ['-v']}\n", "INSTANCES"},
		{"reserved env", baseConf + "ENVIRONMENT = {'BG_HOST': 'x'}\n", "ENVIRONMENT"},
		{"non string env", baseConf + "ENVIRONMENT = {'PORT': 80}\n", "ENVIRONMENT"},
		{"missing entry file", "NAME = 'e'\nVERSION = '1'\nPLUGIN_ENTRY = 'nope.py'\n", "PLUGIN_ENTRY"},
		{"missing name", "VERSION = '1'\nPLUGIN_ENTRY = 'main.sh'\n", "NAME"},
		{"syntax", "NAME = \n", ConfigFileName},
		{"wrong type", baseConf + "INSTANCES = 'a'\n", ConfigFileName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writePlugin(t, t.TempDir(), "echo", tt.conf)
			_, err := LoadConfig(dir, nil)
			require.Error(t, err)
			var verr *bgerrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestLoadConfigPackageEntry(t *testing.T) {
	dir := writePlugin(t, t.TempDir(), "pkgplugin", "NAME = 'p'\nVERSION = '1'\nPLUGIN_ENTRY = '-m app'\n")

	_, err := LoadConfig(dir, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "__init__.py")

	pkg := filepath.Join(dir, "app")
	require.NoError(t, os.MkdirAll(pkg, 0o755))
	for _, f := range []string{"__init__.py", "__main__.py"} {
		require.NoError(t, os.WriteFile(filepath.Join(pkg, f), nil, 0o644))
	}
	_, err = LoadConfig(dir, nil)
	require.NoError(t, err)
}

func TestLoadConfigSystemEnv(t *testing.T) {
	conf := baseConf + "NAMESPACE = 'ns'\nMAX_INSTANCES = 2\nMETADATA = {'team': 'ops'}\nUNKNOWN = 1\n"
	dir := writePlugin(t, t.TempDir(), "echo", conf)

	cfg, err := LoadConfig(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxInstances)
	assert.Equal(t, map[string]string{
		"BG_NAME":          "echo",
		"BG_VERSION":       "1.0.0",
		"BG_NAMESPACE":     "ns",
		"BG_MAX_INSTANCES": "2",
		"BG_METADATA":      `{"team":"ops"}`,
	}, cfg.SystemEnv)

	dir = writePlugin(t, t.TempDir(), "echo", baseConf)
	cfg, err = LoadConfig(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.MaxInstances)
	_, ok := cfg.SystemEnv["BG_MAX_INSTANCES"]
	assert.False(t, ok)
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("BG_TEST_TOOLS", "/opt/tools")
	dir := writePlugin(t, t.TempDir(), "echo",
		baseConf+"LOG_LEVEL = 'DEBUG'\nENVIRONMENT = {'GREETING': 'hi ${BG_INSTANCE_NAME}', 'TOOLS': '${BG_TEST_TOOLS}/bin'}\n")
	cfg, err := LoadConfig(dir, nil)
	require.NoError(t, err)

	env := buildEnv(cfg, "default", "abcdefghij", Config{
		Username:    "plugin_admin",
		Password:    "secret",
		HostEnvVars: []string{"BG_TEST_TOOLS", "BG_TEST_UNSET"},
		Connection:  Connection{Host: "localhost", Port: 2337, URLPrefix: "/", CAVerify: true},
	})

	vars := make(map[string]string)
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		vars[k] = v
	}
	assert.Equal(t, "localhost", vars["BG_HOST"])
	assert.Equal(t, "2337", vars["BG_PORT"])
	assert.Equal(t, "/", vars["BG_URL_PREFIX"])
	assert.Equal(t, "false", vars["BG_SSL_ENABLED"])
	assert.Equal(t, "true", vars["BG_CA_VERIFY"])
	assert.NotContains(t, vars, "BG_CA_CERT")
	assert.Equal(t, "default", vars["BG_INSTANCE_NAME"])
	assert.Equal(t, "abcdefghij", vars["BG_RUNNER_ID"])
	assert.Equal(t, dir, vars["BG_PLUGIN_PATH"])
	assert.Equal(t, "plugin_admin", vars["BG_USERNAME"])
	assert.Equal(t, "secret", vars["BG_PASSWORD"])
	assert.Equal(t, "DEBUG", vars["BG_LOG_LEVEL"])
	assert.Equal(t, "echo", vars["BG_NAME"])
	assert.Equal(t, "hi default", vars["GREETING"])
	assert.Equal(t, "/opt/tools/bin", vars["TOOLS"])
	assert.NotContains(t, vars, "BG_TEST_UNSET")
	assert.NotContains(t, vars, "PATH")

	redacted := redactEnv(env)
	assert.Contains(t, redacted, "BG_PASSWORD=[REDACTED]")
	assert.Contains(t, redacted, "BG_USERNAME=plugin_admin")
	assert.NotContains(t, strings.Join(redacted, "\n"), "secret")
	assert.Contains(t, env, "BG_PASSWORD=secret")
}
