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

package serve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beer-garden/beergarden/internal/commands/shared"
)

func TestLoadConfigOverrides(t *testing.T) {
	cmd := NewCommand()
	require.NoError(t, cmd.Flags().Parse([]string{"--port", "8080", "--plugin-dir", "/srv/plugins", "--no-auth"}))

	var opts options
	opts.port, _ = cmd.Flags().GetInt("port")
	opts.pluginDir, _ = cmd.Flags().GetString("plugin-dir")
	opts.noAuth, _ = cmd.Flags().GetBool("no-auth")

	cfg, err := loadConfig(cmd, opts)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/srv/plugins", cfg.Plugin.Local.Directory)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoadConfigRejectsBadPort(t *testing.T) {
	cmd := NewCommand()
	require.NoError(t, cmd.Flags().Parse([]string{"--port", "70000"}))

	_, err := loadConfig(cmd, options{port: 70000})
	require.Error(t, err)
	assert.Equal(t, shared.ExitConfigError, shared.ExitCode(err))
}
