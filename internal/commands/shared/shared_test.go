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

package shared

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("boom"), ExitFailed},
		{"invalid plugin", NewInvalidPluginError("bad", nil), ExitInvalidPlugin},
		{"wrapped config", fmt.Errorf("load: %w", NewConfigError("bad", errors.New("eof"))), ExitConfigError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	err := NewConfigError("failed to load config", errors.New("no such file"))
	assert.Equal(t, "failed to load config: no such file", err.Error())
	assert.ErrorContains(t, err, "no such file")

	var buf bytes.Buffer
	PrintError(&buf, err)
	assert.Contains(t, buf.String(), "failed to load config")
}
