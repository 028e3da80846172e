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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Run("debug wins", func(t *testing.T) {
		t.Setenv("BG_DEBUG", "1")
		t.Setenv("BG_LOG_LEVEL", "error")
		cfg := FromEnv()
		assert.Equal(t, "debug", cfg.Level)
		assert.True(t, cfg.AddSource)
	})

	t.Run("bg level over generic level", func(t *testing.T) {
		t.Setenv("BG_DEBUG", "")
		t.Setenv("BG_LOG_LEVEL", "WARN")
		t.Setenv("LOG_LEVEL", "error")
		t.Setenv("LOG_FORMAT", "TEXT")
		cfg := FromEnv()
		assert.Equal(t, "warn", cfg.Level)
		assert.Equal(t, FormatText, cfg.Format)
	})
}

func TestNewWritesJSONWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithRequestContext(WithComponent(logger, "engine"), "r1", "default", "echo", "i1", "say").
		Info("request created")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "r1", entry[RequestIDKey])
	assert.Equal(t, "echo", entry[SystemKey])
	assert.Equal(t, "say", entry[CommandKey])
}

func TestTraceRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	Trace(New(&Config{Level: "debug", Output: &buf}), "hidden")
	assert.Empty(t, buf.String())

	Trace(New(&Config{Level: "trace", Output: &buf}), "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestHTTPMiddlewareRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Output: &buf})

	h := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/systems", nil))

	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/api/v1/systems"`)
}

func TestLineWriter(t *testing.T) {
	var buf syncBuffer
	logger := New(&Config{Level: "info", Output: &buf})

	w := LineWriter(logger, slog.LevelInfo, "plugin output")
	_, err := w.Write([]byte("first line\nsecond "))
	require.NoError(t, err)
	_, err = w.Write([]byte("line\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Eventually(t, func() bool {
		return strings.Count(buf.String(), "plugin output") == 2
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, buf.String(), "second line")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
