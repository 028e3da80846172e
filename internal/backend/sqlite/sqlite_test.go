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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/backend/backendtest"
)

// createTestBackend creates a SQLite backend in a temporary directory.
func createTestBackend(t *testing.T) *Backend {
	t.Helper()

	be, err := New(Config{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })
	return be
}

func TestBackendContract(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend { return createTestBackend(t) })
}

func TestSQLiteBackend_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bg.db")
	ctx := context.Background()

	be, err := New(Config{Path: path})
	require.NoError(t, err)
	sys := backendtest.NewSystem("ns", "echo", "1.0.0")
	require.NoError(t, be.CreateSystem(ctx, sys))
	req := backendtest.NewRequest("say")
	require.NoError(t, be.CreateRequest(ctx, req))
	require.NoError(t, be.Close())

	// Migrations are idempotent on reopen.
	be, err = New(Config{Path: path})
	require.NoError(t, err)
	defer be.Close()

	got, err := be.FindSystem(ctx, "ns", "echo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, sys.ID, got.ID)
	assert.Len(t, got.Instances, 1)

	stored, err := be.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "say", stored.Command)
}

func TestWherePushdown(t *testing.T) {
	clause, args, ok := where(backend.And(backend.Eq("namespace", "ns"), backend.In("status", "SUCCESS", "ERROR")), requestColumns)
	require.True(t, ok)
	assert.Equal(t, "(namespace IN (?)) AND (status IN (?, ?))", clause)
	assert.Equal(t, []any{"ns", "SUCCESS", "ERROR"}, args)

	_, _, ok = where(backend.Eq("instances.name", "x"), systemColumns)
	assert.False(t, ok, "unmapped field must fall back to in-memory filtering")
}
