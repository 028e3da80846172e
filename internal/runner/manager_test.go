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
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

func newTestManager(t *testing.T, root string, tune ...func(*Config)) *Manager {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("plugin processes need a POSIX shell")
	}
	cfg := Config{
		Directory:       root,
		DefaultPython:   "/bin/sh",
		ShutdownTimeout: 2 * time.Second,
		MonitorInterval: 20 * time.Millisecond,
		Connection:      Connection{Host: "localhost", Port: 2337},
	}
	for _, f := range tune {
		f(&cfg)
	}
	m := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() {
		_ = m.StopAll(context.Background())
		m.Close()
	})
	return m
}

func findRunner(t *testing.T, m *Manager, match func(Runner) bool) (Runner, bool) {
	t.Helper()
	runners, err := m.List(context.Background())
	require.NoError(t, err)
	for _, r := range runners {
		if match(r) {
			return r, true
		}
	}
	return Runner{}, false
}

func TestManager_ScanAndStart(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "echo", baseConf+"INSTANCES = ['a', 'b']\n")
	writePlugin(t, root, "broken", "NAME = \n")
	m := newTestManager(t, root)
	ctx := context.Background()

	started, err := m.ScanAndStart(ctx)
	require.NoError(t, err)
	require.Len(t, started, 2)
	for _, r := range started {
		assert.Len(t, r.ID, 10)
		assert.NotZero(t, r.PID)
		assert.Equal(t, "echo", r.Name)
		assert.False(t, r.Stopped)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, []string{started[0].InstanceName, started[1].InstanceName})

	again, err := m.ScanAndStart(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestManager_MissingDirectory(t *testing.T) {
	m := newTestManager(t, "/nonexistent/plugins")
	started, err := m.ScanAndStart(context.Background())
	require.NoError(t, err)
	assert.Empty(t, started)
}

func TestManager_StopAndStart(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "echo", baseConf)
	m := newTestManager(t, root)
	ctx := context.Background()

	started, err := m.ScanAndStart(ctx)
	require.NoError(t, err)
	require.Len(t, started, 1)
	id := started[0].ID

	_, err = m.Start(ctx, id)
	assert.True(t, bgerrors.IsConflict(err))

	require.NoError(t, m.Stop(ctx, id))
	r, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, r.Stopped)
	assert.False(t, r.Restart)

	// A stopped runner is never marked dead.
	time.Sleep(100 * time.Millisecond)
	r, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, r.Dead)

	r, err = m.Start(ctx, id)
	require.NoError(t, err)
	assert.False(t, r.Stopped)
	assert.NotEqual(t, started[0].PID, r.PID)

	assert.True(t, bgerrors.IsNotFound(m.Stop(ctx, "missing")))
	_, err = m.Get(ctx, "missing")
	assert.True(t, bgerrors.IsNotFound(err))
}

func TestManager_RestartsAssociatedRunner(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "echo", baseConf)
	m := newTestManager(t, root)
	ctx := context.Background()

	started, err := m.ScanAndStart(ctx)
	require.NoError(t, err)
	require.Len(t, started, 1)
	first := started[0]

	require.NoError(t, m.AssociateInstance(ctx, first.ID, "inst-1"))
	assert.True(t, bgerrors.IsNotFound(m.AssociateInstance(ctx, "missing", "inst-2")))
	require.NoError(t, syscall.Kill(-first.PID, syscall.SIGKILL))

	require.Eventually(t, func() bool {
		r, ok := findRunner(t, m, func(r Runner) bool { return r.InstanceID == "inst-1" })
		return ok && r.ID != first.ID && r.PID != first.PID && r.Restart && !r.Dead
	}, 5*time.Second, 20*time.Millisecond)

	// Stopping by instance id reaches the respawned runner.
	require.NoError(t, m.Stop(ctx, "inst-1"))
}

func TestManager_MarksUnassociatedRunnerDead(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "echo", baseConf)
	m := newTestManager(t, root)
	ctx := context.Background()

	started, err := m.ScanAndStart(ctx)
	require.NoError(t, err)
	require.Len(t, started, 1)
	require.NoError(t, syscall.Kill(-started[0].PID, syscall.SIGKILL))

	require.Eventually(t, func() bool {
		r, err := m.Get(ctx, started[0].ID)
		return err == nil && r.Dead
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManager_ReloadSystem(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "echo", baseConf+"INSTANCES = ['a', 'b']\n")
	m := newTestManager(t, root)
	ctx := context.Background()

	started, err := m.ScanAndStart(ctx)
	require.NoError(t, err)
	require.Len(t, started, 2)
	require.NoError(t, m.AssociateInstance(ctx, started[0].ID, "inst-a"))

	sys := &models.System{Namespace: "ns", Name: "echo", Version: "1.0.0", Instances: []*models.Instance{{ID: "inst-a", Name: "a"}}}
	reloaded, err := m.ReloadSystem(ctx, sys)
	require.NoError(t, err)
	require.Len(t, reloaded, 2)

	runners, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, runners, 2)
	for _, r := range runners {
		assert.NotEqual(t, started[0].ID, r.ID)
		assert.NotEqual(t, started[1].ID, r.ID)
		assert.Empty(t, r.InstanceID)
	}

	other := &models.System{Name: "other", Instances: []*models.Instance{{ID: "nope"}}}
	_, err = m.ReloadSystem(ctx, other)
	assert.True(t, bgerrors.IsNotFound(err))
}

func TestManager_RemoveAndStopAll(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "echo", baseConf+"INSTANCES = ['a', 'b']\n")
	m := newTestManager(t, root)
	ctx := context.Background()

	started, err := m.ScanAndStart(ctx)
	require.NoError(t, err)
	require.Len(t, started, 2)

	require.NoError(t, m.Remove(ctx, started[0].ID))
	runners, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, runners, 1)

	require.NoError(t, m.StopAll(ctx))
	runners, err = m.List(ctx)
	require.NoError(t, err)
	assert.True(t, runners[0].Stopped)
}

func TestManager_Restart(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "echo", baseConf)
	m := newTestManager(t, root)
	ctx := context.Background()

	started, err := m.ScanAndStart(ctx)
	require.NoError(t, err)
	require.Len(t, started, 1)

	restarted, err := m.Restart(ctx, started[0].ID)
	require.NoError(t, err)
	require.Len(t, restarted, 1)
	assert.Equal(t, started[0].ID, restarted[0].ID)
	assert.NotEqual(t, started[0].PID, restarted[0].PID)
}

func TestManager_ClosedCalls(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	m.Close()
	_, err := m.List(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_RestartsEarlyCrashAfterBackoff(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "echo", baseConf)
	m := newTestManager(t, root, func(c *Config) {
		c.StartupTimeout = time.Minute
		c.RestartBackoff = 50 * time.Millisecond
	})
	ctx := context.Background()

	started, err := m.ScanAndStart(ctx)
	require.NoError(t, err)
	require.Len(t, started, 1)
	first := started[0]
	require.NoError(t, m.AssociateInstance(ctx, first.ID, "inst-1"))
	require.NoError(t, syscall.Kill(-first.PID, syscall.SIGKILL))

	require.Eventually(t, func() bool {
		r, ok := findRunner(t, m, func(r Runner) bool { return r.InstanceID == "inst-1" })
		return ok && r.PID != first.PID && !r.Dead
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManager_GivesUpOnCrashLoop(t *testing.T) {
	root := t.TempDir()
	dir := writePlugin(t, root, "echo", baseConf)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.sh"), []byte("sleep 0.3\nexit 1\n"), 0o755))
	m := newTestManager(t, root, func(c *Config) {
		c.StartupTimeout = time.Minute
		c.RestartBackoff = 10 * time.Millisecond
		c.MaxRestarts = 2
	})
	ctx := context.Background()

	started, err := m.ScanAndStart(ctx)
	require.NoError(t, err)
	require.Len(t, started, 1)
	require.NoError(t, m.AssociateInstance(ctx, started[0].ID, "inst-1"))

	require.Eventually(t, func() bool {
		r, ok := findRunner(t, m, func(r Runner) bool { return r.InstanceID == "inst-1" })
		return ok && r.Dead
	}, 10*time.Second, 20*time.Millisecond)
}

func TestRestartDelay(t *testing.T) {
	m := &Manager{cfg: Config{RestartBackoff: time.Second, MaxRestartBackoff: 5 * time.Second}}
	tests := []struct {
		crashes int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.restartDelay(tt.crashes), "crashes=%d", tt.crashes)
	}
}
