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

package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/backend/memory"
	"github.com/beer-garden/beergarden/internal/events"
	"github.com/beer-garden/beergarden/internal/models"
	"github.com/beer-garden/beergarden/internal/queue"
	qmemory "github.com/beer-garden/beergarden/internal/queue/memory"
	"github.com/beer-garden/beergarden/internal/runner"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

type fakeRunners struct {
	mu         sync.Mutex
	associated map[string]string
	reloaded   []string
	removed    []string
}

func (f *fakeRunners) AssociateInstance(_ context.Context, runnerID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.associated == nil {
		f.associated = map[string]string{}
	}
	f.associated[runnerID] = instanceID
	return nil
}

func (f *fakeRunners) ReloadSystem(_ context.Context, sys *models.System) ([]runner.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloaded = append(f.reloaded, sys.Key())
	return nil, nil
}

func (f *fakeRunners) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

type fixture struct {
	svc     *Service
	store   *memory.Backend
	broker  *qmemory.Broker
	runners *fakeRunners
	bus     *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	broker := qmemory.New()
	runners := &fakeRunners{}
	bus := events.NewBus("local", nil)
	svc := New(store, queue.NewManager(broker), Config{
		Garden:           "local",
		QueueType:        "memory",
		HeartbeatTimeout: time.Minute,
	}, WithRunners(runners), WithEvents(bus))
	return &fixture{svc: svc, store: store, broker: broker, runners: runners, bus: bus}
}

func echo(instances ...string) *models.System {
	sys := &models.System{
		Namespace:    "ns",
		Name:         "echo",
		Version:      "1.0.0",
		MaxInstances: -1,
		Commands:     []*models.Command{{Name: "say"}},
	}
	for _, name := range instances {
		sys.Instances = append(sys.Instances, &models.Instance{Name: name})
	}
	return sys
}

func TestCreateDeclaresQueues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.bus.Subscribe(4)
	defer sub.Close()

	sys, err := f.svc.CreateOrUpdate(ctx, echo("default"))
	require.NoError(t, err)
	require.NotEmpty(t, sys.ID)
	assert.Equal(t, "local", sys.Garden)
	assert.True(t, sys.Local)

	inst := sys.Instances[0]
	assert.Equal(t, models.InstanceInitializing, inst.Status)
	assert.Equal(t, "ns.echo.1-0-0.default", inst.QueueInfo.RequestQueue)
	assert.True(t, queue.IsAdminQueue(inst.QueueInfo.AdminQueue))
	assert.Equal(t, "memory", inst.QueueType)

	n, err := f.broker.Size(ctx, inst.QueueInfo.RequestQueue)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := f.store.GetSystem(ctx, sys.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.QueueInfo, stored.Instances[0].QueueInfo)

	ev := <-sub.C
	assert.Equal(t, models.EventSystemCreated, ev.Name)
}

func TestCreateOrUpdateMergesExisting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first, err := f.svc.CreateOrUpdate(ctx, echo("a"))
	require.NoError(t, err)

	again := echo("a", "b")
	again.Description = "updated"
	again.Commands = append(again.Commands, &models.Command{Name: "shout"})
	second, err := f.svc.CreateOrUpdate(ctx, again)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Instances[0].ID, second.Instance("a").ID)
	require.NotNil(t, second.Instance("b"))
	assert.NotEmpty(t, second.Instance("b").QueueInfo.RequestQueue)
	assert.Equal(t, "updated", second.Description)
	assert.Len(t, second.Commands, 2)

	systems, err := f.svc.List(ctx, backend.MatchAll())
	require.NoError(t, err)
	assert.Len(t, systems, 1)
}

func TestCreateRejectsTooManyInstances(t *testing.T) {
	f := newFixture(t)
	sys := echo("a", "b")
	sys.MaxInstances = 1
	_, err := f.svc.CreateOrUpdate(context.Background(), sys)
	assert.True(t, bgerrors.IsValidation(err))
}

func TestPatchSystem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sys, err := f.svc.CreateOrUpdate(ctx, echo("a"))
	require.NoError(t, err)

	got, err := f.svc.Patch(ctx, sys.ID, []models.PatchOperation{
		{Operation: models.PatchAdd, Path: "/instance", Value: map[string]any{"name": "b"}},
		{Operation: models.PatchReplace, Path: "/description", Value: "desc"},
		{Operation: models.PatchReplace, Path: "/groups", Value: []any{"g"}},
		{Operation: models.PatchUpdate, Path: "/metadata", Value: map[string]any{"k": "v"}},
		{Operation: models.PatchReplace, Path: "/commands", Value: []any{map[string]any{"name": "ping", "parameters": []any{}}}},
		{Operation: models.PatchReload},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.InstanceNames())
	assert.NotEmpty(t, got.Instance("b").QueueInfo.AdminQueue)
	assert.Equal(t, "desc", got.Description)
	assert.Equal(t, []string{"g"}, got.Groups)
	assert.Equal(t, "v", got.Metadata["k"])
	require.Len(t, got.Commands, 1)
	assert.Equal(t, "ping", got.Commands[0].Name)
	assert.Equal(t, []string{"ns/echo/1.0.0"}, f.runners.reloaded)

	_, err = f.svc.Patch(ctx, sys.ID, []models.PatchOperation{{Operation: "remove", Path: "/commands"}})
	assert.True(t, bgerrors.IsValidation(err))
}

func TestInstanceLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sys, err := f.svc.CreateOrUpdate(ctx, echo("default"))
	require.NoError(t, err)
	id := sys.Instances[0].ID

	inst, err := f.svc.PatchInstance(ctx, id, []models.PatchOperation{
		{Operation: "initialize", Value: map[string]any{"runner_id": "abc123"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.InstanceRunning, inst.Status)
	require.NotNil(t, inst.StatusInfo.Heartbeat)
	assert.Equal(t, id, f.runners.associated["abc123"])

	inst, err = f.svc.PatchInstance(ctx, id, []models.PatchOperation{{Operation: "stop"}})
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStopped, inst.Status)

	msg, err := f.broker.Get(ctx, inst.QueueInfo.AdminQueue)
	require.NoError(t, err)
	require.NotNil(t, msg)
	var admin models.Request
	require.NoError(t, json.Unmarshal(msg.Body, &admin))
	assert.Equal(t, "_stop", admin.Command)
	assert.Equal(t, models.CommandTypeEphemeral, admin.CommandType)

	_, err = f.svc.PatchInstance(ctx, id, []models.PatchOperation{{Operation: models.PatchReplace, Path: "/status", Value: "BOGUS"}})
	assert.True(t, bgerrors.IsValidation(err))

	_, err = f.svc.PatchInstance(ctx, "missing", []models.PatchOperation{{Operation: "heartbeat"}})
	assert.True(t, bgerrors.IsNotFound(err))
}

func TestHeartbeatMonitor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sys, err := f.svc.CreateOrUpdate(ctx, echo("a", "b"))
	require.NoError(t, err)

	start := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return start }
	for _, inst := range sys.Instances {
		_, err := f.svc.PatchInstance(ctx, inst.ID, []models.PatchOperation{{Operation: "initialize"}})
		require.NoError(t, err)
	}

	f.svc.now = func() time.Time { return start.Add(30 * time.Second) }
	_, err = f.svc.PatchInstance(ctx, sys.Instance("b").ID, []models.PatchOperation{{Operation: "heartbeat"}})
	require.NoError(t, err)

	f.svc.now = func() time.Time { return start.Add(75 * time.Second) }
	stale, err := f.svc.CheckHeartbeats(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "a", stale[0].Name)

	a, err := f.svc.GetInstance(ctx, sys.Instance("a").ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceUnresponsive, a.Status)

	// A heartbeat brings it back.
	a, err = f.svc.PatchInstance(ctx, a.ID, []models.PatchOperation{{Operation: "heartbeat"}})
	require.NoError(t, err)
	assert.Equal(t, models.InstanceRunning, a.Status)
}

func TestDeleteSystem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sys, err := f.svc.CreateOrUpdate(ctx, echo("default"))
	require.NoError(t, err)
	inst := sys.Instances[0]

	require.NoError(t, f.svc.Delete(ctx, sys.ID, true))

	_, err = f.svc.Get(ctx, sys.ID)
	assert.True(t, bgerrors.IsNotFound(err))
	_, err = f.broker.Size(ctx, inst.QueueInfo.RequestQueue)
	assert.ErrorIs(t, err, queue.ErrQueueNotFound)
	assert.Equal(t, []string{inst.ID}, f.runners.removed)
}

func TestGardens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	g, err := f.svc.EnsureLocalGarden(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionLocal, g.ConnectionType)
	_, err = f.svc.EnsureLocalGarden(ctx)
	require.NoError(t, err)

	_, err = f.svc.CreateOrUpdate(ctx, echo("default"))
	require.NoError(t, err)

	g, err = f.svc.Garden(ctx, "local")
	require.NoError(t, err)
	require.Len(t, g.Systems, 1)
	assert.Equal(t, []string{"ns"}, g.Namespaces)

	gardens, err := f.svc.Gardens(ctx, backend.MatchAll())
	require.NoError(t, err)
	assert.Len(t, gardens, 1)
}
