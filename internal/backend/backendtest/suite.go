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

// Package backendtest holds the behaviour every backend must share. Each
// backend's tests call Run with a factory.
package backendtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// Factory returns a fresh, empty backend.
type Factory func(t *testing.T) backend.Backend

// Run exercises b against the shared backend contract.
func Run(t *testing.T, factory Factory) {
	t.Run("systems", func(t *testing.T) { testSystems(t, factory(t)) })
	t.Run("requests", func(t *testing.T) { testRequests(t, factory(t)) })
	t.Run("request listing", func(t *testing.T) { testRequestListing(t, factory(t)) })
	t.Run("jobs", func(t *testing.T) { testJobs(t, factory(t)) })
	t.Run("users and roles", func(t *testing.T) { testUsersAndRoles(t, factory(t)) })
	t.Run("tokens", func(t *testing.T) { testTokens(t, factory(t)) })
	t.Run("gardens", func(t *testing.T) { testGardens(t, factory(t)) })
}

// NewSystem returns a valid system with one instance and one command.
func NewSystem(namespace, name, version string) *models.System {
	return &models.System{
		Namespace:    namespace,
		Name:         name,
		Version:      version,
		MaxInstances: 2,
		Instances:    []*models.Instance{{Name: "default", Status: models.InstanceInitializing}},
		Commands: []*models.Command{{
			Name:        "say",
			CommandType: models.CommandTypeAction,
			Parameters:  []*models.Parameter{{Key: "message", Type: models.TypeString}},
		}},
	}
}

// NewRequest returns a CREATED request for ns/echo/1.0.0.
func NewRequest(command string) *models.Request {
	req := models.NewRequest(models.RequestTemplate{
		Namespace:     "ns",
		System:        "echo",
		SystemVersion: "1.0.0",
		InstanceName:  "default",
		Command:       command,
		Parameters:    map[string]any{"message": "hi"},
	})
	req.Status = models.StatusCreated
	return req
}

func testSystems(t *testing.T, b backend.Backend) {
	ctx := context.Background()

	sys := NewSystem("ns", "echo", "1.0.0")
	require.NoError(t, b.CreateSystem(ctx, sys))
	require.NotEmpty(t, sys.ID)
	require.NotEmpty(t, sys.Instances[0].ID)

	err := b.CreateSystem(ctx, NewSystem("ns", "echo", "1.0.0"))
	assert.True(t, bgerrors.IsConflict(err), "duplicate triple should conflict, got %v", err)

	got, err := b.FindSystem(ctx, "ns", "echo", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, sys.ID, got.ID)
	require.Len(t, got.Instances, 1)
	assert.Equal(t, sys.ID, got.Instances[0].SystemID)

	// Returned documents are copies.
	got.Name = "mutated"
	again, err := b.GetSystem(ctx, sys.ID)
	require.NoError(t, err)
	assert.Equal(t, "echo", again.Name)

	again.Instances = append(again.Instances, &models.Instance{Name: "second"})
	require.NoError(t, b.SaveSystem(ctx, again))
	saved, err := b.GetSystem(ctx, sys.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "second"}, saved.InstanceNames())

	saved.Instances = saved.Instances[1:]
	require.NoError(t, b.SaveSystem(ctx, saved))
	saved, err = b.GetSystem(ctx, sys.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, saved.InstanceNames())

	inst := saved.Instances[0]
	now := time.Now().UTC().Truncate(time.Second)
	inst.Status = models.InstanceRunning
	inst.StatusInfo.Heartbeat = &now
	require.NoError(t, b.UpdateInstance(ctx, inst))
	gotInst, err := b.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceRunning, gotInst.Status)
	require.NotNil(t, gotInst.StatusInfo.Heartbeat)
	assert.True(t, now.Equal(*gotInst.StatusInfo.Heartbeat))

	other := NewSystem("other", "echo", "2.0.0")
	require.NoError(t, b.CreateSystem(ctx, other))

	list, err := b.ListSystems(ctx, backend.MatchAll())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ns", list[0].Namespace)

	list, err = b.ListSystems(ctx, backend.Eq("namespace", "other"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, other.ID, list[0].ID)

	// instances.name has no column in every backend; must still filter.
	list, err = b.ListSystems(ctx, backend.Eq("instances.name", "second"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, sys.ID, list[0].ID)

	list, err = b.ListSystems(ctx, backend.MatchNone())
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, b.DeleteSystem(ctx, sys.ID))
	_, err = b.GetSystem(ctx, sys.ID)
	assert.True(t, bgerrors.IsNotFound(err))
	_, err = b.GetInstance(ctx, inst.ID)
	assert.True(t, bgerrors.IsNotFound(err))
	assert.True(t, bgerrors.IsNotFound(b.DeleteSystem(ctx, sys.ID)))
}

func testRequests(t *testing.T, b backend.Backend) {
	ctx := context.Background()

	parent := NewRequest("say")
	require.NoError(t, b.CreateRequest(ctx, parent))
	require.NotEmpty(t, parent.ID)
	assert.False(t, parent.CreatedAt.IsZero())

	child := NewRequest("say")
	child.Parent = parent.ID
	child.HasParent = true
	require.NoError(t, b.CreateRequest(ctx, child))

	grandchild := NewRequest("say")
	grandchild.Parent = child.ID
	grandchild.HasParent = true
	require.NoError(t, b.CreateRequest(ctx, grandchild))

	got, err := b.GetRequest(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, got.Children, 1)
	assert.Equal(t, child.ID, got.Children[0].ID)
	assert.Equal(t, "hi", got.Parameters["message"])

	got.Status = models.StatusInProgress
	require.NoError(t, b.UpdateRequestIfStatus(ctx, got, models.StatusCreated))

	got.Status = models.StatusSuccess
	err = b.UpdateRequestIfStatus(ctx, got, models.StatusCreated)
	assert.True(t, bgerrors.IsConflict(err), "stale status should conflict, got %v", err)

	got.Output = "done"
	require.NoError(t, b.UpdateRequest(ctx, got))
	stored, err := b.GetRequest(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, stored.Status)
	assert.Equal(t, "done", stored.Output)

	missing := NewRequest("say")
	missing.ID = "does-not-exist"
	assert.True(t, bgerrors.IsNotFound(b.UpdateRequest(ctx, missing)))
	assert.True(t, bgerrors.IsNotFound(b.UpdateRequestIfStatus(ctx, missing, models.StatusCreated)))

	n, err := b.CountRequests(ctx, backend.Eq("parent", parent.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, b.DeleteRequest(ctx, parent.ID))
	for _, id := range []string{parent.ID, child.ID, grandchild.ID} {
		_, err := b.GetRequest(ctx, id)
		assert.True(t, bgerrors.IsNotFound(err), "request %s should be gone", id)
	}
}

func testRequestListing(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i, cmd := range []string{"alpha", "beta", "gamma", "delta"} {
		req := NewRequest(cmd)
		req.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		req.UpdatedAt = req.CreatedAt
		if i%2 == 1 {
			req.Status = models.StatusSuccess
		}
		require.NoError(t, b.CreateRequest(ctx, req))
		ids = append(ids, req.ID)
	}
	child := NewRequest("alpha")
	child.Parent, child.HasParent = ids[0], true
	require.NoError(t, b.CreateRequest(ctx, child))

	items, total, err := b.ListRequests(ctx, backend.RequestFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, total, "children excluded by default")
	assert.Equal(t, ids[3], items[0].ID, "newest first by default")

	_, total, err = b.ListRequests(ctx, backend.RequestFilter{IncludeChildren: true})
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	items, total, err = b.ListRequests(ctx, backend.RequestFilter{
		Columns: map[string]string{"status": string(models.StatusSuccess)},
		OrderBy: "command",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 2)
	assert.Equal(t, "beta", items[0].Command)
	assert.Equal(t, "delta", items[1].Command)

	items, total, err = b.ListRequests(ctx, backend.RequestFilter{
		Columns: map[string]string{"created_at": base.Add(30*time.Minute).Format(time.RFC3339) + "~"},
		Limit:   1,
		Offset:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 1)
	assert.Equal(t, ids[2], items[0].ID)

	items, _, err = b.ListRequests(ctx, backend.RequestFilter{Search: "GAM"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "gamma", items[0].Command)

	_, total, err = b.ListRequests(ctx, backend.RequestFilter{Query: backend.Eq("namespace", "elsewhere")})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func testJobs(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	job := &models.Job{
		Name:        "nightly",
		TriggerType: models.TriggerInterval,
		Trigger:     &models.IntervalTrigger{Hours: 1},
		RequestTemplate: models.RequestTemplate{
			System: "echo", SystemVersion: "1.0.0", InstanceName: "default", Command: "say",
		},
		Status:      models.JobRunning,
		NextRunTime: &next,
	}
	require.NoError(t, b.CreateJob(ctx, job))
	require.NotEmpty(t, job.ID)

	got, err := b.GetJob(ctx, job.ID)
	require.NoError(t, err)
	trigger, ok := got.Trigger.(*models.IntervalTrigger)
	require.True(t, ok, "trigger decoded as %T", got.Trigger)
	assert.Equal(t, 1, trigger.Hours)
	require.NotNil(t, got.NextRunTime)
	assert.True(t, next.Equal(*got.NextRunTime))

	require.NoError(t, b.IncrementJobCount(ctx, job.ID, true))
	require.NoError(t, b.IncrementJobCount(ctx, job.ID, true))
	require.NoError(t, b.IncrementJobCount(ctx, job.ID, false))

	// UpdateJob must not clobber counters with a stale copy.
	got.Status = models.JobPaused
	got.SuccessCount = 0
	require.NoError(t, b.UpdateJob(ctx, got))

	got, err = b.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPaused, got.Status)
	assert.Equal(t, 2, got.SuccessCount)
	assert.Equal(t, 1, got.ErrorCount)

	require.NoError(t, b.UpdateJobNextRun(ctx, job.ID, nil))
	got, err = b.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRunTime)

	list, err := b.ListJobs(ctx, backend.Eq("request_template.system", "echo"))
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = b.ListJobs(ctx, backend.Eq("status", string(models.JobRunning)))
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, b.DeleteJob(ctx, job.ID))
	assert.True(t, bgerrors.IsNotFound(b.IncrementJobCount(ctx, job.ID, true)))
	assert.True(t, bgerrors.IsNotFound(b.DeleteJob(ctx, job.ID)))
}

func testUsersAndRoles(t *testing.T, b backend.Backend) {
	ctx := context.Background()

	role := &models.Role{Name: "operators", Permission: models.PermissionOperator, ScopeNamespaces: []string{"ns"}}
	require.NoError(t, b.CreateRole(ctx, role))
	assert.True(t, bgerrors.IsConflict(b.CreateRole(ctx, &models.Role{Name: "operators", Permission: models.PermissionReadOnly})))

	gotRole, err := b.GetRoleByName(ctx, "operators")
	require.NoError(t, err)
	assert.Equal(t, []string{"ns"}, gotRole.ScopeNamespaces)

	user := &models.User{Username: "alice", PasswordHash: "hash", Roles: []string{"operators"}}
	require.NoError(t, b.CreateUser(ctx, user))
	assert.True(t, bgerrors.IsConflict(b.CreateUser(ctx, &models.User{Username: "alice"})))

	bob := &models.User{Username: "bob"}
	require.NoError(t, b.CreateUser(ctx, bob))
	bob.Username = "alice"
	assert.True(t, bgerrors.IsConflict(b.UpdateUser(ctx, bob)))

	got, err := b.GetUserByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hash", got.PasswordHash)
	assert.Equal(t, []string{"operators"}, got.Roles)

	users, err := b.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)

	require.NoError(t, b.DeleteUser(ctx, user.ID))
	_, err = b.GetUser(ctx, user.ID)
	assert.True(t, bgerrors.IsNotFound(err))

	require.NoError(t, b.DeleteRole(ctx, role.ID))
	roles, err := b.ListRoles(ctx)
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func testTokens(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for _, jti := range []string{"a", "b"} {
		require.NoError(t, b.CreateToken(ctx, &models.UserToken{JTI: jti, UserID: "u1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))
	}
	require.NoError(t, b.CreateToken(ctx, &models.UserToken{JTI: "c", UserID: "u2", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))

	tok, err := b.GetToken(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "u1", tok.UserID)
	assert.True(t, tok.ExpiresAt.Equal(now.Add(time.Hour)))

	require.NoError(t, b.DeleteToken(ctx, "a"))
	require.NoError(t, b.DeleteToken(ctx, "a"))
	require.NoError(t, b.DeleteUserTokens(ctx, "u1"))

	_, err = b.GetToken(ctx, "b")
	assert.True(t, bgerrors.IsNotFound(err))
	_, err = b.GetToken(ctx, "c")
	assert.NoError(t, err)
}

func testGardens(t *testing.T, b backend.Backend) {
	ctx := context.Background()

	g := &models.Garden{
		Name:           "child",
		ConnectionType: models.ConnectionHTTP,
		Namespaces:     []string{"ns"},
		Systems:        []*models.System{NewSystem("ns", "echo", "1.0.0")},
	}
	require.NoError(t, b.CreateGarden(ctx, g))
	assert.True(t, bgerrors.IsConflict(b.CreateGarden(ctx, &models.Garden{Name: "child"})))

	got, err := b.GetGarden(ctx, "child")
	require.NoError(t, err)
	assert.Empty(t, got.Systems, "systems are not stored with the garden")
	assert.Equal(t, []string{"ns"}, got.Namespaces)

	got.Status = "RUNNING"
	require.NoError(t, b.UpdateGarden(ctx, got))

	list, err := b.ListGardens(ctx, backend.Eq("namespaces", "ns"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "RUNNING", list[0].Status)

	require.NoError(t, b.DeleteGarden(ctx, "child"))
	assert.True(t, bgerrors.IsNotFound(b.DeleteGarden(ctx, "child")))
}
