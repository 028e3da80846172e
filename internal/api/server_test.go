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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beer-garden/beergarden/internal/auth"
	"github.com/beer-garden/beergarden/internal/backend/memory"
	"github.com/beer-garden/beergarden/internal/engine"
	"github.com/beer-garden/beergarden/internal/events"
	"github.com/beer-garden/beergarden/internal/models"
	"github.com/beer-garden/beergarden/internal/queue"
	qmemory "github.com/beer-garden/beergarden/internal/queue/memory"
	"github.com/beer-garden/beergarden/internal/registry"
	"github.com/beer-garden/beergarden/internal/scheduler"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

var testSecret = []byte("api-test-secret-32-bytes-long!!!")

type fixture struct {
	srv    *httptest.Server
	store  *memory.Backend
	engine *engine.Engine
}

func newFixture(t *testing.T, authEnabled bool) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	bus := events.NewBus("local", nil)
	qm := queue.NewManager(qmemory.New())
	eng := engine.New(store, qm, engine.Config{Garden: "local"}, engine.WithEvents(bus))
	qm.SetCanceler(eng)
	reg := registry.New(store, qm, registry.Config{Garden: "local", QueueType: "memory"}, registry.WithEvents(bus))
	sched := scheduler.New(store, eng, scheduler.Config{MaxWorkers: 2, TickInterval: 10 * time.Millisecond})
	_, err := reg.EnsureLocalGarden(ctx)
	require.NoError(t, err)
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(sched.Stop)

	require.NoError(t, auth.Bootstrap(ctx, store, auth.BootstrapConfig{
		AdminUsername: "admin",
		AdminPassword: "secret",
	}, nil))

	s := New(Config{Version: "test", Garden: "local", AuthEnabled: authEnabled, URLPrefix: "/"}, Deps{
		Requests:   eng,
		Systems:    reg,
		Jobs:       sched,
		Queues:     qm,
		Accounts:   store,
		Tokens:     auth.NewTokens(store, auth.TokenConfig{Secret: testSecret}),
		Authorizer: auth.NewAuthorizer(store, "local", nil),
		Events:     bus,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store, engine: eng}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) login(t *testing.T, username, password string) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/token", "", credentials{Username: username, Password: password})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[auth.TokenPair](t, resp).Access
}

func systemBody(name string) map[string]any {
	return map[string]any{
		"namespace": "ns",
		"name":      name,
		"version":   "1.0.0",
		"instances": []map[string]any{{"name": "default"}},
		"commands": []map[string]any{{
			"name":        "say",
			"output_type": "JSON",
			"parameters":  []map[string]any{{"key": "message", "type": "String"}},
		}},
	}
}

func requestBody(system, message string) map[string]any {
	return map[string]any{
		"namespace":      "ns",
		"system":         system,
		"system_version": "1.0.0",
		"instance_name":  "default",
		"command":        "say",
		"parameters":     map[string]any{"message": message},
	}
}

func (f *fixture) createSystem(t *testing.T, token, name string) *models.System {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/systems", token, systemBody(name))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[*models.System](t, resp)
}

func (f *fixture) submit(t *testing.T, token, system, message string) *models.Request {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/requests", token, requestBody(system, message))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[*models.Request](t, resp)
}

func TestPublicRoutesAndAuthentication(t *testing.T) {
	f := newFixture(t, true)

	resp := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/version", "", nil)
	assert.Equal(t, "test", decode[map[string]string](t, resp)["beer_garden_version"])

	resp = f.do(t, http.MethodGet, "/api/v1/systems", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/systems", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/token", "", credentials{Username: "admin", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token := f.login(t, "admin", "secret")
	resp = f.do(t, http.MethodGet, "/api/v1/systems", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]*models.System](t, resp))
}

func TestRefreshAndLogout(t *testing.T) {
	f := newFixture(t, true)

	resp := f.do(t, http.MethodPost, "/api/v1/token", "", credentials{Username: "admin", Password: "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pair := decode[auth.TokenPair](t, resp)

	resp = f.do(t, http.MethodPost, "/api/v1/token/refresh", "", refreshBody{Refresh: pair.Refresh})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	next := decode[auth.TokenPair](t, resp)

	// Refresh tokens rotate.
	resp = f.do(t, http.MethodPost, "/api/v1/token/refresh", "", refreshBody{Refresh: pair.Refresh})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/v1/token", next.Access, refreshBody{Refresh: next.Refresh})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/v1/token/refresh", "", refreshBody{Refresh: next.Refresh})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSystemLifecycle(t *testing.T) {
	f := newFixture(t, false)

	sys := f.createSystem(t, "", "echo")
	assert.Equal(t, -1, sys.MaxInstances)
	assert.Equal(t, "local", sys.Garden)
	require.Len(t, sys.Instances, 1)
	assert.Equal(t, "ns.echo.1-0-0.default", sys.Instances[0].QueueInfo.RequestQueue)
	f.createSystem(t, "", "beer")

	resp := f.do(t, http.MethodGet, "/api/v1/systems?name=echo", "", nil)
	systems := decode[[]*models.System](t, resp)
	require.Len(t, systems, 1)
	assert.Equal(t, sys.ID, systems[0].ID)

	resp = f.do(t, http.MethodPatch, "/api/v1/systems/"+sys.ID, "", map[string]any{
		"operations": []models.PatchOperation{{Operation: models.PatchReplace, Path: "/description", Value: "echoes"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "echoes", decode[*models.System](t, resp).Description)

	instID := sys.Instances[0].ID
	resp = f.do(t, http.MethodPatch, "/api/v1/instances/"+instID, "", map[string]any{
		"operations": []models.PatchOperation{{Operation: "initialize"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.InstanceRunning, decode[*models.Instance](t, resp).Status)

	resp = f.do(t, http.MethodGet, "/api/v1/gardens/local", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPatch, "/api/v1/systems/"+sys.ID, "", map[string]any{"operations": []any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/v1/systems/"+sys.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/v1/systems/"+sys.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[errorBody](t, resp).Kind)
}

func TestRequestsDatatables(t *testing.T) {
	f := newFixture(t, false)
	f.createSystem(t, "", "echo")
	for _, msg := range []string{"one", "two", "three"} {
		f.submit(t, "", "echo", msg)
	}

	resp := f.do(t, http.MethodGet, "/api/v1/requests?start=0&length=2&draw=7", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("length"))
	assert.Equal(t, "3", resp.Header.Get("recordsFiltered"))
	assert.Equal(t, "3", resp.Header.Get("recordsTotal"))
	assert.Equal(t, "7", resp.Header.Get("draw"))
	assert.Equal(t, "0", resp.Header.Get("start"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "recordsTotal")
	assert.Len(t, decode[[]*models.Request](t, resp), 2)

	q := url.Values{}
	q.Set("search", `{"value":"nomatch"}`)
	resp = f.do(t, http.MethodGet, "/api/v1/requests?"+q.Encode(), "", nil)
	assert.Equal(t, "0", resp.Header.Get("recordsFiltered"))
	assert.Equal(t, "3", resp.Header.Get("recordsTotal"))
	assert.Empty(t, decode[[]*models.Request](t, resp))

	q = url.Values{}
	q.Add("columns", `{"data":"command","search":{"value":"sa"}}`)
	q.Add("columns", `{"data":"status"}`)
	q.Set("order", `{"column":0,"dir":"asc"}`)
	resp = f.do(t, http.MethodGet, "/api/v1/requests?"+q.Encode(), "", nil)
	assert.Equal(t, "3", resp.Header.Get("recordsFiltered"))

	resp = f.do(t, http.MethodGet, "/api/v1/requests?columns=notjson", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestCompletionAndOutput(t *testing.T) {
	f := newFixture(t, false)
	f.createSystem(t, "", "echo")
	req := f.submit(t, "", "echo", "hi")
	assert.Equal(t, models.StatusCreated, req.Status)
	assert.Equal(t, "anonymous", req.Requester)

	patch := func(ops ...models.PatchOperation) *http.Response {
		return f.do(t, http.MethodPatch, "/api/v1/requests/"+req.ID, "", map[string]any{"operations": ops})
	}
	resp := patch(models.PatchOperation{Operation: models.PatchReplace, Path: "/status", Value: "IN_PROGRESS"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = patch(
		models.PatchOperation{Operation: models.PatchReplace, Path: "/status", Value: "SUCCESS"},
		models.PatchOperation{Operation: models.PatchReplace, Path: "/output", Value: `{"a":1}`},
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.StatusSuccess, decode[*models.Request](t, resp).Status)

	resp = patch(models.PatchOperation{Operation: models.PatchReplace, Path: "/status", Value: "IN_PROGRESS"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/requests/"+req.ID+"/output", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(body))
}

func TestFormRequest(t *testing.T) {
	f := newFixture(t, false)
	f.createSystem(t, "", "echo")

	form := url.Values{
		"namespace":          {"ns"},
		"system":             {"echo"},
		"system_version":     {"1.0.0"},
		"instance_name":      {"default"},
		"command":            {"say"},
		"parameters.message": {"from a form"},
	}
	resp, err := f.srv.Client().Post(f.srv.URL+"/api/v1/requests", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "from a form", decode[*models.Request](t, resp).Parameters["message"])
}

func TestSetPathNests(t *testing.T) {
	m := map[string]any{}
	setPath(m, []string{"a", "b"}, "x")
	setPath(m, []string{"a", "c"}, "y")
	setPath(m, []string{"d"}, "z")
	assert.Equal(t, map[string]any{"a": map[string]any{"b": "x", "c": "y"}, "d": "z"}, m)
}

func TestBlockingRequestTimesOut(t *testing.T) {
	f := newFixture(t, false)
	f.createSystem(t, "", "echo")

	resp := f.do(t, http.MethodPost, "/api/v1/requests?blocking=true&timeout=0.05", "", requestBody("echo", "hi"))
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/requests", "", requestBody("missing", "hi"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScopedUser(t *testing.T) {
	f := newFixture(t, true)
	admin := f.login(t, "admin", "secret")
	echo := f.createSystem(t, admin, "echo")
	f.createSystem(t, admin, "beer")
	other := f.submit(t, admin, "beer", "not yours")

	resp := f.do(t, http.MethodPost, "/api/v1/roles", admin, models.Role{
		Name:         "echo-ops",
		Permission:   models.PermissionOperator,
		ScopeSystems: []string{"echo"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/v1/users", admin, map[string]any{
		"username": "bob", "password": "hunter2", "roles": []string{"echo-ops"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, decode[*models.User](t, resp).PasswordHash)

	bob := f.login(t, "bob", "hunter2")

	resp = f.do(t, http.MethodGet, "/api/v1/systems", bob, nil)
	systems := decode[[]*models.System](t, resp)
	require.Len(t, systems, 1)
	assert.Equal(t, echo.ID, systems[0].ID)

	resp = f.do(t, http.MethodPost, "/api/v1/requests", bob, requestBody("beer", "hi"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/requests/"+other.ID, bob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	mine := f.submit(t, bob, "echo", "hi")
	assert.Equal(t, "bob", mine.Requester)

	resp = f.do(t, http.MethodGet, "/api/v1/requests", bob, nil)
	assert.Equal(t, "1", resp.Header.Get("recordsTotal"))

	// OPERATOR cannot administer systems or users.
	resp = f.do(t, http.MethodDelete, "/api/v1/systems/"+echo.ID, bob, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/v1/queues", bob, nil)
	assert.Empty(t, decode[[]queueStatus](t, resp))
	resp = f.do(t, http.MethodPost, "/api/v1/roles", bob, models.Role{Name: "x", Permission: models.PermissionReadOnly})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/users", bob, nil)
	users := decode[[]*models.User](t, resp)
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].Username)
}

func TestQueuesClearCancelsRequests(t *testing.T) {
	f := newFixture(t, false)
	f.createSystem(t, "", "echo")
	first := f.submit(t, "", "echo", "one")
	f.submit(t, "", "echo", "two")

	resp := f.do(t, http.MethodGet, "/api/v1/queues", "", nil)
	queues := decode[[]queueStatus](t, resp)
	require.Len(t, queues, 1)
	assert.Equal(t, "ns.echo.1-0-0.default", queues[0].Name)
	assert.Equal(t, 2, queues[0].Size)

	resp = f.do(t, http.MethodDelete, "/api/v1/queues/ns.echo.1-0-0.default", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	req, err := f.engine.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, req.Status)

	resp = f.do(t, http.MethodDelete, "/api/v1/queues/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobLifecycle(t *testing.T) {
	f := newFixture(t, false)
	job := map[string]any{
		"name":             "later",
		"trigger_type":     "date",
		"trigger":          map[string]any{"run_date": "2030-01-01T00:00:00Z"},
		"request_template": requestBody("echo", "hi"),
	}
	resp := f.do(t, http.MethodPost, "/api/v1/jobs", "", job)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[*models.Job](t, resp)
	assert.Equal(t, models.JobRunning, created.Status)

	resp = f.do(t, http.MethodPatch, "/api/v1/jobs/"+created.ID, "", map[string]any{
		"operations": []models.PatchOperation{{Operation: models.PatchUpdate, Path: "/status", Value: "PAUSED"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.JobPaused, decode[*models.Job](t, resp).Status)

	resp = f.do(t, http.MethodGet, "/api/v1/jobs", "", nil)
	assert.Len(t, decode[[]*models.Job](t, resp), 1)

	resp = f.do(t, http.MethodDelete, "/api/v1/jobs/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/v1/jobs/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	f.createSystem(t, "", "echo")

	buf := make([]byte, 4096)
	var got strings.Builder
	for !strings.Contains(got.String(), "event: "+models.EventSystemCreated) {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
}

func TestLoginRateLimit(t *testing.T) {
	l := newLimiter(0, 2)
	assert.True(t, l.allow("a"))
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"))
}

func TestWriteErrorLogging(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		wantLog string
	}{
		{"validation is quiet", &bgerrors.ValidationError{Field: "name", Message: "required"}, http.StatusBadRequest, ""},
		{"forbidden warns", &bgerrors.ForbiddenError{Permission: "request:create"}, http.StatusForbidden, "request forbidden"},
		{"timeout warns", &bgerrors.TimeoutError{Operation: "request completion", Duration: time.Second}, http.StatusRequestTimeout, "request timed out"},
		{"internal errors", io.ErrUnexpectedEOF, http.StatusInternalServerError, "request failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			s := &Server{logger: slog.New(slog.NewJSONHandler(&buf, nil))}
			rec := httptest.NewRecorder()
			s.writeError(rec, httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			if tt.wantLog == "" {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), tt.wantLog)
			assert.Contains(t, buf.String(), "/api/v1/requests")
		})
	}
}
