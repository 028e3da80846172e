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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/beer-garden/beergarden/internal/auth"
	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/models"
	"github.com/beer-garden/beergarden/internal/runner"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

func (s *Server) adminRoutes() {
	s.mux.HandleFunc("GET "+apiBase+"/queues", s.handleListQueues)
	s.mux.HandleFunc("DELETE "+apiBase+"/queues", s.handleClearQueues)
	s.mux.HandleFunc("DELETE "+apiBase+"/queues/{name}", s.handleClearQueue)

	if s.deps.Runners != nil {
		s.mux.HandleFunc("GET "+apiBase+"/runners", s.handleListRunners)
		s.mux.HandleFunc("PATCH "+apiBase+"/runners", s.handleReloadRunners)
		s.mux.HandleFunc("GET "+apiBase+"/runners/{id}", s.handleGetRunner)
		s.mux.HandleFunc("PATCH "+apiBase+"/runners/{id}", s.handlePatchRunner)
		s.mux.HandleFunc("DELETE "+apiBase+"/runners/{id}", s.handleDeleteRunner)
	}

	s.mux.HandleFunc("GET "+apiBase+"/users", s.handleListUsers)
	s.mux.HandleFunc("POST "+apiBase+"/users", s.handleCreateUser)
	s.mux.HandleFunc("GET "+apiBase+"/users/{id}", s.handleGetUser)
	s.mux.HandleFunc("PATCH "+apiBase+"/users/{id}", s.handlePatchUser)
	s.mux.HandleFunc("DELETE "+apiBase+"/users/{id}", s.handleDeleteUser)

	s.mux.HandleFunc("GET "+apiBase+"/roles", s.handleListRoles)
	s.mux.HandleFunc("POST "+apiBase+"/roles", s.handleCreateRole)
	s.mux.HandleFunc("GET "+apiBase+"/roles/{id}", s.handleGetRole)
	s.mux.HandleFunc("DELETE "+apiBase+"/roles/{id}", s.handleDeleteRole)

	if s.deps.Events != nil {
		s.mux.HandleFunc("GET "+apiBase+"/events", s.handleEvents)
	}
}

// Queues

type queueStatus struct {
	Name     string `json:"name"`
	System   string `json:"system"`
	Version  string `json:"version"`
	Instance string `json:"instance"`
	Size     int    `json:"size"`
}

// managedQueues lists the request queues of instances the caller administers.
func (s *Server) managedQueues(r *http.Request) ([]queueStatus, error) {
	p := principal(r)
	q := auth.QueryFilter(p, models.PermissionPluginAdmin, auth.ModelSystem)
	systems, err := s.deps.Systems.List(r.Context(), q)
	if err != nil {
		return nil, err
	}
	visible, _ := auth.FilterObject(nonNil(systems), p, models.PermissionPluginAdmin, auth.Hints{Garden: s.cfg.Garden}).([]*models.System)

	var out []queueStatus
	for _, sys := range visible {
		for _, inst := range sys.Instances {
			if inst.QueueInfo.RequestQueue == "" {
				continue
			}
			out = append(out, queueStatus{
				Name:     inst.QueueInfo.RequestQueue,
				System:   sys.Name,
				Version:  sys.Version,
				Instance: inst.Name,
			})
		}
	}
	return out, nil
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.managedQueues(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]queueStatus, 0, len(queues))
	for _, qs := range queues {
		size, err := s.deps.Queues.Size(r.Context(), qs.Name)
		if bgerrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		qs.Size = size
		out = append(out, qs)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	queues, err := s.managedQueues(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, qs := range queues {
		if qs.Name != name {
			continue
		}
		if err := s.deps.Queues.Clear(r.Context(), name); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeError(w, r, &bgerrors.NotFoundError{Resource: "queue", ID: name})
}

func (s *Server) handleClearQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.managedQueues(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, qs := range queues {
		if err := s.deps.Queues.Clear(r.Context(), qs.Name); err != nil && !bgerrors.IsNotFound(err) {
			s.writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Runners are process-level and carry no scope, so they need global
// PLUGIN_ADMIN.

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(w, r, models.PermissionPluginAdmin, nil) {
		return
	}
	runners, err := s.deps.Runners.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runners == nil {
		runners = []runner.Runner{}
	}
	writeJSON(w, http.StatusOK, runners)
}

func (s *Server) handleGetRunner(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(w, r, models.PermissionPluginAdmin, nil) {
		return
	}
	rn, err := s.deps.Runners.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

func (s *Server) handlePatchRunner(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(w, r, models.PermissionPluginAdmin, nil) {
		return
	}
	ops, err := decodePatch(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	id := r.PathValue("id")
	for _, op := range ops {
		switch op.Operation {
		case "start":
			_, err = s.deps.Runners.Start(r.Context(), id)
		case "stop":
			err = s.deps.Runners.Stop(r.Context(), id)
		case "restart":
			_, err = s.deps.Runners.Restart(r.Context(), id)
		default:
			err = &bgerrors.ValidationError{Field: "operation", Message: fmt.Sprintf("unsupported operation %q", op.Operation)}
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	rn, err := s.deps.Runners.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rn)
}

func (s *Server) handleReloadRunners(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(w, r, models.PermissionPluginAdmin, nil) {
		return
	}
	ops, err := decodePatch(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	started := []runner.Runner{}
	for _, op := range ops {
		if op.Operation != models.PatchReload {
			s.writeError(w, r, &bgerrors.ValidationError{Field: "operation", Message: fmt.Sprintf("unsupported operation %q", op.Operation)})
			return
		}
		rs, err := s.deps.Runners.ScanAndStart(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		started = append(started, rs...)
	}
	writeJSON(w, http.StatusOK, started)
}

func (s *Server) handleDeleteRunner(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(w, r, models.PermissionPluginAdmin, nil) {
		return
	}
	if err := s.deps.Runners.Remove(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Users and roles

func publicUsers(v any) []*models.User {
	users, _ := v.([]*models.User)
	out := make([]*models.User, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	return out
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Accounts.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	visible := auth.FilterObject(nonNil(users), principal(r), models.PermissionReadOnly, auth.Hints{})
	writeJSON(w, http.StatusOK, publicUsers(visible))
}

type userBody struct {
	Username string    `json:"username"`
	Password *string   `json:"password,omitempty"`
	Roles    *[]string `json:"roles,omitempty"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(w, r, models.PermissionGardenAdmin, nil) {
		return
	}
	var body userBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Password == nil || *body.Password == "" {
		s.writeError(w, r, &bgerrors.ValidationError{Field: "password", Message: "password is required"})
		return
	}

	user := &models.User{Username: body.Username}
	if body.Roles != nil {
		if err := s.checkRoles(r, *body.Roles); err != nil {
			s.writeError(w, r, err)
			return
		}
		user.Roles = *body.Roles
	}
	hash, err := auth.HashPassword(*body.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user.PasswordHash = hash
	if err := user.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Accounts.CreateUser(r.Context(), user); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user.Public())
}

func (s *Server) checkRoles(r *http.Request, names []string) error {
	for _, name := range names {
		if _, err := s.deps.Accounts.GetRoleByName(r.Context(), name); err != nil {
			if bgerrors.IsNotFound(err) {
				return &bgerrors.ValidationError{Field: "roles", Message: fmt.Sprintf("role %q does not exist", name)}
			}
			return err
		}
	}
	return nil
}

func (s *Server) loadUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	id := r.PathValue("id")
	user, err := s.deps.Accounts.GetUser(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if _, ok := s.visible(w, r, models.PermissionReadOnly, user, "user", id); !ok {
		return nil, false
	}
	return user, true
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if user, ok := s.loadUser(w, r); ok {
		writeJSON(w, http.StatusOK, user.Public())
	}
}

// handlePatchUser lets users change their own password. Role changes and
// other users' passwords need global GARDEN_ADMIN.
func (s *Server) handlePatchUser(w http.ResponseWriter, r *http.Request) {
	user, ok := s.loadUser(w, r)
	if !ok {
		return
	}
	var body userBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	self := principal(r).User != nil && principal(r).User.ID == user.ID
	if (body.Roles != nil || !self) && !s.allowed(w, r, models.PermissionGardenAdmin, nil) {
		return
	}

	if body.Roles != nil {
		if err := s.checkRoles(r, *body.Roles); err != nil {
			s.writeError(w, r, err)
			return
		}
		user.Roles = *body.Roles
	}
	if body.Password != nil {
		hash, err := auth.HashPassword(*body.Password)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		user.PasswordHash = hash
	}
	if err := s.deps.Accounts.UpdateUser(r.Context(), user); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Password != nil && s.deps.Tokens != nil {
		if err := s.deps.Tokens.RevokeAll(r.Context(), user.ID); err != nil {
			s.logger.Warn("failed to revoke tokens after password change", log.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, user.Public())
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(w, r, models.PermissionGardenAdmin, nil) {
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Accounts.DeleteUser(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Tokens != nil {
		if err := s.deps.Tokens.RevokeAll(r.Context(), id); err != nil {
			s.logger.Warn("failed to revoke tokens of deleted user", log.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.deps.Accounts.ListRoles(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auth.FilterObject(nonNil(roles), principal(r), models.PermissionReadOnly, auth.Hints{}))
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(w, r, models.PermissionGardenAdmin, nil) {
		return
	}
	var role models.Role
	if err := decodeJSON(r, &role); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := role.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Accounts.CreateRole(r.Context(), &role); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &role)
}

func (s *Server) handleGetRole(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	role, err := s.deps.Accounts.GetRole(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out, ok := s.visible(w, r, models.PermissionReadOnly, role, "role", id); ok {
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(w, r, models.PermissionGardenAdmin, nil) {
		return
	}
	if err := s.deps.Accounts.DeleteRole(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Events

const sseKeepAlive = 30 * time.Second

// handleEvents streams events the caller may read as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fmt.Errorf("streaming unsupported"))
		return
	}
	p := principal(r)
	sub := s.deps.Events.Subscribe(0)
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			out, _ := auth.FilterObject(ev, p, models.PermissionReadOnly, auth.Hints{Garden: s.cfg.Garden}).(*models.Event)
			if out == nil {
				continue
			}
			data, err := json.Marshal(out)
			if err != nil {
				s.logger.Warn("failed to encode event", log.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", out.Name, data)
			flusher.Flush()
		}
	}
}
