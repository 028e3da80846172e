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
	"net/http"
	"strconv"

	"github.com/beer-garden/beergarden/internal/auth"
	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

func (s *Server) systemRoutes() {
	s.mux.HandleFunc("GET "+apiBase+"/systems", s.handleListSystems)
	s.mux.HandleFunc("POST "+apiBase+"/systems", s.handleCreateSystem)
	s.mux.HandleFunc("GET "+apiBase+"/systems/{id}", s.handleGetSystem)
	s.mux.HandleFunc("PATCH "+apiBase+"/systems/{id}", s.handlePatchSystem)
	s.mux.HandleFunc("DELETE "+apiBase+"/systems/{id}", s.handleDeleteSystem)

	s.mux.HandleFunc("GET "+apiBase+"/instances/{id}", s.handleGetInstance)
	s.mux.HandleFunc("PATCH "+apiBase+"/instances/{id}", s.handlePatchInstance)

	s.mux.HandleFunc("GET "+apiBase+"/gardens", s.handleListGardens)
	s.mux.HandleFunc("GET "+apiBase+"/gardens/{name}", s.handleGetGarden)
}

func (s *Server) handleListSystems(w http.ResponseWriter, r *http.Request) {
	q := auth.QueryFilter(principal(r), models.PermissionReadOnly, auth.ModelSystem)
	params := r.URL.Query()
	for _, field := range []string{"namespace", "name", "version"} {
		if v := params.Get(field); v != "" {
			q = backend.And(q, backend.Eq(field, v))
		}
	}

	systems, err := s.deps.Systems.List(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auth.FilterObject(nonNil(systems), principal(r), models.PermissionReadOnly, auth.Hints{Garden: s.cfg.Garden}))
}

func (s *Server) handleCreateSystem(w http.ResponseWriter, r *http.Request) {
	// An absent max_instances means unbounded.
	sys := &models.System{MaxInstances: -1}
	if err := decodeJSON(r, sys); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.allowed(w, r, models.PermissionPluginAdmin, sys) {
		return
	}

	saved, err := s.deps.Systems.CreateOrUpdate(r.Context(), sys)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sys, err := s.deps.Systems.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out, ok := s.visible(w, r, models.PermissionReadOnly, sys, "system", id); ok {
		writeJSON(w, http.StatusOK, out)
	}
}

// loadSystem fetches a system the caller can at least see and holds level
// over.
func (s *Server) loadSystem(w http.ResponseWriter, r *http.Request, level models.Permission) (*models.System, bool) {
	id := r.PathValue("id")
	sys, err := s.deps.Systems.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if _, ok := s.visible(w, r, models.PermissionReadOnly, sys, "system", id); !ok {
		return nil, false
	}
	if !s.allowed(w, r, level, sys) {
		return nil, false
	}
	return sys, true
}

func (s *Server) handlePatchSystem(w http.ResponseWriter, r *http.Request) {
	sys, ok := s.loadSystem(w, r, models.PermissionPluginAdmin)
	if !ok {
		return
	}
	ops, err := decodePatch(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.deps.Systems.Patch(r.Context(), sys.ID, ops)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteSystem(w http.ResponseWriter, r *http.Request) {
	sys, ok := s.loadSystem(w, r, models.PermissionPluginAdmin)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := s.deps.Systems.Delete(r.Context(), sys.ID, force); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadInstance resolves an instance through its system so the system's
// scope applies.
func (s *Server) loadInstance(w http.ResponseWriter, r *http.Request, level models.Permission) (*models.Instance, bool) {
	id := r.PathValue("id")
	inst, err := s.deps.Systems.GetInstance(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	sys, err := s.deps.Systems.Get(r.Context(), inst.SystemID)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	filtered, _ := auth.FilterObject(sys, principal(r), level, auth.Hints{Garden: s.cfg.Garden}).(*models.System)
	if filtered == nil || filtered.InstanceByID(id) == nil {
		if level != models.PermissionReadOnly {
			if seen, _ := auth.FilterObject(sys, principal(r), models.PermissionReadOnly, auth.Hints{Garden: s.cfg.Garden}).(*models.System); seen != nil && seen.InstanceByID(id) != nil {
				s.writeError(w, r, &bgerrors.ForbiddenError{Permission: string(level), Message: principal(r).Username() + " lacks " + string(level)})
				return nil, false
			}
		}
		s.writeError(w, r, &bgerrors.NotFoundError{Resource: "instance", ID: id})
		return nil, false
	}
	return inst, true
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.loadInstance(w, r, models.PermissionReadOnly)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handlePatchInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.loadInstance(w, r, models.PermissionPluginAdmin)
	if !ok {
		return
	}
	ops, err := decodePatch(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.deps.Systems.PatchInstance(r.Context(), inst.ID, ops)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListGardens(w http.ResponseWriter, r *http.Request) {
	q := auth.QueryFilter(principal(r), models.PermissionReadOnly, auth.ModelGarden)
	gardens, err := s.deps.Systems.Gardens(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auth.FilterObject(nonNil(gardens), principal(r), models.PermissionReadOnly, auth.Hints{}))
}

func (s *Server) handleGetGarden(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	g, err := s.deps.Systems.Garden(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out, ok := s.visible(w, r, models.PermissionReadOnly, g, "garden", name); ok {
		writeJSON(w, http.StatusOK, out)
	}
}
