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
	"fmt"
	"net/http"

	"github.com/beer-garden/beergarden/internal/auth"
	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

func (s *Server) jobRoutes() {
	s.mux.HandleFunc("GET "+apiBase+"/jobs", s.handleListJobs)
	s.mux.HandleFunc("POST "+apiBase+"/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET "+apiBase+"/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("PUT "+apiBase+"/jobs/{id}", s.handleUpdateJob)
	s.mux.HandleFunc("PATCH "+apiBase+"/jobs/{id}", s.handlePatchJob)
	s.mux.HandleFunc("DELETE "+apiBase+"/jobs/{id}", s.handleDeleteJob)
	s.mux.HandleFunc("POST "+apiBase+"/jobs/{id}/execute", s.handleExecuteJob)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := auth.QueryFilter(principal(r), models.PermissionReadOnly, auth.ModelJob)
	jobs, err := s.deps.Jobs.List(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auth.FilterObject(nonNil(jobs), principal(r), models.PermissionReadOnly, auth.Hints{Garden: s.cfg.Garden}))
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var job models.Job
	if err := decodeJSON(r, &job); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.allowed(w, r, models.PermissionOperator, &job) {
		return
	}
	created, err := s.deps.Jobs.Create(r.Context(), &job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// loadJob fetches a job the caller can see and holds level over.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request, level models.Permission) (*models.Job, bool) {
	id := r.PathValue("id")
	job, err := s.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if _, ok := s.visible(w, r, models.PermissionReadOnly, job, "job", id); !ok {
		return nil, false
	}
	if level != models.PermissionReadOnly && !s.allowed(w, r, level, job) {
		return nil, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if job, ok := s.loadJob(w, r, models.PermissionReadOnly); ok {
		writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.loadJob(w, r, models.PermissionOperator)
	if !ok {
		return
	}
	var job models.Job
	if err := decodeJSON(r, &job); err != nil {
		s.writeError(w, r, err)
		return
	}
	job.ID = existing.ID
	// The replacement must also be within the caller's scope.
	if !s.allowed(w, r, models.PermissionOperator, &job) {
		return
	}
	updated, err := s.deps.Jobs.Update(r.Context(), &job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handlePatchJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r, models.PermissionOperator)
	if !ok {
		return
	}
	ops, err := decodePatch(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	for _, op := range ops {
		if op.Operation != models.PatchUpdate && op.Operation != models.PatchReplace || op.Path != "/status" {
			s.writeError(w, r, &bgerrors.ValidationError{Field: "path", Message: fmt.Sprintf("unsupported operation %s %s", op.Operation, op.Path)})
			return
		}
		switch models.JobStatus(fmt.Sprint(op.Value)) {
		case models.JobPaused:
			job, err = s.deps.Jobs.Pause(r.Context(), job.ID)
		case models.JobRunning:
			job, err = s.deps.Jobs.Resume(r.Context(), job.ID)
		default:
			err = &bgerrors.ValidationError{Field: "status", Message: fmt.Sprintf("invalid job status %v", op.Value)}
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r, models.PermissionOperator)
	if !ok {
		return
	}
	if err := s.deps.Jobs.Delete(r.Context(), job.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecuteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r, models.PermissionOperator)
	if !ok {
		return
	}
	if err := s.deps.Jobs.Execute(r.Context(), job.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": "submitted"})
}
