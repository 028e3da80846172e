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
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/beer-garden/beergarden/internal/auth"
	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

func (s *Server) requestRoutes() {
	s.mux.HandleFunc("GET "+apiBase+"/requests", s.handleListRequests)
	s.mux.HandleFunc("POST "+apiBase+"/requests", s.handleCreateRequest)
	s.mux.HandleFunc("GET "+apiBase+"/requests/{id}", s.handleGetRequest)
	s.mux.HandleFunc("GET "+apiBase+"/requests/{id}/output", s.handleRequestOutput)
	s.mux.HandleFunc("PATCH "+apiBase+"/requests/{id}", s.handlePatchRequest)
	s.mux.HandleFunc("DELETE "+apiBase+"/requests/{id}", s.handleDeleteRequest)
}

// Datatables query parameters.
type dtColumn struct {
	Data   string `json:"data"`
	Search struct {
		Value string `json:"value"`
	} `json:"search"`
}

type dtOrder struct {
	Column int    `json:"column"`
	Dir    string `json:"dir"`
}

func parseRequestFilter(r *http.Request) (backend.RequestFilter, int, error) {
	params := r.URL.Query()
	filter := backend.RequestFilter{
		Columns:    map[string]string{},
		OrderBy:    "created_at",
		Descending: true,
	}

	var columns []dtColumn
	for _, raw := range params["columns"] {
		var col dtColumn
		if err := json.Unmarshal([]byte(raw), &col); err != nil {
			return filter, 0, &bgerrors.ValidationError{Field: "columns", Message: "invalid column: " + err.Error()}
		}
		columns = append(columns, col)
		if col.Data != "" && col.Search.Value != "" {
			filter.Columns[col.Data] = col.Search.Value
		}
	}

	if raw := params.Get("search"); raw != "" {
		var search struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal([]byte(raw), &search); err != nil {
			return filter, 0, &bgerrors.ValidationError{Field: "search", Message: "invalid search: " + err.Error()}
		}
		filter.Search = search.Value
	}

	if raw := params.Get("order"); raw != "" {
		var order dtOrder
		if err := json.Unmarshal([]byte(raw), &order); err != nil {
			return filter, 0, &bgerrors.ValidationError{Field: "order", Message: "invalid order: " + err.Error()}
		}
		if order.Column >= 0 && order.Column < len(columns) && backend.SortableRequestColumns[columns[order.Column].Data] {
			filter.OrderBy = columns[order.Column].Data
			filter.Descending = strings.EqualFold(order.Dir, "desc")
		}
	}

	var err error
	if filter.Offset, err = intParam(params.Get("start"), 0, "start"); err != nil {
		return filter, 0, err
	}
	if filter.Limit, err = intParam(params.Get("length"), 100, "length"); err != nil {
		return filter, 0, err
	}
	draw, err := intParam(params.Get("draw"), 0, "draw")
	if err != nil {
		return filter, 0, err
	}
	filter.IncludeChildren, _ = strconv.ParseBool(params.Get("include_children"))
	return filter, draw, nil
}

func intParam(raw string, def int, field string) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &bgerrors.ValidationError{Field: field, Message: "must be a non-negative integer"}
	}
	return n, nil
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	filter, draw, err := parseRequestFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p := principal(r)
	visibleQuery := auth.QueryFilter(p, models.PermissionReadOnly, auth.ModelRequest)
	filter.Query = visibleQuery

	items, matched, err := s.deps.Requests.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := s.deps.Requests.Count(r.Context(), visibleQuery)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := auth.FilterObject(nonNil(items), p, models.PermissionReadOnly, auth.Hints{Garden: s.cfg.Garden})
	h := w.Header()
	h.Set("start", strconv.Itoa(filter.Offset))
	h.Set("length", strconv.Itoa(len(items)))
	h.Set("recordsFiltered", strconv.Itoa(matched))
	h.Set("recordsTotal", strconv.Itoa(total))
	h.Set("draw", strconv.Itoa(draw))
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Check scope only: the caller does not own a request that does not
	// exist yet.
	req.Requester = ""
	if !s.allowed(w, r, models.PermissionOperator, req) {
		return
	}

	wait, err := waitFor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.Requests.Submit(r.Context(), req, wait)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// waitFor reads blocking and timeout. A blocking call without a timeout, or
// with a negative one, waits until the request completes.
func waitFor(r *http.Request) (time.Duration, error) {
	params := r.URL.Query()
	blocking, _ := strconv.ParseBool(params.Get("blocking"))
	if !blocking {
		return 0, nil
	}
	raw := params.Get("timeout")
	if raw == "" {
		return -1, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &bgerrors.ValidationError{Field: "timeout", Message: "must be a number of seconds"}
	}
	if secs < 0 {
		return -1, nil
	}
	if secs == 0 {
		// Submit treats zero as fire-and-forget.
		return time.Nanosecond, nil
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// decodeRequest reads a request from a JSON body or from form fields,
// where parameters.a.b=v nests into {"a": {"b": "v"}}.
func decodeRequest(r *http.Request) (*models.Request, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	req := &models.Request{}
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseMultipartForm(32 << 20); err != nil && err != http.ErrNotMultipart {
			return nil, &bgerrors.ValidationError{Field: "body", Message: "invalid form: " + err.Error()}
		}
		fromForm(req, r.PostForm)
	default:
		if err := decodeJSON(r, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func fromForm(req *models.Request, form map[string][]string) {
	get := func(k string) string {
		if v := form[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	req.Namespace = get("namespace")
	req.System = get("system")
	req.SystemVersion = get("system_version")
	req.InstanceName = get("instance_name")
	req.Command = get("command")
	req.CommandType = get("command_type")
	req.OutputType = get("output_type")
	req.Comment = get("comment")
	req.Parent = get("parent")

	for key, values := range form {
		path, ok := strings.CutPrefix(key, "parameters.")
		if !ok || path == "" || len(values) == 0 {
			continue
		}
		if req.Parameters == nil {
			req.Parameters = map[string]any{}
		}
		var v any = values[0]
		if len(values) > 1 {
			list := make([]any, len(values))
			for i, s := range values {
				list[i] = s
			}
			v = list
		}
		setPath(req.Parameters, strings.Split(path, "."), v)
	}
}

func setPath(m map[string]any, keys []string, v any) {
	for _, k := range keys[:len(keys)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[k] = next
		}
		m = next
	}
	m[keys[len(keys)-1]] = v
}

func (s *Server) loadRequest(w http.ResponseWriter, r *http.Request) (*models.Request, bool) {
	id := r.PathValue("id")
	req, err := s.deps.Requests.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	out, ok := s.visible(w, r, models.PermissionReadOnly, req, "request", id)
	if !ok {
		return nil, false
	}
	return out.(*models.Request), true
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if req, ok := s.loadRequest(w, r); ok {
		writeJSON(w, http.StatusOK, req)
	}
}

var outputContentTypes = map[string]string{
	models.OutputTypeJSON: "application/json",
	models.OutputTypeHTML: "text/html; charset=utf-8",
	models.OutputTypeJS:   "application/javascript",
	models.OutputTypeCSS:  "text/css; charset=utf-8",
}

func (s *Server) handleRequestOutput(w http.ResponseWriter, r *http.Request) {
	req, ok := s.loadRequest(w, r)
	if !ok {
		return
	}
	ct, ok := outputContentTypes[req.OutputType]
	if !ok {
		ct = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(req.Output))
}

// patchLevel is OPERATOR for a plain cancel and PLUGIN_ADMIN for anything
// a plugin reports.
func patchLevel(ops []models.PatchOperation) models.Permission {
	for _, op := range ops {
		if op.Path != "/status" || op.Value != string(models.StatusCanceled) {
			return models.PermissionPluginAdmin
		}
	}
	return models.PermissionOperator
}

func (s *Server) handlePatchRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.loadRequest(w, r)
	if !ok {
		return
	}
	ops, err := decodePatch(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.allowed(w, r, patchLevel(ops), req) {
		return
	}
	updated, err := s.deps.Requests.Patch(r.Context(), req.ID, ops)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.loadRequest(w, r)
	if !ok {
		return
	}
	if !s.allowed(w, r, models.PermissionGardenAdmin, req) {
		return
	}
	if err := s.deps.Requests.Delete(r.Context(), req.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
