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

// Package api is the HTTP facade over the beergarden services. Every
// handler resolves the caller's principal and runs results through the
// authorization filter before they leave the process.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/beer-garden/beergarden/internal/auth"
	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/events"
	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/models"
	"github.com/beer-garden/beergarden/internal/runner"
	"github.com/beer-garden/beergarden/internal/tracing"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Requests is the request engine surface the API uses.
type Requests interface {
	Submit(ctx context.Context, req *models.Request, wait time.Duration) (*models.Request, error)
	Get(ctx context.Context, id string) (*models.Request, error)
	List(ctx context.Context, filter backend.RequestFilter) ([]*models.Request, int, error)
	Count(ctx context.Context, q backend.Query) (int, error)
	Patch(ctx context.Context, id string, ops []models.PatchOperation) (*models.Request, error)
	Delete(ctx context.Context, id string) error
}

// Systems is the registry surface the API uses.
type Systems interface {
	CreateOrUpdate(ctx context.Context, sys *models.System) (*models.System, error)
	Get(ctx context.Context, id string) (*models.System, error)
	List(ctx context.Context, q backend.Query) ([]*models.System, error)
	Delete(ctx context.Context, id string, force bool) error
	Patch(ctx context.Context, id string, ops []models.PatchOperation) (*models.System, error)
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	PatchInstance(ctx context.Context, id string, ops []models.PatchOperation) (*models.Instance, error)
	Garden(ctx context.Context, name string) (*models.Garden, error)
	Gardens(ctx context.Context, q backend.Query) ([]*models.Garden, error)
}

// Jobs is the scheduler surface the API uses.
type Jobs interface {
	Create(ctx context.Context, job *models.Job) (*models.Job, error)
	Update(ctx context.Context, job *models.Job) (*models.Job, error)
	Pause(ctx context.Context, id string) (*models.Job, error)
	Resume(ctx context.Context, id string) (*models.Job, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, q backend.Query) ([]*models.Job, error)
	Execute(ctx context.Context, id string) error
}

// Queues is the queue manager surface the API uses.
type Queues interface {
	Size(ctx context.Context, queue string) (int, error)
	Clear(ctx context.Context, queue string) error
}

// Runners is the runner manager surface the API uses.
type Runners interface {
	List(ctx context.Context) ([]runner.Runner, error)
	Get(ctx context.Context, id string) (runner.Runner, error)
	Start(ctx context.Context, id string) (runner.Runner, error)
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) ([]runner.Runner, error)
	Remove(ctx context.Context, id string) error
	ScanAndStart(ctx context.Context) ([]runner.Runner, error)
}

// Accounts stores users and roles.
type Accounts interface {
	backend.UserStore
	backend.RoleStore
}

// EventSource hands out event subscriptions.
type EventSource interface {
	Subscribe(buffer int) *events.Subscription
}

// Deps are the services behind the API. Runners and Events may be nil.
type Deps struct {
	Requests   Requests
	Systems    Systems
	Jobs       Jobs
	Queues     Queues
	Runners    Runners
	Accounts   Accounts
	Tokens     *auth.Tokens
	Authorizer *auth.Authorizer
	Events     EventSource
}

// Config configures the API server.
type Config struct {
	Version string
	// Garden is the local garden name.
	Garden string
	// AuthEnabled requires a bearer token on every non-public route.
	AuthEnabled bool
	// URLPrefix is where the API is mounted, e.g. "/" or "/bg/".
	URLPrefix string
	// LoginRate and LoginBurst limit token requests per client address.
	LoginRate  float64
	LoginBurst int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = log.WithComponent(l, "api") }
}

// Server routes API calls to the services.
type Server struct {
	deps   Deps
	cfg    Config
	mux    *http.ServeMux
	logger *slog.Logger
	logins *limiter
}

// New builds the server and registers its routes.
func New(cfg Config, deps Deps, opts ...Option) *Server {
	if cfg.LoginRate <= 0 {
		cfg.LoginRate = 1
	}
	if cfg.LoginBurst <= 0 {
		cfg.LoginBurst = 10
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		mux:    http.NewServeMux(),
		logger: log.WithComponent(nil, "api"),
		logins: newLimiter(rate.Limit(cfg.LoginRate), cfg.LoginBurst),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

const apiBase = "/api/v1"

func (s *Server) routes() {
	s.mux.HandleFunc("GET "+apiBase+"/health", s.handleHealth)
	s.mux.HandleFunc("GET "+apiBase+"/version", s.handleVersion)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST "+apiBase+"/token", s.handleLogin)
	s.mux.HandleFunc("POST "+apiBase+"/token/refresh", s.handleRefresh)
	s.mux.HandleFunc("DELETE "+apiBase+"/token", s.handleLogout)

	s.systemRoutes()
	s.requestRoutes()
	s.jobRoutes()
	s.adminRoutes()
}

// Handler returns the routed handler wrapped in the middleware chain and
// mounted under the URL prefix.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.authenticate(h)
	h = cors(h)
	h = log.HTTPMiddleware(s.logger)(h)
	h = tracing.HTTPMiddleware(h)

	prefix := strings.TrimSuffix(s.cfg.URLPrefix, "/")
	if prefix == "" {
		return h
	}
	return http.StripPrefix(prefix, h)
}

// exposedHeaders are the pagination headers browsers may read.
var exposedHeaders = "start, length, recordsFiltered, recordsTotal, draw"

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Expose-Headers", exposedHeaders)
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"beer_garden_version": s.cfg.Version,
		"current_api_version": "v1",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", log.Error(err))
	}
}

type errorBody struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := bgerrors.HTTPStatus(err)
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrInvalidCredentials) {
		status = http.StatusUnauthorized
	}
	switch {
	case status >= 500:
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path), log.Error(err))
	case bgerrors.IsForbidden(err):
		s.logger.WarnContext(r.Context(), "request forbidden",
			slog.String("path", r.URL.Path), log.Error(err))
	case bgerrors.IsTimeout(err):
		s.logger.WarnContext(r.Context(), "request timed out",
			slog.String("path", r.URL.Path), log.Error(err))
	}
	writeJSON(w, status, errorBody{Message: err.Error(), Kind: bgerrors.Kind(err)})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 16<<20))
	if err := dec.Decode(v); err != nil {
		return &bgerrors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

func decodePatch(r *http.Request) ([]models.PatchOperation, error) {
	var body struct {
		Operations []models.PatchOperation `json:"operations"`
	}
	if err := decodeJSON(r, &body); err != nil {
		return nil, err
	}
	if len(body.Operations) == 0 {
		return nil, &bgerrors.ValidationError{Field: "operations", Message: "at least one operation is required"}
	}
	return body.Operations, nil
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []*T) []*T {
	if s == nil {
		return []*T{}
	}
	return s
}
