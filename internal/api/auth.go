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
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/beer-garden/beergarden/internal/auth"
	"github.com/beer-garden/beergarden/internal/engine"
	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
	"golang.org/x/time/rate"
)

var publicRoutes = map[string]bool{
	"GET " + apiBase + "/health":         true,
	"GET " + apiBase + "/version":        true,
	"GET /metrics":                       true,
	"POST " + apiBase + "/token":         true,
	"POST " + apiBase + "/token/refresh": true,
}

// authenticate resolves the caller's principal from the bearer token and
// stores it, with the requester name, on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || publicRoutes[r.Method+" "+r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		var p *auth.Principal
		if !s.cfg.AuthEnabled {
			p = auth.Anonymous(s.cfg.Garden)
		} else {
			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="beergarden"`)
				s.writeError(w, r, auth.ErrInvalidToken)
				return
			}
			user, err := s.deps.Tokens.Authenticate(r.Context(), token)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			p, err = s.deps.Authorizer.Principal(r.Context(), user)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
		}

		ctx := auth.WithPrincipal(r.Context(), p)
		ctx = engine.WithRequester(ctx, p.Username())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func principal(r *http.Request) *auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

// visible filters obj for the caller and writes it, or writes 404 when
// nothing is left. Hiding existence keeps scoped users from probing ids.
func (s *Server) visible(w http.ResponseWriter, r *http.Request, level models.Permission, obj any, resource, id string) (any, bool) {
	out := auth.FilterObject(obj, principal(r), level, auth.Hints{Garden: s.cfg.Garden})
	if out == nil {
		s.writeError(w, r, &bgerrors.NotFoundError{Resource: resource, ID: id})
		return nil, false
	}
	return out, true
}

// allowed checks the caller holds level over obj.
func (s *Server) allowed(w http.ResponseWriter, r *http.Request, level models.Permission, obj any) bool {
	if err := auth.CheckPrincipal(principal(r), level, obj); err != nil {
		s.writeError(w, r, err)
		return false
	}
	return true
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshBody struct {
	Refresh string `json:"refresh"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.logins.allow(clientAddr(r)) {
		writeJSON(w, http.StatusTooManyRequests, errorBody{Message: "too many login attempts"})
		return
	}
	var body credentials
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	pair, err := s.deps.Tokens.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		s.logger.Info("login failed", "username", body.Username, log.Error(err))
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.logins.allow(clientAddr(r)) {
		writeJSON(w, http.StatusTooManyRequests, errorBody{Message: "too many token requests"})
		return
	}
	var body refreshBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	pair, err := s.deps.Tokens.Refresh(r.Context(), body.Refresh)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AuthEnabled {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	var body refreshBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Tokens.Revoke(r.Context(), body.Refresh); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limiter holds one token bucket per client address.
type limiter struct {
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

const maxBuckets = 10000

func newLimiter(r rate.Limit, burst int) *limiter {
	return &limiter{rate: r, burst: burst, buckets: make(map[string]*rate.Limiter)}
}

func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxBuckets {
			clear(l.buckets)
		}
		b = rate.NewLimiter(l.rate, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}
