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

// Package httpclient builds the outbound HTTP client used for url choices.
// GET requests that fail with a transient error or a 5xx, 408 or 429 status
// are retried with capped exponential backoff.
package httpclient

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beer-garden/beergarden/internal/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Config configures the client.
type Config struct {
	// Timeout bounds a whole call including retries.
	Timeout time.Duration
	// Retries is the number of extra attempts after the first.
	Retries    int
	Backoff    time.Duration
	MaxBackoff time.Duration
	UserAgent  string
	Logger     *slog.Logger
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:    10 * time.Second,
		Retries:    2,
		Backoff:    100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		UserAgent:  "beergarden",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Timeout <= 0:
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	case c.Retries < 0:
		return fmt.Errorf("retries must be >= 0, got %d", c.Retries)
	case c.Retries > 0 && c.Backoff <= 0:
		return fmt.Errorf("backoff must be > 0 when retries > 0, got %v", c.Backoff)
	case c.MaxBackoff < c.Backoff:
		return fmt.Errorf("max backoff (%v) must be >= backoff (%v)", c.MaxBackoff, c.Backoff)
	}
	return nil
}

// New returns a client configured by cfg.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	var rt http.RoundTripper = &loggingTransport{
		base:      base,
		userAgent: cfg.UserAgent,
		logger:    log.WithComponent(cfg.Logger, "httpclient"),
	}
	if cfg.Retries > 0 {
		rt = &retryTransport{
			base:       rt,
			attempts:   cfg.Retries + 1,
			backoff:    cfg.Backoff,
			maxBackoff: cfg.MaxBackoff,
		}
	}
	return &http.Client{Transport: rt, Timeout: cfg.Timeout}, nil
}

type loggingTransport struct {
	base      http.RoundTripper
	userAgent string
	logger    *slog.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" && t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	attrs := []any{
		slog.String("method", req.Method),
		slog.String("url", sanitizeURL(req.URL)),
		slog.Int64(log.DurationKey, time.Since(start).Milliseconds()),
	}
	if err != nil {
		t.logger.Warn("http request failed", append(attrs, log.Error(err))...)
		return nil, err
	}
	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	t.logger.Log(req.Context(), level, "http request", append(attrs, slog.Int("status", resp.StatusCode))...)
	return resp, nil
}

var sensitiveParams = []string{"token", "password", "secret", "key", "auth", "credential"}

func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	safe := *u
	safe.User = nil
	q := safe.Query()
	for param := range q {
		lower := strings.ToLower(param)
		for _, s := range sensitiveParams {
			if strings.Contains(lower, s) {
				q.Set(param, "REDACTED")
				break
			}
		}
	}
	safe.RawQuery = q.Encode()
	return safe.String()
}
