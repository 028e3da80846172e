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

package errors_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{
			name:    "validation with field",
			err:     &bgerrors.ValidationError{Field: "parameters.color", Message: "value not in choices"},
			wantMsg: "validation failed on parameters.color: value not in choices",
		},
		{
			name:    "validation without field",
			err:     &bgerrors.ValidationError{Message: "invalid format"},
			wantMsg: "validation failed: invalid format",
		},
		{
			name:    "not found",
			err:     &bgerrors.NotFoundError{Resource: "system", ID: "default/echo/1.0.0"},
			wantMsg: "system not found: default/echo/1.0.0",
		},
		{
			name:    "conflict with id",
			err:     &bgerrors.ConflictError{Resource: "request", ID: "abc", Message: "parent is completed"},
			wantMsg: "request abc conflict: parent is completed",
		},
		{
			name:    "conflict without id",
			err:     &bgerrors.ConflictError{Resource: "system", Message: "already exists"},
			wantMsg: "system conflict: already exists",
		},
		{
			name:    "status transition",
			err:     &bgerrors.StatusTransitionError{ID: "r1", From: "SUCCESS", To: "IN_PROGRESS"},
			wantMsg: "request r1: illegal status transition SUCCESS -> IN_PROGRESS",
		},
		{
			name:    "forbidden default message",
			err:     &bgerrors.ForbiddenError{Permission: "OPERATOR"},
			wantMsg: "forbidden: OPERATOR permission required",
		},
		{
			name:    "publish",
			err:     &bgerrors.PublishError{RoutingKey: "default.echo.1-0-0.default", Reason: "unroutable"},
			wantMsg: `publish to "default.echo.1-0-0.default" failed: unroutable`,
		},
		{
			name:    "timeout",
			err:     &bgerrors.TimeoutError{Operation: "request completion", Duration: 2 * time.Second},
			wantMsg: "request completion operation timed out after 2s",
		},
		{
			name:    "config with key",
			err:     &bgerrors.ConfigError{Key: "amq.url", Reason: "required"},
			wantMsg: "config error at amq.url: required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
	}{
		{"publish", &bgerrors.PublishError{RoutingKey: "k", Reason: "nack", Cause: cause}},
		{"config", &bgerrors.ConfigError{Reason: "read failed", Cause: cause}},
		{"timeout", &bgerrors.TimeoutError{Operation: "op", Cause: cause}},
		{"fatal", &bgerrors.FatalError{Operation: "connect", Cause: cause}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, cause) {
				t.Errorf("errors.Is(%T, cause) = false, want true", tt.err)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &bgerrors.ValidationError{Message: "x"}, http.StatusBadRequest},
		{"not found", &bgerrors.NotFoundError{Resource: "job", ID: "1"}, http.StatusNotFound},
		{"conflict", &bgerrors.ConflictError{Resource: "role"}, http.StatusConflict},
		{"transition", &bgerrors.StatusTransitionError{ID: "1"}, http.StatusConflict},
		{"forbidden", &bgerrors.ForbiddenError{Permission: "READ_ONLY"}, http.StatusForbidden},
		{"timeout", &bgerrors.TimeoutError{Operation: "wait"}, http.StatusRequestTimeout},
		{"publish", &bgerrors.PublishError{RoutingKey: "k"}, http.StatusBadGateway},
		{"wrapped", fmt.Errorf("outer: %w", &bgerrors.NotFoundError{Resource: "x"}), http.StatusNotFound},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bgerrors.HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	var c bgerrors.ErrorClassifier = &bgerrors.PublishError{}
	if !c.IsRetryable() {
		t.Error("PublishError should be retryable")
	}
	c = &bgerrors.ValidationError{}
	if c.IsRetryable() {
		t.Error("ValidationError should not be retryable")
	}
}
