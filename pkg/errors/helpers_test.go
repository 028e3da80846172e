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
	"testing"

	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

func TestWrap(t *testing.T) {
	if bgerrors.Wrap(nil, "context") != nil {
		t.Fatal("Wrap(nil) should return nil")
	}

	base := &bgerrors.NotFoundError{Resource: "request", ID: "r1"}
	wrapped := bgerrors.Wrapf(bgerrors.Wrap(base, "loading parent"), "submitting %s", "r2")

	if got, want := wrapped.Error(), "submitting r2: loading parent: request not found: r1"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	var nf *bgerrors.NotFoundError
	if !bgerrors.As(wrapped, &nf) {
		t.Fatal("As should find NotFoundError through wraps")
	}
	if nf.ID != "r1" {
		t.Errorf("ID = %q, want r1", nf.ID)
	}
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		notFound   bool
		conflict   bool
		validation bool
		timeout    bool
		forbidden  bool
	}{
		{name: "not found", err: &bgerrors.NotFoundError{}, notFound: true},
		{name: "conflict", err: &bgerrors.ConflictError{}, conflict: true},
		{name: "transition is conflict", err: &bgerrors.StatusTransitionError{}, conflict: true},
		{name: "validation", err: bgerrors.Wrap(&bgerrors.ValidationError{}, "x"), validation: true},
		{name: "timeout", err: &bgerrors.TimeoutError{}, timeout: true},
		{name: "forbidden", err: &bgerrors.ForbiddenError{}, forbidden: true},
		{name: "plain", err: errors.New("plain")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bgerrors.IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound = %v", got)
			}
			if got := bgerrors.IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict = %v", got)
			}
			if got := bgerrors.IsValidation(tt.err); got != tt.validation {
				t.Errorf("IsValidation = %v", got)
			}
			if got := bgerrors.IsTimeout(tt.err); got != tt.timeout {
				t.Errorf("IsTimeout = %v", got)
			}
			if got := bgerrors.IsForbidden(tt.err); got != tt.forbidden {
				t.Errorf("IsForbidden = %v", got)
			}
		})
	}
}

func TestKind(t *testing.T) {
	if got := bgerrors.Kind(errors.New("x")); got != "" {
		t.Errorf("Kind(plain) = %q, want empty", got)
	}
	if got := bgerrors.Kind(bgerrors.Wrap(&bgerrors.PublishError{}, "ctx")); got != bgerrors.KindPublish {
		t.Errorf("Kind = %q, want %q", got, bgerrors.KindPublish)
	}
}
