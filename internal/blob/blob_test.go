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

package blob

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	payload := []byte(strings.Repeat(`{"line":"some repetitive output"}`, 1000))

	ref, err := s.Put(ctx, payload)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}

	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: want ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, ref); err != nil {
		t.Errorf("second Delete should be a no-op, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
}

func TestRedisStore(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	s, err := NewRedisStore("redis://"+srv.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()

	exerciseStore(t, s)
}

func TestRedisStoreCompressesAndExpires(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	s, err := NewRedisStore("redis://"+srv.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()

	payload := []byte(strings.Repeat("a", 10000))
	ref, err := s.Put(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	key := strings.TrimPrefix(ref, refScheme)

	stored, err := srv.Get(key)
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if len(stored) >= len(payload) {
		t.Errorf("expected compressed payload, stored %d bytes", len(stored))
	}

	srv.FastForward(2 * time.Minute)
	if _, err := s.Get(context.Background(), ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expiry, got %v", err)
	}
}

func TestInvalidReference(t *testing.T) {
	if _, err := keyFromRef("mem://abc"); err == nil {
		t.Error("expected error for foreign reference")
	}
}
