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

package queue

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestRoutingKey(t *testing.T) {
	assert.Equal(t, "ns.echo.1-0-0.default", RequestRoutingKey("ns", "echo", "1.0.0", "default"))
	assert.Equal(t, "ns.echo.2.i1", RequestRoutingKey("ns", "echo", "2", "i1"))
}

func TestAdminRoutingKey(t *testing.T) {
	key := AdminRoutingKey("ns", "echo", "1.0.0", "default")
	prefix := "admin.ns.echo.1-0-0.default."
	assert.True(t, strings.HasPrefix(key, prefix), key)

	suffix := strings.TrimPrefix(key, prefix)
	assert.Len(t, suffix, 10)
	for _, r := range suffix {
		assert.Contains(t, suffixAlphabet, string(r))
	}

	assert.NotEqual(t, key, AdminRoutingKey("ns", "echo", "1.0.0", "default"))
	assert.True(t, IsAdminQueue(key))
	assert.False(t, IsAdminQueue("ns.echo.1-0-0.default"))
	assert.False(t, IsAdminQueue("administrator.x"))
}

func TestAdminBindingKeys(t *testing.T) {
	assert.Equal(t, []string{
		"admin",
		"admin.ns",
		"admin.ns.echo",
		"admin.ns.echo.1-0-0",
		"admin.ns.echo.1-0-0.default",
	}, AdminBindingKeys("ns", "echo", "1.0.0", "default"))
}

func TestAdminKeyPrefix(t *testing.T) {
	assert.Equal(t, "admin", AdminKeyPrefix("", "", "", ""))
	assert.Equal(t, "admin.ns.echo", AdminKeyPrefix("ns", "echo", "", ""))
	assert.Equal(t, "admin.ns.echo.1-0-0.i", AdminKeyPrefix("ns", "echo", "1.0.0", "i"))
}

func TestMatchBinding(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b", false},
		{"a.b", "a.b.c", false},
		{"a.*.c", "a.x.c", true},
		{"a.*.c", "a.c", false},
		{"a.#", "a", true},
		{"a.#", "a.b.c", true},
		{"#", "anything.at.all", true},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.z", true},
		{"a.#.z", "a.b.c", false},
		{"*.b", "a.b", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchBinding(tt.pattern, tt.key))
		})
	}
}
