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

package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/beer-garden/beergarden/internal/models"
)

func makeRequest(cmd string, status models.RequestStatus, created time.Time) *models.Request {
	return &models.Request{
		RequestTemplate: models.RequestTemplate{
			System:       "echo",
			InstanceName: "default",
			Command:      cmd,
			Comment:      "run " + cmd,
		},
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMatchRequest(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	req := makeRequest("deploy", models.StatusSuccess, base)

	tests := []struct {
		name   string
		filter RequestFilter
		want   bool
	}{
		{"empty filter", RequestFilter{}, true},
		{"search is case insensitive", RequestFilter{Search: "DEPL"}, true},
		{"search on status", RequestFilter{Search: "succ"}, true},
		{"search miss", RequestFilter{Search: "zzz"}, false},
		{"status exact", RequestFilter{Columns: map[string]string{"status": "SUCCESS"}}, true},
		{"status not prefix", RequestFilter{Columns: map[string]string{"status": "SUC"}}, false},
		{"command prefix", RequestFilter{Columns: map[string]string{"command": "dep"}}, true},
		{"comment substring", RequestFilter{Columns: map[string]string{"comment": "deploy"}}, true},
		{"unknown column ignored", RequestFilter{Columns: map[string]string{"bogus": "x"}}, true},
		{"empty column value ignored", RequestFilter{Columns: map[string]string{"command": ""}}, true},
		{"range inside", RequestFilter{Columns: map[string]string{"created_at": "2023-12-31T00:00:00Z~2024-01-02T00:00:00Z"}}, true},
		{"range before", RequestFilter{Columns: map[string]string{"created_at": "2024-01-02T00:00:00Z~"}}, false},
		{"range open start", RequestFilter{Columns: map[string]string{"created_at": "~2023-12-01T00:00:00Z"}}, false},
		{"query", RequestFilter{Query: Eq("system", "other")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchRequest(req, tt.filter))
		})
	}

	child := makeRequest("deploy", models.StatusSuccess, base)
	child.Parent, child.HasParent = "p", true
	assert.False(t, MatchRequest(child, RequestFilter{}))
	assert.True(t, MatchRequest(child, RequestFilter{IncludeChildren: true}))
}

func TestSortRequests(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []*models.Request{
		makeRequest("b", models.StatusError, base.Add(2*time.Hour)),
		makeRequest("a", models.StatusSuccess, base),
		makeRequest("c", models.StatusCreated, base.Add(time.Hour)),
	}

	SortRequests(items, "command", false)
	assert.Equal(t, "a", items[0].Command)
	assert.Equal(t, "c", items[2].Command)

	SortRequests(items, "created_at", true)
	assert.Equal(t, "b", items[0].Command)

	SortRequests(items, "not_a_column", false)
	assert.Equal(t, "a", items[0].Command, "unknown column sorts by created_at")
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{3, 4}, Page(items, 2, 2))
	assert.Equal(t, []int{4, 5}, Page(items, 3, 0))
	assert.Equal(t, []int{}, Page(items, 10, 2))
	assert.Equal(t, []int{1, 2}, Page(items, -1, 2))
}

func TestParseRange(t *testing.T) {
	from, to := ParseRange("2024-01-01T00:00:00Z~")
	assert.False(t, from.IsZero())
	assert.True(t, to.IsZero())

	from, to = ParseRange("garbage")
	assert.True(t, from.IsZero())
	assert.True(t, to.IsZero())
}
