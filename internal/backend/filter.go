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
	"sort"
	"strings"
	"time"

	"github.com/beer-garden/beergarden/internal/models"
)

// MatchRequest reports whether r passes every part of f except paging.
func MatchRequest(r *models.Request, f RequestFilter) bool {
	if !f.IncludeChildren && r.HasParent {
		return false
	}
	if !f.Query.Matches(r) {
		return false
	}
	if f.Search != "" && !searchMatches(r, f.Search) {
		return false
	}
	for col, val := range f.Columns {
		if val == "" {
			continue
		}
		if !columnMatches(r, col, val) {
			return false
		}
	}
	return true
}

func searchMatches(r *models.Request, term string) bool {
	term = strings.ToLower(term)
	for _, field := range []string{r.System, r.Command, r.InstanceName, r.Comment, string(r.Status)} {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}

func columnMatches(r *models.Request, col, val string) bool {
	switch col {
	case "created_at":
		return inRange(r.CreatedAt, val)
	case "updated_at":
		return inRange(r.UpdatedAt, val)
	case "status":
		return string(r.Status) == val
	case "comment":
		return strings.Contains(r.Comment, val)
	}
	values := FieldValues(r, col)
	if values == nil {
		// Unknown columns do not filter.
		return true
	}
	for _, v := range values {
		if strings.HasPrefix(v, val) {
			return true
		}
	}
	return false
}

// ParseRange splits a "from~to" column filter. Either bound may be zero.
func ParseRange(val string) (from, to time.Time) {
	lo, hi, found := strings.Cut(val, "~")
	if !found {
		lo = val
	}
	if lo = strings.TrimSpace(lo); lo != "" {
		from, _ = time.Parse(time.RFC3339, lo)
	}
	if hi = strings.TrimSpace(hi); hi != "" {
		to, _ = time.Parse(time.RFC3339, hi)
	}
	return from, to
}

func inRange(t time.Time, val string) bool {
	from, to := ParseRange(val)
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}

// SortRequests orders requests in place by column. Unknown columns sort by
// created_at.
func SortRequests(items []*models.Request, column string, descending bool) {
	if !SortableRequestColumns[column] {
		column = "created_at"
	}
	less := func(a, b *models.Request) bool {
		switch column {
		case "updated_at":
			return a.UpdatedAt.Before(b.UpdatedAt)
		case "created_at":
			return a.CreatedAt.Before(b.CreatedAt)
		}
		av, bv := FieldValues(a, column), FieldValues(b, column)
		return first(av) < first(bv)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if descending {
			return less(items[j], items[i])
		}
		return less(items[i], items[j])
	})
}

// Page applies offset and limit. A non-positive limit returns everything
// after offset.
func Page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
