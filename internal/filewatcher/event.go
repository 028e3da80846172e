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

// Package filewatcher turns filesystem activity into events for file
// triggered scheduler jobs.
package filewatcher

import (
	"fmt"
	"strings"
)

// Event kinds, named after the callbacks a file trigger selects.
const (
	Created  = "created"
	Modified = "modified"
	Moved    = "moved"
	Deleted  = "deleted"
)

// Event describes one filesystem change.
type Event struct {
	Type     string `json:"event_type"`
	SrcPath  string `json:"src_path"`
	DestPath string `json:"dest_path,omitempty"`
	IsDir    bool   `json:"is_directory"`
}

// Substitute replaces the {event/src_path}, {event/event_type},
// {event/dest_path} and {event/is_directory} placeholders in s.
func (e Event) Substitute(s string) string {
	if !strings.Contains(s, "{event/") {
		return s
	}
	return strings.NewReplacer(
		"{event/src_path}", e.SrcPath,
		"{event/event_type}", e.Type,
		"{event/dest_path}", e.DestPath,
		"{event/is_directory}", fmt.Sprint(e.IsDir),
	).Replace(s)
}

// SubstituteValue applies Substitute to every string inside a JSON-shaped
// value and returns the rewritten copy.
func (e Event) SubstituteValue(v any) any {
	switch t := v.(type) {
	case string:
		return e.Substitute(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = e.SubstituteValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = e.SubstituteValue(val)
		}
		return out
	}
	return v
}
