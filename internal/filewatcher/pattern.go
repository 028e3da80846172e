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

package filewatcher

import (
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// PatternMatcher selects paths by doublestar glob. A path matches when any
// pattern matches the full path or its base name. No patterns match
// everything.
type PatternMatcher struct {
	patterns []string
}

// NewPatternMatcher validates patterns.
func NewPatternMatcher(patterns []string) (*PatternMatcher, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
	}
	return &PatternMatcher{patterns: patterns}, nil
}

// Match reports whether path is selected.
func (pm *PatternMatcher) Match(path string) bool {
	if len(pm.patterns) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, p := range pm.patterns {
		if ok, _ := doublestar.PathMatch(p, path); ok {
			return true
		}
		if ok, _ := doublestar.Match(p, base); ok {
			return true
		}
	}
	return false
}
