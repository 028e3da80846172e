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

// Package auth implements role-based access: the permission checks, the
// query filters that restrict store reads to what a user may see, per-object
// redaction, and the token service backing the API.
package auth

import (
	"slices"

	"github.com/beer-garden/beergarden/internal/models"
)

// Principal is a user together with every role they hold, resolved from
// role names, and the name of the garden the check runs in.
type Principal struct {
	User        *models.User
	Roles       []*models.Role
	LocalGarden string
}

// Username returns the principal's username, or "" for nil.
func (p *Principal) Username() string {
	if p == nil || p.User == nil {
		return ""
	}
	return p.User.Username
}

// qualifying returns the roles at or above level.
func (p *Principal) qualifying(level models.Permission) []*models.Role {
	if p == nil {
		return nil
	}
	var out []*models.Role
	for _, r := range p.Roles {
		if r != nil && r.Permission.Satisfies(level) {
			out = append(out, r)
		}
	}
	return out
}

// HasGlobalPermission reports whether p holds level everywhere: through a
// role at or above level with no scope, or through GARDEN_ADMIN over the
// local garden.
func HasGlobalPermission(p *Principal, level models.Permission) bool {
	for _, r := range p.qualifying(level) {
		if !r.HasAnyScope() {
			return true
		}
		if r.Permission == models.PermissionGardenAdmin &&
			(len(r.ScopeGardens) == 0 || slices.Contains(r.ScopeGardens, p.LocalGarden)) {
			return true
		}
	}
	return false
}

// HasPermission reports whether p holds any role at or above level,
// whatever its scope.
func HasPermission(p *Principal, level models.Permission) bool {
	return len(p.qualifying(level)) > 0
}

// scope is the set of object coordinates a role is matched against. Empty
// coordinates are not checked.
type scope struct {
	garden    string
	namespace string
	system    string
	version   string
	instance  string
	command   string
}

// allows reports whether every non-empty coordinate of s is inside the
// role's scope sets. An empty set allows anything.
func allows(r *models.Role, s scope) bool {
	return in(r.ScopeGardens, s.garden) &&
		in(r.ScopeNamespaces, s.namespace) &&
		in(r.ScopeSystems, s.system) &&
		in(r.ScopeVersions, s.version) &&
		in(r.ScopeInstances, s.instance) &&
		in(r.ScopeCommands, s.command)
}

func in(set []string, v string) bool {
	return len(set) == 0 || v == "" || slices.Contains(set, v)
}

// matching returns the roles at or above level that allow s.
func matching(p *Principal, level models.Permission, s scope) []*models.Role {
	var out []*models.Role
	for _, r := range p.qualifying(level) {
		if allows(r, s) {
			out = append(out, r)
		}
	}
	return out
}
