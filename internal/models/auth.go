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

package models

import "time"

// Permission is a level on the permission ladder.
type Permission string

const (
	PermissionReadOnly    Permission = "READ_ONLY"
	PermissionOperator    Permission = "OPERATOR"
	PermissionPluginAdmin Permission = "PLUGIN_ADMIN"
	PermissionGardenAdmin Permission = "GARDEN_ADMIN"
)

// Level returns the rank of p on the ladder READ_ONLY < OPERATOR <
// PLUGIN_ADMIN < GARDEN_ADMIN. Unknown permissions rank below all.
func (p Permission) Level() int {
	switch p {
	case PermissionReadOnly:
		return 1
	case PermissionOperator:
		return 2
	case PermissionPluginAdmin:
		return 3
	case PermissionGardenAdmin:
		return 4
	}
	return 0
}

// Satisfies reports whether p is at least required.
func (p Permission) Satisfies(required Permission) bool {
	return p.Level() > 0 && p.Level() >= required.Level()
}

// Role grants a permission level within a scope. An empty scope set matches
// everything along that dimension.
type Role struct {
	ID              string     `json:"id"`
	Name            string     `json:"name" validate:"required"`
	Description     string     `json:"description,omitempty"`
	Permission      Permission `json:"permission" validate:"required,oneof=READ_ONLY OPERATOR PLUGIN_ADMIN GARDEN_ADMIN"`
	ScopeGardens    []string   `json:"scope_gardens,omitempty"`
	ScopeNamespaces []string   `json:"scope_namespaces,omitempty"`
	ScopeSystems    []string   `json:"scope_systems,omitempty"`
	ScopeVersions   []string   `json:"scope_versions,omitempty"`
	ScopeInstances  []string   `json:"scope_instances,omitempty"`
	ScopeCommands   []string   `json:"scope_commands,omitempty"`
}

// HasAnyScope reports whether any scope set is non-empty.
func (r *Role) HasAnyScope() bool {
	return len(r.ScopeGardens) > 0 || len(r.ScopeNamespaces) > 0 || len(r.ScopeSystems) > 0 ||
		len(r.ScopeVersions) > 0 || len(r.ScopeInstances) > 0 || len(r.ScopeCommands) > 0
}

// Validate checks role fields.
func (r *Role) Validate() error {
	return validateStruct(r)
}

// Clone returns a deep copy of the role.
func (r *Role) Clone() *Role {
	if r == nil {
		return nil
	}
	c := *r
	c.ScopeGardens = cloneStrings(r.ScopeGardens)
	c.ScopeNamespaces = cloneStrings(r.ScopeNamespaces)
	c.ScopeSystems = cloneStrings(r.ScopeSystems)
	c.ScopeVersions = cloneStrings(r.ScopeVersions)
	c.ScopeInstances = cloneStrings(r.ScopeInstances)
	c.ScopeCommands = cloneStrings(r.ScopeCommands)
	return &c
}

// User is an account. Roles holds local role names; RemoteRoles are full
// role definitions synced from a parent garden.
type User struct {
	ID               string         `json:"id"`
	Username         string         `json:"username" validate:"required"`
	PasswordHash     string         `json:"password_hash,omitempty"`
	Roles            []string       `json:"roles,omitempty"`
	RemoteRoles      []*Role        `json:"remote_roles,omitempty"`
	UserAliasMapping []AliasUserMap `json:"user_alias_mapping,omitempty"`
	IsRemote         bool           `json:"is_remote,omitempty"`
}

// AliasUserMap maps a user to their account name on another garden.
type AliasUserMap struct {
	TargetGarden string `json:"target_garden"`
	Username     string `json:"username"`
}

// Validate checks user fields.
func (u *User) Validate() error {
	return validateStruct(u)
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = cloneStrings(u.Roles)
	if u.RemoteRoles != nil {
		c.RemoteRoles = make([]*Role, len(u.RemoteRoles))
		for i, r := range u.RemoteRoles {
			c.RemoteRoles[i] = r.Clone()
		}
	}
	if u.UserAliasMapping != nil {
		c.UserAliasMapping = append([]AliasUserMap(nil), u.UserAliasMapping...)
	}
	return &c
}

// Public returns a copy safe to serialize to clients.
func (u *User) Public() *User {
	c := u.Clone()
	c.PasswordHash = ""
	return c
}

// UserToken records an issued refresh token so it can be revoked.
type UserToken struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
