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

package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// Authorizer resolves users' roles and applies the permission checks and
// filters for them.
type Authorizer struct {
	roles  backend.RoleStore
	garden string
	logger *slog.Logger
}

// NewAuthorizer creates an authorizer for the named local garden.
func NewAuthorizer(roles backend.RoleStore, garden string, logger *slog.Logger) *Authorizer {
	return &Authorizer{
		roles:  roles,
		garden: garden,
		logger: log.WithComponent(logger, "auth"),
	}
}

// Principal resolves user's local role names and appends their remote
// roles. Role names that no longer exist are skipped.
func (a *Authorizer) Principal(ctx context.Context, user *models.User) (*Principal, error) {
	p := &Principal{User: user, LocalGarden: a.garden}
	if user == nil {
		return p, nil
	}
	for _, name := range user.Roles {
		role, err := a.roles.GetRoleByName(ctx, name)
		if bgerrors.IsNotFound(err) {
			a.logger.Warn("user references unknown role",
				slog.String("username", user.Username), slog.String("role", name))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve role %s: %w", name, err)
		}
		p.Roles = append(p.Roles, role)
	}
	p.Roles = append(p.Roles, user.RemoteRoles...)
	return p, nil
}

// Check fails with a ForbiddenError unless user may see obj at level.
func (a *Authorizer) Check(ctx context.Context, user *models.User, level models.Permission, obj any) error {
	p, err := a.Principal(ctx, user)
	if err != nil {
		return err
	}
	return CheckPrincipal(p, level, obj)
}

// CheckPrincipal is Check for an already resolved principal.
func CheckPrincipal(p *Principal, level models.Permission, obj any) error {
	if obj == nil {
		if HasGlobalPermission(p, level) {
			return nil
		}
	} else if FilterObject(obj, p, level, Hints{}) != nil {
		return nil
	}
	permissionDenied.WithLabelValues(string(level)).Inc()
	return &bgerrors.ForbiddenError{
		Permission: string(level),
		Message:    fmt.Sprintf("%s lacks %s", p.Username(), level),
	}
}

// Filter returns FilterObject for user.
func (a *Authorizer) Filter(ctx context.Context, user *models.User, level models.Permission, obj any) (any, error) {
	p, err := a.Principal(ctx, user)
	if err != nil {
		return nil, err
	}
	return FilterObject(obj, p, level, Hints{Garden: a.garden}), nil
}

// Query returns QueryFilter for user.
func (a *Authorizer) Query(ctx context.Context, user *models.User, level models.Permission, model Model) (backend.Query, error) {
	p, err := a.Principal(ctx, user)
	if err != nil {
		return backend.MatchNone(), err
	}
	return QueryFilter(p, level, model), nil
}
