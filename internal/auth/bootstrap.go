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
	"slices"

	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// Built-in role names.
const (
	RoleSuperuser = "superuser"
	RolePlugin    = "plugin"
)

// defaultAdminPassword is used when no admin password is configured.
const defaultAdminPassword = "password"

// BootstrapStore is the persistence Bootstrap needs.
type BootstrapStore interface {
	backend.UserStore
	backend.RoleStore
}

// BootstrapConfig names the accounts created at startup.
type BootstrapConfig struct {
	AdminUsername  string
	AdminPassword  string
	PluginUsername string
	PluginPassword string
}

// Bootstrap makes sure the built-in roles exist, and creates the admin and
// plugin accounts when they are missing. Existing accounts are left alone.
func Bootstrap(ctx context.Context, store BootstrapStore, cfg BootstrapConfig, logger *slog.Logger) error {
	logger = log.WithComponent(logger, "auth")

	builtin := []*models.Role{
		{Name: RoleSuperuser, Description: "Full access to every garden", Permission: models.PermissionGardenAdmin},
		{Name: RolePlugin, Description: "Plugin service accounts", Permission: models.PermissionPluginAdmin},
	}
	for _, role := range builtin {
		if _, err := store.GetRoleByName(ctx, role.Name); err == nil {
			continue
		} else if !bgerrors.IsNotFound(err) {
			return fmt.Errorf("look up role %s: %w", role.Name, err)
		}
		if err := store.CreateRole(ctx, role); err != nil && !bgerrors.IsConflict(err) {
			return fmt.Errorf("create role %s: %w", role.Name, err)
		}
		logger.Info("created role", slog.String("role", role.Name))
	}

	password := cfg.AdminPassword
	if password == "" {
		password = defaultAdminPassword
	}
	created, err := ensureUser(ctx, store, cfg.AdminUsername, password, RoleSuperuser)
	if err != nil {
		return err
	}
	if created {
		attrs := []any{slog.String("username", cfg.AdminUsername)}
		if cfg.AdminPassword == "" {
			logger.Warn("created admin user with the default password; change it", attrs...)
		} else {
			logger.Info("created admin user", attrs...)
		}
	}

	if cfg.PluginUsername != "" && cfg.PluginPassword != "" {
		created, err := ensureUser(ctx, store, cfg.PluginUsername, cfg.PluginPassword, RolePlugin)
		if err != nil {
			return err
		}
		if created {
			logger.Info("created plugin user", slog.String("username", cfg.PluginUsername))
		}
	}
	return nil
}

func ensureUser(ctx context.Context, store BootstrapStore, username, password, role string) (bool, error) {
	if username == "" {
		return false, nil
	}
	user, err := store.GetUserByName(ctx, username)
	switch {
	case err == nil:
		if !slices.Contains(user.Roles, role) {
			user.Roles = append(user.Roles, role)
			if err := store.UpdateUser(ctx, user); err != nil {
				return false, fmt.Errorf("grant %s to %s: %w", role, username, err)
			}
		}
		return false, nil
	case !bgerrors.IsNotFound(err):
		return false, fmt.Errorf("look up user %s: %w", username, err)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return false, err
	}
	user = &models.User{Username: username, PasswordHash: hash, Roles: []string{role}}
	if err := store.CreateUser(ctx, user); err != nil {
		if bgerrors.IsConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("create user %s: %w", username, err)
	}
	return true, nil
}
