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

// Package backend defines the storage interfaces for beergarden documents.
//
// Implementations return *errors.NotFoundError for missing documents and
// *errors.ConflictError for uniqueness violations. Returned documents are
// copies; mutating them does not change stored state until an Update call.
package backend

import (
	"context"
	"io"
	"time"

	"github.com/beer-garden/beergarden/internal/models"
)

// SystemStore persists systems and their instances.
type SystemStore interface {
	// CreateSystem inserts a system and its instances. It fails with a
	// conflict when (namespace, name, version) already exists.
	CreateSystem(ctx context.Context, system *models.System) error

	GetSystem(ctx context.Context, id string) (*models.System, error)

	// FindSystem looks a system up by its unique triple.
	FindSystem(ctx context.Context, namespace, name, version string) (*models.System, error)

	// SaveSystem writes the system and then each of its instances. There is
	// no transaction across the writes.
	SaveSystem(ctx context.Context, system *models.System) error

	// DeleteSystem removes the system and its instances.
	DeleteSystem(ctx context.Context, id string) error

	ListSystems(ctx context.Context, q Query) ([]*models.System, error)

	GetInstance(ctx context.Context, id string) (*models.Instance, error)

	UpdateInstance(ctx context.Context, instance *models.Instance) error
}

// RequestStore persists requests.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *models.Request) error

	// GetRequest returns the request with its children populated.
	GetRequest(ctx context.Context, id string) (*models.Request, error)

	UpdateRequest(ctx context.Context, req *models.Request) error

	// UpdateRequestIfStatus writes req only if the stored status still equals
	// expected. A mismatch is reported as a conflict.
	UpdateRequestIfStatus(ctx context.Context, req *models.Request, expected models.RequestStatus) error

	// DeleteRequest removes the request and its children.
	DeleteRequest(ctx context.Context, id string) error

	// ListRequests returns one page of matching requests and the number of
	// requests matching the filter before pagination.
	ListRequests(ctx context.Context, filter RequestFilter) ([]*models.Request, int, error)

	CountRequests(ctx context.Context, q Query) (int, error)
}

// JobStore persists scheduler jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error

	GetJob(ctx context.Context, id string) (*models.Job, error)

	// UpdateJob replaces the job definition. The success and error counters
	// are left untouched; use IncrementJobCount for those.
	UpdateJob(ctx context.Context, job *models.Job) error

	DeleteJob(ctx context.Context, id string) error

	ListJobs(ctx context.Context, q Query) ([]*models.Job, error)

	// IncrementJobCount atomically bumps success_count or error_count.
	IncrementJobCount(ctx context.Context, id string, success bool) error

	UpdateJobNextRun(ctx context.Context, id string, next *time.Time) error
}

// UserStore persists user accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByName(ctx context.Context, username string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context) ([]*models.User, error)
}

// RoleStore persists roles.
type RoleStore interface {
	CreateRole(ctx context.Context, role *models.Role) error
	GetRole(ctx context.Context, id string) (*models.Role, error)
	GetRoleByName(ctx context.Context, name string) (*models.Role, error)
	UpdateRole(ctx context.Context, role *models.Role) error
	DeleteRole(ctx context.Context, id string) error
	ListRoles(ctx context.Context) ([]*models.Role, error)
}

// TokenStore records issued refresh tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, token *models.UserToken) error
	GetToken(ctx context.Context, jti string) (*models.UserToken, error)
	DeleteToken(ctx context.Context, jti string) error
	DeleteUserTokens(ctx context.Context, userID string) error
}

// GardenStore persists gardens. Systems and children are not stored with
// the garden document.
type GardenStore interface {
	CreateGarden(ctx context.Context, garden *models.Garden) error
	GetGarden(ctx context.Context, name string) (*models.Garden, error)
	UpdateGarden(ctx context.Context, garden *models.Garden) error
	DeleteGarden(ctx context.Context, name string) error
	ListGardens(ctx context.Context, q Query) ([]*models.Garden, error)
}

// Backend combines every store.
type Backend interface {
	SystemStore
	RequestStore
	JobStore
	UserStore
	RoleStore
	TokenStore
	GardenStore
	io.Closer
}

// RequestFilter selects and pages requests.
type RequestFilter struct {
	// Query restricts results, typically to what the caller may read.
	Query Query

	// Search is a case-insensitive substring matched against system,
	// command, instance name, comment and status.
	Search string

	// Columns filters per column. created_at and updated_at take a
	// "from~to" RFC3339 range (either side may be empty), status is exact,
	// comment is a substring and every other column is a prefix.
	Columns map[string]string

	// IncludeChildren includes requests that have a parent.
	IncludeChildren bool

	OrderBy    string
	Descending bool
	Offset     int
	Limit      int
}

// SortableRequestColumns lists columns requests can be ordered by.
var SortableRequestColumns = map[string]bool{
	"created_at":    true,
	"updated_at":    true,
	"status":        true,
	"command":       true,
	"system":        true,
	"instance_name": true,
	"comment":       true,
	"namespace":     true,
}
