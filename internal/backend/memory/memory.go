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

// Package memory provides an in-memory backend implementation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ backend.SystemStore  = (*Backend)(nil)
	_ backend.RequestStore = (*Backend)(nil)
	_ backend.JobStore     = (*Backend)(nil)
	_ backend.UserStore    = (*Backend)(nil)
	_ backend.RoleStore    = (*Backend)(nil)
	_ backend.TokenStore   = (*Backend)(nil)
	_ backend.GardenStore  = (*Backend)(nil)
	_ backend.Backend      = (*Backend)(nil)
)

// Backend is an in-memory storage backend. It stores and returns copies.
type Backend struct {
	mu       sync.RWMutex
	systems  map[string]*models.System
	requests map[string]*models.Request
	jobs     map[string]*models.Job
	users    map[string]*models.User
	roles    map[string]*models.Role
	tokens   map[string]*models.UserToken
	gardens  map[string]*models.Garden
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		systems:  make(map[string]*models.System),
		requests: make(map[string]*models.Request),
		jobs:     make(map[string]*models.Job),
		users:    make(map[string]*models.User),
		roles:    make(map[string]*models.Role),
		tokens:   make(map[string]*models.UserToken),
		gardens:  make(map[string]*models.Garden),
	}
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// Systems

// CreateSystem inserts a system.
func (b *Backend) CreateSystem(ctx context.Context, system *models.System) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.systems {
		if s.Namespace == system.Namespace && s.Name == system.Name && s.Version == system.Version {
			return &bgerrors.ConflictError{Resource: "system", ID: system.Key(), Message: "already exists"}
		}
	}
	system.ID = newID(system.ID)
	for _, inst := range system.Instances {
		inst.ID = newID(inst.ID)
		inst.SystemID = system.ID
	}
	b.systems[system.ID] = system.Clone()
	return nil
}

// GetSystem retrieves a system by ID.
func (b *Backend) GetSystem(ctx context.Context, id string) (*models.System, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.systems[id]
	if !ok {
		return nil, &bgerrors.NotFoundError{Resource: "system", ID: id}
	}
	return s.Clone(), nil
}

// FindSystem retrieves a system by its unique triple.
func (b *Backend) FindSystem(ctx context.Context, namespace, name, version string) (*models.System, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.systems {
		if s.Namespace == namespace && s.Name == name && s.Version == version {
			return s.Clone(), nil
		}
	}
	return nil, &bgerrors.NotFoundError{Resource: "system", ID: fmt.Sprintf("%s/%s/%s", namespace, name, version)}
}

// SaveSystem replaces a system and its instances.
func (b *Backend) SaveSystem(ctx context.Context, system *models.System) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.systems[system.ID]; !ok {
		return &bgerrors.NotFoundError{Resource: "system", ID: system.ID}
	}
	for _, s := range b.systems {
		if s.ID != system.ID && s.Namespace == system.Namespace && s.Name == system.Name && s.Version == system.Version {
			return &bgerrors.ConflictError{Resource: "system", ID: system.Key(), Message: "already exists"}
		}
	}
	for _, inst := range system.Instances {
		inst.ID = newID(inst.ID)
		inst.SystemID = system.ID
	}
	b.systems[system.ID] = system.Clone()
	return nil
}

// DeleteSystem removes a system and its instances.
func (b *Backend) DeleteSystem(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.systems[id]; !ok {
		return &bgerrors.NotFoundError{Resource: "system", ID: id}
	}
	delete(b.systems, id)
	return nil
}

// ListSystems lists systems matching q ordered by namespace, name, version.
func (b *Backend) ListSystems(ctx context.Context, q backend.Query) ([]*models.System, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*models.System
	for _, s := range b.systems {
		if q.Matches(s) {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key() < result[j].Key() })
	return result, nil
}

// GetInstance finds an instance by ID.
func (b *Backend) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.systems {
		if inst := s.InstanceByID(id); inst != nil {
			return inst.Clone(), nil
		}
	}
	return nil, &bgerrors.NotFoundError{Resource: "instance", ID: id}
}

// UpdateInstance replaces an instance inside its system.
func (b *Backend) UpdateInstance(ctx context.Context, instance *models.Instance) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.systems {
		for i, inst := range s.Instances {
			if inst.ID == instance.ID {
				updated := instance.Clone()
				updated.SystemID = s.ID
				s.Instances[i] = updated
				return nil
			}
		}
	}
	return &bgerrors.NotFoundError{Resource: "instance", ID: instance.ID}
}

// Requests

// CreateRequest inserts a request.
func (b *Backend) CreateRequest(ctx context.Context, req *models.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	req.ID = newID(req.ID)
	if _, exists := b.requests[req.ID]; exists {
		return &bgerrors.ConflictError{Resource: "request", ID: req.ID, Message: "already exists"}
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	stored := req.Clone()
	stored.Children = nil
	b.requests[req.ID] = stored
	return nil
}

// GetRequest retrieves a request and its children.
func (b *Backend) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	req, ok := b.requests[id]
	if !ok {
		return nil, &bgerrors.NotFoundError{Resource: "request", ID: id}
	}
	out := req.Clone()
	for _, r := range b.requests {
		if r.Parent == id {
			out.Children = append(out.Children, r.Clone())
		}
	}
	sort.Slice(out.Children, func(i, j int) bool { return out.Children[i].CreatedAt.Before(out.Children[j].CreatedAt) })
	return out, nil
}

// UpdateRequest replaces a request.
func (b *Backend) UpdateRequest(ctx context.Context, req *models.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.requests[req.ID]; !ok {
		return &bgerrors.NotFoundError{Resource: "request", ID: req.ID}
	}
	b.putRequest(req)
	return nil
}

// UpdateRequestIfStatus replaces a request when its stored status matches.
func (b *Backend) UpdateRequestIfStatus(ctx context.Context, req *models.Request, expected models.RequestStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.requests[req.ID]
	if !ok {
		return &bgerrors.NotFoundError{Resource: "request", ID: req.ID}
	}
	if current.Status != expected {
		return &bgerrors.ConflictError{
			Resource: "request",
			ID:       req.ID,
			Message:  fmt.Sprintf("status is %s, expected %s", current.Status, expected),
		}
	}
	b.putRequest(req)
	return nil
}

func (b *Backend) putRequest(req *models.Request) {
	req.UpdatedAt = time.Now().UTC()
	stored := req.Clone()
	stored.Children = nil
	b.requests[req.ID] = stored
}

// DeleteRequest removes a request and its descendants.
func (b *Backend) DeleteRequest(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.requests[id]; !ok {
		return &bgerrors.NotFoundError{Resource: "request", ID: id}
	}
	b.deleteTree(id)
	return nil
}

func (b *Backend) deleteTree(id string) {
	delete(b.requests, id)
	for childID, r := range b.requests {
		if r.Parent == id {
			b.deleteTree(childID)
		}
	}
}

// ListRequests filters, sorts and pages requests.
func (b *Backend) ListRequests(ctx context.Context, filter backend.RequestFilter) ([]*models.Request, int, error) {
	b.mu.RLock()
	var matched []*models.Request
	for _, r := range b.requests {
		if backend.MatchRequest(r, filter) {
			matched = append(matched, r.Clone())
		}
	}
	b.mu.RUnlock()

	orderBy := filter.OrderBy
	descending := filter.Descending
	if orderBy == "" {
		orderBy, descending = "created_at", true
	}
	backend.SortRequests(matched, orderBy, descending)
	return backend.Page(matched, filter.Offset, filter.Limit), len(matched), nil
}

// CountRequests counts requests matching q.
func (b *Backend) CountRequests(ctx context.Context, q backend.Query) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, r := range b.requests {
		if q.Matches(r) {
			n++
		}
	}
	return n, nil
}

// Jobs

// CreateJob inserts a job.
func (b *Backend) CreateJob(ctx context.Context, job *models.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job.ID = newID(job.ID)
	if _, exists := b.jobs[job.ID]; exists {
		return &bgerrors.ConflictError{Resource: "job", ID: job.ID, Message: "already exists"}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	b.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob retrieves a job by ID.
func (b *Backend) GetJob(ctx context.Context, id string) (*models.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	job, ok := b.jobs[id]
	if !ok {
		return nil, &bgerrors.NotFoundError{Resource: "job", ID: id}
	}
	return job.Clone(), nil
}

// UpdateJob replaces a job, preserving its counters.
func (b *Backend) UpdateJob(ctx context.Context, job *models.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.jobs[job.ID]
	if !ok {
		return &bgerrors.NotFoundError{Resource: "job", ID: job.ID}
	}
	stored := job.Clone()
	stored.SuccessCount = current.SuccessCount
	stored.ErrorCount = current.ErrorCount
	b.jobs[job.ID] = stored
	return nil
}

// DeleteJob deletes a job.
func (b *Backend) DeleteJob(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.jobs[id]; !ok {
		return &bgerrors.NotFoundError{Resource: "job", ID: id}
	}
	delete(b.jobs, id)
	return nil
}

// ListJobs lists jobs matching q ordered by name.
func (b *Backend) ListJobs(ctx context.Context, q backend.Query) ([]*models.Job, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*models.Job
	for _, j := range b.jobs {
		if q.Matches(j) {
			result = append(result, j.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// IncrementJobCount bumps a job counter.
func (b *Backend) IncrementJobCount(ctx context.Context, id string, success bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[id]
	if !ok {
		return &bgerrors.NotFoundError{Resource: "job", ID: id}
	}
	if success {
		job.SuccessCount++
	} else {
		job.ErrorCount++
	}
	return nil
}

// UpdateJobNextRun sets a job's next run time.
func (b *Backend) UpdateJobNextRun(ctx context.Context, id string, next *time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[id]
	if !ok {
		return &bgerrors.NotFoundError{Resource: "job", ID: id}
	}
	if next == nil {
		job.NextRunTime = nil
	} else {
		t := *next
		job.NextRunTime = &t
	}
	return nil
}

// Users

// CreateUser inserts a user with a unique username.
func (b *Backend) CreateUser(ctx context.Context, user *models.User) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, u := range b.users {
		if u.Username == user.Username {
			return &bgerrors.ConflictError{Resource: "user", ID: user.Username, Message: "already exists"}
		}
	}
	user.ID = newID(user.ID)
	b.users[user.ID] = user.Clone()
	return nil
}

// GetUser retrieves a user by ID.
func (b *Backend) GetUser(ctx context.Context, id string) (*models.User, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	u, ok := b.users[id]
	if !ok {
		return nil, &bgerrors.NotFoundError{Resource: "user", ID: id}
	}
	return u.Clone(), nil
}

// GetUserByName retrieves a user by username.
func (b *Backend) GetUserByName(ctx context.Context, username string) (*models.User, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, u := range b.users {
		if u.Username == username {
			return u.Clone(), nil
		}
	}
	return nil, &bgerrors.NotFoundError{Resource: "user", ID: username}
}

// UpdateUser replaces a user.
func (b *Backend) UpdateUser(ctx context.Context, user *models.User) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.users[user.ID]; !ok {
		return &bgerrors.NotFoundError{Resource: "user", ID: user.ID}
	}
	for _, u := range b.users {
		if u.ID != user.ID && u.Username == user.Username {
			return &bgerrors.ConflictError{Resource: "user", ID: user.Username, Message: "already exists"}
		}
	}
	b.users[user.ID] = user.Clone()
	return nil
}

// DeleteUser deletes a user.
func (b *Backend) DeleteUser(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.users[id]; !ok {
		return &bgerrors.NotFoundError{Resource: "user", ID: id}
	}
	delete(b.users, id)
	return nil
}

// ListUsers lists users ordered by username.
func (b *Backend) ListUsers(ctx context.Context) ([]*models.User, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*models.User, 0, len(b.users))
	for _, u := range b.users {
		result = append(result, u.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
}

// Roles

// CreateRole inserts a role with a unique name.
func (b *Backend) CreateRole(ctx context.Context, role *models.Role) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.roles {
		if r.Name == role.Name {
			return &bgerrors.ConflictError{Resource: "role", ID: role.Name, Message: "already exists"}
		}
	}
	role.ID = newID(role.ID)
	b.roles[role.ID] = role.Clone()
	return nil
}

// GetRole retrieves a role by ID.
func (b *Backend) GetRole(ctx context.Context, id string) (*models.Role, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.roles[id]
	if !ok {
		return nil, &bgerrors.NotFoundError{Resource: "role", ID: id}
	}
	return r.Clone(), nil
}

// GetRoleByName retrieves a role by name.
func (b *Backend) GetRoleByName(ctx context.Context, name string) (*models.Role, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, r := range b.roles {
		if r.Name == name {
			return r.Clone(), nil
		}
	}
	return nil, &bgerrors.NotFoundError{Resource: "role", ID: name}
}

// UpdateRole replaces a role.
func (b *Backend) UpdateRole(ctx context.Context, role *models.Role) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.roles[role.ID]; !ok {
		return &bgerrors.NotFoundError{Resource: "role", ID: role.ID}
	}
	for _, r := range b.roles {
		if r.ID != role.ID && r.Name == role.Name {
			return &bgerrors.ConflictError{Resource: "role", ID: role.Name, Message: "already exists"}
		}
	}
	b.roles[role.ID] = role.Clone()
	return nil
}

// DeleteRole deletes a role.
func (b *Backend) DeleteRole(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.roles[id]; !ok {
		return &bgerrors.NotFoundError{Resource: "role", ID: id}
	}
	delete(b.roles, id)
	return nil
}

// ListRoles lists roles ordered by name.
func (b *Backend) ListRoles(ctx context.Context) ([]*models.Role, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*models.Role, 0, len(b.roles))
	for _, r := range b.roles {
		result = append(result, r.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Tokens

// CreateToken records a refresh token.
func (b *Backend) CreateToken(ctx context.Context, token *models.UserToken) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.tokens[token.JTI]; exists {
		return &bgerrors.ConflictError{Resource: "token", ID: token.JTI, Message: "already exists"}
	}
	t := *token
	b.tokens[token.JTI] = &t
	return nil
}

// GetToken retrieves a token record.
func (b *Backend) GetToken(ctx context.Context, jti string) (*models.UserToken, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.tokens[jti]
	if !ok {
		return nil, &bgerrors.NotFoundError{Resource: "token", ID: jti}
	}
	out := *t
	return &out, nil
}

// DeleteToken revokes a token. Missing tokens are ignored.
func (b *Backend) DeleteToken(ctx context.Context, jti string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.tokens, jti)
	return nil
}

// DeleteUserTokens revokes every token of a user.
func (b *Backend) DeleteUserTokens(ctx context.Context, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for jti, t := range b.tokens {
		if t.UserID == userID {
			delete(b.tokens, jti)
		}
	}
	return nil
}

// Gardens

// CreateGarden inserts a garden with a unique name.
func (b *Backend) CreateGarden(ctx context.Context, garden *models.Garden) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.gardens[garden.Name]; exists {
		return &bgerrors.ConflictError{Resource: "garden", ID: garden.Name, Message: "already exists"}
	}
	garden.ID = newID(garden.ID)
	b.gardens[garden.Name] = stripGarden(garden)
	return nil
}

// GetGarden retrieves a garden by name.
func (b *Backend) GetGarden(ctx context.Context, name string) (*models.Garden, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	g, ok := b.gardens[name]
	if !ok {
		return nil, &bgerrors.NotFoundError{Resource: "garden", ID: name}
	}
	return g.Clone(), nil
}

// UpdateGarden replaces a garden.
func (b *Backend) UpdateGarden(ctx context.Context, garden *models.Garden) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.gardens[garden.Name]; !ok {
		return &bgerrors.NotFoundError{Resource: "garden", ID: garden.Name}
	}
	b.gardens[garden.Name] = stripGarden(garden)
	return nil
}

// DeleteGarden deletes a garden.
func (b *Backend) DeleteGarden(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.gardens[name]; !ok {
		return &bgerrors.NotFoundError{Resource: "garden", ID: name}
	}
	delete(b.gardens, name)
	return nil
}

// ListGardens lists gardens matching q ordered by name.
func (b *Backend) ListGardens(ctx context.Context, q backend.Query) ([]*models.Garden, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*models.Garden
	for _, g := range b.gardens {
		if q.Matches(g) {
			result = append(result, g.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func stripGarden(g *models.Garden) *models.Garden {
	c := g.Clone()
	c.Systems = nil
	c.Children = nil
	return c
}

// Close is a no-op.
func (b *Backend) Close() error {
	return nil
}
