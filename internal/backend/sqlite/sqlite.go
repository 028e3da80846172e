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

// Package sqlite provides a SQLite backend implementation for single-node deployments.
//
// Each document is stored as JSON in a doc column next to the columns used
// for lookups and filtering. Queries whose fields all map to columns are
// pushed down as WHERE clauses; anything else is evaluated in memory.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

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

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS systems (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			garden TEXT,
			doc TEXT NOT NULL,
			UNIQUE (namespace, name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			system_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT,
			position INTEGER NOT NULL,
			doc TEXT NOT NULL,
			FOREIGN KEY (system_id) REFERENCES systems(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_system_id ON instances(system_id)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			parent TEXT,
			has_parent INTEGER DEFAULT 0,
			namespace TEXT,
			system TEXT,
			system_version TEXT,
			instance_name TEXT,
			command TEXT,
			command_type TEXT,
			status TEXT NOT NULL,
			requester TEXT,
			garden TEXT,
			comment TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_parent ON requests(parent)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_created_at ON requests(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_system ON requests(namespace, system, system_version)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT,
			trigger_type TEXT NOT NULL,
			next_run_time TEXT,
			success_count INTEGER DEFAULT 0,
			error_count INTEGER DEFAULT 0,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS roles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			jti TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			issued_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_user_id ON tokens(user_id)`,
		`CREATE TABLE IF NOT EXISTS gardens (
			name TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			connection_type TEXT,
			doc TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

func newID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}
	return string(data), nil
}

func decode(doc string, v any) error {
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return nil
}

// where renders q against the given column mapping. ok=false means the
// caller must filter in memory.
func where(q backend.Query, columns map[string]string) (string, []any, bool) {
	return q.SQL(func(field string) (string, bool) {
		col, ok := columns[field]
		return col, ok
	})
}

// Systems

var systemColumns = map[string]string{
	"id":        "id",
	"namespace": "namespace",
	"name":      "name",
	"version":   "version",
	"garden":    "garden",
}

// CreateSystem inserts a system and its instances.
func (b *Backend) CreateSystem(ctx context.Context, system *models.System) error {
	system.ID = newID(system.ID)
	if err := b.writeSystem(ctx, system, true); err != nil {
		if isUniqueViolation(err) {
			return &bgerrors.ConflictError{Resource: "system", ID: system.Key(), Message: "already exists"}
		}
		return err
	}
	return nil
}

// SaveSystem writes the system and then replaces its instances.
func (b *Backend) SaveSystem(ctx context.Context, system *models.System) error {
	if err := b.writeSystem(ctx, system, false); err != nil {
		if isUniqueViolation(err) {
			return &bgerrors.ConflictError{Resource: "system", ID: system.Key(), Message: "already exists"}
		}
		return err
	}
	return nil
}

func (b *Backend) writeSystem(ctx context.Context, system *models.System, insert bool) error {
	for _, inst := range system.Instances {
		inst.ID = newID(inst.ID)
		inst.SystemID = system.ID
	}

	head := system.Clone()
	head.Instances = nil
	doc, err := encode(head)
	if err != nil {
		return err
	}

	if insert {
		_, err = b.db.ExecContext(ctx,
			`INSERT INTO systems (id, namespace, name, version, garden, doc) VALUES (?, ?, ?, ?, ?, ?)`,
			system.ID, system.Namespace, system.Name, system.Version, system.Garden, doc)
		if err != nil {
			return fmt.Errorf("failed to create system: %w", err)
		}
	} else {
		result, err := b.db.ExecContext(ctx,
			`UPDATE systems SET namespace = ?, name = ?, version = ?, garden = ?, doc = ? WHERE id = ?`,
			system.Namespace, system.Name, system.Version, system.Garden, doc, system.ID)
		if err != nil {
			return fmt.Errorf("failed to update system: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return &bgerrors.NotFoundError{Resource: "system", ID: system.ID}
		}
	}

	keep := make([]any, 0, len(system.Instances)+1)
	keep = append(keep, system.ID)
	for pos, inst := range system.Instances {
		instDoc, err := encode(inst)
		if err != nil {
			return err
		}
		_, err = b.db.ExecContext(ctx, `
			INSERT INTO instances (id, system_id, name, status, position, doc) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET system_id = excluded.system_id, name = excluded.name,
				status = excluded.status, position = excluded.position, doc = excluded.doc`,
			inst.ID, system.ID, inst.Name, string(inst.Status), pos, instDoc)
		if err != nil {
			return fmt.Errorf("failed to write instance %s: %w", inst.Name, err)
		}
		keep = append(keep, inst.ID)
	}

	// Drop instances no longer on the system.
	query := `DELETE FROM instances WHERE system_id = ?`
	if len(keep) > 1 {
		query += ` AND id NOT IN (?` + strings.Repeat(", ?", len(keep)-2) + `)`
	}
	if _, err := b.db.ExecContext(ctx, query, keep...); err != nil {
		return fmt.Errorf("failed to prune instances: %w", err)
	}
	return nil
}

// GetSystem retrieves a system by ID.
func (b *Backend) GetSystem(ctx context.Context, id string) (*models.System, error) {
	systems, err := b.querySystems(ctx, `SELECT doc FROM systems WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(systems) == 0 {
		return nil, &bgerrors.NotFoundError{Resource: "system", ID: id}
	}
	return systems[0], nil
}

// FindSystem retrieves a system by its unique triple.
func (b *Backend) FindSystem(ctx context.Context, namespace, name, version string) (*models.System, error) {
	systems, err := b.querySystems(ctx,
		`SELECT doc FROM systems WHERE namespace = ? AND name = ? AND version = ?`, namespace, name, version)
	if err != nil {
		return nil, err
	}
	if len(systems) == 0 {
		return nil, &bgerrors.NotFoundError{Resource: "system", ID: fmt.Sprintf("%s/%s/%s", namespace, name, version)}
	}
	return systems[0], nil
}

// DeleteSystem removes a system and its instances.
func (b *Backend) DeleteSystem(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM instances WHERE system_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete instances: %w", err)
	}
	result, err := b.db.ExecContext(ctx, `DELETE FROM systems WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete system: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &bgerrors.NotFoundError{Resource: "system", ID: id}
	}
	return nil
}

// ListSystems lists systems matching q ordered by namespace, name, version.
func (b *Backend) ListSystems(ctx context.Context, q backend.Query) ([]*models.System, error) {
	query := `SELECT doc FROM systems`
	var args []any
	clause, clauseArgs, pushed := where(q, systemColumns)
	if pushed {
		query += " WHERE " + clause
		args = clauseArgs
	}
	query += ` ORDER BY namespace, name, version`

	systems, err := b.querySystems(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if pushed {
		return systems, nil
	}
	var result []*models.System
	for _, s := range systems {
		if q.Matches(s) {
			result = append(result, s)
		}
	}
	return result, nil
}

func (b *Backend) querySystems(ctx context.Context, query string, args ...any) ([]*models.System, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query systems: %w", err)
	}
	var systems []*models.System
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan system: %w", err)
		}
		var s models.System
		if err := decode(doc, &s); err != nil {
			rows.Close()
			return nil, err
		}
		systems = append(systems, &s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The single connection is free again once rows are closed.
	for _, s := range systems {
		instances, err := b.queryInstances(ctx,
			`SELECT doc FROM instances WHERE system_id = ? ORDER BY position`, s.ID)
		if err != nil {
			return nil, err
		}
		s.Instances = instances
	}
	return systems, nil
}

func (b *Backend) queryInstances(ctx context.Context, query string, args ...any) ([]*models.Instance, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var instances []*models.Instance
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		var inst models.Instance
		if err := decode(doc, &inst); err != nil {
			return nil, err
		}
		instances = append(instances, &inst)
	}
	return instances, rows.Err()
}

// GetInstance finds an instance by ID.
func (b *Backend) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	instances, err := b.queryInstances(ctx, `SELECT doc FROM instances WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, &bgerrors.NotFoundError{Resource: "instance", ID: id}
	}
	return instances[0], nil
}

// UpdateInstance replaces one instance.
func (b *Backend) UpdateInstance(ctx context.Context, instance *models.Instance) error {
	var systemID string
	err := b.db.QueryRowContext(ctx, `SELECT system_id FROM instances WHERE id = ?`, instance.ID).Scan(&systemID)
	if errors.Is(err, sql.ErrNoRows) {
		return &bgerrors.NotFoundError{Resource: "instance", ID: instance.ID}
	}
	if err != nil {
		return fmt.Errorf("failed to get instance: %w", err)
	}

	instance.SystemID = systemID
	doc, err := encode(instance)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`UPDATE instances SET name = ?, status = ?, doc = ? WHERE id = ?`,
		instance.Name, string(instance.Status), doc, instance.ID)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	return nil
}

// Requests

var requestColumns = map[string]string{
	"id":             "id",
	"namespace":      "namespace",
	"system":         "system",
	"system_version": "system_version",
	"instance_name":  "instance_name",
	"command":        "command",
	"command_type":   "command_type",
	"status":         "status",
	"requester":      "requester",
	"garden":         "garden",
	"parent":         "parent",
	"comment":        "comment",
}

func requestArgs(req *models.Request) ([]any, error) {
	stored := req.Clone()
	stored.Children = nil
	doc, err := encode(stored)
	if err != nil {
		return nil, err
	}
	return []any{
		req.Parent, req.HasParent, req.Namespace, req.System, req.SystemVersion,
		req.InstanceName, req.Command, req.CommandType, string(req.Status),
		req.Requester, req.Garden, req.Comment,
		formatTime(req.CreatedAt), formatTime(req.UpdatedAt), doc,
	}, nil
}

// CreateRequest inserts a request.
func (b *Backend) CreateRequest(ctx context.Context, req *models.Request) error {
	req.ID = newID(req.ID)
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}

	args, err := requestArgs(req)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO requests (id, parent, has_parent, namespace, system, system_version,
			instance_name, command, command_type, status, requester, garden, comment,
			created_at, updated_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{req.ID}, args...)...)
	if isUniqueViolation(err) {
		return &bgerrors.ConflictError{Resource: "request", ID: req.ID, Message: "already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

// GetRequest retrieves a request and its children.
func (b *Backend) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	found, err := b.queryRequests(ctx, `SELECT doc FROM requests WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &bgerrors.NotFoundError{Resource: "request", ID: id}
	}
	req := found[0]

	children, err := b.queryRequests(ctx, `SELECT doc FROM requests WHERE parent = ? ORDER BY created_at`, id)
	if err != nil {
		return nil, err
	}
	req.Children = children
	return req, nil
}

// UpdateRequest replaces a request.
func (b *Backend) UpdateRequest(ctx context.Context, req *models.Request) error {
	return b.updateRequest(ctx, req, nil)
}

// UpdateRequestIfStatus replaces a request when its stored status matches.
func (b *Backend) UpdateRequestIfStatus(ctx context.Context, req *models.Request, expected models.RequestStatus) error {
	return b.updateRequest(ctx, req, &expected)
}

func (b *Backend) updateRequest(ctx context.Context, req *models.Request, expected *models.RequestStatus) error {
	previous := req.UpdatedAt
	req.UpdatedAt = time.Now().UTC()
	args, err := requestArgs(req)
	if err != nil {
		req.UpdatedAt = previous
		return err
	}

	query := `
		UPDATE requests SET parent = ?, has_parent = ?, namespace = ?, system = ?,
			system_version = ?, instance_name = ?, command = ?, command_type = ?, status = ?,
			requester = ?, garden = ?, comment = ?, created_at = ?, updated_at = ?, doc = ?
		WHERE id = ?`
	args = append(args, req.ID)
	if expected != nil {
		query += ` AND status = ?`
		args = append(args, string(*expected))
	}

	result, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		req.UpdatedAt = previous
		return fmt.Errorf("failed to update request: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	req.UpdatedAt = previous

	var status string
	err = b.db.QueryRowContext(ctx, `SELECT status FROM requests WHERE id = ?`, req.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return &bgerrors.NotFoundError{Resource: "request", ID: req.ID}
	}
	if err != nil {
		return fmt.Errorf("failed to get request status: %w", err)
	}
	return &bgerrors.ConflictError{
		Resource: "request",
		ID:       req.ID,
		Message:  fmt.Sprintf("status is %s, expected %s", status, *expected),
	}
}

// DeleteRequest removes a request and its descendants.
func (b *Backend) DeleteRequest(ctx context.Context, id string) error {
	result, err := b.db.ExecContext(ctx, `
		WITH RECURSIVE tree(id) AS (
			SELECT ?
			UNION ALL
			SELECT r.id FROM requests r JOIN tree t ON r.parent = t.id
		)
		DELETE FROM requests WHERE id IN (SELECT id FROM tree)`, id)
	if err != nil {
		return fmt.Errorf("failed to delete request: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &bgerrors.NotFoundError{Resource: "request", ID: id}
	}
	return nil
}

// ListRequests filters, sorts and pages requests. The query part is pushed
// down when possible; search and column filters run in memory.
func (b *Backend) ListRequests(ctx context.Context, filter backend.RequestFilter) ([]*models.Request, int, error) {
	query := `SELECT doc FROM requests WHERE 1=1`
	var args []any
	if !filter.IncludeChildren {
		query += ` AND has_parent = 0`
	}
	if clause, clauseArgs, ok := where(filter.Query, requestColumns); ok {
		query += ` AND (` + clause + `)`
		args = append(args, clauseArgs...)
	}

	candidates, err := b.queryRequests(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}

	matched := candidates[:0]
	for _, r := range candidates {
		if backend.MatchRequest(r, filter) {
			matched = append(matched, r)
		}
	}

	orderBy, descending := filter.OrderBy, filter.Descending
	if orderBy == "" {
		orderBy, descending = "created_at", true
	}
	backend.SortRequests(matched, orderBy, descending)
	return backend.Page(matched, filter.Offset, filter.Limit), len(matched), nil
}

// CountRequests counts requests matching q.
func (b *Backend) CountRequests(ctx context.Context, q backend.Query) (int, error) {
	if clause, args, ok := where(q, requestColumns); ok {
		var n int
		if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests WHERE `+clause, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count requests: %w", err)
		}
		return n, nil
	}

	all, err := b.queryRequests(ctx, `SELECT doc FROM requests`)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range all {
		if q.Matches(r) {
			n++
		}
	}
	return n, nil
}

func (b *Backend) queryRequests(ctx context.Context, query string, args ...any) ([]*models.Request, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.Request
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		var req models.Request
		if err := decode(doc, &req); err != nil {
			return nil, err
		}
		requests = append(requests, &req)
	}
	return requests, rows.Err()
}

// Jobs

var jobColumns = map[string]string{
	"id":           "id",
	"name":         "name",
	"status":       "status",
	"trigger_type": "trigger_type",
}

// CreateJob inserts a job.
func (b *Backend) CreateJob(ctx context.Context, job *models.Job) error {
	job.ID = newID(job.ID)
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	doc, err := encode(job)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, status, trigger_type, next_run_time, success_count, error_count, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, string(job.Status), string(job.TriggerType), nullTime(job.NextRunTime),
		job.SuccessCount, job.ErrorCount, doc)
	if isUniqueViolation(err) {
		return &bgerrors.ConflictError{Resource: "job", ID: job.ID, Message: "already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (b *Backend) GetJob(ctx context.Context, id string) (*models.Job, error) {
	jobs, err := b.queryJobs(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, &bgerrors.NotFoundError{Resource: "job", ID: id}
	}
	return jobs[0], nil
}

// UpdateJob replaces a job definition. Counters live in their own columns
// and are not touched.
func (b *Backend) UpdateJob(ctx context.Context, job *models.Job) error {
	doc, err := encode(job)
	if err != nil {
		return err
	}
	result, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET name = ?, status = ?, trigger_type = ?, next_run_time = ?, doc = ?
		WHERE id = ?`,
		job.Name, string(job.Status), string(job.TriggerType), nullTime(job.NextRunTime), doc, job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &bgerrors.NotFoundError{Resource: "job", ID: job.ID}
	}
	return nil
}

// DeleteJob deletes a job.
func (b *Backend) DeleteJob(ctx context.Context, id string) error {
	result, err := b.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &bgerrors.NotFoundError{Resource: "job", ID: id}
	}
	return nil
}

// ListJobs lists jobs matching q ordered by name.
func (b *Backend) ListJobs(ctx context.Context, q backend.Query) ([]*models.Job, error) {
	suffix := ``
	var args []any
	clause, clauseArgs, pushed := where(q, jobColumns)
	if pushed {
		suffix = `WHERE ` + clause
		args = clauseArgs
	}
	jobs, err := b.queryJobs(ctx, suffix+` ORDER BY name, id`, args...)
	if err != nil || pushed {
		return jobs, err
	}
	var result []*models.Job
	for _, j := range jobs {
		if q.Matches(j) {
			result = append(result, j)
		}
	}
	return result, nil
}

// IncrementJobCount bumps a job counter in a single statement.
func (b *Backend) IncrementJobCount(ctx context.Context, id string, success bool) error {
	column := "error_count"
	if success {
		column = "success_count"
	}
	result, err := b.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE jobs SET %s = %s + 1 WHERE id = ?`, column, column), id)
	if err != nil {
		return fmt.Errorf("failed to increment job count: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &bgerrors.NotFoundError{Resource: "job", ID: id}
	}
	return nil
}

// UpdateJobNextRun sets a job's next run time.
func (b *Backend) UpdateJobNextRun(ctx context.Context, id string, next *time.Time) error {
	result, err := b.db.ExecContext(ctx, `UPDATE jobs SET next_run_time = ? WHERE id = ?`, nullTime(next), id)
	if err != nil {
		return fmt.Errorf("failed to update next run time: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &bgerrors.NotFoundError{Resource: "job", ID: id}
	}
	return nil
}

func (b *Backend) queryJobs(ctx context.Context, suffix string, args ...any) ([]*models.Job, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT doc, next_run_time, success_count, error_count FROM jobs `+suffix, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var doc string
		var nextRun sql.NullString
		var job models.Job
		var success, failed int
		if err := rows.Scan(&doc, &nextRun, &success, &failed); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		if err := decode(doc, &job); err != nil {
			return nil, err
		}
		job.SuccessCount, job.ErrorCount = success, failed
		job.NextRunTime = nil
		if nextRun.Valid {
			if t, err := time.Parse(time.RFC3339Nano, nextRun.String); err == nil {
				job.NextRunTime = &t
			}
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// Users

// CreateUser inserts a user with a unique username.
func (b *Backend) CreateUser(ctx context.Context, user *models.User) error {
	user.ID = newID(user.ID)
	doc, err := encode(user)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `INSERT INTO users (id, username, doc) VALUES (?, ?, ?)`, user.ID, user.Username, doc)
	if isUniqueViolation(err) {
		return &bgerrors.ConflictError{Resource: "user", ID: user.Username, Message: "already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (b *Backend) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := b.getDoc(ctx, `SELECT doc FROM users WHERE id = ?`, id, &user); err != nil {
		return nil, notFound(err, "user", id)
	}
	return &user, nil
}

// GetUserByName retrieves a user by username.
func (b *Backend) GetUserByName(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	if err := b.getDoc(ctx, `SELECT doc FROM users WHERE username = ?`, username, &user); err != nil {
		return nil, notFound(err, "user", username)
	}
	return &user, nil
}

// UpdateUser replaces a user.
func (b *Backend) UpdateUser(ctx context.Context, user *models.User) error {
	doc, err := encode(user)
	if err != nil {
		return err
	}
	result, err := b.db.ExecContext(ctx, `UPDATE users SET username = ?, doc = ? WHERE id = ?`, user.Username, doc, user.ID)
	if isUniqueViolation(err) {
		return &bgerrors.ConflictError{Resource: "user", ID: user.Username, Message: "already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &bgerrors.NotFoundError{Resource: "user", ID: user.ID}
	}
	return nil
}

// DeleteUser deletes a user.
func (b *Backend) DeleteUser(ctx context.Context, id string) error {
	return b.deleteBy(ctx, `DELETE FROM users WHERE id = ?`, id, "user")
}

// ListUsers lists users ordered by username.
func (b *Backend) ListUsers(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	err := b.eachDoc(ctx, `SELECT doc FROM users ORDER BY username`, func(doc string) error {
		var u models.User
		if err := decode(doc, &u); err != nil {
			return err
		}
		users = append(users, &u)
		return nil
	})
	return users, err
}

// Roles

// CreateRole inserts a role with a unique name.
func (b *Backend) CreateRole(ctx context.Context, role *models.Role) error {
	role.ID = newID(role.ID)
	doc, err := encode(role)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `INSERT INTO roles (id, name, doc) VALUES (?, ?, ?)`, role.ID, role.Name, doc)
	if isUniqueViolation(err) {
		return &bgerrors.ConflictError{Resource: "role", ID: role.Name, Message: "already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}
	return nil
}

// GetRole retrieves a role by ID.
func (b *Backend) GetRole(ctx context.Context, id string) (*models.Role, error) {
	var role models.Role
	if err := b.getDoc(ctx, `SELECT doc FROM roles WHERE id = ?`, id, &role); err != nil {
		return nil, notFound(err, "role", id)
	}
	return &role, nil
}

// GetRoleByName retrieves a role by name.
func (b *Backend) GetRoleByName(ctx context.Context, name string) (*models.Role, error) {
	var role models.Role
	if err := b.getDoc(ctx, `SELECT doc FROM roles WHERE name = ?`, name, &role); err != nil {
		return nil, notFound(err, "role", name)
	}
	return &role, nil
}

// UpdateRole replaces a role.
func (b *Backend) UpdateRole(ctx context.Context, role *models.Role) error {
	doc, err := encode(role)
	if err != nil {
		return err
	}
	result, err := b.db.ExecContext(ctx, `UPDATE roles SET name = ?, doc = ? WHERE id = ?`, role.Name, doc, role.ID)
	if isUniqueViolation(err) {
		return &bgerrors.ConflictError{Resource: "role", ID: role.Name, Message: "already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &bgerrors.NotFoundError{Resource: "role", ID: role.ID}
	}
	return nil
}

// DeleteRole deletes a role.
func (b *Backend) DeleteRole(ctx context.Context, id string) error {
	return b.deleteBy(ctx, `DELETE FROM roles WHERE id = ?`, id, "role")
}

// ListRoles lists roles ordered by name.
func (b *Backend) ListRoles(ctx context.Context) ([]*models.Role, error) {
	var roles []*models.Role
	err := b.eachDoc(ctx, `SELECT doc FROM roles ORDER BY name`, func(doc string) error {
		var r models.Role
		if err := decode(doc, &r); err != nil {
			return err
		}
		roles = append(roles, &r)
		return nil
	})
	return roles, err
}

// Tokens

// CreateToken records a refresh token.
func (b *Backend) CreateToken(ctx context.Context, token *models.UserToken) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO tokens (jti, user_id, issued_at, expires_at) VALUES (?, ?, ?, ?)`,
		token.JTI, token.UserID, formatTime(token.IssuedAt), formatTime(token.ExpiresAt))
	if isUniqueViolation(err) {
		return &bgerrors.ConflictError{Resource: "token", ID: token.JTI, Message: "already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// GetToken retrieves a token record.
func (b *Backend) GetToken(ctx context.Context, jti string) (*models.UserToken, error) {
	var token models.UserToken
	var issuedAt, expiresAt string
	err := b.db.QueryRowContext(ctx,
		`SELECT jti, user_id, issued_at, expires_at FROM tokens WHERE jti = ?`, jti,
	).Scan(&token.JTI, &token.UserID, &issuedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &bgerrors.NotFoundError{Resource: "token", ID: jti}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	token.IssuedAt, _ = time.Parse(time.RFC3339Nano, issuedAt)
	token.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	return &token, nil
}

// DeleteToken revokes a token. Missing tokens are ignored.
func (b *Backend) DeleteToken(ctx context.Context, jti string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM tokens WHERE jti = ?`, jti); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// DeleteUserTokens revokes every token of a user.
func (b *Backend) DeleteUserTokens(ctx context.Context, userID string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete user tokens: %w", err)
	}
	return nil
}

// Gardens

var gardenColumns = map[string]string{
	"id":              "id",
	"name":            "name",
	"connection_type": "connection_type",
}

func gardenDoc(g *models.Garden) (string, error) {
	stored := g.Clone()
	stored.Systems = nil
	stored.Children = nil
	return encode(stored)
}

// CreateGarden inserts a garden with a unique name.
func (b *Backend) CreateGarden(ctx context.Context, garden *models.Garden) error {
	garden.ID = newID(garden.ID)
	doc, err := gardenDoc(garden)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO gardens (name, id, connection_type, doc) VALUES (?, ?, ?, ?)`,
		garden.Name, garden.ID, garden.ConnectionType, doc)
	if isUniqueViolation(err) {
		return &bgerrors.ConflictError{Resource: "garden", ID: garden.Name, Message: "already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to create garden: %w", err)
	}
	return nil
}

// GetGarden retrieves a garden by name.
func (b *Backend) GetGarden(ctx context.Context, name string) (*models.Garden, error) {
	var garden models.Garden
	if err := b.getDoc(ctx, `SELECT doc FROM gardens WHERE name = ?`, name, &garden); err != nil {
		return nil, notFound(err, "garden", name)
	}
	return &garden, nil
}

// UpdateGarden replaces a garden.
func (b *Backend) UpdateGarden(ctx context.Context, garden *models.Garden) error {
	doc, err := gardenDoc(garden)
	if err != nil {
		return err
	}
	result, err := b.db.ExecContext(ctx,
		`UPDATE gardens SET connection_type = ?, doc = ? WHERE name = ?`,
		garden.ConnectionType, doc, garden.Name)
	if err != nil {
		return fmt.Errorf("failed to update garden: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &bgerrors.NotFoundError{Resource: "garden", ID: garden.Name}
	}
	return nil
}

// DeleteGarden deletes a garden.
func (b *Backend) DeleteGarden(ctx context.Context, name string) error {
	return b.deleteBy(ctx, `DELETE FROM gardens WHERE name = ?`, name, "garden")
}

// ListGardens lists gardens matching q ordered by name.
func (b *Backend) ListGardens(ctx context.Context, q backend.Query) ([]*models.Garden, error) {
	query := `SELECT doc FROM gardens`
	var args []any
	clause, clauseArgs, pushed := where(q, gardenColumns)
	if pushed {
		query += ` WHERE ` + clause
		args = clauseArgs
	}
	query += ` ORDER BY name`

	var gardens []*models.Garden
	err := b.eachDoc(ctx, query, func(doc string) error {
		var g models.Garden
		if err := decode(doc, &g); err != nil {
			return err
		}
		if pushed || q.Matches(&g) {
			gardens = append(gardens, &g)
		}
		return nil
	}, args...)
	return gardens, err
}

// helpers

var errNoRows = errors.New("no rows")

func (b *Backend) getDoc(ctx context.Context, query string, arg any, v any) error {
	var doc string
	err := b.db.QueryRowContext(ctx, query, arg).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return errNoRows
	}
	if err != nil {
		return fmt.Errorf("failed to query document: %w", err)
	}
	return decode(doc, v)
}

func notFound(err error, resource, id string) error {
	if errors.Is(err, errNoRows) {
		return &bgerrors.NotFoundError{Resource: resource, ID: id}
	}
	return err
}

func (b *Backend) deleteBy(ctx context.Context, query, id, resource string) error {
	result, err := b.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", resource, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &bgerrors.NotFoundError{Resource: resource, ID: id}
	}
	return nil
}

func (b *Backend) eachDoc(ctx context.Context, query string, fn func(doc string) error, args ...any) error {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return fmt.Errorf("failed to scan document: %w", err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

