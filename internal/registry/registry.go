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

// Package registry keeps the catalogue of systems and their instances:
// registration from plugins, queue setup for new instances, instance
// lifecycle and heartbeats, and the local garden record.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/events"
	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/models"
	"github.com/beer-garden/beergarden/internal/queue"
	"github.com/beer-garden/beergarden/internal/runner"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// Store is the persistence the registry needs.
type Store interface {
	backend.SystemStore
	backend.GardenStore
}

// Queues declares and tears down instance queues.
type Queues interface {
	CreateInstanceQueues(ctx context.Context, system *models.System, instance *models.Instance) (models.QueueInfo, error)
	Destroy(ctx context.Context, queue string, force, clear bool) error
	PublishAdmin(ctx context.Context, keyPrefix string, body []byte) error
}

// Runners is the part of the runner manager the registry drives.
type Runners interface {
	AssociateInstance(ctx context.Context, runnerID, instanceID string) error
	ReloadSystem(ctx context.Context, sys *models.System) ([]runner.Runner, error)
	Remove(ctx context.Context, id string) error
}

// Config configures the registry.
type Config struct {
	// Garden is the local garden name.
	Garden string

	// QueueType is recorded on instances so plugins know which client to
	// use.
	QueueType string

	// HeartbeatTimeout is how stale a RUNNING instance's heartbeat may get
	// before it is marked UNRESPONSIVE. Zero disables the check.
	HeartbeatTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = log.WithComponent(l, "registry") }
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithRunners lets the registry associate instances with local runners
// and reload them.
func WithRunners(r Runners) Option {
	return func(s *Service) { s.runners = r }
}

// Service is the system registry. It is safe for concurrent use; writes to
// one system are not serialized beyond what the store provides.
type Service struct {
	store   Store
	queues  Queues
	runners Runners
	events  events.Publisher
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a registry.
func New(store Store, queues Queues, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:  store,
		queues: queues,
		events: events.Discard{},
		cfg:    cfg,
		logger: log.WithComponent(nil, "registry"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrUpdate registers sys. A new system is stored with queues for each
// of its instances. An existing system with the same namespace, name and
// version takes the incoming commands and descriptive fields, and gains any
// instances it did not have.
func (s *Service) CreateOrUpdate(ctx context.Context, sys *models.System) (*models.System, error) {
	in := sys.Clone()
	if in.Garden == "" {
		in.Garden = s.cfg.Garden
	}
	in.Local = in.Garden == s.cfg.Garden
	if err := in.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.store.FindSystem(ctx, in.Namespace, in.Name, in.Version)
	switch {
	case bgerrors.IsNotFound(err):
		return s.create(ctx, in)
	case err != nil:
		return nil, err
	}

	existing.Commands = in.Commands
	existing.MaxInstances = in.MaxInstances
	existing.Description = in.Description
	existing.IconName = in.IconName
	existing.DisplayName = in.DisplayName
	existing.Groups = in.Groups
	existing.Metadata = mergeMetadata(existing.Metadata, in.Metadata)

	var added []*models.Instance
	for _, inst := range in.Instances {
		if existing.Instance(inst.Name) == nil {
			inst.ID = ""
			existing.Instances = append(existing.Instances, inst)
			added = append(added, inst)
		}
	}
	if err := existing.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.SaveSystem(ctx, existing); err != nil {
		return nil, err
	}
	if err := s.setupQueues(ctx, existing, added); err != nil {
		return nil, err
	}
	s.logger.Info("system updated", slog.String(log.SystemKey, existing.Key()), slog.Int("new_instances", len(added)))
	s.emit(ctx, models.EventSystemUpdated, existing)
	return existing, nil
}

func (s *Service) create(ctx context.Context, sys *models.System) (*models.System, error) {
	sys.ID = ""
	for _, inst := range sys.Instances {
		inst.ID = ""
		if inst.Status == "" {
			inst.Status = models.InstanceInitializing
		}
	}
	if err := s.store.CreateSystem(ctx, sys); err != nil {
		return nil, err
	}
	if err := s.setupQueues(ctx, sys, sys.Instances); err != nil {
		return nil, err
	}
	systemsRegistered.Inc()
	s.logger.Info("system created", slog.String(log.SystemKey, sys.Key()), slog.Int("instances", len(sys.Instances)))
	s.emit(ctx, models.EventSystemCreated, sys)
	return sys, nil
}

// setupQueues declares queues for instances of sys and saves their queue
// info.
func (s *Service) setupQueues(ctx context.Context, sys *models.System, instances []*models.Instance) error {
	if len(instances) == 0 {
		return nil
	}
	for _, inst := range instances {
		info, err := s.queues.CreateInstanceQueues(ctx, sys, inst)
		if err != nil {
			return err
		}
		inst.QueueInfo = info
		inst.QueueType = s.cfg.QueueType
	}
	return s.store.SaveSystem(ctx, sys)
}

// Get returns a system.
func (s *Service) Get(ctx context.Context, id string) (*models.System, error) {
	return s.store.GetSystem(ctx, id)
}

// List returns the systems matching q.
func (s *Service) List(ctx context.Context, q backend.Query) ([]*models.System, error) {
	return s.store.ListSystems(ctx, q)
}

// Delete removes a system. Its instance queues are drained and deleted
// first, and runners serving it are removed.
func (s *Service) Delete(ctx context.Context, id string, force bool) error {
	sys, err := s.store.GetSystem(ctx, id)
	if err != nil {
		return err
	}
	for _, inst := range sys.Instances {
		requestQueue := inst.QueueInfo.RequestQueue
		if requestQueue == "" {
			requestQueue = queue.RequestRoutingKey(sys.Namespace, sys.Name, sys.Version, inst.Name)
		}
		if err := s.queues.Destroy(ctx, requestQueue, force, true); err != nil {
			return err
		}
		if inst.QueueInfo.AdminQueue != "" {
			if err := s.queues.Destroy(ctx, inst.QueueInfo.AdminQueue, true, false); err != nil {
				return err
			}
		}
		if s.runners != nil {
			if err := s.runners.Remove(ctx, inst.ID); err != nil && !bgerrors.IsNotFound(err) {
				s.logger.Warn("failed to remove runner", slog.String(log.InstanceKey, inst.Name), log.Error(err))
			}
		}
	}
	if err := s.store.DeleteSystem(ctx, id); err != nil {
		return err
	}
	systemsRegistered.Dec()
	s.logger.Info("system removed", slog.String(log.SystemKey, sys.Key()))
	s.emit(ctx, models.EventSystemRemoved, sys)
	return nil
}

// Patch applies ops to a system. Supported operations:
//
//	add /instance          register an instance (value is an instance)
//	replace /commands      replace the command list
//	replace /description   also /icon_name, /display_name and /groups
//	update /metadata       merge into the metadata
//	reload                 restart the local runners of the system
func (s *Service) Patch(ctx context.Context, id string, ops []models.PatchOperation) (*models.System, error) {
	sys, err := s.store.GetSystem(ctx, id)
	if err != nil {
		return nil, err
	}

	var added []*models.Instance
	reload := false
	for _, op := range ops {
		switch {
		case op.Operation == models.PatchAdd && op.Path == "/instance":
			var inst models.Instance
			if err := decodeValue(op.Value, &inst, "instance"); err != nil {
				return nil, err
			}
			if existing := sys.Instance(inst.Name); existing != nil {
				// Re-registering keeps the existing instance.
				continue
			}
			inst.ID = ""
			inst.Status = models.InstanceInitializing
			sys.Instances = append(sys.Instances, &inst)
			added = append(added, &inst)
		case op.Operation == models.PatchReplace && op.Path == "/commands":
			var commands []*models.Command
			if err := decodeValue(op.Value, &commands, "commands"); err != nil {
				return nil, err
			}
			sys.Commands = commands
		case op.Operation == models.PatchReplace && op.Path == "/description":
			if err := decodeValue(op.Value, &sys.Description, "description"); err != nil {
				return nil, err
			}
		case op.Operation == models.PatchReplace && op.Path == "/icon_name":
			if err := decodeValue(op.Value, &sys.IconName, "icon_name"); err != nil {
				return nil, err
			}
		case op.Operation == models.PatchReplace && op.Path == "/display_name":
			if err := decodeValue(op.Value, &sys.DisplayName, "display_name"); err != nil {
				return nil, err
			}
		case op.Operation == models.PatchReplace && op.Path == "/groups":
			if err := decodeValue(op.Value, &sys.Groups, "groups"); err != nil {
				return nil, err
			}
		case op.Operation == models.PatchUpdate && op.Path == "/metadata":
			var md map[string]any
			if err := decodeValue(op.Value, &md, "metadata"); err != nil {
				return nil, err
			}
			sys.Metadata = mergeMetadata(sys.Metadata, md)
		case op.Operation == models.PatchReload:
			reload = true
		default:
			return nil, &bgerrors.ValidationError{
				Field:   "operation",
				Message: fmt.Sprintf("unsupported operation %q on path %q", op.Operation, op.Path),
			}
		}
	}

	if err := sys.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.SaveSystem(ctx, sys); err != nil {
		return nil, err
	}
	if err := s.setupQueues(ctx, sys, added); err != nil {
		return nil, err
	}
	s.emit(ctx, models.EventSystemUpdated, sys)

	if reload {
		if s.runners == nil {
			return nil, &bgerrors.ConflictError{Resource: "system", ID: sys.Key(), Message: "no local runners to reload"}
		}
		if _, err := s.runners.ReloadSystem(ctx, sys); err != nil {
			return nil, err
		}
	}
	return sys, nil
}

// decodeValue converts a patch value into out through JSON.
func decodeValue(value any, out any, field string) error {
	data, err := json.Marshal(value)
	if err == nil {
		err = json.Unmarshal(data, out)
	}
	if err != nil {
		return &bgerrors.ValidationError{Field: field, Message: err.Error()}
	}
	return nil
}

func mergeMetadata(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	maps.Copy(dst, src)
	return dst
}

// instance loads an instance and its system.
func (s *Service) instance(ctx context.Context, id string) (*models.System, *models.Instance, error) {
	inst, err := s.store.GetInstance(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	sys, err := s.store.GetSystem(ctx, inst.SystemID)
	if err != nil {
		return nil, nil, err
	}
	return sys, sys.InstanceByID(id), nil
}

// GetInstance returns an instance.
func (s *Service) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	return s.store.GetInstance(ctx, id)
}

// PatchInstance applies an instance lifecycle operation:
//
//	initialize        the plugin is up; value may carry {"runner_id": ...}
//	start, stop       ask the plugin to start or stop over its admin queue
//	heartbeat         record liveness
//	replace /status   set the status
//	update /metadata  merge into the metadata
func (s *Service) PatchInstance(ctx context.Context, id string, ops []models.PatchOperation) (*models.Instance, error) {
	sys, inst, err := s.instance(ctx, id)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With(slog.String(log.SystemKey, sys.Key()), slog.String(log.InstanceKey, inst.Name))

	for _, op := range ops {
		switch {
		case op.Operation == "initialize":
			info, err := s.queues.CreateInstanceQueues(ctx, sys, inst)
			if err != nil {
				return nil, err
			}
			inst.QueueInfo = info
			inst.QueueType = s.cfg.QueueType
			s.setStatus(inst, models.InstanceRunning)
			s.touch(inst)
			var v struct {
				RunnerID string `json:"runner_id"`
			}
			if op.Value != nil {
				if err := decodeValue(op.Value, &v, "value"); err != nil {
					return nil, err
				}
			}
			if v.RunnerID != "" && s.runners != nil {
				if err := s.runners.AssociateInstance(ctx, v.RunnerID, inst.ID); err != nil {
					logger.Warn("failed to associate runner", slog.String(log.RunnerIDKey, v.RunnerID), log.Error(err))
				}
			}
			logger.Info("instance initialized")
		case op.Operation == "start" || op.Operation == "stop":
			if err := s.sendAdmin(ctx, sys, inst, "_"+op.Operation); err != nil {
				return nil, err
			}
			if op.Operation == "stop" {
				s.setStatus(inst, models.InstanceStopped)
			} else {
				s.setStatus(inst, models.InstanceInitializing)
			}
		case op.Operation == "heartbeat":
			s.touch(inst)
			if inst.Status == models.InstanceUnresponsive {
				s.setStatus(inst, models.InstanceRunning)
			}
		case op.Operation == models.PatchReplace && op.Path == "/status":
			var status models.InstanceStatus
			if err := decodeValue(op.Value, &status, "status"); err != nil {
				return nil, err
			}
			if !validInstanceStatus(status) {
				return nil, &bgerrors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown instance status %q", status)}
			}
			s.setStatus(inst, status)
		case op.Operation == models.PatchUpdate && op.Path == "/metadata":
			var md map[string]any
			if err := decodeValue(op.Value, &md, "metadata"); err != nil {
				return nil, err
			}
			inst.Metadata = mergeMetadata(inst.Metadata, md)
		default:
			return nil, &bgerrors.ValidationError{
				Field:   "operation",
				Message: fmt.Sprintf("unsupported operation %q on path %q", op.Operation, op.Path),
			}
		}
	}

	if err := s.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}
	s.emit(ctx, models.EventInstanceUpdated, inst)
	return inst, nil
}

func (s *Service) setStatus(inst *models.Instance, status models.InstanceStatus) {
	if inst.Status != status {
		instanceTransitions.WithLabelValues(string(status)).Inc()
	}
	inst.Status = status
}

func (s *Service) touch(inst *models.Instance) {
	now := s.now().UTC()
	inst.StatusInfo.Heartbeat = &now
}

func validInstanceStatus(st models.InstanceStatus) bool {
	switch st {
	case models.InstanceInitializing, models.InstanceRunning, models.InstanceStopped, models.InstanceDead,
		models.InstanceUnresponsive, models.InstanceUnknown, models.InstancePaused:
		return true
	}
	return false
}

// sendAdmin broadcasts an ephemeral admin command to one instance.
func (s *Service) sendAdmin(ctx context.Context, sys *models.System, inst *models.Instance, command string) error {
	req := models.NewRequest(models.RequestTemplate{
		Namespace:     sys.Namespace,
		System:        sys.Name,
		SystemVersion: sys.Version,
		InstanceName:  inst.Name,
		Command:       command,
		CommandType:   models.CommandTypeEphemeral,
		Parameters:    map[string]any{},
	})
	req.ID = uuid.NewString()
	req.Status = models.StatusCreated
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode admin request: %w", err)
	}
	return s.queues.PublishAdmin(ctx, queue.AdminKeyPrefix(sys.Namespace, sys.Name, sys.Version, inst.Name), body)
}

func (s *Service) emit(ctx context.Context, name string, payload any) {
	s.events.Publish(ctx, &models.Event{Name: name, Garden: s.cfg.Garden, Payload: payload})
}
