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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

const (
	// RequestIDHeader carries the request id on published requests.
	RequestIDHeader = "request_id"

	// AdminExpiryPolicy is the name of the admin queue expiry policy.
	AdminExpiryPolicy = "admin_expiry"

	adminQueuePattern = "^admin.*"
	queueMaxPriority  = 1
)

// RequestCanceler cancels requests found while draining a queue.
type RequestCanceler interface {
	Cancel(ctx context.Context, id string) (*models.Request, error)
}

// PublishOptions adjusts PublishRequest.
type PublishOptions struct {
	Headers map[string]string

	// RoutingKey overrides the key derived from the request.
	RoutingKey string

	// Admin routes to the instance's admin chain instead of its request
	// queue.
	Admin bool
}

// Manager runs the queue layer on top of a Broker.
type Manager struct {
	broker   Broker
	canceler RequestCanceler
	logger   *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = log.WithComponent(logger, "queue")
	}
}

// WithCanceler sets the canceler used by Clear.
func WithCanceler(c RequestCanceler) ManagerOption {
	return func(m *Manager) {
		m.canceler = c
	}
}

// NewManager creates a manager for broker.
func NewManager(broker Broker, opts ...ManagerOption) *Manager {
	m := &Manager{
		broker: broker,
		logger: log.WithComponent(nil, "queue"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetCanceler sets the canceler used by Clear. The request engine depends
// on the manager, so it is attached after both exist.
func (m *Manager) SetCanceler(c RequestCanceler) {
	m.canceler = c
}

// Broker returns the underlying broker.
func (m *Manager) Broker() Broker {
	return m.broker
}

// CreateInstanceQueues declares the request and admin queues of an instance
// and returns where the instance should consume from.
func (m *Manager) CreateInstanceQueues(ctx context.Context, system *models.System, instance *models.Instance) (models.QueueInfo, error) {
	requestKey := RequestRoutingKey(system.Namespace, system.Name, system.Version, instance.Name)
	if err := m.broker.DeclareQueue(ctx, QueueSpec{
		Name:        requestKey,
		Durable:     true,
		MaxPriority: queueMaxPriority,
		Bindings:    []string{requestKey},
	}); err != nil {
		return models.QueueInfo{}, fmt.Errorf("declare request queue %s: %w", requestKey, err)
	}
	queueDeclares.WithLabelValues("request").Inc()

	adminName := AdminRoutingKey(system.Namespace, system.Name, system.Version, instance.Name)
	if err := m.broker.DeclareQueue(ctx, QueueSpec{
		Name:        adminName,
		Durable:     true,
		MaxPriority: queueMaxPriority,
		Bindings:    AdminBindingKeys(system.Namespace, system.Name, system.Version, instance.Name),
	}); err != nil {
		return models.QueueInfo{}, fmt.Errorf("declare admin queue %s: %w", adminName, err)
	}
	queueDeclares.WithLabelValues("admin").Inc()

	m.logger.Debug("declared instance queues",
		slog.String(log.QueueKey, requestKey),
		slog.String("admin_queue", adminName))

	return models.QueueInfo{
		RequestQueue: requestKey,
		AdminQueue:   adminName,
		URL:          m.broker.URL(),
	}, nil
}

// PublishRequest publishes req as JSON. The routing key is derived from the
// request unless opts overrides it. Failures are returned as
// *errors.PublishError.
func (m *Manager) PublishRequest(ctx context.Context, req *models.Request, opts PublishOptions) error {
	key := opts.RoutingKey
	if key == "" {
		if opts.Admin {
			key = AdminKeyPrefix(req.Namespace, req.System, req.SystemVersion, req.InstanceName)
		} else {
			key = RequestRoutingKey(req.Namespace, req.System, req.SystemVersion, req.InstanceName)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return &bgerrors.PublishError{RoutingKey: key, Reason: "encode request", Cause: err}
	}

	headers := make(map[string]string, len(opts.Headers)+1)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if req.ID != "" {
		headers[RequestIDHeader] = req.ID
	}

	return m.publish(ctx, Message{RoutingKey: key, Headers: headers, Body: body})
}

// PublishAdmin broadcasts body to every admin queue bound to keyPrefix.
func (m *Manager) PublishAdmin(ctx context.Context, keyPrefix string, body []byte) error {
	return m.publish(ctx, Message{RoutingKey: keyPrefix, Body: body})
}

func (m *Manager) publish(ctx context.Context, msg Message) error {
	err := m.broker.Publish(ctx, msg)
	if err == nil {
		log.Trace(m.logger, "published message", slog.String("routing_key", msg.RoutingKey))
		return nil
	}

	reason := "broker error"
	if errors.Is(err, ErrUnroutable) {
		reason = "unroutable"
	}
	queuePublishFailures.WithLabelValues(reason).Inc()
	return &bgerrors.PublishError{RoutingKey: msg.RoutingKey, Reason: reason, Cause: err}
}

// ApplyAdminExpiryPolicy makes idle admin queues expire after expiry.
func (m *Manager) ApplyAdminExpiryPolicy(ctx context.Context, expiry time.Duration) error {
	if expiry <= 0 {
		return nil
	}
	err := m.broker.SetPolicy(ctx, Policy{
		Name:    AdminExpiryPolicy,
		Pattern: adminQueuePattern,
		Expires: expiry,
	})
	if err != nil {
		return fmt.Errorf("set %s policy: %w", AdminExpiryPolicy, err)
	}
	m.logger.Info("applied admin queue expiry policy", slog.Duration("expires", expiry))
	return nil
}

// Clear drains queue one message at a time, canceling every request found.
// Undecodable messages and cancel failures are logged and skipped.
func (m *Manager) Clear(ctx context.Context, queue string) error {
	logger := m.logger.With(slog.String(log.QueueKey, queue))
	drained := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := m.broker.Get(ctx, queue)
		if err != nil {
			return fmt.Errorf("drain %s: %w", queue, err)
		}
		if msg == nil {
			break
		}
		drained++
		queueDrained.Inc()

		var req models.Request
		if err := json.Unmarshal(msg.Body, &req); err != nil || req.ID == "" {
			logger.Warn("skipping message that is not a request", log.Error(err))
			continue
		}
		if m.canceler == nil {
			continue
		}
		if _, err := m.canceler.Cancel(ctx, req.ID); err != nil {
			logger.Warn("failed to cancel drained request",
				slog.String(log.RequestIDKey, req.ID),
				log.Error(err))
		}
	}

	logger.Info("queue cleared", slog.Int("messages", drained))
	return nil
}

// Destroy deletes queue, optionally disconnecting its consumers and
// draining it first. A queue that does not exist is not an error.
func (m *Manager) Destroy(ctx context.Context, queue string, force, clear bool) error {
	logger := m.logger.With(slog.String(log.QueueKey, queue))

	if force {
		if err := m.broker.DisconnectConsumers(ctx, queue); err != nil && !errors.Is(err, ErrQueueNotFound) {
			logger.Warn("failed to disconnect consumers", log.Error(err))
		}
	}

	if clear {
		if err := m.Clear(ctx, queue); err != nil && !errors.Is(err, ErrQueueNotFound) {
			logger.Warn("failed to clear queue", log.Error(err))
		}
	}

	if err := m.broker.DeleteQueue(ctx, queue); err != nil {
		if errors.Is(err, ErrQueueNotFound) {
			return nil
		}
		logger.Error("failed to delete queue", log.Error(err))
		return fmt.Errorf("delete queue %s: %w", queue, err)
	}
	queueDeletes.Inc()
	logger.Debug("queue deleted")
	return nil
}

// Size returns the number of ready messages on queue.
func (m *Manager) Size(ctx context.Context, queue string) (int, error) {
	n, err := m.broker.Size(ctx, queue)
	if errors.Is(err, ErrQueueNotFound) {
		return 0, &bgerrors.NotFoundError{Resource: "queue", ID: queue}
	}
	return n, err
}

// Close closes the broker.
func (m *Manager) Close() error {
	return m.broker.Close()
}
