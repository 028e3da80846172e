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

// Package engine validates, persists and dispatches requests and drives
// their status transitions.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/events"
	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/models"
	"github.com/beer-garden/beergarden/internal/queue"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// Store is the persistence the engine needs.
type Store interface {
	backend.SystemStore
	backend.RequestStore
}

// Publisher hands a persisted request to the message bus.
type Publisher interface {
	PublishRequest(ctx context.Context, req *models.Request, opts queue.PublishOptions) error
}

// Config tunes the engine.
type Config struct {
	// Garden is stamped on requests whose system has no garden.
	Garden string

	// CommandChoicesTimeout bounds a choices sub-request. Zero waits
	// forever.
	CommandChoicesTimeout time.Duration

	// ChoicesMaxDepth bounds nested choices sub-requests. Zero means no
	// limit.
	ChoicesMaxDepth int

	// HTTPClient fetches url choices.
	HTTPClient *http.Client
}

// Engine is the request pipeline. It is safe for concurrent use.
type Engine struct {
	store     Store
	publisher Publisher
	events    events.Publisher
	cfg       Config
	waiters   *waiters
	logger    *slog.Logger
	tracer    trace.Tracer
}

var _ queue.RequestCanceler = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = log.WithComponent(l, "engine") }
}

// WithEvents sets the event publisher.
func WithEvents(p events.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// New creates an engine.
func New(store Store, publisher Publisher, cfg Config, opts ...Option) *Engine {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	e := &Engine{
		store:     store,
		publisher: publisher,
		events:    events.Discard{},
		cfg:       cfg,
		waiters:   newWaiters(),
		logger:    log.WithComponent(nil, "engine"),
		tracer:    otel.Tracer("github.com/beer-garden/beergarden/internal/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type requesterKey struct{}

// WithRequester records the submitting user on ctx.
func WithRequester(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, requesterKey{}, username)
}

// RequesterFromContext returns the user recorded by WithRequester.
func RequesterFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requesterKey{}).(string)
	return s
}

type depthKey struct{}

func choicesDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// Submit validates req, stores it as CREATED and publishes it to its
// instance's request queue.
//
// wait selects what happens next: zero returns the created request, a
// negative value blocks until the request completes, and a positive value
// blocks at most that long before failing with a TimeoutError. A timed-out
// request is left to complete on its own.
func (e *Engine) Submit(ctx context.Context, req *models.Request, wait time.Duration) (*models.Request, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Submit", trace.WithAttributes(
		attribute.String("bg.system", req.System),
		attribute.String("bg.command", req.Command),
		attribute.String("bg.instance", req.InstanceName),
	))
	defer span.End()

	created, done, err := e.create(ctx, req, wait != 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("bg.request_id", created.ID))

	if wait == 0 {
		return created, nil
	}
	return e.await(ctx, created.ID, done, wait)
}

func (e *Engine) create(ctx context.Context, in *models.Request, register bool) (*models.Request, <-chan *models.Request, error) {
	start := time.Now()
	defer func() { submitDuration.Observe(time.Since(start).Seconds()) }()

	req := models.NewRequest(in.RequestTemplate)
	req.Parent = in.Parent
	req.Requester = in.Requester
	if req.Namespace == "" {
		req.Namespace = e.cfg.Garden
	}
	if u := RequesterFromContext(ctx); u != "" {
		req.Requester = u
	}

	system, err := e.prepare(ctx, req)
	if err != nil {
		if bgerrors.IsValidation(err) {
			validationFailures.Inc()
		}
		return nil, nil, err
	}

	req.Status = models.StatusCreated
	req.Garden = system.Garden
	if req.Garden == "" {
		req.Garden = e.cfg.Garden
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return nil, nil, err
	}
	logger := log.WithRequestContext(e.logger, req.ID, req.Namespace, req.System, req.InstanceName, req.Command)

	var done <-chan *models.Request
	if register {
		done = e.waiters.register(req.ID)
	}

	if err := e.publish(ctx, req); err != nil {
		e.waiters.drop(req.ID)
		if derr := e.store.DeleteRequest(ctx, req.ID); derr != nil {
			logger.Error("failed to roll back unpublished request", log.Error(derr))
		}
		return nil, nil, err
	}

	requestsCreated.Inc()
	logger.Debug("request created")
	e.emit(ctx, models.EventRequestCreated, req)
	return req, done, nil
}

// prepare runs the validation steps ahead of persistence and fills in the
// fields derived from the system and command.
func (e *Engine) prepare(ctx context.Context, req *models.Request) (*models.System, error) {
	system, err := e.store.FindSystem(ctx, req.Namespace, req.System, req.SystemVersion)
	if err != nil {
		return nil, err
	}
	if system.Instance(req.InstanceName) == nil {
		return nil, &bgerrors.ValidationError{
			Field:   "instance_name",
			Message: fmt.Sprintf("system %s has no instance %q", system.Key(), req.InstanceName),
		}
	}

	cmd := system.Command(req.Command)
	if cmd == nil {
		return nil, &bgerrors.ValidationError{
			Field:   "command",
			Message: fmt.Sprintf("system %s has no command %q", system.Key(), req.Command),
		}
	}
	if req.CommandType != "" && req.CommandType != cmd.CommandType {
		return nil, &bgerrors.ValidationError{
			Field:   "command_type",
			Message: fmt.Sprintf("command_type %s does not match the command's %s", req.CommandType, cmd.CommandType),
		}
	}
	if req.OutputType != "" && req.OutputType != cmd.OutputType {
		return nil, &bgerrors.ValidationError{
			Field:   "output_type",
			Message: fmt.Sprintf("output_type %s does not match the command's %s", req.OutputType, cmd.OutputType),
		}
	}
	req.CommandType = cmd.CommandType
	req.OutputType = cmd.OutputType

	req.HasParent = req.Parent != ""
	if req.HasParent {
		parent, err := e.store.GetRequest(ctx, req.Parent)
		if err != nil {
			if bgerrors.IsNotFound(err) {
				return nil, &bgerrors.ConflictError{Resource: "request", ID: req.Parent, Message: "parent request does not exist"}
			}
			return nil, err
		}
		if parent.IsCompleted() {
			return nil, &bgerrors.ConflictError{
				Resource: "request",
				ID:       req.Parent,
				Message:  fmt.Sprintf("parent request is already %s", parent.Status),
			}
		}
	}

	vctx, span := e.tracer.Start(ctx, "engine.ValidateParameters")
	params, err := e.validateParameters(vctx, req, cmd.Parameters, req.Parameters, "parameters")
	span.End()
	if err != nil {
		return nil, err
	}
	req.Parameters = params
	return system, nil
}

func (e *Engine) publish(ctx context.Context, req *models.Request) error {
	ctx, span := e.tracer.Start(ctx, "engine.Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	if err := e.publisher.PublishRequest(ctx, req, queue.PublishOptions{}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *Engine) await(ctx context.Context, id string, done <-chan *models.Request, wait time.Duration) (*models.Request, error) {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case req := <-done:
		return req, nil
	case <-timeout:
		e.waiters.drop(id)
		waitTimeouts.Inc()
		return nil, &bgerrors.TimeoutError{Operation: "waiting for request " + id, Duration: wait}
	case <-ctx.Done():
		e.waiters.drop(id)
		return nil, ctx.Err()
	}
}

// Get returns a request with its children.
func (e *Engine) Get(ctx context.Context, id string) (*models.Request, error) {
	return e.store.GetRequest(ctx, id)
}

// List returns one page of requests and the filtered total.
func (e *Engine) List(ctx context.Context, filter backend.RequestFilter) ([]*models.Request, int, error) {
	return e.store.ListRequests(ctx, filter)
}

// Count returns the number of requests matching q.
func (e *Engine) Count(ctx context.Context, q backend.Query) (int, error) {
	return e.store.CountRequests(ctx, q)
}

// Delete removes a request and its children.
func (e *Engine) Delete(ctx context.Context, id string) error {
	return e.store.DeleteRequest(ctx, id)
}

func (e *Engine) emit(ctx context.Context, name string, req *models.Request) {
	e.events.Publish(ctx, &models.Event{Name: name, Payload: req.Clone()})
}
