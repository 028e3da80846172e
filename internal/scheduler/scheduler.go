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

// Package scheduler runs persistent jobs whose triggers turn into requests.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/events"
	"github.com/beer-garden/beergarden/internal/filewatcher"
	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// maxCatchUp bounds how many overdue runs are considered per job per pass.
const maxCatchUp = 1000

// Submitter creates requests and waits for them to finish.
type Submitter interface {
	Submit(ctx context.Context, req *models.Request, wait time.Duration) (*models.Request, error)
}

// Config tunes the scheduler.
type Config struct {
	// MaxWorkers bounds concurrent fires across all jobs.
	MaxWorkers int
	// TickInterval is the longest the loop sleeps between checks.
	TickInterval time.Duration
	// MisfireGraceTime is used for jobs without their own. Zero never
	// drops late runs.
	MisfireGraceTime    time.Duration
	FileEventsPerMinute int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = log.WithComponent(l, "scheduler") }
}

// WithEvents publishes job lifecycle events to p.
func WithEvents(p events.Publisher) Option {
	return func(s *Scheduler) { s.events = p }
}

// entry is a job on the live schedule.
type entry struct {
	job   *models.Job
	sched schedule // nil for file jobs
	// base is the unjittered time of the pending run. Zero when nothing is
	// pending, which for reschedule_on_finish jobs means a run is in flight.
	base   time.Time
	fireAt time.Time
}

// Scheduler owns the live schedule for RUNNING jobs.
type Scheduler struct {
	store     backend.JobStore
	submitter Submitter
	cfg       Config
	events    events.Publisher
	files     *filewatcher.Service
	sem       *semaphore.Weighted
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	running  map[string]int
	started  bool
	loopDone chan struct{}
	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a scheduler. Call Start to load jobs and begin firing.
func New(store backend.JobStore, submitter Submitter, cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	s := &Scheduler{
		store:     store,
		submitter: submitter,
		cfg:       cfg,
		events:    events.Discard{},
		sem:       semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		logger:    log.WithComponent(nil, "scheduler"),
		tracer:    otel.Tracer("github.com/beer-garden/beergarden/internal/scheduler"),
		now:       time.Now,
		entries:   make(map[string]*entry),
		running:   make(map[string]int),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.files = filewatcher.NewService(s.onFileEvent, s.logger)
	return s
}

// Start schedules every RUNNING job in the store and starts the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	jobs, err := s.store.ListJobs(ctx, backend.Eq("status", string(models.JobRunning)))
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}
	for _, job := range jobs {
		if err := s.restore(ctx, job); err != nil {
			log.WithJobContext(s.logger, job.ID, job.Name).Error("failed to schedule job", log.Error(err))
		}
	}

	s.mu.Lock()
	s.loopDone = make(chan struct{})
	s.mu.Unlock()
	go s.loop()
	s.logger.Info("scheduler started", slog.Int("jobs", len(jobs)), slog.Int("max_workers", s.cfg.MaxWorkers))
	return nil
}

// Stop halts the loop and file watches, cancels in-flight fires and waits
// for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.files.Stop()
	s.mu.Lock()
	done := s.loopDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.wg.Wait()
	scheduledJobs.Set(0)
}

// Create validates and stores job and, when RUNNING, schedules it.
func (s *Scheduler) Create(ctx context.Context, job *models.Job) (*models.Job, error) {
	job = job.Clone()
	if job.Status == "" {
		job.Status = models.JobRunning
	}
	job.SuccessCount, job.ErrorCount = 0, 0
	job.NextRunTime = nil
	sched, err := check(job)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if job.Status == models.JobRunning {
		if err := s.add(ctx, job, sched, nil); err != nil {
			if delErr := s.store.DeleteJob(ctx, job.ID); delErr != nil {
				s.logger.Warn("failed to roll back job", slog.String(log.JobIDKey, job.ID), log.Error(delErr))
			}
			return nil, err
		}
	}
	log.WithJobContext(s.logger, job.ID, job.Name).Info("job created", slog.String("trigger_type", string(job.TriggerType)))
	s.emit(ctx, models.EventJobCreated, job)
	return job, nil
}

// Update replaces a job's definition, keeping its counters, and
// reschedules it.
func (s *Scheduler) Update(ctx context.Context, job *models.Job) (*models.Job, error) {
	current, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	job = job.Clone()
	job.CreatedAt = current.CreatedAt
	job.SuccessCount, job.ErrorCount = current.SuccessCount, current.ErrorCount
	if job.Status == "" {
		job.Status = current.Status
	}
	job.NextRunTime = nil
	sched, err := check(job)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	s.remove(job.ID)
	if job.Status == models.JobRunning {
		if err := s.add(ctx, job, sched, nil); err != nil {
			return nil, err
		}
	}
	s.emit(ctx, models.EventJobUpdated, job)
	return job, nil
}

// Pause takes a job off the live schedule, keeping its stored state.
func (s *Scheduler) Pause(ctx context.Context, id string) (*models.Job, error) {
	return s.setStatus(ctx, id, models.JobPaused)
}

// Resume puts a paused job back on the live schedule. Runs missed while
// paused are not replayed.
func (s *Scheduler) Resume(ctx context.Context, id string) (*models.Job, error) {
	return s.setStatus(ctx, id, models.JobRunning)
}

func (s *Scheduler) setStatus(ctx context.Context, id string, status models.JobStatus) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	sched, err := check(job)
	if err != nil {
		return nil, err
	}
	job.Status = status
	job.NextRunTime = nil
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}

	s.remove(id)
	event := models.EventJobPaused
	if status == models.JobRunning {
		event = models.EventJobResumed
		if err := s.add(ctx, job, sched, nil); err != nil {
			return nil, err
		}
	}
	log.WithJobContext(s.logger, job.ID, job.Name).Info("job status changed", slog.String("status", string(status)))
	s.emit(ctx, event, job)
	return job, nil
}

// Delete removes a job from the live schedule and the store.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	s.remove(id)
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.emit(ctx, models.EventJobDeleted, job)
	return nil
}

// Get returns a stored job.
func (s *Scheduler) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns stored jobs matching q.
func (s *Scheduler) List(ctx context.Context, q backend.Query) ([]*models.Job, error) {
	return s.store.ListJobs(ctx, q)
}

// Execute fires a job now, outside its trigger. The run counts toward the
// job's totals and its max_instances limit.
func (s *Scheduler) Execute(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !s.dispatch(job, nil) {
		return &bgerrors.ConflictError{
			Resource: "job",
			ID:       id,
			Message:  fmt.Sprintf("already running %d instance(s)", job.EffectiveMaxInstances()),
		}
	}
	return nil
}

// check validates job and compiles its trigger.
func check(job *models.Job) (schedule, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	if ft, ok := job.Trigger.(*models.FileTrigger); ok {
		if _, err := filewatcher.NewPatternMatcher(ft.Pattern); err != nil {
			return nil, &bgerrors.ValidationError{Field: "trigger.pattern", Message: err.Error()}
		}
	}
	return compile(job.Trigger)
}

// restore schedules a stored RUNNING job, resuming from its persisted next
// run time when it has one.
func (s *Scheduler) restore(ctx context.Context, job *models.Job) error {
	sched, err := check(job)
	if err != nil {
		return err
	}
	if job.NextRunTime == nil && job.TriggerType == models.TriggerDate && job.SuccessCount+job.ErrorCount > 0 {
		return nil
	}
	return s.add(ctx, job, sched, job.NextRunTime)
}

// add puts job on the live schedule and persists its next run time. A
// non-nil at overrides the trigger's first fire time.
func (s *Scheduler) add(ctx context.Context, job *models.Job, sched schedule, at *time.Time) error {
	e := &entry{job: job.Clone(), sched: sched}

	if sched == nil {
		ft := job.Trigger.(*models.FileTrigger)
		err := s.files.Add(filewatcher.WatchConfig{
			ID:                 job.ID,
			Path:               ft.Path,
			Patterns:           ft.Pattern,
			Recursive:          ft.Recursive,
			Callbacks:          ft.Callbacks,
			MaxEventsPerMinute: s.cfg.FileEventsPerMinute,
		})
		if err != nil {
			return &bgerrors.ValidationError{Field: "trigger.path", Message: err.Error()}
		}
	} else if at != nil {
		e.base, e.fireAt = *at, *at
	} else if base, ok := sched.next(nil, s.now()); ok {
		e.base = base
		e.fireAt = applyJitter(base, jitterOf(job.Trigger))
	}

	job.NextRunTime = timePtr(e.fireAt)
	if err := s.store.UpdateJobNextRun(ctx, job.ID, job.NextRunTime); err != nil {
		if sched == nil {
			_ = s.files.Remove(job.ID)
		}
		return err
	}

	s.mu.Lock()
	s.entries[job.ID] = e
	scheduledJobs.Set(float64(len(s.entries)))
	s.mu.Unlock()
	s.poke()
	return nil
}

func (s *Scheduler) remove(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	scheduledJobs.Set(float64(len(s.entries)))
	s.mu.Unlock()
	if err := s.files.Remove(id); err != nil {
		s.logger.Warn("failed to stop file watch", slog.String(log.JobIDKey, id), log.Error(err))
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	timer := time.NewTimer(s.cfg.TickInterval)
	defer timer.Stop()

	for {
		s.runDue()
		timer.Reset(s.untilNext())
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	wait := s.cfg.TickInterval
	now := s.now()
	for _, e := range s.entries {
		if e.fireAt.IsZero() {
			continue
		}
		if d := e.fireAt.Sub(now); d < wait {
			wait = max(d, 0)
		}
	}
	return wait
}

type pending struct {
	job  *models.Job
	runs int
	next *time.Time
	done bool
}

// runDue dispatches every run whose fire time has passed and advances each
// job to its next fire time.
func (s *Scheduler) runDue() {
	now := s.now()

	var due []pending
	s.mu.Lock()
	for id, e := range s.entries {
		if e.sched == nil || e.fireAt.IsZero() || e.fireAt.After(now) {
			continue
		}
		runs := s.advance(e, now)
		p := pending{job: e.job.Clone(), runs: runs, next: timePtr(e.fireAt)}
		if e.fireAt.IsZero() && !awaitsFinish(e) {
			delete(s.entries, id)
			p.done = true
		}
		due = append(due, p)
	}
	scheduledJobs.Set(float64(len(s.entries)))
	s.mu.Unlock()

	for _, p := range due {
		logger := log.WithJobContext(s.logger, p.job.ID, p.job.Name)
		// Persist first so a reschedule_on_finish fire cannot be overwritten.
		if err := s.store.UpdateJobNextRun(s.ctx, p.job.ID, p.next); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("failed to persist next run time", log.Error(err))
		}
		for range p.runs {
			if !s.dispatch(p.job, nil) {
				jobSkipped.Inc()
				logger.Warn("skipping run, job at max_instances", slog.Int("max_instances", p.job.EffectiveMaxInstances()))
			}
		}
		if p.done {
			logger.Info("job trigger exhausted")
		}
	}
}

// advance walks e past now, returning how many of the overdue runs should
// fire. Caller holds s.mu.
func (s *Scheduler) advance(e *entry, now time.Time) int {
	job := e.job
	grace := s.cfg.MisfireGraceTime
	if job.MisfireGraceTime > 0 {
		grace = time.Duration(job.MisfireGraceTime) * time.Second
	}
	jitter := jitterOf(job.Trigger)

	runs := 0
	for i := 0; i < maxCatchUp && !e.fireAt.IsZero() && !e.fireAt.After(now); i++ {
		late := now.Sub(e.fireAt)
		onTime := grace <= 0 || late <= grace
		if onTime {
			runs++
		} else {
			jobMisfires.Inc()
			log.WithJobContext(s.logger, job.ID, job.Name).Warn("run missed by more than grace time",
				slog.Time("scheduled", e.fireAt), slog.Duration("late", late))
		}

		if awaitsFinish(e) && onTime {
			e.base, e.fireAt = time.Time{}, time.Time{}
			break
		}
		prev := e.base
		if awaitsFinish(e) {
			prev = now
		}
		next, ok := e.sched.next(&prev, now)
		if !ok {
			e.base, e.fireAt = time.Time{}, time.Time{}
			break
		}
		e.base, e.fireAt = next, applyJitter(next, jitter)
	}

	if job.Coalesce && runs > 1 {
		runs = 1
	}
	return runs
}

// awaitsFinish reports whether e computes its next run when a fire ends.
func awaitsFinish(e *entry) bool {
	t, ok := e.job.Trigger.(*models.IntervalTrigger)
	return ok && t.RescheduleOnFinish
}

func (s *Scheduler) onFileEvent(_ context.Context, id string, ev filewatcher.Event) {
	s.mu.Lock()
	e, ok := s.entries[id]
	var job *models.Job
	if ok {
		job = e.job.Clone()
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if !s.dispatch(job, &ev) {
		jobSkipped.Inc()
		log.WithJobContext(s.logger, job.ID, job.Name).Warn("dropping file event, job at max_instances",
			slog.String("src_path", ev.SrcPath))
	}
}

// dispatch starts a fire on the worker pool unless the job already runs
// max_instances fires or the scheduler is stopping.
func (s *Scheduler) dispatch(job *models.Job, ev *filewatcher.Event) bool {
	s.mu.Lock()
	if s.ctx.Err() != nil || s.running[job.ID] >= job.EffectiveMaxInstances() {
		s.mu.Unlock()
		return false
	}
	s.running[job.ID]++
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err == nil {
			s.fire(s.ctx, job, ev)
			s.sem.Release(1)
		}
		s.finished(job.ID)
	}()
	return true
}

// finished releases a job's instance slot and, for reschedule_on_finish
// jobs, schedules the next run from now.
func (s *Scheduler) finished(id string) {
	s.mu.Lock()
	if s.running[id]--; s.running[id] <= 0 {
		delete(s.running, id)
	}
	e, ok := s.entries[id]
	if !ok || e.sched == nil || !awaitsFinish(e) || !e.base.IsZero() || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	now := s.now()
	next, more := e.sched.next(&now, now)
	if more {
		e.base, e.fireAt = next, applyJitter(next, jitterOf(e.job.Trigger))
	} else {
		delete(s.entries, id)
	}
	at := timePtr(e.fireAt)
	s.mu.Unlock()

	s.poke()
	if err := s.store.UpdateJobNextRun(s.ctx, id, at); err != nil {
		s.logger.Error("failed to persist next run time", slog.String(log.JobIDKey, id), log.Error(err))
	}
}

// fire submits one request for job and records the outcome.
func (s *Scheduler) fire(ctx context.Context, job *models.Job, ev *filewatcher.Event) {
	logger := log.WithJobContext(s.logger, job.ID, job.Name)

	req := models.NewRequest(job.RequestTemplate)
	if req.Metadata == nil {
		req.Metadata = make(map[string]any)
	}
	req.Metadata[models.JobIDMetadataKey] = job.ID
	if ev != nil {
		if params, ok := ev.SubstituteValue(req.Parameters).(map[string]any); ok {
			req.Parameters = params
		}
		req.Comment = ev.Substitute(req.Comment)
	}

	wait := time.Duration(-1)
	if job.Timeout > 0 {
		wait = time.Duration(job.Timeout) * time.Second
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.fire", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.trigger_type", string(job.TriggerType)),
	))
	defer span.End()

	start := time.Now()
	done, err := s.submitter.Submit(ctx, req, wait)
	if err != nil && s.ctx.Err() != nil {
		logger.Info("fire interrupted by shutdown")
		return
	}
	fireDuration.Observe(time.Since(start).Seconds())

	success := err == nil && done != nil && done.Status == models.StatusSuccess
	outcome := "success"
	attrs := []any{}
	if done != nil {
		attrs = append(attrs, slog.String(log.RequestIDKey, done.ID), slog.String("status", string(done.Status)))
	}
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("job fire failed", append(attrs, log.Error(err))...)
	case !success:
		outcome = "error"
		logger.Info("job fire completed", attrs...)
	default:
		logger.Info("job fire completed", attrs...)
	}
	jobFires.WithLabelValues(outcome).Inc()

	if err := s.store.IncrementJobCount(context.WithoutCancel(ctx), job.ID, success); err != nil {
		if bgerrors.IsNotFound(err) {
			logger.Debug("job deleted while firing")
		} else {
			logger.Error("failed to record job outcome", log.Error(err))
		}
	}

	event := &models.Event{
		Name:    models.EventJobExecuted,
		Payload: job,
		Metadata: map[string]any{
			"outcome": outcome,
		},
	}
	if done != nil {
		event.Metadata["request_id"] = done.ID
	}
	if err != nil {
		event.Error = true
		event.ErrorMessage = err.Error()
	}
	s.events.Publish(ctx, event)
}

func (s *Scheduler) emit(ctx context.Context, name string, job *models.Job) {
	s.events.Publish(ctx, &models.Event{Name: name, Payload: job.Clone()})
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
