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

// Package runner supervises local plugin processes.
//
// A Manager owns every runner from a single goroutine. Public methods post
// closures to its mailbox and wait for them, so runner state is never
// shared. Slow work such as waiting for a process to exit happens on the
// caller's goroutine.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/beer-garden/beergarden/internal/events"
	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/models"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("runner manager closed")

// Config configures a Manager.
type Config struct {
	// Directory holds one subdirectory per plugin.
	Directory     string
	DefaultPython string
	// LogLevel is passed as BG_LOG_LEVEL unless the plugin sets its own.
	LogLevel    string
	HostEnvVars []string
	Username    string
	Password    string
	Connection  Connection
	// StartupTimeout is how long a plugin must stay up for an exit to
	// count as a clean restart. Earlier exits are crashes and back off.
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
	MonitorInterval time.Duration
	// RestartBackoff is the delay before the first crash restart. It
	// doubles per consecutive crash up to MaxRestartBackoff.
	RestartBackoff    time.Duration
	MaxRestartBackoff time.Duration
	// MaxRestarts is how many consecutive crashes are retried before the
	// runner is marked dead. Negative retries forever.
	MaxRestarts int
}

// Runner describes one supervised plugin process.
type Runner struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	InstanceName string    `json:"instance_name"`
	InstanceID   string    `json:"instance_id,omitempty"`
	PID          int       `json:"pid,omitempty"`
	Stopped      bool      `json:"stopped"`
	Dead         bool      `json:"dead"`
	Restart      bool      `json:"restart"`
	StartedAt    time.Time `json:"started_at"`
}

type runner struct {
	Runner
	cfg  *PluginConfig
	proc *process

	// crashes counts consecutive exits inside the startup timeout.
	crashes int
	retryAt time.Time
}

func (r *runner) alive() bool {
	return r.proc != nil && !r.proc.exited()
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = log.WithComponent(l, "runner") }
}

// WithEvents publishes runner lifecycle events to p.
func WithEvents(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// Manager supervises plugin runners.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	events  events.Publisher
	mailbox chan func()
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	// Owned by the loop goroutine.
	runners []*runner
}

// New creates a manager and starts its supervision loop. Call Close to end
// it; Close does not stop plugin processes, StopAll does.
func New(cfg Config, opts ...Option) *Manager {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = time.Second
	}
	if cfg.MaxRestartBackoff < cfg.RestartBackoff {
		cfg.MaxRestartBackoff = max(time.Minute, cfg.RestartBackoff)
	}
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = 5
	}
	m := &Manager{
		cfg:     cfg,
		logger:  log.WithComponent(nil, "runner"),
		events:  events.Discard{},
		mailbox: make(chan func()),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.loop()
	return m
}

// Close ends the supervision loop.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.quit) })
	<-m.done
}

func (m *Manager) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case op := <-m.mailbox:
			op()
		case <-ticker.C:
			m.monitor()
		}
		alive := 0
		for _, r := range m.runners {
			if r.alive() {
				alive++
			}
		}
		activeRunners.Set(float64(alive))
	}
}

// call runs fn on the loop goroutine and waits for it.
func (m *Manager) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case m.mailbox <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
	<-done
	return nil
}

// monitor reaps exited processes, respawning runners bound to an instance
// and marking the rest dead.
func (m *Manager) monitor() {
	for _, r := range m.runners {
		if r.proc == nil || !r.proc.exited() || r.Stopped || r.Dead {
			continue
		}
		logger := log.WithRunnerContext(m.logger, r.ID, r.Path, r.InstanceName)
		exitErr := r.proc.err()

		if !r.Restart {
			r.Dead = true
			logger.Warn("plugin exited", log.Error(exitErr))
			m.emit(models.EventRunnerStopped, r)
			continue
		}

		if r.retryAt.IsZero() {
			uptime := time.Since(r.StartedAt)
			if m.cfg.StartupTimeout > 0 && uptime < m.cfg.StartupTimeout {
				r.crashes++
			} else {
				r.crashes = 0
			}
			if m.cfg.MaxRestarts > 0 && r.crashes > m.cfg.MaxRestarts {
				r.Dead = true
				logger.Error("plugin keeps exiting during startup, giving up",
					slog.Int("crashes", r.crashes), log.Error(exitErr))
				m.emit(models.EventRunnerStopped, r)
				continue
			}
			delay := m.restartDelay(r.crashes)
			r.retryAt = time.Now().Add(delay)
			if r.crashes > 0 {
				logger.Warn("plugin exited during startup, backing off",
					slog.Duration("uptime", uptime), slog.Duration("delay", delay),
					slog.Int("crashes", r.crashes), log.Error(exitErr))
			}
		}
		if time.Now().Before(r.retryAt) {
			continue
		}
		r.retryAt = time.Time{}

		old := r.ID
		r.ID = newRunnerID()
		if err := m.launch(r); err != nil {
			r.Dead = true
			continue
		}
		runnerRestarts.Inc()
		logger.Warn("plugin exited, restarted", slog.String("new_runner_id", r.ID), log.Error(exitErr))
		m.emit(models.EventRunnerRemoved, &runner{Runner: Runner{ID: old, Path: r.Path, InstanceName: r.InstanceName}})
	}
}

// restartDelay is zero after a clean run and doubles per consecutive crash.
func (m *Manager) restartDelay(crashes int) time.Duration {
	if crashes == 0 {
		return 0
	}
	d := m.cfg.RestartBackoff
	for i := 1; i < crashes && d < m.cfg.MaxRestartBackoff; i++ {
		d *= 2
	}
	return min(d, m.cfg.MaxRestartBackoff)
}

func newRunnerID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// scan lists plugin directories below the configured directory.
func (m *Manager) scan() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.Directory)
	if errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("plugin directory does not exist", slog.String("path", m.cfg.Directory))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading plugin directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path, err := filepath.Abs(filepath.Join(m.cfg.Directory, e.Name()))
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(path, ConfigFileName)); err != nil {
			m.logger.Debug("skipping directory without plugin config", slog.String("path", path))
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// build creates runners for every instance of the plugin at path. Load
// failures are logged and yield no runners.
func (m *Manager) build(path string) []*runner {
	cfg, err := LoadConfig(path, m.logger)
	if err != nil {
		m.logger.Error("failed to load plugin", slog.String("path", path), log.Error(err))
		return nil
	}
	runners := make([]*runner, 0, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		runners = append(runners, &runner{
			Runner: Runner{
				ID:           newRunnerID(),
				Name:         filepath.Base(path),
				Path:         path,
				InstanceName: inst,
			},
			cfg: cfg,
		})
	}
	return runners
}

// launch spawns r's process. Runs on the loop goroutine.
func (m *Manager) launch(r *runner) error {
	argv := []string{firstNonEmpty(r.cfg.InterpreterPath, m.cfg.DefaultPython, "python")}
	argv = append(argv, strings.Fields(r.cfg.PluginEntry)...)
	argv = append(argv, r.cfg.Args[r.InstanceName]...)

	logger := log.WithRunnerContext(m.logger, r.ID, r.Path, r.InstanceName)
	env := buildEnv(r.cfg, r.InstanceName, r.ID, m.cfg)
	log.Trace(logger, "plugin environment", slog.Any("env", redactEnv(env)))
	proc, err := spawn(argv, r.Path, env, logger)
	if err != nil {
		spawnFailures.Inc()
		logger.Error("failed to start plugin", log.Error(err))
		return err
	}

	r.proc = proc
	r.PID = proc.pid()
	r.StartedAt = time.Now()
	r.Stopped, r.Dead = false, false
	logger.Info("plugin started", slog.Int("pid", r.PID))
	m.emit(models.EventRunnerStarted, r)
	return nil
}

func (m *Manager) managed(path string) bool {
	return slices.ContainsFunc(m.runners, func(r *runner) bool { return r.Path == path })
}

// match finds runners by runner id or instance id.
func (m *Manager) match(id string) []*runner {
	var out []*runner
	for _, r := range m.runners {
		if r.ID == id || (r.InstanceID != "" && r.InstanceID == id) {
			out = append(out, r)
		}
	}
	return out
}

func (m *Manager) emit(name string, r *runner) {
	m.events.Publish(context.Background(), &models.Event{Name: name, Payload: r.Runner})
}

// ScanAndStart loads every plugin in the plugin directory that is not yet
// managed and starts a runner per instance. Plugins that fail to load or
// spawn are logged and skipped.
func (m *Manager) ScanAndStart(ctx context.Context) ([]Runner, error) {
	paths, err := m.scan()
	if err != nil {
		return nil, err
	}
	var started []Runner
	err = m.call(ctx, func() {
		for _, path := range paths {
			if m.managed(path) {
				continue
			}
			started = append(started, m.startPlugin(path)...)
		}
	})
	return started, err
}

// startPlugin builds and launches the runners of one plugin. Runs on the
// loop goroutine.
func (m *Manager) startPlugin(path string) []Runner {
	var started []Runner
	for _, r := range m.build(path) {
		if err := m.launch(r); err != nil {
			continue
		}
		m.runners = append(m.runners, r)
		started = append(started, r.Runner)
	}
	return started
}

// Start spawns a runner that is not currently running.
func (m *Manager) Start(ctx context.Context, id string) (Runner, error) {
	var (
		out Runner
		err error
	)
	callErr := m.call(ctx, func() {
		rs := m.match(id)
		if len(rs) == 0 {
			err = &bgerrors.NotFoundError{Resource: "runner", ID: id}
			return
		}
		r := rs[0]
		if r.alive() {
			err = &bgerrors.ConflictError{Resource: "runner", ID: id, Message: "already running"}
			return
		}
		r.crashes, r.retryAt = 0, time.Time{}
		err = m.launch(r)
		out = r.Runner
	})
	if callErr != nil {
		return Runner{}, callErr
	}
	return out, err
}

// Stop shuts down the runners matching id, a runner id or an instance id.
// The process gets SIGTERM and, after the shutdown timeout, SIGKILL. Stopped
// runners are not restarted by the monitor.
func (m *Manager) Stop(ctx context.Context, id string) error {
	var procs []*process
	found := false
	if err := m.call(ctx, func() {
		for _, r := range m.match(id) {
			found = true
			procs = append(procs, m.markStopped(r)...)
		}
	}); err != nil {
		return err
	}
	if !found {
		return &bgerrors.NotFoundError{Resource: "runner", ID: id}
	}
	return m.stopAll(procs)
}

// markStopped flags r as stopped and returns its live process, if any. Runs
// on the loop goroutine.
func (m *Manager) markStopped(r *runner) []*process {
	wasStopped := r.Stopped
	r.Stopped, r.Restart = true, false
	if !wasStopped {
		m.emit(models.EventRunnerStopped, r)
	}
	if r.alive() {
		return []*process{r.proc}
	}
	return nil
}

func (m *Manager) stopAll(procs []*process) error {
	var g errgroup.Group
	for _, p := range procs {
		g.Go(func() error {
			if err := p.stop(m.cfg.ShutdownTimeout); err != nil {
				return fmt.Errorf("stopping pid %d: %w", p.pid(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every runner in parallel.
func (m *Manager) StopAll(ctx context.Context) error {
	var procs []*process
	if err := m.call(ctx, func() {
		for _, r := range m.runners {
			procs = append(procs, m.markStopped(r)...)
		}
	}); err != nil {
		return err
	}
	m.logger.Info("stopping plugins", slog.Int("count", len(procs)))
	return m.stopAll(procs)
}

// Restart stops and then starts the runners matching id.
func (m *Manager) Restart(ctx context.Context, id string) ([]Runner, error) {
	var ids []string
	if err := m.call(ctx, func() {
		for _, r := range m.match(id) {
			ids = append(ids, r.ID)
		}
	}); err != nil {
		return nil, err
	}
	if err := m.Stop(ctx, id); err != nil {
		return nil, err
	}
	out := make([]Runner, 0, len(ids))
	for _, rid := range ids {
		r, err := m.Start(ctx, rid)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Remove stops a runner and forgets it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	return m.call(ctx, func() {
		m.runners = slices.DeleteFunc(m.runners, func(r *runner) bool {
			if r.ID == id || (r.InstanceID != "" && r.InstanceID == id) {
				m.emit(models.EventRunnerRemoved, r)
				return true
			}
			return false
		})
	})
}

// AssociateInstance binds the instance a plugin registered to its runner
// and marks the runner for restart if it crashes.
func (m *Manager) AssociateInstance(ctx context.Context, runnerID, instanceID string) error {
	var err error
	if callErr := m.call(ctx, func() {
		for _, r := range m.runners {
			if r.ID == runnerID {
				r.InstanceID = instanceID
				r.Restart = true
				return
			}
		}
		err = &bgerrors.NotFoundError{Resource: "runner", ID: runnerID}
	}); callErr != nil {
		return callErr
	}
	return err
}

// ReloadSystem replaces the runners of sys's plugin: they are stopped and
// removed, the plugin config is re-read and fresh runners are started.
func (m *Manager) ReloadSystem(ctx context.Context, sys *models.System) ([]Runner, error) {
	instanceIDs := make(map[string]bool, len(sys.Instances))
	for _, inst := range sys.Instances {
		instanceIDs[inst.ID] = true
	}

	var (
		paths []string
		procs []*process
	)
	if err := m.call(ctx, func() {
		for _, r := range m.runners {
			if r.InstanceID != "" && instanceIDs[r.InstanceID] && !slices.Contains(paths, r.Path) {
				paths = append(paths, r.Path)
			}
		}
		for _, r := range m.runners {
			if slices.Contains(paths, r.Path) {
				procs = append(procs, m.markStopped(r)...)
			}
		}
	}); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, &bgerrors.NotFoundError{Resource: "runner", ID: sys.Key()}
	}
	if err := m.stopAll(procs); err != nil {
		return nil, err
	}

	var started []Runner
	err := m.call(ctx, func() {
		m.runners = slices.DeleteFunc(m.runners, func(r *runner) bool {
			if slices.Contains(paths, r.Path) {
				m.emit(models.EventRunnerRemoved, r)
				return true
			}
			return false
		})
		for _, path := range paths {
			started = append(started, m.startPlugin(path)...)
		}
	})
	m.logger.Info("reloaded system", slog.String(log.SystemKey, sys.Key()), slog.Int("runners", len(started)))
	return started, err
}

// List returns a snapshot of every runner.
func (m *Manager) List(ctx context.Context) ([]Runner, error) {
	var out []Runner
	err := m.call(ctx, func() {
		out = make([]Runner, 0, len(m.runners))
		for _, r := range m.runners {
			out = append(out, r.Runner)
		}
	})
	return out, err
}

// Get returns the runner with the given runner id.
func (m *Manager) Get(ctx context.Context, id string) (Runner, error) {
	var (
		out   Runner
		found bool
	)
	if err := m.call(ctx, func() {
		for _, r := range m.runners {
			if r.ID == id {
				out, found = r.Runner, true
				return
			}
		}
	}); err != nil {
		return Runner{}, err
	}
	if !found {
		return Runner{}, &bgerrors.NotFoundError{Resource: "runner", ID: id}
	}
	return out, nil
}
