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

// Package daemon wires the beergarden services together and runs them.
package daemon

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/beer-garden/beergarden/internal/api"
	"github.com/beer-garden/beergarden/internal/auth"
	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/backend/memory"
	"github.com/beer-garden/beergarden/internal/backend/sqlite"
	"github.com/beer-garden/beergarden/internal/blob"
	"github.com/beer-garden/beergarden/internal/config"
	"github.com/beer-garden/beergarden/internal/engine"
	"github.com/beer-garden/beergarden/internal/events"
	"github.com/beer-garden/beergarden/internal/httpclient"
	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/queue"
	qmemory "github.com/beer-garden/beergarden/internal/queue/memory"
	"github.com/beer-garden/beergarden/internal/queue/natsbus"
	"github.com/beer-garden/beergarden/internal/registry"
	"github.com/beer-garden/beergarden/internal/runner"
	"github.com/beer-garden/beergarden/internal/scheduler"
	"github.com/beer-garden/beergarden/internal/tracing"
	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// Options contains daemon options set at build time.
type Options struct {
	Version string
}

// Daemon owns every long-lived component.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	tracer    *tracing.Provider
	store     backend.Backend
	blobs     blob.Store
	queues    *queue.Manager
	bus       *events.Bus
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	runners   *runner.Manager
	registry  *registry.Service
	tokens    *auth.Tokens
	authz     *auth.Authorizer

	server  *http.Server
	ln      net.Listener
	errs    chan error
	cancel  context.CancelFunc
	monitor sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New builds the daemon's components from cfg. Nothing is started and no
// port is bound. On error, whatever was already opened is closed.
func New(ctx context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (_ *Daemon, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		cfg:    cfg,
		opts:   opts,
		logger: log.WithComponent(logger, "daemon"),
		errs:   make(chan error, 1),
	}
	defer func() {
		if err != nil {
			if cerr := d.close(context.Background()); cerr != nil {
				d.logger.Warn("failed to release partially built daemon", log.Error(cerr))
			}
		}
	}()

	d.tracer, err = tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		ServiceName:    "beergarden",
		ServiceVersion: opts.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	if err := d.openStore(); err != nil {
		return nil, err
	}
	if err := d.openQueues(ctx); err != nil {
		return nil, err
	}

	garden := cfg.Garden.Name
	d.bus = events.NewBus(garden, logger)

	client, err := httpclient.New(httpclient.Config{
		Timeout:    cfg.Request.URLChoicesTimeout,
		Retries:    cfg.Request.URLChoicesRetries,
		Backoff:    100 * time.Millisecond,
		MaxBackoff: cfg.Request.URLChoicesTimeout,
		UserAgent:  "beergarden/" + opts.Version,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create url choices client: %w", err)
	}
	d.engine = engine.New(d.store, d.queues, engine.Config{
		Garden:                garden,
		CommandChoicesTimeout: cfg.Request.CommandChoicesTimeout,
		ChoicesMaxDepth:       cfg.Request.ChoicesMaxDepth,
		HTTPClient:            client,
	}, engine.WithLogger(logger), engine.WithEvents(d.bus))
	d.queues.SetCanceler(d.engine)

	d.scheduler = scheduler.New(d.store, d.engine, scheduler.Config{
		MaxWorkers:          cfg.Scheduler.MaxWorkers,
		TickInterval:        cfg.Scheduler.TickInterval,
		MisfireGraceTime:    cfg.Scheduler.MisfireGraceTime,
		FileEventsPerMinute: cfg.Scheduler.FileEventsPerMinute,
	}, scheduler.WithLogger(logger), scheduler.WithEvents(d.bus))

	local := cfg.Plugin.Local
	d.runners = runner.New(runner.Config{
		Directory:         local.Directory,
		DefaultPython:     local.DefaultPython,
		LogLevel:          local.LogLevel,
		HostEnvVars:       local.HostEnvVars,
		Username:          local.Auth.Username,
		Password:          local.Auth.Password,
		Connection:        pluginConnection(cfg.Server),
		StartupTimeout:    local.Timeout.Startup,
		ShutdownTimeout:   local.Timeout.Shutdown,
		RestartBackoff:    local.Restart.Backoff,
		MaxRestartBackoff: local.Restart.MaxBackoff,
		MaxRestarts:       local.Restart.MaxAttempts,
	}, runner.WithLogger(logger), runner.WithEvents(d.bus))

	d.registry = registry.New(d.store, d.queues, registry.Config{
		Garden:           garden,
		QueueType:        cfg.AMQ.Type,
		HeartbeatTimeout: cfg.Plugin.HeartbeatTimeout,
	}, registry.WithLogger(logger), registry.WithEvents(d.bus), registry.WithRunners(d.runners))

	secret := []byte(cfg.Auth.TokenSecret)
	if len(secret) == 0 {
		// Tokens then only live as long as the process.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate token secret: %w", err)
		}
	}
	d.tokens = auth.NewTokens(d.store, auth.TokenConfig{
		Secret:     secret,
		AccessTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTTL: cfg.Auth.RefreshTokenTTL,
	})
	d.authz = auth.NewAuthorizer(d.store, garden, logger)
	return d, nil
}

func (d *Daemon) openStore() error {
	var store backend.Backend
	switch d.cfg.DB.Type {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(d.cfg.DB.Path), 0o750); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		sb, err := sqlite.New(sqlite.Config{Path: d.cfg.DB.Path, WAL: true})
		if err != nil {
			return bgerrors.Wrap(err, "failed to open sqlite backend")
		}
		store = sb
	case "memory", "":
		store = memory.New()
	default:
		return unknownType("db.type", d.cfg.DB.Type)
	}

	if d.cfg.DB.OverflowThreshold > 0 {
		switch d.cfg.Blob.Type {
		case "redis":
			rs, err := blob.NewRedisStore(d.cfg.Blob.RedisURL, d.cfg.Blob.TTL)
			if err != nil {
				store.Close()
				return bgerrors.Wrap(err, "failed to connect blob store")
			}
			d.blobs = rs
		case "memory", "":
			d.blobs = blob.NewMemoryStore()
		default:
			store.Close()
			return unknownType("blob.type", d.cfg.Blob.Type)
		}
	}
	d.store = backend.WithOverflow(store, d.blobs, d.cfg.DB.OverflowThreshold)
	d.logger.Info("data store ready",
		slog.String("type", d.cfg.DB.Type),
		slog.Bool("overflow", d.blobs != nil))
	return nil
}

func (d *Daemon) openQueues(ctx context.Context) error {
	var broker queue.Broker
	switch d.cfg.AMQ.Type {
	case "nats":
		bus, err := natsbus.Connect(natsbus.Config{
			URL:            d.cfg.AMQ.URL,
			ConnectTimeout: d.cfg.AMQ.ConnectTimeout,
			Logger:         d.logger,
		})
		if err != nil {
			return bgerrors.Wrap(err, "failed to connect to broker")
		}
		broker = bus
	case "memory", "":
		broker = qmemory.New()
	default:
		return unknownType("amq.type", d.cfg.AMQ.Type)
	}
	d.queues = queue.NewManager(broker, queue.WithLogger(d.logger))
	if err := d.queues.ApplyAdminExpiryPolicy(ctx, d.cfg.AMQ.AdminQueueExpiry); err != nil {
		return fmt.Errorf("failed to set admin queue expiry: %w", err)
	}
	return nil
}

func unknownType(key, value string) error {
	return &bgerrors.ConfigError{Key: key, Reason: fmt.Sprintf("unknown type %q", value)}
}

// pluginConnection tells plugins where the API lives. A wildcard listen
// address is not dialable, so plugins get localhost instead.
func pluginConnection(s config.ServerConfig) runner.Connection {
	host := s.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return runner.Connection{
		Host:       host,
		Port:       s.Port,
		URLPrefix:  s.URLPrefix,
		SSLEnabled: s.SSL.Enabled,
		CACert:     s.SSL.CACert,
		CAVerify:   s.SSL.CAVerify,
	}
}

// Start prepares state, binds the API listener and starts serving. Local
// plugins are launched last, once the API they register with is up.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if _, err := d.registry.EnsureLocalGarden(ctx); err != nil {
		return err
	}
	if err := auth.Bootstrap(ctx, d.store, auth.BootstrapConfig{
		AdminUsername:  d.cfg.Auth.DefaultAdminUsername,
		AdminPassword:  d.cfg.Auth.DefaultAdminPassword,
		PluginUsername: d.cfg.Plugin.Local.Auth.Username,
		PluginPassword: d.cfg.Plugin.Local.Auth.Password,
	}, d.logger); err != nil {
		return fmt.Errorf("failed to bootstrap accounts: %w", err)
	}
	if !d.cfg.Auth.Enabled {
		d.logger.Warn("authentication is disabled; every caller has full access")
	}

	if err := d.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.monitor.Add(1)
	go func() {
		defer d.monitor.Done()
		d.registry.RunMonitor(monitorCtx, 0)
	}()

	handler := api.New(api.Config{
		Version:     d.opts.Version,
		Garden:      d.cfg.Garden.Name,
		AuthEnabled: d.cfg.Auth.Enabled,
		URLPrefix:   d.cfg.Server.URLPrefix,
	}, api.Deps{
		Requests:   d.engine,
		Systems:    d.registry,
		Jobs:       d.scheduler,
		Queues:     d.queues,
		Runners:    d.runners,
		Accounts:   d.store,
		Tokens:     d.tokens,
		Authorizer: d.authz,
		Events:     d.bus,
	}, api.WithLogger(d.logger)).Handler()

	ln, err := net.Listen("tcp", d.cfg.Server.Addr())
	if err != nil {
		return bgerrors.Wrapf(err, "failed to listen on %s", d.cfg.Server.Addr())
	}
	d.ln = ln
	d.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		var err error
		if ssl := d.cfg.Server.SSL; ssl.Enabled {
			err = d.server.ServeTLS(ln, ssl.CertFile, ssl.KeyFile)
		} else {
			err = d.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.errs <- err
		}
	}()

	d.logger.Info("beergarden started",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()),
		slog.String("garden", d.cfg.Garden.Name))

	runners, err := d.runners.ScanAndStart(ctx)
	if err != nil {
		d.logger.Warn("failed to start local plugins", log.Error(err))
	} else {
		d.logger.Info("local plugins started", slog.Int("runners", len(runners)))
	}
	return nil
}

// Addr returns the bound API address, or nil before Start.
func (d *Daemon) Addr() net.Addr {
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Errors reports a server that stopped unexpectedly.
func (d *Daemon) Errors() <-chan error {
	return d.errs
}

// Shutdown stops accepting calls, then stops plugins, the scheduler and
// the monitor, and finally closes the broker and stores.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("shutting down")
	var errs []error

	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
	}
	if d.runners != nil {
		if err := d.runners.StopAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("runners: %w", err))
		}
	}
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.cancel != nil {
		d.cancel()
		d.monitor.Wait()
	}
	if err := d.close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// close releases the components New opened, in reverse order.
func (d *Daemon) close(ctx context.Context) error {
	var errs []error
	if d.runners != nil {
		d.runners.Close()
	}
	if d.queues != nil {
		if err := d.queues.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker: %w", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if d.blobs != nil {
		if err := d.blobs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("blob store: %w", err))
		}
	}
	if d.tracer != nil {
		if err := d.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}
