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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/beer-garden/beergarden/internal/config"
	"github.com/beer-garden/beergarden/internal/log"
)

// Run starts the daemon and blocks until SIGINT or SIGTERM, or until the
// API server fails.
func Run(cfg *config.Config, opts Options) error {
	logCfg := &log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	}
	log.ApplyEnv(logCfg)
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := New(ctx, cfg, opts, logger)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return d.Shutdown(sctx)
	}

	if err := d.Start(ctx); err != nil {
		if serr := shutdown(); serr != nil {
			logger.Error("error during shutdown", log.Error(serr))
		}
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-d.Errors():
		logger.Error("api server failed", log.Error(err))
		if serr := shutdown(); serr != nil {
			logger.Error("error during shutdown", log.Error(serr))
		}
		return fmt.Errorf("api server: %w", err)
	}
	return shutdown()
}
