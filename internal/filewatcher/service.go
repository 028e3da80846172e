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

package filewatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/models"
)

// Handler receives the events of the watch registered under id. It runs on
// the watch's goroutine and should not block.
type Handler func(ctx context.Context, id string, ev Event)

// WatchConfig describes one file trigger.
type WatchConfig struct {
	// ID names the watch, normally the job id.
	ID        string
	Path      string
	Patterns  []string
	Recursive bool
	Callbacks models.FileCallbacks
	// MaxEventsPerMinute drops events beyond the rate. Zero is unlimited.
	MaxEventsPerMinute int
}

// Service runs one watch per file trigger.
type Service struct {
	mu      sync.Mutex
	watches map[string]*watch
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// NewService creates a service delivering to handler.
func NewService(handler Handler, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		watches: make(map[string]*watch),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.WithComponent(logger, "filewatcher"),
	}
}

// Add starts a watch, replacing any watch with the same id.
func (s *Service) Add(cfg WatchConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("watch id is required")
	}
	w, err := newWatch(cfg, s.logger.With(slog.String(log.JobIDKey, cfg.ID)))
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.watches[cfg.ID]
	s.watches[cfg.ID] = w
	activeWatches.Set(float64(len(s.watches)))
	s.mu.Unlock()

	if old != nil {
		_ = old.stop()
	}
	go w.run(s.ctx, s.handler)
	s.logger.Info("file trigger watching", slog.String(log.JobIDKey, cfg.ID), slog.String("path", cfg.Path), slog.Bool("recursive", cfg.Recursive))
	return nil
}

// Remove stops the watch registered under id. Unknown ids are ignored.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	w, ok := s.watches[id]
	delete(s.watches, id)
	activeWatches.Set(float64(len(s.watches)))
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return w.stop()
}

// Stop ends every watch.
func (s *Service) Stop() {
	s.cancel()
	s.mu.Lock()
	watches := s.watches
	s.watches = make(map[string]*watch)
	activeWatches.Set(0)
	s.mu.Unlock()

	for id, w := range watches {
		if err := w.stop(); err != nil {
			s.logger.Warn("failed to stop watch", slog.String(log.JobIDKey, id), log.Error(err))
		}
	}
}
