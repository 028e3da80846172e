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
	"os"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// maxRecursiveDepth bounds how deep recursive watches descend.
const maxRecursiveDepth = 10

// watch follows one file trigger.
type watch struct {
	cfg      WatchConfig
	fsw      *fsnotify.Watcher
	patterns *PatternMatcher
	limiter  *rate.Limiter
	logger   *slog.Logger
	done     chan struct{}
}

func newWatch(cfg WatchConfig, logger *slog.Logger) (*watch, error) {
	root, err := NormalizePath(cfg.Path)
	if err != nil {
		return nil, err
	}
	pm, err := NewPatternMatcher(cfg.Patterns)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", root, err)
	}
	w := &watch{
		cfg:      cfg,
		fsw:      fsw,
		patterns: pm,
		logger:   logger.With(slog.String("path", root)),
		done:     make(chan struct{}),
	}
	if cfg.Recursive {
		for _, dir := range subdirectories(root, maxRecursiveDepth) {
			w.addDir(dir)
		}
	}
	if cfg.MaxEventsPerMinute > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(float64(cfg.MaxEventsPerMinute)/60), cfg.MaxEventsPerMinute)
	}
	return w, nil
}

func (w *watch) addDir(dir string) {
	if err := w.fsw.Add(dir); err != nil {
		w.logger.Warn("failed to watch subdirectory", slog.String("dir", dir), slog.Any("error", err))
	}
}

func (w *watch) run(ctx context.Context, handle Handler) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if out, ok := w.translate(ev); ok {
				handle(ctx, w.cfg.ID, out)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", slog.Any("error", err))
		}
	}
}

func (w *watch) stop() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

// translate converts an fsnotify event and applies the trigger's filters.
func (w *watch) translate(ev fsnotify.Event) (Event, bool) {
	var kind string
	switch {
	case ev.Has(fsnotify.Create):
		kind = Created
	case ev.Has(fsnotify.Write):
		kind = Modified
	case ev.Has(fsnotify.Remove):
		kind = Deleted
	case ev.Has(fsnotify.Rename):
		kind = Moved
	default:
		return Event{}, false
	}

	out := Event{Type: kind, SrcPath: ev.Name}
	if kind != Deleted && kind != Moved {
		if info, err := os.Stat(ev.Name); err == nil {
			out.IsDir = info.IsDir()
		}
	}
	if out.IsDir && kind == Created && w.cfg.Recursive {
		w.addDir(ev.Name)
	}
	fileEvents.WithLabelValues(kind).Inc()

	if !w.cfg.Callbacks.Wants(kind) {
		return Event{}, false
	}
	if !w.patterns.Match(ev.Name) {
		fileDropped.WithLabelValues("pattern").Inc()
		return Event{}, false
	}
	if w.limiter != nil && !w.limiter.Allow() {
		fileDropped.WithLabelValues("rate_limited").Inc()
		w.logger.Warn("file trigger rate limited", slog.String("event_type", kind), slog.String("src_path", ev.Name))
		return Event{}, false
	}
	return out, true
}
