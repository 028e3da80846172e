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

// Package events fans out beergarden events to in-process listeners and
// streaming subscribers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/models"
)

var eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "beergarden_events_dropped_total",
	Help: "Events dropped because a subscriber was not keeping up",
})

// Publisher is the sending side used by the core components.
type Publisher interface {
	Publish(ctx context.Context, event *models.Event)
}

// Listener handles an event synchronously. Errors are logged.
type Listener func(ctx context.Context, event *models.Event) error

// Bus delivers every published event to all listeners, in registration
// order, and then to every subscription.
type Bus struct {
	mu        sync.RWMutex
	garden    string
	listeners []Listener
	subs      map[*Subscription]struct{}
	logger    *slog.Logger
}

var _ Publisher = (*Bus)(nil)

// NewBus creates a bus stamping events with the local garden name.
func NewBus(garden string, logger *slog.Logger) *Bus {
	return &Bus{
		garden: garden,
		subs:   make(map[*Subscription]struct{}),
		logger: log.WithComponent(logger, "events"),
	}
}

// On registers a listener.
func (b *Bus) On(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish dispatches event. Subscribers whose buffer is full miss it.
func (b *Bus) Publish(ctx context.Context, event *models.Event) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Garden == "" {
		event.Garden = b.garden
	}

	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners...)
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, l := range listeners {
		if err := l(ctx, event); err != nil {
			b.logger.Warn("event listener failed", slog.String(log.EventKey, event.Name), log.Error(err))
		}
	}
	for _, s := range subs {
		s.deliver(event)
	}
}

// Subscription receives events on C until Close.
type Subscription struct {
	C <-chan *models.Event

	ch     chan *models.Event
	bus    *Bus
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

// Subscribe returns a subscription with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *models.Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (s *Subscription) deliver(event *models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		eventsDropped.Inc()
	}
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, *models.Event) {}
