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

// Package memory provides an in-process topic exchange broker for
// single-node deployments and tests.
package memory

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/beer-garden/beergarden/internal/queue"
)

var _ queue.Broker = (*Broker)(nil)

// sweepInterval is how often expiry policies are enforced.
const sweepInterval = time.Second

type consumer struct {
	cancel context.CancelFunc
}

type memQueue struct {
	spec queue.QueueSpec
	// buckets[p] holds messages of priority p; higher drains first.
	buckets   [][]queue.Message
	signal    chan struct{}
	consumers map[*consumer]struct{}
	lastUsed  time.Time
	deleted   chan struct{}
}

func newMemQueue(spec queue.QueueSpec, now time.Time) *memQueue {
	return &memQueue{
		spec:      spec,
		buckets:   make([][]queue.Message, int(spec.MaxPriority)+1),
		signal:    make(chan struct{}, 1),
		consumers: make(map[*consumer]struct{}),
		lastUsed:  now,
		deleted:   make(chan struct{}),
	}
}

func (q *memQueue) push(msg queue.Message) {
	p := int(msg.Priority)
	if p >= len(q.buckets) {
		p = len(q.buckets) - 1
	}
	q.buckets[p] = append(q.buckets[p], msg)
	q.notify()
}

func (q *memQueue) pop() (queue.Message, bool) {
	for p := len(q.buckets) - 1; p >= 0; p-- {
		if len(q.buckets[p]) > 0 {
			msg := q.buckets[p][0]
			q.buckets[p] = q.buckets[p][1:]
			return msg, true
		}
	}
	return queue.Message{}, false
}

func (q *memQueue) size() int {
	n := 0
	for _, b := range q.buckets {
		n += len(b)
	}
	return n
}

func (q *memQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

type policy struct {
	queue.Policy
	re *regexp.Regexp
}

// Broker is an in-memory topic exchange.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*memQueue
	policies map[string]policy
	now      func() time.Time

	closed    bool
	stopSweep chan struct{}
	sweeping  bool
	wg        sync.WaitGroup
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		queues:    make(map[string]*memQueue),
		policies:  make(map[string]policy),
		now:       time.Now,
		stopSweep: make(chan struct{}),
	}
}

// URL returns the in-process address.
func (b *Broker) URL() string {
	return "memory://"
}

// DeclareQueue creates queue spec.Name or updates its bindings.
func (b *Broker) DeclareQueue(ctx context.Context, spec queue.QueueSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrBrokerClosed
	}

	if q, ok := b.queues[spec.Name]; ok {
		q.spec.Bindings = append([]string(nil), spec.Bindings...)
		q.lastUsed = b.now()
		return nil
	}
	spec.Bindings = append([]string(nil), spec.Bindings...)
	b.queues[spec.Name] = newMemQueue(spec, b.now())
	return nil
}

// Publish routes msg to every queue with a matching binding.
func (b *Broker) Publish(ctx context.Context, msg queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrBrokerClosed
	}

	routed := false
	for _, q := range b.queues {
		for _, binding := range q.spec.Bindings {
			if queue.MatchBinding(binding, msg.RoutingKey) {
				q.push(copyMessage(msg))
				routed = true
				break
			}
		}
	}
	if !routed {
		return fmt.Errorf("%w: %s", queue.ErrUnroutable, msg.RoutingKey)
	}
	return nil
}

// Get removes one message.
func (b *Broker) Get(ctx context.Context, name string) (*queue.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	q.lastUsed = b.now()
	msg, ok := q.pop()
	if !ok {
		return nil, nil
	}
	return &msg, nil
}

// Size returns the number of ready messages.
func (b *Broker) Size(ctx context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	return q.size(), nil
}

// DeleteQueue removes a queue and stops its consumers.
func (b *Broker) DeleteQueue(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[name]; !ok {
		return fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	b.deleteLocked(name)
	return nil
}

func (b *Broker) deleteLocked(name string) {
	q := b.queues[name]
	for c := range q.consumers {
		c.cancel()
	}
	close(q.deleted)
	delete(b.queues, name)
}

// DisconnectConsumers stops every consumer of a queue.
func (b *Broker) DisconnectConsumers(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	for c := range q.consumers {
		c.cancel()
	}
	return nil
}

// SetPolicy installs or replaces a policy and starts the expiry sweeper.
func (b *Broker) SetPolicy(ctx context.Context, p queue.Policy) error {
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return fmt.Errorf("invalid policy pattern %q: %w", p.Pattern, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrBrokerClosed
	}
	b.policies[p.Name] = policy{Policy: p, re: re}

	if !b.sweeping {
		b.sweeping = true
		b.wg.Add(1)
		go b.sweepLoop()
	}
	return nil
}

func (b *Broker) sweepLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopSweep:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// sweep deletes queues that have been idle longer than a matching policy's
// expiry. A queue with consumers is never idle.
func (b *Broker) sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for name, q := range b.queues {
		if len(q.consumers) > 0 {
			continue
		}
		for _, p := range b.policies {
			if p.Expires > 0 && p.re.MatchString(name) && now.Sub(q.lastUsed) >= p.Expires {
				b.deleteLocked(name)
				removed++
				break
			}
		}
	}
	return removed
}

// Consume delivers messages from a queue on the returned channel.
func (b *Broker) Consume(ctx context.Context, name string) (<-chan queue.Message, error) {
	b.mu.Lock()
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &consumer{cancel: cancel}
	q.consumers[c] = struct{}{}
	q.lastUsed = b.now()
	b.mu.Unlock()

	out := make(chan queue.Message)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(q.consumers, c)
			q.lastUsed = b.now()
			b.mu.Unlock()
			cancel()
		}()

		for {
			b.mu.Lock()
			msg, ok := q.pop()
			if ok && q.size() > 0 {
				// Wake other consumers for the remainder.
				q.notify()
			}
			b.mu.Unlock()

			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-q.deleted:
					return
				case <-q.signal:
					continue
				}
			}

			select {
			case out <- msg:
			case <-ctx.Done():
				// Undelivered; put it back at the head.
				b.mu.Lock()
				if _, live := b.queues[name]; live {
					p := int(msg.Priority)
					if p >= len(q.buckets) {
						p = len(q.buckets) - 1
					}
					q.buckets[p] = append([]queue.Message{msg}, q.buckets[p]...)
				}
				b.mu.Unlock()
				return
			}
		}
	}()
	return out, nil
}

// Close stops every consumer and the sweeper.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stopSweep)
	for _, q := range b.queues {
		for c := range q.consumers {
			c.cancel()
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Queues returns the names of all declared queues.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

func copyMessage(msg queue.Message) queue.Message {
	out := msg
	out.Body = append([]byte(nil), msg.Body...)
	if msg.Headers != nil {
		out.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
