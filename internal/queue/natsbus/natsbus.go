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

// Package natsbus runs the queue layer on NATS JetStream.
//
// Every request queue is its own work-queue stream whose subjects are the
// queue's bindings. Admin queues are durable consumers on a single admin
// stream, filtered on their binding chain, so a broadcast on any prefix
// reaches every queue bound to it. An expiry policy becomes the consumers'
// inactive threshold.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/beer-garden/beergarden/internal/log"
	"github.com/beer-garden/beergarden/internal/queue"
)

var _ queue.Broker = (*Bus)(nil)

const (
	// AdminStream holds every admin message.
	AdminStream = "BG_ADMIN"

	streamPrefix = "BG_Q_"
	priorityHdr  = "bg-priority"

	getWait   = 250 * time.Millisecond
	fetchWait = 2 * time.Second
)

// Config configures the connection.
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Bus is a queue.Broker backed by JetStream.
type Bus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	url    string
	logger *slog.Logger

	mu        sync.Mutex
	expiry    []expiryRule
	consumers map[string][]context.CancelFunc
	subs      map[string]*nats.Subscription
	closed    bool
	wg        sync.WaitGroup
}

type expiryRule struct {
	re      *regexp.Regexp
	expires time.Duration
}

// Connect dials NATS and ensures the admin stream exists.
func Connect(cfg Config) (*Bus, error) {
	logger := log.WithComponent(cfg.Logger, "natsbus")
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("beergarden"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from NATS", log.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if _, err := js.AccountInfo(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream not available: %w", err)
	}

	b := &Bus{
		nc:        nc,
		js:        js,
		url:       cfg.URL,
		logger:    logger,
		consumers: make(map[string][]context.CancelFunc),
		subs:      make(map[string]*nats.Subscription),
	}
	if err := b.ensureStream(&nats.StreamConfig{
		Name:      AdminStream,
		Subjects:  []string{queue.AdminPrefix, queue.AdminPrefix + ".>"},
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	}); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// URL returns the server URL plugins should connect to.
func (b *Bus) URL() string {
	return b.url
}

// StreamName maps a request queue name onto a valid stream name.
func StreamName(queueName string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return streamPrefix + r.Replace(queueName)
}

// ConsumerName maps an admin queue name onto a valid durable name.
func ConsumerName(queueName string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(queueName)
}

func (b *Bus) ensureStream(cfg *nats.StreamConfig) error {
	_, err := b.js.AddStream(cfg)
	if err == nil {
		return nil
	}
	// The stream may already exist with this config.
	if _, infoErr := b.js.StreamInfo(cfg.Name); infoErr == nil {
		if _, updErr := b.js.UpdateStream(cfg); updErr != nil {
			b.logger.Warn("failed to update stream", slog.String("stream", cfg.Name), log.Error(updErr))
		}
		return nil
	}
	return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
}

// DeclareQueue creates the stream or admin consumer backing spec.
func (b *Bus) DeclareQueue(ctx context.Context, spec queue.QueueSpec) error {
	if queue.IsAdminQueue(spec.Name) {
		return b.declareAdmin(spec)
	}

	storage := nats.FileStorage
	if !spec.Durable {
		storage = nats.MemoryStorage
	}
	return b.ensureStream(&nats.StreamConfig{
		Name:      StreamName(spec.Name),
		Subjects:  spec.Bindings,
		Retention: nats.WorkQueuePolicy,
		Storage:   storage,
	})
}

func (b *Bus) declareAdmin(spec queue.QueueSpec) error {
	cfg := &nats.ConsumerConfig{
		Durable:        ConsumerName(spec.Name),
		FilterSubjects: spec.Bindings,
		AckPolicy:      nats.AckExplicitPolicy,
		DeliverPolicy:  nats.DeliverNewPolicy,
	}
	b.mu.Lock()
	cfg.InactiveThreshold = b.expiryFor(spec.Name)
	b.mu.Unlock()

	if _, err := b.js.AddConsumer(AdminStream, cfg); err != nil {
		return fmt.Errorf("declare admin consumer %s: %w", spec.Name, err)
	}
	return nil
}

// expiryFor returns the first matching policy expiry. Callers hold b.mu.
func (b *Bus) expiryFor(name string) time.Duration {
	for _, rule := range b.expiry {
		if rule.re.MatchString(name) {
			return rule.expires
		}
	}
	return 0
}

// Publish sends msg and waits for the stream acknowledgement. A subject no
// stream captures is reported as queue.ErrUnroutable.
func (b *Bus) Publish(ctx context.Context, msg queue.Message) error {
	m := nats.NewMsg(msg.RoutingKey)
	m.Data = msg.Body
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	if msg.Priority > 0 {
		m.Header.Set(priorityHdr, fmt.Sprint(msg.Priority))
	}

	_, err := b.js.PublishMsg(m, nats.Context(ctx))
	if errors.Is(err, nats.ErrNoStreamResponse) || errors.Is(err, nats.ErrNoResponders) {
		return fmt.Errorf("%w: %s", queue.ErrUnroutable, msg.RoutingKey)
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.RoutingKey, err)
	}
	return nil
}

// Get removes one message. Request streams are read by sequence; admin
// queues by a single pull.
func (b *Bus) Get(ctx context.Context, name string) (*queue.Message, error) {
	if queue.IsAdminQueue(name) {
		return b.getAdmin(ctx, name)
	}

	stream := StreamName(name)
	info, err := b.js.StreamInfo(stream, nats.Context(ctx))
	if err != nil {
		return nil, mapErr(name, err)
	}
	if info.State.Msgs == 0 {
		return nil, nil
	}

	for seq := info.State.FirstSeq; seq <= info.State.LastSeq; seq++ {
		raw, err := b.js.GetMsg(stream, seq, nats.Context(ctx))
		if errors.Is(err, nats.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s seq %d: %w", name, seq, err)
		}
		if err := b.js.DeleteMsg(stream, seq, nats.Context(ctx)); err != nil && !errors.Is(err, nats.ErrMsgNotFound) {
			return nil, fmt.Errorf("delete %s seq %d: %w", name, seq, err)
		}
		return fromHeaders(raw.Subject, raw.Header, raw.Data), nil
	}
	return nil, nil
}

func (b *Bus) getAdmin(ctx context.Context, name string) (*queue.Message, error) {
	sub, err := b.pullSub(name)
	if err != nil {
		return nil, err
	}
	msgs, err := sub.Fetch(1, nats.MaxWait(getWait))
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || len(msgs) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(name, err)
	}
	m := msgs[0]
	if err := m.Ack(); err != nil {
		b.logger.Warn("failed to ack admin message", slog.String(log.QueueKey, name), log.Error(err))
	}
	return fromHeaders(m.Subject, m.Header, m.Data), nil
}

func (b *Bus) pullSub(name string) (*nats.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[name]; ok && sub.IsValid() {
		return sub, nil
	}
	durable := ConsumerName(name)
	sub, err := b.js.PullSubscribe("", durable, nats.Bind(AdminStream, durable))
	if err != nil {
		return nil, mapErr(name, err)
	}
	b.subs[name] = sub
	return sub, nil
}

// Size returns the number of messages waiting on a queue.
func (b *Bus) Size(ctx context.Context, name string) (int, error) {
	if queue.IsAdminQueue(name) {
		info, err := b.js.ConsumerInfo(AdminStream, ConsumerName(name), nats.Context(ctx))
		if err != nil {
			return 0, mapErr(name, err)
		}
		return int(info.NumPending), nil
	}

	info, err := b.js.StreamInfo(StreamName(name), nats.Context(ctx))
	if err != nil {
		return 0, mapErr(name, err)
	}
	return int(info.State.Msgs), nil
}

// DeleteQueue deletes the stream or admin consumer.
func (b *Bus) DeleteQueue(ctx context.Context, name string) error {
	b.dropLocal(name)

	var err error
	if queue.IsAdminQueue(name) {
		err = b.js.DeleteConsumer(AdminStream, ConsumerName(name), nats.Context(ctx))
	} else {
		err = b.js.DeleteStream(StreamName(name), nats.Context(ctx))
	}
	return mapErr(name, err)
}

// DisconnectConsumers stops local consumers and removes the durable
// consumers attached to a request stream. Admin queues keep their durable
// consumer since it is the queue itself.
func (b *Bus) DisconnectConsumers(ctx context.Context, name string) error {
	b.dropLocal(name)
	if queue.IsAdminQueue(name) {
		return nil
	}

	stream := StreamName(name)
	if _, err := b.js.StreamInfo(stream, nats.Context(ctx)); err != nil {
		return mapErr(name, err)
	}
	var errs []error
	for consumer := range b.js.ConsumerNames(stream, nats.Context(ctx)) {
		if err := b.js.DeleteConsumer(stream, consumer, nats.Context(ctx)); err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) dropLocal(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.consumers[name] {
		cancel()
	}
	delete(b.consumers, name)
	if sub, ok := b.subs[name]; ok {
		_ = sub.Unsubscribe()
		delete(b.subs, name)
	}
}

// SetPolicy records an expiry policy and applies it to existing admin
// consumers as their inactive threshold.
func (b *Bus) SetPolicy(ctx context.Context, p queue.Policy) error {
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return fmt.Errorf("invalid policy pattern %q: %w", p.Pattern, err)
	}
	b.mu.Lock()
	b.expiry = append(b.expiry, expiryRule{re: re, expires: p.Expires})
	b.mu.Unlock()

	for info := range b.js.Consumers(AdminStream, nats.Context(ctx)) {
		if info == nil || !matchesConsumer(re, info.Name) {
			continue
		}
		cfg := info.Config
		cfg.InactiveThreshold = p.Expires
		if _, err := b.js.UpdateConsumer(AdminStream, &cfg); err != nil {
			b.logger.Warn("failed to apply expiry to consumer", slog.String("consumer", info.Name), log.Error(err))
		}
	}
	return nil
}

// matchesConsumer matches a policy pattern against a durable name, which
// has its dots replaced.
func matchesConsumer(re *regexp.Regexp, durable string) bool {
	return re.MatchString(durable) || re.MatchString(strings.ReplaceAll(durable, "_", "."))
}

// Consume pulls messages from a queue and acknowledges each once it has
// been handed to the receiver.
func (b *Bus) Consume(ctx context.Context, name string) (<-chan queue.Message, error) {
	var (
		sub *nats.Subscription
		err error
	)
	if queue.IsAdminQueue(name) {
		durable := ConsumerName(name)
		sub, err = b.js.PullSubscribe("", durable, nats.Bind(AdminStream, durable))
	} else {
		stream := StreamName(name)
		sub, err = b.js.PullSubscribe(name, "bg_"+ConsumerName(name), nats.BindStream(stream))
	}
	if err != nil {
		return nil, mapErr(name, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		_ = sub.Unsubscribe()
		return nil, queue.ErrBrokerClosed
	}
	b.consumers[name] = append(b.consumers[name], cancel)
	b.mu.Unlock()

	out := make(chan queue.Message)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		defer sub.Unsubscribe()

		for ctx.Err() == nil {
			msgs, err := sub.Fetch(1, nats.MaxWait(fetchWait))
			if err != nil {
				if ctx.Err() != nil || !sub.IsValid() {
					return
				}
				continue
			}
			for _, m := range msgs {
				select {
				case out <- *fromHeaders(m.Subject, m.Header, m.Data):
					_ = m.Ack()
				case <-ctx.Done():
					_ = m.Nak()
					return
				}
			}
		}
	}()
	return out, nil
}

// Close stops consumers and drains the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, cancels := range b.consumers {
		for _, cancel := range cancels {
			cancel()
		}
	}
	b.consumers = map[string][]context.CancelFunc{}
	b.mu.Unlock()

	b.wg.Wait()
	return b.nc.Drain()
}

func fromHeaders(subject string, h nats.Header, data []byte) *queue.Message {
	msg := &queue.Message{RoutingKey: subject, Body: data}
	if len(h) > 0 {
		msg.Headers = make(map[string]string, len(h))
		for k := range h {
			if k == priorityHdr {
				var p uint8
				fmt.Sscan(h.Get(k), &p)
				msg.Priority = p
				continue
			}
			msg.Headers[k] = h.Get(k)
		}
	}
	return msg
}

func mapErr(name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrStreamNotFound), errors.Is(err, nats.ErrConsumerNotFound):
		return fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	return err
}
