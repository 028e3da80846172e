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

// Package queue implements the queue layer: routing keys, the broker
// abstraction and the manager that declares, feeds and drains per-instance
// queues.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnroutable is returned by Publish when no queue is bound to the
	// routing key.
	ErrUnroutable = errors.New("message unroutable")

	// ErrQueueNotFound is returned for operations on undeclared queues.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrBrokerClosed is returned after Close.
	ErrBrokerClosed = errors.New("broker closed")
)

// Message is a published or delivered message.
type Message struct {
	RoutingKey string
	Headers    map[string]string
	Body       []byte
	Priority   uint8
}

// QueueSpec declares a queue and its bindings on the topic exchange.
type QueueSpec struct {
	Name        string
	Durable     bool
	MaxPriority uint8
	Bindings    []string
}

// Policy is a broker-level rule applied to queues whose name matches
// Pattern (a regular expression). Queues unused for Expires are deleted.
type Policy struct {
	Name    string
	Pattern string
	Expires time.Duration
}

// Broker is the message bus the queue layer runs on. Publishes are
// confirmed and mandatory: Publish returns only once the broker has
// accepted the message, and fails with ErrUnroutable when nothing is bound.
type Broker interface {
	DeclareQueue(ctx context.Context, spec QueueSpec) error
	Publish(ctx context.Context, msg Message) error

	// Get removes and returns one message without requeueing it. It returns
	// nil when the queue is empty.
	Get(ctx context.Context, queue string) (*Message, error)

	// Size returns the number of ready messages.
	Size(ctx context.Context, queue string) (int, error)

	DeleteQueue(ctx context.Context, queue string) error

	// DisconnectConsumers drops every consumer attached to queue.
	DisconnectConsumers(ctx context.Context, queue string) error

	SetPolicy(ctx context.Context, policy Policy) error

	// Consume delivers messages from queue until ctx is done or the
	// consumer is disconnected, then closes the channel.
	Consume(ctx context.Context, queue string) (<-chan Message, error)

	// URL describes how plugins reach the broker.
	URL() string

	Close() error
}
