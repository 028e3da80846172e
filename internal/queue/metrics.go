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

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDeclares = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beergarden_queue_declares_total",
			Help: "Total queues declared by kind",
		},
		[]string{"kind"},
	)

	queueDeletes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beergarden_queue_deletes_total",
			Help: "Total queues deleted",
		},
	)

	queuePublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beergarden_queue_publish_failures_total",
			Help: "Total failed publishes by reason",
		},
		[]string{"reason"},
	)

	queueDrained = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beergarden_queue_drained_messages_total",
			Help: "Total messages removed while draining queues",
		},
	)
)
