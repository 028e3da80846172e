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

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beergarden_requests_created_total",
		Help: "Requests accepted and published",
	})

	requestsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beergarden_requests_completed_total",
		Help: "Requests reaching a terminal status",
	}, []string{"status"})

	validationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beergarden_request_validation_failures_total",
		Help: "Submissions rejected by validation",
	})

	submitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "beergarden_request_submit_duration_seconds",
		Help:    "Time spent validating, persisting and publishing a request",
		Buckets: prometheus.DefBuckets,
	})

	waitTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beergarden_request_wait_timeouts_total",
		Help: "Blocking submissions that timed out before completion",
	})
)
