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

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beergarden_scheduler_fires_total",
		Help: "Job fires by outcome",
	}, []string{"outcome"})

	jobMisfires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beergarden_scheduler_misfires_total",
		Help: "Scheduled runs dropped for exceeding the misfire grace time",
	})

	jobSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beergarden_scheduler_skipped_total",
		Help: "Runs skipped because the job was at max_instances",
	})

	fireDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "beergarden_scheduler_fire_duration_seconds",
		Help:    "Time from submit to completion of a job's request",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	scheduledJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beergarden_scheduler_jobs",
		Help: "Jobs on the live schedule",
	})
)
