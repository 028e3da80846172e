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

package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeRunners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beergarden_runners_active",
		Help: "Plugin processes currently alive",
	})

	runnerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beergarden_runner_restarts_total",
		Help: "Plugin processes respawned after exiting",
	})

	spawnFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beergarden_runner_spawn_failures_total",
		Help: "Plugin processes that failed to start",
	})
)
