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

package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	permissionDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beergarden_auth_denied_total",
		Help: "Authorization checks that were denied, by required permission",
	}, []string{"permission"})

	loginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beergarden_auth_logins_total",
		Help: "Login attempts by outcome",
	}, []string{"outcome"})
)
