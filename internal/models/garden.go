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

package models

import "time"

// Garden connection types. Exactly one garden is LOCAL.
const (
	ConnectionLocal = "LOCAL"
	ConnectionHTTP  = "HTTP"
	ConnectionSTOMP = "STOMP"
)

// Garden is a beergarden deployment: the local one, or a remote child.
type Garden struct {
	ID             string         `json:"id"`
	Name           string         `json:"name" validate:"required"`
	ConnectionType string         `json:"connection_type" validate:"required,oneof=LOCAL HTTP STOMP"`
	Status         string         `json:"status,omitempty"`
	Namespaces     []string       `json:"namespaces,omitempty"`
	Systems        []*System      `json:"systems,omitempty"`
	Children       []*Garden      `json:"children,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Validate checks garden fields.
func (g *Garden) Validate() error {
	return validateStruct(g)
}

// Clone returns a deep copy of the garden, its systems and children.
func (g *Garden) Clone() *Garden {
	if g == nil {
		return nil
	}
	c := *g
	c.Namespaces = cloneStrings(g.Namespaces)
	c.Metadata = CloneMap(g.Metadata)
	if g.Systems != nil {
		c.Systems = make([]*System, len(g.Systems))
		for i, s := range g.Systems {
			c.Systems[i] = s.Clone()
		}
	}
	if g.Children != nil {
		c.Children = make([]*Garden, len(g.Children))
		for i, child := range g.Children {
			c.Children[i] = child.Clone()
		}
	}
	return &c
}

// Event names published by the core components.
const (
	EventRequestCreated   = "REQUEST_CREATED"
	EventRequestStarted   = "REQUEST_STARTED"
	EventRequestUpdated   = "REQUEST_UPDATED"
	EventRequestCompleted = "REQUEST_COMPLETED"
	EventRequestCanceled  = "REQUEST_CANCELED"
	EventSystemCreated    = "SYSTEM_CREATED"
	EventSystemUpdated    = "SYSTEM_UPDATED"
	EventSystemRemoved    = "SYSTEM_REMOVED"
	EventInstanceUpdated  = "INSTANCE_UPDATED"
	EventJobCreated       = "JOB_CREATED"
	EventJobUpdated       = "JOB_UPDATED"
	EventJobPaused        = "JOB_PAUSED"
	EventJobResumed       = "JOB_RESUMED"
	EventJobDeleted       = "JOB_DELETED"
	EventJobExecuted      = "JOB_EXECUTED"
	EventRunnerStarted    = "RUNNER_STARTED"
	EventRunnerStopped    = "RUNNER_STOPPED"
	EventRunnerRemoved    = "RUNNER_REMOVED"
)

// Event notifies subscribers that something changed. Payload is one of the
// model types (or nil).
type Event struct {
	Name         string         `json:"name"`
	Garden       string         `json:"garden,omitempty"`
	Payload      any            `json:"payload,omitempty"`
	Error        bool           `json:"error"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}
