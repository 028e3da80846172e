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

// Package models defines the beergarden domain types: systems and their
// commands, requests, scheduled jobs, users, roles, gardens and events.
package models

import (
	"fmt"
	"time"

	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// InstanceStatus is the lifecycle state of a plugin instance.
type InstanceStatus string

const (
	InstanceInitializing InstanceStatus = "INITIALIZING"
	InstanceRunning      InstanceStatus = "RUNNING"
	InstanceStopped      InstanceStatus = "STOPPED"
	InstanceDead         InstanceStatus = "DEAD"
	InstanceUnresponsive InstanceStatus = "UNRESPONSIVE"
	InstanceUnknown      InstanceStatus = "UNKNOWN"
	InstancePaused       InstanceStatus = "PAUSED"
)

// Command types.
const (
	CommandTypeAction    = "ACTION"
	CommandTypeInfo      = "INFO"
	CommandTypeEphemeral = "EPHEMERAL"
	CommandTypeAdmin     = "ADMIN"
	CommandTypeTemp      = "TEMP"
)

// Output types.
const (
	OutputTypeString = "STRING"
	OutputTypeJSON   = "JSON"
	OutputTypeHTML   = "HTML"
	OutputTypeJS     = "JS"
	OutputTypeCSS    = "CSS"
)

// System is a versioned collection of commands served by one or more
// plugin instances. (Namespace, Name, Version) is unique.
type System struct {
	ID           string         `json:"id"`
	Namespace    string         `json:"namespace" validate:"required"`
	Name         string         `json:"name" validate:"required"`
	Version      string         `json:"version" validate:"required"`
	Description  string         `json:"description,omitempty"`
	MaxInstances int            `json:"max_instances"`
	Instances    []*Instance    `json:"instances" validate:"dive,required"`
	Commands     []*Command     `json:"commands" validate:"dive,required"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	IconName     string         `json:"icon_name,omitempty"`
	DisplayName  string         `json:"display_name,omitempty"`
	Groups       []string       `json:"groups,omitempty"`
	Garden       string         `json:"garden,omitempty"`
	Local        bool           `json:"local"`
}

// Instance is one running copy of a system's plugin.
type Instance struct {
	ID          string         `json:"id"`
	SystemID    string         `json:"system_id,omitempty"`
	Name        string         `json:"name" validate:"required"`
	Description string         `json:"description,omitempty"`
	Status      InstanceStatus `json:"status,omitempty"`
	StatusInfo  StatusInfo     `json:"status_info"`
	QueueType   string         `json:"queue_type,omitempty"`
	QueueInfo   QueueInfo      `json:"queue_info"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StatusInfo records liveness data reported by an instance.
type StatusInfo struct {
	Heartbeat *time.Time `json:"heartbeat,omitempty"`
}

// QueueInfo tells an instance where to consume from.
type QueueInfo struct {
	RequestQueue string `json:"request_queue,omitempty"`
	AdminQueue   string `json:"admin_queue,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Command is a named operation a system exposes.
type Command struct {
	Name        string       `json:"name" validate:"required"`
	Description string       `json:"description,omitempty"`
	CommandType string       `json:"command_type,omitempty" validate:"omitempty,oneof=ACTION INFO EPHEMERAL ADMIN TEMP"`
	OutputType  string       `json:"output_type,omitempty" validate:"omitempty,oneof=STRING JSON HTML JS CSS"`
	Parameters  []*Parameter `json:"parameters" validate:"dive,required"`
	Hidden      bool         `json:"hidden,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
}

// Key returns "namespace/name/version".
func (s *System) Key() string {
	return fmt.Sprintf("%s/%s/%s", s.Namespace, s.Name, s.Version)
}

// Instance returns the named instance or nil.
func (s *System) Instance(name string) *Instance {
	for _, inst := range s.Instances {
		if inst.Name == name {
			return inst
		}
	}
	return nil
}

// InstanceByID returns the instance with the given id or nil.
func (s *System) InstanceByID(id string) *Instance {
	for _, inst := range s.Instances {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

// Command returns the named command or nil.
func (s *System) Command(name string) *Command {
	for _, cmd := range s.Commands {
		if cmd.Name == name {
			return cmd
		}
	}
	return nil
}

// InstanceNames lists the names of the system's instances.
func (s *System) InstanceNames() []string {
	names := make([]string, 0, len(s.Instances))
	for _, inst := range s.Instances {
		names = append(names, inst.Name)
	}
	return names
}

// Validate checks field constraints and the system invariants: instance
// names unique, command names unique, and the instance count within
// MaxInstances when that is non-negative.
func (s *System) Validate() error {
	if err := validateStruct(s); err != nil {
		return err
	}

	if s.MaxInstances >= 0 && len(s.Instances) > s.MaxInstances {
		return &bgerrors.ValidationError{
			Field:   "instances",
			Message: fmt.Sprintf("system %s allows at most %d instances, got %d", s.Key(), s.MaxInstances, len(s.Instances)),
		}
	}

	seen := make(map[string]bool, len(s.Instances))
	for _, inst := range s.Instances {
		if seen[inst.Name] {
			return &bgerrors.ValidationError{Field: "instances", Message: fmt.Sprintf("duplicate instance name %q", inst.Name)}
		}
		seen[inst.Name] = true
	}

	seen = make(map[string]bool, len(s.Commands))
	for _, cmd := range s.Commands {
		if seen[cmd.Name] {
			return &bgerrors.ValidationError{Field: "commands", Message: fmt.Sprintf("duplicate command name %q", cmd.Name)}
		}
		seen[cmd.Name] = true
		if err := validateParameters(cmd.Parameters, "commands."+cmd.Name+".parameters"); err != nil {
			return err
		}
	}

	return nil
}

func validateParameters(params []*Parameter, path string) error {
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if seen[p.Key] {
			return &bgerrors.ValidationError{Field: path, Message: fmt.Sprintf("duplicate parameter key %q", p.Key)}
		}
		seen[p.Key] = true
		if p.Optional && !p.Nullable && p.Default == nil {
			return &bgerrors.ValidationError{
				Field:   path + "." + p.Key,
				Message: "an optional, non-nullable parameter must have a default",
			}
		}
		if len(p.Parameters) > 0 {
			if err := validateParameters(p.Parameters, path+"."+p.Key+".parameters"); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the system.
func (s *System) Clone() *System {
	if s == nil {
		return nil
	}
	c := *s
	c.Metadata = CloneMap(s.Metadata)
	c.Groups = cloneStrings(s.Groups)
	if s.Instances != nil {
		c.Instances = make([]*Instance, len(s.Instances))
		for i, inst := range s.Instances {
			c.Instances[i] = inst.Clone()
		}
	}
	if s.Commands != nil {
		c.Commands = make([]*Command, len(s.Commands))
		for i, cmd := range s.Commands {
			c.Commands[i] = cmd.Clone()
		}
	}
	return &c
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Metadata = CloneMap(i.Metadata)
	if i.StatusInfo.Heartbeat != nil {
		hb := *i.StatusInfo.Heartbeat
		c.StatusInfo.Heartbeat = &hb
	}
	return &c
}

// Clone returns a deep copy of the command.
func (c *Command) Clone() *Command {
	if c == nil {
		return nil
	}
	out := *c
	out.Tags = cloneStrings(c.Tags)
	out.Parameters = cloneParameters(c.Parameters)
	return &out
}
