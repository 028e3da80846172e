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

import (
	"time"

	bgerrors "github.com/beer-garden/beergarden/pkg/errors"
)

// RequestStatus is a request lifecycle state.
type RequestStatus string

const (
	StatusCreated    RequestStatus = "CREATED"
	StatusInProgress RequestStatus = "IN_PROGRESS"
	StatusSuccess    RequestStatus = "SUCCESS"
	StatusError      RequestStatus = "ERROR"
	StatusCanceled   RequestStatus = "CANCELED"
)

// JobIDMetadataKey is stamped into the metadata of requests created by the
// scheduler.
const JobIDMetadataKey = "_bg_job_id"

// IsCompleted reports whether s is terminal.
func (s RequestStatus) IsCompleted() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusInProgress, StatusSuccess, StatusError, StatusCanceled:
		return true
	}
	return false
}

// RequestTemplate holds everything needed to build a request. Jobs store one
// and copy it into each request they fire.
type RequestTemplate struct {
	Namespace     string         `json:"namespace"`
	System        string         `json:"system" validate:"required"`
	SystemVersion string         `json:"system_version" validate:"required"`
	InstanceName  string         `json:"instance_name" validate:"required"`
	Command       string         `json:"command" validate:"required"`
	CommandType   string         `json:"command_type,omitempty"`
	OutputType    string         `json:"output_type,omitempty"`
	Parameters    map[string]any `json:"parameters"`
	Comment       string         `json:"comment,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Request is one invocation of a command on a plugin instance.
type Request struct {
	RequestTemplate

	ID         string        `json:"id"`
	Status     RequestStatus `json:"status"`
	Output     string        `json:"output,omitempty"`
	ErrorClass string        `json:"error_class,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Requester  string        `json:"requester,omitempty"`
	Parent     string        `json:"parent,omitempty"`
	HasParent  bool          `json:"has_parent"`
	Children   []*Request    `json:"children,omitempty"`
	Garden     string        `json:"garden,omitempty"`

	// OutputRef and ParametersRef point at blob storage when the value was
	// too large to keep inline.
	OutputRef     string `json:"output_ref,omitempty"`
	ParametersRef string `json:"parameters_ref,omitempty"`
}

// NewRequest builds a CREATED-ready request from a template copy.
func NewRequest(tmpl RequestTemplate) *Request {
	return &Request{RequestTemplate: tmpl.Clone()}
}

// IsCompleted reports whether the request reached a terminal status.
func (r *Request) IsCompleted() bool {
	return r.Status.IsCompleted()
}

// Validate checks required fields and the parent invariant.
func (r *Request) Validate() error {
	if err := validateStruct(r); err != nil {
		return err
	}
	if r.HasParent != (r.Parent != "") {
		return &bgerrors.ValidationError{Field: "has_parent", Message: "has_parent must be set exactly when parent is set"}
	}
	if r.Status != "" && !r.Status.Valid() {
		return &bgerrors.ValidationError{Field: "status", Message: "unknown status " + string(r.Status)}
	}
	return nil
}

// Clone returns a deep copy of the template.
func (t RequestTemplate) Clone() RequestTemplate {
	t.Parameters = CloneMap(t.Parameters)
	t.Metadata = CloneMap(t.Metadata)
	return t
}

// Clone returns a deep copy of the request including its children.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.RequestTemplate = r.RequestTemplate.Clone()
	if r.Children != nil {
		c.Children = make([]*Request, len(r.Children))
		for i, child := range r.Children {
			c.Children[i] = child.Clone()
		}
	}
	return &c
}
