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
	"github.com/beer-garden/beergarden/internal/backend"
	"github.com/beer-garden/beergarden/internal/models"
)

// Model names a collection QueryFilter can restrict.
type Model string

const (
	ModelGarden   Model = "garden"
	ModelSystem   Model = "system"
	ModelInstance Model = "instance"
	ModelRequest  Model = "request"
	ModelJob      Model = "job"
)

// scopeFields maps each role scope set to the document field it restricts,
// per model. Scope sets without a field on the model do not restrict it.
type scopeFields struct {
	gardens, namespaces, systems, versions, instances, commands string
}

var modelFields = map[Model]scopeFields{
	ModelGarden: {gardens: "name"},
	ModelSystem: {
		gardens:    "garden",
		namespaces: "namespace",
		systems:    "name",
		versions:   "version",
		instances:  "instances.name",
		commands:   "commands.name",
	},
	ModelInstance: {instances: "name"},
	ModelRequest: {
		gardens:    "garden",
		namespaces: "namespace",
		systems:    "system",
		versions:   "system_version",
		instances:  "instance_name",
		commands:   "command",
	},
	ModelJob: {
		namespaces: "request_template.namespace",
		systems:    "request_template.system",
		versions:   "request_template.system_version",
		instances:  "request_template.instance_name",
		commands:   "request_template.command",
	},
}

// QueryFilter returns the predicate selecting the documents of model that
// p may see at level. Each qualifying role contributes the conjunction of
// its scope sets; roles are OR'd together. Requests owned by p always match.
func QueryFilter(p *Principal, level models.Permission, model Model) backend.Query {
	if HasGlobalPermission(p, level) {
		return backend.MatchAll()
	}
	fields := modelFields[model]

	var clauses []backend.Query
	for _, r := range p.qualifying(level) {
		var conj []backend.Query
		add := func(field string, values []string) {
			if field != "" && len(values) > 0 {
				conj = append(conj, backend.In(field, values...))
			}
		}
		add(fields.gardens, r.ScopeGardens)
		add(fields.namespaces, r.ScopeNamespaces)
		add(fields.systems, r.ScopeSystems)
		add(fields.versions, r.ScopeVersions)
		add(fields.instances, r.ScopeInstances)
		add(fields.commands, r.ScopeCommands)
		if len(conj) == 0 {
			// The role's scope does not touch this model.
			return backend.MatchAll()
		}
		clauses = append(clauses, backend.And(conj...))
	}

	if model == ModelRequest && p.Username() != "" {
		clauses = append(clauses, backend.Eq("requester", p.Username()))
	}
	if len(clauses) == 0 {
		return backend.MatchNone()
	}
	return backend.Or(clauses...)
}
