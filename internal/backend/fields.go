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

package backend

import (
	"strconv"

	"github.com/beer-garden/beergarden/internal/models"
)

// FieldValues resolves a dotted field path on a model document. Unknown
// paths resolve to nothing.
func FieldValues(doc any, path string) []string {
	switch d := doc.(type) {
	case *models.System:
		return systemField(d, path)
	case *models.Instance:
		return instanceField(d, path)
	case *models.Request:
		return requestField(d, path)
	case *models.Job:
		return jobField(d, path)
	case *models.Garden:
		return gardenField(d, path)
	case *models.User:
		if path == "username" {
			return []string{d.Username}
		}
	case *models.Role:
		if path == "name" {
			return []string{d.Name}
		}
	}
	return nil
}

func one(v string) []string { return []string{v} }

func systemField(s *models.System, path string) []string {
	switch path {
	case "id":
		return one(s.ID)
	case "namespace":
		return one(s.Namespace)
	case "name":
		return one(s.Name)
	case "version":
		return one(s.Version)
	case "garden":
		return one(s.Garden)
	case "instances.name":
		return s.InstanceNames()
	case "instances.id":
		out := make([]string, 0, len(s.Instances))
		for _, inst := range s.Instances {
			out = append(out, inst.ID)
		}
		return out
	case "commands.name":
		out := make([]string, 0, len(s.Commands))
		for _, cmd := range s.Commands {
			out = append(out, cmd.Name)
		}
		return out
	}
	return nil
}

func instanceField(i *models.Instance, path string) []string {
	switch path {
	case "id":
		return one(i.ID)
	case "name":
		return one(i.Name)
	case "status":
		return one(string(i.Status))
	case "system_id":
		return one(i.SystemID)
	}
	return nil
}

func requestField(r *models.Request, path string) []string {
	switch path {
	case "id":
		return one(r.ID)
	case "namespace":
		return one(r.Namespace)
	case "system":
		return one(r.System)
	case "system_version":
		return one(r.SystemVersion)
	case "instance_name":
		return one(r.InstanceName)
	case "command":
		return one(r.Command)
	case "command_type":
		return one(r.CommandType)
	case "status":
		return one(string(r.Status))
	case "requester":
		return one(r.Requester)
	case "garden":
		return one(r.Garden)
	case "parent":
		return one(r.Parent)
	case "has_parent":
		return one(strconv.FormatBool(r.HasParent))
	case "comment":
		return one(r.Comment)
	}
	return nil
}

func jobField(j *models.Job, path string) []string {
	switch path {
	case "id":
		return one(j.ID)
	case "name":
		return one(j.Name)
	case "status":
		return one(string(j.Status))
	case "trigger_type":
		return one(string(j.TriggerType))
	case "request_template.namespace":
		return one(j.RequestTemplate.Namespace)
	case "request_template.system":
		return one(j.RequestTemplate.System)
	case "request_template.system_version":
		return one(j.RequestTemplate.SystemVersion)
	case "request_template.instance_name":
		return one(j.RequestTemplate.InstanceName)
	case "request_template.command":
		return one(j.RequestTemplate.Command)
	}
	return nil
}

func gardenField(g *models.Garden, path string) []string {
	switch path {
	case "id":
		return one(g.ID)
	case "name":
		return one(g.Name)
	case "connection_type":
		return one(g.ConnectionType)
	case "namespaces":
		return g.Namespaces
	}
	return nil
}
