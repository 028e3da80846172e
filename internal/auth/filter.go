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
	"slices"

	"github.com/beer-garden/beergarden/internal/models"
)

// Hints carries context an object does not record itself, such as the
// garden a system was fetched from.
type Hints struct {
	Garden string
}

// FilterObject returns the part of obj that p may see at level, or nil when
// nothing is visible. The input is never modified: when something has to
// be pruned a copy is returned, otherwise obj itself.
//
// Slices are filtered element by element. Strings and maps are visible to
// anyone holding level in some scope.
func FilterObject(obj any, p *Principal, level models.Permission, hints Hints) any {
	if p == nil {
		return nil
	}
	f := filter{p: p, level: level, global: HasGlobalPermission(p, level), hints: hints}
	return f.object(obj)
}

type filter struct {
	p      *Principal
	level  models.Permission
	global bool
	hints  Hints
}

func (f filter) garden(name string) string {
	switch {
	case name != "":
		return name
	case f.hints.Garden != "":
		return f.hints.Garden
	}
	return f.p.LocalGarden
}

func (f filter) object(obj any) any {
	switch o := obj.(type) {
	case nil:
		return nil
	case *models.Garden:
		return nilIfNone(f.gardenObj(o))
	case *models.System:
		return nilIfNone(f.system(o))
	case *models.Instance:
		return nilIfNone(f.instance(o))
	case *models.Request:
		return nilIfNone(f.request(o))
	case *models.Job:
		return nilIfNone(f.job(o))
	case *models.User:
		return nilIfNone(f.user(o))
	case *models.Role:
		return nilIfNone(f.role(o))
	case *models.Event:
		return nilIfNone(f.event(o))
	case []*models.Garden:
		return filterSlice(o, f.gardenObj)
	case []*models.System:
		return filterSlice(o, f.system)
	case []*models.Instance:
		return filterSlice(o, f.instance)
	case []*models.Request:
		return filterSlice(o, f.request)
	case []*models.Job:
		return filterSlice(o, f.job)
	case []*models.User:
		return filterSlice(o, f.user)
	case []*models.Role:
		return filterSlice(o, f.role)
	case []*models.Event:
		return filterSlice(o, f.event)
	case []any:
		changed := false
		out := make([]any, 0, len(o))
		for _, item := range o {
			v := f.object(item)
			if v == nil || !samePayload(v, item) {
				changed = true
			}
			if v != nil {
				out = append(out, v)
			}
		}
		if !changed {
			return o
		}
		return out
	}
	if f.global || HasPermission(f.p, f.level) {
		return obj
	}
	return nil
}

// nilIfNone keeps typed nil pointers from leaking out as non-nil
// interfaces.
func nilIfNone[T any](v *T) any {
	if v == nil {
		return nil
	}
	return v
}

// filterSlice applies keep to each element, returning s itself when
// nothing changed.
func filterSlice[T any](s []*T, keep func(*T) *T) []*T {
	changed := false
	out := make([]*T, 0, len(s))
	for _, item := range s {
		v := keep(item)
		if v != item {
			changed = true
		}
		if v != nil {
			out = append(out, v)
		}
	}
	if !changed {
		return s
	}
	return out
}

func (f filter) gardenObj(g *models.Garden) *models.Garden {
	if g == nil {
		return nil
	}
	if !f.global && len(matching(f.p, f.level, scope{garden: g.Name})) == 0 {
		return nil
	}
	sub := f
	sub.hints.Garden = g.Name
	systems := filterSlice(g.Systems, sub.system)
	children := filterSlice(g.Children, f.gardenObj)
	if sameSlice(systems, g.Systems) && sameSlice(children, g.Children) {
		return g
	}
	c := *g
	c.Systems = systems
	c.Children = children
	return &c
}

func (f filter) system(s *models.System) *models.System {
	if s == nil {
		return nil
	}
	if f.global {
		return s
	}
	roles := matching(f.p, f.level, scope{
		garden:    f.garden(s.Garden),
		namespace: s.Namespace,
		system:    s.Name,
		version:   s.Version,
	})
	if len(roles) == 0 {
		return nil
	}
	instances := filterSlice(s.Instances, func(i *models.Instance) *models.Instance {
		if slices.ContainsFunc(roles, func(r *models.Role) bool { return in(r.ScopeInstances, i.Name) }) {
			return i
		}
		return nil
	})
	commands := filterSlice(s.Commands, func(c *models.Command) *models.Command {
		if slices.ContainsFunc(roles, func(r *models.Role) bool { return in(r.ScopeCommands, c.Name) }) {
			return c
		}
		return nil
	})
	if sameSlice(instances, s.Instances) && sameSlice(commands, s.Commands) {
		return s
	}
	c := *s
	c.Instances = instances
	c.Commands = commands
	return &c
}

func (f filter) instance(i *models.Instance) *models.Instance {
	if i == nil {
		return nil
	}
	if f.global || len(matching(f.p, f.level, scope{garden: f.garden(""), instance: i.Name})) > 0 {
		return i
	}
	return nil
}

func (f filter) templateScope(t models.RequestTemplate, garden string) scope {
	return scope{
		garden:    f.garden(garden),
		namespace: t.Namespace,
		system:    t.System,
		version:   t.SystemVersion,
		instance:  t.InstanceName,
		command:   t.Command,
	}
}

func (f filter) request(r *models.Request) *models.Request {
	if r == nil {
		return nil
	}
	owner := r.Requester != "" && r.Requester == f.p.Username()
	if !f.global && !owner && len(matching(f.p, f.level, f.templateScope(r.RequestTemplate, r.Garden))) == 0 {
		return nil
	}
	children := filterSlice(r.Children, f.request)
	if sameSlice(children, r.Children) {
		return r
	}
	c := *r
	c.Children = children
	return &c
}

func (f filter) job(j *models.Job) *models.Job {
	if j == nil {
		return nil
	}
	if f.global || len(matching(f.p, f.level, f.templateScope(j.RequestTemplate, ""))) > 0 {
		return j
	}
	return nil
}

func (f filter) user(u *models.User) *models.User {
	if u == nil {
		return nil
	}
	if f.global || (f.p.User != nil && f.p.User.ID == u.ID) {
		return u
	}
	return nil
}

func (f filter) role(r *models.Role) *models.Role {
	if r == nil {
		return nil
	}
	if f.global {
		return r
	}
	for _, held := range f.p.Roles {
		if held != nil && held.Name == r.Name {
			return r
		}
	}
	return nil
}

func (f filter) event(e *models.Event) *models.Event {
	if e == nil {
		return nil
	}
	if e.Payload == nil {
		if f.global || HasPermission(f.p, f.level) {
			return e
		}
		return nil
	}
	sub := f
	if e.Garden != "" {
		sub.hints.Garden = e.Garden
	}
	payload := sub.object(e.Payload)
	if payload == nil {
		return nil
	}
	if samePayload(payload, e.Payload) {
		return e
	}
	c := *e
	c.Payload = payload
	return &c
}

func sameSlice[T any](a, b []*T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// samePayload compares pointer payloads by identity. Anything else is
// treated as changed.
func samePayload(a, b any) bool {
	switch av := a.(type) {
	case *models.Garden:
		return av == b
	case *models.System:
		return av == b
	case *models.Instance:
		return av == b
	case *models.Request:
		return av == b
	case *models.Job:
		return av == b
	case *models.User:
		return av == b
	case *models.Role:
		return av == b
	case *models.Event:
		return av == b
	case string:
		return true
	}
	return false
}
