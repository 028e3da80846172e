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

// ParameterType names the value type a parameter accepts.
type ParameterType string

const (
	TypeString     ParameterType = "String"
	TypeInteger    ParameterType = "Integer"
	TypeFloat      ParameterType = "Float"
	TypeBoolean    ParameterType = "Boolean"
	TypeAny        ParameterType = "Any"
	TypeDictionary ParameterType = "Dictionary"
	TypeDate       ParameterType = "Date"
	TypeDateTime   ParameterType = "DateTime"
)

// Choices types.
const (
	ChoicesStatic  = "static"
	ChoicesURL     = "url"
	ChoicesCommand = "command"
)

// Parameter describes one input of a command. Dictionary parameters may
// declare nested Parameters.
type Parameter struct {
	Key         string        `json:"key" validate:"required"`
	Type        ParameterType `json:"type" validate:"required,oneof=String Integer Float Boolean Any Dictionary Date DateTime"`
	Multi       bool          `json:"multi"`
	DisplayName string        `json:"display_name,omitempty"`
	Description string        `json:"description,omitempty"`
	Optional    bool          `json:"optional"`
	Nullable    bool          `json:"nullable"`
	Default     any           `json:"default"`
	Minimum     *float64      `json:"minimum,omitempty"`
	Maximum     *float64      `json:"maximum,omitempty"`
	Regex       string        `json:"regex,omitempty"`
	Choices     *Choices      `json:"choices,omitempty"`
	Parameters  []*Parameter  `json:"parameters,omitempty" validate:"dive,required"`
}

// Choices restricts the values a parameter accepts.
//
// Value is a list or a map for static choices, a URL string for url choices,
// and either "command(arg=${param})" or a map with command, system, version
// and instance_name keys for command choices.
type Choices struct {
	Type    string         `json:"type" validate:"required,oneof=static url command"`
	Display string         `json:"display,omitempty"`
	Value   any            `json:"value"`
	Strict  *bool          `json:"strict,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// IsStrict reports whether values outside the choices are rejected.
// Choices are strict unless explicitly disabled.
func (c *Choices) IsStrict() bool {
	return c.Strict == nil || *c.Strict
}

// KeyReference returns details.key_reference, used to index dictionary
// choices by a sibling parameter.
func (c *Choices) KeyReference() (string, bool) {
	if c.Details == nil {
		return "", false
	}
	ref, ok := c.Details["key_reference"].(string)
	return ref, ok && ref != ""
}

// Parameter returns the named parameter of the command or nil.
func (c *Command) Parameter(key string) *Parameter {
	for _, p := range c.Parameters {
		if p.Key == key {
			return p
		}
	}
	return nil
}

func cloneParameters(params []*Parameter) []*Parameter {
	if params == nil {
		return nil
	}
	out := make([]*Parameter, len(params))
	for i, p := range params {
		if p == nil {
			continue
		}
		c := *p
		c.Default = CloneValue(p.Default)
		if p.Minimum != nil {
			v := *p.Minimum
			c.Minimum = &v
		}
		if p.Maximum != nil {
			v := *p.Maximum
			c.Maximum = &v
		}
		if p.Choices != nil {
			ch := *p.Choices
			ch.Value = CloneValue(p.Choices.Value)
			ch.Details = CloneMap(p.Choices.Details)
			if p.Choices.Strict != nil {
				s := *p.Choices.Strict
				ch.Strict = &s
			}
			c.Choices = &ch
		}
		c.Parameters = cloneParameters(p.Parameters)
		out[i] = &c
	}
	return out
}
