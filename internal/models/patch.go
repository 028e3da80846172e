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

// Patch operations accepted by the API.
const (
	PatchReplace = "replace"
	PatchAdd     = "add"
	PatchUpdate  = "update"
	PatchReload  = "reload"
)

// PatchOperation is one step of a PATCH body.
type PatchOperation struct {
	Operation string `json:"operation"`
	Path      string `json:"path,omitempty"`
	Value     any    `json:"value,omitempty"`
}
