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

// Package errors provides the typed errors shared by every beergarden
// component. Each type reports a kind through ErrorClassifier which the API
// layer turns into an HTTP status with HTTPStatus.
package errors

// ErrorClassifier enables programmatic error handling based on error type.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// See the Kind* constants.
	ErrorType() string

	// IsRetryable returns true if the operation may succeed when retried.
	IsRetryable() bool
}

var (
	_ ErrorClassifier = (*ValidationError)(nil)
	_ ErrorClassifier = (*NotFoundError)(nil)
	_ ErrorClassifier = (*ConflictError)(nil)
	_ ErrorClassifier = (*StatusTransitionError)(nil)
	_ ErrorClassifier = (*ForbiddenError)(nil)
	_ ErrorClassifier = (*PublishError)(nil)
	_ ErrorClassifier = (*ConfigError)(nil)
	_ ErrorClassifier = (*TimeoutError)(nil)
	_ ErrorClassifier = (*FatalError)(nil)
)
