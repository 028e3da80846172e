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

package errors

import (
	"fmt"
	"time"
)

// Error kinds returned by ErrorType.
const (
	KindModelValidation  = "model_validation"
	KindNotFound         = "not_found"
	KindConflict         = "conflict"
	KindStatusTransition = "status_transition"
	KindForbidden        = "forbidden"
	KindTimeout          = "timeout"
	KindPublish          = "publish"
	KindConfig           = "configuration"
	KindFatal            = "fatal"
)

// ValidationError represents a model or request validation failure.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return KindModelValidation }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a missing resource lookup.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "system", "request", "job")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return KindNotFound }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConflictError represents a uniqueness violation or an operation that
// conflicts with the current state of a resource.
type ConflictError struct {
	Resource string
	ID       string
	Message  string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s conflict: %s", e.Resource, e.ID, e.Message)
	}
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ConflictError) ErrorType() string { return KindConflict }

// IsRetryable implements ErrorClassifier.
func (e *ConflictError) IsRetryable() bool { return false }

// StatusTransitionError is returned when a request is moved between two
// statuses that the lifecycle does not allow. It is a kind of conflict.
type StatusTransitionError struct {
	ID   string
	From string
	To   string
}

// Error implements the error interface.
func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("request %s: illegal status transition %s -> %s", e.ID, e.From, e.To)
}

// ErrorType implements ErrorClassifier.
func (e *StatusTransitionError) ErrorType() string { return KindStatusTransition }

// IsRetryable implements ErrorClassifier.
func (e *StatusTransitionError) IsRetryable() bool { return false }

// ForbiddenError is returned when the caller lacks the permission required
// for an operation or object.
type ForbiddenError struct {
	Permission string
	Message    string
}

// Error implements the error interface.
func (e *ForbiddenError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("forbidden: %s", e.Message)
	}
	return fmt.Sprintf("forbidden: %s permission required", e.Permission)
}

// ErrorType implements ErrorClassifier.
func (e *ForbiddenError) ErrorType() string { return KindForbidden }

// IsRetryable implements ErrorClassifier.
func (e *ForbiddenError) IsRetryable() bool { return false }

// PublishError is returned when a message could not be delivered to the
// broker, either because nothing was bound to the routing key or because
// the broker did not confirm it.
type PublishError struct {
	RoutingKey string
	Reason     string
	Cause      error
}

// Error implements the error interface.
func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %q failed: %s", e.RoutingKey, e.Reason)
}

// Unwrap returns the underlying broker error.
func (e *PublishError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *PublishError) ErrorType() string { return KindPublish }

// IsRetryable implements ErrorClassifier.
func (e *PublishError) IsRetryable() bool { return true }

// ConfigError represents configuration problems.
// Use this for missing settings, invalid values or broken config files.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "amq.url", "db.path")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return KindConfig }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents operations that exceeded their time limit.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "request completion", "choices command")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return KindTimeout }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// FatalError marks a startup failure the process cannot recover from.
type FatalError struct {
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Operation, e.Cause)
}

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *FatalError) ErrorType() string { return KindFatal }

// IsRetryable implements ErrorClassifier.
func (e *FatalError) IsRetryable() bool { return false }
