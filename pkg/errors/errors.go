/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errors defines the control plane's error taxonomy. Every error that
// crosses a package boundary is classified into exactly one category so that
// callers, retry policies and transports branch on class instead of on
// message text.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Category is the coarse classification of a failure.
type Category string

const (
	// InvalidArgument means the request can never succeed as written.
	InvalidArgument Category = "InvalidArgument"
	// NotFound means the referenced entity does not exist.
	NotFound Category = "NotFound"
	// Conflict means the request lost a concurrency or uniqueness race; the
	// caller may re-read and retry with fresh state.
	Conflict Category = "Conflict"
	// Forbidden means the actor is authenticated but not allowed.
	Forbidden Category = "Forbidden"
	// BackendUnavailable means a dependency (store, KV, stream) failed in a
	// way that is safe to retry.
	BackendUnavailable Category = "BackendUnavailable"
	// DeadlineExceeded means the request's time budget ran out.
	DeadlineExceeded Category = "DeadlineExceeded"
	// Overloaded means an internal queue refused admission; the producer must
	// back off.
	Overloaded Category = "Overloaded"
)

// Error carries a category, a stable machine-readable code and an optional
// cause. Op names the failing operation in package.Method form.
type Error struct {
	Category Category
	Op       string
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a formatted message.
func New(category Category, op, code, format string, args ...interface{}) *Error {
	return &Error{Category: category, Op: op, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil err yields nil so call sites can
// wrap unconditionally.
func Wrap(category Category, op, code string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Op: op, Code: code, Err: err}
}

// CategoryOf returns the first classified category in the chain, or "" when
// the error carries none.
func CategoryOf(err error) Category {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Category
	}
	return ""
}

// CodeOf returns the stable code of a classified error, or "".
func CodeOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

func is(err error, category Category) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Category == category
}

func IsInvalidArgument(err error) bool    { return is(err, InvalidArgument) }
func IsNotFound(err error) bool           { return is(err, NotFound) }
func IsConflict(err error) bool           { return is(err, Conflict) }
func IsForbidden(err error) bool          { return is(err, Forbidden) }
func IsBackendUnavailable(err error) bool { return is(err, BackendUnavailable) }
func IsDeadlineExceeded(err error) bool   { return is(err, DeadlineExceeded) }
func IsOverloaded(err error) bool         { return is(err, Overloaded) }

// IsRetryable reports whether the failure class is safe to retry blindly.
// Only backend unavailability qualifies: conflicts need fresh state, deadline
// and overload need backpressure at the caller.
func IsRetryable(err error) bool { return IsBackendUnavailable(err) }

// IgnoreNotFound returns nil for NotFound errors and passes everything else
// through.
func IgnoreNotFound(err error) error {
	if IsNotFound(err) {
		return nil
	}
	return err
}
