// Copyright 2025 AxonFlow
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

package base

import (
	"context"
	"errors"
	"strings"
)

// Kind classifies every error that crosses the engine boundary
type Kind string

const (
	KindConfig              Kind = "ConfigError"
	KindDecryption          Kind = "DecryptionError"
	KindConnection          Kind = "ConnectionError"
	KindPoolExhausted       Kind = "PoolExhausted"
	KindSchemaIntrospection Kind = "SchemaIntrospectionError"
	KindPolicyViolation     Kind = "PolicyViolation"
	KindExecutionTimeout    Kind = "ExecutionTimeout"
	KindExecution           Kind = "ExecutionError"
	KindNotFound            Kind = "NotFound"
)

// Sentinels for errors.Is comparisons. They match any *Error of the same kind.
var (
	ErrConfig              = &Error{Kind: KindConfig}
	ErrDecryption          = &Error{Kind: KindDecryption}
	ErrConnection          = &Error{Kind: KindConnection}
	ErrPoolExhausted       = &Error{Kind: KindPoolExhausted}
	ErrSchemaIntrospection = &Error{Kind: KindSchemaIntrospection}
	ErrPolicyViolation     = &Error{Kind: KindPolicyViolation}
	ErrExecutionTimeout    = &Error{Kind: KindExecutionTimeout}
	ErrExecution           = &Error{Kind: KindExecution}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

// Error is the single error type returned across package boundaries.
//
// Message is always safe to show to an operator. Cause may carry raw driver
// or crypto detail and is kept only for errors.Is / errors.As; it is never
// rendered by Error().
type Error struct {
	Component string
	Op        string
	Kind      Kind
	Code      string
	Message   string
	Transient bool
	Cause     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString(e.Component)
		b.WriteString(".")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString("[")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by kind, and by code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Audience is the explanation routed to the end user. Policy rejections
// keep their per-stage text; infrastructure failures get a generic message.
func (e *Error) Audience() string {
	switch e.Kind {
	case KindPolicyViolation:
		return e.Message
	case KindExecutionTimeout:
		return "The query took too long to run. Narrow it down or try again later."
	case KindPoolExhausted:
		return "The database is busy right now. Please retry shortly."
	case KindDecryption, KindConfig:
		return "The saved connection settings are invalid. Re-create the connection and try again."
	case KindConnection:
		return "Could not connect to the database. Check the host, port and credentials."
	case KindSchemaIntrospection:
		return "Could not read the database structure."
	case KindExecution:
		return "The database rejected the statement: " + e.Message
	case KindNotFound:
		return "The requested connection does not exist."
	default:
		return "Unexpected error."
	}
}

// NewError creates a new boundary error
func NewError(component, op string, kind Kind, code, message string, cause error) *Error {
	return &Error{
		Component: component,
		Op:        op,
		Kind:      kind,
		Code:      code,
		Message:   message,
		Cause:     cause,
	}
}

// NewTransientError creates a retry-eligible error
func NewTransientError(component, op string, kind Kind, code, message string, cause error) *Error {
	e := NewError(component, op, kind, code, message, cause)
	e.Transient = true
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the reason code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether a single retry with backoff is allowed.
// Pool exhaustion always qualifies; connection errors only when the driver
// reported them as transient. Config, decryption and policy errors never do.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindPoolExhausted:
		return true
	case KindConnection:
		return e.Transient
	default:
		return false
	}
}

// IsContextDeadline reports whether err came from an expired deadline
func IsContextDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
