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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ErrorOmitsCause(t *testing.T) {
	cause := errors.New("pq: password authentication failed for user \"admin\" secret=hunter2")
	err := NewError("registry", "acquire", KindConnection, "auth_failed", "could not connect", cause)

	msg := err.Error()
	assert.Equal(t, "registry.acquire: ConnectionError[auth_failed]: could not connect", msg)
	assert.NotContains(t, msg, "hunter2")
	assert.ErrorIs(t, err, cause, "cause must stay reachable through Unwrap")
}

func TestError_IsMatchesKindAndCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewError("executor", "execute", KindExecutionTimeout, "deadline", "timed out", context.DeadlineExceeded))

	assert.ErrorIs(t, err, ErrExecutionTimeout)
	assert.ErrorIs(t, err, &Error{Kind: KindExecutionTimeout, Code: "deadline"})
	assert.NotErrorIs(t, err, &Error{Kind: KindExecutionTimeout, Code: "other"})
	assert.NotErrorIs(t, err, ErrExecution)
	assert.True(t, IsContextDeadline(err))
}

func TestKindOfAndCodeOf(t *testing.T) {
	err := fmt.Errorf("ctx: %w", NewError("gate", "evaluate", KindPolicyViolation, "write_not_allowed", "INSERT is not allowed", nil))
	assert.Equal(t, KindPolicyViolation, KindOf(err))
	assert.Equal(t, "write_not_allowed", CodeOf(err))
	assert.True(t, IsKind(err, KindPolicyViolation))

	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, "", CodeOf(nil))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"pool exhausted", NewError("registry", "conn", KindPoolExhausted, "wait_timeout", "busy", nil), true},
		{"transient connection", NewTransientError("registry", "acquire", KindConnection, "network", "refused", nil), true},
		{"permanent connection", NewError("registry", "acquire", KindConnection, "auth_failed", "denied", nil), false},
		{"config", NewError("registry", "acquire", KindConfig, "malformed_uri", "bad", nil), false},
		{"decryption", NewError("credentials", "decrypt", KindDecryption, "authentication_failed", "bad", nil), false},
		{"policy", NewError("gate", "evaluate", KindPolicyViolation, "multi_statement", "no", nil), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestAudience(t *testing.T) {
	policy := NewError("gate", "evaluate", KindPolicyViolation, "unknown_identifier", "table \"nope\" does not exist", nil)
	assert.Equal(t, "table \"nope\" does not exist", policy.Audience())

	timeout := NewError("executor", "execute", KindExecutionTimeout, "deadline", "statement exceeded 30s", nil)
	assert.NotContains(t, timeout.Audience(), "30s")

	for _, k := range []Kind{KindConfig, KindDecryption, KindConnection, KindPoolExhausted, KindSchemaIntrospection, KindExecution, KindNotFound} {
		e := &Error{Kind: k}
		require.NotEmpty(t, e.Audience(), string(k))
	}
}
