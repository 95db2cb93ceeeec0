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

package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"axonflow/querygate/agent/gate"
	"axonflow/querygate/connectors/base"
	"axonflow/querygate/shared/logger"
)

func TestLogAuditSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := LogAuditSink{Logger: logger.NewWithCore("audit", core)}

	sink.Record(context.Background(), AuditEvent{
		RequestID:    "req-9",
		ConnectionID: "conn-1",
		OwnerID:      "owner-1",
		Statements:   []string{"DELETE FROM orders"},
		Rule:         gate.RulePermissionDenied,
		ErrorKind:    base.KindPolicyViolation,
		ErrorCode:    "PermissionDenied",
	})

	entries := logs.FilterMessage("audit").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-9", fields["request_id"])
	assert.Equal(t, "conn-1", fields["connection_id"])
	assert.Equal(t, "PermissionDenied", fields["rule"])
	assert.Equal(t, "PolicyViolation", fields["error_kind"])
	assert.Equal(t, false, fields["allowed"])
}

func TestAsyncAuditSink_DeliversBeforeClose(t *testing.T) {
	var mu sync.Mutex
	var got []string
	sink := NewAsyncAuditSink(AuditFunc(func(_ context.Context, ev AuditEvent) {
		mu.Lock()
		got = append(got, ev.RequestID)
		mu.Unlock()
	}), 16, 2)

	for _, id := range []string{"a", "b", "c"} {
		sink.Record(context.Background(), AuditEvent{RequestID: id})
	}
	sink.Close()

	mu.Lock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
	mu.Unlock()
	processed, dropped := sink.Stats()
	assert.Equal(t, uint64(3), processed)
	assert.Zero(t, dropped)

	sink.Record(context.Background(), AuditEvent{RequestID: "late"})
	_, dropped = sink.Stats()
	assert.Equal(t, uint64(1), dropped)
	sink.Close()
}

func TestAsyncAuditSink_DropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	sink := NewAsyncAuditSink(AuditFunc(func(context.Context, AuditEvent) { <-block }), 1, 1)

	// One event occupies the worker, one fills the queue, the rest drop.
	for i := 0; i < 5; i++ {
		sink.Record(context.Background(), AuditEvent{})
	}
	close(block)
	sink.Close()

	processed, dropped := sink.Stats()
	assert.Equal(t, uint64(5), processed+dropped)
	assert.GreaterOrEqual(t, dropped, uint64(3))
}
