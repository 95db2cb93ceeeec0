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
	"sync/atomic"
	"time"

	"axonflow/querygate/agent/gate"
	"axonflow/querygate/connectors/base"
	"axonflow/querygate/shared/logger"
)

// AuditEvent describes one pipeline run. It never carries decrypted
// connection details.
type AuditEvent struct {
	RequestID    string        `json:"request_id"`
	Timestamp    time.Time     `json:"timestamp"`
	OwnerID      string        `json:"owner_id"`
	ConnectionID string        `json:"connection_id"`
	Statements   []string      `json:"statements"`
	Allowed      bool          `json:"allowed"`
	Rule         gate.Rule     `json:"rule,omitempty"`
	Kind         string        `json:"kind,omitempty"`
	Executed     bool          `json:"executed"`
	RowCount     int           `json:"row_count"`
	RowsAffected int64         `json:"rows_affected"`
	Truncated    bool          `json:"truncated"`
	ErrorKind    base.Kind     `json:"error_kind,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

// AuditSink receives run outcomes. Implementations must not block the
// caller for long; persistence belongs to the collaborator behind it.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent)
}

// AuditFunc adapts a function to AuditSink
type AuditFunc func(ctx context.Context, ev AuditEvent)

func (f AuditFunc) Record(ctx context.Context, ev AuditEvent) { f(ctx, ev) }

type nopAudit struct{}

func (nopAudit) Record(context.Context, AuditEvent) {}

// LogAuditSink writes every event as a structured log entry
type LogAuditSink struct {
	Logger *logger.Logger
}

func (s LogAuditSink) Record(_ context.Context, ev AuditEvent) {
	fields := map[string]interface{}{
		"owner_id":      ev.OwnerID,
		"allowed":       ev.Allowed,
		"executed":      ev.Executed,
		"statements":    len(ev.Statements),
		"row_count":     ev.RowCount,
		"rows_affected": ev.RowsAffected,
		"elapsed_ms":    float64(ev.Elapsed.Microseconds()) / 1000,
	}
	if ev.Rule != "" {
		fields["rule"] = string(ev.Rule)
	}
	if ev.Kind != "" {
		fields["kind"] = ev.Kind
	}
	if ev.ErrorKind != "" {
		fields["error_kind"] = string(ev.ErrorKind)
		fields["error_code"] = ev.ErrorCode
	}
	s.Logger.Info(ev.ConnectionID, ev.RequestID, "audit", fields)
}

// AsyncAuditSink hands events to a wrapped sink on background workers.
// When the queue is full the event is dropped and counted.
type AsyncAuditSink struct {
	next    AuditSink
	queue   chan AuditEvent
	wg      sync.WaitGroup
	closing sync.Once

	mu     sync.RWMutex
	closed bool

	processed atomic.Uint64
	dropped   atomic.Uint64
}

// NewAsyncAuditSink starts workers draining a queue of queueSize events
func NewAsyncAuditSink(next AuditSink, queueSize, workers int) *AsyncAuditSink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	s := &AsyncAuditSink{next: next, queue: make(chan AuditEvent, queueSize)}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *AsyncAuditSink) worker() {
	defer s.wg.Done()
	for ev := range s.queue {
		s.next.Record(context.Background(), ev)
		s.processed.Add(1)
	}
}

// Record queues ev without blocking
func (s *AsyncAuditSink) Record(_ context.Context, ev AuditEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Close stops accepting events and waits for queued ones to be delivered
func (s *AsyncAuditSink) Close() {
	s.closing.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		s.wg.Wait()
	})
}

// Stats returns delivered and dropped event counts
func (s *AsyncAuditSink) Stats() (processed, dropped uint64) {
	return s.processed.Load(), s.dropped.Load()
}
