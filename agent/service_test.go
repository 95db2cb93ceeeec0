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
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"axonflow/querygate/agent/executor"
	"axonflow/querygate/agent/gate"
	"axonflow/querygate/connectors/base"
	"axonflow/querygate/connectors/credentials"
	"axonflow/querygate/connectors/registry"
	"axonflow/querygate/connectors/schema"
	_ "axonflow/querygate/connectors/sqlite"
	"axonflow/querygate/shared/logger"
	"axonflow/querygate/shared/retry"
)

const owner = "owner-1"

type harness struct {
	svc     *Service
	db      *sql.DB
	store   *credentials.Store
	records *registry.MemoryRecordStore
	metrics *Metrics

	mu     sync.Mutex
	events []AuditEvent
}

func (h *harness) audited() []AuditEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]AuditEvent(nil), h.events...)
}

func newHarness(t *testing.T, extra ...Option) *harness {
	t.Helper()

	path := filepath.Join(t.TempDir(), "shop.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	for _, stmt := range []string{
		`CREATE TABLE products (id INTEGER PRIMARY KEY, name TEXT NOT NULL, price REAL)`,
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, product_id INTEGER REFERENCES products(id), total REAL)`,
		`INSERT INTO products (id, name, price) VALUES (1, 'lamp', 20), (2, 'chair', 45)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	key := make([]byte, credentials.KeySize)
	for i := range key {
		key[i] = byte(7 * (i + 1))
	}
	store, err := credentials.NewStore(key)
	require.NoError(t, err)
	ct, err := store.Encrypt("sqlite:///" + path)
	require.NoError(t, err)

	records := registry.NewMemoryRecordStore()
	records.Put(registry.ConnectionRecord{
		ID: "conn-shop", OwnerID: owner, DisplayName: "shop", EncryptedURI: ct, IsDefault: true, IsActive: true,
	})
	records.Put(registry.ConnectionRecord{
		ID: "conn-old", OwnerID: owner, DisplayName: "old", EncryptedURI: ct, IsActive: false,
	})

	opts := registry.DefaultOptions()
	opts.MaxOpenConns = 2
	opts.MaxIdleConns = 2
	opts.ConnectTimeout = 2 * time.Second
	opts.AcquireTimeout = 200 * time.Millisecond
	engines := registry.New(store, opts, registry.WithLogger(logger.Nop()))
	schemas := schema.NewCache(schema.DefaultCacheOptions(), schema.WithCacheLogger(logger.Nop()))
	exec := executor.New(executor.DefaultOptions())

	h := &harness{db: db, store: store, records: records, metrics: NewMetrics(prometheus.NewRegistry())}
	options := []Option{
		WithLogger(logger.Nop()),
		WithMetrics(h.metrics),
		WithAuditSink(AuditFunc(func(_ context.Context, ev AuditEvent) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		})),
	}
	h.svc = New(records, engines, schemas, exec, append(options, extra...)...)
	t.Cleanup(h.svc.Close)
	return h
}

func readOnlyPolicy() *gate.Policy {
	return &gate.Policy{Mode: gate.ModeEnforce, MaxComplexityScore: 100}
}

func writePolicy() *gate.Policy {
	p := gate.DefaultPolicy(gate.ModeEnforce)
	p.AllowMultiStatement = true
	return &p
}

func (h *harness) productCount(t *testing.T, name string) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow(`SELECT count(*) FROM products WHERE name = ?`, name).Scan(&n))
	return n
}

func TestRun_Read(t *testing.T) {
	h := newHarness(t)
	ctx := logger.WithRequestID(context.Background(), "req-1")

	resp, err := h.svc.Run(ctx, Request{OwnerID: owner, ConnectionID: "conn-shop", SQL: "SELECT name FROM products ORDER BY id", Policy: readOnlyPolicy()})
	require.NoError(t, err)

	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "conn-shop", resp.ConnectionID)
	require.NotNil(t, resp.Decision)
	assert.True(t, resp.Decision.Allowed)
	require.NotNil(t, resp.Result)
	assert.Equal(t, [][]any{{"lamp"}, {"chair"}}, resp.Result.Rows)

	events := h.audited()
	require.Len(t, events, 1)
	assert.True(t, events[0].Allowed)
	assert.True(t, events[0].Executed)
	assert.Equal(t, 2, events[0].RowCount)
	assert.Equal(t, "READ", events[0].Kind)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.decisions.WithLabelValues("allowed", "")))
	assert.Equal(t, 1, testutil.CollectAndCount(h.metrics.executionDuration))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.engines))
}

func TestRun_GeneratesRequestID(t *testing.T) {
	h := newHarness(t)

	resp, err := h.svc.Run(context.Background(), Request{OwnerID: owner, SQL: "SELECT 1", Policy: readOnlyPolicy()})
	require.NoError(t, err)
	_, perr := uuid.Parse(resp.RequestID)
	assert.NoError(t, perr)
	assert.Equal(t, "conn-shop", resp.ConnectionID, "empty connection id resolves the default")
}

func TestRun_RejectsWriteUnderReadOnlyPolicy(t *testing.T) {
	h := newHarness(t)

	resp, err := h.svc.Run(context.Background(), Request{
		OwnerID: owner, ConnectionID: "conn-shop",
		SQL:    "INSERT INTO products (name) VALUES ('x')",
		Policy: readOnlyPolicy(),
	})
	require.Error(t, err)
	assert.True(t, base.IsKind(err, base.KindPolicyViolation))
	require.NotNil(t, resp.Decision)
	assert.Equal(t, gate.RulePermissionDenied, resp.Decision.Rule())
	assert.Nil(t, resp.Result)
	assert.Zero(t, h.productCount(t, "x"))

	events := h.audited()
	require.Len(t, events, 1)
	assert.False(t, events[0].Allowed)
	assert.False(t, events[0].Executed)
	assert.Equal(t, gate.RulePermissionDenied, events[0].Rule)
	assert.Equal(t, base.KindPolicyViolation, events[0].ErrorKind)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.decisions.WithLabelValues("rejected", "PermissionDenied")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.errors.WithLabelValues("PolicyViolation")))
}

func TestRun_GateOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		sql    string
		policy *gate.Policy
		rule   gate.Rule
	}{
		{"unknown table", "SELECT * FROM nonexistent_table", writePolicy(), gate.RuleUnknownIdentifier},
		{"multiple statements", "SELECT 1; SELECT 2;", readOnlyPolicy(), gate.RuleMultiStatementNotAllowed},
		{"ddl in write batch", "CREATE TABLE x(id int); INSERT INTO x VALUES (1);", writePolicy(), gate.RulePermissionDenied},
		{"dangerous pattern", "SELECT name FROM products UNION SELECT load_file('/etc/passwd')", writePolicy(), gate.RuleDangerousPattern},
		{"syntax error", "SELECT name FROM products WHERE name = 'open", readOnlyPolicy(), gate.RuleSyntaxError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			resp, err := h.svc.Run(context.Background(), Request{OwnerID: owner, SQL: tt.sql, Policy: tt.policy})
			require.Error(t, err)
			assert.True(t, base.IsKind(err, base.KindPolicyViolation))
			require.NotNil(t, resp.Decision)
			assert.Equal(t, tt.rule, resp.Decision.Rule())
		})
	}
}

func TestRun_DDLRejectionWritesNothing(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Run(context.Background(), Request{
		OwnerID: owner,
		SQL:     "CREATE TABLE x(id int); INSERT INTO x VALUES (1);",
		Policy:  writePolicy(),
	})
	require.Error(t, err)

	var n int
	require.NoError(t, h.db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE name = 'x'`).Scan(&n))
	assert.Zero(t, n)
}

func TestRun_WriteBatchIsAtomic(t *testing.T) {
	h := newHarness(t)

	resp, err := h.svc.Run(context.Background(), Request{
		OwnerID: owner,
		SQL:     "INSERT INTO products (id, name, price) VALUES (10, 'desk', 80); INSERT INTO products (id, name, price) VALUES (1, 'dup', 1);",
		Policy:  writePolicy(),
	})
	require.Error(t, err)
	assert.True(t, base.IsKind(err, base.KindExecution))
	assert.Equal(t, "unique_violation", base.CodeOf(err))
	assert.True(t, resp.Decision.Allowed)
	assert.Zero(t, h.productCount(t, "desk"))

	resp, err = h.svc.Run(context.Background(), Request{
		OwnerID: owner,
		SQL:     "INSERT INTO products (id, name, price) VALUES (10, 'desk', 80); UPDATE products SET price = 25 WHERE id = 1;",
		Policy:  writePolicy(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.Result.RowsAffected)
	assert.Equal(t, 1, h.productCount(t, "desk"))
}

func TestRun_DryRunAndExplain(t *testing.T) {
	h := newHarness(t)

	resp, err := h.svc.Run(context.Background(), Request{
		OwnerID: owner,
		SQL:     "SELECT name FROM products WHERE price > 10",
		Policy:  readOnlyPolicy(),
		DryRun:  true,
		Explain: true,
	})
	require.NoError(t, err)
	assert.True(t, resp.Decision.Allowed)
	assert.Nil(t, resp.Result)
	require.NotNil(t, resp.Plan)
	assert.Positive(t, resp.Plan.RowCount)
	assert.False(t, h.audited()[0].Executed)
}

func TestRun_DefaultPolicyApplies(t *testing.T) {
	h := newHarness(t)
	h.svc.policy = *readOnlyPolicy()

	resp, err := h.svc.Run(context.Background(), Request{OwnerID: owner, SQL: "DELETE FROM products"})
	require.Error(t, err)
	assert.Equal(t, gate.RulePermissionDenied, resp.Decision.Rule())
	assert.Equal(t, 2, h.productCount(t, "lamp")+h.productCount(t, "chair"))
}

func TestResolveConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name         string
		ownerID      string
		connectionID string
		wantID       string
		wantKind     base.Kind
	}{
		{"explicit", owner, "conn-shop", "conn-shop", ""},
		{"default", owner, "", "conn-shop", ""},
		{"inactive", owner, "conn-old", "", base.KindNotFound},
		{"missing", owner, "conn-nope", "", base.KindNotFound},
		{"other owner", "owner-2", "conn-shop", "", base.KindNotFound},
		{"no owner", "", "conn-shop", "", base.KindConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := h.svc.ResolveConnection(ctx, tt.ownerID, tt.connectionID)
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.True(t, base.IsKind(err, tt.wantKind))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, rec.ID)
		})
	}
}

func TestRun_UnknownConnection(t *testing.T) {
	h := newHarness(t)

	resp, err := h.svc.Run(context.Background(), Request{OwnerID: owner, ConnectionID: "conn-old", SQL: "SELECT 1"})
	require.Error(t, err)
	assert.True(t, base.IsKind(err, base.KindNotFound))
	assert.Nil(t, resp.Decision)
	assert.Equal(t, base.KindNotFound, h.audited()[0].ErrorKind)
}

func TestInvalidateConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.ResolveConnection(ctx, owner, "conn-shop")
	require.NoError(t, err)
	first, err := h.svc.AcquireEngine(ctx, rec)
	require.NoError(t, err)
	first.Release()
	assert.Len(t, h.svc.Engines(), 1)

	assert.True(t, h.svc.InvalidateConnection(ctx, "conn-shop"))
	assert.Empty(t, h.svc.Engines())
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.engines))

	second, err := h.svc.AcquireEngine(ctx, rec)
	require.NoError(t, err)
	defer second.Release()
	assert.False(t, second.Same(first))
}

func TestRun_RotatedCredentialsRefreshSchema(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.svc.Run(ctx, Request{OwnerID: owner, ConnectionID: "conn-shop", SQL: "SELECT name FROM products", Policy: readOnlyPolicy()})
	require.NoError(t, err)
	require.True(t, resp.Decision.Allowed)

	path := filepath.Join(t.TempDir(), "billing.db")
	other, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer other.Close()
	_, err = other.Exec(`CREATE TABLE invoices (id INTEGER PRIMARY KEY, amount REAL)`)
	require.NoError(t, err)
	_, err = other.Exec(`INSERT INTO invoices (id, amount) VALUES (1, 9.5)`)
	require.NoError(t, err)

	ct, err := h.store.Encrypt("sqlite:///" + path)
	require.NoError(t, err)
	h.records.Put(registry.ConnectionRecord{
		ID: "conn-shop", OwnerID: owner, DisplayName: "shop", EncryptedURI: ct, IsDefault: true, IsActive: true,
	})

	resp, err = h.svc.Run(ctx, Request{OwnerID: owner, ConnectionID: "conn-shop", SQL: "SELECT amount FROM invoices", Policy: readOnlyPolicy()})
	require.NoError(t, err)
	require.NotNil(t, resp.Result)
	assert.Equal(t, [][]any{{9.5}}, resp.Result.Rows)

	resp, err = h.svc.Run(ctx, Request{OwnerID: owner, ConnectionID: "conn-shop", SQL: "SELECT name FROM products", Policy: readOnlyPolicy()})
	require.Error(t, err)
	require.NotNil(t, resp.Decision)
	assert.Equal(t, gate.RuleUnknownIdentifier, resp.Decision.Rule(), "the old database's tables are gone")
}

func TestTestConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.ResolveConnection(ctx, owner, "conn-shop")
	require.NoError(t, err)
	ok, err := h.svc.TestConnection(ctx, rec.EncryptedURI)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, h.svc.Engines(), "testing a connection caches nothing")

	ok, err = h.svc.TestConnection(ctx, "not-a-ciphertext")
	require.Error(t, err)
	assert.False(t, ok)
	assert.True(t, base.IsKind(err, base.KindDecryption))
}

func TestSchemaContext(t *testing.T) {
	h := newHarness(t)

	text, err := h.svc.SchemaContext(context.Background(), owner, "")
	require.NoError(t, err)
	assert.Contains(t, text, "Table: products")
	assert.Contains(t, text, "Table: orders")
	assert.Contains(t, text, "[FK -> products.id]")
}

func TestListConnections(t *testing.T) {
	h := newHarness(t)

	recs, err := h.svc.ListConnections(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "conn-shop", recs[0].ID)
}

func TestAcquireEngine_RetriesPoolExhaustion(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := newHarness(t,
		WithLogger(logger.NewWithCore("agent", core)),
		WithRetry(&retry.Config{MaxRetries: 1, InitialInterval: 10 * time.Millisecond, RetryIf: base.IsRetryable}),
	)
	ctx := context.Background()

	rec, err := h.svc.ResolveConnection(ctx, owner, "conn-shop")
	require.NoError(t, err)
	lease, err := h.svc.AcquireEngine(ctx, rec)
	require.NoError(t, err)
	defer lease.Release()

	// Hold every connection of the pool.
	for i := 0; i < 2; i++ {
		conn, err := lease.Conn(ctx)
		require.NoError(t, err)
		defer conn.Close()
	}

	_, err = h.svc.AcquireEngine(ctx, rec)
	require.Error(t, err)
	assert.True(t, base.IsKind(err, base.KindPoolExhausted))
	assert.Len(t, logs.FilterMessage("retrying engine acquisition").All(), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.errors.WithLabelValues("PoolExhausted")))
}
