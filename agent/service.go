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
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"axonflow/querygate/agent/executor"
	"axonflow/querygate/agent/gate"
	"axonflow/querygate/connectors/base"
	"axonflow/querygate/connectors/registry"
	"axonflow/querygate/connectors/schema"
	"axonflow/querygate/shared/logger"
	"axonflow/querygate/shared/retry"
)

const component = "agent"

// Request is one candidate batch from the upstream generator. The caller
// has already authorized OwnerID for ConnectionID; an empty ConnectionID
// selects the owner's default connection.
type Request struct {
	OwnerID       string        `json:"owner_id"`
	ConnectionID  string        `json:"connection_id,omitempty"`
	SQL           string        `json:"sql"`
	Policy        *gate.Policy  `json:"policy,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	DryRun        bool          `json:"dry_run,omitempty"`
	Explain       bool          `json:"explain,omitempty"`
	RefreshSchema bool          `json:"refresh_schema,omitempty"`
}

// Response is the outcome of Run. Decision is set whenever evaluation was
// reached, including for rejected batches.
type Response struct {
	RequestID    string           `json:"request_id"`
	ConnectionID string           `json:"connection_id,omitempty"`
	Decision     *gate.Decision   `json:"decision,omitempty"`
	Result       *executor.Result `json:"result,omitempty"`
	Plan         *executor.Result `json:"plan,omitempty"`
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithGate replaces the default policy gate
func WithGate(g *gate.Gate) Option {
	return func(s *Service) { s.gate = g }
}

// WithDefaultPolicy sets the policy used for requests that carry none
func WithDefaultPolicy(p gate.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithAuditSink sends every Run outcome to sink
func WithAuditSink(sink AuditSink) Option {
	return func(s *Service) { s.audit = sink }
}

// WithMetrics records decisions, executions and errors
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithRetry overrides the retry policy for engine acquisition
func WithRetry(cfg *retry.Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.retry = cfg
		}
	}
}

// Service is the engine facade. It resolves connection records, leases
// pooled engines, supplies schema snapshots, gates candidate SQL and
// executes what the gate accepts.
type Service struct {
	records  registry.RecordStore
	engines  *registry.Registry
	schemas  *schema.Cache
	executor *executor.Executor

	gate    *gate.Gate
	policy  gate.Policy
	retry   *retry.Config
	audit   AuditSink
	metrics *Metrics
	log     *logger.Logger
	now     func() time.Time

	// connection id to the credential fingerprint last leased
	fingerprints sync.Map
}

// New creates a service
func New(records registry.RecordStore, engines *registry.Registry, schemas *schema.Cache, exec *executor.Executor, opts ...Option) *Service {
	s := &Service{
		records:  records,
		engines:  engines,
		schemas:  schemas,
		executor: exec,
		gate:     gate.New(),
		policy:   gate.DefaultPolicy(gate.ModeEnforce),
		retry:    retry.DefaultConfig(),
		audit:    nopAudit{},
		log:      logger.New(component),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ResolveConnection loads the record for connectionID, or the owner's
// default connection when connectionID is empty. Inactive records and
// records of other owners resolve as NotFound.
func (s *Service) ResolveConnection(ctx context.Context, ownerID, connectionID string) (*registry.ConnectionRecord, error) {
	if ownerID == "" {
		return nil, s.boundary(base.NewError(component, "resolve_connection", base.KindConfig, "missing_owner", "owner id is required", nil))
	}
	var rec *registry.ConnectionRecord
	var err error
	if connectionID == "" {
		rec, err = s.records.Default(ctx, ownerID)
	} else {
		rec, err = s.records.Get(ctx, ownerID, connectionID)
	}
	if err != nil {
		return nil, s.boundary(err)
	}
	return rec, nil
}

// ListConnections returns the owner's active connections
func (s *Service) ListConnections(ctx context.Context, ownerID string) ([]*registry.ConnectionRecord, error) {
	recs, err := s.records.List(ctx, ownerID)
	if err != nil {
		return nil, s.boundary(err)
	}
	return recs, nil
}

// AcquireEngine leases the pooled engine for rec. Pool exhaustion and
// transient connection failures are retried once with backoff. The caller
// must Release the lease.
func (s *Service) AcquireEngine(ctx context.Context, rec *registry.ConnectionRecord) (*registry.Lease, error) {
	if rec == nil {
		return nil, s.boundary(base.NewError(component, "acquire_engine", base.KindConfig, "missing_record", "connection record is required", nil))
	}

	cfg := *s.retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.log.Warn(rec.ID, logger.RequestID(ctx), "retrying engine acquisition", map[string]interface{}{
			"attempt":    attempt,
			"error_kind": string(base.KindOf(err)),
			"wait_ms":    wait.Milliseconds(),
		})
	}
	lease, err := retry.Do(ctx, &cfg, func(ctx context.Context) (*registry.Lease, error) {
		lease, err := s.engines.Acquire(ctx, rec.ID, rec.EncryptedURI)
		if err != nil {
			return nil, err
		}
		// A pool that cannot hand out a connection is reported here rather
		// than on the first statement.
		conn, err := lease.Conn(ctx)
		if err != nil {
			lease.Release()
			return nil, err
		}
		_ = conn.Close()
		return lease, nil
	})
	s.metrics.setEngines(s.engines.Len())
	if err != nil {
		return nil, s.boundary(err)
	}
	s.noteCredentials(ctx, rec.ID, lease.Fingerprint())
	return lease, nil
}

// noteCredentials drops the schema snapshot of a connection whose engine
// was rebuilt for different credentials, since they may reach another
// database
func (s *Service) noteCredentials(ctx context.Context, connectionID, fp string) {
	prev, loaded := s.fingerprints.Swap(connectionID, fp)
	if !loaded || prev.(string) == fp {
		return
	}
	s.schemas.Invalidate(ctx, connectionID)
	s.log.Info(connectionID, logger.RequestID(ctx), "credentials changed, schema snapshot dropped", nil)
}

// GetSchema returns the cached snapshot for the leased engine, or a fresh
// one when refresh is set
func (s *Service) GetSchema(ctx context.Context, lease *registry.Lease, refresh bool) (*schema.Snapshot, error) {
	var snap *schema.Snapshot
	var err error
	if refresh {
		snap, err = s.schemas.Refresh(ctx, lease.ConnectionID(), lease)
	} else {
		snap, err = s.schemas.Get(ctx, lease.ConnectionID(), lease)
	}
	if err != nil {
		return nil, s.boundary(err)
	}
	return snap, nil
}

// SchemaContext renders the connection's schema for a generator prompt
func (s *Service) SchemaContext(ctx context.Context, ownerID, connectionID string) (string, error) {
	rec, err := s.ResolveConnection(ctx, ownerID, connectionID)
	if err != nil {
		return "", err
	}
	lease, err := s.AcquireEngine(ctx, rec)
	if err != nil {
		return "", err
	}
	defer lease.Release()

	snap, err := s.GetSchema(ctx, lease, false)
	if err != nil {
		return "", err
	}
	return snap.Context(), nil
}

// EvaluatePolicy gates statements against policy. It performs no I/O and
// is deterministic for identical inputs.
func (s *Service) EvaluatePolicy(statements []string, snap *schema.Snapshot, policy gate.Policy, dialect base.Dialect) *gate.Decision {
	var gd gate.Dialect
	if dialect != nil {
		gd = gate.Dialect(dialect.Name())
	}
	d := s.gate.Evaluate(gate.Input{
		Statements: statements,
		Schema:     snap,
		Policy:     policy,
		Dialect:    gd,
	})
	s.metrics.observeDecision(d)
	return d
}

// Execute runs an allowed decision on the leased engine
func (s *Service) Execute(ctx context.Context, lease *registry.Lease, d *gate.Decision, timeout time.Duration) (*executor.Result, error) {
	start := s.now()
	res, err := s.executor.Execute(ctx, lease, d, timeout)
	if d != nil && d.Allowed {
		s.metrics.observeExecution(d.Kind(), s.now().Sub(start), err)
	}
	if err != nil {
		return nil, s.boundary(err)
	}
	return res, nil
}

// Explain returns the query plan for an allowed single read
func (s *Service) Explain(ctx context.Context, lease *registry.Lease, d *gate.Decision) (*executor.Result, error) {
	res, err := s.executor.Explain(ctx, lease, d)
	if err != nil {
		return nil, s.boundary(err)
	}
	return res, nil
}

// Run is the whole pipeline: resolve the connection, lease its engine,
// load the schema, gate the batch and, unless DryRun is set, execute it.
// A rejected batch returns the decision together with a PolicyViolation.
func (s *Service) Run(ctx context.Context, req Request) (*Response, error) {
	requestID := logger.RequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
		ctx = logger.WithRequestID(ctx, requestID)
	}
	start := s.now()
	resp := &Response{RequestID: requestID, ConnectionID: req.ConnectionID}
	ev := AuditEvent{
		RequestID:    requestID,
		Timestamp:    start.UTC(),
		OwnerID:      req.OwnerID,
		ConnectionID: req.ConnectionID,
		Statements:   []string{req.SQL},
	}

	err := s.run(ctx, req, resp, &ev)

	ev.ConnectionID = resp.ConnectionID
	ev.Elapsed = s.now().Sub(start)
	if err != nil {
		ev.ErrorKind = base.KindOf(err)
		ev.ErrorCode = base.CodeOf(err)
	}
	s.audit.Record(ctx, ev)
	return resp, err
}

func (s *Service) run(ctx context.Context, req Request, resp *Response, ev *AuditEvent) error {
	policy := s.policy
	if req.Policy != nil {
		policy = *req.Policy
	}

	rec, err := s.ResolveConnection(ctx, req.OwnerID, req.ConnectionID)
	if err != nil {
		return err
	}
	resp.ConnectionID = rec.ID

	lease, err := s.AcquireEngine(ctx, rec)
	if err != nil {
		return err
	}
	defer lease.Release()

	snap, err := s.GetSchema(ctx, lease, req.RefreshSchema)
	if err != nil {
		return err
	}

	d := s.EvaluatePolicy([]string{req.SQL}, snap, policy, lease.Dialect())
	resp.Decision = d
	ev.Allowed = d.Allowed
	ev.Rule = d.Rule()
	if len(d.Statements) > 0 {
		ev.Statements = d.SQL()
		ev.Kind = d.Kind().String()
	}
	if !d.Allowed {
		s.log.Info(rec.ID, resp.RequestID, "batch rejected", map[string]interface{}{
			"rule":       string(d.Rule()),
			"violations": len(d.Violations),
		})
		return s.boundary(d.Err())
	}
	for _, w := range d.Warnings {
		s.log.Warn(rec.ID, resp.RequestID, "policy warning", map[string]interface{}{"warning": w})
	}

	if req.Explain {
		plan, err := s.Explain(ctx, lease, d)
		if err != nil {
			return err
		}
		resp.Plan = plan
	}
	if req.DryRun {
		return nil
	}

	res, err := s.Execute(ctx, lease, d, req.Timeout)
	if err != nil {
		return err
	}
	resp.Result = res
	ev.Executed = true
	ev.RowCount = res.RowCount
	ev.RowsAffected = res.RowsAffected
	ev.Truncated = res.Truncated
	return nil
}

// TestConnection checks that an encrypted URI can be decrypted, is allowed
// and reaches its database. Nothing is cached.
func (s *Service) TestConnection(ctx context.Context, encryptedURI string) (bool, error) {
	ok, err := s.engines.Test(ctx, encryptedURI)
	if err != nil {
		return false, s.boundary(err)
	}
	return ok, nil
}

// InvalidateConnection drops the cached engine and schema snapshot for
// connectionID. Call it when a record is rotated or deleted.
func (s *Service) InvalidateConnection(ctx context.Context, connectionID string) bool {
	had := s.engines.Invalidate(connectionID)
	s.schemas.Invalidate(ctx, connectionID)
	s.fingerprints.Delete(connectionID)
	s.metrics.setEngines(s.engines.Len())
	return had
}

// Start runs background maintenance until ctx is done
func (s *Service) Start(ctx context.Context) {
	s.engines.StartSweeper(ctx)
}

// Engines lists the cached engines
func (s *Service) Engines() []registry.EngineInfo {
	return s.engines.Engines()
}

// Close retires every engine
func (s *Service) Close() {
	s.engines.Close()
	s.metrics.setEngines(0)
}

// boundary makes sure err is a *base.Error and counts it
func (s *Service) boundary(err error) error {
	if err == nil {
		return nil
	}
	if base.KindOf(err) == "" {
		kind := base.KindExecution
		code := "internal"
		switch {
		case base.IsContextDeadline(err):
			kind, code = base.KindExecutionTimeout, "timeout"
		case errors.Is(err, context.Canceled):
			code = "canceled"
		}
		err = base.NewError(component, "run", kind, code, base.SanitizeLogString(err.Error()), err)
	}
	s.metrics.observeError(err)
	return err
}
