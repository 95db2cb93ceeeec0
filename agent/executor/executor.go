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

package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"axonflow/querygate/agent/gate"
	"axonflow/querygate/connectors/base"
	"axonflow/querygate/shared/logger"
)

const component = "executor"

// Engine is the pool an accepted statement runs on. *registry.Lease
// satisfies it.
type Engine interface {
	ConnectionID() string
	Dialect() base.Dialect
	Conn(ctx context.Context) (*sql.Conn, error)
}

// readOnlyFence is implemented by dialects that cannot open read-only
// transactions but can switch a session into read-only mode
type readOnlyFence interface {
	ReadOnlyPragmas() (on, off string)
}

// Options bounds every execution
type Options struct {
	MaxRows        int
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// DefaultOptions returns the built-in execution limits
func DefaultOptions() Options {
	return Options{
		MaxRows:        1000,
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     5 * time.Minute,
	}
}

// Column describes one result column
type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// StatementSummary reports what one statement of a batch did
type StatementSummary struct {
	Index        int                `json:"index"`
	Kind         gate.OperationKind `json:"kind"`
	RowsAffected int64              `json:"rows_affected"`
	RowCount     int                `json:"row_count"`
}

// Result is the normalized outcome of an execution. Columns and Rows hold
// the last row set produced by the batch.
type Result struct {
	Columns      []Column           `json:"columns"`
	Rows         [][]any            `json:"rows"`
	RowCount     int                `json:"row_count"`
	RowsAffected int64              `json:"rows_affected"`
	Elapsed      time.Duration      `json:"elapsed"`
	Truncated    bool               `json:"truncated"`
	Statements   []StatementSummary `json:"statements"`
}

// Option configures an Executor
type Option func(*Executor)

// WithLogger sets the executor logger
func WithLogger(l *logger.Logger) Option {
	return func(x *Executor) { x.log = l.Named(component) }
}

// WithClock overrides the time source used for elapsed time
func WithClock(now func() time.Time) Option {
	return func(x *Executor) { x.now = now }
}

// Executor runs statements a policy decision has accepted
type Executor struct {
	opts Options
	log  *logger.Logger
	now  func() time.Time
}

// New creates an executor. Zero option fields take their defaults.
func New(opts Options, options ...Option) *Executor {
	def := DefaultOptions()
	if opts.MaxRows <= 0 {
		opts.MaxRows = def.MaxRows
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = def.DefaultTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = def.MaxTimeout
	}
	if opts.MaxTimeout < opts.DefaultTimeout {
		opts.MaxTimeout = opts.DefaultTimeout
	}
	x := &Executor{opts: opts, log: logger.Nop(), now: time.Now}
	for _, o := range options {
		o(x)
	}
	return x
}

// Options returns the effective limits
func (x *Executor) Options() Options {
	return x.opts
}

// Timeout clamps a requested timeout to the configured bounds. Zero or
// negative selects the default.
func (x *Executor) Timeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return x.opts.DefaultTimeout
	}
	if requested > x.opts.MaxTimeout {
		return x.opts.MaxTimeout
	}
	return requested
}

// Execute runs an allowed decision on eng.
//
// A batch consisting only of reads runs in order in a read-only
// transaction that is always rolled back. Anything else runs every
// statement in order inside a single transaction that commits only when
// all of them succeed. The whole
// call is bounded by timeout; expiry rolls back and returns
// ExecutionTimeout.
func (x *Executor) Execute(ctx context.Context, eng Engine, d *gate.Decision, timeout time.Duration) (*Result, error) {
	if err := checkDecision(d); err != nil {
		return nil, err
	}

	connID := eng.ConnectionID()
	reqID := logger.RequestID(ctx)
	timeout = x.Timeout(timeout)
	start := x.now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := eng.Conn(ctx)
	if err != nil {
		return nil, x.fail(ctx, connID, reqID, "execute", eng.Dialect(), -1, timeout, err)
	}
	defer conn.Close()

	var res *Result
	var failed int
	if d.ReadOnly() {
		res, failed, err = x.read(ctx, conn, eng.Dialect(), d.Statements, "")
	} else {
		res, failed, err = x.write(ctx, conn, d.Statements)
	}
	if err != nil {
		return nil, x.fail(ctx, connID, reqID, "execute", eng.Dialect(), failed, timeout, err)
	}

	res.Elapsed = x.now().Sub(start)
	x.log.InfoWithDuration(connID, reqID, "statements executed", float64(res.Elapsed.Microseconds())/1000, map[string]interface{}{
		"kind":          d.Kind().String(),
		"statements":    len(d.Statements),
		"row_count":     res.RowCount,
		"rows_affected": res.RowsAffected,
		"truncated":     res.Truncated,
	})
	return res, nil
}

// Explain returns the target's query plan for a decision holding a single
// read. The plan runs under the same read-only fence as the read itself.
func (x *Executor) Explain(ctx context.Context, eng Engine, d *gate.Decision) (*Result, error) {
	if err := checkDecision(d); err != nil {
		return nil, err
	}
	if len(d.Statements) != 1 || d.Statements[0].Kind != gate.OpRead {
		return nil, base.NewError(component, "explain", base.KindPolicyViolation, "explain_requires_read",
			"only a single read statement can be explained", nil)
	}

	connID := eng.ConnectionID()
	reqID := logger.RequestID(ctx)
	timeout := x.opts.DefaultTimeout
	start := x.now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := eng.Conn(ctx)
	if err != nil {
		return nil, x.fail(ctx, connID, reqID, "explain", eng.Dialect(), -1, timeout, err)
	}
	defer conn.Close()

	res, failed, err := x.read(ctx, conn, eng.Dialect(), d.Statements, eng.Dialect().ExplainPrefix())
	if err != nil {
		return nil, x.fail(ctx, connID, reqID, "explain", eng.Dialect(), failed, timeout, err)
	}
	res.Elapsed = x.now().Sub(start)
	x.log.Debug(connID, reqID, "plan explained", map[string]interface{}{"row_count": res.RowCount})
	return res, nil
}

func checkDecision(d *gate.Decision) error {
	if d == nil {
		return base.NewError(component, "execute", base.KindPolicyViolation, "no_decision",
			"statements must pass policy evaluation before execution", nil)
	}
	if !d.Allowed {
		return d.Err()
	}
	if len(d.Statements) == 0 {
		return base.NewError(component, "execute", base.KindPolicyViolation, "empty_statement",
			"no statements to execute", nil)
	}
	return nil
}

// read runs read statements in order, each optionally behind prefix
// (EXPLAIN), in one transaction that is never committed. Like write it
// returns the index of the failed statement, or -1.
func (x *Executor) read(ctx context.Context, conn *sql.Conn, dialect base.Dialect, stmts []gate.Statement, prefix string) (*Result, int, error) {
	opts := &sql.TxOptions{ReadOnly: dialect.SupportsReadOnlyTx()}
	if !opts.ReadOnly {
		if fence, ok := dialect.(readOnlyFence); ok {
			on, off := fence.ReadOnlyPragmas()
			if _, err := conn.ExecContext(ctx, on); err != nil {
				return nil, -1, fmt.Errorf("enable read-only session: %w", err)
			}
			defer x.lift(conn, off)
		}
	}

	tx, err := conn.BeginTx(ctx, opts)
	if err != nil {
		return nil, -1, err
	}
	defer tx.Rollback() //nolint:errcheck // reads are never committed

	res := &Result{Statements: make([]StatementSummary, 0, len(stmts))}
	for i, st := range stmts {
		rows, err := tx.QueryContext(ctx, prefix+st.SQL)
		if err != nil {
			return nil, i, err
		}
		set := &Result{}
		if err := x.collect(rows, set); err != nil {
			return nil, i, err
		}
		res.Columns, res.Rows, res.RowCount = set.Columns, set.Rows, set.RowCount
		res.Truncated = set.Truncated
		res.Statements = append(res.Statements, StatementSummary{Index: st.Index, Kind: st.Kind, RowCount: set.RowCount})
	}
	return res, -1, nil
}

// lift turns the read-only session mode off again. It runs after the
// request context may have expired, so it gets its own short deadline. A
// connection that cannot be reset is discarded rather than returned to the
// pool read-only.
func (x *Executor) lift(conn *sql.Conn, off string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(ctx, off); err == nil {
		return
	}
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
}

// write runs the batch in one transaction. It returns the index of the
// statement that failed, or -1 when the failure is not tied to one.
func (x *Executor) write(ctx context.Context, conn *sql.Conn, stmts []gate.Statement) (*Result, int, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, -1, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res := &Result{Statements: make([]StatementSummary, 0, len(stmts))}
	for i, st := range stmts {
		summary := StatementSummary{Index: st.Index, Kind: st.Kind}
		if returnsRows(st) {
			rows, err := tx.QueryContext(ctx, st.SQL)
			if err != nil {
				return nil, i, err
			}
			set := &Result{}
			if err := x.collect(rows, set); err != nil {
				return nil, i, err
			}
			res.Columns, res.Rows, res.RowCount = set.Columns, set.Rows, set.RowCount
			res.Truncated = set.Truncated
			summary.RowCount = set.RowCount
			if st.Kind.IsWrite() {
				summary.RowsAffected = int64(set.RowCount)
			}
		} else {
			r, err := tx.ExecContext(ctx, st.SQL)
			if err != nil {
				return nil, i, err
			}
			// DDL reports no affected rows on most drivers
			if n, err := r.RowsAffected(); err == nil {
				summary.RowsAffected = n
			}
		}
		res.RowsAffected += summary.RowsAffected
		res.Statements = append(res.Statements, summary)
	}

	if err := tx.Commit(); err != nil {
		return nil, -1, err
	}
	committed = true
	return res, -1, nil
}

// returnsRows reports statements that must be run as queries: reads, and
// writes with a RETURNING clause
func returnsRows(st gate.Statement) bool {
	if st.Kind == gate.OpRead {
		return true
	}
	return strings.Contains(st.Skeleton, " RETURNING ")
}

// collect drains rows into res, keeping at most MaxRows
func (x *Executor) collect(rows *sql.Rows, res *Result) error {
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return err
	}
	res.Columns = make([]Column, len(names))
	for i, name := range names {
		res.Columns[i] = Column{Name: name}
		if i < len(types) && types[i] != nil {
			res.Columns[i].Type = strings.ToUpper(types[i].DatabaseTypeName())
		}
	}

	res.Rows = make([][]any, 0)
	for rows.Next() {
		if len(res.Rows) >= x.opts.MaxRows {
			res.Truncated = true
			break
		}
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, v := range values {
			values[i] = convertValue(v)
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	res.RowCount = len(res.Rows)
	return nil
}

// convertValue normalizes driver values for serialization
func convertValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return v
	}
}

// fail converts a driver or pool error into the boundary taxonomy and
// logs it. A deadline on ctx always wins, whatever error the driver
// surfaced for the interruption.
func (x *Executor) fail(ctx context.Context, connID, reqID, op string, dialect base.Dialect, stmt int, timeout time.Duration, err error) error {
	var out *base.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		out = base.NewError(component, op, base.KindExecutionTimeout, "timeout",
			fmt.Sprintf("execution exceeded %s and was rolled back", timeout), err)
	case errors.As(err, &out):
		// already classified by the pool
	default:
		code, transient := dialect.ClassifyError(err)
		msg := base.SanitizeLogString(err.Error())
		if stmt >= 0 {
			msg = fmt.Sprintf("statement %d: %s", stmt+1, msg)
		}
		out = base.NewError(component, op, base.KindExecution, code, msg, err)
		out.Transient = transient
	}

	x.log.ErrorWithKind(connID, reqID, "execution failed", string(out.Kind), out, map[string]interface{}{
		"code": out.Code,
	})
	return out
}
