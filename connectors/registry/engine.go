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

package registry

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"axonflow/querygate/connectors/base"
)

// Engine is a pooled database handle for one connection id. The registry
// owns every Engine; callers only ever see a Lease.
type Engine struct {
	id          string
	fingerprint string
	dialect     base.Dialect
	db          *sql.DB
	createdAt   time.Time

	acquireTimeout time.Duration
	maxOpen        int

	// guarded by Registry.mu
	refs     int
	lastUsed time.Time
	retired  bool
	closed   bool

	closeOnce sync.Once
}

func (e *Engine) close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.db.Close()
	})
	return err
}

// Lease is a borrowed reference to an Engine. It must be released exactly
// once; the pool stays open until every lease on a retired engine is gone.
type Lease struct {
	engine   *Engine
	registry *Registry
	released atomic.Bool
}

// ConnectionID returns the id the engine was acquired for
func (l *Lease) ConnectionID() string { return l.engine.id }

// Fingerprint identifies the credentials the engine was built from
func (l *Lease) Fingerprint() string { return l.engine.fingerprint }

// Dialect returns the engine's dialect
func (l *Lease) Dialect() base.Dialect { return l.engine.dialect }

// DB exposes the pool for read-only helpers such as schema introspection
func (l *Lease) DB() *sql.DB { return l.engine.db }

// Stats reports pool statistics
func (l *Lease) Stats() sql.DBStats { return l.engine.db.Stats() }

// Conn checks out one physical connection, waiting at most the configured
// acquire timeout. A wait that ends because every connection is busy is
// reported as PoolExhausted; callers must Close the connection.
func (l *Lease) Conn(ctx context.Context) (*sql.Conn, error) {
	if l.released.Load() {
		return nil, base.NewError(component, "conn", base.KindConfig, "lease_released", "engine lease already released", nil)
	}

	acquireCtx := ctx
	if l.engine.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, l.engine.acquireTimeout)
		defer cancel()
	}

	conn, err := l.engine.db.Conn(acquireCtx)
	if err == nil {
		return conn, nil
	}

	if ctx.Err() != nil {
		// The caller's own deadline fired; let it classify the failure.
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if l.engine.maxOpen > 0 && l.engine.db.Stats().InUse >= l.engine.maxOpen {
			return nil, base.NewError(component, "conn", base.KindPoolExhausted, "wait_timeout",
				"all connections to the database are busy", err)
		}
		return nil, base.NewTransientError(component, "conn", base.KindConnection, "connect_timeout",
			"timed out connecting to the database", err)
	}
	code, transient := l.engine.dialect.ClassifyError(err)
	e := base.NewError(component, "conn", base.KindConnection, code, "could not open a database connection", err)
	e.Transient = transient
	return nil, e
}

// Release returns the lease. Calling it more than once is a no-op.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.registry.release(l.engine)
}

// Same reports whether two leases point at the same pool
func (l *Lease) Same(other *Lease) bool {
	return other != nil && l.engine == other.engine
}
