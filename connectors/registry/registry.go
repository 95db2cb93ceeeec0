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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"axonflow/querygate/connectors/base"
	"axonflow/querygate/connectors/credentials"
	"axonflow/querygate/shared/logger"
)

const component = "registry"

// Decrypter opens stored connection URIs. *credentials.Store implements it.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Options bounds every pool the registry builds
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
	AcquireTimeout  time.Duration

	// IdleTTL evicts engines nobody has leased for this long
	IdleTTL       time.Duration
	SweepInterval time.Duration

	// AllowedDrivers restricts dialect names; empty allows every registered dialect
	AllowedDrivers  []string
	ApplicationName string
}

// DefaultOptions mirrors a pool of 5 with 10 overflow connections
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    15,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
		AcquireTimeout:  5 * time.Second,
		IdleTTL:         30 * time.Minute,
		SweepInterval:   time.Minute,
		ApplicationName: "querygate",
	}
}

// OpenFunc opens a pool; sql.Open by default
type OpenFunc func(driverName, dsn string) (*sql.DB, error)

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the registry logger
func WithLogger(l *logger.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithOpener replaces sql.Open, typically with a sqlmock opener in tests
func WithOpener(open OpenFunc) Option {
	return func(r *Registry) { r.open = open }
}

// WithClock overrides time.Now for idle-eviction tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry caches one pool per connection id.
//
// An entry is replaced when the stored ciphertext changes, and dropped on
// Invalidate. Retired engines stay open until their last lease is released.
type Registry struct {
	cipher Decrypter
	opts   Options
	open   OpenFunc
	now    func() time.Time
	logger *logger.Logger

	mu          sync.Mutex
	entries     map[string]*Engine
	generations map[string]uint64
	closed      bool

	builds singleflight.Group
}

// New creates a registry
func New(cipher Decrypter, opts Options, options ...Option) *Registry {
	r := &Registry{
		cipher:      cipher,
		opts:        opts,
		open:        sql.Open,
		now:         time.Now,
		logger:      logger.New(component),
		entries:     make(map[string]*Engine),
		generations: make(map[string]uint64),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Acquire returns a lease on the engine for connectionID, building it from
// encryptedURI when there is no live engine or the ciphertext has changed.
func (r *Registry) Acquire(ctx context.Context, connectionID, encryptedURI string) (*Lease, error) {
	if connectionID == "" {
		return nil, base.NewError(component, "acquire", base.KindConfig, "missing_connection_id", "connection id is required", nil)
	}
	fp := credentials.Fingerprint(encryptedURI)

	for attempt := 0; attempt < 3; attempt++ {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, base.NewError(component, "acquire", base.KindConfig, "registry_closed", "registry is closed", nil)
		}
		if e, ok := r.entries[connectionID]; ok {
			if e.fingerprint == fp {
				lease := r.leaseLocked(e)
				r.mu.Unlock()
				return lease, nil
			}
			// Credentials rotated underneath us
			toClose := r.retireLocked(connectionID, e)
			r.mu.Unlock()
			r.closeEngine(toClose, "credentials changed")
			r.mu.Lock()
		}
		gen := r.generations[connectionID]
		r.mu.Unlock()

		key := fmt.Sprintf("%s|%s|%d", connectionID, fp, gen)
		v, err, _ := r.builds.Do(key, func() (interface{}, error) {
			return r.build(ctx, connectionID, encryptedURI, fp, gen)
		})
		if err != nil {
			return nil, err
		}

		e := v.(*Engine)
		r.mu.Lock()
		if e.closed {
			// Invalidated and closed between build and lease; build again
			r.mu.Unlock()
			continue
		}
		lease := r.leaseLocked(e)
		r.mu.Unlock()
		return lease, nil
	}
	return nil, base.NewTransientError(component, "acquire", base.KindConnection, "engine_churn",
		"engine was invalidated repeatedly while being acquired", nil)
}

func (r *Registry) leaseLocked(e *Engine) *Lease {
	e.refs++
	e.lastUsed = r.now()
	return &Lease{engine: e, registry: r}
}

// build opens and pings a new pool. It runs detached from the caller's
// cancellation because other callers may be waiting on the same build.
func (r *Registry) build(ctx context.Context, connectionID, encryptedURI, fp string, gen uint64) (*Engine, error) {
	plain, err := r.cipher.Decrypt(encryptedURI)
	if err != nil {
		return nil, err
	}
	u, d, err := base.ParseURI(plain)
	if err != nil {
		return nil, err
	}
	if err := r.checkAllowed(d); err != nil {
		return nil, err
	}
	dsn, err := d.BuildDSN(u, base.DSNOptions{
		ConnectTimeout:  r.opts.ConnectTimeout,
		ApplicationName: r.opts.ApplicationName,
	})
	if err != nil {
		return nil, err
	}

	db, err := r.open(d.DriverName(), dsn)
	if err != nil {
		return nil, base.NewError(component, "acquire", base.KindConfig, "open_failed", "driver rejected the connection settings", err)
	}
	r.configurePool(db)

	pingCtx := context.WithoutCancel(ctx)
	if r.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(pingCtx, r.opts.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		code, transient := d.ClassifyError(err)
		e := base.NewError(component, "acquire", base.KindConnection, code, "could not connect to "+d.Name()+" database", err)
		e.Transient = transient
		r.logger.ErrorWithKind(connectionID, "", "engine ping failed", string(base.KindConnection), e, nil)
		return nil, e
	}

	now := r.now()
	e := &Engine{
		id:             connectionID,
		fingerprint:    fp,
		dialect:        d,
		db:             db,
		createdAt:      now,
		lastUsed:       now,
		acquireTimeout: r.opts.AcquireTimeout,
		maxOpen:        r.opts.MaxOpenConns,
	}

	r.mu.Lock()
	var displaced *Engine
	switch {
	case r.closed || r.generations[connectionID] != gen:
		// Invalidated while we were connecting. Hand the engine out once,
		// but never cache it.
		e.retired = true
	default:
		if old, ok := r.entries[connectionID]; ok {
			displaced = r.retireLocked(connectionID, old)
		}
		r.entries[connectionID] = e
	}
	r.mu.Unlock()
	r.closeEngine(displaced, "replaced")

	r.logger.Info(connectionID, "", "engine created", map[string]interface{}{
		"dialect":  d.Name(),
		"max_open": r.opts.MaxOpenConns,
		"cached":   !e.retired,
	})
	return e, nil
}

func (r *Registry) configurePool(db *sql.DB) {
	if r.opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(r.opts.MaxOpenConns)
	}
	if r.opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(r.opts.MaxIdleConns)
	}
	if r.opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(r.opts.ConnMaxLifetime)
	}
	if r.opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(r.opts.ConnMaxIdleTime)
	}
}

func (r *Registry) checkAllowed(d base.Dialect) error {
	if len(r.opts.AllowedDrivers) == 0 {
		return nil
	}
	for _, name := range r.opts.AllowedDrivers {
		if strings.EqualFold(name, d.Name()) {
			return nil
		}
	}
	return base.NewError(component, "acquire", base.KindConfig, "driver_not_allowed",
		"database type "+d.Name()+" is not enabled", nil)
}

// retireLocked removes e from the map and returns it if it can be closed now
func (r *Registry) retireLocked(connectionID string, e *Engine) *Engine {
	if r.entries[connectionID] == e {
		delete(r.entries, connectionID)
	}
	r.generations[connectionID]++
	e.retired = true
	if e.refs == 0 && !e.closed {
		e.closed = true
		return e
	}
	return nil
}

func (r *Registry) closeEngine(e *Engine, reason string) {
	if e == nil {
		return
	}
	if err := e.close(); err != nil {
		r.logger.Warn(e.id, "", "error closing engine", map[string]interface{}{
			"error": base.SanitizeLogString(err.Error()),
		})
	}
	r.logger.Info(e.id, "", "engine closed", map[string]interface{}{"reason": reason})
}

func (r *Registry) release(e *Engine) {
	r.mu.Lock()
	e.refs--
	e.lastUsed = r.now()
	var toClose *Engine
	if e.refs <= 0 && e.retired && !e.closed {
		e.closed = true
		toClose = e
	}
	r.mu.Unlock()
	r.closeEngine(toClose, "released after retirement")
}

// Invalidate drops the engine for connectionID. In-flight leases keep
// working; the pool closes when the last one is released. It reports
// whether an engine was cached.
func (r *Registry) Invalidate(connectionID string) bool {
	r.mu.Lock()
	e, ok := r.entries[connectionID]
	var toClose *Engine
	if ok {
		toClose = r.retireLocked(connectionID, e)
	} else {
		r.generations[connectionID]++
	}
	r.mu.Unlock()

	r.closeEngine(toClose, "invalidated")
	if ok {
		r.logger.Info(connectionID, "", "engine invalidated", nil)
	}
	return ok
}

// Test opens a throwaway pool for encryptedURI, pings it and closes it.
// Malformed or disallowed URIs fail with ConfigError, undecryptable ones
// with DecryptionError, and unreachable databases with ConnectionError.
func (r *Registry) Test(ctx context.Context, encryptedURI string) (bool, error) {
	plain, err := r.cipher.Decrypt(encryptedURI)
	if err != nil {
		return false, err
	}
	u, d, err := base.ParseURI(plain)
	if err != nil {
		return false, err
	}
	if err := r.checkAllowed(d); err != nil {
		return false, err
	}
	dsn, err := d.BuildDSN(u, base.DSNOptions{
		ConnectTimeout:  r.opts.ConnectTimeout,
		ApplicationName: r.opts.ApplicationName,
	})
	if err != nil {
		return false, err
	}

	db, err := r.open(d.DriverName(), dsn)
	if err != nil {
		return false, base.NewError(component, "test", base.KindConfig, "open_failed", "driver rejected the connection settings", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	if r.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		code, transient := d.ClassifyError(err)
		e := base.NewError(component, "test", base.KindConnection, code, "could not connect to "+d.Name()+" database", err)
		e.Transient = transient
		return false, e
	}
	return true, nil
}

// Sweep closes engines that have had no lease for longer than IdleTTL and
// returns how many were evicted. Engines with active leases are skipped.
func (r *Registry) Sweep(now time.Time) int {
	if r.opts.IdleTTL <= 0 {
		return 0
	}
	var evicted []*Engine
	r.mu.Lock()
	for id, e := range r.entries {
		if e.refs == 0 && now.Sub(e.lastUsed) > r.opts.IdleTTL {
			if c := r.retireLocked(id, e); c != nil {
				evicted = append(evicted, c)
			}
		}
	}
	r.mu.Unlock()

	for _, e := range evicted {
		r.closeEngine(e, "idle")
	}
	return len(evicted)
}

// StartSweeper runs Sweep every SweepInterval until ctx is done
func (r *Registry) StartSweeper(ctx context.Context) {
	interval := r.opts.SweepInterval
	if interval <= 0 || r.opts.IdleTTL <= 0 {
		r.logger.Info("", "", "idle engine sweeper disabled", nil)
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Sweep(r.now()); n > 0 {
					r.logger.Info("", "", "evicted idle engines", map[string]interface{}{"count": n})
				}
			}
		}
	}()
}

// Len returns the number of cached engines
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EngineInfo summarizes one cached engine
type EngineInfo struct {
	ConnectionID string
	Dialect      string
	Leases       int
	CreatedAt    time.Time
	LastUsed     time.Time
	Stats        sql.DBStats
}

// Engines lists cached engines sorted by connection id
func (r *Registry) Engines() []EngineInfo {
	r.mu.Lock()
	infos := make([]EngineInfo, 0, len(r.entries))
	for id, e := range r.entries {
		infos = append(infos, EngineInfo{
			ConnectionID: id,
			Dialect:      e.dialect.Name(),
			Leases:       e.refs,
			CreatedAt:    e.createdAt,
			LastUsed:     e.lastUsed,
			Stats:        e.db.Stats(),
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectionID < infos[j].ConnectionID })
	return infos
}

// Close retires every engine. Idle pools close immediately, leased ones on
// release. Acquire fails afterwards.
func (r *Registry) Close() {
	var toClose []*Engine
	r.mu.Lock()
	r.closed = true
	for id, e := range r.entries {
		if c := r.retireLocked(id, e); c != nil {
			toClose = append(toClose, c)
		}
	}
	r.mu.Unlock()

	for _, e := range toClose {
		r.closeEngine(e, "registry closed")
	}
}
