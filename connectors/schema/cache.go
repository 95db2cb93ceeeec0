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

package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"axonflow/querygate/connectors/base"
	"axonflow/querygate/shared/logger"
)

const component = "schema"

// Target is the part of a pooled engine the cache needs. *registry.Lease
// satisfies it.
type Target interface {
	ConnectionID() string
	Dialect() base.Dialect
	DB() *sql.DB
}

// Store is a second-level snapshot store shared between replicas. Load
// returns (nil, nil) on a miss.
type Store interface {
	Load(ctx context.Context, connectionID string) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot, ttl time.Duration) error
	Delete(ctx context.Context, connectionID string) error
}

// CacheOptions bounds the cache and the introspection fan-out
type CacheOptions struct {
	TTL               time.Duration
	MaxEntries        int
	Concurrency       int
	IntrospectTimeout time.Duration
}

// DefaultCacheOptions returns the defaults used by the service
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		TTL:               10 * time.Minute,
		MaxEntries:        256,
		Concurrency:       4,
		IntrospectTimeout: 30 * time.Second,
	}
}

// CacheOption configures a Cache
type CacheOption func(*Cache)

// WithStore adds a shared second-level store
func WithStore(s Store) CacheOption {
	return func(c *Cache) { c.store = s }
}

// WithCacheLogger sets the cache logger
func WithCacheLogger(l *logger.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// Cache holds one snapshot per connection id. Snapshots are built off to
// the side and published whole, so readers never observe a partial build.
type Cache struct {
	opts   CacheOptions
	l1     *expirable.LRU[string, *Snapshot]
	store  Store
	logger *logger.Logger
	now    func() time.Time

	mu          sync.Mutex
	generations map[string]uint64

	flights singleflight.Group
}

// NewCache creates a cache
func NewCache(opts CacheOptions, options ...CacheOption) *Cache {
	def := DefaultCacheOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.IntrospectTimeout <= 0 {
		opts.IntrospectTimeout = def.IntrospectTimeout
	}

	c := &Cache{
		opts:        opts,
		l1:          expirable.NewLRU[string, *Snapshot](opts.MaxEntries, nil, opts.TTL),
		logger:      logger.New(component),
		now:         time.Now,
		generations: make(map[string]uint64),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Get returns the cached snapshot for connectionID, introspecting target on
// a miss. Concurrent misses for one connection share a single introspection.
func (c *Cache) Get(ctx context.Context, connectionID string, target Target) (*Snapshot, error) {
	if snap, ok := c.l1.Get(connectionID); ok {
		return snap, nil
	}
	return c.load(ctx, "get|", connectionID, target, true)
}

// Refresh re-introspects target and replaces the cached snapshot
func (c *Cache) Refresh(ctx context.Context, connectionID string, target Target) (*Snapshot, error) {
	return c.load(ctx, "refresh|", connectionID, target, false)
}

// Invalidate drops the snapshot from both levels. An introspection already
// running for connectionID finishes but is not cached.
func (c *Cache) Invalidate(ctx context.Context, connectionID string) {
	c.mu.Lock()
	c.generations[connectionID]++
	c.mu.Unlock()
	c.l1.Remove(connectionID)

	if c.store != nil {
		if err := c.store.Delete(ctx, connectionID); err != nil {
			c.logger.Warn(connectionID, "", "failed to delete shared schema snapshot", map[string]interface{}{
				"error": base.SanitizeLogString(err.Error()),
			})
		}
	}
}

// Len returns the number of snapshots held in memory
func (c *Cache) Len() int {
	return c.l1.Len()
}

func (c *Cache) generation(connectionID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[connectionID]
}

func (c *Cache) load(ctx context.Context, prefix, connectionID string, target Target, useStore bool) (*Snapshot, error) {
	gen := c.generation(connectionID)
	key := fmt.Sprintf("%s%s|%d", prefix, connectionID, gen)

	v, err, _ := c.flights.Do(key, func() (interface{}, error) {
		if useStore && c.store != nil {
			if snap := c.loadShared(ctx, connectionID); snap != nil {
				c.publish(connectionID, gen, snap, false)
				return snap, nil
			}
		}

		snap, err := c.introspect(ctx, connectionID, target)
		if err != nil {
			return nil, err
		}
		c.publish(connectionID, gen, snap, true)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (c *Cache) loadShared(ctx context.Context, connectionID string) *Snapshot {
	snap, err := c.store.Load(ctx, connectionID)
	if err != nil {
		c.logger.Warn(connectionID, "", "shared schema store unavailable, introspecting", map[string]interface{}{
			"error": base.SanitizeLogString(err.Error()),
		})
		return nil
	}
	if snap == nil || snap.Age(c.now()) > c.opts.TTL {
		return nil
	}
	return snap
}

// publish stores snap unless the connection was invalidated meanwhile
func (c *Cache) publish(connectionID string, gen uint64, snap *Snapshot, share bool) {
	if c.generation(connectionID) != gen {
		c.logger.Debug(connectionID, "", "schema invalidated during introspection; not caching", nil)
		return
	}
	c.l1.Add(connectionID, snap)

	if share && c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.store.Save(ctx, snap, c.opts.TTL); err != nil {
			c.logger.Warn(connectionID, "", "failed to share schema snapshot", map[string]interface{}{
				"error": base.SanitizeLogString(err.Error()),
			})
		}
	}
}

// introspect builds a new snapshot. A table that cannot be described is
// left out with a warning; failing to list tables, or to describe every
// one of them, is fatal.
func (c *Cache) introspect(ctx context.Context, connectionID string, target Target) (*Snapshot, error) {
	start := c.now()
	in, ok := target.Dialect().(Introspector)
	if !ok {
		return nil, base.NewError(component, "introspect", base.KindSchemaIntrospection, "unsupported_dialect",
			"schema introspection is not available for "+target.Dialect().Name(), nil)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.IntrospectTimeout)
	defer cancel()

	db := target.DB()
	names, err := in.ListTables(ctx, db)
	if err != nil {
		return nil, c.introspectionError(connectionID, target, "list_tables_failed", "could not list tables", err)
	}

	var current string
	var warnings []string
	if namer, ok := in.(SchemaNamer); ok {
		if current, err = namer.CurrentSchema(ctx, db); err != nil {
			warnings = append(warnings, "current schema unknown, qualified names will not resolve: "+
				base.SanitizeLogString(err.Error()))
		}
	}

	tables := make([]*Table, len(names))
	failures := make([]error, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, name := range names {
		g.Go(func() error {
			t, err := in.DescribeTable(gctx, db, name)
			if err != nil {
				failures[i] = err
				return nil
			}
			tables[i] = t
			return nil
		})
	}
	_ = g.Wait()

	var described []*Table
	for i, t := range tables {
		if t != nil {
			described = append(described, t)
			continue
		}
		warnings = append(warnings, fmt.Sprintf("table %s skipped: %s", names[i],
			base.SanitizeLogString(failures[i].Error())))
	}
	if len(names) > 0 && len(described) == 0 {
		return nil, c.introspectionError(connectionID, target, "all_tables_failed",
			"could not describe any table", failures[0])
	}

	snap := NewSnapshot(connectionID, described, c.now().UTC())
	snap.Schema = current
	snap.Warnings = warnings

	fields := map[string]interface{}{
		"tables":  len(described),
		"dialect": target.Dialect().Name(),
	}
	if len(warnings) > 0 {
		fields["warnings"] = len(warnings)
		c.logger.Warn(connectionID, "", "schema introspected with warnings", map[string]interface{}{
			"warnings": strings.Join(warnings, "; "),
		})
	}
	c.logger.InfoWithDuration(connectionID, "", "schema introspected",
		float64(c.now().Sub(start).Microseconds())/1000, fields)
	return snap, nil
}

func (c *Cache) introspectionError(connectionID string, target Target, code, message string, cause error) error {
	e := base.NewError(component, "introspect", base.KindSchemaIntrospection, code, message, cause)
	if cause != nil {
		if dc, transient := target.Dialect().ClassifyError(cause); dc != "" {
			e.Message = message + " (" + dc + ")"
			e.Transient = transient
		}
	}
	c.logger.ErrorWithKind(connectionID, "", "schema introspection failed", string(e.Kind), e, nil)
	return e
}
