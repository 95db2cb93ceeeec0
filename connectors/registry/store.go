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
	"sort"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"axonflow/querygate/connectors/base"
	"axonflow/querygate/shared/logger"
	"axonflow/querygate/shared/retry"
)

// ConnectionRecord is a stored connection. EncryptedURI is ciphertext and is
// only decrypted by the registry while it builds a pool.
type ConnectionRecord struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	DisplayName  string     `json:"display_name"`
	EncryptedURI string     `json:"-"`
	IsDefault    bool       `json:"is_default"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// RecordStore resolves connection records. Inactive records and records of
// other owners resolve as NotFound.
type RecordStore interface {
	Get(ctx context.Context, ownerID, connectionID string) (*ConnectionRecord, error)
	Default(ctx context.Context, ownerID string) (*ConnectionRecord, error)
	List(ctx context.Context, ownerID string) ([]*ConnectionRecord, error)
}

func notFound(op, message string) error {
	return base.NewError("records", op, base.KindNotFound, "connection_not_found", message, nil)
}

// PostgreSQLRecordStore reads the user_connections table. It never writes.
type PostgreSQLRecordStore struct {
	db     *sql.DB
	logger *logger.Logger
}

const recordColumns = `id::text, user_id::text, connection_name, connection_url, is_default, is_active, created_at, last_used_at`

const (
	getRecordQuery = `SELECT ` + recordColumns + ` FROM user_connections
WHERE id::text = $1 AND user_id::text = $2 AND is_active = TRUE`

	defaultRecordQuery = `SELECT ` + recordColumns + ` FROM user_connections
WHERE user_id::text = $1 AND is_default = TRUE AND is_active = TRUE
ORDER BY created_at DESC LIMIT 1`

	listRecordsQuery = `SELECT ` + recordColumns + ` FROM user_connections
WHERE user_id::text = $1 AND is_active = TRUE
ORDER BY connection_name`
)

// NewPostgreSQLRecordStore connects to the metadata database, retrying while
// DNS or the server are still coming up.
func NewPostgreSQLRecordStore(ctx context.Context, dbURL string, log *logger.Logger) (*PostgreSQLRecordStore, error) {
	if log == nil {
		log = logger.New("records")
	}

	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 4
	cfg.InitialInterval = time.Second
	cfg.MaxInterval = 8 * time.Second
	cfg.RetryIf = func(err error) bool {
		code, transient := base.ClassifyCommonError(err)
		return transient || code == "unknown_host"
	}
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("", "", "metadata database not reachable, retrying", map[string]interface{}{
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
			"error":   base.SanitizeLogString(err.Error()),
		})
	}

	db, err := retry.Do(ctx, cfg, func(ctx context.Context) (*sql.DB, error) {
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	})
	if err != nil {
		return nil, base.NewError("records", "connect", base.KindConnection, "metadata_unavailable",
			"could not connect to the connection metadata database", err)
	}

	log.Info("", "", "connection record store ready", nil)
	return NewPostgreSQLRecordStoreFromDB(db, log), nil
}

// NewPostgreSQLRecordStoreFromDB wraps an existing pool
func NewPostgreSQLRecordStoreFromDB(db *sql.DB, log *logger.Logger) *PostgreSQLRecordStore {
	if log == nil {
		log = logger.New("records")
	}
	return &PostgreSQLRecordStore{db: db, logger: log}
}

// Get returns an active record owned by ownerID
func (s *PostgreSQLRecordStore) Get(ctx context.Context, ownerID, connectionID string) (*ConnectionRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, getRecordQuery, connectionID, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get", "connection not found or inactive")
	}
	if err != nil {
		return nil, s.queryError("get", err)
	}
	return rec, nil
}

// Default returns the owner's active default connection
func (s *PostgreSQLRecordStore) Default(ctx context.Context, ownerID string) (*ConnectionRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, defaultRecordQuery, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("default", "no default connection found; add a database connection first")
	}
	if err != nil {
		return nil, s.queryError("default", err)
	}
	return rec, nil
}

// List returns the owner's active connections
func (s *PostgreSQLRecordStore) List(ctx context.Context, ownerID string) ([]*ConnectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, listRecordsQuery, ownerID)
	if err != nil {
		return nil, s.queryError("list", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ConnectionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, s.queryError("list", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.queryError("list", err)
	}
	return out, nil
}

// Close closes the metadata pool
func (s *PostgreSQLRecordStore) Close() error {
	return s.db.Close()
}

func (s *PostgreSQLRecordStore) queryError(op string, err error) error {
	code, transient := base.ClassifyCommonError(err)
	s.logger.Error("", "", "connection record query failed", map[string]interface{}{
		"op":    op,
		"error": base.SanitizeLogString(err.Error()),
	})
	e := base.NewError("records", op, base.KindConnection, code, "connection metadata lookup failed", err)
	e.Transient = transient
	return e
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ConnectionRecord, error) {
	var (
		rec      ConnectionRecord
		lastUsed sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.OwnerID, &rec.DisplayName, &rec.EncryptedURI,
		&rec.IsDefault, &rec.IsActive, &rec.CreatedAt, &lastUsed); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		rec.LastUsedAt = &t
	}
	return &rec, nil
}

// MemoryRecordStore keeps records in memory, for embedding and tests
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*ConnectionRecord
}

// NewMemoryRecordStore creates an empty store
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*ConnectionRecord)}
}

// Put inserts or replaces a record. Setting IsDefault clears the flag on
// the owner's other records.
func (s *MemoryRecordStore) Put(rec ConnectionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.IsDefault {
		for _, other := range s.records {
			if other.OwnerID == rec.OwnerID && other.ID != rec.ID {
				other.IsDefault = false
			}
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.records[rec.ID] = &rec
}

// Delete removes a record
func (s *MemoryRecordStore) Delete(connectionID string) {
	s.mu.Lock()
	delete(s.records, connectionID)
	s.mu.Unlock()
}

func (s *MemoryRecordStore) Get(_ context.Context, ownerID, connectionID string) (*ConnectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[connectionID]
	if !ok || rec.OwnerID != ownerID || !rec.IsActive {
		return nil, notFound("get", "connection not found or inactive")
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryRecordStore) Default(_ context.Context, ownerID string) (*ConnectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.OwnerID == ownerID && rec.IsDefault && rec.IsActive {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, notFound("default", "no default connection found; add a database connection first")
}

func (s *MemoryRecordStore) List(_ context.Context, ownerID string) ([]*ConnectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ConnectionRecord
	for _, rec := range s.records {
		if rec.OwnerID == ownerID && rec.IsActive {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out, nil
}
