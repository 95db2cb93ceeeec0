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
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vmihailenco/msgpack/v5"
)

const defaultKeyPrefix = "querygate:schema:"

// RedisStore shares snapshots between replicas as msgpack blobs
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL (redis://host:port/db) and pings it
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreFromClient(client, ""), nil
}

// NewRedisStoreFromClient wraps an existing client. An empty prefix uses
// the default key namespace.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(connectionID string) string {
	return s.prefix + connectionID
}

// Load returns the shared snapshot or nil on a miss
func (s *RedisStore) Load(ctx context.Context, connectionID string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(connectionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		// A blob we cannot decode is treated as a miss and overwritten later
		return nil, nil
	}
	if snap.Tables == nil {
		snap.Tables = make(map[string]*Table)
	}
	return &snap, nil
}

// Save stores snap with the given expiry
func (s *RedisStore) Save(ctx context.Context, snap *Snapshot, ttl time.Duration) error {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(snap.ConnectionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Delete removes the shared snapshot
func (s *RedisStore) Delete(ctx context.Context, connectionID string) error {
	if err := s.client.Del(ctx, s.key(connectionID)).Err(); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
