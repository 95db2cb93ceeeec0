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

// Package retry runs an operation again after transient failures using
// exponential backoff with jitter.
package retry

import (
	"context"
	"math/rand"
	"time"

	"axonflow/querygate/connectors/base"
)

// Config configures retry behavior
type Config struct {
	MaxRetries      int              // Retries after the first attempt
	InitialInterval time.Duration    // Wait before the first retry
	MaxInterval     time.Duration    // Upper bound for any wait
	Multiplier      float64          // Backoff multiplier
	Jitter          float64          // Jitter factor (0-1)
	RetryIf         func(error) bool // Retry condition
	OnRetry         func(attempt int, err error, wait time.Duration)
}

// DefaultConfig retries once, and only for pool exhaustion and transient
// connection failures.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:      1,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.2,
		RetryIf:         base.IsRetryable,
	}
}

// Do executes fn, retrying per cfg. The last error is returned unchanged so
// callers keep its *base.Error kind.
func Do[T any](ctx context.Context, cfg *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg == nil {
		cfg = DefaultConfig()
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = base.IsRetryable
	}

	interval := cfg.InitialInterval
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= cfg.MaxRetries || !retryIf(err) {
			return zero, err
		}

		wait := interval
		if cfg.Jitter > 0 {
			wait += time.Duration(float64(wait) * cfg.Jitter * (rand.Float64()*2 - 1))
		}
		if cfg.MaxInterval > 0 && wait > cfg.MaxInterval {
			wait = cfg.MaxInterval
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}

		interval = time.Duration(float64(interval) * cfg.Multiplier)
		if cfg.MaxInterval > 0 && interval > cfg.MaxInterval {
			interval = cfg.MaxInterval
		}
	}
}
