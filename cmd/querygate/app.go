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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"axonflow/querygate/agent"
	"axonflow/querygate/agent/executor"
	"axonflow/querygate/connectors/base"
	"axonflow/querygate/connectors/config"
	"axonflow/querygate/connectors/credentials"
	_ "axonflow/querygate/connectors/mysql"
	_ "axonflow/querygate/connectors/postgres"
	"axonflow/querygate/connectors/registry"
	"axonflow/querygate/connectors/schema"
	_ "axonflow/querygate/connectors/sqlite"
	"axonflow/querygate/shared/logger"
)

// adhocConnectionID names the record built from --encrypted-uri
const adhocConnectionID = "adhoc"

// app is the wiring shared by every command that touches a database
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	cipher *credentials.Store
	svc    *agent.Service

	closers []func()
}

// loadBase reads configuration and the encryption key
func loadBase(ctx context.Context, opts *rootOptions, errOut io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, base.NewError("cli", "load", base.KindConfig, "invalid_log_level", err.Error(), err)
	}

	src, err := cfg.KeySource(ctx)
	if err != nil {
		return nil, err
	}
	cipher, err := credentials.Load(ctx, src)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: logger.NewWithWriter("querygate", level, errOut), cipher: cipher}
	a.log.Debug("", "", "encryption key loaded", map[string]interface{}{"source": src.Name(), "key_id": cipher.KeyID()})
	return a, nil
}

// newApp builds the full service. With encryptedURI set, connection
// records come from a single in-memory record owned by owner; otherwise
// from the configured records database.
func newApp(ctx context.Context, opts *rootOptions, errOut io.Writer, owner, encryptedURI string) (*app, error) {
	a, err := loadBase(ctx, opts, errOut)
	if err != nil {
		return nil, err
	}
	policy, err := a.cfg.DefaultPolicy()
	if err != nil {
		return nil, err
	}

	var records registry.RecordStore
	switch {
	case encryptedURI != "":
		mem := registry.NewMemoryRecordStore()
		mem.Put(registry.ConnectionRecord{
			ID:           adhocConnectionID,
			OwnerID:      owner,
			DisplayName:  "command line",
			EncryptedURI: encryptedURI,
			IsDefault:    true,
			IsActive:     true,
		})
		records = mem
	case a.cfg.Records.DatabaseURL != "":
		pg, err := registry.NewPostgreSQLRecordStore(ctx, a.cfg.Records.DatabaseURL, a.log.Named("records"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = pg.Close() })
		records = pg
	default:
		return nil, base.NewError("cli", "connect", base.KindConfig, "no_connection_source",
			"pass --encrypted-uri or configure records.database_url", nil)
	}

	cacheOpts := []schema.CacheOption{schema.WithCacheLogger(a.log.Named("schema"))}
	if url := a.cfg.Schema.RedisURL; url != "" {
		store, err := schema.NewRedisStore(ctx, url)
		if err != nil {
			a.log.Warn("", "", "shared schema store unavailable, using the local cache only", map[string]interface{}{
				"error": base.SanitizeLogString(err.Error()),
			})
		} else {
			a.closers = append(a.closers, func() { _ = store.Close() })
			cacheOpts = append(cacheOpts, schema.WithStore(store))
		}
	}

	audit := agent.NewAsyncAuditSink(agent.LogAuditSink{Logger: a.log.Named("audit")}, 64, 1)
	a.closers = append(a.closers, audit.Close)

	engines := registry.New(a.cipher, a.cfg.RegistryOptions(), registry.WithLogger(a.log.Named("registry")))
	a.svc = agent.New(
		records,
		engines,
		schema.NewCache(a.cfg.CacheOptions(), cacheOpts...),
		executor.New(a.cfg.ExecutorOptions(), executor.WithLogger(a.log)),
		agent.WithLogger(a.log.Named("agent")),
		agent.WithDefaultPolicy(policy),
		agent.WithAuditSink(audit),
	)
	a.closers = append(a.closers, a.svc.Close)
	return a, nil
}

// Close releases everything in reverse order of creation
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.log.Sync()
}

type errorOutput struct {
	Kind     base.Kind `json:"kind"`
	Code     string    `json:"code,omitempty"`
	Message  string    `json:"message"`
	Audience string    `json:"audience"`
}

func describeError(err error) *errorOutput {
	var be *base.Error
	if errors.As(err, &be) {
		return &errorOutput{Kind: be.Kind, Code: be.Code, Message: be.Message, Audience: be.Audience()}
	}
	return &errorOutput{Kind: "Unknown", Message: base.SanitizeLogString(err.Error()), Audience: "Unexpected error."}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
