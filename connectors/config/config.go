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

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"axonflow/querygate/agent/executor"
	"axonflow/querygate/agent/gate"
	"axonflow/querygate/connectors/base"
	"axonflow/querygate/connectors/credentials"
	"axonflow/querygate/connectors/registry"
	"axonflow/querygate/connectors/schema"
)

// DefaultKeyEnv is read for the encryption key when no other source is set
const DefaultKeyEnv = "QUERYGATE_ENCRYPTION_KEY"

// Config is the engine configuration file
type Config struct {
	Encryption EncryptionConfig `yaml:"encryption"`
	Pool       PoolConfig       `yaml:"pool"`
	Registry   RegistryConfig   `yaml:"registry"`
	Schema     SchemaConfig     `yaml:"schema"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Policy     PolicyConfig     `yaml:"policy"`
	Records    RecordsConfig    `yaml:"records"`
	Log        LogConfig        `yaml:"log"`
}

// EncryptionConfig selects where the credential key comes from. Exactly one
// of KeyFile, AWSSecretID or KeyEnv is used, in that order of preference.
type EncryptionConfig struct {
	KeyEnv         string `yaml:"key_env"`
	KeyFile        string `yaml:"key_file"`
	AWSSecretID    string `yaml:"aws_secret_id"`
	AWSRegion      string `yaml:"aws_region"`
	AWSSecretField string `yaml:"aws_secret_field"`
	AWSEndpoint    string `yaml:"aws_endpoint" validate:"omitempty,url"`
	Derive         bool   `yaml:"derive"`

	// Static AWS credentials; usually ${VAR} references
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`
}

// PoolConfig bounds each target database pool
type PoolConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=1,max=500"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"min=0,ltefield=MaxOpenConns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"min=0"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" validate:"min=0"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" validate:"min=0"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout" validate:"min=0"`
}

type RegistryConfig struct {
	AllowedDrivers  []string      `yaml:"allowed_drivers" validate:"dive,oneof=postgres mysql sqlite"`
	IdleTTL         time.Duration `yaml:"idle_ttl" validate:"min=0"`
	SweepInterval   time.Duration `yaml:"sweep_interval" validate:"min=0"`
	ApplicationName string        `yaml:"application_name" validate:"max=63"`
}

type SchemaConfig struct {
	TTL               time.Duration `yaml:"ttl" validate:"min=0"`
	MaxEntries        int           `yaml:"max_entries" validate:"min=1"`
	Concurrency       int           `yaml:"concurrency" validate:"min=1,max=64"`
	IntrospectTimeout time.Duration `yaml:"introspect_timeout" validate:"min=0"`

	// RedisURL enables the shared snapshot store when set
	RedisURL string `yaml:"redis_url" validate:"omitempty,url"`
}

type ExecutionConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gt=0"`
	MaxTimeout     time.Duration `yaml:"max_timeout" validate:"gtefield=DefaultTimeout"`
	MaxRows        int           `yaml:"max_rows" validate:"min=1,max=1000000"`
}

// PolicyConfig is the default policy applied when a request carries none
type PolicyConfig struct {
	Mode                string `yaml:"mode" validate:"required,oneof=enforce permissive"`
	AllowWrite          bool   `yaml:"allow_write"`
	AllowDelete         bool   `yaml:"allow_delete"`
	AllowDDL            bool   `yaml:"allow_ddl"`
	AllowMultiStatement bool   `yaml:"allow_multi_statement"`
	MaxComplexityScore  int    `yaml:"max_complexity_score" validate:"min=1"`
}

type RecordsConfig struct {
	// DatabaseURL points at the database holding user_connections. Empty
	// selects the in-memory store.
	DatabaseURL string `yaml:"database_url"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR"`
}

// Default returns the built-in configuration
func Default() *Config {
	pool := registry.DefaultOptions()
	cache := schema.DefaultCacheOptions()
	return &Config{
		Encryption: EncryptionConfig{KeyEnv: DefaultKeyEnv, AWSSecretField: "encryption_key"},
		Pool: PoolConfig{
			MaxOpenConns:    pool.MaxOpenConns,
			MaxIdleConns:    pool.MaxIdleConns,
			ConnMaxLifetime: pool.ConnMaxLifetime,
			ConnMaxIdleTime: pool.ConnMaxIdleTime,
			ConnectTimeout:  pool.ConnectTimeout,
			AcquireTimeout:  pool.AcquireTimeout,
		},
		Registry: RegistryConfig{
			AllowedDrivers:  []string{"postgres", "mysql"},
			IdleTTL:         pool.IdleTTL,
			SweepInterval:   pool.SweepInterval,
			ApplicationName: pool.ApplicationName,
		},
		Schema: SchemaConfig{
			TTL:               cache.TTL,
			MaxEntries:        cache.MaxEntries,
			Concurrency:       cache.Concurrency,
			IntrospectTimeout: cache.IntrospectTimeout,
		},
		Execution: ExecutionConfig{
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     5 * time.Minute,
			MaxRows:        1000,
		},
		Policy: PolicyConfig{
			Mode:               "enforce",
			AllowWrite:         true,
			MaxComplexityScore: 100,
		},
		Log: LogConfig{Level: "INFO"},
	}
}

// Load reads path (optional), expands environment references, applies
// QUERYGATE_* overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, base.NewError("config", "load", base.KindConfig, "unreadable_file",
				"could not read config file "+path, err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, base.NewError("config", "load", base.KindConfig, "invalid_yaml",
				"config file is not valid YAML: "+base.SanitizeLogString(err.Error()), err)
		}
	}

	cfg.applyEnv()
	cfg.Log.Level = strings.ToUpper(cfg.Log.Level)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"QUERYGATE_KEY_FILE", &c.Encryption.KeyFile},
		{"QUERYGATE_AWS_SECRET_ID", &c.Encryption.AWSSecretID},
		{"QUERYGATE_AWS_REGION", &c.Encryption.AWSRegion},
		{"QUERYGATE_RECORDS_URL", &c.Records.DatabaseURL},
		{"QUERYGATE_REDIS_URL", &c.Schema.RedisURL},
		{"QUERYGATE_LOG_LEVEL", &c.Log.Level},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
	if v := os.Getenv("QUERYGATE_KEY_DERIVE"); v == "true" || v == "1" {
		c.Encryption.Derive = true
	}
	// comma separated, e.g. postgres,sqlite
	if v := os.Getenv("QUERYGATE_ALLOWED_DRIVERS"); v != "" {
		var drivers []string
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				drivers = append(drivers, strings.ToLower(d))
			}
		}
		c.Registry.AllowedDrivers = drivers
	}
}

var validate = validator.New()

// Validate checks field constraints and reports every violation at once
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return base.NewError("config", "validate", base.KindConfig, "invalid_config", err.Error(), err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return base.NewError("config", "validate", base.KindConfig, "invalid_config", strings.Join(msgs, "; "), err)
}

// RegistryOptions converts the pool and registry sections
func (c *Config) RegistryOptions() registry.Options {
	return registry.Options{
		MaxOpenConns:    c.Pool.MaxOpenConns,
		MaxIdleConns:    c.Pool.MaxIdleConns,
		ConnMaxLifetime: c.Pool.ConnMaxLifetime,
		ConnMaxIdleTime: c.Pool.ConnMaxIdleTime,
		ConnectTimeout:  c.Pool.ConnectTimeout,
		AcquireTimeout:  c.Pool.AcquireTimeout,
		IdleTTL:         c.Registry.IdleTTL,
		SweepInterval:   c.Registry.SweepInterval,
		AllowedDrivers:  c.Registry.AllowedDrivers,
		ApplicationName: c.Registry.ApplicationName,
	}
}

// CacheOptions converts the schema section
func (c *Config) CacheOptions() schema.CacheOptions {
	return schema.CacheOptions{
		TTL:               c.Schema.TTL,
		MaxEntries:        c.Schema.MaxEntries,
		Concurrency:       c.Schema.Concurrency,
		IntrospectTimeout: c.Schema.IntrospectTimeout,
	}
}

// ExecutorOptions converts the execution section
func (c *Config) ExecutorOptions() executor.Options {
	return executor.Options{
		MaxRows:        c.Execution.MaxRows,
		DefaultTimeout: c.Execution.DefaultTimeout,
		MaxTimeout:     c.Execution.MaxTimeout,
	}
}

// DefaultPolicy converts the policy section
func (c *Config) DefaultPolicy() (gate.Policy, error) {
	mode, err := gate.ParseMode(c.Policy.Mode)
	if err != nil {
		return gate.Policy{}, base.NewError("config", "policy", base.KindConfig, "invalid_policy", err.Error(), err)
	}
	p := gate.Policy{
		Mode:                mode,
		AllowWrite:          c.Policy.AllowWrite,
		AllowDelete:         c.Policy.AllowDelete,
		AllowDDL:            c.Policy.AllowDDL,
		AllowMultiStatement: c.Policy.AllowMultiStatement,
		MaxComplexityScore:  c.Policy.MaxComplexityScore,
	}
	if err := p.Validate(); err != nil {
		return gate.Policy{}, base.NewError("config", "policy", base.KindConfig, "invalid_policy", err.Error(), err)
	}
	return p, nil
}

// KeySource picks the encryption key source
func (c *Config) KeySource(ctx context.Context) (credentials.KeySource, error) {
	e := c.Encryption
	switch {
	case e.KeyFile != "":
		return credentials.FileKeySource{Path: e.KeyFile, Derive: e.Derive}, nil
	case e.AWSSecretID != "":
		src, err := credentials.NewAWSKeySource(ctx, credentials.AWSKeySourceOptions{
			SecretID: e.AWSSecretID,
			Region:   e.AWSRegion,
			Field:    e.AWSSecretField,
			Derive:   e.Derive,

			AccessKeyID:     e.AWSAccessKeyID,
			SecretAccessKey: e.AWSSecretAccessKey,
			Endpoint:        e.AWSEndpoint,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		name := e.KeyEnv
		if name == "" {
			name = DefaultKeyEnv
		}
		return credentials.EnvKeySource{Var: name, Derive: e.Derive}, nil
	}
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR}, ${VAR:-default} and $VAR. Undefined
// variables without a default expand to the empty string.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		def := ""
		if idx := strings.Index(name, ":-"); idx != -1 {
			def = name[idx+2:]
			name = name[:idx]
		}
		if v := os.Getenv(name); v != "" {
			return v
		}
		return def
	})
}
