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

package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"golang.org/x/crypto/hkdf"

	"axonflow/querygate/connectors/base"
)

const (
	hkdfSalt = "querygate/credentials"
	hkdfInfo = "aes-256-gcm/v1"

	// DefaultSecretField is read when a Secrets Manager secret holds JSON
	DefaultSecretField = "encryption_key"
)

// KeySource loads the key material once at startup
type KeySource interface {
	Name() string
	LoadKey(ctx context.Context) ([]byte, error)
}

// Load reads the key from src and builds a Store
func Load(ctx context.Context, src KeySource) (*Store, error) {
	key, err := src.LoadKey(ctx)
	if err != nil {
		return nil, err
	}
	return NewStore(key)
}

// ParseKey decodes key material. With derive set, the material is treated as
// a passphrase and stretched with HKDF-SHA256. Otherwise it must be 64 hex
// characters or base64 (standard or URL alphabet, padded or not) of 32 bytes.
func ParseKey(material string, derive bool) ([]byte, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, keyError("parse_key", "empty_key", "encryption key is empty")
	}

	if derive {
		key := make([]byte, KeySize)
		r := hkdf.New(sha256.New, []byte(material), []byte(hkdfSalt), []byte(hkdfInfo))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, base.NewError(component, "parse_key", base.KindConfig, "derive_failed", "key derivation failed", err)
		}
		return key, nil
	}

	if len(material) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(material); err == nil {
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(material); err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, keyError("parse_key", "invalid_key", "encryption key must be 32 bytes encoded as hex or base64")
}

// GenerateKey returns a new random key, hex encoded
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// EnvKeySource reads the key from an environment variable
type EnvKeySource struct {
	Var    string
	Derive bool
}

func (s EnvKeySource) Name() string { return "env:" + s.Var }

func (s EnvKeySource) LoadKey(context.Context) ([]byte, error) {
	v, ok := os.LookupEnv(s.Var)
	if !ok || strings.TrimSpace(v) == "" {
		return nil, keyError("load_key", "key_missing", "environment variable "+s.Var+" is not set")
	}
	return ParseKey(v, s.Derive)
}

// FileKeySource reads the key from a file, typically a mounted secret
type FileKeySource struct {
	Path   string
	Derive bool
}

func (s FileKeySource) Name() string { return "file:" + s.Path }

func (s FileKeySource) LoadKey(context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, base.NewError(component, "load_key", base.KindConfig, "key_missing", "key file could not be read", err)
	}
	return ParseKey(string(data), s.Derive)
}

// SecretsAPI is the subset of the Secrets Manager client used here
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSKeySource reads the key from AWS Secrets Manager. The secret may be the
// raw key or a JSON object holding it under Field.
type AWSKeySource struct {
	SecretID string
	Field    string
	Derive   bool
	Client   SecretsAPI
}

// AWSKeySourceOptions holds options for creating an AWSKeySource
type AWSKeySourceOptions struct {
	SecretID string
	Region   string
	Field    string
	Derive   bool

	// Static credentials replace the default credential chain when both
	// are set
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Endpoint overrides the Secrets Manager endpoint, e.g. for LocalStack
	Endpoint string
}

// NewAWSKeySource loads the default AWS configuration and creates a client
func NewAWSKeySource(ctx context.Context, opts AWSKeySourceOptions) (*AWSKeySource, error) {
	cfgOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		creds := awscreds.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)
		cfgOpts = append(cfgOpts, awsconfig.WithCredentialsProvider(creds))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, base.NewError(component, "load_key", base.KindConfig, "aws_config", "failed to load AWS config", err)
	}

	var clientOpts []func(*secretsmanager.Options)
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	return &AWSKeySource{
		SecretID: opts.SecretID,
		Field:    opts.Field,
		Derive:   opts.Derive,
		Client:   secretsmanager.NewFromConfig(cfg, clientOpts...),
	}, nil
}

func (s *AWSKeySource) Name() string { return "aws-secretsmanager:" + maskSecretID(s.SecretID) }

func (s *AWSKeySource) LoadKey(ctx context.Context) ([]byte, error) {
	out, err := s.Client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.SecretID),
	})
	if err != nil {
		return nil, base.NewError(component, "load_key", base.KindConfig, "secret_unavailable",
			"failed to get secret "+maskSecretID(s.SecretID), err)
	}
	if out.SecretString == nil {
		return nil, keyError("load_key", "secret_unavailable", "secret "+maskSecretID(s.SecretID)+" has no string value")
	}

	material := *out.SecretString
	var fields map[string]string
	if err := json.Unmarshal([]byte(material), &fields); err == nil {
		field := s.Field
		if field == "" {
			field = DefaultSecretField
		}
		v, ok := fields[field]
		if !ok {
			return nil, keyError("load_key", "key_missing", "secret "+maskSecretID(s.SecretID)+" has no field "+field)
		}
		material = v
	}
	return ParseKey(material, s.Derive)
}

// maskSecretID shows only the last 8 characters of a secret id or ARN
func maskSecretID(id string) string {
	if len(id) <= 12 {
		return "***"
	}
	return "..." + id[len(id)-8:]
}

func keyError(op, code, message string) error {
	return base.NewError(component, op, base.KindConfig, code, message, nil)
}
