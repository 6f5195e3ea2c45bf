// Copyright 2025 PgScope
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
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManager supplies database credentials by reference.
type SecretsManager interface {
	// GetSecret returns the key/value fields stored under the given
	// reference (an ARN, a name, or a local path depending on the
	// implementation).
	GetSecret(ctx context.Context, ref string) (map[string]string, error)
}

// secretsAPI is the slice of the AWS Secrets Manager client we use.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type cachedSecret struct {
	fields    map[string]string
	fetchedAt time.Time
}

// AWSSecretsManager fetches secrets from AWS Secrets Manager with a short
// TTL cache so repeated connection attempts do not hammer the API.
type AWSSecretsManager struct {
	client secretsAPI
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedSecret
}

// NewAWSSecretsManager builds a client from the default AWS credential
// chain. Region falls back to the SDK's own resolution when empty.
func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(awsCfg),
		ttl:    5 * time.Minute,
		cache:  make(map[string]cachedSecret),
	}, nil
}

// GetSecret returns the JSON fields of the secret, serving from cache while
// the entry is fresh.
func (m *AWSSecretsManager) GetSecret(ctx context.Context, ref string) (map[string]string, error) {
	m.mu.Lock()
	if entry, ok := m.cache[ref]; ok && time.Since(entry.fetchedAt) < m.ttl {
		m.mu.Unlock()
		return entry.fields, nil
	}
	m.mu.Unlock()

	out, err := m.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &ref,
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", maskSecretRef(ref), err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string payload", maskSecretRef(ref))
	}

	fields, err := decodeSecretFields(*out.SecretString)
	if err != nil {
		return nil, fmt.Errorf("decode secret %s: %w", maskSecretRef(ref), err)
	}

	m.mu.Lock()
	m.cache[ref] = cachedSecret{fields: fields, fetchedAt: time.Now()}
	m.mu.Unlock()
	return fields, nil
}

// decodeSecretFields parses a secret payload. JSON objects become field
// maps with values stringified; anything else is exposed as "password".
func decodeSecretFields(payload string) (map[string]string, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return map[string]string{"password": payload}, nil
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			fields[strings.ToLower(k)] = val
		case float64:
			fields[strings.ToLower(k)] = trimFloat(val)
		case bool:
			fields[strings.ToLower(k)] = fmt.Sprintf("%t", val)
		case nil:
		default:
			return nil, fmt.Errorf("field %q has unsupported type %T", k, v)
		}
	}
	return fields, nil
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// LocalSecretsManager reads secrets from JSON files. Intended for
// development and tests.
type LocalSecretsManager struct {
	Dir string
}

// GetSecret loads <dir>/<ref>.json.
func (m *LocalSecretsManager) GetSecret(_ context.Context, ref string) (map[string]string, error) {
	path := fmt.Sprintf("%s/%s.json", m.Dir, ref)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read local secret %s: %w", ref, err)
	}
	return decodeSecretFields(string(data))
}

// EnvSecretsManager maps a secret reference to environment variables of the
// form <REF>_USERNAME, <REF>_PASSWORD, and so on.
type EnvSecretsManager struct{}

// GetSecret collects the populated environment fields for the reference.
func (EnvSecretsManager) GetSecret(_ context.Context, ref string) (map[string]string, error) {
	prefix := strings.ToUpper(strings.NewReplacer("-", "_", "/", "_", ":", "_").Replace(ref))
	fields := make(map[string]string)
	for _, key := range []string{"USERNAME", "PASSWORD", "HOST", "PORT", "DATABASE", "RESOURCE_ARN", "SECRET_ARN"} {
		if v := os.Getenv(prefix + "_" + key); v != "" {
			fields[strings.ToLower(key)] = v
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("no environment fields found for secret %s", ref)
	}
	return fields, nil
}

// maskSecretRef hides the middle of a secret reference for log safety.
func maskSecretRef(ref string) string {
	if len(ref) <= 12 {
		return "***"
	}
	return ref[:8] + "..." + ref[len(ref)-4:]
}
