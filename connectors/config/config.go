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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"pgscope/platform/connectors/base"
)

// Backend kinds selected by Resolve.
const (
	KindRDSDataAPI = base.KindRDSDataAPI
	KindDirect     = base.KindDirect
)

// Sentinel errors for resolution failures.
var (
	// ErrAmbiguousConfiguration means no recognizable parameter
	// combination selects a backend.
	ErrAmbiguousConfiguration = errors.New("connection parameters are ambiguous: provide either a resource ARN or a hostname")

	// ErrIncompleteConfiguration means a backend was selected but a
	// required parameter is absent. This is a caller error.
	ErrIncompleteConfiguration = errors.New("incomplete connection parameters")

	// ErrMissingCredentials means a referenced secret could not be
	// retrieved or lacks required fields.
	ErrMissingCredentials = errors.New("missing credentials")
)

// Params are the caller-supplied connection parameters. Zero-value fields
// fall back to PGSCOPE_* environment variables inside Resolve.
type Params struct {
	ResourceARN string `json:"resource_arn,omitempty"`
	SecretARN   string `json:"secret_arn,omitempty"`
	Database    string `json:"database,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	Port        int    `json:"port,omitempty"`
	Region      string `json:"region,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`

	// SecretName, when set alone, names a secret holding the remaining
	// parameters. Resolve fetches it and merges the returned fields.
	SecretName string `json:"secret_name,omitempty"`

	// ReadOnly defaults to true. Only an explicit false disables the
	// session-level read-only setting; the query guard stays active
	// regardless.
	ReadOnly *bool `json:"readonly,omitempty"`
}

// ConnectionConfig is the resolved, immutable backend configuration.
type ConnectionConfig struct {
	Kind        string
	ResourceARN string
	SecretARN   string
	Database    string
	Host        string
	Port        int
	Region      string
	Username    string
	Password    string
	ReadOnly    bool
}

// Fingerprint returns the pool key for this configuration. Credential
// material enters only as a hash so the key is safe to log.
func (c *ConnectionConfig) Fingerprint() string {
	if c.Kind == KindRDSDataAPI {
		return fmt.Sprintf("rds://%s/%s#%s", c.ResourceARN, c.Database, shortHash(c.SecretARN))
	}
	credRef := c.SecretARN
	if credRef == "" {
		credRef = c.Username + "\x00" + c.Password
	}
	return fmt.Sprintf("postgres://%s:%d/%s#%s", c.Host, c.Port, c.Database, shortHash(credRef))
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// Resolver turns Params into a ConnectionConfig, fetching secrets when a
// secret name stands in for direct parameters.
type Resolver struct {
	Secrets SecretsManager
}

// NewResolver returns a Resolver backed by the given secrets manager.
func NewResolver(sm SecretsManager) *Resolver {
	return &Resolver{Secrets: sm}
}

// Resolve determines the backend kind and completes the configuration.
// Given the same parameters and secret contents the result is identical.
func (r *Resolver) Resolve(ctx context.Context, p Params) (*ConnectionConfig, error) {
	return r.resolve(ctx, applyEnvDefaults(p), false)
}

func (r *Resolver) resolve(ctx context.Context, p Params, fromSecret bool) (*ConnectionConfig, error) {
	readOnly := true
	if p.ReadOnly != nil {
		readOnly = *p.ReadOnly
	}

	switch {
	// A resource ARN selects the managed backend even when a hostname is
	// also supplied: resolution order, not exclusivity.
	case p.ResourceARN != "":
		if p.SecretARN == "" {
			return nil, fmt.Errorf("%w: secret_arn is required with resource_arn", ErrIncompleteConfiguration)
		}
		if p.Database == "" {
			return nil, fmt.Errorf("%w: database is required with resource_arn", ErrIncompleteConfiguration)
		}
		return &ConnectionConfig{
			Kind:        KindRDSDataAPI,
			ResourceARN: p.ResourceARN,
			SecretARN:   p.SecretARN,
			Database:    p.Database,
			Region:      p.Region,
			ReadOnly:    readOnly,
		}, nil

	case p.Hostname != "":
		if p.Database == "" {
			return nil, fmt.Errorf("%w: database is required with hostname", ErrIncompleteConfiguration)
		}
		if p.Username == "" && p.SecretARN == "" {
			return nil, fmt.Errorf("%w: username or secret_arn is required with hostname", ErrIncompleteConfiguration)
		}
		port := p.Port
		if port == 0 {
			port = 5432
		}
		cfg := &ConnectionConfig{
			Kind:      KindDirect,
			Host:      p.Hostname,
			Port:      port,
			Database:  p.Database,
			Region:    p.Region,
			SecretARN: p.SecretARN,
			Username:  p.Username,
			Password:  p.Password,
			ReadOnly:  readOnly,
		}
		if cfg.Username == "" {
			if err := r.fillFromSecret(ctx, cfg); err != nil {
				return nil, err
			}
		}
		return cfg, nil

	case p.SecretName != "" && !fromSecret:
		merged, err := r.mergeSecret(ctx, p)
		if err != nil {
			return nil, err
		}
		return r.resolve(ctx, merged, true)
	}

	return nil, ErrAmbiguousConfiguration
}

// fillFromSecret loads username and password for a direct connection whose
// credentials live in Secrets Manager.
func (r *Resolver) fillFromSecret(ctx context.Context, cfg *ConnectionConfig) error {
	if r.Secrets == nil {
		return fmt.Errorf("%w: no secrets manager configured for %s", ErrMissingCredentials, cfg.SecretARN)
	}
	fields, err := r.Secrets.GetSecret(ctx, cfg.SecretARN)
	if err != nil {
		return fmt.Errorf("%w: fetching %s: %v", ErrMissingCredentials, maskSecretRef(cfg.SecretARN), err)
	}
	cfg.Username = fields["username"]
	cfg.Password = fields["password"]
	if cfg.Username == "" {
		return fmt.Errorf("%w: secret %s has no username field", ErrMissingCredentials, maskSecretRef(cfg.SecretARN))
	}
	return nil
}

// mergeSecret fetches a named secret and overlays its fields onto the
// caller parameters. Caller-supplied values win.
func (r *Resolver) mergeSecret(ctx context.Context, p Params) (Params, error) {
	if r.Secrets == nil {
		return p, fmt.Errorf("%w: no secrets manager configured for %s", ErrMissingCredentials, p.SecretName)
	}
	fields, err := r.Secrets.GetSecret(ctx, p.SecretName)
	if err != nil {
		return p, fmt.Errorf("%w: fetching %s: %v", ErrMissingCredentials, maskSecretRef(p.SecretName), err)
	}
	merged := p
	merged.SecretName = ""
	if merged.ResourceARN == "" {
		merged.ResourceARN = fields["resource_arn"]
	}
	if merged.SecretARN == "" {
		merged.SecretARN = fields["secret_arn"]
	}
	if merged.Hostname == "" {
		merged.Hostname = firstNonEmpty(fields["host"], fields["hostname"])
	}
	if merged.Database == "" {
		merged.Database = firstNonEmpty(fields["database"], fields["dbname"])
	}
	if merged.Username == "" {
		merged.Username = firstNonEmpty(fields["username"], fields["user"])
	}
	if merged.Password == "" {
		merged.Password = fields["password"]
	}
	if merged.Port == 0 && fields["port"] != "" {
		port, perr := strconv.Atoi(fields["port"])
		if perr != nil {
			return p, fmt.Errorf("%w: secret %s has non-numeric port %q", ErrMissingCredentials, maskSecretRef(p.SecretName), fields["port"])
		}
		merged.Port = port
	}
	return merged, nil
}

// applyEnvDefaults fills empty fields from PGSCOPE_* environment variables.
func applyEnvDefaults(p Params) Params {
	if p.ResourceARN == "" {
		p.ResourceARN = os.Getenv("PGSCOPE_RESOURCE_ARN")
	}
	if p.SecretARN == "" {
		p.SecretARN = os.Getenv("PGSCOPE_SECRET_ARN")
	}
	if p.Database == "" {
		p.Database = os.Getenv("PGSCOPE_DATABASE")
	}
	if p.Hostname == "" {
		p.Hostname = os.Getenv("PGSCOPE_HOSTNAME")
	}
	if p.Region == "" {
		p.Region = os.Getenv("PGSCOPE_REGION")
	}
	if p.Port == 0 {
		if v := os.Getenv("PGSCOPE_PORT"); v != "" {
			if port, err := strconv.Atoi(v); err == nil {
				p.Port = port
			}
		}
	}
	if p.ReadOnly == nil {
		if v := os.Getenv("PGSCOPE_READONLY"); v != "" {
			ro := !strings.EqualFold(v, "false")
			p.ReadOnly = &ro
		}
	}
	return p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
