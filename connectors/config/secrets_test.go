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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type stubSecretsAPI struct {
	payload string
	calls   int
}

func (s *stubSecretsAPI) GetSecretValue(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	s.calls++
	return &secretsmanager.GetSecretValueOutput{SecretString: &s.payload}, nil
}

func TestAWSSecretsManagerCaches(t *testing.T) {
	api := &stubSecretsAPI{payload: `{"username":"reader","password":"pw"}`}
	m := &AWSSecretsManager{client: api, ttl: time.Minute, cache: make(map[string]cachedSecret)}

	for i := 0; i < 3; i++ {
		fields, err := m.GetSecret(context.Background(), "arn:aws:secretsmanager:us-east-1:1:secret:app")
		if err != nil {
			t.Fatalf("GetSecret() error = %v", err)
		}
		if fields["username"] != "reader" {
			t.Fatalf("username = %q, want reader", fields["username"])
		}
	}
	if api.calls != 1 {
		t.Errorf("API called %d times, want 1 (cache hit expected)", api.calls)
	}
}

func TestAWSSecretsManagerCacheExpiry(t *testing.T) {
	api := &stubSecretsAPI{payload: `{"username":"reader"}`}
	m := &AWSSecretsManager{client: api, ttl: 0, cache: make(map[string]cachedSecret)}

	for i := 0; i < 2; i++ {
		if _, err := m.GetSecret(context.Background(), "ref"); err != nil {
			t.Fatal(err)
		}
	}
	if api.calls != 2 {
		t.Errorf("API called %d times, want 2 (zero TTL disables caching)", api.calls)
	}
}

func TestLocalSecretsManager(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app-db.json")
	if err := os.WriteFile(path, []byte(`{"username":"dev","password":"devpw"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	m := &LocalSecretsManager{Dir: dir}
	fields, err := m.GetSecret(context.Background(), "app-db")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if fields["username"] != "dev" || fields["password"] != "devpw" {
		t.Errorf("unexpected fields %v", fields)
	}

	if _, err := m.GetSecret(context.Background(), "absent"); err == nil {
		t.Error("GetSecret(absent) = nil, want error")
	}
}

func TestEnvSecretsManager(t *testing.T) {
	t.Setenv("APP_DB_USERNAME", "reader")
	t.Setenv("APP_DB_PASSWORD", "pw")
	t.Setenv("APP_DB_HOST", "db.internal")

	fields, err := EnvSecretsManager{}.GetSecret(context.Background(), "app-db")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if fields["username"] != "reader" || fields["host"] != "db.internal" {
		t.Errorf("unexpected fields %v", fields)
	}

	if _, err := (EnvSecretsManager{}).GetSecret(context.Background(), "nothing-set-here"); err == nil {
		t.Error("GetSecret with no env fields should fail")
	}
}

func TestLoadTargets(t *testing.T) {
	t.Setenv("TEST_SECRET_ARN", "arn:aws:secretsmanager:us-east-1:1:secret:x")
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.yaml")
	content := `
targets:
  prod-replica:
    hostname: replica.internal
    database: app
    secret_arn: ${TEST_SECRET_ARN}
    port: 5433
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	tf, err := LoadTargets(path)
	if err != nil {
		t.Fatalf("LoadTargets() error = %v", err)
	}
	entry, ok := tf.Targets["prod-replica"]
	if !ok {
		t.Fatal("target prod-replica not found")
	}
	if entry.SecretARN != "arn:aws:secretsmanager:us-east-1:1:secret:x" {
		t.Errorf("secret_arn = %q, env expansion failed", entry.SecretARN)
	}
	p := entry.Params()
	if p.Hostname != "replica.internal" || p.Port != 5433 {
		t.Errorf("unexpected params %+v", p)
	}
}
