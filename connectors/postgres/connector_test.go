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

package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"pgscope/platform/connectors/base"
	"pgscope/platform/connectors/config"
)

func mockConnector(t *testing.T) (*Connector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Connector{db: db, cfg: &config.ConnectionConfig{
		Kind:     config.KindDirect,
		Host:     "db.internal",
		Port:     5432,
		Database: "app",
		Username: "reader",
	}}, mock
}

func TestExecuteReadOnly(t *testing.T) {
	c, mock := mockConnector(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT relname, n_dead_tup FROM pg_stat_user_tables").
		WillReturnRows(sqlmock.NewRows([]string{"relname", "n_dead_tup"}).
			AddRow("users", int64(42)).
			AddRow("orders", []byte("7")))
	mock.ExpectCommit()

	res, err := c.Execute(context.Background(), &base.QuerySpec{
		SQL:      "SELECT relname, n_dead_tup FROM pg_stat_user_tables",
		ReadOnly: true,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.RowCount != 2 {
		t.Fatalf("RowCount = %d, want 2", res.RowCount)
	}
	if res.Rows[0]["relname"] != "users" {
		t.Errorf("row 0 relname = %v", res.Rows[0]["relname"])
	}
	// []byte values are normalized to string on scan.
	if res.Rows[1]["n_dead_tup"] != "7" {
		t.Errorf("row 1 n_dead_tup = %#v, want string \"7\"", res.Rows[1]["n_dead_tup"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestExecuteRollsBackOnQueryError(t *testing.T) {
	c, mock := mockConnector(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT broken").WillReturnError(&pq.Error{Code: "42601", Message: "syntax error"})
	mock.ExpectRollback()

	_, err := c.Execute(context.Background(), &base.QuerySpec{SQL: "SELECT broken", ReadOnly: true})
	var cerr *base.ConnectorError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want *base.ConnectorError", err)
	}
	if cerr.Transient {
		t.Error("syntax error must be permanent")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestExecuteWithoutReadOnlySkipsTransaction(t *testing.T) {
	c, mock := mockConnector(t)

	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(int64(1)))

	res, err := c.Execute(context.Background(), &base.QuerySpec{SQL: "SELECT 1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.RowCount != 1 {
		t.Errorf("RowCount = %d, want 1", res.RowCount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestExecuteHonorsMaxRows(t *testing.T) {
	c, mock := mockConnector(t)

	result := sqlmock.NewRows([]string{"v"})
	for i := 0; i < 10; i++ {
		result.AddRow(int64(i))
	}
	mock.ExpectQuery("SELECT v FROM t").WillReturnRows(result)

	res, err := c.Execute(context.Background(), &base.QuerySpec{SQL: "SELECT v FROM t", MaxRows: 3})
	if err != nil {
		t.Fatal(err)
	}
	if res.RowCount != 3 {
		t.Errorf("RowCount = %d, want 3", res.RowCount)
	}
}

func TestProbe(t *testing.T) {
	c, mock := mockConnector(t)
	mock.ExpectPing()

	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if c.Kind() != base.KindDirect {
		t.Errorf("Kind() = %q", c.Kind())
	}
}

func TestWrapPQErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"connection failure class 08", &pq.Error{Code: "08006"}, true},
		{"insufficient resources class 53", &pq.Error{Code: "53300"}, true},
		{"admin shutdown class 57", &pq.Error{Code: "57P01"}, true},
		{"syntax error class 42", &pq.Error{Code: "42601"}, false},
		{"permission denied class 42501", &pq.Error{Code: "42501"}, false},
		{"plain refused", errors.New("dial tcp: connection refused"), true},
	}
	for _, tt := range tests {
		err := wrapPQError("execute", "x", tt.err)
		var cerr *base.ConnectorError
		if !errors.As(err, &cerr) {
			t.Errorf("%s: type %T", tt.name, err)
			continue
		}
		if cerr.Transient != tt.transient {
			t.Errorf("%s: Transient = %v, want %v", tt.name, cerr.Transient, tt.transient)
		}
	}
}

func TestBuildDSN(t *testing.T) {
	dsn := buildDSN(&config.ConnectionConfig{
		Host: "db.internal", Port: 5433, Database: "app", Username: "reader", Password: "pw",
	})
	for _, part := range []string{"host=db.internal", "port=5433", "dbname=app", "user=reader", "password=pw", "connect_timeout=10"} {
		if !strings.Contains(dsn, part) {
			t.Errorf("DSN %q missing %q", dsn, part)
		}
	}

	// No password omits the key entirely.
	dsn = buildDSN(&config.ConnectionConfig{Host: "h", Port: 5432, Database: "d", Username: "u"})
	if strings.Contains(dsn, "password=") {
		t.Errorf("DSN %q should not contain an empty password", dsn)
	}
}
