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
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"pgscope/platform/connectors/base"
	"pgscope/platform/connectors/config"
)

// Connector wraps one wire-protocol session. The sql.DB is pinned to a
// single underlying connection; the mutex keeps one statement in flight so
// the pool's one-lease-one-user contract holds even if a caller misbehaves.
type Connector struct {
	mu  sync.Mutex
	db  *sql.DB
	cfg *config.ConnectionConfig
}

// New dials the database and verifies the session with a ping.
func New(ctx context.Context, cfg *config.ConnectionConfig) (*Connector, error) {
	db, err := sql.Open("postgres", buildDSN(cfg))
	if err != nil {
		return nil, base.NewConnectorError("postgres", "connect", "opening connection", err)
	}
	// One session per connector: the pool layer owns multiplicity.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrapPQError("connect", "pinging database", err)
	}
	return &Connector{db: db, cfg: cfg}, nil
}

func buildDSN(cfg *config.ConnectionConfig) string {
	parts := []string{
		fmt.Sprintf("host=%s", cfg.Host),
		fmt.Sprintf("port=%d", cfg.Port),
		fmt.Sprintf("dbname=%s", cfg.Database),
		fmt.Sprintf("user=%s", cfg.Username),
		"sslmode=prefer",
		"connect_timeout=10",
	}
	if cfg.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", cfg.Password))
	}
	return strings.Join(parts, " ")
}

// Kind reports the backend kind.
func (c *Connector) Kind() string { return base.KindDirect }

// Execute runs one statement. With ReadOnly set the statement runs inside a
// transaction the driver opens READ ONLY, so the session refuses writes
// independently of the query guard.
func (c *Connector) Execute(ctx context.Context, spec *base.QuerySpec) (*base.QueryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()

	var rows *sql.Rows
	var err error
	if spec.ReadOnly {
		tx, txErr := c.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if txErr != nil {
			return nil, wrapPQError("execute", "beginning read-only transaction", txErr)
		}
		rows, err = tx.QueryContext(ctx, spec.SQL, spec.Args...)
		if err != nil {
			tx.Rollback()
			return nil, wrapPQError("execute", "executing statement", err)
		}
		result, scanErr := scanRows(rows, spec.MaxRows)
		rows.Close()
		if scanErr != nil {
			tx.Rollback()
			return nil, wrapPQError("execute", "scanning rows", scanErr)
		}
		if err := tx.Commit(); err != nil {
			return nil, wrapPQError("execute", "committing read-only transaction", err)
		}
		result.Duration = time.Since(start)
		return result, nil
	}

	rows, err = c.db.QueryContext(ctx, spec.SQL, spec.Args...)
	if err != nil {
		return nil, wrapPQError("execute", "executing statement", err)
	}
	defer rows.Close()

	result, err := scanRows(rows, spec.MaxRows)
	if err != nil {
		return nil, wrapPQError("execute", "scanning rows", err)
	}
	result.Duration = time.Since(start)
	return result, nil
}

// Probe checks the session with a ping.
func (c *Connector) Probe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.PingContext(ctx); err != nil {
		return wrapPQError("probe", "pinging database", err)
	}
	return nil
}

// Close tears down the session.
func (c *Connector) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.Close(); err != nil {
		return base.NewConnectorError("postgres", "close", "closing connection", err)
	}
	return nil
}

// scanRows reads the result set into ordered row maps, normalizing driver
// values to the shared scalar set. The row cap is honored during the scan so
// oversized results never materialize.
func scanRows(rows *sql.Rows, maxRows int) (*base.QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0)
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if maxRows > 0 && len(out) >= maxRows {
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = base.NormalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &base.QueryResult{Rows: out, RowCount: len(out)}, nil
}

// transientPQClasses are Postgres error classes worth one retry: connection
// failures (08), insufficient resources (53), operator intervention (57),
// and system errors (58).
var transientPQClasses = map[string]bool{
	"08": true,
	"53": true,
	"57": true,
	"58": true,
}

func wrapPQError(operation, message string, err error) error {
	if pqErr, ok := err.(*pq.Error); ok {
		class := string(pqErr.Code)
		if len(class) >= 2 && transientPQClasses[class[:2]] {
			return base.NewTransientError("postgres", operation, message, err)
		}
		return base.NewConnectorError("postgres", operation, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return base.NewTransientError("postgres", operation, message, err)
	}
	if err == sql.ErrConnDone || strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") || strings.Contains(err.Error(), "EOF") {
		return base.NewTransientError("postgres", operation, message, err)
	}
	return base.NewConnectorError("postgres", operation, message, err)
}
