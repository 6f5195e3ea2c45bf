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

package base

import (
	"context"
	"time"
)

// Backend kinds. These appear in pool fingerprints, health reports, and logs.
const (
	KindRDSDataAPI = "rds_data_api"
	KindDirect     = "direct_postgres"
)

// Connector is the capability every backend must implement.
//
// Execute runs one guarded statement and returns normalized rows. Probe is a
// lightweight liveness check (SELECT 1 or equivalent) used by the pool to
// gate reuse. Close releases the underlying session/client; it must be safe
// to call more than once.
type Connector interface {
	Execute(ctx context.Context, spec *QuerySpec) (*QueryResult, error)
	Probe(ctx context.Context) error
	Close(ctx context.Context) error

	// Kind reports the backend kind (KindRDSDataAPI or KindDirect).
	Kind() string
}

// QuerySpec describes a single statement. It is never mutated after
// construction.
type QuerySpec struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`

	// ReadOnly requests that the backend run the statement inside a
	// read-only transaction/session where it supports one. This is
	// defense-in-depth on top of the guard, not a substitute for it.
	ReadOnly bool `json:"read_only"`

	// MaxRows caps the number of rows returned. Zero means no cap.
	MaxRows int `json:"max_rows,omitempty"`
}

// QueryResult holds the ordered rows of one statement.
type QueryResult struct {
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
	Duration time.Duration    `json:"duration"`
}

// HealthState classifies a pooled connector.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthFailed
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectorError wraps a backend failure with enough context to act on.
type ConnectorError struct {
	Backend   string
	Operation string
	Message   string
	Cause     error

	// Transient marks failures worth one retry on a fresh connection
	// (resets, broken pipes, timeouts). Syntax and permission errors are
	// never transient.
	Transient bool
}

func (e *ConnectorError) Error() string {
	if e.Cause != nil {
		return e.Backend + "." + e.Operation + ": " + e.Message + " (cause: " + e.Cause.Error() + ")"
	}
	return e.Backend + "." + e.Operation + ": " + e.Message
}

func (e *ConnectorError) Unwrap() error {
	return e.Cause
}

// NewConnectorError creates a non-transient ConnectorError.
func NewConnectorError(backend, operation, message string, cause error) *ConnectorError {
	return &ConnectorError{
		Backend:   backend,
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// NewTransientError creates a ConnectorError eligible for one pool retry.
func NewTransientError(backend, operation, message string, cause error) *ConnectorError {
	return &ConnectorError{
		Backend:   backend,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Transient: true,
	}
}
