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
	"errors"
	"testing"
)

func TestConnectorError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *ConnectorError
		wantMsg string
	}{
		{
			name: "with cause",
			err: &ConnectorError{
				Backend:   KindDirect,
				Operation: "Execute",
				Message:   "connection failed",
				Cause:     errors.New("broken pipe"),
			},
			wantMsg: "direct_postgres.Execute: connection failed (cause: broken pipe)",
		},
		{
			name: "without cause",
			err: &ConnectorError{
				Backend:   KindRDSDataAPI,
				Operation: "Probe",
				Message:   "statement rejected",
			},
			wantMsg: "rds_data_api.Probe: statement rejected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConnectorError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewConnectorError(KindDirect, "Execute", "failed", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
	if NewConnectorError(KindDirect, "Execute", "failed", nil).Unwrap() != nil {
		t.Error("Unwrap() should return nil when Cause is nil")
	}
}

func TestNewTransientError(t *testing.T) {
	err := NewTransientError(KindDirect, "Execute", "reset", errors.New("connection reset"))
	if !err.Transient {
		t.Error("expected Transient to be set")
	}
	if NewConnectorError(KindDirect, "Execute", "syntax", nil).Transient {
		t.Error("NewConnectorError must not mark errors transient")
	}
}

func TestHealthState_String(t *testing.T) {
	if HealthHealthy.String() != "healthy" || HealthFailed.String() != "failed" || HealthUnknown.String() != "unknown" {
		t.Errorf("unexpected health state strings: %s %s %s",
			HealthHealthy, HealthFailed, HealthUnknown)
	}
}
