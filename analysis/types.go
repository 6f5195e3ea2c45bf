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

package analysis

import (
	"context"
	"fmt"
)

// Runner executes one read-only statement and returns ordered row maps.
// The implementation is expected to validate the statement and lease a
// pooled connector per call.
type Runner interface {
	Run(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
}

// Severity grades a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Finding is one observation with its suggested remediation. The suggested
// action is advisory text; nothing in this package executes it.
type Finding struct {
	Severity        Severity `json:"severity"`
	Message         string   `json:"message"`
	SuggestedAction string   `json:"suggested_action,omitempty"`
}

// Result is the outcome of one analyzer run.
type Result struct {
	Analyzer string         `json:"analyzer"`
	Summary  string         `json:"summary"`
	Findings []Finding      `json:"findings"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Unavailable marks a soft failure: a required extension or view is
	// missing. Remediation lists the enablement steps.
	Unavailable bool     `json:"unavailable,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
}

func newResult(analyzer string) *Result {
	return &Result{
		Analyzer: analyzer,
		Findings: []Finding{},
		Metadata: map[string]any{},
	}
}

func (r *Result) add(sev Severity, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{Severity: sev, Message: fmt.Sprintf(format, args...)})
}

func (r *Result) addAction(sev Severity, action, format string, args ...any) {
	r.Findings = append(r.Findings, Finding{
		Severity:        sev,
		Message:         fmt.Sprintf(format, args...),
		SuggestedAction: action,
	})
}
