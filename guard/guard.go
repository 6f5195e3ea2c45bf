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

package guard

import (
	"fmt"
	"regexp"
	"strings"
)

// RejectionError reports why a statement was refused. Rule carries the
// pattern name, Detail the human-readable reason.
type RejectionError struct {
	Rule   string
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("query rejected (%s): %s", e.Rule, e.Detail)
}

func reject(rule, format string, args ...any) error {
	return &RejectionError{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

// Guard validates SQL before it reaches any backend. The zero value is not
// usable; construct with New.
type Guard struct {
	mutating  []*Pattern
	injection []*Pattern
}

// New returns a Guard with the built-in rule sets.
func New() *Guard {
	return &Guard{mutating: mutatingKeywords, injection: injectionPatterns}
}

var (
	lineComment   = regexp.MustCompile(`--[^\n]*`)
	blockComment  = regexp.MustCompile(`/\*[\s\S]*?\*/`)
	singleQuoted  = regexp.MustCompile(`'(?:[^']|'')*'`)
	dollarQuoted  = regexp.MustCompile(`\$([A-Za-z_]*)\$[\s\S]*?\$([A-Za-z_]*)\$`)
	leadingParens = regexp.MustCompile(`^[\s(]+`)
)

// normalize strips comments and string literal bodies so rule matching only
// sees structural SQL. Literal bodies are replaced by empty quotes, keeping
// the statement shape intact.
func normalize(sql string) string {
	s := blockComment.ReplaceAllString(sql, " ")
	s = lineComment.ReplaceAllString(s, " ")
	s = dollarQuoted.ReplaceAllString(s, "''")
	s = singleQuoted.ReplaceAllString(s, "''")
	return strings.TrimSpace(s)
}

// Validate checks a statement against the read-only rules. It returns nil
// when the statement may run and a *RejectionError when it may not. There is
// no bypass: every statement from every caller passes through here.
func (g *Guard) Validate(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return reject("empty", "statement is empty")
	}

	cleaned := normalize(trimmed)
	if cleaned == "" {
		return reject("empty", "statement contains only comments")
	}

	// Exactly one statement. At most one trailing terminator is allowed;
	// any semicolon left after removing it means a second statement.
	body := strings.TrimRight(cleaned, " \t\n")
	body = strings.TrimSuffix(body, ";")
	if strings.Contains(body, ";") {
		return reject("multi_statement", "multiple statements in one request")
	}

	for _, p := range g.mutating {
		if p.Regex.MatchString(cleaned) {
			return reject(p.Name, "%s", p.Description)
		}
	}
	for _, p := range g.injection {
		if p.Regex.MatchString(cleaned) {
			return reject(p.Name, "%s", p.Description)
		}
	}

	first := firstKeyword(cleaned)
	for _, kw := range allowedLeading {
		if first == kw {
			return nil
		}
	}
	return reject("disallowed_statement", "statement must start with SELECT, WITH, EXPLAIN, or SHOW (got %q)", first)
}

// firstKeyword returns the uppercased first word of the statement, skipping
// any opening parentheses around a subquery.
func firstKeyword(sql string) string {
	s := leadingParens.ReplaceAllString(sql, "")
	end := len(s)
	for i, r := range s {
		if !isWordRune(r) {
			end = i
			break
		}
	}
	return strings.ToUpper(s[:end])
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		return true
	}
	return false
}
