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

import "regexp"

// Pattern is one rejection rule evaluated against normalized SQL text.
type Pattern struct {
	// Name identifies the rule in rejection messages and metrics.
	Name string

	// Regex is the compiled expression, matched against SQL with string
	// literals and comments stripped.
	Regex *regexp.Regexp

	// Description explains what the rule blocks.
	Description string
}

// mutatingKeywords block any statement able to change data, schema, or
// privileges. Word-boundary matching keeps column names like "created_at"
// from tripping the CREATE rule.
var mutatingKeywords = []*Pattern{
	{"insert", keyword("INSERT"), "INSERT writes rows"},
	{"update", keyword("UPDATE"), "UPDATE modifies rows"},
	{"delete", keyword("DELETE"), "DELETE removes rows"},
	{"drop", keyword("DROP"), "DROP removes objects"},
	{"alter", keyword("ALTER"), "ALTER changes schema"},
	{"truncate", keyword("TRUNCATE"), "TRUNCATE empties tables"},
	{"create", keyword("CREATE"), "CREATE adds objects"},
	{"grant", keyword("GRANT"), "GRANT changes privileges"},
	{"revoke", keyword("REVOKE"), "REVOKE changes privileges"},
	{"merge", keyword("MERGE"), "MERGE writes rows"},
	{
		"copy_to_program_or_file",
		regexp.MustCompile(`(?i)\bCOPY\b[\s\S]+\bTO\s+(PROGRAM\b|')`),
		"COPY ... TO writes outside the database",
	},
	// Maintenance statements that take locks or rewrite storage. Analysis
	// recommends these; it never runs them.
	{"vacuum", leading("VACUUM"), "VACUUM rewrites storage"},
	{"reindex", leading("REINDEX"), "REINDEX rewrites indexes"},
	{"cluster", leading("CLUSTER"), "CLUSTER rewrites tables"},
	{"reset", leading("RESET"), "RESET changes session state"},
	{"load", leading("LOAD"), "LOAD alters the server"},
	{"set_statement", regexp.MustCompile(`(?i)(?:^|;)\s*SET\b`), "SET changes session state"},
}

// injectionPatterns catch classic injection shapes that survive the keyword
// checks, e.g. boolean tautologies smuggled into a SELECT.
var injectionPatterns = []*Pattern{
	{
		"union_after_termination",
		regexp.MustCompile(`(?i)['")]\s*UNION\s+(ALL\s+)?SELECT\b`),
		"UNION SELECT after a string terminator",
	},
	{
		"or_numeric_tautology",
		regexp.MustCompile(`(?i)\bOR\s+['"]?\d+['"]?\s*=\s*['"]?\d+['"]?`),
		"always-true numeric OR condition",
	},
	{
		"or_string_tautology",
		regexp.MustCompile(`(?i)\bOR\s+['"][^'"]*['"]\s*=\s*['"][^'"]*['"]`),
		"always-true string OR condition",
	},
	{
		"sleep_function",
		regexp.MustCompile(`(?i)\b(PG_SLEEP|SLEEP)\s*\(`),
		"time-based probe function",
	},
}

// allowedLeading are the only statement-opening keywords accepted.
var allowedLeading = []string{"SELECT", "WITH", "EXPLAIN", "SHOW"}

func keyword(kw string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^A-Za-z0-9_])` + kw + `(?:[^A-Za-z0-9_]|$)`)
}

func leading(kw string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|;)\s*` + kw + `\b`)
}
