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
	"regexp"
	"sort"
	"strings"

	"pgscope/platform/connectors/base"
)

// candidateKind orders columns inside a composite suggestion: equality
// columns lead, range columns follow, sort columns last.
type candidateKind int

const (
	kindEquality candidateKind = iota
	kindRange
	kindSort
)

type indexCandidate struct {
	Table  string
	Column string
	Kind   candidateKind
	Source string
}

var (
	fromRe    = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([a-z_][a-z0-9_.]*)(?:\s+(?:AS\s+)?([a-z_][a-z0-9_]*))?`)
	eqCondRe  = regexp.MustCompile(`(?i)\b(?:([a-z_][a-z0-9_]*)\.)?([a-z_][a-z0-9_]*)\s*=\s*(?:\$\d+|'[^']*'|\d)`)
	rangeRe   = regexp.MustCompile(`(?i)\b(?:([a-z_][a-z0-9_]*)\.)?([a-z_][a-z0-9_]*)\s*(?:>=|<=|>|<|BETWEEN)\s*`)
	joinOnRe  = regexp.MustCompile(`(?i)\bON\s+(?:([a-z_][a-z0-9_]*)\.)?([a-z_][a-z0-9_]*)\s*=\s*(?:([a-z_][a-z0-9_]*)\.)?([a-z_][a-z0-9_]*)`)
	orderByRe = regexp.MustCompile(`(?i)\bORDER\s+BY\s+([a-z0-9_.,\s]+?)(?:\bLIMIT\b|\bOFFSET\b|$)`)
	groupByRe = regexp.MustCompile(`(?i)\bGROUP\s+BY\s+([a-z0-9_.,\s]+?)(?:\bHAVING\b|\bORDER\b|\bLIMIT\b|$)`)
)

// sqlKeywords are identifiers the clause regexes may capture that are not
// column references.
var sqlKeywords = map[string]bool{
	"select": true, "where": true, "and": true, "or": true, "not": true,
	"null": true, "true": true, "false": true, "on": true, "in": true,
	"as": true, "asc": true, "desc": true, "limit": true, "offset": true,
	"interval": true, "case": true, "when": true, "then": true, "else": true,
	"end": true,
}

// extractCandidates parses a statement for columns that would benefit from
// an index. Purely lexical: no catalog access, no statement execution.
func extractCandidates(query string) []indexCandidate {
	aliases := map[string]string{}
	var defaultTable string
	for _, m := range fromRe.FindAllStringSubmatch(query, -1) {
		table := m[1]
		if defaultTable == "" {
			defaultTable = table
		}
		if m[2] != "" && !sqlKeywords[strings.ToLower(m[2])] {
			aliases[strings.ToLower(m[2])] = table
		}
		aliases[strings.ToLower(table)] = table
	}

	resolve := func(alias string) string {
		if alias == "" {
			return defaultTable
		}
		if t, ok := aliases[strings.ToLower(alias)]; ok {
			return t
		}
		return alias
	}

	seen := map[string]bool{}
	var out []indexCandidate
	addCandidate := func(table, column string, kind candidateKind, source string) {
		if table == "" || column == "" || sqlKeywords[strings.ToLower(column)] {
			return
		}
		key := fmt.Sprintf("%s.%s", table, column)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, indexCandidate{Table: table, Column: column, Kind: kind, Source: source})
	}

	wherePart := query
	if i := strings.Index(strings.ToUpper(query), "WHERE"); i >= 0 {
		wherePart = query[i:]
	} else {
		wherePart = ""
	}

	for _, m := range eqCondRe.FindAllStringSubmatch(wherePart, -1) {
		addCandidate(resolve(m[1]), m[2], kindEquality, "WHERE clause")
	}
	for _, m := range rangeRe.FindAllStringSubmatch(wherePart, -1) {
		addCandidate(resolve(m[1]), m[2], kindRange, "WHERE clause")
	}
	for _, m := range joinOnRe.FindAllStringSubmatch(query, -1) {
		addCandidate(resolve(m[1]), m[2], kindEquality, "JOIN condition")
		addCandidate(resolve(m[3]), m[4], kindEquality, "JOIN condition")
	}
	for _, clause := range [][2]any{{orderByRe, "ORDER BY"}, {groupByRe, "GROUP BY"}} {
		re := clause[0].(*regexp.Regexp)
		source := clause[1].(string)
		if m := re.FindStringSubmatch(query); m != nil {
			for _, col := range strings.Split(m[1], ",") {
				col = strings.TrimSpace(col)
				col = strings.TrimSuffix(strings.TrimSuffix(strings.ToLower(col), " desc"), " asc")
				col = strings.TrimSpace(col)
				alias, name := "", col
				if i := strings.Index(col, "."); i >= 0 {
					alias, name = col[:i], col[i+1:]
				}
				addCandidate(resolve(alias), name, kindSort, source)
			}
		}
	}
	return out
}

// RecommendIndexes suggests indexes for a statement by comparing its column
// references against existing leading index columns. Suggestions are
// recommendation text only; no DDL is executed.
func RecommendIndexes(ctx context.Context, r Runner, query string) (*Result, error) {
	res := newResult("index_recommendation")

	candidates := extractCandidates(query)
	if len(candidates) == 0 {
		res.Summary = "no indexable column references found in the statement"
		return res, nil
	}

	existing, err := r.Run(ctx, indexedColumnsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing existing indexes: %w", err)
	}
	covered := make(map[string]bool, len(existing))
	for _, row := range existing {
		key := strings.ToLower(base.ToString(row["table_name"]) + "." + base.ToString(row["column_name"]))
		covered[key] = true
	}

	// Strip any schema prefix when checking coverage; candidates carry the
	// table name as written in the statement.
	byTable := map[string][]indexCandidate{}
	uncovered := 0
	for _, c := range candidates {
		bare := c.Table
		if i := strings.LastIndex(bare, "."); i >= 0 {
			bare = bare[i+1:]
		}
		if covered[strings.ToLower(bare+"."+c.Column)] {
			continue
		}
		uncovered++
		byTable[c.Table] = append(byTable[c.Table], c)
	}

	tables := make([]string, 0, len(byTable))
	for t := range byTable {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	for _, table := range tables {
		cols := byTable[table]
		sort.SliceStable(cols, func(i, j int) bool { return cols[i].Kind < cols[j].Kind })
		names := make([]string, len(cols))
		for i, c := range cols {
			names[i] = c.Column
		}
		ddl := fmt.Sprintf("CREATE INDEX ON %s (%s)", table, strings.Join(names, ", "))
		res.addAction(SeverityMedium, ddl,
			"columns %s on %s are referenced (%s) but not covered by an index",
			strings.Join(names, ", "), table, cols[0].Source)
	}

	res.Metadata["candidates_found"] = len(candidates)
	res.Metadata["candidates_uncovered"] = uncovered
	if len(res.Findings) == 0 {
		res.Summary = fmt.Sprintf("all %d referenced columns are already covered by indexes", len(candidates))
	} else {
		res.Summary = fmt.Sprintf("%d index suggestions for %d uncovered columns", len(res.Findings), uncovered)
	}
	return res, nil
}
