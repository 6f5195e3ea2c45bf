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
	"strings"

	"pgscope/platform/connectors/base"
)

// Defaults for slow query identification.
const (
	DefaultSlowQueryMinMS = 100.0
	DefaultSlowQueryLimit = 20
)

const statStatementsCheckSQL = `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_stat_statements') AS present`

const slowQueriesSQL = `
SELECT
    query,
    calls,
    total_exec_time,
    mean_exec_time,
    max_exec_time,
    rows,
    100.0 * shared_blks_hit / nullif(shared_blks_hit + shared_blks_read, 0) AS hit_percent,
    temp_blks_written
FROM pg_stat_statements
WHERE mean_exec_time >= $1
ORDER BY mean_exec_time DESC
LIMIT $2`

const longRunningSQL = `
SELECT
    pid,
    usename,
    application_name,
    state,
    EXTRACT(EPOCH FROM (now() - query_start)) * 1000 AS duration_ms,
    query
FROM pg_stat_activity
WHERE state = 'active'
AND query_start < now() - interval '30 seconds'
AND query NOT LIKE '%pg_stat_activity%'
ORDER BY query_start`

// statStatementsRemediation lists the enablement steps reported when the
// extension is missing.
var statStatementsRemediation = []string{
	"Install pg_stat_statements extension: CREATE EXTENSION pg_stat_statements;",
	"Add 'pg_stat_statements' to shared_preload_libraries in postgresql.conf",
	"Restart PostgreSQL server after configuration change",
	"For RDS instances, modify the parameter group and restart the instance",
}

// AnalyzeSlowQueries surfaces the slowest statements from pg_stat_statements
// and any statement running longer than 30 seconds right now. Without the
// extension it returns an Unavailable result rather than an error.
func AnalyzeSlowQueries(ctx context.Context, r Runner, minMS float64, limit int) (*Result, error) {
	if minMS <= 0 {
		minMS = DefaultSlowQueryMinMS
	}
	if limit <= 0 {
		limit = DefaultSlowQueryLimit
	}
	res := newResult("slow_queries")
	res.Metadata["min_execution_time_ms"] = minMS
	res.Metadata["limit"] = limit

	present, err := hasStatStatements(ctx, r)
	if err != nil {
		return nil, err
	}
	if !present {
		res.Unavailable = true
		res.Remediation = statStatementsRemediation
		res.Summary = "pg_stat_statements extension is not available"
		return res, nil
	}

	rows, err := r.Run(ctx, slowQueriesSQL, minMS, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("reading pg_stat_statements: %w", err)
	}

	for _, row := range rows {
		mean, _ := base.ToFloat(row["mean_exec_time"])
		calls, _ := base.ToInt(row["calls"])
		hit, hitOK := base.ToFloat(row["hit_percent"])
		tempBlocks, _ := base.ToInt(row["temp_blks_written"])
		query := truncateQuery(base.ToString(row["query"]))

		sev := SeverityLow
		category := "acceptable"
		switch {
		case mean > 5000:
			sev, category = SeverityCritical, "critical"
		case mean > 1000:
			sev, category = SeverityHigh, "poor"
		case mean > 500:
			sev, category = SeverityMedium, "moderate"
		}

		res.addAction(sev, "EXPLAIN the statement and review its plan",
			"%s: mean %.1fms over %d calls: %s", category, mean, calls, query)

		if hitOK && hit < 90 && calls > 10 {
			res.add(SeverityMedium, "statement has a %.1f%% cache hit rate: %s", hit, query)
		}
		if tempBlocks > 0 {
			res.addAction(SeverityMedium, "increase work_mem or reduce the working set",
				"statement spills to temporary files: %s", query)
		}
	}
	res.Metadata["slow_queries_found"] = len(rows)

	current, err := r.Run(ctx, longRunningSQL)
	if err != nil {
		return nil, fmt.Errorf("reading pg_stat_activity: %w", err)
	}
	for _, row := range current {
		pid, _ := base.ToInt(row["pid"])
		duration, _ := base.ToFloat(row["duration_ms"])
		res.addAction(SeverityHigh, "investigate, and cancel with pg_cancel_backend if stuck",
			"pid %d has been running for %.0fms: %s", pid, duration, truncateQuery(base.ToString(row["query"])))
	}
	res.Metadata["currently_long_running"] = len(current)

	if len(res.Findings) == 0 {
		res.Summary = fmt.Sprintf("no statements with mean execution time above %.0fms", minMS)
	} else {
		res.Summary = fmt.Sprintf("%d slow statements, %d currently long-running", len(rows), len(current))
	}
	return res, nil
}

func hasStatStatements(ctx context.Context, r Runner) (bool, error) {
	rows, err := r.Run(ctx, statStatementsCheckSQL)
	if err != nil {
		return false, fmt.Errorf("checking pg_stat_statements: %w", err)
	}
	if len(rows) == 0 {
		return false, nil
	}
	present, _ := base.ToBool(rows[0]["present"])
	return present, nil
}

func truncateQuery(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 200 {
		return q[:200] + "..."
	}
	return q
}
