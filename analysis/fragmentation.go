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
	"sort"

	"pgscope/platform/connectors/base"
)

// DefaultBloatThreshold is the bloat percentage below which tables are not
// reported.
const DefaultBloatThreshold = 10.0

const tableBloatSQL = `
SELECT
    schemaname,
    relname AS tablename,
    pg_total_relation_size(schemaname||'.'||relname) AS total_bytes,
    pg_relation_size(schemaname||'.'||relname) AS table_bytes,
    n_live_tup AS live_tuples,
    n_dead_tup AS dead_tuples,
    last_vacuum,
    last_autovacuum
FROM pg_stat_user_tables
ORDER BY n_dead_tup DESC`

const indexUsageSQL = `
SELECT
    schemaname,
    relname AS tablename,
    indexrelname AS indexname,
    pg_relation_size(indexrelid) AS index_bytes,
    idx_scan AS scans,
    idx_tup_read AS tuples_read,
    idx_tup_fetch AS tuples_fetched
FROM pg_stat_user_indexes
ORDER BY pg_relation_size(indexrelid) DESC`

// tableBloat is one table's fragmentation estimate.
type tableBloat struct {
	Schema        string
	Table         string
	TableBytes    int64
	LiveTuples    int64
	DeadTuples    int64
	BloatPercent  float64
	WastedBytes   int64
	NeverVacuumed bool
}

// bloatPercent estimates fragmentation from tuple counters. The estimate
// needs no pgstattuple extension, which managed clusters rarely enable.
func bloatPercent(live, dead int64) float64 {
	if live+dead <= 0 {
		return 0
	}
	return 100.0 * float64(dead) / float64(live+dead)
}

// AnalyzeFragmentation reports table and index bloat above the threshold.
// A threshold <= 0 falls back to DefaultBloatThreshold.
func AnalyzeFragmentation(ctx context.Context, r Runner, threshold float64) (*Result, error) {
	if threshold <= 0 {
		threshold = DefaultBloatThreshold
	}
	res := newResult("fragmentation")

	rows, err := r.Run(ctx, tableBloatSQL)
	if err != nil {
		return nil, fmt.Errorf("reading table statistics: %w", err)
	}

	var tables []tableBloat
	var totalWasted int64
	for _, row := range rows {
		live, _ := base.ToInt(row["live_tuples"])
		dead, _ := base.ToInt(row["dead_tuples"])
		tableBytes, _ := base.ToInt(row["table_bytes"])
		t := tableBloat{
			Schema:        base.ToString(row["schemaname"]),
			Table:         base.ToString(row["tablename"]),
			TableBytes:    tableBytes,
			LiveTuples:    live,
			DeadTuples:    dead,
			BloatPercent:  bloatPercent(live, dead),
			NeverVacuumed: row["last_vacuum"] == nil && row["last_autovacuum"] == nil,
		}
		t.WastedBytes = int64(float64(t.TableBytes) * t.BloatPercent / 100)
		totalWasted += t.WastedBytes
		tables = append(tables, t)
	}

	sort.Slice(tables, func(i, j int) bool { return tables[i].WastedBytes > tables[j].WastedBytes })

	flagged := 0
	for _, t := range tables {
		if t.BloatPercent <= threshold {
			continue
		}
		flagged++
		name := t.Schema + "." + t.Table
		wasted := base.FormatBytes(t.WastedBytes)
		switch {
		case t.BloatPercent > 50:
			res.addAction(SeverityCritical, "VACUUM FULL or pg_repack",
				"table %s has %.1f%% bloat (%s wasted)", name, t.BloatPercent, wasted)
		case t.BloatPercent > 25:
			res.addAction(SeverityHigh, "VACUUM, or increase autovacuum frequency",
				"table %s has %.1f%% bloat (%s wasted)", name, t.BloatPercent, wasted)
		default:
			res.addAction(SeverityMedium, "monitor and consider VACUUM",
				"table %s has %.1f%% bloat (%s wasted)", name, t.BloatPercent, wasted)
		}
		if t.NeverVacuumed {
			res.addAction(SeverityHigh, "run VACUUM now",
				"table %s has never been vacuumed", name)
		}
	}

	indexFindings, indexesAnalyzed, err := indexBloatFindings(ctx, r)
	if err != nil {
		return nil, err
	}
	res.Findings = append(res.Findings, indexFindings...)

	res.Metadata["threshold_percent"] = threshold
	res.Metadata["tables_analyzed"] = len(tables)
	res.Metadata["tables_above_threshold"] = flagged
	res.Metadata["indexes_analyzed"] = indexesAnalyzed
	res.Metadata["total_wasted_bytes"] = totalWasted

	if len(res.Findings) == 0 {
		res.Summary = fmt.Sprintf("all %d tables are below the %.1f%% bloat threshold", len(tables), threshold)
	} else {
		res.Summary = fmt.Sprintf("%d of %d tables above the %.1f%% bloat threshold, %s estimated wasted",
			flagged, len(tables), threshold, base.FormatBytes(totalWasted))
	}
	return res, nil
}

// indexBloatFindings flags unused and low-efficiency indexes. Without
// pgstattuple real index bloat cannot be measured, so usage counters stand
// in for it.
func indexBloatFindings(ctx context.Context, r Runner) ([]Finding, int, error) {
	rows, err := r.Run(ctx, indexUsageSQL)
	if err != nil {
		return nil, 0, fmt.Errorf("reading index statistics: %w", err)
	}

	const largeIndex = 1 << 20 // 1MB
	var findings []Finding
	for _, row := range rows {
		scans, _ := base.ToInt(row["scans"])
		read, _ := base.ToInt(row["tuples_read"])
		fetched, _ := base.ToInt(row["tuples_fetched"])
		size, _ := base.ToInt(row["index_bytes"])
		name := fmt.Sprintf("%s on %s.%s",
			base.ToString(row["indexname"]), base.ToString(row["schemaname"]), base.ToString(row["tablename"]))

		switch {
		case scans == 0 && size > largeIndex:
			findings = append(findings, Finding{
				Severity:        SeverityMedium,
				Message:         fmt.Sprintf("index %s is unused (%s)", name, base.FormatBytes(size)),
				SuggestedAction: "consider dropping the index",
			})
		case read > 0 && fetched == 0:
			findings = append(findings, Finding{
				Severity:        SeverityLow,
				Message:         fmt.Sprintf("index %s reads tuples but fetches none", name),
				SuggestedAction: "REINDEX or review the index definition",
			})
		}
	}
	return findings, len(rows), nil
}
