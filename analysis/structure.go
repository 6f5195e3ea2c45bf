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

	"pgscope/platform/connectors/base"
)

const tablesSQL = `
SELECT
    t.table_schema,
    t.table_name,
    pg_total_relation_size(c.oid) AS size_bytes,
    c.reltuples::bigint AS row_estimate
FROM information_schema.tables t
JOIN pg_class c ON c.relname = t.table_name
JOIN pg_namespace n ON n.nspname = t.table_schema AND n.oid = c.relnamespace
WHERE t.table_schema NOT IN ('pg_catalog', 'information_schema')
AND t.table_type = 'BASE TABLE'
ORDER BY pg_total_relation_size(c.oid) DESC`

const primaryKeysSQL = `
SELECT tc.table_schema, tc.table_name
FROM information_schema.table_constraints tc
WHERE tc.constraint_type = 'PRIMARY KEY'
AND tc.table_schema NOT IN ('pg_catalog', 'information_schema')`

const foreignKeysSQL = `
SELECT
    tc.table_schema,
    tc.table_name,
    kcu.column_name,
    ccu.table_schema AS foreign_table_schema,
    ccu.table_name AS foreign_table_name,
    tc.constraint_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
    ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
    ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
AND tc.table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY tc.table_schema, tc.table_name`

const indexedColumnsSQL = `
SELECT
    t.schemaname AS table_schema,
    t.tablename AS table_name,
    a.attname AS column_name
FROM pg_tables t
JOIN pg_class c ON c.relname = t.tablename
JOIN pg_namespace n ON n.nspname = t.schemaname AND n.oid = c.relnamespace
JOIN pg_index idx ON idx.indrelid = c.oid
JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = idx.indkey[0]
WHERE t.schemaname NOT IN ('pg_catalog', 'information_schema')`

// unboundedTextColumnsSQL lists text and varchar columns declared without a
// maximum length. CHECK-constrained columns are excluded: a length check on
// the column bounds it even when the type does not.
const unboundedTextColumnsSQL = `
SELECT
    c.table_schema,
    c.table_name,
    c.column_name,
    c.data_type
FROM information_schema.columns c
JOIN information_schema.tables t
    ON c.table_name = t.table_name AND c.table_schema = t.table_schema
WHERE c.table_schema NOT IN ('pg_catalog', 'information_schema')
AND t.table_type = 'BASE TABLE'
AND c.data_type IN ('text', 'character varying')
AND c.character_maximum_length IS NULL
AND NOT EXISTS (
    SELECT 1
    FROM information_schema.constraint_column_usage ccu
    JOIN information_schema.table_constraints tc
        ON tc.constraint_name = ccu.constraint_name
        AND tc.table_schema = ccu.table_schema
    WHERE tc.constraint_type = 'CHECK'
    AND ccu.table_schema = c.table_schema
    AND ccu.table_name = c.table_name
    AND ccu.column_name = c.column_name
)
ORDER BY c.table_schema, c.table_name, c.ordinal_position`

const tableScansSQL = `
SELECT
    schemaname AS table_schema,
    relname AS table_name,
    seq_scan,
    idx_scan,
    n_live_tup,
    n_dead_tup
FROM pg_stat_user_tables
ORDER BY seq_scan DESC`

// tableSchemaSQL describes one table's columns. The regclass cast resolves
// schema-qualified and quoted names the same way psql does.
const tableSchemaSQL = `
SELECT
    a.attname AS column_name,
    pg_catalog.format_type(a.atttypid, a.atttypmod) AS data_type,
    col_description(a.attrelid, a.attnum) AS column_comment,
    NOT a.attnotnull AS is_nullable,
    pg_get_expr(d.adbin, d.adrelid) AS column_default
FROM pg_attribute a
LEFT JOIN pg_attrdef d ON a.attrelid = d.adrelid AND a.attnum = d.adnum
WHERE a.attrelid = $1::regclass
AND a.attnum > 0
AND NOT a.attisdropped
ORDER BY a.attnum`

// GetTableSchema returns one table's column descriptions as ordered rows.
func GetTableSchema(ctx context.Context, r Runner, table string) ([]map[string]any, error) {
	rows, err := r.Run(ctx, tableSchemaSQL, table)
	if err != nil {
		return nil, fmt.Errorf("describing table %s: %w", table, err)
	}
	return rows, nil
}

// AnalyzeStructure reviews schema design: missing primary keys, foreign
// keys without a supporting index, unbounded text columns on large tables,
// and access patterns that suggest missing indexes.
func AnalyzeStructure(ctx context.Context, r Runner) (*Result, error) {
	res := newResult("structure")

	tables, err := r.Run(ctx, tablesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}

	pkRows, err := r.Run(ctx, primaryKeysSQL)
	if err != nil {
		return nil, fmt.Errorf("listing primary keys: %w", err)
	}
	hasPK := make(map[string]bool, len(pkRows))
	for _, row := range pkRows {
		hasPK[qualified(row, "table_schema", "table_name")] = true
	}

	var totalBytes int64
	rowEstimates := make(map[string]int64, len(tables))
	for _, row := range tables {
		name := qualified(row, "table_schema", "table_name")
		size, _ := base.ToInt(row["size_bytes"])
		totalBytes += size
		rowEstimates[name], _ = base.ToInt(row["row_estimate"])
		if !hasPK[name] {
			res.addAction(SeverityHigh, "add a primary key",
				"table %s has no primary key", name)
		}
	}

	unbounded, err := r.Run(ctx, unboundedTextColumnsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing unbounded text columns: %w", err)
	}
	for _, row := range unbounded {
		table := qualified(row, "table_schema", "table_name")
		if rowEstimates[table] <= 10000 {
			continue
		}
		column := base.ToString(row["column_name"])
		res.addAction(SeverityLow,
			fmt.Sprintf("add a length limit or CHECK constraint on %s.%s", table, column),
			"column %s.%s is an unconstrained %s on a table with ~%d rows",
			table, column, base.ToString(row["data_type"]), rowEstimates[table])
	}

	indexed, err := r.Run(ctx, indexedColumnsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing indexed columns: %w", err)
	}
	leadingIndexed := make(map[string]bool, len(indexed))
	for _, row := range indexed {
		key := qualified(row, "table_schema", "table_name") + "." + base.ToString(row["column_name"])
		leadingIndexed[key] = true
	}

	fks, err := r.Run(ctx, foreignKeysSQL)
	if err != nil {
		return nil, fmt.Errorf("listing foreign keys: %w", err)
	}
	for _, row := range fks {
		table := qualified(row, "table_schema", "table_name")
		column := base.ToString(row["column_name"])
		if !leadingIndexed[table+"."+column] {
			res.addAction(SeverityMedium,
				fmt.Sprintf("CREATE INDEX ON %s (%s)", table, column),
				"foreign key %s.%s has no supporting index", table, column)
		}
	}

	scans, err := r.Run(ctx, tableScansSQL)
	if err != nil {
		return nil, fmt.Errorf("reading scan statistics: %w", err)
	}
	for _, row := range scans {
		name := qualified(row, "table_schema", "table_name")
		seq, _ := base.ToInt(row["seq_scan"])
		idx, _ := base.ToInt(row["idx_scan"])
		live, _ := base.ToInt(row["n_live_tup"])
		dead, _ := base.ToInt(row["n_dead_tup"])

		if seq > 1000 && idx == 0 && live > 10000 {
			res.addAction(SeverityHigh, "review query patterns and add indexes",
				"table %s: %d sequential scans, no index scans, ~%d rows", name, seq, live)
		}
		if dp := bloatPercent(live, dead); dp > 20 {
			res.addAction(SeverityMedium, "run VACUUM",
				"table %s has %.1f%% dead tuples", name, dp)
		}
	}

	res.Metadata["tables_analyzed"] = len(tables)
	res.Metadata["foreign_keys"] = len(fks)
	res.Metadata["total_size_bytes"] = totalBytes

	if len(res.Findings) == 0 {
		res.Summary = fmt.Sprintf("no structural issues in %d tables (%s total)",
			len(tables), base.FormatBytes(totalBytes))
	} else {
		res.Summary = fmt.Sprintf("%d structural findings across %d tables",
			len(res.Findings), len(tables))
	}
	return res, nil
}

func qualified(row map[string]any, schemaKey, nameKey string) string {
	return base.ToString(row[schemaKey]) + "." + base.ToString(row[nameKey])
}
