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
	"strconv"
	"strings"
	"time"

	"pgscope/platform/connectors/base"
)

// staleVacuumAge bounds how long a table with ongoing writes may go without
// any vacuum before it is flagged.
const staleVacuumAge = 7 * 24 * time.Hour

const vacuumStatsSQL = `
SELECT
    schemaname,
    relname AS tablename,
    n_tup_ins AS inserts,
    n_tup_upd AS updates,
    n_tup_del AS deletes,
    n_live_tup AS live_tuples,
    n_dead_tup AS dead_tuples,
    last_vacuum,
    last_autovacuum,
    vacuum_count,
    autovacuum_count,
    last_analyze,
    last_autoanalyze,
    pg_total_relation_size(schemaname||'.'||relname) AS table_bytes
FROM pg_stat_user_tables
ORDER BY pg_total_relation_size(schemaname||'.'||relname) DESC`

const autovacuumSettingsSQL = `
SELECT name, setting, unit
FROM pg_settings
WHERE name LIKE 'autovacuum%' OR name IN (
    'vacuum_cost_delay',
    'vacuum_cost_limit',
    'vacuum_cost_page_hit',
    'vacuum_cost_page_miss',
    'vacuum_cost_page_dirty'
)
ORDER BY name`

// AnalyzeVacuum reviews dead-tuple accumulation, vacuum history, and the
// autovacuum configuration.
func AnalyzeVacuum(ctx context.Context, r Runner) (*Result, error) {
	res := newResult("vacuum")

	rows, err := r.Run(ctx, vacuumStatsSQL)
	if err != nil {
		return nil, fmt.Errorf("reading vacuum statistics: %w", err)
	}

	neverVacuumed := 0
	for _, row := range rows {
		name := base.ToString(row["schemaname"]) + "." + base.ToString(row["tablename"])
		live, _ := base.ToInt(row["live_tuples"])
		dead, _ := base.ToInt(row["dead_tuples"])
		ins, _ := base.ToInt(row["inserts"])
		upd, _ := base.ToInt(row["updates"])
		del, _ := base.ToInt(row["deletes"])
		vacs, _ := base.ToInt(row["vacuum_count"])
		autovacs, _ := base.ToInt(row["autovacuum_count"])

		mods := ins + upd + del
		vacuumOps := vacs + autovacs
		deadPercent := bloatPercent(live, dead)
		wasVacuumed := row["last_vacuum"] != nil || row["last_autovacuum"] != nil
		wasAnalyzed := row["last_analyze"] != nil || row["last_autoanalyze"] != nil

		if !wasVacuumed {
			neverVacuumed++
		}

		if deadPercent > 20 {
			res.addAction(SeverityHigh, "run VACUUM now",
				"table %s has %.1f%% dead tuples (%d dead)", name, deadPercent, dead)
		}
		if !wasAnalyzed && mods > 1000 {
			res.addAction(SeverityMedium, "run ANALYZE",
				"table %s has never been analyzed despite %d modifications", name, mods)
		}
		if mods > 100000 {
			perVacuum := float64(mods) / float64(max64(vacuumOps, 1))
			if perVacuum > 50000 {
				res.addAction(SeverityMedium, "lower the table's autovacuum scale factor",
					"high-churn table %s averages %.0f modifications per vacuum", name, perVacuum)
			}
		}
		if mods > 10000 && vacuumOps == 0 {
			res.addAction(SeverityHigh, "review autovacuum configuration for this table",
				"table %s was never vacuumed despite %d modifications", name, mods)
		}
		if last, ok := lastVacuumTime(row); ok && mods > 1000 && time.Since(last) > staleVacuumAge {
			res.addAction(SeverityMedium, "schedule a VACUUM or lower the table's autovacuum scale factor",
				"table %s was last vacuumed %d days ago despite ongoing writes",
				name, int(time.Since(last).Hours()/24))
		}
	}

	settings, err := autovacuumSettings(ctx, r)
	if err != nil {
		return nil, err
	}
	settingsFindings(settings, res)

	if neverVacuumed > 0 {
		res.add(SeverityInfo, "%d tables have never been vacuumed", neverVacuumed)
	}

	res.Metadata["tables_analyzed"] = len(rows)
	res.Metadata["tables_never_vacuumed"] = neverVacuumed
	res.Metadata["autovacuum_settings"] = settings

	if len(res.Findings) == 0 {
		res.Summary = fmt.Sprintf("vacuum operations healthy across %d tables", len(rows))
	} else {
		res.Summary = fmt.Sprintf("%d vacuum findings across %d tables", len(res.Findings), len(rows))
	}
	return res, nil
}

// lastVacuumTime returns the most recent manual or automatic vacuum time.
// Timestamps arrive as time.Time from one backend and as text from the
// other; ToTime accepts both.
func lastVacuumTime(row map[string]any) (time.Time, bool) {
	last, ok := base.ToTime(row["last_vacuum"])
	if auto, autoOK := base.ToTime(row["last_autovacuum"]); autoOK && (!ok || auto.After(last)) {
		return auto, true
	}
	return last, ok
}

func autovacuumSettings(ctx context.Context, r Runner) (map[string]string, error) {
	rows, err := r.Run(ctx, autovacuumSettingsSQL)
	if err != nil {
		return nil, fmt.Errorf("reading autovacuum settings: %w", err)
	}
	settings := make(map[string]string, len(rows))
	for _, row := range rows {
		settings[base.ToString(row["name"])] = base.ToString(row["setting"])
	}
	return settings, nil
}

func settingsFindings(settings map[string]string, res *Result) {
	if strings.EqualFold(settings["autovacuum"], "off") {
		res.addAction(SeverityCritical, "set autovacuum = on",
			"autovacuum is disabled")
	}
	if v, err := strconv.Atoi(settings["autovacuum_vacuum_threshold"]); err == nil && v > 100 {
		res.addAction(SeverityLow, "lower autovacuum_vacuum_threshold for small tables",
			"autovacuum_vacuum_threshold is %d", v)
	}
	if v, err := strconv.ParseFloat(settings["autovacuum_vacuum_scale_factor"], 64); err == nil && v > 0.2 {
		res.addAction(SeverityLow, "lower autovacuum_vacuum_scale_factor for more frequent vacuuming",
			"autovacuum_vacuum_scale_factor is %.2f", v)
	}
	if v, err := strconv.ParseFloat(settings["autovacuum_vacuum_cost_delay"], 64); err == nil && v > 20 {
		res.addAction(SeverityLow, "reduce autovacuum_vacuum_cost_delay",
			"autovacuum_vacuum_cost_delay of %.0fms slows vacuum work", v)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
