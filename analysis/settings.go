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

	"pgscope/platform/connectors/base"
)

const settingsSQL = `
SELECT
    name,
    setting,
    unit,
    category,
    source,
    boot_val,
    reset_val,
    pending_restart
FROM pg_settings
ORDER BY category, name`

const settingsFilteredSQL = `
SELECT
    name,
    setting,
    unit,
    category,
    source,
    boot_val,
    reset_val,
    pending_restart
FROM pg_settings
WHERE name ILIKE $1
ORDER BY category, name`

type settingRow struct {
	Name           string
	Setting        string
	Unit           string
	Source         string
	BootVal        string
	ResetVal       string
	PendingRestart bool
}

// AnalyzeSettings reviews server configuration for common misconfiguration.
// The optional pattern filters setting names (SQL ILIKE, wrapped in %).
func AnalyzeSettings(ctx context.Context, r Runner, pattern string) (*Result, error) {
	res := newResult("settings")

	var rows []map[string]any
	var err error
	if pattern != "" {
		rows, err = r.Run(ctx, settingsFilteredSQL, "%"+pattern+"%")
	} else {
		rows, err = r.Run(ctx, settingsSQL)
	}
	if err != nil {
		return nil, fmt.Errorf("reading pg_settings: %w", err)
	}

	modified := 0
	pendingRestart := 0
	for _, row := range rows {
		s := settingRow{
			Name:     base.ToString(row["name"]),
			Setting:  base.ToString(row["setting"]),
			Unit:     base.ToString(row["unit"]),
			Source:   base.ToString(row["source"]),
			BootVal:  base.ToString(row["boot_val"]),
			ResetVal: base.ToString(row["reset_val"]),
		}
		s.PendingRestart, _ = base.ToBool(row["pending_restart"])

		if s.Setting != s.ResetVal {
			modified++
		}
		if s.PendingRestart {
			pendingRestart++
			res.add(SeverityInfo, "setting %s = %s requires a restart to take effect", s.Name, s.Setting)
		}
		checkSetting(s, res)
	}

	res.Metadata["settings_reviewed"] = len(rows)
	res.Metadata["settings_modified"] = modified
	res.Metadata["pending_restart"] = pendingRestart
	if pattern != "" {
		res.Metadata["filter_pattern"] = pattern
	}

	if len(res.Findings) == 0 {
		res.Summary = fmt.Sprintf("no issues in %d reviewed settings", len(rows))
	} else {
		res.Summary = fmt.Sprintf("%d findings across %d settings", len(res.Findings), len(rows))
	}
	return res, nil
}

// checkSetting applies the per-parameter rules. Units follow pg_settings
// conventions: shared_buffers in 8kB pages, work_mem in kB.
func checkSetting(s settingRow, res *Result) {
	switch s.Name {
	case "shared_buffers":
		if s.Unit == "8kB" {
			if pages, err := strconv.ParseInt(s.Setting, 10, 64); err == nil {
				mb := pages * 8 / 1024
				if mb < 128 {
					res.addAction(SeverityHigh, "increase shared_buffers toward 25% of available RAM",
						"shared_buffers is very low (%dMB)", mb)
				}
			}
		}
	case "work_mem":
		if s.Unit == "kB" {
			if kb, err := strconv.ParseInt(s.Setting, 10, 64); err == nil && kb/1024 < 4 {
				res.addAction(SeverityMedium, "increase work_mem for better sort and hash performance",
					"work_mem is very low (%.1fMB)", float64(kb)/1024)
			}
		}
	case "max_connections":
		if n, err := strconv.Atoi(s.Setting); err == nil && n > 200 {
			res.addAction(SeverityMedium, "reduce max_connections and use connection pooling",
				"max_connections is high (%d)", n)
		}
	case "autovacuum":
		if strings.EqualFold(s.Setting, "off") {
			res.addAction(SeverityCritical, "set autovacuum = on",
				"autovacuum is disabled")
		}
	case "log_min_duration_statement":
		if s.Setting == "-1" {
			res.addAction(SeverityLow, "set log_min_duration_statement to capture slow statements",
				"slow statement logging is disabled")
		}
	case "checkpoint_completion_target":
		if v, err := strconv.ParseFloat(s.Setting, 64); err == nil && v < 0.5 {
			res.addAction(SeverityLow, "raise checkpoint_completion_target toward 0.9",
				"checkpoint_completion_target of %.1f causes bursty checkpoint I/O", v)
		}
	}
}
