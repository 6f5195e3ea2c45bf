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
	"encoding/json"
	"fmt"

	"pgscope/platform/connectors/base"
)

// planNode is one node of an EXPLAIN (FORMAT JSON) tree.
type planNode struct {
	NodeType     string     `json:"Node Type"`
	RelationName string     `json:"Relation Name"`
	IndexName    string     `json:"Index Name"`
	TotalCost    float64    `json:"Total Cost"`
	PlanRows     int64      `json:"Plan Rows"`
	ActualRows   int64      `json:"Actual Rows"`
	SortKey      []string   `json:"Sort Key"`
	Plans        []planNode `json:"Plans"`
}

type explainEntry struct {
	Plan planNode `json:"Plan"`
}

// AnalyzeQueryPerformance explains a statement and walks the plan for
// common trouble spots. With analyze set the statement actually runs under
// EXPLAIN ANALYZE, which is only safe because execution stays inside the
// read-only session; plain EXPLAIN is used otherwise.
func AnalyzeQueryPerformance(ctx context.Context, r Runner, query string, analyze bool) (*Result, error) {
	res := newResult("query_performance")

	explain := "EXPLAIN (FORMAT JSON) " + query
	if analyze {
		explain = "EXPLAIN (ANALYZE, BUFFERS, FORMAT JSON) " + query
	}

	rows, err := r.Run(ctx, explain)
	if err != nil {
		// Some statements reject ANALYZE; retry with the plain form
		// before giving up.
		if analyze {
			return AnalyzeQueryPerformance(ctx, r, query, false)
		}
		return nil, fmt.Errorf("explaining statement: %w", err)
	}

	root, err := parseExplainJSON(rows)
	if err != nil {
		return nil, err
	}

	walkPlan(root, res)

	res.Metadata["total_cost"] = root.TotalCost
	res.Metadata["analyzed"] = analyze
	if len(res.Findings) == 0 {
		res.Summary = fmt.Sprintf("no plan issues found (total cost %.1f)", root.TotalCost)
	} else {
		res.Summary = fmt.Sprintf("%d plan findings (total cost %.1f)", len(res.Findings), root.TotalCost)
	}
	return res, nil
}

// parseExplainJSON extracts the plan tree from the single JSON row EXPLAIN
// (FORMAT JSON) returns.
func parseExplainJSON(rows []map[string]any) (*planNode, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("explain returned no plan")
	}
	var payload string
	for _, v := range rows[0] {
		payload = base.ToString(v)
		break
	}
	var entries []explainEntry
	if err := json.Unmarshal([]byte(payload), &entries); err != nil {
		return nil, fmt.Errorf("parsing explain output: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("explain returned an empty plan")
	}
	return &entries[0].Plan, nil
}

func walkPlan(node *planNode, res *Result) {
	switch node.NodeType {
	case "Seq Scan":
		if node.PlanRows > 10000 {
			res.addAction(SeverityHigh, "add an index matching the scan's filter",
				"sequential scan on %s over an estimated %d rows", node.RelationName, node.PlanRows)
		}
	case "Nested Loop":
		if node.PlanRows > 10000 {
			res.addAction(SeverityMedium, "check join conditions and available indexes",
				"nested loop join producing an estimated %d rows", node.PlanRows)
		}
	case "Sort":
		if node.PlanRows > 10000 {
			res.addAction(SeverityMedium, "consider an index on the sort key",
				"large sort of an estimated %d rows on %v", node.PlanRows, node.SortKey)
		}
	}
	if node.TotalCost > 1000 && len(node.Plans) == 0 {
		res.add(SeverityLow, "%s node has high cost %.1f", node.NodeType, node.TotalCost)
	}
	for i := range node.Plans {
		walkPlan(&node.Plans[i], res)
	}
}
