package analyzer

import (
	"encoding/json"
	"regexp"
	"slices"
	"strings"
)

// explainRoot mirrors the top level of EXPLAIN (FORMAT JSON) output.
type explainRoot struct {
	Plan planNode `json:"Plan"`
}

type planNode struct {
	NodeType     string     `json:"Node Type"`
	RelationName string     `json:"Relation Name"`
	Alias        string     `json:"Alias"`
	StartupCost  float64    `json:"Startup Cost"`
	TotalCost    float64    `json:"Total Cost"`
	PlanRows     int64      `json:"Plan Rows"`
	Filter       string     `json:"Filter"`
	IndexCond    string     `json:"Index Cond"`
	HashCond     string     `json:"Hash Cond"`
	JoinFilter   string     `json:"Join Filter"`
	Plans        []planNode `json:"Plans"`
}

// ParsePlan decodes the JSON produced by EXPLAIN (FORMAT JSON) and
// classifies the tree.
func ParsePlan(raw []byte) (Plan, error) {
	var roots []explainRoot
	if err := json.Unmarshal(raw, &roots); err != nil {
		return Plan{}, err
	}
	if len(roots) == 0 {
		return Plan{}, ErrExplainSkipped
	}

	root := roots[0].Plan
	p := Plan{
		TotalCost:     root.TotalCost,
		StartupCost:   root.StartupCost,
		EstRows:       root.PlanRows,
		FilterColumns: make(map[string][]string),
	}

	seenRel := make(map[string]bool)
	var walk func(n planNode, depth int)
	walk = func(n planNode, depth int) {
		if depth > p.Depth {
			p.Depth = depth
		}
		p.NodeTypes = append(p.NodeTypes, n.NodeType)

		switch {
		case n.NodeType == "Seq Scan":
			p.HasSeqScan = true
		case strings.Contains(n.NodeType, "Sort"):
			p.HasSort = true
		case n.NodeType == "Hash Join":
			p.HasHashJoin = true
		case n.NodeType == "Nested Loop":
			p.HasNestedLoop = true
		}

		if n.RelationName != "" && !seenRel[n.RelationName] {
			seenRel[n.RelationName] = true
			p.Relations = append(p.Relations, n.RelationName)
		}
		if n.RelationName != "" {
			for _, cond := range []string{n.Filter, n.IndexCond, n.JoinFilter} {
				for _, col := range predicateColumns(cond) {
					if !slices.Contains(p.FilterColumns[n.RelationName], col) {
						p.FilterColumns[n.RelationName] = append(p.FilterColumns[n.RelationName], col)
					}
				}
			}
		}

		for _, child := range n.Plans {
			walk(child, depth+1)
		}
	}
	walk(root, 1)

	return p, nil
}

// predicateRe matches "identifier <op>" fragments inside plan
// predicates like "(status = 'paid'::text)".
var predicateRe = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_]*)\s*(?:=|<>|<=|>=|<|>|~~|IS)`)

// predicateColumns extracts the column names referenced by a plan
// predicate string.
func predicateColumns(cond string) []string {
	if cond == "" {
		return nil
	}
	var cols []string
	for _, m := range predicateRe.FindAllStringSubmatch(cond, -1) {
		col := m[1]
		if isSQLKeyword(col) {
			continue
		}
		if !slices.Contains(cols, col) {
			cols = append(cols, col)
		}
	}
	return cols
}

var sqlKeywords = map[string]bool{
	"and": true, "or": true, "not": true, "is": true, "null": true,
	"true": true, "false": true, "case": true, "when": true, "then": true,
	"else": true, "end": true,
}

func isSQLKeyword(s string) bool { return sqlKeywords[strings.ToLower(s)] }
