package analyzer

import (
	"context"
	"regexp"
	"strings"
)

// placeholderRe matches "column <op> $n" predicates in statement text.
var placeholderRe = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_.]*)\s*(=|<>|<=|>=|<|>)\s*\$(\d+)`)

// anyPlaceholderRe detects remaining positional placeholders.
var anyPlaceholderRe = regexp.MustCompile(`\$\d+`)

// fromTableRe extracts the first relation after FROM/UPDATE/INTO.
var fromTableRe = regexp.MustCompile(`(?i)\b(?:from|update|into)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)

// reconstruct substitutes positional placeholders with representative
// literals from the planner's most-common-values statistics so the
// statement can be explained. Returns false when any placeholder cannot
// be resolved; the analyzer then skips EXPLAIN for this statement
// rather than executing something the operator never ran.
func reconstruct(ctx context.Context, src Source, text string) (string, bool) {
	if !anyPlaceholderRe.MatchString(text) {
		return text, true
	}

	table := referencedTable(text)
	if table == "" {
		return "", false
	}

	out := placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := placeholderRe.FindStringSubmatch(m)
		column := parts[1]
		if i := strings.LastIndexByte(column, '.'); i >= 0 {
			column = column[i+1:]
		}
		literal, ok := src.MostCommonValue(ctx, table, column)
		if !ok {
			return m
		}
		return parts[1] + " " + parts[2] + " " + literal
	})

	if anyPlaceholderRe.MatchString(out) {
		return "", false
	}
	return out, true
}

// referencedTable names the primary relation of a statement, used to
// look up column statistics and to bucket seq-scan findings when the
// plan was not sampled.
func referencedTable(text string) string {
	m := fromTableRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	name := m[1]
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// literalRe spots literal comparisons where a placeholder is expected:
// an unparameterized query. pg_stat_statements normalizes bound
// parameters to $n, so literals surviving in the sample text mean the
// application interpolated values into SQL.
var literalRe = regexp.MustCompile(`(?i)(?:=|<>|<|>|<=|>=)\s*(?:'[^']*'|\d+(?:\.\d+)?)(?:\s|$|\)|;)`)

// isUnparameterized reports whether the statement text embeds literal
// comparison values.
func isUnparameterized(text string) bool {
	// LIMIT/OFFSET literals are conventional; only predicate literals count.
	idx := strings.Index(strings.ToLower(text), " where ")
	if idx < 0 {
		return false
	}
	clause := text[idx:]
	if cut := strings.Index(strings.ToLower(clause), " limit "); cut >= 0 {
		clause = clause[:cut]
	}
	return literalRe.MatchString(clause)
}
