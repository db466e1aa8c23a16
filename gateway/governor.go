// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"finsight/platform/gateway/sqlshape"
	"finsight/platform/shared/types"
)

// Mode-specific row caps applied when injecting TOP.
const (
	auditRowCap   = 1000
	lendingRowCap = 100
)

// Adaptive row caps per load level.
var adaptiveRowCaps = map[LoadLevel]int{
	LoadLow:      1000,
	LoadMedium:   500,
	LoadHigh:     100,
	LoadCritical: 10,
}

const emergencyRowCap = 10
const emergencyCostLimit = 5

var (
	selectHeadRegex   = regexp.MustCompile(`(?i)\bSELECT\b(\s+DISTINCT\b)?`)
	whereKeywordRegex = regexp.MustCompile(`(?i)\bWHERE\b`)
	clauseEndRegex    = regexp.MustCompile(`(?i)\b(GROUP\s+BY|HAVING|ORDER\s+BY|UNION|OPTION)\b`)
	optionClauseRegex = regexp.MustCompile(`(?i)\bOPTION\s*\(`)
	topCapRegex       = regexp.MustCompile(`(?i)\bTOP\s+(\d+)`)
	limitCapRegex     = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)`)
	costLimitRegex    = regexp.MustCompile(`(?i)\bOPTION\s*\(\s*QUERY_GOVERNOR_COST_LIMIT\s+\d+\s*\)`)
)

// GovernResult is the outcome of a governor pass.
type GovernResult struct {
	Allowed  bool     `json:"allowed"`
	Query    string   `json:"query"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Governor is a pure text rewriter. All rewrites are idempotent:
// governing an already governed query returns it unchanged.
type Governor struct {
	analyzer     *sqlshape.Analyzer
	tenantColumn string
	maxRowLimit  int
	timeoutMs    int
}

// NewGovernor creates a governor. analyzer may be nil for defaults.
func NewGovernor(analyzer *sqlshape.Analyzer, tenantColumn string, maxRowLimit, timeoutMs int) *Governor {
	if analyzer == nil {
		analyzer = sqlshape.NewAnalyzer()
	}
	if tenantColumn == "" {
		tenantColumn = "client_id"
	}
	return &Governor{
		analyzer:     analyzer,
		tenantColumn: tenantColumn,
		maxRowLimit:  maxRowLimit,
		timeoutMs:    timeoutMs,
	}
}

// Govern applies the standard rewrite: row cap, tenant filter in audit
// mode, and a cost-limit hint.
func (g *Governor) Govern(sql, tenantID string, mode types.WorkflowMode) GovernResult {
	return g.govern(sql, tenantID, mode, g.modeCap(mode))
}

// GovernAdaptive applies the standard rewrite with a load-sensitive row
// cap, rejecting expensive queries under high or critical load.
func (g *Governor) GovernAdaptive(sql, tenantID string, mode types.WorkflowMode, level LoadLevel) GovernResult {
	cap := adaptiveRowCaps[level]
	if cap == 0 {
		cap = adaptiveRowCaps[LoadLow]
	}
	if modeCap := g.modeCap(mode); modeCap < cap {
		cap = modeCap
	}

	if level == LoadHigh || level == LoadCritical {
		shape, err := g.analyzer.Analyze(sql)
		if err == nil && (shape.Complexity == sqlshape.ComplexityHigh || len(shape.Tables) > 3) {
			return GovernResult{
				Allowed: false,
				Query:   sql,
				Errors:  []string{fmt.Sprintf("query is too expensive for current load level %s", level)},
			}
		}
	}

	return g.govern(sql, tenantID, mode, cap)
}

// GovernEmergency forces the row cap to 10 and the cost limit to 5,
// overriding any existing clauses.
func (g *Governor) GovernEmergency(sql string) GovernResult {
	result := GovernResult{Allowed: true, Query: sql}

	capped := false
	if m := topCapRegex.FindStringSubmatch(result.Query); m != nil {
		if n, _ := strconv.Atoi(m[1]); n > emergencyRowCap {
			result.Query = topCapRegex.ReplaceAllString(result.Query, fmt.Sprintf("TOP %d", emergencyRowCap))
			capped = true
		}
	} else if m := limitCapRegex.FindStringSubmatch(result.Query); m != nil {
		if n, _ := strconv.Atoi(m[1]); n > emergencyRowCap {
			result.Query = limitCapRegex.ReplaceAllString(result.Query, fmt.Sprintf("LIMIT %d", emergencyRowCap))
			capped = true
		}
	} else {
		result.Query = injectTop(result.Query, emergencyRowCap)
		capped = true
	}
	if capped {
		result.Warnings = append(result.Warnings, fmt.Sprintf("emergency mode capped rows at %d", emergencyRowCap))
	}

	hint := fmt.Sprintf("OPTION (QUERY_GOVERNOR_COST_LIMIT %d)", emergencyCostLimit)
	if costLimitRegex.MatchString(result.Query) {
		if replaced := costLimitRegex.ReplaceAllString(result.Query, hint); replaced != result.Query {
			result.Query = replaced
			result.Warnings = append(result.Warnings, "emergency mode lowered the cost limit to 5s")
		}
	} else if !optionClauseRegex.MatchString(result.Query) {
		result.Query = strings.TrimRight(result.Query, " ") + " " + hint
		result.Warnings = append(result.Warnings, "emergency mode appended a 5s cost limit")
	}

	return result
}

func (g *Governor) govern(sql, tenantID string, mode types.WorkflowMode, cap int) GovernResult {
	result := GovernResult{Allowed: true, Query: sql}

	shape, err := g.analyzer.Analyze(sql)
	if err != nil {
		result.Allowed = false
		result.Errors = append(result.Errors, "statement cannot be governed")
		return result
	}

	if shape.Limit == 0 {
		result.Query = injectTop(result.Query, cap)
		result.Warnings = append(result.Warnings, fmt.Sprintf("injected TOP %d row cap", cap))
	}

	if mode == types.ModeAudit && !shape.HasTenantFilter {
		result.Query = g.injectTenantFilter(result.Query, tenantID)
		result.Warnings = append(result.Warnings, fmt.Sprintf("injected %s tenant filter", g.tenantColumn))
	}

	if !optionClauseRegex.MatchString(result.Query) {
		seconds := (g.timeoutMs + 999) / 1000
		result.Query = strings.TrimRight(result.Query, " ") +
			fmt.Sprintf(" OPTION (QUERY_GOVERNOR_COST_LIMIT %d)", seconds)
		result.Warnings = append(result.Warnings, fmt.Sprintf("appended %ds cost limit", seconds))
	}

	return result
}

func (g *Governor) modeCap(mode types.WorkflowMode) int {
	cap := auditRowCap
	if mode == types.ModeLending {
		cap = lendingRowCap
	}
	if g.maxRowLimit > 0 && g.maxRowLimit < cap {
		cap = g.maxRowLimit
	}
	return cap
}

// injectTenantFilter prepends the tenant predicate to the WHERE clause,
// or adds a WHERE clause before any trailing GROUP BY, ORDER BY, HAVING
// or OPTION. The tenant id is escaped by doubling single quotes.
func (g *Governor) injectTenantFilter(sql, tenantID string) string {
	predicate := fmt.Sprintf("%s = '%s'", g.tenantColumn, strings.ReplaceAll(tenantID, "'", "''"))

	if m := whereKeywordRegex.FindStringIndex(sql); m != nil {
		rest := sql[m[1]:]
		end := len(rest)
		if em := clauseEndRegex.FindStringIndex(rest); em != nil {
			end = em[0]
		}
		clause := strings.TrimSpace(rest[:end])
		out := sql[:m[1]] + " " + predicate + " AND (" + clause + ")"
		if tail := strings.TrimSpace(rest[end:]); tail != "" {
			out += " " + tail
		}
		return out
	}

	if em := clauseEndRegex.FindStringIndex(sql); em != nil {
		head := strings.TrimRight(sql[:em[0]], " ")
		return head + " WHERE " + predicate + " " + sql[em[0]:]
	}
	return strings.TrimRight(sql, " ") + " WHERE " + predicate
}

// injectTop inserts a TOP clause directly after the SELECT keyword,
// keeping DISTINCT in front when present.
func injectTop(sql string, cap int) string {
	m := selectHeadRegex.FindStringIndex(sql)
	if m == nil {
		return sql
	}
	return sql[:m[1]] + fmt.Sprintf(" TOP %d", cap) + sql[m[1]:]
}
