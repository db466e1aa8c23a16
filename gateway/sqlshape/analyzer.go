package sqlshape

import (
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrMalformed is returned when a statement cannot be classified: empty
// after comment stripping, or unbalanced parentheses.
var ErrMalformed = errors.New("sqlshape: statement cannot be classified")

// Precompiled extraction regexes. The analyzer is lexical on purpose; see
// the package documentation.
var (
	lineCommentRegex  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRegex = regexp.MustCompile(`(?s)/\*.*?\*/`)

	tableRefRegex = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)?)`)
	joinRegex     = regexp.MustCompile(`(?i)\b(?:(INNER|LEFT|RIGHT|FULL|CROSS)\s+(?:OUTER\s+)?)?(JOIN)\s+([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)?)`)
	onClauseRegex = regexp.MustCompile(`(?i)\bON\b`)
	onEqualsRegex = regexp.MustCompile(`(?i)([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)?)\s*(?:=|<>|!=)\s*([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)?)?`)

	topRegex   = regexp.MustCompile(`(?i)\bTOP\s+(\d+)\b`)
	limitRegex = regexp.MustCompile(`(?i)\bLIMIT\s+(\d+)\b`)

	whereRegex      = regexp.MustCompile(`(?i)\bWHERE\b`)
	whereEndRegex   = regexp.MustCompile(`(?i)\b(GROUP\s+BY|HAVING|ORDER\s+BY|UNION|OPTION)\b`)
	joinEndRegex    = regexp.MustCompile(`(?i)\b(JOIN|WHERE|GROUP\s+BY|HAVING|ORDER\s+BY|UNION|OPTION)\b`)
	selectListRegex = regexp.MustCompile(`(?is)\bSELECT\s+(?:DISTINCT\s+)?(?:TOP\s+\d+\s+)?(.*?)\bFROM\b`)

	subqueryRegex = regexp.MustCompile(`(?i)\(\s*SELECT\b`)
	groupByRegex  = regexp.MustCompile(`(?i)\bGROUP\s+BY\b`)
	orderByRegex  = regexp.MustCompile(`(?i)\bORDER\s+BY\b`)
	havingRegex   = regexp.MustCompile(`(?i)\bHAVING\b`)
	unionRegex    = regexp.MustCompile(`(?i)\bUNION\b`)

	whereAtomRegex  = regexp.MustCompile(`(?is)^([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)?)\s*(=|<>|!=|>=|<=|>|<|NOT\s+LIKE|LIKE|NOT\s+IN|IN|IS\s+NOT|IS|BETWEEN)\s*(.*)$`)
	concatCallRegex = regexp.MustCompile(`(?i)\bCONCAT\s*\(`)
)

// Analyzer tokenizes SQL text into a QueryShape.
type Analyzer struct {
	tenantColumns  []string
	uploadPatterns []*regexp.Regexp
}

// AnalyzerOption is a functional option for configuring the Analyzer.
type AnalyzerOption func(*Analyzer)

// WithTenantColumns overrides the tenant filter column names.
func WithTenantColumns(cols []string) AnalyzerOption {
	return func(a *Analyzer) {
		a.tenantColumns = cols
	}
}

// WithUploadPatterns overrides the upload-table name patterns.
func WithUploadPatterns(patterns []*regexp.Regexp) AnalyzerOption {
	return func(a *Analyzer) {
		a.uploadPatterns = patterns
	}
}

// NewAnalyzer creates an analyzer with the given options.
func NewAnalyzer(opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{
		tenantColumns:  DefaultTenantColumns(),
		uploadPatterns: DefaultUploadPatterns(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// StripComments removes line and block comments from SQL text. The
// original text is retained by callers for injection checks.
func StripComments(sql string) string {
	sql = blockCommentRegex.ReplaceAllString(sql, " ")
	sql = lineCommentRegex.ReplaceAllString(sql, " ")
	return sql
}

// Analyze produces the shape record for a SQL string. It fails with
// ErrMalformed when the statement cannot be classified.
func (a *Analyzer) Analyze(sql string) (*QueryShape, error) {
	stripped := strings.TrimSpace(StripComments(sql))
	if stripped == "" {
		return nil, ErrMalformed
	}
	if !balancedParens(stripped) {
		return nil, ErrMalformed
	}

	shape := &QueryShape{
		Kind:   classifyStatement(stripped),
		Tables: extractTables(stripped),
		Limit:  extractLimit(stripped),
	}
	shape.Joins = extractJoins(stripped)
	shape.WhereAtoms = extractWhereAtoms(stripped)
	shape.SelectColumns = extractSelectColumns(stripped)
	shape.Operations = collectOperations(stripped, shape)
	shape.Complexity = scoreComplexity(stripped, shape)
	shape.HasTenantFilter = a.hasTenantFilter(shape.WhereAtoms)
	shape.HasUploadTable = a.hasUploadTable(shape.Tables)

	return shape, nil
}

func classifyStatement(stripped string) StatementKind {
	fields := strings.Fields(stripped)
	if len(fields) > 0 && strings.EqualFold(fields[0], "SELECT") {
		return KindSelect
	}
	return KindOther
}

// balancedParens checks parenthesis nesting outside string literals.
func balancedParens(s string) bool {
	depth := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			inQuote = !inQuote
		case '(':
			if !inQuote {
				depth++
			}
		case ')':
			if !inQuote {
				depth--
				if depth < 0 {
					return false
				}
			}
		}
	}
	return depth == 0 && !inQuote
}

func extractTables(stripped string) []string {
	var tables []string
	seen := make(map[string]bool)
	for _, m := range tableRefRegex.FindAllStringSubmatch(stripped, -1) {
		name := m[1]
		key := strings.ToLower(name)
		if !seen[key] {
			seen[key] = true
			tables = append(tables, name)
		}
	}
	return tables
}

func extractLimit(stripped string) int {
	if m := topRegex.FindStringSubmatch(stripped); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	if m := limitRegex.FindStringSubmatch(stripped); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return 0
}

func extractJoins(stripped string) []JoinClause {
	var joins []JoinClause
	matches := joinRegex.FindAllStringSubmatchIndex(stripped, -1)
	for _, m := range matches {
		kind := JoinInner
		if m[2] >= 0 {
			switch strings.ToLower(stripped[m[2]:m[3]]) {
			case "left":
				kind = JoinLeft
			case "right":
				kind = JoinRight
			case "full":
				kind = JoinFull
			case "cross":
				kind = JoinCross
			}
		}
		table := stripped[m[6]:m[7]]

		// The ON predicate runs from the join match to the next clause.
		rest := stripped[m[1]:]
		if end := joinEndRegex.FindStringIndex(rest); end != nil {
			rest = rest[:end[0]]
		}
		joins = append(joins, JoinClause{
			Kind:             kind,
			Table:            table,
			PredicateColumns: extractPredicateColumns(rest),
		})
	}
	return joins
}

// extractPredicateColumns pulls column names out of an ON predicate.
func extractPredicateColumns(segment string) []string {
	loc := onClauseRegex.FindStringIndex(segment)
	if loc == nil {
		return nil
	}
	predicate := segment[loc[1]:]

	var cols []string
	seen := make(map[string]bool)
	for _, m := range onEqualsRegex.FindAllStringSubmatch(predicate, -1) {
		for _, side := range []string{m[1], m[2]} {
			if side == "" {
				continue
			}
			col := columnBaseName(side)
			if col == "" || isReservedWord(col) {
				continue
			}
			if !seen[col] {
				seen[col] = true
				cols = append(cols, col)
			}
		}
	}
	return cols
}

// columnBaseName strips the table qualifier from a column reference.
func columnBaseName(ref string) string {
	if idx := strings.LastIndex(ref, "."); idx >= 0 {
		return ref[idx+1:]
	}
	return ref
}

func isReservedWord(word string) bool {
	switch strings.ToUpper(word) {
	case "AND", "OR", "NOT", "NULL", "ON", "IN", "IS", "LIKE", "BETWEEN", "SELECT", "FROM", "WHERE", "JOIN":
		return true
	}
	return false
}

// extractWhereAtoms splits the WHERE clause by top-level AND/OR and parses
// each atom into column, operator and right-hand text.
func extractWhereAtoms(stripped string) []WhereAtom {
	loc := whereRegex.FindStringIndex(stripped)
	if loc == nil {
		return nil
	}
	clause := stripped[loc[1]:]
	if end := whereEndRegex.FindStringIndex(clause); end != nil {
		clause = clause[:end[0]]
	}

	var atoms []WhereAtom
	for _, part := range splitTopLevel(clause) {
		part = strings.TrimSpace(trimWrappingParens(part))
		if part == "" {
			continue
		}
		m := whereAtomRegex.FindStringSubmatch(part)
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[3])
		atoms = append(atoms, WhereAtom{
			Column:   m[1],
			Operator: strings.ToUpper(strings.Join(strings.Fields(m[2]), " ")),
			Value:    value,
			HasConcat: strings.Contains(value, "+") ||
				strings.Contains(value, "||") ||
				concatCallRegex.MatchString(value),
		})
	}
	return atoms
}

// splitTopLevel splits predicate text on AND/OR outside parentheses and
// string literals.
func splitTopLevel(clause string) []string {
	var parts []string
	depth := 0
	inQuote := false
	start := 0
	upper := strings.ToUpper(clause)

	for i := 0; i < len(clause); i++ {
		switch clause[i] {
		case '\'':
			inQuote = !inQuote
			continue
		case '(':
			if !inQuote {
				depth++
			}
			continue
		case ')':
			if !inQuote {
				depth--
			}
			continue
		}
		if inQuote || depth != 0 {
			continue
		}
		for _, kw := range []string{"AND", "OR"} {
			end := i + len(kw)
			if end > len(clause) || upper[i:end] != kw {
				continue
			}
			// Word boundaries on both sides.
			if i > 0 && isIdentChar(clause[i-1]) {
				continue
			}
			if end < len(clause) && isIdentChar(clause[end]) {
				continue
			}
			parts = append(parts, clause[start:i])
			start = end
			i = end - 1
			break
		}
	}
	parts = append(parts, clause[start:])
	return parts
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func trimWrappingParens(s string) string {
	s = strings.TrimSpace(s)
	for strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") && balancedParens(s[1:len(s)-1]) {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

func extractSelectColumns(stripped string) []string {
	m := selectListRegex.FindStringSubmatch(stripped)
	if m == nil {
		return nil
	}
	var cols []string
	for _, part := range splitTopLevelCommas(m[1]) {
		part = strings.TrimSpace(part)
		if part != "" {
			cols = append(cols, part)
		}
	}
	return cols
}

func splitTopLevelCommas(list string) []string {
	var parts []string
	depth := 0
	inQuote := false
	start := 0
	for i := 0; i < len(list); i++ {
		switch list[i] {
		case '\'':
			inQuote = !inQuote
		case '(':
			if !inQuote {
				depth++
			}
		case ')':
			if !inQuote {
				depth--
			}
		case ',':
			if !inQuote && depth == 0 {
				parts = append(parts, list[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, list[start:])
	return parts
}

// collectOperations lists operations ordered by first occurrence.
func collectOperations(stripped string, shape *QueryShape) []Operation {
	type opAt struct {
		op Operation
		at int
	}
	var found []opAt

	add := func(op Operation, loc []int) {
		if loc != nil {
			found = append(found, opAt{op, loc[0]})
		}
	}
	if shape.Kind == KindSelect {
		found = append(found, opAt{OpSelect, 0})
	}
	add(OpJoin, joinRegex.FindStringIndex(stripped))
	add(OpWhere, whereRegex.FindStringIndex(stripped))
	add(OpUnion, unionRegex.FindStringIndex(stripped))
	add(OpSubquery, subqueryRegex.FindStringIndex(stripped))
	add(OpGroupBy, groupByRegex.FindStringIndex(stripped))
	add(OpOrderBy, orderByRegex.FindStringIndex(stripped))
	add(OpHaving, havingRegex.FindStringIndex(stripped))

	sort.SliceStable(found, func(i, j int) bool { return found[i].at < found[j].at })

	ops := make([]Operation, 0, len(found))
	for _, f := range found {
		ops = append(ops, f.op)
	}
	return ops
}

// scoreComplexity buckets the weighted shape score: +2 per join beyond the
// first, +3 per subquery, +1 per GROUP BY / ORDER BY / HAVING / UNION.
func scoreComplexity(stripped string, shape *QueryShape) Complexity {
	score := 0
	if n := shape.JoinCount(); n > 1 {
		score += 2 * (n - 1)
	}
	score += 3 * len(subqueryRegex.FindAllString(stripped, -1))
	score += len(groupByRegex.FindAllString(stripped, -1))
	score += len(orderByRegex.FindAllString(stripped, -1))
	score += len(havingRegex.FindAllString(stripped, -1))
	score += len(unionRegex.FindAllString(stripped, -1))

	switch {
	case score <= 3:
		return ComplexityLow
	case score <= 7:
		return ComplexityMedium
	default:
		return ComplexityHigh
	}
}

func (a *Analyzer) hasTenantFilter(atoms []WhereAtom) bool {
	for _, atom := range atoms {
		col := normalizeColumn(columnBaseName(atom.Column))
		for _, tc := range a.tenantColumns {
			if col == normalizeColumn(tc) {
				return true
			}
		}
	}
	return false
}

// normalizeColumn lowers case and drops underscores so client_id, clientId
// and CLIENTID all compare equal.
func normalizeColumn(col string) string {
	return strings.ReplaceAll(strings.ToLower(col), "_", "")
}

func (a *Analyzer) hasUploadTable(tables []string) bool {
	for _, t := range tables {
		if a.MatchesUploadPattern(t) {
			return true
		}
	}
	return false
}

// MatchesUploadPattern reports whether a table name matches any configured
// upload-table pattern.
func (a *Analyzer) MatchesUploadPattern(table string) bool {
	name := columnBaseName(table) // strip schema qualifier
	for _, p := range a.uploadPatterns {
		if p.MatchString(name) {
			return true
		}
	}
	return false
}

// TenantColumn returns the primary tenant column name.
func (a *Analyzer) TenantColumn() string {
	if len(a.tenantColumns) > 0 {
		return a.tenantColumns[0]
	}
	return "client_id"
}

// IsTenantColumn reports whether col is one of the default tenant columns,
// ignoring case, qualifiers and underscores.
func IsTenantColumn(col string) bool {
	c := normalizeColumn(columnBaseName(col))
	for _, tc := range DefaultTenantColumns() {
		if c == normalizeColumn(tc) {
			return true
		}
	}
	return false
}
