package sqlshape

// StatementKind classifies a statement by its leading keyword.
type StatementKind string

const (
	// KindSelect is a SELECT statement, the only kind the gateway executes.
	KindSelect StatementKind = "select"

	// KindOther is any non-SELECT statement.
	KindOther StatementKind = "other"
)

// JoinKind classifies a join clause.
type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
	JoinRight JoinKind = "right"
	JoinFull  JoinKind = "full"
	JoinCross JoinKind = "cross"
)

// Operation is a clause-level operation observed in the statement.
type Operation string

const (
	OpSelect   Operation = "select"
	OpWhere    Operation = "where"
	OpJoin     Operation = "join"
	OpUnion    Operation = "union"
	OpSubquery Operation = "subquery"
	OpGroupBy  Operation = "group_by"
	OpOrderBy  Operation = "order_by"
	OpHaving   Operation = "having"
)

// Complexity buckets the weighted shape score.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// JoinClause describes one join in the statement.
type JoinClause struct {
	Kind JoinKind `json:"kind"`

	// Table is the right-hand table identifier.
	Table string `json:"table"`

	// PredicateColumns are the column names appearing in the ON predicate.
	// Empty for joins without a usable predicate (including CROSS joins).
	PredicateColumns []string `json:"predicate_columns"`
}

// WhereAtom is one top-level predicate in the WHERE clause.
type WhereAtom struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`

	// Value is the right-hand literal or expression text.
	Value string `json:"value"`

	// HasConcat marks string concatenation in the atom, a common
	// injection vector.
	HasConcat bool `json:"has_concat"`
}

// QueryShape is the shallow shape record produced by the Analyzer.
type QueryShape struct {
	Kind            StatementKind `json:"kind"`
	Tables          []string      `json:"tables"`
	HasTenantFilter bool          `json:"has_tenant_filter"`
	HasUploadTable  bool          `json:"has_upload_table"`

	// Limit is the TOP/LIMIT value; 0 when absent.
	Limit int `json:"limit"`

	Joins      []JoinClause `json:"joins"`
	WhereAtoms []WhereAtom  `json:"where_atoms"`
	Operations []Operation  `json:"operations"`
	Complexity Complexity   `json:"complexity"`

	// SelectColumns is the projected column list, used for wildcard checks.
	SelectColumns []string `json:"select_columns"`
}

// JoinCount returns the number of join clauses.
func (s *QueryShape) JoinCount() int {
	return len(s.Joins)
}

// HasOperation reports whether the shape contains the given operation.
func (s *QueryShape) HasOperation(op Operation) bool {
	for _, o := range s.Operations {
		if o == op {
			return true
		}
	}
	return false
}
