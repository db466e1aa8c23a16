package sqlshape

import (
	"context"
	"fmt"
	"strings"

	"finsight/platform/shared/types"
)

// Severity of a violation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ViolationKind identifies the failed check.
type ViolationKind string

const (
	ViolationDangerousOperation  ViolationKind = "dangerous_operation"
	ViolationMissingUploadEntry  ViolationKind = "missing_upload_entry"
	ViolationUploadLookupFailed  ViolationKind = "upload_lookup_failed"
	ViolationMissingTenantFilter ViolationKind = "missing_tenant_filter"
	ViolationMissingRowLimit     ViolationKind = "missing_row_limit"
	ViolationExcessiveRowLimit   ViolationKind = "excessive_row_limit"
	ViolationInefficientJoin     ViolationKind = "inefficient_join"
	ViolationCartesianProduct    ViolationKind = "cartesian_product"
	ViolationWildcardSelect      ViolationKind = "wildcard_select"
	ViolationHighComplexity      ViolationKind = "high_complexity"
)

// Violation is a single failed check.
type Violation struct {
	Kind     ViolationKind `json:"kind"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
	Location string        `json:"location,omitempty"`
}

// Report is the validation outcome. IsValid means no error-severity
// violations; IsSafe additionally means no injection heuristic triggered.
type Report struct {
	IsValid       bool        `json:"is_valid"`
	IsSafe        bool        `json:"is_safe"`
	Violations    []Violation `json:"violations"`
	SecurityScore int         `json:"security_score"`
}

// Errors returns the error-severity violations.
func (r *Report) Errors() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}

// Policy enumerates the validator knobs.
type Policy struct {
	EnforceTenantFilter bool     `json:"enforce_tenant_filter" yaml:"enforce_tenant_filter"`
	EnforceUploadID     bool     `json:"enforce_upload_id" yaml:"enforce_upload_id"`
	MaxRowLimit         int      `json:"max_row_limit" yaml:"max_row_limit"`
	MaxJoinCount        int      `json:"max_join_count" yaml:"max_join_count"`
	DangerousFunctions  []string `json:"dangerous_functions" yaml:"dangerous_functions"`
}

// DefaultPolicy returns the default validator policy.
func DefaultPolicy() Policy {
	return Policy{
		EnforceTenantFilter: true,
		EnforceUploadID:     true,
		MaxRowLimit:         5000,
		MaxJoinCount:        5,
		DangerousFunctions:  DefaultDangerousFunctions(),
	}
}

// Validator checks a QueryShape against policy. It is safe for concurrent
// use; the upload-table lookup cache lives per call, never across requests.
type Validator struct {
	policy       Policy
	analyzer     *Analyzer
	uploadExists types.UploadTableExistsFn
	injection    *InjectionPatternSet
}

// NewValidator creates a validator. uploadExists may be nil, in which case
// upload tables are assumed to exist once they match a pattern.
func NewValidator(policy Policy, analyzer *Analyzer, uploadExists types.UploadTableExistsFn) *Validator {
	if analyzer == nil {
		analyzer = NewAnalyzer()
	}
	return &Validator{
		policy:       policy,
		analyzer:     analyzer,
		uploadExists: uploadExists,
		injection:    NewInjectionPatternSet(),
	}
}

// Validate runs every check. rawSQL must be the original text, before
// comment stripping, so the injection patterns see the full payload.
func (v *Validator) Validate(ctx context.Context, shape *QueryShape, rawSQL, tenantID string, mode types.WorkflowMode) *Report {
	report := &Report{}
	injectionHit := false

	addError := func(kind ViolationKind, message, location string) {
		report.Violations = append(report.Violations, Violation{
			Kind: kind, Severity: SeverityError, Message: message, Location: location,
		})
	}
	addWarning := func(kind ViolationKind, message, location string) {
		report.Violations = append(report.Violations, Violation{
			Kind: kind, Severity: SeverityWarning, Message: message, Location: location,
		})
	}

	if shape.Kind != KindSelect {
		addError(ViolationDangerousOperation, "only SELECT statements are permitted", "statement")
	}

	if v.policy.EnforceUploadID {
		if !shape.HasUploadTable {
			addError(ViolationMissingUploadEntry, "query must reference at least one upload table", "from")
		} else if v.uploadExists != nil {
			v.checkUploadTables(ctx, shape, tenantID, addError)
		}
	}

	if v.policy.EnforceTenantFilter && mode == types.ModeAudit && !shape.HasTenantFilter {
		addError(ViolationMissingTenantFilter,
			fmt.Sprintf("audit mode requires a %s filter", v.analyzer.TenantColumn()), "where")
	}

	// Missing limits stay a warning; the governor injects the cap.
	if shape.Limit == 0 {
		addWarning(ViolationMissingRowLimit, "query does not declare a TOP or LIMIT row cap", "select")
	} else if shape.Limit > v.policy.MaxRowLimit {
		addError(ViolationExcessiveRowLimit,
			fmt.Sprintf("row limit %d exceeds maximum %d", shape.Limit, v.policy.MaxRowLimit), "select")
	}

	if shape.JoinCount() > v.policy.MaxJoinCount {
		addWarning(ViolationInefficientJoin,
			fmt.Sprintf("%d joins exceed the recommended maximum of %d", shape.JoinCount(), v.policy.MaxJoinCount), "join")
	}
	for _, j := range shape.Joins {
		if j.Kind == JoinCross {
			addError(ViolationCartesianProduct,
				fmt.Sprintf("cross join with %s produces a cartesian product", j.Table), "join")
			continue
		}
		if len(j.PredicateColumns) == 0 {
			addError(ViolationInefficientJoin,
				fmt.Sprintf("join with %s has no usable ON predicate", j.Table), "join")
		}
	}
	if len(shape.Tables) > 1 && shape.JoinCount() == 0 {
		addError(ViolationCartesianProduct,
			"multiple tables referenced without joins produce a cartesian product", "from")
	}

	for _, col := range shape.SelectColumns {
		if col == "*" || strings.HasSuffix(col, ".*") {
			addWarning(ViolationWildcardSelect, "wildcard select returns unbounded columns", "select")
			break
		}
	}

	lowered := strings.ToLower(rawSQL)
	for _, fn := range v.policy.DangerousFunctions {
		if strings.Contains(lowered, strings.ToLower(fn)) {
			addError(ViolationDangerousOperation,
				fmt.Sprintf("dangerous function %s is not permitted", fn), "statement")
			injectionHit = true
		}
	}

	if p := v.injection.Match(rawSQL); p != nil {
		addError(ViolationDangerousOperation,
			fmt.Sprintf("injection pattern detected: %s", p.Description), "statement")
		injectionHit = true
	}

	if shape.Complexity == ComplexityHigh {
		addWarning(ViolationHighComplexity, "query complexity is high; consider simplifying", "statement")
	}

	errCount := 0
	warnCount := 0
	for _, viol := range report.Violations {
		if viol.Severity == SeverityError {
			errCount++
		} else {
			warnCount++
		}
	}
	report.IsValid = errCount == 0
	report.IsSafe = report.IsValid && !injectionHit
	report.SecurityScore = securityScore(errCount, warnCount)

	return report
}

// checkUploadTables verifies each upload-pattern table for the tenant.
// Results are cached for the duration of the call only.
func (v *Validator) checkUploadTables(ctx context.Context, shape *QueryShape, tenantID string, addError func(ViolationKind, string, string)) {
	checked := make(map[string]bool)
	for _, table := range shape.Tables {
		if !v.analyzer.MatchesUploadPattern(table) {
			continue
		}
		key := strings.ToLower(table)
		if checked[key] {
			continue
		}
		checked[key] = true

		exists, err := v.uploadExists(ctx, table, tenantID)
		if err != nil {
			addError(ViolationUploadLookupFailed,
				fmt.Sprintf("upload table lookup failed for %s", table), "from")
			continue
		}
		if !exists {
			addError(ViolationMissingUploadEntry,
				fmt.Sprintf("upload table %s does not exist for tenant", table), "from")
		}
	}
}

// securityScore is 100 minus 30 per error and 10 per warning, floored at 0.
func securityScore(errCount, warnCount int) int {
	score := 100 - 30*errCount - 10*warnCount
	if score < 0 {
		return 0
	}
	return score
}
