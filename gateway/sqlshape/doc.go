// Package sqlshape provides shallow lexical analysis and safety validation
// for tenant-scoped SQL queries.
//
// The analyzer is deliberately not a SQL parser. It extracts the shape of a
// statement (kind, tables, joins, where-atoms, limit, operations) with
// regex-driven scanning, which is sufficient to detect dangerous constructs
// and missing filters at gateway speed.
//
// # Usage
//
// Analyze a query, then validate its shape against policy:
//
//	analyzer := sqlshape.NewAnalyzer()
//	shape, err := analyzer.Analyze(sql)
//	if err != nil {
//	    // statement could not be classified
//	}
//	validator := sqlshape.NewValidator(sqlshape.DefaultPolicy(), uploadExists)
//	report := validator.Validate(ctx, shape, sql, tenantID, types.ModeAudit)
//	if !report.IsValid {
//	    // reject with report.Violations
//	}
//
// Injection patterns are checked against the original query text, before
// comment stripping, so commented-out payloads are still caught.
package sqlshape
