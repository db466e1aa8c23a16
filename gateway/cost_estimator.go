// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"math"

	"finsight/platform/gateway/sqlshape"
	"finsight/platform/shared/types"
)

// RiskLevel classifies the estimated cost of a query.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// CostEstimate is the heuristic cost of a query shape.
type CostEstimate struct {
	EstimatedRows   int64     `json:"estimated_rows"`
	EstimatedTimeMs int64     `json:"estimated_time_ms"`
	RiskLevel       RiskLevel `json:"risk_level"`
	Recommendations []string  `json:"recommendations,omitempty"`
}

// defaultRowCount is assumed for tables without statistics.
const defaultRowCount = 1000

// Per-operation time constants in milliseconds.
var operationCostMs = map[sqlshape.Operation]float64{
	sqlshape.OpJoin:     200,
	sqlshape.OpUnion:    150,
	sqlshape.OpSubquery: 300,
	sqlshape.OpGroupBy:  100,
	sqlshape.OpOrderBy:  100,
	sqlshape.OpHaving:   50,
}

// CostEstimator derives row, time and risk estimates from a QueryShape
// and per-table statistics. statsFn may be nil; defaults apply then.
type CostEstimator struct {
	statsFn types.TableStatsFn
}

// NewCostEstimator creates an estimator.
func NewCostEstimator(statsFn types.TableStatsFn) *CostEstimator {
	return &CostEstimator{statsFn: statsFn}
}

// Estimate computes the heuristic cost for shape.
func (e *CostEstimator) Estimate(shape *sqlshape.QueryShape) *CostEstimate {
	stats := make(map[string]types.TableStats, len(shape.Tables))
	for _, table := range shape.Tables {
		stats[table] = e.tableStats(table)
	}

	rows := float64(defaultRowCount)
	for _, s := range stats {
		if float64(s.RowCount) > rows {
			rows = float64(s.RowCount)
		}
	}

	selectivity := 1.0
	if shape.HasTenantFilter {
		selectivity *= 0.01
	}
	if e.hasNonTenantFilter(shape) {
		selectivity *= 0.1
	}
	if n := shape.JoinCount(); n > 0 {
		selectivity *= math.Pow(0.5, float64(n))
	}
	if shape.HasOperation(sqlshape.OpGroupBy) {
		selectivity *= 0.1
	}

	estimatedRows := int64(math.Ceil(rows * selectivity))

	timeMs := 100.0
	switch shape.Complexity {
	case sqlshape.ComplexityMedium:
		timeMs *= 2
	case sqlshape.ComplexityHigh:
		timeMs *= 4
	}
	if estimatedRows > 1000 {
		timeMs += 50 * math.Log10(float64(estimatedRows))
	}
	for _, op := range shape.Operations {
		timeMs += operationCostMs[op]
	}
	for _, s := range stats {
		if s.IndexCount == 0 {
			timeMs += 0.01 * float64(s.RowCount)
		}
	}
	if len(shape.Tables) > 1 {
		timeMs *= 0.5 * float64(len(shape.Tables))
	}

	estimate := &CostEstimate{
		EstimatedRows:   estimatedRows,
		EstimatedTimeMs: int64(math.Ceil(timeMs)),
	}
	estimate.RiskLevel = riskLevel(estimate, shape)
	estimate.Recommendations = e.recommendations(shape, stats, estimate)
	return estimate
}

func (e *CostEstimator) tableStats(table string) types.TableStats {
	if e.statsFn == nil {
		return types.TableStats{RowCount: defaultRowCount}
	}
	s := e.statsFn(table)
	if s.RowCount == 0 {
		s.RowCount = defaultRowCount
	}
	return s
}

// hasNonTenantFilter reports whether any where-atom filters on a column
// other than the tenant column.
func (e *CostEstimator) hasNonTenantFilter(shape *sqlshape.QueryShape) bool {
	for _, atom := range shape.WhereAtoms {
		if !sqlshape.IsTenantColumn(atom.Column) {
			return true
		}
	}
	return false
}

func riskLevel(est *CostEstimate, shape *sqlshape.QueryShape) RiskLevel {
	switch {
	case est.EstimatedTimeMs > 30000 || est.EstimatedRows > 1000000:
		return RiskCritical
	case est.EstimatedTimeMs > 10000 || est.EstimatedRows > 100000 ||
		shape.Complexity == sqlshape.ComplexityHigh || len(shape.Tables) > 5:
		return RiskHigh
	case est.EstimatedTimeMs > 5000 || est.EstimatedRows > 10000 ||
		shape.Complexity == sqlshape.ComplexityMedium || len(shape.Tables) > 2:
		return RiskMedium
	default:
		return RiskLow
	}
}

func (e *CostEstimator) recommendations(shape *sqlshape.QueryShape, stats map[string]types.TableStats, est *CostEstimate) []string {
	var recs []string
	for table, s := range stats {
		if s.IndexCount == 0 && s.RowCount > defaultRowCount {
			recs = append(recs, fmt.Sprintf("table %s has no indexes; scans cost %d rows", table, s.RowCount))
		}
	}
	if !shape.HasTenantFilter {
		recs = append(recs, "add a tenant filter to reduce the scanned row count")
	}
	if shape.Limit == 0 {
		recs = append(recs, "declare a TOP or LIMIT clause to bound the result set")
	}
	if shape.Complexity == sqlshape.ComplexityHigh {
		recs = append(recs, "split the query; its complexity score is high")
	}
	if len(shape.Tables) > 5 {
		recs = append(recs, fmt.Sprintf("%d tables referenced; consider staging intermediate results", len(shape.Tables)))
	}
	if est.EstimatedRows > 100000 {
		recs = append(recs, "estimated result exceeds 100k rows; narrow the filters")
	}
	return recs
}
