// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

// Package types holds shared types used across the gateway services.
package types

import "context"

// WorkflowMode is the business policy flag attached to every query.
type WorkflowMode string

const (
	// ModeAudit is the single-company workflow: a tenant filter is
	// mandatory on every query.
	ModeAudit WorkflowMode = "audit"

	// ModeLending is the portfolio workflow: the tenant filter is
	// optional and row caps are tighter.
	ModeLending WorkflowMode = "lending"
)

// IsValid checks if the mode is a known workflow mode.
func (m WorkflowMode) IsValid() bool {
	switch m {
	case ModeAudit, ModeLending:
		return true
	default:
		return false
	}
}

// String returns the string representation of the mode.
func (m WorkflowMode) String() string {
	return string(m)
}

// TableStats describes externally supplied statistics for a table.
type TableStats struct {
	RowCount   int64 `json:"row_count"`
	IndexCount int   `json:"index_count"`
	SizeKB     int64 `json:"size_kb"`
}

// QueryResult is the row set returned by the database runner.
type QueryResult struct {
	Rows            []map[string]interface{} `json:"rows"`
	RowCount        int                      `json:"row_count"`
	ExecutionTimeMs int64                    `json:"execution_time_ms"`
}

// UploadTableExistsFn checks whether a tenant's upload table exists.
// It is a side-effectful lookup and may fail.
type UploadTableExistsFn func(ctx context.Context, tableName, tenantID string) (bool, error)

// TableStatsFn returns statistics for a table. Implementations may return
// defaults when the table is unknown.
type TableStatsFn func(tableName string) TableStats

// DatabaseExecuteFn runs governed SQL against the tenant's dataset. The
// gateway treats it as opaque: execute the text, honor the context, return
// a row set.
type DatabaseExecuteFn func(ctx context.Context, governedSQL, tenantID string, mode WorkflowMode) (*QueryResult, error)
