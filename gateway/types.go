// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"time"

	"github.com/google/uuid"

	"finsight/platform/gateway/sqlshape"
	"finsight/platform/shared/types"
)

// QueryState is the lifecycle state of a submitted query.
type QueryState string

const (
	StateQueued    QueryState = "queued"
	StateExecuting QueryState = "executing"
	StateCompleted QueryState = "completed"
	StateFailed    QueryState = "failed"
	StateTimeout   QueryState = "timeout"
	StateCancelled QueryState = "cancelled"
)

// Terminal reports whether the state can no longer change.
func (s QueryState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout, StateCancelled:
		return true
	}
	return false
}

// Priority bounds. Lower values dequeue first.
const (
	PriorityMin     = 0
	PriorityMax     = 9
	PriorityDefault = 5
)

// QueueItem is one admitted query travelling through the pipeline.
// All mutable fields are guarded by the queue mutex; done is closed
// exactly once when the item reaches a terminal state.
type QueueItem struct {
	ID            uuid.UUID
	RawQuery      string
	GovernedQuery string
	TenantID      string
	Mode          types.WorkflowMode
	Priority      int
	TimeoutMs     int64

	State       QueryState
	SubmittedAt time.Time
	DequeuedAt  time.Time
	CompletedAt time.Time

	Result *types.QueryResult
	Err    *PipelineError

	Estimate *CostEstimate

	seq     uint64
	heapIdx int
	done    chan struct{}
}

// NewQueueItem builds a queued item with a fresh ID and done channel.
func NewQueueItem(rawQuery, tenantID string, mode types.WorkflowMode, priority int) *QueueItem {
	if priority < PriorityMin {
		priority = PriorityMin
	}
	if priority > PriorityMax {
		priority = PriorityMax
	}
	return &QueueItem{
		ID:       uuid.New(),
		RawQuery: rawQuery,
		TenantID: tenantID,
		Mode:     mode,
		Priority: priority,
		State:    StateQueued,
		done:     make(chan struct{}),
	}
}

// Done returns a channel closed when the item reaches a terminal state.
func (qi *QueueItem) Done() <-chan struct{} {
	return qi.done
}

// SubmitResult is the synchronous answer to SubmitQuery.
type SubmitResult struct {
	Accepted        bool                 `json:"accepted"`
	QueryID         string               `json:"query_id,omitempty"`
	EstimatedWaitMs int64                `json:"estimated_wait_ms,omitempty"`
	Reason          ErrorKind            `json:"reason,omitempty"`
	Message         string               `json:"message,omitempty"`
	RetryAfterMs    int64                `json:"retry_after_ms,omitempty"`
	Violations      []sqlshape.Violation `json:"violations,omitempty"`
	Warnings        []string             `json:"warnings,omitempty"`
}

// ExecutionOutcome is the terminal result handed back by AwaitResult.
type ExecutionOutcome struct {
	QueryID         string                   `json:"query_id"`
	Status          QueryState               `json:"status"`
	Rows            []map[string]interface{} `json:"rows,omitempty"`
	RowCount        int                      `json:"row_count"`
	ExecutionTimeMs int64                    `json:"execution_time_ms"`
	ErrorKind       ErrorKind                `json:"error_kind,omitempty"`
	ErrorMessage    string                   `json:"error_message,omitempty"`
}

// LoadLevel is the coarse load classification the adaptive governor keys on.
type LoadLevel string

const (
	LoadLow      LoadLevel = "low"
	LoadMedium   LoadLevel = "medium"
	LoadHigh     LoadLevel = "high"
	LoadCritical LoadLevel = "critical"
)

// LoadSnapshot is a point-in-time view of pipeline pressure.
type LoadSnapshot struct {
	InFlight            int       `json:"in_flight"`
	Queued              int       `json:"queued"`
	QueriesInLastMinute int       `json:"queries_in_last_minute"`
	Level               LoadLevel `json:"level"`
}

// QueueStats summarises the queue for Stats and the HTTP surface.
type QueueStats struct {
	Queued        int     `json:"queued"`
	Executing     int     `json:"executing"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	TimedOut      int64   `json:"timed_out"`
	Cancelled     int64   `json:"cancelled"`
	AverageWaitMs float64 `json:"average_wait_ms"`
	AverageExecMs float64 `json:"average_exec_ms"`
	EmergencyStop bool    `json:"emergency_stop"`
}
