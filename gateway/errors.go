// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"time"

	"finsight/platform/gateway/sqlshape"
)

// ErrorKind is the stable error taxonomy surfaced to callers.
type ErrorKind string

const (
	ErrKindAnalyzerMalformed    ErrorKind = "analyzer_malformed"
	ErrKindValidationRejected   ErrorKind = "validation_rejected"
	ErrKindConcurrencySaturated ErrorKind = "concurrency_saturated"
	ErrKindRateLimited          ErrorKind = "rate_limited"
	ErrKindQueueFull            ErrorKind = "queue_full"
	ErrKindGovernorRejected     ErrorKind = "governor_rejected"
	ErrKindCostCritical         ErrorKind = "cost_critical"
	ErrKindCircuitOpen          ErrorKind = "circuit_open"
	ErrKindTimeout              ErrorKind = "timeout"
	ErrKindExecutionFailed      ErrorKind = "execution_failed"
	ErrKindCancelled            ErrorKind = "cancelled"
)

// PipelineError carries a taxonomy kind plus the retry and validation
// context the caller needs. User-visible messages never include stack
// traces, tenant values or SQL literals.
type PipelineError struct {
	Kind         ErrorKind
	Message      string
	RetryAfterMs int64
	OpenUntil    time.Time
	Violations   []sqlshape.Violation
	Err          error
}

func (e *PipelineError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewPipelineError creates an error of the given kind.
func NewPipelineError(kind ErrorKind, message string) *PipelineError {
	return &PipelineError{Kind: kind, Message: message}
}

// WrapExecutionError wraps an unexpected database failure.
func WrapExecutionError(err error) *PipelineError {
	return &PipelineError{
		Kind:    ErrKindExecutionFailed,
		Message: sanitizeMessage(err.Error()),
		Err:     err,
	}
}

// KindOf extracts the ErrorKind from an error chain; empty when the error
// is not a PipelineError.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if asPipelineError(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func asPipelineError(err error, target **PipelineError) bool {
	for err != nil {
		if pe, ok := err.(*PipelineError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
