// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"finsight/platform/shared/types"
)

// ExecuteFn is the unit of work run under a deadline. It must observe
// ctx cancellation cooperatively; the executor never forcibly interrupts.
type ExecuteFn func(ctx context.Context) (*types.QueryResult, error)

type execHandle struct {
	cancel    context.CancelFunc
	cancelled bool
}

// TimeoutExecutor runs work functions under a wall-clock deadline and
// keeps a map of in-flight cancellation tokens keyed by query ID.
type TimeoutExecutor struct {
	mu       sync.Mutex
	inFlight map[uuid.UUID]*execHandle
	clock    Clock
}

// NewTimeoutExecutor creates an executor. clock may be nil for the
// system clock.
func NewTimeoutExecutor(clock Clock) *TimeoutExecutor {
	if clock == nil {
		clock = SystemClock()
	}
	return &TimeoutExecutor{
		inFlight: make(map[uuid.UUID]*execHandle),
		clock:    clock,
	}
}

type execResult struct {
	result *types.QueryResult
	err    error
}

// Execute runs work with the given timeout. It returns ErrKindTimeout
// when the deadline fires first, ErrKindCancelled when Cancel or
// CancelAll triggered the token, and the work's own error otherwise.
// The in-flight entry is removed on every exit path.
func (e *TimeoutExecutor) Execute(parent context.Context, id uuid.UUID, timeout time.Duration, work ExecuteFn) (*types.QueryResult, error) {
	ctx, cancel := context.WithCancel(parent)
	handle := &execHandle{cancel: cancel}

	e.mu.Lock()
	e.inFlight[id] = handle
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, id)
		e.mu.Unlock()
		cancel()
	}()

	done := make(chan execResult, 1)
	go func() {
		result, err := work(ctx)
		done <- execResult{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if e.wasCancelled(id) {
				return nil, NewPipelineError(ErrKindCancelled, "query cancelled")
			}
			return nil, out.err
		}
		return out.result, nil
	case <-e.clock.After(timeout):
		cancel()
		<-done
		return nil, NewPipelineError(ErrKindTimeout, "execution deadline exceeded")
	}
}

// Cancel triggers the token for id. Returns whether id was in flight.
func (e *TimeoutExecutor) Cancel(id uuid.UUID) bool {
	e.mu.Lock()
	handle, ok := e.inFlight[id]
	if ok {
		handle.cancelled = true
	}
	e.mu.Unlock()

	if ok {
		handle.cancel()
	}
	return ok
}

// CancelAll triggers every in-flight token and returns the count.
func (e *TimeoutExecutor) CancelAll() int {
	e.mu.Lock()
	handles := make([]*execHandle, 0, len(e.inFlight))
	for _, h := range e.inFlight {
		h.cancelled = true
		handles = append(handles, h)
	}
	e.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	return len(handles)
}

// InFlightCount returns the number of registered executions.
func (e *TimeoutExecutor) InFlightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inFlight)
}

func (e *TimeoutExecutor) wasCancelled(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.inFlight[id]
	return ok && h.cancelled
}
