// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finsight/platform/gateway/sqlshape"
	"finsight/platform/shared/types"
)

// stubDB is a controllable database capability.
type stubDB struct {
	mu       sync.Mutex
	err      error
	delay    time.Duration
	rows     []map[string]interface{}
	captured []string
}

func (s *stubDB) exec(ctx context.Context, governedSQL, tenantID string, mode types.WorkflowMode) (*types.QueryResult, error) {
	s.mu.Lock()
	s.captured = append(s.captured, governedSQL)
	err, delay, rows := s.err, s.delay, s.rows
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return &types.QueryResult{Rows: rows, RowCount: len(rows), ExecutionTimeMs: 7}, nil
}

func (s *stubDB) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubDB) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.captured)
}

func (s *stubDB) lastSQL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.captured) == 0 {
		return ""
	}
	return s.captured[len(s.captured)-1]
}

func newTestPipeline(t *testing.T, cfg Config, clock Clock, db *stubDB) (*Pipeline, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	p := NewPipeline(cfg, PipelineDeps{
		DatabaseExecute: db.exec,
		AuditSink:       sink,
		Clock:           clock,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	return p, sink
}

const validQuery = "SELECT a,b FROM upload_table_A WHERE client_id='T1'"

func TestPipeline_HappyAuditPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRowLimit = 1000

	db := &stubDB{rows: []map[string]interface{}{{"a": "x", "b": "y"}}}
	p, _ := newTestPipeline(t, cfg, nil, db)

	res := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
	require.True(t, res.Accepted, "reason=%s violations=%+v", res.Reason, res.Violations)
	require.NotEmpty(t, res.QueryID)
	assert.GreaterOrEqual(t, res.EstimatedWaitMs, int64(minimumWaitEstimateMs))

	outcome, err := p.AwaitResult(context.Background(), res.QueryID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.Status)
	assert.Equal(t, 1, outcome.RowCount)

	assert.Equal(t,
		"SELECT TOP 1000 a,b FROM upload_table_A WHERE client_id='T1' OPTION (QUERY_GOVERNOR_COST_LIMIT 5)",
		db.lastSQL())

	snap := p.Stats()
	assert.Equal(t, int64(1), snap.Metrics.TotalCompleted)
	assert.Equal(t, CircuitClosed, snap.Circuits[breakerScopeDefault].State)
}

func TestPipeline_RejectsMissingTenantFilter(t *testing.T) {
	db := &stubDB{}
	p, sink := newTestPipeline(t, DefaultConfig(), nil, db)

	res := p.SubmitQuery(context.Background(), "SELECT * FROM upload_table_A", "T1", types.ModeAudit, 5)
	require.False(t, res.Accepted)
	assert.Equal(t, ErrKindValidationRejected, res.Reason)

	kinds := map[sqlshape.ViolationKind]bool{}
	for _, v := range res.Violations {
		kinds[v.Kind] = true
	}
	assert.True(t, kinds[sqlshape.ViolationMissingTenantFilter])
	assert.True(t, kinds[sqlshape.ViolationWildcardSelect])
	assert.True(t, kinds[sqlshape.ViolationMissingRowLimit])

	// The database was never touched.
	assert.Empty(t, db.lastSQL())
	assert.Equal(t, int64(1), p.Stats().Metrics.TotalBlocked)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	records := sink.all()
	require.NotEmpty(t, records)
	assert.Equal(t, AuditEventAttempt, records[0].Event)
	assert.True(t, records[0].Blocked)
	assert.Equal(t, len("SELECT * FROM upload_table_A"), records[0].QueryLength)
}

func TestPipeline_RejectsInjection(t *testing.T) {
	db := &stubDB{}
	p, _ := newTestPipeline(t, DefaultConfig(), nil, db)

	res := p.SubmitQuery(context.Background(),
		"SELECT * FROM upload_table_A WHERE client_id='T1' OR 1=1", "T1", types.ModeAudit, 5)
	require.False(t, res.Accepted)
	assert.Equal(t, ErrKindValidationRejected, res.Reason)

	found := false
	for _, v := range res.Violations {
		if v.Kind == sqlshape.ViolationDangerousOperation {
			found = true
		}
	}
	assert.True(t, found, "expected dangerous_operation, got %+v", res.Violations)
	assert.Empty(t, db.lastSQL())
}

func TestPipeline_CircuitOpensAndRecovers(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()

	db := &stubDB{err: errors.New("db down")}
	p, _ := newTestPipeline(t, cfg, clock, db)

	submitAndAwait := func() ExecutionOutcome {
		res := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
		require.True(t, res.Accepted, "reason=%s", res.Reason)
		outcome, err := p.AwaitResult(context.Background(), res.QueryID, time.Minute)
		require.NoError(t, err)
		return outcome
	}

	for i := 0; i < 5; i++ {
		outcome := submitAndAwait()
		assert.Equal(t, StateFailed, outcome.Status)
		assert.Equal(t, ErrKindExecutionFailed, outcome.ErrorKind, "attempt %d", i+1)
	}
	assert.Equal(t, CircuitOpen, p.Stats().Circuits[breakerScopeDefault].State)

	// While open, attempts fail fast without reaching the database.
	before := db.callCount()
	outcome := submitAndAwait()
	assert.Equal(t, StateFailed, outcome.Status)
	assert.Equal(t, ErrKindCircuitOpen, outcome.ErrorKind)
	assert.Equal(t, before, db.callCount())

	// After the recovery window the probes succeed and the scope closes.
	clock.Advance(61 * time.Second)
	db.setErr(nil)
	for i := 0; i < 3; i++ {
		outcome := submitAndAwait()
		assert.Equal(t, StateCompleted, outcome.Status, "probe %d", i+1)
	}
	assert.Equal(t, CircuitClosed, p.Stats().Circuits[breakerScopeDefault].State)
}

func TestPipeline_Timeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExecutionTimeoutMs = 50

	db := &stubDB{delay: 200 * time.Millisecond}
	p, _ := newTestPipeline(t, cfg, nil, db)

	res := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
	require.True(t, res.Accepted)

	outcome, err := p.AwaitResult(context.Background(), res.QueryID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateTimeout, outcome.Status)
	assert.Equal(t, ErrKindTimeout, outcome.ErrorKind)

	snap := p.Stats()
	assert.Equal(t, int64(1), snap.Metrics.TotalTimeouts)
	assert.Equal(t, int64(0), snap.Metrics.TotalCompleted)
	assert.Equal(t, 1, snap.Circuits[breakerScopeDefault].ConsecutiveFailures)
}

func TestPipeline_RateGate(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MaxPerMinute = 3

	db := &stubDB{}
	p, _ := newTestPipeline(t, cfg, clock, db)

	for i := 0; i < 3; i++ {
		res := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
		require.True(t, res.Accepted, "submission %d", i+1)
	}

	res := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
	require.False(t, res.Accepted)
	assert.Equal(t, ErrKindRateLimited, res.Reason)
	assert.Greater(t, res.RetryAfterMs, int64(0))
	assert.LessOrEqual(t, res.RetryAfterMs, int64(60000))
}

func TestPipeline_CancelQueuedQuery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1

	db := &stubDB{delay: 10 * time.Second}
	p, _ := newTestPipeline(t, cfg, nil, db)

	blocker := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
	require.True(t, blocker.Accepted)

	// Wait until the blocker occupies the only slot so the next item
	// stays queued.
	require.Eventually(t, func() bool {
		return p.Stats().Queue.Executing == 1
	}, 2*time.Second, 10*time.Millisecond)

	queued := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
	require.True(t, queued.Accepted)

	assert.True(t, p.Cancel(queued.QueryID))
	outcome, err := p.AwaitResult(context.Background(), queued.QueryID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, outcome.Status)

	// Cancel the executing one as well so shutdown is clean; explicit
	// cancellation is not a breaker failure.
	assert.True(t, p.Cancel(blocker.QueryID))
	outcome, err = p.AwaitResult(context.Background(), blocker.QueryID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, outcome.Status)
	assert.Equal(t, 0, p.Stats().Circuits[breakerScopeDefault].ConsecutiveFailures)
}

func TestPipeline_EmergencyStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1

	db := &stubDB{delay: 10 * time.Second}
	p, _ := newTestPipeline(t, cfg, nil, db)

	executing := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
	require.True(t, executing.Accepted)
	require.Eventually(t, func() bool {
		return p.Stats().Queue.Executing == 1
	}, 2*time.Second, 10*time.Millisecond)

	queued := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
	require.True(t, queued.Accepted)

	result := p.EmergencyStop()
	assert.Equal(t, 1, result.CancelledExecuting)
	assert.Equal(t, 1, result.CancelledQueued)

	outcome, err := p.AwaitResult(context.Background(), queued.QueryID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, outcome.Status)
	assert.Contains(t, outcome.ErrorMessage, "emergency stop")

	outcome, err = p.AwaitResult(context.Background(), executing.QueryID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, outcome.Status)

	// Stopped pipeline rejects new work until resumed.
	rejected := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
	assert.False(t, rejected.Accepted)
	assert.Equal(t, ErrKindQueueFull, rejected.Reason)

	p.Resume()
	db.mu.Lock()
	db.delay = 0
	db.mu.Unlock()
	resumed := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
	assert.True(t, resumed.Accepted)
}

func TestPipeline_ConcurrencyBoundHolds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2

	db := &stubDB{delay: 100 * time.Millisecond}
	p, _ := newTestPipeline(t, cfg, nil, db)

	var ids []string
	for i := 0; i < 5; i++ {
		res := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
		require.True(t, res.Accepted)
		ids = append(ids, res.QueryID)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		stats := p.Stats().Queue
		assert.LessOrEqual(t, stats.Executing, 2)
		if stats.Completed == 5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	for _, id := range ids {
		outcome, err := p.AwaitResult(context.Background(), id, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, outcome.Status)
	}
}

func TestPipeline_RejectsMalformedStatement(t *testing.T) {
	db := &stubDB{}
	p, _ := newTestPipeline(t, DefaultConfig(), nil, db)

	res := p.SubmitQuery(context.Background(), "   ", "T1", types.ModeAudit, 5)
	require.False(t, res.Accepted)
	assert.Equal(t, ErrKindAnalyzerMalformed, res.Reason)
}

func TestPipeline_AwaitUnknownID(t *testing.T) {
	db := &stubDB{}
	p, _ := newTestPipeline(t, DefaultConfig(), nil, db)

	_, err := p.AwaitResult(context.Background(), "not-a-uuid", time.Second)
	assert.Error(t, err)

	_, err = p.AwaitResult(context.Background(), "9f3c1a50-0000-4000-8000-000000000000", time.Second)
	assert.Error(t, err)
}

func TestPipeline_QueuesWhileSaturated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1

	db := &stubDB{delay: 10 * time.Second}
	p, _ := newTestPipeline(t, cfg, nil, db)

	first := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
	require.True(t, first.Accepted)
	require.Eventually(t, func() bool {
		return p.Stats().Queue.Executing == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A busy execution slot must not block queueing.
	second := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
	require.True(t, second.Accepted, "reason=%s", second.Reason)
	assert.GreaterOrEqual(t, second.EstimatedWaitMs, int64(minimumWaitEstimateMs))

	stats := p.Stats().Queue
	assert.Equal(t, 1, stats.Executing)
	assert.Equal(t, 1, stats.Queued)

	p.Cancel(first.QueryID)
	p.Cancel(second.QueryID)
}

func TestPipeline_SaturationRejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	cfg.MaxQueueSize = 1

	db := &stubDB{delay: 10 * time.Second}
	p, _ := newTestPipeline(t, cfg, nil, db)

	first := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
	require.True(t, first.Accepted)
	require.Eventually(t, func() bool {
		return p.Stats().Queue.Executing == 1
	}, 2*time.Second, 10*time.Millisecond)

	second := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
	require.True(t, second.Accepted)

	// Slot busy and queue full: nothing can absorb the third request.
	third := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
	require.False(t, third.Accepted)
	assert.Equal(t, ErrKindConcurrencySaturated, third.Reason)
	assert.Equal(t, int64(1000), third.RetryAfterMs)

	// Free the stuck execution for a clean shutdown.
	p.Cancel(first.QueryID)
	p.Cancel(second.QueryID)
}

func TestPipeline_AuditStreamNeverSeesQueryText(t *testing.T) {
	db := &stubDB{rows: []map[string]interface{}{{"a": 1}}}
	p, sink := newTestPipeline(t, DefaultConfig(), nil, db)

	res := p.SubmitQuery(context.Background(), validQuery, "T1", types.ModeAudit, 5)
	require.True(t, res.Accepted)
	_, err := p.AwaitResult(context.Background(), res.QueryID, 5*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	for _, rec := range sink.all() {
		data, err := json.Marshal(rec)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "upload_table_A", "audit record leaked query text")
		assert.NotContains(t, string(data), "password")
	}
}
