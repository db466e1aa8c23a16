// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"regexp"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"finsight/platform/gateway/sqlshape"
	"finsight/platform/shared/logger"
	"finsight/platform/shared/types"
)

// breakerScopeDefault is the scope guarding the database backend.
const breakerScopeDefault = "default"

// PipelineDeps are the external capabilities the pipeline consumes.
// UploadTableExists and TableStats may be nil; DatabaseExecute must not.
type PipelineDeps struct {
	UploadTableExists types.UploadTableExistsFn
	TableStats        types.TableStatsFn
	DatabaseExecute   types.DatabaseExecuteFn
	AuditSink         AuditSink
	Clock             Clock
}

// PipelineStats is the combined Stats answer.
type PipelineStats struct {
	Queue    QueueStats                 `json:"queue"`
	Load     LoadSnapshot               `json:"load"`
	Metrics  MetricsSnapshot            `json:"metrics"`
	Circuits map[string]CircuitSnapshot `json:"circuits"`
}

// EmergencyStopResult reports what an emergency stop interrupted.
type EmergencyStopResult struct {
	CancelledExecuting int `json:"cancelled_executing"`
	CancelledQueued    int `json:"cancelled_queued"`
}

// Pipeline wires admission, validation, governance, queueing, breaker
// and execution into the submit/await surface. One scheduler goroutine
// feeds worker goroutines up to the configured concurrency.
type Pipeline struct {
	cfg   Config
	log   *logger.Logger
	clock Clock

	analyzer  *sqlshape.Analyzer
	validator *sqlshape.Validator
	governor  *Governor
	estimator *CostEstimator
	admission *AdmissionController
	queue     *PriorityQueue
	breakers  *BreakerRegistry
	executor  *TimeoutExecutor
	metrics   *Metrics
	audit     *AuditRecorder

	dbExec types.DatabaseExecuteFn

	emergency int32
	shutdown  chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
}

// NewPipeline builds the pipeline from cfg and deps and starts the
// scheduler and metrics loops.
func NewPipeline(cfg Config, deps PipelineDeps) *Pipeline {
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock()
	}

	var analyzerOpts []sqlshape.AnalyzerOption
	if len(cfg.TenantColumns) > 0 {
		analyzerOpts = append(analyzerOpts, sqlshape.WithTenantColumns(cfg.TenantColumns))
	}
	if len(cfg.UploadPatterns) > 0 {
		compiled := make([]*regexp.Regexp, 0, len(cfg.UploadPatterns))
		for _, pat := range cfg.UploadPatterns {
			if re, err := regexp.Compile("(?i)" + pat); err == nil {
				compiled = append(compiled, re)
			}
		}
		if len(compiled) > 0 {
			analyzerOpts = append(analyzerOpts, sqlshape.WithUploadPatterns(compiled))
		}
	}
	analyzer := sqlshape.NewAnalyzer(analyzerOpts...)

	sink := deps.AuditSink
	if sink == nil {
		sink = NewLoggerSink()
	}

	p := &Pipeline{
		cfg:       cfg,
		log:       logger.New("pipeline"),
		clock:     clock,
		analyzer:  analyzer,
		validator: sqlshape.NewValidator(cfg.Policy(), analyzer, deps.UploadTableExists),
		governor:  NewGovernor(analyzer, cfg.TenantColumn, cfg.MaxRowLimit, cfg.ExecutionTimeoutMs),
		estimator: NewCostEstimator(deps.TableStats),
		admission: NewAdmissionController(cfg.MaxConcurrent+cfg.MaxQueueSize, cfg.MaxPerMinute, clock),
		queue:     NewPriorityQueue(cfg.MaxQueueSize, cfg.MaxConcurrent, clock),
		breakers: NewBreakerRegistry(BreakerConfig{
			FailureThreshold:  cfg.FailureThreshold,
			RecoveryTimeout:   cfg.RecoveryTimeout(),
			HalfOpenMaxProbes: cfg.HalfOpenMaxProbes,
		}, clock),
		executor: NewTimeoutExecutor(clock),
		metrics:  NewMetrics(clock),
		audit:    NewAuditRecorder(sink, cfg.AuditQueueSize, clock),
		dbExec:   deps.DatabaseExecute,
		shutdown: make(chan struct{}),
	}

	p.wg.Add(2)
	go p.scheduler()
	go p.metricsLoop()
	return p
}

// SubmitQuery runs the admission, validation, cost and governance gates
// and enqueues on success.
func (p *Pipeline) SubmitQuery(ctx context.Context, rawQuery, tenantID string, mode types.WorkflowMode, priority int) SubmitResult {
	p.metrics.RecordSubmitted()

	attempt := AuditRecord{
		Event:        AuditEventAttempt,
		TenantID:     tenantID,
		WorkflowMode: string(mode),
		QueryLength:  len(rawQuery),
	}

	reject := func(res SubmitResult) SubmitResult {
		p.metrics.RecordBlocked()
		attempt.Blocked = true
		attempt.Reason = string(res.Reason)
		p.audit.Record(attempt)
		return res
	}

	if !mode.IsValid() {
		return reject(SubmitResult{
			Reason:  ErrKindValidationRejected,
			Message: "unknown workflow mode",
		})
	}

	// The concurrency gate counts outstanding work against the combined
	// execution and queue capacity, so a submission queues while every
	// slot is busy and saturates only when the queue cannot absorb it.
	outstanding := p.queue.ExecutingCount() + p.queue.QueuedCount()
	if d := p.admission.Admit(outstanding); !d.Allowed {
		return reject(SubmitResult{
			Reason:       d.Reason,
			Message:      "admission rejected",
			RetryAfterMs: d.RetryAfterMs,
		})
	}

	shape, err := p.analyzer.Analyze(rawQuery)
	if err != nil {
		return reject(SubmitResult{
			Reason:  ErrKindAnalyzerMalformed,
			Message: "statement cannot be classified",
		})
	}

	report := p.validator.Validate(ctx, shape, rawQuery, tenantID, mode)
	if !report.IsValid {
		return reject(SubmitResult{
			Reason:     ErrKindValidationRejected,
			Message:    "query failed validation",
			Violations: report.Violations,
		})
	}

	estimate := p.estimator.Estimate(shape)
	if p.cfg.RejectCritical && estimate.RiskLevel == RiskCritical {
		return reject(SubmitResult{
			Reason:  ErrKindCostCritical,
			Message: "estimated cost is critical",
		})
	}

	load := p.LoadSnapshot()
	var governed GovernResult
	if atomic.LoadInt32(&p.emergency) == 1 {
		governed = p.governor.GovernEmergency(rawQuery)
	} else {
		governed = p.governor.GovernAdaptive(rawQuery, tenantID, mode, load.Level)
	}
	if !governed.Allowed {
		res := SubmitResult{Reason: ErrKindGovernorRejected}
		if len(governed.Errors) > 0 {
			res.Message = governed.Errors[0]
		}
		return reject(res)
	}

	item := NewQueueItem(rawQuery, tenantID, mode, priority)
	item.GovernedQuery = governed.Query
	item.TimeoutMs = int64(p.cfg.ExecutionTimeoutMs)
	item.Estimate = estimate

	estWait, err := p.queue.Enqueue(item)
	if err != nil {
		var pe *PipelineError
		if !asPipelineError(err, &pe) {
			pe = NewPipelineError(ErrKindQueueFull, "queue rejected the query")
		}
		return reject(SubmitResult{
			Reason:       pe.Kind,
			Message:      pe.Message,
			RetryAfterMs: pe.RetryAfterMs,
		})
	}

	attempt.QueryID = item.ID.String()
	p.audit.Record(attempt)

	return SubmitResult{
		Accepted:        true,
		QueryID:         item.ID.String(),
		EstimatedWaitMs: estWait,
		Warnings:        governed.Warnings,
	}
}

// AwaitResult blocks until the query reaches a terminal state or the
// wait deadline passes, returning the current state either way.
func (p *Pipeline) AwaitResult(ctx context.Context, queryID string, waitTimeout time.Duration) (ExecutionOutcome, error) {
	id, err := uuid.Parse(queryID)
	if err != nil {
		return ExecutionOutcome{}, NewPipelineError(ErrKindExecutionFailed, "malformed query id")
	}

	item, ok := p.queue.Get(id)
	if !ok {
		return ExecutionOutcome{}, NewPipelineError(ErrKindExecutionFailed, "unknown query id")
	}

	select {
	case <-item.Done():
	case <-p.clock.After(waitTimeout):
	case <-ctx.Done():
	}

	snap, _ := p.queue.Snapshot(id)
	return outcomeFor(snap), nil
}

// Cancel cancels a queued or executing query. Returns whether the id
// was found in a cancellable state.
func (p *Pipeline) Cancel(queryID string) bool {
	id, err := uuid.Parse(queryID)
	if err != nil {
		return false
	}
	found, stillExecuting := p.queue.Cancel(id)
	if stillExecuting {
		return p.executor.Cancel(id)
	}
	return found
}

// Stats returns queue, load, metrics and circuit state in one view.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Queue:    p.queue.Stats(),
		Load:     p.LoadSnapshot(),
		Metrics:  p.metrics.Snapshot(),
		Circuits: p.breakers.Snapshots(),
	}
}

// PerformanceReport builds the on-demand health summary.
func (p *Pipeline) PerformanceReport() PerformanceReport {
	return p.metrics.Report(p.queue.QueuedCount(), p.queue.ExecutingCount())
}

// ResetMetrics zeroes the counters and records the reset in the audit
// stream.
func (p *Pipeline) ResetMetrics() {
	p.metrics.Reset()
	p.audit.Record(AuditRecord{Event: AuditEventMetricsReset})
}

// EmergencyStop cancels every executing token, fails every queued item
// and switches the governor to emergency mode for later submissions.
func (p *Pipeline) EmergencyStop() EmergencyStopResult {
	atomic.StoreInt32(&p.emergency, 1)
	queued := p.queue.EmergencyStop()
	executing := p.executor.CancelAll()

	p.log.Warn("", "", "emergency stop triggered", map[string]interface{}{
		"cancelled_executing": executing,
		"cancelled_queued":    queued,
	})
	p.audit.Record(AuditRecord{
		Event: AuditEventEmergencyStop,
		Details: map[string]interface{}{
			"cancelled_executing": executing,
			"cancelled_queued":    queued,
		},
	})
	return EmergencyStopResult{CancelledExecuting: executing, CancelledQueued: queued}
}

// Resume lifts an emergency stop.
func (p *Pipeline) Resume() {
	p.queue.Resume()
	atomic.StoreInt32(&p.emergency, 0)
}

// LoadSnapshot classifies current pressure for the adaptive governor.
func (p *Pipeline) LoadSnapshot() LoadSnapshot {
	inFlight := p.queue.ExecutingCount()
	queued := p.queue.QueuedCount()
	snap := LoadSnapshot{
		InFlight:            inFlight,
		Queued:              queued,
		QueriesInLastMinute: p.admission.RecentCount(),
	}

	switch {
	case inFlight >= p.cfg.MaxConcurrent || queued*10 >= p.cfg.MaxQueueSize*8:
		snap.Level = LoadCritical
	case inFlight*10 >= p.cfg.MaxConcurrent*7 || queued*2 >= p.cfg.MaxQueueSize:
		snap.Level = LoadHigh
	case inFlight*10 >= p.cfg.MaxConcurrent*4 || queued > 0:
		snap.Level = LoadMedium
	default:
		snap.Level = LoadLow
	}
	return snap
}

// Shutdown stops the scheduler, flushes the audit buffer and waits for
// in-flight work, bounded by ctx.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.once.Do(func() {
		close(p.shutdown)
		p.queue.Close()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.audit.Shutdown(ctx)
}

// scheduler moves items from the queue into worker goroutines. Dequeue
// itself enforces the concurrency bound.
func (p *Pipeline) scheduler() {
	defer p.wg.Done()
	for {
		item, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		p.wg.Add(1)
		go p.execute(item)
	}
}

func (p *Pipeline) execute(item *QueueItem) {
	defer p.wg.Done()

	breaker := p.breakers.Get(breakerScopeDefault)
	if err := breaker.Allow(); err != nil {
		var pe *PipelineError
		asPipelineError(err, &pe)
		p.metrics.RecordFailed()
		p.finish(item, StateFailed, nil, pe)
		return
	}

	timeout := time.Duration(item.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = p.cfg.ExecutionTimeout()
	}

	result, err := p.executor.Execute(context.Background(), item.ID, timeout, func(ctx context.Context) (*types.QueryResult, error) {
		return p.dbExec(ctx, item.GovernedQuery, item.TenantID, item.Mode)
	})

	switch {
	case err == nil:
		breaker.ReportSuccess()
		p.metrics.RecordCompleted(result.ExecutionTimeMs)
		p.finish(item, StateCompleted, result, nil)
	case IsKind(err, ErrKindTimeout):
		breaker.ReportFailure()
		p.metrics.RecordTimeout()
		var pe *PipelineError
		asPipelineError(err, &pe)
		p.finish(item, StateTimeout, nil, pe)
	case IsKind(err, ErrKindCancelled):
		var pe *PipelineError
		asPipelineError(err, &pe)
		p.finish(item, StateCancelled, nil, pe)
	default:
		breaker.ReportFailure()
		p.metrics.RecordFailed()
		p.finish(item, StateFailed, nil, WrapExecutionError(err))
	}
}

// finish transitions the item, wakes awaiters and records the terminal
// audit event.
func (p *Pipeline) finish(item *QueueItem, state QueryState, result *types.QueryResult, perr *PipelineError) {
	p.queue.Complete(item.ID, state, result, perr)

	rec := AuditRecord{
		Event:        AuditEventExecution,
		QueryID:      item.ID.String(),
		TenantID:     item.TenantID,
		WorkflowMode: string(item.Mode),
		QueryLength:  len(item.RawQuery),
		Status:       string(state),
	}
	if result != nil {
		rec.ExecutionTimeMs = result.ExecutionTimeMs
		rec.RowCount = result.RowCount
	}
	if perr != nil {
		rec.Reason = string(perr.Kind)
		rec.ErrorMessage = perr.Message
	}
	p.audit.Record(rec)
}

// metricsLoop publishes gauges and emits the periodic system_metrics
// audit record.
func (p *Pipeline) metricsLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.shutdown:
			return
		case <-p.clock.After(p.cfg.MetricsInterval()):
			queued := p.queue.QueuedCount()
			inFlight := p.queue.ExecutingCount()
			p.metrics.SetGauges(queued, inFlight)

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			snap := p.metrics.Snapshot()
			p.audit.Record(AuditRecord{
				Event: AuditEventSystemMetrics,
				Details: map[string]interface{}{
					"total_submitted": snap.TotalSubmitted,
					"total_blocked":   snap.TotalBlocked,
					"total_completed": snap.TotalCompleted,
					"total_failed":    snap.TotalFailed,
					"total_timeouts":  snap.TotalTimeouts,
					"queued":          queued,
					"in_flight":       inFlight,
					"goroutines":      runtime.NumGoroutine(),
					"heap_alloc_mb":   mem.HeapAlloc / 1024 / 1024,
				},
			})
		}
	}
}

func outcomeFor(item QueueItem) ExecutionOutcome {
	out := ExecutionOutcome{
		QueryID: item.ID.String(),
		Status:  item.State,
	}
	if item.Result != nil {
		out.Rows = item.Result.Rows
		out.RowCount = item.Result.RowCount
		out.ExecutionTimeMs = item.Result.ExecutionTimeMs
	}
	if item.Err != nil {
		out.ErrorKind = item.Err.Kind
		out.ErrorMessage = item.Err.Message
	}
	return out
}
