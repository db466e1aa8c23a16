// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	promQueriesSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_queries_submitted_total",
		Help: "Total queries submitted to the pipeline",
	})
	promQueriesBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_queries_blocked_total",
		Help: "Total queries rejected before execution",
	})
	promQueriesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_queries_completed_total",
		Help: "Total queries completed successfully",
	})
	promQueriesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_queries_failed_total",
		Help: "Total queries that failed during execution",
	})
	promQueryTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_query_timeouts_total",
		Help: "Total queries that exceeded their execution deadline",
	})
	promQueryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_query_duration_seconds",
		Help:    "Observed query execution durations",
		Buckets: prometheus.DefBuckets,
	})
	promQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_queue_depth",
		Help: "Queries currently waiting in the priority queue",
	})
	promInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_inflight_executions",
		Help: "Queries currently executing against the database",
	})
	promAuditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_audit_records_dropped_total",
		Help: "Audit records dropped because the buffer was full",
	})
)

func init() {
	prometheus.MustRegister(
		promQueriesSubmitted,
		promQueriesBlocked,
		promQueriesCompleted,
		promQueriesFailed,
		promQueryTimeouts,
		promQueryDuration,
		promQueueDepth,
		promInFlight,
		promAuditDropped,
	)
}

// MetricsSnapshot is a copy of the counters and rolling mean.
type MetricsSnapshot struct {
	TotalSubmitted int64   `json:"total_submitted"`
	TotalBlocked   int64   `json:"total_blocked"`
	TotalCompleted int64   `json:"total_completed"`
	TotalFailed    int64   `json:"total_failed"`
	TotalTimeouts  int64   `json:"total_timeouts"`
	AvgExecutionMs float64 `json:"avg_execution_ms"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
}

// PerformanceReport is the on-demand health summary.
type PerformanceReport struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Metrics     MetricsSnapshot `json:"metrics"`
	QueueLength int             `json:"queue_length"`
	InFlight    int             `json:"in_flight"`
	SuccessRate float64         `json:"success_rate"`
	TimeoutRate float64         `json:"timeout_rate"`
	Alerts      []string        `json:"alerts,omitempty"`
}

// Metrics holds the pipeline counters. Counters are atomic; the rolling
// execution-time window has its own lock.
type Metrics struct {
	totalSubmitted int64
	totalBlocked   int64
	totalCompleted int64
	totalFailed    int64
	totalTimeouts  int64

	mu         sync.Mutex
	execWindow *rollingWindow
	startedAt  time.Time

	clock Clock
}

// NewMetrics creates a metrics collector with a 100-sample execution
// window.
func NewMetrics(clock Clock) *Metrics {
	if clock == nil {
		clock = SystemClock()
	}
	return &Metrics{
		execWindow: newRollingWindow(100),
		startedAt:  clock.Now(),
		clock:      clock,
	}
}

// RecordSubmitted counts one submission attempt.
func (m *Metrics) RecordSubmitted() {
	atomic.AddInt64(&m.totalSubmitted, 1)
	promQueriesSubmitted.Inc()
}

// RecordBlocked counts one rejection before execution.
func (m *Metrics) RecordBlocked() {
	atomic.AddInt64(&m.totalBlocked, 1)
	promQueriesBlocked.Inc()
}

// RecordCompleted counts one successful execution.
func (m *Metrics) RecordCompleted(executionMs int64) {
	atomic.AddInt64(&m.totalCompleted, 1)
	promQueriesCompleted.Inc()
	promQueryDuration.Observe(float64(executionMs) / 1000)

	m.mu.Lock()
	m.execWindow.add(float64(executionMs))
	m.mu.Unlock()
}

// RecordFailed counts one failed execution.
func (m *Metrics) RecordFailed() {
	atomic.AddInt64(&m.totalFailed, 1)
	promQueriesFailed.Inc()
}

// RecordTimeout counts one deadline expiry.
func (m *Metrics) RecordTimeout() {
	atomic.AddInt64(&m.totalTimeouts, 1)
	promQueryTimeouts.Inc()
}

// SetGauges publishes the queue and in-flight gauges.
func (m *Metrics) SetGauges(queueLength, inFlight int) {
	promQueueDepth.Set(float64(queueLength))
	promInFlight.Set(float64(inFlight))
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	avg := m.execWindow.mean()
	started := m.startedAt
	m.mu.Unlock()

	return MetricsSnapshot{
		TotalSubmitted: atomic.LoadInt64(&m.totalSubmitted),
		TotalBlocked:   atomic.LoadInt64(&m.totalBlocked),
		TotalCompleted: atomic.LoadInt64(&m.totalCompleted),
		TotalFailed:    atomic.LoadInt64(&m.totalFailed),
		TotalTimeouts:  atomic.LoadInt64(&m.totalTimeouts),
		AvgExecutionMs: avg,
		UptimeSeconds:  int64(m.clock.Now().Sub(started).Seconds()),
	}
}

// Reset zeroes every counter and clears the rolling window.
func (m *Metrics) Reset() {
	atomic.StoreInt64(&m.totalSubmitted, 0)
	atomic.StoreInt64(&m.totalBlocked, 0)
	atomic.StoreInt64(&m.totalCompleted, 0)
	atomic.StoreInt64(&m.totalFailed, 0)
	atomic.StoreInt64(&m.totalTimeouts, 0)

	m.mu.Lock()
	m.execWindow = newRollingWindow(100)
	m.startedAt = m.clock.Now()
	m.mu.Unlock()
}

// Report builds the performance summary with threshold alerts.
func (m *Metrics) Report(queueLength, inFlight int) PerformanceReport {
	snap := m.Snapshot()
	report := PerformanceReport{
		GeneratedAt: m.clock.Now(),
		Metrics:     snap,
		QueueLength: queueLength,
		InFlight:    inFlight,
		SuccessRate: 1,
	}

	attempts := snap.TotalCompleted + snap.TotalFailed + snap.TotalTimeouts
	if attempts > 0 {
		report.SuccessRate = float64(snap.TotalCompleted) / float64(attempts)
		report.TimeoutRate = float64(snap.TotalTimeouts) / float64(attempts)
	}

	if attempts > 0 && report.SuccessRate < 0.95 {
		report.Alerts = append(report.Alerts, "success rate below 95%")
	}
	if snap.AvgExecutionMs > 5000 {
		report.Alerts = append(report.Alerts, "average execution time above 5000ms")
	}
	if queueLength > 10 {
		report.Alerts = append(report.Alerts, "queue length above 10")
	}
	if report.TimeoutRate > 0.10 {
		report.Alerts = append(report.Alerts, "timeout rate above 10%")
	}
	return report
}

// rollingWindow is a fixed-size sample window. Not safe for concurrent
// use; callers synchronise.
type rollingWindow struct {
	values []float64
	size   int
	next   int
}

func newRollingWindow(size int) *rollingWindow {
	return &rollingWindow{values: make([]float64, 0, size), size: size}
}

func (w *rollingWindow) add(v float64) {
	if len(w.values) < w.size {
		w.values = append(w.values, v)
		return
	}
	w.values[w.next] = v
	w.next = (w.next + 1) % w.size
}

func (w *rollingWindow) mean() float64 {
	if len(w.values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range w.values {
		sum += v
	}
	return sum / float64(len(w.values))
}

func (w *rollingWindow) count() int {
	return len(w.values)
}
