// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"finsight/platform/shared/logger"
)

// Audit event names.
const (
	AuditEventAttempt       = "query_attempt"
	AuditEventExecution     = "query_execution"
	AuditEventSystemMetrics = "system_metrics"
	AuditEventMetricsReset  = "metrics_reset"
	AuditEventEmergencyStop = "emergency_stop"
)

// AuditRecord is one entry in the append-only audit stream. Query text
// never appears; only its length does.
type AuditRecord struct {
	Timestamp       time.Time              `json:"timestamp"`
	Event           string                 `json:"event"`
	QueryID         string                 `json:"query_id,omitempty"`
	TenantID        string                 `json:"tenant_id,omitempty"`
	WorkflowMode    string                 `json:"workflow_mode,omitempty"`
	QueryLength     int                    `json:"query_length,omitempty"`
	Blocked         bool                   `json:"blocked,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
	Status          string                 `json:"status,omitempty"`
	ExecutionTimeMs int64                  `json:"execution_time_ms,omitempty"`
	RowCount        int                    `json:"row_count,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
}

// AuditSink receives drained audit records.
type AuditSink interface {
	Write(ctx context.Context, rec AuditRecord) error
}

// AuditRecorder buffers audit records in a bounded channel drained by a
// dedicated worker, so the hot path never blocks on the sink. On
// overflow the oldest buffered record is dropped and counted.
type AuditRecorder struct {
	queue    chan AuditRecord
	sink     AuditSink
	log      *logger.Logger
	clock    Clock
	dropped  uint64
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewAuditRecorder creates a recorder and starts its drainer.
func NewAuditRecorder(sink AuditSink, size int, clock Clock) *AuditRecorder {
	if size < 1 {
		size = 1000
	}
	if clock == nil {
		clock = SystemClock()
	}
	r := &AuditRecorder{
		queue:    make(chan AuditRecord, size),
		sink:     sink,
		log:      logger.New("audit-recorder"),
		clock:    clock,
		shutdown: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

// Record enqueues a record without blocking. The error message is
// redacted before it leaves the caller's goroutine.
func (r *AuditRecorder) Record(rec AuditRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.clock.Now().UTC()
	}
	rec.ErrorMessage = sanitizeMessage(rec.ErrorMessage)

	select {
	case r.queue <- rec:
		return
	default:
	}

	// Full: drop the oldest buffered record and retry once.
	select {
	case <-r.queue:
		atomic.AddUint64(&r.dropped, 1)
		promAuditDropped.Inc()
	default:
	}
	select {
	case r.queue <- rec:
	default:
		atomic.AddUint64(&r.dropped, 1)
		promAuditDropped.Inc()
	}
}

// Dropped returns the number of records lost to overflow.
func (r *AuditRecorder) Dropped() uint64 {
	return atomic.LoadUint64(&r.dropped)
}

// Shutdown stops the drainer after flushing buffered records, or when
// ctx expires.
func (r *AuditRecorder) Shutdown(ctx context.Context) error {
	r.once.Do(func() { close(r.shutdown) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *AuditRecorder) drain() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-r.shutdown:
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *AuditRecorder) write(rec AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.sink.Write(ctx, rec); err != nil {
		r.log.Warn(rec.TenantID, rec.QueryID, "audit sink write failed", map[string]interface{}{
			"event": rec.Event,
			"error": err.Error(),
		})
	}
}

// Masking regexes, precompiled.
var (
	passwordMaskRegex = regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
	apiKeyMaskRegex   = regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key)\s*[=:]\s*['"]?[^'"\s]+['"]?`)
	tokenMaskRegex    = regexp.MustCompile(`(?i)(token|bearer)[=:\s]\s*['"]?[^'"\s]+['"]?`)
	bareSecretRegex   = regexp.MustCompile(`(?i)\b(password|passwd|pwd|api[_-]?key|apikey|secret|token|bearer)\b`)
)

// sanitizeMessage masks credential-shaped content and collapses
// newlines so a message is always safe to log and audit.
func sanitizeMessage(msg string) string {
	if msg == "" {
		return msg
	}
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = passwordMaskRegex.ReplaceAllString(msg, "[REDACTED]")
	msg = apiKeyMaskRegex.ReplaceAllString(msg, "[REDACTED]")
	msg = tokenMaskRegex.ReplaceAllString(msg, "[REDACTED]")
	msg = bareSecretRegex.ReplaceAllString(msg, "[REDACTED]")
	return msg
}

// LoggerSink writes audit records as structured log lines.
type LoggerSink struct {
	log *logger.Logger
}

// NewLoggerSink creates a sink backed by the shared JSON logger.
func NewLoggerSink() *LoggerSink {
	return &LoggerSink{log: logger.New("audit")}
}

func (s *LoggerSink) Write(_ context.Context, rec AuditRecord) error {
	fields := map[string]interface{}{
		"event":        rec.Event,
		"query_length": rec.QueryLength,
		"blocked":      rec.Blocked,
	}
	if rec.Status != "" {
		fields["status"] = rec.Status
	}
	if rec.Reason != "" {
		fields["reason"] = rec.Reason
	}
	if rec.ExecutionTimeMs > 0 {
		fields["execution_time_ms"] = rec.ExecutionTimeMs
	}
	if rec.ErrorMessage != "" {
		fields["error"] = rec.ErrorMessage
	}
	s.log.Info(rec.TenantID, rec.QueryID, "audit record", fields)
	return nil
}

// RedisSink appends audit records to a per-day Redis list keyed
// audit:<YYYY-MM-DD>, expiring after the retention window.
type RedisSink struct {
	client        *redis.Client
	retentionDays int
}

// NewRedisSink creates a Redis-backed audit sink.
func NewRedisSink(client *redis.Client, retentionDays int) *RedisSink {
	if retentionDays < 1 {
		retentionDays = 30
	}
	return &RedisSink{client: client, retentionDays: retentionDays}
}

func (s *RedisSink) Write(ctx context.Context, rec AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := "audit:" + rec.Timestamp.UTC().Format("2006-01-02")

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, time.Duration(s.retentionDays)*24*time.Hour)
	_, err = pipe.Exec(ctx)
	return err
}
