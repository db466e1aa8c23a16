// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records everything it receives.
type captureSink struct {
	mu      sync.Mutex
	records []AuditRecord
	block   chan struct{}
}

func (s *captureSink) Write(ctx context.Context, rec AuditRecord) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) all() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}

func TestAuditRecorder_DrainsToSink(t *testing.T) {
	sink := &captureSink{}
	r := NewAuditRecorder(sink, 10, nil)

	r.Record(AuditRecord{Event: AuditEventAttempt, TenantID: "T1", QueryLength: 42})
	r.Record(AuditRecord{Event: AuditEventExecution, TenantID: "T1", Status: "completed"})

	require.NoError(t, r.Shutdown(context.Background()))

	records := sink.all()
	require.Len(t, records, 2)
	assert.Equal(t, AuditEventAttempt, records[0].Event)
	assert.Equal(t, AuditEventExecution, records[1].Event)
	assert.False(t, records[0].Timestamp.IsZero())
}

func TestAuditRecorder_DropOldestOnOverflow(t *testing.T) {
	block := make(chan struct{})
	sink := &captureSink{block: block}
	r := NewAuditRecorder(sink, 2, nil)

	// The drainer is blocked on the sink; records pile up and overflow.
	for i := 0; i < 10; i++ {
		r.Record(AuditRecord{Event: AuditEventAttempt, QueryLength: i})
	}
	assert.Greater(t, r.Dropped(), uint64(0))

	close(block)
	require.NoError(t, r.Shutdown(context.Background()))

	// The newest record survived the overflow.
	records := sink.all()
	last := records[len(records)-1]
	assert.Equal(t, 9, last.QueryLength)
}

func TestAuditRecorder_RedactsErrorMessages(t *testing.T) {
	sink := &captureSink{}
	r := NewAuditRecorder(sink, 10, nil)

	r.Record(AuditRecord{
		Event:        AuditEventExecution,
		ErrorMessage: "auth failed: password=hunter2 apiKey: abc123 secret leaked",
	})
	require.NoError(t, r.Shutdown(context.Background()))

	records := sink.all()
	require.Len(t, records, 1)
	msg := records[0].ErrorMessage
	for _, banned := range []string{"password", "apiKey", "secret", "hunter2", "abc123"} {
		assert.NotContains(t, msg, banned, "redacted message still carries %q", banned)
	}
	assert.Contains(t, msg, "[REDACTED]")
}

func TestSanitizeMessage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string // substrings that must be gone
	}{
		{"password assignment", "password='p4ss'", []string{"password", "p4ss"}},
		{"api key", "api_key: sk-12345", []string{"api_key", "sk-12345"}},
		{"bearer token", "bearer eyJhbGci", []string{"bearer", "eyJhbGci"}},
		{"bare secret word", "the secret is out", []string{"secret"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeMessage(tt.input)
			for _, banned := range tt.want {
				assert.NotContains(t, got, banned)
			}
		})
	}
}

func TestRedisSink_WritesPerDayKeyWithTTL(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, 30)
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	rec := AuditRecord{
		Timestamp: ts,
		Event:     AuditEventExecution,
		QueryID:   "q1",
		TenantID:  "T1",
		Status:    "completed",
	}
	require.NoError(t, sink.Write(context.Background(), rec))

	key := "audit:2026-08-24"
	entries, err := srv.List(key)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var got AuditRecord
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &got))
	assert.Equal(t, "q1", got.QueryID)
	assert.Equal(t, "completed", got.Status)

	ttl := srv.TTL(key)
	assert.Equal(t, 30*24*time.Hour, ttl)
}

func TestRedisSink_AppendsInOrder(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, 7)
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"q1", "q2", "q3"} {
		rec := AuditRecord{Timestamp: ts.Add(time.Duration(i) * time.Second), Event: AuditEventAttempt, QueryID: id}
		require.NoError(t, sink.Write(context.Background(), rec))
	}

	entries, err := srv.List("audit:2026-08-24")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, strings.Contains(entries[0], "q1"))
	assert.True(t, strings.Contains(entries[2], "q3"))
}
