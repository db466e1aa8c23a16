// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10, cfg.MaxConcurrent)
	assert.Equal(t, 100, cfg.MaxPerMinute)
	assert.Equal(t, 50, cfg.MaxQueueSize)
	assert.Equal(t, 5000, cfg.ExecutionTimeoutMs)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 60000, cfg.RecoveryTimeoutMs)
	assert.Equal(t, 3, cfg.HalfOpenMaxProbes)
	assert.Equal(t, 30, cfg.AuditRetentionDays)
	assert.Equal(t, "client_id", cfg.TenantColumn)
	assert.True(t, cfg.EnforceTenantFilter)
	assert.True(t, cfg.RejectCritical)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.ExecutionTimeout())
	assert.Equal(t, time.Minute, cfg.RecoveryTimeout())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.MaxConcurrent = 0 }},
		{"zero queue size", func(c *Config) { c.MaxQueueSize = 0 }},
		{"zero timeout", func(c *Config) { c.ExecutionTimeoutMs = 0 }},
		{"zero failure threshold", func(c *Config) { c.FailureThreshold = 0 }},
		{"zero probes", func(c *Config) { c.HalfOpenMaxProbes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	content := []byte(`
max_concurrent: 4
max_row_limit: 200
tenant_column: org_id
upload_patterns:
  - "^staging_"
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := DefaultConfig().LoadFile(path)
	require.NoError(t, err)

	// Named keys override, everything else keeps its default.
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, 200, cfg.MaxRowLimit)
	assert.Equal(t, "org_id", cfg.TenantColumn)
	assert.Equal(t, []string{"^staging_"}, cfg.UploadPatterns)
	assert.Equal(t, 100, cfg.MaxPerMinute)
	assert.Equal(t, 5000, cfg.ExecutionTimeoutMs)
}

func TestConfig_LoadFileErrors(t *testing.T) {
	_, err := DefaultConfig().LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent: [not an int"), 0o644))
	_, err = DefaultConfig().LoadFile(path)
	assert.Error(t, err)
}

func TestFromEnv_Overlay(t *testing.T) {
	t.Setenv("GATEWAY_MAX_CONCURRENT", "3")
	t.Setenv("GATEWAY_MAX_PER_MINUTE", "30")
	t.Setenv("GATEWAY_ENFORCE_TENANT_FILTER", "false")
	t.Setenv("GATEWAY_TENANT_COLUMN", "org_id")
	t.Setenv("PORT", "9090")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxConcurrent)
	assert.Equal(t, 30, cfg.MaxPerMinute)
	assert.False(t, cfg.EnforceTenantFilter)
	assert.Equal(t, "org_id", cfg.TenantColumn)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 50, cfg.MaxQueueSize)
}

func TestFromEnv_IgnoresUnparsableValues(t *testing.T) {
	t.Setenv("GATEWAY_MAX_CONCURRENT", "plenty")
	t.Setenv("GATEWAY_REJECT_CRITICAL", "maybe")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxConcurrent)
	assert.True(t, cfg.RejectCritical)
}

func TestFromEnv_ConfigFileThenEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent: 7\nmax_queue_size: 20\n"), 0o644))
	t.Setenv("GATEWAY_CONFIG_FILE", path)
	t.Setenv("GATEWAY_MAX_CONCURRENT", "2")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxConcurrent, "environment overrides the file")
	assert.Equal(t, 20, cfg.MaxQueueSize, "file overrides the default")
}

func TestFromEnv_InvalidConfigRejected(t *testing.T) {
	t.Setenv("GATEWAY_FAILURE_THRESHOLD", "0")

	_, err := FromEnv()
	assert.Error(t, err)
}

func TestConfig_Policy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRowLimit = 1234
	cfg.EnforceUploadID = false

	policy := cfg.Policy()
	assert.Equal(t, 1234, policy.MaxRowLimit)
	assert.False(t, policy.EnforceUploadID)
	assert.True(t, policy.EnforceTenantFilter)
	assert.NotEmpty(t, policy.DangerousFunctions)
}
