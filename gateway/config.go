// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"finsight/platform/gateway/sqlshape"
)

// Config is the full tunable surface of the gateway. Zero values are
// filled from DefaultConfig, so a partial YAML file or environment
// overlay only overrides what it names.
type Config struct {
	// Admission and scheduling.
	MaxConcurrent      int `yaml:"max_concurrent"`
	MaxPerMinute       int `yaml:"max_per_minute"`
	MaxQueueSize       int `yaml:"max_queue_size"`
	ExecutionTimeoutMs int `yaml:"execution_timeout_ms"`

	// Validation policy.
	EnforceTenantFilter bool     `yaml:"enforce_tenant_filter"`
	EnforceUploadID     bool     `yaml:"enforce_upload_id"`
	MaxRowLimit         int      `yaml:"max_row_limit"`
	MaxJoinCount        int      `yaml:"max_join_count"`
	DangerousFunctions  []string `yaml:"dangerous_functions"`
	RejectCritical      bool     `yaml:"reject_critical"`

	// Analyzer and governor.
	TenantColumn   string   `yaml:"tenant_column"`
	TenantColumns  []string `yaml:"tenant_columns"`
	UploadPatterns []string `yaml:"upload_patterns"`

	// Circuit breaker.
	FailureThreshold  int `yaml:"failure_threshold"`
	RecoveryTimeoutMs int `yaml:"recovery_timeout_ms"`
	HalfOpenMaxProbes int `yaml:"half_open_max_probes"`

	// Audit.
	AuditQueueSize     int `yaml:"audit_queue_size"`
	AuditRetentionDays int `yaml:"audit_retention_days"`
	MetricsIntervalMs  int `yaml:"metrics_interval_ms"`

	// Transport and backends.
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       10,
		MaxPerMinute:        100,
		MaxQueueSize:        50,
		ExecutionTimeoutMs:  5000,
		EnforceTenantFilter: true,
		EnforceUploadID:     true,
		MaxRowLimit:         5000,
		MaxJoinCount:        5,
		DangerousFunctions:  sqlshape.DefaultDangerousFunctions(),
		RejectCritical:      true,
		TenantColumn:        "client_id",
		TenantColumns:       sqlshape.DefaultTenantColumns(),
		UploadPatterns:      nil,
		FailureThreshold:    5,
		RecoveryTimeoutMs:   60000,
		HalfOpenMaxProbes:   3,
		AuditQueueSize:      1000,
		AuditRetentionDays:  30,
		MetricsIntervalMs:   30000,
		Port:                "8084",
	}
}

// ExecutionTimeout converts the millisecond knob to a duration.
func (c Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutMs) * time.Millisecond
}

// RecoveryTimeout converts the millisecond knob to a duration.
func (c Config) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutMs) * time.Millisecond
}

// MetricsInterval converts the millisecond knob to a duration.
func (c Config) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalMs) * time.Millisecond
}

// Policy projects the validator knobs.
func (c Config) Policy() sqlshape.Policy {
	return sqlshape.Policy{
		EnforceTenantFilter: c.EnforceTenantFilter,
		EnforceUploadID:     c.EnforceUploadID,
		MaxRowLimit:         c.MaxRowLimit,
		MaxJoinCount:        c.MaxJoinCount,
		DangerousFunctions:  c.DangerousFunctions,
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be >= 1, got %d", c.MaxConcurrent)
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("max_queue_size must be >= 1, got %d", c.MaxQueueSize)
	}
	if c.ExecutionTimeoutMs < 1 {
		return fmt.Errorf("execution_timeout_ms must be >= 1, got %d", c.ExecutionTimeoutMs)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.HalfOpenMaxProbes < 1 {
		return fmt.Errorf("half_open_max_probes must be >= 1, got %d", c.HalfOpenMaxProbes)
	}
	return nil
}

// LoadFile overlays YAML from path onto c.
func (c Config) LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// FromEnv overlays GATEWAY_* environment variables onto the defaults,
// then a YAML file when GATEWAY_CONFIG_FILE is set.
func FromEnv() (Config, error) {
	c := DefaultConfig()

	if path := os.Getenv("GATEWAY_CONFIG_FILE"); path != "" {
		var err error
		if c, err = c.LoadFile(path); err != nil {
			return c, err
		}
	}

	envInt(&c.MaxConcurrent, "GATEWAY_MAX_CONCURRENT")
	envInt(&c.MaxPerMinute, "GATEWAY_MAX_PER_MINUTE")
	envInt(&c.MaxQueueSize, "GATEWAY_MAX_QUEUE_SIZE")
	envInt(&c.ExecutionTimeoutMs, "GATEWAY_EXECUTION_TIMEOUT_MS")
	envInt(&c.MaxRowLimit, "GATEWAY_MAX_ROW_LIMIT")
	envInt(&c.MaxJoinCount, "GATEWAY_MAX_JOIN_COUNT")
	envInt(&c.FailureThreshold, "GATEWAY_FAILURE_THRESHOLD")
	envInt(&c.RecoveryTimeoutMs, "GATEWAY_RECOVERY_TIMEOUT_MS")
	envInt(&c.HalfOpenMaxProbes, "GATEWAY_HALF_OPEN_MAX_PROBES")
	envInt(&c.AuditRetentionDays, "GATEWAY_AUDIT_RETENTION_DAYS")
	envBool(&c.EnforceTenantFilter, "GATEWAY_ENFORCE_TENANT_FILTER")
	envBool(&c.EnforceUploadID, "GATEWAY_ENFORCE_UPLOAD_ID")
	envBool(&c.RejectCritical, "GATEWAY_REJECT_CRITICAL")
	envString(&c.TenantColumn, "GATEWAY_TENANT_COLUMN")
	envString(&c.Port, "PORT")
	envString(&c.DatabaseURL, "DATABASE_URL")
	envString(&c.RedisAddr, "REDIS_ADDR")

	return c, c.Validate()
}

func envInt(dst *int, key string) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func envBool(dst *bool, key string) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			*dst = v
		}
	}
}

func envString(dst *string, key string) {
	if raw := os.Getenv(key); raw != "" {
		*dst = raw
	}
}
