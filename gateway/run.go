// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"finsight/platform/shared/logger"
	"finsight/platform/shared/types"
)

// Run wires the configured backends into a pipeline, serves the HTTP
// API and shuts down cleanly on SIGINT/SIGTERM.
func Run() {
	log := logger.New("gateway")

	cfg, err := FromEnv()
	if err != nil {
		log.ErrorWithErr("", "", "invalid configuration", err, nil)
		os.Exit(1)
	}

	deps := PipelineDeps{}

	var runner *DBRunner
	if cfg.DatabaseURL != "" {
		runner, err = OpenDBRunner(cfg.DatabaseURL)
		if err != nil {
			log.ErrorWithErr("", "", "database connection failed", err, nil)
			os.Exit(1)
		}
		defer runner.Close()
		deps.UploadTableExists = runner.UploadTableExists
		deps.TableStats = runner.TableStats
		deps.DatabaseExecute = runner.Execute
	} else {
		log.Warn("", "", "DATABASE_URL not set; queries will fail at execution", nil)
		deps.DatabaseExecute = func(ctx context.Context, sql, tenantID string, mode types.WorkflowMode) (*types.QueryResult, error) {
			return nil, NewPipelineError(ErrKindExecutionFailed, "no database backend configured")
		}
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("", "", "redis unavailable; audit falls back to logs", map[string]interface{}{
				"addr":  cfg.RedisAddr,
				"error": err.Error(),
			})
		} else {
			deps.AuditSink = NewRedisSink(client, cfg.AuditRetentionDays)
			defer client.Close()
		}
	}

	pipeline := NewPipeline(cfg, deps)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      NewServer(pipeline).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("", "", "query gateway listening", map[string]interface{}{"port": cfg.Port})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.ErrorWithErr("", "", "http server failed", err, nil)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("", "", "shutting down", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.ErrorWithErr("", "", "http shutdown failed", err, nil)
	}
	if err := pipeline.Shutdown(ctx); err != nil {
		log.ErrorWithErr("", "", "pipeline shutdown incomplete", err, nil)
	}
}
