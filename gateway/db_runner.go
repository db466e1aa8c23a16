// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"finsight/platform/shared/logger"
	"finsight/platform/shared/types"
)

// DBRunner adapts a SQL database to the pipeline's execution, upload
// lookup and table statistics capabilities.
type DBRunner struct {
	db  *sql.DB
	log *logger.Logger
}

// NewDBRunner wraps an existing handle.
func NewDBRunner(db *sql.DB) *DBRunner {
	return &DBRunner{db: db, log: logger.New("db-runner")}
}

// OpenDBRunner connects to postgres at databaseURL.
func OpenDBRunner(databaseURL string) (*DBRunner, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewDBRunner(db), nil
}

// Close releases the underlying pool.
func (r *DBRunner) Close() error {
	return r.db.Close()
}

// Execute runs the governed query and materialises the result set.
// Cancellation propagates through ctx into the driver.
func (r *DBRunner) Execute(ctx context.Context, governedSQL, tenantID string, mode types.WorkflowMode) (*types.QueryResult, error) {
	start := time.Now()

	rows, err := r.db.QueryContext(ctx, governedSQL)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []map[string]interface{}
	values := make([]interface{}, len(cols))
	scanTargets := make([]interface{}, len(cols))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	elapsed := time.Since(start).Milliseconds()
	r.log.InfoWithDuration(tenantID, "", "query executed", float64(elapsed), map[string]interface{}{
		"mode":      string(mode),
		"row_count": len(out),
	})

	return &types.QueryResult{
		Rows:            out,
		RowCount:        len(out),
		ExecutionTimeMs: elapsed,
	}, nil
}

// UploadTableExists checks the upload registry for a tenant-owned table.
func (r *DBRunner) UploadTableExists(ctx context.Context, tableName, tenantID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM upload_registry WHERE table_name = $1 AND client_id = $2)`,
		tableName, tenantID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("upload lookup: %w", err)
	}
	return exists, nil
}

// TableStats reads planner statistics for a table. Unknown tables get
// zero stats; the estimator applies its own defaults.
func (r *DBRunner) TableStats(tableName string) types.TableStats {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var stats types.TableStats
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(c.reltuples::bigint, 0),
		        COALESCE((SELECT count(*) FROM pg_index i WHERE i.indrelid = c.oid), 0),
		        COALESCE(pg_total_relation_size(c.oid) / 1024, 0)
		 FROM pg_class c WHERE c.relname = $1`,
		tableName,
	).Scan(&stats.RowCount, &stats.IndexCount, &stats.SizeKB)
	if err != nil {
		return types.TableStats{}
	}
	return stats
}
