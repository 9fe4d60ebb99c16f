// Package history keeps a per-run summary log in a DuckDB state database so
// past runs and their artifacts can be inspected after the fact.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // driver
)

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS run_log_id_seq;`
const schemaTableSQL = `
CREATE TABLE IF NOT EXISTS run_log (
    log_id            BIGINT PRIMARY KEY DEFAULT nextval('run_log_id_seq'),
    run_id            VARCHAR NOT NULL,
    started_at        TIMESTAMP NOT NULL,
    finished_at       TIMESTAMP NOT NULL,
    status            VARCHAR NOT NULL,      -- 'succeeded', 'partial', 'failed'
    discovered_links  INTEGER NOT NULL,
    processed_files   INTEGER NOT NULL,
    failed_files      INTEGER NOT NULL,
    written_rows      BIGINT NOT NULL,
    completeness      DOUBLE NOT NULL,
    report_path       VARCHAR,
    failed_files_path VARCHAR
);
CREATE INDEX IF NOT EXISTS idx_run_log_started ON run_log (started_at);
`

// Run is one row of the run log.
type Run struct {
	RunID           string
	StartedAt       time.Time
	FinishedAt      time.Time
	Status          string
	DiscoveredLinks int
	ProcessedFiles  int
	FailedFiles     int
	WrittenRows     int
	Completeness    float64
	ReportPath      string
	FailedFilesPath string
}

// InitializeSchema creates the sequence and run log table.
func InitializeSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSequenceSQL); err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("create run log sequence: %w", err)
	}
	if _, err := db.Exec(schemaTableSQL); err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("create run log table: %w", err)
	}
	return nil
}

// RecordRun inserts one run summary.
func RecordRun(ctx context.Context, db *sql.DB, run Run) error {
	query := `
        INSERT INTO run_log (run_id, started_at, finished_at, status, discovered_links,
            processed_files, failed_files, written_rows, completeness, report_path, failed_files_path)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
    `
	_, err := db.ExecContext(ctx, query,
		run.RunID,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
		run.Status,
		run.DiscoveredLinks,
		run.ProcessedFiles,
		run.FailedFiles,
		run.WrittenRows,
		run.Completeness,
		sql.NullString{String: run.ReportPath, Valid: run.ReportPath != ""},
		sql.NullString{String: run.FailedFilesPath, Valid: run.FailedFilesPath != ""},
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.RunID, err)
	}
	return nil
}

// RecentRuns returns the newest runs first, capped at limit.
func RecentRuns(ctx context.Context, db *sql.DB, logger *slog.Logger, limit int) ([]Run, error) {
	query := `
        SELECT run_id, started_at, finished_at, status, discovered_links,
            processed_files, failed_files, written_rows, completeness,
            COALESCE(report_path, ''), COALESCE(failed_files_path, '')
        FROM run_log
        ORDER BY started_at DESC
        LIMIT ?;
    `
	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	var scanErrs error
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.RunID, &run.StartedAt, &run.FinishedAt, &run.Status,
			&run.DiscoveredLinks, &run.ProcessedFiles, &run.FailedFiles, &run.WrittenRows,
			&run.Completeness, &run.ReportPath, &run.FailedFilesPath); err != nil {
			logger.Error("Failed to scan run log row.", "error", err)
			scanErrs = errors.Join(scanErrs, fmt.Errorf("scan run log row: %w", err))
			continue
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		scanErrs = errors.Join(scanErrs, fmt.Errorf("iterate run log rows: %w", err))
	}
	return runs, scanErrs
}
