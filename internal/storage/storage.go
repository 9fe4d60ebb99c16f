// Package storage persists normalized batches into one of two tabular
// backends: a DuckDB database file or a directory of Parquet chunk files.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"denueflow/internal/config"
	"denueflow/internal/schema"
)

// Writer persists normalized batches. One run uses a single writer from a
// single goroutine; implementations do not need to be safe for concurrent
// use. Close flushes all buffered state and must be called exactly once.
type Writer interface {
	// Write appends a batch to the named table, creating it on first use,
	// and returns the number of rows written.
	Write(ctx context.Context, batch schema.Batch, table string) (int, error)
	Close() error
}

// New selects the backend named by the configuration.
func New(cfg config.Config, logger *slog.Logger) (Writer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case config.BackendDuckDB:
		return NewDuckDBWriter(cfg.DuckDBPath, logger)
	case config.BackendParquet:
		return NewParquetWriter(cfg.ParquetDir, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

var nonTableChars = regexp.MustCompile(`[^a-z0-9_]+`)

// TableName maps a snapshot period label to its table name: "denue_" plus
// the lowercased label with runs of disallowed characters collapsed to an
// underscore. An empty or fully-sanitized-away label maps to
// "denue_unknown".
func TableName(period string) string {
	cleaned := nonTableChars.ReplaceAllString(strings.ToLower(period), "_")
	cleaned = strings.Trim(cleaned, "_")
	if cleaned == "" {
		cleaned = "unknown"
	}
	return "denue_" + cleaned
}
