package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcboeker/go-duckdb"

	"denueflow/internal/schema"
)

// DuckDBWriter appends normalized batches into one DuckDB file, one table
// per snapshot period. DDL runs on a pooled *sql.DB; rows go through the
// appender API on a dedicated driver connection, which is much faster than
// INSERT statements for bulk loads.
type DuckDBWriter struct {
	logger *slog.Logger

	ddl       *sql.DB
	connector *duckdb.Connector
	conn      driver.Conn
	appenders map[string]*duckdb.Appender
}

func NewDuckDBWriter(path string, logger *slog.Logger) (*DuckDBWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir %s: %w", dir, err)
		}
	}

	connector, err := duckdb.NewConnector(path, nil)
	if err != nil {
		return nil, fmt.Errorf("create duckdb connector %s: %w", path, err)
	}
	ddl := sql.OpenDB(connector)
	if err := ddl.Ping(); err != nil {
		ddl.Close()
		connector.Close()
		return nil, fmt.Errorf("ping duckdb %s: %w", path, err)
	}
	conn, err := connector.Connect(context.Background())
	if err != nil {
		ddl.Close()
		connector.Close()
		return nil, fmt.Errorf("connect duckdb appender conn %s: %w", path, err)
	}

	return &DuckDBWriter{
		logger:    logger.With(slog.String("backend", "duckdb"), slog.String("path", path)),
		ddl:       ddl,
		connector: connector,
		conn:      conn,
		appenders: make(map[string]*duckdb.Appender),
	}, nil
}

func (w *DuckDBWriter) Write(ctx context.Context, batch schema.Batch, table string) (int, error) {
	if len(batch.Rows) == 0 {
		return 0, nil
	}

	appender, ok := w.appenders[table]
	if !ok {
		if err := w.ensureTable(ctx, table, batch.Columns); err != nil {
			return 0, err
		}
		var err error
		appender, err = duckdb.NewAppenderFromConn(w.conn, "", table)
		if err != nil {
			return 0, fmt.Errorf("create appender for %s: %w", table, err)
		}
		w.appenders[table] = appender
	}

	values := make([]driver.Value, len(batch.Columns))
	for _, row := range batch.Rows {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		for i := range values {
			values[i] = row[i]
		}
		if err := appender.AppendRow(values...); err != nil {
			return 0, fmt.Errorf("append row to %s: %w", table, err)
		}
	}
	return len(batch.Rows), nil
}

// ensureTable creates the all-VARCHAR table on first use. Every column is
// text; typed views are left to downstream consumers.
func (w *DuckDBWriter) ensureTable(ctx context.Context, table string, columns []string) error {
	colDefs := make([]string, len(columns))
	for i, name := range columns {
		colDefs[i] = fmt.Sprintf("%q VARCHAR", strings.ReplaceAll(name, `"`, `""`))
	}
	safeTable := strings.ReplaceAll(table, `"`, `""`)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (%s);`, safeTable, strings.Join(colDefs, ", "))

	w.logger.Debug("Ensuring table exists.", slog.String("table", table))
	if _, err := w.ddl.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// Close flushes every open appender and releases the connections. Errors
// from all stages are joined so no flush failure is silently lost.
func (w *DuckDBWriter) Close() error {
	var errs []error
	for table, appender := range w.appenders {
		if err := appender.Close(); err != nil {
			errs = append(errs, fmt.Errorf("flush appender for %s: %w", table, err))
		}
	}
	w.appenders = make(map[string]*duckdb.Appender)

	if w.conn != nil {
		if err := w.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close appender conn: %w", err))
		}
		w.conn = nil
	}
	if w.ddl != nil {
		if err := w.ddl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ddl pool: %w", err))
		}
		w.ddl = nil
	}
	if w.connector != nil {
		if err := w.connector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connector: %w", err))
		}
		w.connector = nil
	}
	return errors.Join(errs...)
}
