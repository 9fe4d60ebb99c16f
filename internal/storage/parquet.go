package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"denueflow/internal/schema"
)

// ParquetWriter persists normalized batches as Snappy-compressed Parquet
// chunk files, one subdirectory per table. Every batch becomes its own
// uniquely named, fully finalized chunk, so a failed write costs at most
// one batch and re-running appends new chunks rather than overwriting.
type ParquetWriter struct {
	dir    string
	logger *slog.Logger
}

func NewParquetWriter(dir string, logger *slog.Logger) (*ParquetWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create parquet dir %s: %w", dir, err)
	}
	return &ParquetWriter{
		dir:    dir,
		logger: logger.With(slog.String("backend", "parquet"), slog.String("dir", dir)),
	}, nil
}

// Write serializes one batch into a new chunk file, with every column an
// optional UTF-8 byte array. The chunk is finalized before Write returns.
func (w *ParquetWriter) Write(ctx context.Context, batch schema.Batch, table string) (int, error) {
	if len(batch.Rows) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	tableDir := filepath.Join(w.dir, table)
	if err := os.MkdirAll(tableDir, 0o755); err != nil {
		return 0, fmt.Errorf("create table dir %s: %w", tableDir, err)
	}
	path := filepath.Join(tableDir, fmt.Sprintf("chunk_%s.parquet", uuid.New().String()))

	meta := make([]string, len(batch.Columns))
	for i, name := range batch.Columns {
		meta[i] = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", name)
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return 0, fmt.Errorf("create parquet file %s: %w", path, err)
	}
	pw, err := writer.NewCSVWriter(meta, fw, 4)
	if err != nil {
		fw.Close()
		return 0, fmt.Errorf("init parquet writer %s: %w", path, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range batch.Rows {
		if err := ctx.Err(); err != nil {
			fw.Close()
			return 0, err
		}
		record := make([]*string, len(row))
		for i := range row {
			record[i] = &row[i]
		}
		if err := pw.WriteString(record); err != nil {
			fw.Close()
			return 0, fmt.Errorf("write row to %s: %w", path, err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return 0, fmt.Errorf("finalize chunk %s: %w", path, err)
	}
	if err := fw.Close(); err != nil {
		return 0, fmt.Errorf("close chunk file %s: %w", path, err)
	}

	w.logger.Debug("Wrote parquet chunk.",
		slog.String("table", table), slog.String("path", path), slog.Int("rows", len(batch.Rows)))
	return len(batch.Rows), nil
}

// Close is a no-op; every chunk is finalized by the Write that produced it.
func (w *ParquetWriter) Close() error { return nil }
