package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
	"github.com/spf13/cobra"

	"denueflow/internal/config"
	"denueflow/internal/history"
)

var (
	// Flags bound in init().
	portalURL      string
	downloadDir    string
	storageBackend string
	duckDBPath     string
	parquetDir     string
	historyDBPath  string
	batchSize      int
	logFormat      string
	logLevel       string
	logOutput      string

	// Populated in PersistentPreRunE.
	rootLogger *slog.Logger
	historyDB  *sql.DB
	appConfig  config.Config
)

var rootCmd = &cobra.Command{
	Use:   "denueflow",
	Short: "Discover, download and ingest DENUE snapshot archives.",
	Long: `Denueflow crawls the INEGI bulk-download portal for periodic DENUE
snapshot archives, downloads them, normalizes their per-year CSV schemas
onto a stable canonical column set and appends the rows into DuckDB tables
or Parquet chunk files, one table per snapshot period.

The primary command is 'run'. Past runs are summarized by 'history'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		switch strings.ToLower(logLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		var logWriter io.Writer = os.Stderr
		switch strings.ToLower(logOutput) {
		case "", "stderr":
		case "stdout":
			logWriter = os.Stdout
		default:
			f, err := os.OpenFile(logOutput, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("open log file %s: %w", logOutput, err)
			}
			logWriter = f
		}

		opts := &slog.HandlerOptions{Level: level}
		var handler slog.Handler
		if logFormat == "json" {
			handler = slog.NewJSONHandler(logWriter, opts)
		} else {
			handler = slog.NewTextHandler(logWriter, opts)
		}
		rootLogger = slog.New(handler)
		slog.SetDefault(rootLogger)

		var err error
		appConfig, err = config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		applyFlagOverrides(cmd)
		if err := appConfig.Validate(); err != nil {
			return fmt.Errorf("validate configuration: %w", err)
		}

		if dbDir := filepath.Dir(appConfig.HistoryDBPath); dbDir != "." {
			if err := os.MkdirAll(dbDir, 0o755); err != nil {
				return fmt.Errorf("create state database directory %s: %w", dbDir, err)
			}
		}
		historyDB, err = sql.Open("duckdb", appConfig.HistoryDBPath)
		if err != nil {
			return fmt.Errorf("open state database %s: %w", appConfig.HistoryDBPath, err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := historyDB.PingContext(pingCtx); err != nil {
			historyDB.Close()
			return fmt.Errorf("ping state database %s: %w", appConfig.HistoryDBPath, err)
		}
		if err := history.InitializeSchema(historyDB); err != nil {
			historyDB.Close()
			return fmt.Errorf("initialize state database schema: %w", err)
		}

		rootLogger.Debug("Configuration loaded.",
			slog.String("portal_url", appConfig.PortalURL),
			slog.String("backend", appConfig.StorageBackend))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if historyDB != nil {
			if err := historyDB.Close(); err != nil {
				rootLogger.Error("Failed to close state database cleanly.", "error", err)
			}
		}
		return nil
	},
}

// applyFlagOverrides lets explicitly set flags win over environment values.
func applyFlagOverrides(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("portal-url") {
		appConfig.PortalURL = portalURL
	}
	if flags.Changed("download-dir") {
		appConfig.DownloadDir = downloadDir
	}
	if flags.Changed("backend") {
		appConfig.StorageBackend = storageBackend
	}
	if flags.Changed("duckdb-path") {
		appConfig.DuckDBPath = duckDBPath
	}
	if flags.Changed("parquet-dir") {
		appConfig.ParquetDir = parquetDir
	}
	if flags.Changed("state-db") {
		appConfig.HistoryDBPath = historyDBPath
	}
	if flags.Changed("batch-size") {
		appConfig.BatchSize = batchSize
	}
}

// Execute wires the subcommands and runs the CLI. Called by main.main().
func Execute() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)

	if err := rootCmd.Execute(); err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed.", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	defaults := config.Default()
	rootCmd.PersistentFlags().StringVar(&portalURL, "portal-url", defaults.PortalURL, "Portal page to crawl for snapshot links")
	rootCmd.PersistentFlags().StringVar(&downloadDir, "download-dir", defaults.DownloadDir, "Directory for downloaded archives")
	rootCmd.PersistentFlags().StringVar(&storageBackend, "backend", defaults.StorageBackend, "Storage backend (duckdb or parquet)")
	rootCmd.PersistentFlags().StringVar(&duckDBPath, "duckdb-path", defaults.DuckDBPath, "DuckDB database file for the duckdb backend")
	rootCmd.PersistentFlags().StringVar(&parquetDir, "parquet-dir", defaults.ParquetDir, "Output directory for the parquet backend")
	rootCmd.PersistentFlags().StringVar(&historyDBPath, "state-db", defaults.HistoryDBPath, "DuckDB state database holding run history")
	rootCmd.PersistentFlags().IntVar(&batchSize, "batch-size", defaults.BatchSize, "Rows per normalization/write batch")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log output format (text or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "stderr", "Log output destination (stderr, stdout, or file path)")
}
