// Package config holds application settings for a pipeline run.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the INEGI DENUE portal.
const (
	DefaultPortalURL = "https://www.inegi.org.mx/app/descarga/?ti=6"

	DefaultBatchSize = 50_000

	// Selectors for the portal's filter UI and badge.
	DefaultRegionSelector = `tr[data-nivel="3"][data-agrupacion="denue"], input[name="federation"]`
	DefaultAnchorSelector = `a.aLink[href], a[href]`
	DefaultBadgeSelector  = `span#badge_denue`

	// Opportunistic login control selectors. Absent controls skip login.
	DefaultUsernameSelector = `input[type='email'], input[name='username']`
	DefaultPasswordSelector = `input[type='password']`
	DefaultSubmitSelector   = `button[type='submit'], input[type='submit']`

	DefaultNavigateTimeout = 60 * time.Second
	DefaultIdleTimeout     = 30 * time.Second
	DefaultSettleDelay     = 3 * time.Second
)

// Storage backend names accepted by StorageBackend.
const (
	BackendDuckDB  = "duckdb"
	BackendParquet = "parquet"
)

// Login carries optional portal credentials plus the CSS selectors used to
// locate the login controls.
type Login struct {
	Username         string
	Password         string
	UsernameSelector string
	PasswordSelector string
	SubmitSelector   string
}

// Enabled reports whether a login should be attempted at all.
func (l *Login) Enabled() bool {
	return l != nil && l.Username != "" && l.Password != ""
}

// Config holds the settings for one pipeline run.
type Config struct {
	PortalURL   string
	DownloadDir string

	StorageBackend string // "duckdb" or "parquet"
	DuckDBPath     string
	ParquetDir     string

	ReportPath      string
	FailedFilesPath string
	HistoryDBPath   string

	BatchSize    int
	MaxFiles     int      // 0 means unlimited
	RegionFilter []string // optional region allow-list, e.g. 09,15,31-33

	Headless   bool
	UseBrowser bool // false selects the static HTML session
	Login      *Login

	RegionSelector string
	AnchorSelector string
	BadgeSelector  string

	NavigateTimeout time.Duration
	IdleTimeout     time.Duration
	SettleDelay     time.Duration
}

// Default returns a Config populated with portal defaults.
func Default() Config {
	return Config{
		PortalURL:       DefaultPortalURL,
		DownloadDir:     "data/downloads",
		StorageBackend:  BackendDuckDB,
		DuckDBPath:      "data/denue_historical.duckdb",
		ParquetDir:      "data/parquet",
		ReportPath:      "reports/extraction_report.json",
		FailedFilesPath: "reports/failed_files.json",
		HistoryDBPath:   "data/denueflow_state.duckdb",
		BatchSize:       DefaultBatchSize,
		Headless:        true,
		UseBrowser:      true,
		RegionSelector:  DefaultRegionSelector,
		AnchorSelector:  DefaultAnchorSelector,
		BadgeSelector:   DefaultBadgeSelector,
		NavigateTimeout: DefaultNavigateTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		SettleDelay:     DefaultSettleDelay,
	}
}

// Load builds a Config from defaults overlaid with environment variables.
// A .env file is honoured when present; login credentials are only ever read
// from the environment, never from flags.
func Load() (Config, error) {
	// Missing .env is fine, the environment still applies.
	_ = godotenv.Load()

	cfg := Default()

	if v := os.Getenv("DENUEFLOW_PORTAL_URL"); v != "" {
		cfg.PortalURL = v
	}
	if v := os.Getenv("DENUEFLOW_DOWNLOAD_DIR"); v != "" {
		cfg.DownloadDir = v
	}
	if v := os.Getenv("DENUEFLOW_STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = v
	}
	if v := os.Getenv("DENUEFLOW_DUCKDB_PATH"); v != "" {
		cfg.DuckDBPath = v
	}
	if v := os.Getenv("DENUEFLOW_PARQUET_DIR"); v != "" {
		cfg.ParquetDir = v
	}
	if v := os.Getenv("DENUEFLOW_BATCH_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse DENUEFLOW_BATCH_SIZE %q: %w", v, err)
		}
		cfg.BatchSize = size
	}

	username := os.Getenv("DENUE_LOGIN_USERNAME")
	password := os.Getenv("DENUE_LOGIN_PASSWORD")
	if username != "" && password != "" {
		cfg.Login = &Login{
			Username:         username,
			Password:         password,
			UsernameSelector: DefaultUsernameSelector,
			PasswordSelector: DefaultPasswordSelector,
			SubmitSelector:   DefaultSubmitSelector,
		}
	}

	return cfg, nil
}

// Validate checks the settings the pipeline cannot run without.
func (c Config) Validate() error {
	if c.PortalURL == "" {
		return fmt.Errorf("portal URL is required")
	}
	if c.DownloadDir == "" {
		return fmt.Errorf("download directory is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.StorageBackend)) {
	case BackendDuckDB:
		if c.DuckDBPath == "" {
			return fmt.Errorf("duckdb path is required for the duckdb backend")
		}
	case BackendParquet:
		if c.ParquetDir == "" {
			return fmt.Errorf("parquet directory is required for the parquet backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %q", c.StorageBackend)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxFiles < 0 {
		return fmt.Errorf("max files cannot be negative, got %d", c.MaxFiles)
	}
	return nil
}

// ParseRegionFilter splits a comma separated allow-list like "09,15,31-33".
func ParseRegionFilter(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
