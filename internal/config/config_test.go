package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendDuckDB, cfg.StorageBackend)
	assert.True(t, cfg.Headless)
	assert.True(t, cfg.UseBrowser)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DENUEFLOW_PORTAL_URL", "https://example.test/portal")
	t.Setenv("DENUEFLOW_STORAGE_BACKEND", "parquet")
	t.Setenv("DENUEFLOW_BATCH_SIZE", "123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/portal", cfg.PortalURL)
	assert.Equal(t, BackendParquet, cfg.StorageBackend)
	assert.Equal(t, 123, cfg.BatchSize)
}

func TestLoadRejectsBadBatchSize(t *testing.T) {
	t.Setenv("DENUEFLOW_BATCH_SIZE", "not-a-number")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadLoginFromEnv(t *testing.T) {
	t.Setenv("DENUE_LOGIN_USERNAME", "analyst@example.test")
	t.Setenv("DENUE_LOGIN_PASSWORD", "hunter2")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Login)
	assert.True(t, cfg.Login.Enabled())
	assert.Equal(t, "analyst@example.test", cfg.Login.Username)
}

func TestLoginDisabledWhenIncomplete(t *testing.T) {
	var nilLogin *Login
	assert.False(t, nilLogin.Enabled())
	assert.False(t, (&Login{Username: "only-user"}).Enabled())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing portal", func(c *Config) { c.PortalURL = "" }, "portal URL"},
		{"missing download dir", func(c *Config) { c.DownloadDir = "" }, "download directory"},
		{"bad backend", func(c *Config) { c.StorageBackend = "csv" }, "unsupported storage backend"},
		{"duckdb needs path", func(c *Config) { c.DuckDBPath = "" }, "duckdb path"},
		{"parquet needs dir", func(c *Config) { c.StorageBackend = BackendParquet; c.ParquetDir = "" }, "parquet directory"},
		{"bad batch size", func(c *Config) { c.BatchSize = 0 }, "batch size"},
		{"negative max files", func(c *Config) { c.MaxFiles = -1 }, "max files"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParseRegionFilter(t *testing.T) {
	assert.Nil(t, ParseRegionFilter(""))
	assert.Equal(t, []string{"09", "15", "31-33"}, ParseRegionFilter("09, 15 ,31-33"))
	assert.Equal(t, []string{"09"}, ParseRegionFilter("09,,"))
}
