package download

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"denueflow/internal/discovery"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMain(m *testing.M) {
	RetryBaseDelay = time.Millisecond
	os.Exit(m.Run())
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "denue_09_2024_csv.zip", Filename("https://example.test/masiva/denue/2024/denue_09_2024_csv.zip"))
	assert.Equal(t, "denue_download_csv.zip", Filename("https://example.test/"))
	assert.Equal(t, "denue_download_csv.zip", Filename("://not-a-url"))
}

func TestFetchWritesFile(t *testing.T) {
	payload := []byte("zip-bytes-here")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Write(payload)
	}))
	defer server.Close()

	dir := t.TempDir()
	link := discovery.DownloadLink{Href: server.URL + "/denue_09_2024_csv.zip", Region: "09"}

	path, err := Fetch(context.Background(), testLogger(), server.Client(), link, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "denue_09_2024_csv.zip"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	dir := t.TempDir()
	link := discovery.DownloadLink{Href: server.URL + "/denue_15_2023_csv.zip", Region: "15"}

	path, err := Fetch(context.Background(), testLogger(), server.Client(), link, dir)
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "permanently broken", http.StatusInternalServerError)
	}))
	defer server.Close()

	dir := t.TempDir()
	link := discovery.DownloadLink{Href: server.URL + "/denue_09_2024_csv.zip", Region: "09"}

	_, err := Fetch(context.Background(), testLogger(), server.Client(), link, dir)
	require.Error(t, err)
	assert.EqualValues(t, retryAttempts, calls.Load())
	assert.Contains(t, err.Error(), "bad status")

	// A failed fetch must not leave a partial file behind.
	_, statErr := os.Stat(filepath.Join(dir, "denue_09_2024_csv.zip"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRandomUserAgentIsKnown(t *testing.T) {
	assert.Contains(t, commonUserAgents, RandomUserAgent())
}
