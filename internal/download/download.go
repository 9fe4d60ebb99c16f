// Package download fetches snapshot archives to local storage with bounded
// retries and deterministic filenames.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"denueflow/internal/discovery"
	"denueflow/internal/retry"
)

const (
	// fallbackFilename is used when a URL has no usable path segment.
	fallbackFilename = "denue_download_csv.zip"

	copyChunkSize = 1 << 20 // 1 MiB

	retryAttempts = 3
)

// RetryBaseDelay is the base backoff between download attempts. It is a
// variable so tests can shrink it.
var RetryBaseDelay = 2 * time.Second

var commonUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.5.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/115.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/113.0.0.0 Safari/537.36",
}

// RandomUserAgent picks a realistic browser user agent.
func RandomUserAgent() string {
	return commonUserAgents[rand.Intn(len(commonUserAgents))]
}

// DefaultHTTPClient returns an http.Client suitable for large archive
// downloads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Minute}
}

// Filename derives the deterministic local filename for a link: the last
// path segment of its URL, or a generic name when the URL has none.
func Filename(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return fallbackFilename
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return fallbackFilename
	}
	return name
}

// Fetch downloads the link's archive into targetDir, streaming the body to
// disk in fixed-size chunks. The whole attempt is retried with exponential
// backoff. Content is not validated here; malformed payloads surface when
// the reader fails to parse them.
func Fetch(ctx context.Context, logger *slog.Logger, client *http.Client, link discovery.DownloadLink, targetDir string) (string, error) {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir %s: %w", targetDir, err)
	}
	outputPath := filepath.Join(targetDir, Filename(link.Href))
	l := logger.With(slog.String("url", link.Href), slog.String("output_path", outputPath))

	start := time.Now()
	err := retry.Do(ctx, l, "download "+Filename(link.Href), retryAttempts, RetryBaseDelay, func() error {
		return fetchOnce(ctx, client, link.Href, outputPath)
	})
	if err != nil {
		return "", err
	}

	l.Info("Download complete.", slog.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return outputPath, nil
}

func fetchOnce(ctx context.Context, client *http.Client, href, outputPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return fmt.Errorf("create request for %s: %w", href, err)
	}
	req.Header.Set("User-Agent", RandomUserAgent())
	req.Header.Set("Accept", "application/zip,application/octet-stream,*/*")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http do request for %s: %w", href, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bad status %q fetching %s: %s", resp.Status, href, preview)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create file %s: %w", outputPath, err)
	}

	_, copyErr := io.CopyBuffer(out, resp.Body, make([]byte, copyChunkSize))
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(outputPath)
		return fmt.Errorf("stream %s to %s: %w", href, outputPath, copyErr)
	}
	if closeErr != nil {
		os.Remove(outputPath)
		return fmt.Errorf("close %s: %w", outputPath, closeErr)
	}
	return nil
}
