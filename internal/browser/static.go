package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"denueflow/internal/discovery"
	"denueflow/internal/download"
)

// StaticSession implements discovery.PageSession with plain HTTP fetches and
// goquery parsing. It sees only the server-rendered document: clicks and
// form fills are no-ops, so region filters and login are effectively
// disabled. Useful when a browser binary is unavailable and for tests.
type StaticSession struct {
	client *http.Client
	logger *slog.Logger
	doc    *goquery.Document
}

func NewStaticSession(client *http.Client, logger *slog.Logger) *StaticSession {
	if client == nil {
		client = download.DefaultHTTPClient()
	}
	return &StaticSession{client: client, logger: logger}
}

func (s *StaticSession) Navigate(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", download.RandomUserAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bad status %q fetching %s: %s", resp.Status, url, preview)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return fmt.Errorf("parse document %s: %w", url, err)
	}
	s.doc = doc
	return nil
}

// WaitIdle is immediate: a static document has no network activity.
func (s *StaticSession) WaitIdle(ctx context.Context) error {
	return ctx.Err()
}

// Sleep returns immediately; static pages have nothing to settle.
func (s *StaticSession) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func (s *StaticSession) FindAll(_ context.Context, selector string) ([]discovery.Element, error) {
	if s.doc == nil {
		return nil, fmt.Errorf("no document loaded, navigate first")
	}
	var elements []discovery.Element
	s.doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		elements = append(elements, &staticElement{sel: sel, logger: s.logger})
	})
	return elements, nil
}

func (s *StaticSession) InnerText(_ context.Context, selector string) (string, error) {
	if s.doc == nil {
		return "", fmt.Errorf("no document loaded, navigate first")
	}
	sel := s.doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", fmt.Errorf("no element matches %q", selector)
	}
	return strings.TrimSpace(sel.Text()), nil
}

func (s *StaticSession) Close() error {
	s.doc = nil
	return nil
}

type staticElement struct {
	sel    *goquery.Selection
	logger *slog.Logger
}

func (e *staticElement) Attr(name string) (string, bool) {
	return e.sel.Attr(name)
}

func (e *staticElement) Text() string {
	return strings.TrimSpace(e.sel.Text())
}

// Click is a no-op: a static document cannot run the filter scripts.
func (e *staticElement) Click(_ context.Context) error {
	e.logger.Debug("Ignoring click on static document element.")
	return nil
}

// Fill is a no-op for the same reason.
func (e *staticElement) Fill(_ context.Context, _ string) error {
	e.logger.Debug("Ignoring fill on static document element.")
	return nil
}
