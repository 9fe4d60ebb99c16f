// Package browser provides the two PageSession implementations: a chromedp
// driven headless browser for the JavaScript-rendered portal and a static
// HTTP/goquery session for server-rendered pages and tests.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"denueflow/internal/discovery"
)

// networkQuietWindow is how long the network must stay free of inflight
// requests before WaitIdle considers the page settled.
const networkQuietWindow = 500 * time.Millisecond

// ChromeSession implements discovery.PageSession over a chromedp browser.
type ChromeSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *slog.Logger

	mu       sync.Mutex
	inflight map[network.RequestID]struct{}
}

// NewChromeSession launches a browser and attaches a network listener used
// by WaitIdle.
func NewChromeSession(ctx context.Context, headless bool, logger *slog.Logger) (*ChromeSession, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	taskCtx, cancel := chromedp.NewContext(allocCtx)

	s := &ChromeSession{
		ctx:         taskCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		logger:      logger,
		inflight:    make(map[network.RequestID]struct{}),
	}

	chromedp.ListenTarget(taskCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			s.mu.Lock()
			s.inflight[e.RequestID] = struct{}{}
			s.mu.Unlock()
		case *network.EventLoadingFinished:
			s.mu.Lock()
			delete(s.inflight, e.RequestID)
			s.mu.Unlock()
		case *network.EventLoadingFailed:
			s.mu.Lock()
			delete(s.inflight, e.RequestID)
			s.mu.Unlock()
		}
	})

	// Start the browser and enable network events up front.
	if err := s.run(ctx, network.Enable()); err != nil {
		s.Close()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	return s, nil
}

// run executes chromedp actions on the session context while honouring the
// caller's cancellation and deadline.
func (s *ChromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var dlCancel context.CancelFunc
		runCtx, dlCancel = context.WithDeadline(runCtx, deadline)
		defer dlCancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (s *ChromeSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (s *ChromeSession) WaitIdle(ctx context.Context) error {
	quietSince := time.Time{}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for network idle: %w", ctx.Err())
		case <-s.ctx.Done():
			return fmt.Errorf("browser session closed: %w", s.ctx.Err())
		case now := <-ticker.C:
			s.mu.Lock()
			pending := len(s.inflight)
			s.mu.Unlock()
			if pending > 0 {
				quietSince = time.Time{}
				continue
			}
			if quietSince.IsZero() {
				quietSince = now
				continue
			}
			if now.Sub(quietSince) >= networkQuietWindow {
				return nil
			}
		}
	}
}

func (s *ChromeSession) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChromeSession) FindAll(ctx context.Context, selector string) ([]discovery.Element, error) {
	var nodes []*cdp.Node
	if err := s.run(ctx,
		chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
	); err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}

	elements := make([]discovery.Element, 0, len(nodes))
	for _, node := range nodes {
		text, err := s.nodeText(ctx, node)
		if err != nil {
			s.logger.Debug("Could not read node text.", "error", err)
		}
		elements = append(elements, &chromeElement{session: s, node: node, text: text})
	}
	return elements, nil
}

func (s *ChromeSession) nodeText(ctx context.Context, node *cdp.Node) (string, error) {
	var text string
	err := s.run(ctx, chromedp.Text([]cdp.NodeID{node.NodeID}, &text, chromedp.ByNodeID))
	return text, err
}

func (s *ChromeSession) InnerText(ctx context.Context, selector string) (string, error) {
	var text string
	if err := s.run(ctx, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read text of %q: %w", selector, err)
	}
	return strings.TrimSpace(text), nil
}

func (s *ChromeSession) Close() error {
	s.cancel()
	s.allocCancel()
	return nil
}

type chromeElement struct {
	session *ChromeSession
	node    *cdp.Node
	text    string
}

func (e *chromeElement) Attr(name string) (string, bool) {
	attrs := e.node.Attributes
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i] == name {
			return attrs[i+1], true
		}
	}
	return "", false
}

func (e *chromeElement) Text() string { return e.text }

func (e *chromeElement) Click(ctx context.Context) error {
	if err := e.session.run(ctx,
		chromedp.ScrollIntoView([]cdp.NodeID{e.node.NodeID}, chromedp.ByNodeID),
		chromedp.Click([]cdp.NodeID{e.node.NodeID}, chromedp.ByNodeID),
	); err != nil {
		return fmt.Errorf("click node: %w", err)
	}
	return nil
}

func (e *chromeElement) Fill(ctx context.Context, value string) error {
	if err := e.session.run(ctx,
		chromedp.SendKeys([]cdp.NodeID{e.node.NodeID}, value, chromedp.ByNodeID),
	); err != nil {
		return fmt.Errorf("fill node: %w", err)
	}
	return nil
}
