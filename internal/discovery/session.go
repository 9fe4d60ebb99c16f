package discovery

import (
	"context"
	"time"
)

// Element is one matched node on the current page view.
type Element interface {
	// Attr returns the value of an attribute and whether it was present.
	Attr(name string) (string, bool)
	// Text returns the element's inner text.
	Text() string
	// Click simulates a user click on the element.
	Click(ctx context.Context) error
	// Fill types a value into the element (form inputs).
	Fill(ctx context.Context, value string) error
}

// PageSession abstracts the browser-automation driver. The portal's filter
// UI is stateful and JavaScript-rendered, so discovery only talks to the
// page through this capability; implementations live in internal/browser.
type PageSession interface {
	// Navigate loads a URL and blocks until the initial document is ready.
	Navigate(ctx context.Context, url string) error
	// WaitIdle blocks until the page's network activity settles. A timeout
	// is reported as an error; callers decide whether it is fatal.
	WaitIdle(ctx context.Context) error
	// Sleep waits for a fixed settle delay, honouring ctx cancellation.
	Sleep(ctx context.Context, d time.Duration) error
	// FindAll returns every element matching a CSS selector, in document
	// order. No match is an empty slice, not an error.
	FindAll(ctx context.Context, selector string) ([]Element, error)
	// InnerText returns the inner text of the first match of selector.
	InnerText(ctx context.Context, selector string) (string, error)
	// Close releases the session. Safe to call more than once.
	Close() error
}
