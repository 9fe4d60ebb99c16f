// Package discovery drives a page session through the portal's per-region
// filter UI and collects the deduplicated set of downloadable snapshot
// links for one run.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"denueflow/internal/config"
	"denueflow/internal/retry"
)

// datasetPathPrefix scopes candidate URLs to the bulk-download family.
const datasetPathPrefix = "/contenidos/masiva/denue/"

// tabularSuffix marks the csv variant; the shapefile variant (_shp.zip) and
// everything else is rejected.
const tabularSuffix = "_csv.zip"

// badgeNonDataEntries is the number of header/non-data rows the portal's
// count badge includes. Untested against portal changes; kept in one place
// so a layout change is a one-line fix.
const badgeNonDataEntries = 2

var (
	regionPattern = regexp.MustCompile(`(?i)denue_([0-9]{1,2}(?:-[0-9]{1,2})?)_`)
	yearSegment   = regexp.MustCompile(`^20\d{2}$`)
	digitLabel    = regexp.MustCompile(`^[0-9]{1,2}(?:-[0-9]{1,2})?$`)
)

// DownloadLink is one discovered snapshot archive. Href is the uniqueness
// key; links are immutable once discovered.
type DownloadLink struct {
	Href   string
	Text   string
	Region string
}

// IsTabularDataURL reports whether an absolute URL has the strict shape of
// a tabular snapshot archive: dataset path prefix, four-digit year segment
// and the csv suffix. The filename need not carry a region code; region
// resolution falls back to link text or the active filter control.
func IsTabularDataURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return false
	}
	lower := strings.ToLower(u.Path)
	idx := strings.Index(lower, datasetPathPrefix)
	if idx < 0 {
		return false
	}
	rest := strings.Split(lower[idx+len(datasetPathPrefix):], "/")
	if len(rest) < 2 || !yearSegment.MatchString(rest[0]) {
		return false
	}
	return strings.HasSuffix(path.Base(lower), tabularSuffix)
}

// IsRegionCode reports whether a label is a normalized region code: exactly
// two digits or a hyphenated two-digit range.
func IsRegionCode(label string) bool {
	return digitLabel.MatchString(label)
}

// ParseRegion derives the region code for a link: the two-digit (or
// hyphenated range) code from the filename pattern, else the link text,
// else "unknown".
func ParseRegion(href, text string) string {
	if match := regionPattern.FindStringSubmatch(href); match != nil {
		return match[1]
	}
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		return trimmed
	}
	return "unknown"
}

// Discoverer crawls the portal through a PageSession.
type Discoverer struct {
	cfg    config.Config
	logger *slog.Logger
}

func New(cfg config.Config, logger *slog.Logger) *Discoverer {
	return &Discoverer{cfg: cfg, logger: logger}
}

// Discover produces the deduplicated snapshot links for one run; apply
// Select to narrow them. Failures on individual regions are logged and
// skipped; a login failure after retries aborts discovery.
func (d *Discoverer) Discover(ctx context.Context, session PageSession) ([]DownloadLink, error) {
	navCtx, cancel := context.WithTimeout(ctx, d.cfg.NavigateTimeout)
	defer cancel()
	if err := session.Navigate(navCtx, d.cfg.PortalURL); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", d.cfg.PortalURL, err)
	}
	if err := session.Sleep(ctx, d.cfg.SettleDelay); err != nil {
		return nil, err
	}

	if err := d.login(ctx, session); err != nil {
		return nil, fmt.Errorf("portal login: %w", err)
	}

	base, err := url.Parse(d.cfg.PortalURL)
	if err != nil {
		return nil, fmt.Errorf("parse portal URL %s: %w", d.cfg.PortalURL, err)
	}

	regions, err := session.FindAll(ctx, d.cfg.RegionSelector)
	if err != nil {
		d.logger.Warn("Region filter lookup failed, scanning single view.", "error", err)
		regions = nil
	}

	seen := make(map[string]struct{})
	var links []DownloadLink
	collect := func(found []DownloadLink) {
		for _, link := range found {
			if _, ok := seen[link.Href]; ok {
				continue
			}
			seen[link.Href] = struct{}{}
			links = append(links, link)
		}
	}

	if len(regions) == 0 {
		d.logger.Info("No region filter controls found, scanning current view.")
		found, scanErr := d.scanView(ctx, session, base, "")
		if scanErr != nil {
			return nil, scanErr
		}
		collect(found)
	} else {
		d.logger.Info("Crawling region filters.", slog.Int("regions", len(regions)))
		for i, control := range regions {
			fallback := regionCodeFromControl(control)
			l := d.logger.With(slog.Int("region_num", i+1), slog.String("region_code", fallback))

			if err := retry.Do(ctx, l, "region click", 3, 500*time.Millisecond, func() error {
				return control.Click(ctx)
			}); err != nil {
				l.Warn("Region filter click failed, skipping region.", "error", err)
				continue
			}
			if err := d.waitIdleTolerant(ctx, session); err != nil {
				return nil, err
			}
			if err := session.Sleep(ctx, d.cfg.SettleDelay); err != nil {
				return nil, err
			}

			found, scanErr := d.scanView(ctx, session, base, fallback)
			if scanErr != nil {
				l.Warn("Anchor scan failed, skipping region.", "error", scanErr)
				continue
			}
			collect(found)
		}
	}

	d.logger.Info("Discovery complete.", slog.Int("links", len(links)))
	return links, nil
}

// login opportunistically signs in when credentials are configured. Absent
// login controls are skipped silently; an error after retries propagates
// and aborts discovery.
func (d *Discoverer) login(ctx context.Context, session PageSession) error {
	login := d.cfg.Login
	if !login.Enabled() {
		return nil
	}

	return retry.Do(ctx, d.logger, "login", 3, 2*time.Second, func() error {
		usernames, err := session.FindAll(ctx, login.UsernameSelector)
		if err != nil {
			return err
		}
		passwords, err := session.FindAll(ctx, login.PasswordSelector)
		if err != nil {
			return err
		}
		submits, err := session.FindAll(ctx, login.SubmitSelector)
		if err != nil {
			return err
		}
		if len(usernames) == 0 || len(passwords) == 0 || len(submits) == 0 {
			d.logger.Info("Login controls not found on page, skipping login.")
			return nil
		}

		if err := usernames[0].Fill(ctx, login.Username); err != nil {
			return fmt.Errorf("fill username: %w", err)
		}
		if err := passwords[0].Fill(ctx, login.Password); err != nil {
			return fmt.Errorf("fill password: %w", err)
		}
		if err := submits[0].Click(ctx); err != nil {
			return fmt.Errorf("submit login: %w", err)
		}
		return session.WaitIdle(ctx)
	})
}

// waitIdleTolerant treats an idle-wait timeout as non-fatal; only context
// cancellation stops the crawl.
func (d *Discoverer) waitIdleTolerant(ctx context.Context, session PageSession) error {
	idleCtx, cancel := context.WithTimeout(ctx, d.cfg.IdleTimeout)
	defer cancel()
	if err := session.WaitIdle(idleCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.logger.Warn("Network idle wait timed out, continuing.", "error", err)
	}
	return nil
}

// scanView inspects the current view's anchors for candidate links,
// attaching fallbackRegion when neither filename nor text yields a region.
func (d *Discoverer) scanView(ctx context.Context, session PageSession, base *url.URL, fallbackRegion string) ([]DownloadLink, error) {
	anchors, err := session.FindAll(ctx, d.cfg.AnchorSelector)
	if err != nil {
		return nil, fmt.Errorf("scan anchors: %w", err)
	}

	var found []DownloadLink
	for _, anchor := range anchors {
		href, ok := anchor.Attr("href")
		if !ok || href == "" {
			continue
		}
		resolved, err := base.Parse(href)
		if err != nil {
			d.logger.Debug("Skipping unresolvable href.", slog.String("href", href), "error", err)
			continue
		}
		absolute := resolved.String()
		if !IsTabularDataURL(absolute) {
			continue
		}

		text := strings.TrimSpace(anchor.Text())
		region := ParseRegion(absolute, text)
		if region == "unknown" && fallbackRegion != "" {
			region = fallbackRegion
		}
		found = append(found, DownloadLink{Href: absolute, Text: text, Region: region})
	}
	return found, nil
}

// Select applies the optional region allow-list and max-count cap to the
// discovered links, preserving discovery order.
func (d *Discoverer) Select(links []DownloadLink) []DownloadLink {
	selected := links
	if len(d.cfg.RegionFilter) > 0 {
		allowed := make(map[string]struct{}, len(d.cfg.RegionFilter))
		for _, region := range d.cfg.RegionFilter {
			allowed[region] = struct{}{}
		}
		selected = make([]DownloadLink, 0, len(links))
		for _, link := range links {
			if _, ok := allowed[link.Region]; ok {
				selected = append(selected, link)
			}
		}
	}
	if d.cfg.MaxFiles > 0 && len(selected) > d.cfg.MaxFiles {
		selected = selected[:d.cfg.MaxFiles]
	}
	return selected
}

// regionCodeFromControl reads the region code off a filter control, first
// from data attributes, then from a digit-only label.
func regionCodeFromControl(control Element) string {
	for _, attr := range []string{"data-clave", "data-region", "data-entidad", "value"} {
		if v, ok := control.Attr(attr); ok {
			if code := strings.TrimSpace(v); digitLabel.MatchString(code) {
				return code
			}
		}
	}
	if label := strings.TrimSpace(control.Text()); digitLabel.MatchString(label) {
		return label
	}
	return ""
}

// ValidateLinkCount compares the portal's displayed count badge against the
// discovered link count. An unreadable badge is non-fatal and validates
// with a logged warning; a readable badge must match discovered +
// badgeNonDataEntries exactly.
func (d *Discoverer) ValidateLinkCount(ctx context.Context, session PageSession, discovered int) bool {
	badge, err := session.InnerText(ctx, d.cfg.BadgeSelector)
	if err != nil {
		d.logger.Warn("Could not read link-count badge, skipping validation.", "error", err)
		return true
	}
	value, err := strconv.Atoi(strings.TrimSpace(badge))
	if err != nil {
		d.logger.Warn("Link-count badge is not numeric, skipping validation.", slog.String("badge", badge))
		return true
	}
	expected := value - badgeNonDataEntries
	if expected < 0 {
		expected = 0
	}
	return expected == discovered
}
