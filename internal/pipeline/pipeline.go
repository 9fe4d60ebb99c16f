// Package pipeline sequences one full run: discovery, then per-link
// download, read, normalize and write, accumulating a run report. A single
// bad file never aborts the run; only discovery failures do.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"denueflow/internal/config"
	"denueflow/internal/discovery"
	"denueflow/internal/download"
	"denueflow/internal/reader"
	"denueflow/internal/report"
	"denueflow/internal/schema"
	"denueflow/internal/storage"
)

// FileStartedMsg announces that a link is about to be processed.
type FileStartedMsg struct {
	Index      int
	Total      int
	SourceFile string
	Region     string
}

// FileStatusMsg updates the display status of a file being processed.
type FileStatusMsg struct {
	SourceFile string
	Status     string // "Downloading", "Ingesting", "Complete", "Error"
	Rows       int
}

// FileFinishedMsg carries one file's final stats.
type FileFinishedMsg struct {
	Stats   report.FileStats
	Elapsed time.Duration
}

// RunFinishedMsg carries the finalized report.
type RunFinishedMsg struct {
	Report *report.Report
}

// Pipeline runs the extraction end to end against injected collaborators.
type Pipeline struct {
	cfg    config.Config
	logger *slog.Logger
	client *http.Client
	events chan<- any
}

// Option tweaks an optional collaborator.
type Option func(*Pipeline)

// WithHTTPClient overrides the download client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Pipeline) { p.client = client }
}

// WithEvents attaches a progress event sink. Sends never block: events are
// dropped when the sink is full, so a slow consumer cannot stall ingestion.
func WithEvents(events chan<- any) Option {
	return func(p *Pipeline) { p.events = events }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{cfg: cfg, logger: logger, client: download.DefaultHTTPClient()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) emit(msg any) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- msg:
	default:
	}
}

// Run executes one pipeline run. The returned report is always non-nil and
// finalized, even when the run aborts; the error is non-nil only for
// run-fatal conditions (discovery failure, context cancellation). The
// storage writer is closed before Run returns.
func (p *Pipeline) Run(ctx context.Context, session discovery.PageSession, store storage.Writer) (rep *report.Report, err error) {
	rep = report.New()
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			p.logger.Error("Failed to close storage.", "error", closeErr)
			rep.AddError(fmt.Errorf("close storage: %w", closeErr))
		}
		rep.Finalize()
		p.emit(RunFinishedMsg{Report: rep})
	}()

	d := discovery.New(p.cfg, p.logger)
	links, discErr := d.Discover(ctx, session)
	if discErr != nil {
		rep.AddError(discErr)
		return rep, fmt.Errorf("discovery: %w", discErr)
	}
	rep.DiscoveredLinks = len(links)

	if ok := d.ValidateLinkCount(ctx, session, len(links)); !ok {
		warn := fmt.Errorf("link-count badge disagrees with %d discovered links", len(links))
		p.logger.Warn("Link-count validation failed, continuing anyway.", slog.Int("discovered", len(links)))
		rep.AddError(warn)
	}

	selected := d.Select(links)
	rep.SelectedLinks = len(selected)
	rep.ExpectedFiles = len(selected)
	p.logger.Info("Processing selected links.",
		slog.Int("discovered", len(links)), slog.Int("selected", len(selected)))

	for i, link := range selected {
		if ctxErr := ctx.Err(); ctxErr != nil {
			rep.AddError(fmt.Errorf("run aborted: %w", ctxErr))
			return rep, ctxErr
		}
		p.processLink(ctx, rep, store, link, i, len(selected))
	}

	return rep, nil
}

// processLink handles one archive start to finish. Every failure is
// recorded into the link's stats and the run's error list; the stats are
// appended win or lose.
func (p *Pipeline) processLink(ctx context.Context, rep *report.Report, store storage.Writer, link discovery.DownloadLink, index, total int) {
	start := time.Now()
	stats := report.FileStats{
		SourceFile: download.Filename(link.Href),
		Region:     link.Region,
	}
	l := p.logger.With(
		slog.String("source_file", stats.SourceFile),
		slog.String("region", stats.Region),
		slog.Int("file_num", index+1),
		slog.Int("file_total", total),
	)
	p.emit(FileStartedMsg{Index: index, Total: total, SourceFile: stats.SourceFile, Region: stats.Region})

	defer func() {
		rep.Append(stats)
		p.emit(FileFinishedMsg{Stats: stats, Elapsed: time.Since(start)})
	}()

	fail := func(err error) {
		l.Error("File processing failed.", "error", err)
		stats.AddError(err)
		rep.AddError(fmt.Errorf("%s: %w", stats.SourceFile, err))
		p.emit(FileStatusMsg{SourceFile: stats.SourceFile, Status: "Error"})
	}

	p.emit(FileStatusMsg{SourceFile: stats.SourceFile, Status: "Downloading"})
	archivePath, err := download.Fetch(ctx, l, p.client, link, p.cfg.DownloadDir)
	if err != nil {
		fail(fmt.Errorf("download: %w", err))
		return
	}
	rep.DownloadedFiles++

	period := reader.InferPeriod(archivePath)
	stats.SnapshotPeriod = period
	table := storage.TableName(period)
	stats.Table = table
	prov := schema.Provenance{
		SnapshotPeriod: period,
		SourceFile:     stats.SourceFile,
		Region:         stats.Region,
	}

	p.emit(FileStatusMsg{SourceFile: stats.SourceFile, Status: "Ingesting"})
	missingSet := make(map[string]struct{})
	unknownSet := make(map[string]struct{})

	err = reader.ReadBatches(ctx, archivePath, p.cfg.BatchSize, func(raw reader.RawBatch) error {
		if len(raw.Headers) == 0 {
			return nil
		}
		batch, missing, unknown, err := schema.Normalize(raw.Headers, raw.Rows, prov)
		if err != nil {
			return err
		}
		for _, name := range unknown {
			unknownSet[name] = struct{}{}
		}
		if len(missing) > 0 {
			for _, name := range missing {
				missingSet[name] = struct{}{}
			}
			return fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
		}

		stats.RowsTotal += len(raw.Rows)
		written, err := store.Write(ctx, batch, table)
		if err != nil {
			return err
		}
		stats.RowsWritten += written
		p.emit(FileStatusMsg{SourceFile: stats.SourceFile, Status: "Ingesting", Rows: stats.RowsWritten})
		return nil
	})

	stats.MissingRequiredColumns = sortedKeys(missingSet)
	stats.UnknownColumns = sortedKeys(unknownSet)

	if err != nil {
		fail(fmt.Errorf("ingest: %w", err))
		return
	}

	l.Info("File processed.",
		slog.String("period", period),
		slog.String("table", table),
		slog.Int("rows_written", stats.RowsWritten),
		slog.Duration("duration", time.Since(start).Round(time.Millisecond)),
	)
	p.emit(FileStatusMsg{SourceFile: stats.SourceFile, Status: "Complete", Rows: stats.RowsWritten})
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
