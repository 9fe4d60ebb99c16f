package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"denueflow/internal/app"
	"denueflow/internal/browser"
	"denueflow/internal/config"
	"denueflow/internal/discovery"
	"denueflow/internal/history"
	"denueflow/internal/pipeline"
	"denueflow/internal/report"
	"denueflow/internal/storage"
)

var (
	maxFiles   int
	regionsCSV string
	headless   bool
	noBrowser  bool
	useTUI     bool
	fromFailed string
	runsDir    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one full extraction: discover, download and ingest snapshots.",
	Long: `Run crawls the portal for snapshot links, downloads each archive,
normalizes its rows and appends them to the configured storage backend.
Artifacts (extraction report and failed-files list) are written into a
fresh run directory, and a summary row is recorded in the state database.

A previous run's failed-files artifact can seed a retry run scoped to just
the failing regions via --from-failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg := appConfig
		cfg.MaxFiles = maxFiles
		cfg.Headless = headless
		cfg.UseBrowser = !noBrowser
		if regionsCSV != "" {
			cfg.RegionFilter = config.ParseRegionFilter(regionsCSV)
		}
		if fromFailed != "" {
			if err := scopeToFailed(&cfg, fromFailed); err != nil {
				return err
			}
		}

		runID := uuid.New().String()
		runDir := filepath.Join(runsDir, time.Now().UTC().Format("20060102T150405Z"))
		cfg.ReportPath = filepath.Join(runDir, "extraction_report.json")
		cfg.FailedFilesPath = filepath.Join(runDir, "failed_files.json")

		logger := rootLogger.With("run_id", runID)
		logger.Info("Starting extraction run.",
			"portal_url", cfg.PortalURL,
			"backend", cfg.StorageBackend,
			"run_dir", runDir,
		)

		var session discovery.PageSession
		var err error
		if cfg.UseBrowser {
			session, err = browser.NewChromeSession(ctx, cfg.Headless, logger)
		} else {
			session = browser.NewStaticSession(nil, logger)
		}
		if err != nil {
			return fmt.Errorf("create page session: %w", err)
		}
		defer session.Close()

		store, err := storage.New(cfg, logger)
		if err != nil {
			return fmt.Errorf("create storage writer: %w", err)
		}

		rep, runErr := executePipeline(ctx, cfg, logger, session, store)

		// The report artifacts are written even when the run aborted, so
		// partial progress is never lost.
		if err := report.WriteReport(rep, cfg.ReportPath); err != nil {
			logger.Error("Failed to write report artifact.", "error", err)
		}
		if err := report.WriteFailedFiles(rep, cfg.FailedFilesPath); err != nil {
			logger.Error("Failed to write failed-files artifact.", "error", err)
		}

		failed := len(rep.FailedFiles())
		status := history.StatusSucceeded
		switch {
		case runErr != nil:
			status = history.StatusFailed
		case failed > 0:
			status = history.StatusPartial
		}
		if err := history.RecordRun(cmd.Context(), historyDB, history.Run{
			RunID:           runID,
			StartedAt:       rep.StartedAt,
			FinishedAt:      rep.FinishedAt,
			Status:          status,
			DiscoveredLinks: rep.DiscoveredLinks,
			ProcessedFiles:  rep.ProcessedFiles,
			FailedFiles:     failed,
			WrittenRows:     rep.WrittenRows,
			Completeness:    rep.CompletenessRatio,
			ReportPath:      cfg.ReportPath,
			FailedFilesPath: cfg.FailedFilesPath,
		}); err != nil {
			logger.Error("Failed to record run history.", "error", err)
		}

		logger.Info("Run finished.",
			"status", status,
			"processed_files", rep.ProcessedFiles,
			"failed_files", failed,
			"written_rows", rep.WrittenRows,
			"completeness", rep.CompletenessRatio,
		)

		if runErr != nil {
			return fmt.Errorf("run aborted: %w", runErr)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed, see %s", failed, rep.ExpectedFiles, cfg.FailedFilesPath)
		}
		return nil
	},
}

// executePipeline runs the pipeline directly, or behind the TUI when
// requested. The TUI consumes pipeline events while the pipeline runs in a
// background goroutine; quitting the TUI early leaves the run going and
// waits for it to finish.
func executePipeline(ctx context.Context, cfg config.Config, logger *slog.Logger, session discovery.PageSession, store storage.Writer) (*report.Report, error) {
	if !useTUI {
		return pipeline.New(cfg, logger).Run(ctx, session, store)
	}

	events := make(chan any, 64)
	p := pipeline.New(cfg, logger, pipeline.WithEvents(events))

	type result struct {
		rep *report.Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := p.Run(ctx, session, store)
		close(events)
		done <- result{rep: rep, err: err}
	}()

	program := tea.NewProgram(app.NewRunModel(events))
	if _, err := program.Run(); err != nil {
		logger.Error("Progress display terminated.", "error", err)
	}
	res := <-done
	return res.rep, res.err
}

// scopeToFailed narrows the run to the regions named by a previous run's
// failed-files artifact. Only normalized region codes participate; free-text
// fallback regions cannot be mapped back to a filter control.
func scopeToFailed(cfg *config.Config, path string) error {
	failed, err := report.ReadFailedFiles(path)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return fmt.Errorf("failed-files artifact %s lists no files, nothing to retry", path)
	}

	seen := make(map[string]struct{})
	var regions []string
	for _, file := range failed {
		if !discovery.IsRegionCode(file.Region) {
			continue
		}
		if _, ok := seen[file.Region]; ok {
			continue
		}
		seen[file.Region] = struct{}{}
		regions = append(regions, file.Region)
	}
	if len(regions) == 0 {
		return fmt.Errorf("failed-files artifact %s contains no retryable region codes", path)
	}

	cfg.RegionFilter = regions
	cfg.MaxFiles = len(failed)
	return nil
}

func init() {
	runCmd.Flags().IntVar(&maxFiles, "max-files", 0, "Cap the number of archives to process (0 = unlimited)")
	runCmd.Flags().StringVar(&regionsCSV, "regions", "", "Comma separated region allow-list, e.g. 09,15,31-33")
	runCmd.Flags().BoolVar(&headless, "headless", true, "Run the browser headless")
	runCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Use plain HTTP discovery instead of a browser session")
	runCmd.Flags().BoolVar(&useTUI, "tui", false, "Render live progress in the terminal")
	runCmd.Flags().StringVar(&fromFailed, "from-failed", "", "Scope the run to regions from a previous failed_files.json")
	runCmd.Flags().StringVar(&runsDir, "runs-dir", "runs", "Parent directory for per-run artifact directories")
}
