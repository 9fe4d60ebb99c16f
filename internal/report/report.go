// Package report holds the run-level report and its JSON artifacts: the
// extraction report and the failed-files list that seeds retry runs.
package report

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// FileStats accumulates the outcome of processing one snapshot archive. It
// is created before the first fallible step and appended to the report
// whether the file succeeded or failed.
type FileStats struct {
	SourceFile     string `json:"source_file"`
	Region         string `json:"region"`
	SnapshotPeriod string `json:"snapshot_period"`
	Table          string `json:"table,omitempty"`

	RowsTotal   int `json:"rows_total"`
	RowsWritten int `json:"rows_written"`

	MissingRequiredColumns []string `json:"missing_required_columns,omitempty"`
	UnknownColumns         []string `json:"unknown_columns,omitempty"`
	Errors                 []string `json:"errors,omitempty"`
}

// AddError records a per-file failure.
func (s *FileStats) AddError(err error) {
	s.Errors = append(s.Errors, err.Error())
}

// Failed reports whether processing this file recorded at least one error.
func (s *FileStats) Failed() bool { return len(s.Errors) > 0 }

// Report is the run-level aggregate, serialized as the extraction report
// artifact at the end of every run, including partially failed ones.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	DiscoveredLinks int `json:"discovered_links"`
	SelectedLinks   int `json:"selected_links"`
	DownloadedFiles int `json:"downloaded_files"`
	ProcessedFiles  int `json:"processed_files"`
	ExpectedFiles   int `json:"expected_files"`

	TotalRows   int `json:"total_rows"`
	WrittenRows int `json:"written_rows"`

	CompletenessRatio float64 `json:"completeness_ratio"`

	FileReports []FileStats `json:"file_reports"`
	Errors      []string    `json:"errors"`
}

// New starts a report stamped with the current UTC time.
func New() *Report {
	return &Report{StartedAt: time.Now().UTC(), Errors: []string{}, FileReports: []FileStats{}}
}

// AddError records a run-level error or warning.
func (r *Report) AddError(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// Append folds one file's stats into the run aggregate. A file counts as
// processed only when it recorded no errors.
func (r *Report) Append(stats FileStats) {
	r.FileReports = append(r.FileReports, stats)
	r.TotalRows += stats.RowsTotal
	r.WrittenRows += stats.RowsWritten
	if !stats.Failed() {
		r.ProcessedFiles++
	}
}

// Finalize stamps the end time and computes the completeness ratio.
func (r *Report) Finalize() {
	r.FinishedAt = time.Now().UTC()
	r.CompletenessRatio = CompletenessRatio(r.ProcessedFiles, r.ExpectedFiles)
}

// FailedFiles returns the subset of per-file stats with at least one error.
func (r *Report) FailedFiles() []FileStats {
	var failed []FileStats
	for _, stats := range r.FileReports {
		if stats.Failed() {
			failed = append(failed, stats)
		}
	}
	return failed
}

// CompletenessRatio is processed ÷ expected rounded to 4 decimals, defined
// as 1.0 when nothing was expected.
func CompletenessRatio(processed, expected int) float64 {
	if expected == 0 {
		return 1.0
	}
	return math.Round(float64(processed)/float64(expected)*10000) / 10000
}

// FailedFile is one entry of the failed-files artifact, shaped to seed a
// retry run scoped to the failing regions.
type FailedFile struct {
	SourceFile     string   `json:"source_file"`
	Region         string   `json:"region"`
	SnapshotPeriod string   `json:"snapshot_period"`
	Errors         []string `json:"errors"`
}

// WriteReport serializes the report to path, creating parent directories.
func WriteReport(r *Report, path string) error {
	return writeJSON(path, r)
}

// WriteFailedFiles serializes the failed-files artifact to path. An empty
// run still produces a valid (empty) array so retry tooling can consume it
// unconditionally.
func WriteFailedFiles(r *Report, path string) error {
	failed := []FailedFile{}
	for _, stats := range r.FailedFiles() {
		failed = append(failed, FailedFile{
			SourceFile:     stats.SourceFile,
			Region:         stats.Region,
			SnapshotPeriod: stats.SnapshotPeriod,
			Errors:         stats.Errors,
		})
	}
	return writeJSON(path, failed)
}

// ReadFailedFiles loads a failed-files artifact written by a previous run.
func ReadFailedFiles(path string) ([]FailedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read failed-files artifact %s: %w", path, err)
	}
	var failed []FailedFile
	if err := json.Unmarshal(data, &failed); err != nil {
		return nil, fmt.Errorf("parse failed-files artifact %s: %w", path, err)
	}
	return failed, nil
}

func writeJSON(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create artifact dir %s: %w", dir, err)
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", path, err)
	}
	return nil
}
