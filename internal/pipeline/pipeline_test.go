package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"denueflow/internal/config"
	"denueflow/internal/discovery"
	"denueflow/internal/download"
	"denueflow/internal/storage"
)

func TestMain(m *testing.M) {
	download.RetryBaseDelay = time.Millisecond
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// zipArchive builds an in-memory snapshot archive with one data member.
func zipArchive(t *testing.T, csvContent string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("conjunto_de_datos/datos.csv")
	require.NoError(t, err)
	_, err = w.Write([]byte(csvContent))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// fakeSession is a scripted PageSession whose single view lists the given
// anchor hrefs.
type fakeSession struct {
	hrefs []string
	badge string
}

type fakeAnchor struct{ href string }

func (a *fakeAnchor) Attr(name string) (string, bool) {
	if name == "href" {
		return a.href, true
	}
	return "", false
}
func (a *fakeAnchor) Text() string                       { return "" }
func (a *fakeAnchor) Click(context.Context) error        { return nil }
func (a *fakeAnchor) Fill(context.Context, string) error { return nil }

func (s *fakeSession) Navigate(context.Context, string) error     { return nil }
func (s *fakeSession) WaitIdle(context.Context) error             { return nil }
func (s *fakeSession) Sleep(context.Context, time.Duration) error { return nil }
func (s *fakeSession) FindAll(_ context.Context, selector string) ([]discovery.Element, error) {
	cfg := config.Default()
	if selector != cfg.AnchorSelector {
		return nil, nil
	}
	anchors := make([]discovery.Element, 0, len(s.hrefs))
	for _, href := range s.hrefs {
		anchors = append(anchors, &fakeAnchor{href: href})
	}
	return anchors, nil
}
func (s *fakeSession) InnerText(context.Context, string) (string, error) {
	if s.badge == "" {
		return "", errors.New("no badge")
	}
	return s.badge, nil
}
func (s *fakeSession) Close() error { return nil }

// failingNavSession aborts discovery.
type failingNavSession struct{ fakeSession }

func (s *failingNavSession) Navigate(context.Context, string) error {
	return errors.New("portal unreachable")
}

// testEnv wires an archive server, config and duckdb-backed storage.
type testEnv struct {
	cfg    config.Config
	dbPath string
}

func newTestEnv(t *testing.T, server *httptest.Server) testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.PortalURL = server.URL + "/app/descarga/?ti=6"
	cfg.DownloadDir = filepath.Join(dir, "downloads")
	cfg.DuckDBPath = filepath.Join(dir, "denue.duckdb")
	cfg.BatchSize = 2
	cfg.SettleDelay = 0
	return testEnv{cfg: cfg, dbPath: cfg.DuckDBPath}
}

func (e testEnv) countRows(t *testing.T, table string) int {
	t.Helper()
	db, err := sql.Open("duckdb", e.dbPath)
	require.NoError(t, err)
	defer db.Close()
	var count int
	require.NoError(t, db.QueryRow(fmt.Sprintf(`SELECT count(*) FROM "%s"`, table)).Scan(&count))
	return count
}

func archiveServer(t *testing.T, archives map[string][]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if content, ok := archives[r.URL.Path]; ok {
			w.Write(content)
			return
		}
		http.NotFound(w, r)
	}))
}

func TestRunSingleArchive(t *testing.T) {
	archivePath := "/contenidos/masiva/denue/2024/denue_09_2024_csv.zip"
	server := archiveServer(t, map[string][]byte{
		archivePath: zipArchive(t, "id,nom_estab,codigo_act\n1,Taquería,461110\n"),
	})
	defer server.Close()

	env := newTestEnv(t, server)
	session := &fakeSession{hrefs: []string{server.URL + archivePath}}
	store, err := storage.New(env.cfg, testLogger())
	require.NoError(t, err)

	rep, err := New(env.cfg, testLogger()).Run(context.Background(), session, store)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.DiscoveredLinks)
	assert.Equal(t, 1, rep.ProcessedFiles)
	assert.Equal(t, 1, rep.WrittenRows)
	assert.Equal(t, 1.0, rep.CompletenessRatio)
	assert.Empty(t, rep.Errors)
	require.Len(t, rep.FileReports, 1)
	assert.Equal(t, "2024", rep.FileReports[0].SnapshotPeriod)
	assert.Equal(t, "denue_2024", rep.FileReports[0].Table)

	assert.Equal(t, 1, env.countRows(t, "denue_2024"))
}

func TestRunMultiYearArchives(t *testing.T) {
	header := "id,nom_estab,codigo_act\n"
	archives := map[string][]byte{
		"/contenidos/masiva/denue/2019/denue_09_2019_csv.zip":   zipArchive(t, header+"1,a,111\n"),
		"/contenidos/masiva/denue/2020/denue_09_2020_csv.zip":   zipArchive(t, header+"2,b,222\n"),
		"/contenidos/masiva/denue/2020/denue_09_2020_b_csv.zip": zipArchive(t, header+"3,c,333\n"),
		"/contenidos/masiva/denue/2021/denue_09_2021_csv.zip":   zipArchive(t, header+"4,d,444\n"),
	}
	server := archiveServer(t, archives)
	defer server.Close()

	env := newTestEnv(t, server)
	var hrefs []string
	for path := range archives {
		hrefs = append(hrefs, server.URL+path)
	}
	session := &fakeSession{hrefs: hrefs}
	store, err := storage.New(env.cfg, testLogger())
	require.NoError(t, err)

	rep, err := New(env.cfg, testLogger()).Run(context.Background(), session, store)
	require.NoError(t, err)

	assert.Equal(t, 4, rep.ProcessedFiles)
	assert.Equal(t, 4, rep.WrittenRows)
	assert.Equal(t, 1.0, rep.CompletenessRatio)

	assert.Equal(t, 1, env.countRows(t, "denue_2019"))
	assert.Equal(t, 2, env.countRows(t, "denue_2020"))
	assert.Equal(t, 1, env.countRows(t, "denue_2021"))
}

func TestRunIsolatesPerFileFailures(t *testing.T) {
	goodPath := "/contenidos/masiva/denue/2024/denue_09_2024_csv.zip"
	badPath := "/contenidos/masiva/denue/2023/denue_15_2023_csv.zip"
	server := archiveServer(t, map[string][]byte{
		goodPath: zipArchive(t, "id,nom_estab,codigo_act\n1,Taquería,461110\n"),
		// badPath is not served: downloads of it 404 until retries exhaust.
	})
	defer server.Close()

	env := newTestEnv(t, server)
	session := &fakeSession{hrefs: []string{server.URL + badPath, server.URL + goodPath}}
	store, err := storage.New(env.cfg, testLogger())
	require.NoError(t, err)

	rep, err := New(env.cfg, testLogger()).Run(context.Background(), session, store)
	require.NoError(t, err, "a single bad file must not abort the run")

	assert.Equal(t, 1, rep.ProcessedFiles)
	assert.Equal(t, 2, rep.ExpectedFiles)
	assert.Equal(t, 0.5, rep.CompletenessRatio)
	assert.NotEmpty(t, rep.Errors)

	require.Len(t, rep.FileReports, 2)
	assert.True(t, rep.FileReports[0].Failed())
	assert.False(t, rep.FileReports[1].Failed())
	assert.Equal(t, 1, env.countRows(t, "denue_2024"))
}

func TestRunRecordsBadgeMismatch(t *testing.T) {
	archivePath := "/contenidos/masiva/denue/2024/denue_09_2024_csv.zip"
	server := archiveServer(t, map[string][]byte{
		archivePath: zipArchive(t, "id,nom_estab,codigo_act\n1,Taquería,461110\n"),
	})
	defer server.Close()

	env := newTestEnv(t, server)
	// Badge of 9 implies 7 expected data links; only 1 was discovered.
	session := &fakeSession{hrefs: []string{server.URL + archivePath}, badge: "9"}
	store, err := storage.New(env.cfg, testLogger())
	require.NoError(t, err)

	rep, err := New(env.cfg, testLogger()).Run(context.Background(), session, store)
	require.NoError(t, err, "badge mismatch is a warning, not a failure")
	assert.Equal(t, 1, rep.ProcessedFiles)
	require.NotEmpty(t, rep.Errors)
	assert.Contains(t, rep.Errors[0], "badge")
}

func TestRunMissingRequiredColumnsFailsFile(t *testing.T) {
	archivePath := "/contenidos/masiva/denue/2024/denue_09_2024_csv.zip"
	server := archiveServer(t, map[string][]byte{
		archivePath: zipArchive(t, "nombre,calle\nX,Y\n"),
	})
	defer server.Close()

	env := newTestEnv(t, server)
	session := &fakeSession{hrefs: []string{server.URL + archivePath}}
	store, err := storage.New(env.cfg, testLogger())
	require.NoError(t, err)

	rep, err := New(env.cfg, testLogger()).Run(context.Background(), session, store)
	require.NoError(t, err)

	assert.Zero(t, rep.ProcessedFiles)
	require.Len(t, rep.FileReports, 1)
	stats := rep.FileReports[0]
	assert.True(t, stats.Failed())
	assert.Equal(t, []string{"codigo_act", "id", "nom_estab"}, stats.MissingRequiredColumns)
	assert.Zero(t, stats.RowsWritten)
}

func TestRunDiscoveryFailureAborts(t *testing.T) {
	server := archiveServer(t, nil)
	defer server.Close()

	env := newTestEnv(t, server)
	store, err := storage.New(env.cfg, testLogger())
	require.NoError(t, err)

	rep, err := New(env.cfg, testLogger()).Run(context.Background(), &failingNavSession{}, store)
	require.Error(t, err)
	require.NotNil(t, rep, "an aborted run still yields a finalized report")
	assert.NotEmpty(t, rep.Errors)
	assert.Zero(t, rep.ProcessedFiles)
	assert.False(t, rep.FinishedAt.IsZero())
}

func TestRunEmitsEvents(t *testing.T) {
	archivePath := "/contenidos/masiva/denue/2024/denue_09_2024_csv.zip"
	server := archiveServer(t, map[string][]byte{
		archivePath: zipArchive(t, "id,nom_estab,codigo_act\n1,Taquería,461110\n"),
	})
	defer server.Close()

	env := newTestEnv(t, server)
	session := &fakeSession{hrefs: []string{server.URL + archivePath}}
	store, err := storage.New(env.cfg, testLogger())
	require.NoError(t, err)

	events := make(chan any, 64)
	_, err = New(env.cfg, testLogger(), WithEvents(events)).Run(context.Background(), session, store)
	require.NoError(t, err)
	close(events)

	var started, finished, runDone bool
	for msg := range events {
		switch msg.(type) {
		case FileStartedMsg:
			started = true
		case FileFinishedMsg:
			finished = true
		case RunFinishedMsg:
			runDone = true
		}
	}
	assert.True(t, started)
	assert.True(t, finished)
	assert.True(t, runDone)
}
