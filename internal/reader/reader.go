// Package reader opens downloaded snapshot archives, picks the data member
// among distraction files, detects the text encoding and yields rows in
// bounded-size batches so arbitrarily large archives can be processed with
// constant memory.
package reader

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

var yearPattern = regexp.MustCompile(`(20\d{2})`)

// encodingSampleSize bounds how much of the member is inspected for
// encoding detection.
const encodingSampleSize = 4096

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// RawBatch is one chunk of rows read from a data member, still in the
// source file's own column layout.
type RawBatch struct {
	Headers []string
	Rows    [][]string
}

// InferPeriod derives the snapshot period label for an archive. It prefers
// a four-digit year in the archive filename, then the first line of a
// metadata member, and falls back to "unknown".
func InferPeriod(archivePath string) string {
	if match := yearPattern.FindString(filepath.Base(archivePath)); match != "" {
		return match
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "unknown"
	}
	defer zr.Close()

	for _, member := range zr.File {
		if !strings.Contains(strings.ToLower(member.Name), "metadatos_denue") {
			continue
		}
		rc, err := member.Open()
		if err != nil {
			continue
		}
		line, err := bufio.NewReader(transform.NewReader(rc, charmap.ISO8859_1.NewDecoder())).ReadString('\n')
		rc.Close()
		if err != nil && line == "" {
			continue
		}
		return normalizePeriodLabel(line)
	}

	return "unknown"
}

func normalizePeriodLabel(line string) string {
	label := strings.TrimSpace(line)
	for _, prefix := range []string{"Identifier:", "Identificador:"} {
		label = strings.TrimSpace(strings.TrimPrefix(label, prefix))
	}
	label = strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(label)
	return strings.ToLower(label)
}

// selectDataMember picks the member to ingest. Combined-data members win,
// then any csv that is not a dictionary file, then any csv at all; ties go
// to lexicographic filename order.
func selectDataMember(names []string) (string, error) {
	var csvs []string
	for _, name := range names {
		if strings.HasSuffix(strings.ToLower(name), ".csv") {
			csvs = append(csvs, name)
		}
	}
	if len(csvs) == 0 {
		return "", errors.New("no csv data member found in archive")
	}
	sort.Strings(csvs)

	for _, name := range csvs {
		lower := strings.ToLower(name)
		if strings.Contains(lower, "conjunto") && strings.Contains(lower, "datos") {
			return name, nil
		}
	}
	for _, name := range csvs {
		if !strings.Contains(strings.ToLower(name), "diccionario_de_datos") {
			return name, nil
		}
	}
	return csvs[0], nil
}

// detectEncoding inspects a sample of the member. A UTF-8 byte-order marker
// or strictly valid UTF-8 selects UTF-8, anything else falls back to the
// legacy Latin-1 encoding the older releases shipped with.
func detectEncoding(sample []byte) (latin1 bool, hasBOM bool) {
	if bytes.HasPrefix(sample, utf8BOM) {
		return false, true
	}
	// The sample may end mid-sequence; drop up to one rune's worth of
	// trailing bytes before judging validity.
	trimmed := sample
	for i := 0; i < utf8.UTFMax && len(trimmed) > 0 && !utf8.Valid(trimmed); i++ {
		trimmed = trimmed[:len(trimmed)-1]
	}
	return !utf8.Valid(trimmed), false
}

// ReadBatches streams the archive's data member through fn in batches of at
// most batchSize rows, in file order; the final batch may be smaller. The
// member is read exactly once, so call ReadBatches again to iterate again.
func ReadBatches(ctx context.Context, archivePath string, batchSize int, fn func(RawBatch) error) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	defer zr.Close()

	names := make([]string, 0, len(zr.File))
	members := make(map[string]*zip.File, len(zr.File))
	for _, member := range zr.File {
		if member.FileInfo().IsDir() {
			continue
		}
		names = append(names, member.Name)
		members[member.Name] = member
	}

	dataName, err := selectDataMember(names)
	if err != nil {
		return fmt.Errorf("archive %s: %w", archivePath, err)
	}

	rc, err := members[dataName].Open()
	if err != nil {
		return fmt.Errorf("open member %s: %w", dataName, err)
	}
	defer rc.Close()

	buffered := bufio.NewReaderSize(rc, encodingSampleSize)
	sample, err := buffered.Peek(encodingSampleSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return fmt.Errorf("sample member %s: %w", dataName, err)
	}

	latin1, hasBOM := detectEncoding(sample)
	var text io.Reader = buffered
	if hasBOM {
		if _, err := buffered.Discard(len(utf8BOM)); err != nil {
			return fmt.Errorf("skip byte-order marker in %s: %w", dataName, err)
		}
	}
	if latin1 {
		text = transform.NewReader(buffered, charmap.ISO8859_1.NewDecoder())
	}

	cr := csv.NewReader(text)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	headers, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return fn(RawBatch{})
	}
	if err != nil {
		return fmt.Errorf("read header of %s: %w", dataName, err)
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	batch := RawBatch{Headers: headers, Rows: make([][]string, 0, batchSize)}
	flush := func() error {
		if err := fn(batch); err != nil {
			return err
		}
		batch = RawBatch{Headers: headers, Rows: make([][]string, 0, batchSize)}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read rows of %s: %w", dataName, err)
		}
		batch.Rows = append(batch.Rows, fitToHeaders(record, len(headers)))
		if len(batch.Rows) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	if len(batch.Rows) > 0 {
		return flush()
	}
	return nil
}

// fitToHeaders pads or truncates a ragged record to the header width.
func fitToHeaders(record []string, width int) []string {
	if len(record) == width {
		return record
	}
	fitted := make([]string, width)
	copy(fitted, record)
	return fitted
}
