// Package schema reconciles the heterogeneous per-release CSV headers into
// one canonical, text-typed record shape. Headers are normalized, resolved
// through the alias table, unknown columns are preserved losslessly in a
// JSON catch-all field, and every row is stamped with provenance.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// foldDiacritics strips combining marks so accented Spanish headers compare
// equal across encodings (Código -> Codigo, año -> ano).
var foldDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Batch is a normalized chunk of rows sharing the canonical column order.
type Batch struct {
	Columns []string
	Rows    [][]string
}

// Provenance is stamped onto every row of a normalized batch.
type Provenance struct {
	SnapshotPeriod string
	SourceFile     string
	Region         string
}

// ToSnakeCase normalizes one header: diacritics folded, non-alphanumeric
// runs collapsed to single underscores, lowercased.
func ToSnakeCase(text string) string {
	folded, _, err := transform.String(foldDiacritics, text)
	if err != nil {
		folded = text
	}
	cleaned := nonAlnum.ReplaceAllString(strings.TrimSpace(folded), "_")
	return strings.ToLower(strings.Trim(cleaned, "_"))
}

// Resolve maps raw input headers to canonical names via the alias table.
// Headers without an alias entry keep their normalized spelling, which may
// or may not be canonical. The second return value lists resolved names
// outside the canonical set, deduplicated and sorted.
func Resolve(headers []string) ([]string, []string) {
	resolved := make([]string, len(headers))
	unknownSet := make(map[string]struct{})

	for i, header := range headers {
		name := ToSnakeCase(header)
		if canonical, ok := ColumnAliases[name]; ok {
			name = canonical
		}
		resolved[i] = name
		if !IsCanonical(name) {
			unknownSet[name] = struct{}{}
		}
	}

	unknown := make([]string, 0, len(unknownSet))
	for name := range unknownSet {
		unknown = append(unknown, name)
	}
	sort.Strings(unknown)
	return resolved, unknown
}

// Normalize projects one raw batch onto the canonical column set. Columns
// outside the set are packed per row into the JSON catch-all field; canonical
// columns absent from the input become empty values. It returns the
// normalized batch, the missing required columns and the unknown columns.
// The extraction timestamp is captured once and shared by every row of the
// batch.
func Normalize(headers []string, rows [][]string, prov Provenance) (Batch, []string, []string, error) {
	resolved, unknown := Resolve(headers)

	index := make(map[string]int, len(resolved))
	var extraIdx []int
	for i, name := range resolved {
		if IsCanonical(name) {
			if _, seen := index[name]; !seen {
				index[name] = i
			}
			continue
		}
		extraIdx = append(extraIdx, i)
	}

	var missingRequired []string
	for _, required := range RequiredMinimumColumns {
		if _, ok := index[required]; !ok {
			missingRequired = append(missingRequired, required)
		}
	}

	extractionTS := time.Now().UTC().Format(time.RFC3339)

	out := Batch{Columns: CanonicalColumns, Rows: make([][]string, 0, len(rows))}
	for _, row := range rows {
		values := make([]string, len(CanonicalColumns))
		for i, col := range CanonicalColumns {
			switch col {
			case ColSnapshotPeriod:
				values[i] = prov.SnapshotPeriod
			case ColSourceFile:
				values[i] = prov.SourceFile
			case ColRegion:
				values[i] = prov.Region
			case ColSchemaVersion:
				values[i] = Version
			case ColExtractionTS:
				values[i] = extractionTS
			case ColRawExtra:
				if len(extraIdx) == 0 {
					continue
				}
				payload, err := packExtras(resolved, row, extraIdx)
				if err != nil {
					return Batch{}, nil, nil, err
				}
				values[i] = payload
			default:
				if src, ok := index[col]; ok && src < len(row) {
					values[i] = row[src]
				}
			}
		}
		out.Rows = append(out.Rows, values)
	}

	return out, missingRequired, unknown, nil
}

// packExtras serializes the non-canonical cells of one row into a JSON
// object keyed by resolved column name.
func packExtras(resolved []string, row []string, extraIdx []int) (string, error) {
	extras := make(map[string]string, len(extraIdx))
	for _, i := range extraIdx {
		value := ""
		if i < len(row) {
			value = row[i]
		}
		extras[resolved[i]] = value
	}
	payload, err := json.Marshal(extras)
	if err != nil {
		return "", fmt.Errorf("pack extra columns: %w", err)
	}
	return string(payload), nil
}
