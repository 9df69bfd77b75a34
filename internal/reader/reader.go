// Package reader parses uploaded files into import records. It supports
// CSV and JSON; spreadsheet formats are deliberately rejected with guidance
// to export CSV instead.
package reader

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/mhorvath/bulkpg/internal/importer"
)

// ErrUnsupportedFormat is returned for file extensions the service cannot
// parse.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// ErrNoData is returned when a file parses cleanly but yields no records.
var ErrNoData = errors.New("file contains no data rows")

// Parse dispatches on the file extension and returns the file's records.
// Column names are normalized to lower_snake form so they can be matched
// against destination columns directly.
func Parse(filename string, data []byte) ([]importer.Record, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return parseCSV(data)
	case ".json":
		return parseJSON(data)
	case ".xlsx", ".xls":
		return nil, fmt.Errorf("%w: %s (export the sheet as CSV and retry)", ErrUnsupportedFormat, filename)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
}

// parseCSV reads the whole file, takes the first non-empty row as the
// header, and turns every following non-empty row into a record. Cell
// values stay strings; type coercion happens downstream against the
// destination schema.
func parseCSV(data []byte) ([]importer.Record, error) {
	r := csv.NewReader(bytes.NewReader(sanitizeUTF8(data)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	start := 0
	for start < len(rows) && isEmptyRow(rows[start]) {
		start++
	}
	if start >= len(rows) {
		return nil, ErrNoData
	}

	header := make([]string, len(rows[start]))
	for i, cell := range rows[start] {
		header[i] = normalizeColumn(cleanCell(cell))
	}

	var records []importer.Record
	for _, row := range rows[start+1:] {
		if isEmptyRow(row) {
			continue
		}
		rec := make(importer.Record, len(header))
		for i, name := range header {
			if name == "" || i >= len(row) {
				continue
			}
			rec[name] = cleanCell(row[i])
		}
		if len(rec) > 0 {
			records = append(records, rec)
		}
	}

	if len(records) == 0 {
		return nil, ErrNoData
	}
	return records, nil
}

// parseJSON accepts either a top-level array of objects or a single
// object, the two shapes API clients actually send.
func parseJSON(data []byte) ([]importer.Record, error) {
	data = bytes.TrimSpace(sanitizeUTF8(data))

	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		var single map[string]any
		if serr := json.Unmarshal(data, &single); serr != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		raw = []map[string]any{single}
	}

	var records []importer.Record
	for _, obj := range raw {
		rec := make(importer.Record, len(obj))
		for k, v := range obj {
			name := normalizeColumn(k)
			if name == "" {
				continue
			}
			rec[name] = v
		}
		if len(rec) > 0 {
			records = append(records, rec)
		}
	}

	if len(records) == 0 {
		return nil, ErrNoData
	}
	return records, nil
}

// sanitizeUTF8 replaces invalid byte sequences so the parsers never choke
// on exports from legacy encodings.
func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data))

	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteRune('�')
			data = data[1:]
		} else {
			buf.WriteRune(r)
			data = data[size:]
		}
	}

	return buf.Bytes()
}

// cleanCell strips the artifacts spreadsheet exports wrap around values:
// BOM markers, formula-style ="..." escapes, stray surrounding quotes.
func cleanCell(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.Trim(s, `"'`)
}

// normalizeColumn lowers a header cell into the lower_snake form used for
// destination columns.
func normalizeColumn(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
