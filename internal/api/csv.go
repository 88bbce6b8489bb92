package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMissingURLColumn is returned when the uploaded CSV has no "url" header.
var ErrMissingURLColumn = errors.New(`csv file must contain a "url" column`)

// ParseURLColumn reads a CSV stream and returns the values of the "url"
// column in file order. The header match is case-insensitive, rows may have
// ragged widths, and blank cells are skipped. A file with a valid header and
// no data rows yields an empty slice, not an error.
func ParseURLColumn(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrMissingURLColumn
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	urlCol := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "url") {
			urlCol = i
			break
		}
	}
	if urlCol < 0 {
		return nil, ErrMissingURLColumn
	}

	var urls []string
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		if urlCol >= len(row) {
			continue
		}
		url := strings.TrimSpace(row[urlCol])
		if url == "" {
			continue
		}
		urls = append(urls, url)
	}
	return urls, nil
}
