// Package catalog loads regulatory control catalogs from CSV files.
package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mohans/auditx/internal/compliance"
)

// Accepted header names per column, matched case-insensitively.
var columns = map[string][]string{
	"id":          {"control_id", "id", "control"},
	"title":       {"title", "name", "control_name"},
	"description": {"description", "control_description", "text"},
	"category":    {"category", "theme", "domain"},
	"keywords":    {"keywords", "tags"},
}

// CSVLoader implements compliance.CatalogLoader. The locator is a file path.
// The file is read on every Load.
type CSVLoader struct{}

func (CSVLoader) Load(ctx context.Context, locator string) ([]compliance.Control, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(strings.TrimPrefix(locator, "file://"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a catalog with a header row. id and title columns are
// required; keywords are separated by ';' or ','.
func Parse(r io.Reader) ([]compliance.Control, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("catalog is empty")
	}
	if err != nil {
		return nil, err
	}
	idx := indexHeader(header)
	if idx["id"] < 0 || idx["title"] < 0 {
		return nil, fmt.Errorf("catalog header must contain control_id and title columns, got %v", header)
	}

	var controls []compliance.Control
	seen := make(map[string]bool)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		get := func(col string) string {
			i := idx[col]
			if i < 0 || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		c := compliance.Control{
			ID:          get("id"),
			Title:       get("title"),
			Description: get("description"),
			Category:    get("category"),
			Keywords:    splitKeywords(get("keywords")),
		}
		if c.ID == "" && c.Title == "" {
			continue
		}
		if c.ID == "" {
			return nil, fmt.Errorf("line %d: missing control id", line)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("line %d: duplicate control id %s", line, c.ID)
		}
		seen[c.ID] = true
		controls = append(controls, c)
	}
	if len(controls) == 0 {
		return nil, errors.New("catalog has no controls")
	}
	return controls, nil
}

func indexHeader(header []string) map[string]int {
	idx := make(map[string]int, len(columns))
	for col, names := range columns {
		idx[col] = -1
		for i, h := range header {
			h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
			for _, n := range names {
				if h == n && idx[col] < 0 {
					idx[col] = i
				}
			}
		}
	}
	return idx
}

func splitKeywords(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' })
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
