// Package financials extracts named numeric time series from spreadsheet
// input. The first row of the chosen sheet is a header, the first column is
// the label axis, and every other column is a named series ordered by column
// position.
package financials

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrNoSeries is returned when no sheet contains at least one label column
// and one numeric column.
var ErrNoSeries = errors.New("no sheet with a label column and a numeric column")

// Point is one (label, value) pair. Valid is false for a gap: a cell that
// was empty or non-numeric in the source. Gaps stay explicit downstream and
// are never coerced to zero.
type Point struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

// Series is a named time series in source-column order.
type Series struct {
	Name   string  `json:"name"`
	Points []Point `json:"points"`
}

// Find returns the series matching name, case-insensitively.
func Find(series []Series, name string) (Series, bool) {
	for _, s := range series {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Series{}, false
}

// preferredSheets are tried first; conventional names financial workbooks
// tend to use for the relevant sheet.
var preferredSheets = []string{"Financials", "Data", "Sheet1"}

// Parse extracts all series from the first qualifying sheet of an .xlsx
// workbook. Returns ErrNoSeries when nothing qualifies.
func Parse(xlsx []byte) ([]Series, error) {
	f, err := excelize.OpenReader(bytes.NewReader(xlsx))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	ordered := make([]string, 0, len(sheets))
	for _, want := range preferredSheets {
		for _, s := range sheets {
			if strings.EqualFold(s, want) {
				ordered = append(ordered, s)
			}
		}
	}
	for _, s := range sheets {
		if !contains(ordered, s) {
			ordered = append(ordered, s)
		}
	}

	for _, sheet := range ordered {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		series, ok := fromRows(rows)
		if ok {
			return series, nil
		}
	}
	return nil, ErrNoSeries
}

// fromRows builds series from a header row plus data rows. ok is false when
// the sheet has no numeric column.
func fromRows(rows [][]string) ([]Series, bool) {
	if len(rows) < 2 || len(rows[0]) < 2 {
		return nil, false
	}
	header := rows[0]

	var series []Series
	numericFound := false
	for col := 1; col < len(header); col++ {
		name := strings.TrimSpace(header[col])
		if name == "" {
			continue
		}
		s := Series{Name: name}
		seen := make(map[string]bool)
		colNumeric := false
		for _, row := range rows[1:] {
			if len(row) == 0 {
				continue
			}
			label := strings.TrimSpace(row[0])
			if label == "" || seen[label] {
				// Duplicate labels would break the series invariant; the
				// first occurrence wins.
				continue
			}
			seen[label] = true
			p := Point{Label: label}
			if col < len(row) {
				if v, ok := parseNumeric(row[col]); ok {
					p.Value = v
					p.Valid = true
					colNumeric = true
				}
			}
			s.Points = append(s.Points, p)
		}
		if colNumeric {
			numericFound = true
		}
		if len(s.Points) > 0 {
			series = append(series, s)
		}
	}
	if !numericFound || len(series) == 0 {
		return nil, false
	}
	return series, true
}

func parseNumeric(cell string) (float64, bool) {
	cleaned := strings.TrimSpace(cell)
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.TrimSuffix(cleaned, "%")
	if cleaned == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
