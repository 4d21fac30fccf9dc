package gis

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Table is a delimited table loaded into memory, with typed columns.
type Table struct {
	Name   string
	Fields []Field
	Rows   [][]any
}

// ReadTable parses a CSV with a header row. Column types are inferred: a column whose
// non-empty cells all parse as integers is Long, as numbers is Double, otherwise Text.
// Empty cells are null.
func ReadTable(name string, r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read table %s", name)
	}
	if len(records) == 0 {
		return nil, errors.Errorf("table %s has no header", name)
	}

	header := records[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	table := &Table{Name: name}
	seen := make(map[string]struct{}, len(header))
	for _, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, errors.Errorf("table %s has an empty column name", name)
		}
		if _, dup := seen[h]; dup {
			return nil, errors.Errorf("table %s has duplicate column %q", name, h)
		}
		seen[h] = struct{}{}
		table.Fields = append(table.Fields, Field{Name: h})
	}

	body := records[1:]
	for i := range table.Fields {
		table.Fields[i].Type = inferType(body, i)
		if table.Fields[i].Type == Text {
			table.Fields[i].Length = textLength(body, i)
		}
	}

	for _, record := range body {
		row := make([]any, len(table.Fields))
		for i, f := range table.Fields {
			cell := strings.TrimSpace(record[i])
			if cell == "" {
				continue
			}
			v, err := Coerce(f.Type, cell)
			if err != nil {
				return nil, err
			}
			row[i] = v
		}
		table.Rows = append(table.Rows, row)
	}

	return table, nil
}

func inferType(rows [][]string, col int) FieldType {
	typ := Long
	for _, row := range rows {
		cell := strings.TrimSpace(row[col])
		if cell == "" {
			continue
		}
		if typ == Long {
			if _, err := strconv.ParseInt(cell, 10, 64); err == nil {
				continue
			}
			typ = Double
		}
		if _, err := strconv.ParseFloat(cell, 64); err != nil {
			return Text
		}
	}
	return typ
}

func textLength(rows [][]string, col int) int {
	length := 255
	for _, row := range rows {
		if n := len(strings.TrimSpace(row[col])); n > length {
			length = n
		}
	}
	return length
}

// FieldIndex returns the column position of name, or -1.
func (t *Table) FieldIndex(name string) int {
	for i, f := range t.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Points returns the location of every row, in row order. A row with a missing or
// out-of-range coordinate rejects the whole table.
func (t *Table) Points(xField, yField string) ([]orb.Point, error) {
	xi, yi := t.FieldIndex(xField), t.FieldIndex(yField)
	if xi < 0 || yi < 0 {
		return nil, errors.Errorf("table %s is missing coordinate columns %s/%s", t.Name, xField, yField)
	}
	for _, i := range []int{xi, yi} {
		if t.Fields[i].Type == Text {
			return nil, errors.Errorf("table %s: coordinate column %s is not numeric", t.Name, t.Fields[i].Name)
		}
	}

	points := make([]orb.Point, 0, len(t.Rows))
	for n, row := range t.Rows {
		// Header is line 1.
		line := n + 2
		if row[xi] == nil || row[yi] == nil {
			return nil, errors.Wrapf(ErrInvalidCoordinate, "table %s line %d: missing %s/%s", t.Name, line, xField, yField)
		}
		x, _ := toFloat(row[xi])
		y, _ := toFloat(row[yi])

		if !s2.LatLngFromDegrees(y, x).IsValid() {
			return nil, errors.Wrapf(ErrInvalidCoordinate, "table %s line %d: (%g, %g) outside lon/lat range", t.Name, line, x, y)
		}
		points = append(points, orb.Point{x, y})
	}

	return points, nil
}
