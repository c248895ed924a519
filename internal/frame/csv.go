package frame

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/flowforge-io/flowforge/internal/schema"
)

// ReadCSV loads a CSV file into a frame. When cols is non-empty it declares
// the expected column names and types (header names must match); otherwise
// every column is read as String.
func ReadCSV(path string, cols schema.Schema) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSVFrom(f, cols)
}

// ReadCSVFrom is ReadCSV over an arbitrary reader.
func ReadCSVFrom(r io.Reader, cols schema.Schema) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		if len(cols) > 0 {
			return New(cols), nil
		}
		return New(schema.Schema{}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	if len(cols) == 0 {
		cols = make(schema.Schema, len(header))
		for i, h := range header {
			cols[i] = schema.Column{Name: strings.TrimSpace(h), Type: schema.Of(schema.String), Nullable: true}
		}
	}
	if err := cols.Validate(); err != nil {
		return nil, err
	}
	// Map declared columns onto header positions.
	pos := make([]int, len(cols))
	for i, c := range cols {
		pos[i] = -1
		for j, h := range header {
			if strings.TrimSpace(h) == c.Name {
				pos[i] = j
				break
			}
		}
		if pos[i] < 0 {
			return nil, fmt.Errorf("csv is missing declared column %q (header: %v)", c.Name, header)
		}
	}

	out := New(cols)
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line+1, err)
		}
		line++
		row := make([]any, len(cols))
		for i, j := range pos {
			if j >= len(rec) {
				row[i] = nil
				continue
			}
			v, err := parseCell(rec[j], cols[i].Type)
			if err != nil {
				return nil, fmt.Errorf("csv line %d column %q: %w", line, cols[i].Name, err)
			}
			row[i] = v
		}
		if err := out.AppendRow(row); err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
	}
	return out, nil
}

func parseCell(s string, t schema.Type) (any, error) {
	if s == "" {
		if t.Base == schema.String {
			return "", nil
		}
		return nil, nil
	}
	switch t.Base {
	case schema.Int8, schema.Int16, schema.Int32, schema.Int64:
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	case schema.UInt8, schema.UInt16, schema.UInt32, schema.UInt64:
		return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	case schema.Float32, schema.Float64:
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	case schema.Boolean:
		return strconv.ParseBool(strings.TrimSpace(s))
	case schema.String:
		return s, nil
	case schema.Binary:
		return []byte(s), nil
	case schema.Date:
		return time.Parse("2006-01-02", strings.TrimSpace(s))
	case schema.Datetime:
		ts := strings.TrimSpace(s)
		if v, err := time.Parse(time.RFC3339, ts); err == nil {
			return v, nil
		}
		return time.Parse("2006-01-02 15:04:05", ts)
	case schema.Time:
		return time.Parse("15:04:05", strings.TrimSpace(s))
	case schema.Duration:
		return time.ParseDuration(strings.TrimSpace(s))
	}
	return nil, fmt.Errorf("cannot parse %q as %s", s, t)
}

// WriteCSV writes the frame to path via a temp file and rename. The write
// is atomic within the destination directory but not transactional across
// failures of the surrounding run.
func (f *Frame) WriteCSV(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".csv-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(f.Schema.Names()); err != nil {
		tmp.Close()
		return err
	}
	rec := make([]string, f.NumCols())
	for r := 0; r < f.NumRows(); r++ {
		for c := range f.Cols {
			rec[c] = formatCell(f.Cols[c][r], f.Schema[c].Type)
		}
		if err := w.Write(rec); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func formatCell(v any, t schema.Type) string {
	if v == nil {
		return ""
	}
	switch n := v.(type) {
	case time.Time:
		switch t.Base {
		case schema.Date:
			return n.Format("2006-01-02")
		case schema.Time:
			return n.Format("15:04:05")
		default:
			return n.Format(time.RFC3339)
		}
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case []byte:
		return string(n)
	default:
		return fmt.Sprint(v)
	}
}
