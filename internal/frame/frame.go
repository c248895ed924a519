// Package frame is the in-memory column-major dataframe runtime the worker
// executes lazy plans against. The coordinator never imports it except
// through the local executor; everything upstream of execution treats plans
// as opaque.
package frame

import (
	"fmt"
	"math"
	"time"

	"github.com/flowforge-io/flowforge/internal/schema"
)

// Frame is a materialized column-major table. Cols[i] holds the values of
// Schema[i]; every column has the same length. Null cells are Go nil.
type Frame struct {
	Schema schema.Schema
	Cols   [][]any
}

// New builds an empty frame with the given schema.
func New(s schema.Schema) *Frame {
	cols := make([][]any, len(s))
	for i := range cols {
		cols[i] = []any{}
	}
	return &Frame{Schema: s.Clone(), Cols: cols}
}

// NumRows returns the row count.
func (f *Frame) NumRows() int {
	if len(f.Cols) == 0 {
		return 0
	}
	return len(f.Cols[0])
}

// NumCols returns the column count.
func (f *Frame) NumCols() int { return len(f.Cols) }

// Check verifies the column/schema length invariant.
func (f *Frame) Check() error {
	if len(f.Cols) != len(f.Schema) {
		return fmt.Errorf("frame has %d columns for %d schema entries", len(f.Cols), len(f.Schema))
	}
	n := f.NumRows()
	for i, c := range f.Cols {
		if len(c) != n {
			return fmt.Errorf("column %q has %d rows, expected %d", f.Schema[i].Name, len(c), n)
		}
	}
	return f.Schema.Validate()
}

// Row returns row i as a positional slice. The slice aliases nothing.
func (f *Frame) Row(i int) []any {
	out := make([]any, len(f.Cols))
	for c := range f.Cols {
		out[c] = f.Cols[c][i]
	}
	return out
}

// RowMap returns row i keyed by column name, for expression environments.
func (f *Frame) RowMap(i int) map[string]any {
	out := make(map[string]any, len(f.Cols))
	for c := range f.Cols {
		out[f.Schema[c].Name] = f.Cols[c][i]
	}
	return out
}

// AppendRow appends a positional row, coercing each value to its column type.
func (f *Frame) AppendRow(row []any) error {
	if len(row) != len(f.Cols) {
		return fmt.Errorf("row has %d values for %d columns", len(row), len(f.Cols))
	}
	for c, v := range row {
		cv, err := Coerce(v, f.Schema[c].Type)
		if err != nil {
			return fmt.Errorf("column %q: %w", f.Schema[c].Name, err)
		}
		f.Cols[c] = append(f.Cols[c], cv)
	}
	return nil
}

// Column returns the values of the named column.
func (f *Frame) Column(name string) ([]any, bool) {
	i := f.Schema.Index(name)
	if i < 0 {
		return nil, false
	}
	return f.Cols[i], true
}

// Gather builds a new frame from the given row indices, in order.
func (f *Frame) Gather(idx []int) *Frame {
	out := &Frame{Schema: f.Schema.Clone(), Cols: make([][]any, len(f.Cols))}
	for c := range f.Cols {
		col := make([]any, len(idx))
		for j, i := range idx {
			col[j] = f.Cols[c][i]
		}
		out.Cols[c] = col
	}
	return out
}

// Clone returns a deep-enough copy: column slices are copied, cell values
// are shared (cells are never mutated after insert).
func (f *Frame) Clone() *Frame {
	out := &Frame{Schema: f.Schema.Clone(), Cols: make([][]any, len(f.Cols))}
	for c := range f.Cols {
		col := make([]any, len(f.Cols[c]))
		copy(col, f.Cols[c])
		out.Cols[c] = col
	}
	return out
}

// Head returns the first n rows (or fewer).
func (f *Frame) Head(n int) *Frame {
	if n < 0 {
		n = 0
	}
	if n > f.NumRows() {
		n = f.NumRows()
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return f.Gather(idx)
}

// Coerce converts a Go value into the canonical cell representation for the
// given type: int64 for signed ints, uint64 for unsigned, float64 for
// floats, bool, string, []byte, time.Time, time.Duration, []any, and
// map-free nil for null.
func Coerce(v any, t schema.Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t.Base {
	case schema.Int8, schema.Int16, schema.Int32, schema.Int64:
		return toInt64(v)
	case schema.UInt8, schema.UInt16, schema.UInt32, schema.UInt64:
		return toUint64(v)
	case schema.Float32, schema.Float64:
		return toFloat64(v)
	case schema.Boolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to Boolean", v)
	case schema.String:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
		return fmt.Sprint(v), nil
	case schema.Binary:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
		return nil, fmt.Errorf("cannot coerce %T to Binary", v)
	case schema.Date, schema.Time, schema.Datetime:
		if ts, ok := v.(time.Time); ok {
			return ts, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to %s", v, t.Base)
	case schema.Duration:
		switch d := v.(type) {
		case time.Duration:
			return d, nil
		case int64:
			return time.Duration(d), nil
		case int:
			return time.Duration(d), nil
		}
		return nil, fmt.Errorf("cannot coerce %T to Duration", v)
	case schema.List:
		if xs, ok := v.([]any); ok {
			return xs, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to %s", v, t)
	case schema.Struct:
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to %s", v, t)
	case schema.Null:
		return nil, nil
	case schema.Unknown:
		return v, nil
	}
	return nil, fmt.Errorf("unsupported type %s", t)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("uint64 value %d overflows Int64", n)
		}
		return int64(n), nil
	case uint:
		return int64(n), nil
	case float64:
		if n == math.Trunc(n) {
			return int64(n), nil
		}
		return 0, fmt.Errorf("float value %v is not integral", n)
	case float32:
		return toInt64(float64(n))
	}
	return 0, fmt.Errorf("cannot coerce %T to integer", v)
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case uint:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	case int, int8, int16, int32, int64:
		i, err := toInt64(v)
		if err != nil {
			return 0, err
		}
		if i < 0 {
			return 0, fmt.Errorf("negative value %d for unsigned column", i)
		}
		return uint64(i), nil
	case float64:
		if n >= 0 && n == math.Trunc(n) {
			return uint64(n), nil
		}
		return 0, fmt.Errorf("float value %v is not a valid unsigned integer", n)
	}
	return 0, fmt.Errorf("cannot coerce %T to unsigned integer", v)
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int, int8, int16, int32, int64:
		i, _ := toInt64(v)
		return float64(i), nil
	case uint, uint8, uint16, uint32, uint64:
		u, _ := toUint64(v)
		return float64(u), nil
	}
	return 0, fmt.Errorf("cannot coerce %T to float", v)
}

// InferType maps a Go value produced by an expression to a canonical type.
// Used for custom-code schema prediction.
func InferType(v any) schema.Type {
	switch v.(type) {
	case nil:
		return schema.Of(schema.Null)
	case bool:
		return schema.Of(schema.Boolean)
	case int, int8, int16, int32, int64:
		return schema.Of(schema.Int64)
	case uint, uint8, uint16, uint32, uint64:
		return schema.Of(schema.UInt64)
	case float32, float64:
		return schema.Of(schema.Float64)
	case string:
		return schema.Of(schema.String)
	case []byte:
		return schema.Of(schema.Binary)
	case time.Time:
		return schema.Of(schema.Datetime)
	case time.Duration:
		return schema.Of(schema.Duration)
	case []any:
		return schema.ListOf(schema.Of(schema.Unknown))
	case map[string]any:
		return schema.Of(schema.Struct)
	}
	return schema.Of(schema.Unknown)
}

// ZeroValue returns a representative non-null cell for a type. Custom-code
// schema prediction dry-runs expressions over a frame of zero values.
func ZeroValue(t schema.Type) any {
	switch t.Base {
	case schema.Int8, schema.Int16, schema.Int32, schema.Int64:
		return int64(0)
	case schema.UInt8, schema.UInt16, schema.UInt32, schema.UInt64:
		return uint64(0)
	case schema.Float32, schema.Float64:
		return float64(0)
	case schema.Boolean:
		return false
	case schema.String:
		return ""
	case schema.Binary:
		return []byte{}
	case schema.Date, schema.Time, schema.Datetime:
		return time.Time{}
	case schema.Duration:
		return time.Duration(0)
	case schema.List:
		return []any{}
	case schema.Struct:
		return map[string]any{}
	}
	return nil
}
