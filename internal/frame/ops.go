package frame

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/flowforge-io/flowforge/internal/schema"
)

// SortKey orders by a single column.
type SortKey struct {
	Column     string
	Descending bool
}

// compareCells orders two cells. Nulls sort first; numerics compare across
// int/uint/float representations.
func compareCells(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	af, aok := numericCell(a)
	bf, bok := numericCell(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.Before(bv):
				return -1
			case av.After(bv):
				return 1
			default:
				return 0
			}
		}
	case time.Duration:
		if bv, ok := b.(time.Duration); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func numericCell(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// cellKey renders a cell into a string usable as a grouping/join key.
func cellKey(v any) string {
	switch n := v.(type) {
	case nil:
		return "\x00null"
	case int64:
		return fmt.Sprintf("i%d", n)
	case uint64:
		return fmt.Sprintf("u%d", n)
	case float64:
		return fmt.Sprintf("f%g", n)
	case bool:
		return fmt.Sprintf("b%t", n)
	case string:
		return "s" + n
	case time.Time:
		return "t" + n.UTC().Format(time.RFC3339Nano)
	default:
		return "x" + fmt.Sprint(v)
	}
}

func rowKey(f *Frame, colIdx []int, row int) string {
	parts := make([]string, len(colIdx))
	for i, c := range colIdx {
		parts[i] = cellKey(f.Cols[c][row])
	}
	return strings.Join(parts, "\x1f")
}

func columnIndices(f *Frame, names []string) ([]int, error) {
	idx := make([]int, len(names))
	for i, n := range names {
		j := f.Schema.Index(n)
		if j < 0 {
			return nil, fmt.Errorf("column %q not found in %s", n, f.Schema)
		}
		idx[i] = j
	}
	return idx, nil
}

// SortBy returns a stably sorted copy of the frame.
func (f *Frame) SortBy(keys []SortKey) (*Frame, error) {
	cols := make([]int, len(keys))
	for i, k := range keys {
		j := f.Schema.Index(k.Column)
		if j < 0 {
			return nil, fmt.Errorf("sort column %q not found in %s", k.Column, f.Schema)
		}
		cols[i] = j
	}
	idx := make([]int, f.NumRows())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		for i, c := range cols {
			cmp := compareCells(f.Cols[c][idx[a]], f.Cols[c][idx[b]])
			if keys[i].Descending {
				cmp = -cmp
			}
			if cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})
	return f.Gather(idx), nil
}

// SelectColumns keeps exactly the named columns in order.
func (f *Frame) SelectColumns(names []string) (*Frame, error) {
	idx, err := columnIndices(f, names)
	if err != nil {
		return nil, err
	}
	out := &Frame{Schema: make(schema.Schema, len(idx)), Cols: make([][]any, len(idx))}
	for i, j := range idx {
		out.Schema[i] = f.Schema[j]
		out.Cols[i] = f.Cols[j]
	}
	return out, out.Schema.Validate()
}

// RenameColumns renames columns per the mapping; unknown keys error.
func (f *Frame) RenameColumns(renames map[string]string) (*Frame, error) {
	out := &Frame{Schema: f.Schema.Clone(), Cols: f.Cols}
	for from, to := range renames {
		i := out.Schema.Index(from)
		if i < 0 {
			return nil, fmt.Errorf("rename source %q not found in %s", from, f.Schema)
		}
		out.Schema[i].Name = to
	}
	return out, out.Schema.Validate()
}

// DropColumn removes the named column if present.
func (f *Frame) DropColumn(name string) *Frame {
	i := f.Schema.Index(name)
	if i < 0 {
		return f
	}
	out := &Frame{
		Schema: append(f.Schema[:i:i], f.Schema[i+1:]...),
		Cols:   append(f.Cols[:i:i], f.Cols[i+1:]...),
	}
	return out
}

// WithColumn appends (or replaces) a column.
func (f *Frame) WithColumn(col schema.Column, values []any) (*Frame, error) {
	if len(values) != f.NumRows() && len(f.Cols) > 0 {
		return nil, fmt.Errorf("column %q has %d values for %d rows", col.Name, len(values), f.NumRows())
	}
	out := &Frame{Schema: f.Schema.Clone(), Cols: make([][]any, len(f.Cols))}
	copy(out.Cols, f.Cols)
	if i := out.Schema.Index(col.Name); i >= 0 {
		out.Schema[i] = col
		out.Cols[i] = values
		return out, nil
	}
	out.Schema = append(out.Schema, col)
	out.Cols = append(out.Cols, values)
	return out, nil
}

// UniqueKeep selects which row survives duplicate elimination.
type UniqueKeep string

const (
	KeepFirst UniqueKeep = "first"
	KeepLast  UniqueKeep = "last"
)

// Unique removes duplicate rows over the given subset (all columns when
// empty), keeping the first or last occurrence.
func (f *Frame) Unique(subset []string, keep UniqueKeep) (*Frame, error) {
	if len(subset) == 0 {
		subset = f.Schema.Names()
	}
	cols, err := columnIndices(f, subset)
	if err != nil {
		return nil, err
	}
	seen := map[string]int{}
	order := []string{}
	for i := 0; i < f.NumRows(); i++ {
		k := rowKey(f, cols, i)
		if _, ok := seen[k]; !ok {
			order = append(order, k)
			seen[k] = i
		} else if keep == KeepLast {
			seen[k] = i
		}
	}
	idx := make([]int, 0, len(order))
	for _, k := range order {
		idx = append(idx, seen[k])
	}
	return f.Gather(idx), nil
}

// Slice returns rows [offset, offset+n).
func (f *Frame) Slice(offset, n int) *Frame {
	total := f.NumRows()
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + n
	if n < 0 || end > total {
		end = total
	}
	idx := make([]int, 0, end-offset)
	for i := offset; i < end; i++ {
		idx = append(idx, i)
	}
	return f.Gather(idx)
}

// JoinHow selects the join strategy.
type JoinHow string

const (
	JoinInner JoinHow = "inner"
	JoinLeft  JoinHow = "left"
	JoinRight JoinHow = "right"
	JoinOuter JoinHow = "outer"
	JoinSemi  JoinHow = "semi"
	JoinAnti  JoinHow = "anti"
)

// RightSuffix disambiguates right-hand columns colliding with left names.
const RightSuffix = "_right"

// Join performs an equi-join on the given key columns. Colliding non-key
// right columns are suffixed with RightSuffix. Key columns appear once,
// from the left side.
func Join(left, right *Frame, how JoinHow, leftOn, rightOn []string) (*Frame, error) {
	if len(leftOn) == 0 || len(leftOn) != len(rightOn) {
		return nil, fmt.Errorf("join requires matching non-empty key lists (got %d and %d)", len(leftOn), len(rightOn))
	}
	lk, err := columnIndices(left, leftOn)
	if err != nil {
		return nil, fmt.Errorf("left join keys: %w", err)
	}
	rk, err := columnIndices(right, rightOn)
	if err != nil {
		return nil, fmt.Errorf("right join keys: %w", err)
	}

	outSchema, rightCols, err := joinedSchema(left, right, rightOn)
	if err != nil {
		return nil, err
	}

	// Index the right side.
	rIndex := map[string][]int{}
	for i := 0; i < right.NumRows(); i++ {
		k := rowKey(right, rk, i)
		rIndex[k] = append(rIndex[k], i)
	}

	out := New(outSchema)
	rMatched := make([]bool, right.NumRows())
	appendPair := func(li, ri int) error {
		row := make([]any, 0, len(outSchema))
		if li >= 0 {
			row = append(row, left.Row(li)...)
		} else {
			for range left.Schema {
				row = append(row, nil)
			}
			// Key columns take the right side's values on right/outer fill.
			for i, c := range lk {
				row[c] = right.Cols[rk[i]][ri]
			}
		}
		for _, rc := range rightCols {
			if ri >= 0 {
				row = append(row, right.Cols[rc][ri])
			} else {
				row = append(row, nil)
			}
		}
		return out.AppendRow(row)
	}

	for li := 0; li < left.NumRows(); li++ {
		matches := rIndex[rowKey(left, lk, li)]
		switch how {
		case JoinSemi:
			if len(matches) > 0 {
				if err := appendPair(li, -1); err != nil {
					return nil, err
				}
			}
			continue
		case JoinAnti:
			if len(matches) == 0 {
				if err := appendPair(li, -1); err != nil {
					return nil, err
				}
			}
			continue
		}
		if len(matches) == 0 {
			if how == JoinLeft || how == JoinOuter {
				if err := appendPair(li, -1); err != nil {
					return nil, err
				}
			}
			continue
		}
		for _, ri := range matches {
			rMatched[ri] = true
			if err := appendPair(li, ri); err != nil {
				return nil, err
			}
		}
	}
	if how == JoinRight || how == JoinOuter {
		for ri := 0; ri < right.NumRows(); ri++ {
			if !rMatched[ri] {
				if err := appendPair(-1, ri); err != nil {
					return nil, err
				}
			}
		}
	}
	if how == JoinSemi || how == JoinAnti {
		// Semi/anti joins keep only left columns.
		return out.SelectColumns(left.Schema.Names())
	}
	return out, nil
}

func joinedSchema(left, right *Frame, rightOn []string) (schema.Schema, []int, error) {
	isKey := map[string]bool{}
	for _, n := range rightOn {
		isKey[n] = true
	}
	outSchema := left.Schema.Clone()
	rightCols := []int{}
	for i, c := range right.Schema {
		if isKey[c.Name] {
			continue
		}
		name := c.Name
		if outSchema.Has(name) {
			name += RightSuffix
			if outSchema.Has(name) {
				return nil, nil, fmt.Errorf("join output column collision on %q", name)
			}
		}
		outSchema = append(outSchema, schema.Column{Name: name, Type: c.Type, Nullable: true})
		rightCols = append(rightCols, i)
	}
	return outSchema, rightCols, outSchema.Validate()
}

// CrossJoin produces the cartesian product of two frames.
func CrossJoin(left, right *Frame) (*Frame, error) {
	outSchema := left.Schema.Clone()
	for _, c := range right.Schema {
		name := c.Name
		if outSchema.Has(name) {
			name += RightSuffix
		}
		outSchema = append(outSchema, schema.Column{Name: name, Type: c.Type, Nullable: c.Nullable})
	}
	if err := outSchema.Validate(); err != nil {
		return nil, err
	}
	out := New(outSchema)
	for li := 0; li < left.NumRows(); li++ {
		lrow := left.Row(li)
		for ri := 0; ri < right.NumRows(); ri++ {
			if err := out.AppendRow(append(append([]any{}, lrow...), right.Row(ri)...)); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// UnionSchema computes the diagonal-relaxed union schema: the first input's
// columns in order, then new columns from later inputs in first-seen order.
// Conflicting column types relax to String when not assignable either way.
func UnionSchema(inputs []schema.Schema) (schema.Schema, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("union requires at least one input")
	}
	out := inputs[0].Clone()
	for _, in := range inputs[1:] {
		for _, c := range in {
			i := out.Index(c.Name)
			if i < 0 {
				nc := c
				nc.Nullable = true
				out = append(out, nc)
				continue
			}
			if out[i].Type.Equal(c.Type) {
				continue
			}
			switch {
			case schema.Assignable(c.Type, out[i].Type):
				// keep
			case schema.Assignable(out[i].Type, c.Type):
				out[i].Type = c.Type
			default:
				out[i].Type = schema.Of(schema.String)
			}
		}
	}
	return out, out.Validate()
}

// Union stacks frames with diagonal relaxation: missing columns fill null.
// Input order defines both row order and column alignment.
func Union(inputs []*Frame) (*Frame, error) {
	schemas := make([]schema.Schema, len(inputs))
	for i, f := range inputs {
		schemas[i] = f.Schema
	}
	outSchema, err := UnionSchema(schemas)
	if err != nil {
		return nil, err
	}
	out := New(outSchema)
	for _, f := range inputs {
		lookup := make([]int, len(outSchema))
		for i, c := range outSchema {
			lookup[i] = f.Schema.Index(c.Name)
		}
		for r := 0; r < f.NumRows(); r++ {
			row := make([]any, len(outSchema))
			for i, src := range lookup {
				if src >= 0 {
					v, err := Coerce(f.Cols[src][r], outSchema[i].Type)
					if err != nil {
						return nil, fmt.Errorf("union column %q: %w", outSchema[i].Name, err)
					}
					row[i] = v
				}
			}
			if err := out.AppendRow(row); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// TextToRows splits a string column on a separator and explodes each part
// into its own row. Output lands in outCol (defaults to the source column).
func (f *Frame) TextToRows(column, sep, outCol string) (*Frame, error) {
	ci := f.Schema.Index(column)
	if ci < 0 {
		return nil, fmt.Errorf("column %q not found in %s", column, f.Schema)
	}
	if sep == "" {
		sep = ","
	}
	if outCol == "" {
		outCol = column
	}
	outSchema := f.Schema.Clone()
	if oi := outSchema.Index(outCol); oi >= 0 {
		outSchema[oi].Type = schema.Of(schema.String)
	} else {
		outSchema = append(outSchema, schema.Column{Name: outCol, Type: schema.Of(schema.String), Nullable: true})
	}
	out := New(outSchema)
	for r := 0; r < f.NumRows(); r++ {
		cell := f.Cols[ci][r]
		parts := []any{nil}
		if s, ok := cell.(string); ok {
			split := strings.Split(s, sep)
			parts = make([]any, len(split))
			for i, p := range split {
				parts[i] = strings.TrimSpace(p)
			}
		}
		base := f.RowMap(r)
		for _, p := range parts {
			row := make([]any, len(outSchema))
			for i, c := range outSchema {
				if c.Name == outCol {
					row[i] = p
					continue
				}
				row[i] = base[c.Name]
			}
			if err := out.AppendRow(row); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// WithRecordID prepends a 1-based row index column.
func (f *Frame) WithRecordID(name string, offset int64) (*Frame, error) {
	if name == "" {
		name = "record_id"
	}
	if f.Schema.Has(name) {
		return nil, fmt.Errorf("record id column %q already exists", name)
	}
	ids := make([]any, f.NumRows())
	for i := range ids {
		ids[i] = offset + int64(i)
	}
	outSchema := append(schema.Schema{{Name: name, Type: schema.Of(schema.Int64)}}, f.Schema.Clone()...)
	out := &Frame{Schema: outSchema, Cols: append([][]any{ids}, f.Cols...)}
	return out, out.Schema.Validate()
}
