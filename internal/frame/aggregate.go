package frame

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flowforge-io/flowforge/internal/schema"
)

// AggFunc names a supported aggregation.
type AggFunc string

const (
	AggCount AggFunc = "count"
	AggSum   AggFunc = "sum"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
	AggMean  AggFunc = "mean"
	AggFirst AggFunc = "first"
	AggLast  AggFunc = "last"
)

// Aggregation applies Func over Column, emitting As (defaults to
// "<column>_<func>").
type Aggregation struct {
	Column string
	Func   AggFunc
	As     string
}

func (a Aggregation) outputName() string {
	if a.As != "" {
		return a.As
	}
	return a.Column + "_" + string(a.Func)
}

// AggOutputType predicts the output type of an aggregation over a column of
// the given input type.
func AggOutputType(fn AggFunc, in schema.Type) (schema.Type, error) {
	switch fn {
	case AggCount:
		return schema.Of(schema.Int64), nil
	case AggMean:
		if !in.IsNumeric() {
			return schema.Type{}, fmt.Errorf("mean requires a numeric column, got %s", in)
		}
		return schema.Of(schema.Float64), nil
	case AggSum:
		if !in.IsNumeric() {
			return schema.Type{}, fmt.Errorf("sum requires a numeric column, got %s", in)
		}
		if in.IsInteger() {
			return schema.Of(schema.Int64), nil
		}
		return schema.Of(schema.Float64), nil
	case AggMin, AggMax, AggFirst, AggLast:
		return in, nil
	}
	return schema.Type{}, fmt.Errorf("unknown aggregation %q", fn)
}

// GroupBy groups on the key columns and evaluates the aggregations per
// group. Group order follows first appearance of each key.
func (f *Frame) GroupBy(keys []string, aggs []Aggregation) (*Frame, error) {
	keyIdx, err := columnIndices(f, keys)
	if err != nil {
		return nil, err
	}
	aggIdx := make([]int, len(aggs))
	outSchema := schema.Schema{}
	for _, k := range keys {
		c, _ := f.Schema.Find(k)
		outSchema = append(outSchema, c)
	}
	for i, a := range aggs {
		j := f.Schema.Index(a.Column)
		if j < 0 {
			return nil, fmt.Errorf("aggregation column %q not found in %s", a.Column, f.Schema)
		}
		aggIdx[i] = j
		ot, err := AggOutputType(a.Func, f.Schema[j].Type)
		if err != nil {
			return nil, err
		}
		outSchema = append(outSchema, schema.Column{Name: a.outputName(), Type: ot, Nullable: true})
	}
	if err := outSchema.Validate(); err != nil {
		return nil, err
	}

	order := []string{}
	groups := map[string][]int{}
	for r := 0; r < f.NumRows(); r++ {
		k := rowKey(f, keyIdx, r)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	out := New(outSchema)
	for _, k := range order {
		rows := groups[k]
		rec := make([]any, 0, len(outSchema))
		for _, c := range keyIdx {
			rec = append(rec, f.Cols[c][rows[0]])
		}
		for i, a := range aggs {
			v, err := aggregate(a.Func, f.Cols[aggIdx[i]], rows)
			if err != nil {
				return nil, fmt.Errorf("aggregation %s(%s): %w", a.Func, a.Column, err)
			}
			rec = append(rec, v)
		}
		if err := out.AppendRow(rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func aggregate(fn AggFunc, col []any, rows []int) (any, error) {
	switch fn {
	case AggCount:
		n := int64(0)
		for _, r := range rows {
			if col[r] != nil {
				n++
			}
		}
		return n, nil
	case AggFirst:
		for _, r := range rows {
			if col[r] != nil {
				return col[r], nil
			}
		}
		return nil, nil
	case AggLast:
		for i := len(rows) - 1; i >= 0; i-- {
			if col[rows[i]] != nil {
				return col[rows[i]], nil
			}
		}
		return nil, nil
	case AggMin, AggMax:
		var best any
		for _, r := range rows {
			v := col[r]
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			cmp := compareCells(v, best)
			if (fn == AggMin && cmp < 0) || (fn == AggMax && cmp > 0) {
				best = v
			}
		}
		return best, nil
	case AggSum, AggMean:
		sum := float64(0)
		n := 0
		integral := true
		for _, r := range rows {
			v := col[r]
			if v == nil {
				continue
			}
			fv, ok := numericCell(v)
			if !ok {
				return nil, fmt.Errorf("non-numeric cell %T", v)
			}
			if _, isF := v.(float64); isF {
				integral = false
			}
			sum += fv
			n++
		}
		if fn == AggMean {
			if n == 0 {
				return nil, nil
			}
			return sum / float64(n), nil
		}
		if integral {
			return int64(sum), nil
		}
		return sum, nil
	}
	return nil, fmt.Errorf("unknown aggregation %q", fn)
}

// Pivot spreads values of the pivot column into new columns, one per
// distinct value (sorted lexically for a deterministic layout), aggregating
// the value column per (index, pivot value) cell.
func (f *Frame) Pivot(index []string, pivotCol, valueCol string, fn AggFunc) (*Frame, error) {
	pi := f.Schema.Index(pivotCol)
	if pi < 0 {
		return nil, fmt.Errorf("pivot column %q not found in %s", pivotCol, f.Schema)
	}
	vi := f.Schema.Index(valueCol)
	if vi < 0 {
		return nil, fmt.Errorf("value column %q not found in %s", valueCol, f.Schema)
	}
	idxCols, err := columnIndices(f, index)
	if err != nil {
		return nil, err
	}
	valueType, err := AggOutputType(fn, f.Schema[vi].Type)
	if err != nil {
		return nil, err
	}

	// Distinct pivot values, rendered as column names.
	namesSeen := map[string]bool{}
	pivotNames := []string{}
	for r := 0; r < f.NumRows(); r++ {
		n := fmt.Sprint(f.Cols[pi][r])
		if f.Cols[pi][r] == nil {
			n = "null"
		}
		if !namesSeen[n] {
			namesSeen[n] = true
			pivotNames = append(pivotNames, n)
		}
	}
	sort.Strings(pivotNames)

	outSchema := schema.Schema{}
	for _, n := range index {
		c, _ := f.Schema.Find(n)
		outSchema = append(outSchema, c)
	}
	for _, n := range pivotNames {
		outSchema = append(outSchema, schema.Column{Name: n, Type: valueType, Nullable: true})
	}
	if err := outSchema.Validate(); err != nil {
		return nil, err
	}

	order := []string{}
	groups := map[string][]int{}
	for r := 0; r < f.NumRows(); r++ {
		k := rowKey(f, idxCols, r)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	out := New(outSchema)
	for _, k := range order {
		rows := groups[k]
		rec := make([]any, 0, len(outSchema))
		for _, c := range idxCols {
			rec = append(rec, f.Cols[c][rows[0]])
		}
		for _, pn := range pivotNames {
			cellRows := []int{}
			for _, r := range rows {
				n := "null"
				if f.Cols[pi][r] != nil {
					n = fmt.Sprint(f.Cols[pi][r])
				}
				if n == pn {
					cellRows = append(cellRows, r)
				}
			}
			if len(cellRows) == 0 {
				rec = append(rec, nil)
				continue
			}
			v, err := aggregate(fn, f.Cols[vi], cellRows)
			if err != nil {
				return nil, err
			}
			rec = append(rec, v)
		}
		if err := out.AppendRow(rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Unpivot melts the given value columns into (variable, value) rows,
// keeping the index columns. Value cells are rendered to String so mixed
// source types can share one column.
func (f *Frame) Unpivot(index, on []string, varName, valueName string) (*Frame, error) {
	if varName == "" {
		varName = "variable"
	}
	if valueName == "" {
		valueName = "value"
	}
	if len(on) == 0 {
		for _, c := range f.Schema {
			skip := false
			for _, i := range index {
				if c.Name == i {
					skip = true
				}
			}
			if !skip {
				on = append(on, c.Name)
			}
		}
	}
	idxCols, err := columnIndices(f, index)
	if err != nil {
		return nil, err
	}
	onCols, err := columnIndices(f, on)
	if err != nil {
		return nil, err
	}
	outSchema := schema.Schema{}
	for _, n := range index {
		c, _ := f.Schema.Find(n)
		outSchema = append(outSchema, c)
	}
	outSchema = append(outSchema,
		schema.Column{Name: varName, Type: schema.Of(schema.String)},
		schema.Column{Name: valueName, Type: schema.Of(schema.String), Nullable: true},
	)
	if err := outSchema.Validate(); err != nil {
		return nil, err
	}
	out := New(outSchema)
	for r := 0; r < f.NumRows(); r++ {
		for _, oc := range onCols {
			rec := make([]any, 0, len(outSchema))
			for _, c := range idxCols {
				rec = append(rec, f.Cols[c][r])
			}
			rec = append(rec, f.Schema[oc].Name)
			if f.Cols[oc][r] == nil {
				rec = append(rec, nil)
			} else {
				rec = append(rec, fmt.Sprint(f.Cols[oc][r]))
			}
			if err := out.AppendRow(rec); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// FuzzyMatch joins two frames on approximate string equality of the key
// columns, using normalized Levenshtein similarity in [0,1]. Rows pair when
// every key pair scores at least threshold. A "fuzzy_score" column carries
// the mean similarity.
func FuzzyMatch(left, right *Frame, leftOn, rightOn []string, threshold float64) (*Frame, error) {
	if len(leftOn) == 0 || len(leftOn) != len(rightOn) {
		return nil, fmt.Errorf("fuzzy match requires matching non-empty key lists")
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	lk, err := columnIndices(left, leftOn)
	if err != nil {
		return nil, err
	}
	rk, err := columnIndices(right, rightOn)
	if err != nil {
		return nil, err
	}
	outSchema, rightCols, err := joinedSchema(left, right, rightOn)
	if err != nil {
		return nil, err
	}
	scoreName := "fuzzy_score"
	if outSchema.Has(scoreName) {
		return nil, fmt.Errorf("fuzzy match output column collision on %q", scoreName)
	}
	outSchema = append(outSchema, schema.Column{Name: scoreName, Type: schema.Of(schema.Float64)})

	out := New(outSchema)
	for li := 0; li < left.NumRows(); li++ {
		for ri := 0; ri < right.NumRows(); ri++ {
			total := 0.0
			ok := true
			for i := range lk {
				ls := cellString(left.Cols[lk[i]][li])
				rs := cellString(right.Cols[rk[i]][ri])
				sim := similarity(ls, rs)
				if sim < threshold {
					ok = false
					break
				}
				total += sim
			}
			if !ok {
				continue
			}
			row := append([]any{}, left.Row(li)...)
			for _, rc := range rightCols {
				row = append(row, right.Cols[rc][ri])
			}
			row = append(row, total/float64(len(lk)))
			if err := out.AppendRow(row); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func cellString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// similarity is 1 - levenshtein(a,b)/max(len(a),len(b)), case-insensitive.
func similarity(a, b string) float64 {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	if la == 0 || lb == 0 {
		return 0
	}
	d := levenshtein([]rune(a), []rune(b))
	max := la
	if lb > max {
		max = lb
	}
	return 1 - float64(d)/float64(max)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// GraphSolve labels connected components over an edge list held in
// (fromCol, toCol) and emits the component id in outCol. Components are
// numbered from 1 in order of first appearance.
func (f *Frame) GraphSolve(fromCol, toCol, outCol string) (*Frame, error) {
	fi := f.Schema.Index(fromCol)
	if fi < 0 {
		return nil, fmt.Errorf("column %q not found in %s", fromCol, f.Schema)
	}
	ti := f.Schema.Index(toCol)
	if ti < 0 {
		return nil, fmt.Errorf("column %q not found in %s", toCol, f.Schema)
	}
	if outCol == "" {
		outCol = "group"
	}
	if f.Schema.Has(outCol) {
		return nil, fmt.Errorf("output column %q already exists", outCol)
	}

	parent := map[string]string{}
	var find func(x string) string
	find = func(x string) string {
		p, ok := parent[x]
		if !ok || p == x {
			parent[x] = x
			return x
		}
		root := find(p)
		parent[x] = root
		return root
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}
	for r := 0; r < f.NumRows(); r++ {
		union(cellKey(f.Cols[fi][r]), cellKey(f.Cols[ti][r]))
	}

	labels := map[string]int64{}
	next := int64(1)
	ids := make([]any, f.NumRows())
	for r := 0; r < f.NumRows(); r++ {
		root := find(cellKey(f.Cols[fi][r]))
		id, ok := labels[root]
		if !ok {
			id = next
			next++
			labels[root] = id
		}
		ids[r] = id
	}
	return f.WithColumn(schema.Column{Name: outCol, Type: schema.Of(schema.Int64)}, ids)
}
