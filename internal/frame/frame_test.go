package frame

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/flowforge-io/flowforge/internal/schema"
)

func testFrame(t *testing.T) *Frame {
	t.Helper()
	f := New(schema.Schema{
		{Name: "id", Type: schema.Of(schema.Int64)},
		{Name: "name", Type: schema.Of(schema.String)},
		{Name: "value", Type: schema.Of(schema.Float64), Nullable: true},
	})
	rows := [][]any{
		{int64(1), "alpha", 5.0},
		{int64(2), "beta", 15.0},
		{int64(3), "gamma", 25.0},
		{int64(4), "delta", nil},
	}
	for _, r := range rows {
		if err := f.AppendRow(r); err != nil {
			t.Fatalf("AppendRow: %v", err)
		}
	}
	return f
}

func TestFilterAndSort(t *testing.T) {
	f := testFrame(t)
	got, err := f.Filter("value != nil && value > 10")
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if got.NumRows() != 2 {
		t.Fatalf("filtered rows = %d, want 2", got.NumRows())
	}
	sorted, err := got.SortBy([]SortKey{{Column: "value", Descending: true}})
	if err != nil {
		t.Fatalf("SortBy: %v", err)
	}
	vals, _ := sorted.Column("value")
	if vals[0] != 25.0 || vals[1] != 15.0 {
		t.Fatalf("unexpected sort order: %v", vals)
	}
}

func TestSortNullsFirst(t *testing.T) {
	f := testFrame(t)
	sorted, err := f.SortBy([]SortKey{{Column: "value"}})
	if err != nil {
		t.Fatalf("SortBy: %v", err)
	}
	vals, _ := sorted.Column("value")
	if vals[0] != nil {
		t.Fatalf("nulls must sort first, got %v", vals[0])
	}
}

func TestSelectAndRename(t *testing.T) {
	f := testFrame(t)
	sel, err := f.SelectColumns([]string{"value", "id"})
	if err != nil {
		t.Fatalf("SelectColumns: %v", err)
	}
	if sel.Schema.String() != "[value:Float64, id:Int64]" {
		t.Fatalf("unexpected schema: %s", sel.Schema)
	}
	ren, err := f.RenameColumns(map[string]string{"name": "label"})
	if err != nil {
		t.Fatalf("RenameColumns: %v", err)
	}
	if !ren.Schema.Has("label") || ren.Schema.Has("name") {
		t.Fatalf("rename failed: %s", ren.Schema)
	}
	if _, err := f.SelectColumns([]string{"nope"}); err == nil {
		t.Fatal("expected missing-column error")
	}
}

func TestUnique(t *testing.T) {
	f := New(schema.Schema{{Name: "k", Type: schema.Of(schema.String)}, {Name: "n", Type: schema.Of(schema.Int64)}})
	for _, r := range [][]any{{"a", int64(1)}, {"b", int64(2)}, {"a", int64(3)}} {
		if err := f.AppendRow(r); err != nil {
			t.Fatal(err)
		}
	}
	first, err := f.Unique([]string{"k"}, KeepFirst)
	if err != nil {
		t.Fatalf("Unique: %v", err)
	}
	ns, _ := first.Column("n")
	if len(ns) != 2 || ns[0] != int64(1) {
		t.Fatalf("keep first: %v", ns)
	}
	last, err := f.Unique([]string{"k"}, KeepLast)
	if err != nil {
		t.Fatalf("Unique: %v", err)
	}
	ns, _ = last.Column("n")
	if ns[0] != int64(3) {
		t.Fatalf("keep last: %v", ns)
	}
}

func TestInnerJoinSuffixesRightDuplicate(t *testing.T) {
	a := New(schema.Schema{{Name: "k", Type: schema.Of(schema.Int64)}, {Name: "v", Type: schema.Of(schema.Int64)}})
	b := New(schema.Schema{{Name: "k", Type: schema.Of(schema.Int64)}, {Name: "v", Type: schema.Of(schema.Int64)}})
	for _, r := range [][]any{{int64(1), int64(10)}, {int64(2), int64(20)}} {
		if err := a.AppendRow(r); err != nil {
			t.Fatal(err)
		}
	}
	for _, r := range [][]any{{int64(2), int64(200)}, {int64(3), int64(300)}} {
		if err := b.AppendRow(r); err != nil {
			t.Fatal(err)
		}
	}
	j, err := Join(a, b, JoinInner, []string{"k"}, []string{"k"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if j.Schema.String() != "[k:Int64, v:Int64, v_right:Int64]" {
		t.Fatalf("join schema: %s", j.Schema)
	}
	if j.NumRows() != 1 {
		t.Fatalf("inner join rows = %d, want 1", j.NumRows())
	}
	if j.Cols[2][0] != int64(200) {
		t.Fatalf("v_right = %v", j.Cols[2][0])
	}
}

func TestOuterJoinFillsNulls(t *testing.T) {
	a := New(schema.Schema{{Name: "k", Type: schema.Of(schema.Int64)}, {Name: "l", Type: schema.Of(schema.String)}})
	b := New(schema.Schema{{Name: "k", Type: schema.Of(schema.Int64)}, {Name: "r", Type: schema.Of(schema.String)}})
	_ = a.AppendRow([]any{int64(1), "left"})
	_ = b.AppendRow([]any{int64(2), "right"})
	j, err := Join(a, b, JoinOuter, []string{"k"}, []string{"k"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if j.NumRows() != 2 {
		t.Fatalf("outer join rows = %d, want 2", j.NumRows())
	}
	keys, _ := j.Column("k")
	if keys[1] != int64(2) {
		t.Fatalf("outer fill must carry right key, got %v", keys[1])
	}
}

func TestCrossJoin(t *testing.T) {
	a := New(schema.Schema{{Name: "x", Type: schema.Of(schema.Int64)}})
	b := New(schema.Schema{{Name: "y", Type: schema.Of(schema.Int64)}})
	for i := int64(0); i < 3; i++ {
		_ = a.AppendRow([]any{i})
	}
	for i := int64(0); i < 2; i++ {
		_ = b.AppendRow([]any{i})
	}
	j, err := CrossJoin(a, b)
	if err != nil {
		t.Fatalf("CrossJoin: %v", err)
	}
	if j.NumRows() != 6 {
		t.Fatalf("cross join rows = %d, want 6", j.NumRows())
	}
}

func TestUnionDiagonalRelaxed(t *testing.T) {
	a := New(schema.Schema{{Name: "id", Type: schema.Of(schema.Int64)}, {Name: "a", Type: schema.Of(schema.String)}})
	b := New(schema.Schema{{Name: "id", Type: schema.Of(schema.Int64)}, {Name: "b", Type: schema.Of(schema.Boolean)}})
	_ = a.AppendRow([]any{int64(1), "x"})
	_ = b.AppendRow([]any{int64(2), true})
	u, err := Union([]*Frame{a, b})
	if err != nil {
		t.Fatalf("Union: %v", err)
	}
	if u.Schema.String() != "[id:Int64, a:String, b:Boolean]" {
		t.Fatalf("union schema: %s", u.Schema)
	}
	if u.NumRows() != 2 {
		t.Fatalf("union rows = %d", u.NumRows())
	}
	as, _ := u.Column("a")
	if as[1] != nil {
		t.Fatalf("missing column must fill null, got %v", as[1])
	}
}

func TestGroupBy(t *testing.T) {
	f := New(schema.Schema{{Name: "g", Type: schema.Of(schema.String)}, {Name: "v", Type: schema.Of(schema.Int64)}})
	for _, r := range [][]any{{"a", int64(1)}, {"a", int64(3)}, {"b", int64(10)}} {
		_ = f.AppendRow(r)
	}
	got, err := f.GroupBy([]string{"g"}, []Aggregation{
		{Column: "v", Func: AggSum},
		{Column: "v", Func: AggCount, As: "n"},
		{Column: "v", Func: AggMean, As: "avg"},
	})
	if err != nil {
		t.Fatalf("GroupBy: %v", err)
	}
	if got.Schema.String() != "[g:String, v_sum:Int64, n:Int64, avg:Float64]" {
		t.Fatalf("groupby schema: %s", got.Schema)
	}
	sums, _ := got.Column("v_sum")
	if sums[0] != int64(4) || sums[1] != int64(10) {
		t.Fatalf("sums: %v", sums)
	}
	avgs, _ := got.Column("avg")
	if avgs[0] != 2.0 {
		t.Fatalf("mean: %v", avgs[0])
	}
}

func TestPivotUnpivot(t *testing.T) {
	f := New(schema.Schema{
		{Name: "region", Type: schema.Of(schema.String)},
		{Name: "quarter", Type: schema.Of(schema.String)},
		{Name: "sales", Type: schema.Of(schema.Int64)},
	})
	for _, r := range [][]any{
		{"east", "q1", int64(10)}, {"east", "q2", int64(20)}, {"west", "q1", int64(5)},
	} {
		_ = f.AppendRow(r)
	}
	p, err := f.Pivot([]string{"region"}, "quarter", "sales", AggSum)
	if err != nil {
		t.Fatalf("Pivot: %v", err)
	}
	if p.Schema.String() != "[region:String, q1:Int64, q2:Int64]" {
		t.Fatalf("pivot schema: %s", p.Schema)
	}
	q2, _ := p.Column("q2")
	if q2[1] != nil {
		t.Fatalf("missing pivot cell must be null, got %v", q2[1])
	}

	u, err := f.Unpivot([]string{"region"}, []string{"quarter", "sales"}, "", "")
	if err != nil {
		t.Fatalf("Unpivot: %v", err)
	}
	if u.NumRows() != 6 {
		t.Fatalf("unpivot rows = %d, want 6", u.NumRows())
	}
	if u.Schema.String() != "[region:String, variable:String, value:String]" {
		t.Fatalf("unpivot schema: %s", u.Schema)
	}
}

func TestFormulaAndCode(t *testing.T) {
	f := testFrame(t)
	got, err := f.WithFormula("double", "id * 2", schema.Of(schema.Int64))
	if err != nil {
		t.Fatalf("WithFormula: %v", err)
	}
	ds, _ := got.Column("double")
	if ds[2] != int64(6) {
		t.Fatalf("double = %v", ds[2])
	}

	coded, err := f.ApplyCode([]CodeAssignment{
		{Column: "upper", Source: `upper(name)`},
		{Column: "flag", Source: `id > 2`},
	})
	if err != nil {
		t.Fatalf("ApplyCode: %v", err)
	}
	up, _ := coded.Column("upper")
	if up[0] != "ALPHA" {
		t.Fatalf("upper = %v", up[0])
	}
	fl, ok := coded.Schema.Find("flag")
	if !ok || fl.Type.Base != schema.Boolean {
		t.Fatalf("flag type = %v", fl.Type)
	}
}

func TestPredictCodeType(t *testing.T) {
	in := schema.Schema{{Name: "id", Type: schema.Of(schema.Int64)}}
	if got := PredictCodeType("id + 1", in); got.Base != schema.Int64 {
		t.Fatalf("predicted %s", got)
	}
	if got := PredictCodeType(`"x"`, in); got.Base != schema.String {
		t.Fatalf("predicted %s", got)
	}
}

func TestTextToRows(t *testing.T) {
	f := New(schema.Schema{{Name: "id", Type: schema.Of(schema.Int64)}, {Name: "tags", Type: schema.Of(schema.String)}})
	_ = f.AppendRow([]any{int64(1), "a, b, c"})
	_ = f.AppendRow([]any{int64(2), "d"})
	got, err := f.TextToRows("tags", ",", "")
	if err != nil {
		t.Fatalf("TextToRows: %v", err)
	}
	if got.NumRows() != 4 {
		t.Fatalf("rows = %d, want 4", got.NumRows())
	}
	tags, _ := got.Column("tags")
	if tags[1] != "b" {
		t.Fatalf("tags[1] = %v", tags[1])
	}
}

func TestRecordID(t *testing.T) {
	f := testFrame(t)
	got, err := f.WithRecordID("", 1)
	if err != nil {
		t.Fatalf("WithRecordID: %v", err)
	}
	if got.Schema[0].Name != "record_id" {
		t.Fatalf("record id must lead: %s", got.Schema)
	}
	ids, _ := got.Column("record_id")
	if ids[3] != int64(4) {
		t.Fatalf("ids: %v", ids)
	}
}

func TestFuzzyMatch(t *testing.T) {
	a := New(schema.Schema{{Name: "name", Type: schema.Of(schema.String)}})
	b := New(schema.Schema{{Name: "name", Type: schema.Of(schema.String)}, {Name: "id", Type: schema.Of(schema.Int64)}})
	_ = a.AppendRow([]any{"jonathan"})
	_ = a.AppendRow([]any{"zzz"})
	_ = b.AppendRow([]any{"jonathon", int64(7)})
	got, err := FuzzyMatch(a, b, []string{"name"}, []string{"name"}, 0.8)
	if err != nil {
		t.Fatalf("FuzzyMatch: %v", err)
	}
	if got.NumRows() != 1 {
		t.Fatalf("fuzzy rows = %d, want 1", got.NumRows())
	}
	if !got.Schema.Has("fuzzy_score") {
		t.Fatalf("missing score column: %s", got.Schema)
	}
}

func TestGraphSolve(t *testing.T) {
	f := New(schema.Schema{{Name: "from", Type: schema.Of(schema.String)}, {Name: "to", Type: schema.Of(schema.String)}})
	for _, r := range [][]any{{"a", "b"}, {"b", "c"}, {"x", "y"}} {
		_ = f.AppendRow(r)
	}
	got, err := f.GraphSolve("from", "to", "")
	if err != nil {
		t.Fatalf("GraphSolve: %v", err)
	}
	ids, _ := got.Column("group")
	if ids[0] != ids[1] {
		t.Fatalf("a-b and b-c must share a component: %v", ids)
	}
	if ids[0] == ids[2] {
		t.Fatalf("x-y must be a separate component: %v", ids)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	f := testFrame(t)
	var buf bytes.Buffer
	if err := f.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Schema.Equal(f.Schema) {
		t.Fatalf("schema mismatch: %s vs %s", got.Schema, f.Schema)
	}
	if got.NumRows() != f.NumRows() {
		t.Fatalf("row count mismatch")
	}
	vals, _ := got.Column("value")
	if vals[3] != nil || vals[1] != 15.0 {
		t.Fatalf("values survived badly: %v", vals)
	}
}

func TestCSVRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")
	f := testFrame(t)
	if err := f.WriteCSV(path); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	got, err := ReadCSV(path, f.Schema)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if got.NumRows() != 4 {
		t.Fatalf("rows = %d", got.NumRows())
	}
	vals, _ := got.Column("value")
	if vals[3] != nil {
		t.Fatalf("empty cell must decode null, got %v", vals[3])
	}
}

func TestReadCSVMissingDeclaredColumn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.csv")
	if err := os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := ReadCSV(path, schema.Schema{{Name: "missing", Type: schema.Of(schema.Int64)}})
	if err == nil {
		t.Fatal("expected missing-column error")
	}
}
