package outputfields

import (
	"testing"

	"github.com/flowforge-io/flowforge/internal/frame"
	"github.com/flowforge-io/flowforge/internal/schema"
)

func sampleFrame(t *testing.T) *frame.Frame {
	t.Helper()
	s := schema.Schema{
		{Name: "id", Type: schema.Of(schema.Int64)},
		{Name: "name", Type: schema.Of(schema.String)},
		{Name: "debug", Type: schema.Of(schema.String)},
	}
	f := frame.New(s)
	for _, row := range [][]any{{1, "ada", "x"}, {2, "bob", "y"}} {
		if err := f.AppendRow(row); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func TestSynthesizedSchema(t *testing.T) {
	c := &Config{
		Enabled:  true,
		Behavior: AddMissing,
		Fields: []Field{
			{Name: "id", DataType: "Int64"},
			{Name: "score", DataType: "Float64"},
		},
	}
	got, err := c.SynthesizedSchema()
	if err != nil {
		t.Fatalf("SynthesizedSchema: %v", err)
	}
	if got.String() != "[id:Int64, score:Float64]" {
		t.Fatalf("schema = %s", got)
	}
}

func TestApplyDisabledPassesThrough(t *testing.T) {
	f := sampleFrame(t)
	out, err := (&Config{}).Apply(f)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out != f {
		t.Fatal("disabled config must not reshape the frame")
	}
}

func TestApplySelectOnly(t *testing.T) {
	c := &Config{
		Enabled: true,
		Fields: []Field{
			{Name: "name", DataType: "String"},
			{Name: "id", DataType: "Int64"},
		},
	}
	out, err := c.Apply(sampleFrame(t))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// Declared order wins and surplus columns are dropped.
	if out.Schema.String() != "[name:String, id:Int64]" {
		t.Fatalf("schema = %s", out.Schema)
	}
	if out.NumRows() != 2 {
		t.Fatalf("rows = %d", out.NumRows())
	}
}

func TestApplySelectOnlyMissingFieldFails(t *testing.T) {
	c := &Config{
		Enabled: true,
		Fields: []Field{
			{Name: "name", DataType: "String"},
			{Name: "missing", DataType: "Int64"},
		},
	}
	if _, err := c.Apply(sampleFrame(t)); err == nil {
		t.Fatal("expected error for declared field absent from the data")
	}
}

func TestApplyAddMissingWithDefault(t *testing.T) {
	c := &Config{
		Enabled:  true,
		Behavior: AddMissing,
		Fields: []Field{
			{Name: "id", DataType: "Int64"},
			{Name: "score", DataType: "Float64", DefaultExpression: "1.5"},
			{Name: "tag", DataType: "String"},
		},
	}
	out, err := c.Apply(sampleFrame(t))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Schema.String() != "[id:Int64, score:Float64, tag:String]" {
		t.Fatalf("schema = %s", out.Schema)
	}
	score, _ := out.Column("score")
	if score[0] != 1.5 || score[1] != 1.5 {
		t.Fatalf("score = %v", score)
	}
	tag, _ := out.Column("tag")
	if tag[0] != nil {
		t.Fatalf("tag default = %v, want null", tag[0])
	}
}

func TestApplyRaiseOnMissing(t *testing.T) {
	c := &Config{
		Enabled:  true,
		Behavior: RaiseOnMissing,
		Fields:   []Field{{Name: "absent", DataType: "Int64"}},
	}
	if _, err := c.Apply(sampleFrame(t)); err == nil {
		t.Fatal("expected error for missing declared field")
	}
}

func TestApplyCoercesDeclaredTypes(t *testing.T) {
	c := &Config{
		Enabled: true,
		Fields:  []Field{{Name: "id", DataType: "String"}},
	}
	out, err := c.Apply(sampleFrame(t))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	id, _ := out.Column("id")
	if id[0] != "1" {
		t.Fatalf("id[0] = %v (%T), want \"1\"", id[0], id[0])
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	bad := []*Config{
		{Enabled: true},
		{Enabled: true, Behavior: "explode", Fields: []Field{{Name: "x", DataType: "Int64"}}},
		{Enabled: true, Fields: []Field{{Name: "x", DataType: "NotAType"}}},
		{Enabled: true, Fields: []Field{{Name: "x", DataType: "Int64"}, {Name: "x", DataType: "Int64"}}},
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("config %d: expected validation error", i)
		}
	}
}
