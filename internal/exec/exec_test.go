package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/flowforge-io/flowforge/internal/frame"
	"github.com/flowforge-io/flowforge/internal/plan"
	"github.com/flowforge-io/flowforge/internal/schema"
	"github.com/flowforge-io/flowforge/internal/task"
)

func writeCSV(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "in.csv")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func scanNode(path string) *plan.Node {
	return plan.NewNode(plan.OpScanCSV, map[string]any{
		"path": path,
		"columns": []any{
			map[string]any{"name": "id", "data_type": "Int64"},
			map[string]any{"name": "v", "data_type": "Int64"},
		},
	})
}

func TestRunFilterSortThroughBlob(t *testing.T) {
	p := writeCSV(t, "id,v\n1,30\n2,10\n3,20\n")
	root := plan.NewNode(plan.OpSort, map[string]any{
		"by": []any{map[string]any{"column": "v", "descending": false}},
	}, plan.NewNode(plan.OpFilter, map[string]any{"predicate": "v > 10"}, scanNode(p)))

	// Round-trip the blob so the interpreter sees msgpack-decoded args.
	blob, err := plan.EncodeBlob(root)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := plan.DecodeBlob(blob)
	if err != nil {
		t.Fatal(err)
	}

	in := &Interpreter{}
	out, err := in.Run(context.Background(), decoded)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	v, _ := out.Column("v")
	if len(v) != 2 || v[0] != int64(20) || v[1] != int64(30) {
		t.Fatalf("v = %v", v)
	}
}

func TestRunMissingSourceIsInputMissing(t *testing.T) {
	in := &Interpreter{}
	_, err := in.Run(context.Background(), scanNode("/nonexistent/in.csv"))
	var te *task.Error
	if !errors.As(err, &te) || te.Kind != task.KindInputMissing {
		t.Fatalf("err = %v, want input_missing", err)
	}
}

func TestRunCancellation(t *testing.T) {
	p := writeCSV(t, "id,v\n1,1\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := &Interpreter{}
	_, err := in.Run(ctx, scanNode(p))
	var te *task.Error
	if !errors.As(err, &te) || te.Kind != task.KindCancelled {
		t.Fatalf("err = %v, want cancelled", err)
	}
}

type mapCache map[string]*frame.Frame

func (m mapCache) Load(fp string) (*frame.Frame, error) {
	f, ok := m[fp]
	if !ok {
		return nil, fmt.Errorf("no payload for %s", fp)
	}
	return f, nil
}

func TestRunScanCache(t *testing.T) {
	cached := frame.New(schema.Schema{{Name: "x", Type: schema.Of(schema.Int64)}})
	if err := cached.AppendRow([]any{41}); err != nil {
		t.Fatal(err)
	}
	in := &Interpreter{Cache: mapCache{"abc": cached}}
	root := plan.NewNode(plan.OpFormula, map[string]any{
		"column": "y", "expression": "x + 1", "data_type": "Int64",
	}, plan.NewNode(plan.OpScanCache, map[string]any{"fingerprint": "abc"}))
	out, err := in.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	y, _ := out.Column("y")
	if y[0] != int64(42) {
		t.Fatalf("y = %v", y)
	}
}

func TestRunScanCacheMissIsInputMissing(t *testing.T) {
	in := &Interpreter{Cache: mapCache{}}
	_, err := in.Run(context.Background(), plan.NewNode(plan.OpScanCache, map[string]any{"fingerprint": "gone"}))
	var te *task.Error
	if !errors.As(err, &te) || te.Kind != task.KindInputMissing {
		t.Fatalf("err = %v, want input_missing", err)
	}
}

func TestRunUnknownOpIsValidation(t *testing.T) {
	in := &Interpreter{}
	_, err := in.Run(context.Background(), plan.NewNode("frobnicate", nil))
	var te *task.Error
	if !errors.As(err, &te) || te.Kind != task.KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestRunGroupByThroughBlob(t *testing.T) {
	p := writeCSV(t, "id,v\n1,10\n1,20\n2,5\n")
	root := plan.NewNode(plan.OpGroupBy, map[string]any{
		"keys": []any{"id"},
		"aggregations": []any{
			map[string]any{"column": "v", "func": "sum", "as": "total"},
		},
	}, scanNode(p))
	blob, _ := plan.EncodeBlob(root)
	decoded, _ := plan.DecodeBlob(blob)
	out, err := (&Interpreter{}).Run(context.Background(), decoded)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Schema.String() != "[id:Int64, total:Int64]" {
		t.Fatalf("schema = %s", out.Schema)
	}
	total, _ := out.Column("total")
	if total[0] != int64(30) || total[1] != int64(5) {
		t.Fatalf("total = %v", total)
	}
}

func TestRunWriteCSV(t *testing.T) {
	src := writeCSV(t, "id,v\n1,1\n")
	dst := filepath.Join(t.TempDir(), "out.csv")
	root := plan.NewNode(plan.OpWriteCSV, map[string]any{"path": dst}, scanNode(src))
	if _, err := (&Interpreter{}).Run(context.Background(), root); err != nil {
		t.Fatalf("Run: %v", err)
	}
	raw, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	if string(raw) != "id,v\n1,1\n" {
		t.Fatalf("output = %q", raw)
	}
}
