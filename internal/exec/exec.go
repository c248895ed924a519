// Package exec interprets lazy plans against the frame runtime. It is the
// only place plan ops gain meaning; both the worker process and the
// in-process executor run plans through it.
package exec

import (
	"context"
	"fmt"

	"github.com/flowforge-io/flowforge/internal/frame"
	"github.com/flowforge-io/flowforge/internal/plan"
	"github.com/flowforge-io/flowforge/internal/schema"
	"github.com/flowforge-io/flowforge/internal/task"
)

// CacheReader resolves scan_cache ops. Load must verify integrity; a
// vanished or corrupt payload returns an error.
type CacheReader interface {
	Load(fingerprint string) (*frame.Frame, error)
}

// Interpreter evaluates plan trees. Cache may be nil when plans are known
// to contain no scan_cache ops.
type Interpreter struct {
	Cache CacheReader
}

// Run evaluates the plan bottom-up, checking for cancellation between
// operators. Errors come back classified.
func (in *Interpreter) Run(ctx context.Context, root *plan.Node) (*frame.Frame, error) {
	if root == nil {
		return nil, task.Errorf(task.KindValidation, "empty plan")
	}
	f, err := in.eval(ctx, root)
	if err != nil {
		return nil, task.Classify(err)
	}
	return f, nil
}

func (in *Interpreter) eval(ctx context.Context, n *plan.Node) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inputs := make([]*frame.Frame, len(n.Inputs))
	for i, c := range n.Inputs {
		f, err := in.eval(ctx, c)
		if err != nil {
			return nil, err
		}
		inputs[i] = f
	}

	switch n.Op {
	case plan.OpScanCSV:
		return in.scanCSV(n)
	case plan.OpScanCache:
		return in.scanCache(n)
	case plan.OpFilter:
		return inputs[0].Filter(n.StringArg("predicate"))
	case plan.OpSelect:
		f, err := inputs[0].SelectColumns(n.StringsArg("columns"))
		if err != nil {
			return nil, err
		}
		renames := stringMapArg(n, "rename")
		if len(renames) == 0 {
			return f, nil
		}
		return f.RenameColumns(renames)
	case plan.OpSort:
		keys := []frame.SortKey{}
		for _, m := range n.MapsArg("by") {
			keys = append(keys, frame.SortKey{
				Column:     mapString(m, "column"),
				Descending: mapBool(m, "descending"),
			})
		}
		return inputs[0].SortBy(keys)
	case plan.OpUnique:
		return inputs[0].Unique(n.StringsArg("subset"), frame.UniqueKeep(n.StringArg("keep")))
	case plan.OpSample:
		return inputs[0].Slice(n.IntArg("offset", 0), n.IntArg("rows", 100)), nil
	case plan.OpJoin:
		return frame.Join(inputs[0], inputs[1],
			frame.JoinHow(n.StringArg("how")),
			n.StringsArg("left_on"), n.StringsArg("right_on"))
	case plan.OpCrossJoin:
		return frame.CrossJoin(inputs[0], inputs[1])
	case plan.OpUnion:
		return frame.Union(inputs)
	case plan.OpGroupBy:
		aggs := []frame.Aggregation{}
		for _, m := range n.MapsArg("aggregations") {
			aggs = append(aggs, frame.Aggregation{
				Column: mapString(m, "column"),
				Func:   frame.AggFunc(mapString(m, "func")),
				As:     mapString(m, "as"),
			})
		}
		return inputs[0].GroupBy(n.StringsArg("keys"), aggs)
	case plan.OpPivot:
		return inputs[0].Pivot(
			n.StringsArg("index"),
			n.StringArg("pivot_column"),
			n.StringArg("value_column"),
			frame.AggFunc(n.StringArg("aggregation")))
	case plan.OpUnpivot:
		return inputs[0].Unpivot(
			n.StringsArg("index"), n.StringsArg("on"),
			n.StringArg("variable_name"), n.StringArg("value_name"))
	case plan.OpFormula:
		t := schema.Of(schema.Unknown)
		if dt := n.StringArg("data_type"); dt != "" {
			var err error
			t, err = schema.Parse(dt)
			if err != nil {
				return nil, task.Errorf(task.KindValidation, "formula data type: %v", err)
			}
		} else {
			t = frame.PredictCodeType(n.StringArg("expression"), inputs[0].Schema)
		}
		return inputs[0].WithFormula(n.StringArg("column"), n.StringArg("expression"), t)
	case plan.OpRecordID:
		return inputs[0].WithRecordID(n.StringArg("column"), int64(n.IntArg("offset", 1)))
	case plan.OpTextToRows:
		return inputs[0].TextToRows(n.StringArg("column"), n.StringArg("separator"), n.StringArg("output_column"))
	case plan.OpCode:
		assigns := []frame.CodeAssignment{}
		for _, m := range n.MapsArg("assignments") {
			assigns = append(assigns, frame.CodeAssignment{
				Column: mapString(m, "column"),
				Source: mapString(m, "expression"),
			})
		}
		return inputs[0].ApplyCode(assigns)
	case plan.OpGraphSolve:
		return inputs[0].GraphSolve(
			n.StringArg("from_column"), n.StringArg("to_column"), n.StringArg("output_column"))
	case plan.OpFuzzyMatch:
		return frame.FuzzyMatch(inputs[0], inputs[1],
			n.StringsArg("left_on"), n.StringsArg("right_on"),
			n.FloatArg("threshold", 0.8))
	case plan.OpWriteCSV:
		if err := inputs[0].WriteCSV(n.StringArg("path")); err != nil {
			return nil, err
		}
		return inputs[0], nil
	case plan.OpPassThru:
		return inputs[0], nil
	}
	return nil, task.Errorf(task.KindValidation, "unknown plan op %q", n.Op)
}

func (in *Interpreter) scanCSV(n *plan.Node) (*frame.Frame, error) {
	cols := schema.Schema{}
	for _, m := range n.MapsArg("columns") {
		t, err := schema.Parse(mapString(m, "data_type"))
		if err != nil {
			return nil, task.Errorf(task.KindValidation, "scan column %q: %v", mapString(m, "name"), err)
		}
		cols = append(cols, schema.Column{
			Name:     mapString(m, "name"),
			Type:     t,
			Nullable: mapBool(m, "nullable"),
		})
	}
	f, err := frame.ReadCSV(n.StringArg("path"), cols)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (in *Interpreter) scanCache(n *plan.Node) (*frame.Frame, error) {
	fp := n.StringArg("fingerprint")
	if in.Cache == nil {
		return nil, task.Errorf(task.KindInternal, "plan references cached result %s but no cache is attached", fp)
	}
	f, err := in.Cache.Load(fp)
	if err != nil {
		return nil, task.Errorf(task.KindInputMissing, "cached input %s: %v", fp, err)
	}
	return f, nil
}

func stringMapArg(n *plan.Node, key string) map[string]string {
	out := map[string]string{}
	switch m := n.Args[key].(type) {
	case map[string]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	case map[any]any:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[fmt.Sprint(k)] = s
			}
		}
	}
	return out
}

func mapString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func mapBool(m map[string]any, key string) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return false
}
