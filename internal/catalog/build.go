package catalog

import (
	"github.com/flowforge-io/flowforge/internal/plan"
)

// Plan builders translate typed settings into plan nodes. Builders are
// symbolic: the resulting tree is executed elsewhere.

func buildRead(s Settings, _ []*plan.Node) (*plan.Node, error) {
	rs := s.(*ReadSettings)
	cols := make([]any, 0, len(rs.Columns))
	for _, c := range rs.Columns {
		cols = append(cols, map[string]any{
			"name":      c.Name,
			"data_type": c.DataType,
			"nullable":  c.Nullable,
		})
	}
	return plan.NewNode(plan.OpScanCSV, map[string]any{
		"path":    rs.Path,
		"format":  rs.Format,
		"columns": cols,
	}), nil
}

func buildFilter(s Settings, in []*plan.Node) (*plan.Node, error) {
	fs := s.(*FilterSettings)
	return plan.NewNode(plan.OpFilter, map[string]any{"predicate": fs.Predicate}, in[0]), nil
}

func buildSelect(s Settings, in []*plan.Node) (*plan.Node, error) {
	ss := s.(*SelectSettings)
	rename := map[string]any{}
	for k, v := range ss.Rename {
		rename[k] = v
	}
	return plan.NewNode(plan.OpSelect, map[string]any{
		"columns": toAnySlice(ss.Columns),
		"rename":  rename,
	}, in[0]), nil
}

func buildSort(s Settings, in []*plan.Node) (*plan.Node, error) {
	ss := s.(*SortSettings)
	by := make([]any, 0, len(ss.By))
	for _, k := range ss.By {
		by = append(by, map[string]any{"column": k.Column, "descending": k.Descending})
	}
	return plan.NewNode(plan.OpSort, map[string]any{"by": by}, in[0]), nil
}

func buildUnique(s Settings, in []*plan.Node) (*plan.Node, error) {
	us := s.(*UniqueSettings)
	return plan.NewNode(plan.OpUnique, map[string]any{
		"subset": toAnySlice(us.Subset),
		"keep":   us.Keep,
	}, in[0]), nil
}

func buildSample(s Settings, in []*plan.Node) (*plan.Node, error) {
	ss := s.(*SampleSettings)
	return plan.NewNode(plan.OpSample, map[string]any{
		"rows":   ss.Rows,
		"offset": ss.Offset,
	}, in[0]), nil
}

func buildJoin(s Settings, in []*plan.Node) (*plan.Node, error) {
	js := s.(*JoinSettings)
	return plan.NewNode(plan.OpJoin, map[string]any{
		"how":      js.How,
		"left_on":  toAnySlice(js.LeftOn),
		"right_on": toAnySlice(js.RightOn),
	}, in[0], in[1]), nil
}

func buildCrossJoin(_ Settings, in []*plan.Node) (*plan.Node, error) {
	return plan.NewNode(plan.OpCrossJoin, nil, in[0], in[1]), nil
}

func buildUnion(_ Settings, in []*plan.Node) (*plan.Node, error) {
	return plan.NewNode(plan.OpUnion, nil, in...), nil
}

func buildGroupBy(s Settings, in []*plan.Node) (*plan.Node, error) {
	gs := s.(*GroupBySettings)
	aggs := make([]any, 0, len(gs.Aggregations))
	for _, a := range gs.Aggregations {
		aggs = append(aggs, map[string]any{"column": a.Column, "func": a.Func, "as": a.As})
	}
	return plan.NewNode(plan.OpGroupBy, map[string]any{
		"keys":         toAnySlice(gs.Keys),
		"aggregations": aggs,
	}, in[0]), nil
}

func buildPivot(s Settings, in []*plan.Node) (*plan.Node, error) {
	ps := s.(*PivotSettings)
	return plan.NewNode(plan.OpPivot, map[string]any{
		"index":        toAnySlice(ps.Index),
		"pivot_column": ps.PivotColumn,
		"value_column": ps.ValueColumn,
		"aggregation":  ps.Aggregation,
	}, in[0]), nil
}

func buildUnpivot(s Settings, in []*plan.Node) (*plan.Node, error) {
	us := s.(*UnpivotSettings)
	return plan.NewNode(plan.OpUnpivot, map[string]any{
		"index":         toAnySlice(us.Index),
		"on":            toAnySlice(us.On),
		"variable_name": us.VariableName,
		"value_name":    us.ValueName,
	}, in[0]), nil
}

func buildFormula(s Settings, in []*plan.Node) (*plan.Node, error) {
	fs := s.(*FormulaSettings)
	return plan.NewNode(plan.OpFormula, map[string]any{
		"column":     fs.Column,
		"expression": fs.Expression,
		"data_type":  fs.DataType,
	}, in[0]), nil
}

func buildRecordID(s Settings, in []*plan.Node) (*plan.Node, error) {
	rs := s.(*RecordIDSettings)
	return plan.NewNode(plan.OpRecordID, map[string]any{
		"column": rs.Column,
		"offset": rs.Offset,
	}, in[0]), nil
}

func buildTextToRows(s Settings, in []*plan.Node) (*plan.Node, error) {
	ts := s.(*TextToRowsSettings)
	return plan.NewNode(plan.OpTextToRows, map[string]any{
		"column":        ts.Column,
		"separator":     ts.Separator,
		"output_column": ts.OutputColumn,
	}, in[0]), nil
}

func buildCustomCode(s Settings, in []*plan.Node) (*plan.Node, error) {
	cs := s.(*CustomCodeSettings)
	assigns, err := ParseCodeAssignments(cs.Code)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(assigns))
	for _, a := range assigns {
		out = append(out, map[string]any{"column": a[0], "expression": a[1]})
	}
	return plan.NewNode(plan.OpCode, map[string]any{"assignments": out}, in[0]), nil
}

func buildGraphSolver(s Settings, in []*plan.Node) (*plan.Node, error) {
	gs := s.(*GraphSolverSettings)
	return plan.NewNode(plan.OpGraphSolve, map[string]any{
		"from_column":   gs.FromColumn,
		"to_column":     gs.ToColumn,
		"output_column": gs.OutputColumn,
	}, in[0]), nil
}

func buildFuzzyMatch(s Settings, in []*plan.Node) (*plan.Node, error) {
	fs := s.(*FuzzyMatchSettings)
	return plan.NewNode(plan.OpFuzzyMatch, map[string]any{
		"left_on":   toAnySlice(fs.LeftOn),
		"right_on":  toAnySlice(fs.RightOn),
		"threshold": fs.Threshold,
	}, in[0], in[1]), nil
}

func buildWrite(s Settings, in []*plan.Node) (*plan.Node, error) {
	ws := s.(*WriteSettings)
	return plan.NewNode(plan.OpWriteCSV, map[string]any{
		"path":   ws.Path,
		"format": ws.Format,
	}, in[0]), nil
}

func buildExplore(_ Settings, in []*plan.Node) (*plan.Node, error) {
	return plan.NewNode(plan.OpPassThru, nil, in[0]), nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
