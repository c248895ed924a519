package catalog

import (
	"fmt"

	"github.com/flowforge-io/flowforge/internal/frame"
	"github.com/flowforge-io/flowforge/internal/schema"
)

// Prediction callbacks compute output schemas from input schemas and
// settings only. They never touch data and never panic; a prediction that
// cannot be made returns an error the propagator turns into a diagnostic.

func predictPassThrough(_ Settings, inputs []schema.Schema) (schema.Schema, error) {
	return inputs[0].Clone(), nil
}

func predictRead(s Settings, _ []schema.Schema) (schema.Schema, error) {
	rs := s.(*ReadSettings)
	out := make(schema.Schema, 0, len(rs.Columns))
	for _, c := range rs.Columns {
		t, err := schema.Parse(c.DataType)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		out = append(out, schema.Column{Name: c.Name, Type: t, Nullable: c.Nullable})
	}
	return out, out.Validate()
}

func predictSelect(s Settings, inputs []schema.Schema) (schema.Schema, error) {
	ss := s.(*SelectSettings)
	in := inputs[0]
	out, err := in.Select(ss.Columns)
	if err != nil {
		return nil, err
	}
	for from, to := range ss.Rename {
		i := out.Index(from)
		if i < 0 {
			return nil, fmt.Errorf("rename source %q not in selection", from)
		}
		out[i].Name = to
	}
	return out, out.Validate()
}

func predictJoin(s Settings, inputs []schema.Schema) (schema.Schema, error) {
	js := s.(*JoinSettings)
	left, right := inputs[0], inputs[1]
	for _, n := range js.LeftOn {
		if !left.Has(n) {
			return nil, fmt.Errorf("left key %q not found in %s", n, left)
		}
	}
	for _, n := range js.RightOn {
		if !right.Has(n) {
			return nil, fmt.Errorf("right key %q not found in %s", n, right)
		}
	}
	if js.How == "semi" || js.How == "anti" {
		return left.Clone(), nil
	}
	isKey := map[string]bool{}
	for _, n := range js.RightOn {
		isKey[n] = true
	}
	out := left.Clone()
	for _, c := range right {
		if isKey[c.Name] {
			continue
		}
		name := c.Name
		if out.Has(name) {
			name += frame.RightSuffix
			if out.Has(name) {
				return nil, fmt.Errorf("join output column collision on %q", name)
			}
		}
		out = append(out, schema.Column{Name: name, Type: c.Type, Nullable: true})
	}
	return out, out.Validate()
}

func predictCrossJoin(_ Settings, inputs []schema.Schema) (schema.Schema, error) {
	out := inputs[0].Clone()
	for _, c := range inputs[1] {
		name := c.Name
		if out.Has(name) {
			name += frame.RightSuffix
		}
		out = append(out, schema.Column{Name: name, Type: c.Type, Nullable: c.Nullable})
	}
	return out, out.Validate()
}

func predictUnion(_ Settings, inputs []schema.Schema) (schema.Schema, error) {
	return frame.UnionSchema(inputs)
}

func predictGroupBy(s Settings, inputs []schema.Schema) (schema.Schema, error) {
	gs := s.(*GroupBySettings)
	in := inputs[0]
	out := schema.Schema{}
	for _, k := range gs.Keys {
		c, ok := in.Find(k)
		if !ok {
			return nil, fmt.Errorf("group key %q not found in %s", k, in)
		}
		out = append(out, c)
	}
	for _, a := range gs.Aggregations {
		c, ok := in.Find(a.Column)
		if !ok {
			return nil, fmt.Errorf("aggregation column %q not found in %s", a.Column, in)
		}
		ot, err := frame.AggOutputType(frame.AggFunc(a.Func), c.Type)
		if err != nil {
			return nil, err
		}
		name := a.As
		if name == "" {
			name = a.Column + "_" + a.Func
		}
		out = append(out, schema.Column{Name: name, Type: ot, Nullable: true})
	}
	return out, out.Validate()
}

// predictPivot cannot enumerate the pivot value columns without data, so
// the prediction is a diagnostic: downstream schemas stay unknown until the
// node runs.
func predictPivot(s Settings, inputs []schema.Schema) (schema.Schema, error) {
	ps := s.(*PivotSettings)
	in := inputs[0]
	if !in.Has(ps.PivotColumn) {
		return nil, fmt.Errorf("pivot column %q not found in %s", ps.PivotColumn, in)
	}
	vc, ok := in.Find(ps.ValueColumn)
	if !ok {
		return nil, fmt.Errorf("value column %q not found in %s", ps.ValueColumn, in)
	}
	if _, err := frame.AggOutputType(frame.AggFunc(ps.Aggregation), vc.Type); err != nil {
		return nil, err
	}
	for _, k := range ps.Index {
		if !in.Has(k) {
			return nil, fmt.Errorf("index column %q not found in %s", k, in)
		}
	}
	return nil, fmt.Errorf("pivot columns depend on the values of %q", ps.PivotColumn)
}

func predictUnpivot(s Settings, inputs []schema.Schema) (schema.Schema, error) {
	us := s.(*UnpivotSettings)
	in := inputs[0]
	out := schema.Schema{}
	for _, k := range us.Index {
		c, ok := in.Find(k)
		if !ok {
			return nil, fmt.Errorf("index column %q not found in %s", k, in)
		}
		out = append(out, c)
	}
	for _, n := range us.On {
		if !in.Has(n) {
			return nil, fmt.Errorf("unpivot column %q not found in %s", n, in)
		}
	}
	out = append(out,
		schema.Column{Name: us.VariableName, Type: schema.Of(schema.String)},
		schema.Column{Name: us.ValueName, Type: schema.Of(schema.String), Nullable: true},
	)
	return out, out.Validate()
}

func predictFormula(s Settings, inputs []schema.Schema) (schema.Schema, error) {
	fs := s.(*FormulaSettings)
	in := inputs[0]
	var t schema.Type
	if fs.DataType != "" {
		var err error
		t, err = schema.Parse(fs.DataType)
		if err != nil {
			return nil, err
		}
	} else {
		t = frame.PredictCodeType(fs.Expression, in)
	}
	out := in.Clone()
	if i := out.Index(fs.Column); i >= 0 {
		out[i].Type = t
		out[i].Nullable = true
		return out, nil
	}
	out = append(out, schema.Column{Name: fs.Column, Type: t, Nullable: true})
	return out, out.Validate()
}

func predictRecordID(s Settings, inputs []schema.Schema) (schema.Schema, error) {
	rs := s.(*RecordIDSettings)
	in := inputs[0]
	if in.Has(rs.Column) {
		return nil, fmt.Errorf("record id column %q already exists", rs.Column)
	}
	out := append(schema.Schema{{Name: rs.Column, Type: schema.Of(schema.Int64)}}, in.Clone()...)
	return out, out.Validate()
}

func predictTextToRows(s Settings, inputs []schema.Schema) (schema.Schema, error) {
	ts := s.(*TextToRowsSettings)
	in := inputs[0]
	if !in.Has(ts.Column) {
		return nil, fmt.Errorf("column %q not found in %s", ts.Column, in)
	}
	outCol := ts.OutputColumn
	if outCol == "" {
		outCol = ts.Column
	}
	out := in.Clone()
	if i := out.Index(outCol); i >= 0 {
		out[i].Type = schema.Of(schema.String)
		out[i].Nullable = true
		return out, nil
	}
	out = append(out, schema.Column{Name: outCol, Type: schema.Of(schema.String), Nullable: true})
	return out, out.Validate()
}

// predictCustomCode dry-runs each assignment against zero values so the
// prediction matches what execution will infer, without touching user data.
func predictCustomCode(s Settings, inputs []schema.Schema) (schema.Schema, error) {
	cs := s.(*CustomCodeSettings)
	assigns, err := ParseCodeAssignments(cs.Code)
	if err != nil {
		return nil, err
	}
	out := inputs[0].Clone()
	for _, a := range assigns {
		t := frame.PredictCodeType(a[1], out)
		if i := out.Index(a[0]); i >= 0 {
			out[i].Type = t
			out[i].Nullable = true
			continue
		}
		out = append(out, schema.Column{Name: a[0], Type: t, Nullable: true})
	}
	return out, out.Validate()
}

func predictGraphSolver(s Settings, inputs []schema.Schema) (schema.Schema, error) {
	gs := s.(*GraphSolverSettings)
	in := inputs[0]
	if !in.Has(gs.FromColumn) {
		return nil, fmt.Errorf("column %q not found in %s", gs.FromColumn, in)
	}
	if !in.Has(gs.ToColumn) {
		return nil, fmt.Errorf("column %q not found in %s", gs.ToColumn, in)
	}
	outCol := gs.OutputColumn
	if outCol == "" {
		outCol = "group"
	}
	if in.Has(outCol) {
		return nil, fmt.Errorf("output column %q already exists", outCol)
	}
	out := append(in.Clone(), schema.Column{Name: outCol, Type: schema.Of(schema.Int64)})
	return out, out.Validate()
}

func predictFuzzyMatch(s Settings, inputs []schema.Schema) (schema.Schema, error) {
	fs := s.(*FuzzyMatchSettings)
	left, right := inputs[0], inputs[1]
	if len(fs.LeftOn) == 0 || len(fs.LeftOn) != len(fs.RightOn) {
		return nil, fmt.Errorf("fuzzy match requires matching non-empty key lists")
	}
	for _, n := range fs.LeftOn {
		if !left.Has(n) {
			return nil, fmt.Errorf("left key %q not found in %s", n, left)
		}
	}
	for _, n := range fs.RightOn {
		if !right.Has(n) {
			return nil, fmt.Errorf("right key %q not found in %s", n, right)
		}
	}
	isKey := map[string]bool{}
	for _, n := range fs.RightOn {
		isKey[n] = true
	}
	out := left.Clone()
	for _, c := range right {
		if isKey[c.Name] {
			continue
		}
		name := c.Name
		if out.Has(name) {
			name += frame.RightSuffix
			if out.Has(name) {
				return nil, fmt.Errorf("fuzzy match output column collision on %q", name)
			}
		}
		out = append(out, schema.Column{Name: name, Type: c.Type, Nullable: true})
	}
	if out.Has("fuzzy_score") {
		return nil, fmt.Errorf("fuzzy match output column collision on %q", "fuzzy_score")
	}
	out = append(out, schema.Column{Name: "fuzzy_score", Type: schema.Of(schema.Float64)})
	return out, out.Validate()
}
