package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flowforge-io/flowforge/internal/frame"
	"github.com/flowforge-io/flowforge/internal/schema"
)

// ValidationIssue is one settings problem, addressed to a settings field so
// the UI can attach it to the right control.
type ValidationIssue struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (v ValidationIssue) String() string {
	if v.Field == "" {
		return v.Message
	}
	return v.Field + ": " + v.Message
}

func issue(field, format string, args ...any) ValidationIssue {
	return ValidationIssue{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Structural settings schemas, one per kind. Unknown keys are allowed so
// settings written by newer builds still load.
var kindSchemas = map[string]string{
	KindRead: `{
		"type": "object",
		"required": ["path", "columns"],
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"format": {"enum": ["csv"]},
			"etag": {"type": "string"},
			"columns": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["name", "data_type"],
					"properties": {
						"name": {"type": "string", "minLength": 1},
						"data_type": {"type": "string", "minLength": 1},
						"nullable": {"type": "boolean"}
					}
				}
			}
		}
	}`,
	KindFilter: `{
		"type": "object",
		"required": ["predicate"],
		"properties": {"predicate": {"type": "string", "minLength": 1}}
	}`,
	KindSelect: `{
		"type": "object",
		"required": ["columns"],
		"properties": {
			"columns": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
			"rename": {"type": "object", "additionalProperties": {"type": "string", "minLength": 1}}
		}
	}`,
	KindSort: `{
		"type": "object",
		"required": ["by"],
		"properties": {
			"by": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["column"],
					"properties": {
						"column": {"type": "string", "minLength": 1},
						"descending": {"type": "boolean"}
					}
				}
			}
		}
	}`,
	KindUnique: `{
		"type": "object",
		"properties": {
			"subset": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"keep": {"enum": ["first", "last"]}
		}
	}`,
	KindSample: `{
		"type": "object",
		"properties": {
			"rows": {"type": "integer", "minimum": 1},
			"offset": {"type": "integer", "minimum": 0}
		}
	}`,
	KindJoin: `{
		"type": "object",
		"required": ["left_on", "right_on"],
		"properties": {
			"how": {"enum": ["inner", "left", "right", "outer", "semi", "anti"]},
			"left_on": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
			"right_on": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}
		}
	}`,
	KindCrossJoin: `{"type": "object"}`,
	KindUnion:     `{"type": "object"}`,
	KindGroupBy: `{
		"type": "object",
		"required": ["keys", "aggregations"],
		"properties": {
			"keys": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
			"aggregations": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["column", "func"],
					"properties": {
						"column": {"type": "string", "minLength": 1},
						"func": {"enum": ["count", "sum", "min", "max", "mean", "first", "last"]},
						"as": {"type": "string"}
					}
				}
			}
		}
	}`,
	KindPivot: `{
		"type": "object",
		"required": ["index", "pivot_column", "value_column"],
		"properties": {
			"index": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
			"pivot_column": {"type": "string", "minLength": 1},
			"value_column": {"type": "string", "minLength": 1},
			"aggregation": {"enum": ["count", "sum", "min", "max", "mean", "first", "last"]}
		}
	}`,
	KindUnpivot: `{
		"type": "object",
		"required": ["index"],
		"properties": {
			"index": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
			"on": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"variable_name": {"type": "string"},
			"value_name": {"type": "string"}
		}
	}`,
	KindFormula: `{
		"type": "object",
		"required": ["column", "expression"],
		"properties": {
			"column": {"type": "string", "minLength": 1},
			"expression": {"type": "string", "minLength": 1},
			"data_type": {"type": "string"}
		}
	}`,
	KindRecordID: `{
		"type": "object",
		"properties": {
			"column": {"type": "string", "minLength": 1},
			"offset": {"type": "integer"}
		}
	}`,
	KindTextToRows: `{
		"type": "object",
		"required": ["column"],
		"properties": {
			"column": {"type": "string", "minLength": 1},
			"separator": {"type": "string", "minLength": 1},
			"output_column": {"type": "string"}
		}
	}`,
	KindCustomCode: `{
		"type": "object",
		"required": ["code"],
		"properties": {"code": {"type": "string", "minLength": 1}}
	}`,
	KindGraphSolver: `{
		"type": "object",
		"required": ["from_column", "to_column"],
		"properties": {
			"from_column": {"type": "string", "minLength": 1},
			"to_column": {"type": "string", "minLength": 1},
			"output_column": {"type": "string"}
		}
	}`,
	KindFuzzyMatch: `{
		"type": "object",
		"required": ["left_on", "right_on"],
		"properties": {
			"left_on": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
			"right_on": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
			"threshold": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
		}
	}`,
	KindWrite: `{
		"type": "object",
		"required": ["path"],
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"format": {"enum": ["csv"]}
		}
	}`,
	KindExplore: `{"type": "object"}`,
}

var compiledSchemas = func() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(kindSchemas))
	for id, doc := range kindSchemas {
		out[id] = jsonschema.MustCompileString(id+"/settings.json", doc)
	}
	return out
}()

// Validate checks settings structurally (against the kind's JSON schema)
// and semantically (against the input schemas, which may be nil when the
// upstream schema is unknown). It returns all issues, not just the first.
func (c *Catalog) Validate(s Settings, inputs []schema.Schema) []ValidationIssue {
	k, ok := c.kinds[s.Kind()]
	if !ok {
		return []ValidationIssue{issue("", "unknown node kind %q", s.Kind())}
	}
	var issues []ValidationIssue
	if !k.AcceptsInputCount(len(inputs)) {
		issues = append(issues, issue("", "%s expects %s, got %d", k.ID, arityString(k), len(inputs)))
	}
	issues = append(issues, structuralIssues(k.ID, s)...)
	if len(issues) > 0 {
		return issues
	}
	for _, in := range inputs {
		if in == nil {
			// Cannot check column references without upstream schemas.
			return nil
		}
	}
	return k.validate(s, inputs)
}

func structuralIssues(kindID string, s Settings) []ValidationIssue {
	m, err := SettingsMap(s)
	if err != nil {
		return []ValidationIssue{issue("", "settings are not serializable: %v", err)}
	}
	raw, err := json.Marshal(normalizeJSON(m))
	if err != nil {
		return []ValidationIssue{issue("", "settings are not serializable: %v", err)}
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return []ValidationIssue{issue("", "settings are not serializable: %v", err)}
	}
	err = compiledSchemas[kindID].Validate(doc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []ValidationIssue{issue("", "%v", err)}
	}
	var issues []ValidationIssue
	for _, cause := range flattenCauses(ve) {
		issues = append(issues, ValidationIssue{
			Field:   cause.InstanceLocation,
			Message: cause.Message,
		})
	}
	return issues
}

func flattenCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, flattenCauses(c)...)
	}
	return out
}

// Semantic validators run after structural validation with all input
// schemas known. Most column-reference checks fall out of prediction; the
// validators cover what prediction alone would report confusingly.

func validateNone(_ Settings, _ []schema.Schema) []ValidationIssue { return nil }

func validateRead(s Settings, _ []schema.Schema) []ValidationIssue {
	rs := s.(*ReadSettings)
	var issues []ValidationIssue
	seen := map[string]bool{}
	for i, c := range rs.Columns {
		if seen[c.Name] {
			issues = append(issues, issue(fmt.Sprintf("columns[%d]", i), "duplicate column %q", c.Name))
		}
		seen[c.Name] = true
		if _, err := schema.Parse(c.DataType); err != nil {
			issues = append(issues, issue(fmt.Sprintf("columns[%d].data_type", i), "%v", err))
		}
	}
	return issues
}

func validateFilter(s Settings, inputs []schema.Schema) []ValidationIssue {
	fs := s.(*FilterSettings)
	if err := checkExpression(fs.Predicate, inputs[0]); err != nil {
		return []ValidationIssue{issue("predicate", "%v", err)}
	}
	return nil
}

func validateSelect(s Settings, inputs []schema.Schema) []ValidationIssue {
	ss := s.(*SelectSettings)
	var issues []ValidationIssue
	issues = append(issues, missingColumns("columns", inputs[0], ss.Columns)...)
	for from := range ss.Rename {
		found := false
		for _, c := range ss.Columns {
			if c == from {
				found = true
				break
			}
		}
		if !found {
			issues = append(issues, issue("rename", "rename source %q is not selected", from))
		}
	}
	return issues
}

func validateSort(s Settings, inputs []schema.Schema) []ValidationIssue {
	ss := s.(*SortSettings)
	var issues []ValidationIssue
	for i, k := range ss.By {
		if !inputs[0].Has(k.Column) {
			issues = append(issues, issue(fmt.Sprintf("by[%d].column", i), "column %q not found", k.Column))
		}
	}
	return issues
}

func validateUnique(s Settings, inputs []schema.Schema) []ValidationIssue {
	us := s.(*UniqueSettings)
	return missingColumns("subset", inputs[0], us.Subset)
}

func validateSample(_ Settings, _ []schema.Schema) []ValidationIssue { return nil }

func validateJoin(s Settings, inputs []schema.Schema) []ValidationIssue {
	js := s.(*JoinSettings)
	var issues []ValidationIssue
	if len(js.LeftOn) != len(js.RightOn) {
		issues = append(issues, issue("right_on", "left_on has %d keys, right_on has %d", len(js.LeftOn), len(js.RightOn)))
	}
	issues = append(issues, missingColumns("left_on", inputs[0], js.LeftOn)...)
	issues = append(issues, missingColumns("right_on", inputs[1], js.RightOn)...)
	if len(issues) > 0 {
		return issues
	}
	for i := range js.LeftOn {
		lc, _ := inputs[0].Find(js.LeftOn[i])
		rc, _ := inputs[1].Find(js.RightOn[i])
		if !lc.Type.Equal(rc.Type) && !schema.Assignable(rc.Type, lc.Type) && !schema.Assignable(lc.Type, rc.Type) {
			issues = append(issues, issue("right_on", "key %q (%s) is not comparable with %q (%s)", js.LeftOn[i], lc.Type, js.RightOn[i], rc.Type))
		}
	}
	return issues
}

func validateGroupBy(s Settings, inputs []schema.Schema) []ValidationIssue {
	gs := s.(*GroupBySettings)
	var issues []ValidationIssue
	issues = append(issues, missingColumns("keys", inputs[0], gs.Keys)...)
	for i, a := range gs.Aggregations {
		c, ok := inputs[0].Find(a.Column)
		if !ok {
			issues = append(issues, issue(fmt.Sprintf("aggregations[%d].column", i), "column %q not found", a.Column))
			continue
		}
		if _, err := frameAggType(a.Func, c.Type); err != nil {
			issues = append(issues, issue(fmt.Sprintf("aggregations[%d].func", i), "%v", err))
		}
	}
	return issues
}

func validatePivot(s Settings, inputs []schema.Schema) []ValidationIssue {
	ps := s.(*PivotSettings)
	var issues []ValidationIssue
	issues = append(issues, missingColumns("index", inputs[0], ps.Index)...)
	if !inputs[0].Has(ps.PivotColumn) {
		issues = append(issues, issue("pivot_column", "column %q not found", ps.PivotColumn))
	}
	c, ok := inputs[0].Find(ps.ValueColumn)
	if !ok {
		issues = append(issues, issue("value_column", "column %q not found", ps.ValueColumn))
	} else if _, err := frameAggType(ps.Aggregation, c.Type); err != nil {
		issues = append(issues, issue("aggregation", "%v", err))
	}
	return issues
}

func validateUnpivot(s Settings, inputs []schema.Schema) []ValidationIssue {
	us := s.(*UnpivotSettings)
	var issues []ValidationIssue
	issues = append(issues, missingColumns("index", inputs[0], us.Index)...)
	issues = append(issues, missingColumns("on", inputs[0], us.On)...)
	return issues
}

func validateFormula(s Settings, inputs []schema.Schema) []ValidationIssue {
	fs := s.(*FormulaSettings)
	var issues []ValidationIssue
	if err := checkExpression(fs.Expression, inputs[0]); err != nil {
		issues = append(issues, issue("expression", "%v", err))
	}
	if fs.DataType != "" {
		if _, err := schema.Parse(fs.DataType); err != nil {
			issues = append(issues, issue("data_type", "%v", err))
		}
	}
	return issues
}

func validateRecordID(s Settings, inputs []schema.Schema) []ValidationIssue {
	rs := s.(*RecordIDSettings)
	if inputs[0].Has(rs.Column) {
		return []ValidationIssue{issue("column", "column %q already exists", rs.Column)}
	}
	return nil
}

func validateTextToRows(s Settings, inputs []schema.Schema) []ValidationIssue {
	ts := s.(*TextToRowsSettings)
	c, ok := inputs[0].Find(ts.Column)
	if !ok {
		return []ValidationIssue{issue("column", "column %q not found", ts.Column)}
	}
	if c.Type.Base != schema.String {
		return []ValidationIssue{issue("column", "column %q is %s, text to rows needs String", ts.Column, c.Type)}
	}
	return nil
}

func validateCustomCode(s Settings, inputs []schema.Schema) []ValidationIssue {
	cs := s.(*CustomCodeSettings)
	assigns, err := ParseCodeAssignments(cs.Code)
	if err != nil {
		return []ValidationIssue{issue("code", "%v", err)}
	}
	cur := inputs[0].Clone()
	var issues []ValidationIssue
	for _, a := range assigns {
		if err := checkExpression(a[1], cur); err != nil {
			issues = append(issues, issue("code", "%v", err))
			continue
		}
		if !cur.Has(a[0]) {
			cur = append(cur, schema.Column{Name: a[0], Type: schema.Of(schema.Unknown), Nullable: true})
		}
	}
	return issues
}

func validateGraphSolver(s Settings, inputs []schema.Schema) []ValidationIssue {
	gs := s.(*GraphSolverSettings)
	var issues []ValidationIssue
	if !inputs[0].Has(gs.FromColumn) {
		issues = append(issues, issue("from_column", "column %q not found", gs.FromColumn))
	}
	if !inputs[0].Has(gs.ToColumn) {
		issues = append(issues, issue("to_column", "column %q not found", gs.ToColumn))
	}
	if gs.OutputColumn != "" && inputs[0].Has(gs.OutputColumn) {
		issues = append(issues, issue("output_column", "column %q already exists", gs.OutputColumn))
	}
	return issues
}

func validateFuzzyMatch(s Settings, inputs []schema.Schema) []ValidationIssue {
	fs := s.(*FuzzyMatchSettings)
	var issues []ValidationIssue
	if len(fs.LeftOn) != len(fs.RightOn) {
		issues = append(issues, issue("right_on", "left_on has %d keys, right_on has %d", len(fs.LeftOn), len(fs.RightOn)))
	}
	issues = append(issues, missingColumns("left_on", inputs[0], fs.LeftOn)...)
	issues = append(issues, missingColumns("right_on", inputs[1], fs.RightOn)...)
	return issues
}

func validateWrite(_ Settings, _ []schema.Schema) []ValidationIssue { return nil }

// checkExpression compiles strictly: unknown column references fail here,
// unlike at execution time where they evaluate to null.
func checkExpression(src string, in schema.Schema) error {
	env := make(map[string]any, len(in))
	for _, c := range in {
		env[c.Name] = frame.ZeroValue(c.Type)
	}
	_, err := expr.Compile(src, expr.Env(env))
	return err
}

func frameAggType(fn string, t schema.Type) (schema.Type, error) {
	return frame.AggOutputType(frame.AggFunc(fn), t)
}

func missingColumns(field string, in schema.Schema, names []string) []ValidationIssue {
	var issues []ValidationIssue
	for _, n := range names {
		if !in.Has(n) {
			issues = append(issues, issue(field, "column %q not found", n))
		}
	}
	return issues
}
