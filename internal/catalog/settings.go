// Package catalog enumerates the closed set of node kinds: their arity,
// settings shape, schema-prediction callback, and lazy-plan builder. Kinds
// are registered once at startup; the set is fixed.
package catalog

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is the kind-discriminated settings variant carried by a node.
// Concrete types are plain structs with explicit defaults; unknown keys
// from persisted documents are preserved in Extra and otherwise ignored.
type Settings interface {
	Kind() string
}

// ColumnSpec declares one column of a source schema or output contract.
type ColumnSpec struct {
	Name     string `yaml:"name" json:"name"`
	DataType string `yaml:"data_type" json:"data_type"`
	Nullable bool   `yaml:"nullable,omitempty" json:"nullable,omitempty"`
}

// SortField orders by one column.
type SortField struct {
	Column     string `yaml:"column" json:"column"`
	Descending bool   `yaml:"descending,omitempty" json:"descending,omitempty"`
}

// AggSpec is one aggregation of a group-by node.
type AggSpec struct {
	Column string `yaml:"column" json:"column"`
	Func   string `yaml:"func" json:"func"`
	As     string `yaml:"as,omitempty" json:"as,omitempty"`
}

type ReadSettings struct {
	Path    string         `yaml:"path" json:"path"`
	Format  string         `yaml:"format,omitempty" json:"format,omitempty"`
	Columns []ColumnSpec   `yaml:"columns" json:"columns"`
	ETag    string         `yaml:"etag,omitempty" json:"etag,omitempty"`
	Extra   map[string]any `yaml:",inline" json:"-"`
}

func (ReadSettings) Kind() string { return KindRead }

type FilterSettings struct {
	Predicate string         `yaml:"predicate" json:"predicate"`
	Extra     map[string]any `yaml:",inline" json:"-"`
}

func (FilterSettings) Kind() string { return KindFilter }

type SelectSettings struct {
	Columns []string          `yaml:"columns" json:"columns"`
	Rename  map[string]string `yaml:"rename,omitempty" json:"rename,omitempty"`
	Extra   map[string]any    `yaml:",inline" json:"-"`
}

func (SelectSettings) Kind() string { return KindSelect }

type SortSettings struct {
	By    []SortField    `yaml:"by" json:"by"`
	Extra map[string]any `yaml:",inline" json:"-"`
}

func (SortSettings) Kind() string { return KindSort }

type UniqueSettings struct {
	Subset []string       `yaml:"subset,omitempty" json:"subset,omitempty"`
	Keep   string         `yaml:"keep,omitempty" json:"keep,omitempty"`
	Extra  map[string]any `yaml:",inline" json:"-"`
}

func (UniqueSettings) Kind() string { return KindUnique }

type SampleSettings struct {
	Rows   int            `yaml:"rows,omitempty" json:"rows,omitempty"`
	Offset int            `yaml:"offset,omitempty" json:"offset,omitempty"`
	Extra  map[string]any `yaml:",inline" json:"-"`
}

func (SampleSettings) Kind() string { return KindSample }

type JoinSettings struct {
	How     string         `yaml:"how,omitempty" json:"how,omitempty"`
	LeftOn  []string       `yaml:"left_on" json:"left_on"`
	RightOn []string       `yaml:"right_on" json:"right_on"`
	Extra   map[string]any `yaml:",inline" json:"-"`
}

func (JoinSettings) Kind() string { return KindJoin }

type CrossJoinSettings struct {
	Extra map[string]any `yaml:",inline" json:"-"`
}

func (CrossJoinSettings) Kind() string { return KindCrossJoin }

type UnionSettings struct {
	Extra map[string]any `yaml:",inline" json:"-"`
}

func (UnionSettings) Kind() string { return KindUnion }

type GroupBySettings struct {
	Keys         []string       `yaml:"keys" json:"keys"`
	Aggregations []AggSpec      `yaml:"aggregations" json:"aggregations"`
	Extra        map[string]any `yaml:",inline" json:"-"`
}

func (GroupBySettings) Kind() string { return KindGroupBy }

type PivotSettings struct {
	Index       []string       `yaml:"index" json:"index"`
	PivotColumn string         `yaml:"pivot_column" json:"pivot_column"`
	ValueColumn string         `yaml:"value_column" json:"value_column"`
	Aggregation string         `yaml:"aggregation,omitempty" json:"aggregation,omitempty"`
	Extra       map[string]any `yaml:",inline" json:"-"`
}

func (PivotSettings) Kind() string { return KindPivot }

type UnpivotSettings struct {
	Index        []string       `yaml:"index" json:"index"`
	On           []string       `yaml:"on,omitempty" json:"on,omitempty"`
	VariableName string         `yaml:"variable_name,omitempty" json:"variable_name,omitempty"`
	ValueName    string         `yaml:"value_name,omitempty" json:"value_name,omitempty"`
	Extra        map[string]any `yaml:",inline" json:"-"`
}

func (UnpivotSettings) Kind() string { return KindUnpivot }

type FormulaSettings struct {
	Column     string         `yaml:"column" json:"column"`
	Expression string         `yaml:"expression" json:"expression"`
	DataType   string         `yaml:"data_type,omitempty" json:"data_type,omitempty"`
	Extra      map[string]any `yaml:",inline" json:"-"`
}

func (FormulaSettings) Kind() string { return KindFormula }

type RecordIDSettings struct {
	Column string         `yaml:"column,omitempty" json:"column,omitempty"`
	Offset int64          `yaml:"offset,omitempty" json:"offset,omitempty"`
	Extra  map[string]any `yaml:",inline" json:"-"`
}

func (RecordIDSettings) Kind() string { return KindRecordID }

type TextToRowsSettings struct {
	Column       string         `yaml:"column" json:"column"`
	Separator    string         `yaml:"separator,omitempty" json:"separator,omitempty"`
	OutputColumn string         `yaml:"output_column,omitempty" json:"output_column,omitempty"`
	Extra        map[string]any `yaml:",inline" json:"-"`
}

func (TextToRowsSettings) Kind() string { return KindTextToRows }

type CustomCodeSettings struct {
	Code  string         `yaml:"code" json:"code"`
	Extra map[string]any `yaml:",inline" json:"-"`
}

func (CustomCodeSettings) Kind() string { return KindCustomCode }

type GraphSolverSettings struct {
	FromColumn   string         `yaml:"from_column" json:"from_column"`
	ToColumn     string         `yaml:"to_column" json:"to_column"`
	OutputColumn string         `yaml:"output_column,omitempty" json:"output_column,omitempty"`
	Extra        map[string]any `yaml:",inline" json:"-"`
}

func (GraphSolverSettings) Kind() string { return KindGraphSolver }

type FuzzyMatchSettings struct {
	LeftOn    []string       `yaml:"left_on" json:"left_on"`
	RightOn   []string       `yaml:"right_on" json:"right_on"`
	Threshold float64        `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Extra     map[string]any `yaml:",inline" json:"-"`
}

func (FuzzyMatchSettings) Kind() string { return KindFuzzyMatch }

type WriteSettings struct {
	Path   string         `yaml:"path" json:"path"`
	Format string         `yaml:"format,omitempty" json:"format,omitempty"`
	Extra  map[string]any `yaml:",inline" json:"-"`
}

func (WriteSettings) Kind() string { return KindWrite }

type ExploreSettings struct {
	Extra map[string]any `yaml:",inline" json:"-"`
}

func (ExploreSettings) Kind() string { return KindExplore }

// applyDefaults materializes defaults so persisted settings are always
// fully specified.
func applyDefaults(s Settings) Settings {
	switch v := s.(type) {
	case *ReadSettings:
		if v.Format == "" {
			v.Format = "csv"
		}
	case *UniqueSettings:
		if v.Keep == "" {
			v.Keep = "first"
		}
	case *SampleSettings:
		if v.Rows <= 0 {
			v.Rows = 100
		}
	case *JoinSettings:
		if v.How == "" {
			v.How = "inner"
		}
	case *PivotSettings:
		if v.Aggregation == "" {
			v.Aggregation = "sum"
		}
	case *UnpivotSettings:
		if v.VariableName == "" {
			v.VariableName = "variable"
		}
		if v.ValueName == "" {
			v.ValueName = "value"
		}
	case *RecordIDSettings:
		if v.Column == "" {
			v.Column = "record_id"
		}
		if v.Offset == 0 {
			v.Offset = 1
		}
	case *TextToRowsSettings:
		if v.Separator == "" {
			v.Separator = ","
		}
	case *FuzzyMatchSettings:
		if v.Threshold <= 0 || v.Threshold > 1 {
			v.Threshold = 0.8
		}
	case *WriteSettings:
		if v.Format == "" {
			v.Format = "csv"
		}
	}
	return s
}

// DecodeSettings builds typed settings for a kind from a raw document map,
// materializing defaults. Unknown keys land in the variant's Extra map.
func (c *Catalog) DecodeSettings(kind string, raw map[string]any) (Settings, error) {
	k, ok := c.Kind(kind)
	if !ok {
		return nil, fmt.Errorf("unknown node kind %q", kind)
	}
	s := k.newSettings()
	if raw != nil {
		b, err := yaml.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("settings for %s: %w", kind, err)
		}
		if err := yaml.Unmarshal(b, s); err != nil {
			return nil, fmt.Errorf("settings for %s: %w", kind, err)
		}
	}
	return applyDefaults(s), nil
}

// SettingsMap renders settings back into a plain map for persistence and
// canonicalization. Extra keys survive the round trip.
func SettingsMap(s Settings) (map[string]any, error) {
	b, err := yaml.Marshal(s)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CanonicalSettings renders settings as compact JSON with sorted keys.
// These bytes feed node fingerprints and must stay stable: key order comes
// from Go map marshaling (sorted), numbers keep their YAML scalar forms.
func CanonicalSettings(s Settings) ([]byte, error) {
	m, err := SettingsMap(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalizeJSON(m))
}

// normalizeJSON rewrites YAML-decoded values into JSON-marshalable shapes.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalizeJSON(vv)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[fmt.Sprint(k)] = normalizeJSON(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalizeJSON(vv)
		}
		return out
	default:
		return v
	}
}

// ParseCodeAssignments splits custom-code source into "column = expression"
// lines. Blank lines and #-comments are skipped.
func ParseCodeAssignments(code string) ([][2]string, error) {
	out := [][2]string{}
	for i, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("code line %d: expected \"column = expression\", got %q", i+1, line)
		}
		name := strings.TrimSpace(line[:eq])
		src := strings.TrimSpace(line[eq+1:])
		if name == "" || src == "" {
			return nil, fmt.Errorf("code line %d: empty column or expression", i+1)
		}
		out = append(out, [2]string{name, src})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("code has no assignments")
	}
	return out, nil
}
