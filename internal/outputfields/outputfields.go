// Package outputfields enforces a node's declared output contract: which
// columns leave the node, with what types, and what happens when a declared
// column is absent from the produced data.
package outputfields

import (
	"fmt"

	"github.com/flowforge-io/flowforge/internal/frame"
	"github.com/flowforge-io/flowforge/internal/schema"
)

// Behavior selects how a missing declared field is handled.
type Behavior string

const (
	// SelectOnly keeps exactly the declared fields in declaration order
	// and fails the node when one is absent from the produced data.
	SelectOnly Behavior = "select_only"
	// AddMissing materializes absent declared fields from their default
	// expressions (null when none).
	AddMissing Behavior = "add_missing"
	// RaiseOnMissing fails the node when a declared field is absent.
	RaiseOnMissing Behavior = "raise_on_missing"
)

// Valid reports whether b is a known behavior.
func (b Behavior) Valid() bool {
	switch b {
	case SelectOnly, AddMissing, RaiseOnMissing:
		return true
	}
	return false
}

// Field declares one column of the output contract.
type Field struct {
	Name              string `yaml:"name" json:"name"`
	DataType          string `yaml:"data_type" json:"data_type"`
	DefaultExpression string `yaml:"default_expression,omitempty" json:"default_expression,omitempty"`
}

// Config is a node's output contract. Disabled configs are inert: the
// node's natural output passes through untouched.
type Config struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Behavior Behavior `yaml:"behavior,omitempty" json:"behavior,omitempty"`
	Fields   []Field  `yaml:"fields" json:"fields"`
}

// Validate checks the contract definition itself, not any data.
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}
	b := c.Behavior
	if b == "" {
		b = SelectOnly
	}
	if !b.Valid() {
		return fmt.Errorf("unknown output field behavior %q", c.Behavior)
	}
	if len(c.Fields) == 0 {
		return fmt.Errorf("output field config is enabled but declares no fields")
	}
	seen := map[string]bool{}
	for i, f := range c.Fields {
		if f.Name == "" {
			return fmt.Errorf("output field %d has no name", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate output field %q", f.Name)
		}
		seen[f.Name] = true
		if _, err := schema.Parse(f.DataType); err != nil {
			return fmt.Errorf("output field %q: %w", f.Name, err)
		}
	}
	return nil
}

func (c *Config) behavior() Behavior {
	if c.Behavior == "" {
		return SelectOnly
	}
	return c.Behavior
}

// Active reports whether the contract applies.
func (c *Config) Active() bool { return c != nil && c.Enabled }

// SynthesizedSchema is the schema a contracted node presents downstream.
// It depends only on the declaration, never on upstream data, which lets
// schema propagation short-circuit at contracted nodes.
func (c *Config) SynthesizedSchema() (schema.Schema, error) {
	if !c.Active() {
		return nil, fmt.Errorf("output field config is not enabled")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	out := make(schema.Schema, 0, len(c.Fields))
	for _, f := range c.Fields {
		t, err := schema.Parse(f.DataType)
		if err != nil {
			return nil, err
		}
		out = append(out, schema.Column{Name: f.Name, Type: t, Nullable: true})
	}
	return out, out.Validate()
}

// Apply reshapes a produced frame to the contract. Declared fields come out
// in declaration order with declared types; surplus columns are dropped.
func (c *Config) Apply(f *frame.Frame) (*frame.Frame, error) {
	if !c.Active() {
		return f, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	target, err := c.SynthesizedSchema()
	if err != nil {
		return nil, err
	}
	behavior := c.behavior()

	out := &frame.Frame{}
	rows := f.NumRows()
	for i, fd := range c.Fields {
		want := target[i]
		j := f.Schema.Index(fd.Name)
		if j < 0 {
			// Only add_missing can satisfy an absent declared field; the
			// other behaviors fail so the output always matches the
			// synthesized schema.
			if behavior != AddMissing {
				return nil, fmt.Errorf("output field %q is missing from the produced data (schema %s)", fd.Name, f.Schema)
			}
			fill, err := defaultValue(fd, want.Type)
			if err != nil {
				return nil, err
			}
			col := make([]any, rows)
			for r := range col {
				col[r] = fill
			}
			out.Schema = append(out.Schema, want)
			out.Cols = append(out.Cols, col)
			continue
		}
		col := make([]any, rows)
		for r := 0; r < rows; r++ {
			v, err := frame.Coerce(f.Cols[j][r], want.Type)
			if err != nil {
				return nil, fmt.Errorf("output field %q row %d: %w", fd.Name, r, err)
			}
			col[r] = v
		}
		out.Schema = append(out.Schema, want)
		out.Cols = append(out.Cols, col)
	}
	if err := out.Schema.Validate(); err != nil {
		return nil, err
	}
	return out, out.Check()
}

func defaultValue(fd Field, t schema.Type) (any, error) {
	if fd.DefaultExpression == "" {
		return nil, nil
	}
	v, err := frame.EvalLiteral(fd.DefaultExpression)
	if err != nil {
		return nil, fmt.Errorf("output field %q: %w", fd.Name, err)
	}
	cv, err := frame.Coerce(v, t)
	if err != nil {
		return nil, fmt.Errorf("output field %q default: %w", fd.Name, err)
	}
	return cv, nil
}
