package schema

import (
	"fmt"
	"strings"
)

// Column is a single named, typed column. Name comparison is case-sensitive.
type Column struct {
	Name     string
	Type     Type
	Nullable bool
}

// Schema is an ordered sequence of columns with unique names.
type Schema []Column

// New builds a schema and validates name uniqueness.
func New(cols ...Column) (Schema, error) {
	s := Schema(cols)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks for empty or duplicate column names.
func (s Schema) Validate() error {
	seen := make(map[string]bool, len(s))
	for i, c := range s {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("column %d has an empty name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate column name: %q", c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

// Index returns the position of the named column, or -1.
func (s Schema) Index(name string) int {
	for i, c := range s {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Find returns the named column and whether it exists.
func (s Schema) Find(name string) (Column, bool) {
	if i := s.Index(name); i >= 0 {
		return s[i], true
	}
	return Column{}, false
}

// Has reports whether the named column exists.
func (s Schema) Has(name string) bool {
	return s.Index(name) >= 0
}

// Equal compares schemas by ordered (name, type) pairs. Nullability is not
// part of schema identity.
func (s Schema) Equal(o Schema) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i].Name != o[i].Name || !s[i].Type.Equal(o[i].Type) {
			return false
		}
	}
	return true
}

// Clone returns a copy safe for independent mutation.
func (s Schema) Clone() Schema {
	out := make(Schema, len(s))
	copy(out, s)
	return out
}

// String renders the schema as "[name:Type, ...]" for diagnostics.
func (s Schema) String() string {
	parts := make([]string, len(s))
	for i, c := range s {
		parts[i] = c.Name + ":" + c.Type.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Select returns a schema restricted to the given names in the given order.
// Missing names are reported as an error.
func (s Schema) Select(names []string) (Schema, error) {
	out := make(Schema, 0, len(names))
	for _, n := range names {
		c, ok := s.Find(n)
		if !ok {
			return nil, fmt.Errorf("column %q not found in %s", n, s)
		}
		out = append(out, c)
	}
	return out, nil
}
