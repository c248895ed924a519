// Package schema defines the canonical column types used across the engine
// and the ordered column schemas derived from them. Type names are stable
// and are the on-disk representation in persisted flows and cache metadata.
package schema

import (
	"fmt"
	"strings"
)

// Base identifies a canonical data type family.
type Base string

const (
	Int8     Base = "Int8"
	Int16    Base = "Int16"
	Int32    Base = "Int32"
	Int64    Base = "Int64"
	UInt8    Base = "UInt8"
	UInt16   Base = "UInt16"
	UInt32   Base = "UInt32"
	UInt64   Base = "UInt64"
	Float32  Base = "Float32"
	Float64  Base = "Float64"
	Boolean  Base = "Boolean"
	String   Base = "String"
	Binary   Base = "Binary"
	Date     Base = "Date"
	Time     Base = "Time"
	Datetime Base = "Datetime"
	Duration Base = "Duration"
	List     Base = "List"
	Struct   Base = "Struct"
	Null     Base = "Null"
	Unknown  Base = "Unknown"
)

// Type is a canonical column data type. List carries an element type in
// Elem; Struct carries ordered named fields.
type Type struct {
	Base   Base
	Elem   *Type
	Fields []StructField
}

// StructField is a single named field of a Struct type.
type StructField struct {
	Name string
	Type Type
}

// Of returns a scalar type for the given base. List and Struct require
// ListOf / StructOf.
func Of(b Base) Type {
	return Type{Base: b}
}

// ListOf returns a List type with the given element type.
func ListOf(elem Type) Type {
	e := elem
	return Type{Base: List, Elem: &e}
}

// StructOf returns a Struct type over the given fields, in order.
func StructOf(fields ...StructField) Type {
	return Type{Base: Struct, Fields: fields}
}

// Equal reports deep equality of two types.
func (t Type) Equal(o Type) bool {
	if t.Base != o.Base {
		return false
	}
	switch t.Base {
	case List:
		if (t.Elem == nil) != (o.Elem == nil) {
			return false
		}
		if t.Elem != nil && !t.Elem.Equal(*o.Elem) {
			return false
		}
	case Struct:
		if len(t.Fields) != len(o.Fields) {
			return false
		}
		for i := range t.Fields {
			if t.Fields[i].Name != o.Fields[i].Name || !t.Fields[i].Type.Equal(o.Fields[i].Type) {
				return false
			}
		}
	}
	return true
}

// String returns the stable textual name used in persistence.
func (t Type) String() string {
	switch t.Base {
	case List:
		elem := Type{Base: Unknown}
		if t.Elem != nil {
			elem = *t.Elem
		}
		return fmt.Sprintf("List<%s>", elem.String())
	case Struct:
		parts := make([]string, 0, len(t.Fields))
		for _, f := range t.Fields {
			parts = append(parts, f.Name+":"+f.Type.String())
		}
		return "Struct<{" + strings.Join(parts, ",") + "}>"
	case "":
		return string(Unknown)
	default:
		return string(t.Base)
	}
}

// IsNumeric reports whether the type is an integer or float family member.
func (t Type) IsNumeric() bool {
	switch t.Base {
	case Int8, Int16, Int32, Int64, UInt8, UInt16, UInt32, UInt64, Float32, Float64:
		return true
	}
	return false
}

// IsInteger reports whether the type is in the signed or unsigned integer family.
func (t Type) IsInteger() bool {
	switch t.Base {
	case Int8, Int16, Int32, Int64, UInt8, UInt16, UInt32, UInt64:
		return true
	}
	return false
}

var signedWidth = map[Base]int{Int8: 8, Int16: 16, Int32: 32, Int64: 64}
var unsignedWidth = map[Base]int{UInt8: 8, UInt16: 16, UInt32: 32, UInt64: 64}

// Parse resolves a stable type name back into a Type. It is the inverse of
// Type.String for every representable type.
func Parse(name string) (Type, error) {
	s := strings.TrimSpace(name)
	if s == "" {
		return Type{}, fmt.Errorf("empty type name")
	}
	if strings.HasPrefix(s, "List<") {
		if !strings.HasSuffix(s, ">") {
			return Type{}, fmt.Errorf("malformed list type: %q", name)
		}
		elem, err := Parse(s[len("List<") : len(s)-1])
		if err != nil {
			return Type{}, err
		}
		return ListOf(elem), nil
	}
	if strings.HasPrefix(s, "Struct<{") {
		if !strings.HasSuffix(s, "}>") {
			return Type{}, fmt.Errorf("malformed struct type: %q", name)
		}
		body := s[len("Struct<{") : len(s)-2]
		if strings.TrimSpace(body) == "" {
			return StructOf(), nil
		}
		fields := []StructField{}
		for _, part := range splitTopLevel(body, ',') {
			idx := topLevelIndex(part, ':')
			if idx < 0 {
				return Type{}, fmt.Errorf("malformed struct field %q in %q", part, name)
			}
			ft, err := Parse(part[idx+1:])
			if err != nil {
				return Type{}, err
			}
			fname := strings.TrimSpace(part[:idx])
			if fname == "" {
				return Type{}, fmt.Errorf("empty struct field name in %q", name)
			}
			fields = append(fields, StructField{Name: fname, Type: ft})
		}
		return StructOf(fields...), nil
	}
	switch Base(s) {
	case Int8, Int16, Int32, Int64, UInt8, UInt16, UInt32, UInt64,
		Float32, Float64, Boolean, String, Binary, Date, Time, Datetime,
		Duration, Null, Unknown:
		return Type{Base: Base(s)}, nil
	}
	return Type{}, fmt.Errorf("unknown type name: %q", name)
}

// MustParse is Parse for static type names; it panics on error.
func MustParse(name string) Type {
	t, err := Parse(name)
	if err != nil {
		panic(err)
	}
	return t
}

// splitTopLevel splits on sep outside of <...> nesting.
func splitTopLevel(s string, sep byte) []string {
	out := []string{}
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<', '{':
			depth++
		case '>', '}':
			depth--
		case sep:
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func topLevelIndex(s string, sep byte) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<', '{':
			depth++
		case '>', '}':
			depth--
		case sep:
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Assignable reports whether a value of type from may be assigned to a
// column of type to without data loss. Widening rules: integers widen within
// their signed or unsigned family, Float32 widens to Float64, Null is
// assignable to anything, and String is the universal fallback target.
func Assignable(from, to Type) bool {
	if from.Equal(to) {
		return true
	}
	if from.Base == Null {
		return true
	}
	if to.Base == String {
		return true
	}
	if to.Base == Unknown || from.Base == Unknown {
		return false
	}
	if fw, ok := signedWidth[from.Base]; ok {
		if tw, ok := signedWidth[to.Base]; ok {
			return fw <= tw
		}
		return false
	}
	if fw, ok := unsignedWidth[from.Base]; ok {
		if tw, ok := unsignedWidth[to.Base]; ok {
			return fw <= tw
		}
		return false
	}
	if from.Base == Float32 && to.Base == Float64 {
		return true
	}
	if from.Base == List && to.Base == List && from.Elem != nil && to.Elem != nil {
		return Assignable(*from.Elem, *to.Elem)
	}
	return false
}
