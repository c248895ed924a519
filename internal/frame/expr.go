package frame

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowforge-io/flowforge/internal/schema"
)

// CompileExpr compiles a row expression against the given input schema.
// Column names are bound as variables; the expression runs sandboxed with
// no ambient environment.
func CompileExpr(src string, in schema.Schema) (*vm.Program, error) {
	env := make(map[string]any, len(in))
	for _, c := range in {
		env[c.Name] = ZeroValue(c.Type)
	}
	prog, err := expr.Compile(src, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", src, err)
	}
	return prog, nil
}

// Filter keeps rows for which the predicate evaluates to true. A non-bool
// result is an error; a nil result drops the row.
func (f *Frame) Filter(src string) (*Frame, error) {
	prog, err := CompileExpr(src, f.Schema)
	if err != nil {
		return nil, err
	}
	idx := []int{}
	for r := 0; r < f.NumRows(); r++ {
		out, err := expr.Run(prog, f.RowMap(r))
		if err != nil {
			return nil, fmt.Errorf("filter %q row %d: %w", src, r, err)
		}
		if out == nil {
			continue
		}
		keep, ok := out.(bool)
		if !ok {
			return nil, fmt.Errorf("filter %q returned %T, want bool", src, out)
		}
		if keep {
			idx = append(idx, r)
		}
	}
	return f.Gather(idx), nil
}

// WithFormula evaluates the expression per row into a new (or replaced)
// column of the given type.
func (f *Frame) WithFormula(name, src string, t schema.Type) (*Frame, error) {
	prog, err := CompileExpr(src, f.Schema)
	if err != nil {
		return nil, err
	}
	values := make([]any, f.NumRows())
	for r := 0; r < f.NumRows(); r++ {
		out, err := expr.Run(prog, f.RowMap(r))
		if err != nil {
			return nil, fmt.Errorf("formula %q row %d: %w", src, r, err)
		}
		cv, err := Coerce(out, t)
		if err != nil {
			return nil, fmt.Errorf("formula %q: %w", src, err)
		}
		values[r] = cv
	}
	return f.WithColumn(schema.Column{Name: name, Type: t, Nullable: true}, values)
}

// EvalLiteral evaluates a standalone expression with no row context, for
// output-field default expressions.
func EvalLiteral(src string) (any, error) {
	prog, err := expr.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("compile default expression %q: %w", src, err)
	}
	out, err := expr.Run(prog, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("evaluate default expression %q: %w", src, err)
	}
	return out, nil
}

// CodeAssignment is one "column = expression" line of a custom-code node.
type CodeAssignment struct {
	Column string
	Source string
}

// ApplyCode runs each assignment in order, adding or replacing columns.
// Each assignment sees the columns produced by earlier ones.
func (f *Frame) ApplyCode(assignments []CodeAssignment) (*Frame, error) {
	cur := f
	for _, a := range assignments {
		prog, err := CompileExpr(a.Source, cur.Schema)
		if err != nil {
			return nil, err
		}
		values := make([]any, cur.NumRows())
		var t schema.Type
		for r := 0; r < cur.NumRows(); r++ {
			out, err := expr.Run(prog, cur.RowMap(r))
			if err != nil {
				return nil, fmt.Errorf("code %q row %d: %w", a.Source, r, err)
			}
			if r == 0 || t.Base == schema.Null || t.Base == "" {
				t = InferType(out)
			}
			values[r] = out
		}
		if t.Base == "" || t.Base == schema.Null {
			t = PredictCodeType(a.Source, cur.Schema)
		}
		for r := range values {
			cv, err := Coerce(values[r], t)
			if err != nil {
				return nil, fmt.Errorf("code %q: %w", a.Source, err)
			}
			values[r] = cv
		}
		cur, err = cur.WithColumn(schema.Column{Name: a.Column, Type: t, Nullable: true}, values)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// PredictCodeType infers the output type of an expression by dry-running it
// over a single row of zero values. Prediction never executes user data.
func PredictCodeType(src string, in schema.Schema) schema.Type {
	prog, err := CompileExpr(src, in)
	if err != nil {
		return schema.Of(schema.Unknown)
	}
	env := make(map[string]any, len(in))
	for _, c := range in {
		env[c.Name] = ZeroValue(c.Type)
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return schema.Of(schema.Unknown)
	}
	return InferType(out)
}
