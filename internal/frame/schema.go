// Package frame holds the lazy logical plan that the expression builder,
// the validation engine and the feature engine compose. A LazyFrame is an
// immutable description of a computation; nothing in this package reads or
// evaluates data.
package frame

import (
	"strings"

	"github.com/takurot/mlprep/internal/expr"
	"github.com/takurot/mlprep/internal/types"
)

// Field is a named, typed column.
type Field struct {
	Name string
	Type types.DataType
}

// Schema is an ordered list of fields.
type Schema struct {
	Fields []Field
}

// NewSchema builds a schema from fields.
func NewSchema(fields ...Field) Schema { return Schema{Fields: fields} }

// Len returns the number of fields.
func (s Schema) Len() int { return len(s.Fields) }

// Names returns the field names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

// Index returns the position of name, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Has reports whether name is a field.
func (s Schema) Has(name string) bool { return s.Index(name) >= 0 }

// Lookup returns the field called name.
func (s Schema) Lookup(name string) (Field, bool) {
	if i := s.Index(name); i >= 0 {
		return s.Fields[i], true
	}
	return Field{}, false
}

// Missing returns the names not present in s, in argument order.
func (s Schema) Missing(names ...string) []string {
	var out []string
	for _, n := range names {
		if !s.Has(n) {
			out = append(out, n)
		}
	}
	return out
}

// With returns a copy of s where f replaces the field of the same name or is
// appended.
func (s Schema) With(f Field) Schema {
	out := Schema{Fields: append([]Field(nil), s.Fields...)}
	if i := out.Index(f.Name); i >= 0 {
		out.Fields[i] = f
		return out
	}
	out.Fields = append(out.Fields, f)
	return out
}

// Select returns the sub-schema of names in the given order. Unknown names
// are skipped.
func (s Schema) Select(names []string) Schema {
	out := Schema{Fields: make([]Field, 0, len(names))}
	for _, n := range names {
		if f, ok := s.Lookup(n); ok {
			out.Fields = append(out.Fields, f)
		}
	}
	return out
}

// Without returns s minus the named fields.
func (s Schema) Without(names ...string) Schema {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}
	out := Schema{Fields: make([]Field, 0, len(s.Fields))}
	for _, f := range s.Fields {
		if _, ok := drop[f.Name]; !ok {
			out.Fields = append(out.Fields, f)
		}
	}
	return out
}

func (s Schema) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = f.Name + ":" + f.Type.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ExprType infers the output type of e over rows of s. Unknown is returned
// when the type depends on data.
func ExprType(e expr.Expr, s Schema) types.DataType {
	switch e := e.(type) {
	case *expr.Column:
		if f, ok := s.Lookup(e.Name); ok {
			return f.Type
		}
		return types.Unknown
	case *expr.Literal:
		return types.TypeOf(e.Value)
	case *expr.Unary:
		switch e.Op {
		case types.UnaryOpNeg:
			return ExprType(e.X, s)
		case types.UnaryOpNormalize:
			return types.String
		default:
			return types.Bool
		}
	case *expr.Binary:
		if e.Op.IsComparison() || e.Op.IsLogical() {
			return types.Bool
		}
		if e.Op == types.BinaryOpDiv {
			return types.Float64
		}
		if ExprType(e.Left, s) == types.Int64 && ExprType(e.Right, s) == types.Int64 {
			return types.Int64
		}
		return types.Float64
	case *expr.Cast:
		return e.To
	case *expr.InSet, *expr.Match:
		return types.Bool
	case *expr.Coalesce:
		for _, a := range e.Args {
			if t := ExprType(a, s); t != types.Unknown {
				return t
			}
		}
		return types.Unknown
	case *expr.Case:
		if t := ExprType(e.Then, s); t != types.Unknown {
			return t
		}
		return ExprType(e.Else, s)
	case *expr.Lookup:
		if e.Default != nil {
			return types.TypeOf(e.Default)
		}
		for _, v := range e.Table {
			return types.TypeOf(v)
		}
		return types.Unknown
	case *expr.HashBucket:
		return types.Int64
	case *expr.Agg:
		if e.X == nil {
			return types.Int64
		}
		return e.Func.ResultType(ExprType(e.X, s))
	case *expr.Over:
		return ExprType(e.Agg, s)
	case *expr.RuleList:
		return types.String
	}
	return types.Unknown
}
