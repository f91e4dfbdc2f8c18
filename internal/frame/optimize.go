package frame

import (
	"github.com/takurot/mlprep/internal/config"
	"github.com/takurot/mlprep/internal/expr"
)

// maxPasses bounds the rewrite loop.
const maxPasses = 32

// A rule is a transformation that can be applied on a Node.
type rule interface {
	// apply tries to apply the transformation on the node. It returns the
	// replacement node and whether the transformation has been applied.
	apply(Node) (Node, bool)
}

// Optimize rewrites the plan rooted at n: no-op and adjacent filters are
// folded, filters are pushed towards the scans, and scans read only the
// columns some ancestor uses. The input plan is not modified.
func Optimize(n Node) Node {
	rules := []rule{removeNoopFilter{}, mergeFilters{}, predicatePushdown{}}
	for i := 0; i < maxPasses; i++ {
		var changed bool
		n, changed = rewrite(n, rules)
		if !changed {
			break
		}
	}
	return prune(n, nil)
}

func rewrite(n Node, rules []rule) (Node, bool) {
	changed := false
	inputs := n.Inputs()
	if len(inputs) > 0 {
		next := make([]Node, len(inputs))
		for i, in := range inputs {
			var c bool
			next[i], c = rewrite(in, rules)
			changed = changed || c
		}
		if changed {
			n = withInputs(n, next)
		}
	}
	for _, r := range rules {
		if m, ok := r.apply(n); ok {
			n = m
			changed = true
		}
	}
	return n, changed
}

// withInputs returns a shallow copy of n with its inputs replaced.
func withInputs(n Node, in []Node) Node {
	switch n := n.(type) {
	case *Project:
		c := *n
		c.Input = in[0]
		return &c
	case *Filter:
		c := *n
		c.Input = in[0]
		return &c
	case *WithColumns:
		c := *n
		c.Input = in[0]
		return &c
	case *Drop:
		c := *n
		c.Input = in[0]
		return &c
	case *Sort:
		c := *n
		c.Input = in[0]
		return &c
	case *Join:
		c := *n
		c.Left, c.Right = in[0], in[1]
		return &c
	case *Aggregate:
		c := *n
		c.Input = in[0]
		return &c
	case *FillNull:
		c := *n
		c.Input = in[0]
		return &c
	}
	return n
}

// removeNoopFilter removes filters whose predicate is the literal true.
type removeNoopFilter struct{}

func (removeNoopFilter) apply(n Node) (Node, bool) {
	if f, ok := n.(*Filter); ok {
		if lit, ok := f.Predicate.(*expr.Literal); ok && lit.Value == true {
			return f.Input, true
		}
	}
	return n, false
}

// mergeFilters folds two adjacent filters into one conjunction.
type mergeFilters struct{}

func (mergeFilters) apply(n Node) (Node, bool) {
	f, ok := n.(*Filter)
	if !ok {
		return n, false
	}
	inner, ok := f.Input.(*Filter)
	if !ok || expr.HasWindow(f.Predicate) || expr.HasWindow(inner.Predicate) {
		return n, false
	}
	return &Filter{Input: inner.Input, Predicate: expr.And(inner.Predicate, f.Predicate)}, true
}

// predicatePushdown moves a filter below nodes that do not change the rows
// its predicate sees, down to the scan.
type predicatePushdown struct{}

func (predicatePushdown) apply(n Node) (Node, bool) {
	f, ok := n.(*Filter)
	if !ok || expr.HasWindow(f.Predicate) {
		return n, false
	}
	pred := f.Predicate
	cols := expr.Columns(pred)

	switch in := f.Input.(type) {
	case *Scan:
		c := *in
		if c.Predicate == nil {
			c.Predicate = pred
		} else {
			c.Predicate = expr.And(c.Predicate, pred)
		}
		return &c, true
	case *Project:
		return &Project{Input: &Filter{Input: in.Input, Predicate: pred}, Columns: in.Columns}, true
	case *Drop:
		return &Drop{Input: &Filter{Input: in.Input, Predicate: pred}, Columns: in.Columns}, true
	case *Sort:
		return &Sort{Input: &Filter{Input: in.Input, Predicate: pred}, Keys: in.Keys}, true
	case *WithColumns:
		for _, e := range in.Exprs {
			if expr.HasWindow(e.Expr) || contains(cols, e.Name) {
				return n, false
			}
		}
		return &WithColumns{Input: &Filter{Input: in.Input, Predicate: pred}, Exprs: in.Exprs}, true
	case *Aggregate:
		if len(in.By) == 0 || !subset(cols, in.By) {
			return n, false
		}
		return &Aggregate{Input: &Filter{Input: in.Input, Predicate: pred}, By: in.By, Aggs: in.Aggs}, true
	case *Join:
		left := in.Left.Schema()
		if (in.How == config.JoinInner || in.How == config.JoinCross || in.How == config.JoinLeft) && subset(cols, left.Names()) {
			c := *in
			c.Left = &Filter{Input: in.Left, Predicate: pred}
			return &c, true
		}
		if in.How == config.JoinInner || in.How == config.JoinCross || in.How == config.JoinRight {
			var unrenamed []string
			for _, rf := range in.RightFields() {
				if !left.Has(rf.Name) {
					unrenamed = append(unrenamed, rf.Name)
				}
			}
			if subset(cols, unrenamed) && subset(cols, in.Right.Schema().Names()) {
				c := *in
				c.Right = &Filter{Input: in.Right, Predicate: pred}
				return &c, true
			}
		}
	}
	return n, false
}

// prune narrows scans to the columns required by their ancestors. A nil
// required list means every column is needed.
func prune(n Node, required []string) Node {
	switch n := n.(type) {
	case *Scan:
		if required == nil {
			return n
		}
		var proj []string
		for _, name := range n.Source.Names() {
			if contains(required, name) {
				proj = append(proj, name)
			}
		}
		if len(proj) == n.Source.Len() {
			return n
		}
		c := *n
		if proj == nil {
			proj = []string{}
		}
		c.Projection = proj
		return &c
	case *Values:
		return n
	case *Project:
		cols := n.Columns
		if required != nil {
			cols = intersect(n.Columns, required)
		}
		return &Project{Input: prune(n.Input, cols), Columns: cols}
	case *Filter:
		return &Filter{Input: prune(n.Input, union(required, expr.Columns(n.Predicate)...)), Predicate: n.Predicate}
	case *WithColumns:
		if required == nil {
			return &WithColumns{Input: prune(n.Input, nil), Exprs: n.Exprs}
		}
		var kept []NamedExpr
		var used []string
		for _, e := range n.Exprs {
			if contains(required, e.Name) {
				kept = append(kept, e)
				used = append(used, expr.Columns(e.Expr)...)
			}
		}
		passthrough := []string{}
		for _, r := range required {
			if !definedBy(kept, r) {
				passthrough = append(passthrough, r)
			}
		}
		child := prune(n.Input, union(passthrough, used...))
		if len(kept) == 0 {
			return child
		}
		return &WithColumns{Input: child, Exprs: kept}
	case *Drop:
		return &Drop{Input: prune(n.Input, required), Columns: n.Columns}
	case *Sort:
		keys := make([]string, len(n.Keys))
		for i, k := range n.Keys {
			keys[i] = k.Column
		}
		return &Sort{Input: prune(n.Input, union(required, keys...)), Keys: n.Keys}
	case *Join:
		c := *n
		c.Left, c.Right = prune(n.Left, nil), prune(n.Right, nil)
		return &c
	case *Aggregate:
		need := append([]string{}, n.By...)
		for _, a := range n.Aggs {
			need = append(need, expr.Columns(a.Agg)...)
		}
		return &Aggregate{Input: prune(n.Input, union(need)), By: n.By, Aggs: n.Aggs}
	case *FillNull:
		return &FillNull{Input: prune(n.Input, required), Columns: n.Columns, Forward: n.Forward}
	}
	return n
}

func definedBy(es []NamedExpr, name string) bool {
	for _, e := range es {
		if e.Name == name {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func subset(a, b []string) bool {
	for _, x := range a {
		if !contains(b, x) {
			return false
		}
	}
	return true
}

func intersect(a, b []string) []string {
	out := []string{}
	for _, x := range a {
		if contains(b, x) {
			out = append(out, x)
		}
	}
	return out
}

// union appends extra to base without duplicates. A nil base stays nil
// (every column required).
func union(base []string, extra ...string) []string {
	if base == nil {
		return nil
	}
	out := append([]string{}, base...)
	for _, x := range extra {
		if !contains(out, x) {
			out = append(out, x)
		}
	}
	return out
}
