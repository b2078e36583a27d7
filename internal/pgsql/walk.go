package pgsql

import "fmt"

// Inspect traverses an expression tree in depth-first order, calling fn for
// each node. If fn returns false, the children of that node are skipped.
// Subqueries are visited as a single node; their bodies are not entered.
func Inspect(expr Expr, fn func(Expr) bool) {
	if expr == nil || !fn(expr) {
		return
	}
	switch e := expr.(type) {
	case *BinaryExpr:
		Inspect(e.Left, fn)
		Inspect(e.Right, fn)
	case *UnaryExpr:
		Inspect(e.Expr, fn)
	case *ParenExpr:
		Inspect(e.Expr, fn)
	case *FuncCall:
		for _, arg := range e.Args {
			Inspect(arg, fn)
		}
	case *CastExpr:
		Inspect(e.Expr, fn)
	case *InExpr:
		Inspect(e.Expr, fn)
		for _, v := range e.Values {
			Inspect(v, fn)
		}
	case *BetweenExpr:
		Inspect(e.Expr, fn)
		Inspect(e.Low, fn)
		Inspect(e.High, fn)
	case *IsNullExpr:
		Inspect(e.Expr, fn)
	case *LikeExpr:
		Inspect(e.Expr, fn)
		Inspect(e.Pattern, fn)
	case *CaseExpr:
		Inspect(e.Operand, fn)
		for _, w := range e.Whens {
			Inspect(w.Condition, fn)
			Inspect(w.Result, fn)
		}
		Inspect(e.Else, fn)
	}
}

// ColumnRefs returns every column reference in expr in source order.
func ColumnRefs(expr Expr) []*ColumnRef {
	var refs []*ColumnRef
	Inspect(expr, func(e Expr) bool {
		if c, ok := e.(*ColumnRef); ok {
			refs = append(refs, c)
		}
		return true
	})
	return refs
}

// MaxParam returns the highest $n index referenced by stmt, or 0.
func MaxParam(stmt Stmt) int {
	sel, ok := stmt.(*SelectStmt)
	if !ok {
		return 0
	}
	maxIdx := 0
	visit := func(expr Expr) {
		Inspect(expr, func(e Expr) bool {
			if pr, ok := e.(*ParamRef); ok && pr.Index > maxIdx {
				maxIdx = pr.Index
			}
			return true
		})
	}
	for _, item := range sel.Columns {
		visit(item.Expr)
	}
	for _, j := range sel.Joins {
		visit(j.On)
	}
	visit(sel.Where)
	for _, g := range sel.GroupBy {
		visit(g)
	}
	visit(sel.Having)
	for _, o := range sel.OrderBy {
		visit(o.Expr)
	}
	visit(sel.Limit)
	visit(sel.Offset)
	return maxIdx
}

// Rewrite returns a copy of expr in which every node has been passed
// through fn, children first. fn may return its argument unchanged.
// Subquery bodies are shared with the original, not copied.
func Rewrite(expr Expr, fn func(Expr) Expr) Expr {
	if expr == nil {
		return nil
	}
	var out Expr
	switch e := expr.(type) {
	case *ColumnRef:
		c := *e
		out = &c
	case *Literal:
		c := *e
		out = &c
	case *ParamRef:
		c := *e
		out = &c
	case *BinaryExpr:
		out = &BinaryExpr{Left: Rewrite(e.Left, fn), Op: e.Op, Right: Rewrite(e.Right, fn)}
	case *UnaryExpr:
		out = &UnaryExpr{Op: e.Op, Expr: Rewrite(e.Expr, fn)}
	case *ParenExpr:
		out = &ParenExpr{Expr: Rewrite(e.Expr, fn)}
	case *FuncCall:
		c := *e
		c.Args = make([]Expr, len(e.Args))
		for i, a := range e.Args {
			c.Args[i] = Rewrite(a, fn)
		}
		out = &c
	case *CastExpr:
		out = &CastExpr{Expr: Rewrite(e.Expr, fn), TypeName: e.TypeName}
	case *InExpr:
		c := &InExpr{Expr: Rewrite(e.Expr, fn), Query: e.Query, Not: e.Not}
		for _, v := range e.Values {
			c.Values = append(c.Values, Rewrite(v, fn))
		}
		out = c
	case *BetweenExpr:
		out = &BetweenExpr{Expr: Rewrite(e.Expr, fn), Low: Rewrite(e.Low, fn), High: Rewrite(e.High, fn), Not: e.Not}
	case *IsNullExpr:
		out = &IsNullExpr{Expr: Rewrite(e.Expr, fn), Not: e.Not}
	case *LikeExpr:
		out = &LikeExpr{Expr: Rewrite(e.Expr, fn), Pattern: Rewrite(e.Pattern, fn), Not: e.Not, ILike: e.ILike}
	case *CaseExpr:
		c := &CaseExpr{Operand: Rewrite(e.Operand, fn), Else: Rewrite(e.Else, fn)}
		for _, w := range e.Whens {
			c.Whens = append(c.Whens, WhenClause{Condition: Rewrite(w.Condition, fn), Result: Rewrite(w.Result, fn)})
		}
		out = c
	case *SubqueryExpr:
		c := *e
		out = &c
	default:
		out = expr
	}
	return fn(out)
}

// BindParams returns a copy of sel with every $n replaced by args[n-1].
// It fails if a referenced parameter has no argument.
func BindParams(sel *SelectStmt, args []Expr) (*SelectStmt, error) {
	var missing int
	sub := func(e Expr) Expr {
		if e == nil {
			return nil
		}
		return Rewrite(e, func(n Expr) Expr {
			if p, ok := n.(*ParamRef); ok {
				if p.Index > len(args) {
					if missing == 0 {
						missing = p.Index
					}
					return n
				}
				return args[p.Index-1]
			}
			return n
		})
	}

	out := *sel
	out.Columns = make([]SelectItem, len(sel.Columns))
	for i, item := range sel.Columns {
		item.Expr = sub(item.Expr)
		out.Columns[i] = item
	}
	out.Joins = make([]JoinClause, len(sel.Joins))
	for i, j := range sel.Joins {
		j.On = sub(j.On)
		out.Joins[i] = j
	}
	out.Where = sub(sel.Where)
	out.GroupBy = make([]Expr, len(sel.GroupBy))
	for i, g := range sel.GroupBy {
		out.GroupBy[i] = sub(g)
	}
	out.Having = sub(sel.Having)
	out.OrderBy = make([]OrderByItem, len(sel.OrderBy))
	for i, o := range sel.OrderBy {
		o.Expr = sub(o.Expr)
		out.OrderBy[i] = o
	}
	out.Limit = sub(sel.Limit)
	out.Offset = sub(sel.Offset)
	if missing > 0 {
		return nil, fmt.Errorf("there is no parameter $%d", missing)
	}
	return &out, nil
}
