package pgsql

import (
	"fmt"
	"strings"
)

// Formatter renders expression trees back to SQL text. The output is flat:
// grouping is preserved through ParenExpr nodes, so hooks that substitute a
// compound expression must parenthesize it themselves.
type Formatter struct {
	// Column renders a column reference. When nil, references are written
	// as double-quoted identifiers.
	Column func(ref *ColumnRef) (string, error)
	// Func renders a function call. Returning ok=false falls back to the
	// default rendering.
	Func func(call *FuncCall) (sql string, ok bool, err error)
}

// FormatExpr renders expr with the default formatter.
func FormatExpr(expr Expr) (string, error) {
	return (&Formatter{}).Format(expr)
}

// Format renders expr as SQL.
func (f *Formatter) Format(expr Expr) (string, error) {
	w := &exprWriter{f: f}
	w.expr(expr)
	if w.err != nil {
		return "", w.err
	}
	return w.buf.String(), nil
}

// QuoteIdent double-quotes an identifier, doubling embedded quotes.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// QuoteString renders s as a standard-conforming string literal.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

type exprWriter struct {
	f   *Formatter
	buf strings.Builder
	err error
}

func (w *exprWriter) write(s string) {
	w.buf.WriteString(s)
}

func (w *exprWriter) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *exprWriter) list(exprs []Expr) {
	for i, e := range exprs {
		if i > 0 {
			w.write(", ")
		}
		w.expr(e)
	}
}

func (w *exprWriter) expr(e Expr) {
	if e == nil || w.err != nil {
		return
	}
	switch n := e.(type) {
	case *Literal:
		w.literal(n)
	case *ColumnRef:
		w.columnRef(n)
	case *ParamRef:
		w.fail(fmt.Errorf("there is no parameter $%d", n.Index))
	case *BinaryExpr:
		w.expr(n.Left)
		w.write(" " + n.Op.String() + " ")
		w.expr(n.Right)
	case *UnaryExpr:
		if n.Op == TOKEN_NOT {
			w.write("NOT ")
		} else {
			w.write(n.Op.String())
		}
		w.expr(n.Expr)
	case *ParenExpr:
		w.write("(")
		w.expr(n.Expr)
		w.write(")")
	case *FuncCall:
		w.funcCall(n)
	case *CastExpr:
		w.write("CAST(")
		w.expr(n.Expr)
		w.write(" AS " + n.TypeName + ")")
	case *InExpr:
		if n.Query != nil {
			w.fail(fmt.Errorf("subqueries are not supported here"))
			return
		}
		w.expr(n.Expr)
		if n.Not {
			w.write(" NOT")
		}
		w.write(" IN (")
		w.list(n.Values)
		w.write(")")
	case *BetweenExpr:
		w.expr(n.Expr)
		if n.Not {
			w.write(" NOT")
		}
		w.write(" BETWEEN ")
		w.expr(n.Low)
		w.write(" AND ")
		w.expr(n.High)
	case *IsNullExpr:
		w.expr(n.Expr)
		if n.Not {
			w.write(" IS NOT NULL")
		} else {
			w.write(" IS NULL")
		}
	case *LikeExpr:
		w.expr(n.Expr)
		if n.Not {
			w.write(" NOT")
		}
		if n.ILike {
			w.write(" ILIKE ")
		} else {
			w.write(" LIKE ")
		}
		w.expr(n.Pattern)
	case *CaseExpr:
		w.write("CASE")
		if n.Operand != nil {
			w.write(" ")
			w.expr(n.Operand)
		}
		for _, when := range n.Whens {
			w.write(" WHEN ")
			w.expr(when.Condition)
			w.write(" THEN ")
			w.expr(when.Result)
		}
		if n.Else != nil {
			w.write(" ELSE ")
			w.expr(n.Else)
		}
		w.write(" END")
	case *SubqueryExpr:
		w.fail(fmt.Errorf("subqueries are not supported here"))
	default:
		w.fail(fmt.Errorf("cannot format %T", e))
	}
}

func (w *exprWriter) literal(lit *Literal) {
	switch lit.Type {
	case LiteralString:
		w.write(QuoteString(lit.Value))
	case LiteralBool:
		w.write(strings.ToUpper(lit.Value))
	case LiteralNull:
		w.write("NULL")
	default:
		w.write(lit.Value)
	}
}

func (w *exprWriter) columnRef(ref *ColumnRef) {
	if w.f.Column != nil {
		s, err := w.f.Column(ref)
		if err != nil {
			w.fail(err)
			return
		}
		w.write(s)
		return
	}
	if ref.Schema != "" {
		w.write(QuoteIdent(ref.Schema) + ".")
	}
	if ref.Table != "" {
		w.write(QuoteIdent(ref.Table) + ".")
	}
	w.write(QuoteIdent(ref.Column))
}

func (w *exprWriter) funcCall(call *FuncCall) {
	if w.f.Func != nil {
		s, ok, err := w.f.Func(call)
		if err != nil {
			w.fail(err)
			return
		}
		if ok {
			w.write(s)
			return
		}
	}
	if call.Schema != "" {
		w.write(call.Schema + ".")
	}
	w.write(call.Name)
	if call.NoParens {
		return
	}
	w.write("(")
	if call.Distinct {
		w.write("DISTINCT ")
	}
	if call.Star {
		w.write("*")
	} else {
		w.list(call.Args)
	}
	w.write(")")
}
