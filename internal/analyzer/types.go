package analyzer

import (
	"strconv"
	"strings"

	"semgate/internal/catalog"
	"semgate/internal/pgsql"
)

// DeriveName returns the output column name PostgreSQL gives an unaliased
// select-list expression.
func DeriveName(expr pgsql.Expr) string {
	switch n := expr.(type) {
	case *pgsql.ColumnRef:
		return n.Column
	case *pgsql.FuncCall:
		return n.Name
	case *pgsql.ParenExpr:
		return DeriveName(n.Expr)
	case *pgsql.CastExpr:
		if name := DeriveName(n.Expr); name != "?column?" {
			return name
		}
		return castName(n.TypeName)
	case *pgsql.CaseExpr:
		return "case"
	}
	return "?column?"
}

func castName(typeName string) string {
	if i := strings.IndexByte(typeName, '('); i > 0 {
		typeName = typeName[:i]
	}
	switch typeName {
	case "integer", "int":
		return "int4"
	case "bigint":
		return "int8"
	case "smallint":
		return "int2"
	case "boolean":
		return "bool"
	case "double precision":
		return "float8"
	case "real":
		return "float4"
	case "character varying":
		return "varchar"
	case "timestamp without time zone":
		return "timestamp"
	case "timestamp with time zone":
		return "timestamptz"
	}
	if i := strings.LastIndexByte(typeName, '.'); i >= 0 {
		return typeName[i+1:]
	}
	return typeName
}

// literalType types a constant the way it is sent back to clients.
func literalType(lit *pgsql.Literal) catalog.WireType {
	switch lit.Type {
	case pgsql.LiteralBool:
		return catalog.TypeBool
	case pgsql.LiteralString, pgsql.LiteralNull:
		return catalog.TypeText
	}
	if strings.ContainsAny(lit.Value, ".eE") {
		return catalog.TypeNumeric
	}
	v, err := strconv.ParseInt(lit.Value, 10, 64)
	if err != nil {
		return catalog.TypeNumeric
	}
	if v >= -1<<31 && v < 1<<31 {
		return catalog.TypeInt4
	}
	return catalog.TypeInt8
}

func isNumericType(t catalog.WireType) bool {
	switch t.OID {
	case catalog.TypeInt4.OID, catalog.TypeInt8.OID, catalog.TypeNumeric.OID, catalog.TypeFloat8.OID:
		return true
	}
	return false
}

func arithmeticType(op pgsql.TokenType, l, r catalog.WireType) catalog.WireType {
	if op == pgsql.TOKEN_DPIPE {
		return catalog.TypeText
	}
	if op == pgsql.TOKEN_SLASH {
		return catalog.TypeNumeric
	}
	switch {
	case l == catalog.TypeInt4 && r == catalog.TypeInt4:
		return catalog.TypeInt4
	case (l == catalog.TypeInt4 || l == catalog.TypeInt8) && (r == catalog.TypeInt4 || r == catalog.TypeInt8):
		return catalog.TypeInt8
	case l == catalog.TypeFloat8 || r == catalog.TypeFloat8:
		return catalog.TypeFloat8
	case isNumericType(l) || isNumericType(r):
		return catalog.TypeNumeric
	}
	return l
}

// exprType infers the result type of the expression forms common to data
// and introspection queries. leaf handles column references and function
// calls.
func exprType(expr pgsql.Expr, leaf func(pgsql.Expr) (catalog.WireType, bool)) catalog.WireType {
	if t, ok := leaf(expr); ok {
		return t
	}
	switch n := expr.(type) {
	case *pgsql.Literal:
		return literalType(n)
	case *pgsql.ParenExpr:
		return exprType(n.Expr, leaf)
	case *pgsql.CastExpr:
		if t, ok := catalog.TypeForCast(n.TypeName); ok {
			return t
		}
		return catalog.TypeText
	case *pgsql.UnaryExpr:
		if n.Op == pgsql.TOKEN_NOT {
			return catalog.TypeBool
		}
		return exprType(n.Expr, leaf)
	case *pgsql.BinaryExpr:
		switch n.Op {
		case pgsql.TOKEN_PLUS, pgsql.TOKEN_MINUS, pgsql.TOKEN_STAR, pgsql.TOKEN_SLASH, pgsql.TOKEN_MOD, pgsql.TOKEN_DPIPE:
			return arithmeticType(n.Op, exprType(n.Left, leaf), exprType(n.Right, leaf))
		}
		return catalog.TypeBool
	case *pgsql.InExpr, *pgsql.BetweenExpr, *pgsql.IsNullExpr, *pgsql.LikeExpr:
		return catalog.TypeBool
	case *pgsql.SubqueryExpr:
		if n.Exists {
			return catalog.TypeBool
		}
	case *pgsql.CaseExpr:
		for _, w := range n.Whens {
			if lit, ok := w.Result.(*pgsql.Literal); ok && lit.Type == pgsql.LiteralNull {
				continue
			}
			return exprType(w.Result, leaf)
		}
		if n.Else != nil {
			return exprType(n.Else, leaf)
		}
	}
	return catalog.TypeText
}

// typeOf infers the wire type of a data query expression.
func (b *binder) typeOf(expr pgsql.Expr) catalog.WireType {
	return exprType(expr, func(e pgsql.Expr) (catalog.WireType, bool) {
		switch n := e.(type) {
		case *pgsql.ColumnRef:
			if col, ok := b.refs[n]; ok {
				return col.Type, true
			}
			return catalog.TypeText, true
		case *pgsql.FuncCall:
			if isAggregateCall(n) {
				switch aggregationOf(n) {
				case "count", "count_distinct":
					return catalog.TypeInt8, true
				}
				return catalog.TypeNumeric, true
			}
			switch n.Name {
			case "length":
				return catalog.TypeInt4, true
			case "abs", "round", "floor", "ceil":
				return catalog.TypeNumeric, true
			case "date_trunc":
				return catalog.TypeTimestamp, true
			case "date_part":
				return catalog.TypeFloat8, true
			case "coalesce", "nullif", "greatest", "least":
				if len(n.Args) > 0 {
					return b.typeOf(n.Args[0]), true
				}
			}
			return catalog.TypeText, true
		}
		return catalog.WireType{}, false
	})
}

// inferParams assigns each $n the type of whatever it is compared with.
// Parameters used nowhere typed default to text; LIMIT and OFFSET
// parameters are int8.
func inferParams(sel *pgsql.SelectStmt, typeOf func(pgsql.Expr) catalog.WireType) []catalog.WireType {
	n := pgsql.MaxParam(sel)
	if n == 0 {
		return nil
	}
	types := make([]catalog.WireType, n)
	set := func(e pgsql.Expr, t catalog.WireType) {
		if p, ok := unparen(e).(*pgsql.ParamRef); ok && types[p.Index-1].OID == 0 {
			types[p.Index-1] = t
		}
	}
	isParam := func(e pgsql.Expr) bool {
		_, ok := unparen(e).(*pgsql.ParamRef)
		return ok
	}
	visit := func(expr pgsql.Expr) {
		pgsql.Inspect(expr, func(e pgsql.Expr) bool {
			switch x := e.(type) {
			case *pgsql.BinaryExpr:
				if isParam(x.Left) && !isParam(x.Right) {
					set(x.Left, typeOf(x.Right))
				}
				if isParam(x.Right) && !isParam(x.Left) {
					set(x.Right, typeOf(x.Left))
				}
			case *pgsql.InExpr:
				if !isParam(x.Expr) {
					t := typeOf(x.Expr)
					for _, v := range x.Values {
						set(v, t)
					}
				}
			case *pgsql.BetweenExpr:
				if !isParam(x.Expr) {
					t := typeOf(x.Expr)
					set(x.Low, t)
					set(x.High, t)
				}
			case *pgsql.LikeExpr:
				set(x.Expr, catalog.TypeText)
				set(x.Pattern, catalog.TypeText)
			case *pgsql.CastExpr:
				if t, ok := catalog.TypeForCast(x.TypeName); ok {
					set(x.Expr, t)
				}
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
	set(sel.Limit, catalog.TypeInt8)
	set(sel.Offset, catalog.TypeInt8)
	for i := range types {
		if types[i].OID == 0 {
			types[i] = catalog.TypeText
		}
	}
	return types
}
