package engine

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"semgate/internal/analyzer"
	"semgate/internal/catalog"
	"semgate/internal/domain"
	"semgate/internal/pgsql"
)

// evaluator computes introspection expressions over one in-memory row.
// SQL NULL is nil; integers are int64.
type evaluator struct {
	q     *analyzer.IntrospectionQuery
	funcs func(call *pgsql.FuncCall, args []any) (any, error)
	row   []any
}

func (e *evaluator) eval(expr pgsql.Expr) (any, error) {
	switch n := expr.(type) {
	case *pgsql.Literal:
		return literalValue(n)
	case *pgsql.ColumnRef:
		i, ok := e.q.ColumnIndex(n)
		if !ok || i >= len(e.row) {
			return nil, domain.ErrUnknownColumn(n.Column)
		}
		return normalize(e.row[i]), nil
	case *pgsql.ParamRef:
		return nil, domain.ErrValidation("there is no parameter $%d", n.Index)
	case *pgsql.ParenExpr:
		return e.eval(n.Expr)
	case *pgsql.CastExpr:
		v, err := e.eval(n.Expr)
		if err != nil {
			return nil, err
		}
		t, ok := catalog.TypeForCast(n.TypeName)
		if !ok {
			return nil, domain.ErrNotSupported("cast to %s is not supported on system catalogs", n.TypeName)
		}
		return castValue(v, t)
	case *pgsql.UnaryExpr:
		v, err := e.eval(n.Expr)
		if err != nil || v == nil {
			return nil, err
		}
		switch n.Op {
		case pgsql.TOKEN_NOT:
			b, ok := v.(bool)
			if !ok {
				return nil, domain.ErrValidation("argument of NOT must be type boolean")
			}
			return !b, nil
		case pgsql.TOKEN_MINUS:
			return arith(pgsql.TOKEN_MINUS, int64(0), v)
		}
		return v, nil
	case *pgsql.BinaryExpr:
		return e.binary(n)
	case *pgsql.IsNullExpr:
		v, err := e.eval(n.Expr)
		if err != nil {
			return nil, err
		}
		return (v == nil) != n.Not, nil
	case *pgsql.InExpr:
		return e.in(n)
	case *pgsql.BetweenExpr:
		v, err := e.eval(n.Expr)
		if err != nil {
			return nil, err
		}
		lo, err := e.eval(n.Low)
		if err != nil {
			return nil, err
		}
		hi, err := e.eval(n.High)
		if err != nil {
			return nil, err
		}
		if v == nil || lo == nil || hi == nil {
			return nil, nil
		}
		c1, err := compare(v, lo)
		if err != nil {
			return nil, err
		}
		c2, err := compare(v, hi)
		if err != nil {
			return nil, err
		}
		return (c1 >= 0 && c2 <= 0) != n.Not, nil
	case *pgsql.LikeExpr:
		v, err := e.eval(n.Expr)
		if err != nil {
			return nil, err
		}
		p, err := e.eval(n.Pattern)
		if err != nil {
			return nil, err
		}
		if v == nil || p == nil {
			return nil, nil
		}
		re, err := likePattern(toText(p), n.ILike)
		if err != nil {
			return nil, err
		}
		return re.MatchString(toText(v)) != n.Not, nil
	case *pgsql.CaseExpr:
		return e.caseExpr(n)
	case *pgsql.FuncCall:
		args := make([]any, len(n.Args))
		for i, a := range n.Args {
			v, err := e.eval(a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return e.funcs(n, args)
	}
	return nil, domain.ErrNotSupported("expression %T is not supported on system catalogs", expr)
}

func (e *evaluator) binary(n *pgsql.BinaryExpr) (any, error) {
	l, err := e.eval(n.Left)
	if err != nil {
		return nil, err
	}
	if n.Op == pgsql.TOKEN_AND || n.Op == pgsql.TOKEN_OR {
		r, err := e.eval(n.Right)
		if err != nil {
			return nil, err
		}
		return logic(n.Op, l, r)
	}
	r, err := e.eval(n.Right)
	if err != nil {
		return nil, err
	}
	if l == nil || r == nil {
		return nil, nil
	}
	switch n.Op {
	case pgsql.TOKEN_EQ, pgsql.TOKEN_NE, pgsql.TOKEN_LT, pgsql.TOKEN_LE, pgsql.TOKEN_GT, pgsql.TOKEN_GE:
		c, err := compare(l, r)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case pgsql.TOKEN_EQ:
			return c == 0, nil
		case pgsql.TOKEN_NE:
			return c != 0, nil
		case pgsql.TOKEN_LT:
			return c < 0, nil
		case pgsql.TOKEN_LE:
			return c <= 0, nil
		case pgsql.TOKEN_GT:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case pgsql.TOKEN_DPIPE:
		return toText(l) + toText(r), nil
	}
	return arith(n.Op, l, r)
}

func (e *evaluator) in(n *pgsql.InExpr) (any, error) {
	v, err := e.eval(n.Expr)
	if err != nil || v == nil {
		return nil, err
	}
	sawNull := false
	for _, item := range n.Values {
		x, err := e.eval(item)
		if err != nil {
			return nil, err
		}
		if x == nil {
			sawNull = true
			continue
		}
		c, err := compare(v, x)
		if err != nil {
			return nil, err
		}
		if c == 0 {
			return !n.Not, nil
		}
	}
	if sawNull {
		return nil, nil
	}
	return n.Not, nil
}

func (e *evaluator) caseExpr(n *pgsql.CaseExpr) (any, error) {
	var operand any
	if n.Operand != nil {
		v, err := e.eval(n.Operand)
		if err != nil {
			return nil, err
		}
		operand = v
	}
	for _, w := range n.Whens {
		cond, err := e.eval(w.Condition)
		if err != nil {
			return nil, err
		}
		matched := false
		if n.Operand != nil {
			if operand != nil && cond != nil {
				c, err := compare(operand, cond)
				if err != nil {
					return nil, err
				}
				matched = c == 0
			}
		} else {
			matched = cond == true
		}
		if matched {
			return e.eval(w.Result)
		}
	}
	if n.Else != nil {
		return e.eval(n.Else)
	}
	return nil, nil
}

// truthy reports whether a WHERE result selects the row. NULL does not.
func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func logic(op pgsql.TokenType, l, r any) (any, error) {
	lb, lok := l.(bool)
	rb, rok := r.(bool)
	if (l != nil && !lok) || (r != nil && !rok) {
		return nil, domain.ErrValidation("argument of %s must be type boolean", op)
	}
	if op == pgsql.TOKEN_AND {
		if (lok && !lb) || (rok && !rb) {
			return false, nil
		}
		if l == nil || r == nil {
			return nil, nil
		}
		return true, nil
	}
	if (lok && lb) || (rok && rb) {
		return true, nil
	}
	if l == nil || r == nil {
		return nil, nil
	}
	return false, nil
}

func literalValue(lit *pgsql.Literal) (any, error) {
	switch lit.Type {
	case pgsql.LiteralNull:
		return nil, nil
	case pgsql.LiteralBool:
		return strings.EqualFold(lit.Value, "true"), nil
	case pgsql.LiteralString:
		return lit.Value, nil
	}
	if i, err := strconv.ParseInt(lit.Value, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(lit.Value, 64)
	if err != nil {
		return nil, domain.ErrValidation("invalid number %q", lit.Value)
	}
	return f, nil
}

// normalize widens stored row values to the evaluator's value set.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint32:
		return int64(x)
	}
	return v
}

func toText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case time.Time:
		return x.Format("2006-01-02 15:04:05.999999-07")
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// compare orders two non-NULL values. A string compared with a number or
// boolean is coerced, as an untyped literal would be.
func compare(a, b any) (int, error) {
	switch x := a.(type) {
	case string:
		switch y := b.(type) {
		case string:
			return strings.Compare(x, y), nil
		case int64, float64, bool:
			return invert(compare(b, a))
		case time.Time:
			return invert(compare(b, a))
		}
	case int64, float64:
		if xi, ok := a.(int64); ok {
			if yi, ok := b.(int64); ok {
				switch {
				case xi < yi:
					return -1, nil
				case xi > yi:
					return 1, nil
				}
				return 0, nil
			}
		}
		fa, _ := toNumber(a)
		fb, ok := toNumber(b)
		if !ok {
			break
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	case bool:
		var y bool
		switch v := b.(type) {
		case bool:
			y = v
		case string:
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return 0, domain.ErrValidation("invalid input syntax for type boolean: %q", v)
			}
			y = parsed
		default:
			return 0, mismatch(a, b)
		}
		switch {
		case x == y:
			return 0, nil
		case !x:
			return -1, nil
		}
		return 1, nil
	case time.Time:
		var y time.Time
		switch v := b.(type) {
		case time.Time:
			y = v
		case string:
			parsed, err := parseTime(v)
			if err != nil {
				return 0, err
			}
			y = parsed
		default:
			return 0, mismatch(a, b)
		}
		return x.Compare(y), nil
	}
	return 0, mismatch(a, b)
}

func invert(c int, err error) (int, error) { return -c, err }

func mismatch(a, b any) error {
	return domain.ErrTranslation("operator does not exist: %s = %s", valueTypeName(a), valueTypeName(b))
}

func valueTypeName(v any) string {
	switch v.(type) {
	case string:
		return "text"
	case int64:
		return "bigint"
	case float64:
		return "double precision"
	case bool:
		return "boolean"
	case time.Time:
		return "timestamp with time zone"
	}
	return fmt.Sprintf("%T", v)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999-07", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, domain.ErrValidation("invalid input syntax for type timestamp: %q", s)
}

func arith(op pgsql.TokenType, l, r any) (any, error) {
	li, lint := l.(int64)
	ri, rint := r.(int64)
	if lint && rint {
		switch op {
		case pgsql.TOKEN_PLUS:
			return li + ri, nil
		case pgsql.TOKEN_MINUS:
			return li - ri, nil
		case pgsql.TOKEN_STAR:
			return li * ri, nil
		case pgsql.TOKEN_SLASH, pgsql.TOKEN_MOD:
			if ri == 0 {
				return nil, domain.ErrValidation("division by zero")
			}
			if op == pgsql.TOKEN_MOD {
				return li % ri, nil
			}
			return li / ri, nil
		}
	}
	lf, lok := toNumber(l)
	rf, rok := toNumber(r)
	if !lok || !rok {
		return nil, domain.ErrTranslation("operator does not exist: %s %s %s", valueTypeName(l), op, valueTypeName(r))
	}
	switch op {
	case pgsql.TOKEN_PLUS:
		return lf + rf, nil
	case pgsql.TOKEN_MINUS:
		return lf - rf, nil
	case pgsql.TOKEN_STAR:
		return lf * rf, nil
	case pgsql.TOKEN_SLASH:
		if rf == 0 {
			return nil, domain.ErrValidation("division by zero")
		}
		return lf / rf, nil
	case pgsql.TOKEN_MOD:
		if rf == 0 {
			return nil, domain.ErrValidation("division by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, domain.ErrNotSupported("operator %s is not supported on system catalogs", op)
}

func castValue(v any, t catalog.WireType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t.OID {
	case catalog.TypeText.OID, catalog.TypeName.OID:
		return toText(v), nil
	case catalog.TypeBool.OID:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, domain.ErrValidation("invalid input syntax for type boolean: %q", x)
			}
			return b, nil
		}
	case catalog.TypeInt4.OID, catalog.TypeInt8.OID, catalog.TypeOID.OID:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			return int64(math.Round(x)), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, domain.ErrValidation("invalid input syntax for type %s: %q", t.Name, x)
			}
			return i, nil
		}
	case catalog.TypeFloat8.OID, catalog.TypeNumeric.OID:
		if f, ok := toNumber(v); ok {
			if i, isInt := v.(int64); isInt && t.OID == catalog.TypeNumeric.OID {
				return i, nil
			}
			return f, nil
		}
		return nil, domain.ErrValidation("invalid input syntax for type %s: %q", t.Name, toText(v))
	case catalog.TypeDate.OID, catalog.TypeTimestamp.OID, catalog.TypeTimestamptz.OID:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			return parseTime(x)
		}
	}
	return nil, domain.ErrValidation("cannot cast %s to %s", valueTypeName(v), t.Name)
}

// likePattern compiles a LIKE pattern with the default backslash escape.
func likePattern(pattern string, fold bool) (*regexp.Regexp, error) {
	var b strings.Builder
	if fold {
		b.WriteString("(?is)")
	} else {
		b.WriteString("(?s)")
	}
	b.WriteString("^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if escaped {
		return nil, domain.ErrValidation("LIKE pattern must not end with escape character")
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
