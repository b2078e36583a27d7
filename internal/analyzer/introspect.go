package analyzer

import (
	"semgate/internal/catalog"
	"semgate/internal/domain"
	"semgate/internal/pgsql"
)

// IntrospectionQuery is a SELECT over a built-in system table, or a
// FROM-less SELECT of constants and session functions. It is evaluated in
// memory against the catalog snapshot.
type IntrospectionQuery struct {
	// Table is nil for FROM-less selects.
	Table    *catalog.SystemTable
	Stmt     *pgsql.SelectStmt
	Items    []Item
	Where    pgsql.Expr
	OrderBy  []OrderKey
	Limit    *int64
	Offset   *int64
	Distinct bool

	Columns    []OutputColumn
	ParamTypes []catalog.WireType

	refs map[*pgsql.ColumnRef]int
}

// ColumnIndex returns the system table column a reference was bound to.
func (q *IntrospectionQuery) ColumnIndex(ref *pgsql.ColumnRef) (int, bool) {
	i, ok := q.refs[ref]
	return i, ok
}

// introspectionFuncs lists the scalar functions evaluated in memory, with
// their result types.
var introspectionFuncs = map[string]catalog.WireType{
	"version":           catalog.TypeText,
	"current_setting":   catalog.TypeText,
	"current_schema":    catalog.TypeName,
	"current_database":  catalog.TypeName,
	"current_catalog":   catalog.TypeName,
	"current_user":      catalog.TypeName,
	"session_user":      catalog.TypeName,
	"current_role":      catalog.TypeName,
	"user":              catalog.TypeName,
	"pg_backend_pid":    catalog.TypeInt4,
	"now":               catalog.TypeTimestamptz,
	"current_timestamp": catalog.TypeTimestamptz,
	"current_date":      catalog.TypeDate,
	"lower":             catalog.TypeText,
	"upper":             catalog.TypeText,
	"length":            catalog.TypeInt4,
	"concat":            catalog.TypeText,
	"coalesce":          catalog.TypeText,
}

type introBinder struct {
	table *catalog.SystemTable
	ref   string
	refs  map[*pgsql.ColumnRef]int
}

func bindIntrospection(sel *pgsql.SelectStmt, table *catalog.SystemTable, scope Scope) (*IntrospectionQuery, error) {
	if len(sel.Joins) > 0 {
		return nil, domain.ErrNotSupported("joins on system catalogs are not supported")
	}
	if len(sel.GroupBy) > 0 || sel.Having != nil {
		return nil, domain.ErrNotSupported("grouping on system catalogs is not supported")
	}
	b := &introBinder{table: table, refs: make(map[*pgsql.ColumnRef]int)}
	if sel.From != nil {
		b.ref = sel.From.RefName()
	}
	q := &IntrospectionQuery{Table: table, Stmt: sel, Where: sel.Where, Distinct: sel.Distinct, refs: b.refs}

	for _, si := range sel.Columns {
		if si.Star {
			if table == nil {
				return nil, domain.ErrParse("SELECT * with no tables specified is not valid")
			}
			if si.StarTable != "" && si.StarTable != b.ref {
				return nil, domain.ErrUnknownTable(si.StarTable)
			}
			for i, c := range table.Columns {
				ref := &pgsql.ColumnRef{Column: c.Name}
				b.refs[ref] = i
				q.Items = append(q.Items, Item{Expr: ref, Name: c.Name})
			}
			continue
		}
		if err := b.check(si.Expr); err != nil {
			return nil, err
		}
		name := si.Alias
		if name == "" {
			name = DeriveName(si.Expr)
		}
		q.Items = append(q.Items, Item{Expr: si.Expr, Name: name})
	}
	if sel.Where != nil {
		if err := b.check(sel.Where); err != nil {
			return nil, err
		}
	}
	for _, o := range sel.OrderBy {
		k := OrderKey{Expr: o.Expr, Desc: o.Desc, NullsFirst: o.NullsFirst}
		if pos, ok := ordinal(o.Expr); ok {
			if pos < 1 || pos > len(q.Items) {
				return nil, domain.ErrGrouping("ORDER BY position %d is not in select list", pos)
			}
			k.Expr, k.Position = q.Items[pos-1].Expr, pos
		} else if ref, ok := o.Expr.(*pgsql.ColumnRef); ok && ref.Table == "" && outputPosition(q.Items, ref.Column) > 0 {
			k.Position = outputPosition(q.Items, ref.Column)
			k.Expr = q.Items[k.Position-1].Expr
		} else if err := b.check(o.Expr); err != nil {
			return nil, err
		}
		q.OrderBy = append(q.OrderBy, k)
	}

	var err error
	if q.Limit, err = constInt(sel.Limit, "LIMIT"); err != nil {
		return nil, err
	}
	if q.Offset, err = constInt(sel.Offset, "OFFSET"); err != nil {
		return nil, err
	}

	q.Columns = make([]OutputColumn, len(q.Items))
	for i := range q.Items {
		q.Items[i].Type = b.typeOf(q.Items[i].Expr)
		q.Columns[i] = OutputColumn{Name: q.Items[i].Name, Type: q.Items[i].Type}
	}
	q.ParamTypes = inferParams(sel, b.typeOf)
	return q, nil
}

func (b *introBinder) check(expr pgsql.Expr) error {
	var err error
	pgsql.Inspect(expr, func(e pgsql.Expr) bool {
		if err != nil {
			return false
		}
		switch n := e.(type) {
		case *pgsql.ColumnRef:
			err = b.resolve(n)
		case *pgsql.FuncCall:
			if _, ok := introspectionFuncs[n.Name]; !ok || n.Over || n.Star || n.Distinct {
				err = domain.ErrNotSupported("function %s() is not supported on system catalogs", n.Name)
			}
			if n.Schema != "" && n.Schema != catalog.PGCatalog {
				err = domain.ErrNotSupported("function %s.%s() is not supported", n.Schema, n.Name)
			}
		case *pgsql.SubqueryExpr:
			err = domain.ErrNotSupported("subqueries are not supported on system catalogs")
		case *pgsql.InExpr:
			if n.Query != nil {
				err = domain.ErrNotSupported("subqueries are not supported on system catalogs")
			}
		}
		return err == nil
	})
	return err
}

func (b *introBinder) resolve(ref *pgsql.ColumnRef) error {
	if b.table == nil {
		return domain.ErrUnknownColumn(ref.Column)
	}
	if ref.Table != "" {
		ok := ref.Table == b.ref
		if ref.Schema != "" {
			ok = ref.Schema == b.table.Schema && ref.Table == b.table.Name
		}
		if !ok {
			return domain.ErrUnknownTable(ref.Table)
		}
	}
	i, ok := b.table.Column(ref.Column)
	if !ok {
		return domain.ErrUnknownColumn(ref.Column)
	}
	b.refs[ref] = i
	return nil
}

func (b *introBinder) typeOf(expr pgsql.Expr) catalog.WireType {
	return exprType(expr, func(e pgsql.Expr) (catalog.WireType, bool) {
		switch n := e.(type) {
		case *pgsql.ColumnRef:
			if i, ok := b.refs[n]; ok {
				return b.table.Columns[i].Type, true
			}
			return catalog.TypeText, true
		case *pgsql.FuncCall:
			if n.Name == "coalesce" && len(n.Args) > 0 {
				return b.typeOf(n.Args[0]), true
			}
			if t, ok := introspectionFuncs[n.Name]; ok {
				return t, true
			}
			return catalog.TypeText, true
		}
		return catalog.WireType{}, false
	})
}
