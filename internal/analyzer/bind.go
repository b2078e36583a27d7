package analyzer

import (
	"strconv"
	"strings"

	"semgate/internal/catalog"
	"semgate/internal/domain"
	"semgate/internal/pgsql"
)

// Query is a validated semantic query over one virtual schema. Every column
// reference and aggregate call in it has been resolved to a semantic
// element.
type Query struct {
	Schema   *catalog.Schema
	Stmt     *pgsql.SelectStmt
	Items    []Item
	Where    pgsql.Expr
	GroupBy  []Key
	Having   pgsql.Expr
	OrderBy  []OrderKey
	Limit    *int64
	Offset   *int64
	Distinct bool
	// Implicit is set when the query has no aggregate call, GROUP BY or
	// HAVING. Measures and metrics are then aggregated with their declared
	// aggregation and grouped by every selected dimension expression.
	Implicit   bool
	ParamTypes []catalog.WireType

	refs map[*pgsql.ColumnRef]*catalog.Column
	aggs map[*pgsql.FuncCall]*domain.Measure
}

// Model returns the semantic model the query targets.
func (q *Query) Model() *domain.SemanticModel { return q.Schema.Model }

// Column returns the semantic column a reference was resolved to.
func (q *Query) Column(ref *pgsql.ColumnRef) (*catalog.Column, bool) {
	c, ok := q.refs[ref]
	return c, ok
}

// Aggregate returns the measure an aggregate call was resolved to.
func (q *Query) Aggregate(call *pgsql.FuncCall) (*domain.Measure, bool) {
	m, ok := q.aggs[call]
	return m, ok
}

// Item is one output column of a query.
type Item struct {
	Expr      pgsql.Expr
	Name      string
	Type      catalog.WireType
	Aggregate bool
}

// Key is a GROUP BY key. Position is the 1-based select-list position of an
// identical item, or 0 when the key is not selected.
type Key struct {
	Expr     pgsql.Expr
	Position int
}

// OrderKey is an ORDER BY key. Position is set when the key matches a
// select-list item.
type OrderKey struct {
	Expr       pgsql.Expr
	Position   int
	Desc       bool
	NullsFirst *bool
}

type clause int

const (
	clauseSelect clause = iota
	clauseWhere
	clauseGroupBy
	clauseHaving
	clauseOrderBy
	clauseJoin
)

type fromTable struct {
	ref     string
	aliased bool
	table   *catalog.Table
}

type exprInfo struct {
	agg  bool
	dims []*pgsql.ColumnRef
}

type binder struct {
	schema   *catalog.Schema
	tables   []fromTable
	explicit bool
	refs     map[*pgsql.ColumnRef]*catalog.Column
	aggs     map[*pgsql.FuncCall]*domain.Measure
}

var aggregateFuncs = map[string]bool{"sum": true, "count": true, "avg": true, "min": true, "max": true}

// scalarFuncs are passed through to the warehouse unchanged. Each exists
// with the same meaning in PostgreSQL and DuckDB.
var scalarFuncs = map[string]bool{
	"lower": true, "upper": true, "length": true, "trim": true, "substr": true, "substring": true,
	"concat": true, "abs": true, "round": true, "floor": true, "ceil": true, "coalesce": true,
	"nullif": true, "greatest": true, "least": true, "date_trunc": true, "date_part": true,
}

func isAggregateCall(f *pgsql.FuncCall) bool {
	return aggregateFuncs[f.Name] && (f.Schema == "" || f.Schema == catalog.PGCatalog) && !f.NoParens
}

func bindQuery(snap *catalog.Snapshot, sel *pgsql.SelectStmt, first resolved, scope Scope) (*Query, error) {
	b := &binder{
		schema: first.table.Schema,
		refs:   make(map[*pgsql.ColumnRef]*catalog.Column),
		aggs:   make(map[*pgsql.FuncCall]*domain.Measure),
	}
	b.tables = append(b.tables, fromTable{ref: sel.From.RefName(), aliased: sel.From.Alias != "", table: first.table})
	for i := range sel.Joins {
		if err := b.bindJoin(snap, &sel.Joins[i], scope); err != nil {
			return nil, err
		}
	}

	b.explicit = len(sel.GroupBy) > 0 || sel.Having != nil || hasAggregateCall(sel)
	q := &Query{
		Schema:   b.schema,
		Stmt:     sel,
		Where:    sel.Where,
		Having:   sel.Having,
		Distinct: sel.Distinct,
		Implicit: !b.explicit,
		refs:     b.refs,
		aggs:     b.aggs,
	}

	items, infos, err := b.bindItems(sel)
	if err != nil {
		return nil, err
	}
	q.Items = items

	if sel.Where != nil {
		if _, err := b.check(sel.Where, clauseWhere); err != nil {
			return nil, err
		}
	}
	if q.GroupBy, err = b.bindGroupBy(sel, items, infos); err != nil {
		return nil, err
	}
	var havingInfo exprInfo
	if sel.Having != nil {
		if havingInfo, err = b.check(sel.Having, clauseHaving); err != nil {
			return nil, err
		}
	}
	orderKeys, orderInfos, err := b.bindOrderBy(sel, items, infos)
	if err != nil {
		return nil, err
	}
	q.OrderBy = orderKeys

	if b.explicit {
		err = b.checkExplicitGrouping(q, infos, havingInfo, orderInfos)
	} else {
		err = b.implicitGrouping(q, infos, orderInfos)
	}
	if err != nil {
		return nil, err
	}

	if q.Limit, err = constInt(sel.Limit, "LIMIT"); err != nil {
		return nil, err
	}
	if q.Offset, err = constInt(sel.Offset, "OFFSET"); err != nil {
		return nil, err
	}
	q.ParamTypes = inferParams(sel, b.typeOf)
	for i := range q.Items {
		q.Items[i].Type = b.typeOf(q.Items[i].Expr)
	}
	return q, nil
}

func (b *binder) bindJoin(snap *catalog.Snapshot, j *pgsql.JoinClause, scope Scope) error {
	res, err := resolveTable(snap, j.Table, scope)
	if err != nil {
		return err
	}
	if res.system != nil {
		return domain.ErrNotSupported("joins between semantic tables and %s.%s are not supported", res.system.Schema, res.system.Name)
	}
	if res.table.Schema != b.schema {
		return domain.ErrNotSupported("cross-model joins are not supported: %s and %s belong to different semantic models",
			b.schema.Name, res.table.Schema.Name)
	}
	ref := j.Table.RefName()
	for _, t := range b.tables {
		if t.ref == ref {
			return &domain.AmbiguousError{Kind: domain.ObjectTable, Name: ref}
		}
	}
	prev := b.tables
	b.tables = append(b.tables, fromTable{ref: ref, aliased: j.Table.Alias != "", table: res.table})

	if j.Type == pgsql.JoinCross || (j.On == nil && len(j.Using) == 0) {
		return domain.ErrNotSupported("joins within a semantic model must match on dimension columns")
	}
	for _, name := range j.Using {
		col, ok := res.table.Column(name)
		if !ok || !col.IsDimension() {
			return domain.ErrNotSupported("USING column %q must be a dimension of both tables", name)
		}
		found := false
		for _, t := range prev {
			if c, ok := t.table.Column(name); ok && c == col {
				found = true
			}
		}
		if !found {
			return domain.ErrNotSupported("USING column %q must be a dimension of both tables", name)
		}
	}
	if j.On != nil {
		for _, cond := range conjuncts(j.On) {
			bin, ok := cond.(*pgsql.BinaryExpr)
			if !ok || bin.Op != pgsql.TOKEN_EQ {
				return domain.ErrNotSupported("join conditions must equate identically named dimension columns")
			}
			l, lok := unparen(bin.Left).(*pgsql.ColumnRef)
			r, rok := unparen(bin.Right).(*pgsql.ColumnRef)
			if !lok || !rok {
				return domain.ErrNotSupported("join conditions must equate identically named dimension columns")
			}
			lc, err := b.resolveColumn(l)
			if err != nil {
				return err
			}
			rc, err := b.resolveColumn(r)
			if err != nil {
				return err
			}
			if lc != rc || !lc.IsDimension() {
				return domain.ErrNotSupported("join conditions must equate identically named dimension columns")
			}
		}
	}
	return nil
}

func (b *binder) bindItems(sel *pgsql.SelectStmt) ([]Item, []exprInfo, error) {
	var items []Item
	var infos []exprInfo
	for _, si := range sel.Columns {
		if si.Star {
			matched := false
			for _, t := range b.tables {
				if si.StarTable != "" && si.StarTable != t.ref {
					continue
				}
				matched = true
				for _, c := range t.table.Columns {
					ref := &pgsql.ColumnRef{Table: t.ref, Column: c.Name}
					info, err := b.check(ref, clauseSelect)
					if err != nil {
						return nil, nil, err
					}
					items = append(items, Item{Expr: ref, Name: c.Name, Aggregate: info.agg})
					infos = append(infos, info)
				}
			}
			if !matched {
				return nil, nil, domain.ErrUnknownTable(si.StarTable)
			}
			continue
		}
		info, err := b.check(si.Expr, clauseSelect)
		if err != nil {
			return nil, nil, err
		}
		name := si.Alias
		if name == "" {
			name = DeriveName(si.Expr)
		}
		items = append(items, Item{Expr: si.Expr, Name: name, Aggregate: info.agg})
		infos = append(infos, info)
	}
	return items, infos, nil
}

func (b *binder) bindGroupBy(sel *pgsql.SelectStmt, items []Item, infos []exprInfo) ([]Key, error) {
	var keys []Key
	seen := map[string]bool{}
	add := func(k Key) {
		c := b.canonical(k.Expr)
		if seen[c] {
			return
		}
		seen[c] = true
		keys = append(keys, k)
	}
	for _, g := range sel.GroupBy {
		if pos, ok := ordinal(g); ok {
			if pos < 1 || pos > len(items) {
				return nil, domain.ErrGrouping("GROUP BY position %d is not in select list", pos)
			}
			if infos[pos-1].agg {
				return nil, domain.ErrGrouping("aggregate functions are not allowed in GROUP BY")
			}
			add(Key{Expr: items[pos-1].Expr, Position: pos})
			continue
		}
		if ref, ok := g.(*pgsql.ColumnRef); ok && ref.Table == "" {
			if _, err := b.resolveColumn(ref); err != nil {
				if pos := outputPosition(items, ref.Column); pos > 0 && !infos[pos-1].agg {
					add(Key{Expr: items[pos-1].Expr, Position: pos})
					continue
				}
				return nil, err
			}
		}
		if _, err := b.check(g, clauseGroupBy); err != nil {
			return nil, err
		}
		add(Key{Expr: g, Position: b.itemPosition(items, g)})
	}
	return keys, nil
}

func (b *binder) bindOrderBy(sel *pgsql.SelectStmt, items []Item, infos []exprInfo) ([]OrderKey, []exprInfo, error) {
	keys := make([]OrderKey, 0, len(sel.OrderBy))
	keyInfos := make([]exprInfo, 0, len(sel.OrderBy))
	for _, o := range sel.OrderBy {
		k := OrderKey{Expr: o.Expr, Desc: o.Desc, NullsFirst: o.NullsFirst}
		if pos, ok := ordinal(o.Expr); ok {
			if pos < 1 || pos > len(items) {
				return nil, nil, domain.ErrGrouping("ORDER BY position %d is not in select list", pos)
			}
			k.Expr, k.Position = items[pos-1].Expr, pos
			keys = append(keys, k)
			keyInfos = append(keyInfos, infos[pos-1])
			continue
		}
		if ref, ok := o.Expr.(*pgsql.ColumnRef); ok && ref.Table == "" {
			if pos := outputPosition(items, ref.Column); pos > 0 {
				k.Expr, k.Position = items[pos-1].Expr, pos
				keys = append(keys, k)
				keyInfos = append(keyInfos, infos[pos-1])
				continue
			}
		}
		info, err := b.check(o.Expr, clauseOrderBy)
		if err != nil {
			return nil, nil, err
		}
		k.Position = b.itemPosition(items, o.Expr)
		keys = append(keys, k)
		keyInfos = append(keyInfos, info)
	}
	return keys, keyInfos, nil
}

// checkExplicitGrouping enforces that every column used outside an
// aggregate is a GROUP BY key.
func (b *binder) checkExplicitGrouping(q *Query, items []exprInfo, having exprInfo, order []exprInfo) error {
	keyCols := map[*catalog.Column]bool{}
	keyExprs := map[string]bool{}
	for _, k := range q.GroupBy {
		keyExprs[b.canonical(k.Expr)] = true
		if ref, ok := unparen(k.Expr).(*pgsql.ColumnRef); ok {
			keyCols[b.refs[ref]] = true
		}
	}
	covered := func(expr pgsql.Expr, info exprInfo) error {
		if len(info.dims) == 0 || keyExprs[b.canonical(expr)] {
			return nil
		}
		for _, ref := range info.dims {
			if !keyCols[b.refs[ref]] {
				return groupingViolation(ref)
			}
		}
		return nil
	}
	for i, item := range q.Items {
		if err := covered(item.Expr, items[i]); err != nil {
			return err
		}
	}
	if q.Having != nil {
		if err := covered(q.Having, having); err != nil {
			return err
		}
	}
	for i, k := range q.OrderBy {
		if err := covered(k.Expr, order[i]); err != nil {
			return err
		}
	}
	return nil
}

// implicitGrouping derives GROUP BY keys from the selected dimension
// expressions.
func (b *binder) implicitGrouping(q *Query, items []exprInfo, order []exprInfo) error {
	seen := map[string]bool{}
	for i, item := range q.Items {
		info := items[i]
		if len(info.dims) == 0 {
			continue
		}
		if info.agg {
			return groupingViolation(info.dims[0])
		}
		c := b.canonical(item.Expr)
		if !seen[c] {
			seen[c] = true
			q.GroupBy = append(q.GroupBy, Key{Expr: item.Expr, Position: i + 1})
		}
	}
	for i, k := range q.OrderBy {
		info := order[i]
		if len(info.dims) == 0 {
			continue
		}
		if info.agg {
			return groupingViolation(info.dims[0])
		}
		c := b.canonical(k.Expr)
		if !seen[c] {
			seen[c] = true
			q.GroupBy = append(q.GroupBy, Key{Expr: k.Expr})
		}
	}
	return nil
}

func groupingViolation(ref *pgsql.ColumnRef) error {
	name := ref.Column
	if ref.Table != "" {
		name = ref.Table + "." + ref.Column
	}
	return domain.ErrGrouping("column %q must appear in the GROUP BY clause or be used in an aggregate function", name)
}

// check validates expr in the context of clause and reports whether it
// aggregates and which dimension references it uses outside aggregates.
func (b *binder) check(expr pgsql.Expr, c clause) (exprInfo, error) {
	var info exprInfo
	err := b.walk(expr, c, false, &info)
	return info, err
}

func (b *binder) walk(expr pgsql.Expr, c clause, inAgg bool, info *exprInfo) error {
	switch n := expr.(type) {
	case nil, *pgsql.Literal, *pgsql.ParamRef:
		return nil
	case *pgsql.ColumnRef:
		col, err := b.resolveColumn(n)
		if err != nil {
			return err
		}
		switch col.Element {
		case catalog.ElementDimension:
			if !inAgg {
				info.dims = append(info.dims, n)
			}
		case catalog.ElementMeasure:
			switch c {
			case clauseWhere:
			case clauseGroupBy:
				return domain.ErrGrouping("measure %q cannot be used in GROUP BY", col.Name)
			default:
				if b.explicit {
					return groupingViolation(n)
				}
				info.agg = true
			}
		case catalog.ElementMetric:
			switch c {
			case clauseWhere:
				return domain.ErrGrouping("metric %q cannot be used in WHERE; filter on it in HAVING", col.Name)
			case clauseGroupBy:
				return domain.ErrGrouping("metric %q cannot be used in GROUP BY", col.Name)
			}
			info.agg = true
		}
		return nil
	case *pgsql.FuncCall:
		if n.Over {
			return domain.ErrNotSupported("window functions are not supported")
		}
		if isAggregateCall(n) {
			if err := b.bindAggregate(n, c, inAgg); err != nil {
				return err
			}
			info.agg = true
			return nil
		}
		if n.Schema != "" || !scalarFuncs[n.Name] {
			return domain.ErrNotSupported("function %s() is not supported in semantic queries", n.Name)
		}
		for _, arg := range n.Args {
			if err := b.walk(arg, c, inAgg, info); err != nil {
				return err
			}
		}
		return nil
	case *pgsql.SubqueryExpr:
		return domain.ErrNotSupported("subqueries are not supported in semantic queries")
	case *pgsql.InExpr:
		if n.Query != nil {
			return domain.ErrNotSupported("subqueries are not supported in semantic queries")
		}
		if err := b.walk(n.Expr, c, inAgg, info); err != nil {
			return err
		}
		for _, v := range n.Values {
			if err := b.walk(v, c, inAgg, info); err != nil {
				return err
			}
		}
		return nil
	case *pgsql.BinaryExpr:
		if err := b.walk(n.Left, c, inAgg, info); err != nil {
			return err
		}
		return b.walk(n.Right, c, inAgg, info)
	case *pgsql.UnaryExpr:
		return b.walk(n.Expr, c, inAgg, info)
	case *pgsql.ParenExpr:
		return b.walk(n.Expr, c, inAgg, info)
	case *pgsql.CastExpr:
		return b.walk(n.Expr, c, inAgg, info)
	case *pgsql.BetweenExpr:
		for _, e := range []pgsql.Expr{n.Expr, n.Low, n.High} {
			if err := b.walk(e, c, inAgg, info); err != nil {
				return err
			}
		}
		return nil
	case *pgsql.IsNullExpr:
		return b.walk(n.Expr, c, inAgg, info)
	case *pgsql.LikeExpr:
		if err := b.walk(n.Expr, c, inAgg, info); err != nil {
			return err
		}
		return b.walk(n.Pattern, c, inAgg, info)
	case *pgsql.CaseExpr:
		if err := b.walk(n.Operand, c, inAgg, info); err != nil {
			return err
		}
		for _, w := range n.Whens {
			if err := b.walk(w.Condition, c, inAgg, info); err != nil {
				return err
			}
			if err := b.walk(w.Result, c, inAgg, info); err != nil {
				return err
			}
		}
		return b.walk(n.Else, c, inAgg, info)
	}
	return domain.ErrNotSupported("expression %T is not supported", expr)
}

func (b *binder) bindAggregate(call *pgsql.FuncCall, c clause, inAgg bool) error {
	switch {
	case c == clauseWhere:
		return domain.ErrGrouping("aggregate functions are not allowed in WHERE")
	case c == clauseGroupBy:
		return domain.ErrGrouping("aggregate functions are not allowed in GROUP BY")
	case c == clauseJoin:
		return domain.ErrGrouping("aggregate functions are not allowed in JOIN conditions")
	case inAgg:
		return domain.ErrGrouping("aggregate function calls cannot be nested")
	}
	if call.Star {
		return domain.ErrTranslation("%s(*) does not reference a declared measure; aggregate a measure column instead", call.Name)
	}
	if len(call.Args) != 1 {
		return domain.ErrTranslation("%s() takes exactly one measure argument", call.Name)
	}
	ref, ok := unparen(call.Args[0]).(*pgsql.ColumnRef)
	if !ok {
		var nested bool
		pgsql.Inspect(call.Args[0], func(e pgsql.Expr) bool {
			if f, ok := e.(*pgsql.FuncCall); ok && isAggregateCall(f) {
				nested = true
			}
			return !nested
		})
		if nested {
			return domain.ErrGrouping("aggregate function calls cannot be nested")
		}
		return domain.ErrTranslation("argument of %s() must be a measure column", call.Name)
	}
	col, err := b.resolveColumn(ref)
	if err != nil {
		return err
	}
	switch col.Element {
	case catalog.ElementDimension:
		return domain.ErrGrouping("aggregate function %s() cannot be applied to dimension %q", call.Name, col.Name)
	case catalog.ElementMetric:
		return domain.ErrTranslation("metric %q is already aggregated and cannot be wrapped in %s()", col.Name, call.Name)
	}
	if call.Distinct && call.Name != "count" {
		return domain.ErrTranslation("%s(DISTINCT ...) is not supported", call.Name)
	}
	agg := aggregationOf(call)
	if agg != col.Measure.Agg {
		return domain.ErrTranslation("%s does not match the declared aggregation %s of measure %q",
			describeCall(call, col.Name), col.Measure.Agg, col.Name)
	}
	b.aggs[call] = col.Measure
	return nil
}

func aggregationOf(call *pgsql.FuncCall) domain.Aggregation {
	switch call.Name {
	case "count":
		if call.Distinct {
			return domain.AggCountDistinct
		}
		return domain.AggCount
	case "sum":
		return domain.AggSum
	case "avg":
		return domain.AggAvg
	case "min":
		return domain.AggMin
	case "max":
		return domain.AggMax
	}
	return ""
}

func describeCall(call *pgsql.FuncCall, arg string) string {
	if call.Distinct {
		return call.Name + "(DISTINCT " + arg + ")"
	}
	return call.Name + "(" + arg + ")"
}

// resolveColumn binds a column reference to a semantic column of one of
// the FROM tables.
func (b *binder) resolveColumn(ref *pgsql.ColumnRef) (*catalog.Column, error) {
	if col, ok := b.refs[ref]; ok {
		return col, nil
	}
	var found *catalog.Column
	switch {
	case ref.Table != "":
		var t *fromTable
		for i := range b.tables {
			ft := &b.tables[i]
			if ref.Schema != "" {
				if !ft.aliased && ft.table.Schema.Name == ref.Schema && ft.table.Name == ref.Table {
					t = ft
				}
				continue
			}
			if ft.ref == ref.Table {
				t = ft
			}
		}
		if t == nil {
			name := ref.Table
			if ref.Schema != "" {
				name = ref.Schema + "." + ref.Table
			}
			return nil, domain.ErrUnknownTable(name)
		}
		col, ok := t.table.Column(ref.Column)
		if !ok {
			return nil, domain.ErrUnknownColumn(ref.Table + "." + ref.Column)
		}
		found = col
	default:
		for _, t := range b.tables {
			col, ok := t.table.Column(ref.Column)
			if !ok {
				continue
			}
			if found != nil && found != col {
				return nil, &domain.AmbiguousError{Kind: domain.ObjectColumn, Name: ref.Column}
			}
			found = col
		}
		if found == nil {
			return nil, domain.ErrUnknownColumn(ref.Column)
		}
	}
	b.refs[ref] = found
	return found, nil
}

// canonical renders expr with resolved column identities so that
// differently qualified references to one column compare equal.
func (b *binder) canonical(expr pgsql.Expr) string {
	f := &pgsql.Formatter{Column: func(ref *pgsql.ColumnRef) (string, error) {
		if col, ok := b.refs[ref]; ok {
			return string(col.Element) + ":" + col.Name, nil
		}
		return "?:" + ref.Column, nil
	}}
	s, err := f.Format(unparen(expr))
	if err != nil {
		return ""
	}
	return s
}

func (b *binder) itemPosition(items []Item, expr pgsql.Expr) int {
	c := b.canonical(expr)
	if c == "" {
		return 0
	}
	for i, item := range items {
		if b.canonical(item.Expr) == c {
			return i + 1
		}
	}
	return 0
}

func outputPosition(items []Item, name string) int {
	for i, item := range items {
		if item.Name == name {
			return i + 1
		}
	}
	return 0
}

func hasAggregateCall(sel *pgsql.SelectStmt) bool {
	found := false
	visit := func(e pgsql.Expr) {
		pgsql.Inspect(e, func(n pgsql.Expr) bool {
			if f, ok := n.(*pgsql.FuncCall); ok && isAggregateCall(f) {
				found = true
			}
			return !found
		})
	}
	for _, item := range sel.Columns {
		visit(item.Expr)
	}
	visit(sel.Having)
	for _, o := range sel.OrderBy {
		visit(o.Expr)
	}
	return found
}

func conjuncts(e pgsql.Expr) []pgsql.Expr {
	e = unparen(e)
	if bin, ok := e.(*pgsql.BinaryExpr); ok && bin.Op == pgsql.TOKEN_AND {
		return append(conjuncts(bin.Left), conjuncts(bin.Right)...)
	}
	return []pgsql.Expr{e}
}

func unparen(e pgsql.Expr) pgsql.Expr {
	for {
		p, ok := e.(*pgsql.ParenExpr)
		if !ok {
			return e
		}
		e = p.Expr
	}
}

func ordinal(e pgsql.Expr) (int, bool) {
	lit, ok := e.(*pgsql.Literal)
	if !ok || lit.Type != pgsql.LiteralNumber || strings.ContainsAny(lit.Value, ".eE") {
		return 0, false
	}
	n, err := strconv.Atoi(lit.Value)
	if err != nil {
		return 0, false
	}
	return n, true
}

// constInt evaluates a LIMIT or OFFSET argument. Unbound parameters yield
// nil; they are checked again once bound.
func constInt(e pgsql.Expr, what string) (*int64, error) {
	for {
		switch n := e.(type) {
		case *pgsql.ParenExpr:
			e = n.Expr
			continue
		case *pgsql.CastExpr:
			e = n.Expr
			continue
		}
		break
	}
	switch n := e.(type) {
	case nil:
		return nil, nil
	case *pgsql.ParamRef:
		return nil, nil
	case *pgsql.Literal:
		switch n.Type {
		case pgsql.LiteralNull:
			return nil, nil
		case pgsql.LiteralNumber, pgsql.LiteralString:
			v, err := strconv.ParseInt(strings.TrimSpace(n.Value), 10, 64)
			if err != nil {
				return nil, domain.ErrValidation("argument of %s must be an integer", what)
			}
			if v < 0 {
				return nil, domain.ErrValidation("%s must not be negative", what)
			}
			return &v, nil
		}
	}
	return nil, domain.ErrNotSupported("argument of %s must be a constant", what)
}
