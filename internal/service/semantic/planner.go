package semantic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"semgate/internal/analyzer"
	"semgate/internal/catalog"
	"semgate/internal/domain"
	"semgate/internal/pgsql"
)

// Translate compiles an analyzed data query into warehouse SQL. The query
// must have all of its parameters bound.
func Translate(a *analyzer.Analysis) (*Plan, error) {
	q := a.Data
	if q == nil {
		return nil, fmt.Errorf("translate: %s statement is not a data query", a.Class)
	}
	if n := pgsql.MaxParam(q.Stmt); n > 0 {
		return nil, domain.ErrTranslation("there is no parameter $%d", n)
	}

	c := newCompiler(q)
	sql, err := c.compile()
	if err != nil {
		return nil, err
	}
	m := q.Model()
	return &Plan{
		SQL:        sql,
		Columns:    a.Columns,
		Version:    a.Version,
		Schema:     q.Schema.Name,
		Model:      m.Name,
		BaseTable:  m.BaseTable,
		Dimensions: sortedKeys(c.dims),
		Measures:   sortedKeys(c.measures),
		Metrics:    sortedKeys(c.metrics),
	}, nil
}

type compiler struct {
	q     *analyzer.Query
	model *domain.SemanticModel

	// row renders measures as per-row source expressions (WHERE); agg
	// renders them aggregated with their declared aggregation.
	row *pgsql.Formatter
	agg *pgsql.Formatter

	dims     map[string]bool
	measures map[string]bool
	metrics  map[string]bool
}

func newCompiler(q *analyzer.Query) *compiler {
	c := &compiler{
		q:        q,
		model:    q.Model(),
		dims:     map[string]bool{},
		measures: map[string]bool{},
		metrics:  map[string]bool{},
	}
	c.row = &pgsql.Formatter{Column: c.column(false), Func: c.aggregateCall}
	c.agg = &pgsql.Formatter{Column: c.column(true), Func: c.aggregateCall}
	return c
}

func (c *compiler) compile() (string, error) {
	q := c.q
	var b strings.Builder

	b.WriteString("SELECT ")
	if q.Distinct {
		b.WriteString("DISTINCT ")
	}
	for i, item := range q.Items {
		s, err := c.agg.Format(item.Expr)
		if err != nil {
			return "", err
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(s)
	}

	b.WriteString(" FROM ")
	b.WriteString(c.model.BaseTable)

	if q.Where != nil {
		s, err := c.row.Format(q.Where)
		if err != nil {
			return "", err
		}
		b.WriteString(" WHERE ")
		b.WriteString(s)
	}

	if len(q.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		for i, k := range q.GroupBy {
			s, err := c.key(k.Expr, k.Position)
			if err != nil {
				return "", err
			}
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(s)
		}
	}

	if q.Having != nil {
		s, err := c.agg.Format(q.Having)
		if err != nil {
			return "", err
		}
		b.WriteString(" HAVING ")
		b.WriteString(s)
	}

	order, err := c.orderBy()
	if err != nil {
		return "", err
	}
	if order != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(order)
	}

	if q.Limit != nil {
		fmt.Fprintf(&b, " LIMIT %d", *q.Limit)
	}
	if q.Offset != nil && *q.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", *q.Offset)
	}
	return b.String(), nil
}

// orderBy renders the client's ORDER BY, or an ascending order over every
// group key so that repeated runs return rows in the same order. Null
// ordering is always explicit because warehouses disagree on the default.
func (c *compiler) orderBy() (string, error) {
	var parts []string
	if len(c.q.OrderBy) > 0 {
		for _, o := range c.q.OrderBy {
			s, err := c.key(o.Expr, o.Position)
			if err != nil {
				return "", err
			}
			parts = append(parts, s+direction(o.Desc, o.NullsFirst))
		}
		return strings.Join(parts, ", "), nil
	}
	for _, k := range c.q.GroupBy {
		if c.q.Distinct && k.Position == 0 {
			continue
		}
		s, err := c.key(k.Expr, k.Position)
		if err != nil {
			return "", err
		}
		parts = append(parts, s+direction(false, nil))
	}
	return strings.Join(parts, ", "), nil
}

func direction(desc bool, nullsFirst *bool) string {
	first := desc
	if nullsFirst != nil {
		first = *nullsFirst
	}
	s := " ASC"
	if desc {
		s = " DESC"
	}
	if first {
		return s + " NULLS FIRST"
	}
	return s + " NULLS LAST"
}

func (c *compiler) key(expr pgsql.Expr, position int) (string, error) {
	if position > 0 {
		return strconv.Itoa(position), nil
	}
	return c.agg.Format(expr)
}

func (c *compiler) column(aggregated bool) func(*pgsql.ColumnRef) (string, error) {
	return func(ref *pgsql.ColumnRef) (string, error) {
		col, ok := c.q.Column(ref)
		if !ok {
			return "", fmt.Errorf("translate: column %q was not resolved", ref.Column)
		}
		switch col.Element {
		case catalog.ElementDimension:
			c.dims[col.Name] = true
			return "(" + col.Dimension.Expr + ")", nil
		case catalog.ElementMeasure:
			if !aggregated {
				c.measures[col.Name] = true
				return "(" + col.Measure.Expr + ")", nil
			}
			return c.measure(col.Measure), nil
		case catalog.ElementMetric:
			return c.metric(col.Metric)
		}
		return "", fmt.Errorf("translate: column %q has no semantic element", col.Name)
	}
}

// aggregateCall replaces a client aggregate over a measure with the
// measure's declared aggregation.
func (c *compiler) aggregateCall(call *pgsql.FuncCall) (string, bool, error) {
	m, ok := c.q.Aggregate(call)
	if !ok {
		return "", false, nil
	}
	return c.measure(m), true, nil
}

func (c *compiler) measure(m *domain.Measure) string {
	c.measures[m.Name] = true
	expr := "(" + m.Expr + ")"
	switch m.Agg {
	case domain.AggCountDistinct:
		return "COUNT(DISTINCT " + expr + ")"
	case domain.AggCount:
		return "COUNT(" + expr + ")"
	default:
		return strings.ToUpper(string(m.Agg)) + "(" + expr + ")"
	}
}

// metric expands a metric into aggregates over its measures. Every
// division divides in float8 by NULLIF(denominator, 0), so an empty
// denominator yields NULL.
func (c *compiler) metric(m domain.Metric) (string, error) {
	c.metrics[m.MetricName()] = true
	switch v := m.(type) {
	case *domain.SimpleMetric:
		ms, err := c.lookupMeasure(m, v.Measure)
		if err != nil {
			return "", err
		}
		return c.measure(ms), nil
	case *domain.RatioMetric:
		num, err := c.lookupMeasure(m, v.Numerator)
		if err != nil {
			return "", err
		}
		den, err := c.lookupMeasure(m, v.Denominator)
		if err != nil {
			return "", err
		}
		return "(CAST(" + c.measure(num) + " AS FLOAT8) / NULLIF(" + c.measure(den) + ", 0))", nil
	case *domain.DerivedMetric:
		if v.Parsed == nil {
			return "", domain.ErrTranslation("metric %q has not been validated", v.Name)
		}
		f := &pgsql.Formatter{Column: func(ref *pgsql.ColumnRef) (string, error) {
			ref2, ok := c.model.Metric(ref.Column)
			if !ok {
				return "", domain.ErrTranslation("metric %q references unknown metric %q", v.Name, ref.Column)
			}
			return c.metric(ref2)
		}}
		s, err := f.Format(pgsql.Rewrite(v.Parsed, safeDivision))
		if err != nil {
			return "", err
		}
		return "(" + s + ")", nil
	}
	return "", domain.ErrTranslation("metric %q has unsupported kind %s", m.MetricName(), m.Kind())
}

func (c *compiler) lookupMeasure(m domain.Metric, name string) (*domain.Measure, error) {
	ms, ok := c.model.Measure(name)
	if !ok {
		return nil, domain.ErrTranslation("metric %q references unknown measure %q", m.MetricName(), name)
	}
	return ms, nil
}

func safeDivision(e pgsql.Expr) pgsql.Expr {
	bin, ok := e.(*pgsql.BinaryExpr)
	if !ok || bin.Op != pgsql.TOKEN_SLASH {
		return e
	}
	return &pgsql.BinaryExpr{
		Left: &pgsql.CastExpr{Expr: bin.Left, TypeName: "FLOAT8"},
		Op:   pgsql.TOKEN_SLASH,
		Right: &pgsql.FuncCall{Name: "NULLIF", Args: []pgsql.Expr{
			bin.Right, &pgsql.Literal{Type: pgsql.LiteralNumber, Value: "0"},
		}},
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
