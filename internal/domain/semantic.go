package domain

import (
	"regexp"
	"strings"

	"semgate/internal/pgsql"
)

const (
	// MaxModelNameLength keeps sem_<model> within PostgreSQL's 63-byte
	// identifier limit.
	MaxModelNameLength = 59
	// FactTableName is the table exposing every dimension and measure.
	FactTableName = "fact"
	// SchemaPrefix prefixes every virtual schema name.
	SchemaPrefix = "sem_"
)

// DimensionKind classifies a dimension.
type DimensionKind string

const (
	DimensionCategorical DimensionKind = "categorical"
	DimensionTime        DimensionKind = "time"
	DimensionBoolean     DimensionKind = "boolean"
)

// Aggregation is the declared aggregation of a measure.
type Aggregation string

const (
	AggSum           Aggregation = "sum"
	AggCount         Aggregation = "count"
	AggAvg           Aggregation = "avg"
	AggMin           Aggregation = "min"
	AggMax           Aggregation = "max"
	AggCountDistinct Aggregation = "count_distinct"
)

// MetricKind classifies a metric.
type MetricKind string

const (
	MetricSimple  MetricKind = "simple"
	MetricRatio   MetricKind = "ratio"
	MetricDerived MetricKind = "derived"
)

// EntityType classifies an entity key.
type EntityType string

const (
	EntityPrimary EntityType = "primary"
	EntityForeign EntityType = "foreign"
	EntityUnique  EntityType = "unique"
)

// SemanticModel maps one physical base table to business dimensions,
// measures, entities, and metrics. A model is immutable once Validate has
// succeeded.
type SemanticModel struct {
	Name        string
	Description string
	BaseTable   string
	Entities    []Entity
	Dimensions  []Dimension
	Measures    []Measure
	Metrics     []Metric
}

// Entity is a join key of the model. Entities never become columns.
type Entity struct {
	Name string
	Type EntityType
	Expr string
}

// Dimension is a grouping/filtering attribute.
type Dimension struct {
	Name        string
	Description string
	Kind        DimensionKind
	Expr        string
}

// Measure is an aggregatable expression with a declared aggregation.
type Measure struct {
	Name        string
	Description string
	Agg         Aggregation
	Expr        string
}

// Metric is a named business calculation. The set of implementations is
// closed: SimpleMetric, RatioMetric and DerivedMetric.
type Metric interface {
	MetricName() string
	MetricDescription() string
	Kind() MetricKind
	sealed()
}

// MetricInfo holds the fields shared by every metric kind.
type MetricInfo struct {
	Name        string
	Description string
}

// MetricName returns the metric's name.
func (m MetricInfo) MetricName() string { return m.Name }

// MetricDescription returns the metric's description.
func (m MetricInfo) MetricDescription() string { return m.Description }

func (MetricInfo) sealed() {}

// SimpleMetric exposes a single measure.
type SimpleMetric struct {
	MetricInfo
	Measure string
}

// Kind implements Metric.
func (SimpleMetric) Kind() MetricKind { return MetricSimple }

// RatioMetric divides one measure by another.
type RatioMetric struct {
	MetricInfo
	Numerator   string
	Denominator string
}

// Kind implements Metric.
func (RatioMetric) Kind() MetricKind { return MetricRatio }

// DerivedMetric is an arithmetic expression over other metrics.
type DerivedMetric struct {
	MetricInfo
	Expr string
	// Parsed is set by SemanticModel.Validate.
	Parsed pgsql.Expr
}

// Kind implements Metric.
func (DerivedMetric) Kind() MetricKind { return MetricDerived }

// MetricSpec is the loosely-typed shape in which stores carry a metric.
type MetricSpec struct {
	Name        string
	Description string
	Kind        string
	Measure     string
	Numerator   string
	Denominator string
	Expr        string
}

// NewMetric converts a stored metric definition into its typed variant.
func NewMetric(spec MetricSpec) (Metric, error) {
	info := MetricInfo{Name: spec.Name, Description: spec.Description}
	switch MetricKind(strings.ToLower(spec.Kind)) {
	case MetricSimple:
		return &SimpleMetric{MetricInfo: info, Measure: spec.Measure}, nil
	case MetricRatio:
		return &RatioMetric{MetricInfo: info, Numerator: spec.Numerator, Denominator: spec.Denominator}, nil
	case MetricDerived:
		return &DerivedMetric{MetricInfo: info, Expr: spec.Expr}, nil
	default:
		return nil, ErrValidation("metric %q: type must be one of simple, ratio, derived", spec.Name)
	}
}

// SpecOf is the inverse of NewMetric.
func SpecOf(m Metric) MetricSpec {
	spec := MetricSpec{Name: m.MetricName(), Description: m.MetricDescription(), Kind: string(m.Kind())}
	switch v := m.(type) {
	case *SimpleMetric:
		spec.Measure = v.Measure
	case *RatioMetric:
		spec.Numerator = v.Numerator
		spec.Denominator = v.Denominator
	case *DerivedMetric:
		spec.Expr = v.Expr
	}
	return spec
}

// SchemaName returns the virtual schema name of the model.
func (m *SemanticModel) SchemaName() string {
	return SchemaPrefix + m.Name
}

// Dimension looks up a dimension by name.
func (m *SemanticModel) Dimension(name string) (*Dimension, bool) {
	for i := range m.Dimensions {
		if m.Dimensions[i].Name == name {
			return &m.Dimensions[i], true
		}
	}
	return nil, false
}

// Measure looks up a measure by name.
func (m *SemanticModel) Measure(name string) (*Measure, bool) {
	for i := range m.Measures {
		if m.Measures[i].Name == name {
			return &m.Measures[i], true
		}
	}
	return nil, false
}

// Metric looks up a metric by name.
func (m *SemanticModel) Metric(name string) (Metric, bool) {
	for _, met := range m.Metrics {
		if met.MetricName() == name {
			return met, true
		}
	}
	return nil, false
}

var (
	nameRe      = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	baseTableRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*){0,2}$`)
)

// Validate checks the whole model once at load time. On success derived
// metric formulas are parsed and cached.
func (m *SemanticModel) Validate() error {
	if !nameRe.MatchString(m.Name) {
		return ErrValidation("model name %q must match %s", m.Name, nameRe.String())
	}
	if len(m.Name) > MaxModelNameLength {
		return ErrValidation("model name must be <= %d characters", MaxModelNameLength)
	}
	if !baseTableRe.MatchString(m.BaseTable) {
		return ErrValidation("model %q: base_table %q must be a [catalog.][schema.]table reference", m.Name, m.BaseTable)
	}
	if len(m.Dimensions) == 0 && len(m.Measures) == 0 {
		return ErrValidation("model %q declares no dimensions or measures", m.Name)
	}

	// dimensions and measures share the fact table; dimensions and metrics
	// share every metric view
	factColumns := make(map[string]string)
	for _, e := range m.Entities {
		if err := validateName("entity", e.Name); err != nil {
			return err
		}
		switch e.Type {
		case EntityPrimary, EntityForeign, EntityUnique:
		default:
			return ErrValidation("entity %q: type must be one of primary, foreign, unique", e.Name)
		}
		if err := validateSourceExpr("entity", e.Name, e.Expr); err != nil {
			return err
		}
	}
	for _, d := range m.Dimensions {
		if err := validateName("dimension", d.Name); err != nil {
			return err
		}
		if prev, dup := factColumns[d.Name]; dup {
			return ErrValidation("dimension %q collides with %s of the same name", d.Name, prev)
		}
		factColumns[d.Name] = "dimension"
		switch d.Kind {
		case DimensionCategorical, DimensionTime, DimensionBoolean:
		default:
			return ErrValidation("dimension %q: type must be one of categorical, time, boolean", d.Name)
		}
		if err := validateSourceExpr("dimension", d.Name, d.Expr); err != nil {
			return err
		}
	}
	for _, ms := range m.Measures {
		if err := validateName("measure", ms.Name); err != nil {
			return err
		}
		if prev, dup := factColumns[ms.Name]; dup {
			return ErrValidation("measure %q collides with %s of the same name", ms.Name, prev)
		}
		factColumns[ms.Name] = "measure"
		switch ms.Agg {
		case AggSum, AggCount, AggAvg, AggMin, AggMax, AggCountDistinct:
		default:
			return ErrValidation("measure %q: agg must be one of sum, count, avg, min, max, count_distinct", ms.Name)
		}
		if err := validateSourceExpr("measure", ms.Name, ms.Expr); err != nil {
			return err
		}
	}

	metricNames := make(map[string]bool, len(m.Metrics))
	for _, met := range m.Metrics {
		name := met.MetricName()
		if err := validateName("metric", name); err != nil {
			return err
		}
		if name == FactTableName {
			return ErrValidation("metric name %q is reserved for the fact table", name)
		}
		if metricNames[name] {
			return ErrValidation("duplicate metric %q", name)
		}
		if _, isDim := m.Dimension(name); isDim {
			return ErrValidation("metric %q collides with a dimension of the same name", name)
		}
		metricNames[name] = true
	}

	for _, met := range m.Metrics {
		switch v := met.(type) {
		case *SimpleMetric:
			if _, ok := m.Measure(v.Measure); !ok {
				return ErrValidation("metric %q references unknown measure %q", v.Name, v.Measure)
			}
		case *RatioMetric:
			if _, ok := m.Measure(v.Numerator); !ok {
				return ErrValidation("metric %q: numerator references unknown measure %q", v.Name, v.Numerator)
			}
			if _, ok := m.Measure(v.Denominator); !ok {
				return ErrValidation("metric %q: denominator references unknown measure %q", v.Name, v.Denominator)
			}
		case *DerivedMetric:
			expr, err := pgsql.ParseExpr(v.Expr)
			if err != nil {
				return ErrValidation("metric %q expression is invalid: %v", v.Name, err)
			}
			if err := validateDerivedExpr(v.Name, expr, metricNames); err != nil {
				return err
			}
			v.Parsed = expr
		default:
			return ErrValidation("metric %q has unsupported type %T", met.MetricName(), met)
		}
	}
	return m.checkMetricCycles()
}

func validateName(kind, name string) error {
	if !nameRe.MatchString(name) {
		return ErrValidation("%s name %q must match %s", kind, name, nameRe.String())
	}
	return nil
}

// validateSourceExpr guards the expressions inlined into warehouse SQL.
func validateSourceExpr(kind, name, expr string) error {
	if strings.TrimSpace(expr) == "" {
		return ErrValidation("%s %q has empty expr", kind, name)
	}
	if strings.Contains(expr, ";") {
		return ErrValidation("%s %q expr must not contain semicolons", kind, name)
	}
	if strings.Contains(expr, "--") || strings.Contains(expr, "/*") {
		return ErrValidation("%s %q expr must not contain comments", kind, name)
	}
	if _, err := pgsql.ParseExpr(expr); err != nil {
		return ErrValidation("%s %q expr is invalid: %v", kind, name, err)
	}
	return nil
}

// validateDerivedExpr allows arithmetic over metric names and numeric
// literals only.
func validateDerivedExpr(metric string, expr pgsql.Expr, metrics map[string]bool) error {
	var err error
	pgsql.Inspect(expr, func(e pgsql.Expr) bool {
		if err != nil {
			return false
		}
		switch n := e.(type) {
		case *pgsql.ColumnRef:
			if n.Table != "" || !metrics[n.Column] {
				err = ErrValidation("metric %q references unknown metric %q", metric, n.Column)
			} else if n.Column == metric {
				err = ErrValidation("metric %q references itself", metric)
			}
		case *pgsql.Literal:
			if n.Type != pgsql.LiteralNumber {
				err = ErrValidation("metric %q: only numeric literals are allowed in derived expressions", metric)
			}
		case *pgsql.BinaryExpr:
			switch n.Op {
			case pgsql.TOKEN_PLUS, pgsql.TOKEN_MINUS, pgsql.TOKEN_STAR, pgsql.TOKEN_SLASH:
			default:
				err = ErrValidation("metric %q: operator %s is not allowed in derived expressions", metric, n.Op)
			}
		case *pgsql.UnaryExpr:
			if n.Op != pgsql.TOKEN_MINUS && n.Op != pgsql.TOKEN_PLUS {
				err = ErrValidation("metric %q: operator %s is not allowed in derived expressions", metric, n.Op)
			}
		case *pgsql.ParenExpr:
		default:
			err = ErrValidation("metric %q: derived expressions may only combine metrics arithmetically", metric)
		}
		return err == nil
	})
	return err
}

// checkMetricCycles rejects derived metrics that reference themselves
// through other derived metrics.
func (m *SemanticModel) checkMetricCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(m.Metrics))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return ErrValidation("metric %q is part of a reference cycle", name)
		case done:
			return nil
		}
		state[name] = visiting
		met, _ := m.Metric(name)
		if d, ok := met.(*DerivedMetric); ok && d.Parsed != nil {
			for _, ref := range pgsql.ColumnRefs(d.Parsed) {
				if err := visit(ref.Column); err != nil {
					return err
				}
			}
		}
		state[name] = done
		return nil
	}
	for _, met := range m.Metrics {
		if err := visit(met.MetricName()); err != nil {
			return err
		}
	}
	return nil
}
