// Package catalog builds the SQL-addressable virtual schemas that expose
// semantic models, and keeps them fresh.
package catalog

import (
	"sort"
	"time"

	"semgate/internal/domain"
)

// ElementKind names the kind of semantic element a column derives from.
type ElementKind string

const (
	ElementDimension ElementKind = "dimension"
	ElementMeasure   ElementKind = "measure"
	ElementMetric    ElementKind = "metric"
)

// Column is a virtual column. Exactly one Column exists per semantic
// element of a model; tables that expose the same element share it.
type Column struct {
	Name        string
	Type        WireType
	Nullable    bool
	Description string

	Element   ElementKind
	Dimension *domain.Dimension
	Measure   *domain.Measure
	Metric    domain.Metric
}

// IsDimension reports whether the column derives from a dimension.
func (c *Column) IsDimension() bool { return c.Element == ElementDimension }

// TableKind distinguishes the fact table from metric views.
type TableKind string

const (
	TableFact       TableKind = "BASE TABLE"
	TableMetricView TableKind = "VIEW"
)

// Table is a virtual table or view within a Schema.
type Table struct {
	Name    string
	Kind    TableKind
	Schema  *Schema
	Columns []*Column
	// Metric is set for metric views.
	Metric domain.Metric

	byName map[string]*Column
}

// Column looks up a column by name.
func (t *Table) Column(name string) (*Column, bool) {
	c, ok := t.byName[name]
	return c, ok
}

// Ordinal returns the 1-based position of c in the table, or 0.
func (t *Table) Ordinal(c *Column) int {
	for i, col := range t.Columns {
		if col == c {
			return i + 1
		}
	}
	return 0
}

// Schema is the virtual schema of one semantic model.
type Schema struct {
	Name   string
	Model  *domain.SemanticModel
	Tables []*Table

	columns []*Column
	byName  map[string]*Table
}

// Table looks up a table or view by name.
func (s *Schema) Table(name string) (*Table, bool) {
	t, ok := s.byName[name]
	return t, ok
}

// Columns returns every distinct column of the schema, one per semantic
// element, in declaration order.
func (s *Schema) Columns() []*Column {
	return s.columns
}

// BuildSchema derives the virtual schema for a validated model.
func BuildSchema(m *domain.SemanticModel) *Schema {
	s := &Schema{Name: m.SchemaName(), Model: m, byName: make(map[string]*Table)}

	dims := make([]*Column, 0, len(m.Dimensions))
	for i := range m.Dimensions {
		d := &m.Dimensions[i]
		dims = append(dims, &Column{
			Name:        d.Name,
			Type:        TypeForDimension(d.Kind),
			Nullable:    true,
			Description: d.Description,
			Element:     ElementDimension,
			Dimension:   d,
		})
	}
	measures := make([]*Column, 0, len(m.Measures))
	for i := range m.Measures {
		ms := &m.Measures[i]
		measures = append(measures, &Column{
			Name:        ms.Name,
			Type:        TypeForMeasure(ms.Agg),
			Nullable:    true,
			Description: ms.Description,
			Element:     ElementMeasure,
			Measure:     ms,
		})
	}
	s.columns = append(append(s.columns, dims...), measures...)

	fact := append(append([]*Column{}, dims...), measures...)
	s.addTable(&Table{Name: domain.FactTableName, Kind: TableFact, Columns: fact})

	for _, met := range m.Metrics {
		col := &Column{
			Name:        met.MetricName(),
			Type:        TypeForMetric(m, met),
			Nullable:    true,
			Description: met.MetricDescription(),
			Element:     ElementMetric,
			Metric:      met,
		}
		s.columns = append(s.columns, col)
		view := append(append([]*Column{}, dims...), col)
		s.addTable(&Table{Name: met.MetricName(), Kind: TableMetricView, Columns: view, Metric: met})
	}
	return s
}

func (s *Schema) addTable(t *Table) {
	t.Schema = s
	t.byName = make(map[string]*Column, len(t.Columns))
	for _, c := range t.Columns {
		t.byName[c.Name] = c
	}
	s.Tables = append(s.Tables, t)
	s.byName[t.Name] = t
}

// Snapshot is an immutable view of every virtual schema. A new Snapshot is
// built on each refresh; existing ones are never modified.
type Snapshot struct {
	Version  uint64
	BuiltAt  time.Time
	Database string
	Schemas  []*Schema

	byName map[string]*Schema
}

// NewSnapshot builds a snapshot from validated models. Schemas are ordered
// by name.
func NewSnapshot(version uint64, builtAt time.Time, database string, models []*domain.SemanticModel) *Snapshot {
	snap := &Snapshot{
		Version:  version,
		BuiltAt:  builtAt,
		Database: database,
		byName:   make(map[string]*Schema, len(models)),
	}
	for _, m := range models {
		s := BuildSchema(m)
		if _, dup := snap.byName[s.Name]; dup {
			continue
		}
		snap.Schemas = append(snap.Schemas, s)
		snap.byName[s.Name] = s
	}
	sort.Slice(snap.Schemas, func(i, j int) bool { return snap.Schemas[i].Name < snap.Schemas[j].Name })
	return snap
}

// Schema looks up a virtual schema by name.
func (s *Snapshot) Schema(name string) (*Schema, bool) {
	sc, ok := s.byName[name]
	return sc, ok
}

// Models returns the models behind the snapshot, ordered by schema name.
func (s *Snapshot) Models() []*domain.SemanticModel {
	out := make([]*domain.SemanticModel, 0, len(s.Schemas))
	for _, sc := range s.Schemas {
		out = append(out, sc.Model)
	}
	return out
}

// Age returns how long ago the snapshot was built.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.BuiltAt)
}
