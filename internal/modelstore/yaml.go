// Package modelstore loads semantic model definitions from YAML documents
// kept in a local directory or under an object storage prefix.
package modelstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"semgate/internal/domain"
)

// ModelDoc is the YAML shape of one semantic model file.
type ModelDoc struct {
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	BaseTable   string          `yaml:"base_table" json:"base_table"`
	Entities    []EntitySpec    `yaml:"entities,omitempty" json:"entities,omitempty"`
	Dimensions  []DimensionSpec `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
	Measures    []MeasureSpec   `yaml:"measures,omitempty" json:"measures,omitempty"`
	Metrics     []MetricSpec    `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

// EntitySpec describes a join key.
type EntitySpec struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
	Expr string `yaml:"expr" json:"expr"`
}

// DimensionSpec describes a dimension. Type defaults to categorical.
type DimensionSpec struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Type        string `yaml:"type,omitempty" json:"type,omitempty"`
	Expr        string `yaml:"expr" json:"expr"`
}

// MeasureSpec describes a measure.
type MeasureSpec struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Agg         string `yaml:"agg" json:"agg"`
	Expr        string `yaml:"expr" json:"expr"`
}

// MetricSpec describes a metric; which fields apply depends on Type.
type MetricSpec struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Type        string `yaml:"type" json:"type"`
	Measure     string `yaml:"measure,omitempty" json:"measure,omitempty"`
	Numerator   string `yaml:"numerator,omitempty" json:"numerator,omitempty"`
	Denominator string `yaml:"denominator,omitempty" json:"denominator,omitempty"`
	Expr        string `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// Decode parses one YAML model document and validates it. Unknown fields
// are rejected. Any failure is a *domain.ValidationError.
func Decode(r io.Reader) (*domain.SemanticModel, error) {
	var doc ModelDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.ErrValidation("empty model document")
		}
		return nil, domain.ErrValidation("parse model: %v", err)
	}
	return doc.Model()
}

// DecodeBytes is Decode over an in-memory document.
func DecodeBytes(data []byte) (*domain.SemanticModel, error) {
	return Decode(bytes.NewReader(data))
}

// Model converts the document into a validated domain model.
func (d *ModelDoc) Model() (*domain.SemanticModel, error) {
	m := &domain.SemanticModel{
		Name:        strings.TrimSpace(d.Name),
		Description: d.Description,
		BaseTable:   strings.TrimSpace(d.BaseTable),
	}
	for _, e := range d.Entities {
		m.Entities = append(m.Entities, domain.Entity{
			Name: e.Name,
			Type: domain.EntityType(strings.ToLower(e.Type)),
			Expr: e.Expr,
		})
	}
	for _, dim := range d.Dimensions {
		kind := domain.DimensionKind(strings.ToLower(dim.Type))
		if kind == "" {
			kind = domain.DimensionCategorical
		}
		m.Dimensions = append(m.Dimensions, domain.Dimension{
			Name:        dim.Name,
			Description: dim.Description,
			Kind:        kind,
			Expr:        dim.Expr,
		})
	}
	for _, ms := range d.Measures {
		m.Measures = append(m.Measures, domain.Measure{
			Name:        ms.Name,
			Description: ms.Description,
			Agg:         domain.Aggregation(strings.ToLower(ms.Agg)),
			Expr:        ms.Expr,
		})
	}
	for _, spec := range d.Metrics {
		metric, err := domain.NewMetric(domain.MetricSpec{
			Name:        spec.Name,
			Description: spec.Description,
			Kind:        spec.Type,
			Measure:     spec.Measure,
			Numerator:   spec.Numerator,
			Denominator: spec.Denominator,
			Expr:        spec.Expr,
		})
		if err != nil {
			return nil, err
		}
		m.Metrics = append(m.Metrics, metric)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode renders a model as a YAML document that Decode accepts.
func Encode(w io.Writer, m *domain.SemanticModel) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(DocOf(m)); err != nil {
		return fmt.Errorf("encode model %q: %w", m.Name, err)
	}
	return enc.Close()
}

// DocOf is the inverse of ModelDoc.Model.
func DocOf(m *domain.SemanticModel) *ModelDoc {
	doc := &ModelDoc{Name: m.Name, Description: m.Description, BaseTable: m.BaseTable}
	for _, e := range m.Entities {
		doc.Entities = append(doc.Entities, EntitySpec{Name: e.Name, Type: string(e.Type), Expr: e.Expr})
	}
	for _, d := range m.Dimensions {
		doc.Dimensions = append(doc.Dimensions, DimensionSpec{Name: d.Name, Description: d.Description, Type: string(d.Kind), Expr: d.Expr})
	}
	for _, ms := range m.Measures {
		doc.Measures = append(doc.Measures, MeasureSpec{Name: ms.Name, Description: ms.Description, Agg: string(ms.Agg), Expr: ms.Expr})
	}
	for _, metric := range m.Metrics {
		spec := domain.SpecOf(metric)
		doc.Metrics = append(doc.Metrics, MetricSpec{
			Name:        spec.Name,
			Description: spec.Description,
			Type:        spec.Kind,
			Measure:     spec.Measure,
			Numerator:   spec.Numerator,
			Denominator: spec.Denominator,
			Expr:        spec.Expr,
		})
	}
	return doc
}

// modelName returns the model name encoded by a file or object name, and
// whether it names a model document at all.
func modelName(base string) (string, bool) {
	for _, ext := range []string{".yaml", ".yml"} {
		if strings.HasSuffix(base, ext) {
			name := strings.TrimSuffix(base, ext)
			return name, name != "" && !strings.HasPrefix(name, ".")
		}
	}
	return "", false
}
