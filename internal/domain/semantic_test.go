package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func salesModel() *SemanticModel {
	return &SemanticModel{
		Name:      "sales_metrics",
		BaseTable: "analytics.fct_sales",
		Entities:  []Entity{{Name: "order", Type: EntityPrimary, Expr: "order_id"}},
		Dimensions: []Dimension{
			{Name: "region", Kind: DimensionCategorical, Expr: "region"},
			{Name: "ordered_at", Kind: DimensionTime, Expr: "date_trunc('day', created_at)"},
		},
		Measures: []Measure{
			{Name: "revenue", Agg: AggSum, Expr: "amount"},
			{Name: "order_count", Agg: AggCount, Expr: "order_id"},
		},
		Metrics: []Metric{
			&SimpleMetric{MetricInfo: MetricInfo{Name: "total_revenue"}, Measure: "revenue"},
			&RatioMetric{MetricInfo: MetricInfo{Name: "avg_order_value"}, Numerator: "revenue", Denominator: "order_count"},
			&DerivedMetric{MetricInfo: MetricInfo{Name: "aov_cents"}, Expr: "avg_order_value * 100"},
		},
	}
}

func TestSemanticModel_ValidateOK(t *testing.T) {
	m := salesModel()
	require.NoError(t, m.Validate())
	assert.Equal(t, "sem_sales_metrics", m.SchemaName())

	met, ok := m.Metric("aov_cents")
	require.True(t, ok)
	assert.NotNil(t, met.(*DerivedMetric).Parsed)
}

func TestSemanticModel_ValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *SemanticModel)
		wantMsg string
	}{
		{"bad model name", func(m *SemanticModel) { m.Name = "Sales-Metrics" }, "model name"},
		{"bad base table", func(m *SemanticModel) { m.BaseTable = "x; drop table y" }, "base_table"},
		{"empty model", func(m *SemanticModel) { m.Dimensions, m.Measures, m.Metrics = nil, nil, nil }, "no dimensions or measures"},
		{"dimension kind", func(m *SemanticModel) { m.Dimensions[0].Kind = "geo" }, "categorical, time, boolean"},
		{"measure agg", func(m *SemanticModel) { m.Measures[0].Agg = "median" }, "sum, count, avg"},
		{"column collision", func(m *SemanticModel) { m.Measures[0].Name = "region" }, "collides"},
		{"semicolon expr", func(m *SemanticModel) { m.Measures[0].Expr = "amount; drop table x" }, "semicolons"},
		{"comment expr", func(m *SemanticModel) { m.Measures[0].Expr = "amount -- hidden" }, "comments"},
		{"unparseable expr", func(m *SemanticModel) { m.Dimensions[0].Expr = "region +" }, "expr is invalid"},
		{"unknown simple measure", func(m *SemanticModel) {
			m.Metrics[0] = &SimpleMetric{MetricInfo: MetricInfo{Name: "total_revenue"}, Measure: "nope"}
		}, "unknown measure"},
		{"unknown ratio denominator", func(m *SemanticModel) {
			m.Metrics[1] = &RatioMetric{MetricInfo: MetricInfo{Name: "avg_order_value"}, Numerator: "revenue", Denominator: "nope"}
		}, "denominator"},
		{"derived unknown metric", func(m *SemanticModel) {
			m.Metrics[2] = &DerivedMetric{MetricInfo: MetricInfo{Name: "aov_cents"}, Expr: "revenue * 100"}
		}, "unknown metric"},
		{"derived string literal", func(m *SemanticModel) {
			m.Metrics[2] = &DerivedMetric{MetricInfo: MetricInfo{Name: "aov_cents"}, Expr: "avg_order_value + 'x'"}
		}, "numeric literals"},
		{"metric named fact", func(m *SemanticModel) {
			m.Metrics[0] = &SimpleMetric{MetricInfo: MetricInfo{Name: "fact"}, Measure: "revenue"}
		}, "reserved"},
		{"metric collides with dimension", func(m *SemanticModel) {
			m.Metrics[0] = &SimpleMetric{MetricInfo: MetricInfo{Name: "region"}, Measure: "revenue"}
		}, "collides"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := salesModel()
			tc.mutate(m)
			err := m.Validate()
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestSemanticModel_MetricCycle(t *testing.T) {
	m := salesModel()
	m.Metrics = append(m.Metrics,
		&DerivedMetric{MetricInfo: MetricInfo{Name: "a"}, Expr: "b + 1"},
		&DerivedMetric{MetricInfo: MetricInfo{Name: "b"}, Expr: "a * 2"},
	)
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestSemanticModel_SelfReference(t *testing.T) {
	m := salesModel()
	m.Metrics = append(m.Metrics, &DerivedMetric{MetricInfo: MetricInfo{Name: "loop"}, Expr: "loop + 1"})
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "references itself")
}

func TestNewMetric_RoundTripsSpec(t *testing.T) {
	specs := []MetricSpec{
		{Name: "s", Kind: "simple", Measure: "revenue"},
		{Name: "r", Kind: "RATIO", Numerator: "revenue", Denominator: "order_count"},
		{Name: "d", Kind: "derived", Expr: "s / r"},
	}
	for _, spec := range specs {
		m, err := NewMetric(spec)
		require.NoError(t, err)
		got := SpecOf(m)
		assert.Equal(t, spec.Name, got.Name)
		assert.Equal(t, spec.Measure, got.Measure)
		assert.Equal(t, spec.Numerator, got.Numerator)
		assert.Equal(t, spec.Expr, got.Expr)
	}

	_, err := NewMetric(MetricSpec{Name: "x", Kind: "cumulative"})
	require.Error(t, err)
}
