// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"context"
	"sort"
	"sync"

	"semgate/internal/domain"
)

// === Model Store Mock ===

// MockModelStore implements domain.ModelStore for testing. Without function
// overrides it serves the models held in memory.
type MockModelStore struct {
	GetModelFn   func(ctx context.Context, name string) (*domain.SemanticModel, error)
	ListModelsFn func(ctx context.Context) ([]string, error)

	mu     sync.Mutex
	models map[string]*domain.SemanticModel
	calls  int
}

// NewMockModelStore returns a store serving models.
func NewMockModelStore(models ...*domain.SemanticModel) *MockModelStore {
	s := &MockModelStore{models: make(map[string]*domain.SemanticModel)}
	for _, m := range models {
		s.models[m.Name] = m
	}
	return s
}

// Put adds or replaces a model.
func (s *MockModelStore) Put(m *domain.SemanticModel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.models == nil {
		s.models = make(map[string]*domain.SemanticModel)
	}
	s.models[m.Name] = m
}

// Delete removes a model.
func (s *MockModelStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.models, name)
}

// ListCalls returns how many times ListModels was called.
func (s *MockModelStore) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// GetModel implements the interface method for testing.
func (s *MockModelStore) GetModel(ctx context.Context, name string) (*domain.SemanticModel, error) {
	if s.GetModelFn != nil {
		return s.GetModelFn(ctx, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[name]
	if !ok {
		return nil, domain.ErrNotFound("semantic model %q not found", name)
	}
	return m, nil
}

// ListModels implements the interface method for testing.
func (s *MockModelStore) ListModels(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.ListModelsFn != nil {
		return s.ListModelsFn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.models))
	for name := range s.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// === Executor Mock ===

// MockExecutor implements domain.Executor for testing and records every
// SQL string it receives.
type MockExecutor struct {
	ExecuteFn func(ctx context.Context, sql string) (domain.Rows, error)

	mu      sync.Mutex
	queries []string
}

// Execute implements the interface method for testing.
func (e *MockExecutor) Execute(ctx context.Context, sql string) (domain.Rows, error) {
	e.mu.Lock()
	e.queries = append(e.queries, sql)
	e.mu.Unlock()
	if e.ExecuteFn != nil {
		return e.ExecuteFn(ctx, sql)
	}
	panic("unexpected call to MockExecutor.Execute")
}

// Queries returns a copy of the SQL executed so far.
func (e *MockExecutor) Queries() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.queries...)
}

// LastQuery returns the last executed SQL, or "".
func (e *MockExecutor) LastQuery() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queries) == 0 {
		return ""
	}
	return e.queries[len(e.queries)-1]
}

// === Rows ===

// SliceRows is an in-memory domain.Rows.
type SliceRows struct {
	Cols []string
	Data [][]any
	// ErrAfter, when set, is returned by Err once the rows are exhausted.
	ErrAfter error

	pos    int
	mu     sync.Mutex
	closed bool
}

// NewRows builds SliceRows from column names and rows.
func NewRows(cols []string, data ...[]any) *SliceRows {
	return &SliceRows{Cols: cols, Data: data}
}

// Columns implements domain.Rows.
func (r *SliceRows) Columns() []string { return r.Cols }

// Next implements domain.Rows.
func (r *SliceRows) Next() bool {
	if r.IsClosed() || r.pos >= len(r.Data) {
		return false
	}
	r.pos++
	return true
}

// Values implements domain.Rows.
func (r *SliceRows) Values() ([]any, error) {
	return r.Data[r.pos-1], nil
}

// Err implements domain.Rows.
func (r *SliceRows) Err() error {
	if r.pos >= len(r.Data) {
		return r.ErrAfter
	}
	return nil
}

// Close implements domain.Rows.
func (r *SliceRows) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (r *SliceRows) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// === Fixtures ===

// SalesModel returns the validated sales_metrics model used across tests:
// dimensions region and ordered_at, measures revenue (sum) and order_count
// (count), and metrics total_revenue, avg_order_value and aov_cents.
func SalesModel() *domain.SemanticModel {
	m := &domain.SemanticModel{
		Name:        "sales_metrics",
		Description: "Orders by region",
		BaseTable:   "analytics.fct_sales",
		Entities:    []domain.Entity{{Name: "order", Type: domain.EntityPrimary, Expr: "order_id"}},
		Dimensions: []domain.Dimension{
			{Name: "region", Kind: domain.DimensionCategorical, Expr: "region"},
			{Name: "ordered_at", Kind: domain.DimensionTime, Expr: "date_trunc('day', created_at)"},
			{Name: "is_online", Kind: domain.DimensionBoolean, Expr: "channel = 'web'"},
		},
		Measures: []domain.Measure{
			{Name: "revenue", Agg: domain.AggSum, Expr: "amount"},
			{Name: "order_count", Agg: domain.AggCount, Expr: "order_id"},
			{Name: "customers", Agg: domain.AggCountDistinct, Expr: "customer_id"},
			{Name: "avg_amount", Agg: domain.AggAvg, Expr: "amount"},
		},
		Metrics: []domain.Metric{
			&domain.SimpleMetric{MetricInfo: domain.MetricInfo{Name: "total_revenue"}, Measure: "revenue"},
			&domain.RatioMetric{MetricInfo: domain.MetricInfo{Name: "avg_order_value"}, Numerator: "revenue", Denominator: "order_count"},
			&domain.DerivedMetric{MetricInfo: domain.MetricInfo{Name: "aov_cents"}, Expr: "avg_order_value * 100"},
		},
	}
	if err := m.Validate(); err != nil {
		panic(err)
	}
	return m
}

// InventoryModel returns a second validated model, used to exercise
// cross-model behavior.
func InventoryModel() *domain.SemanticModel {
	m := &domain.SemanticModel{
		Name:      "inventory",
		BaseTable: "analytics.stock",
		Dimensions: []domain.Dimension{
			{Name: "region", Kind: domain.DimensionCategorical, Expr: "warehouse_region"},
		},
		Measures: []domain.Measure{
			{Name: "units", Agg: domain.AggSum, Expr: "qty"},
		},
	}
	if err := m.Validate(); err != nil {
		panic(err)
	}
	return m
}
