package semantic

import (
	"semgate/internal/analyzer"
	"semgate/internal/domain"
)

// Plan is the translated form of one data query.
type Plan struct {
	// SQL is the compiled warehouse statement. It references only the
	// model's base table and declared source expressions.
	SQL     string
	Columns []analyzer.OutputColumn
	// Version is the catalog snapshot version the plan was built against.
	Version uint64

	Schema    string
	Model     string
	BaseTable string
	// Dimensions, Measures and Metrics list the semantic elements the plan
	// reads, sorted by name. Measures include those reached through metric
	// expansion.
	Dimensions []string
	Measures   []string
	Metrics    []string
}

// Result is a running statement: its output shape and a stream of rows.
// Callers must close Rows.
type Result struct {
	Columns []analyzer.OutputColumn
	Rows    domain.Rows
	// Plan is nil for introspection queries.
	Plan *Plan
}
