package domain

import "context"

// ModelStore is the upstream source of semantic model definitions.
// Implemented by modelstore.DirStore, modelstore.BucketStore and
// repository.SemanticModelRepo.
type ModelStore interface {
	// GetModel returns a validated model, or a NotFoundError.
	GetModel(ctx context.Context, name string) (*SemanticModel, error)
	// ListModels returns the names of every stored model.
	ListModels(ctx context.Context) ([]string, error)
}

// Executor runs compiled SQL against the warehouse.
// Implemented by engine.DuckDBExecutor and engine.PostgresExecutor.
type Executor interface {
	Execute(ctx context.Context, sql string) (Rows, error)
}

// Rows streams a tabular result. Callers must Close it.
type Rows interface {
	Columns() []string
	Next() bool
	// Values returns the current row. The slice is only valid until the
	// next call to Next.
	Values() ([]any, error)
	Err() error
	Close() error
}
