// Package semantic translates analyzed semantic queries into warehouse SQL
// and runs them.
package semantic

import (
	"context"
	"errors"
	"log/slog"

	"semgate/internal/analyzer"
	"semgate/internal/catalog"
	"semgate/internal/domain"
	"semgate/internal/engine"
	"semgate/internal/pgsql"
)

// SnapshotSource provides the current catalog snapshot.
// Implemented by *catalog.Catalog.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*catalog.Snapshot, error)
}

// Service resolves, translates and executes statements against the current
// catalog snapshot.
type Service struct {
	catalog    SnapshotSource
	exec       domain.Executor
	introspect *engine.InformationSchemaProvider
	logger     *slog.Logger
}

// NewService creates a Service.
func NewService(cat SnapshotSource, exec domain.Executor, introspect *engine.InformationSchemaProvider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		catalog:    cat,
		exec:       exec,
		introspect: introspect,
		logger:     logger.With("component", "semantic"),
	}
}

// Analyze resolves stmt against the current snapshot. When no snapshot can
// be loaded, statements that do not need one still succeed.
func (s *Service) Analyze(ctx context.Context, stmt pgsql.Stmt, scope analyzer.Scope) (*analyzer.Analysis, error) {
	snap, err := s.catalog.Snapshot(ctx)
	if err != nil {
		var unavailable *domain.CatalogUnavailableError
		if !errors.As(err, &unavailable) {
			return nil, err
		}
		snap = nil
	}
	return analyzer.Analyze(snap, stmt, scope)
}

// Explain parses, analyzes and translates a single data query without
// executing it.
func (s *Service) Explain(ctx context.Context, sql string, scope analyzer.Scope) (*Plan, error) {
	stmt, err := pgsql.Parse(sql)
	if err != nil {
		return nil, ParseError(err)
	}
	if stmt == nil {
		return nil, domain.ErrParse("empty query")
	}
	a, err := s.Analyze(ctx, stmt, scope)
	if err != nil {
		return nil, err
	}
	if a.Class != analyzer.ClassData {
		return nil, domain.ErrValidation("only data queries can be explained, got a %s statement", a.Class)
	}
	return Translate(a)
}

// ParseError converts a parser failure into the domain error taxonomy.
func ParseError(err error) error {
	var syntax *pgsql.SyntaxError
	if errors.As(err, &syntax) {
		return &domain.ParseError{Message: syntax.Message, Position: syntax.Position}
	}
	var unsupported *pgsql.UnsupportedError
	if errors.As(err, &unsupported) {
		return domain.ErrNotSupported("%s", unsupported.Error())
	}
	return err
}
