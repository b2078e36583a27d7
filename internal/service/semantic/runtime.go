package semantic

import (
	"context"
	"errors"
	"fmt"

	"semgate/internal/analyzer"
	"semgate/internal/domain"
	"semgate/internal/engine"
)

// Run executes an analyzed data or introspection statement. The returned
// rows must be closed by the caller.
func (s *Service) Run(ctx context.Context, a *analyzer.Analysis, sess engine.Session) (*Result, error) {
	switch a.Class {
	case analyzer.ClassIntrospection:
		rows, err := s.introspect.Query(ctx, a.Snapshot, a.Introspection, sess)
		if err != nil {
			return nil, err
		}
		return &Result{Columns: a.Columns, Rows: rows}, nil
	case analyzer.ClassData:
		plan, err := Translate(a)
		if err != nil {
			return nil, err
		}
		rows, err := s.Execute(ctx, plan)
		if err != nil {
			return nil, err
		}
		return &Result{Columns: plan.Columns, Rows: rows, Plan: plan}, nil
	}
	return nil, fmt.Errorf("run: %s statements are handled by the session", a.Class)
}

// Execute sends a compiled plan to the warehouse.
func (s *Service) Execute(ctx context.Context, plan *Plan) (domain.Rows, error) {
	if s.exec == nil {
		return nil, fmt.Errorf("semantic query executor is not configured")
	}
	s.logger.DebugContext(ctx, "executing plan",
		"model", plan.Model, "catalog_version", plan.Version, "sql", plan.SQL)

	rows, err := s.exec.Execute(ctx, plan.SQL)
	if err != nil {
		var execErr *domain.ExecutionError
		if !errors.As(err, &execErr) {
			err = &domain.ExecutionError{SQL: plan.SQL, Err: err}
		}
		return nil, err
	}
	if got := len(rows.Columns()); got != len(plan.Columns) {
		_ = rows.Close()
		return nil, &domain.ExecutionError{
			SQL: plan.SQL,
			Err: fmt.Errorf("warehouse returned %d columns, expected %d", got, len(plan.Columns)),
		}
	}
	return rows, nil
}
