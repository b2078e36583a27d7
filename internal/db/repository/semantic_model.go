package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"semgate/internal/domain"
)

// Compile-time check.
var _ domain.ModelStore = (*SemanticModelRepo)(nil)

const (
	elementEntity    = "entity"
	elementDimension = "dimension"
	elementMeasure   = "measure"
	elementMetric    = "metric"
)

// SemanticModelRepo stores semantic models in SQLite. Each model is one
// semantic_models row plus one semantic_elements row per entity, dimension,
// measure and metric.
type SemanticModelRepo struct {
	db *sql.DB
}

// NewSemanticModelRepo creates a new SemanticModelRepo.
func NewSemanticModelRepo(db *sql.DB) *SemanticModelRepo {
	return &SemanticModelRepo{db: db}
}

// ListModels implements domain.ModelStore.
func (r *SemanticModelRepo) ListModels(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM semantic_models ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list semantic models: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan semantic model: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// GetModel implements domain.ModelStore. The stored definition is
// validated before it is returned.
func (r *SemanticModelRepo) GetModel(ctx context.Context, name string) (*domain.SemanticModel, error) {
	var (
		id string
		m  = &domain.SemanticModel{}
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, description, base_table FROM semantic_models WHERE name = ?`, name,
	).Scan(&id, &m.Name, &m.Description, &m.BaseTable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("semantic model %q not found", name)
	}
	if err != nil {
		return nil, mapDBError(err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT element, name, description, kind, expr, measure, numerator, denominator
		FROM semantic_elements
		WHERE model_id = ?
		ORDER BY element, position`, id)
	if err != nil {
		return nil, fmt.Errorf("load elements of %q: %w", name, err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var (
			element string
			spec    domain.MetricSpec
			expr    string
		)
		if err := rows.Scan(&element, &spec.Name, &spec.Description, &spec.Kind, &expr,
			&spec.Measure, &spec.Numerator, &spec.Denominator); err != nil {
			return nil, fmt.Errorf("scan element of %q: %w", name, err)
		}
		switch element {
		case elementEntity:
			m.Entities = append(m.Entities, domain.Entity{Name: spec.Name, Type: domain.EntityType(spec.Kind), Expr: expr})
		case elementDimension:
			m.Dimensions = append(m.Dimensions, domain.Dimension{
				Name: spec.Name, Description: spec.Description, Kind: domain.DimensionKind(spec.Kind), Expr: expr,
			})
		case elementMeasure:
			m.Measures = append(m.Measures, domain.Measure{
				Name: spec.Name, Description: spec.Description, Agg: domain.Aggregation(spec.Kind), Expr: expr,
			})
		case elementMetric:
			spec.Expr = expr
			metric, err := domain.NewMetric(spec)
			if err != nil {
				return nil, err
			}
			m.Metrics = append(m.Metrics, metric)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load elements of %q: %w", name, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Upsert validates m and stores it, replacing any model of the same name.
// It reports whether a new model was created.
func (r *SemanticModelRepo) Upsert(ctx context.Context, m *domain.SemanticModel) (created bool, err error) {
	if err := m.Validate(); err != nil {
		return false, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM semantic_models WHERE name = ?`, m.Name).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = domain.NewID()
		created = true
		_, err = tx.ExecContext(ctx,
			`INSERT INTO semantic_models (id, name, description, base_table) VALUES (?, ?, ?, ?)`,
			id, m.Name, m.Description, m.BaseTable)
	case err == nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE semantic_models SET description = ?, base_table = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			m.Description, m.BaseTable, id)
	}
	if err != nil {
		return false, mapDBError(err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM semantic_elements WHERE model_id = ?`, id); err != nil {
		return false, mapDBError(err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO semantic_elements
			(model_id, element, position, name, description, kind, expr, measure, numerator, denominator)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return false, fmt.Errorf("prepare element insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	insert := func(element string, pos int, spec domain.MetricSpec) error {
		_, err := stmt.ExecContext(ctx, id, element, pos, spec.Name, spec.Description, spec.Kind,
			spec.Expr, spec.Measure, spec.Numerator, spec.Denominator)
		return mapDBError(err)
	}
	for i, e := range m.Entities {
		if err = insert(elementEntity, i, domain.MetricSpec{Name: e.Name, Kind: string(e.Type), Expr: e.Expr}); err != nil {
			return false, err
		}
	}
	for i, d := range m.Dimensions {
		if err = insert(elementDimension, i, domain.MetricSpec{Name: d.Name, Description: d.Description, Kind: string(d.Kind), Expr: d.Expr}); err != nil {
			return false, err
		}
	}
	for i, ms := range m.Measures {
		if err = insert(elementMeasure, i, domain.MetricSpec{Name: ms.Name, Description: ms.Description, Kind: string(ms.Agg), Expr: ms.Expr}); err != nil {
			return false, err
		}
	}
	for i, metric := range m.Metrics {
		if err = insert(elementMetric, i, domain.SpecOf(metric)); err != nil {
			return false, err
		}
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

// Delete removes a model by name.
func (r *SemanticModelRepo) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM semantic_models WHERE name = ?`, name)
	if err != nil {
		return mapDBError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound("semantic model %q not found", name)
	}
	return nil
}
