package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internaldb "semgate/internal/db"
	"semgate/internal/domain"
	"semgate/internal/testutil"
)

func setupRepo(t *testing.T) *SemanticModelRepo {
	t.Helper()
	db, _ := internaldb.OpenTestSQLite(t)
	return NewSemanticModelRepo(db)
}

func TestSemanticModelRepo_RoundTrip(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	want := testutil.SalesModel()
	created, err := repo.Upsert(ctx, want)
	require.NoError(t, err)
	assert.True(t, created)

	got, err := repo.GetModel(ctx, "sales_metrics")
	require.NoError(t, err)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.BaseTable, got.BaseTable)
	assert.Equal(t, want.Entities, got.Entities)
	assert.Equal(t, want.Dimensions, got.Dimensions, "declaration order is preserved")
	assert.Equal(t, want.Measures, got.Measures)
	require.Len(t, got.Metrics, len(want.Metrics))
	for i := range want.Metrics {
		assert.Equal(t, domain.SpecOf(want.Metrics[i]), domain.SpecOf(got.Metrics[i]))
	}
	derived, ok := got.Metrics[2].(*domain.DerivedMetric)
	require.True(t, ok)
	assert.NotNil(t, derived.Parsed, "loaded models are validated")
}

func TestSemanticModelRepo_UpsertReplaces(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	_, err := repo.Upsert(ctx, testutil.SalesModel())
	require.NoError(t, err)

	m := testutil.InventoryModel()
	m.Name = "sales_metrics"
	m.Description = "replaced"
	created, err := repo.Upsert(ctx, m)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := repo.GetModel(ctx, "sales_metrics")
	require.NoError(t, err)
	assert.Equal(t, "replaced", got.Description)
	assert.Equal(t, "analytics.stock", got.BaseTable)
	assert.Empty(t, got.Metrics, "elements of the previous definition are removed")
	require.Len(t, got.Measures, 1)
	assert.Equal(t, "units", got.Measures[0].Name)
}

func TestSemanticModelRepo_ListAndDelete(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	names, err := repo.ListModels(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = repo.Upsert(ctx, testutil.SalesModel())
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, testutil.InventoryModel())
	require.NoError(t, err)

	names, err = repo.ListModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"inventory", "sales_metrics"}, names)

	require.NoError(t, repo.Delete(ctx, "inventory"))
	_, err = repo.GetModel(ctx, "inventory")
	assert.True(t, domain.IsNotFound(err))

	err = repo.Delete(ctx, "inventory")
	assert.True(t, domain.IsNotFound(err))
}

func TestSemanticModelRepo_RejectsInvalidModel(t *testing.T) {
	repo := setupRepo(t)

	_, err := repo.Upsert(context.Background(), &domain.SemanticModel{Name: "empty", BaseTable: "t"})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	names, err := repo.ListModels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestSemanticModelRepo_ReadOnlyStore(t *testing.T) {
	db, path := internaldb.OpenTestSQLite(t)
	_, err := NewSemanticModelRepo(db).Upsert(context.Background(), testutil.InventoryModel())
	require.NoError(t, err)

	ro, err := internaldb.OpenSQLite(context.Background(), path, internaldb.ReadOnly)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ro.Close() })

	store := NewSemanticModelRepo(ro)
	m, err := store.GetModel(context.Background(), "inventory")
	require.NoError(t, err)
	assert.Equal(t, "warehouse_region", m.Dimensions[0].Expr)

	_, err = store.Upsert(context.Background(), testutil.SalesModel())
	require.Error(t, err)
}

func TestMapDBError(t *testing.T) {
	assert.NoError(t, mapDBError(nil))
	assert.True(t, domain.IsNotFound(mapDBError(sql.ErrNoRows)))

	var ce *domain.ConflictError
	assert.ErrorAs(t, mapDBError(errors.New("UNIQUE constraint failed: semantic_models.name")), &ce)

	other := errors.New("disk I/O error")
	assert.Equal(t, other, mapDBError(other))
}
