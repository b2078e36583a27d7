package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semgate/internal/domain"
)

func TestDuckDBExecutor_Execute(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDuckDB(ctx, "")
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	exec := NewDuckDBExecutor(db)
	rows, err := exec.Execute(ctx, "SELECT 'a' AS x, 1::BIGINT AS y UNION ALL SELECT NULL, 2 ORDER BY y")
	require.NoError(t, err)
	defer rows.Close() //nolint:errcheck

	assert.Equal(t, []string{"x", "y"}, rows.Columns())
	var got [][]any
	for rows.Next() {
		vals, err := rows.Values()
		require.NoError(t, err)
		got = append(got, append([]any(nil), vals...))
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, [][]any{{"a", int64(1)}, {nil, int64(2)}}, got)
}

func TestDuckDBExecutor_ErrorsCarrySQL(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDuckDB(ctx, "")
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	_, err = NewDuckDBExecutor(db).Execute(ctx, "SELECT * FROM missing_table")
	var execErr *domain.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "SELECT * FROM missing_table", execErr.SQL)
}

func TestInstallExtensions_RejectsBadNames(t *testing.T) {
	err := InstallExtensions(context.Background(), nil, []string{"httpfs; DROP TABLE x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid extension name")
}

func TestCreateS3Secret(t *testing.T) {
	ctx := context.Background()
	err := CreateS3Secret(ctx, nil, S3Secret{Name: "bad-name"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid secret name")

	err = CreateS3Secret(ctx, nil, S3Secret{Name: "Upper"})
	require.Error(t, err)
}

func TestRunInitSQL(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDuckDB(ctx, "")
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	require.NoError(t, RunInitSQL(ctx, db, "   "))
	require.NoError(t, RunInitSQL(ctx, db, "CREATE TABLE t (x INTEGER); INSERT INTO t VALUES (1), (2);"))

	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT sum(x) FROM t").Scan(&n))
	assert.Equal(t, 3, n)
}

func TestMemRows(t *testing.T) {
	rows := NewRows([]string{"a"}, [][]any{{int64(1)}, {int64(2)}})
	_, err := rows.Values()
	require.Error(t, err)

	var got []any
	for rows.Next() {
		vals, err := rows.Values()
		require.NoError(t, err)
		got = append(got, vals[0])
	}
	assert.Equal(t, []any{int64(1), int64(2)}, got)
	assert.NoError(t, rows.Err())
}
