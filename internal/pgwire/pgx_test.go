package pgwire

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semgate/internal/domain"
	"semgate/internal/engine"
	"semgate/internal/testutil"
)

const salesFixture = `
CREATE SCHEMA analytics;
CREATE TABLE analytics.fct_sales (
	order_id    INTEGER,
	customer_id INTEGER,
	region      VARCHAR,
	channel     VARCHAR,
	amount      DOUBLE,
	created_at  TIMESTAMP
);
INSERT INTO analytics.fct_sales VALUES
	(1, 100, 'east',  'web',   10, TIMESTAMP '2026-01-01 09:00:00'),
	(2, 101, 'east',  'store', 20, TIMESTAMP '2026-01-01 17:00:00'),
	(3, 100, 'west',  'web',   30, TIMESTAMP '2026-01-02 10:00:00'),
	(NULL, 102, 'north', 'web', 5, TIMESTAMP '2026-01-03 11:00:00');
`

func duckDBExecutor(t *testing.T) domain.Executor {
	t.Helper()
	ctx := context.Background()
	db, err := engine.OpenDuckDB(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, engine.RunInitSQL(ctx, db, salesFixture))
	return engine.NewDuckDBExecutor(db)
}

func connect(t *testing.T, srv *Server, mode pgx.QueryExecMode) *pgx.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cfg, err := pgx.ParseConfig(fmt.Sprintf("postgres://analyst@%s/semantic?sslmode=disable", srv.Addr()))
	require.NoError(t, err)
	cfg.DefaultQueryExecMode = mode
	conn, err := pgx.ConnectConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

func pgCode(t *testing.T, err error) string {
	t.Helper()
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	return pgErr.Code
}

type regionTotal struct {
	Region string
	Total  float64
}

var execModes = []struct {
	name string
	mode pgx.QueryExecMode
}{
	{name: "extended", mode: pgx.QueryExecModeCacheStatement},
	{name: "describe", mode: pgx.QueryExecModeDescribeExec},
	{name: "simple", mode: pgx.QueryExecModeSimpleProtocol},
}

func TestPGX_AggregateByRegion(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, duckDBExecutor(t), Options{})

	for _, m := range execModes {
		t.Run(m.name, func(t *testing.T) {
			conn := connect(t, srv, m.mode)
			rows, err := conn.Query(context.Background(),
				"select region, sum(revenue) from sem_sales_metrics.fact group by region")
			require.NoError(t, err)
			got, err := pgx.CollectRows(rows, pgx.RowToStructByPos[regionTotal])
			require.NoError(t, err)
			assert.Equal(t, []regionTotal{{"east", 30}, {"north", 5}, {"west", 30}}, got)
			assert.Equal(t, "SELECT 3", rows.CommandTag().String())
		})
	}
}

func TestPGX_GroupingErrorNeverExecutes(t *testing.T) {
	t.Parallel()
	exec := &testutil.MockExecutor{ExecuteFn: func(context.Context, string) (domain.Rows, error) {
		return nil, errors.New("must not execute")
	}}
	srv, _, _ := newTestServer(t, exec, Options{})

	for _, m := range execModes {
		t.Run(m.name, func(t *testing.T) {
			conn := connect(t, srv, m.mode)
			_, err := conn.Exec(context.Background(),
				"select region, revenue from sem_sales_metrics.fact group by region")
			assert.Equal(t, "42803", pgCode(t, err))
		})
	}
	assert.Empty(t, exec.Queries())
}

func TestPGX_RatioWithZeroDenominatorIsNull(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, duckDBExecutor(t), Options{})
	conn := connect(t, srv, pgx.QueryExecModeCacheStatement)

	rows, err := conn.Query(context.Background(),
		"SELECT region, avg_order_value FROM sem_sales_metrics.avg_order_value WHERE region IN ('north', 'west')")
	require.NoError(t, err)
	got := map[string]*float64{}
	for rows.Next() {
		var region string
		var aov *float64
		require.NoError(t, rows.Scan(&region, &aov))
		got[region] = aov
	}
	require.NoError(t, rows.Err())

	require.Contains(t, got, "north")
	assert.Nil(t, got["north"])
	require.NotNil(t, got["west"])
	assert.InDelta(t, 30.0, *got["west"], 1e-9)
}

func TestPGX_UnknownModelKeepsConnectionUsable(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, duckDBExecutor(t), Options{})

	for _, m := range execModes {
		t.Run(m.name, func(t *testing.T) {
			conn := connect(t, srv, m.mode)
			ctx := context.Background()
			_, err := conn.Exec(ctx, "select * from sem_unknown_model.fact")
			assert.Equal(t, "3F000", pgCode(t, err))

			var n int64
			require.NoError(t, conn.QueryRow(ctx,
				"SELECT order_count FROM sem_sales_metrics.fact").Scan(&n))
			assert.Equal(t, int64(3), n)
		})
	}
}

func TestPGX_RefreshDuringQueryKeepsPlannedSQL(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	exec := &testutil.MockExecutor{ExecuteFn: func(ctx context.Context, _ string) (domain.Rows, error) {
		if calls.Add(1) == 1 {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return testutil.NewRows([]string{"region", "revenue"}, []any{"east", 30.0}), nil
	}}
	srv, store, cat := newTestServer(t, exec, Options{})
	conn := connect(t, srv, pgx.QueryExecModeCacheStatement)
	ctx := context.Background()
	const query = "SELECT region, revenue FROM sem_sales_metrics.fact"

	done := make(chan error, 1)
	go func() {
		rows, err := conn.Query(ctx, query)
		if err == nil {
			_, err = pgx.CollectRows(rows, pgx.RowToStructByPos[regionTotal])
		}
		done <- err
	}()
	<-started

	changed := testutil.SalesModel()
	changed.Measures[0].Expr = "amount * 2"
	store.Put(changed)
	_, err := cat.Invalidate(ctx)
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-done)
	assert.Contains(t, exec.Queries()[0], "SUM((amount))")

	rows, err := conn.Query(ctx, query)
	require.NoError(t, err)
	rows.Close()
	require.NoError(t, rows.Err())
	assert.Contains(t, exec.LastQuery(), "SUM((amount * 2))")
}

func TestPGX_Parameters(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, duckDBExecutor(t), Options{})

	for _, m := range execModes {
		t.Run(m.name, func(t *testing.T) {
			conn := connect(t, srv, m.mode)
			rows, err := conn.Query(context.Background(),
				`SELECT region, sum(revenue) FROM sem_sales_metrics.fact
				 WHERE region <> $1 AND is_online = $2
				 GROUP BY region LIMIT $3`, "east", true, 1)
			require.NoError(t, err)
			got, err := pgx.CollectRows(rows, pgx.RowToStructByPos[regionTotal])
			require.NoError(t, err)
			assert.Equal(t, []regionTotal{{"north", 5}}, got)
		})
	}
}

func TestPGX_ParametersCannotInjectSQL(t *testing.T) {
	t.Parallel()
	exec := &testutil.MockExecutor{ExecuteFn: func(context.Context, string) (domain.Rows, error) {
		return testutil.NewRows([]string{"region"}), nil
	}}
	srv, _, _ := newTestServer(t, exec, Options{})
	conn := connect(t, srv, pgx.QueryExecModeCacheStatement)

	rows, err := conn.Query(context.Background(),
		"SELECT region FROM sem_sales_metrics.fact WHERE region = $1", "x' OR '1'='1")
	require.NoError(t, err)
	rows.Close()
	require.NoError(t, rows.Err())
	assert.Contains(t, exec.LastQuery(), `(region) = 'x'' OR ''1''=''1'`)
}

func TestPGX_PreparedStatementDescription(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil, Options{})
	conn := connect(t, srv, pgx.QueryExecModeCacheStatement)

	sd, err := conn.Prepare(context.Background(), "by_region",
		"SELECT region, order_count FROM sem_sales_metrics.fact WHERE region = $1 LIMIT $2")
	require.NoError(t, err)
	assert.Equal(t, []uint32{25, 20}, sd.ParamOIDs)
	require.Len(t, sd.Fields, 2)
	assert.Equal(t, "region", sd.Fields[0].Name)
	assert.Equal(t, uint32(25), sd.Fields[0].DataTypeOID)
	assert.Equal(t, uint32(20), sd.Fields[1].DataTypeOID)

	sd, err = conn.Prepare(context.Background(), "aov_by_region",
		"SELECT region, avg_order_value FROM sem_sales_metrics.avg_order_value")
	require.NoError(t, err)
	assert.Empty(t, sd.ParamOIDs)
	require.Len(t, sd.Fields, 2)
	assert.Equal(t, "avg_order_value", sd.Fields[1].Name)
	assert.Equal(t, uint32(1700), sd.Fields[1].DataTypeOID)
}

func TestPGX_ManyCachedStatementsStayPrepared(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, duckDBExecutor(t), Options{})
	conn := connect(t, srv, pgx.QueryExecModeCacheStatement)
	ctx := context.Background()

	query := func(n int) string {
		return fmt.Sprintf("select region, sum(revenue) from sem_sales_metrics.fact where revenue > %d group by region", n)
	}
	for i := range 300 {
		rows, err := conn.Query(ctx, query(i))
		require.NoError(t, err, "query %d", i)
		rows.Close()
		require.NoError(t, rows.Err(), "query %d", i)
	}

	rows, err := conn.Query(ctx, query(0))
	require.NoError(t, err)
	got, err := pgx.CollectRows(rows, pgx.RowToStructByPos[regionTotal])
	require.NoError(t, err)
	assert.Equal(t, []regionTotal{{"east", 30}, {"north", 5}, {"west", 30}}, got)
}

func TestPGX_PreparedStatementLimit(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil, Options{MaxPreparedStatements: 2})
	conn := connect(t, srv, pgx.QueryExecModeCacheStatement)
	ctx := context.Background()

	_, err := conn.Prepare(ctx, "a", "SELECT region FROM sem_sales_metrics.fact")
	require.NoError(t, err)
	_, err = conn.Prepare(ctx, "b", "SELECT revenue FROM sem_sales_metrics.fact")
	require.NoError(t, err)
	_, err = conn.Prepare(ctx, "c", "SELECT order_count FROM sem_sales_metrics.fact")
	assert.Equal(t, "53400", pgCode(t, err))

	_, err = conn.PgConn().Prepare(ctx, "a", "SELECT region FROM sem_sales_metrics.fact", nil)
	assert.Equal(t, "42P05", pgCode(t, err), "existing statements are not evicted")

	require.NoError(t, conn.Deallocate(ctx, "b"))
	_, err = conn.Prepare(ctx, "c", "SELECT order_count FROM sem_sales_metrics.fact")
	require.NoError(t, err)
}

func TestPGX_SessionSettings(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, duckDBExecutor(t), Options{QueryTimeout: time.Minute})
	conn := connect(t, srv, pgx.QueryExecModeCacheStatement)
	ctx := context.Background()

	var v string
	require.NoError(t, conn.QueryRow(ctx, "SHOW statement_timeout").Scan(&v))
	assert.Equal(t, "1min", v)

	_, err := conn.Exec(ctx, "SET search_path TO sem_sales_metrics")
	require.NoError(t, err)
	require.NoError(t, conn.QueryRow(ctx, "SHOW search_path").Scan(&v))
	assert.Equal(t, "sem_sales_metrics", v)
	require.NoError(t, conn.QueryRow(ctx, "SELECT current_schema()").Scan(&v))
	assert.Equal(t, "sem_sales_metrics", v)

	var n int64
	require.NoError(t, conn.QueryRow(ctx, "SELECT order_count FROM fact").Scan(&n))
	assert.Equal(t, int64(3), n)

	_, err = conn.Exec(ctx, "SET application_name = 'dashboards'")
	require.NoError(t, err)
	assert.Equal(t, "dashboards", conn.PgConn().ParameterStatus("application_name"))

	_, err = conn.Exec(ctx, "SET server_version = '9.6'")
	assert.Equal(t, "55P02", pgCode(t, err))
	_, err = conn.Exec(ctx, "SET no_such_setting = 1")
	assert.Equal(t, "42704", pgCode(t, err))
	_, err = conn.Exec(ctx, "SET myapp.tenant = 'acme'")
	require.NoError(t, err)

	_, err = conn.Exec(ctx, "RESET ALL")
	require.NoError(t, err)
	require.NoError(t, conn.QueryRow(ctx, "SHOW search_path").Scan(&v))
	assert.Equal(t, `"$user", public`, v)
	assert.Equal(t, "", conn.PgConn().ParameterStatus("application_name"))
}

func TestPGX_TransactionBlockFailsUntilRollback(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, duckDBExecutor(t), Options{})
	conn := connect(t, srv, pgx.QueryExecModeCacheStatement)
	ctx := context.Background()

	tx, err := conn.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "select * from sem_unknown_model.fact")
	assert.Equal(t, "3F000", pgCode(t, err))
	_, err = tx.Exec(ctx, "select region from sem_sales_metrics.fact")
	assert.Equal(t, "25P02", pgCode(t, err))
	assert.ErrorIs(t, tx.Commit(ctx), pgx.ErrTxCommitRollback)

	var n int64
	require.NoError(t, conn.QueryRow(ctx, "SELECT order_count FROM sem_sales_metrics.fact").Scan(&n))
	assert.Equal(t, int64(3), n)
	assert.Equal(t, byte('I'), conn.PgConn().TxStatus())
}

func TestPGX_WritesAreRejected(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil, Options{})
	conn := connect(t, srv, pgx.QueryExecModeSimpleProtocol)

	_, err := conn.Exec(context.Background(), "INSERT INTO sem_sales_metrics.fact VALUES (1)")
	assert.Equal(t, "25006", pgCode(t, err))
}

func TestPGX_Introspection(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil, Options{})
	conn := connect(t, srv, pgx.QueryExecModeCacheStatement)

	rows, err := conn.Query(context.Background(),
		"SELECT table_name FROM information_schema.tables WHERE table_schema = $1 ORDER BY table_name", "sem_sales_metrics")
	require.NoError(t, err)
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	require.NoError(t, err)
	assert.Equal(t, []string{"aov_cents", "avg_order_value", "fact", "total_revenue"}, names)
}

func TestPGX_CancelRequest(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	srv, _, _ := newTestServer(t, blockingExecutor(started), Options{})
	conn := connect(t, srv, pgx.QueryExecModeCacheStatement)
	ctx := context.Background()

	go func() {
		<-started
		_ = conn.PgConn().CancelRequest(context.Background())
	}()
	_, err := conn.Exec(ctx, "select region from sem_sales_metrics.fact")
	assert.Equal(t, "57014", pgCode(t, err))

	var v string
	require.NoError(t, conn.QueryRow(ctx, "SHOW transaction_isolation").Scan(&v))
	assert.Equal(t, "read committed", v)
}

func TestPGX_PrepareWaitingOnCatalogHonorsStatementTimeout(t *testing.T) {
	t.Parallel()
	srv, store, _ := newTestServer(t, nil, Options{QueryTimeout: 100 * time.Millisecond})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	store.ListModelsFn = func(ctx context.Context) ([]string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, errors.New("model store unreachable")
	}
	conn := connect(t, srv, pgx.QueryExecModeCacheStatement)

	start := time.Now()
	_, err := conn.Prepare(context.Background(), "by_region", "SELECT region FROM sem_sales_metrics.fact")
	assert.Equal(t, "57014", pgCode(t, err))
	assert.Less(t, time.Since(start), 5*time.Second)
}
