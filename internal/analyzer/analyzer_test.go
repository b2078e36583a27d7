package analyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semgate/internal/catalog"
	"semgate/internal/domain"
	"semgate/internal/pgsql"
	"semgate/internal/testutil"
)

func testSnapshot() *catalog.Snapshot {
	return catalog.NewSnapshot(1, time.Now(), "semantic",
		[]*domain.SemanticModel{testutil.SalesModel(), testutil.InventoryModel()})
}

func defaultScope() Scope {
	return Scope{SearchPath: []string{"$user", "public"}, Database: "semantic", User: "analyst"}
}

func analyze(t *testing.T, sql string) (*Analysis, error) {
	t.Helper()
	stmt, err := pgsql.Parse(sql)
	require.NoError(t, err)
	return Analyze(testSnapshot(), stmt, defaultScope())
}

func mustAnalyze(t *testing.T, sql string) *Analysis {
	t.Helper()
	a, err := analyze(t, sql)
	require.NoError(t, err)
	return a
}

func columnNames(cols []OutputColumn) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

func TestAnalyze_Classification(t *testing.T) {
	tests := []struct {
		sql   string
		class Class
	}{
		{"SET search_path TO sem_sales_metrics", ClassSession},
		{"SHOW server_version", ClassSession},
		{"BEGIN", ClassSession},
		{"DISCARD ALL", ClassSession},
		{"SELECT 1", ClassIntrospection},
		{"SELECT version()", ClassIntrospection},
		{"SELECT schema_name FROM information_schema.schemata", ClassIntrospection},
		{"SELECT nspname FROM pg_namespace", ClassIntrospection},
		{"SELECT region FROM sem_sales_metrics.fact", ClassData},
	}
	for _, tc := range tests {
		t.Run(tc.sql, func(t *testing.T) {
			a := mustAnalyze(t, tc.sql)
			assert.Equal(t, tc.class, a.Class)
			assert.Equal(t, uint64(1), a.Version)
		})
	}
}

func TestAnalyze_WritesAreReadOnly(t *testing.T) {
	for _, sql := range []string{
		"INSERT INTO sem_sales_metrics.fact VALUES (1)",
		"DROP TABLE sem_sales_metrics.fact",
		"UPDATE t SET a = 1",
	} {
		t.Run(sql, func(t *testing.T) {
			_, err := analyze(t, sql)
			var ns *domain.NotSupportedError
			require.ErrorAs(t, err, &ns)
			assert.True(t, ns.ReadOnly)
		})
	}
}

func TestAnalyze_UnknownObjects(t *testing.T) {
	tests := []struct {
		sql  string
		kind domain.ObjectKind
	}{
		{"SELECT region FROM sem_unknown_model.fact", domain.ObjectSchema},
		{"SELECT region FROM sem_sales_metrics.nope", domain.ObjectTable},
		{"SELECT region FROM fact", domain.ObjectTable},
		{"SELECT nope FROM sem_sales_metrics.fact", domain.ObjectColumn},
		{"SELECT x.region FROM sem_sales_metrics.fact", domain.ObjectTable},
		{"SELECT nope FROM information_schema.tables", domain.ObjectColumn},
	}
	for _, tc := range tests {
		t.Run(tc.sql, func(t *testing.T) {
			_, err := analyze(t, tc.sql)
			var uo *domain.UnknownObjectError
			require.ErrorAs(t, err, &uo)
			assert.Equal(t, tc.kind, uo.Kind)
		})
	}
}

func TestAnalyze_SearchPathResolvesUnqualifiedTables(t *testing.T) {
	stmt, err := pgsql.Parse("SELECT region, total_revenue FROM total_revenue")
	require.NoError(t, err)

	scope := defaultScope()
	_, err = Analyze(testSnapshot(), stmt, scope)
	var uo *domain.UnknownObjectError
	require.ErrorAs(t, err, &uo)

	scope.SearchPath = []string{"sem_sales_metrics", "public"}
	a, err := Analyze(testSnapshot(), stmt, scope)
	require.NoError(t, err)
	assert.Equal(t, "sem_sales_metrics", a.Data.Schema.Name)

	name, ok := CurrentSchema(testSnapshot(), scope)
	require.True(t, ok)
	assert.Equal(t, "sem_sales_metrics", name)
}

func TestAnalyze_NilSnapshot(t *testing.T) {
	stmt, err := pgsql.Parse("SELECT region FROM sem_sales_metrics.fact")
	require.NoError(t, err)
	_, err = Analyze(nil, stmt, defaultScope())
	var cu *domain.CatalogUnavailableError
	require.ErrorAs(t, err, &cu)

	// System catalogs stay reachable without models.
	stmt, err = pgsql.Parse("SELECT datname FROM pg_catalog.pg_database")
	require.NoError(t, err)
	a, err := Analyze(nil, stmt, defaultScope())
	require.NoError(t, err)
	assert.Equal(t, ClassIntrospection, a.Class)
}

func TestAnalyze_ForeignDatabase(t *testing.T) {
	_, err := analyze(t, "SELECT region FROM other.sem_sales_metrics.fact")
	var ns *domain.NotSupportedError
	require.ErrorAs(t, err, &ns)

	a := mustAnalyze(t, "SELECT region FROM semantic.sem_sales_metrics.fact")
	assert.Equal(t, ClassData, a.Class)
}

func TestAnalyze_ExplicitGrouping(t *testing.T) {
	a := mustAnalyze(t, "select region, sum(revenue) from sem_sales_metrics.fact group by region")
	q := a.Data
	require.NotNil(t, q)
	assert.False(t, q.Implicit)
	require.Len(t, q.GroupBy, 1)
	assert.Equal(t, 1, q.GroupBy[0].Position)
	assert.Equal(t, []string{"region", "sum"}, columnNames(a.Columns))
	assert.Equal(t, catalog.TypeText, a.Columns[0].Type)
	assert.Equal(t, catalog.TypeNumeric, a.Columns[1].Type)

	call := q.Items[1].Expr.(*pgsql.FuncCall)
	m, ok := q.Aggregate(call)
	require.True(t, ok)
	assert.Equal(t, "revenue", m.Name)
}

func TestAnalyze_GroupingErrors(t *testing.T) {
	tests := []string{
		// bare measure beside GROUP BY
		"select region, revenue from sem_sales_metrics.fact group by region",
		// dimension outside GROUP BY
		"select region, ordered_at, sum(revenue) from sem_sales_metrics.fact group by region",
		"select region, sum(revenue) from sem_sales_metrics.fact",
		"select sum(region) from sem_sales_metrics.fact",
		"select region from sem_sales_metrics.fact where sum(revenue) > 1",
		"select region, sum(revenue) from sem_sales_metrics.fact group by sum(revenue)",
		"select region, sum(revenue) from sem_sales_metrics.fact group by 2",
		"select region, sum(revenue) from sem_sales_metrics.fact group by 5",
		"select region, total_revenue from sem_sales_metrics.total_revenue where total_revenue > 5",
		"select region, revenue from sem_sales_metrics.fact group by region, revenue",
		"select sum(sum(revenue)) from sem_sales_metrics.fact",
	}
	for _, sql := range tests {
		t.Run(sql, func(t *testing.T) {
			_, err := analyze(t, sql)
			var ge *domain.GroupingError
			require.ErrorAs(t, err, &ge)
		})
	}
}

func TestAnalyze_TranslationErrors(t *testing.T) {
	tests := []string{
		"select avg(revenue) from sem_sales_metrics.fact",
		"select count(*) from sem_sales_metrics.fact",
		"select sum(revenue + 1) from sem_sales_metrics.fact",
		"select sum(total_revenue) from sem_sales_metrics.total_revenue",
		"select count(distinct order_count) from sem_sales_metrics.fact",
		"select sum(distinct revenue) from sem_sales_metrics.fact",
	}
	for _, sql := range tests {
		t.Run(sql, func(t *testing.T) {
			_, err := analyze(t, sql)
			var te *domain.TranslationError
			require.ErrorAs(t, err, &te)
		})
	}
}

func TestAnalyze_DeclaredAggregationsAccepted(t *testing.T) {
	a := mustAnalyze(t, `select region, count(order_count), count(distinct customers), avg(avg_amount)
		from sem_sales_metrics.fact group by 1`)
	assert.Equal(t, catalog.TypeInt8, a.Columns[1].Type)
	assert.Equal(t, catalog.TypeInt8, a.Columns[2].Type)
	assert.Equal(t, catalog.TypeNumeric, a.Columns[3].Type)
}

func TestAnalyze_ImplicitGrouping(t *testing.T) {
	a := mustAnalyze(t, "SELECT * FROM sem_sales_metrics.avg_order_value")
	q := a.Data
	assert.True(t, q.Implicit)
	assert.Equal(t, []string{"region", "ordered_at", "is_online", "avg_order_value"}, columnNames(a.Columns))
	assert.Equal(t, catalog.TypeTimestamp, a.Columns[1].Type)
	assert.Equal(t, catalog.TypeBool, a.Columns[2].Type)
	require.Len(t, q.GroupBy, 3)
	for i, k := range q.GroupBy {
		assert.Equal(t, i+1, k.Position)
	}

	a = mustAnalyze(t, "SELECT revenue FROM sem_sales_metrics.fact ORDER BY region")
	require.Len(t, a.Data.GroupBy, 1)
	assert.Equal(t, 0, a.Data.GroupBy[0].Position)

	a = mustAnalyze(t, "SELECT region FROM sem_sales_metrics.fact")
	assert.True(t, a.Data.Implicit)
	require.Len(t, a.Data.GroupBy, 1)
}

func TestAnalyze_MeasureFilterInWhere(t *testing.T) {
	a := mustAnalyze(t, "SELECT region, revenue FROM sem_sales_metrics.fact WHERE revenue > 100")
	assert.True(t, a.Data.Implicit)
}

func TestAnalyze_OutputNames(t *testing.T) {
	a := mustAnalyze(t, `SELECT region AS r, upper(region), 1 + 1, CAST(1 AS bigint),
		CASE WHEN is_online THEN 'web' ELSE 'store' END
		FROM sem_sales_metrics.fact`)
	assert.Equal(t, []string{"r", "upper", "?column?", "int8", "case"}, columnNames(a.Columns))
	assert.Equal(t, catalog.TypeInt4, a.Columns[2].Type)
	assert.Equal(t, catalog.TypeInt8, a.Columns[3].Type)
}

func TestAnalyze_Joins(t *testing.T) {
	a := mustAnalyze(t, `SELECT f.region, f.revenue, v.total_revenue
		FROM sem_sales_metrics.fact f JOIN sem_sales_metrics.total_revenue v ON f.region = v.region`)
	assert.Equal(t, ClassData, a.Class)

	mustAnalyze(t, `SELECT region, total_revenue, avg_order_value
		FROM sem_sales_metrics.total_revenue LEFT JOIN sem_sales_metrics.avg_order_value USING (region)`)

	tests := []struct {
		sql   string
		check func(error) bool
	}{
		{`SELECT f.region FROM sem_sales_metrics.fact f JOIN sem_inventory.fact i ON f.region = i.region`, isNotSupported},
		{`SELECT f.region FROM sem_sales_metrics.fact f CROSS JOIN sem_sales_metrics.total_revenue v`, isNotSupported},
		{`SELECT f.region FROM sem_sales_metrics.fact f JOIN sem_sales_metrics.total_revenue v ON f.region = v.ordered_at`, isNotSupported},
		{`SELECT f.region FROM sem_sales_metrics.fact f JOIN pg_catalog.pg_namespace n ON true`, isNotSupported},
		{`SELECT region FROM sem_sales_metrics.fact f JOIN sem_sales_metrics.fact f USING (region)`, isAmbiguous},
	}
	for _, tc := range tests {
		t.Run(tc.sql, func(t *testing.T) {
			_, err := analyze(t, tc.sql)
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected error %T: %v", err, err)
		})
	}
}

func isNotSupported(err error) bool {
	_, ok := err.(*domain.NotSupportedError)
	return ok
}

func isAmbiguous(err error) bool {
	_, ok := err.(*domain.AmbiguousError)
	return ok
}

func TestAnalyze_UnsupportedFunctions(t *testing.T) {
	for _, sql := range []string{
		"SELECT md5(region) FROM sem_sales_metrics.fact",
		"SELECT region FROM sem_sales_metrics.fact WHERE region IN (SELECT 1)",
		"SELECT pg_sleep(1)",
	} {
		t.Run(sql, func(t *testing.T) {
			_, err := analyze(t, sql)
			assert.True(t, isNotSupported(err), "unexpected error %T: %v", err, err)
		})
	}
}

func TestAnalyze_ParamTypes(t *testing.T) {
	a := mustAnalyze(t, `SELECT region, sum(revenue) FROM sem_sales_metrics.fact
		WHERE region = $1 AND is_online = $2 AND region LIKE $3
		GROUP BY region HAVING sum(revenue) > $4 LIMIT $5`)
	assert.Equal(t, []catalog.WireType{
		catalog.TypeText, catalog.TypeBool, catalog.TypeText, catalog.TypeNumeric, catalog.TypeInt8,
	}, a.ParamTypes)
	assert.Nil(t, a.Data.Limit)

	a = mustAnalyze(t, "SELECT $1::int4")
	assert.Equal(t, []catalog.WireType{catalog.TypeInt4}, a.ParamTypes)
}

func TestAnalyze_LimitOffset(t *testing.T) {
	a := mustAnalyze(t, "SELECT region FROM sem_sales_metrics.fact LIMIT 10 OFFSET 5")
	require.NotNil(t, a.Data.Limit)
	assert.Equal(t, int64(10), *a.Data.Limit)
	assert.Equal(t, int64(5), *a.Data.Offset)

	_, err := analyze(t, "SELECT region FROM sem_sales_metrics.fact LIMIT -1")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestAnalyze_Introspection(t *testing.T) {
	a := mustAnalyze(t, `SELECT table_schema, table_name FROM information_schema.tables
		WHERE table_schema = $1 ORDER BY 2`)
	q := a.Introspection
	require.NotNil(t, q)
	assert.Equal(t, "tables", q.Table.Name)
	assert.Equal(t, []catalog.WireType{catalog.TypeText}, a.ParamTypes)
	require.Len(t, q.OrderBy, 1)
	assert.Equal(t, 2, q.OrderBy[0].Position)

	a = mustAnalyze(t, "SELECT * FROM pg_catalog.pg_namespace")
	assert.Equal(t, []string{"oid", "nspname", "nspowner", "nspacl"}, columnNames(a.Columns))

	a = mustAnalyze(t, "SELECT current_database(), current_schema, pg_backend_pid()")
	assert.Equal(t, []string{"current_database", "current_schema", "pg_backend_pid"}, columnNames(a.Columns))
	assert.Equal(t, catalog.TypeName, a.Columns[0].Type)
	assert.Equal(t, catalog.TypeInt4, a.Columns[2].Type)

	_, err := analyze(t, "SELECT count(*) FROM information_schema.tables GROUP BY table_schema")
	assert.True(t, isNotSupported(err))

	_, err = analyze(t, "SELECT *")
	var pe *domain.ParseError
	require.ErrorAs(t, err, &pe)
}
