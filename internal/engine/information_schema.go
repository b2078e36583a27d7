package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"semgate/internal/analyzer"
	"semgate/internal/catalog"
	"semgate/internal/domain"
	"semgate/internal/pgsql"
)

// Session is the connection state that introspection functions read.
type Session interface {
	Scope() analyzer.Scope
	// Setting returns the current value of a run-time parameter.
	Setting(name string) (string, bool)
	BackendPID() uint32
}

const (
	ownerName     = "semgate"
	ownerOID      = 10
	databaseOID   = 16384
	pgCatalogOID  = 11
	infoSchemaOID = 13000
	firstModelOID = 16385
)

// InformationSchemaProvider answers information_schema and pg_catalog
// queries from a catalog snapshot. User SQL is evaluated in memory and never
// reaches the warehouse.
type InformationSchemaProvider struct {
	serverVersion string
	now           func() time.Time
}

// NewInformationSchemaProvider creates a provider that reports
// serverVersion from version().
func NewInformationSchemaProvider(serverVersion string) *InformationSchemaProvider {
	return &InformationSchemaProvider{serverVersion: serverVersion, now: time.Now}
}

// Query evaluates an introspection query. snap may be nil, in which case
// only the system schemas are visible.
func (p *InformationSchemaProvider) Query(ctx context.Context, snap *catalog.Snapshot, q *analyzer.IntrospectionQuery, sess Session) (domain.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	source := [][]any{{}}
	if q.Table != nil {
		var err error
		if source, err = p.BuildRows(snap, q.Table, sess.Scope().Database); err != nil {
			return nil, err
		}
	}

	ev := &evaluator{q: q, funcs: p.functions(snap, sess)}
	type outRow struct {
		vals []any
		keys []any
	}
	var out []outRow
	for _, row := range source {
		ev.row = row
		if q.Where != nil {
			v, err := ev.eval(q.Where)
			if err != nil {
				return nil, err
			}
			if !truthy(v) {
				continue
			}
		}
		r := outRow{vals: make([]any, len(q.Items)), keys: make([]any, len(q.OrderBy))}
		for i, item := range q.Items {
			v, err := ev.eval(item.Expr)
			if err != nil {
				return nil, err
			}
			r.vals[i] = v
		}
		for i, k := range q.OrderBy {
			if k.Position > 0 {
				r.keys[i] = r.vals[k.Position-1]
				continue
			}
			v, err := ev.eval(k.Expr)
			if err != nil {
				return nil, err
			}
			r.keys[i] = v
		}
		out = append(out, r)
	}

	if q.Distinct {
		seen := make(map[string]bool, len(out))
		kept := out[:0]
		for _, r := range out {
			key := fmt.Sprintf("%#v", r.vals)
			if seen[key] {
				continue
			}
			seen[key] = true
			kept = append(kept, r)
		}
		out = kept
	}

	if len(q.OrderBy) > 0 {
		var sortErr error
		sort.SliceStable(out, func(a, b int) bool {
			for i, k := range q.OrderBy {
				c, err := orderCompare(out[a].keys[i], out[b].keys[i], k)
				if err != nil && sortErr == nil {
					sortErr = err
				}
				if c != 0 {
					return c < 0
				}
			}
			return false
		})
		if sortErr != nil {
			return nil, sortErr
		}
	}

	if q.Offset != nil {
		if int(*q.Offset) >= len(out) {
			out = nil
		} else {
			out = out[*q.Offset:]
		}
	}
	if q.Limit != nil && int(*q.Limit) < len(out) {
		out = out[:*q.Limit]
	}

	names := make([]string, len(q.Columns))
	for i, c := range q.Columns {
		names[i] = c.Name
	}
	data := make([][]any, len(out))
	for i, r := range out {
		data[i] = r.vals
	}
	return NewRows(names, data), nil
}

// orderCompare orders two keys. NULLs sort last ascending and first
// descending unless NULLS FIRST/LAST says otherwise.
func orderCompare(a, b any, k analyzer.OrderKey) (int, error) {
	nullsFirst := k.Desc
	if k.NullsFirst != nil {
		nullsFirst = *k.NullsFirst
	}
	switch {
	case a == nil && b == nil:
		return 0, nil
	case a == nil:
		if nullsFirst {
			return -1, nil
		}
		return 1, nil
	case b == nil:
		if nullsFirst {
			return 1, nil
		}
		return -1, nil
	}
	c, err := compare(a, b)
	if k.Desc {
		c = -c
	}
	return c, err
}

func (p *InformationSchemaProvider) functions(snap *catalog.Snapshot, sess Session) func(*pgsql.FuncCall, []any) (any, error) {
	scope := sess.Scope()
	return func(call *pgsql.FuncCall, args []any) (any, error) {
		switch call.Name {
		case "version":
			return fmt.Sprintf("PostgreSQL %s (semgate)", p.serverVersion), nil
		case "current_setting":
			if len(args) == 0 || args[0] == nil {
				return nil, nil
			}
			name := strings.ToLower(toText(args[0]))
			if v, ok := sess.Setting(name); ok {
				return v, nil
			}
			if len(args) > 1 && truthy(args[1]) {
				return nil, nil
			}
			return nil, domain.ErrUnknownParameter(name)
		case "current_schema":
			if name, ok := analyzer.CurrentSchema(snap, scope); ok {
				return name, nil
			}
			return nil, nil
		case "current_database", "current_catalog":
			return scope.Database, nil
		case "current_user", "session_user", "current_role", "user":
			return scope.User, nil
		case "pg_backend_pid":
			return int64(sess.BackendPID()), nil
		case "now", "current_timestamp":
			return p.now(), nil
		case "current_date":
			y, m, d := p.now().Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		case "lower", "upper", "length":
			if len(args) != 1 {
				return nil, domain.ErrTranslation("function %s() takes one argument", call.Name)
			}
			if args[0] == nil {
				return nil, nil
			}
			s := toText(args[0])
			switch call.Name {
			case "lower":
				return strings.ToLower(s), nil
			case "upper":
				return strings.ToUpper(s), nil
			}
			return int64(len([]rune(s))), nil
		case "concat":
			var b strings.Builder
			for _, a := range args {
				b.WriteString(toText(a))
			}
			return b.String(), nil
		case "coalesce":
			for _, a := range args {
				if a != nil {
					return a, nil
				}
			}
			return nil, nil
		}
		return nil, domain.ErrNotSupported("function %s() is not supported on system catalogs", call.Name)
	}
}

// BuildRows materializes a system table from the snapshot. Row values are
// ordered like table.Columns.
func (p *InformationSchemaProvider) BuildRows(snap *catalog.Snapshot, table *catalog.SystemTable, database string) ([][]any, error) {
	var schemas []*catalog.Schema
	if snap != nil {
		schemas = snap.Schemas
		database = snap.Database
	}
	switch table.Schema + "." + table.Name {
	case "information_schema.schemata":
		return buildSchemataRows(database, schemas), nil
	case "information_schema.tables":
		return buildTablesRows(database, schemas), nil
	case "information_schema.columns":
		return buildColumnsRows(database, schemas), nil
	case "information_schema.views":
		return buildViewsRows(database, schemas), nil
	case "pg_catalog.pg_namespace":
		return buildNamespaceRows(schemas), nil
	case "pg_catalog.pg_tables":
		return buildPGTablesRows(schemas), nil
	case "pg_catalog.pg_views":
		return buildPGViewsRows(schemas), nil
	case "pg_catalog.pg_type":
		return buildPGTypeRows(), nil
	case "pg_catalog.pg_database":
		return [][]any{{
			int64(databaseOID), database, int64(ownerOID), int64(6), "c",
			false, true, int64(-1), "C", "C", nil,
		}}, nil
	}
	return nil, fmt.Errorf("unsupported system table: %s.%s", table.Schema, table.Name)
}

func buildSchemataRows(database string, schemas []*catalog.Schema) [][]any {
	rows := [][]any{
		{database, catalog.InformationSchema, ownerName, nil, nil, nil, nil},
		{database, catalog.PGCatalog, ownerName, nil, nil, nil, nil},
	}
	for _, s := range schemas {
		rows = append(rows, []any{database, s.Name, ownerName, nil, nil, nil, nil})
	}
	return rows
}

func buildTablesRows(database string, schemas []*catalog.Schema) [][]any {
	var rows [][]any
	for _, s := range schemas {
		for _, t := range s.Tables {
			rows = append(rows, []any{
				database, s.Name, t.Name, string(t.Kind),
				nil, nil, nil, nil, nil, "NO", "NO", nil,
			})
		}
	}
	return rows
}

func buildColumnsRows(database string, schemas []*catalog.Schema) [][]any {
	var rows [][]any
	for _, s := range schemas {
		for _, t := range s.Tables {
			for _, c := range t.Columns {
				prec, radix, scale, dtPrec := numericInfo(c.Type)
				var desc any
				if c.Description != "" {
					desc = c.Description
				}
				rows = append(rows, []any{
					database, s.Name, t.Name, c.Name,
					int64(t.Ordinal(c)),
					nil, "YES", c.Type.Name,
					nil, nil, prec, radix, scale, dtPrec,
					database, catalog.PGCatalog, udtName(c.Type), "NO", desc,
				})
			}
		}
	}
	return rows
}

func buildViewsRows(database string, schemas []*catalog.Schema) [][]any {
	var rows [][]any
	for _, s := range schemas {
		for _, t := range s.Tables {
			if t.Kind != catalog.TableMetricView {
				continue
			}
			rows = append(rows, []any{
				database, s.Name, t.Name, viewDefinition(t), "NONE",
				"NO", "NO", "NO", "NO", "NO",
			})
		}
	}
	return rows
}

func buildNamespaceRows(schemas []*catalog.Schema) [][]any {
	rows := [][]any{
		{int64(pgCatalogOID), catalog.PGCatalog, int64(ownerOID), nil},
		{int64(infoSchemaOID), catalog.InformationSchema, int64(ownerOID), nil},
	}
	for i, s := range schemas {
		rows = append(rows, []any{int64(firstModelOID + i), s.Name, int64(ownerOID), nil})
	}
	return rows
}

func buildPGTablesRows(schemas []*catalog.Schema) [][]any {
	var rows [][]any
	for _, s := range schemas {
		for _, t := range s.Tables {
			if t.Kind != catalog.TableFact {
				continue
			}
			rows = append(rows, []any{s.Name, t.Name, ownerName, nil, false, false, false, false})
		}
	}
	return rows
}

func buildPGViewsRows(schemas []*catalog.Schema) [][]any {
	var rows [][]any
	for _, s := range schemas {
		for _, t := range s.Tables {
			if t.Kind != catalog.TableMetricView {
				continue
			}
			rows = append(rows, []any{s.Name, t.Name, ownerName, viewDefinition(t)})
		}
	}
	return rows
}

// viewDefinition describes a metric view as the query it stands for.
func viewDefinition(t *catalog.Table) string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = pgsql.QuoteIdent(c.Name)
	}
	return fmt.Sprintf("SELECT %s FROM %s.%s;", strings.Join(names, ", "),
		pgsql.QuoteIdent(t.Schema.Name), domain.FactTableName)
}

func numericInfo(t catalog.WireType) (precision, radix, scale, datetime any) {
	switch t.OID {
	case catalog.TypeInt4.OID:
		return int64(32), int64(2), int64(0), nil
	case catalog.TypeInt8.OID:
		return int64(64), int64(2), int64(0), nil
	case catalog.TypeFloat8.OID:
		return int64(53), int64(2), nil, nil
	case catalog.TypeNumeric.OID:
		return nil, int64(10), nil, nil
	case catalog.TypeTimestamp.OID, catalog.TypeTimestamptz.OID:
		return nil, nil, nil, int64(6)
	case catalog.TypeDate.OID:
		return nil, nil, nil, int64(0)
	}
	return nil, nil, nil, nil
}

func udtName(t catalog.WireType) string {
	switch t.OID {
	case catalog.TypeBool.OID:
		return "bool"
	case catalog.TypeInt4.OID:
		return "int4"
	case catalog.TypeInt8.OID:
		return "int8"
	case catalog.TypeFloat8.OID:
		return "float8"
	case catalog.TypeTimestamp.OID:
		return "timestamp"
	case catalog.TypeTimestamptz.OID:
		return "timestamptz"
	}
	return t.Name
}

func buildPGTypeRows() [][]any {
	var rows [][]any
	for _, t := range catalog.KnownTypes() {
		rows = append(rows, []any{
			int64(t.OID), udtName(t), int64(pgCatalogOID), int64(ownerOID),
			int64(t.Size), "b", typeCategory(t), int64(0), int64(0), false,
		})
	}
	return rows
}

// typeCategory is the pg_type.typcategory code for t.
func typeCategory(t catalog.WireType) string {
	switch t.OID {
	case catalog.TypeBool.OID:
		return "B"
	case catalog.TypeInt4.OID, catalog.TypeInt8.OID, catalog.TypeFloat8.OID,
		catalog.TypeNumeric.OID, catalog.TypeOID.OID:
		return "N"
	case catalog.TypeDate.OID, catalog.TypeTimestamp.OID, catalog.TypeTimestamptz.OID:
		return "D"
	case catalog.TypeUnknown.OID:
		return "X"
	}
	return "S"
}
