package catalog

// SystemColumn is a column of a built-in introspection table.
type SystemColumn struct {
	Name string
	Type WireType
}

// SystemTable is an information_schema or pg_catalog table answered from
// the snapshot rather than by the warehouse.
type SystemTable struct {
	Schema  string
	Name    string
	Columns []SystemColumn
}

// Column looks up a column by name and returns its index.
func (t *SystemTable) Column(name string) (int, bool) {
	for i, c := range t.Columns {
		if c.Name == name {
			return i, true
		}
	}
	return -1, false
}

const (
	InformationSchema = "information_schema"
	PGCatalog         = "pg_catalog"
)

func cols(typ WireType, names ...string) []SystemColumn {
	out := make([]SystemColumn, len(names))
	for i, n := range names {
		out[i] = SystemColumn{Name: n, Type: typ}
	}
	return out
}

func join(parts ...[]SystemColumn) []SystemColumn {
	var out []SystemColumn
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

var systemTables = []*SystemTable{
	{Schema: InformationSchema, Name: "schemata", Columns: cols(TypeText,
		"catalog_name", "schema_name", "schema_owner", "default_character_set_catalog",
		"default_character_set_schema", "default_character_set_name", "sql_path")},
	{Schema: InformationSchema, Name: "tables", Columns: cols(TypeText,
		"table_catalog", "table_schema", "table_name", "table_type",
		"self_referencing_column_name", "reference_generation", "user_defined_type_catalog",
		"user_defined_type_schema", "user_defined_type_name", "is_insertable_into", "is_typed", "commit_action")},
	{Schema: InformationSchema, Name: "columns", Columns: join(
		cols(TypeText, "table_catalog", "table_schema", "table_name", "column_name"),
		cols(TypeInt4, "ordinal_position"),
		cols(TypeText, "column_default", "is_nullable", "data_type"),
		cols(TypeInt4, "character_maximum_length", "character_octet_length",
			"numeric_precision", "numeric_precision_radix", "numeric_scale", "datetime_precision"),
		cols(TypeText, "udt_catalog", "udt_schema", "udt_name", "is_updatable", "description"),
	)},
	{Schema: InformationSchema, Name: "views", Columns: cols(TypeText,
		"table_catalog", "table_schema", "table_name", "view_definition", "check_option",
		"is_updatable", "is_insertable_into", "is_trigger_updatable", "is_trigger_deletable",
		"is_trigger_insertable_into")},
	{Schema: PGCatalog, Name: "pg_namespace", Columns: join(
		cols(TypeOID, "oid"),
		cols(TypeName, "nspname"),
		cols(TypeOID, "nspowner"),
		cols(TypeText, "nspacl"),
	)},
	{Schema: PGCatalog, Name: "pg_tables", Columns: join(
		cols(TypeName, "schemaname", "tablename", "tableowner", "tablespace"),
		cols(TypeBool, "hasindexes", "hasrules", "hastriggers", "rowsecurity"),
	)},
	{Schema: PGCatalog, Name: "pg_views", Columns: join(
		cols(TypeName, "schemaname", "viewname", "viewowner"),
		cols(TypeText, "definition"),
	)},
	{Schema: PGCatalog, Name: "pg_type", Columns: join(
		cols(TypeOID, "oid"),
		cols(TypeName, "typname"),
		cols(TypeOID, "typnamespace", "typowner"),
		cols(TypeInt4, "typlen"),
		cols(TypeText, "typtype", "typcategory"),
		cols(TypeOID, "typelem", "typbasetype"),
		cols(TypeBool, "typnotnull"),
	)},
	{Schema: PGCatalog, Name: "pg_database", Columns: join(
		cols(TypeOID, "oid"),
		cols(TypeName, "datname"),
		cols(TypeOID, "datdba"),
		cols(TypeInt4, "encoding"),
		cols(TypeText, "datlocprovider"),
		cols(TypeBool, "datistemplate", "datallowconn"),
		cols(TypeInt4, "datconnlimit"),
		cols(TypeName, "datcollate", "datctype"),
		cols(TypeText, "datacl"),
	)},
}

// LookupSystemTable finds a built-in introspection table.
func LookupSystemTable(schema, name string) (*SystemTable, bool) {
	for _, t := range systemTables {
		if t.Schema == schema && t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// SystemTables returns every built-in introspection table.
func SystemTables() []*SystemTable {
	return systemTables
}

// IsSystemSchema reports whether name is information_schema or pg_catalog.
func IsSystemSchema(name string) bool {
	return name == InformationSchema || name == PGCatalog
}
