package analyzer

import (
	"errors"

	"semgate/internal/catalog"
	"semgate/internal/domain"
	"semgate/internal/pgsql"
)

type resolved struct {
	system *catalog.SystemTable
	table  *catalog.Table
}

var errNoSnapshot = errors.New("catalog has not been loaded")

// resolveTable finds the table a FROM entry names. Unqualified names are
// looked up along the search path and then in pg_catalog.
func resolveTable(snap *catalog.Snapshot, tn *pgsql.TableName, scope Scope) (resolved, error) {
	if tn.Catalog != "" && tn.Catalog != scope.Database {
		return resolved{}, domain.ErrNotSupported("cross-database references are not implemented: %s.%s.%s", tn.Catalog, tn.Schema, tn.Name)
	}

	if tn.Schema != "" {
		if catalog.IsSystemSchema(tn.Schema) {
			if st, ok := catalog.LookupSystemTable(tn.Schema, tn.Name); ok {
				return resolved{system: st}, nil
			}
			return resolved{}, domain.ErrUnknownTable(tn.Schema + "." + tn.Name)
		}
		if snap == nil {
			return resolved{}, &domain.CatalogUnavailableError{Err: errNoSnapshot}
		}
		schema, ok := snap.Schema(tn.Schema)
		if !ok {
			return resolved{}, domain.ErrUnknownSchema(tn.Schema)
		}
		t, ok := schema.Table(tn.Name)
		if !ok {
			return resolved{}, domain.ErrUnknownTable(tn.Schema + "." + tn.Name)
		}
		return resolved{table: t}, nil
	}

	for _, name := range effectiveSearchPath(scope) {
		if catalog.IsSystemSchema(name) {
			if st, ok := catalog.LookupSystemTable(name, tn.Name); ok {
				return resolved{system: st}, nil
			}
			continue
		}
		if snap == nil {
			continue
		}
		if schema, ok := snap.Schema(name); ok {
			if t, ok := schema.Table(tn.Name); ok {
				return resolved{table: t}, nil
			}
		}
	}
	if st, ok := catalog.LookupSystemTable(catalog.PGCatalog, tn.Name); ok {
		return resolved{system: st}, nil
	}
	if snap == nil {
		return resolved{}, &domain.CatalogUnavailableError{Err: errNoSnapshot}
	}
	return resolved{}, domain.ErrUnknownTable(tn.Name)
}

// effectiveSearchPath expands "$user" and drops empty entries.
func effectiveSearchPath(scope Scope) []string {
	out := make([]string, 0, len(scope.SearchPath))
	for _, s := range scope.SearchPath {
		switch s {
		case "":
			continue
		case "$user":
			if scope.User != "" {
				out = append(out, scope.User)
			}
		default:
			out = append(out, s)
		}
	}
	return out
}

// CurrentSchema returns the first search path entry that names an existing
// schema, as current_schema() does.
func CurrentSchema(snap *catalog.Snapshot, scope Scope) (string, bool) {
	for _, name := range effectiveSearchPath(scope) {
		if catalog.IsSystemSchema(name) {
			return name, true
		}
		if snap == nil {
			continue
		}
		if _, ok := snap.Schema(name); ok {
			return name, true
		}
	}
	return "", false
}
