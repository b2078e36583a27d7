// Package analyzer resolves parsed statements against a catalog snapshot,
// classifies them and validates semantic queries before translation.
package analyzer

import (
	"semgate/internal/catalog"
	"semgate/internal/domain"
	"semgate/internal/pgsql"
)

// Class is the routing class of an analyzed statement.
type Class int

const (
	// ClassSession covers SET, RESET, SHOW, DISCARD and transaction control.
	ClassSession Class = iota + 1
	// ClassIntrospection is answered from the catalog snapshot.
	ClassIntrospection
	// ClassData is translated and sent to the warehouse.
	ClassData
)

func (c Class) String() string {
	switch c {
	case ClassSession:
		return "session"
	case ClassIntrospection:
		return "introspection"
	case ClassData:
		return "data"
	}
	return "unknown"
}

// Scope is the session context a statement is resolved in.
type Scope struct {
	SearchPath []string
	Database   string
	User       string
}

// OutputColumn describes one result column.
type OutputColumn struct {
	Name string
	Type catalog.WireType
}

// Analysis is the result of analyzing one statement.
type Analysis struct {
	Class Class
	Stmt  pgsql.Stmt

	Data          *Query
	Introspection *IntrospectionQuery

	// Columns is nil for statements that return no rows.
	Columns []OutputColumn
	// ParamTypes holds one inferred type per $n placeholder.
	ParamTypes []catalog.WireType
	// Snapshot is the catalog snapshot the statement was resolved against.
	// It is nil when no catalog has been loaded.
	Snapshot *catalog.Snapshot
	Version  uint64
}

// Analyze resolves and classifies stmt. Statements that can never run on the
// gateway are rejected here.
func Analyze(snap *catalog.Snapshot, stmt pgsql.Stmt, scope Scope) (*Analysis, error) {
	a := &Analysis{Stmt: stmt, Snapshot: snap}
	if snap != nil {
		a.Version = snap.Version
	}
	switch s := stmt.(type) {
	case *pgsql.SetStmt, *pgsql.ResetStmt, *pgsql.TransactionStmt, *pgsql.DiscardStmt:
		a.Class = ClassSession
	case *pgsql.ShowStmt:
		a.Class = ClassSession
		a.Columns = ShowColumns(s)
	case *pgsql.OtherStmt:
		if s.Write {
			return nil, domain.ErrReadOnly("cannot execute %s in a read-only transaction", s.Keyword)
		}
		return nil, domain.ErrNotSupported("%s is not supported", s.Keyword)
	case *pgsql.SelectStmt:
		if err := analyzeSelect(a, snap, s, scope); err != nil {
			return nil, err
		}
	default:
		return nil, domain.ErrNotSupported("statement %T is not supported", stmt)
	}
	return a, nil
}

// ShowColumns returns the result shape of a SHOW statement.
func ShowColumns(s *pgsql.ShowStmt) []OutputColumn {
	if s.Name == "all" {
		return []OutputColumn{
			{Name: "name", Type: catalog.TypeText},
			{Name: "setting", Type: catalog.TypeText},
			{Name: "description", Type: catalog.TypeText},
		}
	}
	return []OutputColumn{{Name: s.Name, Type: catalog.TypeText}}
}

func analyzeSelect(a *Analysis, snap *catalog.Snapshot, sel *pgsql.SelectStmt, scope Scope) error {
	if sel.From == nil {
		if len(sel.Joins) > 0 {
			return domain.ErrNotSupported("joins without FROM are not supported")
		}
		q, err := bindIntrospection(sel, nil, scope)
		if err != nil {
			return err
		}
		a.Class, a.Introspection, a.Columns = ClassIntrospection, q, q.Columns
		a.ParamTypes = q.ParamTypes
		return nil
	}

	res, err := resolveTable(snap, sel.From, scope)
	if err != nil {
		return err
	}
	if res.system != nil {
		q, err := bindIntrospection(sel, res.system, scope)
		if err != nil {
			return err
		}
		a.Class, a.Introspection, a.Columns = ClassIntrospection, q, q.Columns
		a.ParamTypes = q.ParamTypes
		return nil
	}

	q, err := bindQuery(snap, sel, res, scope)
	if err != nil {
		return err
	}
	a.Class, a.Data = ClassData, q
	a.Columns = make([]OutputColumn, len(q.Items))
	for i, item := range q.Items {
		a.Columns[i] = OutputColumn{Name: item.Name, Type: item.Type}
	}
	a.ParamTypes = q.ParamTypes
	return nil
}
