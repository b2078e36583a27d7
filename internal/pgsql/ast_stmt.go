package pgsql

// === Statement Nodes ===

// SelectStmt represents a single SELECT. Set operations and CTEs are
// reported by the parser as unsupported rather than represented here.
type SelectStmt struct {
	Distinct bool
	Columns  []SelectItem
	From     *TableName // nil for FROM-less selects such as SELECT 1
	Joins    []JoinClause
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []OrderByItem
	Limit    Expr // nil, or a literal/param; LIMIT ALL parses as nil
	Offset   Expr
}

func (*SelectStmt) node()     {}
func (*SelectStmt) stmtNode() {}

// SelectItem is one entry of the select list.
type SelectItem struct {
	Expr      Expr
	Alias     string
	Star      bool   // SELECT * or SELECT t.*
	StarTable string // qualifier of t.*
}

// TableName is a possibly schema-qualified table reference with an alias.
type TableName struct {
	Catalog string // database qualifier of a three-part name
	Schema  string
	Name    string
	Alias   string
}

// RefName returns the name the table is addressed by inside the query.
func (t *TableName) RefName() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

// JoinType names the kind of join.
type JoinType string

const (
	JoinInner JoinType = "INNER"
	JoinLeft  JoinType = "LEFT"
	JoinRight JoinType = "RIGHT"
	JoinFull  JoinType = "FULL"
	JoinCross JoinType = "CROSS"
)

// JoinClause is one JOIN appended to the FROM table.
type JoinClause struct {
	Type  JoinType
	Table *TableName
	On    Expr
	Using []string
}

// OrderByItem is one ORDER BY key.
type OrderByItem struct {
	Expr       Expr
	Desc       bool
	NullsFirst *bool // nil when not specified
}

// SetStmt represents SET [SESSION|LOCAL] name {TO|=} value[, ...] and
// SET name TO DEFAULT. SET TIME ZONE is normalized to name "timezone".
type SetStmt struct {
	Name      string
	Values    []string
	Local     bool
	ToDefault bool
}

func (*SetStmt) node()     {}
func (*SetStmt) stmtNode() {}

// ResetStmt represents RESET name or RESET ALL.
type ResetStmt struct {
	Name string
	All  bool
}

func (*ResetStmt) node()     {}
func (*ResetStmt) stmtNode() {}

// ShowStmt represents SHOW name or SHOW ALL. Name is lower case.
type ShowStmt struct {
	Name string
}

func (*ShowStmt) node()     {}
func (*ShowStmt) stmtNode() {}

// TxKind is the kind of transaction control statement.
type TxKind int

const (
	TxBegin TxKind = iota
	TxCommit
	TxRollback
)

// TransactionStmt represents BEGIN/START TRANSACTION, COMMIT/END and
// ROLLBACK/ABORT.
type TransactionStmt struct {
	Kind TxKind
}

func (*TransactionStmt) node()     {}
func (*TransactionStmt) stmtNode() {}

// DiscardStmt represents DISCARD {ALL|PLANS|SEQUENCES|TEMP}.
type DiscardStmt struct {
	Target string
}

func (*DiscardStmt) node()     {}
func (*DiscardStmt) stmtNode() {}

// OtherStmt is any statement recognised only by its leading keyword.
type OtherStmt struct {
	Keyword string // upper-case leading keyword, e.g. "INSERT"
	Write   bool   // statement would modify data, schema or privileges
}

func (*OtherStmt) node()     {}
func (*OtherStmt) stmtNode() {}
