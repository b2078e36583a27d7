package pgsql

// === Expression Nodes ===

// ColumnRef represents a column reference, optionally qualified with a table
// and schema. Unquoted parts are folded to lower case by the parser.
type ColumnRef struct {
	Schema string // optional schema qualifier
	Table  string // optional table/alias qualifier
	Column string // column name
	Quoted bool   // true if the column was double-quoted in the original SQL
}

func (*ColumnRef) node()     {}
func (*ColumnRef) exprNode() {}

// Literal represents a literal value (number, string, bool, null).
type Literal struct {
	Type  LiteralType
	Value string
}

func (*Literal) node()     {}
func (*Literal) exprNode() {}

// LiteralType represents the type of a literal.
type LiteralType int

const (
	LiteralNumber LiteralType = iota
	LiteralString
	LiteralBool
	LiteralNull
)

// ParamRef represents a positional parameter ($1, $2, ...). Index is 1-based.
type ParamRef struct {
	Index int
}

func (*ParamRef) node()     {}
func (*ParamRef) exprNode() {}

// BinaryExpr represents a binary expression (left op right).
type BinaryExpr struct {
	Left  Expr
	Op    TokenType
	Right Expr
}

func (*BinaryExpr) node()     {}
func (*BinaryExpr) exprNode() {}

// UnaryExpr represents a unary expression (NOT x, -x, +x).
type UnaryExpr struct {
	Op   TokenType
	Expr Expr
}

func (*UnaryExpr) node()     {}
func (*UnaryExpr) exprNode() {}

// ParenExpr represents a parenthesized expression.
type ParenExpr struct {
	Expr Expr
}

func (*ParenExpr) node()     {}
func (*ParenExpr) exprNode() {}

// FuncCall represents a function call. Name is lower case unless quoted.
type FuncCall struct {
	Schema   string // optional schema qualifier (pg_catalog.version())
	Name     string
	Distinct bool // COUNT(DISTINCT ...)
	Args     []Expr
	Star     bool // COUNT(*)
	NoParens bool // SQL-standard niladic form: current_user, current_schema
	Over     bool // window call; always rejected by the analyzer
}

func (*FuncCall) node()     {}
func (*FuncCall) exprNode() {}

// CastExpr represents CAST(expr AS type) or expr::type.
type CastExpr struct {
	Expr     Expr
	TypeName string // normalized lower-case type name, e.g. "double precision"
}

func (*CastExpr) node()     {}
func (*CastExpr) exprNode() {}

// InExpr represents expr [NOT] IN (values) or expr [NOT] IN (subquery).
type InExpr struct {
	Expr   Expr
	Values []Expr
	Query  *SelectStmt
	Not    bool
}

func (*InExpr) node()     {}
func (*InExpr) exprNode() {}

// BetweenExpr represents expr [NOT] BETWEEN low AND high.
type BetweenExpr struct {
	Expr Expr
	Low  Expr
	High Expr
	Not  bool
}

func (*BetweenExpr) node()     {}
func (*BetweenExpr) exprNode() {}

// IsNullExpr represents expr IS [NOT] NULL.
type IsNullExpr struct {
	Expr Expr
	Not  bool
}

func (*IsNullExpr) node()     {}
func (*IsNullExpr) exprNode() {}

// LikeExpr represents expr [NOT] LIKE/ILIKE pattern.
type LikeExpr struct {
	Expr    Expr
	Pattern Expr
	Not     bool
	ILike   bool
}

func (*LikeExpr) node()     {}
func (*LikeExpr) exprNode() {}

// CaseExpr represents a CASE expression.
type CaseExpr struct {
	Operand Expr // CASE operand WHEN... (optional, nil for searched CASE)
	Whens   []WhenClause
	Else    Expr
}

func (*CaseExpr) node()     {}
func (*CaseExpr) exprNode() {}

// WhenClause is one WHEN ... THEN ... arm of a CASE expression.
type WhenClause struct {
	Condition Expr
	Result    Expr
}

// SubqueryExpr represents a scalar subquery or EXISTS (subquery).
type SubqueryExpr struct {
	Select *SelectStmt
	Exists bool
}

func (*SubqueryExpr) node()     {}
func (*SubqueryExpr) exprNode() {}
