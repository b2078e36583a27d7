package pgsql

import (
	"strconv"
	"strings"
)

// Expression parsing using Pratt parser (precedence climbing).

// parseExpression parses an expression using precedence climbing.
func (p *Parser) parseExpression() Expr {
	return p.parseExpressionWithPrecedence(PrecedenceNone + 1)
}

// parseExpressionWithPrecedence implements Pratt parsing.
func (p *Parser) parseExpressionWithPrecedence(minPrecedence int) Expr {
	left := p.parsePrefixExpr()
	if left == nil || p.failed() {
		return nil
	}

	for {
		prec := p.getInfixPrecedence()
		if prec < minPrecedence {
			break
		}
		left = p.parseInfixExpr(left, prec)
		if left == nil || p.failed() {
			return nil
		}
	}

	return left
}

// parsePrefixExpr parses prefix expressions (unary operators and primary expressions).
func (p *Parser) parsePrefixExpr() Expr {
	switch p.token.Type {
	case TOKEN_NOT:
		p.nextToken()
		expr := p.parseExpressionWithPrecedence(PrecedenceNot)
		return &UnaryExpr{Op: TOKEN_NOT, Expr: expr}

	case TOKEN_MINUS:
		p.nextToken()
		expr := p.parseExpressionWithPrecedence(PrecedenceUnary)
		if lit, ok := expr.(*Literal); ok && lit.Type == LiteralNumber {
			return &Literal{Type: LiteralNumber, Value: "-" + lit.Value}
		}
		return &UnaryExpr{Op: TOKEN_MINUS, Expr: expr}

	case TOKEN_PLUS:
		p.nextToken()
		expr := p.parseExpressionWithPrecedence(PrecedenceUnary)
		return &UnaryExpr{Op: TOKEN_PLUS, Expr: expr}

	default:
		return p.parsePrimary()
	}
}

// getInfixPrecedence returns the precedence of the current token as an infix operator.
func (p *Parser) getInfixPrecedence() int {
	switch p.token.Type {
	case TOKEN_OR:
		return PrecedenceOr
	case TOKEN_AND:
		return PrecedenceAnd
	case TOKEN_EQ, TOKEN_NE, TOKEN_LT, TOKEN_GT, TOKEN_LE, TOKEN_GE:
		return PrecedenceComparison
	case TOKEN_IS, TOKEN_IN, TOKEN_BETWEEN, TOKEN_LIKE, TOKEN_ILIKE:
		return PrecedenceComparison
	case TOKEN_NOT:
		return PrecedenceComparison
	case TOKEN_PLUS, TOKEN_MINUS, TOKEN_DPIPE:
		return PrecedenceAddition
	case TOKEN_STAR, TOKEN_SLASH, TOKEN_MOD:
		return PrecedenceMultiply
	case TOKEN_DCOLON:
		return PrecedencePostfix
	default:
		return PrecedenceNone
	}
}

// parseInfixExpr parses an infix expression given the left operand.
func (p *Parser) parseInfixExpr(left Expr, prec int) Expr {
	switch p.token.Type {
	case TOKEN_NOT:
		return p.parseNotInfixExpr(left)
	case TOKEN_IS:
		return p.parseIsExpr(left)
	case TOKEN_IN:
		p.nextToken()
		return p.parseInExpr(left, false)
	case TOKEN_BETWEEN:
		p.nextToken()
		return p.parseBetweenExpr(left, false)
	case TOKEN_LIKE:
		p.nextToken()
		return p.parseLikeExpr(left, false, false)
	case TOKEN_ILIKE:
		p.nextToken()
		return p.parseLikeExpr(left, false, true)
	case TOKEN_DCOLON:
		p.nextToken()
		typeName := p.parseTypeName()
		return &CastExpr{Expr: left, TypeName: typeName}
	default:
		op := p.token.Type
		p.nextToken()
		right := p.parseExpressionWithPrecedence(prec + 1)
		if right == nil {
			if !p.failed() {
				p.syntaxError(p.token)
			}
			return nil
		}
		return &BinaryExpr{Left: left, Op: op, Right: right}
	}
}

// parseNotInfixExpr handles NOT as an infix modifier (NOT IN, NOT BETWEEN, NOT LIKE, NOT ILIKE).
func (p *Parser) parseNotInfixExpr(left Expr) Expr {
	p.nextToken() // consume NOT

	switch p.token.Type {
	case TOKEN_IN:
		p.nextToken()
		return p.parseInExpr(left, true)
	case TOKEN_BETWEEN:
		p.nextToken()
		return p.parseBetweenExpr(left, true)
	case TOKEN_LIKE:
		p.nextToken()
		return p.parseLikeExpr(left, true, false)
	case TOKEN_ILIKE:
		p.nextToken()
		return p.parseLikeExpr(left, true, true)
	default:
		p.syntaxError(p.token)
		return nil
	}
}

// parseIsExpr parses IS [NOT] NULL.
func (p *Parser) parseIsExpr(left Expr) Expr {
	p.nextToken() // consume IS
	isNot := p.match(TOKEN_NOT)

	switch p.token.Type {
	case TOKEN_NULL:
		p.nextToken()
		return &IsNullExpr{Expr: left, Not: isNot}
	case TOKEN_TRUE, TOKEN_FALSE:
		p.unsupported("IS TRUE/IS FALSE")
		return nil
	case TOKEN_DISTINCT:
		p.unsupported("IS DISTINCT FROM")
		return nil
	default:
		p.syntaxError(p.token)
		return nil
	}
}

// parseInExpr parses IN (values) or IN (subquery).
func (p *Parser) parseInExpr(left Expr, not bool) Expr {
	in := &InExpr{Expr: left, Not: not}
	if !p.expect(TOKEN_LPAREN) {
		return nil
	}
	if p.check(TOKEN_SELECT) {
		in.Query = p.parseSelect()
	} else {
		in.Values = p.parseExpressionList()
	}
	if !p.expect(TOKEN_RPAREN) {
		return nil
	}
	return in
}

// parseBetweenExpr parses BETWEEN low AND high.
func (p *Parser) parseBetweenExpr(left Expr, not bool) Expr {
	between := &BetweenExpr{Expr: left, Not: not}
	between.Low = p.parseExpressionWithPrecedence(PrecedenceAddition)
	if !p.expect(TOKEN_AND) {
		return nil
	}
	between.High = p.parseExpressionWithPrecedence(PrecedenceAddition)
	if between.Low == nil || between.High == nil {
		return nil
	}
	return between
}

// parseLikeExpr parses LIKE/ILIKE pattern.
func (p *Parser) parseLikeExpr(left Expr, not bool, ilike bool) Expr {
	like := &LikeExpr{Expr: left, Not: not, ILike: ilike}
	like.Pattern = p.parseExpressionWithPrecedence(PrecedenceAddition)
	if like.Pattern == nil {
		return nil
	}
	if p.checkSoftKeyword("escape") {
		p.unsupported("LIKE ... ESCAPE")
		return nil
	}
	return like
}

// parseExpressionList parses a comma-separated list of expressions.
func (p *Parser) parseExpressionList() []Expr {
	var exprs []Expr
	for {
		expr := p.parseExpression()
		if expr == nil {
			if !p.failed() {
				p.syntaxError(p.token)
			}
			return nil
		}
		exprs = append(exprs, expr)
		if !p.match(TOKEN_COMMA) {
			break
		}
	}
	return exprs
}

// niladicFunctions are SQL-standard functions callable without parentheses.
var niladicFunctions = map[string]bool{
	"current_user":      true,
	"session_user":      true,
	"current_role":      true,
	"current_schema":    true,
	"current_catalog":   true,
	"current_date":      true,
	"current_timestamp": true,
	"localtimestamp":    true,
}

// typedLiteralTypes are type names accepted in the TYPE 'literal' form.
var typedLiteralTypes = map[string]bool{
	"date":        true,
	"time":        true,
	"timestamp":   true,
	"timestamptz": true,
	"interval":    true,
}

// parsePrimary parses literals, names, calls and parenthesized forms.
func (p *Parser) parsePrimary() Expr {
	tok := p.token
	switch tok.Type {
	case TOKEN_NUMBER:
		p.nextToken()
		return &Literal{Type: LiteralNumber, Value: tok.Literal}
	case TOKEN_STRING:
		p.nextToken()
		return &Literal{Type: LiteralString, Value: tok.Literal}
	case TOKEN_TRUE:
		p.nextToken()
		return &Literal{Type: LiteralBool, Value: "true"}
	case TOKEN_FALSE:
		p.nextToken()
		return &Literal{Type: LiteralBool, Value: "false"}
	case TOKEN_NULL:
		p.nextToken()
		return &Literal{Type: LiteralNull, Value: "NULL"}
	case TOKEN_PARAM:
		idx, err := strconv.Atoi(tok.Literal)
		if err != nil || idx < 1 || idx > 65535 {
			p.addError("there is no parameter $"+tok.Literal, tok.Pos)
			return nil
		}
		p.nextToken()
		return &ParamRef{Index: idx}
	case TOKEN_LPAREN:
		return p.parseParenExpr()
	case TOKEN_CASE:
		return p.parseCaseExpr()
	case TOKEN_CAST:
		return p.parseCastExpr()
	case TOKEN_EXISTS:
		p.nextToken()
		if !p.expect(TOKEN_LPAREN) {
			return nil
		}
		sel := p.parseSelect()
		if !p.expect(TOKEN_RPAREN) {
			return nil
		}
		return &SubqueryExpr{Select: sel, Exists: true}
	case TOKEN_LEFT, TOKEN_RIGHT:
		// left(s, n) and right(s, n) are ordinary functions
		if p.checkPeek(TOKEN_LPAREN) {
			p.nextToken()
			return p.parseFuncCall("", strings.ToLower(tok.Literal))
		}
	case TOKEN_IDENT:
		return p.parseNameExpr()
	}
	p.syntaxError(tok)
	return nil
}

// parseParenExpr parses ( expr ) or a scalar subquery.
func (p *Parser) parseParenExpr() Expr {
	p.nextToken() // consume (
	if p.check(TOKEN_SELECT) {
		sel := p.parseSelect()
		if !p.expect(TOKEN_RPAREN) {
			return nil
		}
		return &SubqueryExpr{Select: sel}
	}
	expr := p.parseExpression()
	if expr == nil {
		return nil
	}
	if p.check(TOKEN_COMMA) {
		p.unsupported("row constructors")
		return nil
	}
	if !p.expect(TOKEN_RPAREN) {
		return nil
	}
	return &ParenExpr{Expr: expr}
}

// parseNameExpr parses a column reference, function call, niladic function,
// or TYPE 'literal'.
func (p *Parser) parseNameExpr() Expr {
	first := p.token
	p.nextToken()

	if !first.Quoted && p.check(TOKEN_STRING) && typedLiteralTypes[strings.ToLower(first.Literal)] {
		lit := p.token.Literal
		p.nextToken()
		return &CastExpr{Expr: &Literal{Type: LiteralString, Value: lit}, TypeName: strings.ToLower(first.Literal)}
	}

	parts := []Token{first}
	for p.check(TOKEN_DOT) && p.checkPeek(TOKEN_IDENT) {
		p.nextToken() // consume .
		parts = append(parts, p.token)
		p.nextToken()
	}

	if p.check(TOKEN_LPAREN) {
		switch len(parts) {
		case 1:
			return p.parseFuncCall("", identName(parts[0]))
		case 2:
			return p.parseFuncCall(identName(parts[0]), identName(parts[1]))
		default:
			p.syntaxError(p.token)
			return nil
		}
	}

	if len(parts) == 1 && !first.Quoted && niladicFunctions[strings.ToLower(first.Literal)] {
		return &FuncCall{Name: strings.ToLower(first.Literal), NoParens: true}
	}

	col := &ColumnRef{Quoted: parts[len(parts)-1].Quoted}
	switch len(parts) {
	case 1:
		col.Column = identName(parts[0])
	case 2:
		col.Table = identName(parts[0])
		col.Column = identName(parts[1])
	case 3:
		col.Schema = identName(parts[0])
		col.Table = identName(parts[1])
		col.Column = identName(parts[2])
	default:
		p.addError("improper qualified name (too many dotted names)", first.Pos)
		return nil
	}
	return col
}

// parseFuncCall parses the argument list of a function whose name has
// already been consumed. The current token is the opening parenthesis.
func (p *Parser) parseFuncCall(schema, name string) Expr {
	p.nextToken() // consume (
	fn := &FuncCall{Schema: schema, Name: name}

	switch {
	case p.check(TOKEN_STAR):
		p.nextToken()
		fn.Star = true
	case p.check(TOKEN_RPAREN):
	default:
		if p.match(TOKEN_DISTINCT) {
			fn.Distinct = true
		} else {
			p.match(TOKEN_ALL)
		}
		fn.Args = p.parseExpressionList()
		if p.failed() {
			return nil
		}
		if p.check(TOKEN_ORDER) {
			p.unsupported("ordered-set aggregate arguments")
			return nil
		}
	}
	if !p.expect(TOKEN_RPAREN) {
		return nil
	}

	switch {
	case p.checkSoftKeyword("filter"):
		p.unsupported("aggregate FILTER clauses")
		return nil
	case p.checkSoftKeyword("within"):
		p.unsupported("WITHIN GROUP")
		return nil
	case p.checkSoftKeyword("over"):
		p.unsupported("window functions")
		return nil
	}
	return fn
}

// parseCaseExpr parses CASE [operand] WHEN ... THEN ... [ELSE ...] END.
func (p *Parser) parseCaseExpr() Expr {
	p.nextToken() // consume CASE
	c := &CaseExpr{}
	if !p.check(TOKEN_WHEN) {
		c.Operand = p.parseExpression()
		if c.Operand == nil {
			return nil
		}
	}
	for p.match(TOKEN_WHEN) {
		cond := p.parseExpression()
		if cond == nil || !p.expect(TOKEN_THEN) {
			return nil
		}
		result := p.parseExpression()
		if result == nil {
			return nil
		}
		c.Whens = append(c.Whens, WhenClause{Condition: cond, Result: result})
	}
	if len(c.Whens) == 0 {
		p.syntaxError(p.token)
		return nil
	}
	if p.match(TOKEN_ELSE) {
		c.Else = p.parseExpression()
		if c.Else == nil {
			return nil
		}
	}
	if !p.expect(TOKEN_END) {
		return nil
	}
	return c
}

// parseCastExpr parses CAST(expr AS type).
func (p *Parser) parseCastExpr() Expr {
	p.nextToken() // consume CAST
	if !p.expect(TOKEN_LPAREN) {
		return nil
	}
	expr := p.parseExpression()
	if expr == nil || !p.expect(TOKEN_AS) {
		return nil
	}
	typeName := p.parseTypeName()
	if !p.expect(TOKEN_RPAREN) {
		return nil
	}
	return &CastExpr{Expr: expr, TypeName: typeName}
}

// parseTypeName parses a type name such as int, varchar(20),
// double precision, or timestamp with time zone. Schema qualifiers are
// dropped.
func (p *Parser) parseTypeName() string {
	if !isNameToken(p.token) {
		p.syntaxError(p.token)
		return ""
	}
	name := identName(p.token)
	p.nextToken()
	for p.check(TOKEN_DOT) && p.checkPeek(TOKEN_IDENT) {
		p.nextToken()
		name = identName(p.token)
		p.nextToken()
	}

	switch name {
	case "double":
		if p.matchSoftKeyword("precision") {
			name = "double precision"
		}
	case "character", "char", "bit":
		if p.matchSoftKeyword("varying") {
			name += " varying"
		}
	case "timestamp", "time":
		if p.check(TOKEN_WITH) || p.checkSoftKeyword("without") {
			with := p.check(TOKEN_WITH)
			p.nextToken()
			if !p.matchSoftKeyword("time") || !p.matchSoftKeyword("zone") {
				p.syntaxError(p.token)
				return ""
			}
			if with {
				name += " with time zone"
			} else {
				name += " without time zone"
			}
		}
	}

	if p.check(TOKEN_LPAREN) {
		p.nextToken()
		var mods []string
		for p.check(TOKEN_NUMBER) {
			mods = append(mods, p.token.Literal)
			p.nextToken()
			if !p.match(TOKEN_COMMA) {
				break
			}
		}
		if !p.expect(TOKEN_RPAREN) {
			return ""
		}
		name += "(" + strings.Join(mods, ",") + ")"
	}
	return name
}
