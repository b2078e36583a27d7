package pgsql

import (
	"strings"
)

// writeKeywords lead statements that modify data, schema or privileges.
var writeKeywords = map[string]bool{
	"insert": true, "update": true, "delete": true, "merge": true, "upsert": true,
	"create": true, "drop": true, "alter": true, "truncate": true, "rename": true,
	"grant": true, "revoke": true, "comment": true, "security": true,
	"vacuum": true, "analyze": true, "reindex": true, "cluster": true,
	"refresh": true, "import": true, "lock": true, "reassign": true,
}

// otherKeywords lead statements that are read-only but not supported.
var otherKeywords = map[string]bool{
	"copy": true, "listen": true, "unlisten": true, "notify": true,
	"prepare": true, "execute": true, "deallocate": true, "explain": true,
	"declare": true, "fetch": true, "move": true, "close": true,
	"savepoint": true, "release": true, "values": true, "table": true,
	"checkpoint": true, "load": true, "call": true, "do": true,
}

// parseStatement dispatches to the appropriate statement parser based on the first token.
func (p *Parser) parseStatement() Stmt {
	switch p.token.Type {
	case TOKEN_SELECT:
		return p.parseSelect()
	case TOKEN_LPAREN:
		if p.checkPeek(TOKEN_SELECT) {
			p.nextToken()
			sel := p.parseSelect()
			if !p.expect(TOKEN_RPAREN) {
				return nil
			}
			return sel
		}
	case TOKEN_WITH:
		p.unsupported("WITH queries")
		return nil
	case TOKEN_END:
		p.nextToken()
		p.consumeUntilEnd()
		return &TransactionStmt{Kind: TxCommit}
	case TOKEN_IDENT:
		if p.token.Quoted {
			break
		}
		word := strings.ToLower(p.token.Literal)
		switch word {
		case "set":
			return p.parseSet()
		case "reset":
			return p.parseReset()
		case "show":
			return p.parseShow()
		case "begin", "start":
			p.nextToken()
			if word == "start" && !p.matchSoftKeyword("transaction") {
				p.syntaxError(p.token)
				return nil
			}
			p.consumeUntilEnd()
			return &TransactionStmt{Kind: TxBegin}
		case "commit":
			p.nextToken()
			p.consumeUntilEnd()
			return &TransactionStmt{Kind: TxCommit}
		case "rollback", "abort":
			p.nextToken()
			p.matchSoftKeyword("work")
			p.matchSoftKeyword("transaction")
			if p.checkSoftKeyword("to") {
				p.unsupported("savepoints")
				return nil
			}
			p.consumeUntilEnd()
			return &TransactionStmt{Kind: TxRollback}
		case "discard":
			return p.parseDiscard()
		}
		if writeKeywords[word] || otherKeywords[word] {
			p.nextToken()
			p.consumeUntilEnd()
			return &OtherStmt{Keyword: strings.ToUpper(word), Write: writeKeywords[word]}
		}
	}
	p.syntaxError(p.token)
	return nil
}

// === SELECT ===

// parseSelect parses a SELECT statement. The current token is SELECT.
func (p *Parser) parseSelect() *SelectStmt {
	p.nextToken() // consume SELECT
	sel := &SelectStmt{}

	if p.match(TOKEN_DISTINCT) {
		if p.check(TOKEN_ON) {
			p.unsupported("SELECT DISTINCT ON")
			return nil
		}
		sel.Distinct = true
	} else {
		p.match(TOKEN_ALL)
	}

	sel.Columns = p.parseSelectList()
	if p.failed() {
		return nil
	}

	if p.match(TOKEN_FROM) {
		sel.From = p.parseTableName()
		if p.failed() {
			return nil
		}
		sel.Joins = p.parseJoins()
		if p.failed() {
			return nil
		}
	}

	if p.match(TOKEN_WHERE) {
		sel.Where = p.parseExpression()
		if sel.Where == nil {
			p.ensureError()
			return nil
		}
	}

	if p.match(TOKEN_GROUP) {
		if !p.expect(TOKEN_BY) {
			return nil
		}
		sel.GroupBy = p.parseExpressionList()
		if p.failed() {
			return nil
		}
	}

	if p.match(TOKEN_HAVING) {
		sel.Having = p.parseExpression()
		if sel.Having == nil {
			p.ensureError()
			return nil
		}
	}

	switch p.token.Type {
	case TOKEN_WINDOW:
		p.unsupported("WINDOW clauses")
		return nil
	case TOKEN_UNION, TOKEN_INTERSECT, TOKEN_EXCEPT:
		p.unsupported(strings.ToUpper(p.token.Literal))
		return nil
	}

	if p.match(TOKEN_ORDER) {
		if !p.expect(TOKEN_BY) {
			return nil
		}
		sel.OrderBy = p.parseOrderBy()
		if p.failed() {
			return nil
		}
	}

	p.parseLimitOffset(sel)
	if p.failed() {
		return nil
	}

	if p.check(TOKEN_FOR) {
		p.unsupported("SELECT ... FOR UPDATE/SHARE")
		return nil
	}
	if p.checkSoftKeyword("fetch") {
		p.unsupported("FETCH FIRST")
		return nil
	}
	return sel
}

func (p *Parser) ensureError() {
	if !p.failed() {
		p.syntaxError(p.token)
	}
}

// parseSelectList parses the comma-separated select items.
func (p *Parser) parseSelectList() []SelectItem {
	var items []SelectItem
	for {
		item, ok := p.parseSelectItem()
		if !ok {
			return nil
		}
		items = append(items, item)
		if !p.match(TOKEN_COMMA) {
			break
		}
	}
	return items
}

func (p *Parser) parseSelectItem() (SelectItem, bool) {
	if p.match(TOKEN_STAR) {
		return SelectItem{Star: true}, true
	}
	// t.* : identifier, dot, star
	if p.check(TOKEN_IDENT) && p.checkPeek(TOKEN_DOT) && p.peek2.Type == TOKEN_STAR {
		table := identName(p.token)
		p.nextToken()
		p.nextToken()
		p.nextToken()
		return SelectItem{Star: true, StarTable: table}, true
	}

	expr := p.parseExpression()
	if expr == nil {
		p.ensureError()
		return SelectItem{}, false
	}
	item := SelectItem{Expr: expr}

	if p.match(TOKEN_AS) {
		// AS accepts any word, reserved keywords included
		if p.token.Type != TOKEN_IDENT && p.token.Type < TOKEN_ALL {
			p.syntaxError(p.token)
			return SelectItem{}, false
		}
		item.Alias = identName(p.token)
		p.nextToken()
	} else if isNameToken(p.token) && !isAliasReserved(p.token) {
		item.Alias = identName(p.token)
		p.nextToken()
	}
	return item, true
}

// parseTableName parses [[catalog.]schema.]name [[AS] alias].
func (p *Parser) parseTableName() *TableName {
	if p.check(TOKEN_LPAREN) {
		p.unsupported("subqueries in FROM")
		return nil
	}
	if !isNameToken(p.token) {
		p.syntaxError(p.token)
		return nil
	}
	parts := []string{identName(p.token)}
	p.nextToken()
	for p.check(TOKEN_DOT) {
		p.nextToken()
		if !isNameToken(p.token) {
			p.syntaxError(p.token)
			return nil
		}
		parts = append(parts, identName(p.token))
		p.nextToken()
	}
	if p.check(TOKEN_LPAREN) {
		p.unsupported("table functions")
		return nil
	}

	t := &TableName{}
	switch len(parts) {
	case 1:
		t.Name = parts[0]
	case 2:
		t.Schema, t.Name = parts[0], parts[1]
	case 3:
		t.Catalog, t.Schema, t.Name = parts[0], parts[1], parts[2]
	default:
		p.syntaxError(p.token)
		return nil
	}

	if p.match(TOKEN_AS) {
		if !isNameToken(p.token) {
			p.syntaxError(p.token)
			return nil
		}
		t.Alias = identName(p.token)
		p.nextToken()
	} else if isNameToken(p.token) && !isAliasReserved(p.token) {
		t.Alias = identName(p.token)
		p.nextToken()
	}
	if p.check(TOKEN_LPAREN) {
		p.unsupported("column alias lists")
		return nil
	}
	return t
}

// parseJoins parses JOIN clauses and comma-separated FROM items.
func (p *Parser) parseJoins() []JoinClause {
	var joins []JoinClause
	for {
		var jt JoinType
		switch {
		case p.match(TOKEN_COMMA):
			t := p.parseTableName()
			if t == nil {
				return nil
			}
			joins = append(joins, JoinClause{Type: JoinCross, Table: t})
			continue
		case p.checkSoftKeyword("natural"):
			p.unsupported("NATURAL JOIN")
			return nil
		case p.match(TOKEN_CROSS):
			jt = JoinCross
		case p.match(TOKEN_INNER):
			jt = JoinInner
		case p.match(TOKEN_LEFT):
			jt = JoinLeft
			p.match(TOKEN_OUTER)
		case p.match(TOKEN_RIGHT):
			jt = JoinRight
			p.match(TOKEN_OUTER)
		case p.match(TOKEN_FULL):
			jt = JoinFull
			p.match(TOKEN_OUTER)
		case p.check(TOKEN_JOIN):
			jt = JoinInner
		default:
			return joins
		}
		if !p.expect(TOKEN_JOIN) {
			return nil
		}
		if p.checkSoftKeyword("lateral") {
			p.unsupported("LATERAL")
			return nil
		}
		t := p.parseTableName()
		if t == nil {
			return nil
		}
		join := JoinClause{Type: jt, Table: t}
		if jt != JoinCross {
			switch {
			case p.match(TOKEN_ON):
				join.On = p.parseExpression()
				if join.On == nil {
					p.ensureError()
					return nil
				}
			case p.match(TOKEN_USING):
				if !p.expect(TOKEN_LPAREN) {
					return nil
				}
				for {
					if !isNameToken(p.token) {
						p.syntaxError(p.token)
						return nil
					}
					join.Using = append(join.Using, identName(p.token))
					p.nextToken()
					if !p.match(TOKEN_COMMA) {
						break
					}
				}
				if !p.expect(TOKEN_RPAREN) {
					return nil
				}
			default:
				p.syntaxError(p.token)
				return nil
			}
		}
		joins = append(joins, join)
	}
}

// parseOrderBy parses ORDER BY items.
func (p *Parser) parseOrderBy() []OrderByItem {
	var items []OrderByItem
	for {
		expr := p.parseExpression()
		if expr == nil {
			p.ensureError()
			return nil
		}
		item := OrderByItem{Expr: expr}
		if p.match(TOKEN_DESC) {
			item.Desc = true
		} else {
			p.match(TOKEN_ASC)
		}
		if p.match(TOKEN_NULLS) {
			var first bool
			switch {
			case p.matchSoftKeyword("first"):
				first = true
			case p.matchSoftKeyword("last"):
				first = false
			default:
				p.syntaxError(p.token)
				return nil
			}
			item.NullsFirst = &first
		}
		items = append(items, item)
		if !p.match(TOKEN_COMMA) {
			break
		}
	}
	return items
}

// parseLimitOffset parses LIMIT and OFFSET in either order.
func (p *Parser) parseLimitOffset(sel *SelectStmt) {
	for i := 0; i < 2; i++ {
		switch {
		case p.match(TOKEN_LIMIT):
			if p.match(TOKEN_ALL) {
				continue
			}
			sel.Limit = p.parseExpression()
			if sel.Limit == nil {
				p.ensureError()
				return
			}
		case p.match(TOKEN_OFFSET):
			sel.Offset = p.parseExpression()
			if sel.Offset == nil {
				p.ensureError()
				return
			}
			if !p.matchSoftKeyword("rows") {
				p.matchSoftKeyword("row")
			}
		default:
			return
		}
	}
}

// === Session statements ===

// parseSet parses SET statements. The current token is SET.
func (p *Parser) parseSet() Stmt {
	p.nextToken() // consume SET
	stmt := &SetStmt{}
	if p.matchSoftKeyword("local") {
		stmt.Local = true
	} else {
		p.matchSoftKeyword("session")
	}

	switch {
	case p.checkSoftKeyword("transaction"), p.checkSoftKeyword("characteristics"):
		p.consumeUntilEnd()
		stmt.Name = "transaction"
		return stmt
	case p.checkSoftKeyword("time") && p.peek.Type == TOKEN_IDENT && strings.EqualFold(p.peek.Literal, "zone"):
		p.nextToken()
		p.nextToken()
		stmt.Name = "timezone"
		if p.matchSoftKeyword("local") || p.matchSoftKeyword("default") {
			stmt.ToDefault = true
			return stmt
		}
		stmt.Values = p.parseSetValues()
		return stmt
	case p.checkSoftKeyword("names"):
		p.nextToken()
		stmt.Name = "client_encoding"
		stmt.Values = p.parseSetValues()
		return stmt
	case p.checkSoftKeyword("role"), p.checkSoftKeyword("session_authorization"):
		p.unsupported("SET ROLE")
		return nil
	}

	stmt.Name = p.parseDottedName()
	if stmt.Name == "" {
		return nil
	}
	if !p.match(TOKEN_EQ) && !p.matchSoftKeyword("to") {
		p.syntaxError(p.token)
		return nil
	}
	if p.checkSoftKeyword("default") && (p.checkPeek(TOKEN_EOF) || p.checkPeek(TOKEN_SEMICOLON)) {
		p.nextToken()
		stmt.ToDefault = true
		return stmt
	}
	stmt.Values = p.parseSetValues()
	return stmt
}

// parseSetValues parses the comma-separated value list of a SET.
func (p *Parser) parseSetValues() []string {
	var values []string
	for {
		sign := ""
		if p.check(TOKEN_MINUS) || p.check(TOKEN_PLUS) {
			sign = p.token.Literal
			p.nextToken()
		}
		switch {
		case p.check(TOKEN_STRING):
			values = append(values, p.token.Literal)
		case p.check(TOKEN_NUMBER):
			values = append(values, sign+p.token.Literal)
		case p.check(TOKEN_TRUE), p.check(TOKEN_FALSE), p.check(TOKEN_ON):
			values = append(values, strings.ToLower(p.token.Literal))
		case p.check(TOKEN_IDENT):
			values = append(values, identName(p.token))
		default:
			p.syntaxError(p.token)
			return nil
		}
		p.nextToken()
		if !p.match(TOKEN_COMMA) {
			break
		}
	}
	return values
}

// parseDottedName parses a configuration parameter name like
// search_path or myext.setting.
func (p *Parser) parseDottedName() string {
	if !isNameToken(p.token) {
		p.syntaxError(p.token)
		return ""
	}
	parts := []string{identName(p.token)}
	p.nextToken()
	for p.check(TOKEN_DOT) {
		p.nextToken()
		if !isNameToken(p.token) {
			p.syntaxError(p.token)
			return ""
		}
		parts = append(parts, identName(p.token))
		p.nextToken()
	}
	return strings.Join(parts, ".")
}

// parseShow parses SHOW name | SHOW ALL.
func (p *Parser) parseShow() Stmt {
	p.nextToken() // consume SHOW
	switch {
	case p.match(TOKEN_ALL):
		return &ShowStmt{Name: "all"}
	case p.checkSoftKeyword("time") && p.peek.Type == TOKEN_IDENT && strings.EqualFold(p.peek.Literal, "zone"):
		p.nextToken()
		p.nextToken()
		return &ShowStmt{Name: "timezone"}
	case p.checkSoftKeyword("transaction"):
		p.nextToken()
		if !p.matchSoftKeyword("isolation") || !p.matchSoftKeyword("level") {
			p.syntaxError(p.token)
			return nil
		}
		return &ShowStmt{Name: "transaction_isolation"}
	}
	name := p.parseDottedName()
	if name == "" {
		return nil
	}
	return &ShowStmt{Name: name}
}

// parseReset parses RESET name | RESET ALL.
func (p *Parser) parseReset() Stmt {
	p.nextToken() // consume RESET
	if p.match(TOKEN_ALL) {
		return &ResetStmt{All: true}
	}
	if p.checkSoftKeyword("time") && p.peek.Type == TOKEN_IDENT && strings.EqualFold(p.peek.Literal, "zone") {
		p.nextToken()
		p.nextToken()
		return &ResetStmt{Name: "timezone"}
	}
	name := p.parseDottedName()
	if name == "" {
		return nil
	}
	return &ResetStmt{Name: name}
}

// parseDiscard parses DISCARD {ALL|PLANS|SEQUENCES|TEMP|TEMPORARY}.
func (p *Parser) parseDiscard() Stmt {
	p.nextToken() // consume DISCARD
	if p.match(TOKEN_ALL) {
		return &DiscardStmt{Target: "all"}
	}
	for _, target := range []string{"plans", "sequences", "temp", "temporary"} {
		if p.matchSoftKeyword(target) {
			return &DiscardStmt{Target: target}
		}
	}
	p.syntaxError(p.token)
	return nil
}
