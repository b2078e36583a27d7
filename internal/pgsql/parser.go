package pgsql

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// SyntaxError is a parse failure. Position is the 1-based character offset
// into the statement text, matching the PostgreSQL error position field.
type SyntaxError struct {
	Message  string
	Position int
}

func (e *SyntaxError) Error() string { return e.Message }

// UnsupportedError reports valid SQL that lies outside the parsed subset.
type UnsupportedError struct {
	Feature string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s not supported", e.Feature)
}

// Parser parses PostgreSQL SQL into an AST.
type Parser struct {
	lexer  *Lexer
	input  string // original input for position reporting
	token  Token  // current token
	peek   Token  // lookahead token
	peek2  Token  // second lookahead token
	errors []error
}

// NewParser creates a new parser for the given SQL input.
func NewParser(sql string) *Parser {
	p := &Parser{
		lexer: NewLexer(sql),
		input: sql,
	}
	// Initialize three-token lookahead
	p.nextToken()
	p.nextToken()
	p.nextToken()
	return p
}

// ParseAll parses a ;-separated list of statements. Empty statements are
// skipped, so whitespace-only input yields an empty slice and no error.
func ParseAll(sql string) ([]Stmt, error) {
	p := NewParser(sql)
	var stmts []Stmt
	for {
		for p.check(TOKEN_SEMICOLON) {
			p.nextToken()
		}
		if p.check(TOKEN_EOF) {
			break
		}
		stmt := p.parseStatement()
		if len(p.errors) > 0 {
			return nil, p.errors[0]
		}
		stmts = append(stmts, stmt)
		if !p.check(TOKEN_SEMICOLON) && !p.check(TOKEN_EOF) {
			p.syntaxError(p.token)
			return nil, p.errors[0]
		}
	}
	return stmts, nil
}

// Parse parses exactly one statement, as the extended query protocol
// requires. It returns nil for an empty statement.
func Parse(sql string) (Stmt, error) {
	stmts, err := ParseAll(sql)
	if err != nil {
		return nil, err
	}
	switch len(stmts) {
	case 0:
		return nil, nil
	case 1:
		return stmts[0], nil
	default:
		return nil, &SyntaxError{Message: "cannot insert multiple commands into a prepared statement"}
	}
}

// ParseExpr parses a standalone expression from SQL text.
// Used to validate model source expressions and derived metric formulas.
func ParseExpr(sql string) (Expr, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, &SyntaxError{Message: "empty expression"}
	}

	p := NewParser(sql)
	expr := p.parseExpression()
	if len(p.errors) > 0 {
		return nil, p.errors[0]
	}

	// Ensure we consumed all tokens
	if !p.check(TOKEN_EOF) {
		p.syntaxError(p.token)
		return nil, p.errors[0]
	}

	return expr, nil
}

// === Token Helpers ===

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.token = p.peek
	p.peek = p.peek2
	p.peek2 = p.lexer.NextToken()
}

// check returns true if the current token is of the given type.
func (p *Parser) check(t TokenType) bool {
	return p.token.Type == t
}

// checkPeek returns true if the peek token is of the given type.
func (p *Parser) checkPeek(t TokenType) bool {
	return p.peek.Type == t
}

// match consumes the current token if it matches and returns true.
func (p *Parser) match(t TokenType) bool {
	if p.check(t) {
		p.nextToken()
		return true
	}
	return false
}

// checkSoftKeyword reports whether the current token is an unquoted
// identifier spelling the given word.
func (p *Parser) checkSoftKeyword(keyword string) bool {
	return p.token.Type == TOKEN_IDENT && !p.token.Quoted && strings.EqualFold(p.token.Literal, keyword)
}

// matchSoftKeyword consumes the current token if it's an identifier matching
// the given soft keyword (case-insensitive).
func (p *Parser) matchSoftKeyword(keyword string) bool {
	if p.checkSoftKeyword(keyword) {
		p.nextToken()
		return true
	}
	return false
}

// expect consumes the current token if it matches, otherwise adds an error.
func (p *Parser) expect(t TokenType) bool {
	if p.check(t) {
		p.nextToken()
		return true
	}
	p.syntaxError(p.token)
	return false
}

// failed reports whether an error has been recorded.
func (p *Parser) failed() bool {
	return len(p.errors) > 0
}

// syntaxError records a PostgreSQL-style error for the offending token.
func (p *Parser) syntaxError(tok Token) {
	if tok.Type == TOKEN_EOF {
		p.addError("syntax error at end of input", tok.Pos)
		return
	}
	if tok.Type == TOKEN_ILLEGAL && strings.HasPrefix(tok.Literal, "unterminated") {
		p.addError(tok.Literal, tok.Pos)
		return
	}
	p.addError(fmt.Sprintf("syntax error at or near %q", p.tokenText(tok)), tok.Pos)
}

// addError adds a parse error at a byte offset.
func (p *Parser) addError(msg string, pos int) {
	if pos > len(p.input) {
		pos = len(p.input)
	}
	p.errors = append(p.errors, &SyntaxError{
		Message:  msg,
		Position: utf8.RuneCountInString(p.input[:pos]) + 1,
	})
}

// unsupported records an UnsupportedError.
func (p *Parser) unsupported(feature string) {
	p.errors = append(p.errors, &UnsupportedError{Feature: feature})
}

func (p *Parser) tokenText(tok Token) string {
	switch tok.Type {
	case TOKEN_STRING:
		return "'" + tok.Literal + "'"
	case TOKEN_PARAM:
		return "$" + tok.Literal
	}
	return tok.Literal
}

// identName returns the catalog form of an identifier token: unquoted names
// fold to lower case, quoted names keep their spelling.
func identName(tok Token) string {
	if tok.Quoted {
		return tok.Literal
	}
	return strings.ToLower(tok.Literal)
}

// isNameToken reports whether tok can name a column, table or alias.
func isNameToken(tok Token) bool {
	return tok.Type == TOKEN_IDENT
}

// isAliasReserved lists unreserved-looking words that still cannot be used
// as a bare alias because they begin a clause this parser rejects.
func isAliasReserved(tok Token) bool {
	if tok.Type != TOKEN_IDENT || tok.Quoted {
		return false
	}
	switch strings.ToLower(tok.Literal) {
	case "natural", "lateral", "fetch", "tablesample", "returning":
		return true
	}
	return false
}

// consumeUntilEnd consumes all tokens up to the end of the current statement.
// Used for statements that are only classified, never executed.
func (p *Parser) consumeUntilEnd() {
	for !p.check(TOKEN_EOF) && !p.check(TOKEN_SEMICOLON) {
		p.nextToken()
	}
}

// parseInt parses an integer literal token value.
func parseInt(lit string) (int64, bool) {
	n, err := strconv.ParseInt(lit, 10, 64)
	return n, err == nil
}
