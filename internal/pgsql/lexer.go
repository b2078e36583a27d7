package pgsql

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Lexer tokenizes SQL input.
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      byte // current char under examination
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

// readChar advances to the next character.
func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0 // NUL = EOF
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

// peekChar returns the next character without advancing.
func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespaceAndComments()

	start := l.pos
	var tok Token

	switch l.ch {
	case 0:
		if l.pos < len(l.input) {
			// an embedded NUL byte is never valid SQL
			tok = Token{Type: TOKEN_ILLEGAL, Literal: "\\0"}
			break
		}
		return Token{Type: TOKEN_EOF, Pos: len(l.input)}
	case '+':
		tok = Token{Type: TOKEN_PLUS, Literal: "+"}
	case '-':
		tok = Token{Type: TOKEN_MINUS, Literal: "-"}
	case '*':
		tok = Token{Type: TOKEN_STAR, Literal: "*"}
	case '/':
		tok = Token{Type: TOKEN_SLASH, Literal: "/"}
	case '%':
		tok = Token{Type: TOKEN_MOD, Literal: "%"}
	case '=':
		tok = Token{Type: TOKEN_EQ, Literal: "="}
	case '<':
		switch l.peekChar() {
		case '=':
			l.readChar()
			tok = Token{Type: TOKEN_LE, Literal: "<="}
		case '>':
			l.readChar()
			tok = Token{Type: TOKEN_NE, Literal: "<>"}
		default:
			tok = Token{Type: TOKEN_LT, Literal: "<"}
		}
	case '>':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TOKEN_GE, Literal: ">="}
		} else {
			tok = Token{Type: TOKEN_GT, Literal: ">"}
		}
	case '!':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TOKEN_NE, Literal: "!="}
		} else {
			tok = Token{Type: TOKEN_ILLEGAL, Literal: string(l.ch)}
		}
	case '|':
		if l.peekChar() == '|' {
			l.readChar()
			tok = Token{Type: TOKEN_DPIPE, Literal: "||"}
		} else {
			tok = Token{Type: TOKEN_ILLEGAL, Literal: string(l.ch)}
		}
	case '.':
		if isDigit(l.peekChar()) {
			tok = Token{Type: TOKEN_NUMBER, Literal: l.readNumber(), Pos: start}
			return tok
		}
		tok = Token{Type: TOKEN_DOT, Literal: "."}
	case ',':
		tok = Token{Type: TOKEN_COMMA, Literal: ","}
	case ';':
		tok = Token{Type: TOKEN_SEMICOLON, Literal: ";"}
	case '(':
		tok = Token{Type: TOKEN_LPAREN, Literal: "("}
	case ')':
		tok = Token{Type: TOKEN_RPAREN, Literal: ")"}
	case ':':
		if l.peekChar() == ':' {
			l.readChar()
			tok = Token{Type: TOKEN_DCOLON, Literal: "::"}
		} else {
			tok = Token{Type: TOKEN_ILLEGAL, Literal: ":"}
		}
	case '$':
		if next := l.peekChar(); next == '$' || isLetter(next) || next == '_' {
			lit, ok := l.readDollarString()
			if !ok {
				return Token{Type: TOKEN_ILLEGAL, Literal: "unterminated dollar-quoted string", Pos: start}
			}
			return Token{Type: TOKEN_STRING, Literal: lit, Pos: start}
		}
		l.readChar() // advance past $
		digits := l.pos
		for isDigit(l.ch) {
			l.readChar()
		}
		if l.pos == digits {
			return Token{Type: TOKEN_ILLEGAL, Literal: "$", Pos: start}
		}
		return Token{Type: TOKEN_PARAM, Literal: l.input[digits:l.pos], Pos: start}
	case '\'':
		lit, ok := l.readString()
		if !ok {
			return Token{Type: TOKEN_ILLEGAL, Literal: "unterminated quoted string", Pos: start}
		}
		return Token{Type: TOKEN_STRING, Literal: lit, Pos: start}
	case '"':
		lit, ok := l.readQuotedIdentifier()
		if !ok {
			return Token{Type: TOKEN_ILLEGAL, Literal: "unterminated quoted identifier", Pos: start}
		}
		return Token{Type: TOKEN_IDENT, Literal: lit, Pos: start, Quoted: true}
	default:
		switch {
		case (l.ch == 'E' || l.ch == 'e') && l.peekChar() == '\'':
			l.readChar()
			lit, err := l.readEscapeString()
			if err != "" {
				return Token{Type: TOKEN_ILLEGAL, Literal: err, Pos: start}
			}
			return Token{Type: TOKEN_STRING, Literal: lit, Pos: start}
		case isLetter(l.ch) || l.ch == '_':
			literal := l.readIdentifier()
			lower := strings.ToLower(literal)
			return Token{Type: lookupKeyword(lower), Literal: literal, Pos: start}
		case isDigit(l.ch):
			return Token{Type: TOKEN_NUMBER, Literal: l.readNumber(), Pos: start}
		default:
			tok = Token{Type: TOKEN_ILLEGAL, Literal: string(l.ch)}
		}
	}

	tok.Pos = start
	l.readChar()
	return tok
}

// skipWhitespaceAndComments skips whitespace and SQL comments.
func (l *Lexer) skipWhitespaceAndComments() {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' || l.ch == '\f' {
			l.readChar()
		}
		// Line comment (-- ...)
		if l.ch == '-' && l.peekChar() == '-' {
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
			continue
		}
		// Block comment (/* ... */), nesting as PostgreSQL does
		if l.ch == '/' && l.peekChar() == '*' {
			depth := 0
			for l.ch != 0 {
				if l.ch == '/' && l.peekChar() == '*' {
					depth++
					l.readChar()
					l.readChar()
					continue
				}
				if l.ch == '*' && l.peekChar() == '/' {
					depth--
					l.readChar()
					l.readChar()
					if depth == 0 {
						break
					}
					continue
				}
				l.readChar()
			}
			continue
		}
		break
	}
}

// readString reads a single-quoted string literal.
// Handles '' escape for embedded quotes.
func (l *Lexer) readString() (string, bool) {
	l.readChar() // skip opening quote
	var result strings.Builder
	for l.pos < len(l.input) {
		if l.ch == '\'' {
			if l.peekChar() == '\'' {
				result.WriteByte('\'')
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar() // skip closing quote
			return result.String(), true
		}
		result.WriteByte(l.ch)
		l.readChar()
	}
	return "", false
}

// readEscapeString reads an E'...' string body, decoding backslash escapes.
// The current char is the opening quote. A non-empty second result
// describes a malformed literal.
func (l *Lexer) readEscapeString() (string, string) {
	l.readChar() // skip opening quote
	var result strings.Builder
	for l.pos < len(l.input) {
		switch l.ch {
		case '\'':
			if l.peekChar() == '\'' {
				result.WriteByte('\'')
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar()
			return result.String(), ""
		case '\\':
			l.readChar()
			if l.pos >= len(l.input) {
				return "", "unterminated quoted string"
			}
			if msg := l.readEscape(&result); msg != "" {
				return "", msg
			}
			continue
		}
		result.WriteByte(l.ch)
		l.readChar()
	}
	return "", "unterminated quoted string"
}

var simpleEscapes = map[byte]byte{'b': '\b', 'f': '\f', 'n': '\n', 'r': '\r', 't': '\t'}

// readEscape decodes one escape sequence; the current char follows the
// backslash.
func (l *Lexer) readEscape(b *strings.Builder) string {
	switch c := l.ch; {
	case simpleEscapes[c] != 0:
		b.WriteByte(simpleEscapes[c])
		l.readChar()
	case c >= '0' && c <= '7':
		v := 0
		for i := 0; i < 3 && l.ch >= '0' && l.ch <= '7'; i++ {
			v = v*8 + int(l.ch-'0')
			l.readChar()
		}
		b.WriteByte(byte(v))
	case c == 'x':
		l.readChar()
		v, n := l.readHex(2)
		if n == 0 {
			return "invalid hexadecimal escape"
		}
		b.WriteByte(byte(v))
	case c == 'u' || c == 'U':
		width := 4
		if c == 'U' {
			width = 8
		}
		l.readChar()
		v, n := l.readHex(width)
		if n != width || !utf8.ValidRune(rune(v)) {
			return "invalid Unicode escape value"
		}
		b.WriteRune(rune(v))
	default:
		b.WriteByte(c)
		l.readChar()
	}
	return ""
}

// readHex reads up to limit hex digits and returns their value and count.
func (l *Lexer) readHex(limit int) (int, int) {
	v, n := 0, 0
	for ; n < limit; n++ {
		d, ok := hexValue(l.ch)
		if !ok {
			break
		}
		v = v*16 + d
		l.readChar()
	}
	return v, n
}

func hexValue(ch byte) (int, bool) {
	switch {
	case ch >= '0' && ch <= '9':
		return int(ch - '0'), true
	case ch >= 'a' && ch <= 'f':
		return int(ch-'a') + 10, true
	case ch >= 'A' && ch <= 'F':
		return int(ch-'A') + 10, true
	}
	return 0, false
}

// readDollarString reads a $tag$...$tag$ literal. The body is taken
// verbatim.
func (l *Lexer) readDollarString() (string, bool) {
	open := l.pos
	l.readChar() // skip $
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
		l.readChar()
	}
	if l.ch != '$' {
		return "", false
	}
	delim := l.input[open : l.pos+1]
	body := l.pos + 1
	end := strings.Index(l.input[body:], delim)
	if end < 0 {
		return "", false
	}
	l.readPos = body + end + len(delim)
	l.readChar()
	return l.input[body : body+end], true
}

// readQuotedIdentifier reads a double-quoted identifier.
// Handles "" escape for embedded double quotes.
func (l *Lexer) readQuotedIdentifier() (string, bool) {
	l.readChar() // skip opening quote
	var result strings.Builder
	for l.pos < len(l.input) {
		if l.ch == '"' {
			if l.peekChar() == '"' {
				result.WriteByte('"')
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar() // skip closing quote
			return result.String(), true
		}
		result.WriteByte(l.ch)
		l.readChar()
	}
	return "", false
}

// readIdentifier reads an unquoted identifier.
func (l *Lexer) readIdentifier() string {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' || l.ch == '$' {
		l.readChar()
	}
	return l.input[start:l.pos]
}

// readNumber reads a numeric literal (integer, decimal, or scientific).
func (l *Lexer) readNumber() string {
	start := l.pos
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && (isDigit(l.peekChar()) || start < l.pos) {
		l.readChar() // skip .
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if (l.ch == 'e' || l.ch == 'E') && (isDigit(l.peekChar()) || l.peekChar() == '+' || l.peekChar() == '-') {
		l.readChar()
		if l.ch == '+' || l.ch == '-' {
			l.readChar()
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[start:l.pos]
}

func isLetter(ch byte) bool {
	return unicode.IsLetter(rune(ch)) || ch >= 0x80
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
