// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gate

import (
	"fmt"
	"strings"
)

// Dialect adjusts lexing to the target database's quoting rules
type Dialect string

const (
	// DialectGeneric applies the most conservative rules: any construct
	// that two databases would read differently is a syntax error.
	DialectGeneric  Dialect = ""
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// SyntaxError reports input the lexer or the structural checks refused
type SyntaxError struct {
	Code    string
	Message string
	Pos     int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at position %d: %s", e.Pos, e.Message)
}

func syntaxErr(pos int, code, format string, args ...any) *SyntaxError {
	return &SyntaxError{Code: code, Message: fmt.Sprintf(format, args...), Pos: pos}
}

type lexer struct {
	src     string
	pos     int
	dialect Dialect
	tokens  []Token
}

// Tokenize splits src into tokens, comments included. Unterminated
// literals, nested block comments and quoting that the dialect would
// read differently are rejected.
func Tokenize(src string, dialect Dialect) ([]Token, error) {
	l := &lexer{src: src, dialect: dialect}
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		if tok.Kind == TokenEOF {
			return l.tokens, nil
		}
		l.tokens = append(l.tokens, tok)
	}
}

func (l *lexer) peek(offset int) byte {
	if l.pos+offset >= len(l.src) {
		return 0
	}
	return l.src[l.pos+offset]
}

func (l *lexer) emit(kind TokenKind, start int, value string) Token {
	text := l.src[start:l.pos]
	if value == "" && kind != TokenString && kind != TokenQuoted && kind != TokenComment {
		value = text
	}
	return Token{Kind: kind, Text: text, Value: value, Pos: start}
}

func (l *lexer) lastSignificant() *Token {
	for i := len(l.tokens) - 1; i >= 0; i-- {
		if l.tokens[i].Kind != TokenComment {
			return &l.tokens[i]
		}
	}
	return nil
}

func (l *lexer) next() (Token, error) {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return Token{Kind: TokenEOF, Pos: l.pos}, nil
	}

	start := l.pos
	ch := l.src[l.pos]

	switch {
	case ch == '-' && l.peek(1) == '-':
		return l.lineComment(start)
	case ch == '/' && l.peek(1) == '*':
		return l.blockComment(start)
	case ch == '#':
		switch l.dialect {
		case DialectMySQL:
			return l.lineComment(start)
		case DialectPostgres:
			return l.operator(start), nil
		}
		l.pos++
		return l.emit(TokenIllegal, start, ""), nil
	case ch == '\'':
		return l.quoted(start, '\'', TokenString, l.dialect == DialectMySQL)
	case ch == '"':
		if l.dialect == DialectMySQL {
			return l.quoted(start, '"', TokenString, true)
		}
		return l.quoted(start, '"', TokenQuoted, false)
	case ch == '`':
		if l.dialect == DialectPostgres {
			l.pos++
			return l.emit(TokenIllegal, start, ""), nil
		}
		return l.quoted(start, '`', TokenQuoted, false)
	case ch == '$':
		return l.dollar(start)
	case ch == '?':
		l.pos++
		return l.emit(TokenParam, start, ""), nil
	case ch == ':':
		if l.peek(1) == ':' || l.peek(1) == '=' {
			l.pos += 2
			return l.emit(TokenOperator, start, ""), nil
		}
		if isIdentStart(l.peek(1)) {
			l.pos++
			l.readWord()
			return l.emit(TokenParam, start, ""), nil
		}
		l.pos++
		return l.emit(TokenOperator, start, ""), nil
	case ch == '@':
		if l.peek(1) == '@' || isIdentStart(l.peek(1)) {
			l.pos++
			if l.peek(0) == '@' {
				l.pos++
			}
			l.readWord()
			return l.emit(TokenParam, start, ""), nil
		}
		return l.operator(start), nil
	case ch == ',':
		l.pos++
		return l.emit(TokenComma, start, ""), nil
	case ch == ';':
		l.pos++
		return l.emit(TokenSemicolon, start, ""), nil
	case ch == '(':
		l.pos++
		return l.emit(TokenLParen, start, ""), nil
	case ch == ')':
		l.pos++
		return l.emit(TokenRParen, start, ""), nil
	case ch == '.':
		if isDigit(l.peek(1)) && !l.followsName() {
			return l.number(start), nil
		}
		l.pos++
		return l.emit(TokenDot, start, ""), nil
	case isDigit(ch):
		return l.number(start), nil
	case isIdentStart(ch):
		if (l.peek(1) == '\'') && strings.IndexByte("eEnNxXbB", ch) >= 0 {
			l.pos++
			escapes := (ch == 'e' || ch == 'E') || l.dialect == DialectMySQL
			tok, err := l.quoted(l.pos, '\'', TokenString, escapes)
			if err != nil {
				return tok, err
			}
			tok.Pos = start
			tok.Text = l.src[start:l.pos]
			return tok, nil
		}
		l.readWord()
		return l.emit(TokenWord, start, ""), nil
	case strings.IndexByte(operatorChars, ch) >= 0:
		return l.operator(start), nil
	case ch == '[' || ch == ']':
		l.pos++
		return l.emit(TokenOperator, start, ""), nil
	}

	l.pos++
	return l.emit(TokenIllegal, start, ""), nil
}

const operatorChars = "+-*/<>=~!%^&|"

// operator reads a run of operator characters, stopping before anything
// that starts a comment
func (l *lexer) operator(start int) Token {
	for l.pos < len(l.src) {
		ch := l.src[l.pos]
		if ch == '-' && l.peek(1) == '-' && l.pos > start {
			break
		}
		if ch == '/' && l.peek(1) == '*' && l.pos > start {
			break
		}
		if strings.IndexByte(operatorChars, ch) < 0 && !(ch == '#' && l.dialect == DialectPostgres) && !(ch == '@' && l.pos > start) {
			break
		}
		l.pos++
		// a lone '*' stays a token of its own so wildcards are visible
		if ch == '*' && l.pos-start == 1 {
			break
		}
	}
	if l.pos == start {
		l.pos++
	}
	return l.emit(TokenOperator, start, "")
}

func (l *lexer) lineComment(start int) (Token, error) {
	// MySQL only treats "-- " as a comment; "--1" is two minus signs
	if l.src[l.pos] == '-' {
		after := l.peek(2)
		if after != 0 && !isSpace(after) {
			switch l.dialect {
			case DialectMySQL:
				return l.operator(start), nil
			case DialectGeneric:
				return Token{}, syntaxErr(start, "ambiguous_comment",
					"'--' must be followed by whitespace to start a comment")
			}
		}
	}
	for l.pos < len(l.src) && l.src[l.pos] != '\n' {
		l.pos++
	}
	tok := l.emit(TokenComment, start, "")
	body := strings.TrimPrefix(tok.Text, "--")
	body = strings.TrimPrefix(body, "#")
	tok.Value = strings.TrimSpace(body)
	return tok, nil
}

func (l *lexer) blockComment(start int) (Token, error) {
	l.pos += 2
	for l.pos < len(l.src) {
		if l.src[l.pos] == '/' && l.peek(1) == '*' {
			// PostgreSQL nests block comments and MySQL does not
			return Token{}, syntaxErr(l.pos, "nested_comment", "nested block comments are not allowed")
		}
		if l.src[l.pos] == '*' && l.peek(1) == '/' {
			l.pos += 2
			tok := l.emit(TokenComment, start, "")
			tok.Value = strings.TrimSpace(tok.Text[2 : len(tok.Text)-2])
			return tok, nil
		}
		l.pos++
	}
	return Token{}, syntaxErr(start, "unterminated_comment", "unterminated block comment")
}

// quoted reads a quote-delimited string or identifier starting at the
// opening quote. A doubled quote is an escaped quote. When escapes is set a
// backslash escapes the next byte; otherwise a quote preceded by an odd
// run of backslashes is rejected because MySQL-style parsers would not end
// the literal there.
func (l *lexer) quoted(start int, quote byte, kind TokenKind, escapes bool) (Token, error) {
	l.pos++
	var body strings.Builder
	for l.pos < len(l.src) {
		ch := l.src[l.pos]
		switch {
		case ch == '\\' && escapes:
			if l.pos+1 >= len(l.src) {
				l.pos++
				continue
			}
			body.WriteByte(ch)
			body.WriteByte(l.src[l.pos+1])
			l.pos += 2
			continue
		case ch == quote && l.peek(1) == quote:
			body.WriteByte(quote)
			l.pos += 2
			continue
		case ch == quote:
			if !escapes && quote != '`' && oddBackslashesBefore(l.src, l.pos) && l.dialect != DialectSQLite {
				return Token{}, syntaxErr(l.pos, "ambiguous_escape",
					"backslash before closing quote is read differently by different databases")
			}
			l.pos++
			tok := l.emit(kind, start, "")
			tok.Value = body.String()
			return tok, nil
		}
		body.WriteByte(ch)
		l.pos++
	}

	if kind == TokenQuoted {
		return Token{}, syntaxErr(start, "unterminated_identifier", "unterminated quoted identifier")
	}
	return Token{}, syntaxErr(start, "unterminated_string", "unterminated string literal")
}

func oddBackslashesBefore(s string, pos int) bool {
	n := 0
	for i := pos - 1; i >= 0 && s[i] == '\\'; i-- {
		n++
	}
	return n%2 == 1
}

// dollar reads $1 parameters, and $tag$...$tag$ strings where the dialect
// has them
func (l *lexer) dollar(start int) (Token, error) {
	if isDigit(l.peek(1)) {
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
		return l.emit(TokenParam, start, ""), nil
	}
	if l.dialect == DialectMySQL || l.dialect == DialectSQLite {
		l.pos++
		l.readWord()
		return l.emit(TokenParam, start, ""), nil
	}

	// dollar-quoted string: $$ or $tag$
	end := l.pos + 1
	for end < len(l.src) && isIdentPart(l.src[end]) && l.src[end] != '$' {
		end++
	}
	if end >= len(l.src) || l.src[end] != '$' {
		l.pos++
		return l.emit(TokenIllegal, start, ""), nil
	}
	tag := l.src[start : end+1]
	bodyStart := end + 1
	idx := strings.Index(l.src[bodyStart:], tag)
	if idx < 0 {
		return Token{}, syntaxErr(start, "unterminated_string", "unterminated dollar-quoted string")
	}
	l.pos = bodyStart + idx + len(tag)
	tok := l.emit(TokenString, start, "")
	tok.Value = l.src[bodyStart : bodyStart+idx]
	return tok, nil
}

func (l *lexer) number(start int) Token {
	if l.src[l.pos] == '0' && (l.peek(1) == 'x' || l.peek(1) == 'X') {
		l.pos += 2
		for l.pos < len(l.src) && isHexDigit(l.src[l.pos]) {
			l.pos++
		}
		return l.emit(TokenNumber, start, "")
	}
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	if l.peek(0) == '.' && (isDigit(l.peek(1)) || (!isIdentStart(l.peek(1)) && l.peek(1) != '.')) {
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	if (l.peek(0) == 'e' || l.peek(0) == 'E') &&
		(isDigit(l.peek(1)) || ((l.peek(1) == '+' || l.peek(1) == '-') && isDigit(l.peek(2)))) {
		l.pos += 2
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	return l.emit(TokenNumber, start, "")
}

func (l *lexer) readWord() {
	for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
		l.pos++
	}
}

// followsName reports whether the previous token can be qualified with a
// dot, in which case ".5" is a dot followed by a number
func (l *lexer) followsName() bool {
	prev := l.lastSignificant()
	return prev != nil && (prev.Kind == TokenWord || prev.Kind == TokenQuoted || prev.Kind == TokenRParen)
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\f' || ch == '\v'
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isHexDigit(ch byte) bool {
	return isDigit(ch) || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch >= 0x80
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch) || ch == '$'
}
