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
	"errors"
	"strings"
)

// statement is one parsed statement of a batch
type statement struct {
	index    int
	sql      string
	dialect  Dialect
	tokens   []Token // significant tokens: comments and semicolons removed
	comments []Token
	depth    []int // parenthesis nesting; a parenthesis carries its outer depth
	match    []int // partner of each parenthesis, -1 for other tokens
	parent   []int // innermost enclosing '(' or -1
	ctes     []cte // leading WITH list
	main     int   // first token of the statement proper
	skeleton string
	ops      []operation
}

type cte struct {
	name    int
	columns []int
	open    int // '(' opening the body
	close   int
}

// Split breaks src into statements at semicolons outside literals and
// comments. Segments holding only whitespace or ordinary comments are
// dropped. Each returned statement runs from its first token to its last,
// comments included, without the terminating semicolon.
func Split(src string, dialect Dialect) ([]string, error) {
	toks, err := Tokenize(src, dialect)
	if err != nil {
		return nil, err
	}

	var out []string
	first, last := -1, -1
	significant := false
	flush := func() {
		if significant {
			out = append(out, src[toks[first].Pos:toks[last].end()])
		}
		first, last, significant = -1, -1, false
	}
	for i, tok := range toks {
		if tok.Kind == TokenSemicolon {
			flush()
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
		if tok.Kind != TokenComment || isExecutableComment(tok) {
			significant = true
		}
	}
	flush()
	return out, nil
}

// isExecutableComment reports MySQL /*! ... */ and MariaDB /*M! ... */
// comments, whose bodies the server runs as SQL
func isExecutableComment(tok Token) bool {
	return tok.Kind == TokenComment &&
		(strings.HasPrefix(tok.Text, "/*!") || strings.HasPrefix(tok.Text, "/*M!"))
}

// parseStatement tokenizes one statement and runs the structural checks
func parseStatement(index int, src string, dialect Dialect) (*statement, *SyntaxError) {
	toks, err := Tokenize(src, dialect)
	if err != nil {
		var se *SyntaxError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, syntaxErr(0, "invalid_input", "%v", err)
	}

	st := &statement{index: index, sql: src, dialect: dialect, main: -1}
	for _, tok := range toks {
		switch tok.Kind {
		case TokenComment:
			st.comments = append(st.comments, tok)
		case TokenSemicolon:
		default:
			st.tokens = append(st.tokens, tok)
		}
	}

	if serr := st.structure(); serr != nil {
		return nil, serr
	}
	if serr := st.checkSyntax(); serr != nil {
		return nil, serr
	}
	st.skeleton = st.buildSkeleton()
	return st, nil
}

// at returns the token at i, or an EOF token past either end
func (st *statement) at(i int) Token {
	if i < 0 || i >= len(st.tokens) {
		return Token{Kind: TokenEOF, Pos: len(st.sql)}
	}
	return st.tokens[i]
}

func (st *statement) structure() *SyntaxError {
	n := len(st.tokens)
	if n == 0 {
		if len(st.comments) > 0 && isExecutableComment(st.comments[0]) {
			return syntaxErr(st.comments[0].Pos, "executable_comment", "statement consists of an executable comment")
		}
		return syntaxErr(0, "empty_statement", "statement is empty")
	}

	st.depth = make([]int, n)
	st.match = make([]int, n)
	st.parent = make([]int, n)
	var stack []int
	for i, tok := range st.tokens {
		st.match[i] = -1
		st.parent[i] = -1
		if len(stack) > 0 {
			st.parent[i] = stack[len(stack)-1]
		}
		st.depth[i] = len(stack)

		switch tok.Kind {
		case TokenIllegal:
			return syntaxErr(tok.Pos, "illegal_character", "unexpected character %q", tok.Text)
		case TokenLParen:
			stack = append(stack, i)
		case TokenRParen:
			if len(stack) == 0 {
				return syntaxErr(tok.Pos, "unbalanced_parentheses", "unexpected ')'")
			}
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			st.match[open], st.match[i] = i, open
			st.depth[i] = len(stack)
			st.parent[i] = st.parent[open]
		}
	}
	if len(stack) > 0 {
		return syntaxErr(st.tokens[stack[0]].Pos, "unbalanced_parentheses", "'(' is never closed")
	}

	start := st.skipParens(0)
	st.main = start
	if st.isCTEStart(start) {
		ctes, main, serr := st.parseWith(start)
		if serr != nil {
			return serr
		}
		st.ctes = ctes
		st.main = st.skipParens(main)
	}
	return nil
}

func (st *statement) skipParens(i int) int {
	for st.at(i).Kind == TokenLParen {
		i++
	}
	return i
}

// isCTEStart reports whether the WITH at i opens a common table expression
// list rather than WITH ROLLUP, WITH TIME ZONE and similar modifiers
func (st *statement) isCTEStart(i int) bool {
	if !st.at(i).Is("WITH") {
		return false
	}
	next := st.at(i + 1)
	if next.Is("RECURSIVE") {
		return true
	}
	after := st.at(i + 2)
	return next.isIdent() && (after.Is("AS") || after.Kind == TokenLParen)
}

// startsQuery reports whether the tokens at i begin a nested statement
func (st *statement) startsQuery(i int) bool {
	tok := st.at(st.skipParens(i))
	return tok.IsAny("SELECT", "WITH", "VALUES", "TABLE", "INSERT", "UPDATE", "DELETE")
}

// parseWith reads the CTE list of the WITH at i and returns the index of
// the statement it prefixes
func (st *statement) parseWith(i int) ([]cte, int, *SyntaxError) {
	var ctes []cte
	j := i + 1
	if st.at(j).Is("RECURSIVE") {
		j++
	}
	for {
		name := st.at(j)
		if !name.isIdent() {
			return nil, 0, syntaxErr(name.Pos, "incomplete_statement", "WITH expects a table expression name")
		}
		c := cte{name: j}
		j++
		if st.at(j).Kind == TokenLParen {
			end := st.match[j]
			for k := j + 1; k < end; k++ {
				if st.tokens[k].isIdent() {
					c.columns = append(c.columns, k)
				}
			}
			j = end + 1
		}
		if !st.at(j).Is("AS") {
			return nil, 0, syntaxErr(st.at(j).Pos, "incomplete_statement", "table expression %s is missing AS", name.Text)
		}
		j++
		if st.at(j).Is("NOT") {
			j++
		}
		if st.at(j).Is("MATERIALIZED") {
			j++
		}
		if st.at(j).Kind != TokenLParen {
			return nil, 0, syntaxErr(st.at(j).Pos, "incomplete_statement", "table expression %s is missing its body", name.Text)
		}
		c.open, c.close = j, st.match[j]
		if c.close == c.open+1 {
			return nil, 0, syntaxErr(st.at(j).Pos, "incomplete_statement", "table expression %s has an empty body", name.Text)
		}
		ctes = append(ctes, c)
		j = c.close + 1
		if st.at(j).Kind == TokenComma {
			j++
			continue
		}
		break
	}
	if j >= len(st.tokens) || st.depth[j] < st.depth[i] {
		return nil, 0, syntaxErr(st.at(j).Pos, "incomplete_statement", "WITH must be followed by a statement")
	}
	return ctes, j, nil
}

// needsOperand lists keywords that cannot end a clause
var needsOperand = wordSet(
	"SELECT", "FROM", "WHERE", "JOIN", "ON", "SET", "HAVING", "BY", "LIMIT", "OFFSET",
	"AND", "OR", "VALUES", "INTO", "UPDATE", "UNION", "INTERSECT", "EXCEPT", "RETURNING",
	"LIKE", "BETWEEN", "IN", "WHEN", "THEN",
)

// clauseStarts cannot directly follow a keyword in needsOperand
var clauseStarts = wordSet(
	"FROM", "WHERE", "GROUP", "ORDER", "HAVING", "LIMIT", "OFFSET", "UNION", "INTERSECT",
	"EXCEPT", "SET", "VALUES", "JOIN", "ON", "AND", "OR", "RETURNING", "THEN", "WHEN",
	"ELSE", "END",
)

var ddlKeywords = wordSet("CREATE", "DROP", "ALTER", "TRUNCATE", "RENAME", "COMMENT")

func (st *statement) checkSyntax() *SyntaxError {
	last := st.tokens[len(st.tokens)-1]
	switch last.Kind {
	case TokenComma, TokenDot:
		return syntaxErr(last.Pos, "incomplete_statement", "statement ends with %q", last.Text)
	case TokenOperator:
		if last.Text != "*" {
			return syntaxErr(last.Pos, "incomplete_statement", "statement ends with operator %q", last.Text)
		}
	}

	if _, ddl := ddlKeywords[st.at(st.main).Upper()]; ddl {
		return nil
	}

	for i, tok := range st.tokens {
		next := st.at(i + 1)
		if tok.Kind == TokenComma && (next.Is("FROM") || next.Kind == TokenRParen || next.Kind == TokenComma) {
			return syntaxErr(next.Pos, "incomplete_statement", "unexpected %q after ','", next.Text)
		}
		if _, ok := needsOperand[tok.Upper()]; !ok {
			continue
		}
		_, clash := clauseStarts[next.Upper()]
		if next.Kind != TokenEOF && next.Kind != TokenRParen && !clash {
			continue
		}
		prev := st.at(i - 1)
		switch {
		case tok.Is("VALUES") && prev.Is("DEFAULT"):
			continue
		case tok.Is("UPDATE") && prev.IsAny("FOR", "KEY", "DO"):
			continue
		}
		return syntaxErr(tok.Pos, "incomplete_statement", "%s is missing its operand", tok.Upper())
	}

	if serr := st.checkWriteShape(st.target(st.main)); serr != nil {
		return serr
	}
	for _, c := range st.ctes {
		if serr := st.checkWriteShape(st.skipParens(c.open + 1)); serr != nil {
			return serr
		}
	}
	return nil
}

// checkWriteShape verifies the mandatory clauses of an INSERT, UPDATE or
// DELETE starting at i
func (st *statement) checkWriteShape(i int) *SyntaxError {
	tok := st.at(i)
	word := tok.Upper()
	switch word {
	case "INSERT", "REPLACE":
		j := i + 1
		for st.at(j).IsAny("IGNORE", "LOW_PRIORITY", "DELAYED", "HIGH_PRIORITY") {
			j++
		}
		if st.at(j).Is("OR") {
			j += 2
		}
		if st.at(j).Is("INTO") {
			j++
		}
		if !st.at(j).isIdent() {
			return syntaxErr(st.at(j).Pos, "incomplete_statement", "%s is missing its target table", word)
		}
		if st.findAtDepth(i, "VALUES", "VALUE", "SELECT", "DEFAULT", "SET", "WITH", "TABLE") < 0 &&
			!st.hasParenQuery(j) {
			return syntaxErr(tok.Pos, "incomplete_statement", "%s is missing VALUES or a query", word)
		}
	case "UPDATE":
		if st.findAtDepth(i, "SET") < 0 {
			return syntaxErr(tok.Pos, "incomplete_statement", "UPDATE is missing SET")
		}
	case "DELETE":
		if st.findAtDepth(i, "FROM") < 0 {
			return syntaxErr(tok.Pos, "incomplete_statement", "DELETE is missing FROM")
		}
	}
	return nil
}

// findAtDepth returns the first keyword from kws after i at i's nesting
// depth, stopping where that nesting level closes
func (st *statement) findAtDepth(i int, kws ...string) int {
	d := st.depth[i]
	for k := i + 1; k < len(st.tokens) && st.depth[k] >= d; k++ {
		if st.depth[k] == d && st.tokens[k].IsAny(kws...) {
			return k
		}
	}
	return -1
}

// hasParenQuery reports a parenthesized query after the INSERT target at j
func (st *statement) hasParenQuery(j int) bool {
	d := st.depth[j]
	for k := j + 1; k < len(st.tokens) && st.depth[k] >= d; k++ {
		if st.depth[k] == d && st.tokens[k].Kind == TokenLParen && st.startsQuery(k+1) {
			return true
		}
	}
	return false
}

// dottedName reads a possibly qualified name starting at i. It returns the
// parts joined with dots and the index after the name.
func (st *statement) dottedName(i int) (string, int) {
	var parts []string
	for {
		tok := st.at(i)
		if tok.Kind != TokenWord && tok.Kind != TokenQuoted {
			break
		}
		parts = append(parts, tok.name())
		i++
		if st.at(i).Kind != TokenDot {
			break
		}
		if next := st.at(i + 1); next.Kind != TokenWord && next.Kind != TokenQuoted {
			break
		}
		i++
	}
	return strings.Join(parts, "."), i
}

// buildSkeleton renders the statement from its tokens: keywords upper
// case, quoted identifiers lower case in double quotes, string literals
// blanked and comments dropped. Tokens are separated by one space except
// around dots.
func (st *statement) buildSkeleton() string {
	var b strings.Builder
	for i, tok := range st.tokens {
		if i > 0 && tok.Kind != TokenDot && st.tokens[i-1].Kind != TokenDot {
			b.WriteByte(' ')
		}
		switch tok.Kind {
		case TokenWord:
			b.WriteString(tok.Upper())
		case TokenQuoted:
			b.WriteByte('"')
			b.WriteString(strings.ToLower(tok.Value))
			b.WriteByte('"')
		case TokenString:
			b.WriteString("''")
		default:
			b.WriteString(tok.Text)
		}
	}
	return b.String()
}
