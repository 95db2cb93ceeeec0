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

import "strings"

// TokenKind identifies a lexical token class
type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenWord
	TokenQuoted
	TokenString
	TokenNumber
	TokenParam
	TokenOperator
	TokenComma
	TokenDot
	TokenLParen
	TokenRParen
	TokenSemicolon
	TokenComment
	TokenIllegal
)

var tokenKindNames = [...]string{
	TokenEOF:       "EOF",
	TokenWord:      "WORD",
	TokenQuoted:    "QUOTED",
	TokenString:    "STRING",
	TokenNumber:    "NUMBER",
	TokenParam:     "PARAM",
	TokenOperator:  "OPERATOR",
	TokenComma:     "COMMA",
	TokenDot:       "DOT",
	TokenLParen:    "LPAREN",
	TokenRParen:    "RPAREN",
	TokenSemicolon: "SEMICOLON",
	TokenComment:   "COMMENT",
	TokenIllegal:   "ILLEGAL",
}

func (k TokenKind) String() string {
	if int(k) < len(tokenKindNames) {
		return tokenKindNames[k]
	}
	return "UNKNOWN"
}

// Token is one lexeme. Text is the raw source; Value is the identifier
// name for quoted identifiers, the body for strings and comments, and the
// text otherwise.
type Token struct {
	Kind  TokenKind
	Text  string
	Value string
	Pos   int
}

// Upper returns the upper-cased word for keyword comparisons
func (t Token) Upper() string {
	if t.Kind != TokenWord {
		return ""
	}
	return strings.ToUpper(t.Text)
}

// Is reports whether t is the unquoted keyword kw
func (t Token) Is(kw string) bool {
	return t.Kind == TokenWord && strings.EqualFold(t.Text, kw)
}

// IsAny reports whether t is one of the unquoted keywords
func (t Token) IsAny(kws ...string) bool {
	if t.Kind != TokenWord {
		return false
	}
	for _, kw := range kws {
		if strings.EqualFold(t.Text, kw) {
			return true
		}
	}
	return false
}

// isIdent reports whether t can name a table or column
func (t Token) isIdent() bool {
	return t.Kind == TokenQuoted || (t.Kind == TokenWord && !isReserved(t.Upper()))
}

// name returns the identifier as the database would compare it,
// case-folded for unquoted words
func (t Token) name() string {
	if t.Kind == TokenQuoted {
		return t.Value
	}
	return t.Text
}

func (t Token) end() int {
	return t.Pos + len(t.Text)
}
