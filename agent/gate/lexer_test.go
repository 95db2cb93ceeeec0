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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(toks []Token) []TokenKind {
	out := make([]TokenKind, len(toks))
	for i, tok := range toks {
		out[i] = tok.Kind
	}
	return out
}

func TestTokenize(t *testing.T) {
	toks, err := Tokenize("SELECT a, 'it''s' FROM t WHERE b >= 1.5", DialectGeneric)
	require.NoError(t, err)

	assert.Equal(t, []TokenKind{
		TokenWord, TokenWord, TokenComma, TokenString, TokenWord, TokenWord,
		TokenWord, TokenWord, TokenOperator, TokenNumber,
	}, kinds(toks))
	assert.Equal(t, "it's", toks[3].Value)
	assert.Equal(t, "'it''s'", toks[3].Text)
	assert.Equal(t, ">=", toks[8].Text)
	assert.Equal(t, "1.5", toks[9].Text)
}

func TestTokenizeParameters(t *testing.T) {
	for _, tc := range []struct {
		src     string
		dialect Dialect
	}{
		{"$1", DialectPostgres},
		{"?", DialectGeneric},
		{":name", DialectGeneric},
		{"@v", DialectMySQL},
		{"@@version", DialectMySQL},
		{"$name", DialectSQLite},
	} {
		toks, err := Tokenize(tc.src, tc.dialect)
		require.NoError(t, err, tc.src)
		require.Len(t, toks, 1, tc.src)
		assert.Equal(t, TokenParam, toks[0].Kind, tc.src)
	}
}

func TestTokenizeComments(t *testing.T) {
	toks, err := Tokenize("SELECT 1 -- trailing\n/* block */", DialectGeneric)
	require.NoError(t, err)
	require.Len(t, toks, 4)
	assert.Equal(t, TokenComment, toks[2].Kind)
	assert.Equal(t, "trailing", toks[2].Value)
	assert.Equal(t, "block", toks[3].Value)

	toks, err = Tokenize("SELECT 1 # note", DialectMySQL)
	require.NoError(t, err)
	assert.Equal(t, TokenComment, toks[2].Kind)

	toks, err = Tokenize("SELECT 1 --1", DialectMySQL)
	require.NoError(t, err)
	assert.Equal(t, TokenOperator, toks[2].Kind, "MySQL needs whitespace after --")
}

func TestTokenizeQuoting(t *testing.T) {
	toks, err := Tokenize(`SELECT "Order Id" FROM "My Table"`, DialectPostgres)
	require.NoError(t, err)
	assert.Equal(t, TokenQuoted, toks[1].Kind)
	assert.Equal(t, "Order Id", toks[1].Value)

	toks, err = Tokenize("SELECT `id` FROM `t`", DialectMySQL)
	require.NoError(t, err)
	assert.Equal(t, TokenQuoted, toks[1].Kind)
	assert.Equal(t, "id", toks[1].Value)

	toks, err = Tokenize(`SELECT "text"`, DialectMySQL)
	require.NoError(t, err)
	assert.Equal(t, TokenString, toks[1].Kind, "MySQL reads double quotes as strings")

	toks, err = Tokenize(`SELECT 'a\'b'`, DialectMySQL)
	require.NoError(t, err)
	require.Len(t, toks, 2)
	assert.Equal(t, TokenString, toks[1].Kind)

	toks, err = Tokenize("SELECT $$a;b$$", DialectPostgres)
	require.NoError(t, err)
	require.Len(t, toks, 2)
	assert.Equal(t, "a;b", toks[1].Value)

	toks, err = Tokenize("SELECT E'x\\'y'", DialectPostgres)
	require.NoError(t, err)
	require.Len(t, toks, 2)
	assert.Equal(t, TokenString, toks[1].Kind)
}

func TestTokenizeErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		dialect Dialect
		code    string
	}{
		{"unterminated string", "SELECT 'abc", DialectGeneric, "unterminated_string"},
		{"unterminated identifier", `SELECT "abc`, DialectGeneric, "unterminated_identifier"},
		{"unterminated comment", "SELECT 1 /* open", DialectGeneric, "unterminated_comment"},
		{"nested comment", "SELECT 1 /* a /* b */ */", DialectGeneric, "nested_comment"},
		{"ambiguous comment", "SELECT 1 --1", DialectGeneric, "ambiguous_comment"},
		{"ambiguous escape", `SELECT 'a\'b'`, DialectGeneric, "ambiguous_escape"},
		{"unterminated dollar", "SELECT $$abc", DialectPostgres, "unterminated_string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Tokenize(tt.src, tt.dialect)
			require.Error(t, err)
			var se *SyntaxError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.code, se.Code)
		})
	}
}

func TestTokenizeIllegalCharacters(t *testing.T) {
	toks, err := Tokenize("SELECT # 1", DialectGeneric)
	require.NoError(t, err)
	assert.Equal(t, TokenIllegal, toks[1].Kind)

	toks, err = Tokenize("SELECT `a`", DialectPostgres)
	require.NoError(t, err)
	assert.Equal(t, TokenIllegal, toks[1].Kind)
}
