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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{"single", "SELECT 1", []string{"SELECT 1"}},
		{"trailing semicolon", "SELECT 1;", []string{"SELECT 1"}},
		{"two statements", "SELECT 1; SELECT 2;", []string{"SELECT 1", "SELECT 2"}},
		{"semicolon in literal", "SELECT ';'; SELECT 2", []string{"SELECT ';'", "SELECT 2"}},
		{"comment only segment", "-- header\n; SELECT 1", []string{"SELECT 1"}},
		{"comments kept", "/* c */ SELECT 1 -- tail", []string{"/* c */ SELECT 1 -- tail"}},
		{"empty", "  ;; ", nil},
		{"executable comment kept", "SELECT 1; /*! DROP TABLE t */", []string{"SELECT 1", "/*! DROP TABLE t */"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Split(tt.src, DialectGeneric)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitDollarQuoted(t *testing.T) {
	got, err := Split("SELECT $$a;b$$; SELECT 2", DialectPostgres)
	require.NoError(t, err)
	assert.Equal(t, []string{"SELECT $$a;b$$", "SELECT 2"}, got)
}

func TestParseStatementSyntax(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		code string
	}{
		{"empty", "", "empty_statement"},
		{"comment only", "/* nothing */", "empty_statement"},
		{"executable comment", "/*! SELECT 1 */", "executable_comment"},
		{"unbalanced open", "SELECT (1", "unbalanced_parentheses"},
		{"unbalanced close", "SELECT 1)", "unbalanced_parentheses"},
		{"illegal character", `SELECT \ 1`, "illegal_character"},
		{"missing from target", "SELECT * FROM", "incomplete_statement"},
		{"comma before from", "SELECT a, FROM t", "incomplete_statement"},
		{"dangling where", "SELECT a FROM t WHERE", "incomplete_statement"},
		{"dangling operator", "SELECT a +", "incomplete_statement"},
		{"trailing comma", "SELECT a,", "incomplete_statement"},
		{"delete without from", "DELETE products", "incomplete_statement"},
		{"update without set", "UPDATE products price = 1", "incomplete_statement"},
		{"insert without values", "INSERT INTO products", "incomplete_statement"},
		{"with without statement", "WITH x AS (SELECT 1)", "incomplete_statement"},
		{"empty cte body", "WITH x AS () SELECT 1", "incomplete_statement"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, serr := parseStatement(0, tt.sql, DialectGeneric)
			require.NotNil(t, serr)
			assert.Nil(t, st)
			assert.Equal(t, tt.code, serr.Code)
		})
	}
}

func TestParseStatementAcceptsValidShapes(t *testing.T) {
	for _, sql := range []string{
		"SELECT 1",
		"SELECT * FROM t",
		"SELECT a FROM t WHERE b BETWEEN 1 AND 2 ORDER BY a LIMIT 10",
		"INSERT INTO t DEFAULT VALUES",
		"INSERT INTO t (a) SELECT a FROM s",
		"INSERT INTO t (a) VALUES (1) ON CONFLICT (a) DO UPDATE SET a = 2",
		"INSERT INTO t (a) VALUES (1) ON DUPLICATE KEY UPDATE a = 2",
		"UPDATE t SET a = 1 WHERE id = 1",
		"DELETE FROM t WHERE id = 1",
		"SELECT a FROM t FOR UPDATE",
		"SELECT a FROM t FOR NO KEY UPDATE",
		"WITH x AS (SELECT 1 AS a) SELECT a FROM x",
		"CREATE TABLE t (id int, name text)",
		"((SELECT 1))",
	} {
		_, serr := parseStatement(0, sql, DialectGeneric)
		assert.Nil(t, serr, sql)
	}
}

func TestSkeleton(t *testing.T) {
	st, serr := parseStatement(0, `select "Name", 'secret' from s.t -- note`, DialectGeneric)
	require.Nil(t, serr)
	assert.Equal(t, `SELECT "name" , '' FROM S.T`, st.skeleton)
	require.Len(t, st.comments, 1)
}
