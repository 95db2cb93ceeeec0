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
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/querygate/connectors/base"
	"axonflow/querygate/connectors/schema"
)

func testSnapshot() *schema.Snapshot {
	return schema.NewSnapshot("conn-1", []*schema.Table{
		{
			Name: "products",
			Columns: []schema.Column{
				{Name: "id", Type: "integer", IsPK: true},
				{Name: "name", Type: "text"},
				{Name: "price", Type: "numeric", Nullable: true},
			},
			RowCountEstimate: 120,
		},
		{
			Name: "orders",
			Columns: []schema.Column{
				{Name: "id", Type: "integer", IsPK: true},
				{Name: "user_id", Type: "integer", FKRef: "users.id"},
				{Name: "product_id", Type: "integer", FKRef: "products.id"},
				{Name: "total", Type: "numeric"},
			},
			RowCountEstimate: 5000,
		},
		{
			Name: "users",
			Columns: []schema.Column{
				{Name: "id", Type: "integer", IsPK: true},
				{Name: "email", Type: "text"},
			},
			RowCountEstimate: 900,
		},
	}, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
}

func readOnly() Policy {
	return Policy{Mode: ModeEnforce, MaxComplexityScore: 100}
}

func permitAll() Policy {
	return Policy{
		Mode:                ModeEnforce,
		AllowWrite:          true,
		AllowDelete:         true,
		AllowDDL:            true,
		AllowMultiStatement: true,
		MaxComplexityScore:  100,
	}
}

func evaluate(p Policy, stmts ...string) *Decision {
	return Evaluate(Input{Statements: stmts, Schema: testSnapshot(), Policy: p})
}

func requireRejected(t *testing.T, d *Decision, rule Rule, code string) Violation {
	t.Helper()
	require.False(t, d.Allowed, "expected rejection with %s", rule)
	require.NotEmpty(t, d.Violations)
	v := d.Violations[0]
	assert.Equal(t, rule, v.Rule, v.Message)
	if code != "" {
		assert.Equal(t, code, v.Code, v.Message)
	}
	return v
}

func TestEvaluateAllowsRead(t *testing.T) {
	d := evaluate(readOnly(), "SELECT id, name FROM products WHERE price > 10")

	require.True(t, d.Allowed, "%v", d.Violations)
	assert.Empty(t, d.Violations)
	require.Len(t, d.Statements, 1)
	st := d.Statements[0]
	assert.Equal(t, OpRead, st.Kind)
	assert.Equal(t, "SELECT", st.Keyword)
	assert.Equal(t, []string{"products"}, st.Tables)
	assert.Equal(t, "SELECT ID , NAME FROM PRODUCTS WHERE PRICE > 10", st.Skeleton)
	assert.Equal(t, 15, st.Complexity, "log10(121) rounds up to 3")
	assert.True(t, d.ReadOnly())
	assert.NoError(t, d.Err())
}

func TestEvaluateWriteNeedsAllowWrite(t *testing.T) {
	sql := "INSERT INTO products (name) VALUES ('x')"

	d := evaluate(readOnly(), sql)
	v := requireRejected(t, d, RulePermissionDenied, "write_not_allowed")
	assert.Equal(t, StagePermission, v.Stage)
	assert.Contains(t, v.Message, "INSERT")

	// rejected regardless of schema validity
	d = evaluate(readOnly(), "INSERT INTO missing (nope) VALUES ('x')")
	requireRejected(t, d, RulePermissionDenied, "write_not_allowed")

	p := readOnly()
	p.AllowWrite = true
	d = evaluate(p, sql)
	assert.True(t, d.Allowed, "%v", d.Violations)
	assert.Equal(t, OpInsert, d.Kind())
	assert.False(t, d.ReadOnly())
}

func TestEvaluateMultiStatement(t *testing.T) {
	d := evaluate(readOnly(), "SELECT 1; SELECT 2;")
	v := requireRejected(t, d, RuleMultiStatementNotAllowed, "multiple_statements")
	assert.Equal(t, -1, v.Statement)

	d = evaluate(readOnly(), "SELECT 1", "SELECT 2")
	requireRejected(t, d, RuleMultiStatementNotAllowed, "")

	p := readOnly()
	p.AllowMultiStatement = true
	d = evaluate(p, "SELECT 1; SELECT 2;")
	require.True(t, d.Allowed, "%v", d.Violations)
	assert.Equal(t, []string{"SELECT 1", "SELECT 2"}, d.SQL())
}

func TestEvaluateUnknownTable(t *testing.T) {
	for _, p := range []Policy{readOnly(), permitAll()} {
		d := evaluate(p, "SELECT * FROM nonexistent_table")
		v := requireRejected(t, d, RuleUnknownIdentifier, "unknown_table")
		assert.Equal(t, StageSchema, v.Stage)
		assert.Equal(t, 0, v.Statement)
	}
}

func TestEvaluateDDLBatchRejectsBeforeExecution(t *testing.T) {
	p := permitAll()
	p.AllowDDL = false

	d := evaluate(p, "CREATE TABLE x(id int); INSERT INTO x VALUES (1);")
	v := requireRejected(t, d, RulePermissionDenied, "ddl_not_allowed")
	assert.Equal(t, 0, v.Statement)
	assert.Contains(t, v.Message, "CREATE")
}

func TestEvaluateBatchSeesEarlierDDL(t *testing.T) {
	d := evaluate(permitAll(), "CREATE TABLE x(id int); INSERT INTO x (id) VALUES (1); SELECT id FROM x")
	require.True(t, d.Allowed, "%v", d.Violations)
	require.Len(t, d.Statements, 3)
	assert.Equal(t, OpDDL, d.Statements[0].Kind)
	assert.Equal(t, OpDDL, d.Kind())

	d = evaluate(permitAll(), "CREATE TABLE x(id int); INSERT INTO x (nope) VALUES (1)")
	v := requireRejected(t, d, RuleUnknownIdentifier, "unknown_column")
	assert.Equal(t, 1, v.Statement)

	d = evaluate(permitAll(), "DROP TABLE users; SELECT email FROM users")
	v = requireRejected(t, d, RuleUnknownIdentifier, "unknown_table")
	assert.Equal(t, 1, v.Statement)

	d = evaluate(permitAll(), "ALTER TABLE users ADD COLUMN nickname text; SELECT nickname FROM users")
	assert.True(t, d.Allowed, "%v", d.Violations)
}

func TestEvaluateDeletePermission(t *testing.T) {
	p := readOnly()
	p.AllowWrite = true
	d := evaluate(p, "DELETE FROM products WHERE id = 1")
	requireRejected(t, d, RulePermissionDenied, "delete_not_allowed")

	p.AllowDelete = true
	d = evaluate(p, "DELETE FROM products WHERE id = 1")
	assert.True(t, d.Allowed, "%v", d.Violations)

	p.AllowWrite = false
	d = evaluate(p, "DELETE FROM products WHERE id = 1")
	assert.True(t, d.Allowed, "delete is governed by allow_delete alone")
}

func TestEvaluateDataModifyingCTE(t *testing.T) {
	d := evaluate(readOnly(), "WITH d AS (DELETE FROM orders WHERE id = 1 RETURNING id) SELECT id FROM d")
	v := requireRejected(t, d, RulePermissionDenied, "delete_not_allowed")
	assert.Contains(t, v.Message, "DELETE")
	assert.Equal(t, []OperationKind{OpRead, OpDelete}, d.Statements[0].Kinds)
}

func TestEvaluateLockingRead(t *testing.T) {
	d := evaluate(readOnly(), "SELECT id FROM products WHERE id = 1 FOR UPDATE")
	v := requireRejected(t, d, RulePermissionDenied, "write_not_allowed")
	assert.Contains(t, v.Message, "FOR UPDATE")
}

func TestEvaluateUnsupportedOperation(t *testing.T) {
	d := evaluate(permitAll(), "VACUUM products")
	v := requireRejected(t, d, RuleUnsupportedOperation, "unsupported_operation")
	assert.Equal(t, StageClassification, v.Stage)
	assert.Contains(t, v.Message, "VACUUM")

	p := permitAll()
	p.Mode = ModePermissive
	d = evaluate(p, "SET ROLE admin")
	requireRejected(t, d, RuleUnsupportedOperation, "")
}

func TestEvaluateSyntaxError(t *testing.T) {
	tests := []struct {
		name string
		sql  []string
		code string
	}{
		{"unterminated string", []string{"SELECT 'abc"}, "unterminated_string"},
		{"incomplete", []string{"SELECT * FROM"}, "incomplete_statement"},
		{"empty", []string{"   "}, "empty_statement"},
		{"no input", nil, "empty_statement"},
		{"second statement", []string{"SELECT 1; SELECT (2"}, "unbalanced_parentheses"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := evaluate(readOnly(), tt.sql...)
			v := requireRejected(t, d, RuleSyntaxError, tt.code)
			assert.Equal(t, StageSyntax, v.Stage)
			assert.Empty(t, d.Statements)
		})
	}
}

func TestEvaluateSyntaxBeforeStatementCount(t *testing.T) {
	d := evaluate(readOnly(), "SELECT 1; SELECT 'x")
	requireRejected(t, d, RuleSyntaxError, "unterminated_string")
}

func TestEvaluateDangerousPatternIgnoresFlags(t *testing.T) {
	for _, mode := range ValidModes() {
		p := permitAll()
		p.Mode = mode
		d := evaluate(p, "DELETE FROM products")
		v := requireRejected(t, d, RuleDangerousPattern, "unbounded_write")
		assert.Equal(t, StageDangerousPattern, v.Stage)

		d = evaluate(p, "SELECT id FROM products WHERE id = 1 OR 1=1")
		requireRejected(t, d, RuleDangerousPattern, "constant_comparison_after_or")
	}
}

func TestEvaluateLiteralsDoNotTriggerPatterns(t *testing.T) {
	d := evaluate(readOnly(), "SELECT id FROM products WHERE name = 'x OR 1=1; DROP TABLE products'")
	assert.True(t, d.Allowed, "%v", d.Violations)
}

func TestEvaluateSchemaChecks(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		code string
	}{
		{"unknown column", "SELECT sku FROM products", "unknown_column"},
		{"unknown qualified column", "SELECT p.sku FROM products p", "unknown_column"},
		{"unknown qualifier", "SELECT x.id FROM products p", "unknown_qualifier"},
		{"unknown join table", "SELECT p.id FROM products p JOIN invoices i ON i.id = p.id", "unknown_table"},
		{"unknown insert column", "INSERT INTO products (sku) VALUES ('a')", "unknown_column"},
		{"unknown set column", "UPDATE products SET sku = 'a' WHERE id = 1", "unknown_column"},
		{"alias of other table", "SELECT u.total FROM users u JOIN orders o ON o.user_id = u.id", "unknown_column"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := evaluate(permitAll(), tt.sql)
			requireRejected(t, d, RuleUnknownIdentifier, tt.code)
		})
	}
}

func TestEvaluateSchemaAcceptsResolvableNames(t *testing.T) {
	for _, sql := range []string{
		"SELECT o.id, u.email FROM orders o JOIN users u ON u.id = o.user_id",
		"SELECT orders.total FROM orders",
		"SELECT id AS product_id FROM products ORDER BY product_id",
		"SELECT count(*) AS n FROM orders GROUP BY user_id HAVING count(*) > 1",
		"WITH recent AS (SELECT id, total FROM orders) SELECT total FROM recent",
		"SELECT s.n FROM (SELECT count(*) AS n FROM orders) s",
		"SELECT t.a FROM (VALUES (1), (2)) AS t(a)",
		`SELECT "email" FROM "users"`,
		"SELECT CAST(price AS varchar) FROM products",
		"SELECT id FROM products WHERE id IN (SELECT product_id FROM orders)",
		"SELECT p.name FROM products p WHERE EXISTS (SELECT 1 FROM orders o WHERE o.product_id = p.id)",
		"UPDATE products SET price = price * 2 WHERE id = 1",
		"SELECT 1",
	} {
		d := evaluate(permitAll(), sql)
		assert.True(t, d.Allowed, "%s: %v", sql, d.Violations)
	}
}

func TestEvaluateWithoutSchema(t *testing.T) {
	d := Evaluate(Input{Statements: []string{"SELECT 1"}, Policy: readOnly()})
	assert.True(t, d.Allowed, "%v", d.Violations)

	d = Evaluate(Input{Statements: []string{"SELECT id FROM products"}, Policy: readOnly()})
	requireRejected(t, d, RuleUnknownIdentifier, "schema_unavailable")
}

func TestEvaluateTableQualifiers(t *testing.T) {
	snap := testSnapshot()
	snap.Schema = "shop"
	eval := func(p Policy, sql string) *Decision {
		return Evaluate(Input{Statements: []string{sql}, Dialect: DialectMySQL, Schema: snap, Policy: p})
	}

	for _, sql := range []string{
		"SELECT email FROM billing.users",
		"SELECT id, email FROM other_tenant_db.users WHERE id = 1",
		"SELECT email FROM otherdb.public.users",
		"SELECT email FROM def.shop.users",
		"SELECT u.email FROM users u JOIN billing.invoices i ON i.user_id = u.id",
		"SELECT id FROM products WHERE id IN (SELECT product_id FROM archive.orders)",
		"INSERT INTO billing.users (email) VALUES ('x')",
		"INSERT INTO users (email) SELECT email FROM billing.users",
		"CREATE TABLE billing.copy (id int)",
		"DROP TABLE IF EXISTS billing.users",
	} {
		t.Run(sql, func(t *testing.T) {
			v := requireRejected(t, eval(permitAll(), sql), RuleDangerousPattern, "cross_database")
			assert.Equal(t, StageDangerousPattern, v.Stage)

			p := permitAll()
			p.Mode = ModePermissive
			requireRejected(t, eval(p, sql), RuleDangerousPattern, "cross_database")
		})
	}

	for _, sql := range []string{
		"SELECT email FROM shop.users",
		"SELECT shop.users.email FROM shop.users",
		"SELECT u.email FROM SHOP.users u WHERE u.id = 1",
		"SELECT o.total FROM shop.orders o JOIN users u ON u.id = o.user_id",
	} {
		d := eval(readOnly(), sql)
		assert.True(t, d.Allowed, "%s: %v", sql, d.Violations)
	}
}

func TestEvaluateTableQualifiersWithoutSchema(t *testing.T) {
	eval := func(sql string) *Decision {
		return Evaluate(Input{Statements: []string{sql}, Dialect: DialectPostgres, Policy: readOnly()})
	}
	requireRejected(t, eval("SELECT id FROM public.products"), RuleUnknownIdentifier, "schema_unavailable")
	requireRejected(t, eval("SELECT id FROM app.products"), RuleDangerousPattern, "cross_database")
}

func TestEvaluateComplexity(t *testing.T) {
	sql := "SELECT o.id FROM orders o JOIN users u ON u.id = o.user_id JOIN products p ON p.id = o.product_id"

	d := evaluate(permitAll(), sql)
	require.True(t, d.Allowed, "%v", d.Violations)
	f := d.Statements[0].Features
	assert.Equal(t, 2, f.Joins)
	assert.Equal(t, int64(6020), f.EstimatedRows)
	assert.Equal(t, 40, d.Statements[0].Complexity)

	p := permitAll()
	p.MaxComplexityScore = 39
	d = evaluate(p, sql)
	v := requireRejected(t, d, RuleComplexityExceeded, "complexity_exceeded")
	assert.Equal(t, StageComplexity, v.Stage)
	assert.Contains(t, v.Message, "40")
}

func TestEvaluateCustomCostFunc(t *testing.T) {
	g := New(WithCostFunc(func(f Features) int { return 1000 * f.Wildcards }))

	d := g.Evaluate(Input{Statements: []string{"SELECT * FROM products"}, Schema: testSnapshot(), Policy: readOnly()})
	requireRejected(t, d, RuleComplexityExceeded, "")

	d = g.Evaluate(Input{Statements: []string{"SELECT id FROM products"}, Schema: testSnapshot(), Policy: readOnly()})
	assert.True(t, d.Allowed, "%v", d.Violations)
	assert.Equal(t, 0, d.Statements[0].Complexity)
}

func TestEvaluateCustomPatterns(t *testing.T) {
	ps := NewPatternSet(&Pattern{
		Name:        "no_users",
		Category:    CategoryAdministrative,
		Regex:       regexp.MustCompile(`\bUSERS\b`),
		Description: "users table is off limits",
	})
	g := New(WithPatterns(ps))

	d := g.Evaluate(Input{Statements: []string{"SELECT email FROM users"}, Schema: testSnapshot(), Policy: readOnly()})
	requireRejected(t, d, RuleDangerousPattern, "no_users")
}

func TestEvaluatePermissiveMode(t *testing.T) {
	p := readOnly()
	p.Mode = ModePermissive
	p.MaxComplexityScore = 1

	d := evaluate(p, "INSERT INTO products (sku) VALUES ('x')")
	require.True(t, d.Allowed, "%v", d.Violations)
	assert.Len(t, d.Warnings, 3, "each downgraded stage warns")

	d = evaluate(p, "SELECT id FROM products")
	require.True(t, d.Allowed, "%v", d.Violations)
	require.Len(t, d.Warnings, 1)
	assert.Contains(t, d.Warnings[0], "ComplexityExceeded")

	d = evaluate(p, "SELECT 1; SELECT 2")
	requireRejected(t, d, RuleMultiStatementNotAllowed, "")
}

func TestEvaluateInvalidPolicy(t *testing.T) {
	d := evaluate(Policy{}, "SELECT 1")
	v := requireRejected(t, d, RuleInvalidPolicy, "invalid_policy")
	assert.Contains(t, v.Message, "Mode")

	d = evaluate(Policy{Mode: "lenient", MaxComplexityScore: 10}, "SELECT 1")
	requireRejected(t, d, RuleInvalidPolicy, "")

	d = evaluate(Policy{Mode: ModeEnforce}, "SELECT 1")
	requireRejected(t, d, RuleInvalidPolicy, "")
}

func TestEvaluateIsDeterministic(t *testing.T) {
	inputs := [][]string{
		{"SELECT o.id, u.email FROM orders o JOIN users u ON u.id = o.user_id"},
		{"CREATE TABLE x(id int); INSERT INTO x (id) VALUES (1); SELECT id FROM x"},
		{"SELECT * FROM nonexistent_table"},
		{"DELETE FROM products"},
		{"SELECT 'unterminated"},
	}
	for _, stmts := range inputs {
		first := evaluate(permitAll(), stmts...)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, evaluate(permitAll(), stmts...))
		}
	}
}

func TestDecisionErr(t *testing.T) {
	d := evaluate(readOnly(), "DELETE FROM products WHERE id = 1")
	err := d.Err()
	require.Error(t, err)
	assert.True(t, base.IsKind(err, base.KindPolicyViolation))
	assert.Equal(t, string(RulePermissionDenied), base.CodeOf(err))
	assert.False(t, base.IsRetryable(err))
	assert.Equal(t, RulePermissionDenied, d.Rule())

	var be *base.Error
	require.ErrorAs(t, err, &be)
	assert.Contains(t, be.Audience(), "DELETE")
}
