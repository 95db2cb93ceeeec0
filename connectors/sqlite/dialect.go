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

// Package sqlite registers the SQLite dialect backed by modernc.org/sqlite.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"axonflow/querygate/connectors/base"
	"axonflow/querygate/connectors/schema"
)

// Dialect adapts SQLite files through the pure Go modernc.org/sqlite driver
type Dialect struct{}

func init() {
	base.RegisterDialect(Dialect{})
}

var _ schema.Introspector = Dialect{}

func (Dialect) Name() string       { return "sqlite" }
func (Dialect) DriverName() string { return "sqlite" }
func (Dialect) Schemes() []string  { return []string{"sqlite", "sqlite3"} }

// SupportsReadOnlyTx is false; reads are fenced with PRAGMA query_only instead.
func (Dialect) SupportsReadOnlyTx() bool { return false }
func (Dialect) ExplainPrefix() string    { return "EXPLAIN QUERY PLAN " }

func (Dialect) QuoteIdent(name string) string {
	return base.QuoteIdentifier(name, '"')
}

// ReadOnlyPragmas returns the statements that switch a connection into and
// out of query-only mode
func (Dialect) ReadOnlyPragmas() (on, off string) {
	return "PRAGMA query_only = ON", "PRAGMA query_only = OFF"
}

// BuildDSN resolves the database file. Paths follow the SQLAlchemy layout:
// sqlite:///relative.db and sqlite:////absolute/path.db. In-memory
// databases are rejected because each pooled connection would see its own.
// The file must already exist: it opens read-write, or read-only with
// ?mode=ro, and is never created.
func (Dialect) BuildDSN(u *url.URL, opts base.DSNOptions) (string, error) {
	if u.Host != "" {
		return "", base.NewError("sqlite", "build_dsn", base.KindConfig, "malformed_uri",
			"sqlite URI must not name a host; use sqlite:///path", nil)
	}
	path := strings.TrimPrefix(u.Path, "/")
	if path == "" || path == ":memory:" || u.Query().Get("mode") == "memory" {
		return "", base.NewError("sqlite", "build_dsn", base.KindConfig, "unsupported_database",
			"in-memory sqlite databases are not supported", nil)
	}

	busy := 5000
	if opts.ConnectTimeout > 0 {
		busy = int(opts.ConnectTimeout.Milliseconds())
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy))
	mode := "rw"
	if u.Query().Get("mode") == "ro" {
		mode = "ro"
	}
	q.Set("mode", mode)
	return "file:" + path + "?" + q.Encode(), nil
}

// ClassifyError maps SQLite result codes to reason codes. Busy and locked
// databases are transient.
func (Dialect) ClassifyError(err error) (string, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return base.ClassifyCommonError(err)
	}

	code := se.Code()
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return "unique_violation", false
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return "foreign_key_violation", false
	case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		return "not_null_violation", false
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		return "check_violation", false
	}

	msg := strings.ToLower(se.Error())
	switch code & 0xff {
	case sqlite3.SQLITE_CONSTRAINT:
		switch {
		case strings.Contains(msg, "unique constraint"):
			return "unique_violation", false
		case strings.Contains(msg, "foreign key constraint"):
			return "foreign_key_violation", false
		case strings.Contains(msg, "not null constraint"):
			return "not_null_violation", false
		}
		return "constraint_violation", false
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return "database_busy", true
	case sqlite3.SQLITE_READONLY:
		return "read_only_violation", false
	case sqlite3.SQLITE_INTERRUPT:
		return "query_canceled", false
	case sqlite3.SQLITE_CANTOPEN:
		return "unknown_database", false
	case sqlite3.SQLITE_MISMATCH:
		return "invalid_data", false
	}

	switch {
	case strings.Contains(msg, "no such table"):
		return "undefined_table", false
	case strings.Contains(msg, "no such column"):
		return "undefined_column", false
	case strings.Contains(msg, "syntax error"):
		return "syntax_error", false
	case strings.Contains(msg, "attempt to write a readonly database"):
		return "read_only_violation", false
	}
	return "sqlite_error", false
}

const (
	listTablesQuery = `SELECT name FROM sqlite_master
WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
ORDER BY name`

	columnsQuery     = `SELECT name, type, "notnull", pk FROM pragma_table_info(?)`
	foreignKeysQuery = `SELECT "from", "table", "to" FROM pragma_foreign_key_list(?)`
)

// CurrentSchema is always the main database; attached databases are never
// introspected
func (Dialect) CurrentSchema(context.Context, base.Queryer) (string, error) {
	return "main", nil
}

// ListTables lists user tables and views
func (Dialect) ListTables(ctx context.Context, q base.Queryer) ([]string, error) {
	return schema.QueryStrings(ctx, q, listTablesQuery)
}

// DescribeTable reads PRAGMA table_info and foreign_key_list. The row
// estimate is MAX(rowid), which is exact for append-only tables and cheap
// for all of them.
func (d Dialect) DescribeTable(ctx context.Context, q base.Queryer, table string) (*schema.Table, error) {
	t := &schema.Table{Name: table}

	rows, err := q.QueryContext(ctx, columnsQuery, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	for rows.Next() {
		var (
			c       schema.Column
			notNull int
			pk      int
		)
		if err := rows.Scan(&c.Name, &c.Type, &notNull, &pk); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		c.IsPK = pk > 0
		c.Nullable = notNull == 0 && !c.IsPK
		if c.Type == "" {
			c.Type = "ANY"
		}
		t.Columns = append(t.Columns, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	_ = rows.Close()
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("table %s has no visible columns", table)
	}

	fkRows, err := q.QueryContext(ctx, foreignKeysQuery, table)
	if err != nil {
		return nil, fmt.Errorf("foreign keys of %s: %w", table, err)
	}
	for fkRows.Next() {
		var from, refTable string
		var to *string
		if err := fkRows.Scan(&from, &refTable, &to); err != nil {
			_ = fkRows.Close()
			return nil, fmt.Errorf("scan foreign key of %s: %w", table, err)
		}
		if c, ok := t.Column(from); ok {
			// a NULL target references the parent's primary key
			c.FKRef = refTable
			if to != nil {
				c.FKRef += "." + *to
			}
		}
	}
	if err := fkRows.Err(); err != nil {
		_ = fkRows.Close()
		return nil, fmt.Errorf("foreign keys of %s: %w", table, err)
	}
	_ = fkRows.Close()

	var est *int64
	if err := q.QueryRowContext(ctx, "SELECT MAX(rowid) FROM "+d.QuoteIdent(table)).Scan(&est); err == nil && est != nil {
		t.RowCountEstimate = *est
	}
	return t, nil
}
