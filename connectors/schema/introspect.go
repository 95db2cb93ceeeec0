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

package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"axonflow/querygate/connectors/base"
)

// Introspector reads table structure from a live database. Dialect packages
// implement it next to base.Dialect.
type Introspector interface {
	ListTables(ctx context.Context, q base.Queryer) ([]string, error)
	DescribeTable(ctx context.Context, q base.Queryer, table string) (*Table, error)
}

// SchemaNamer is implemented by introspectors that can name the schema or
// database their tables were listed from
type SchemaNamer interface {
	CurrentSchema(ctx context.Context, q base.Queryer) (string, error)
}

// InfoSchemaQueries are the per-dialect statements used by
// DescribeInformationSchema. Each takes the table name as its only argument.
//
//	Columns:     column_name, data_type, is_nullable ('YES'/'NO')
//	PrimaryKeys: column_name
//	ForeignKeys: column_name, referenced table, referenced column
//	RowEstimate: a single integer
type InfoSchemaQueries struct {
	Columns     string
	PrimaryKeys string
	ForeignKeys string
	RowEstimate string
}

// DescribeInformationSchema describes a table through information_schema
// style queries. A failing row estimate degrades to zero; the estimate is a
// hint for complexity scoring, never a correctness input.
func DescribeInformationSchema(ctx context.Context, q base.Queryer, queries InfoSchemaQueries, table string) (*Table, error) {
	t := &Table{Name: table}

	rows, err := q.QueryContext(ctx, queries.Columns, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	for rows.Next() {
		var c Column
		var nullable string
		if err := rows.Scan(&c.Name, &c.Type, &nullable); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		c.Nullable = nullable == "YES"
		t.Columns = append(t.Columns, c)
	}
	if err := closeRows(rows); err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("table %s has no visible columns", table)
	}

	pks, err := QueryStrings(ctx, q, queries.PrimaryKeys, table)
	if err != nil {
		return nil, fmt.Errorf("primary key of %s: %w", table, err)
	}
	for _, pk := range pks {
		if c, ok := t.Column(pk); ok {
			c.IsPK = true
		}
	}

	fkRows, err := q.QueryContext(ctx, queries.ForeignKeys, table)
	if err != nil {
		return nil, fmt.Errorf("foreign keys of %s: %w", table, err)
	}
	for fkRows.Next() {
		var col, refTable, refCol string
		if err := fkRows.Scan(&col, &refTable, &refCol); err != nil {
			_ = fkRows.Close()
			return nil, fmt.Errorf("scan foreign key of %s: %w", table, err)
		}
		if c, ok := t.Column(col); ok {
			c.FKRef = refTable + "." + refCol
		}
	}
	if err := closeRows(fkRows); err != nil {
		return nil, fmt.Errorf("foreign keys of %s: %w", table, err)
	}

	if queries.RowEstimate != "" {
		var est sql.NullInt64
		err := q.QueryRowContext(ctx, queries.RowEstimate, table).Scan(&est)
		switch {
		case err == nil && est.Valid && est.Int64 > 0:
			t.RowCountEstimate = est.Int64
		case err != nil && !errors.Is(err, sql.ErrNoRows) && ctx.Err() != nil:
			return nil, ctx.Err()
		}
	}
	return t, nil
}

// QueryStrings runs a single-column query and collects the results
func QueryStrings(ctx context.Context, q base.Queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, s)
	}
	return out, closeRows(rows)
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	return rows.Close()
}
