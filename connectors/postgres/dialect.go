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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"axonflow/querygate/connectors/base"
	"axonflow/querygate/connectors/schema"
)

// Dialect adapts PostgreSQL through lib/pq
type Dialect struct{}

func init() {
	base.RegisterDialect(Dialect{})
}

var _ schema.Introspector = Dialect{}

func (Dialect) Name() string       { return "postgres" }
func (Dialect) DriverName() string { return "postgres" }
func (Dialect) Schemes() []string  { return []string{"postgres", "postgresql"} }

func (Dialect) SupportsReadOnlyTx() bool { return true }
func (Dialect) ExplainPrefix() string    { return "EXPLAIN " }

func (Dialect) QuoteIdent(name string) string {
	return pq.QuoteIdentifier(name)
}

// BuildDSN normalizes the scheme, strips driver suffixes and fills in
// connect_timeout and application_name when the URI does not set them.
func (Dialect) BuildDSN(u *url.URL, opts base.DSNOptions) (string, error) {
	if u.Host == "" && u.Query().Get("host") == "" {
		return "", base.NewError("postgres", "build_dsn", base.KindConfig, "missing_host", "postgres URI has no host", nil)
	}

	out := *u
	out.Scheme = "postgres"
	q := out.Query()
	if q.Get("connect_timeout") == "" && opts.ConnectTimeout > 0 {
		secs := int(opts.ConnectTimeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	if q.Get("application_name") == "" && opts.ApplicationName != "" {
		q.Set("application_name", opts.ApplicationName)
	}
	out.RawQuery = q.Encode()
	return out.String(), nil
}

// sqlstateCodes maps SQLSTATE values to stable reason codes
var sqlstateCodes = map[pq.ErrorCode]string{
	"23505": "unique_violation",
	"23503": "foreign_key_violation",
	"23502": "not_null_violation",
	"23514": "check_violation",
	"42P01": "undefined_table",
	"42703": "undefined_column",
	"42601": "syntax_error",
	"42501": "insufficient_privilege",
	"25006": "read_only_violation",
	"57014": "query_canceled",
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
	"28P01": "auth_failed",
	"28000": "auth_failed",
	"3D000": "unknown_database",
	"53300": "too_many_connections",
}

// ClassifyError maps lib/pq errors to reason codes. Connection exceptions
// (class 08) and too_many_connections are transient.
func (Dialect) ClassifyError(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if code, ok := sqlstateCodes[pqErr.Code]; ok {
			return code, code == "too_many_connections"
		}
		switch pqErr.Code.Class() {
		case "08":
			return "connection_exception", true
		case "22":
			return "invalid_data", false
		case "23":
			return "constraint_violation", false
		}
		return "sqlstate_" + strings.ToLower(string(pqErr.Code)), false
	}
	return base.ClassifyCommonError(err)
}

const (
	currentSchemaQuery = `SELECT current_schema()`

	listTablesQuery = `SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type IN ('BASE TABLE', 'VIEW')
ORDER BY table_name`

	columnsQuery = `SELECT column_name, data_type, is_nullable FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position`

	primaryKeysQuery = `SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = current_schema() AND tc.table_name = $1
ORDER BY kcu.ordinal_position`

	foreignKeysQuery = `SELECT kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = current_schema() AND tc.table_name = $1`

	// reltuples is -1 for tables that were never analyzed
	rowEstimateQuery = `SELECT GREATEST(c.reltuples, 0)::bigint FROM pg_class c
WHERE c.oid = to_regclass(quote_ident($1))`
)

var infoSchema = schema.InfoSchemaQueries{
	Columns:     columnsQuery,
	PrimaryKeys: primaryKeysQuery,
	ForeignKeys: foreignKeysQuery,
	RowEstimate: rowEstimateQuery,
}

// CurrentSchema returns the schema that ListTables reads from
func (Dialect) CurrentSchema(ctx context.Context, q base.Queryer) (string, error) {
	var name sql.NullString
	if err := q.QueryRowContext(ctx, currentSchemaQuery).Scan(&name); err != nil {
		return "", err
	}
	if !name.Valid {
		return "", errors.New("no schema is selected")
	}
	return name.String, nil
}

// ListTables lists tables and views in the connection's current schema
func (Dialect) ListTables(ctx context.Context, q base.Queryer) ([]string, error) {
	return schema.QueryStrings(ctx, q, listTablesQuery)
}

// DescribeTable reads columns, keys and the planner's row estimate
func (Dialect) DescribeTable(ctx context.Context, q base.Queryer, table string) (*schema.Table, error) {
	return schema.DescribeInformationSchema(ctx, q, infoSchema, table)
}
