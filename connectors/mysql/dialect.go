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

// Package mysql registers the MySQL/MariaDB dialect backed by go-sql-driver/mysql.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"

	driver "github.com/go-sql-driver/mysql"

	"axonflow/querygate/connectors/base"
	"axonflow/querygate/connectors/schema"
)

const defaultPort = "3306"

// Dialect adapts MySQL and MariaDB through go-sql-driver/mysql
type Dialect struct{}

func init() {
	base.RegisterDialect(Dialect{})
}

var _ schema.Introspector = Dialect{}

func (Dialect) Name() string       { return "mysql" }
func (Dialect) DriverName() string { return "mysql" }
func (Dialect) Schemes() []string  { return []string{"mysql", "mariadb"} }

func (Dialect) SupportsReadOnlyTx() bool { return true }
func (Dialect) ExplainPrefix() string    { return "EXPLAIN " }

func (Dialect) QuoteIdent(name string) string {
	return base.QuoteIdentifier(name, '`')
}

// unsafeParams may never be supplied through a stored URI
var unsafeParams = map[string]bool{
	"multistatements":         true,
	"allowallfiles":           true,
	"allowcleartextpasswords": true,
	"allowoldpasswords":       true,
}

// BuildDSN converts a URI into a go-sql-driver DSN. Multi-statement
// support is always off; the gate splits batches itself.
func (Dialect) BuildDSN(u *url.URL, opts base.DSNOptions) (string, error) {
	cfg := driver.NewConfig()
	cfg.ParseTime = true
	cfg.MultiStatements = false
	cfg.Timeout = opts.ConnectTimeout

	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}
	cfg.DBName = strings.TrimPrefix(u.Path, "/")

	q := u.Query()
	if sock := q.Get("unix_socket"); sock != "" {
		cfg.Net = "unix"
		cfg.Addr = sock
	} else {
		if u.Hostname() == "" {
			return "", base.NewError("mysql", "build_dsn", base.KindConfig, "missing_host", "mysql URI has no host", nil)
		}
		port := u.Port()
		if port == "" {
			port = defaultPort
		}
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(u.Hostname(), port)
	}

	for key, values := range q {
		if len(values) == 0 {
			continue
		}
		lk := strings.ToLower(key)
		if unsafeParams[lk] {
			return "", base.NewError("mysql", "build_dsn", base.KindConfig, "unsafe_option",
				"mysql URI option "+base.SanitizeLogString(key)+" is not allowed", nil)
		}
		switch lk {
		case "unix_socket":
		case "charset":
			if cfg.Params == nil {
				cfg.Params = map[string]string{}
			}
			cfg.Params["charset"] = values[0]
		case "tls", "ssl_mode":
			cfg.TLSConfig = mysqlTLSMode(values[0])
		case "loc":
		default:
			// Session variables such as time_zone or sql_mode pass through
			if cfg.Params == nil {
				cfg.Params = map[string]string{}
			}
			cfg.Params[key] = values[0]
		}
	}
	return cfg.FormatDSN(), nil
}

// mysqlTLSMode maps SQLAlchemy/PyMySQL ssl spellings to driver TLS names
func mysqlTLSMode(v string) string {
	switch strings.ToLower(v) {
	case "true", "required", "verify_identity", "verify_ca":
		return "true"
	case "skip-verify", "skip_verify":
		return "skip-verify"
	case "preferred":
		return "preferred"
	default:
		return "false"
	}
}

// errorNumbers maps server error numbers to stable reason codes
var errorNumbers = map[uint16]string{
	1062: "unique_violation",
	1451: "foreign_key_violation",
	1452: "foreign_key_violation",
	1048: "not_null_violation",
	3819: "check_violation",
	1146: "undefined_table",
	1054: "undefined_column",
	1064: "syntax_error",
	1142: "insufficient_privilege",
	1792: "read_only_violation",
	1045: "auth_failed",
	1049: "unknown_database",
	1040: "too_many_connections",
	1203: "too_many_connections",
	1213: "deadlock_detected",
	1205: "lock_wait_timeout",
	3024: "query_canceled",
	1317: "query_canceled",
	1366: "invalid_data",
	1264: "invalid_data",
}

// ClassifyError maps driver errors to reason codes
func (Dialect) ClassifyError(err error) (string, bool) {
	var myErr *driver.MySQLError
	if errors.As(err, &myErr) {
		if code, ok := errorNumbers[myErr.Number]; ok {
			return code, code == "too_many_connections"
		}
		return "mysql_" + strconv.Itoa(int(myErr.Number)), false
	}
	if errors.Is(err, driver.ErrInvalidConn) {
		return "bad_connection", true
	}
	return base.ClassifyCommonError(err)
}

const (
	currentSchemaQuery = `SELECT DATABASE()`

	listTablesQuery = `SELECT table_name FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_type IN ('BASE TABLE', 'VIEW')
ORDER BY table_name`

	columnsQuery = `SELECT column_name, data_type, is_nullable FROM information_schema.columns
WHERE table_schema = DATABASE() AND table_name = ?
ORDER BY ordinal_position`

	primaryKeysQuery = `SELECT column_name FROM information_schema.key_column_usage
WHERE table_schema = DATABASE() AND table_name = ? AND constraint_name = 'PRIMARY'
ORDER BY ordinal_position`

	foreignKeysQuery = `SELECT column_name, referenced_table_name, referenced_column_name
FROM information_schema.key_column_usage
WHERE table_schema = DATABASE() AND table_name = ? AND referenced_table_name IS NOT NULL`

	rowEstimateQuery = `SELECT COALESCE(table_rows, 0) FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_name = ?`
)

var infoSchema = schema.InfoSchemaQueries{
	Columns:     columnsQuery,
	PrimaryKeys: primaryKeysQuery,
	ForeignKeys: foreignKeysQuery,
	RowEstimate: rowEstimateQuery,
}

// CurrentSchema returns the database that ListTables reads from
func (Dialect) CurrentSchema(ctx context.Context, q base.Queryer) (string, error) {
	var name sql.NullString
	if err := q.QueryRowContext(ctx, currentSchemaQuery).Scan(&name); err != nil {
		return "", err
	}
	if !name.Valid {
		return "", errors.New("no database is selected")
	}
	return name.String, nil
}

// ListTables lists tables and views in the connection's default database
func (Dialect) ListTables(ctx context.Context, q base.Queryer) ([]string, error) {
	return schema.QueryStrings(ctx, q, listTablesQuery)
}

// DescribeTable reads columns, keys and the table_rows statistic
func (Dialect) DescribeTable(ctx context.Context, q base.Queryer, table string) (*schema.Table, error) {
	return schema.DescribeInformationSchema(ctx, q, infoSchema, table)
}
