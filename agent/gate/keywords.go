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

func wordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// reserved words are never treated as table or column references
var reserved = wordSet(
	"ALL", "ALTER", "AND", "ANY", "ARRAY", "AS", "ASC", "ASYMMETRIC", "AT", "AUTHORIZATION",
	"BETWEEN", "BINARY", "BOTH", "BY", "CASCADE", "CASE", "CAST", "CHECK", "COLLATE",
	"COLUMN", "CONFLICT", "CONSTRAINT", "CREATE", "CROSS", "CURRENT", "CURRENT_DATE",
	"CURRENT_ROLE", "CURRENT_TIME", "CURRENT_TIMESTAMP", "CURRENT_USER", "DEFAULT",
	"DEFERRABLE", "DELETE", "DESC", "DISTINCT", "DO", "DROP", "DUPLICATE", "ELSE", "END",
	"ESCAPE", "EXCEPT", "EXCLUDE", "EXISTS", "EXPLAIN", "EXTRACT", "FALSE", "FETCH", "FILTER",
	"FIRST", "FOLLOWING", "FOR", "FOREIGN", "FROM", "FULL", "GROUP", "GROUPS", "HAVING",
	"IF", "IGNORE", "ILIKE", "IN", "INNER", "INSERT", "INTERSECT", "INTERVAL", "INTO", "IS",
	"ISNULL", "JOIN", "KEY", "LAST", "LATERAL", "LEADING", "LEFT", "LIKE", "LIMIT",
	"LOCALTIME", "LOCALTIMESTAMP", "LOCK", "MATERIALIZED", "MINUS", "NATURAL", "NEXT", "NO",
	"NOT", "NOTHING", "NOTNULL", "NOWAIT", "NULL", "NULLS", "OF", "OFFSET", "ON", "ONLY",
	"OR", "ORDER", "OTHERS", "OUTER", "OVER", "OVERLAPS", "PARTITION", "PRECEDING",
	"PRIMARY", "RANGE", "RECURSIVE", "REFERENCES", "REGEXP", "REPLACE", "RETURNING", "RIGHT",
	"RLIKE", "ROLLUP", "ROW", "ROWS", "SELECT", "SESSION_USER", "SET", "SHARE", "SIMILAR",
	"SKIP", "SOME", "STRAIGHT_JOIN", "SYMMETRIC", "TABLE", "TABLESAMPLE", "THEN", "TIES",
	"TO", "TRAILING", "TRUE", "TRUNCATE", "UNBOUNDED", "UNION", "UNIQUE", "UNKNOWN",
	"UPDATE", "USING", "VALUES", "VARIADIC", "WHEN", "WHERE", "WINDOW", "WITH", "WITHIN",
	"WITHOUT", "XOR", "ZONE", "DIV", "MOD", "GLOB", "MATCH", "AGAINST", "CUBE",
	"GROUPING", "SETS", "PLACING", "SUBSTRING", "TRIM", "POSITION", "OVERLAY", "COALESCE",
	"NULLIF", "GREATEST", "LEAST",

	// types
	"BIGINT", "BIT", "BLOB", "BOOL", "BOOLEAN", "BYTEA", "CHAR", "CHARACTER", "DATE",
	"DATETIME", "DEC", "DECIMAL", "DOUBLE", "FLOAT", "INT", "INTEGER", "JSON", "JSONB",
	"MEDIUMINT", "MONEY", "NCHAR", "NUMERIC", "NVARCHAR", "PRECISION", "REAL", "SERIAL",
	"BIGSERIAL", "SIGNED", "SMALLINT", "TEXT", "TIME", "TIMESTAMP", "TIMESTAMPTZ",
	"TINYINT", "UNSIGNED", "UUID", "VARCHAR", "VARYING", "INET", "CIDR", "LONGTEXT",
	"MEDIUMTEXT", "TINYTEXT", "VARBINARY", "INT2", "INT4", "INT8", "FLOAT4", "FLOAT8",

	// date parts and interval units
	"CENTURY", "DAY", "DAYS", "DECADE", "DOW", "DOY", "EPOCH", "HOUR", "HOURS", "ISODOW",
	"ISOYEAR", "MICROSECOND", "MICROSECONDS", "MILLENNIUM", "MILLISECOND", "MILLISECONDS",
	"MINUTE", "MINUTES", "MONTH", "MONTHS", "QUARTER", "SECOND", "SECONDS", "WEEK",
	"WEEKS", "YEAR", "YEARS", "TIMEZONE", "DAY_HOUR", "DAY_MINUTE", "DAY_SECOND",
	"HOUR_MINUTE", "HOUR_SECOND", "MINUTE_SECOND", "YEAR_MONTH",

	// MySQL modifiers
	"SEPARATOR", "MODE", "LOCKED", "ORDINALITY", "SQL_CALC_FOUND_ROWS", "SQL_NO_CACHE",
	"SQL_CACHE", "SQL_SMALL_RESULT", "SQL_BIG_RESULT", "SQL_BUFFER_RESULT", "QUICK",
	"LOW_PRIORITY", "HIGH_PRIORITY", "DELAYED",
)

func isReserved(upper string) bool {
	_, ok := reserved[upper]
	return ok
}

// clauseWords end a table list, so they can never be an implicit alias
var clauseWords = wordSet(
	"WHERE", "JOIN", "INNER", "LEFT", "RIGHT", "FULL", "OUTER", "CROSS", "NATURAL", "ON",
	"USING", "GROUP", "ORDER", "HAVING", "LIMIT", "OFFSET", "UNION", "INTERSECT", "EXCEPT",
	"MINUS", "WINDOW", "FETCH", "FOR", "SET", "VALUES", "RETURNING", "LATERAL", "AS",
	"SELECT", "FROM", "INTO", "WITH", "STRAIGHT_JOIN", "USE", "FORCE", "IGNORE",
	"TABLESAMPLE", "LOCK", "DEFAULT", "ONLY", "PARTITION", "WHEN", "THEN", "ELSE", "END",
	"AND", "OR", "NOT", "ASC", "DESC", "INDEXED", "OVERRIDING", "ORDINALITY", "CONFLICT",
	"DUPLICATE", "SELECT", "TABLE", "DO",
)

func isClauseWord(upper string) bool {
	_, ok := clauseWords[upper]
	return ok
}

// pseudoTables are row references usable in writes and triggers
var pseudoTables = wordSet("EXCLUDED", "NEW", "OLD", "INSERTED", "DELETED")
