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
	"strings"
)

// Category groups deny-list patterns
type Category string

const (
	CategoryAdministrative Category = "administrative"
	CategorySafetyConfig   Category = "safety_config"
	CategoryInjection      Category = "injection"
	CategoryFileAccess     Category = "file_access"
	CategoryUnboundedWrite Category = "unbounded_write"
)

// Pattern is one deny-list entry. Regex runs against the statement
// skeleton, where keywords are upper case, quoted identifiers are lower
// case in double quotes and string literals are blanked to ''. Patterns
// that need token structure use a check function instead.
type Pattern struct {
	// Name is the reason code reported on a match.
	Name string

	Category Category

	// Regex is matched against the skeleton. Nil for token-level rules.
	Regex *regexp.Regexp

	// Description explains what this pattern detects.
	Description string

	// Severity indicates the risk level (1-10).
	Severity int

	check func(st *statement) bool
}

func (p *Pattern) matches(st *statement) bool {
	if p.check != nil {
		return p.check(st)
	}
	return p.Regex != nil && p.Regex.MatchString(st.skeleton)
}

// PatternSet is an ordered deny-list; the first matching pattern wins
type PatternSet struct {
	patterns []*Pattern
}

// NewPatternSet returns the built-in deny-list followed by extra
func NewPatternSet(extra ...*Pattern) *PatternSet {
	return &PatternSet{patterns: append(defaultPatterns(), extra...)}
}

// Patterns returns all patterns in the set.
func (ps *PatternSet) Patterns() []*Pattern {
	return ps.patterns
}

// PatternsByCategory returns patterns filtered by category.
func (ps *PatternSet) PatternsByCategory(category Category) []*Pattern {
	var result []*Pattern
	for _, p := range ps.patterns {
		if p.Category == category {
			result = append(result, p)
		}
	}
	return result
}

func (ps *PatternSet) match(st *statement) *Pattern {
	for _, p := range ps.patterns {
		if p.matches(st) {
			return p
		}
	}
	return nil
}

var (
	hiddenStatement = regexp.MustCompile(`(?i);\s*(SELECT|INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|TRUNCATE|GRANT|REVOKE|EXEC|EXECUTE|SHUTDOWN)\b` +
		`|\b(DROP|TRUNCATE|ALTER)\s+TABLE\b|\bDELETE\s+FROM\b|\bINSERT\s+INTO\b|\bUPDATE\s+\S+\s+SET\b|\bUNION\s+(ALL\s+)?SELECT\b`)
)

// defaultPatterns returns the built-in deny-list. Keyword patterns are
// case sensitive so that quoted identifiers, which the skeleton lowers,
// cannot trigger them; function and catalog patterns ignore case because
// quoting does not stop a database from resolving those names.
func defaultPatterns() []*Pattern {
	return []*Pattern{
		// Administrative and cross-database commands
		{
			Name:        "privilege_change",
			Category:    CategoryAdministrative,
			Regex:       regexp.MustCompile(`^(GRANT|REVOKE)\b`),
			Description: "Detects GRANT and REVOKE statements",
			Severity:    10,
		},
		{
			Name:        "account_management",
			Category:    CategoryAdministrative,
			Regex:       regexp.MustCompile(`^(CREATE|ALTER|DROP)( OR REPLACE)? (USER|ROLE|LOGIN|DATABASE|SCHEMA)\b`),
			Description: "Detects user, role, database and schema management",
			Severity:    10,
		},
		{
			Name:        "server_control",
			Category:    CategoryAdministrative,
			Regex:       regexp.MustCompile(`^(SHUTDOWN|KILL|ALTER SYSTEM|ATTACH|DETACH|FLUSH|RESET|INSTALL|UNINSTALL|LOAD)\b`),
			Description: "Detects server control and database attachment commands",
			Severity:    10,
		},
		{
			Name:        "dynamic_execution",
			Category:    CategoryAdministrative,
			Description: "Detects dynamic SQL and procedure execution",
			Severity:    10,
			check:       dynamicExecution,
		},
		{
			Name:        "command_shell",
			Category:    CategoryAdministrative,
			Regex:       regexp.MustCompile(`(?i)\b(XP_CMDSHELL|SP_EXECUTESQL|SP_CONFIGURE|SYS_EXEC|SYS_EVAL)\b`),
			Description: "Detects procedures that run operating system commands",
			Severity:    10,
		},
		{
			Name:        "cross_database",
			Category:    CategoryAdministrative,
			Regex:       regexp.MustCompile(`(?i)\b(DBLINK|DBLINK_EXEC|DBLINK_CONNECT|OPENROWSET|OPENDATASOURCE|OPENQUERY)\s*\(`),
			Description: "Detects queries against other databases or servers",
			Severity:    9,
		},
		{
			Name:        "backend_control",
			Category:    CategoryAdministrative,
			Regex:       regexp.MustCompile(`(?i)\b(PG_TERMINATE_BACKEND|PG_CANCEL_BACKEND|PG_RELOAD_CONF|PG_ROTATE_LOGFILE|PG_PROMOTE)\s*\(`),
			Description: "Detects functions that control server processes",
			Severity:    10,
		},
		{
			Name:        "role_switch",
			Category:    CategoryAdministrative,
			Regex:       regexp.MustCompile(`^SET (LOCAL |SESSION )?(ROLE|SESSION AUTHORIZATION)\b`),
			Description: "Detects switching the session's role",
			Severity:    9,
		},

		// Attempts to change safety configuration
		{
			Name:        "set_config",
			Category:    CategorySafetyConfig,
			Regex:       regexp.MustCompile(`(?i)\bSET_CONFIG\s*\(`),
			Description: "Detects runtime configuration changes through set_config",
			Severity:    9,
		},
		{
			Name:        "session_settings",
			Category:    CategorySafetyConfig,
			Regex:       regexp.MustCompile(`^(SET|PRAGMA|RESET)\b`),
			Description: "Detects SET and PRAGMA statements",
			Severity:    8,
		},
		{
			Name:        "transaction_control",
			Category:    CategorySafetyConfig,
			Regex:       regexp.MustCompile(`^(BEGIN|COMMIT|ROLLBACK|START TRANSACTION|SAVEPOINT|RELEASE|END|ABORT|LOCK|UNLOCK)\b`),
			Description: "Detects statements that control the surrounding transaction",
			Severity:    8,
		},
		{
			Name:        "disable_safeguards",
			Category:    CategorySafetyConfig,
			Regex:       regexp.MustCompile(`\b(DISABLE (TRIGGER|ROW LEVEL SECURITY)|NO FORCE ROW LEVEL SECURITY)\b`),
			Description: "Detects disabling triggers or row level security",
			Severity:    9,
		},

		// Injection markers
		{
			Name:        "comment_hidden_statement",
			Category:    CategoryInjection,
			Description: "Detects statements hidden inside comments",
			Severity:    9,
			check: func(st *statement) bool {
				for _, c := range st.comments {
					if hiddenStatement.MatchString(c.Value) {
						return true
					}
				}
				return false
			},
		},
		{
			Name:        "executable_comment",
			Category:    CategoryInjection,
			Description: "Detects MySQL executable comments /*! ... */",
			Severity:    9,
			check: func(st *statement) bool {
				for _, c := range st.comments {
					if isExecutableComment(c) {
						return true
					}
				}
				return false
			},
		},
		{
			Name:        "constant_comparison_after_or",
			Category:    CategoryInjection,
			Regex:       regexp.MustCompile(`\bOR (\( )*(- )?(\d+(\.\d+)?|''|TRUE|FALSE|NULL) (=|==|<>|!=|<=>|<|>|<=|>=|IS|LIKE) (NOT )?(- )?(\d+(\.\d+)?|''|TRUE|FALSE|NULL)`),
			Description: "Detects OR with a comparison of two constants (OR 1=1, OR ''='')",
			Severity:    8,
		},
		{
			Name:        "constant_true_after_or",
			Category:    CategoryInjection,
			Regex:       regexp.MustCompile(`\bOR (\( )*(TRUE|NOT FALSE|NOT 0|\d+)( \)| (AND|OR|ORDER|GROUP|LIMIT|HAVING|UNION|RETURNING)\b|$)`),
			Description: "Detects OR with an always-true constant",
			Severity:    8,
		},
		{
			Name:        "self_comparison_after_or",
			Category:    CategoryInjection,
			Description: "Detects OR comparing an expression with itself (OR id=id)",
			Severity:    8,
			check:       selfComparisonAfterOr,
		},
		{
			Name:        "constant_disjunct",
			Category:    CategoryInjection,
			Description: "Detects an OR branch that refers to no column, parameter or function (OR NOT 1=2, OR 1 IN (1))",
			Severity:    8,
			check:       constantDisjunct,
		},
		{
			Name:        "union_catalog_probe",
			Category:    CategoryInjection,
			Regex:       regexp.MustCompile(`(?i)\bUNION (ALL |DISTINCT )?(\( )*SELECT\b.*\b(INFORMATION_SCHEMA|PG_CATALOG|PG_CLASS|PG_ATTRIBUTE|PG_NAMESPACE|PG_PROC|PG_TABLES|PG_USER|PG_ROLES|PG_DATABASE|PG_SETTINGS|PG_STAT_ACTIVITY|MYSQL\.\w+|PERFORMANCE_SCHEMA|SQLITE_MASTER|SQLITE_SCHEMA|SQLITE_TEMP_MASTER|SYS\.\w+|SYSOBJECTS|SYSCOLUMNS)\b`),
			Description: "Detects UNION queries against system catalogs",
			Severity:    9,
		},
		{
			Name:        "credential_catalog",
			Category:    CategoryInjection,
			Regex:       regexp.MustCompile(`(?i)\b(PG_SHADOW|PG_AUTHID|PG_USER_MAPPINGS|PG_USER_MAPPING|MYSQL\.USER|MYSQL\.DB)\b`),
			Description: "Detects reads of password and credential catalogs",
			Severity:    10,
		},
		{
			Name:        "system_variable",
			Category:    CategoryInjection,
			Regex:       regexp.MustCompile(`@@`),
			Description: "Detects reads of server system variables",
			Severity:    7,
		},
		{
			Name:        "time_delay",
			Category:    CategoryInjection,
			Regex:       regexp.MustCompile(`(?i)\b(SLEEP|PG_SLEEP|PG_SLEEP_FOR|PG_SLEEP_UNTIL|BENCHMARK)\s*\(|\bWAITFOR (DELAY|TIME)\b|\bDBMS_LOCK\.SLEEP\b|\bDBMS_PIPE\.RECEIVE_MESSAGE\b|\bRANDOMBLOB\s*\(\s*\d{7,}`),
			Description: "Detects functions used for time-based blind probing",
			Severity:    9,
		},
		{
			Name:        "error_probe",
			Category:    CategoryInjection,
			Regex:       regexp.MustCompile(`(?i)\b(EXTRACTVALUE|UPDATEXML|GTID_SUBSET|GTID_SUBTRACT)\s*\(|\bEXP\s*\(\s*~|\bCONVERT\s*\(\s*INT\s*,`),
			Description: "Detects functions used for error-based probing",
			Severity:    8,
		},
		{
			Name:        "hex_payload",
			Category:    CategoryInjection,
			Regex:       regexp.MustCompile(`(?i)\b0x[0-9a-f]{8,}\b`),
			Description: "Detects potential hex-encoded SQL injection payload",
			Severity:    6,
		},
		{
			Name:        "char_payload",
			Category:    CategoryInjection,
			Regex:       regexp.MustCompile(`(?i)\b(CHAR|CHR|NCHAR)\s*\(\s*\d+(\s*,\s*\d+)+\s*\)|\bCHR\s*\(\s*\d+\s*\)\s*\|\|`),
			Description: "Detects strings assembled from character codes",
			Severity:    7,
		},
		{
			Name:        "decoded_payload",
			Category:    CategoryInjection,
			Regex:       regexp.MustCompile(`(?i)\b(UNHEX|FROM_BASE64|CONVERT_FROM)\s*\(`),
			Description: "Detects payloads decoded at execution time",
			Severity:    7,
		},

		// File system access
		{
			Name:        "load_file",
			Category:    CategoryFileAccess,
			Regex:       regexp.MustCompile(`(?i)\bLOAD_FILE\s*\(`),
			Description: "Detects LOAD_FILE function for file access",
			Severity:    10,
		},
		{
			Name:        "into_outfile",
			Category:    CategoryFileAccess,
			Regex:       regexp.MustCompile(`\bINTO (OUT|DUMP)FILE\b`),
			Description: "Detects INTO OUTFILE/DUMPFILE for file writing",
			Severity:    10,
		},
		{
			Name:        "bulk_load",
			Category:    CategoryFileAccess,
			Regex:       regexp.MustCompile(`\bLOAD (DATA|XML)\b|^COPY\b|\bTO PROGRAM\b`),
			Description: "Detects bulk loads and COPY to or from files and programs",
			Severity:    10,
		},
		{
			Name:        "server_file_functions",
			Category:    CategoryFileAccess,
			Regex:       regexp.MustCompile(`(?i)\b(PG_READ_FILE|PG_READ_BINARY_FILE|PG_LS_DIR|PG_STAT_FILE|LO_IMPORT|LO_EXPORT|READFILE|WRITEFILE|LOAD_EXTENSION|FILEIO_READ|FILEIO_WRITE)\s*\(`),
			Description: "Detects functions that read or write server files",
			Severity:    10,
		},

		// Writes without a row filter
		{
			Name:        "unbounded_write",
			Category:    CategoryUnboundedWrite,
			Description: "Detects UPDATE or DELETE without a WHERE clause or with a constant one",
			Severity:    9,
			check:       unboundedWrite,
		},
	}
}

// dynamicExecution matches EXEC/EXECUTE/CALL/DO/PREPARE used as a
// statement or after a statement boundary, but not DO inside ON CONFLICT
// or EXECUTE inside a trigger definition
func dynamicExecution(st *statement) bool {
	for i, tok := range st.tokens {
		if !tok.IsAny("EXEC", "EXECUTE", "CALL", "DO", "PREPARE", "DEALLOCATE", "EXECUTE_IMMEDIATE") {
			continue
		}
		prev := st.at(i - 1)
		if tok.Is("DO") && (prev.Kind == TokenRParen || prev.isIdent() || prev.Is("CONFLICT")) {
			continue
		}
		if i == 0 || prev.Kind == TokenLParen || tok.Is("EXEC") || st.at(i+1).Kind == TokenLParen {
			return true
		}
	}
	return false
}

// selfComparisonAfterOr finds OR x = x where both sides are the same
// column reference or literal
func selfComparisonAfterOr(st *statement) bool {
	for i, tok := range st.tokens {
		if !tok.Is("OR") {
			continue
		}
		left, j := st.operand(st.skipParens(i + 1))
		if left == "" {
			continue
		}
		op := st.at(j)
		if op.Kind != TokenOperator || !isEqualityOperator(op.Text) {
			continue
		}
		right, _ := st.operand(j + 1)
		if right != "" && right == left {
			return true
		}
	}
	return false
}

func isEqualityOperator(op string) bool {
	switch op {
	case "=", "==", "<=", ">=", "<=>":
		return true
	}
	return false
}

// operand reads a column reference or a literal at i and returns a
// normalized form and the index after it. Function calls return "".
func (st *statement) operand(i int) (string, int) {
	tok := st.at(i)
	switch tok.Kind {
	case TokenNumber:
		return "#" + tok.Text, i + 1
	case TokenString:
		return "'" + tok.Value, i + 1
	case TokenWord, TokenQuoted:
		if tok.Kind == TokenWord && isReserved(tok.Upper()) {
			return "", i
		}
		name, next := st.dottedName(i)
		if st.at(next).Kind == TokenLParen {
			return "", i
		}
		return strings.ToLower(name), next
	}
	return "", i
}

// unboundedWrite reports an UPDATE or DELETE, including one inside a
// WITH clause, that has no WHERE, whose WHERE is constant, or whose WHERE
// has a constant OR branch
func unboundedWrite(st *statement) bool {
	for _, op := range st.ops {
		if op.keyword != "UPDATE" && op.keyword != "DELETE" {
			continue
		}
		where := st.findAtDepth(op.pos, "WHERE")
		if where < 0 || st.constantCondition(where+1) {
			return true
		}
		for _, r := range st.disjuncts(where+1, st.conditionEnd(where+1)) {
			if st.constantRange(r[0], r[1]) {
				return true
			}
		}
	}
	return false
}

// constantWords may appear in a condition without tying it to a row
var constantWords = wordSet("TRUE", "FALSE", "NULL", "UNKNOWN", "NOT", "AND", "OR", "XOR", "IS", "IN",
	"BETWEEN", "SYMMETRIC", "LIKE", "ILIKE", "GLOB", "REGEXP", "RLIKE", "SIMILAR", "TO", "ESCAPE",
	"DISTINCT", "FROM", "DIV", "MOD", "CASE", "WHEN", "THEN", "ELSE", "END", "EXISTS", "SELECT",
	"ALL", "ANY", "SOME")

// conditionEndWords close a WHERE or HAVING condition at its own nesting level
var conditionEndWords = []string{"RETURNING", "ORDER", "GROUP", "HAVING", "LIMIT", "OFFSET", "FETCH",
	"FOR", "WINDOW", "UNION", "INTERSECT", "EXCEPT"}

// conditionEnd returns the index just past the condition starting at i
func (st *statement) conditionEnd(i int) int {
	d := st.depth0(i)
	k := i
	for ; k < len(st.tokens) && st.depth[k] >= d; k++ {
		if st.depth[k] == d && st.tokens[k].IsAny(conditionEndWords...) {
			break
		}
	}
	return k
}

// constantCondition reports whether the condition starting at i refers to
// no column, parameter or function
func (st *statement) constantCondition(i int) bool {
	end := st.conditionEnd(i)
	if end <= i {
		return true
	}
	return st.constantRange(i, end)
}

// constantRange reports whether tokens [from, to) hold only literals,
// operators and keywords
func (st *statement) constantRange(from, to int) bool {
	if from >= to {
		return false
	}
	for k := from; k < to; k++ {
		tok := st.tokens[k]
		switch tok.Kind {
		case TokenNumber, TokenString, TokenOperator, TokenLParen, TokenRParen, TokenComma:
		case TokenWord:
			if _, ok := constantWords[tok.Upper()]; !ok {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// isOr reports a disjunction operator; MySQL also spells it ||
func (st *statement) isOr(k int) bool {
	tok := st.tokens[k]
	return tok.Is("OR") || (st.dialect == DialectMySQL && tok.Kind == TokenOperator && tok.Text == "||")
}

// disjuncts splits [from, to) at the ORs of its own nesting level. CASE
// expressions are kept whole.
func (st *statement) disjuncts(from, to int) [][2]int {
	if from >= to {
		return nil
	}
	d := st.depth0(from)
	var out [][2]int
	start := from
	for k := from; k < to; k++ {
		if st.depth[k] != d {
			continue
		}
		if st.tokens[k].Is("CASE") {
			k = st.caseEnd(k)
			continue
		}
		if st.isOr(k) {
			out = append(out, [2]int{start, k})
			start = k + 1
		}
	}
	return append(out, [2]int{start, to})
}

// caseEnd returns the END closing the CASE at i, or the last token
func (st *statement) caseEnd(i int) int {
	d := st.depth[i]
	open := 0
	for k := i; k < len(st.tokens); k++ {
		if st.depth[k] != d {
			continue
		}
		switch {
		case st.tokens[k].Is("CASE"):
			open++
		case st.tokens[k].Is("END"):
			open--
			if open == 0 {
				return k
			}
		}
	}
	return len(st.tokens) - 1
}

// caseStart returns the CASE opened for the END at i, or -1
func (st *statement) caseStart(i int) int {
	d := st.depth[i]
	open := 0
	for k := i; k >= 0; k-- {
		if st.depth[k] != d {
			continue
		}
		switch {
		case st.tokens[k].Is("END"):
			open++
		case st.tokens[k].Is("CASE"):
			open--
			if open == 0 {
				return k
			}
		}
	}
	return -1
}

// disjunctBounds are words that end an OR branch when met at its own
// nesting level
var disjunctBounds = wordSet("WHERE", "HAVING", "ON", "WHEN", "THEN", "ELSE", "END", "SELECT", "SET",
	"RETURNING", "ORDER", "GROUP", "BY", "LIMIT", "OFFSET", "FETCH", "FOR", "WINDOW", "UNION",
	"INTERSECT", "EXCEPT", "INTO", "AS", "USING", "QUALIFY", "VALUES", "JOIN", "INNER", "LEFT", "RIGHT",
	"FULL", "CROSS", "NATURAL", "STRAIGHT_JOIN")

func (st *statement) isDisjunctBound(k int) bool {
	tok := st.tokens[k]
	switch tok.Kind {
	case TokenComma:
		return true
	case TokenWord:
		if tok.Is("FROM") {
			return !st.at(k - 1).Is("DISTINCT")
		}
		_, ok := disjunctBounds[tok.Upper()]
		return ok
	}
	return st.isOr(k)
}

// constantDisjunct finds an OR with a branch on either side that refers to
// no column, parameter or function. Branches extend to the next OR or
// clause boundary of the same nesting level, so OR 2 BETWEEN 1 AND 3 is
// one branch.
func constantDisjunct(st *statement) bool {
	for i := range st.tokens {
		if !st.isOr(i) {
			continue
		}
		d := st.depth[i]

		right := i + 1
		for right < len(st.tokens) && st.depth[right] >= d {
			if st.depth[right] == d {
				if st.tokens[right].Is("CASE") {
					right = st.caseEnd(right) + 1
					continue
				}
				if st.isDisjunctBound(right) {
					break
				}
			}
			right++
		}

		left := i - 1
		for left >= 0 && st.depth[left] >= d {
			if st.depth[left] == d {
				if st.tokens[left].Is("END") {
					if c := st.caseStart(left); c >= 0 {
						left = c - 1
						continue
					}
				}
				if st.isDisjunctBound(left) {
					break
				}
			}
			left--
		}

		if st.constantRange(i+1, right) || st.constantRange(left+1, i) {
			return true
		}
	}
	return false
}
