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
	"strings"
)

type role uint8

const (
	roleCandidate role = iota // possible column reference
	roleSkip
	roleTable
	roleAlias
	roleFunc
)

type tableRef struct {
	name string
	pos  int
}

type insertTarget struct {
	table   string
	columns []int
}

type setTarget struct {
	table  string
	column int
}

// requirement is a table, or a column of one, that a DDL statement needs
type requirement struct {
	table  string
	column string
}

type ddlEffect struct {
	requires []requirement
	targets  []string // tables created, dropped, renamed or altered
	apply    []func(c *catalog)
}

// references is everything a statement names, gathered without a schema
type references struct {
	roles      []role
	tables     []tableRef
	aliases    map[string]string // alias -> table, "" for derived tables and table functions
	outputs    map[string]bool   // output aliases and declared column names
	ctes       map[string]bool
	opaque     bool // a row source has columns that cannot be known
	commaJoins int
	inserts    []insertTarget
	sets       []setTarget
	selectInto []string
	ddl        *ddlEffect
}

var pseudoColumns = wordSet("ROWID", "OID", "_ROWID_", "CTID", "XMIN", "XMAX", "CMIN", "CMAX", "TABLEOID")

func lower(s string) string { return strings.ToLower(s) }

func lastSegment(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// collectReferences assigns a role to every identifier token
func collectReferences(st *statement) *references {
	r := &references{
		roles:   make([]role, len(st.tokens)),
		aliases: make(map[string]string),
		outputs: make(map[string]bool),
		ctes:    make(map[string]bool),
	}
	for i, tok := range st.tokens {
		if !tok.isIdent() {
			r.roles[i] = roleSkip
		}
	}

	from := 0
	if _, ok := ddlKeywords[st.at(st.main).Upper()]; ok {
		from = r.parseDDL(st)
	}
	r.commonTableExpressions(st, from)
	r.sources(st, from)
	r.modifiers(st, from)
	r.functions(st)
	r.columnAliases(st)
	return r
}

func (r *references) isCTE(name string) bool {
	return !strings.Contains(name, ".") && r.ctes[lower(name)]
}

func (r *references) commonTableExpressions(st *statement, from int) {
	for i := from; i < len(st.tokens); i++ {
		if !st.isCTEStart(i) {
			continue
		}
		ctes, _, serr := st.parseWith(i)
		if serr != nil {
			continue
		}
		for _, c := range ctes {
			r.roles[c.name] = roleAlias
			r.ctes[lower(st.tokens[c.name].name())] = true
			for _, k := range c.columns {
				r.roles[k] = roleAlias
				r.outputs[lower(st.tokens[k].name())] = true
			}
		}
	}
}

var insertModifiers = wordSet("IGNORE", "LOW_PRIORITY", "DELAYED", "HIGH_PRIORITY")

// sources finds every table list: after FROM, JOIN, UPDATE, INSERT INTO,
// USING and TABLE
func (r *references) sources(st *statement, from int) {
	for i := from; i < len(st.tokens); i++ {
		tok := st.tokens[i]
		prev := st.at(i - 1)
		switch {
		case tok.Is("FROM"):
			if prev.Is("DISTINCT") {
				continue
			}
			// EXTRACT(YEAR FROM d), TRIM(x FROM y) and friends
			if p := st.parent[i]; p >= 0 && !st.startsQuery(p+1) {
				continue
			}
			r.tableList(st, i+1)
		case tok.IsAny("JOIN", "STRAIGHT_JOIN"):
			r.tableList(st, i+1)
		case tok.Is("USING") && st.at(i+1).Kind != TokenLParen:
			if p := st.parent[i]; p >= 0 && st.at(p-1).Is("CONVERT") {
				continue
			}
			r.tableList(st, i+1)
		case tok.Is("UPDATE") && !prev.IsAny("FOR", "KEY", "DO", "NO"):
			j := i + 1
			for st.at(j).IsAny("LOW_PRIORITY", "IGNORE") {
				j++
			}
			first := len(r.tables)
			r.tableList(st, j)
			if len(r.tables) > first {
				if set := st.findAtDepth(i, "SET"); set >= 0 {
					r.setTargets(st, set, r.tables[first].name)
				}
			}
		case tok.IsAny("INSERT", "REPLACE") && st.at(i+1).Kind != TokenLParen:
			j := i + 1
			for {
				if _, ok := insertModifiers[st.at(j).Upper()]; !ok {
					break
				}
				j++
			}
			if st.at(j).Is("OR") {
				j += 2
			}
			if st.at(j).Is("INTO") {
				j++
			}
			r.insertTarget(st, j)
		case tok.Is("INTO"):
			if _, ok := insertModifiers[prev.Upper()]; ok || prev.IsAny("INSERT", "REPLACE", "ROLLBACK", "ABORT", "FAIL") {
				continue
			}
			// SELECT ... INTO names a new table or variables
			j := i + 1
			for st.at(j).IsAny("TEMP", "TEMPORARY", "UNLOGGED", "TABLE") {
				j++
			}
			if st.at(j).isIdent() {
				name, next := st.dottedName(j)
				r.mark(j, next, roleSkip)
				r.selectInto = append(r.selectInto, name)
			}
		case tok.IsAny("TABLE", "DESCRIBE", "DESC") && i == st.main:
			r.tableList(st, i+1)
		case tok.Is("SHOW") && i == st.main:
			r.mark(i, len(st.tokens), roleSkip)
		case tok.Is("EXPLAIN") && i == st.main:
			r.mark(i, st.skipExplainOptions(i+1), roleSkip)
		case tok.Is("DELETE"):
			// DELETE t1, t2 FROM ... names targets by alias
			if end := st.findAtDepth(i, "FROM"); end > i+1 {
				r.mark(i+1, end, roleSkip)
			}
		}
	}
}

func (r *references) mark(from, to int, ro role) {
	for k := from; k < to && k < len(r.roles); k++ {
		r.roles[k] = ro
	}
}

// tableList reads comma separated row sources starting at i
func (r *references) tableList(st *statement, i int) {
	for {
		for st.at(i).IsAny("ONLY", "LATERAL") {
			i++
		}
		tok := st.at(i)
		switch {
		case tok.Kind == TokenLParen && st.startsQuery(i+1):
			values := st.at(st.skipParens(i + 1)).Is("VALUES")
			next, named := r.sourceAlias(st, st.match[i]+1, "")
			if values && !named {
				r.opaque = true
			}
			i = next
		case tok.Kind == TokenLParen:
			// parenthesized join; each member is picked up on its own
			i++
			continue
		case tok.isIdent():
			name, next := st.dottedName(i)
			if st.at(next).Kind == TokenLParen {
				r.mark(i, next, roleFunc)
				r.opaque = true
				i, _ = r.sourceAlias(st, st.match[next]+1, "")
				break
			}
			r.mark(i, next, roleTable)
			r.tables = append(r.tables, tableRef{name: name, pos: i})
			i, _ = r.sourceAlias(st, next, name)
		default:
			return
		}

		i = r.skipHints(st, i)
		if st.at(i).Kind != TokenComma {
			return
		}
		r.commaJoins++
		i++
	}
}

// sourceAlias reads an optional [AS] alias [(columns)] at i. It reports
// whether column names were declared.
func (r *references) sourceAlias(st *statement, i int, table string) (int, bool) {
	explicit := st.at(i).Is("AS")
	if explicit {
		i++
	}
	tok := st.at(i)
	if !tok.isIdent() || (!explicit && isClauseWord(tok.Upper())) {
		return i, false
	}
	r.roles[i] = roleAlias
	r.aliases[lower(tok.name())] = lower(table)
	i++
	if st.at(i).Kind != TokenLParen {
		return i, false
	}
	end := st.match[i]
	for k := i + 1; k < end; k++ {
		if st.tokens[k].isIdent() {
			r.roles[k] = roleAlias
			r.outputs[lower(st.tokens[k].name())] = true
		} else {
			r.roles[k] = roleSkip
		}
	}
	return end + 1, true
}

// skipHints steps over MySQL index hints and SQLite INDEXED BY
func (r *references) skipHints(st *statement, i int) int {
	for {
		switch {
		case st.at(i).IsAny("USE", "FORCE", "IGNORE") && st.at(i+1).IsAny("INDEX", "KEY"):
			j := i + 2
			for j < len(st.tokens) && st.tokens[j].Kind != TokenLParen {
				j++
			}
			if j >= len(st.tokens) {
				r.mark(i, j, roleSkip)
				return j
			}
			end := st.match[j]
			r.mark(i, end+1, roleSkip)
			i = end + 1
		case st.at(i).Is("INDEXED") && st.at(i+1).Is("BY"):
			r.mark(i, i+3, roleSkip)
			i += 3
		case st.at(i).Is("NOT") && st.at(i+1).Is("INDEXED"):
			i += 2
		default:
			return i
		}
	}
}

func (r *references) insertTarget(st *statement, j int) {
	if !st.at(j).isIdent() {
		return
	}
	name, next := st.dottedName(j)
	r.mark(j, next, roleTable)
	r.tables = append(r.tables, tableRef{name: name, pos: j})
	if st.at(next).Is("AS") && st.at(next+1).isIdent() {
		r.roles[next+1] = roleAlias
		r.aliases[lower(st.tokens[next+1].name())] = lower(name)
		next += 2
	}

	target := insertTarget{table: name}
	if st.at(next).Kind == TokenLParen && !st.startsQuery(next+1) {
		end := st.match[next]
		for k := next + 1; k < end; k++ {
			if st.tokens[k].isIdent() && st.at(k+1).Kind != TokenDot && st.at(k-1).Kind != TokenDot {
				target.columns = append(target.columns, k)
			}
			r.roles[k] = roleSkip
		}
	}
	r.inserts = append(r.inserts, target)
}

// setTargets records the assigned columns of UPDATE ... SET
func (r *references) setTargets(st *statement, set int, table string) {
	d := st.depth[set]
	expect := true
	for k := set + 1; k < len(st.tokens) && st.depth[k] >= d; k++ {
		tok := st.tokens[k]
		if st.depth[k] > d {
			continue
		}
		switch {
		case tok.IsAny("WHERE", "FROM", "RETURNING", "ORDER", "LIMIT"):
			return
		case expect && tok.Kind == TokenLParen:
			end := st.match[k]
			for c := k + 1; c < end; c++ {
				if st.tokens[c].isIdent() {
					r.sets = append(r.sets, setTarget{table: table, column: c})
				}
				r.roles[c] = roleSkip
			}
			k = end
			expect = false
		case expect && tok.isIdent():
			_, next := st.dottedName(k)
			r.sets = append(r.sets, setTarget{table: table, column: next - 1})
			r.mark(k, next, roleSkip)
			k = next - 1
			expect = false
		case tok.Kind == TokenComma:
			expect = true
		}
	}
}

// skipName marks the possibly qualified name at i as not a column
func (r *references) skipName(st *statement, i int) {
	tok := st.at(i)
	if tok.Kind != TokenWord && tok.Kind != TokenQuoted {
		return
	}
	_, next := st.dottedName(i)
	r.mark(i, next, roleSkip)
}

// modifiers marks names that are types, collations, constraints or
// window names rather than columns
func (r *references) modifiers(st *statement, from int) {
	for i := from; i < len(st.tokens); i++ {
		tok := st.tokens[i]
		prev := st.at(i - 1)
		switch {
		case tok.Kind == TokenOperator && tok.Text == "::":
			r.skipName(st, i+1)
		case tok.Is("AS"):
			if p := st.parent[i]; p >= 0 && st.at(p-1).IsAny("CAST", "TRY_CAST", "SAFE_CAST") {
				r.skipName(st, i+1)
			}
		case tok.Is("USING"):
			if p := st.parent[i]; p >= 0 && st.at(p-1).Is("CONVERT") {
				r.skipName(st, i+1)
			}
		case tok.IsAny("COLLATE", "CHARSET"):
			r.skipName(st, i+1)
		case tok.Is("CHARACTER") && st.at(i+1).Is("SET"):
			r.skipName(st, i+2)
		case tok.Is("CONSTRAINT") && prev.Is("ON"):
			r.skipName(st, i+1)
		case tok.Is("WINDOW"):
			for j := i + 1; st.at(j).isIdent() && st.at(j+1).Is("AS") && st.at(j+2).Kind == TokenLParen; {
				r.roles[j] = roleSkip
				j = st.match[j+2] + 1
				if st.at(j).Kind != TokenComma {
					break
				}
				j++
			}
		case tok.Is("OVER") && st.at(i+1).isIdent():
			r.roles[i+1] = roleSkip
		case tok.Is("OF") && prev.IsAny("UPDATE", "SHARE"):
			for j := i + 1; st.at(j).isIdent(); {
				_, next := st.dottedName(j)
				r.mark(j, next, roleSkip)
				if st.at(next).Kind != TokenComma {
					break
				}
				j = next + 1
			}
		case tok.Kind == TokenLParen && prev.IsAny("EXTRACT", "DATE_PART"):
			if st.at(i+1).Kind == TokenWord {
				r.roles[i+1] = roleSkip
			}
		case tok.Kind == TokenWord && strings.HasPrefix(tok.Text, "_") && st.at(i+1).Kind == TokenString:
			// character set introducer: _utf8mb4'text'
			r.roles[i] = roleSkip
		}
	}
}

// functions marks names followed by an argument list
func (r *references) functions(st *statement) {
	for i := range st.tokens {
		if r.roles[i] != roleCandidate {
			continue
		}
		_, next := st.dottedName(i)
		if st.at(next).Kind == TokenLParen {
			r.mark(i, next, roleFunc)
		}
	}
}

// columnAliases finds output aliases, explicit (AS x) and implicit
// (expr x)
func (r *references) columnAliases(st *statement) {
	for i, tok := range st.tokens {
		if r.roles[i] != roleCandidate || st.at(i+1).Kind == TokenDot {
			continue
		}
		prev := st.at(i - 1)
		alias := prev.Is("AS") ||
			prev.Kind == TokenNumber ||
			prev.Kind == TokenString ||
			prev.Kind == TokenRParen ||
			prev.Is("END") ||
			(prev.isIdent() && r.roles[i-1] == roleCandidate)
		if alias {
			r.roles[i] = roleAlias
			r.outputs[lower(tok.name())] = true
		}
	}
}

var constraintWords = wordSet(
	"CONSTRAINT", "PRIMARY", "FOREIGN", "UNIQUE", "CHECK", "KEY", "INDEX", "EXCLUDE", "LIKE",
	"FULLTEXT", "SPATIAL", "PERIOD",
)

// parseDDL records what a DDL statement requires and creates. It marks the
// DDL header as checked and returns the index of an embedded query, or the
// statement length when there is none.
func (r *references) parseDDL(st *statement) int {
	n := len(st.tokens)
	eff := &ddlEffect{}
	r.ddl = eff
	queryFrom := n
	j := st.main + 1

	switch st.at(st.main).Upper() {
	case "CREATE":
		for st.at(j).IsAny("OR", "REPLACE", "TEMP", "TEMPORARY", "UNLOGGED", "GLOBAL", "LOCAL", "UNIQUE", "MATERIALIZED", "RECURSIVE") {
			j++
		}
		switch {
		case st.at(j).Is("TABLE"):
			queryFrom = r.createTable(st, eff, st.skipIfNotExists(j+1))
		case st.at(j).Is("VIEW"):
			name, next := st.dottedName(st.skipIfNotExists(j + 1))
			if name == "" {
				break
			}
			eff.targets = append(eff.targets, name)
			view := &knownTable{name: name, opaque: true}
			if st.at(next).Kind == TokenLParen {
				view.opaque = false
				end := st.match[next]
				for k := next + 1; k < end; k++ {
					if st.tokens[k].Kind == TokenWord || st.tokens[k].Kind == TokenQuoted {
						view.columns = append(view.columns, st.tokens[k].name())
					}
				}
				next = end + 1
			}
			if st.at(next).Is("AS") {
				queryFrom = next + 1
			}
			eff.apply = append(eff.apply, func(c *catalog) { c.create(view) })
		case st.at(j).Is("INDEX"):
			on := st.findAtDepth(j, "ON")
			if on < 0 {
				break
			}
			k := on + 1
			if st.at(k).Is("ONLY") {
				k++
			}
			table, next := st.dottedName(k)
			if table == "" {
				break
			}
			eff.requires = append(eff.requires, requirement{table: table})
			for ; next < n && st.tokens[next].Kind != TokenLParen; next++ {
			}
			if next < n {
				for _, name := range st.plainElements(next) {
					eff.requires = append(eff.requires, requirement{table: table, column: name})
				}
			}
		}
	case "DROP":
		if st.at(j).Is("MATERIALIZED") {
			j++
		}
		if !st.at(j).IsAny("TABLE", "VIEW") {
			break
		}
		j++
		ifExists := st.at(j).Is("IF") && st.at(j+1).Is("EXISTS")
		if ifExists {
			j += 2
		}
		for _, name := range st.nameList(j) {
			if !ifExists {
				eff.requires = append(eff.requires, requirement{table: name})
			}
			dropped := name
			eff.targets = append(eff.targets, name)
			eff.apply = append(eff.apply, func(c *catalog) { c.drop(dropped) })
		}
	case "ALTER":
		if st.at(j).Is("TABLE") {
			r.alterTable(st, eff, j+1)
		}
	case "TRUNCATE":
		if st.at(j).Is("TABLE") {
			j++
		}
		if st.at(j).Is("ONLY") {
			j++
		}
		for _, name := range st.nameList(j) {
			eff.requires = append(eff.requires, requirement{table: name})
		}
	case "RENAME":
		if !st.at(j).Is("TABLE") {
			break
		}
		for k := j + 1; k < n; {
			from, next := st.dottedName(k)
			if from == "" || !st.at(next).Is("TO") {
				break
			}
			to, after := st.dottedName(next + 1)
			eff.requires = append(eff.requires, requirement{table: from})
			eff.targets = append(eff.targets, from, to)
			eff.apply = append(eff.apply, func(c *catalog) { c.rename(from, to) })
			if st.at(after).Kind != TokenComma {
				break
			}
			k = after + 1
		}
	case "COMMENT":
		if !st.at(j).Is("ON") {
			break
		}
		switch {
		case st.at(j + 1).Is("TABLE"):
			if name, _ := st.dottedName(j + 2); name != "" {
				eff.requires = append(eff.requires, requirement{table: name})
			}
		case st.at(j + 1).Is("COLUMN"):
			if name, _ := st.dottedName(j + 2); strings.Contains(name, ".") {
				i := strings.LastIndexByte(name, '.')
				eff.requires = append(eff.requires, requirement{table: name[:i], column: name[i+1:]})
			}
		}
	}

	r.mark(0, queryFrom, roleSkip)
	return queryFrom
}

func (st *statement) skipIfNotExists(j int) int {
	if st.at(j).Is("IF") && st.at(j+1).Is("NOT") && st.at(j+2).Is("EXISTS") {
		return j + 3
	}
	return j
}

// nameList reads comma separated table names starting at j
func (st *statement) nameList(j int) []string {
	var names []string
	for {
		name, next := st.dottedName(j)
		if name == "" {
			return names
		}
		names = append(names, name)
		if st.at(next).Kind != TokenComma {
			return names
		}
		j = next + 1
	}
}

// plainElements returns the elements of the list opened at open that are
// a single name, such as the columns of an index
func (st *statement) plainElements(open int) []string {
	var names []string
	end := st.match[open]
	start := open + 1
	for k := open + 1; k <= end; k++ {
		if k < end && (st.tokens[k].Kind != TokenComma || st.depth[k] != st.depth[open]+1) {
			continue
		}
		tok := st.at(start)
		if tok.isIdent() && (k == start+1 || st.at(start+1).IsAny("ASC", "DESC", "NULLS", "COLLATE")) {
			names = append(names, tok.name())
		}
		start = k + 1
	}
	return names
}

func (r *references) createTable(st *statement, eff *ddlEffect, j int) int {
	n := len(st.tokens)
	name, next := st.dottedName(j)
	if name == "" {
		return n
	}
	table := &knownTable{name: name}
	eff.targets = append(eff.targets, name)
	queryFrom := n

	switch {
	case st.at(next).Kind == TokenLParen:
		end := st.match[next]
		start := next + 1
		for k := next + 1; k <= end; k++ {
			if k < end && (st.tokens[k].Kind != TokenComma || st.depth[k] != st.depth[next]+1) {
				continue
			}
			first := st.at(start)
			if _, constraint := constraintWords[first.Upper()]; !constraint && (first.Kind == TokenWord || first.Kind == TokenQuoted) {
				table.columns = append(table.columns, first.name())
			}
			start = k + 1
		}
		for k := next + 1; k < end; k++ {
			if st.tokens[k].Is("REFERENCES") {
				ref, _ := st.dottedName(k + 1)
				if ref != "" && !strings.EqualFold(ref, name) {
					eff.requires = append(eff.requires, requirement{table: ref})
				}
			}
		}
		if st.at(end + 1).Is("AS") {
			queryFrom = end + 2
		}
	case st.at(next).Is("AS"):
		table.opaque = true
		queryFrom = next + 1
	case st.at(next).Is("LIKE"):
		src, _ := st.dottedName(next + 1)
		eff.requires = append(eff.requires, requirement{table: src})
		table.copyOf = src
	default:
		table.opaque = true
	}
	eff.apply = append(eff.apply, func(c *catalog) { c.create(table) })
	return queryFrom
}

func (r *references) alterTable(st *statement, eff *ddlEffect, j int) {
	ifExists := st.at(j).Is("IF") && st.at(j+1).Is("EXISTS")
	if ifExists {
		j += 2
	}
	if st.at(j).Is("ONLY") {
		j++
	}
	name, next := st.dottedName(j)
	if name == "" {
		return
	}
	eff.targets = append(eff.targets, name)
	if !ifExists {
		eff.requires = append(eff.requires, requirement{table: name})
	}

	for k := next; k < len(st.tokens); k++ {
		if st.depth[k] != 0 {
			continue
		}
		tok := st.tokens[k]
		switch {
		case tok.Is("RENAME") && st.at(k+1).Is("TO"):
			to, _ := st.dottedName(k + 2)
			eff.targets = append(eff.targets, to)
			eff.apply = append(eff.apply, func(c *catalog) { c.rename(name, to) })
		case tok.Is("RENAME"):
			p := k + 1
			if st.at(p).Is("COLUMN") {
				p++
			}
			if col := st.at(p); col.isIdent() && st.at(p+1).Is("TO") {
				from, to := col.name(), st.at(p+2).name()
				if !ifExists {
					eff.requires = append(eff.requires, requirement{table: name, column: from})
				}
				eff.apply = append(eff.apply, func(c *catalog) { c.alterColumns(name, []string{to}, []string{from}) })
			}
		case tok.Is("ADD"):
			p := k + 1
			if st.at(p).Is("COLUMN") {
				p++
			}
			p = st.skipIfNotExists(p)
			col := st.at(p)
			if _, constraint := constraintWords[col.Upper()]; constraint || (col.Kind != TokenWord && col.Kind != TokenQuoted) {
				continue
			}
			added := col.name()
			eff.apply = append(eff.apply, func(c *catalog) { c.alterColumns(name, []string{added}, nil) })
		case tok.Is("DROP"):
			p := k + 1
			if st.at(p).Is("COLUMN") {
				p++
			}
			colExists := st.at(p).Is("IF") && st.at(p+1).Is("EXISTS")
			if colExists {
				p += 2
			}
			col := st.at(p)
			if _, constraint := constraintWords[col.Upper()]; constraint || !col.isIdent() || col.IsAny("DEFAULT", "NOT") {
				continue
			}
			removed := col.name()
			if !ifExists && !colExists {
				eff.requires = append(eff.requires, requirement{table: name, column: removed})
			}
			eff.apply = append(eff.apply, func(c *catalog) { c.alterColumns(name, nil, []string{removed}) })
		}
	}
}
