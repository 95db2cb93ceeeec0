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
	"fmt"
	"strings"

	"axonflow/querygate/connectors/schema"
)

// knownTable is a table the gate can resolve: one from the snapshot, or
// one created or altered earlier in the same batch
type knownTable struct {
	name    string
	table   *schema.Table
	columns []string
	opaque  bool   // columns unknown, as after CREATE TABLE ... AS
	copyOf  string // CREATE TABLE ... LIKE source
}

func (k *knownTable) hasColumn(name string) bool {
	if k.opaque {
		return true
	}
	if k.table != nil {
		_, ok := k.table.Column(name)
		return ok
	}
	for _, c := range k.columns {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

func (k *knownTable) columnNames() []string {
	if k.table == nil {
		return append([]string(nil), k.columns...)
	}
	names := make([]string, len(k.table.Columns))
	for i, c := range k.table.Columns {
		names[i] = c.Name
	}
	return names
}

func (k *knownTable) rows() int64 {
	if k.table == nil || k.table.RowCountEstimate < 0 {
		return 0
	}
	return k.table.RowCountEstimate
}

// catalog resolves tables for one batch: the snapshot overlaid with the
// batch's own DDL
type catalog struct {
	snapshot *schema.Snapshot
	dialect  Dialect
	created  map[string]*knownTable
	dropped  map[string]bool
}

func newCatalog(snap *schema.Snapshot, dialect Dialect) *catalog {
	return &catalog{
		snapshot: snap,
		dialect:  dialect,
		created:  make(map[string]*knownTable),
		dropped:  make(map[string]bool),
	}
}

// defaultSchemas name the schema a dialect resolves unqualified tables in
// when no snapshot says otherwise
var defaultSchemas = map[Dialect]string{
	DialectPostgres: "public",
	DialectSQLite:   "main",
}

// local strips a qualifier naming the connection's own schema. A name in
// any other schema or database is not local.
func (c *catalog) local(name string) (string, bool) {
	i := strings.IndexByte(name, '.')
	if i < 0 {
		return name, true
	}
	qualifier, rest := name[:i], name[i+1:]
	if strings.IndexByte(rest, '.') >= 0 {
		return "", false
	}
	if c.snapshot.IsLocalQualifier(qualifier) {
		return rest, true
	}
	if def, ok := defaultSchemas[c.dialect]; ok && c.snapshot == nil && strings.EqualFold(def, qualifier) {
		return rest, true
	}
	return "", false
}

func (c *catalog) key(name string) string {
	if bare, ok := c.local(name); ok {
		return lower(bare)
	}
	return lower(name)
}

func (c *catalog) lookup(name string) (*knownTable, bool) {
	bare, ok := c.local(name)
	if !ok {
		return nil, false
	}
	key := lower(bare)
	if t, ok := c.created[key]; ok {
		return t, true
	}
	if c.dropped[key] {
		return nil, false
	}
	if t, ok := c.snapshot.Table(bare); ok {
		return &knownTable{name: t.Name, table: t}, true
	}
	return nil, false
}

// foreignTable returns the first table the statement names outside the
// connection's own schema, or ""
func (c *catalog) foreignTable(r *references) string {
	names := make([]string, 0, len(r.tables)+len(r.selectInto))
	for _, ref := range r.tables {
		names = append(names, ref.name)
	}
	names = append(names, r.selectInto...)
	if r.ddl != nil {
		for _, req := range r.ddl.requires {
			names = append(names, req.table)
		}
		names = append(names, r.ddl.targets...)
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := c.local(name); !ok {
			return name
		}
	}
	return ""
}

func (c *catalog) create(t *knownTable) {
	if t.copyOf != "" {
		if src, ok := c.lookup(t.copyOf); ok {
			t = &knownTable{name: t.name, columns: src.columnNames(), opaque: src.opaque}
		} else {
			t = &knownTable{name: t.name, opaque: true}
		}
	}
	key := c.key(t.name)
	delete(c.dropped, key)
	c.created[key] = t
}

func (c *catalog) drop(name string) {
	key := c.key(name)
	delete(c.created, key)
	c.dropped[key] = true
}

func (c *catalog) rename(from, to string) {
	t, ok := c.lookup(from)
	if !ok {
		return
	}
	c.drop(from)
	c.create(&knownTable{name: to, columns: t.columnNames(), opaque: t.opaque})
}

func (c *catalog) alterColumns(name string, add, remove []string) {
	t, ok := c.lookup(name)
	if !ok {
		return
	}
	var cols []string
	for _, col := range t.columnNames() {
		keep := true
		for _, r := range remove {
			if strings.EqualFold(col, r) {
				keep = false
			}
		}
		if keep {
			cols = append(cols, col)
		}
	}
	cols = append(cols, add...)
	c.create(&knownTable{name: t.name, columns: cols, opaque: t.opaque})
}

// apply records the tables a statement creates, drops or alters so later
// statements of the batch resolve against them
func (c *catalog) apply(r *references) {
	if r.ddl != nil {
		for _, fn := range r.ddl.apply {
			fn(c)
		}
	}
	for _, name := range r.selectInto {
		c.create(&knownTable{name: name, opaque: true})
	}
}

// schemaIssue is the first unresolvable identifier of a statement
type schemaIssue struct {
	code    string
	message string
}

func (c *catalog) missingTable(name string) *schemaIssue {
	if c.snapshot == nil {
		return &schemaIssue{code: "schema_unavailable", message: fmt.Sprintf("no schema snapshot is available to resolve table %s", name)}
	}
	return &schemaIssue{code: "unknown_table", message: fmt.Sprintf("table %s does not exist", name)}
}

func missingColumn(table, column string) *schemaIssue {
	return &schemaIssue{code: "unknown_column", message: fmt.Sprintf("column %s does not exist in table %s", column, table)}
}

// validate checks every table and column the statement names. Tables are
// checked first, then target column lists, then column references in
// statement order.
func (c *catalog) validate(st *statement, r *references) *schemaIssue {
	if r.ddl != nil {
		for _, req := range r.ddl.requires {
			t, ok := c.lookup(req.table)
			if !ok {
				return c.missingTable(req.table)
			}
			if req.column != "" && !t.hasColumn(req.column) {
				return missingColumn(req.table, req.column)
			}
		}
	}

	for _, ref := range r.tables {
		if r.isCTE(ref.name) {
			continue
		}
		if _, ok := c.lookup(ref.name); !ok {
			return c.missingTable(ref.name)
		}
	}

	for _, ins := range r.inserts {
		t, ok := c.lookup(ins.table)
		if !ok || r.isCTE(ins.table) {
			continue
		}
		for _, k := range ins.columns {
			if col := st.tokens[k].name(); !t.hasColumn(col) {
				return missingColumn(ins.table, col)
			}
		}
	}
	for _, set := range r.sets {
		t, ok := c.lookup(set.table)
		if !ok || r.isCTE(set.table) {
			continue
		}
		if col := st.tokens[set.column].name(); !t.hasColumn(col) {
			return missingColumn(set.table, col)
		}
	}

	for i := 0; i < len(st.tokens); i++ {
		if r.roles[i] != roleCandidate {
			continue
		}
		if st.at(i+1).Kind == TokenDot {
			issue, next := c.qualified(st, r, i)
			if issue != nil {
				return issue
			}
			i = next - 1
			continue
		}
		if issue := c.unqualified(r, st.tokens[i].name()); issue != nil {
			return issue
		}
	}
	return nil
}

// qualified resolves q.c, s.q.c and q.* references starting at i
func (c *catalog) qualified(st *statement, r *references, i int) (*schemaIssue, int) {
	parts := []string{st.tokens[i].name()}
	star := false
	j := i + 1
	for st.at(j).Kind == TokenDot {
		next := st.at(j + 1)
		if next.Kind == TokenOperator && next.Text == "*" {
			star = true
			j += 2
			break
		}
		if next.Kind != TokenWord && next.Kind != TokenQuoted {
			break
		}
		parts = append(parts, next.name())
		j += 2
	}

	var qualifier, column string
	switch {
	case star:
		qualifier = strings.Join(parts, ".")
	case len(parts) == 1:
		return c.unqualified(r, parts[0]), j
	default:
		qualifier = strings.Join(parts[:len(parts)-1], ".")
		column = parts[len(parts)-1]
	}

	q := lower(qualifier)
	if r.ctes[q] {
		return nil, j
	}
	if _, ok := pseudoTables[strings.ToUpper(q)]; ok {
		return nil, j
	}

	table, known := r.aliases[q]
	if known && (table == "" || r.isCTE(table)) {
		return nil, j
	}
	if !known {
		for _, ref := range r.tables {
			if lower(ref.name) == q || lower(lastSegment(ref.name)) == q {
				table, known = ref.name, true
				break
			}
		}
	}
	if !known {
		return &schemaIssue{code: "unknown_qualifier", message: fmt.Sprintf("%s is not a table or alias of this statement", qualifier)}, j
	}

	t, ok := c.lookup(table)
	if !ok || column == "" {
		// a missing table has already been reported
		return nil, j
	}
	if !t.hasColumn(column) {
		return missingColumn(t.name, column), j
	}
	return nil, j
}

// unqualified resolves a bare column against every table of the statement
func (c *catalog) unqualified(r *references, name string) *schemaIssue {
	key := lower(name)
	if r.outputs[key] || r.opaque {
		return nil
	}
	if _, ok := pseudoColumns[strings.ToUpper(key)]; ok {
		return nil
	}
	if _, ok := r.aliases[key]; ok {
		return nil
	}
	for _, ref := range r.tables {
		if lower(lastSegment(ref.name)) == key {
			// whole-row reference
			return nil
		}
		if r.isCTE(ref.name) {
			continue
		}
		t, ok := c.lookup(ref.name)
		if ok && t.hasColumn(name) {
			return nil
		}
	}
	return &schemaIssue{code: "unknown_column", message: fmt.Sprintf("column %s does not exist in any table of the statement", name)}
}
