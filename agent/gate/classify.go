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

import "sort"

// OperationKind is the effect class of a statement. Kinds are ordered by
// severity so a statement's kind is the highest of its operations.
type OperationKind int

const (
	OpUnknown OperationKind = iota
	OpRead
	OpInsert
	OpUpdate
	OpDelete
	OpDDL
)

var opNames = [...]string{
	OpUnknown: "UNKNOWN",
	OpRead:    "READ",
	OpInsert:  "INSERT",
	OpUpdate:  "UPDATE",
	OpDelete:  "DELETE",
	OpDDL:     "DDL",
}

func (k OperationKind) String() string {
	if k >= 0 && int(k) < len(opNames) {
		return opNames[k]
	}
	return "UNKNOWN"
}

// MarshalText renders the kind by name
func (k OperationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// IsWrite reports whether the kind changes data or structure
func (k OperationKind) IsWrite() bool {
	return k >= OpInsert
}

// operation is one effect found in a statement, tagged with the keyword
// that produces it
type operation struct {
	kind    OperationKind
	keyword string
	pos     int
}

type classification struct {
	kind    OperationKind
	keyword string
	ops     []operation
}

// kinds lists the distinct operation kinds in severity order
func (c classification) kinds() []OperationKind {
	seen := make(map[OperationKind]bool, len(c.ops))
	var out []OperationKind
	for _, op := range c.ops {
		if !seen[op.kind] {
			seen[op.kind] = true
			out = append(out, op.kind)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// classify tags the statement with every operation it performs. The
// statement's kind is its most severe operation, or UNKNOWN when the
// leading keyword is not recognized.
func classify(st *statement) classification {
	ops := st.operationsAt(0)
	lead := ops[0]
	if lead.kind == OpUnknown {
		return classification{kind: OpUnknown, keyword: lead.keyword, ops: ops[:1]}
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].pos < ops[j].pos })

	c := classification{kind: lead.kind, keyword: lead.keyword, ops: ops}
	for _, op := range ops {
		if op.kind > c.kind {
			c.kind = op.kind
		}
	}
	return c
}

// operationsAt classifies the statement beginning at i. The first element
// is the operation named by the leading keyword.
func (st *statement) operationsAt(i int) []operation {
	outer := st.depth0(i)
	i = st.skipParens(i)
	tok := st.at(i)
	word := tok.Upper()

	if st.isCTEStart(i) {
		ctes, main, serr := st.parseWith(i)
		if serr != nil {
			return []operation{{kind: OpUnknown, keyword: "WITH", pos: i}}
		}
		ops := st.operationsAt(main)
		for _, c := range ctes {
			for _, op := range st.operationsAt(c.open + 1) {
				if op.kind > OpRead {
					ops = append(ops, op)
				}
			}
		}
		return ops
	}

	switch word {
	case "EXPLAIN":
		return st.operationsAt(st.skipExplainOptions(i + 1))
	case "SELECT":
		return append([]operation{{kind: OpRead, keyword: word, pos: i}}, st.selectEffects(i, outer)...)
	case "VALUES", "TABLE", "SHOW", "DESCRIBE", "DESC":
		return []operation{{kind: OpRead, keyword: word, pos: i}}
	case "INSERT", "REPLACE":
		return append([]operation{{kind: OpInsert, keyword: word, pos: i}}, st.upsertEffects(i)...)
	case "UPDATE":
		return []operation{{kind: OpUpdate, keyword: word, pos: i}}
	case "DELETE":
		return []operation{{kind: OpDelete, keyword: word, pos: i}}
	}
	if _, ok := ddlKeywords[word]; ok {
		return []operation{{kind: OpDDL, keyword: word, pos: i}}
	}
	if word == "" {
		word = tok.Text
	}
	return []operation{{kind: OpUnknown, keyword: word, pos: i}}
}

// target returns the statement EXPLAIN wraps, or i itself
func (st *statement) target(i int) int {
	if st.at(i).Is("EXPLAIN") {
		return st.skipParens(st.skipExplainOptions(i + 1))
	}
	return i
}

// skipExplainOptions steps over ANALYZE, VERBOSE, FORMAT=..., QUERY PLAN
// and parenthesized option lists
func (st *statement) skipExplainOptions(j int) int {
	for {
		tok := st.at(j)
		switch {
		case tok.IsAny("ANALYZE", "ANALYSE", "VERBOSE", "EXTENDED", "PARTITIONS", "QUERY", "PLAN"):
			j++
		case tok.Is("FORMAT"):
			j++
			if st.at(j).Text == "=" {
				j++
			}
			j++
		case tok.Kind == TokenLParen && !st.startsQuery(j+1):
			j = st.match[j] + 1
		default:
			return j
		}
	}
}

// depth0 returns the nesting depth at i, or 0 past the end
func (st *statement) depth0(i int) int {
	if i < 0 || i >= len(st.depth) {
		return 0
	}
	return st.depth[i]
}

// selectEffects finds clauses that turn a SELECT into something other
// than a read: SELECT ... INTO creates a table, locking clauses take row
// locks. The scan covers everything nested at or below outer, so a
// parenthesized set operation is searched as a whole.
func (st *statement) selectEffects(i, outer int) []operation {
	var ops []operation
	d := st.depth[i]
	for k := i + 1; k < len(st.tokens) && st.depth[k] >= outer; k++ {
		tok := st.tokens[k]
		switch {
		case tok.Is("INTO") && st.depth[k] == d:
			next := st.at(k + 1)
			if next.IsAny("OUTFILE", "DUMPFILE") || next.Kind == TokenParam {
				continue
			}
			ops = append(ops, operation{kind: OpDDL, keyword: "SELECT INTO", pos: k})
		case tok.Is("FOR"):
			if kw := st.lockClause(k); kw != "" {
				ops = append(ops, operation{kind: OpUpdate, keyword: kw, pos: k})
			}
		case tok.Is("LOCK") && st.at(k+1).Is("IN") && st.at(k+2).Is("SHARE") && st.at(k+3).Is("MODE"):
			ops = append(ops, operation{kind: OpUpdate, keyword: "LOCK IN SHARE MODE", pos: k})
		}
	}
	return ops
}

// lockClause names the row-locking clause starting with the FOR at k
func (st *statement) lockClause(k int) string {
	a, b, c := st.at(k+1), st.at(k+2), st.at(k+3)
	switch {
	case a.Is("UPDATE"):
		return "FOR UPDATE"
	case a.Is("SHARE"):
		return "FOR SHARE"
	case a.Is("NO") && b.Is("KEY") && c.Is("UPDATE"):
		return "FOR NO KEY UPDATE"
	case a.Is("KEY") && b.Is("SHARE"):
		return "FOR KEY SHARE"
	}
	return ""
}

// upsertEffects finds ON CONFLICT DO UPDATE and ON DUPLICATE KEY UPDATE
func (st *statement) upsertEffects(i int) []operation {
	d := st.depth[i]
	for k := i + 1; k < len(st.tokens) && st.depth[k] >= d; k++ {
		tok := st.tokens[k]
		if st.depth[k] != d || !tok.Is("ON") {
			continue
		}
		next := st.at(k + 1)
		switch {
		case next.Is("DUPLICATE") && st.at(k+2).Is("KEY") && st.at(k+3).Is("UPDATE"):
			return []operation{{kind: OpUpdate, keyword: "ON DUPLICATE KEY UPDATE", pos: k}}
		case next.Is("CONFLICT"):
			for j := k + 2; j < len(st.tokens) && st.depth[j] >= d; j++ {
				if st.depth[j] == d && st.tokens[j].Is("DO") {
					if st.at(j + 1).Is("UPDATE") {
						return []operation{{kind: OpUpdate, keyword: "ON CONFLICT DO UPDATE", pos: k}}
					}
					break
				}
			}
		}
	}
	return nil
}
