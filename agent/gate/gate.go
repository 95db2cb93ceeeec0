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
	"errors"
	"fmt"
	"sort"

	"axonflow/querygate/connectors/schema"
)

// Input is one batch to evaluate. Each element of Statements may itself
// hold several semicolon-separated statements; the gate re-splits them so
// the statement count cannot be understated.
type Input struct {
	Statements []string
	Schema     *schema.Snapshot
	Policy     Policy
	Dialect    Dialect
}

// Option configures a Gate
type Option func(*Gate)

// WithCostFunc replaces the default complexity formula
func WithCostFunc(fn CostFunc) Option {
	return func(g *Gate) {
		if fn != nil {
			g.cost = fn
		}
	}
}

// WithPatterns replaces the deny-list
func WithPatterns(ps *PatternSet) Option {
	return func(g *Gate) {
		if ps != nil {
			g.patterns = ps
		}
	}
}

// Gate evaluates batches against a policy. A Gate holds no per-request
// state and is safe for concurrent use.
type Gate struct {
	cost     CostFunc
	patterns *PatternSet
}

// New creates a gate with the default cost function and deny-list
func New(opts ...Option) *Gate {
	g := &Gate{
		cost:     DefaultCost,
		patterns: NewPatternSet(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var defaultGate = New()

// Evaluate runs in through the default gate
func Evaluate(in Input) *Decision {
	return defaultGate.Evaluate(in)
}

// Evaluate runs the stages in a fixed order and stops at the first
// rejection. Syntax and statement count apply to the whole batch; the
// remaining stages run statement by statement so that DDL earlier in the
// batch is visible to schema checks of later statements.
func (g *Gate) Evaluate(in Input) *Decision {
	d := &Decision{Allowed: true, Policy: in.Policy}

	if err := in.Policy.Validate(); err != nil {
		return d.reject(Violation{
			Stage:     StagePolicy,
			Rule:      RuleInvalidPolicy,
			Code:      "invalid_policy",
			Statement: -1,
			Message:   err.Error(),
		})
	}

	stmts, v := parseBatch(in.Statements, in.Dialect)
	if v != nil {
		return d.reject(*v)
	}
	d.Statements = make([]Statement, len(stmts))
	for i, st := range stmts {
		d.Statements[i] = Statement{Index: i, SQL: st.sql, Skeleton: st.skeleton}
	}

	if len(stmts) > 1 && !in.Policy.AllowMultiStatement {
		return d.reject(Violation{
			Stage:     StageStatementCount,
			Rule:      RuleMultiStatementNotAllowed,
			Code:      "multiple_statements",
			Statement: -1,
			Message:   fmt.Sprintf("batch holds %d statements but multiple statements are not allowed", len(stmts)),
		})
	}

	cat := newCatalog(in.Schema, in.Dialect)
	for i, st := range stmts {
		if v := g.evaluateStatement(d, st, &d.Statements[i], cat, in.Policy); v != nil {
			return d.reject(*v)
		}
	}
	return d
}

func parseBatch(inputs []string, dialect Dialect) ([]*statement, *Violation) {
	var stmts []*statement
	for _, src := range inputs {
		parts, err := Split(src, dialect)
		if err != nil {
			var se *SyntaxError
			if !errors.As(err, &se) {
				se = syntaxErr(0, "invalid_input", "%v", err)
			}
			return nil, syntaxViolation(len(stmts), se)
		}
		for _, part := range parts {
			st, se := parseStatement(len(stmts), part, dialect)
			if se != nil {
				return nil, syntaxViolation(len(stmts), se)
			}
			stmts = append(stmts, st)
		}
	}
	if len(stmts) == 0 {
		return nil, &Violation{
			Stage:     StageSyntax,
			Rule:      RuleSyntaxError,
			Code:      "empty_statement",
			Statement: -1,
			Message:   "no statement to evaluate",
		}
	}
	return stmts, nil
}

func syntaxViolation(index int, se *SyntaxError) *Violation {
	return &Violation{
		Stage:     StageSyntax,
		Rule:      RuleSyntaxError,
		Code:      se.Code,
		Statement: index,
		Message:   se.Error(),
	}
}

// evaluateStatement runs stages 3 to 7 for one statement and fills out.
// Violations the policy downgrades are recorded as warnings on d.
func (g *Gate) evaluateStatement(d *Decision, st *statement, out *Statement, cat *catalog, p Policy) *Violation {
	cls := classify(st)
	st.ops = cls.ops
	out.Kind = cls.kind
	out.Kinds = cls.kinds()
	out.Keyword = cls.keyword

	if cls.kind == OpUnknown {
		keyword := cls.keyword
		if keyword == "" {
			keyword = st.at(st.main).Text
		}
		return &Violation{
			Stage:     StageClassification,
			Rule:      RuleUnsupportedOperation,
			Code:      "unsupported_operation",
			Statement: st.index,
			Message:   fmt.Sprintf("%s statements are not supported", keyword),
		}
	}

	// stage 4
	for _, op := range cls.ops {
		if p.permits(op.kind) {
			continue
		}
		v := Violation{
			Stage:     StagePermission,
			Rule:      RulePermissionDenied,
			Code:      permissionCode(op.kind),
			Statement: st.index,
			Message:   fmt.Sprintf("%s is not permitted: %s", op.keyword, permissionReason(op.kind)),
		}
		if !p.permissive() {
			return &v
		}
		d.warn(v)
		break
	}

	// stage 5 applies in every mode
	if pat := g.patterns.match(st); pat != nil {
		return &Violation{
			Stage:     StageDangerousPattern,
			Rule:      RuleDangerousPattern,
			Code:      pat.Name,
			Statement: st.index,
			Message:   pat.Description,
		}
	}
	refs := collectReferences(st)
	if name := cat.foreignTable(refs); name != "" {
		return &Violation{
			Stage:     StageDangerousPattern,
			Rule:      RuleDangerousPattern,
			Code:      "cross_database",
			Statement: st.index,
			Message:   fmt.Sprintf("table %s is outside the connection's schema", name),
		}
	}

	// stage 6
	out.Tables = tableNames(refs)
	if issue := cat.validate(st, refs); issue != nil {
		v := Violation{
			Stage:     StageSchema,
			Rule:      RuleUnknownIdentifier,
			Code:      issue.code,
			Statement: st.index,
			Message:   issue.message,
		}
		if !p.permissive() {
			return &v
		}
		d.warn(v)
	}

	// stage 7
	out.Features = measure(st, refs, cat)
	out.Complexity = g.cost(out.Features)
	cat.apply(refs)
	if out.Complexity > p.MaxComplexityScore {
		v := Violation{
			Stage:     StageComplexity,
			Rule:      RuleComplexityExceeded,
			Code:      "complexity_exceeded",
			Statement: st.index,
			Message:   fmt.Sprintf("complexity score %d exceeds the maximum of %d", out.Complexity, p.MaxComplexityScore),
		}
		if !p.permissive() {
			return &v
		}
		d.warn(v)
	}
	return nil
}

func permissionCode(kind OperationKind) string {
	switch kind {
	case OpDelete:
		return "delete_not_allowed"
	case OpDDL:
		return "ddl_not_allowed"
	default:
		return "write_not_allowed"
	}
}

func permissionReason(kind OperationKind) string {
	switch kind {
	case OpDelete:
		return "allow_delete is false"
	case OpDDL:
		return "allow_ddl is false"
	default:
		return "allow_write is false"
	}
}

// tableNames lists the real tables a statement reads or writes
func tableNames(r *references) []string {
	seen := make(map[string]bool, len(r.tables))
	var names []string
	for _, ref := range r.tables {
		key := lower(ref.name)
		if r.isCTE(ref.name) || seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, ref.name)
	}
	sort.Strings(names)
	return names
}
