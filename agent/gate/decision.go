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

	"axonflow/querygate/connectors/base"
)

// Stage names a step of the evaluation pipeline
type Stage string

const (
	StagePolicy           Stage = "policy"
	StageSyntax           Stage = "syntax"
	StageStatementCount   Stage = "statement_count"
	StageClassification   Stage = "classification"
	StagePermission       Stage = "permission"
	StageDangerousPattern Stage = "dangerous_pattern"
	StageSchema           Stage = "schema"
	StageComplexity       Stage = "complexity"
)

// Rule identifies why a statement was rejected
type Rule string

const (
	RuleInvalidPolicy            Rule = "InvalidPolicy"
	RuleSyntaxError              Rule = "SyntaxError"
	RuleMultiStatementNotAllowed Rule = "MultiStatementNotAllowed"
	RuleUnsupportedOperation     Rule = "UnsupportedOperation"
	RulePermissionDenied         Rule = "PermissionDenied"
	RuleDangerousPattern         Rule = "DangerousPattern"
	RuleUnknownIdentifier        Rule = "UnknownIdentifier"
	RuleComplexityExceeded       Rule = "ComplexityExceeded"
)

// Violation is one failed check. Statement is the zero-based index of the
// offending statement, or -1 when the violation concerns the whole batch.
type Violation struct {
	Stage     Stage  `json:"stage"`
	Rule      Rule   `json:"rule"`
	Code      string `json:"code"`
	Statement int    `json:"statement"`
	Message   string `json:"message"`
}

func (v Violation) String() string {
	if v.Statement < 0 {
		return fmt.Sprintf("%s: %s", v.Rule, v.Message)
	}
	return fmt.Sprintf("%s (statement %d): %s", v.Rule, v.Statement+1, v.Message)
}

// Statement is one normalized statement of a decision
type Statement struct {
	Index      int             `json:"index"`
	SQL        string          `json:"sql"`
	Skeleton   string          `json:"skeleton"`
	Kind       OperationKind   `json:"kind"`
	Kinds      []OperationKind `json:"kinds,omitempty"`
	Keyword    string          `json:"keyword,omitempty"`
	Complexity int             `json:"complexity"`
	Features   Features        `json:"features"`
	Tables     []string        `json:"tables,omitempty"`
}

// Decision is the result of evaluating a batch. It is a pure function of
// the statements, schema snapshot and policy.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
	Statements []Statement `json:"statements"`
	Warnings   []string    `json:"warnings,omitempty"`
	Policy     Policy      `json:"policy"`
}

// Err returns nil for an allowed decision and a PolicyViolation carrying
// the first violated rule otherwise
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if len(d.Violations) == 0 {
		return base.NewError("gate", "evaluate", base.KindPolicyViolation, "rejected", "statement rejected", nil)
	}
	v := d.Violations[0]
	return base.NewError("gate", "evaluate", base.KindPolicyViolation, string(v.Rule), v.String(), nil)
}

// Rule returns the first violated rule, or "" when allowed
func (d *Decision) Rule() Rule {
	if len(d.Violations) == 0 {
		return ""
	}
	return d.Violations[0].Rule
}

// Kind is the most severe operation across all statements
func (d *Decision) Kind() OperationKind {
	kind := OpUnknown
	for _, s := range d.Statements {
		if s.Kind > kind {
			kind = s.Kind
		}
	}
	return kind
}

// ReadOnly reports a decision made only of reads
func (d *Decision) ReadOnly() bool {
	if len(d.Statements) == 0 {
		return false
	}
	for _, s := range d.Statements {
		if s.Kind != OpRead {
			return false
		}
	}
	return true
}

// SQL returns the statement texts in order
func (d *Decision) SQL() []string {
	out := make([]string, len(d.Statements))
	for i, s := range d.Statements {
		out[i] = s.SQL
	}
	return out
}

func (d *Decision) reject(v Violation) *Decision {
	d.Allowed = false
	d.Violations = append(d.Violations, v)
	return d
}

func (d *Decision) warn(v Violation) {
	d.Warnings = append(d.Warnings, v.String())
}
