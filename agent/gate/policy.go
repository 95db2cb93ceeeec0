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
	"strings"

	"github.com/go-playground/validator/v10"
)

// Mode selects how strictly a policy is applied
type Mode string

const (
	// ModeEnforce rejects on every stage.
	ModeEnforce Mode = "enforce"

	// ModePermissive downgrades permission, schema and complexity
	// violations to warnings. Syntax, statement count, classification and
	// the dangerous-pattern deny-list still reject.
	ModePermissive Mode = "permissive"
)

// ValidModes returns all valid policy modes.
func ValidModes() []Mode {
	return []Mode{ModeEnforce, ModePermissive}
}

// IsValid checks if the mode is a valid policy mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeEnforce, ModePermissive:
		return true
	default:
		return false
	}
}

// String returns the string representation of the mode.
func (m Mode) String() string {
	return string(m)
}

// ParseMode parses a string into a Mode, returning an error if invalid.
func ParseMode(s string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid policy mode: %q, valid modes are: enforce, permissive", s)
	}
	return mode, nil
}

// Policy is the safety configuration a batch is evaluated against. Mode has
// no default: a zero Policy is invalid.
type Policy struct {
	Mode                Mode `json:"mode" yaml:"mode" validate:"required,oneof=enforce permissive"`
	AllowWrite          bool `json:"allow_write" yaml:"allow_write"`
	AllowDelete         bool `json:"allow_delete" yaml:"allow_delete"`
	AllowDDL            bool `json:"allow_ddl" yaml:"allow_ddl"`
	AllowMultiStatement bool `json:"allow_multi_statement" yaml:"allow_multi_statement"`
	MaxComplexityScore  int  `json:"max_complexity_score" yaml:"max_complexity_score" validate:"min=1"`
}

// DefaultPolicy allows reads and inserts/updates, denies deletes, DDL and
// multiple statements, and caps complexity at 100
func DefaultPolicy(mode Mode) Policy {
	return Policy{
		Mode:               mode,
		AllowWrite:         true,
		MaxComplexityScore: 100,
	}
}

var validate = validator.New()

// Validate reports every invalid field of the policy
func (p Policy) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return errors.New("invalid policy: " + strings.Join(msgs, "; "))
}

// permits reports whether the policy allows an operation kind
func (p Policy) permits(kind OperationKind) bool {
	switch kind {
	case OpRead:
		return true
	case OpInsert, OpUpdate:
		return p.AllowWrite
	case OpDelete:
		return p.AllowDelete
	case OpDDL:
		return p.AllowDDL
	default:
		return false
	}
}

func (p Policy) permissive() bool {
	return p.Mode == ModePermissive
}
