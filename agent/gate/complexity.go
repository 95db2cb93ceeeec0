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

// Features are the structural measurements a cost function scores
type Features struct {
	Joins         int   `json:"joins"`
	Subqueries    int   `json:"subqueries"`
	SetOperations int   `json:"set_operations"`
	Wildcards     int   `json:"wildcards"`
	EstimatedRows int64 `json:"estimated_rows"`
}

// CostFunc turns features into a complexity score
type CostFunc func(Features) int

// DefaultCost is
//
//	10*joins + 15*subqueries + 10*set_operations + 5*wildcards
//	  + 5*ceil(log10(estimated_rows + 1))
//
// The row term is computed exactly as the number of decimal digits of
// estimated_rows.
func DefaultCost(f Features) int {
	score := 10*f.Joins + 15*f.Subqueries + 10*f.SetOperations + 5*f.Wildcards
	return score + 5*decimalDigits(f.EstimatedRows)
}

// decimalDigits returns ceil(log10(n+1)) for n >= 0
func decimalDigits(n int64) int {
	d := 0
	for n > 0 {
		d++
		n /= 10
	}
	return d
}

// measure counts joins (explicit and comma), parenthesized subqueries, set
// operations and wildcard projections, and sums the row estimates of every
// referenced table
func measure(st *statement, r *references, cat *catalog) Features {
	f := Features{Joins: r.commaJoins}
	for i, tok := range st.tokens {
		switch {
		case tok.IsAny("JOIN", "STRAIGHT_JOIN"):
			f.Joins++
		case tok.Kind == TokenLParen && st.at(i+1).IsAny("SELECT", "WITH"):
			f.Subqueries++
		case tok.IsAny("UNION", "INTERSECT", "EXCEPT", "MINUS"):
			f.SetOperations++
		case tok.Kind == TokenOperator && tok.Text == "*":
			prev := st.at(i - 1)
			if prev.IsAny("SELECT", "DISTINCT", "ALL") || prev.Kind == TokenComma || prev.Kind == TokenDot {
				f.Wildcards++
			}
		}
	}
	for _, ref := range r.tables {
		if r.isCTE(ref.name) {
			continue
		}
		if t, ok := cat.lookup(ref.name); ok {
			f.EstimatedRows += t.rows()
		}
	}
	return f
}
