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

/*
Package gate decides whether generated SQL may run against a target
database.

Evaluate takes a batch of statements, the target's schema snapshot and a
Policy, and returns a Decision. The stages run in a fixed order and stop at
the first rejection:

	1. syntax            statements must tokenize and be structurally complete
	2. statement count   more than one statement needs AllowMultiStatement
	3. classification    each statement gets an OperationKind; UNKNOWN rejects
	4. permission        INSERT/UPDATE, DELETE and DDL need their policy flag
	5. dangerous pattern a fixed deny-list that no flag or mode disables
	6. schema            every table and column must exist in the snapshot
	7. complexity        the CostFunc score must not exceed the policy maximum

In permissive mode stages 4, 6 and 7 record warnings instead of rejecting.

Everything is computed from tokens. Deny-list regular expressions run on a
statement skeleton with comments removed and string literal bodies blanked,
so a literal can neither trigger a pattern nor hide one. The gate never
touches a database and is safe for concurrent use.
*/
package gate
