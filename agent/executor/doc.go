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

// Package executor runs statements that the policy gate has accepted.
//
// Every execution holds one pooled connection for its whole duration and is
// bounded by a wall-clock timeout. A lone read runs in a read-only
// transaction (or, on SQLite, a query_only session) and is rolled back.
// Any other batch runs inside one transaction that commits only when every
// statement succeeds. Driver failures are reported as ExecutionError with
// the driver's reason code and a sanitized message; deadline expiry is
// reported as ExecutionTimeout.
package executor
