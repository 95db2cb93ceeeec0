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
Package schema describes target databases and caches those descriptions.

A Snapshot lists every table with its columns, keys and a cheap row-count
estimate. Dialect packages implement Introspector; Cache builds snapshots
through it, fanning out per table, and keeps them in a bounded TTL LRU with
an optional Redis-backed Store shared between replicas.

Snapshots are immutable once published. Refresh builds a replacement and
swaps it in; a table that fails to describe is dropped with a warning.
*/
package schema
