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
Package postgres registers the PostgreSQL dialect.

Importing the package for side effects makes postgres:// and postgresql://
URIs (including SQLAlchemy driver suffixes such as postgresql+psycopg2://)
resolvable through base.ParseURI:

	import _ "axonflow/querygate/connectors/postgres"

Connections use lib/pq. Read-only transactions are native, and introspection
reads information_schema for the connection's current schema. Row counts come
from pg_class.reltuples, so they are only as fresh as the last ANALYZE.
*/
package postgres
