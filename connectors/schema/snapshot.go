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

package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Column describes one column of a table
type Column struct {
	Name     string `json:"name" msgpack:"name"`
	Type     string `json:"type" msgpack:"type"`
	Nullable bool   `json:"nullable" msgpack:"nullable"`
	IsPK     bool   `json:"is_pk" msgpack:"is_pk"`

	// FKRef is "table.column" when the column references another table
	FKRef string `json:"fk_ref,omitempty" msgpack:"fk_ref,omitempty"`
}

// Table describes one table or view
type Table struct {
	Name             string   `json:"name" msgpack:"name"`
	Columns          []Column `json:"columns" msgpack:"columns"`
	RowCountEstimate int64    `json:"row_count_estimate" msgpack:"row_count_estimate"`
}

// Column looks up a column case-insensitively
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// Snapshot is an immutable description of one target database. A snapshot
// is never modified after it has been published to the cache; a refresh
// builds a new one and swaps it in.
type Snapshot struct {
	ConnectionID string            `json:"connection_id" msgpack:"connection_id"`
	Schema       string            `json:"schema,omitempty" msgpack:"schema,omitempty"` // introspected schema or database
	Tables       map[string]*Table `json:"tables" msgpack:"tables"` // keyed by lowercase name
	FetchedAt    time.Time         `json:"fetched_at" msgpack:"fetched_at"`
	Warnings     []string          `json:"warnings,omitempty" msgpack:"warnings,omitempty"`
}

// NewSnapshot builds a snapshot from a table list
func NewSnapshot(connectionID string, tables []*Table, fetchedAt time.Time) *Snapshot {
	s := &Snapshot{
		ConnectionID: connectionID,
		Tables:       make(map[string]*Table, len(tables)),
		FetchedAt:    fetchedAt,
	}
	for _, t := range tables {
		s.Tables[strings.ToLower(t.Name)] = t
	}
	return s
}

// Table resolves a table reference. A qualified name resolves only when
// its qualifier is the introspected schema; tables of any other schema or
// database are not part of the snapshot.
func (s *Snapshot) Table(name string) (*Table, bool) {
	if s == nil {
		return nil, false
	}
	key := strings.ToLower(name)
	if i := strings.IndexByte(key, '.'); i >= 0 {
		if !s.IsLocalQualifier(key[:i]) {
			return nil, false
		}
		key = key[i+1:]
		if strings.IndexByte(key, '.') >= 0 {
			return nil, false
		}
	}
	t, ok := s.Tables[key]
	return t, ok
}

// IsLocalQualifier reports whether q names the introspected schema
func (s *Snapshot) IsLocalQualifier(q string) bool {
	return s != nil && s.Schema != "" && strings.EqualFold(s.Schema, q)
}

// TableNames returns the table names in sorted order
func (s *Snapshot) TableNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// Age reports how long ago the snapshot was taken
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// Context renders the schema as the plain-text block handed to the SQL
// generator:
//
//	Table: users
//	Rows: ~1200
//	Columns:
//	  - id (integer) [PRIMARY KEY] [NOT NULL]
//	  - org_id (integer) [FK -> orgs.id]
func (s *Snapshot) Context() string {
	if s == nil || len(s.Tables) == 0 {
		return "No tables found in database."
	}

	var b strings.Builder
	b.WriteString("Database Schema:\n\n")
	for _, name := range s.TableNames() {
		t, _ := s.Table(name)
		fmt.Fprintf(&b, "Table: %s\n", t.Name)
		fmt.Fprintf(&b, "Rows: ~%d\n", t.RowCountEstimate)
		b.WriteString("Columns:\n")
		for _, c := range t.Columns {
			fmt.Fprintf(&b, "  - %s (%s)", c.Name, c.Type)
			if c.IsPK {
				b.WriteString(" [PRIMARY KEY]")
			}
			if c.FKRef != "" {
				fmt.Fprintf(&b, " [FK -> %s]", c.FKRef)
			}
			if !c.Nullable {
				b.WriteString(" [NOT NULL]")
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
