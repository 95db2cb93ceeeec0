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

package base

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// Queryer is the read surface shared by *sql.DB, *sql.Conn and *sql.Tx
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DSNOptions carries pool-independent connection settings into a dialect
type DSNOptions struct {
	ConnectTimeout  time.Duration
	ApplicationName string
}

// Dialect adapts one database family to database/sql. Implementations
// register themselves from an init function, the same way drivers do.
type Dialect interface {
	// Name is the canonical dialect name used in configuration allow-lists
	Name() string
	// DriverName is the database/sql driver to open
	DriverName() string
	// Schemes lists the URI schemes this dialect accepts, lowercase
	Schemes() []string
	// BuildDSN converts a parsed connection URI into a driver DSN
	BuildDSN(u *url.URL, opts DSNOptions) (string, error)
	// SupportsReadOnlyTx reports whether sql.TxOptions{ReadOnly: true} is honored
	SupportsReadOnlyTx() bool
	// ExplainPrefix is prepended to a read statement to obtain its plan
	ExplainPrefix() string
	// QuoteIdent quotes an identifier for interpolation into introspection SQL
	QuoteIdent(name string) string
	// ClassifyError maps a driver error to a reason code. Transient errors
	// are eligible for one retry when they happen during connect.
	ClassifyError(err error) (code string, transient bool)
}

var (
	dialectsMu sync.RWMutex
	dialects   = make(map[string]Dialect)
	schemes    = make(map[string]Dialect)
)

// RegisterDialect makes a dialect available by name and by scheme.
// It panics on duplicate registration.
func RegisterDialect(d Dialect) {
	dialectsMu.Lock()
	defer dialectsMu.Unlock()

	name := strings.ToLower(d.Name())
	if _, dup := dialects[name]; dup {
		panic("base: RegisterDialect called twice for " + name)
	}
	dialects[name] = d
	for _, s := range d.Schemes() {
		schemes[strings.ToLower(s)] = d
	}
}

// LookupDialect returns a registered dialect by name
func LookupDialect(name string) (Dialect, bool) {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	d, ok := dialects[strings.ToLower(name)]
	return d, ok
}

// Dialects returns the names of all registered dialects, sorted
func Dialects() []string {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	names := make([]string, 0, len(dialects))
	for n := range dialects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseURI parses a connection URI and resolves its dialect. Driver
// suffixes such as "postgresql+psycopg2" are accepted and ignored.
// Errors never include the URI itself.
func ParseURI(raw string) (*url.URL, Dialect, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil, NewError("base", "parse_uri", KindConfig, "empty_uri", "connection URI is empty", nil)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, nil, NewError("base", "parse_uri", KindConfig, "malformed_uri", "connection URI could not be parsed", nil)
	}
	if u.Scheme == "" {
		return nil, nil, NewError("base", "parse_uri", KindConfig, "malformed_uri", "connection URI has no scheme", nil)
	}

	scheme := strings.ToLower(u.Scheme)
	if i := strings.IndexByte(scheme, '+'); i >= 0 {
		scheme = scheme[:i]
	}

	dialectsMu.RLock()
	d, ok := schemes[scheme]
	dialectsMu.RUnlock()
	if !ok {
		return nil, nil, NewError("base", "parse_uri", KindConfig, "unsupported_scheme",
			"connection URI scheme "+SanitizeLogString(scheme)+" is not supported", nil)
	}
	return u, d, nil
}

// ClassifyCommonError classifies failures that are not specific to one
// driver: context expiry, broken connections and network errors.
func ClassifyCommonError(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", false
	case errors.Is(err, context.Canceled):
		return "canceled", false
	case errors.Is(err, driver.ErrBadConn):
		return "bad_connection", true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return "unknown_host", false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return "network", true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "no route to host"} {
		if strings.Contains(msg, pattern) {
			return "network", true
		}
	}
	return "driver_error", false
}
