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
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ansiRegex         = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
	uriUserinfoRegex  = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.\-]*://)([^/@\s:]*)(:[^@\s/]*)?@`)
	passwordMaskRegex = regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*['"]?[^'"\s;&]+['"]?`)
	secretMaskRegex   = regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key|token)\s*[=:]\s*['"]?[^'"\s;&]+['"]?`)
)

const maxLogLength = 500

// SanitizeLogString removes or escapes characters that could be used for log injection
// and masks anything that looks like a credential.
func SanitizeLogString(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = ansiRegex.ReplaceAllString(s, "")
	s = MaskSecrets(s)
	if len(s) > maxLogLength {
		cut := maxLogLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "...[truncated]"
	}
	return s
}

// MaskSecrets replaces URI userinfo and key=value credentials with placeholders.
// Driver error messages pass through here before they reach a caller.
func MaskSecrets(s string) string {
	s = uriUserinfoRegex.ReplaceAllString(s, "${1}***@")
	s = passwordMaskRegex.ReplaceAllString(s, "${1}=[REDACTED]")
	s = secretMaskRegex.ReplaceAllString(s, "${1}=[REDACTED]")
	return s
}

// RedactURI renders a connection URI without its password, suitable for
// logs and CLI output. Unparsable input is fully redacted.
func RedactURI(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	q := u.Query()
	changed := false
	for k := range q {
		lk := strings.ToLower(k)
		if lk == "password" || lk == "sslpassword" || lk == "pwd" {
			q.Set(k, "xxxxx")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// QuoteIdentifier wraps name in the given quote character, doubling any
// embedded quote characters.
func QuoteIdentifier(name string, quote byte) string {
	q := string(quote)
	return q + strings.ReplaceAll(name, q, q+q) + q
}
