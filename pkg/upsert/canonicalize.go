// SPDX-License-Identifier: Apache-2.0

package upsert

import (
	"strings"
)

// MaxIdentifierLength is the longest identifier Postgres will store without
// silently truncating it.
// https://www.postgresql.org/docs/current/sql-syntax-lexical.html#SQL-SYNTAX-IDENTIFIERS
const MaxIdentifierLength = 63

// Canonicalize turns a raw, tap-supplied field path into a legal, stable
// Postgres column name: lowercased, with any character outside [a-z0-9_]
// replaced by an underscore, truncated to MaxIdentifierLength. It is
// idempotent: Canonicalize(Canonicalize(x)) == Canonicalize(x) (spec.md §8).
func Canonicalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	name := b.String()
	if len(name) > MaxIdentifierLength {
		name = name[:MaxIdentifierLength]
	}
	return name
}
