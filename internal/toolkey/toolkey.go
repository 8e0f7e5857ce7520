// Package toolkey normalizes user-supplied tool identifiers.
package toolkey

import "strings"

// Key is a normalized tool identifier: lowercase, drawn from [a-z0-9_-].
type Key string

// Normalize strips every character outside [a-zA-Z0-9_-] and lowercases the rest.
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(raw string) Key {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return Key(b.String())
}

// NormalizeAll normalizes a list of keys, dropping entries that normalize to "".
func NormalizeAll(raw []string) []Key {
	out := make([]Key, 0, len(raw))
	for _, r := range raw {
		if k := Normalize(r); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func (k Key) String() string { return string(k) }
