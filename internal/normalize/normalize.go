// Package normalize repairs the common ways a text oracle mangles JSON.
//
// Normalize is total and idempotent: it never fails, and
// Normalize(Normalize(s)) == Normalize(s) for every s. Text it cannot repair
// is returned in its best-effort form; rejecting it is the parser's job.
package normalize

import (
	"regexp"
	"strings"
)

const fence = "```"

// fenceOpen matches an opening code fence with an optional language tag.
var fenceOpen = regexp.MustCompile("(?i)^```[a-z0-9_+.-]*")

// Normalize strips code fences and repairs quoting outside string literals.
func Normalize(raw string) string {
	return Repair(StripFences(raw))
}

// StripFences removes leading and trailing code-fence markers, repeatedly,
// until neither edge carries one. Surrounding whitespace is trimmed.
func StripFences(s string) string {
	for {
		prev := s
		s = strings.TrimSpace(s)
		if loc := fenceOpen.FindStringIndex(s); loc != nil {
			s = strings.TrimSpace(s[loc[1]:])
		}
		s = strings.TrimSpace(strings.TrimSuffix(s, fence))
		if s == prev {
			return s
		}
	}
}

// Repair rewrites JSON-like text into JSON where the damage is local:
//
//   - 'single quoted' strings become "double quoted" ones;
//   - bareword keys (an identifier followed by ':') are quoted;
//   - bareword values (an identifier preceded by ':') are quoted, except
//     true, false and null.
//
// Double-quoted strings are copied verbatim, escapes included.
func Repair(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)

	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '"':
			j := scanDoubleQuoted(s, i)
			b.WriteString(s[i:j])
			i = j

		case c == '\'':
			i = convertSingleQuoted(&b, s, i)

		case isWordByte(c):
			j := i
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			word := s[i:j]
			if isIdentStart(c) && (followedByColon(s, j) || (precededByColon(s, i) && !isLiteral(word))) {
				b.WriteByte('"')
				b.WriteString(word)
				b.WriteByte('"')
			} else {
				b.WriteString(word)
			}
			i = j

		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// scanDoubleQuoted returns the index just past the double-quoted string
// starting at i. An unterminated string runs to the end of s.
func scanDoubleQuoted(s string, i int) int {
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case '"':
			return j + 1
		}
	}
	return len(s)
}

// convertSingleQuoted writes the single-quoted string starting at i as a
// double-quoted one and returns the index just past it.
func convertSingleQuoted(b *strings.Builder, s string, i int) int {
	b.WriteByte('"')
	for j := i + 1; j < len(s); {
		c := s[j]
		switch c {
		case '\\':
			if j+1 >= len(s) {
				b.WriteByte('\\')
				return len(s)
			}
			if s[j+1] == '\'' {
				b.WriteByte('\'')
			} else {
				b.WriteString(s[j : j+2])
			}
			j += 2
		case '\'':
			b.WriteByte('"')
			return j + 1
		case '"':
			b.WriteString(`\"`)
			j++
		default:
			b.WriteByte(c)
			j++
		}
	}
	return len(s)
}

func isWordByte(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '.'
}

func isIdentStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c == '$'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isLiteral(word string) bool {
	return word == "true" || word == "false" || word == "null"
}

func followedByColon(s string, j int) bool {
	for j < len(s) && isSpace(s[j]) {
		j++
	}
	return j < len(s) && s[j] == ':'
}

func precededByColon(s string, i int) bool {
	k := i - 1
	for k >= 0 && isSpace(s[k]) {
		k--
	}
	return k >= 0 && s[k] == ':'
}
