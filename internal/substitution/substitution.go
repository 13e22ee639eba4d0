// Package substitution implements the "{{tool.property}}" parameter
// template grammar: a raw recommendation parameter string is parsed
// once into a typed Expression, then resolved against the prior
// invocation results available at dispatch time.
package substitution

import (
	"strconv"
	"strings"
)

// Token is one piece of a parsed template string.
type Token interface{ isToken() }

// Literal is a verbatim run of text with no placeholder.
type Literal string

func (Literal) isToken() {}

// ToolRef references a named property of a named tool's prior result,
// e.g. "{{nmap.openPorts}}" parses to ToolRef{Tool: "nmap", Property: "openPorts"}.
type ToolRef struct {
	Tool     string
	Property string
}

func (ToolRef) isToken() {}

// ResultStore exposes prior invocation results by tool name.
type ResultStore interface {
	// Lookup returns the string value of tool.property, and whether
	// that tool has run and the property exists.
	Lookup(tool, property string) (string, bool)
}

// Parse tokenizes a raw parameter string into Literal and ToolRef
// tokens. Unterminated "{{" is treated as a literal — only a
// well-formed "{{tool.property}}" pair becomes a ToolRef.
func Parse(raw string) []Token {
	var tokens []Token
	i := 0
	for i < len(raw) {
		start := strings.Index(raw[i:], "{{")
		if start < 0 {
			tokens = append(tokens, Literal(raw[i:]))
			break
		}
		start += i
		if start > i {
			tokens = append(tokens, Literal(raw[i:start]))
		}
		end := strings.Index(raw[start:], "}}")
		if end < 0 {
			// No closing delimiter: the rest is a literal, including
			// the unmatched "{{".
			tokens = append(tokens, Literal(raw[start:]))
			break
		}
		end += start
		inner := raw[start+2 : end]
		dot := strings.Index(inner, ".")
		if dot < 0 {
			// Malformed reference body (no "tool.property" shape):
			// keep the whole placeholder as a literal, unchanged.
			tokens = append(tokens, Literal(raw[start:end+2]))
		} else {
			tokens = append(tokens, ToolRef{
				Tool:     strings.TrimSpace(inner[:dot]),
				Property: strings.TrimSpace(inner[dot+1:]),
			})
		}
		i = end + 2
	}
	if len(tokens) == 0 {
		tokens = append(tokens, Literal(""))
	}
	return tokens
}

// Resolve concatenates the resolved value of every token. If any
// ToolRef cannot be resolved against store, resolved is false and
// value is the original placeholder text reproduced verbatim — the
// orchestrator never silently substitutes an empty string for a
// missing reference.
func Resolve(raw string, tokens []Token, store ResultStore) (value string, resolved bool) {
	resolved = true
	var b strings.Builder
	for _, t := range tokens {
		switch v := t.(type) {
		case Literal:
			b.WriteString(string(v))
		case ToolRef:
			if val, ok := store.Lookup(v.Tool, v.Property); ok {
				b.WriteString(val)
			} else {
				resolved = false
				b.WriteString("{{" + v.Tool + "." + v.Property + "}}")
			}
		}
	}
	if !resolved {
		return raw, false
	}
	return b.String(), true
}

// ResolveInt is a convenience for parameters that must parse as an integer.
func ResolveInt(raw string, tokens []Token, store ResultStore) (int, bool, error) {
	s, ok := Resolve(raw, tokens, store)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, true, err
	}
	return n, true, nil
}
