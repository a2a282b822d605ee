// Package jql builds the filter expressions sent to the upstream search API.
//
// Builders never return an error: empty or blank input yields a deliberately
// unbalanced expression that Validate rejects before anything is sent.
package jql

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidQuery = errors.New("invalid query expression")

// malformed is returned for unusable input; its open parenthesis never closes.
const malformed = "key in ("

// RootItems selects the designated root type within projects carrying label.
func RootItems(projects []string, rootType, label string) string {
	keys, ok := nonBlank(projects)
	if !ok || strings.TrimSpace(rootType) == "" || strings.TrimSpace(label) == "" {
		return malformed
	}
	return fmt.Sprintf("project in (%s) AND type = %s AND labels = %s", list(keys), quote(rootType), quote(label))
}

// Children selects every item whose parent is one of parentKeys, whatever its
// type.
func Children(parentKeys []string) string {
	keys, ok := nonBlank(parentKeys)
	if !ok {
		return malformed
	}
	return fmt.Sprintf("parent in (%s)", list(keys))
}

// Assignee selects items assigned to identity carrying label, optionally
// narrowed to types.
func Assignee(identity, label string, types []string) string {
	if strings.TrimSpace(identity) == "" || strings.TrimSpace(label) == "" {
		return malformed
	}
	expr := fmt.Sprintf("assignee = %s AND labels = %s", quote(identity), quote(label))
	if len(types) == 0 {
		return expr
	}
	names, ok := nonBlank(types)
	if !ok {
		return malformed
	}
	return fmt.Sprintf("%s AND type IN (%s)", expr, list(names))
}

// Validate checks that expr is non-empty and that its double quotes and
// parentheses are balanced. Backslash escapes inside quotes are honoured and
// parentheses inside quotes are ignored.
func Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidQuery)
	}
	depth := 0
	inQuote := false
	escaped := false
	for i, r := range expr {
		if inQuote {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inQuote = false
			}
			continue
		}
		switch r {
		case '"':
			inQuote = true
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("%w: unexpected ')' at offset %d", ErrInvalidQuery, i)
			}
		}
	}
	if inQuote {
		return fmt.Errorf("%w: unbalanced quotes", ErrInvalidQuery)
	}
	if depth != 0 {
		return fmt.Errorf("%w: unbalanced parentheses", ErrInvalidQuery)
	}
	return nil
}

func quote(v string) string {
	v = strings.ReplaceAll(strings.TrimSpace(v), `\`, `\\`)
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

func list(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quote(v)
	}
	return strings.Join(quoted, ", ")
}

func nonBlank(values []string) ([]string, bool) {
	if len(values) == 0 {
		return nil, false
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}
