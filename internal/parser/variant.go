package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// variant is a decoded JSON value of unknown shape.
type variant struct {
	raw json.RawMessage
}

func (v variant) isNull() bool {
	t := bytes.TrimSpace(v.raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func (v variant) kind() byte {
	t := bytes.TrimSpace(v.raw)
	if len(t) == 0 {
		return 0
	}
	return t[0]
}

func (v variant) asString() (string, bool) {
	if v.kind() != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (v variant) asNumber() (float64, bool) {
	k := v.kind()
	if k != '-' && (k < '0' || k > '9') {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(v.raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

func (v variant) asObject() (map[string]json.RawMessage, bool) {
	if v.kind() != '{' {
		return nil, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(v.raw, &m); err != nil {
		return nil, false
	}
	return m, true
}

func (v variant) asArray() ([]json.RawMessage, bool) {
	if v.kind() != '[' {
		return nil, false
	}
	var a []json.RawMessage
	if err := json.Unmarshal(v.raw, &a); err != nil {
		return nil, false
	}
	return a, true
}

// field returns the member name of an object, or a null variant.
func field(obj map[string]json.RawMessage, name string) variant {
	if obj == nil {
		return variant{}
	}
	return variant{raw: obj[name]}
}

// firstString returns the first non-empty string member among names.
func firstString(obj map[string]json.RawMessage, names ...string) (string, bool) {
	for _, n := range names {
		if s, ok := field(obj, n).asString(); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// stringish accepts a JSON string or number and returns its text form.
func stringish(v variant) (string, bool) {
	if s, ok := v.asString(); ok {
		return s, true
	}
	if v.kind() == '-' || (v.kind() >= '0' && v.kind() <= '9') {
		return string(bytes.TrimSpace(v.raw)), true
	}
	return "", false
}

var compactOffset = regexp.MustCompile(`([+-])(\d{2})(\d{2})$`)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTimestamp accepts RFC3339 with a Z or colon offset, compact +HHMM
// offsets, offset-less datetimes (taken as UTC) and bare dates.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if len(s) > 10 {
		s = compactOffset.ReplaceAllString(s, "$1$2:$3")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// epoch converts a numeric timestamp; values above 1e10 are milliseconds.
func epoch(n float64) time.Time {
	if n > 1e10 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// dateVariant decodes a milestone date: string, {value|date|displayValue},
// epoch number or null.
func dateVariant(v variant) (*time.Time, error) {
	if v.isNull() {
		return nil, nil
	}
	if s, ok := v.asString(); ok {
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		t, err := parseTimestamp(s)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	if n, ok := v.asNumber(); ok {
		t := epoch(n)
		return &t, nil
	}
	if obj, ok := v.asObject(); ok {
		s, found := firstString(obj, "value", "date", "displayValue")
		if !found {
			return nil, nil
		}
		t, err := parseTimestamp(s)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	return nil, fmt.Errorf("unsupported date shape %s", truncate(string(v.raw), 80))
}

// teamVariant decodes the team field: string, {value|name|displayName} or null.
func teamVariant(v variant) (*string, error) {
	if v.isNull() {
		return nil, nil
	}
	if s, ok := v.asString(); ok {
		if s == "" {
			return nil, nil
		}
		return &s, nil
	}
	if obj, ok := v.asObject(); ok {
		if s, found := firstString(obj, "value", "name", "displayName"); found {
			return &s, nil
		}
		return nil, fmt.Errorf("team object has no value, name or displayName")
	}
	return nil, fmt.Errorf("unsupported team shape %s", truncate(string(v.raw), 80))
}

// userVariant decodes a user: emailAddress, else displayName, else nil.
func userVariant(v variant) *string {
	obj, ok := v.asObject()
	if !ok {
		return nil
	}
	if s, found := firstString(obj, "emailAddress", "displayName"); found {
		return &s
	}
	return nil
}

func intOr(v variant, def int) int {
	s, ok := stringish(v)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
