package scrape

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrEmptyQuery is returned when a query has no effective filter fields.
var ErrEmptyQuery = errors.New("query has no effective filters")

// Query is a source-specific filter set. Values are whatever JSON decoding
// produced: strings, numbers, booleans, or arrays of those.
type Query map[string]any

// Clone returns a deep copy of q. Slices are copied so callers may mutate
// the result without affecting q.
func (q Query) Clone() Query {
	if q == nil {
		return nil
	}
	out := make(Query, len(q))
	for k, v := range q {
		switch val := v.(type) {
		case []string:
			out[k] = append([]string(nil), val...)
		case []any:
			out[k] = append([]any(nil), val...)
		default:
			out[k] = v
		}
	}
	return out
}

// Strings returns the multi-value field at key as strings. A single string
// value is returned as a one-element slice.
func (q Query) Strings(key string) []string {
	switch val := q[key].(type) {
	case []string:
		return compactStrings(val)
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return compactStrings(out)
	case string:
		if strings.TrimSpace(val) == "" {
			return nil
		}
		return []string{val}
	default:
		return nil
	}
}

// Number returns the numeric field at key.
func (q Query) Number(key string) (float64, bool) {
	switch val := q[key].(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Bool returns the boolean field at key; absent or non-boolean values are false.
func (q Query) Bool(key string) bool {
	b, ok := q[key].(bool)
	return ok && b
}

// Text returns the trimmed string field at key.
func (q Query) Text(key string) string {
	s, _ := q[key].(string)
	return strings.TrimSpace(s)
}

// EffectiveFields counts the fields that actually constrain a crawl: non-empty
// strings and arrays, positive numbers and true booleans.
func (q Query) EffectiveFields() int {
	n := 0
	for key := range q {
		if q.effective(key) {
			n++
		}
	}
	return n
}

func (q Query) effective(key string) bool {
	switch val := q[key].(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(val) != ""
	case bool:
		return val
	case []string, []any:
		return len(q.Strings(key)) > 0
	default:
		f, ok := q.Number(key)
		return ok && f > 0
	}
}

// Validate rejects queries that must not be dispatched.
func (q Query) Validate() error {
	if q.EffectiveFields() == 0 {
		return ErrEmptyQuery
	}
	return nil
}

func compactStrings(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
