// Package sanitize bounds and redacts tool payloads before they are placed
// on the wire. Output is embedded directly into client-visible stream events,
// so it must never leak credentials nor grow without bound.
package sanitize

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Default bounds applied by New.
const (
	DefaultMaxDepth     = 4
	DefaultMaxItems     = 50
	DefaultMaxStringLen = 2048
)

// Markers substituted for redacted or bounded values.
const (
	RedactedMarker       = "[REDACTED]"
	TruncatedMarker      = "<truncated>"
	UnserializableMarker = "<unserializable>"
)

// maxErrorLength bounds error messages forwarded in tool_error events.
const maxErrorLength = 1024

// secretKeyFragments flags map keys whose value must be redacted. Matching
// is a case-insensitive substring check against the key name.
var secretKeyFragments = []string{"key", "token", "secret", "authorization", "cookie"}

// Sanitizer applies redaction and size bounds to arbitrary values. The zero
// value is not usable; construct with New (or set all fields explicitly).
// Sanitizer is stateless and safe for concurrent use.
type Sanitizer struct {
	// MaxDepth bounds recursion; reaching zero remaining depth yields
	// TruncatedMarker instead of descending further.
	MaxDepth int
	// MaxItems caps entries kept per map or elements per sequence.
	MaxItems int
	// MaxStringLen caps string lengths, counted in runes.
	MaxStringLen int
}

// New returns a Sanitizer with the default bounds.
func New() *Sanitizer {
	return &Sanitizer{
		MaxDepth:     DefaultMaxDepth,
		MaxItems:     DefaultMaxItems,
		MaxStringLen: DefaultMaxStringLen,
	}
}

// Sanitize returns a bounded, redacted copy of v. It never panics and never
// returns an error: unserializable values degrade to display strings or the
// UnserializableMarker.
func (s *Sanitizer) Sanitize(v any) any {
	return s.sanitize(v, s.MaxDepth)
}

// SanitizeMap sanitizes a string-keyed map, preserving the map shape at the
// top level. A nil input yields an empty map.
func (s *Sanitizer) SanitizeMap(m map[string]any) map[string]any {
	out, ok := s.Sanitize(m).(map[string]any)
	if !ok || out == nil {
		return map[string]any{}
	}
	return out
}

func (s *Sanitizer) sanitize(v any, depth int) (result any) {
	defer func() {
		if r := recover(); r != nil {
			result = UnserializableMarker
		}
	}()

	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		return val
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return val
	case json.Number:
		return val
	}

	if depth <= 0 {
		return TruncatedMarker
	}

	switch val := v.(type) {
	case string:
		return s.truncateString(val)
	case []byte:
		return fmt.Sprintf("<bytes len=%d>", len(val))
	case map[string]any:
		return s.sanitizeStringMap(val, depth)
	case []any:
		return s.sanitizeSlice(val, depth)
	case error:
		return s.truncateString(val.Error())
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return s.sanitize(rv.Elem().Interface(), depth)
	case reflect.Map:
		return s.sanitizeReflectedMap(rv, depth)
	case reflect.Slice, reflect.Array:
		return s.sanitizeReflectedSlice(rv, depth)
	}

	// Structured values get a canonical plain-data conversion, then the
	// converted form is sanitized. Everything else degrades to its display
	// string, still subject to truncation.
	if converted, ok := toPlainData(v); ok {
		return s.sanitize(converted, depth)
	}
	return s.truncateString(fmt.Sprintf("%v", v))
}

func (s *Sanitizer) sanitizeStringMap(m map[string]any, depth int) map[string]any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(m))
	for i, k := range keys {
		if i >= s.MaxItems {
			out[TruncatedMarker] = fmt.Sprintf("+%d more items", len(m)-s.MaxItems)
			break
		}
		if isSecretKey(k) {
			out[k] = RedactedMarker
			continue
		}
		out[k] = s.sanitize(m[k], depth-1)
	}
	return out
}

func (s *Sanitizer) sanitizeReflectedMap(rv reflect.Value, depth int) map[string]any {
	m := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		m[fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
	}
	return s.sanitizeStringMap(m, depth)
}

func (s *Sanitizer) sanitizeSlice(items []any, depth int) []any {
	n := len(items)
	keep := n
	if keep > s.MaxItems {
		keep = s.MaxItems
	}
	out := make([]any, 0, keep+1)
	for _, item := range items[:keep] {
		out = append(out, s.sanitize(item, depth-1))
	}
	if n > s.MaxItems {
		out = append(out, fmt.Sprintf("<truncated +%d items>", n-s.MaxItems))
	}
	return out
}

func (s *Sanitizer) sanitizeReflectedSlice(rv reflect.Value, depth int) any {
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return fmt.Sprintf("<bytes len=%d>", rv.Len())
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return s.sanitizeSlice(items, depth)
}

func (s *Sanitizer) truncateString(str string) string {
	runes := []rune(str)
	if len(runes) <= s.MaxStringLen {
		return str
	}
	if s.MaxStringLen <= 3 {
		return string(runes[:s.MaxStringLen])
	}
	return string(runes[:s.MaxStringLen-3]) + "..."
}

// toPlainData converts a structured value to plain maps/slices/scalars via a
// JSON round trip, the canonical "dump to plain data" capability.
func toPlainData(v any) (any, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, false
	}
	return plain, true
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range secretKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// TruncateError bounds an error message for inclusion in a tool_error event.
func TruncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxErrorLength {
		return msg
	}
	return string(runes[:maxErrorLength])
}
