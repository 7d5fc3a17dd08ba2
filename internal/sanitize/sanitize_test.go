package sanitize

import (
	"fmt"
	"strings"
	"testing"
)

func TestScalarsPassThrough(t *testing.T) {
	s := New()

	tests := []struct {
		name  string
		input any
	}{
		{"nil", nil},
		{"bool", true},
		{"int", 42},
		{"float", 3.14},
		{"negative", -7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.input); got != tt.input {
				t.Errorf("Sanitize(%v) = %v, want unchanged", tt.input, got)
			}
		})
	}
}

func TestSecretKeysRedacted(t *testing.T) {
	s := New()

	input := map[string]any{
		"api_key":       "sk-live-abc",
		"q":             "hi",
		"Authorization": "Bearer xyz",
		"session_token": "tok",
		"CLIENT_SECRET": "shh",
		"cookie_jar":    "value",
		"plain":         "ok",
	}

	got := s.SanitizeMap(input)

	for _, k := range []string{"api_key", "Authorization", "session_token", "CLIENT_SECRET", "cookie_jar"} {
		if got[k] != RedactedMarker {
			t.Errorf("key %q = %v, want %q", k, got[k], RedactedMarker)
		}
	}
	if got["q"] != "hi" {
		t.Errorf("key q = %v, want hi", got["q"])
	}
	if got["plain"] != "ok" {
		t.Errorf("key plain = %v, want ok", got["plain"])
	}
}

func TestRedactionAppliesAtAnyDepth(t *testing.T) {
	s := New()

	input := map[string]any{
		"outer": map[string]any{
			"nested": map[string]any{
				"token": "super-secret",
				"value": "ok",
			},
		},
	}

	got := s.SanitizeMap(input)
	nested := got["outer"].(map[string]any)["nested"].(map[string]any)
	if nested["token"] != RedactedMarker {
		t.Errorf("nested token = %v, want %q", nested["token"], RedactedMarker)
	}
	if nested["value"] != "ok" {
		t.Errorf("nested value = %v, want ok", nested["value"])
	}
}

func TestLongStringsBounded(t *testing.T) {
	s := New()

	long := strings.Repeat("x", 5000)
	got, ok := s.Sanitize(long).(string)
	if !ok {
		t.Fatalf("expected string, got %T", got)
	}
	if len([]rune(got)) > DefaultMaxStringLen {
		t.Errorf("sanitized length %d exceeds max %d", len([]rune(got)), DefaultMaxStringLen)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated string missing ellipsis suffix: %q", got[len(got)-10:])
	}

	short := "fits"
	if s.Sanitize(short) != short {
		t.Errorf("short string should pass through unchanged")
	}
}

func TestBytesBecomePlaceholder(t *testing.T) {
	s := New()

	got := s.Sanitize([]byte{1, 2, 3, 4, 5})
	if got != "<bytes len=5>" {
		t.Errorf("got %v, want <bytes len=5>", got)
	}
}

func TestMapItemCap(t *testing.T) {
	s := &Sanitizer{MaxDepth: 4, MaxItems: 3, MaxStringLen: 100}

	input := map[string]any{}
	for i := 0; i < 10; i++ {
		input[fmt.Sprintf("k%02d", i)] = i
	}

	got := s.SanitizeMap(input)
	if len(got) != s.MaxItems+1 {
		t.Fatalf("expected %d entries (cap plus marker), got %d", s.MaxItems+1, len(got))
	}
	if got[TruncatedMarker] != "+7 more items" {
		t.Errorf("truncation marker = %v, want +7 more items", got[TruncatedMarker])
	}
}

func TestSliceItemCap(t *testing.T) {
	s := &Sanitizer{MaxDepth: 4, MaxItems: 3, MaxStringLen: 100}

	input := []any{1, 2, 3, 4, 5, 6}
	got, ok := s.Sanitize(input).([]any)
	if !ok {
		t.Fatalf("expected slice, got %T", got)
	}
	if len(got) != s.MaxItems+1 {
		t.Fatalf("expected %d elements (cap plus marker), got %d", s.MaxItems+1, len(got))
	}
	if got[len(got)-1] != "<truncated +3 items>" {
		t.Errorf("trailing marker = %v, want <truncated +3 items>", got[len(got)-1])
	}
}

func TestDepthBudget(t *testing.T) {
	s := &Sanitizer{MaxDepth: 2, MaxItems: 50, MaxStringLen: 100}

	input := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": "deep",
			},
		},
	}

	got := s.SanitizeMap(input)
	level1 := got["a"].(map[string]any)
	if level1["b"] != TruncatedMarker {
		t.Errorf("depth-exhausted value = %v, want %q", level1["b"], TruncatedMarker)
	}
}

func TestScalarsSurviveDepthExhaustion(t *testing.T) {
	s := &Sanitizer{MaxDepth: 1, MaxItems: 50, MaxStringLen: 100}

	input := map[string]any{"n": 7, "b": true}
	got := s.SanitizeMap(input)
	if got["n"] != 7 || got["b"] != true {
		t.Errorf("scalars should pass through at zero depth, got %v", got)
	}
}

func TestStructsConvertedToPlainData(t *testing.T) {
	s := New()

	type result struct {
		Status string `json:"status"`
		APIKey string `json:"api_key"`
	}

	got, ok := s.Sanitize(result{Status: "ok", APIKey: "sk-live"}).(map[string]any)
	if !ok {
		t.Fatalf("expected map from struct conversion, got %T", got)
	}
	if got["status"] != "ok" {
		t.Errorf("status = %v, want ok", got["status"])
	}
	if got["api_key"] != RedactedMarker {
		t.Errorf("api_key = %v, want %q", got["api_key"], RedactedMarker)
	}
}

type panickyMarshaler struct{}

func (panickyMarshaler) MarshalJSON() ([]byte, error) { panic("cannot marshal") }

func TestUnserializableValuesNeverPanic(t *testing.T) {
	s := New()

	got := s.Sanitize(map[string]any{"v": panickyMarshaler{}})
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", got)
	}
	if m["v"] != UnserializableMarker {
		t.Errorf("value = %v, want %q", m["v"], UnserializableMarker)
	}
}

func TestFuncValueDegradesToMarker(t *testing.T) {
	s := New()

	got := s.Sanitize(func() {})
	str, ok := got.(string)
	if !ok {
		t.Fatalf("expected string fallback, got %T", got)
	}
	if str == "" {
		t.Error("expected non-empty fallback for func value")
	}
}

func TestTruncateError(t *testing.T) {
	short := "boom"
	if TruncateError(short) != short {
		t.Errorf("short message should be unchanged")
	}

	long := strings.Repeat("e", 3000)
	got := TruncateError(long)
	if len([]rune(got)) != maxErrorLength {
		t.Errorf("truncated error length = %d, want %d", len([]rune(got)), maxErrorLength)
	}
}

func TestSanitizeMapNilInput(t *testing.T) {
	s := New()
	got := s.SanitizeMap(nil)
	if got == nil || len(got) != 0 {
		t.Errorf("nil map should sanitize to empty map, got %v", got)
	}
}
