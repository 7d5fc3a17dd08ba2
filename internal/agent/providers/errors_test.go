package providers

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestReasonIsRetryable(t *testing.T) {
	tests := []struct {
		reason Reason
		want   bool
	}{
		{ReasonRateLimit, true},
		{ReasonTimeout, true},
		{ReasonServerError, true},
		{ReasonBilling, false},
		{ReasonAuth, false},
		{ReasonInvalidRequest, false},
		{ReasonModelUnavailable, false},
		{ReasonContentFilter, false},
		{ReasonUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.IsRetryable(); got != tt.want {
				t.Errorf("%s.IsRetryable() = %v, want %v", tt.reason, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{name: "nil", err: nil, want: ReasonUnknown},
		{name: "timeout", err: errors.New("request timeout exceeded"), want: ReasonTimeout},
		{name: "deadline", err: errors.New("context deadline exceeded"), want: ReasonTimeout},
		{name: "rate limit words", err: errors.New("rate limit reached for requests"), want: ReasonRateLimit},
		{name: "rate limit code", err: errors.New("error 429: slow down"), want: ReasonRateLimit},
		{name: "too many requests", err: errors.New("Too Many Requests"), want: ReasonRateLimit},
		{name: "invalid key", err: errors.New("invalid api key provided"), want: ReasonAuth},
		{name: "unauthorized", err: errors.New("401 unauthorized"), want: ReasonAuth},
		{name: "billing", err: errors.New("billing hard limit reached"), want: ReasonBilling},
		{name: "insufficient quota", err: errors.New("insufficient credits remaining"), want: ReasonBilling},
		{name: "content filter", err: errors.New("blocked by content policy"), want: ReasonContentFilter},
		{name: "model missing", err: errors.New("the model does not exist"), want: ReasonModelUnavailable},
		{name: "server error", err: errors.New("internal server error"), want: ReasonServerError},
		{name: "bad gateway", err: errors.New("502 bad gateway"), want: ReasonServerError},
		{name: "unclassified", err: errors.New("something odd happened"), want: ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Reason
	}{
		{401, ReasonAuth},
		{403, ReasonAuth},
		{402, ReasonBilling},
		{429, ReasonRateLimit},
		{400, ReasonInvalidRequest},
		{404, ReasonModelUnavailable},
		{500, ReasonServerError},
		{503, ReasonServerError},
		{200, ReasonUnknown},
		{0, ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.want {
				t.Errorf("classifyStatus(%d) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func TestProviderErrorFormatting(t *testing.T) {
	err := NewProviderError("openai", "gpt-4o", errors.New("rate limit reached")).
		WithStatus(429).
		WithCode("rate_limit_exceeded").
		WithMessage("You have hit your rate limit.")

	msg := err.Error()
	for _, want := range []string{
		"[rate_limit]",
		"openai",
		"model=gpt-4o",
		"status=429",
		"code=rate_limit_exceeded",
		"You have hit your rate limit.",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewProviderError("anthropic", "claude-3", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is does not reach the cause")
	}
}

func TestWithStatusReclassifies(t *testing.T) {
	// Message-based classification found nothing; the HTTP status decides.
	err := NewProviderError("openai", "gpt-4o", errors.New("mysterious failure"))
	if err.Reason != ReasonUnknown {
		t.Fatalf("initial reason = %s", err.Reason)
	}
	err = err.WithStatus(429)
	if err.Reason != ReasonRateLimit {
		t.Errorf("reason after WithStatus(429) = %s, want rate_limit", err.Reason)
	}

	// A status that classifies as unknown must not clobber an existing reason.
	err2 := NewProviderError("openai", "gpt-4o", errors.New("request timeout"))
	if err2.Reason != ReasonTimeout {
		t.Fatalf("initial reason = %s", err2.Reason)
	}
	err2 = err2.WithStatus(200)
	if err2.Reason != ReasonTimeout {
		t.Errorf("reason after WithStatus(200) = %s, want timeout", err2.Reason)
	}
}

func TestWithCodeReclassifies(t *testing.T) {
	err := NewProviderError("anthropic", "claude-3", errors.New("upstream hiccup")).
		WithCode("overloaded_error")
	if err.Reason != ReasonServerError {
		t.Errorf("reason = %s, want server_error", err.Reason)
	}
}

func TestGetProviderError(t *testing.T) {
	pe := NewProviderError("groq", "llama-3.3", errors.New("rate limit"))
	wrapped := fmt.Errorf("stream open: %w", pe)

	got, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatal("GetProviderError did not find the wrapped error")
	}
	if got.Provider != "groq" {
		t.Errorf("provider = %q", got.Provider)
	}

	if _, ok := GetProviderError(errors.New("plain")); ok {
		t.Error("GetProviderError matched a plain error")
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "retryable provider error", err: NewProviderError("openai", "gpt-4o", errors.New("rate limit reached")), want: true},
		{name: "non-retryable provider error", err: NewProviderError("openai", "gpt-4o", errors.New("invalid api key")), want: false},
		{name: "wrapped retryable", err: fmt.Errorf("open: %w", NewProviderError("groq", "llama", errors.New("502 bad gateway"))), want: true},
		{name: "raw retryable text", err: errors.New("request timeout"), want: true},
		{name: "raw unknown text", err: errors.New("weird"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
