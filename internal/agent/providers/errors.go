package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNoAPIKey is returned when model classification succeeds but no
// credential is configured for the resolved provider, or when no provider
// recognizes the model at all. Callers surface it before any stream opens.
var ErrNoAPIKey = errors.New("no API key configured")

// Reason categorizes why a provider request failed, driving the retry
// decision and the shape of the error reported upstream.
type Reason string

const (
	// ReasonBilling indicates payment or spend-limit issues (HTTP 402).
	ReasonBilling Reason = "billing"

	// ReasonRateLimit indicates throttling (HTTP 429).
	ReasonRateLimit Reason = "rate_limit"

	// ReasonAuth indicates a rejected credential (HTTP 401, 403).
	ReasonAuth Reason = "auth"

	// ReasonTimeout indicates the request or stream timed out.
	ReasonTimeout Reason = "timeout"

	// ReasonServerError indicates upstream 5xx failures.
	ReasonServerError Reason = "server_error"

	// ReasonInvalidRequest indicates a request the provider rejected
	// (HTTP 400), including tool payloads the model family cannot accept.
	ReasonInvalidRequest Reason = "invalid_request"

	// ReasonModelUnavailable indicates the requested model does not exist
	// or is not currently served.
	ReasonModelUnavailable Reason = "model_unavailable"

	// ReasonContentFilter indicates the response was blocked by provider
	// safety filters.
	ReasonContentFilter Reason = "content_filter"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown Reason = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed.
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured failure from an LLM provider, carrying the
// context needed for retry decisions and debugging.
type ProviderError struct {
	// Reason categorizes the failure.
	Reason Reason

	// Provider is the provider identifier, e.g. "anthropic" or "groq".
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if one was observed.
	Status int

	// Code is the provider-specific error code, if one was reported.
	Code string

	// Message is the human-readable error message.
	Message string

	// RequestID is the provider's request id for support escalation.
	RequestID string

	// Cause is the underlying error.
	Cause error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Reason)
	if e.Provider != "" {
		b.WriteString(" " + e.Provider)
	}
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	switch {
	case e.Message != "":
		b.WriteString(" " + e.Message)
	case e.Cause != nil:
		b.WriteString(" " + e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause with provider context, classifying it from
// its message when no more specific signal is available.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = Classify(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it. Status codes
// are a stronger signal than message text, so this overrides the reason.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatus(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode records the provider-specific error code and reclassifies when
// the code is recognized.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithMessage sets the human-readable message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// WithRequestID records the provider's request id.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// Classify inspects an error's message and returns a Reason. Used when a
// provider SDK surfaces plain errors without structured fields.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "etimedout"):
		return ReasonTimeout

	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return ReasonRateLimit

	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid_api_key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return ReasonAuth

	case strings.Contains(msg, "billing"),
		strings.Contains(msg, "payment"),
		strings.Contains(msg, "insufficient"),
		strings.Contains(msg, "402"):
		return ReasonBilling

	case strings.Contains(msg, "content_filter"),
		strings.Contains(msg, "content policy"),
		strings.Contains(msg, "safety"):
		return ReasonContentFilter

	case strings.Contains(msg, "model not found"),
		strings.Contains(msg, "model_not_found"),
		strings.Contains(msg, "does not exist"),
		strings.Contains(msg, "unavailable"):
		return ReasonModelUnavailable

	case strings.Contains(msg, "internal server"),
		strings.Contains(msg, "server error"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"):
		return ReasonServerError
	}

	return ReasonUnknown
}

func classifyStatus(status int) Reason {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ReasonAuth
	case http.StatusPaymentRequired:
		return ReasonBilling
	case http.StatusTooManyRequests:
		return ReasonRateLimit
	case http.StatusBadRequest:
		return ReasonInvalidRequest
	case http.StatusNotFound:
		return ReasonModelUnavailable
	}
	if status >= 500 {
		return ReasonServerError
	}
	return ReasonUnknown
}

func classifyCode(code string) Reason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "model_not_found", "model_not_available":
		return ReasonModelUnavailable
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "overloaded_error", "api_error", "internal_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// IsProviderError reports whether err carries a ProviderError anywhere in
// its chain.
func IsProviderError(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr)
}

// GetProviderError returns the ProviderError in err's chain, if any.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable reports whether an error should be retried, classifying raw
// errors that never passed through a ProviderError.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return Classify(err).IsRetryable()
}
