package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrStreamNotFinished is returned by Stream.Result before the event channel
// has closed.
var ErrStreamNotFinished = errors.New("provider stream still in flight")

// ErrorReason categorizes a provider failure for retry and reporting.
type ErrorReason string

const (
	// ReasonRateLimit indicates throttling (HTTP 429).
	ReasonRateLimit ErrorReason = "rate_limit"

	// ReasonAuth indicates authentication failure (HTTP 401, 403).
	ReasonAuth ErrorReason = "auth"

	// ReasonBilling indicates payment or quota issues (HTTP 402).
	ReasonBilling ErrorReason = "billing"

	// ReasonTimeout indicates a request or transport timeout.
	ReasonTimeout ErrorReason = "timeout"

	// ReasonServerError indicates provider-side issues (HTTP 5xx).
	ReasonServerError ErrorReason = "server_error"

	// ReasonInvalidRequest indicates client-side issues (HTTP 400).
	ReasonInvalidRequest ErrorReason = "invalid_request"

	// ReasonTokenLimit indicates the conversation exceeded the model's
	// context window. Surfaced quietly by the engine.
	ReasonTokenLimit ErrorReason = "token_limit"

	// ReasonContentFilter indicates the response was blocked by safety
	// filters.
	ReasonContentFilter ErrorReason = "content_filter"

	// ReasonUnknown is the unclassified default.
	ReasonUnknown ErrorReason = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed.
func (r ErrorReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from an LLM provider carrying the
// context needed for retry decisions and debugging.
type ProviderError struct {
	Reason   ErrorReason
	Provider string
	Model    string

	// Status is the HTTP status code, if applicable.
	Status int

	// Code is the provider-specific error code.
	Code string

	Message string

	// RequestID is the provider's request id for support escalation.
	RequestID string

	Cause error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps a raw error and classifies it from its message.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode records a provider error code and reclassifies from it when the
// code is recognized.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID records the provider request id.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage overrides the human-readable message and reclassifies when the
// message indicates a more specific failure. Providers report context-window
// overflow as a plain 400, so the message is the only signal that
// distinguishes it from other invalid requests.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	if reason := ClassifyError(errors.New(msg)); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// ClassifyError inspects an error message and returns a reason.
func ClassifyError(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "prompt is too long"),
		strings.Contains(msg, "context_length_exceeded"),
		strings.Contains(msg, "maximum context length"),
		strings.Contains(msg, "context window"):
		return ReasonTokenLimit

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
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "402"):
		return ReasonBilling

	case strings.Contains(msg, "content_filter"),
		strings.Contains(msg, "content policy"),
		strings.Contains(msg, "safety"):
		return ReasonContentFilter

	case strings.Contains(msg, "internal server"),
		strings.Contains(msg, "server error"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"):
		return ReasonServerError
	}
	return ReasonUnknown
}

func classifyStatusCode(status int) ErrorReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyErrorCode(code string) ErrorReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "context_length_exceeded":
		return ReasonTokenLimit
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "overloaded_error", "api_error", "server_error", "internal_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable reports whether the error should be retried in place.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}

// IsTokenLimit reports whether the error is a context-window overflow.
func IsTokenLimit(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason == ReasonTokenLimit
	}
	return ClassifyError(err) == ReasonTokenLimit
}

// IsAuth reports whether the error is an authentication failure.
func IsAuth(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason == ReasonAuth
	}
	return ClassifyError(err) == ReasonAuth
}
