package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ProviderErrorKind classifies provider failures into categories used for
// retry, rate limiting and user facing decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication or authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"
	// ProviderErrorKindInvalidRequest indicates a request the provider will
	// never accept as is.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"
	// ProviderErrorKindRateLimited indicates the provider is throttling.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"
	// ProviderErrorKindUnavailable indicates a transient failure (5xx,
	// network) where a retry may succeed.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"
	// ProviderErrorKindUnknown indicates an unclassified failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider. Adapters
// return it so the server and middleware can react without knowing the SDK.
type ProviderError struct {
	// Provider identifies the adapter (for example "anthropic").
	Provider string
	// Operation names the provider call (for example "messages.stream").
	Operation string
	// HTTPStatus is the provider status code when known, otherwise 0.
	HTTPStatus int
	// Kind is the coarse classification.
	Kind ProviderErrorKind
	// Code is the provider specific error code when available.
	Code string
	// Message is the provider error message when available.
	Message string
	// Cause is the original SDK error.
	Cause error
}

// NewProviderError wraps cause into a ProviderError classified from the HTTP
// status. A zero status yields ProviderErrorKindUnknown.
func NewProviderError(provider, operation string, status int, cause error) *ProviderError {
	if provider == "" {
		panic("model: provider is required")
	}
	return &ProviderError{
		Provider:   provider,
		Operation:  operation,
		HTTPStatus: status,
		Kind:       KindFromStatus(status),
		Cause:      cause,
	}
}

// KindFromStatus maps an HTTP status code to a ProviderErrorKind.
func KindFromStatus(status int) ProviderErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ProviderErrorKindAuth
	case status == http.StatusTooManyRequests:
		return ProviderErrorKindRateLimited
	case status >= 500:
		return ProviderErrorKindUnavailable
	case status >= 400:
		return ProviderErrorKindInvalidRequest
	default:
		return ProviderErrorKindUnknown
	}
}

// Retryable reports whether retrying the call may succeed without changing
// the request.
func (e *ProviderError) Retryable() bool {
	return e.Kind == ProviderErrorKindRateLimited || e.Kind == ProviderErrorKindUnavailable
}

func (e *ProviderError) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.HTTPStatus > 0 {
		status = fmt.Sprintf("%d ", e.HTTPStatus)
	}
	code := ""
	if e.Code != "" {
		code = e.Code + ": "
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.Provider, e.Kind, status, op, code+msg)
}

// Unwrap returns the original SDK error.
func (e *ProviderError) Unwrap() error { return e.Cause }

// Is makes rate limited provider errors match ErrRateLimited.
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.Kind == ProviderErrorKindRateLimited
}

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
