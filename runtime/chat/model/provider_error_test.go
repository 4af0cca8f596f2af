package model

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindFromStatus(t *testing.T) {
	cases := map[int]ProviderErrorKind{
		0:                              ProviderErrorKindUnknown,
		http.StatusUnauthorized:        ProviderErrorKindAuth,
		http.StatusForbidden:           ProviderErrorKindAuth,
		http.StatusBadRequest:          ProviderErrorKindInvalidRequest,
		http.StatusTooManyRequests:     ProviderErrorKindRateLimited,
		http.StatusInternalServerError: ProviderErrorKindUnavailable,
		http.StatusServiceUnavailable:  ProviderErrorKindUnavailable,
	}
	for status, want := range cases {
		require.Equal(t, want, KindFromStatus(status), "status %d", status)
	}
}

func TestProviderErrorMatchesRateLimited(t *testing.T) {
	cause := errors.New("slow down")
	err := fmt.Errorf("stream: %w", NewProviderError("openai", "chat.completions", http.StatusTooManyRequests, cause))

	require.ErrorIs(t, err, ErrRateLimited)
	require.ErrorIs(t, err, cause)
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	require.True(t, pe.Retryable())
	require.Equal(t, "openai rate_limited 429 (chat.completions): slow down", pe.Error())
}

func TestProviderErrorInvalidRequestNotRetryable(t *testing.T) {
	pe := NewProviderError("anthropic", "", http.StatusBadRequest, nil)
	require.False(t, pe.Retryable())
	require.NotErrorIs(t, pe, ErrRateLimited)
	require.Equal(t, "anthropic invalid_request 400 (request): provider error", pe.Error())
}
