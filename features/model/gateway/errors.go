package gateway

import "errors"

var (
	// ErrProviderRequired indicates that a provider model.Client must be
	// supplied.
	ErrProviderRequired = errors.New("model gateway: provider is required")

	// ErrUnknownModel indicates that no route matches the requested model.
	ErrUnknownModel = errors.New("model gateway: unknown model")
)
