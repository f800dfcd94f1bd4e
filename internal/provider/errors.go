package provider

import (
	"errors"
	"fmt"
)

// ErrMissingCredential is returned before any network call when no API key is set.
var ErrMissingCredential = errors.New("missing API key: set a credential first")

// UpstreamError is a non-2xx response from the completion endpoint.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// TransportError is a connection-level failure before or during streaming.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
