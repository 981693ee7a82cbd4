package threadsync

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrMissingCredential is returned before any network call when no session token is available.
	ErrMissingCredential = errors.New("not authenticated: missing session token")
	// ErrUnresolvableThread means a send succeeded but no thread id could be derived from the response.
	ErrUnresolvableThread = errors.New("sent message has no resolvable thread")
	// ErrMalformedResponse marks a 2xx reply the client cannot turn into a usable record.
	ErrMalformedResponse = errors.New("malformed server response")
	// ErrMalformedEvent marks a push event without a usable identity. It is logged and dropped.
	ErrMalformedEvent = errors.New("malformed push event")
	// ErrNotConnected is returned by outbound realtime operations without a live connection.
	ErrNotConnected = errors.New("realtime transport not connected")
	// ErrOutboundUnsupported is returned by push-only transports for outbound commands.
	ErrOutboundUnsupported = errors.New("transport does not support outbound events")
	// ErrEmptyMessage is returned when a send has neither text nor attachments.
	ErrEmptyMessage = errors.New("message needs text or at least one attachment")
	// ErrInvalidID is returned when an operation is given an empty identifier.
	ErrInvalidID = errors.New("empty identifier")
)

// RequestError is a rejected REST request: a transport failure or a non-2xx response.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	API        *APIError
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.API != nil:
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.API.Error())
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
	default:
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	}
}

func (e *RequestError) Unwrap() error { return e.Err }

// describeError turns an operation failure into the single human-readable
// string kept in Store state.
func describeError(op string, err error) string {
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.API != nil && reqErr.API.Message != "" {
		return fmt.Sprintf("%s failed: %s", op, reqErr.API.Message)
	}
	return fmt.Sprintf("%s failed: %s", op, errors.Cause(err).Error())
}
