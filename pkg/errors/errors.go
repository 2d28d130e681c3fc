package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a client error so callers can branch without string matching.
type Kind string

const (
	// KindTransport marks push-connection failures. Non-fatal: the session
	// degrades to REST-only polling.
	KindTransport Kind = "TRANSPORT"
	// KindRequest marks a failed REST call (network error or non-2xx).
	KindRequest Kind = "REQUEST"
	// KindConflict marks a mutation that raced a server-side change, such as
	// marking a record that was already deleted.
	KindConflict Kind = "CONFLICT"
	// KindNotFound marks a missing resource.
	KindNotFound Kind = "NOT_FOUND"
	// KindUnauthorized marks an expired or rejected access token.
	KindUnauthorized Kind = "UNAUTHORIZED"
)

// ClientError provides a structured error surfaced to presentation code.
type ClientError struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is matches ClientErrors by kind so sentinel comparisons work with errors.Is.
func (e *ClientError) Is(target error) bool {
	var other *ClientError
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Kind == other.Kind
}

// WithInternal returns a copy of the error with an attached internal cause.
func (e *ClientError) WithInternal(err error) *ClientError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Common errors exposed to the rest of the client.
var (
	ErrTransport = &ClientError{
		Kind:    KindTransport,
		Message: "Push connection unavailable",
	}

	ErrRequest = &ClientError{
		Kind:    KindRequest,
		Message: "Request failed",
	}

	ErrConflict = &ClientError{
		Kind:       KindConflict,
		Message:    "Resource changed on the server",
		StatusCode: http.StatusConflict,
	}

	ErrNotFound = &ClientError{
		Kind:       KindNotFound,
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrUnauthorized = &ClientError{
		Kind:       KindUnauthorized,
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}
)

// New builds a new client error with the provided metadata.
func New(kind Kind, message string, statusCode int) *ClientError {
	return &ClientError{
		Kind:       kind,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into a request-kind ClientError while keeping the
// original cause for logging.
func Wrap(err error, message string) *ClientError {
	return &ClientError{
		Kind:     KindRequest,
		Message:  message,
		Internal: err,
	}
}

// FromError converts a generic error into a ClientError, defaulting to the
// request kind.
func FromError(err error) *ClientError {
	if err == nil {
		return nil
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr
	}

	return ErrRequest.WithInternal(err)
}

// FromStatus maps a non-2xx HTTP status to the matching error kind.
func FromStatus(statusCode int, message string) *ClientError {
	kind := KindRequest
	switch statusCode {
	case http.StatusNotFound, http.StatusGone:
		kind = KindNotFound
	case http.StatusConflict:
		kind = KindConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindUnauthorized
	}

	if message == "" {
		message = http.StatusText(statusCode)
	}

	return &ClientError{
		Kind:       kind,
		Message:    message,
		StatusCode: statusCode,
	}
}
