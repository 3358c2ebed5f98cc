// Package gatewayerrors defines the wire error taxonomy the gateway
// returns to clients, and the Go error types internal components use to
// carry enough context to classify into that taxonomy.
package gatewayerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the Anthropic-shaped wire error type.
type Kind string

const (
	KindInvalidRequest  Kind = "invalid_request_error"
	KindAuthentication  Kind = "authentication_error"
	KindPermission      Kind = "permission_error"
	KindNotFound        Kind = "not_found_error"
	KindOverloaded      Kind = "overloaded_error"
	KindAPIError        Kind = "api_error"
	KindNotImplemented  Kind = "not_implemented"
)

// HTTPStatus returns the HTTP status code for a Kind, per spec §7.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindOverloaded, KindAPIError:
		return http.StatusServiceUnavailable
	case KindNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// GatewayError is the error type returned across the dispatcher/router
// boundary; it carries the wire Kind directly so the HTTP handler never
// has to re-derive it from an opaque error string.
type GatewayError struct {
	Kind    Kind
	Message string
	Cause   error

	// StatusOverride, when non-zero, is returned instead of Kind.HTTPStatus().
	// Used by the local gateway (§4.7), whose upstream-failure body still
	// carries wire type "api_error" but must answer HTTP 502, not the
	// taxonomy's default 503 for that kind.
	StatusOverride int
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns StatusOverride if set, else Kind.HTTPStatus().
func (e *GatewayError) HTTPStatus() int {
	if e.StatusOverride != 0 {
		return e.StatusOverride
	}
	return e.Kind.HTTPStatus()
}

// New constructs a GatewayError of the given kind.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Wrap constructs a GatewayError of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Cause: cause}
}

// WithStatus returns a copy of e with StatusOverride set.
func (e *GatewayError) WithStatus(status int) *GatewayError {
	cp := *e
	cp.StatusOverride = status
	return &cp
}

// As is a convenience wrapper over errors.As for *GatewayError.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Body is the JSON shape written to the client for any GatewayError.
type Body struct {
	Type  string    `json:"type"`
	Error BodyError `json:"error"`
}

type BodyError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ToBody sanitizes a GatewayError into the wire body. Only Message is
// rendered; Cause, which may carry upstream payload text with tokens or
// other upstream internals, never reaches the client. Text a caller puts
// into Message itself (as the local gateway does with its upstream body)
// is rendered as is.
func ToBody(e *GatewayError) Body {
	return Body{
		Type: "error",
		Error: BodyError{
			Type:    string(e.Kind),
			Message: e.Message,
		},
	}
}
