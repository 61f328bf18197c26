package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies authentication failures so the transport layer can
// map them to the right wire response.
type ErrorKind int

const (
	// KindMissingHeader — a required header (Authorization, X-Tenant) is absent.
	KindMissingHeader ErrorKind = iota
	// KindUnknownKey — the token's kid is not present in the realm's JWKS.
	KindUnknownKey
	// KindExpired — the token's exp is in the past.
	KindExpired
	// KindInvalid — the token failed signature or claim validation.
	KindInvalid
	// KindForbidden — the token is valid but the identity may not act as
	// the requested agent.
	KindForbidden
	// KindUnavailable — the identity provider could not be reached; a
	// transport failure, not a credential failure.
	KindUnavailable
)

// Error is the authentication failure type. Credential problems map to 401,
// authorization problems to 403, and IdP transport failures to 502.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Message, e.Err)
	}
	return "auth: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the HTTP status this failure should surface as.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindForbidden:
		return http.StatusForbidden
	case KindUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusUnauthorized
	}
}

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// AsError extracts an *Error from err, or wraps err as KindInvalid.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return newError(KindInvalid, "token validation failed", err)
}
