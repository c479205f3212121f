package auth

import "errors"

// Authentication failures. Callers surface all of them as a generic 401.
var (
	ErrMissingCredential = errors.New("auth: credential missing")
	ErrInvalidCredential = errors.New("auth: invalid credential")
	ErrUnknownSubject    = errors.New("auth: unknown subject")
)

// ErrInsufficientPermissions is returned when a verified identity lacks the rights for an action.
var ErrInsufficientPermissions = errors.New("auth: insufficient permissions")

// Client-facing messages. They never vary with the underlying cause.
const (
	MessageMissingCredential       = "Authorization header missing"
	MessageInvalidCredential       = "Invalid or expired token"
	MessageInsufficientPermissions = "Insufficient permissions"
)

// IsAuthenticationError reports whether err is one of the 401-class failures.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrMissingCredential) ||
		errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrUnknownSubject)
}
