package models

import "errors"

// Error kinds. Operations wrap one of these with context; callers classify
// with errors.Is.
var (
	ErrValidation   = errors.New("invalid request")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthenticated")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrExpired      = errors.New("expired")
)

var publicKinds = []error{ErrValidation, ErrConflict, ErrUnauthorized, ErrForbidden, ErrNotFound, ErrRateLimited, ErrExpired}

// IsKnown reports whether err wraps one of the error kinds above.
func IsKnown(err error) bool {
	for _, k := range publicKinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

// PublicMessage returns a message safe to show callers. Errors outside the
// known kinds are reported generically.
func PublicMessage(err error) string {
	if IsKnown(err) {
		return err.Error()
	}
	return "internal error"
}
