// Package errkind defines the error taxonomy shared by the key, account and session managers.
//
// Every domain failure is an *Error tagged with one of the sentinel kinds below, so callers can
// match either the specific sentinel (errors.Is(err, account.ErrUsernameTaken)) or the kind
// (errors.Is(err, errkind.ErrConflict)).
package errkind

import (
	"errors"
	"net/http"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrValidation   = errors.New("validation")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
)

// Error is a domain error with a stable Kind + Code contract for callers/tests.
// Code is the machine-readable value returned to API clients; Msg must not include secrets.
type Error struct {
	Kind error
	Code string
	Msg  string
}

// New returns a tagged error. Sentinels are compared by pointer identity.
func New(kind error, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Kind }

// Code returns the API code of the first *Error in err's chain, or "" if there is none.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Status maps err to an HTTP status code. Unknown errors map to 500.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err), IsConflict(err):
		return http.StatusBadRequest
	case IsUnauthorized(err), IsExpired(err):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsUnauthorized reports whether err represents ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsExpired reports whether err represents ErrExpired.
func IsExpired(err error) bool { return errors.Is(err, ErrExpired) }
