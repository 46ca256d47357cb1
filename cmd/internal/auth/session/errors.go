package session

import (
	"errors"

	"skykey/cmd/internal/errkind"
)

var (
	// ErrInvalidToken is returned for absent, unknown and expired tokens alike.
	ErrInvalidToken = errkind.New(errkind.ErrUnauthorized, "invalid_token", "invalid or expired session")

	// ErrConfig is returned when configuration is invalid.
	ErrConfig = errors.New("invalid session config")

	ErrInvalidInput = errors.New("session: invalid input")
)
