package account

import (
	"errors"

	"skykey/cmd/internal/errkind"
	"skykey/cmd/internal/keys"
)

var (
	ErrInvalidInput = errors.New("account: invalid input")

	ErrMissingFields      = errkind.New(errkind.ErrValidation, "missing_fields", "missing required fields")
	ErrInvalidPassword    = errkind.New(errkind.ErrValidation, "invalid_password", "password does not meet policy")
	ErrUsernameTaken      = errkind.New(errkind.ErrConflict, "username_taken", "username already taken")
	ErrInvalidCredentials = errkind.New(errkind.ErrUnauthorized, "invalid_credentials", "invalid username or password")
	ErrAccountExpired     = errkind.New(errkind.ErrExpired, "account_expired", "account expired")

	// Redemption failures surface unchanged from the keys package.
	ErrKeyNotFound    = keys.ErrKeyNotFound
	ErrKeyAlreadyUsed = keys.ErrKeyAlreadyUsed
)
