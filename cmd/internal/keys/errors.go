package keys

import (
	"errors"

	"skykey/cmd/internal/errkind"
)

var (
	ErrInvalidInput = errors.New("keys: invalid input")

	ErrInvalidDuration = errkind.New(errkind.ErrValidation, "invalid_duration", `duration must be 13, 30 or "permanent"`)
	ErrKeyNotFound     = errkind.New(errkind.ErrUnauthorized, "invalid_key", "key not found")
	ErrKeyAlreadyUsed  = errkind.New(errkind.ErrUnauthorized, "key_already_used", "key already used")

	// ErrKeyspaceExhausted means every generated candidate collided; it indicates a broken entropy source.
	ErrKeyspaceExhausted = errors.New("keys: could not generate a unique key")
)
