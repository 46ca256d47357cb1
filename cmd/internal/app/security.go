package app

import (
	"errors"

	"skykey/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy.
//
// It validates through security/token, the same module that hashes session tokens.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	// Key length is measured in bytes since the key is used raw.
	if _, err := token.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: SKYKEY_REQUIRE_TOKEN_HMAC=true but SKYKEY_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: SKYKEY_REQUIRE_TOKEN_HMAC=true but SKYKEY_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: SKYKEY_REQUIRE_TOKEN_HMAC=true but token hasher is not in HMAC mode")
	}

	return nil
}
