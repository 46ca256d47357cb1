// Package token provides digest primitives for skykey bearer tokens.
//
// Session tokens are never persisted in plaintext: the session store is keyed by
// HashSessionTokenHex(token).
//
// Modes:
// - SHA-256(token) when no HMAC key is configured.
// - HMAC-SHA256(token, key) when SKYKEY_TOKEN_HMAC_KEY is set.
//
// Output is always 64 lowercase hex characters.
//
// Changing the mode invalidates every outstanding session; that is acceptable
// because sessions live for minutes.
package token
