// Package session issues and verifies short-lived opaque session tokens.
//
// A token is a random UUIDv4 string handed to the client once. The store keeps only
// token.HashSessionTokenHex(token), so a leaked sessions file does not leak live tokens.
//
// Sessions have a fixed lifetime (default 10 minutes) with no sliding renewal. Verify
// deletes an expired record the first time it sees it; an expired token and an unknown
// token fail the same way.
package session
