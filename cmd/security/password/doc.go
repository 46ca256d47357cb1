// Package password provides password hashing and verification for skykey accounts.
//
// New digests are Argon2id in the PHC string format:
//
//	$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
//
// Verify also accepts the unsalted SHA-256 hex digests written by earlier deployments;
// NeedsRehash reports them so callers can upgrade on the next successful login.
//
// Hash strings are treated as untrusted input during Verify: parameters far above the
// configured ones are refused.
package password
