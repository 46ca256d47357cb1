package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Duration is the validity period a Key grants. Only Days13, Days30 and Permanent are valid.
type Duration int

const (
	Days13    Duration = 13
	Days30    Duration = 30
	Permanent Duration = -1
)

const permanentLiteral = "permanent"

// legacyTimeLayout is the naive ISO-8601 layout used by older users.json files.
const legacyTimeLayout = "2006-01-02T15:04:05.999999"

// Valid reports whether d is one of the supported durations.
func (d Duration) Valid() bool {
	return d == Days13 || d == Days30 || d == Permanent
}

// Days returns the number of days d grants, or 0 for Permanent.
func (d Duration) Days() int {
	if d == Permanent {
		return 0
	}
	return int(d)
}

// String returns "13", "30" or "permanent".
func (d Duration) String() string {
	if d == Permanent {
		return permanentLiteral
	}
	return strconv.Itoa(int(d))
}

// ExpiryFrom computes the account expiry granted by d when redeemed at now.
func (d Duration) ExpiryFrom(now time.Time) Expiry {
	if d == Permanent {
		return Expiry{Forever: true}
	}
	return Expiry{At: now.UTC().Add(time.Duration(d.Days()) * 24 * time.Hour)}
}

// ParseDuration parses the textual forms "13", "30" and "permanent".
func ParseDuration(s string) (Duration, bool) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, permanentLiteral) {
		return Permanent, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	d := Duration(n)
	return d, d.Valid() && d != Permanent
}

// DurationFromJSON parses a request value: the numbers 13 and 30 or the string "permanent"
// in any case. Numeric strings such as "13" are rejected.
func DurationFromJSON(raw []byte) (Duration, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || !strings.EqualFold(s, permanentLiteral) {
			return 0, false
		}
		return Permanent, true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	if f != math.Trunc(f) {
		return 0, false
	}
	d := Duration(int(f))
	return d, d == Days13 || d == Days30
}

func (d Duration) MarshalJSON() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("store: invalid duration %d", int(d))
	}
	if d == Permanent {
		return json.Marshal(permanentLiteral)
	}
	return []byte(strconv.Itoa(int(d))), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	v, ok := DurationFromJSON(b)
	if !ok {
		return fmt.Errorf("store: invalid duration %s", string(b))
	}
	*d = v
	return nil
}

// Expiry is either an instant or the permanent sentinel.
type Expiry struct {
	At      time.Time
	Forever bool
}

// Expired reports whether the expiry has passed at now. Permanent never expires.
func (e Expiry) Expired(now time.Time) bool {
	if e.Forever {
		return false
	}
	return !now.Before(e.At)
}

func (e Expiry) String() string {
	if e.Forever {
		return permanentLiteral
	}
	return e.At.UTC().Format(time.RFC3339Nano)
}

func (e Expiry) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

func (e *Expiry) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("store: expiry: %w", err)
	}
	parsed, err := ParseExpiry(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ParseExpiry accepts "permanent", RFC 3339 timestamps, and the naive local-time
// ISO-8601 form of legacy records.
func ParseExpiry(s string) (Expiry, error) {
	s = strings.TrimSpace(s)
	if s == permanentLiteral {
		return Expiry{Forever: true}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return Expiry{At: t.UTC()}, nil
	}
	if t, err := time.ParseInLocation(legacyTimeLayout, s, time.Local); err == nil {
		return Expiry{At: t.UTC()}, nil
	}
	return Expiry{}, fmt.Errorf("store: invalid expiry %q", s)
}

// Key is a persisted activation key record, keyed by its identifier.
type Key struct {
	Duration  Duration  `json:"duration"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UsedAt    time.Time `json:"used_at,omitzero"`
	UsedBy    string    `json:"used_by,omitempty"`
}

var errKeyNoDuration = errors.New("store: key record has no valid duration")

// UnmarshalJSON rejects records without a duration, which could not be saved again.
func (k *Key) UnmarshalJSON(b []byte) error {
	type plain Key
	var in plain
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if !in.Duration.Valid() {
		return errKeyNoDuration
	}
	*k = Key(in)
	return nil
}

// Account is a persisted account record, keyed by username.
type Account struct {
	PasswordHash string    `json:"password_hash"`
	Expiry       Expiry    `json:"expiry"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
}

type accountJSON struct {
	PasswordHash string    `json:"password_hash"`
	Expiry       *Expiry   `json:"expiry"`
	CreatedAt    time.Time `json:"created_at,omitzero"`

	LegacyPassword string  `json:"password"`
	LegacyExpiry   *Expiry `json:"expiry_date"`
}

var errAccountNoExpiry = errors.New("store: account record has no expiry")

// UnmarshalJSON also accepts the legacy field names "password" and "expiry_date".
func (a *Account) UnmarshalJSON(b []byte) error {
	var in accountJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	out := Account{PasswordHash: in.PasswordHash, CreatedAt: in.CreatedAt}
	if out.PasswordHash == "" {
		out.PasswordHash = in.LegacyPassword
	}
	switch {
	case in.Expiry != nil:
		out.Expiry = *in.Expiry
	case in.LegacyExpiry != nil:
		out.Expiry = *in.LegacyExpiry
	default:
		return errAccountNoExpiry
	}
	*a = out
	return nil
}

// Session is a persisted session record, keyed by the digest of its token.
type Session struct {
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expiry"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Expired reports whether the session is at or past its expiry.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
