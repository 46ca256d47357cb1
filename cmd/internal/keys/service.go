// Package keys issues and checks single-use activation keys.
//
// A key is "SKY-" followed by 24 characters drawn uniformly from A-Z and 0-9.
// Keys are never deleted; redemption only flips used from false to true, and that
// flip happens in the account manager together with account creation.
package keys

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"skykey/cmd/internal/store"
)

const (
	DefaultPrefix = "SKY-"
	DefaultLength = 24

	alphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxUnbiased = 252 // largest multiple of len(alphabet) that fits in a byte
	maxAttempts = 64
)

// Key is an issued activation key.
type Key struct {
	ID        string
	Duration  store.Duration
	Used      bool
	CreatedAt time.Time
	UsedAt    time.Time
	UsedBy    string
}

// Service issues keys and answers redemption checks.
type Service struct {
	store  store.Store
	prefix string
	length int
	random io.Reader
	now    func() time.Time
	log    *slog.Logger
}

// Option configures the Service.
type Option func(*Service) error

// WithPrefix sets the key prefix (default "SKY-").
func WithPrefix(prefix string) Option {
	return func(s *Service) error {
		if strings.TrimSpace(prefix) != prefix {
			return ErrInvalidInput
		}
		s.prefix = prefix
		return nil
	}
}

// WithRandom sets the entropy source (default crypto/rand).
func WithRandom(r io.Reader) Option {
	return func(s *Service) error {
		if r == nil {
			return ErrInvalidInput
		}
		s.random = r
		return nil
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return ErrInvalidInput
		}
		s.now = now
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log == nil {
			return ErrInvalidInput
		}
		s.log = log
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(st store.Store, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		store:  st,
		prefix: DefaultPrefix,
		length: DefaultLength,
		random: rand.Reader,
		now:    func() time.Time { return time.Now().UTC() },
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ParseDurationJSON converts a request value into a Duration.
func ParseDurationJSON(raw []byte) (store.Duration, error) {
	d, ok := store.DurationFromJSON(raw)
	if !ok {
		return 0, ErrInvalidDuration
	}
	return d, nil
}

// ParseDuration converts "13", "30" or "permanent" into a Duration.
func ParseDuration(s string) (store.Duration, error) {
	d, ok := store.ParseDuration(s)
	if !ok {
		return 0, ErrInvalidDuration
	}
	return d, nil
}

// Issue creates and persists a new unused key with the given duration.
// Candidates that collide with an existing key are discarded.
func (s *Service) Issue(ctx context.Context, d store.Duration) (Key, error) {
	if s == nil || s.store == nil {
		return Key{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Key{}, err
	}
	if !d.Valid() {
		return Key{}, ErrInvalidDuration
	}

	now := s.now()
	var issued Key
	err := s.store.Keys().Update(ctx, func(all map[string]store.Key) (bool, error) {
		for attempt := 0; attempt < maxAttempts; attempt++ {
			id, err := s.newKeyID()
			if err != nil {
				return false, err
			}
			if _, taken := all[id]; taken {
				s.log.Warn("keys.issue.collision", "attempt", attempt+1)
				continue
			}
			all[id] = store.Key{Duration: d, CreatedAt: now}
			issued = Key{ID: id, Duration: d, CreatedAt: now}
			return true, nil
		}
		return false, ErrKeyspaceExhausted
	})
	if err != nil {
		return Key{}, err
	}

	s.log.Info("keys.issue", "duration", d.String(), "key_hint", hint(issued.ID))
	return issued, nil
}

// Redeem checks that keyID exists and is unused and returns its duration.
// It does not mark the key used.
func (s *Service) Redeem(ctx context.Context, keyID string) (store.Duration, error) {
	if s == nil || s.store == nil {
		return 0, ErrInvalidInput
	}
	all, err := s.store.Keys().Load(ctx)
	if err != nil {
		return 0, err
	}
	k, err := Redeemable(all, keyID)
	if err != nil {
		return 0, err
	}
	return k.Duration, nil
}

// Redeemable applies the redemption rule to an already-loaded key mapping.
func Redeemable(all map[string]store.Key, keyID string) (store.Key, error) {
	k, ok := all[keyID]
	if !ok || keyID == "" {
		return store.Key{}, ErrKeyNotFound
	}
	if k.Used {
		return store.Key{}, ErrKeyAlreadyUsed
	}
	return k, nil
}

// List returns every key, oldest first.
func (s *Service) List(ctx context.Context) ([]Key, error) {
	if s == nil || s.store == nil {
		return nil, ErrInvalidInput
	}
	all, err := s.store.Keys().Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Key, 0, len(all))
	for id, k := range all {
		out = append(out, Key{ID: id, Duration: k.Duration, Used: k.Used, CreatedAt: k.CreatedAt, UsedAt: k.UsedAt, UsedBy: k.UsedBy})
	}
	slices.SortFunc(out, func(a, b Key) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Service) newKeyID() (string, error) {
	var sb strings.Builder
	sb.Grow(len(s.prefix) + s.length)
	sb.WriteString(s.prefix)

	buf := make([]byte, s.length)
	for n := 0; n < s.length; {
		if _, err := io.ReadFull(s.random, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= maxUnbiased {
				continue
			}
			sb.WriteByte(alphabet[int(b)%len(alphabet)])
			n++
			if n == s.length {
				break
			}
		}
	}
	return sb.String(), nil
}

// hint returns the last four characters of a key for logs.
func hint(id string) string {
	if len(id) <= 4 {
		return id
	}
	return "..." + id[len(id)-4:]
}
