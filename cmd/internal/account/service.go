// Package account manages account registration, authentication and expiry.
//
// Every Register and Authenticate call first sweeps expired accounts, and every
// read path re-checks expiry, so a lapsed account is never trusted even if it
// survived a sweep.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"skykey/cmd/internal/auth/session"
	"skykey/cmd/internal/keys"
	"skykey/cmd/internal/store"
	"skykey/cmd/security/password"
)

// Hasher hashes and verifies passwords. password.Config implements it.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(encodedHash, password string) (bool, error)
	NeedsRehash(encodedHash string) bool
}

// SessionIssuer issues a session for a username. *session.Service implements it.
type SessionIssuer interface {
	Issue(ctx context.Context, username string) (session.Session, error)
}

// Service implements the account lifecycle.
type Service struct {
	store    store.Store
	sessions SessionIssuer
	hasher   Hasher
	now      func() time.Time
	log      *slog.Logger

	dummyOnce sync.Once
	dummyHash string
}

// Option configures the Service.
type Option func(*Service) error

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

// NewService constructs an account Service.
func NewService(st store.Store, sessions SessionIssuer, hasher Hasher, opts ...Option) (*Service, error) {
	if st == nil || sessions == nil || hasher == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		store:    st,
		sessions: sessions,
		hasher:   hasher,
		now:      func() time.Time { return time.Now().UTC() },
		log:      slog.Default(),
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

// SweepExpired deletes every account whose expiry has passed and returns the count.
// Permanent accounts are never removed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	if s == nil || s.store == nil {
		return 0, ErrInvalidInput
	}
	now := s.now()
	removed := 0
	err := s.store.Accounts().Update(ctx, func(all map[string]store.Account) (bool, error) {
		for username, a := range all {
			if a.Expiry.Expired(now) {
				delete(all, username)
				removed++
			}
		}
		return removed > 0, nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info("account.sweep", "removed", removed)
	}
	return removed, nil
}

// Register redeems keyID, creates the account and returns a fresh session.
//
// Failure order: ErrMissingFields, then ErrKeyNotFound / ErrKeyAlreadyUsed, then
// ErrUsernameTaken, then ErrInvalidPassword. The key is marked used in the same store operation that
// creates the account.
func (s *Service) Register(ctx context.Context, keyID, username, pw string) (session.Session, error) {
	if s == nil || s.store == nil {
		return session.Session{}, ErrInvalidInput
	}
	if keyID == "" || username == "" || pw == "" {
		return session.Session{}, ErrMissingFields
	}
	if _, err := s.SweepExpired(ctx); err != nil {
		return session.Session{}, err
	}

	// Hash before taking store locks. A policy rejection is reported only after
	// the key and username checks pass.
	hash, err := s.hasher.Hash(pw)
	rejected := policyError(err)
	if err != nil && !errors.Is(rejected, ErrInvalidPassword) {
		return session.Session{}, err
	}

	now := s.now()
	var granted store.Duration
	err = s.store.RedeemKeyAndCreateAccount(ctx, func(keyRecs map[string]store.Key, accounts map[string]store.Account) error {
		k, err := keys.Redeemable(keyRecs, keyID)
		if err != nil {
			return err
		}
		existing, taken := accounts[username]
		if taken && !existing.Expiry.Expired(now) {
			return ErrUsernameTaken
		}
		if rejected != nil {
			return rejected
		}
		if taken {
			delete(accounts, username)
		}

		accounts[username] = store.Account{
			PasswordHash: hash,
			Expiry:       k.Duration.ExpiryFrom(now),
			CreatedAt:    now,
		}
		k.Used = true
		k.UsedAt = now
		k.UsedBy = username
		keyRecs[keyID] = k
		granted = k.Duration
		return nil
	})
	if err != nil {
		return session.Session{}, err
	}
	s.log.Info("account.register", "username", username, "duration", granted.String())

	return s.sessions.Issue(ctx, username)
}

// Authenticate checks credentials and returns a fresh session.
//
// Unknown usernames and wrong passwords both yield ErrInvalidCredentials. An account
// that lapsed after the sweep is deleted and yields ErrAccountExpired. Legacy digests
// are upgraded on success.
func (s *Service) Authenticate(ctx context.Context, username, pw string) (session.Session, error) {
	if s == nil || s.store == nil {
		return session.Session{}, ErrInvalidInput
	}
	if username == "" || pw == "" {
		return session.Session{}, ErrMissingFields
	}
	if _, err := s.SweepExpired(ctx); err != nil {
		return session.Session{}, err
	}

	all, err := s.store.Accounts().Load(ctx)
	if err != nil {
		return session.Session{}, err
	}
	acct, ok := all[username]
	if !ok {
		s.burnVerify(pw)
		return session.Session{}, ErrInvalidCredentials
	}

	match, err := s.hasher.Verify(acct.PasswordHash, pw)
	if err != nil {
		s.log.Warn("account.login.bad_hash", "username", username, "err", err)
		return session.Session{}, ErrInvalidCredentials
	}
	if !match {
		return session.Session{}, ErrInvalidCredentials
	}

	now := s.now()
	if acct.Expiry.Expired(now) {
		if err := s.deleteIfExpired(ctx, username, now); err != nil {
			return session.Session{}, err
		}
		return session.Session{}, ErrAccountExpired
	}

	if s.hasher.NeedsRehash(acct.PasswordHash) {
		s.rehash(ctx, username, acct.PasswordHash, pw)
	}

	return s.sessions.Issue(ctx, username)
}

func (s *Service) deleteIfExpired(ctx context.Context, username string, now time.Time) error {
	return s.store.Accounts().Update(ctx, func(all map[string]store.Account) (bool, error) {
		cur, ok := all[username]
		if !ok || !cur.Expiry.Expired(now) {
			return false, nil
		}
		delete(all, username)
		return true, nil
	})
}

// rehash replaces oldHash with a fresh digest. Failures are logged; the login still succeeds.
func (s *Service) rehash(ctx context.Context, username, oldHash, pw string) {
	newHash, err := s.hasher.Hash(pw)
	if err != nil {
		s.log.Warn("account.rehash.fail", "username", username, "err", err)
		return
	}
	err = s.store.Accounts().Update(ctx, func(all map[string]store.Account) (bool, error) {
		cur, ok := all[username]
		if !ok || cur.PasswordHash != oldHash {
			return false, nil
		}
		cur.PasswordHash = newHash
		all[username] = cur
		return true, nil
	})
	if err != nil {
		s.log.Warn("account.rehash.fail", "username", username, "err", err)
		return
	}
	s.log.Info("account.rehash", "username", username)
}

// burnVerify spends one verification on a fixed digest so unknown usernames
// take about as long as wrong passwords.
func (s *Service) burnVerify(pw string) {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash("skykey-unknown-account")
		if err == nil {
			s.dummyHash = h
		}
	})
	if s.dummyHash != "" {
		_, _ = s.hasher.Verify(s.dummyHash, pw)
	}
}

func policyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, password.ErrPasswordTooShort) ||
		errors.Is(err, password.ErrPasswordTooLong) ||
		errors.Is(err, password.ErrWeakPassword) {
		return fmt.Errorf("%w: %v", ErrInvalidPassword, err)
	}
	return err
}
