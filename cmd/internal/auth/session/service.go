package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"skykey/cmd/internal/store"
	"skykey/cmd/security/token"

	"github.com/google/uuid"
)

// Session is an issued session. Token is only ever returned here, never stored.
type Session struct {
	Token     string
	Username  string
	ExpiresAt time.Time
}

// Service issues and verifies sessions.
type Service struct {
	cfg      Config
	store    store.Store
	now      func() time.Time
	log      *slog.Logger
	newToken func() (string, error)
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

// NewService constructs a session Service.
func NewService(st store.Store, cfg Config, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, ErrInvalidInput
	}
	if cfg.TTL <= 0 {
		return nil, ErrConfig
	}
	s := &Service{
		cfg:   cfg,
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
		log:   slog.Default(),
		newToken: func() (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
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

// TTL returns the configured session lifetime.
func (s *Service) TTL() time.Duration { return s.cfg.TTL }

// Issue creates a session for username expiring TTL from now.
func (s *Service) Issue(ctx context.Context, username string) (Session, error) {
	if s == nil || s.store == nil {
		return Session{}, ErrInvalidInput
	}
	if username == "" {
		return Session{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	tok, err := s.newToken()
	if err != nil {
		return Session{}, err
	}
	now := s.now()
	out := Session{Token: tok, Username: username, ExpiresAt: now.Add(s.cfg.TTL)}

	err = s.store.Sessions().Update(ctx, func(all map[string]store.Session) (bool, error) {
		all[token.HashSessionTokenHex(tok)] = store.Session{
			Username:  username,
			ExpiresAt: out.ExpiresAt,
			CreatedAt: now,
		}
		return true, nil
	})
	if err != nil {
		return Session{}, err
	}

	s.log.Debug("session.issue", "username", username, "expires_at", out.ExpiresAt)
	return out, nil
}

// Verify returns the username bound to tok if the session is live.
// An expired session is deleted and reported as ErrInvalidToken.
func (s *Service) Verify(ctx context.Context, tok string) (string, error) {
	if s == nil || s.store == nil {
		return "", ErrInvalidInput
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", ErrInvalidToken
	}

	all, err := s.store.Sessions().Load(ctx)
	if err != nil {
		return "", err
	}
	id := token.HashSessionTokenHex(tok)
	rec, ok := all[id]
	if !ok {
		return "", ErrInvalidToken
	}

	now := s.now()
	if !rec.Expired(now) {
		return rec.Username, nil
	}

	err = s.store.Sessions().Update(ctx, func(all map[string]store.Session) (bool, error) {
		cur, ok := all[id]
		if !ok || !cur.Expired(now) {
			return false, nil
		}
		delete(all, id)
		return true, nil
	})
	if err != nil {
		return "", err
	}
	s.log.Debug("session.expired", "username", rec.Username)
	return "", ErrInvalidToken
}

// PurgeExpired deletes every expired session and returns how many were removed.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	if s == nil || s.store == nil {
		return 0, ErrInvalidInput
	}
	now := s.now()
	removed := 0
	err := s.store.Sessions().Update(ctx, func(all map[string]store.Session) (bool, error) {
		for id, rec := range all {
			if rec.Expired(now) {
				delete(all, id)
				removed++
			}
		}
		return removed > 0, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
