package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"skykey/cmd/internal/account"
	"skykey/cmd/internal/auth/session"
	"skykey/cmd/internal/errkind"
	"skykey/cmd/internal/keys"
	"skykey/cmd/internal/metrics"
	"skykey/cmd/internal/store"
	"skykey/cmd/security/token"
)

// KeyIssuer issues activation keys.
type KeyIssuer interface {
	Issue(ctx context.Context, d store.Duration) (keys.Key, error)
}

// AccountService registers and authenticates accounts.
type AccountService interface {
	Register(ctx context.Context, keyID, username, pw string) (session.Session, error)
	Authenticate(ctx context.Context, username, pw string) (session.Session, error)
}

// SessionVerifier resolves session tokens to usernames.
type SessionVerifier interface {
	Verify(ctx context.Context, tok string) (string, error)
}

var (
	errMissingToken = errkind.New(errkind.ErrValidation, "missing_token", "session_token is required")
	errInvalidJSON  = errkind.New(errkind.ErrValidation, "invalid_json", "invalid request body")
	errAdminToken   = errkind.New(errkind.ErrUnauthorized, "unauthorized", "missing or invalid admin token")

	// errRateLimited only labels metrics; the response is written by writeRateLimited.
	errRateLimited = errkind.New(errkind.ErrUnauthorized, "rate_limited", "too many failed attempts")
)

// Handler wires the HTTP facade to the key, account and session services.
type Handler struct {
	log *slog.Logger
	cfg Config

	keys     KeyIssuer
	accounts AccountService
	sessions SessionVerifier

	metrics  *metrics.Metrics
	throttle *loginThrottle
	now      func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithMetrics records operation outcomes on m.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) {
		if h == nil || m == nil {
			return
		}
		h.metrics = m
	}
}

// WithClock overrides the clock used by login throttling.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if h == nil || now == nil {
			return
		}
		h.now = now
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, ks KeyIssuer, accounts AccountService, sessions SessionVerifier, opts ...HandlerOption) (*Handler, error) {
	if ks == nil || accounts == nil || sessions == nil {
		return nil, errors.New("authapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	h := &Handler{
		log:      log,
		cfg:      cfg,
		keys:     ks,
		accounts: accounts,
		sessions: sessions,
		throttle: newLoginThrottle(cfg.LoginMaxFailures, cfg.LoginFailureWindow),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires facade routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/generate_key", h.handleGenerateKey)
	mux.HandleFunc("/register", h.handleRegister)
	mux.HandleFunc("/login", h.handleLogin)
	mux.HandleFunc("/verify_session", h.handleVerifySession)
}

// ---- handlers ----

func (h *Handler) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.adminAuthorized(r) {
		h.fail(w, metrics.OpIssueKey, errAdminToken)
		return
	}

	var req generateKeyRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		h.fail(w, metrics.OpIssueKey, errInvalidJSON)
		return
	}
	d, err := keys.ParseDurationJSON(req.Duration)
	if err != nil {
		h.fail(w, metrics.OpIssueKey, err)
		return
	}

	k, err := h.keys.Issue(r.Context(), d)
	if err != nil {
		h.fail(w, metrics.OpIssueKey, err)
		return
	}

	h.metrics.Outcome(metrics.OpIssueKey, nil)
	h.metrics.KeyIssued(d.String())
	writeJSON(w, http.StatusOK, generateKeyResponse{Key: k.ID, Duration: k.Duration})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		h.fail(w, metrics.OpRegister, errInvalidJSON)
		return
	}

	sess, err := h.accounts.Register(r.Context(), strings.TrimSpace(req.Key), req.Username, req.Password)
	if err != nil {
		h.fail(w, metrics.OpRegister, err)
		return
	}

	h.metrics.Outcome(metrics.OpRegister, nil)
	writeJSON(w, http.StatusOK, sessionResponse{
		Message:      "registration successful",
		SessionToken: sess.Token,
		ExpiresAt:    sess.ExpiresAt,
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		h.fail(w, metrics.OpLogin, errInvalidJSON)
		return
	}

	now := h.now()
	if blocked, retryAfter := h.throttle.check(req.Username, now); blocked {
		h.log.Warn("auth.login.throttled", "retry_after_s", int64(retryAfter.Seconds()))
		h.metrics.Outcome(metrics.OpLogin, errRateLimited)
		writeRateLimited(w, retryAfter)
		return
	}

	sess, err := h.accounts.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, account.ErrInvalidCredentials) {
			h.throttle.fail(req.Username, now)
		}
		h.fail(w, metrics.OpLogin, err)
		return
	}
	h.throttle.reset(req.Username)

	h.metrics.Outcome(metrics.OpLogin, nil)
	writeJSON(w, http.StatusOK, sessionResponse{
		Message:      "login successful",
		SessionToken: sess.Token,
		ExpiresAt:    sess.ExpiresAt,
	})
}

func (h *Handler) handleVerifySession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req verifySessionRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		h.fail(w, metrics.OpVerifySession, errInvalidJSON)
		return
	}
	tok := strings.TrimSpace(req.SessionToken)
	if tok == "" {
		h.fail(w, metrics.OpVerifySession, errMissingToken)
		return
	}

	username, err := h.sessions.Verify(r.Context(), tok)
	if err != nil {
		h.fail(w, metrics.OpVerifySession, err)
		return
	}

	h.metrics.Outcome(metrics.OpVerifySession, nil)
	writeJSON(w, http.StatusOK, verifySessionResponse{Message: "session valid", Username: username})
}

// ---- helpers ----

// fail writes the client-facing error for err. Errors without a kind are logged and
// reported as a generic server error.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var ke *errkind.Error
	if errors.As(err, &ke) {
		h.metrics.Outcome(op, err)
		msg := ke.Msg
		if msg == "" {
			msg = ke.Code
		}
		writeError(w, errkind.Status(err), ke.Code, msg)
		return
	}

	h.metrics.Outcome(op, err)
	h.log.Error("api."+op+".fail", "err", err)
	writeError(w, http.StatusInternalServerError, "server_error", "internal error")
}

func (h *Handler) adminAuthorized(r *http.Request) bool {
	if h.cfg.AdminToken == "" {
		return true
	}
	got, ok := bearerToken(r)
	return ok && token.Equal(got, h.cfg.AdminToken)
}

func bearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	if tok == "" {
		return "", false
	}
	return tok, true
}
