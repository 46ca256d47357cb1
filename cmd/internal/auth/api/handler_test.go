package authapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"skykey/cmd/internal/account"
	"skykey/cmd/internal/auth/session"
	"skykey/cmd/internal/keys"
	"skykey/cmd/internal/metrics"
	"skykey/cmd/internal/store"
	"skykey/cmd/security/password"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	ts      *httptest.Server
	clock   *fakeClock
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()

	hasher := password.DefaultConfig()
	hasher.Params.MemoryKiB = 64
	hasher.Params.Iterations = 1
	hasher.Params.Parallelism = 1

	ks, err := keys.NewService(st, keys.WithClock(clock.Now), keys.WithLogger(log))
	if err != nil {
		t.Fatalf("keys.NewService: %v", err)
	}
	sessions, err := session.NewService(st, session.DefaultConfig(), session.WithClock(clock.Now), session.WithLogger(log))
	if err != nil {
		t.Fatalf("session.NewService: %v", err)
	}
	accounts, err := account.NewService(st, sessions, hasher, account.WithClock(clock.Now), account.WithLogger(log))
	if err != nil {
		t.Fatalf("account.NewService: %v", err)
	}

	m := metrics.New()
	h, err := NewHandler(log, cfg, ks, accounts, sessions, WithMetrics(m), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, clock: clock, metrics: m}
}

func (e *testEnv) post(t *testing.T, path string, body any, header http.Header) (int, []byte) {
	t.Helper()

	var rd io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	res, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	out, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res.StatusCode, out
}

func (e *testEnv) issueKey(t *testing.T, duration any) string {
	t.Helper()
	status, body := e.post(t, "/generate_key", map[string]any{"duration": duration}, nil)
	if status != http.StatusOK {
		t.Fatalf("generate_key status=%d body=%s", status, body)
	}
	var resp struct {
		Key      string          `json:"key"`
		Duration json.RawMessage `json:"duration"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode generate_key: %v", err)
	}
	if resp.Key == "" {
		t.Fatalf("expected key in response")
	}
	return resp.Key
}

func decodeError(t *testing.T, body []byte) apiError {
	t.Helper()
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatalf("decode error body %s: %v", body, err)
	}
	return er.Error
}

func decodeSession(t *testing.T, body []byte) sessionResponse {
	t.Helper()
	var sr sessionResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		t.Fatalf("decode session body %s: %v", body, err)
	}
	if sr.SessionToken == "" {
		t.Fatalf("expected session_token in %s", body)
	}
	return sr
}

func TestAuthAPI_EndToEndScenario(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, DefaultConfig())

	key := e.issueKey(t, 13)

	status, body := e.post(t, "/register", registerRequest{Key: key, Username: "bob", Password: "hunter2"}, nil)
	if status != http.StatusOK {
		t.Fatalf("register bob status=%d body=%s", status, body)
	}
	reg := decodeSession(t, body)
	if reg.Message != "registration successful" {
		t.Fatalf("unexpected message %q", reg.Message)
	}

	status, body = e.post(t, "/register", registerRequest{Key: key, Username: "carol", Password: "pw"}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("reused key status=%d body=%s", status, body)
	}
	if got := decodeError(t, body).Code; got != "key_already_used" {
		t.Fatalf("expected key_already_used, got %q", got)
	}

	status, body = e.post(t, "/login", loginRequest{Username: "bob", Password: "wrong"}, nil)
	if status != http.StatusUnauthorized || decodeError(t, body).Code != "invalid_credentials" {
		t.Fatalf("wrong password status=%d body=%s", status, body)
	}

	status, body = e.post(t, "/login", loginRequest{Username: "bob", Password: "hunter2"}, nil)
	if status != http.StatusOK {
		t.Fatalf("login status=%d body=%s", status, body)
	}
	login := decodeSession(t, body)
	if login.SessionToken == reg.SessionToken {
		t.Fatalf("login must issue a fresh token")
	}

	e.clock.Advance(9 * time.Minute)
	status, body = e.post(t, "/verify_session", verifySessionRequest{SessionToken: login.SessionToken}, nil)
	if status != http.StatusOK {
		t.Fatalf("verify status=%d body=%s", status, body)
	}
	var vr verifySessionResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		t.Fatalf("decode verify: %v", err)
	}
	if vr.Username != "bob" {
		t.Fatalf("expected bob, got %q", vr.Username)
	}

	e.clock.Advance(time.Minute + time.Second)
	status, body = e.post(t, "/verify_session", verifySessionRequest{SessionToken: login.SessionToken}, nil)
	if status != http.StatusUnauthorized || decodeError(t, body).Code != "invalid_token" {
		t.Fatalf("expired verify status=%d body=%s", status, body)
	}

	n, err := testutil.GatherAndCount(e.metrics.Registry(), "skykey_operations_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n < 5 {
		t.Fatalf("expected operation series for each outcome, got %d", n)
	}
	scrape := httptest.NewRecorder()
	e.metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, want := range []string{
		`skykey_operations_total{operation="register",result="key_already_used"} 1`,
		`skykey_operations_total{operation="login",result="ok"} 1`,
		`skykey_keys_issued_total{duration="13"} 1`,
	} {
		if !strings.Contains(scrape.Body.String(), want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestAuthAPI_GenerateKeyDurations(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, DefaultConfig())

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "thirteen", body: `{"duration":13}`, status: http.StatusOK},
		{name: "thirty", body: `{"duration":30}`, status: http.StatusOK},
		{name: "permanent", body: `{"duration":"permanent"}`, status: http.StatusOK},
		{name: "permanent_case", body: `{"duration":"PERMANENT"}`, status: http.StatusOK},
		{name: "seven", body: `{"duration":7}`, status: http.StatusBadRequest, code: "invalid_duration"},
		{name: "string_number", body: `{"duration":"13"}`, status: http.StatusBadRequest, code: "invalid_duration"},
		{name: "missing", body: `{}`, status: http.StatusBadRequest, code: "invalid_duration"},
		{name: "null", body: `{"duration":null}`, status: http.StatusBadRequest, code: "invalid_duration"},
		{name: "malformed", body: `{"duration":`, status: http.StatusBadRequest, code: "invalid_json"},
		{name: "trailing", body: `{"duration":13}{}`, status: http.StatusBadRequest, code: "invalid_json"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, body := e.post(t, "/generate_key", tc.body, nil)
			if status != tc.status {
				t.Fatalf("status=%d want=%d body=%s", status, tc.status, body)
			}
			if tc.code != "" {
				if got := decodeError(t, body).Code; got != tc.code {
					t.Fatalf("code=%q want=%q", got, tc.code)
				}
			}
		})
	}
}

func TestAuthAPI_GenerateKeyEchoesDuration(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, DefaultConfig())

	status, body := e.post(t, "/generate_key", `{"duration":"permanent"}`, nil)
	if status != http.StatusOK {
		t.Fatalf("status=%d body=%s", status, body)
	}
	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["duration"] != "permanent" {
		t.Fatalf("expected permanent duration, got %v", resp["duration"])
	}
	if k, _ := resp["key"].(string); !strings.HasPrefix(k, keys.DefaultPrefix) {
		t.Fatalf("unexpected key %v", resp["key"])
	}
}

func TestAuthAPI_AdminToken(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.AdminToken = "s3cret-admin"
	e := newTestEnv(t, cfg)

	tests := []struct {
		name   string
		authz  string
		status int
	}{
		{name: "missing", status: http.StatusUnauthorized},
		{name: "wrong", authz: "Bearer nope", status: http.StatusUnauthorized},
		{name: "wrong_scheme", authz: "Basic s3cret-admin", status: http.StatusUnauthorized},
		{name: "ok", authz: "Bearer s3cret-admin", status: http.StatusOK},
		{name: "ok_lower_scheme", authz: "bearer s3cret-admin", status: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.authz != "" {
				h.Set("Authorization", tc.authz)
			}
			status, body := e.post(t, "/generate_key", `{"duration":30}`, h)
			if status != tc.status {
				t.Fatalf("status=%d want=%d body=%s", status, tc.status, body)
			}
			if tc.status == http.StatusUnauthorized && decodeError(t, body).Code != "unauthorized" {
				t.Fatalf("expected unauthorized code, body=%s", body)
			}
		})
	}
}

func TestAuthAPI_RegisterFailures(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, DefaultConfig())

	first := e.issueKey(t, 30)
	second := e.issueKey(t, 30)
	if status, body := e.post(t, "/register", registerRequest{Key: first, Username: "dave", Password: "pw1"}, nil); status != http.StatusOK {
		t.Fatalf("seed register status=%d body=%s", status, body)
	}

	tests := []struct {
		name   string
		req    registerRequest
		status int
		code   string
	}{
		{name: "missing_password", req: registerRequest{Key: second, Username: "erin"}, status: http.StatusBadRequest, code: "missing_fields"},
		{name: "missing_key", req: registerRequest{Username: "erin", Password: "pw"}, status: http.StatusBadRequest, code: "missing_fields"},
		{name: "unknown_key", req: registerRequest{Key: "SKY-NOPE", Username: "erin", Password: "pw"}, status: http.StatusUnauthorized, code: "invalid_key"},
		{name: "username_taken", req: registerRequest{Key: second, Username: "dave", Password: "pw"}, status: http.StatusBadRequest, code: "username_taken"},
		{name: "unknown_key_before_policy", req: registerRequest{Key: "SKY-NOPE", Username: "erin", Password: strings.Repeat("p", 300)}, status: http.StatusUnauthorized, code: "invalid_key"},
		{name: "used_key_before_policy", req: registerRequest{Key: first, Username: "erin", Password: strings.Repeat("p", 300)}, status: http.StatusUnauthorized, code: "key_already_used"},
		{name: "password_policy", req: registerRequest{Key: second, Username: "erin", Password: strings.Repeat("p", 300)}, status: http.StatusBadRequest, code: "invalid_password"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, body := e.post(t, "/register", tc.req, nil)
			if status != tc.status {
				t.Fatalf("status=%d want=%d body=%s", status, tc.status, body)
			}
			if got := decodeError(t, body).Code; got != tc.code {
				t.Fatalf("code=%q want=%q", got, tc.code)
			}
		})
	}

	// The key rejected for a taken username is still redeemable.
	status, body := e.post(t, "/register", registerRequest{Key: "  " + second + " ", Username: "erin", Password: "pw"}, nil)
	if status != http.StatusOK {
		t.Fatalf("second key should still redeem, status=%d body=%s", status, body)
	}
}

func TestAuthAPI_AccountExpiry(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, DefaultConfig())

	short := e.issueKey(t, 13)
	forever := e.issueKey(t, "permanent")
	for _, r := range []registerRequest{
		{Key: short, Username: "frank", Password: "pw"},
		{Key: forever, Username: "grace", Password: "pw"},
	} {
		if status, body := e.post(t, "/register", r, nil); status != http.StatusOK {
			t.Fatalf("register %s status=%d body=%s", r.Username, status, body)
		}
	}

	e.clock.Advance(14 * 24 * time.Hour)

	status, body := e.post(t, "/login", loginRequest{Username: "frank", Password: "pw"}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expired login status=%d body=%s", status, body)
	}
	if code := decodeError(t, body).Code; code != "invalid_credentials" && code != "account_expired" {
		t.Fatalf("unexpected code %q", code)
	}

	status, body = e.post(t, "/login", loginRequest{Username: "grace", Password: "pw"}, nil)
	if status != http.StatusOK {
		t.Fatalf("permanent login status=%d body=%s", status, body)
	}
}

func TestAuthAPI_LoginMissingFields(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, DefaultConfig())

	status, body := e.post(t, "/login", loginRequest{Username: "bob"}, nil)
	if status != http.StatusBadRequest || decodeError(t, body).Code != "missing_fields" {
		t.Fatalf("status=%d body=%s", status, body)
	}
}

func TestAuthAPI_LoginThrottle(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.LoginMaxFailures = 2
	cfg.LoginFailureWindow = time.Minute
	e := newTestEnv(t, cfg)

	key := e.issueKey(t, 30)
	if status, body := e.post(t, "/register", registerRequest{Key: key, Username: "heidi", Password: "right"}, nil); status != http.StatusOK {
		t.Fatalf("register status=%d body=%s", status, body)
	}

	for i := 0; i < 2; i++ {
		if status, _ := e.post(t, "/login", loginRequest{Username: "heidi", Password: "wrong"}, nil); status != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, status)
		}
	}
	status, body := e.post(t, "/login", loginRequest{Username: "heidi", Password: "right"}, nil)
	if status != http.StatusTooManyRequests || decodeError(t, body).Code != "rate_limited" {
		t.Fatalf("expected throttle, status=%d body=%s", status, body)
	}

	e.clock.Advance(time.Minute + time.Second)
	if status, body := e.post(t, "/login", loginRequest{Username: "heidi", Password: "right"}, nil); status != http.StatusOK {
		t.Fatalf("expected login after window, status=%d body=%s", status, body)
	}
}

func TestAuthAPI_LoginDefaultConfigNeverThrottles(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, DefaultConfig())

	key := e.issueKey(t, 30)
	if status, body := e.post(t, "/register", registerRequest{Key: key, Username: "bob", Password: "secret"}, nil); status != http.StatusOK {
		t.Fatalf("register status=%d body=%s", status, body)
	}

	for i := 0; i < 20; i++ {
		status, body := e.post(t, "/login", loginRequest{Username: "bob", Password: "wrong"}, nil)
		if status != http.StatusUnauthorized || decodeError(t, body).Code != "invalid_credentials" {
			t.Fatalf("attempt %d: status=%d body=%s", i, status, body)
		}
	}

	status, body := e.post(t, "/login", loginRequest{Username: "bob", Password: "secret"}, nil)
	if status != http.StatusOK {
		t.Fatalf("owner login status=%d body=%s", status, body)
	}
	decodeSession(t, body)
}

func TestAuthAPI_VerifySessionInput(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, DefaultConfig())

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "missing", body: `{}`, status: http.StatusBadRequest, code: "missing_token"},
		{name: "blank", body: `{"session_token":"   "}`, status: http.StatusBadRequest, code: "missing_token"},
		{name: "unknown", body: `{"session_token":"b0b5e0e4-0000-4000-8000-000000000000"}`, status: http.StatusUnauthorized, code: "invalid_token"},
		{name: "not_json", body: `session_token=x`, status: http.StatusBadRequest, code: "invalid_json"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, body := e.post(t, "/verify_session", tc.body, nil)
			if status != tc.status {
				t.Fatalf("status=%d want=%d body=%s", status, tc.status, body)
			}
			if got := decodeError(t, body).Code; got != tc.code {
				t.Fatalf("code=%q want=%q", got, tc.code)
			}
		})
	}
}

func TestAuthAPI_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, DefaultConfig())

	for _, path := range []string{"/generate_key", "/register", "/login", "/verify_session"} {
		res, err := e.ts.Client().Get(e.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = res.Body.Close()
		if res.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("GET %s: status=%d", path, res.StatusCode)
		}
	}
}

func TestAuthAPI_BodyLimit(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 32
	e := newTestEnv(t, cfg)

	big := `{"username":"` + strings.Repeat("a", 64) + `","password":"pw"}`
	status, body := e.post(t, "/login", big, nil)
	if status != http.StatusBadRequest || decodeError(t, body).Code != "invalid_json" {
		t.Fatalf("status=%d body=%s", status, body)
	}
}

func TestNewHandler_RejectsNilServices(t *testing.T) {
	t.Parallel()
	if _, err := NewHandler(nil, DefaultConfig(), nil, nil, nil); err == nil {
		t.Fatalf("expected error for nil services")
	}
}
