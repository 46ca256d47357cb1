// Package main provides a CI-friendly HTTP smoke test for a running skykey server.
//
// It validates:
//   - healthz/readyz
//   - key issuance
//   - register -> session token
//   - second registration with the same key is rejected
//   - login with wrong and right password
//   - verify_session resolves the username
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type smokeClient struct {
	base       string
	http       *http.Client
	adminToken string
	verbose    bool
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func main() {
	var (
		baseURL    = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		adminToken = flag.String("admin-token", os.Getenv("SKYKEY_ADMIN_TOKEN"), "Bearer token for /generate_key when the server requires one")
		duration   = flag.String("duration", "13", `Key duration to issue: 13, 30 or "permanent"`)
		timeout    = flag.Duration("timeout", 7*time.Second, "Per-request timeout")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	durationJSON, err := durationValue(*duration)
	if err != nil {
		fatalf("invalid -duration: %v", err)
	}

	c := &smokeClient{
		base:       strings.TrimRight(*baseURL, "/"),
		http:       &http.Client{Timeout: *timeout},
		adminToken: *adminToken,
		verbose:    *verbose,
	}
	ctx := context.Background()

	c.mustGetOK(ctx, "/healthz")
	c.mustGetOK(ctx, "/readyz")

	var issued struct {
		Key string `json:"key"`
	}
	c.mustPost(ctx, "/generate_key", map[string]any{"duration": durationJSON}, http.StatusOK, &issued)
	if issued.Key == "" {
		fatalf("generate_key returned no key")
	}

	suffix := time.Now().UTC().Format("20060102150405.000000")
	username := "smoke_" + strings.ReplaceAll(suffix, ".", "_")
	pw := "smoke-password-" + suffix

	var reg struct {
		SessionToken string `json:"session_token"`
	}
	c.mustPost(ctx, "/register", map[string]string{"key": issued.Key, "username": username, "password": pw}, http.StatusOK, &reg)
	mustUUID("register", reg.SessionToken)

	c.mustPostError(ctx, "/register", map[string]string{"key": issued.Key, "username": username + "_2", "password": pw}, http.StatusUnauthorized, "key_already_used")
	c.mustPostError(ctx, "/login", map[string]string{"username": username, "password": "wrong-" + pw}, http.StatusUnauthorized, "invalid_credentials")

	var login struct {
		SessionToken string `json:"session_token"`
	}
	c.mustPost(ctx, "/login", map[string]string{"username": username, "password": pw}, http.StatusOK, &login)
	mustUUID("login", login.SessionToken)
	if login.SessionToken == reg.SessionToken {
		fatalf("login returned the registration token again")
	}

	var verified struct {
		Username string `json:"username"`
	}
	c.mustPost(ctx, "/verify_session", map[string]string{"session_token": login.SessionToken}, http.StatusOK, &verified)
	if verified.Username != username {
		fatalf("verify_session username=%q want=%q", verified.Username, username)
	}
	c.mustPostError(ctx, "/verify_session", map[string]string{"session_token": uuid.NewString()}, http.StatusUnauthorized, "invalid_token")

	fmt.Printf("OK: issued %s, registered %s, login and verify_session passed\n", issued.Key, username)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func durationValue(s string) (any, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "13":
		return 13, nil
	case "30":
		return 30, nil
	case "permanent":
		return "permanent", nil
	default:
		return nil, fmt.Errorf("unsupported duration %q", s)
	}
}

func (c *smokeClient) mustGetOK(ctx context.Context, path string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		fatalf("GET %s: %v", path, err)
	}
	status, body := c.do(req)
	if status != http.StatusOK {
		fatalf("GET %s: status=%d body=%s", path, status, body)
	}
}

func (c *smokeClient) mustPost(ctx context.Context, path string, in any, wantStatus int, out any) {
	status, body := c.post(ctx, path, in)
	if status != wantStatus {
		fatalf("POST %s: status=%d want=%d body=%s", path, status, wantStatus, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			fatalf("POST %s: decode: %v body=%s", path, err, body)
		}
	}
}

func (c *smokeClient) mustPostError(ctx context.Context, path string, in any, wantStatus int, wantCode string) {
	status, body := c.post(ctx, path, in)
	if status != wantStatus {
		fatalf("POST %s: status=%d want=%d body=%s", path, status, wantStatus, body)
	}
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil {
		fatalf("POST %s: decode error: %v body=%s", path, err, body)
	}
	if e.Error.Code != wantCode {
		fatalf("POST %s: code=%q want=%q", path, e.Error.Code, wantCode)
	}
}

func (c *smokeClient) post(ctx context.Context, path string, in any) (int, []byte) {
	b, err := json.Marshal(in)
	if err != nil {
		fatalf("POST %s: marshal: %v", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		fatalf("POST %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if path == "/generate_key" && c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	return c.do(req)
}

func (c *smokeClient) do(req *http.Request) (int, []byte) {
	res, err := c.http.Do(req)
	if err != nil {
		fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		fatalf("%s %s: read body: %v", req.Method, req.URL.Path, err)
	}
	if c.verbose {
		fmt.Printf("%s %s -> %d %s\n", req.Method, req.URL.Path, res.StatusCode, bytes.TrimSpace(body))
	}
	return res.StatusCode, body
}

func mustUUID(step, tok string) {
	if _, err := uuid.Parse(tok); err != nil {
		fatalf("%s: session_token %q is not a UUID: %v", step, tok, err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
