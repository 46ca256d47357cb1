package authapi

import (
	"encoding/json"
	"time"

	"skykey/cmd/internal/store"
)

type generateKeyRequest struct {
	Duration json.RawMessage `json:"duration"`
}

type generateKeyResponse struct {
	Key      string         `json:"key"`
	Duration store.Duration `json:"duration"`
}

type registerRequest struct {
	Key      string `json:"key"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Message      string    `json:"message"`
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type verifySessionRequest struct {
	SessionToken string `json:"session_token"`
}

type verifySessionResponse struct {
	Message  string `json:"message"`
	Username string `json:"username"`
}
