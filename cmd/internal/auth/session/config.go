package session

import (
	"os"
	"time"
)

// DefaultTTL is the lifetime of a session.
const DefaultTTL = 10 * time.Minute

// Config defines runtime configuration for the session subsystem.
type Config struct {
	// TTL is the fixed lifetime of every session.
	TTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{TTL: DefaultTTL}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional:
//   - SKYKEY_SESSION_TTL (Go duration, between 1s and 24h)
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("SKYKEY_SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < time.Second || d > 24*time.Hour {
			return Config{}, ErrConfig
		}
		cfg.TTL = d
	}

	return cfg, nil
}
