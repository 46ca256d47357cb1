package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls facade behavior.
type Config struct {
	// AdminToken guards key issuance when non-empty.
	AdminToken   string
	MaxBodyBytes int64

	// LoginMaxFailures is the number of failed logins per username tolerated inside
	// LoginFailureWindow before further attempts are rejected. Zero, the default,
	// disables throttling.
	LoginMaxFailures   int
	LoginFailureWindow time.Duration
}

// DefaultConfig returns the facade defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:       1 << 20, // 1 MiB
		LoginFailureWindow: 15 * time.Minute,
	}
}

// LoadConfigFromEnv loads facade config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	cfg := Config{
		AdminToken:         strings.TrimSpace(os.Getenv("SKYKEY_ADMIN_TOKEN")),
		MaxBodyBytes:       envInt64("SKYKEY_MAX_BODY_BYTES", def.MaxBodyBytes),
		LoginMaxFailures:   envInt("SKYKEY_LOGIN_MAX_FAILURES", def.LoginMaxFailures),
		LoginFailureWindow: envDuration("SKYKEY_LOGIN_FAILURE_WINDOW", def.LoginFailureWindow),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.LoginMaxFailures < 0 {
		c.LoginMaxFailures = 0
	}
	if c.LoginFailureWindow <= 0 {
		c.LoginFailureWindow = def.LoginFailureWindow
	}
	return c
}

// envInt accepts zero so an operator can disable a limit.
func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
