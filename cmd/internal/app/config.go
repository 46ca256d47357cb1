package app

import (
	"net"
	"os"
	"strings"
	"time"
)

// Store backends selectable through SKYKEY_STORE.
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// StoreKind is one of StoreFile, StoreMemory or StorePostgres.
	StoreKind string
	DataDir   string

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// SweepInterval is the janitor period. Zero disables the janitor.
	SweepInterval time.Duration

	// If true, SKYKEY_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and session-token hashing must be HMAC-based.
	RequireTokenHMAC bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	cfg := Config{
		HTTPAddr: httpAddrFromEnv(),
		LogLevel: EnvString("SKYKEY_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("SKYKEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SKYKEY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SKYKEY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SKYKEY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("SKYKEY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DataDir: EnvString("SKYKEY_DATA_DIR", "."),

		DatabaseURL: EnvString("SKYKEY_DATABASE_URL", ""),
		DBSchema:    EnvString("SKYKEY_DB_SCHEMA", "skykey"),
		DBMaxConns:  EnvInt32("SKYKEY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("SKYKEY_DB_MIN_CONNS", 0),

		SweepInterval: EnvDurationOrZero("SKYKEY_SWEEP_INTERVAL", time.Minute),

		RequireTokenHMAC: EnvBool("SKYKEY_REQUIRE_TOKEN_HMAC", false),
	}

	// An unset store kind follows the database URL.
	cfg.StoreKind = strings.ToLower(EnvString("SKYKEY_STORE", ""))
	if cfg.StoreKind == "" {
		cfg.StoreKind = StoreFile
		if cfg.DatabaseURL != "" {
			cfg.StoreKind = StorePostgres
		}
	}
	return cfg
}

// httpAddrFromEnv prefers SKYKEY_HTTP_ADDR and falls back to the bare PORT variable.
func httpAddrFromEnv() string {
	if addr := EnvString("SKYKEY_HTTP_ADDR", ""); addr != "" {
		return addr
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		return net.JoinHostPort("0.0.0.0", port)
	}
	return "0.0.0.0:8080"
}
