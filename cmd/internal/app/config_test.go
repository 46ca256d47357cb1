package app

import (
	"testing"
	"time"
)

func TestLoadConfig_HTTPAddr(t *testing.T) {
	cases := []struct {
		name string
		addr string
		port string
		want string
	}{
		{name: "default", want: "0.0.0.0:8080"},
		{name: "port fallback", port: "5000", want: "0.0.0.0:5000"},
		{name: "explicit wins", addr: "127.0.0.1:9000", port: "5000", want: "127.0.0.1:9000"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("SKYKEY_HTTP_ADDR", tc.addr)
			t.Setenv("PORT", tc.port)
			if got := LoadConfig().HTTPAddr; got != tc.want {
				t.Fatalf("HTTPAddr=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestLoadConfig_StoreKind(t *testing.T) {
	cases := []struct {
		name  string
		store string
		dbURL string
		want  string
	}{
		{name: "default file", want: StoreFile},
		{name: "database url implies postgres", dbURL: "postgres://localhost/skykey", want: StorePostgres},
		{name: "explicit memory", store: "Memory", dbURL: "postgres://localhost/skykey", want: StoreMemory},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("SKYKEY_STORE", tc.store)
			t.Setenv("SKYKEY_DATABASE_URL", tc.dbURL)
			if got := LoadConfig().StoreKind; got != tc.want {
				t.Fatalf("StoreKind=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestLoadConfig_SweepInterval(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{in: "", want: time.Minute},
		{in: "0", want: 0},
		{in: "0s", want: 0},
		{in: "30s", want: 30 * time.Second},
		{in: "-1m", want: time.Minute},
		{in: "soon", want: time.Minute},
	}

	for _, tc := range cases {
		t.Setenv("SKYKEY_SWEEP_INTERVAL", tc.in)
		if got := LoadConfig().SweepInterval; got != tc.want {
			t.Fatalf("SKYKEY_SWEEP_INTERVAL=%q: got %v want %v", tc.in, got, tc.want)
		}
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("SKYKEY_TEST_INT", "-3")
	t.Setenv("SKYKEY_TEST_INT32", "7")
	t.Setenv("SKYKEY_TEST_BOOL", "yes")
	t.Setenv("SKYKEY_TEST_DUR", "0")

	if got := EnvInt("SKYKEY_TEST_INT", 4); got != 4 {
		t.Fatalf("EnvInt=%d", got)
	}
	if got := EnvInt32("SKYKEY_TEST_INT32", 1); got != 7 {
		t.Fatalf("EnvInt32=%d", got)
	}
	if got := EnvBool("SKYKEY_TEST_BOOL", true); !got {
		t.Fatalf("EnvBool should fall back on unparsable input")
	}
	if got := EnvDuration("SKYKEY_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration must reject zero, got %v", got)
	}
	if got := EnvString("SKYKEY_TEST_MISSING", "d"); got != "d" {
		t.Fatalf("EnvString=%q", got)
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Setenv("SKYKEY_TOKEN_HMAC_KEY", "")
	if err := ValidateSecurityConfig(Config{}); err != nil {
		t.Fatalf("policy off: %v", err)
	}
	if err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}); err == nil {
		t.Fatalf("expected missing key error")
	}

	t.Setenv("SKYKEY_TOKEN_HMAC_KEY", "short")
	if err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}); err == nil {
		t.Fatalf("expected short key error")
	}

	t.Setenv("SKYKEY_TOKEN_HMAC_KEY", "0123456789abcdef0123456789abcdef")
	if err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}); err != nil {
		t.Fatalf("expected valid key, got %v", err)
	}
}
