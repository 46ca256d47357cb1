package ctl

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIssueAndListKeys(t *testing.T) {
	dir := t.TempDir()

	out, err := runCmd(t, "--store", "file", "--data-dir", dir, "issue-key", "--duration", "permanent", "--count", "2")
	if err != nil {
		t.Fatalf("issue-key: %v", err)
	}
	issued := strings.Fields(out)
	if len(issued) != 2 {
		t.Fatalf("expected two keys, got %q", out)
	}
	for _, k := range issued {
		if !strings.HasPrefix(k, "SKY-") {
			t.Fatalf("unexpected key %q", k)
		}
	}

	out, err = runCmd(t, "--store", "file", "--data-dir", dir, "list-keys")
	if err != nil {
		t.Fatalf("list-keys: %v", err)
	}
	for _, k := range issued {
		if !strings.Contains(out, k) {
			t.Fatalf("expected %s in listing:\n%s", k, out)
		}
	}
	if !strings.Contains(out, "permanent") {
		t.Fatalf("expected duration column in listing:\n%s", out)
	}
}

func TestListKeys_Empty(t *testing.T) {
	out, err := runCmd(t, "--store", "file", "--data-dir", t.TempDir(), "list-keys", "--unused")
	if err != nil {
		t.Fatalf("list-keys: %v", err)
	}
	if !strings.Contains(out, "No keys found.") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestIssueKey_InvalidInput(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{name: "bad duration", args: []string{"issue-key", "--duration", "7"}},
		{name: "missing duration", args: []string{"issue-key"}},
		{name: "bad count", args: []string{"issue-key", "--duration", "13", "--count", "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			args := append([]string{"--store", "memory"}, tc.args...)
			if _, err := runCmd(t, args...); err == nil {
				t.Fatalf("expected error for %v", tc.args)
			}
		})
	}
}

func TestSweep(t *testing.T) {
	out, err := runCmd(t, "--store", "file", "--data-dir", t.TempDir(), "sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "removed 0 expired accounts and 0 expired sessions") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestVerifySession_Unknown(t *testing.T) {
	if _, err := runCmd(t, "--store", "memory", "verify-session", "5e2c7f7e-0000-4000-8000-000000000000"); err == nil {
		t.Fatalf("expected invalid token error")
	}
}

func TestMigrate_RequiresPostgres(t *testing.T) {
	if _, err := runCmd(t, "--store", "file", "--data-dir", t.TempDir(), "migrate"); err == nil {
		t.Fatalf("expected migrate to refuse non-postgres store")
	}
}
