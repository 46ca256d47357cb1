package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// exerciseStore runs the behavior every backend must share.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	t.Run("empty", func(t *testing.T) {
		for name, n := range map[string]func() (int, error){
			"keys":     func() (int, error) { m, err := st.Keys().Load(ctx); return len(m), err },
			"accounts": func() (int, error) { m, err := st.Accounts().Load(ctx); return len(m), err },
			"sessions": func() (int, error) { m, err := st.Sessions().Load(ctx); return len(m), err },
		} {
			got, err := n()
			if err != nil {
				t.Fatalf("load %s: %v", name, err)
			}
			if got != 0 {
				t.Fatalf("expected empty %s, got %d", name, got)
			}
		}
	})

	t.Run("save and load", func(t *testing.T) {
		in := map[string]Key{
			"SKY-AAAA": {Duration: Days13, CreatedAt: now},
			"SKY-BBBB": {Duration: Permanent, Used: true, CreatedAt: now, UsedAt: now.Add(time.Minute), UsedBy: "bob"},
		}
		if err := st.Keys().Save(ctx, in); err != nil {
			t.Fatalf("save: %v", err)
		}
		out, err := st.Keys().Load(ctx)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(out) != 2 || out["SKY-AAAA"] != in["SKY-AAAA"] || out["SKY-BBBB"] != in["SKY-BBBB"] {
			t.Fatalf("round trip mismatch: %+v", out)
		}

		// Loaded maps are private copies.
		delete(out, "SKY-AAAA")
		again, _ := st.Keys().Load(ctx)
		if _, ok := again["SKY-AAAA"]; !ok {
			t.Fatalf("mutating a loaded map must not affect the store")
		}

		// Save replaces the whole mapping.
		if err := st.Keys().Save(ctx, map[string]Key{"SKY-CCCC": {Duration: Days30}}); err != nil {
			t.Fatalf("save replace: %v", err)
		}
		out, _ = st.Keys().Load(ctx)
		if len(out) != 1 || out["SKY-CCCC"].Duration != Days30 {
			t.Fatalf("expected replaced mapping, got %+v", out)
		}
	})

	t.Run("update", func(t *testing.T) {
		err := st.Accounts().Update(ctx, func(m map[string]Account) (bool, error) {
			m["alice"] = Account{PasswordHash: "h1", Expiry: Expiry{Forever: true}, CreatedAt: now}
			m["old"] = Account{PasswordHash: "h2", Expiry: Expiry{At: now.Add(-time.Hour)}, CreatedAt: now}
			return true, nil
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}

		errAbort := errors.New("abort")
		err = st.Accounts().Update(ctx, func(m map[string]Account) (bool, error) {
			delete(m, "alice")
			return true, errAbort
		})
		if !errors.Is(err, errAbort) {
			t.Fatalf("expected abort error, got %v", err)
		}

		err = st.Accounts().Update(ctx, func(m map[string]Account) (bool, error) {
			delete(m, "old")
			return false, nil
		})
		if err != nil {
			t.Fatalf("no-op update: %v", err)
		}

		got, _ := st.Accounts().Load(ctx)
		if len(got) != 2 {
			t.Fatalf("aborted or unchanged updates must not persist, got %+v", got)
		}
		if !got["alice"].Expiry.Forever || got["old"].Expiry.At.IsZero() {
			t.Fatalf("unexpected accounts: %+v", got)
		}
	})

	t.Run("concurrent updates do not lose writes", func(t *testing.T) {
		const n = 24
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- st.Sessions().Update(ctx, func(m map[string]Session) (bool, error) {
					m[fmt.Sprintf("tok-%02d", i)] = Session{Username: "bob", ExpiresAt: now.Add(10 * time.Minute)}
					return true, nil
				})
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("update: %v", err)
			}
		}
		got, _ := st.Sessions().Load(ctx)
		if len(got) != n {
			t.Fatalf("expected %d sessions, got %d", n, len(got))
		}
	})

	t.Run("redeem", func(t *testing.T) {
		if err := st.Keys().Save(ctx, map[string]Key{"SKY-R": {Duration: Days30}}); err != nil {
			t.Fatalf("seed keys: %v", err)
		}

		errTaken := errors.New("taken")
		err := st.RedeemKeyAndCreateAccount(ctx, func(keys map[string]Key, accounts map[string]Account) error {
			k := keys["SKY-R"]
			k.Used = true
			keys["SKY-R"] = k
			accounts["mallory"] = Account{PasswordHash: "x", Expiry: Expiry{Forever: true}}
			return errTaken
		})
		if !errors.Is(err, errTaken) {
			t.Fatalf("expected callback error, got %v", err)
		}
		keys, _ := st.Keys().Load(ctx)
		accounts, _ := st.Accounts().Load(ctx)
		if keys["SKY-R"].Used {
			t.Fatalf("failed redemption must not mark the key used")
		}
		if _, ok := accounts["mallory"]; ok {
			t.Fatalf("failed redemption must not create the account")
		}

		err = st.RedeemKeyAndCreateAccount(ctx, func(keys map[string]Key, accounts map[string]Account) error {
			k := keys["SKY-R"]
			k.Used, k.UsedBy, k.UsedAt = true, "carol", now
			keys["SKY-R"] = k
			accounts["carol"] = Account{PasswordHash: "y", Expiry: Days30.ExpiryFrom(now), CreatedAt: now}
			return nil
		})
		if err != nil {
			t.Fatalf("redeem: %v", err)
		}
		keys, _ = st.Keys().Load(ctx)
		accounts, _ = st.Accounts().Load(ctx)
		if !keys["SKY-R"].Used || keys["SKY-R"].UsedBy != "carol" {
			t.Fatalf("expected key used by carol, got %+v", keys["SKY-R"])
		}
		if got := accounts["carol"].Expiry.At; !got.Equal(now.Add(30 * 24 * time.Hour)) {
			t.Fatalf("unexpected carol expiry %v", got)
		}
	})

	t.Run("concurrent redemption of one key", func(t *testing.T) {
		if err := st.Keys().Save(ctx, map[string]Key{"SKY-ONCE": {Duration: Days13}}); err != nil {
			t.Fatalf("seed keys: %v", err)
		}
		errUsed := errors.New("used")

		const n = 16
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := st.RedeemKeyAndCreateAccount(ctx, func(keys map[string]Key, accounts map[string]Account) error {
					k := keys["SKY-ONCE"]
					if k.Used {
						return errUsed
					}
					k.Used = true
					keys["SKY-ONCE"] = k
					accounts[fmt.Sprintf("user-%02d", i)] = Account{PasswordHash: "z", Expiry: Expiry{Forever: true}}
					return nil
				})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !errors.Is(err, errUsed) {
					t.Errorf("redeem: %v", err)
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})

	t.Run("nil callbacks", func(t *testing.T) {
		if err := st.Keys().Update(ctx, nil); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
		if err := st.RedeemKeyAndCreateAccount(ctx, nil); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := st.Ping(ctx); err != nil {
			t.Fatalf("ping: %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemoryStore())
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := NewMemoryStore()
	if _, err := st.Keys().Load(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := st.Sessions().Update(ctx, func(map[string]Session) (bool, error) { return true, nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
