package app

import (
	"context"
	"log/slog"
	"time"

	"skykey/cmd/internal/metrics"
)

type accountSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

type sessionPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// janitor periodically removes expired accounts and sessions.
// Read paths still check expiry on their own.
type janitor struct {
	interval time.Duration
	accounts accountSweeper
	sessions sessionPurger
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// run blocks until ctx is done. A non-positive interval returns immediately.
func (j *janitor) run(ctx context.Context) {
	if j.interval <= 0 {
		j.log.Info("janitor.disabled")
		return
	}

	t := time.NewTicker(j.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j.sweepOnce(ctx)
		}
	}
}

func (j *janitor) sweepOnce(ctx context.Context) (accounts, sessions int) {
	var err error
	accounts, err = j.accounts.SweepExpired(ctx)
	if err != nil {
		j.log.Error("janitor.sweep_accounts.fail", "err", err)
	}
	sessions, err = j.sessions.PurgeExpired(ctx)
	if err != nil {
		j.log.Error("janitor.purge_sessions.fail", "err", err)
	}

	j.metrics.Swept(accounts, sessions)
	if accounts > 0 || sessions > 0 {
		j.log.Info("janitor.sweep", "accounts", accounts, "sessions", sessions)
	}
	return accounts, sessions
}
