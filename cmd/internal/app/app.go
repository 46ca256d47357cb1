// Package app wires the skykey server runtime: config, logging, storage, HTTP routes and the janitor.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"skykey/cmd/internal/account"
	authapi "skykey/cmd/internal/auth/api"
	"skykey/cmd/internal/auth/session"
	"skykey/cmd/internal/keys"
	"skykey/cmd/internal/metrics"
	"skykey/cmd/internal/store"
	"skykey/cmd/security/password"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the skykey server runtime: it owns the store, the services and HTTP wiring.
type App struct {
	cfg Config
	log Logger

	store store.Store
	pool  *pgxpool.Pool

	accounts *account.Service
	sessions *session.Service
	api      *authapi.Handler
	metrics  *metrics.Metrics
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	pwCfg, err := password.FromEnv()
	if err != nil {
		return nil, err
	}
	apiCfg := authapi.LoadConfigFromEnv()

	st, pool, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := wire(cfg, log, st, sessCfg, pwCfg, apiCfg)
	if err != nil {
		_ = st.Close()
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}
	a.pool = pool
	return a, nil
}

func wire(cfg Config, log Logger, st store.Store, sessCfg session.Config, pwCfg password.Config, apiCfg authapi.Config) (*App, error) {
	ks, err := keys.NewService(st, keys.WithLogger(log))
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewService(st, sessCfg, session.WithLogger(log))
	if err != nil {
		return nil, err
	}
	accounts, err := account.NewService(st, sessions, pwCfg, account.WithLogger(log))
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	h, err := authapi.NewHandler(log, apiCfg, ks, accounts, sessions, authapi.WithMetrics(m))
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		accounts: accounts,
		sessions: sessions,
		api:      h,
		metrics:  m,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.store, a.metrics, a.api)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log, a.metrics)
}

// Run starts the HTTP server and the janitor and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "store", a.cfg.StoreKind, "sweep_interval", a.cfg.SweepInterval.String())

	jctx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		j := &janitor{
			interval: a.cfg.SweepInterval,
			accounts: a.accounts,
			sessions: a.sessions,
			metrics:  a.metrics,
			log:      a.log,
		}
		j.run(jctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	stopJanitor()
	wg.Wait()
	a.close()

	if runErr == nil {
		a.log.Info("server.stopped")
	}
	return runErr
}

func (a *App) close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// OpenStore builds the configured backend. The returned pool is non-nil only for
// Postgres, and the app owns its lifecycle.
func OpenStore(ctx context.Context, cfg Config, log Logger) (store.Store, *pgxpool.Pool, error) {
	switch cfg.StoreKind {
	case StoreMemory:
		log.Info("store.memory")
		return store.NewMemoryStore(), nil, nil

	case StoreFile:
		fs, err := store.NewFileStore(cfg.DataDir, store.WithFileLogger(log))
		if err != nil {
			return nil, nil, err
		}
		if err := fs.Init(ctx); err != nil {
			return nil, nil, err
		}
		log.Info("store.file", "dir", fs.Dir())
		return fs, nil, nil

	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("app: SKYKEY_STORE=postgres requires SKYKEY_DATABASE_URL")
		}
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		ps, err := store.NewPostgresStore(pool, store.WithSchema(cfg.DBSchema), store.WithPostgresLogger(log))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := ps.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("store.postgres", "schema", cfg.DBSchema)
		return ps, pool, nil

	default:
		return nil, nil, fmt.Errorf("app: unknown store %q", cfg.StoreKind)
	}
}
