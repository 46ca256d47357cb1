// Package ctl implements skykeyctl, the operator CLI that works directly against a skykey store.
package ctl

import (
	"context"
	"log/slog"

	"skykey/cmd/internal/account"
	"skykey/cmd/internal/app"
	"skykey/cmd/internal/auth/session"
	"skykey/cmd/internal/keys"
	"skykey/cmd/internal/store"
	"skykey/cmd/security/password"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

// options holds the persistent flags shared by every subcommand.
type options struct {
	store       string
	dataDir     string
	databaseURL string
	dbSchema    string
	verbose     bool
}

// NewRootCmd builds a fresh command tree. Defaults come from the same
// environment variables the server reads.
func NewRootCmd() *cobra.Command {
	base := app.LoadConfig()
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "skykeyctl",
		Short: "Operate a skykey store: issue keys, inspect them and sweep expired records.",
		Long: `skykeyctl opens the configured skykey store directly, without going through
the HTTP server. It honors SKYKEY_STORE, SKYKEY_DATA_DIR and SKYKEY_DATABASE_URL,
and each can be overridden by a flag.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.store, "store", base.StoreKind, `Store backend: "file", "memory" or "postgres"`)
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", base.DataDir, "Directory holding keys.json, users.json and sessions.json")
	cmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", base.DatabaseURL, "Postgres connection string")
	cmd.PersistentFlags().StringVar(&opts.dbSchema, "db-schema", base.DBSchema, "Postgres schema")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log store activity to stderr")

	cmd.AddCommand(
		newIssueKeyCmd(opts),
		newListKeysCmd(opts),
		newSweepCmd(opts),
		newVerifySessionCmd(opts),
		newMigrateCmd(opts),
	)
	return cmd
}

// services is an opened store plus the services built on it.
type services struct {
	store    store.Store
	pool     *pgxpool.Pool
	keys     *keys.Service
	sessions *session.Service
	accounts *account.Service
}

func (o *options) config() app.Config {
	cfg := app.LoadConfig()
	cfg.StoreKind = o.store
	cfg.DataDir = o.dataDir
	cfg.DatabaseURL = o.databaseURL
	cfg.DBSchema = o.dbSchema
	return cfg
}

func (o *options) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (o *options) open(ctx context.Context, cmd *cobra.Command) (*services, error) {
	log := o.logger(cmd)

	st, pool, err := app.OpenStore(ctx, o.config(), log)
	if err != nil {
		return nil, err
	}
	s := &services{store: st, pool: pool}

	if err := s.wire(log); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *services) wire(log *slog.Logger) error {
	var err error
	if s.keys, err = keys.NewService(s.store, keys.WithLogger(log)); err != nil {
		return err
	}
	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	if s.sessions, err = session.NewService(s.store, sessCfg, session.WithLogger(log)); err != nil {
		return err
	}
	pwCfg, err := password.FromEnv()
	if err != nil {
		return err
	}
	s.accounts, err = account.NewService(s.store, s.sessions, pwCfg, account.WithLogger(log))
	return err
}

func (s *services) close() {
	_ = s.store.Close()
	if s.pool != nil {
		s.pool.Close()
	}
}
