package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"skykey/cmd/internal/store/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// goose keeps its base FS, dialect and logger in package globals.
var gooseMu sync.Mutex

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate creates the schema if needed and applies the embedded migrations inside it.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}

	// A dedicated database/sql handle scoped to the schema, so the goose version
	// table and the unqualified names in the migrations land inside it.
	cc := s.pool.Config().ConnConfig.Copy()
	if cc.RuntimeParams == nil {
		cc.RuntimeParams = map[string]string{}
	}
	cc.RuntimeParams["search_path"] = s.schema
	db := stdlib.OpenDB(*cc)
	defer func() { _ = db.Close() }()

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{log: s.log})
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("store: goose dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	s.log.Info("store.postgres.migrated", "schema", s.schema)
	return nil
}

// gooseLogger routes goose output through slog.
type gooseLogger struct {
	log *slog.Logger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Debug("store.migrate", "msg", fmt.Sprintf(format, v...))
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error("store.migrate.fail", "msg", fmt.Sprintf(format, v...))
}
