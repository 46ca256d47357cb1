package store

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists collections in PostgreSQL, one table per collection.
//
// Ownership model: the caller owns the pool; Close is a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	log    *slog.Logger

	keys     *pgCollection[Key]
	accounts *pgCollection[Account]
	sessions *pgCollection[Session]
}

// PostgresOption configures PostgresStore.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "skykey").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// WithPostgresLogger sets the logger used for migrations.
func WithPostgresLogger(log *slog.Logger) PostgresOption {
	return func(s *PostgresStore) error {
		if log == nil {
			return ErrInvalidInput
		}
		s.log = log
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore. Call Migrate before first use on a fresh database.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "skykey", log: slog.Default()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}

	st.keys = newPGCollection(pool, st.schema, pgTable[Key]{
		table:   "keys",
		idCol:   "id",
		columns: []string{"duration", "used", "created_at", "used_at", "used_by"},
		scan:    scanKey,
		values: func(k Key) []any {
			return []any{k.Duration.String(), k.Used, nullTime(k.CreatedAt), nullTime(k.UsedAt), nullString(k.UsedBy)}
		},
	})
	st.accounts = newPGCollection(pool, st.schema, pgTable[Account]{
		table:   "accounts",
		idCol:   "username",
		columns: []string{"password_hash", "expires_at", "created_at"},
		scan:    scanAccount,
		values: func(a Account) []any {
			var expiresAt any
			if !a.Expiry.Forever {
				expiresAt = a.Expiry.At.UTC()
			}
			return []any{a.PasswordHash, expiresAt, nullTime(a.CreatedAt)}
		},
	})
	st.sessions = newPGCollection(pool, st.schema, pgTable[Session]{
		table:   "sessions",
		idCol:   "token_hash",
		columns: []string{"username", "expires_at", "created_at"},
		scan:    scanSession,
		values: func(s Session) []any {
			return []any{s.Username, s.ExpiresAt.UTC(), nullTime(s.CreatedAt)}
		},
	})
	return st, nil
}

func (s *PostgresStore) Keys() Collection[Key]         { return s.keys }
func (s *PostgresStore) Accounts() Collection[Account] { return s.accounts }
func (s *PostgresStore) Sessions() Collection[Session] { return s.sessions }

// RedeemKeyAndCreateAccount runs fn inside one transaction holding both table locks.
func (s *PostgresStore) RedeemKeyAndCreateAccount(ctx context.Context, fn RedeemFunc) error {
	if fn == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.keys.lock(ctx, tx); err != nil {
			return err
		}
		if err := s.accounts.lock(ctx, tx); err != nil {
			return err
		}
		keysBefore, err := s.keys.load(ctx, tx)
		if err != nil {
			return err
		}
		accountsBefore, err := s.accounts.load(ctx, tx)
		if err != nil {
			return err
		}

		keys := maps.Clone(keysBefore)
		accounts := maps.Clone(accountsBefore)
		if err := fn(keys, accounts); err != nil {
			return err
		}

		b := &pgx.Batch{}
		s.accounts.queueDiff(b, accountsBefore, accounts)
		s.keys.queueDiff(b, keysBefore, keys)
		return sendBatch(ctx, tx, b)
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error { return nil }

// pgTable describes how one record type maps onto its table.
type pgTable[T comparable] struct {
	table   string
	idCol   string
	columns []string
	scan    func(row pgx.Row) (string, T, error)
	values  func(v T) []any
}

type pgCollection[T comparable] struct {
	pool  *pgxpool.Pool
	ident string
	t     pgTable[T]

	selectSQL string
	upsertSQL string
	deleteSQL string
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func newPGCollection[T comparable](pool *pgxpool.Pool, schema string, t pgTable[T]) *pgCollection[T] {
	ident := pgIdent(schema, t.table)
	all := append([]string{t.idCol}, t.columns...)

	placeholders := make([]string, len(all))
	for i := range all {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	sets := make([]string, len(t.columns))
	for i, col := range t.columns {
		sets[i] = col + " = EXCLUDED." + col
	}

	return &pgCollection[T]{
		pool:      pool,
		ident:     ident,
		t:         t,
		selectSQL: `SELECT ` + strings.Join(all, ", ") + ` FROM ` + ident,
		upsertSQL: `INSERT INTO ` + ident + ` (` + strings.Join(all, ", ") + `)
		 VALUES (` + strings.Join(placeholders, ", ") + `)
		 ON CONFLICT (` + t.idCol + `) DO UPDATE SET ` + strings.Join(sets, ", "),
		deleteSQL: `DELETE FROM ` + ident + ` WHERE ` + t.idCol + ` = $1`,
	}
}

func (c *pgCollection[T]) Load(ctx context.Context) (map[string]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := c.load(ctx, c.pool)
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", c.t.table, err)
	}
	return out, nil
}

func (c *pgCollection[T]) Save(ctx context.Context, records map[string]T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := inTx(ctx, c.pool, func(tx pgx.Tx) error {
		if err := c.lock(ctx, tx); err != nil {
			return err
		}
		before, err := c.load(ctx, tx)
		if err != nil {
			return err
		}
		b := &pgx.Batch{}
		c.queueDiff(b, before, records)
		return sendBatch(ctx, tx, b)
	})
	if err != nil {
		return fmt.Errorf("store: save %s: %w", c.t.table, err)
	}
	return nil
}

func (c *pgCollection[T]) Update(ctx context.Context, fn UpdateFunc[T]) error {
	if fn == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return inTx(ctx, c.pool, func(tx pgx.Tx) error {
		if err := c.lock(ctx, tx); err != nil {
			return err
		}
		before, err := c.load(ctx, tx)
		if err != nil {
			return err
		}
		records := maps.Clone(before)
		changed, err := fn(records)
		if err != nil || !changed {
			return err
		}
		b := &pgx.Batch{}
		c.queueDiff(b, before, records)
		return sendBatch(ctx, tx, b)
	})
}

// lock serializes writers on the table; plain reads are not blocked.
func (c *pgCollection[T]) lock(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `LOCK TABLE `+c.ident+` IN SHARE ROW EXCLUSIVE MODE`)
	return err
}

func (c *pgCollection[T]) load(ctx context.Context, q pgQuerier) (map[string]T, error) {
	rows, err := q.Query(ctx, c.selectSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]T{}
	for rows.Next() {
		id, v, err := c.t.scan(rows)
		if err != nil {
			return nil, err
		}
		out[id] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// queueDiff queues upserts for new or changed records and deletes for removed ones.
func (c *pgCollection[T]) queueDiff(b *pgx.Batch, before, after map[string]T) {
	for id, v := range after {
		if old, ok := before[id]; ok && old == v {
			continue
		}
		args := append([]any{id}, c.t.values(v)...)
		b.Queue(c.upsertSQL, args...)
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			b.Queue(c.deleteSQL, id)
		}
	}
}

func sendBatch(ctx context.Context, tx pgx.Tx, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanKey(row pgx.Row) (string, Key, error) {
	var (
		id        string
		duration  string
		k         Key
		createdAt *time.Time
		usedAt    *time.Time
		usedBy    *string
	)
	if err := row.Scan(&id, &duration, &k.Used, &createdAt, &usedAt, &usedBy); err != nil {
		return "", Key{}, err
	}
	d, ok := ParseDuration(duration)
	if !ok {
		return "", Key{}, fmt.Errorf("key %s: invalid duration %q", id, duration)
	}
	k.Duration = d
	k.CreatedAt = derefTime(createdAt)
	k.UsedAt = derefTime(usedAt)
	if usedBy != nil {
		k.UsedBy = *usedBy
	}
	return id, k, nil
}

func scanAccount(row pgx.Row) (string, Account, error) {
	var (
		username  string
		a         Account
		expiresAt *time.Time
		createdAt *time.Time
	)
	if err := row.Scan(&username, &a.PasswordHash, &expiresAt, &createdAt); err != nil {
		return "", Account{}, err
	}
	if expiresAt == nil {
		a.Expiry = Expiry{Forever: true}
	} else {
		a.Expiry = Expiry{At: expiresAt.UTC()}
	}
	a.CreatedAt = derefTime(createdAt)
	return username, a, nil
}

func scanSession(row pgx.Row) (string, Session, error) {
	var (
		tokenHash string
		s         Session
		createdAt *time.Time
	)
	if err := row.Scan(&tokenHash, &s.Username, &s.ExpiresAt, &createdAt); err != nil {
		return "", Session{}, err
	}
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.CreatedAt = derefTime(createdAt)
	return tokenHash, s, nil
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
