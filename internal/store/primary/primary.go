package primary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"coralnet/internal/store"
)

// Dialect selects the SQL flavour of the backing database.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// StoreImpl implements every store interface on top of database/sql.
// Postgres connections come from a pgx pool; SQLite is used for local runs
// and tests.
type StoreImpl struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	dialect Dialect
}

var (
	_ store.JobStore        = (*StoreImpl)(nil)
	_ store.SourceStore     = (*StoreImpl)(nil)
	_ store.ImageStore      = (*StoreImpl)(nil)
	_ store.FeaturesStore   = (*StoreImpl)(nil)
	_ store.ClassifierStore = (*StoreImpl)(nil)
	_ store.ApiJobStore     = (*StoreImpl)(nil)
	_ store.ErrorLogStore   = (*StoreImpl)(nil)
	_ store.Transactor      = (*StoreImpl)(nil)
)

// Open connects to the database named by driver ("postgres" or "sqlite").
func Open(ctx context.Context, driver, dsn string) (*StoreImpl, error) {
	switch Dialect(driver) {
	case DialectPostgres, "":
		return NewPrimaryStore(ctx, dsn)
	case DialectSQLite:
		return NewSQLiteStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewPrimaryStore creates a new PostgreSQL primary store implementation.
func NewPrimaryStore(ctx context.Context, dsn string) (*StoreImpl, error) {
	if dsn == "" {
		return nil, errors.New("database DSN cannot be empty")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database DSN: %w", err)
	}

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &StoreImpl{db: stdlib.OpenDBFromPool(dbpool), pool: dbpool, dialect: DialectPostgres}, nil
}

// NewSQLiteStore opens (creating if needed) a SQLite database file.
// WAL journaling and a busy timeout let worker goroutines share the file.
func NewSQLiteStore(ctx context.Context, path string) (*StoreImpl, error) {
	if path == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_foreign_keys=1&_busy_timeout=10000&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &StoreImpl{db: db, dialect: DialectSQLite}, nil
}

func (s *StoreImpl) Dialect() Dialect {
	return s.dialect
}

// Ping checks the database connection.
func (s *StoreImpl) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle and, for Postgres, the pool behind it.
func (s *StoreImpl) Close() {
	if err := s.db.Close(); err != nil {
		log.Warnf("closing database: %v", err)
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// --- Transactions ---

type txKey struct{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns the transaction bound to ctx, or the pool.
func (s *StoreImpl) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// InTx runs fn in a transaction. Nested calls join the outer transaction.
// Hooks registered with store.OnCommit run after the outermost commit.
func (s *StoreImpl) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	hookCtx, hooks := store.WithCommitHooks(ctx)
	if err := fn(context.WithValue(hookCtx, txKey{}, tx)); err != nil {
		hooks.Discard()
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warnf("rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		hooks.Discard()
		return fmt.Errorf("commit transaction: %w", err)
	}
	hooks.Run(ctx)
	return nil
}

// --- Helper Functions ---

// rebind rewrites ? placeholders into $n for Postgres.
func (s *StoreImpl) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *StoreImpl) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q(ctx).ExecContext(ctx, s.rebind(query), args...)
}

func (s *StoreImpl) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q(ctx).QueryContext(ctx, s.rebind(query), args...)
}

func (s *StoreImpl) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q(ctx).QueryRowContext(ctx, s.rebind(query), args...)
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// dbTime normalizes timestamps so both dialects store and compare them alike.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func nowUTC() time.Time {
	return dbTime(time.Now())
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: dbTime(*t), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func float64Ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// nullJSON binds raw JSON as text so both drivers accept it.
func nullJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// checkAffected maps a zero row count to store.ErrNotFound.
func checkAffected(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s %d: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, store.ErrNotFound)
	}
	return nil
}

// insertID runs an INSERT ... RETURNING id statement.
func (s *StoreImpl) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := s.queryRow(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
