package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"fintrack/internal/core"
)

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
}

// dsn enables foreign keys, waits on locks instead of failing fast and starts every
// transaction with BEGIN IMMEDIATE so read-modify-write sequences never deadlock on
// lock upgrade.
func dsn(dbPath string) string {
	return "file:" + dbPath +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_txlock=immediate"
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Queries exposes the non-transactional query set.
func (r *SQLiteRepository) Queries() *Queries {
	return r.queries
}

// WithTx runs fn inside one write transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func (r *SQLiteRepository) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}

	if err := fn(r.queries.WithTx(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Failed to roll back transaction", "error", rbErr)
		}
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// classify tags lock contention and connection failures with core.ErrTransient.
func classify(err error) error {
	if err == nil || !isTransient(err) || errors.Is(err, core.ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrTransient, err)
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
			return true
		}
	}
	return false
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, core.ErrNotFound)
	}
	return classify(fmt.Errorf("%s: %w", what, err))
}

func (r *SQLiteRepository) CreateUser(ctx context.Context, u core.User) error {
	if err := r.queries.CreateUser(ctx, u); err != nil {
		return classify(fmt.Errorf("create user: %w", err))
	}
	slog.InfoContext(ctx, "User saved to SQLite", "user_id", u.ID)
	return nil
}

func (r *SQLiteRepository) ListUsers(ctx context.Context) ([]core.User, error) {
	users, err := r.queries.ListUsers(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("list users: %w", err))
	}
	return users, nil
}

func (r *SQLiteRepository) GetUser(ctx context.Context, id string) (*core.User, error) {
	u, err := r.queries.GetUser(ctx, id)
	if err != nil {
		return nil, notFound(err, "get user "+id)
	}
	return &u, nil
}

func (r *SQLiteRepository) GetAccount(ctx context.Context, id string) (*core.Account, error) {
	a, err := r.queries.GetAccount(ctx, id)
	if err != nil {
		return nil, notFound(err, "get account "+id)
	}
	return &a, nil
}

// GetDefaultAccount returns the user's default account or an error wrapping core.ErrNotFound.
func (r *SQLiteRepository) GetDefaultAccount(ctx context.Context, userID string) (*core.Account, error) {
	a, err := r.queries.GetDefaultAccount(ctx, userID)
	if err != nil {
		return nil, notFound(err, "get default account for user "+userID)
	}
	return &a, nil
}

func (r *SQLiteRepository) ListAccounts(ctx context.Context, userID string) ([]core.Account, error) {
	accounts, err := r.queries.ListAccounts(ctx, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("list accounts: %w", err))
	}
	return accounts, nil
}

// GetTransaction fetches a transaction owned by userID. A missing row and an owner
// mismatch are both reported as core.ErrNotFound.
func (r *SQLiteRepository) GetTransaction(ctx context.Context, id, userID string) (*core.Transaction, error) {
	t, err := r.queries.GetTransactionForUser(ctx, id, userID)
	if err != nil {
		return nil, notFound(err, "get transaction "+id)
	}
	return &t, nil
}

// SelectDueTransactions implements the due-transaction query.
func (r *SQLiteRepository) SelectDueTransactions(ctx context.Context, now time.Time) ([]core.Transaction, error) {
	txs, err := r.queries.ListDueTransactions(ctx, now)
	if err != nil {
		return nil, classify(fmt.Errorf("list due transactions: %w", err))
	}
	return txs, nil
}

func (r *SQLiteRepository) ListTransactionsBetween(ctx context.Context, userID string, from, to time.Time) ([]core.Transaction, error) {
	txs, err := r.queries.ListTransactionsBetween(ctx, userID, from, to)
	if err != nil {
		return nil, classify(fmt.Errorf("list transactions: %w", err))
	}
	return txs, nil
}

// SumAmounts adds up the amounts of one transaction type on an account within [from, to).
// Amounts are stored as exact decimal text, so the sum is computed here rather than
// with SQLite's floating point SUM.
func (r *SQLiteRepository) SumAmounts(ctx context.Context, arg ListAmountsParams) (decimal.Decimal, error) {
	amounts, err := r.queries.ListAmounts(ctx, arg)
	if err != nil {
		return decimal.Zero, classify(fmt.Errorf("sum amounts: %w", err))
	}
	return decimal.Sum(decimal.Zero, amounts...), nil
}

func (r *SQLiteRepository) ListBudgets(ctx context.Context) ([]core.Budget, error) {
	budgets, err := r.queries.ListBudgets(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("list budgets: %w", err))
	}
	return budgets, nil
}

func (r *SQLiteRepository) GetBudgetByUser(ctx context.Context, userID string) (*core.Budget, error) {
	b, err := r.queries.GetBudgetByUser(ctx, userID)
	if err != nil {
		return nil, notFound(err, "get budget for user "+userID)
	}
	return &b, nil
}

func (r *SQLiteRepository) UpsertBudget(ctx context.Context, b core.Budget) error {
	if err := r.queries.UpsertBudget(ctx, b); err != nil {
		return classify(fmt.Errorf("upsert budget: %w", err))
	}
	return nil
}

func (r *SQLiteRepository) MarkBudgetAlertSent(ctx context.Context, id string, at time.Time) error {
	if err := r.queries.MarkBudgetAlertSent(ctx, id, at); err != nil {
		return classify(fmt.Errorf("mark budget alert sent: %w", err))
	}
	slog.InfoContext(ctx, "Budget alert timestamp updated", "budget_id", id)
	return nil
}
