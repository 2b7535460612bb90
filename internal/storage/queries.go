package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fintrack/internal/core"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so the same queries run inside
// and outside a transaction.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// timeLayout is fixed width and always UTC so TEXT comparison in SQL is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, s, time.UTC)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}

// ---- users ----

const createUser = `INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`

func (q *Queries) CreateUser(ctx context.Context, u core.User) error {
	_, err := q.db.ExecContext(ctx, createUser, u.ID, u.Email, u.Name, formatTime(u.CreatedAt))
	return err
}

const selectUser = `SELECT id, email, name, created_at FROM users`

func scanUser(row scanner) (core.User, error) {
	var (
		u         core.User
		createdAt string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &createdAt); err != nil {
		return core.User{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return core.User{}, fmt.Errorf("parse user created_at: %w", err)
	}
	u.CreatedAt = t
	return u, nil
}

func (q *Queries) GetUser(ctx context.Context, id string) (core.User, error) {
	return scanUser(q.db.QueryRowContext(ctx, selectUser+` WHERE id = ?`, id))
}

func (q *Queries) ListUsers(ctx context.Context) ([]core.User, error) {
	rows, err := q.db.QueryContext(ctx, selectUser+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []core.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---- accounts ----

const createAccount = `INSERT INTO accounts (id, user_id, name, type, balance, is_default, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) CreateAccount(ctx context.Context, a core.Account) error {
	_, err := q.db.ExecContext(ctx, createAccount,
		a.ID, a.UserID, a.Name, string(a.Type), a.Balance.String(), boolToInt(a.IsDefault),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	return err
}

const clearDefaultAccounts = `UPDATE accounts SET is_default = 0, updated_at = ? WHERE user_id = ? AND is_default = 1`

func (q *Queries) ClearDefaultAccounts(ctx context.Context, userID string, now time.Time) error {
	_, err := q.db.ExecContext(ctx, clearDefaultAccounts, formatTime(now), userID)
	return err
}

const countAccounts = `SELECT COUNT(*) FROM accounts WHERE user_id = ?`

func (q *Queries) CountAccounts(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countAccounts, userID).Scan(&n)
	return n, err
}

const selectAccount = `SELECT id, user_id, name, type, balance, is_default, created_at, updated_at FROM accounts`

func scanAccount(row scanner) (core.Account, error) {
	var (
		a                    core.Account
		accountType, balance string
		isDefault            int64
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.Name, &accountType, &balance, &isDefault, &createdAt, &updatedAt); err != nil {
		return core.Account{}, err
	}
	bal, err := decimal.NewFromString(balance)
	if err != nil {
		return core.Account{}, fmt.Errorf("parse balance of account %s: %w", a.ID, err)
	}
	a.Type = core.AccountType(accountType)
	a.Balance = bal
	a.IsDefault = isDefault == 1
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Account{}, fmt.Errorf("parse account created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return core.Account{}, fmt.Errorf("parse account updated_at: %w", err)
	}
	return a, nil
}

func (q *Queries) GetAccount(ctx context.Context, id string) (core.Account, error) {
	return scanAccount(q.db.QueryRowContext(ctx, selectAccount+` WHERE id = ?`, id))
}

func (q *Queries) GetDefaultAccount(ctx context.Context, userID string) (core.Account, error) {
	return scanAccount(q.db.QueryRowContext(ctx,
		selectAccount+` WHERE user_id = ? AND is_default = 1 ORDER BY created_at LIMIT 1`, userID))
}

func (q *Queries) ListAccounts(ctx context.Context, userID string) ([]core.Account, error) {
	rows, err := q.db.QueryContext(ctx, selectAccount+` WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []core.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

const selectAccountBalance = `SELECT balance FROM accounts WHERE id = ?`
const updateAccountBalance = `UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?`

// AdjustAccountBalance adds delta to the stored balance. It reads and writes the row, so
// it must run inside a write transaction to avoid lost updates. A missing account
// yields an error wrapping core.ErrNotFound.
func (q *Queries) AdjustAccountBalance(ctx context.Context, accountID string, delta decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	var raw string
	if err := q.db.QueryRowContext(ctx, selectAccountBalance, accountID).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return decimal.Zero, fmt.Errorf("account %s: %w", accountID, core.ErrNotFound)
		}
		return decimal.Zero, err
	}
	current, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance of account %s: %w", accountID, err)
	}
	updated := current.Add(delta)
	if _, err := q.db.ExecContext(ctx, updateAccountBalance, updated.String(), formatTime(now), accountID); err != nil {
		return decimal.Zero, err
	}
	return updated, nil
}

// ---- transactions ----

const createTransaction = `INSERT INTO transactions (
    id, user_id, account_id, type, amount, description, date, category, status,
    is_recurring, recurring_interval, last_processed, next_recurring_date, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) CreateTransaction(ctx context.Context, t core.Transaction) error {
	var interval any
	if t.RecurringInterval != "" {
		interval = string(t.RecurringInterval)
	}
	_, err := q.db.ExecContext(ctx, createTransaction,
		t.ID, t.UserID, t.AccountID, string(t.Type), t.Amount.String(), t.Description,
		formatTime(t.Date), t.Category, string(t.Status), boolToInt(t.IsRecurring), interval,
		nullableTime(t.LastProcessed), nullableTime(t.NextRecurringDate),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	return err
}

const selectTransaction = `SELECT id, user_id, account_id, type, amount, description, date, category, status,
    is_recurring, recurring_interval, last_processed, next_recurring_date, created_at, updated_at
FROM transactions`

func scanTransaction(row scanner) (core.Transaction, error) {
	var (
		t                          core.Transaction
		txType, amount, status     string
		date, createdAt, updatedAt string
		isRecurring                int64
		interval                   sql.NullString
		lastProcessed, next        sql.NullString
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.AccountID, &txType, &amount, &t.Description, &date,
		&t.Category, &status, &isRecurring, &interval, &lastProcessed, &next, &createdAt, &updatedAt); err != nil {
		return core.Transaction{}, err
	}

	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("parse amount of transaction %s: %w", t.ID, err)
	}
	t.Amount = amt
	t.Type = core.TransactionType(txType)
	t.Status = core.TransactionStatus(status)
	t.IsRecurring = isRecurring == 1
	if interval.Valid {
		t.RecurringInterval = core.RecurringInterval(interval.String)
	}
	if t.Date, err = parseTime(date); err != nil {
		return core.Transaction{}, fmt.Errorf("parse transaction date: %w", err)
	}
	if t.LastProcessed, err = scanNullableTime(lastProcessed); err != nil {
		return core.Transaction{}, fmt.Errorf("parse last_processed: %w", err)
	}
	if t.NextRecurringDate, err = scanNullableTime(next); err != nil {
		return core.Transaction{}, fmt.Errorf("parse next_recurring_date: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Transaction{}, fmt.Errorf("parse transaction created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return core.Transaction{}, fmt.Errorf("parse transaction updated_at: %w", err)
	}
	return t, nil
}

func (q *Queries) listTransactions(ctx context.Context, query string, args ...any) ([]core.Transaction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *Queries) GetTransactionForUser(ctx context.Context, id, userID string) (core.Transaction, error) {
	return scanTransaction(q.db.QueryRowContext(ctx, selectTransaction+` WHERE id = ? AND user_id = ?`, id, userID))
}

const dueTransactionsWhere = ` WHERE is_recurring = 1
  AND status = 'COMPLETED'
  AND (last_processed IS NULL OR next_recurring_date <= ?)`

// ListDueTransactions returns recurring completed transactions never processed or
// whose next occurrence is at or before now.
func (q *Queries) ListDueTransactions(ctx context.Context, now time.Time) ([]core.Transaction, error) {
	return q.listTransactions(ctx, selectTransaction+dueTransactionsWhere, formatTime(now))
}

func (q *Queries) ListTransactionsBetween(ctx context.Context, userID string, from, to time.Time) ([]core.Transaction, error) {
	return q.listTransactions(ctx,
		selectTransaction+` WHERE user_id = ? AND date >= ? AND date < ? ORDER BY date`,
		userID, formatTime(from), formatTime(to))
}

type AdvanceScheduleParams struct {
	ID                    string
	UserID                string
	ExpectedLastProcessed *time.Time
	ExpectedNext          *time.Time
	LastProcessed         time.Time
	NextRecurringDate     time.Time
}

// IS instead of = so NULL matches NULL.
const advanceSchedule = `UPDATE transactions
SET last_processed = ?, next_recurring_date = ?, updated_at = ?
WHERE id = ? AND user_id = ?
  AND last_processed IS ?
  AND next_recurring_date IS ?`

// AdvanceSchedule moves the schedule forward only if it still holds the values the
// caller read. It returns the number of rows changed: zero means someone else already
// advanced it.
func (q *Queries) AdvanceSchedule(ctx context.Context, arg AdvanceScheduleParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, advanceSchedule,
		formatTime(arg.LastProcessed), formatTime(arg.NextRecurringDate), formatTime(arg.LastProcessed),
		arg.ID, arg.UserID,
		nullableTime(arg.ExpectedLastProcessed), nullableTime(arg.ExpectedNext))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type ListAmountsParams struct {
	UserID    string
	AccountID string
	Type      core.TransactionType
	From      time.Time
	To        time.Time
}

const listAmounts = `SELECT amount FROM transactions
WHERE user_id = ? AND account_id = ? AND type = ? AND date >= ? AND date < ?`

func (q *Queries) ListAmounts(ctx context.Context, arg ListAmountsParams) ([]decimal.Decimal, error) {
	rows, err := q.db.QueryContext(ctx, listAmounts,
		arg.UserID, arg.AccountID, string(arg.Type), formatTime(arg.From), formatTime(arg.To))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var amounts []decimal.Decimal
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", raw, err)
		}
		amounts = append(amounts, d)
	}
	return amounts, rows.Err()
}

// ---- budgets ----

const upsertBudget = `INSERT INTO budgets (id, user_id, amount, last_alert_sent, created_at, updated_at)
VALUES (?, ?, ?, NULL, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at`

func (q *Queries) UpsertBudget(ctx context.Context, b core.Budget) error {
	_, err := q.db.ExecContext(ctx, upsertBudget,
		b.ID, b.UserID, b.Amount.String(), formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	return err
}

const selectBudget = `SELECT id, user_id, amount, last_alert_sent, created_at, updated_at FROM budgets`

func scanBudget(row scanner) (core.Budget, error) {
	var (
		b                    core.Budget
		amount               string
		lastAlert            sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&b.ID, &b.UserID, &amount, &lastAlert, &createdAt, &updatedAt); err != nil {
		return core.Budget{}, err
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return core.Budget{}, fmt.Errorf("parse amount of budget %s: %w", b.ID, err)
	}
	b.Amount = amt
	if b.LastAlertSent, err = scanNullableTime(lastAlert); err != nil {
		return core.Budget{}, fmt.Errorf("parse last_alert_sent: %w", err)
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Budget{}, fmt.Errorf("parse budget created_at: %w", err)
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return core.Budget{}, fmt.Errorf("parse budget updated_at: %w", err)
	}
	return b, nil
}

func (q *Queries) GetBudgetByUser(ctx context.Context, userID string) (core.Budget, error) {
	return scanBudget(q.db.QueryRowContext(ctx, selectBudget+` WHERE user_id = ?`, userID))
}

func (q *Queries) ListBudgets(ctx context.Context) ([]core.Budget, error) {
	rows, err := q.db.QueryContext(ctx, selectBudget+` ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var budgets []core.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

const markBudgetAlertSent = `UPDATE budgets SET last_alert_sent = ?, updated_at = ? WHERE id = ?`

func (q *Queries) MarkBudgetAlertSent(ctx context.Context, id string, at time.Time) error {
	_, err := q.db.ExecContext(ctx, markBudgetAlertSent, formatTime(at), formatTime(at), id)
	return err
}
