package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fintrack/internal/core"
	"fintrack/internal/storage"
)

var day0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *storage.SQLiteRepository {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "fintrack.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func seedAccount(t *testing.T, repo *storage.SQLiteRepository, userID, accountID, balance string) {
	t.Helper()
	ctx := context.Background()
	if _, err := repo.GetUser(ctx, userID); err != nil {
		if err := repo.CreateUser(ctx, core.User{ID: userID, Email: userID + "@example.com", Name: userID, CreatedAt: day0}); err != nil {
			t.Fatalf("CreateUser() error = %v", err)
		}
	}
	err := repo.Queries().CreateAccount(ctx, core.Account{
		ID: accountID, UserID: userID, Name: "Main", Type: core.AccountCurrent,
		Balance: decimal.RequireFromString(balance), IsDefault: true, CreatedAt: day0, UpdatedAt: day0,
	})
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
}

func seedTx(t *testing.T, repo *storage.SQLiteRepository, tx core.Transaction) {
	t.Helper()
	if tx.Status == "" {
		tx.Status = core.StatusCompleted
	}
	if tx.Date.IsZero() {
		tx.Date = day0
	}
	if tx.Category == "" {
		tx.Category = "misc"
	}
	tx.CreatedAt, tx.UpdatedAt = day0, day0
	if err := repo.Queries().CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("CreateTransaction(%s) error = %v", tx.ID, err)
	}
}

func dailyExpense(id, userID, accountID, amount string) core.Transaction {
	return core.Transaction{
		ID:                id,
		UserID:            userID,
		AccountID:         accountID,
		Type:              core.Expense,
		Amount:            decimal.RequireFromString(amount),
		Description:       "Gym",
		Category:          "health",
		IsRecurring:       true,
		RecurringInterval: core.Daily,
	}
}

func balanceOf(t *testing.T, repo *storage.SQLiteRepository, accountID string) decimal.Decimal {
	t.Helper()
	a, err := repo.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetAccount(%s) error = %v", accountID, err)
	}
	return a.Balance
}

func countOccurrences(t *testing.T, repo *storage.SQLiteRepository, userID string) []core.Transaction {
	t.Helper()
	txs, err := repo.ListTransactionsBetween(context.Background(), userID, day0.AddDate(-1, 0, 0), day0.AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("ListTransactionsBetween() error = %v", err)
	}
	var out []core.Transaction
	for _, tx := range txs {
		if !tx.IsRecurring {
			out = append(out, tx)
		}
	}
	return out
}
