package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fintrack/internal/core"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "fintrack.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

var day0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func seedUserAccount(t *testing.T, repo *SQLiteRepository, userID, accountID, balance string) {
	t.Helper()
	ctx := context.Background()
	if err := repo.CreateUser(ctx, core.User{ID: userID, Email: userID + "@example.com", Name: userID, CreatedAt: day0}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	err := repo.Queries().CreateAccount(ctx, core.Account{
		ID: accountID, UserID: userID, Name: "Main", Type: core.AccountCurrent,
		Balance: decimal.RequireFromString(balance), IsDefault: true, CreatedAt: day0, UpdatedAt: day0,
	})
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
}

func insertTx(t *testing.T, repo *SQLiteRepository, tx core.Transaction) {
	t.Helper()
	if tx.Status == "" {
		tx.Status = core.StatusCompleted
	}
	if tx.Date.IsZero() {
		tx.Date = day0
	}
	tx.CreatedAt, tx.UpdatedAt = day0, day0
	if err := repo.Queries().CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("CreateTransaction(%s) error = %v", tx.ID, err)
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestSQLiteRepository_SelectDueTransactions(t *testing.T) {
	repo := newTestRepo(t)
	seedUserAccount(t, repo, "u1", "a1", "0")
	now := day0.Add(48 * time.Hour)

	base := core.Transaction{UserID: "u1", AccountID: "a1", Type: core.Expense, Amount: decimal.NewFromInt(1), Category: "misc"}
	fixtures := []struct {
		id     string
		mutate func(*core.Transaction)
		due    bool
	}{
		{"never-processed", func(tx *core.Transaction) {
			tx.IsRecurring, tx.RecurringInterval = true, core.Daily
			tx.NextRecurringDate = timePtr(now.Add(240 * time.Hour))
		}, true},
		{"past-due", func(tx *core.Transaction) {
			tx.IsRecurring, tx.RecurringInterval = true, core.Weekly
			tx.LastProcessed, tx.NextRecurringDate = timePtr(day0), timePtr(now.Add(-time.Hour))
		}, true},
		{"due-exactly-now", func(tx *core.Transaction) {
			tx.IsRecurring, tx.RecurringInterval = true, core.Weekly
			tx.LastProcessed, tx.NextRecurringDate = timePtr(day0), timePtr(now)
		}, true},
		{"future", func(tx *core.Transaction) {
			tx.IsRecurring, tx.RecurringInterval = true, core.Monthly
			tx.LastProcessed, tx.NextRecurringDate = timePtr(day0), timePtr(now.Add(time.Hour))
		}, false},
		{"not-recurring", func(tx *core.Transaction) {}, false},
		{"pending", func(tx *core.Transaction) {
			tx.IsRecurring, tx.RecurringInterval = true, core.Daily
			tx.Status = core.StatusPending
		}, false},
	}

	want := map[string]bool{}
	for _, f := range fixtures {
		tx := base
		tx.ID = f.id
		f.mutate(&tx)
		insertTx(t, repo, tx)
		if f.due {
			want[f.id] = true
		}
	}

	got, err := repo.SelectDueTransactions(context.Background(), now)
	if err != nil {
		t.Fatalf("SelectDueTransactions() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("SelectDueTransactions() returned %d rows, want %d", len(got), len(want))
	}
	for _, tx := range got {
		if !want[tx.ID] {
			t.Errorf("unexpected due transaction %s", tx.ID)
		}
		if !tx.IsDue(now) {
			t.Errorf("transaction %s selected but IsDue() = false", tx.ID)
		}
	}
}

func TestSQLiteRepository_GetTransactionOwnership(t *testing.T) {
	repo := newTestRepo(t)
	seedUserAccount(t, repo, "u1", "a1", "0")
	insertTx(t, repo, core.Transaction{ID: "t1", UserID: "u1", AccountID: "a1", Type: core.Income,
		Amount: decimal.RequireFromString("12.34"), Category: "salary", Description: "pay"})

	got, err := repo.GetTransaction(context.Background(), "t1", "u1")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if !got.Amount.Equal(decimal.RequireFromString("12.34")) || got.Description != "pay" || !got.Date.Equal(day0) {
		t.Errorf("GetTransaction() = %+v", got)
	}

	if _, err := repo.GetTransaction(context.Background(), "t1", "someone-else"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("owner mismatch error = %v, want ErrNotFound", err)
	}
	if _, err := repo.GetTransaction(context.Background(), "missing", "u1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("missing row error = %v, want ErrNotFound", err)
	}
}

func TestQueries_AdvanceScheduleCompareAndSet(t *testing.T) {
	repo := newTestRepo(t)
	seedUserAccount(t, repo, "u1", "a1", "0")
	insertTx(t, repo, core.Transaction{ID: "t1", UserID: "u1", AccountID: "a1", Type: core.Expense,
		Amount: decimal.NewFromInt(5), Category: "rent", IsRecurring: true, RecurringInterval: core.Daily})

	ctx := context.Background()
	params := AdvanceScheduleParams{
		ID: "t1", UserID: "u1",
		LastProcessed: day0, NextRecurringDate: day0.AddDate(0, 0, 1),
	}

	n, err := repo.Queries().AdvanceSchedule(ctx, params)
	if err != nil || n != 1 {
		t.Fatalf("first AdvanceSchedule() = %d, %v; want 1, nil", n, err)
	}

	// Same expectations again: the row no longer matches.
	n, err = repo.Queries().AdvanceSchedule(ctx, params)
	if err != nil || n != 0 {
		t.Fatalf("stale AdvanceSchedule() = %d, %v; want 0, nil", n, err)
	}

	got, _ := repo.GetTransaction(ctx, "t1", "u1")
	if got.LastProcessed == nil || !got.LastProcessed.Equal(day0) {
		t.Errorf("LastProcessed = %v, want %v", got.LastProcessed, day0)
	}
	if got.NextRecurringDate == nil || !got.NextRecurringDate.Equal(day0.AddDate(0, 0, 1)) {
		t.Errorf("NextRecurringDate = %v", got.NextRecurringDate)
	}
}

func TestSQLiteRepository_WithTxRollsBack(t *testing.T) {
	repo := newTestRepo(t)
	seedUserAccount(t, repo, "u1", "a1", "100.00")
	ctx := context.Background()

	boom := errors.New("boom")
	err := repo.WithTx(ctx, func(q *Queries) error {
		if _, err := q.AdjustAccountBalance(ctx, "a1", decimal.RequireFromString("-40.50"), day0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	acc, _ := repo.GetAccount(ctx, "a1")
	if !acc.Balance.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("balance after rollback = %s, want 100", acc.Balance)
	}

	err = repo.WithTx(ctx, func(q *Queries) error {
		_, err := q.AdjustAccountBalance(ctx, "a1", decimal.RequireFromString("-40.50"), day0)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}
	acc, _ = repo.GetAccount(ctx, "a1")
	if !acc.Balance.Equal(decimal.RequireFromString("59.50")) {
		t.Fatalf("balance after commit = %s, want 59.50", acc.Balance)
	}

	err = repo.WithTx(ctx, func(q *Queries) error {
		_, err := q.AdjustAccountBalance(ctx, "ghost", decimal.NewFromInt(1), day0)
		return err
	})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("missing account error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteRepository_SumAmounts(t *testing.T) {
	repo := newTestRepo(t)
	seedUserAccount(t, repo, "u1", "a1", "0")
	march := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)

	for i, f := range []struct {
		amount string
		typ    core.TransactionType
		date   time.Time
	}{
		{"0.10", core.Expense, march},
		{"0.20", core.Expense, march},
		{"100.00", core.Income, march},
		{"5.00", core.Expense, time.Date(2025, 2, 28, 23, 59, 0, 0, time.UTC)},
		{"7.00", core.Expense, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
	} {
		insertTx(t, repo, core.Transaction{ID: string(rune('a' + i)), UserID: "u1", AccountID: "a1",
			Type: f.typ, Amount: decimal.RequireFromString(f.amount), Category: "c", Date: f.date})
	}

	from, to := core.MonthBounds(march)
	sum, err := repo.SumAmounts(context.Background(), ListAmountsParams{
		UserID: "u1", AccountID: "a1", Type: core.Expense, From: from, To: to,
	})
	if err != nil {
		t.Fatalf("SumAmounts() error = %v", err)
	}
	if !sum.Equal(decimal.RequireFromString("0.30")) {
		t.Fatalf("SumAmounts() = %s, want 0.30", sum)
	}
}

func TestSQLiteRepository_Budgets(t *testing.T) {
	repo := newTestRepo(t)
	seedUserAccount(t, repo, "u1", "a1", "0")
	ctx := context.Background()

	b := core.Budget{ID: "b1", UserID: "u1", Amount: decimal.NewFromInt(1000), CreatedAt: day0, UpdatedAt: day0}
	if err := repo.UpsertBudget(ctx, b); err != nil {
		t.Fatalf("UpsertBudget() error = %v", err)
	}
	b.ID = "ignored-on-conflict"
	b.Amount = decimal.NewFromInt(1200)
	if err := repo.UpsertBudget(ctx, b); err != nil {
		t.Fatalf("second UpsertBudget() error = %v", err)
	}

	budgets, err := repo.ListBudgets(ctx)
	if err != nil || len(budgets) != 1 {
		t.Fatalf("ListBudgets() = %v, %v", budgets, err)
	}
	if budgets[0].ID != "b1" || !budgets[0].Amount.Equal(decimal.NewFromInt(1200)) || budgets[0].LastAlertSent != nil {
		t.Fatalf("budget = %+v", budgets[0])
	}

	if err := repo.MarkBudgetAlertSent(ctx, "b1", day0); err != nil {
		t.Fatalf("MarkBudgetAlertSent() error = %v", err)
	}
	got, _ := repo.GetBudgetByUser(ctx, "u1")
	if got.LastAlertSent == nil || !got.LastAlertSent.Equal(day0) {
		t.Fatalf("LastAlertSent = %v", got.LastAlertSent)
	}
}

func TestTimeLayoutSortsChronologically(t *testing.T) {
	a := formatTime(time.Date(2025, 1, 9, 23, 0, 0, 5, time.FixedZone("X", 3600)))
	b := formatTime(time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	if !(a < b) {
		t.Fatalf("%s should sort before %s", a, b)
	}
	back, err := parseTime(a)
	if err != nil || !back.Equal(time.Date(2025, 1, 9, 22, 0, 0, 5, time.UTC)) {
		t.Fatalf("parseTime(%s) = %v, %v", a, back, err)
	}
}
