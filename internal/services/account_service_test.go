package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fintrack/internal/core"
	"fintrack/internal/dispatch"
	"fintrack/internal/storage"
)

func newTestAccountService(t *testing.T) (*AccountService, *storage.SQLiteRepository, core.User) {
	t.Helper()
	repo := newTestStore(t)
	svc := NewAccountService(repo)
	svc.now = fixedClock(day0)

	u, err := svc.CreateUser(context.Background(), " ann@example.com ", "Ann")
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	return svc, repo, u
}

func defaultIDs(accounts []core.Account) []string {
	var ids []string
	for _, a := range accounts {
		if a.IsDefault {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

func TestAccountService_CreateUser(t *testing.T) {
	svc, repo, u := newTestAccountService(t)

	if u.Email != "ann@example.com" || u.ID == "" {
		t.Errorf("user = %+v", u)
	}
	if _, err := repo.GetUser(context.Background(), u.ID); err != nil {
		t.Errorf("GetUser() error = %v", err)
	}
	if _, err := svc.CreateUser(context.Background(), "  ", "x"); err == nil {
		t.Error("empty email should be rejected")
	}
}

func TestAccountService_DefaultAccountReassignment(t *testing.T) {
	svc, repo, u := newTestAccountService(t)
	ctx := context.Background()

	first, err := svc.CreateAccount(ctx, core.Account{UserID: u.ID, Name: "Current", Type: core.AccountCurrent})
	if err != nil {
		t.Fatalf("CreateAccount(first) error = %v", err)
	}
	if !first.IsDefault {
		t.Error("first account must be default")
	}

	savings, err := svc.CreateAccount(ctx, core.Account{UserID: u.ID, Name: "Savings", Type: core.AccountSavings})
	if err != nil {
		t.Fatalf("CreateAccount(savings) error = %v", err)
	}
	if savings.IsDefault {
		t.Error("second account without flag must not be default")
	}

	accounts, _ := repo.ListAccounts(ctx, u.ID)
	if ids := defaultIDs(accounts); len(ids) != 1 || ids[0] != first.ID {
		t.Errorf("defaults = %v, want [%s]", ids, first.ID)
	}

	third, err := svc.CreateAccount(ctx, core.Account{UserID: u.ID, Name: "Joint", Type: core.AccountCurrent, IsDefault: true})
	if err != nil {
		t.Fatalf("CreateAccount(third) error = %v", err)
	}
	accounts, _ = repo.ListAccounts(ctx, u.ID)
	if ids := defaultIDs(accounts); len(ids) != 1 || ids[0] != third.ID {
		t.Errorf("defaults = %v, want [%s]", ids, third.ID)
	}

	def, err := repo.GetDefaultAccount(ctx, u.ID)
	if err != nil || def.ID != third.ID {
		t.Errorf("GetDefaultAccount() = %v, %v", def, err)
	}

	if _, err := svc.CreateAccount(ctx, core.Account{UserID: u.ID, Type: core.AccountCurrent}); !errors.Is(err, core.ErrEmptyAccountName) {
		t.Errorf("unnamed account error = %v", err)
	}
}

func TestAccountService_CreateTransaction(t *testing.T) {
	svc, repo, u := newTestAccountService(t)
	ctx := context.Background()

	acc, err := svc.CreateAccount(ctx, core.Account{UserID: u.ID, Name: "Current", Type: core.AccountCurrent, Balance: decimal.NewFromInt(100)})
	if err != nil {
		t.Fatal(err)
	}

	date := time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC)
	rent, err := svc.CreateTransaction(ctx, core.Transaction{
		UserID: u.ID, AccountID: acc.ID, Type: core.Expense, Amount: decimal.RequireFromString("40.10"),
		Description: "Rent", Date: date, Category: "housing",
		IsRecurring: true, RecurringInterval: core.Monthly,
	})
	if err != nil {
		t.Fatalf("CreateTransaction(rent) error = %v", err)
	}
	if rent.Status != core.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", rent.Status)
	}
	if want := time.Date(2025, 2, 28, 10, 0, 0, 0, time.UTC); rent.NextRecurringDate == nil || !rent.NextRecurringDate.Equal(want) {
		t.Errorf("next = %v, want %v", rent.NextRecurringDate, want)
	}
	if rent.LastProcessed != nil {
		t.Error("new transaction must not be marked processed")
	}

	salary, err := svc.CreateTransaction(ctx, core.Transaction{
		UserID: u.ID, AccountID: acc.ID, Type: core.Income, Amount: decimal.NewFromInt(1000),
		Date: date, Category: "salary", RecurringInterval: core.Monthly,
	})
	if err != nil {
		t.Fatalf("CreateTransaction(salary) error = %v", err)
	}
	if salary.RecurringInterval != "" || salary.NextRecurringDate != nil {
		t.Errorf("non-recurring transaction kept schedule: %+v", salary)
	}

	stored, err := repo.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := decimal.RequireFromString("1059.90"); !stored.Balance.Equal(want) {
		t.Errorf("balance = %s, want %s", stored.Balance, want)
	}

	tests := []struct {
		name string
		tx   core.Transaction
		want error
	}{
		{"recurring without interval", core.Transaction{UserID: u.ID, AccountID: acc.ID, Type: core.Expense, Amount: decimal.NewFromInt(1), Date: date, Category: "x", IsRecurring: true}, core.ErrMissingInterval},
		{"bad interval", core.Transaction{UserID: u.ID, AccountID: acc.ID, Type: core.Expense, Amount: decimal.NewFromInt(1), Date: date, Category: "x", IsRecurring: true, RecurringInterval: "HOURLY"}, core.ErrInvalidInterval},
		{"negative amount", core.Transaction{UserID: u.ID, AccountID: acc.ID, Type: core.Expense, Amount: decimal.NewFromInt(-1), Date: date, Category: "x"}, core.ErrInvalidAmount},
		{"unknown account", core.Transaction{UserID: u.ID, AccountID: "nope", Type: core.Expense, Amount: decimal.NewFromInt(1), Date: date, Category: "x"}, core.ErrNotFound},
		{"foreign account", core.Transaction{UserID: "someone-else", AccountID: acc.ID, Type: core.Expense, Amount: decimal.NewFromInt(1), Date: date, Category: "x"}, core.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateTransaction(ctx, tt.tx); !errors.Is(err, tt.want) {
				t.Errorf("CreateTransaction() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAccountService_SetBudget(t *testing.T) {
	svc, _, u := newTestAccountService(t)
	ctx := context.Background()

	b, err := svc.SetBudget(ctx, u.ID, decimal.NewFromInt(500))
	if err != nil {
		t.Fatalf("SetBudget() error = %v", err)
	}
	updated, err := svc.SetBudget(ctx, u.ID, decimal.NewFromInt(750))
	if err != nil {
		t.Fatalf("SetBudget(update) error = %v", err)
	}
	if updated.ID != b.ID {
		t.Errorf("budget id changed on update: %s -> %s", b.ID, updated.ID)
	}
	if !updated.Amount.Equal(decimal.NewFromInt(750)) {
		t.Errorf("amount = %s, want 750", updated.Amount)
	}

	if _, err := svc.SetBudget(ctx, u.ID, decimal.Zero); !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("zero budget error = %v", err)
	}
}

func TestAccountService_TransactionThrottle(t *testing.T) {
	repo := newTestStore(t)
	svc := NewAccountService(repo, WithTransactionLimiter(dispatch.NewKeyedLimiter(TransactionThrottle())))
	svc.now = fixedClock(day0)
	ctx := context.Background()

	ann, _ := svc.CreateUser(ctx, "ann@example.com", "Ann")
	bob, _ := svc.CreateUser(ctx, "bob@example.com", "Bob")
	annAcc, _ := svc.CreateAccount(ctx, core.Account{UserID: ann.ID, Name: "Current", Type: core.AccountCurrent})
	bobAcc, _ := svc.CreateAccount(ctx, core.Account{UserID: bob.ID, Name: "Current", Type: core.AccountCurrent})

	coffee := func(userID, accountID string) core.Transaction {
		return core.Transaction{UserID: userID, AccountID: accountID, Type: core.Expense,
			Amount: decimal.NewFromInt(3), Date: day0, Category: "food"}
	}

	for i := 0; i < 5; i++ {
		if _, err := svc.CreateTransaction(ctx, coffee(ann.ID, annAcc.ID)); err != nil {
			t.Fatalf("transaction %d: %v", i+1, err)
		}
	}
	_, err := svc.CreateTransaction(ctx, coffee(ann.ID, annAcc.ID))
	if !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("sixth transaction error = %v, want rate limited", err)
	}

	// Invalid input is rejected before it spends a token.
	if _, err := svc.CreateTransaction(ctx, core.Transaction{UserID: bob.ID}); errors.Is(err, core.ErrRateLimited) {
		t.Fatal("validation should run before the limiter")
	}
	if _, err := svc.CreateTransaction(ctx, coffee(bob.ID, bobAcc.ID)); err != nil {
		t.Errorf("other user should not be limited: %v", err)
	}

	stored, err := repo.GetAccount(ctx, annAcc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := decimal.NewFromInt(-15); !stored.Balance.Equal(want) {
		t.Errorf("balance = %s, want %s (refused transaction must not apply)", stored.Balance, want)
	}
}
