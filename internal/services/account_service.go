package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fintrack/internal/core"
	"fintrack/internal/dispatch"
	"fintrack/internal/storage"
)

// AccountStore is the persistence used by AccountService.
type AccountStore interface {
	CreateUser(ctx context.Context, u core.User) error
	GetBudgetByUser(ctx context.Context, userID string) (*core.Budget, error)
	UpsertBudget(ctx context.Context, b core.Budget) error
	WithTx(ctx context.Context, fn func(q *storage.Queries) error) error
}

// AccountService owns the write paths that keep account invariants: one default
// account per user and balances that follow every recorded transaction.
type AccountService struct {
	store   AccountStore
	now     func() time.Time
	limiter *dispatch.KeyedLimiter
}

// TransactionThrottle is the per-user budget for creating transactions.
func TransactionThrottle() dispatch.ThrottleConfig {
	return dispatch.ThrottleConfig{Limit: 5, Period: time.Hour, MaxKeys: 10000}
}

type AccountOption func(*AccountService)

// WithTransactionLimiter bounds CreateTransaction per user.
func WithTransactionLimiter(l *dispatch.KeyedLimiter) AccountOption {
	return func(s *AccountService) { s.limiter = l }
}

func NewAccountService(store AccountStore, opts ...AccountOption) *AccountService {
	s := &AccountService{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AccountService) CreateUser(ctx context.Context, email, name string) (core.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return core.User{}, fmt.Errorf("email cannot be empty")
	}
	u := core.User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      strings.TrimSpace(name),
		CreatedAt: s.now(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return core.User{}, err
	}
	return u, nil
}

// CreateAccount stores a new account. A user's first account is always the default;
// making a later account default clears the flag on the others.
func (s *AccountService) CreateAccount(ctx context.Context, a core.Account) (core.Account, error) {
	if err := a.Validate(); err != nil {
		return core.Account{}, err
	}

	now := s.now()
	a.ID = uuid.NewString()
	a.CreatedAt, a.UpdatedAt = now, now

	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		count, err := q.CountAccounts(ctx, a.UserID)
		if err != nil {
			return fmt.Errorf("count accounts: %w", err)
		}
		if count == 0 {
			a.IsDefault = true
		}
		if a.IsDefault && count > 0 {
			if err := q.ClearDefaultAccounts(ctx, a.UserID, now); err != nil {
				return fmt.Errorf("clear default accounts: %w", err)
			}
		}
		if err := q.CreateAccount(ctx, a); err != nil {
			return fmt.Errorf("create account: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.Account{}, err
	}

	slog.InfoContext(ctx, "Account created",
		"account_id", a.ID,
		"user_id", a.UserID,
		"is_default", a.IsDefault)
	return a, nil
}

// CreateTransaction records t and applies it to the account balance in the same SQL
// transaction. Recurring transactions get their first next date from t.Date.
func (s *AccountService) CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	if t.Status == "" {
		t.Status = core.StatusCompleted
	}
	if err := t.Validate(); err != nil {
		return core.Transaction{}, err
	}
	if s.limiter != nil {
		if ok, wait := s.limiter.Admit(t.UserID); !ok {
			return core.Transaction{}, fmt.Errorf("user %s: %w, retry in %v",
				t.UserID, core.ErrRateLimited, wait.Round(time.Second))
		}
	}

	now := s.now()
	t.ID = uuid.NewString()
	t.CreatedAt, t.UpdatedAt = now, now
	t.LastProcessed = nil
	t.NextRecurringDate = nil
	if t.IsRecurring {
		next, err := NextOccurrence(t.Date, t.RecurringInterval)
		if err != nil {
			return core.Transaction{}, err
		}
		t.NextRecurringDate = &next
	} else {
		t.RecurringInterval = ""
	}

	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		acc, err := q.GetAccount(ctx, t.AccountID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && acc.UserID != t.UserID) {
			return fmt.Errorf("account %s: %w", t.AccountID, core.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get account: %w", err)
		}
		if err := q.CreateTransaction(ctx, t); err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		if _, err := q.AdjustAccountBalance(ctx, t.AccountID, t.SignedAmount(), now); err != nil {
			return fmt.Errorf("adjust balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.Transaction{}, err
	}

	slog.InfoContext(ctx, "Transaction created",
		"transaction_id", t.ID,
		"user_id", t.UserID,
		"type", t.Type,
		"amount", t.Amount.StringFixed(2),
		"recurring", t.IsRecurring)
	return t, nil
}

// SetBudget creates or updates the user's monthly budget.
func (s *AccountService) SetBudget(ctx context.Context, userID string, amount decimal.Decimal) (core.Budget, error) {
	now := s.now()
	b := core.Budget{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.Validate(); err != nil {
		return core.Budget{}, err
	}
	if err := s.store.UpsertBudget(ctx, b); err != nil {
		return core.Budget{}, err
	}

	stored, err := s.store.GetBudgetByUser(ctx, userID)
	if err != nil {
		return core.Budget{}, err
	}
	return *stored, nil
}
