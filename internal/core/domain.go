package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Income  TransactionType = "INCOME"
	Expense TransactionType = "EXPENSE"
)

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
)

const (
	Daily    RecurringInterval = "DAILY"
	Weekly   RecurringInterval = "WEEKLY"
	Biweekly RecurringInterval = "BIWEEKLY"
	Monthly  RecurringInterval = "MONTHLY"
	Yearly   RecurringInterval = "YEARLY"
)

const (
	AccountCurrent AccountType = "CURRENT"
	AccountSavings AccountType = "SAVINGS"
)

type (
	TransactionType   string
	TransactionStatus string
	RecurringInterval string
	AccountType       string

	User struct {
		ID        string
		Email     string
		Name      string
		CreatedAt time.Time
	}

	Account struct {
		ID        string
		UserID    string
		Name      string
		Type      AccountType
		Balance   decimal.Decimal
		IsDefault bool
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	Transaction struct {
		ID                string
		UserID            string
		AccountID         string
		Type              TransactionType
		Amount            decimal.Decimal // never negative, Type carries the sign
		Description       string
		Date              time.Time
		Category          string
		Status            TransactionStatus
		IsRecurring       bool
		RecurringInterval RecurringInterval
		LastProcessed     *time.Time
		NextRecurringDate *time.Time
		CreatedAt         time.Time
		UpdatedAt         time.Time
	}

	Budget struct {
		ID            string
		UserID        string
		Amount        decimal.Decimal
		LastAlertSent *time.Time
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidType      = errors.New("invalid transaction type")
	ErrInvalidStatus    = errors.New("invalid transaction status")
	ErrInvalidInterval  = errors.New("invalid recurring interval")
	ErrMissingInterval  = errors.New("recurring transaction without interval")
	ErrEmptyCategory    = errors.New("empty category")
	ErrMissingOwner     = errors.New("missing owner")
	ErrMissingAccount   = errors.New("missing account")
	ErrEmptyAccountName = errors.New("empty account name")
)

// Valid reports whether the interval is one of the recognized values.
func (i RecurringInterval) Valid() bool {
	switch i {
	case Daily, Weekly, Biweekly, Monthly, Yearly:
		return true
	default:
		return false
	}
}

func (t TransactionType) Valid() bool {
	return t == Income || t == Expense
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsDue reports whether a recurring transaction has an occurrence to materialize at now:
// recurring, completed, and either never processed or scheduled at or before now.
func (t Transaction) IsDue(now time.Time) bool {
	if !t.IsRecurring || t.Status != StatusCompleted {
		return false
	}
	if t.LastProcessed == nil {
		return true
	}
	return t.NextRecurringDate != nil && !t.NextRecurringDate.After(now)
}

// SignedAmount returns the balance delta this transaction applies to its account.
func (t Transaction) SignedAmount() decimal.Decimal {
	if t.Type == Expense {
		return t.Amount.Neg()
	}
	return t.Amount
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.UserID) == "" {
		return ErrMissingOwner
	}
	if strings.TrimSpace(t.AccountID) == "" {
		return ErrMissingAccount
	}
	if !t.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, t.Type)
	}
	if t.Amount.IsNegative() {
		return ErrInvalidAmount
	}
	if t.Date.IsZero() {
		return errors.New("date cannot be zero")
	}
	if strings.TrimSpace(t.Category) == "" {
		return ErrEmptyCategory
	}
	if len(t.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, t.Status)
	}
	if t.IsRecurring {
		if t.RecurringInterval == "" {
			return ErrMissingInterval
		}
		if !t.RecurringInterval.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidInterval, t.RecurringInterval)
		}
	}
	return nil
}

func (a Account) Validate() error {
	if strings.TrimSpace(a.UserID) == "" {
		return ErrMissingOwner
	}
	if strings.TrimSpace(a.Name) == "" {
		return ErrEmptyAccountName
	}
	switch a.Type {
	case AccountCurrent, AccountSavings:
	default:
		return fmt.Errorf("invalid account type %q", a.Type)
	}
	return nil
}

func (b Budget) Validate() error {
	if strings.TrimSpace(b.UserID) == "" {
		return ErrMissingOwner
	}
	if !b.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// AlertedInMonth reports whether an alert was already sent in the calendar month of now.
func (b Budget) AlertedInMonth(now time.Time) bool {
	if b.LastAlertSent == nil {
		return false
	}
	last := b.LastAlertSent.In(now.Location())
	return last.Year() == now.Year() && last.Month() == now.Month()
}

// MonthBounds returns the first instant of t's month and the first instant of the next one.
func MonthBounds(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 1, 0)
}
