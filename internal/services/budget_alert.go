package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fintrack/internal/core"
	"fintrack/internal/notify"
	"fintrack/internal/storage"
)

// DefaultAlertThreshold is the percentage of a budget that triggers the monthly alert.
var DefaultAlertThreshold = decimal.NewFromInt(80)

// BudgetStore is the persistence the alert checker reads and writes.
type BudgetStore interface {
	ListBudgets(ctx context.Context) ([]core.Budget, error)
	GetUser(ctx context.Context, id string) (*core.User, error)
	GetDefaultAccount(ctx context.Context, userID string) (*core.Account, error)
	SumAmounts(ctx context.Context, arg storage.ListAmountsParams) (decimal.Decimal, error)
	MarkBudgetAlertSent(ctx context.Context, id string, at time.Time) error
}

// BudgetAlertChecker notifies users once per calendar month when their default
// account's expenses reach the alert threshold of their budget.
type BudgetAlertChecker struct {
	store       BudgetStore
	sender      notify.Sender
	threshold   decimal.Decimal
	concurrency int
}

func NewBudgetAlertChecker(store BudgetStore, sender notify.Sender, threshold decimal.Decimal) *BudgetAlertChecker {
	if !threshold.IsPositive() {
		threshold = DefaultAlertThreshold
	}
	return &BudgetAlertChecker{
		store:       store,
		sender:      sender,
		threshold:   threshold,
		concurrency: 4,
	}
}

// CheckBudgets evaluates every budget at now and returns how many alerts were sent.
// A failing budget is logged and does not affect the others.
func (c *BudgetAlertChecker) CheckBudgets(ctx context.Context, now time.Time) (int, error) {
	budgets, err := c.store.ListBudgets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list budgets: %w", err)
	}

	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, b := range budgets {
		g.Go(func() error {
			alerted, err := c.checkBudget(gctx, b, now)
			if err != nil {
				slog.ErrorContext(gctx, "Budget check failed",
					"budget_id", b.ID,
					"user_id", b.UserID,
					"error", err)
				return nil
			}
			if alerted {
				sent.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.InfoContext(ctx, "Budget alert check complete",
		"budgets", len(budgets),
		"alerts_sent", sent.Load())
	return int(sent.Load()), nil
}

func (c *BudgetAlertChecker) checkBudget(ctx context.Context, b core.Budget, now time.Time) (bool, error) {
	if b.AlertedInMonth(now) {
		return false, nil
	}

	account, err := c.store.GetDefaultAccount(ctx, b.UserID)
	if errors.Is(err, core.ErrNotFound) {
		slog.DebugContext(ctx, "Budget owner has no default account", "user_id", b.UserID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	from, to := core.MonthBounds(now)
	spent, err := c.store.SumAmounts(ctx, storage.ListAmountsParams{
		UserID:    b.UserID,
		AccountID: account.ID,
		Type:      core.Expense,
		From:      from,
		To:        to,
	})
	if err != nil {
		return false, err
	}

	used := core.Percentage(spent, b.Amount)
	if used.LessThan(c.threshold) {
		return false, nil
	}

	user, err := c.store.GetUser(ctx, b.UserID)
	if err != nil {
		return false, err
	}

	remaining := b.Amount.Sub(spent)
	data := notify.BudgetAlertData{
		Name:        user.Name,
		AccountName: account.Name,
		Month:       now.Format("January 2006"),
		Spent:       core.FormatAmount(spent),
		Budget:      core.FormatAmount(b.Amount),
		Percentage:  used.StringFixed(1),
	}
	if remaining.IsPositive() {
		data.Remaining = core.FormatAmount(remaining)
	}

	msg, err := notify.Render(notify.TemplateBudgetAlert, user.Email, data)
	if err != nil {
		return false, err
	}
	if err := c.sender.Send(ctx, msg); err != nil {
		return false, fmt.Errorf("send budget alert: %w", err)
	}

	if err := c.store.MarkBudgetAlertSent(ctx, b.ID, now); err != nil {
		return true, fmt.Errorf("record alert: %w", err)
	}

	slog.InfoContext(ctx, "Budget alert sent",
		"budget_id", b.ID,
		"user_id", b.UserID,
		"percentage_used", used.StringFixed(1))
	return true, nil
}
