package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fintrack/internal/core"
	"fintrack/internal/log"
	"fintrack/internal/storage"
)

// OutcomeStatus tells whether a materialization created an occurrence.
type OutcomeStatus string

const (
	OutcomeMaterialized OutcomeStatus = "materialized"
	OutcomeSkipped      OutcomeStatus = "skipped"
)

type Outcome struct {
	Status           OutcomeStatus
	NewTransactionID string
}

// occurrenceSuffix marks descriptions of generated occurrences.
const occurrenceSuffix = ".recurring"

// MaterializerStore is the persistence the materializer needs: a scoped read and a
// write transaction over the generated query set.
type MaterializerStore interface {
	GetTransaction(ctx context.Context, id, userID string) (*core.Transaction, error)
	WithTx(ctx context.Context, fn func(q *storage.Queries) error) error
}

// Materializer turns one due recurring transaction into a concrete occurrence.
type Materializer struct {
	store MaterializerStore
	now   func() time.Time
}

type MaterializerOption func(*Materializer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MaterializerOption {
	return func(m *Materializer) {
		m.now = now
	}
}

func NewMaterializer(store MaterializerStore, opts ...MaterializerOption) *Materializer {
	m := &Materializer{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Materialize creates the next occurrence of transactionID, moves its account balance
// and advances the schedule in one SQL transaction. A transaction that is no longer
// due, or whose schedule another worker advanced first, yields OutcomeSkipped.
//
// Errors wrap core.ErrNotFound (missing or foreign transaction), core.ErrIntegrity
// (bad interval, missing account) or core.ErrTransient (store unavailable).
func (m *Materializer) Materialize(ctx context.Context, transactionID, userID string) (Outcome, error) {
	now := m.now()

	src, err := m.store.GetTransaction(ctx, transactionID, userID)
	if err != nil {
		return Outcome{}, fmt.Errorf("fetch recurring transaction: %w", err)
	}

	if !src.IsDue(now) {
		slog.DebugContext(ctx, "Recurring transaction not due, skipping",
			"transaction_id", src.ID,
			"user_id", src.UserID)
		return Outcome{Status: OutcomeSkipped}, nil
	}

	next, err := NextOccurrence(now, src.RecurringInterval)
	if err != nil {
		slog.ErrorContext(ctx, "Recurring transaction has invalid interval",
			"transaction_id", src.ID,
			"interval", src.RecurringInterval,
			"error", err)
		return Outcome{}, err
	}

	occurrence := core.Transaction{
		ID:          uuid.NewString(),
		UserID:      src.UserID,
		AccountID:   src.AccountID,
		Type:        src.Type,
		Amount:      src.Amount,
		Description: src.Description + occurrenceSuffix,
		Date:        now,
		Category:    src.Category,
		Status:      core.StatusCompleted,
		IsRecurring: false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	skipped := false
	err = m.store.WithTx(ctx, func(q *storage.Queries) error {
		// The schedule moves first: if the row changed since it was read, nothing else happens.
		n, err := q.AdvanceSchedule(ctx, storage.AdvanceScheduleParams{
			ID:                    src.ID,
			UserID:                src.UserID,
			ExpectedLastProcessed: src.LastProcessed,
			ExpectedNext:          src.NextRecurringDate,
			LastProcessed:         now,
			NextRecurringDate:     next,
		})
		if err != nil {
			return fmt.Errorf("advance schedule: %w", err)
		}
		if n == 0 {
			skipped = true
			return nil
		}

		if err := q.CreateTransaction(ctx, occurrence); err != nil {
			return fmt.Errorf("insert occurrence: %w", err)
		}

		if _, err := q.AdjustAccountBalance(ctx, src.AccountID, src.SignedAmount(), now); err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return fmt.Errorf("transaction %s references missing account %s: %w",
					src.ID, src.AccountID, core.ErrIntegrity)
			}
			return fmt.Errorf("adjust balance: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrIntegrity) {
			slog.ErrorContext(ctx, "Recurring transaction cannot be materialized",
				"transaction_id", src.ID,
				"account_id", src.AccountID,
				"error", err)
		}
		return Outcome{}, err
	}

	if skipped {
		slog.InfoContext(ctx, "Recurring transaction advanced concurrently, skipping",
			"transaction_id", src.ID,
			"user_id", src.UserID)
		return Outcome{Status: OutcomeSkipped}, nil
	}

	fields := log.NewFields().
		WithOperation(log.OpMaterialize).
		WithTransaction(src.ID, src.UserID, src.AccountID).
		WithOccurrence(occurrence.ID, string(src.Type), src.Amount, next)
	slog.InfoContext(ctx, "Materialized recurring transaction", fields.ToSlice()...)

	return Outcome{Status: OutcomeMaterialized, NewTransactionID: occurrence.ID}, nil
}
