package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fintrack/internal/core"
	"fintrack/internal/dispatch"
)

// EventProcessRecurring is the dispatch event carrying one DueEvent.
const EventProcessRecurring = "transaction.recurring.process"

// DueEvent is the unit of work fanned out for each due recurring transaction.
type DueEvent struct {
	TransactionID string `json:"transactionId"`
	UserID        string `json:"userId"`
}

// RecurringProcessor drives the recurring schedule: each tick selects due
// transactions and emits one event per transaction; each delivered event runs the
// materializer once.
type RecurringProcessor struct {
	selector     *DueSelector
	materializer *Materializer
	sender       dispatch.Sender
}

func NewRecurringProcessor(selector *DueSelector, materializer *Materializer, sender dispatch.Sender) *RecurringProcessor {
	return &RecurringProcessor{
		selector:     selector,
		materializer: materializer,
		sender:       sender,
	}
}

// ProcessDueTransactions emits a DueEvent for every transaction due at now and
// returns how many were selected. A failed emission is logged and does not stop the
// remaining ones; the transaction stays due and is picked up by the next tick.
func (p *RecurringProcessor) ProcessDueTransactions(ctx context.Context, now time.Time) (int, error) {
	if p.selector == nil || p.sender == nil {
		return 0, fmt.Errorf("processor not properly initialized")
	}

	due, err := p.selector.SelectDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("select due transactions: %w", err)
	}

	slog.InfoContext(ctx, "Processing recurring transactions",
		"due", len(due),
		"processing_date", now.Format(time.RFC3339))

	emitted := 0
	for _, tx := range due {
		ev, err := dispatch.NewEvent(EventProcessRecurring, tx.UserID, DueEvent{
			TransactionID: tx.ID,
			UserID:        tx.UserID,
		})
		if err == nil {
			err = p.sender.Send(ctx, ev)
		}
		if err != nil {
			slog.ErrorContext(ctx, "Failed to emit recurring transaction event",
				"transaction_id", tx.ID,
				"user_id", tx.UserID,
				"error", err)
			continue
		}
		emitted++
	}

	slog.InfoContext(ctx, "Recurring transaction events emitted",
		"emitted", emitted,
		"selected", len(due))

	return len(due), nil
}

// HandleDueEvent is the dispatch handler for EventProcessRecurring. Missing or
// corrupt data ends the event for good; store failures are returned for retry.
func (p *RecurringProcessor) HandleDueEvent(ctx context.Context, ev *dispatch.Event) error {
	var due DueEvent
	if err := ev.Decode(&due); err != nil {
		return dispatch.Permanent(fmt.Errorf("decode due event: %w", err))
	}
	if due.TransactionID == "" || due.UserID == "" {
		return dispatch.Permanent(fmt.Errorf("due event %s without transaction or user id", ev.ID))
	}

	outcome, err := p.materializer.Materialize(ctx, due.TransactionID, due.UserID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrIntegrity) {
			return dispatch.Permanent(err)
		}
		return err
	}

	slog.DebugContext(ctx, "Due event handled",
		"transaction_id", due.TransactionID,
		"outcome", outcome.Status,
		"attempt", ev.Attempt)
	return nil
}

// Register binds the processor's handler to registry.
func (p *RecurringProcessor) Register(registry *dispatch.Registry) {
	registry.Register(EventProcessRecurring, p.HandleDueEvent)
}
