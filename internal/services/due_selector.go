package services

import (
	"context"
	"time"

	"fintrack/internal/core"
)

// DueStore is the read side the selector needs.
type DueStore interface {
	SelectDueTransactions(ctx context.Context, now time.Time) ([]core.Transaction, error)
}

// DueSelector lists recurring completed transactions that were never processed or
// whose next date is at or before now. Overlapping calls may return the same rows.
type DueSelector struct {
	store DueStore
}

func NewDueSelector(store DueStore) *DueSelector {
	return &DueSelector{store: store}
}

func (s *DueSelector) SelectDue(ctx context.Context, now time.Time) ([]core.Transaction, error) {
	return s.store.SelectDueTransactions(ctx, now)
}
