// Package services holds the scheduling and bookkeeping logic of the tracker.
//
// Each recurring interval has its own RecurrenceStepper that knows how to move a date
// forward by exactly one period.
package services

import (
	"fmt"
	"sync"
	"time"

	"fintrack/internal/core"
)

// RecurrenceStepper advances a date by one interval unit.
type RecurrenceStepper interface {
	Next(date time.Time) time.Time
}

// DayStepper adds a fixed number of calendar days.
type DayStepper struct {
	Days int
}

func (s DayStepper) Next(date time.Time) time.Time {
	return date.AddDate(0, 0, s.Days)
}

// MonthStepper adds calendar months, keeping the day of month when the target month
// has it and falling back to its last day otherwise (Jan 31 -> Feb 28/29).
type MonthStepper struct {
	Months int
}

func (s MonthStepper) Next(date time.Time) time.Time {
	return addMonthsClamped(date, s.Months)
}

func addMonthsClamped(date time.Time, months int) time.Time {
	y, m, d := date.Date()
	hh, mm, ss := date.Clock()

	// Day 1 never overflows, so this lands in the intended month.
	firstOfTarget := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, date.Location())
	last := daysIn(firstOfTarget.Year(), firstOfTarget.Month(), date.Location())
	if d > last {
		d = last
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d, hh, mm, ss, date.Nanosecond(), date.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

var (
	steppersMu sync.RWMutex
	steppers   = map[core.RecurringInterval]RecurrenceStepper{
		core.Daily:    DayStepper{Days: 1},
		core.Weekly:   DayStepper{Days: 7},
		core.Biweekly: DayStepper{Days: 14},
		core.Monthly:  MonthStepper{Months: 1},
		core.Yearly:   MonthStepper{Months: 12},
	}
)

// GetRecurrenceStepper returns the stepper for interval or an error wrapping
// core.ErrIntegrity when the interval is unknown.
func GetRecurrenceStepper(interval core.RecurringInterval) (RecurrenceStepper, error) {
	steppersMu.RLock()
	defer steppersMu.RUnlock()
	s, ok := steppers[interval]
	if !ok {
		return nil, fmt.Errorf("unknown recurring interval %q: %w", interval, core.ErrIntegrity)
	}
	return s, nil
}

// RegisterRecurrenceStepper adds or replaces the stepper for an interval.
func RegisterRecurrenceStepper(interval core.RecurringInterval, s RecurrenceStepper) {
	steppersMu.Lock()
	defer steppersMu.Unlock()
	steppers[interval] = s
}

// NextOccurrence returns date moved forward by one interval.
func NextOccurrence(date time.Time, interval core.RecurringInterval) (time.Time, error) {
	s, err := GetRecurrenceStepper(interval)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(date), nil
}
