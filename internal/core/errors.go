package core

import "errors"

// Outcome classes for a unit of work. Store adapters and services wrap these with
// fmt.Errorf("...: %w") so callers can branch with errors.Is.
var (
	// ErrNotFound means the referenced entity does not exist (or is not owned by the caller).
	ErrNotFound = errors.New("not found")

	// ErrIntegrity flags data that can never be processed as stored, like a recurring
	// transaction without interval or a transaction pointing to a missing account.
	ErrIntegrity = errors.New("data integrity violation")

	// ErrTransient marks store failures that may succeed on a later attempt.
	ErrTransient = errors.New("transient store error")

	// ErrRateLimited means the caller exceeded a per-user write budget.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrIntegrity) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
