package domain

import "errors"

// Error taxonomy. Every expected failure maps to one of these sentinels so
// callers branch with errors.Is instead of string sniffing; panics are
// reserved for programming errors.
var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientCredits marks a balance too low to cover a purchase.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrExternalService marks a failed provider call. Safe to retry only
	// before any local commit.
	ErrExternalService = errors.New("external service failure")

	// ErrCircuitOpen marks a call short-circuited by an open breaker; the
	// provider was never contacted.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrInvalidTransition marks a state-machine precondition miss: either
	// a logic bug or the benign loser of a transition race.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAuthentication marks a webhook signature mismatch.
	ErrAuthentication = errors.New("authentication failed")

	// ErrPersistence marks a storage failure. After a successful provider
	// purchase it triggers the compensating cancel path.
	ErrPersistence = errors.New("persistence failure")

	// ErrNotFound marks a missing row.
	ErrNotFound = errors.New("not found")
)
