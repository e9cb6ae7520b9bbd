package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrLockHeld          = errors.New("lock already held")
	ErrAlreadyClosed     = errors.New("position already closed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrVenueDisabled     = errors.New("venue disabled")
	ErrNoVenue           = errors.New("no venue serves strategy")
	ErrNotReplayable     = errors.New("approval is not replayable")
	ErrPaused            = errors.New("agent paused")
	ErrUnknownDecision   = errors.New("unknown decision type")
	ErrInvalidParams     = errors.New("invalid decision params")

	// ErrTransient marks venue failures worth retrying (timeouts, rate
	// limits, dropped connections).
	ErrTransient = errors.New("transient venue error")
	// ErrTerminal marks venue rejections that must never be retried
	// (insufficient funds, invalid order, market closed).
	ErrTerminal = errors.New("terminal venue error")
)
