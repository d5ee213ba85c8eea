package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrDataUnavailable = errors.New("data unavailable")
	ErrStaleData       = errors.New("stale data")
	ErrInvalidWalls    = errors.New("invalid wall configuration")
	ErrInvalidPosition = errors.New("invalid position")
	ErrExecution       = errors.New("execution failed")
	ErrPersistence     = errors.New("persistence failed")
	ErrCycleInProgress = errors.New("cycle already in progress")
	ErrLockHeld        = errors.New("lock already held")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrRateLimited     = errors.New("rate limited")
	ErrPositionNotOpen = errors.New("position is not open")
	ErrReadOnly        = errors.New("read-only mode")
)
