package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited rejects an operation that exceeded a sliding-window
	// limit. The connection stays open.
	ErrRateLimited = errors.New("rate limited")
	// ErrNotAuthenticated rejects application messages on a connection
	// that has not bound a principal yet.
	ErrNotAuthenticated = errors.New("connection not authenticated")
)

// RateLimitError carries the retry-after hint returned to clients.
type RateLimitError struct {
	Scope      string // "ip", "principal" or "connection"
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Scope, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
