package cipher

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when a puzzle, guess or thread does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLocked is returned for submissions and votes on a puzzle that is in
	// lockdown, expired or otherwise not active.
	ErrLocked = errors.New("puzzle is locked")

	// ErrAlreadyVoted marks a rally that was not counted because the voter had
	// already rallied the same guess.
	ErrAlreadyVoted = errors.New("already rallied this guess")

	// ErrAtCapacity is returned when a new puzzle would exceed the active cap.
	ErrAtCapacity = errors.New("active puzzle limit reached")
)

// ValidationError reports input that failed shape or normalization rules.
// It is always surfaced to the caller and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// RateLimitedError reports that a participant exceeded a sliding-window limit.
type RateLimitedError struct {
	Action  string
	Limit   int
	Window  time.Duration
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: at most %d %s requests per %s, retry after %s",
		e.Limit, e.Action, e.Window, e.ResetAt.UTC().Format(time.RFC3339))
}

// RetryAfter returns the wait until the window frees a slot, never negative.
func (e *RateLimitedError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// PersistenceError wraps a failure of the backing store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsNotFound returns true if the error is ErrNotFound or a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil)
}

// IsPersistence reports whether err originated in the store.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
