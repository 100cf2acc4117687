package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means the locator does not exist or is permanently unavailable.
	ErrNotFound = errors.New("not found")
	// ErrUnknownSource is returned for a source tag with no registered adapter.
	ErrUnknownSource = errors.New("unknown source")
)

// TransientError wraps failures worth one retry: network errors, 5xx, 429
// and per-call timeouts.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedError reports content whose shape did not match what the locator
// promises, such as an HTML page where a diff was expected.
type MalformedError struct {
	Op     string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: malformed response: %s", e.Op, e.Reason)
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsMalformed reports whether err is a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

// SleepFunc waits for d, returning early with the context error on cancellation.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry calls fn, and calls it once more after delay if the first error was
// transient. retried reports whether the second attempt happened.
func Retry[T any](ctx context.Context, delay time.Duration, sleep SleepFunc, fn func(context.Context) (T, error)) (v T, retried bool, err error) {
	v, err = fn(ctx)
	if err == nil || !IsTransient(err) {
		return v, false, err
	}
	if sleep == nil {
		sleep = Sleep
	}
	if serr := sleep(ctx, delay); serr != nil {
		return v, false, serr
	}
	v, err = fn(ctx)
	return v, true, err
}
