package shutdown

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutError is returned when a hook exceeds its timeout.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("shutdown operation %q timed out after %v", e.Operation, e.Timeout)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// PanicError is returned when a hook panics.
type PanicError struct {
	Operation string
	Value     any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("shutdown operation %q panicked: %v", e.Operation, e.Value)
}

// IsPanic reports whether err is a PanicError.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// runHook executes fn with a timeout and panic recovery.
func runHook(ctx context.Context, timeout time.Duration, name string, fn HookFunc) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &PanicError{Operation: name, Value: r}
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Operation: name, Timeout: timeout}
		}
		return ctx.Err()
	}
}
