package connector

import (
	"context"
	"errors"
	"fmt"
)

// Retry runs op until it returns anything other than ErrWouldBlock. Between
// attempts it suspends on w. An interrupted wait is retried; any other wait
// failure ends the loop with a ProtocolError for op. Errors returned by op
// itself are passed through unchanged.
func Retry[T any](ctx context.Context, w Waiter, op string, fn func() (T, error)) (T, error) {
	for {
		v, err := fn()
		if !errors.Is(err, ErrWouldBlock) {
			return v, err
		}
		if werr := w.Wait(ctx); werr != nil && !errors.Is(werr, ErrInterrupted) {
			var zero T
			return zero, &ProtocolError{
				Op:         op,
				Err:        fmt.Errorf("unable to wait on transport: %w", werr),
				ExitStatus: ExitStatusUnavailable,
			}
		}
	}
}

// RetryErr is Retry for operations without a result value.
func RetryErr(ctx context.Context, w Waiter, op string, fn func() error) error {
	_, err := Retry(ctx, w, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// WaiterFunc adapts a function to Waiter.
type WaiterFunc func(ctx context.Context) error

func (f WaiterFunc) Wait(ctx context.Context) error { return f(ctx) }
