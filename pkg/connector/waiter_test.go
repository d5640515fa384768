package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingWaiter(waits *int, fail error, failAfter int) Waiter {
	return WaiterFunc(func(ctx context.Context) error {
		*waits++
		if fail != nil && *waits > failAfter {
			return fail
		}
		return nil
	})
}

func TestRetry_TransparentToWouldBlock(t *testing.T) {
	for _, stalls := range []int{0, 1, 5} {
		calls, waits := 0, 0
		got, err := Retry(context.Background(), countingWaiter(&waits, nil, 0), "read", func() (string, error) {
			calls++
			if calls <= stalls {
				return "", ErrWouldBlock
			}
			return "done", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "done", got)
		assert.Equal(t, stalls+1, calls)
		assert.Equal(t, stalls, waits)
	}
}

func TestRetry_PassesThroughOperationError(t *testing.T) {
	opErr := errors.New("channel refused")
	waits := 0
	_, err := Retry(context.Background(), countingWaiter(&waits, nil, 0), "open channel", func() (int, error) {
		return 0, opErr
	})
	assert.Same(t, opErr, err)
	assert.Zero(t, waits)
}

func TestRetry_InterruptedWaitIsRetried(t *testing.T) {
	calls, waits := 0, 0
	w := WaiterFunc(func(ctx context.Context) error {
		waits++
		return ErrInterrupted
	})
	err := RetryErr(context.Background(), w, "exec", func() error {
		calls++
		if calls < 3 {
			return ErrWouldBlock
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, waits)
}

func TestRetry_WaitFailureIsFinal(t *testing.T) {
	waitErr := errors.New("poll failed")
	waits := 0
	calls := 0
	_, err := Retry(context.Background(), countingWaiter(&waits, waitErr, 2), "read", func() (int, error) {
		calls++
		return 0, ErrWouldBlock
	})
	require.Error(t, err)

	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "read", pe.Op)
	assert.Equal(t, ExitStatusUnavailable, pe.ExitStatus)
	assert.ErrorIs(t, err, waitErr)
	assert.Equal(t, 3, waits)
	assert.Equal(t, 3, calls)
}

func TestRetry_ContextCancellationSurfacesAsWaitFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ft := &FakeTransport{}
	_, err := Retry(ctx, ft, "open channel", func() (Channel, error) {
		return nil, ErrWouldBlock
	})
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.ErrorIs(t, err, context.Canceled)
}
