// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
		require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
		require.Equal(400*time.Millisecond, Delay(baseDelay, maxDelay, 0, 2))
		require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))
	})

	t.Run("jitter range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, 0.2, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

// mockNetError implements net.Error for testing
type mockNetError struct {
	timeout bool
	msg     string
}

func (e *mockNetError) Error() string   { return e.msg }
func (e *mockNetError) Timeout() bool   { return e.timeout }
func (e *mockNetError) Temporary() bool { return false }

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	require.False(IsTransientError(nil))
	require.True(IsTransientError(errors.New("dial tcp 127.0.0.1:5001: connect: connection refused")))
	require.True(IsTransientError(errors.New("read: connection reset by peer")))
	require.True(IsTransientError(io.ErrUnexpectedEOF))
	require.True(IsTransientError(&mockNetError{timeout: true, msg: "operation timed out"}))
	require.False(IsTransientError(&mockNetError{msg: "permanent failure"}))
	require.False(IsTransientError(errors.New("authentication failed")))
}

func TestDo(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		n := 0
		err := Do(context.Background(), p, func() error {
			n++
			if n < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, n)
	})

	t.Run("gives up", func(t *testing.T) {
		n := 0
		err := Do(context.Background(), p, func() error {
			n++
			return errors.New("connection refused")
		})
		require.Error(t, err)
		require.Equal(t, 3, n)
	})

	t.Run("permanent error", func(t *testing.T) {
		n := 0
		perm := errors.New("unsupported scheme")
		err := Do(context.Background(), p, func() error {
			n++
			return perm
		})
		require.ErrorIs(t, err, perm)
		require.Equal(t, 1, n)
	})

	t.Run("context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Do(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}, func() error {
			return errors.New("connection refused")
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}
