package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRecoversPanicsAndKeepsTicking(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	s := New(Options{Name: "test", Interval: 5 * time.Millisecond, RunImmediately: true}, zerolog.Nop())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			n := calls.Add(1)
			if n == 1 {
				panic("boom")
			}
			if n == 2 {
				return errors.New("tick failed")
			}
			if n >= 4 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(4))
}

func TestInFlightTickSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(Options{Interval: time.Hour, RunImmediately: true}, zerolog.Nop())

	var tickErr atomic.Value
	err := s.Run(ctx, func(tickCtx context.Context, _ time.Time) error {
		cancel()
		select {
		case <-tickCtx.Done():
			tickErr.Store(tickCtx.Err())
		case <-time.After(10 * time.Millisecond):
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, tickErr.Load())
}

func TestCancelledBeforeStartupDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	err := New(Options{Interval: time.Millisecond, StartupDelay: time.Second, RunImmediately: true}, zerolog.Nop()).
		Run(ctx, func(context.Context, time.Time) error { calls.Add(1); return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls.Load())
}

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2026, 10, 17, 12, 0, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 17, 12, 1, 0, 0, time.UTC), s.nextTick(now))
	assert.Equal(t, time.Date(2026, 10, 17, 12, 1, 0, 0, time.UTC), s.tickStart(time.Date(2026, 10, 17, 12, 1, 0, 5, time.UTC)))
}
