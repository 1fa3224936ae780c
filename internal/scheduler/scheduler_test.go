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

func TestNextTickAligns(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2025, 11, 20, 10, 17, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 11, 20, 11, 0, 0, 0, time.UTC), s.nextTick(now))
	assert.Equal(t, time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC), s.bucketStart(now))

	onBoundary := time.Date(2025, 11, 20, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 11, 20, 11, 0, 0, 0, time.UTC), s.nextTick(onBoundary))
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute}, zerolog.Nop())
	now := time.Date(2025, 11, 20, 10, 17, 3, 0, time.UTC)
	assert.Equal(t, now.Add(5*time.Minute), s.nextTick(now))
	assert.Equal(t, now, s.bucketStart(now))
}

func TestRunImmediateThenCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour, Immediate: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			atomic.AddInt32(&calls, 1)
			cancel()
			return errors.New("tick errors are logged, not fatal")
		})
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestNewRejectsZeroInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}
