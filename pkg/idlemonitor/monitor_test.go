package idlemonitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingShutdown returns a shutdown.Func that records how many times
// it was invoked, so the at-most-once invariant can be asserted.
func countingShutdown(calls *atomic.Int32) func(context.Context) error {
	return func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}
}

func TestIdleShutdownFiresOnceAfterThreshold(t *testing.T) {
	var calls atomic.Int32
	m := New(20*time.Millisecond, 60*time.Millisecond, func() (int, int, bool, error) {
		return 0, 0, true, nil
	}, countingShutdown(&calls), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not exit after shutdown")
	}

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, m.State().ShutdownAttempted)
}

func TestIdleClearsOnActivity(t *testing.T) {
	var calls atomic.Int32
	busy := atomic.Bool{}
	busy.Store(true)

	m := New(10*time.Millisecond, 40*time.Millisecond, func() (int, int, bool, error) {
		if busy.Load() {
			return 1, 0, true, nil
		}
		return 0, 0, true, nil
	}, countingShutdown(&calls), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.False(t, m.State().ShutdownAttempted)

	m.Stop()
}

func TestMonitorStopIsIdempotentAndJoinsPromptly(t *testing.T) {
	m := New(5*time.Millisecond, time.Hour, func() (int, int, bool, error) {
		return 0, 0, true, nil
	}, func(ctx context.Context) error { return nil }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	m.Stop()
	m.Stop()
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestMonitorSkipsWhenServiceNotRunning(t *testing.T) {
	var calls atomic.Int32
	m := New(10*time.Millisecond, 20*time.Millisecond, func() (int, int, bool, error) {
		return 0, 0, false, nil
	}, countingShutdown(&calls), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, calls.Load())
	m.Stop()
}
