package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	delay   time.Duration
	calls   *[]string
	mu      *sync.Mutex
	failing bool
}

func (w *fakeWorker) Call(ctx context.Context, function string, args map[string]any) (map[string]any, error) {
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	w.mu.Lock()
	*w.calls = append(*w.calls, function)
	w.mu.Unlock()
	if w.failing {
		return nil, errFailing
	}
	return map[string]any{"echo": function}, nil
}

var errFailing = &testError{"worker failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func newTestPool(t *testing.T, workers, queueSize int, defaultTimeout time.Duration, delay time.Duration) (*Pool, *[]string) {
	t.Helper()
	var calls []string
	var mu sync.Mutex
	p, err := New(workers, queueSize, defaultTimeout, func(i int) (Worker, error) {
		return &fakeWorker{delay: delay, calls: &calls, mu: &mu}, nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown() })
	return p, &calls
}

func TestSubmitReturnsResult(t *testing.T) {
	p, _ := newTestPool(t, 1, 4, time.Second, 0)
	result := p.Submit(context.Background(), "caption", map[string]any{}, 0)
	require.Equal(t, "caption", result["echo"])
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	p, _ := newTestPool(t, 1, 0, time.Second, 50*time.Millisecond)

	// With a zero-capacity queue a job is accepted only while a worker is
	// waiting to receive it, so let the worker goroutine start first.
	time.Sleep(5 * time.Millisecond)
	go p.Submit(context.Background(), "first", nil, time.Second)
	time.Sleep(5 * time.Millisecond) // let the first job occupy the sole worker

	start := time.Now()
	result := p.Submit(context.Background(), "second", nil, time.Second)
	elapsed := time.Since(start)

	require.Equal(t, "rejected", result["status"])
	require.Less(t, elapsed, 10*time.Millisecond, "rejection on a full queue must be near-instant")
}

func TestSubmitTimesOut(t *testing.T) {
	p, _ := newTestPool(t, 1, 4, time.Second, 100*time.Millisecond)
	result := p.Submit(context.Background(), "slow", nil, 10*time.Millisecond)
	require.Equal(t, "timeout", result["status"])
}

func TestSubmitErrorEnvelopeOnWorkerFailure(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	p, err := New(1, 4, time.Second, func(i int) (Worker, error) {
		return &fakeWorker{calls: &calls, mu: &mu, failing: true}, nil
	})
	require.NoError(t, err)
	defer p.Shutdown()

	result := p.Submit(context.Background(), "boom", nil, time.Second)
	require.Equal(t, "error", result["status"])
	require.Equal(t, "worker failed", result["error"])
}

func TestFIFOOrdering(t *testing.T) {
	p, calls := newTestPool(t, 1, 8, time.Second, 10*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		fn := []string{"a", "b", "c", "d", "e"}[i]
		go func(fn string) {
			defer wg.Done()
			p.Submit(context.Background(), fn, nil, time.Second)
		}(fn)
		time.Sleep(time.Millisecond) // preserve submission order
	}
	wg.Wait()

	require.Equal(t, []string{"a", "b", "c", "d", "e"}, *calls)
}

func TestStatsReflectsConfiguration(t *testing.T) {
	p, _ := newTestPool(t, 3, 7, 2*time.Second, 0)
	stats := p.Stats()
	require.Equal(t, 3, stats.Workers)
	require.Equal(t, 7, stats.MaxQueueSize)
	require.Equal(t, 2*time.Second, stats.DefaultTimeout)
}

func TestShutdownIsIdempotentAndStopsAcceptingWork(t *testing.T) {
	p, _ := newTestPool(t, 1, 4, time.Second, 0)
	require.NoError(t, p.Shutdown())
	require.NoError(t, p.Shutdown())

	result := p.Submit(context.Background(), "late", nil, time.Second)
	require.Equal(t, "rejected", result["status"])
}
