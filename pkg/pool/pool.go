// Package pool implements the bounded FIFO worker pool that fans
// inference requests out across a fixed number of exclusively-owned
// backend handles.
package pool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/moondream/station/pkg/logging"
)

// Worker executes one capability call against the handle it exclusively
// owns. Implementations must not be shared across workers.
type Worker interface {
	Call(ctx context.Context, function string, args map[string]any) (map[string]any, error)
}

// job is one queued unit of work: a function call plus the future its
// result (or rejection/timeout/error envelope) is delivered on.
type job struct {
	ctx      context.Context
	function string
	args     map[string]any
	future   chan map[string]any
}

// Stats is a snapshot of the pool's current load.
type Stats struct {
	Workers        int
	QueueSize      int
	MaxQueueSize   int
	Processing     int
	Timeouts       int64
	DefaultTimeout time.Duration
}

// Pool is a bounded FIFO worker pool: N workers, each exclusively
// owning one Worker, pulling jobs off a fixed-capacity queue in
// submission order. Submit never blocks on a full queue; it rejects
// immediately, but does block the caller (up to a timeout) waiting for
// its own job's result.
type Pool struct {
	queue          chan *job
	maxQueueSize   int
	defaultTimeout time.Duration

	workers int
	group   *errgroup.Group
	stop    chan struct{}
	stopped atomic.Bool
	log     logging.Logger

	processing atomic.Int64
	timeouts   atomic.Int64
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithLogger attaches a logger used for worker lifecycle and panic-recovery
// diagnostics. Each worker's lines are tagged with its index via
// logging.ForWorker so concurrent workers' output can be told apart.
func WithLogger(log logging.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// New starts a Pool with the given number of workers, each driven by
// the Worker returned by newWorker(workerIndex). The queue holds up to
// maxQueueSize pending jobs beyond whatever the workers are actively
// processing. defaultTimeout applies to Submit calls that don't specify
// their own.
func New(workers, maxQueueSize int, defaultTimeout time.Duration, newWorker func(workerIndex int) (Worker, error), opts ...Option) (*Pool, error) {
	if workers < 1 {
		return nil, fmt.Errorf("pool: workers must be >= 1, got %d", workers)
	}
	if maxQueueSize < 0 {
		return nil, fmt.Errorf("pool: maxQueueSize must be >= 0, got %d", maxQueueSize)
	}

	p := &Pool{
		queue:          make(chan *job, maxQueueSize),
		maxQueueSize:   maxQueueSize,
		defaultTimeout: defaultTimeout,
		workers:        workers,
		stop:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	group := &errgroup.Group{}
	for i := 0; i < workers; i++ {
		workerIndex := i
		w, err := newWorker(workerIndex)
		if err != nil {
			close(p.stop)
			return nil, fmt.Errorf("pool: starting worker %d: %w", workerIndex, err)
		}
		group.Go(func() error {
			p.run(workerIndex, w)
			return nil
		})
	}
	p.group = group

	return p, nil
}

func (p *Pool) run(workerIndex int, w Worker) {
	for {
		select {
		case <-p.stop:
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(workerIndex, w, j)
		}
	}
}

func (p *Pool) process(workerIndex int, w Worker, j *job) {
	p.processing.Add(1)
	defer p.processing.Add(-1)

	result := func() (result map[string]any) {
		defer func() {
			if r := recover(); r != nil {
				if p.log != nil {
					logging.ForWorker(p.log, workerIndex).Error("recovered from capability panic", "function", j.function, "panic", r)
				}
				result = errorEnvelope(fmt.Sprintf("panic: %v", r))
			}
		}()
		value, err := w.Call(j.ctx, j.function, j.args)
		if err != nil {
			return errorEnvelope(err.Error())
		}
		if value == nil {
			return map[string]any{}
		}
		return value
	}()

	// Deliver exactly once. The future is buffered (capacity 1), so this
	// never blocks even if Submit's waiter already gave up on timeout.
	select {
	case j.future <- result:
	default:
	}
}

// Submit enqueues a call to function with args. If timeout is zero, the
// pool's default timeout applies. Submit returns immediately with a
// rejected envelope if the queue is full; otherwise it blocks until the
// job completes or timeout elapses, whichever comes first.
func (p *Pool) Submit(ctx context.Context, function string, args map[string]any, timeout time.Duration) map[string]any {
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}

	if p.stopped.Load() {
		return rejectedEnvelope("pool is shut down")
	}

	j := &job{ctx: ctx, function: function, args: args, future: make(chan map[string]any, 1)}

	select {
	case p.queue <- j:
	default:
		return rejectedEnvelope("queue is full")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-j.future:
		return result
	case <-timer.C:
		p.timeouts.Add(1)
		return timeoutEnvelope()
	case <-ctx.Done():
		return errorEnvelope(ctx.Err().Error())
	}
}

// Stats returns a snapshot of the pool's current load.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:        p.workers,
		QueueSize:      len(p.queue),
		MaxQueueSize:   p.maxQueueSize,
		Processing:     int(p.processing.Load()),
		Timeouts:       p.timeouts.Load(),
		DefaultTimeout: p.defaultTimeout,
	}
}

// Shutdown stops accepting new jobs and signals workers to stop once
// they finish any job currently in flight; it waits (up to the
// errgroup's natural completion) for all worker goroutines to exit.
func (p *Pool) Shutdown() error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stop)
	return p.group.Wait()
}

func errorEnvelope(msg string) map[string]any {
	return map[string]any{"error": msg, "status": "error"}
}

func rejectedEnvelope(msg string) map[string]any {
	return map[string]any{"error": msg, "status": "rejected"}
}

func timeoutEnvelope() map[string]any {
	return map[string]any{"error": "request timeout", "status": "timeout"}
}
