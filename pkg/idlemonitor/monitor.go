// Package idlemonitor implements the background watcher that samples
// worker-pool load and triggers an external host shutdown after
// sustained idleness: a ticker plus a one-shot event channel that lets
// callers end the loop early.
package idlemonitor

import (
	"context"
	"sync"
	"time"

	"github.com/moondream/station/pkg/logging"
	"github.com/moondream/station/pkg/shutdown"
)

// maxConsecutiveErrors bounds how many back-to-back stats-read failures
// the monitor tolerates before giving up.
const maxConsecutiveErrors = 5

// stopJoinTimeout bounds how long Stop waits for the run loop to exit.
const stopJoinTimeout = 5 * time.Second

// StatsFunc reads the current pool load. running is false when no
// Inference Service is bound; the monitor then simply skips the tick
// rather than treating it as an error, since a never-started service is
// not "idle," it's absent.
type StatsFunc func() (queueSize, processing int, running bool, err error)

// State is the monitor's observable state: enabled flag, check interval,
// idle threshold, first-idle timestamp, and the one-shot
// shutdown-attempted flag.
type State struct {
	Enabled           bool
	CheckInterval     time.Duration
	IdleThreshold     time.Duration
	FirstIdle         time.Time
	ShutdownAttempted bool
}

// Monitor runs the idle-shutdown loop. It holds only a StatsFunc value,
// never a direct reference to the Inference Service, so it survives the
// absence of an active service (statsFn simply reports running=false).
type Monitor struct {
	checkInterval time.Duration
	idleThreshold time.Duration
	statsFn       StatsFunc
	hostShutdown  shutdown.Func
	log           logging.Logger

	mu                sync.Mutex
	firstIdle         time.Time
	idleSet           bool
	consecutiveErrors int
	shutdownAttempted bool

	shutdownEvent chan struct{}
	eventOnce     sync.Once
	done          chan struct{}
}

// New constructs a Monitor. checkInterval is how often stats are
// sampled; idleThreshold is how long the pool must stay idle before
// hostShutdown fires.
func New(checkInterval, idleThreshold time.Duration, statsFn StatsFunc, hostShutdown shutdown.Func, log logging.Logger) *Monitor {
	return &Monitor{
		checkInterval: checkInterval,
		idleThreshold: idleThreshold,
		statsFn:       statsFn,
		hostShutdown:  hostShutdown,
		log:           log,
		shutdownEvent: make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Run drives the idle-check loop until ctx is cancelled, Stop is called,
// or a shutdown is attempted. It blocks the calling goroutine; callers
// should invoke it with `go monitor.Run(ctx)`.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdownEvent:
			return
		case <-ticker.C:
			if m.tick(ctx) {
				return
			}
		}
	}
}

// tick performs one evaluation, returning true if the loop should exit
// (a shutdown was attempted, or the consecutive-error bound was hit).
func (m *Monitor) tick(ctx context.Context) bool {
	m.mu.Lock()
	if m.shutdownAttempted {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	queueSize, processing, running, err := m.statsFn()
	if err != nil {
		m.mu.Lock()
		m.consecutiveErrors++
		exceeded := m.consecutiveErrors > maxConsecutiveErrors
		m.mu.Unlock()
		if m.log != nil {
			m.log.Warn("idlemonitor: stats read failed", "error", err)
		}
		return exceeded
	}

	m.mu.Lock()
	m.consecutiveErrors = 0
	m.mu.Unlock()

	if !running {
		m.clearIdle()
		return false
	}

	if queueSize == 0 && processing == 0 {
		return m.observeIdle(ctx)
	}

	m.clearIdle()
	return false
}

// observeIdle records/advances the idle window and fires HostShutdown
// once idleDuration crosses the threshold.
func (m *Monitor) observeIdle(ctx context.Context) bool {
	m.mu.Lock()
	if !m.idleSet {
		m.idleSet = true
		m.firstIdle = time.Now()
		m.mu.Unlock()
		return false
	}
	idleDuration := time.Since(m.firstIdle)
	if idleDuration < m.idleThreshold {
		m.mu.Unlock()
		return false
	}
	m.shutdownAttempted = true
	m.mu.Unlock()

	if m.log != nil {
		m.log.Info("idlemonitor: idle threshold reached, invoking host shutdown", "idle_duration", idleDuration)
	}
	if err := m.hostShutdown(ctx); err != nil && m.log != nil {
		m.log.Warn("idlemonitor: host shutdown command failed", "error", err)
	}
	return true
}

func (m *Monitor) clearIdle() {
	m.mu.Lock()
	m.idleSet = false
	m.firstIdle = time.Time{}
	m.mu.Unlock()
}

// State returns a consistent snapshot of the monitor's observable state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Enabled:           true,
		CheckInterval:     m.checkInterval,
		IdleThreshold:     m.idleThreshold,
		FirstIdle:         m.firstIdle,
		ShutdownAttempted: m.shutdownAttempted,
	}
}

// Stop signals the run loop to exit and waits up to stopJoinTimeout for
// it to do so. Stop is idempotent: repeated calls only close the event
// channel once.
func (m *Monitor) Stop() {
	m.eventOnce.Do(func() { close(m.shutdownEvent) })
	select {
	case <-m.done:
	case <-time.After(stopJoinTimeout):
	}
}
