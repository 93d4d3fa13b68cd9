// Package service binds a manifest-resolved model to a pool of
// exclusively-owned backend handles and exposes a single Execute entry
// point for capability calls.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moondream/station/pkg/backend"
	"github.com/moondream/station/pkg/capability"
	"github.com/moondream/station/pkg/logging"
	"github.com/moondream/station/pkg/manifest"
	"github.com/moondream/station/pkg/pool"
)

var (
	// ErrAlreadyRunning is returned by Start when a model is already bound.
	ErrAlreadyRunning = errors.New("service: already running")

	// ErrNotRunning is returned by Execute when no model is bound.
	ErrNotRunning = errors.New("service: not running")

	// ErrUnknownModel is returned by Start when modelID isn't in the manifest.
	ErrUnknownModel = errors.New("service: unknown model")
)

// Stats describes the service's current binding plus the pool load
// underneath it.
type Stats struct {
	Running bool
	Model   string
	Pool    pool.Stats
}

// Service owns the worker pool and every backend handle behind the
// currently bound model. Only one model may be bound at a time.
type Service struct {
	manifestStore  *manifest.Store
	loader         *backend.Loader
	workers        int
	maxQueueSize   int
	defaultTimeout time.Duration
	log            logging.Logger

	mu      sync.RWMutex
	running bool
	model   string
	handles []*backend.Handle
	p       *pool.Pool
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithLogger attaches a logger passed through to the pool created on each
// Start, so its per-worker panic-recovery diagnostics are tagged and routed
// the same way the rest of the control plane's logging is.
func WithLogger(log logging.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New constructs a Service bound to no model. workers, maxQueueSize, and
// defaultTimeout configure the pool created on each Start.
func New(manifestStore *manifest.Store, loader *backend.Loader, workers, maxQueueSize int, defaultTimeout time.Duration, opts ...Option) *Service {
	s := &Service{
		manifestStore:  manifestStore,
		loader:         loader,
		workers:        workers,
		maxQueueSize:   maxQueueSize,
		defaultTimeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start resolves modelID against the manifest, ensures its backend is
// downloaded and its requirements are satisfied, constructs one handle
// per worker, and starts the pool. Start fails if a model is already
// bound; call Stop first to switch models.
func (s *Service) Start(ctx context.Context, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	models := s.manifestStore.GetModels()
	model, ok := models[modelID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}

	backends := s.manifestStore.GetBackends()
	backendInfo, ok := backends[model.Backend]
	if !ok {
		return fmt.Errorf("service: model %q references unknown backend %q", modelID, model.Backend)
	}

	if err := s.loader.Ensure(ctx, model.Backend, backendInfo); err != nil {
		return err
	}

	handles := make([]*backend.Handle, s.workers)
	for i := 0; i < s.workers; i++ {
		h, err := s.loader.Load(ctx, model.Backend, backendInfo, i, model.Args)
		if err != nil {
			closeHandles(handles[:i])
			return err
		}
		handles[i] = h
	}

	var poolOpts []pool.Option
	if s.log != nil {
		poolOpts = append(poolOpts, pool.WithLogger(s.log))
	}
	p, err := pool.New(s.workers, s.maxQueueSize, s.defaultTimeout, func(i int) (pool.Worker, error) {
		return &handleWorker{handle: handles[i]}, nil
	}, poolOpts...)
	if err != nil {
		closeHandles(handles)
		return err
	}

	s.handles = handles
	s.p = p
	s.model = modelID
	s.running = true
	return nil
}

// Stop shuts down the pool, releases every backend handle, and clears
// the bound model. Stop on an already-stopped Service is a no-op.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	err := s.p.Shutdown()
	closeHandles(s.handles)

	s.handles = nil
	s.p = nil
	s.model = ""
	s.running = false
	return err
}

// IsRunning reports whether a model is currently bound.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Model returns the currently bound model id, or "" if none.
func (s *Service) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// Execute dispatches a capability call to the pool. It fails fast with
// ErrNotRunning if no model is bound, with ErrUnsupportedCapability if
// function isn't in the bound backend's advertised capability set, and
// with a capability validation error if args don't fit the function's
// argument schema, before ever touching the queue.
func (s *Service) Execute(ctx context.Context, function string, args map[string]any, timeout time.Duration) (map[string]any, error) {
	s.mu.RLock()
	if !s.running {
		s.mu.RUnlock()
		return nil, ErrNotRunning
	}
	p := s.p
	handles := s.handles
	s.mu.RUnlock()

	name := capability.Name(function)
	if len(handles) > 0 {
		supported := false
		for _, fn := range handles[0].Functions() {
			if fn == name {
				supported = true
				break
			}
		}
		if !supported {
			return nil, fmt.Errorf("%w: %q", backend.ErrUnsupportedCapability, function)
		}
	}
	if err := capability.ValidateArgs(name, args); err != nil {
		return nil, err
	}

	return p.Submit(ctx, function, args, timeout), nil
}

// Stats returns the service's current binding state plus pool load.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{Running: s.running, Model: s.model}
	if s.running {
		stats.Pool = s.p.Stats()
	}
	return stats
}

func closeHandles(handles []*backend.Handle) {
	for _, h := range handles {
		if h != nil {
			_ = h.Close()
		}
	}
}

// handleWorker adapts a *backend.Handle to pool.Worker.
type handleWorker struct {
	handle *backend.Handle
}

func (w *handleWorker) Call(ctx context.Context, function string, args map[string]any) (map[string]any, error) {
	return w.handle.Invoke(ctx, capability.Name(function), args)
}
