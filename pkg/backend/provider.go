// Package backend resolves manifest-declared backends into running
// capability providers: downloading/extracting backend bundles,
// provisioning their Python requirements, and instantiating one
// provider per worker through a registered factory.
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/moondream/station/pkg/capability"
	"github.com/moondream/station/pkg/manifest"
)

// Provider is a capability provider: one running instance of a backend,
// exclusively owned by a single worker. Call dispatches a capability
// invocation and returns its result map; any value of that map may be a
// capability.Sequence. The gateway streams the first one it finds when
// the request asked to stream, and otherwise collapses each to its first
// chunk. The request's "stream" flag is not passed to Call.
type Provider interface {
	Capabilities() []capability.Name
	Call(ctx context.Context, name capability.Name, args map[string]any) (map[string]any, error)
	Close() error
}

// ProviderFactory constructs a new Provider instance for one worker.
// workerID is a stable, zero-based index identifying which worker the
// instance is bound to.
type ProviderFactory func(ctx context.Context, dir string, workerID int, modelArgs map[string]any) (Provider, error)

// registry maps a backend's EntryModule name to the factory that knows
// how to construct it.
var (
	registryMu sync.RWMutex
	registry   = map[string]ProviderFactory{}
)

// Register adds factory under entryModule. Intended to be called from
// backend-specific init() functions, resolving backend id -> entry
// module -> constructible code the same way at registration time.
func Register(entryModule string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[entryModule] = factory
}

func lookupFactory(entryModule string) (ProviderFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[entryModule]
	return f, ok
}

// RegisteredEntryModules returns the names of every registered factory,
// sorted, for diagnostics.
func RegisteredEntryModules() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle binds one live Provider instance to the manifest's declared
// capability set for that backend, restricting Invoke to the advertised
// functions the manifest declares support for, even if the concrete
// Provider implements more.
type Handle struct {
	Descriptor manifest.BackendInfo
	WorkerID   int
	provider   Provider
	functions  map[capability.Name]bool
}

// Invoke validates name against the backend's declared + implemented
// capability intersection and dispatches to the underlying provider.
func (h *Handle) Invoke(ctx context.Context, name capability.Name, args map[string]any) (map[string]any, error) {
	if !h.functions[name] {
		return nil, fmt.Errorf("%w: backend %q does not support %q", ErrUnsupportedCapability, h.Descriptor.Name, name)
	}
	if err := capability.ValidateArgs(name, args); err != nil {
		return nil, err
	}
	return h.provider.Call(ctx, name, args)
}

// Close releases the underlying provider's resources.
func (h *Handle) Close() error {
	return h.provider.Close()
}

// Functions returns the capability names this handle will serve,
// sorted for stable presentation.
func (h *Handle) Functions() []capability.Name {
	names := make([]capability.Name, 0, len(h.functions))
	for name := range h.functions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
