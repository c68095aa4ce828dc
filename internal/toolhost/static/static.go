// Package static implements toolhost.Host as a fixed, in-process tool
// catalog, used in tests and single-process deployments where the engine
// hosts its own tools rather than calling out to a sidecar.
package static

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sablecore/aegis/internal/toolhost"
)

// Func is a single tool's execution body.
type Func func(ctx context.Context, params json.RawMessage) (*toolhost.Result, error)

// entry pairs a descriptor with its execution function.
type entry struct {
	descriptor toolhost.Descriptor
	fn         Func
}

// Host is a toolhost.Host backed by an in-memory map, registered at
// construction time or incrementally via Register.
type Host struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an empty static Host.
func New() *Host {
	return &Host{entries: make(map[string]entry)}
}

// Register adds or replaces a tool in the catalog.
func (h *Host) Register(descriptor toolhost.Descriptor, fn Func) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[descriptor.Name] = entry{descriptor: descriptor, fn: fn}
}

// Unregister removes a tool from the catalog.
func (h *Host) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, name)
}

// ListTools returns the current catalog snapshot.
func (h *Host) ListTools(ctx context.Context) ([]toolhost.Descriptor, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]toolhost.Descriptor, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, e.descriptor)
	}
	return out, nil
}

// Execute runs the named tool, or returns *toolhost.ErrNotFound if absent.
func (h *Host) Execute(ctx context.Context, name string, params json.RawMessage) (*toolhost.Result, error) {
	h.mu.RLock()
	e, ok := h.entries[name]
	h.mu.RUnlock()
	if !ok {
		return nil, &toolhost.ErrNotFound{Name: name}
	}
	return e.fn(ctx, params)
}
