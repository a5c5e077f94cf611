// Package orchestrator owns the recognition engines: guarded
// initialization with backoff, error classification and recovery,
// live performance tracking, and selection/failover between engines.
package orchestrator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/normanking/cortexvoice/internal/stt"
)

var (
	ErrEngineRegistered  = errors.New("engine already registered")
	ErrEngineUnknown     = errors.New("engine not registered")
	ErrNoEngineAvailable = errors.New("no engine available for criteria")
)

// EngineState is the lifecycle state of a registered engine.
type EngineState string

const (
	StateUninitialized EngineState = "uninitialized"
	StateInitializing  EngineState = "initializing"
	StateReady         EngineState = "ready"
	StateDegraded      EngineState = "degraded"
	StateFailed        EngineState = "failed"
	StateDestroyed     EngineState = "destroyed"
)

// Warm reports whether the engine has completed initialization and can
// start listening without paying the startup cost again.
func (s EngineState) Warm() bool {
	return s == StateReady || s == StateDegraded
}

// EngineHandle pairs an adapter with its configuration and runtime state.
// State moves only through the synchronized accessors.
type EngineHandle struct {
	Adapter  stt.EngineAdapter
	Config   stt.EngineConfig
	Priority int

	mu        sync.RWMutex
	state     EngineState
	lastError error
}

// ID returns the adapter identifier
func (h *EngineHandle) ID() string {
	return h.Adapter.ID()
}

// State returns the current lifecycle state
func (h *EngineHandle) State() EngineState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// SetState transitions the lifecycle state
func (h *EngineHandle) SetState(state EngineState) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}

// LastError returns the most recent initialization or runtime failure
func (h *EngineHandle) LastError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastError
}

func (h *EngineHandle) setLastError(err error) {
	h.mu.Lock()
	h.lastError = err
	h.mu.Unlock()
}

// Registry holds the registered engines in registration order.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*EngineHandle
	order   []string
}

// NewRegistry creates an empty engine registry
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]*EngineHandle),
	}
}

// RegisterOption customizes a registration.
type RegisterOption func(*EngineHandle)

// WithPriority sets the declared selection priority (higher wins)
func WithPriority(priority int) RegisterOption {
	return func(h *EngineHandle) {
		h.Priority = priority
	}
}

// Register adds an engine. The adapter is not initialized here; the
// coordinator does that on first selection.
func (r *Registry) Register(adapter stt.EngineAdapter, cfg stt.EngineConfig, opts ...RegisterOption) (*EngineHandle, error) {
	id := adapter.ID()
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrEngineUnknown)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrEngineRegistered, id)
	}

	handle := &EngineHandle{
		Adapter: adapter,
		Config:  cfg,
		state:   StateUninitialized,
	}
	for _, opt := range opts {
		opt(handle)
	}

	r.handles[id] = handle
	r.order = append(r.order, id)
	return handle, nil
}

// Get returns the handle for an engine id
func (r *Registry) Get(id string) (*EngineHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handle, ok := r.handles[id]
	return handle, ok
}

// Handles returns all handles in registration order
func (r *Registry) Handles() []*EngineHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*EngineHandle, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.handles[id])
	}
	return out
}

// IDs returns the registered engine ids in registration order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered engines
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
