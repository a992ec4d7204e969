package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zen-systems/arbiter/pkg/registry"
)

// Dispatcher sends a task payload to a worker backend and returns the
// raw response. Worker internals are opaque to the core; this is the
// RPC boundary.
type Dispatcher interface {
	// Name returns the backend identifier.
	Name() string

	// Dispatch executes the payload on the named worker model. The
	// context carries the task deadline.
	Dispatch(ctx context.Context, model string, payload string) (string, error)
}

// Pool routes dispatches to provider backends by agent profile.
type Pool struct {
	mu       sync.RWMutex
	backends map[string]Dispatcher
}

// NewPool creates a dispatcher pool.
func NewPool() *Pool {
	return &Pool{backends: make(map[string]Dispatcher)}
}

// Register adds a backend under its provider name.
func (p *Pool) Register(d Dispatcher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backends[d.Name()] = d
}

// Get returns a backend by provider name.
func (p *Pool) Get(name string) (Dispatcher, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.backends[name]
	return d, ok
}

// Dispatch sends the payload to the agent's backend under the deadline.
func (p *Pool) Dispatch(ctx context.Context, agent registry.AgentProfile, payload string, deadline time.Time) (string, error) {
	d, ok := p.Get(agent.Provider)
	if !ok {
		return "", &DispatchError{Err: fmt.Errorf("no backend for provider %q (agent %s)", agent.Provider, agent.ID)}
	}

	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	return d.Dispatch(dctx, agent.Model, payload)
}
