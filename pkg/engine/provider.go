package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/alphred/engine/pkg/models"
)

// Provider invokes an external agent (codex, claude, a human-in-the-loop
// adapter, a tool runner) with a composed prompt and yields a lazy, finite
// event stream. Adapters are responsible for their own auth bootstrap, binary
// discovery, and working directory; this package only consumes the
// normalized event shape.
type Provider interface {
	Run(ctx context.Context, prompt string, options map[string]any) (events <-chan models.ProviderEvent, errs <-chan error)
}

// ProviderFunc adapts a plain function to the Provider interface, mirroring
// the teacher's ExecutorFunc adapter.
type ProviderFunc func(ctx context.Context, prompt string, options map[string]any) (<-chan models.ProviderEvent, <-chan error)

// Run implements Provider.
func (f ProviderFunc) Run(ctx context.Context, prompt string, options map[string]any) (<-chan models.ProviderEvent, <-chan error) {
	return f(ctx, prompt, options)
}

// ProviderRegistry resolves a provider name to a Provider, generalizing the
// teacher's executor Registry (sync.RWMutex-guarded map) to Alphred's
// resolveProvider(name) contract.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register adds or replaces the Provider for name.
func (r *ProviderRegistry) Register(name string, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = provider
}

// Unregister removes the Provider registered under name, if any.
func (r *ProviderRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
}

// Resolve returns the Provider registered under name, wrapping
// models.ErrUnknownAgentProvider when none is registered.
func (r *ProviderRegistry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownAgentProvider, name)
	}
	return p, nil
}

// Has reports whether name is registered.
func (r *ProviderRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// List returns the names of every registered provider.
func (r *ProviderRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
