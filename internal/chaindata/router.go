package chaindata

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/leafsii/leafsii-intents/internal/verify"
)

// Router dispatches fact queries to the provider registered for the query's
// chain. It is safe for concurrent use.
type Router struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRouter() *Router {
	return &Router{providers: make(map[string]Provider)}
}

// Register adds or replaces the provider for chain.
func (r *Router) Register(chain string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[chain] = p
}

func (r *Router) Provider(chain string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[chain]
	return p, ok
}

// Chains returns the registered chain names in order.
func (r *Router) Chains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) FetchFacts(ctx context.Context, q verify.Query) (verify.ObservedFacts, error) {
	p, ok := r.Provider(q.Chain.Name)
	if !ok {
		return verify.ObservedFacts{}, fmt.Errorf("%w: %s", ErrNoProvider, q.Chain.Name)
	}
	return p.FetchFacts(ctx, q)
}

// Health reports every provider's health keyed by chain.
func (r *Router) Health() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Health, len(r.providers))
	for chain, p := range r.providers {
		out[chain] = p.Health()
	}
	return out
}
