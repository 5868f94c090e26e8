// Package chaindata implements the chain data providers the verification
// engine reads transaction facts from: an EVM JSON-RPC provider, an Esplora
// REST provider for UTXO chains, and a router that dispatches by chain name.
package chaindata

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/leafsii/leafsii-intents/internal/verify"
)

var (
	ErrNoProvider   = errors.New("no chain data provider for chain")
	ErrInvalidProof = errors.New("invalid proof reference")
	ErrCircuitOpen  = errors.New("circuit breaker open")
)

// Provider reports observed facts for one chain family.
type Provider interface {
	FetchFacts(ctx context.Context, q verify.Query) (verify.ObservedFacts, error)

	// Name returns the provider identifier
	Name() string

	// Health returns current provider health status
	Health() Health
}

// Health represents the current status of a provider.
type Health struct {
	Healthy     bool      `json:"healthy"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success"`
	Failures    int       `json:"failures"`
}

type healthTracker struct {
	clock clock.Clock

	mu     sync.RWMutex
	health Health
}

func newHealthTracker(c clock.Clock) *healthTracker {
	if c == nil {
		c = clock.NewDefaultClock()
	}
	return &healthTracker{clock: c, health: Health{Healthy: true}}
}

func (h *healthTracker) Health() Health {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.health
}

// observe updates health from the outcome of a fetch. Only transient errors
// mark the provider unhealthy; a malformed proof says nothing about the node.
func (h *healthTracker) observe(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case err == nil:
		h.health.Healthy = true
		h.health.LastSuccess = h.clock.Now()
		h.health.LastError = ""
	case verify.IsTransient(err):
		h.health.Healthy = false
		h.health.Failures++
		h.health.LastError = err.Error()
	}
}
