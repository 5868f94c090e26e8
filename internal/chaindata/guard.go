package chaindata

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/leafsii/leafsii-intents/internal/verify"
)

// Guarded wraps a Provider with a request rate limit, a circuit breaker and
// de-duplication of concurrent fetches for the same query.
type Guarded struct {
	inner   Provider
	limiter *rate.Limiter
	breaker *Breaker
	group   singleflight.Group
	logger  *zap.SugaredLogger
}

// GuardConfig configures Guard. A zero RatePerSecond disables rate limiting.
type GuardConfig struct {
	RatePerSecond float64
	Burst         int
	Breaker       BreakerConfig
}

func Guard(inner Provider, cfg GuardConfig, breaker *Breaker, logger *zap.SugaredLogger) *Guarded {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	if breaker == nil {
		breaker = NewBreaker(inner.Name(), cfg.Breaker, nil, logger)
	}
	return &Guarded{
		inner:   inner,
		limiter: limiter,
		breaker: breaker,
		logger:  logger,
	}
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) Health() Health {
	h := g.inner.Health()
	if g.breaker.IsOpen() {
		h.Healthy = false
	}
	return h
}

func queryKey(q verify.Query) string {
	return fmt.Sprintf("%s|%s|%s|%s", q.Chain.Name, q.Token.Symbol, q.ProofReference, q.Recipient)
}

func (g *Guarded) FetchFacts(ctx context.Context, q verify.Query) (verify.ObservedFacts, error) {
	if g.breaker.IsOpen() {
		return verify.ObservedFacts{}, verify.Transient(g.Name(), ErrCircuitOpen)
	}

	v, err, shared := g.group.Do(queryKey(q), func() (interface{}, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return verify.ObservedFacts{}, verify.Transient(g.Name()+" rate limit", err)
		}
		facts, err := g.inner.FetchFacts(ctx, q)
		switch {
		case err == nil:
			g.breaker.RecordSuccess()
		case verify.IsTransient(err):
			if g.breaker.RecordFailure() {
				g.logger.Warnw("Chain data provider unavailable", "provider", g.Name(), "error", err)
			}
		}
		return facts, err
	})
	if shared {
		g.logger.Debugw("Shared chain data fetch", "provider", g.Name(), "proofRef", q.ProofReference)
	}
	return v.(verify.ObservedFacts), err
}
