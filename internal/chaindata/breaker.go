package chaindata

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"
)

// Breaker trips after Threshold transient failures within Window and stays
// open for ResetTimeout. A threshold of zero disables it.
type Breaker struct {
	name          string
	clock         clock.Clock
	logger        *zap.SugaredLogger
	failThreshold int
	failureWindow time.Duration
	resetTimeout  time.Duration

	mu           sync.Mutex
	failureCount int
	lastFailure  time.Time
	tripped      bool
	tripTime     time.Time
}

// BreakerConfig configures NewBreaker.
type BreakerConfig struct {
	Threshold    int
	Window       time.Duration
	ResetTimeout time.Duration
}

func NewBreaker(name string, cfg BreakerConfig, c clock.Clock, logger *zap.SugaredLogger) *Breaker {
	if c == nil {
		c = clock.NewDefaultClock()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:          name,
		clock:         c,
		logger:        logger,
		failThreshold: cfg.Threshold,
		failureWindow: cfg.Window,
		resetTimeout:  cfg.ResetTimeout,
	}
}

func (b *Breaker) enabled() bool { return b.failThreshold > 0 }

// RecordFailure records a failure and reports whether the circuit is open.
func (b *Breaker) RecordFailure() bool {
	if !b.enabled() {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if b.tripped {
		if now.Sub(b.tripTime) < b.resetTimeout {
			return true
		}
		b.logger.Infow("Circuit breaker half-open after timeout", "provider", b.name)
		b.tripped = false
		b.failureCount = 0
	}

	if now.Sub(b.lastFailure) > b.failureWindow {
		b.failureCount = 0
	}
	b.failureCount++
	b.lastFailure = now

	if b.failureCount >= b.failThreshold {
		b.tripped = true
		b.tripTime = now
		b.logger.Warnw("Circuit breaker tripped", "provider", b.name, "failures", b.failureCount)
		return true
	}
	return false
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tripped = false
	b.failureCount = 0
}

// IsOpen reports whether calls should be rejected. Once the reset timeout
// has passed the breaker lets a call through again.
func (b *Breaker) IsOpen() bool {
	if !b.enabled() {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped && b.clock.Now().Sub(b.tripTime) >= b.resetTimeout {
		b.tripped = false
		b.failureCount = 0
		return false
	}
	return b.tripped
}

func (b *Breaker) Reset() {
	b.RecordSuccess()
}
