// Package jobs holds the background drivers of the intent lifecycle.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"

	"github.com/leafsii/leafsii-intents/internal/intent"
)

// IntentService is the part of intent.Service the sweeper drives.
type IntentService interface {
	ListIntents(ctx context.Context, filter intent.ListFilter) ([]*intent.Intent, error)
	ExpireIntent(ctx context.Context, id uint64) (*intent.Intent, error)
	PendingSettlements(ctx context.Context) ([]*intent.Intent, error)
	RetrySettlement(ctx context.Context, id uint64) (*intent.Intent, error)
}

// SweepRecorder is implemented by metrics.Metrics.
type SweepRecorder interface {
	RecordSweep(ctx context.Context, action string, n int)
}

type SweeperConfig struct {
	Interval time.Duration
	// BatchSize is the page size used to list overdue intents. Zero lists
	// them in one page.
	BatchSize int
}

// Sweeper periodically expires open intents past their deadline and retries
// settlements that are still pending.
type Sweeper struct {
	svc      IntentService
	clock    clock.Clock
	logger   *zap.SugaredLogger
	recorder SweepRecorder
	config   SweeperConfig
}

// SweepResult counts what one pass did.
type SweepResult struct {
	Expired        int `json:"expired"`
	ExpireFailures int `json:"expireFailures"`
	Settled        int `json:"settled"`
	SettleFailures int `json:"settleFailures"`
}

func NewSweeper(svc IntentService, c clock.Clock, logger *zap.SugaredLogger, recorder SweepRecorder, config SweeperConfig) *Sweeper {
	if c == nil {
		c = clock.NewDefaultClock()
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	return &Sweeper{svc: svc, clock: c, logger: logger, recorder: recorder, config: config}
}

// Start runs a pass immediately and then every interval until ctx ends.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Infow("Starting expiry sweeper", "interval", s.config.Interval)

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warnw("Sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Infow("Expiry sweeper stopping due to context cancellation")
			return ctx.Err()
		case <-s.clock.TickAfter(s.config.Interval):
		}
	}
}

// SweepOnce performs a single pass. Per-intent failures are logged and
// counted; only listing errors abort the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	now := s.clock.Now()
	filter := intent.ListFilter{Statuses: intent.OpenStatuses, DeadlineBefore: now, Limit: s.config.BatchSize}
	for {
		page, err := s.svc.ListIntents(ctx, filter)
		if err != nil {
			return res, err
		}
		// Expired intents drop out of the filter; the rest shift the next page.
		left := 0
		for _, in := range page {
			if !s.expire(ctx, in, now, &res) {
				left++
			}
		}
		if filter.Limit <= 0 || len(page) < filter.Limit {
			break
		}
		filter.Offset += left
	}

	pending, err := s.svc.PendingSettlements(ctx)
	if err != nil {
		return res, err
	}
	for _, in := range pending {
		if in.Halted {
			continue
		}
		out, err := s.svc.RetrySettlement(ctx, in.ID)
		if err != nil || out == nil || out.Settlement.Status == intent.SettlementPending {
			res.SettleFailures++
			s.logger.Debugw("Settlement still pending", "intentId", in.ID, "error", err)
			continue
		}
		res.Settled++
	}

	if s.recorder != nil {
		s.recorder.RecordSweep(ctx, "expired", res.Expired)
		s.recorder.RecordSweep(ctx, "settled", res.Settled)
		s.recorder.RecordSweep(ctx, "failed", res.ExpireFailures+res.SettleFailures)
	}
	if res != (SweepResult{}) {
		s.logger.Infow("Sweep complete", "expired", res.Expired, "settled", res.Settled,
			"expireFailures", res.ExpireFailures, "settleFailures", res.SettleFailures)
	}
	return res, nil
}

// expire reports whether in left the open set.
func (s *Sweeper) expire(ctx context.Context, in *intent.Intent, now time.Time, res *SweepResult) bool {
	if in.Halted || !now.After(in.Deadline) {
		return false
	}
	if _, err := s.svc.ExpireIntent(ctx, in.ID); err != nil {
		if !errors.Is(err, intent.ErrNotExpired) {
			res.ExpireFailures++
			s.logger.Warnw("Failed to expire intent", "intentId", in.ID, "status", in.Status, "error", err)
		}
		return false
	}
	res.Expired++
	s.logger.Infow("Expired intent", "intentId", in.ID, "deadline", in.Deadline)
	return true
}
