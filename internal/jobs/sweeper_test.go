package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leafsii/leafsii-intents/internal/intent"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeService struct {
	mu        sync.Mutex
	intents   map[uint64]*intent.Intent
	expired   []uint64
	retried   []uint64
	expireErr map[uint64]error
	settleErr error
	listErr   error
}

func newFakeService(intents ...*intent.Intent) *fakeService {
	f := &fakeService{intents: map[uint64]*intent.Intent{}, expireErr: map[uint64]error{}}
	for _, in := range intents {
		f.intents[in.ID] = in
	}
	return f
}

func (f *fakeService) ListIntents(ctx context.Context, filter intent.ListFilter) ([]*intent.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*intent.Intent
	for id := uint64(1); id <= uint64(len(f.intents)); id++ {
		if in, ok := f.intents[id]; ok && filter.Matches(in) {
			out = append(out, in.Clone())
		}
	}
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeService) ExpireIntent(ctx context.Context, id uint64) (*intent.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.expireErr[id]; err != nil {
		return nil, err
	}
	f.expired = append(f.expired, id)
	in := f.intents[id]
	in.Status = intent.StatusExpired
	return in.Clone(), nil
}

func (f *fakeService) PendingSettlements(ctx context.Context) ([]*intent.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*intent.Intent
	for id := uint64(1); id <= uint64(len(f.intents)); id++ {
		if in, ok := f.intents[id]; ok && in.Settlement.Status == intent.SettlementPending {
			out = append(out, in.Clone())
		}
	}
	return out, nil
}

func (f *fakeService) RetrySettlement(ctx context.Context, id uint64) (*intent.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, id)
	in := f.intents[id]
	if f.settleErr != nil {
		return in.Clone(), f.settleErr
	}
	in.Settlement.Status = intent.SettlementCompleted
	return in.Clone(), nil
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) RecordSweep(ctx context.Context, action string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[action] += n
}

func openIntent(id uint64, status intent.Status, deadline time.Time) *intent.Intent {
	return &intent.Intent{ID: id, User: "alice", Status: status, Deadline: deadline}
}

func TestSweepOnceExpiresPastDeadline(t *testing.T) {
	halted := openIntent(4, intent.StatusConfirmed, now.Add(-time.Hour))
	halted.Halted = true
	svc := newFakeService(
		openIntent(1, intent.StatusPendingQuote, now.Add(-time.Minute)),
		openIntent(2, intent.StatusQuoted, now.Add(time.Minute)),
		openIntent(3, intent.StatusDeposited, now),
		halted,
		openIntent(5, intent.StatusFulfilled, now.Add(-time.Hour)),
	)
	rec := &countingRecorder{counts: map[string]int{}}
	s := NewSweeper(svc, clock.NewTestClock(now), zap.NewNop().Sugar(), rec, SweeperConfig{})

	res, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1}, res)
	assert.Equal(t, []uint64{1}, svc.expired)
	assert.Equal(t, 1, rec.counts["expired"])
}

func TestSweepOncePagesPastStuckIntents(t *testing.T) {
	halted := openIntent(1, intent.StatusConfirmed, now.Add(-2*time.Hour))
	halted.Halted = true
	svc := newFakeService(
		halted,
		openIntent(2, intent.StatusQuoted, now.Add(time.Hour)),
		openIntent(3, intent.StatusDeposited, now.Add(-time.Hour)),
		openIntent(4, intent.StatusConfirmed, now.Add(-time.Hour)),
		openIntent(5, intent.StatusPendingQuote, now.Add(-time.Minute)),
	)
	svc.expireErr[3] = errors.New("ledger unavailable")
	s := NewSweeper(svc, clock.NewTestClock(now), zap.NewNop().Sugar(), nil, SweeperConfig{BatchSize: 1})

	res, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, svc.expired)
	assert.Equal(t, 2, res.Expired)
	assert.Equal(t, 1, res.ExpireFailures)
	assert.Equal(t, intent.StatusQuoted, svc.intents[2].Status)
}

func TestSweepOnceRetriesPendingSettlements(t *testing.T) {
	refund := openIntent(1, intent.StatusCancelled, now.Add(time.Hour))
	refund.Settlement.Status = intent.SettlementPending
	done := openIntent(2, intent.StatusFulfilled, now.Add(time.Hour))
	done.Settlement.Status = intent.SettlementCompleted
	svc := newFakeService(refund, done)
	s := NewSweeper(svc, clock.NewTestClock(now), zap.NewNop().Sugar(), nil, SweeperConfig{})

	res, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Settled: 1}, res)
	assert.Equal(t, []uint64{1}, svc.retried)

	res, err = s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestSweepOnceCountsFailures(t *testing.T) {
	pending := openIntent(2, intent.StatusExpired, now.Add(-time.Hour))
	pending.Settlement.Status = intent.SettlementPending
	svc := newFakeService(openIntent(1, intent.StatusConfirmed, now.Add(-time.Hour)), pending)
	svc.expireErr[1] = errors.New("repository down")
	svc.settleErr = intent.ErrTransferFailed

	s := NewSweeper(svc, clock.NewTestClock(now), zap.NewNop().Sugar(), nil, SweeperConfig{})
	res, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{ExpireFailures: 1, SettleFailures: 1}, res)
}

func TestSweepOnceIgnoresNotExpiredRace(t *testing.T) {
	svc := newFakeService(openIntent(1, intent.StatusQuoted, now.Add(-time.Second)))
	svc.expireErr[1] = intent.ErrNotExpired

	s := NewSweeper(svc, clock.NewTestClock(now), zap.NewNop().Sugar(), nil, SweeperConfig{})
	res, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestSweepOnceListError(t *testing.T) {
	svc := newFakeService()
	svc.listErr = errors.New("boom")
	s := NewSweeper(svc, clock.NewTestClock(now), zap.NewNop().Sugar(), nil, SweeperConfig{})
	_, err := s.SweepOnce(context.Background())
	assert.Error(t, err)
}

func TestStartSweepsOnTick(t *testing.T) {
	ticks := make(chan time.Duration)
	clk := clock.NewTestClockWithTickSignal(now, ticks)
	svc := newFakeService(openIntent(1, intent.StatusQuoted, now.Add(time.Minute)))
	s := NewSweeper(svc, clk, zap.NewNop().Sugar(), nil, SweeperConfig{Interval: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	assert.Equal(t, time.Minute, <-ticks)
	svc.mu.Lock()
	assert.Empty(t, svc.expired)
	svc.mu.Unlock()

	clk.SetTime(now.Add(2 * time.Minute))
	<-ticks

	svc.mu.Lock()
	assert.Equal(t, []uint64{1}, svc.expired)
	svc.mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
