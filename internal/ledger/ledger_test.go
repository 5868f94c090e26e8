package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLedger() *Ledger {
	return New(clock.NewTestClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)), zap.NewNop().Sugar())
}

func TestDepositAndTransfer(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.RecordDeposit(ctx, "0xdeposit", "ethereum:ETH", decimal.NewFromInt(1000), "0xproof"))
	receipt, err := l.Transfer(ctx, "0xdeposit", "solver-1", "ethereum:ETH", decimal.NewFromInt(600), "intent-1")
	require.NoError(t, err)

	assert.NotEmpty(t, receipt.ID)
	assert.Equal(t, "intent-1", receipt.Reference)
	assert.True(t, receipt.Amount.Equal(decimal.NewFromInt(600)))
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), receipt.At)
	assert.True(t, l.Balance("0xdeposit", "ethereum:ETH").Equal(decimal.NewFromInt(400)))
	assert.True(t, l.Balance("solver-1", "ethereum:ETH").Equal(decimal.NewFromInt(600)))
	assert.Len(t, l.Receipts(), 1)
}

func TestDepositIdempotentPerReference(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	require.NoError(t, l.RecordDeposit(ctx, "a", "t", decimal.NewFromInt(5), "ref"))
	require.NoError(t, l.RecordDeposit(ctx, "a", "t", decimal.NewFromInt(5), "ref"))
	assert.True(t, l.Balance("a", "t").Equal(decimal.NewFromInt(5)))

	require.NoError(t, l.RecordDeposit(ctx, "a", "t", decimal.NewFromInt(5), ""))
	require.NoError(t, l.RecordDeposit(ctx, "a", "t", decimal.NewFromInt(5), ""))
	assert.True(t, l.Balance("a", "t").Equal(decimal.NewFromInt(15)))
}

func TestTransferIdempotentPerReference(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	require.NoError(t, l.RecordDeposit(ctx, "a", "t", decimal.NewFromInt(10), "d"))

	first, err := l.Transfer(ctx, "a", "b", "t", decimal.NewFromInt(10), "intent-3")
	require.NoError(t, err)
	second, err := l.Transfer(ctx, "a", "b", "t", decimal.NewFromInt(10), "intent-3")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, l.Balance("b", "t").Equal(decimal.NewFromInt(10)))
	assert.True(t, l.Balance("a", "t").IsZero())
}

func TestTransferRejections(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	require.NoError(t, l.RecordDeposit(ctx, "a", "t", decimal.NewFromInt(10), "d"))

	_, err := l.Transfer(ctx, "a", "b", "t", decimal.NewFromInt(11), "x")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = l.Transfer(ctx, "a", "b", "t", decimal.Zero, "y")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Transfer(ctx, "a", "b", "other", decimal.NewFromInt(1), "z")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assert.ErrorIs(t, l.RecordDeposit(ctx, "a", "t", decimal.NewFromInt(-1), "n"), ErrInvalidAmount)
	assert.True(t, l.Balance("a", "t").Equal(decimal.NewFromInt(10)))
	assert.Empty(t, l.Receipts())
}
