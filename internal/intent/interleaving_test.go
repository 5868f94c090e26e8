package intent_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leafsii/leafsii-intents/internal/chains"
	"github.com/leafsii/leafsii-intents/internal/escrow"
	"github.com/leafsii/leafsii-intents/internal/intent"
)

func aliceETH(t *testing.T, h *harness) decimal.Decimal {
	t.Helper()
	entries, err := h.repo.LoadEscrowEntries(context.Background())
	require.NoError(t, err)
	for _, e := range entries {
		if e.Account == alice && e.Token == "ethereum:ETH" {
			return e.Locked
		}
	}
	return decimal.Zero
}

// Intent B on the same (user, token) commits while A waits on the signer, and
// A's derivation then fails. Only B's lock may ever reach the repository.
func TestConfirmQuoteSharedKeyWhileSignerBlocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.createQuoted(t, ethToBTC())
	b := h.createQuoted(t, ethToBTC())

	h.signer.On("DeriveAddress", mock.Anything, "ethereum", b.ID, alice).Return(ethDeposit, nil).Once()
	h.signer.On("DeriveAddress", mock.Anything, "ethereum", a.ID, alice).
		Run(func(mock.Arguments) {
			require.NoError(t, h.svc.VerifyInvariants(ctx))
			assert.True(t, aliceETH(t, h).IsZero())

			_, err := h.svc.ConfirmQuote(ctx, b.ID, 0, alice)
			require.NoError(t, err)

			assert.True(t, aliceETH(t, h).Equal(decimal.NewFromInt(1000)))
			require.NoError(t, h.svc.VerifyInvariants(ctx))

			snap, err := h.svc.ExportSnapshot(ctx)
			require.NoError(t, err)
			assert.Equal(t, []escrow.Entry{
				{Account: alice, Token: "ethereum:ETH", Locked: decimal.NewFromInt(1000)},
			}, snap.Escrow)

			err = h.svc.ImportSnapshot(ctx, snap)
			require.ErrorIs(t, err, intent.ErrInvalidStatus)
		}).
		Return("", errors.New("hsm offline")).Once()

	_, err := h.svc.ConfirmQuote(ctx, a.ID, 0, alice)
	require.ErrorIs(t, err, intent.ErrDerivationFailed)

	assert.True(t, h.svc.GetEscrowBalance(alice, "ethereum:ETH").Equal(decimal.NewFromInt(1000)))
	assert.True(t, aliceETH(t, h).Equal(decimal.NewFromInt(1000)))
	require.NoError(t, h.svc.VerifyInvariants(ctx))

	restarted, err := intent.NewService(intent.Deps{
		Repo:      h.repo,
		Registry:  chains.DefaultRegistry(),
		Signer:    h.signer,
		ChainData: h.chainData,
		Ledger:    h.ledger,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, restarted.Restore(ctx))
	assert.True(t, restarted.GetEscrowBalance(alice, "ethereum:ETH").Equal(decimal.NewFromInt(1000)))
}

func TestMarkDepositedCancelledDuringFetch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := h.confirmed(t)

	h.chainData.On("FetchFacts", mock.Anything, "ethereum", "0xdeposit").
		Run(func(mock.Arguments) {
			_, err := h.svc.CancelIntent(ctx, in.ID, alice)
			require.NoError(t, err)
		}).
		Return(confirmedFacts(ethDeposit, 1000, 12), nil).Once()

	_, verdict, err := h.svc.MarkDeposited(ctx, in.ID, "0xdeposit", alice)
	require.ErrorIs(t, err, intent.ErrInvalidStatus)
	assert.True(t, verdict.IsSuccess())

	stored, err := h.svc.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusCancelled, stored.Status)
	assert.Empty(t, stored.DepositProof)
	assert.Nil(t, stored.DepositVerifiedAt)
	assert.True(t, h.svc.GetEscrowBalance(alice, "ethereum:ETH").IsZero())
	assert.True(t, aliceETH(t, h).IsZero())
	require.NoError(t, h.svc.VerifyInvariants(ctx))
}

func TestMarkDepositedDeadlinePassesDuringFetch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := h.confirmed(t)

	h.chainData.On("FetchFacts", mock.Anything, "ethereum", "0xdeposit").
		Run(func(mock.Arguments) {
			h.clock.SetTime(in.Deadline.Add(time.Second))
		}).
		Return(confirmedFacts(ethDeposit, 1000, 12), nil).Once()

	_, _, err := h.svc.MarkDeposited(ctx, in.ID, "0xdeposit", alice)
	require.ErrorIs(t, err, intent.ErrExpired)

	stored, err := h.svc.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusConfirmed, stored.Status)
	assert.Empty(t, stored.DepositProof)
	assert.True(t, h.svc.GetEscrowBalance(alice, "ethereum:ETH").Equal(decimal.NewFromInt(1000)))
	assert.True(t, aliceETH(t, h).Equal(decimal.NewFromInt(1000)))
	require.NoError(t, h.svc.VerifyInvariants(ctx))
}

// The sweeper expires the intent while the payout proof is being fetched. The
// user is refunded and the solver is paid nothing.
func TestFulfillIntentExpiredDuringFetch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := h.deposited(t)

	h.ledger.On("Transfer", mock.Anything, normalizedEthDeposit, alice, "ethereum:ETH", "1000", "intent-1").
		Return(intent.TransferReceipt{ID: "refund-1"}, nil).Once()
	h.chainData.On("FetchFacts", mock.Anything, "bitcoin", "btc-payout").
		Run(func(mock.Arguments) {
			h.clock.SetTime(in.Deadline.Add(time.Second))
			expired, err := h.svc.ExpireIntent(ctx, in.ID)
			require.NoError(t, err)
			require.Equal(t, intent.StatusExpired, expired.Status)
		}).
		Return(confirmedFacts(btcRecipient, 982, 3), nil).Once()

	_, _, err := h.svc.FulfillIntent(ctx, in.ID, "btc-payout", solver)
	require.ErrorIs(t, err, intent.ErrInvalidStatus)

	stored, err := h.svc.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusExpired, stored.Status)
	assert.Empty(t, stored.FulfillmentProof)
	assert.Nil(t, stored.Fees)
	assert.Equal(t, alice, stored.Settlement.To)
	assert.True(t, h.svc.GetEscrowBalance(alice, "ethereum:ETH").IsZero())
	require.NoError(t, h.svc.VerifyInvariants(ctx))

	owner, err := h.repo.ProofClaimant(ctx, "bitcoin", "btc-payout")
	require.NoError(t, err)
	assert.Zero(t, owner)
}

// Two intents pay the same recipient. One payout transaction may settle only
// one of them, even when both fetch the proof before either commits.
func TestFulfillProofCannotBeReused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.deposited(t)
	second := h.deposited(t)
	require.True(t, h.svc.GetEscrowBalance(alice, "ethereum:ETH").Equal(decimal.NewFromInt(2000)))

	h.ledger.On("Transfer", mock.Anything, normalizedEthDeposit, solver, "ethereum:ETH", "1000", "intent-1").
		Return(intent.TransferReceipt{ID: "receipt-1"}, nil).Once()
	h.chainData.On("FetchFacts", mock.Anything, "bitcoin", "one-payout").
		Run(func(mock.Arguments) {
			done, _, err := h.svc.FulfillIntent(ctx, first.ID, "one-payout", solver)
			require.NoError(t, err)
			require.Equal(t, intent.StatusFulfilled, done.Status)
		}).
		Return(confirmedFacts(btcRecipient, 982, 3), nil).Once()
	h.chainData.On("FetchFacts", mock.Anything, "bitcoin", "one-payout").
		Return(confirmedFacts(btcRecipient, 982, 3), nil).Once()

	_, _, err := h.svc.FulfillIntent(ctx, second.ID, "one-payout", solver)
	require.ErrorIs(t, err, intent.ErrProofReused)
	require.ErrorIs(t, err, intent.ErrInvalidProof)
	assert.Equal(t, intent.KindValidation, intent.KindOf(err))

	stored, err := h.svc.GetIntent(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusDeposited, stored.Status)
	assert.True(t, stored.EscrowLocked.Equal(decimal.NewFromInt(1000)))
	assert.True(t, h.svc.GetEscrowBalance(alice, "ethereum:ETH").Equal(decimal.NewFromInt(1000)))
	require.NoError(t, h.svc.VerifyInvariants(ctx))

	// Rejected up front on a later attempt, whatever the casing.
	_, _, err = h.svc.FulfillIntent(ctx, second.ID, " ONE-PAYOUT ", solver)
	require.ErrorIs(t, err, intent.ErrProofReused)

	// The intent that spent the proof may still replay it.
	again, _, err := h.svc.FulfillIntent(ctx, first.ID, "one-payout", solver)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusFulfilled, again.Status)
}

func TestFulfillReplayChecksCaller(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := h.deposited(t)

	h.chainData.On("FetchFacts", mock.Anything, "bitcoin", "btc-payout").
		Return(confirmedFacts(btcRecipient, 982, 3), nil).Once()
	h.ledger.On("Transfer", mock.Anything, normalizedEthDeposit, solver, "ethereum:ETH", "1000", "intent-1").
		Return(intent.TransferReceipt{ID: "receipt-1"}, nil).Once()
	_, _, err := h.svc.FulfillIntent(ctx, in.ID, "btc-payout", solver)
	require.NoError(t, err)

	got, _, err := h.svc.FulfillIntent(ctx, in.ID, "btc-payout", bob)
	require.ErrorIs(t, err, intent.ErrUnauthorized)
	assert.Nil(t, got)

	got, _, err = h.svc.FulfillIntent(ctx, in.ID, "btc-payout", solver)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusFulfilled, got.Status)
}
