package intent_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsii/leafsii-intents/internal/escrow"
	"github.com/leafsii/leafsii-intents/internal/intent"
)

func exportJSON(t *testing.T, h *harness) *intent.Snapshot {
	t.Helper()
	snap, err := h.svc.ExportSnapshot(context.Background())
	require.NoError(t, err)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded intent.Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	return &decoded
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := newHarness(t)
	ctx := context.Background()
	confirmed := src.confirmed(t)
	_, err := src.svc.CreateIntent(ctx, btcToETH())
	require.NoError(t, err)

	snap := exportJSON(t, src)
	assert.Equal(t, intent.SnapshotVersion, snap.Version)
	assert.Equal(t, uint64(3), snap.NextIntentID)
	require.Len(t, snap.Intents, 2)
	require.Len(t, snap.Escrow, 1)

	dst := newHarness(t)
	require.NoError(t, dst.svc.ImportSnapshot(ctx, snap))

	got, err := dst.svc.GetIntent(ctx, confirmed.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.StatusConfirmed, got.Status)
	assert.Equal(t, confirmed.GeneratedAddress, got.GeneratedAddress)
	assert.True(t, got.EscrowLocked.Equal(decimal.NewFromInt(1000)))
	assert.True(t, dst.svc.GetEscrowBalance(alice, "ethereum:ETH").Equal(decimal.NewFromInt(1000)))
	require.NoError(t, dst.svc.VerifyInvariants(ctx))

	// The id counter carries over.
	next, err := dst.svc.CreateIntent(ctx, ethToBTC())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next.ID)
}

func TestSnapshotImportRejectsBadInput(t *testing.T) {
	src := newHarness(t)
	src.confirmed(t)

	tests := []struct {
		name   string
		mutate func(s *intent.Snapshot)
		want   error
	}{
		{"unknown version", func(s *intent.Snapshot) { s.Version = 2 }, intent.ErrSnapshotVersion},
		{"zero counter", func(s *intent.Snapshot) { s.NextIntentID = 0 }, intent.ErrInvariantViolated},
		{"id beyond counter", func(s *intent.Snapshot) { s.NextIntentID = 1 }, intent.ErrInvariantViolated},
		{"duplicate id", func(s *intent.Snapshot) { s.Intents = append(s.Intents, s.Intents[0].Clone()) }, intent.ErrInvariantViolated},
		{"escrow disagrees", func(s *intent.Snapshot) { s.Escrow[0].Locked = decimal.NewFromInt(999) }, intent.ErrInvariantViolated},
		{"escrow missing", func(s *intent.Snapshot) { s.Escrow = nil }, intent.ErrInvariantViolated},
		{"negative escrow", func(s *intent.Snapshot) {
			s.Escrow = append(s.Escrow, escrow.Entry{Account: bob, Token: "ethereum:ETH", Locked: decimal.NewFromInt(-1)})
		}, intent.ErrInvariantViolated},
		{"shared fulfilment proof", func(s *intent.Snapshot) {
			dup := s.Intents[0].Clone()
			dup.ID = 2
			dup.EscrowLocked = decimal.Zero
			s.NextIntentID = 3
			s.Intents[0].FulfillmentProof = "pay-1"
			dup.FulfillmentProof = "PAY-1"
			s.Intents = append(s.Intents, dup)
		}, intent.ErrProofReused},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := exportJSON(t, src)
			tt.mutate(snap)

			dst := newHarness(t)
			err := dst.svc.ImportSnapshot(context.Background(), snap)
			require.ErrorIs(t, err, tt.want)

			list, err := dst.svc.ListIntents(context.Background(), intent.ListFilter{})
			require.NoError(t, err)
			assert.Empty(t, list, "nothing is written on a rejected import")
			assert.Empty(t, dst.svc.EscrowTotals())
		})
	}
}

func TestSnapshotImportKeepsStoredIntents(t *testing.T) {
	src := newHarness(t)
	src.confirmed(t)
	snap := exportJSON(t, src)

	dst := newHarness(t)
	ctx := context.Background()
	_, err := dst.svc.CreateIntent(ctx, btcToETH())
	require.NoError(t, err)
	_, err = dst.svc.CreateIntent(ctx, btcToETH())
	require.NoError(t, err)

	// Intent 2 exists only in the destination and would be orphaned.
	err = dst.svc.ImportSnapshot(ctx, snap)
	require.ErrorIs(t, err, intent.ErrInvariantViolated)

	require.ErrorIs(t, dst.svc.ImportSnapshot(ctx, nil), intent.ErrSnapshotVersion)
}
