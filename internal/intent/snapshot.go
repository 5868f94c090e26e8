package intent

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/leafsii/leafsii-intents/internal/escrow"
)

// SnapshotVersion is the only snapshot layout ImportSnapshot accepts.
const SnapshotVersion = 1

// Snapshot is a flat, versioned export of the persisted aggregates.
type Snapshot struct {
	Version      int            `json:"version"`
	NextIntentID uint64         `json:"next_intent_id"`
	Intents      []*Intent      `json:"intents"`
	Escrow       []escrow.Entry `json:"escrow"`
}

// ExportSnapshot captures every intent, the escrow ledger and the id counter.
func (s *Service) ExportSnapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.repo.LastIntentID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read id counter: %w", err)
	}
	intents, err := s.repo.ListIntents(ctx, ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	return &Snapshot{
		Version:      SnapshotVersion,
		NextIntentID: last + 1,
		Intents:      intents,
		Escrow:       s.committedEntries(),
	}, nil
}

// ImportSnapshot replaces the service state with snap. Nothing is written
// unless the snapshot's escrow entries pass the ledger invariant and agree
// with the per-intent escrow_locked fields.
func (s *Service) ImportSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: empty snapshot", ErrSnapshotVersion)
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, snap.Version)
	}
	if snap.NextIntentID == 0 {
		return fmt.Errorf("%w: next_intent_id must be positive", ErrInvariantViolated)
	}

	seen := make(map[uint64]bool, len(snap.Intents))
	proofs := make(map[string]uint64)
	for _, in := range snap.Intents {
		switch {
		case in == nil:
			return fmt.Errorf("%w: nil intent", ErrInvariantViolated)
		case in.ID == 0 || in.ID >= snap.NextIntentID:
			return fmt.Errorf("%w: intent id %d outside counter %d", ErrInvariantViolated, in.ID, snap.NextIntentID)
		case seen[in.ID]:
			return fmt.Errorf("%w: duplicate intent id %d", ErrInvariantViolated, in.ID)
		case !in.Status.Valid():
			return fmt.Errorf("%w: intent %d has unknown status %q", ErrInvariantViolated, in.ID, in.Status)
		}
		seen[in.ID] = true
		if in.FulfillmentProof != "" {
			key := in.Destination.Chain + "|" + strings.ToLower(in.FulfillmentProof)
			if owner, ok := proofs[key]; ok {
				return fmt.Errorf("%w: intents %d and %d share fulfilment proof %s",
					ErrProofReused, owner, in.ID, in.FulfillmentProof)
			}
			proofs[key] = in.ID
		}
	}

	restored := escrow.NewLedger()
	if err := restored.Restore(snap.Escrow); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolated, err)
	}
	if !restored.VerifyInvariants() {
		return ErrInvariantViolated
	}
	if err := crossCheck(snap.Intents, restored.Entries()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.reserved) > 0 {
		return fmt.Errorf("%w: quote confirmations in progress", ErrInvalidStatus)
	}
	existing, err := s.repo.ListIntents(ctx, ListFilter{})
	if err != nil {
		return fmt.Errorf("list intents: %w", err)
	}
	for _, in := range existing {
		if !seen[in.ID] {
			return fmt.Errorf("%w: stored intent %d is missing from the snapshot", ErrInvariantViolated, in.ID)
		}
	}

	// Zero out entries that the snapshot no longer carries.
	entries := restored.Entries()
	keep := make(map[escrow.Key]bool, len(entries))
	for _, e := range entries {
		keep[escrow.Key{Account: e.Account, Token: e.Token}] = true
	}
	for _, e := range s.escrow.Entries() {
		if !keep[escrow.Key{Account: e.Account, Token: e.Token}] {
			entries = append(entries, escrow.Entry{Account: e.Account, Token: e.Token, Locked: decimal.Zero})
		}
	}

	for _, in := range snap.Intents {
		if err := s.repo.SaveIntent(ctx, in.Clone()); err != nil {
			return fmt.Errorf("save intent %d: %w", in.ID, err)
		}
		if in.FulfillmentProof != "" {
			if err := s.repo.ClaimProof(ctx, in.Destination.Chain, in.FulfillmentProof, in.ID); err != nil {
				return fmt.Errorf("claim proof of intent %d: %w", in.ID, err)
			}
		}
	}
	if err := s.repo.SaveEscrowEntries(ctx, entries); err != nil {
		return fmt.Errorf("save escrow entries: %w", err)
	}
	if err := s.repo.SetLastIntentID(ctx, snap.NextIntentID-1); err != nil {
		return fmt.Errorf("set id counter: %w", err)
	}
	if err := s.escrow.Restore(restored.Entries()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolated, err)
	}

	s.logger.Infow("Imported snapshot", "intents", len(snap.Intents),
		"escrowEntries", len(snap.Escrow), "nextIntentId", snap.NextIntentID)
	return nil
}
