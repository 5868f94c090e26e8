package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/leafsii/leafsii-intents/internal/escrow"
	"github.com/leafsii/leafsii-intents/internal/intent"
)

// MemoryRepository keeps intents and escrow entries in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	lastID  uint64
	intents map[uint64]*intent.Intent
	escrow  map[escrow.Key]escrow.Entry
	proofs  map[string]uint64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		intents: make(map[uint64]*intent.Intent),
		escrow:  make(map[escrow.Key]escrow.Entry),
		proofs:  make(map[string]uint64),
	}
}

func (r *MemoryRepository) NextIntentID(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	return r.lastID, nil
}

func (r *MemoryRepository) LastIntentID(ctx context.Context) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastID, nil
}

func (r *MemoryRepository) SetLastIntentID(ctx context.Context, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID = id
	return nil
}

func (r *MemoryRepository) SaveIntent(ctx context.Context, in *intent.Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents[in.ID] = in.Clone()
	if in.ID > r.lastID {
		r.lastID = in.ID
	}
	return nil
}

func (r *MemoryRepository) GetIntent(ctx context.Context, id uint64) (*intent.Intent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.intents[id]
	if !ok {
		return nil, intent.ErrNotFound
	}
	return in.Clone(), nil
}

func (r *MemoryRepository) ListIntents(ctx context.Context, filter intent.ListFilter) ([]*intent.Intent, error) {
	r.mu.RLock()
	list := make([]*intent.Intent, 0, len(r.intents))
	for _, in := range r.intents {
		if filter.Matches(in) {
			list = append(list, in.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return paginate(list, filter), nil
}

func (r *MemoryRepository) ClaimProof(ctx context.Context, chain, proofRef string, intentID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	field := proofField(chain, proofRef)
	if owner, ok := r.proofs[field]; ok && owner != intentID {
		return fmt.Errorf("%w: %s on %s is bound to intent %d", intent.ErrProofReused, proofRef, chain, owner)
	}
	r.proofs[field] = intentID
	return nil
}

func (r *MemoryRepository) ProofClaimant(ctx context.Context, chain, proofRef string) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.proofs[proofField(chain, proofRef)], nil
}

func (r *MemoryRepository) SaveEscrowEntries(ctx context.Context, entries []escrow.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		key := escrow.Key{Account: e.Account, Token: e.Token}
		if e.Locked.IsZero() {
			delete(r.escrow, key)
			continue
		}
		r.escrow[key] = e
	}
	return nil
}

func (r *MemoryRepository) LoadEscrowEntries(ctx context.Context) ([]escrow.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]escrow.Entry, 0, len(r.escrow))
	for _, e := range r.escrow {
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

func (r *MemoryRepository) Close() error { return nil }

func paginate(list []*intent.Intent, filter intent.ListFilter) []*intent.Intent {
	if filter.Offset > 0 {
		if filter.Offset >= len(list) {
			return []*intent.Intent{}
		}
		list = list[filter.Offset:]
	}
	if filter.Limit > 0 && len(list) > filter.Limit {
		list = list[:filter.Limit]
	}
	return list
}

func sortEntries(entries []escrow.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Token != entries[j].Token {
			return entries[i].Token < entries[j].Token
		}
		return entries[i].Account < entries[j].Account
	})
}
