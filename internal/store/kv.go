package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/leafsii/leafsii-intents/internal/escrow"
	"github.com/leafsii/leafsii-intents/internal/intent"
	"github.com/leafsii/leafsii-intents/pkg/kv"
)

// Key layout
const (
	KeyIntentCounter = "lfs:intents:counter"
	KeyIntentPrefix  = "lfs:intents:intent"
	KeyIntentIndex   = "lfs:intents:index:all"
	KeyUserIndex     = "lfs:intents:index:user"
	KeyEscrow        = "lfs:intents:escrow"
	KeyProofs        = "lfs:intents:proofs"
)

// KVRepository stores intents as JSON documents in a kv.Store (Redis or
// memory), with set indexes per user.
type KVRepository struct {
	kv kv.Store
}

func NewKVRepository(store kv.Store) *KVRepository {
	return &KVRepository{kv: store}
}

func intentKey(id uint64) string {
	return fmt.Sprintf("%s:%d", KeyIntentPrefix, id)
}

func userIndexKey(user string) string {
	return fmt.Sprintf("%s:%s", KeyUserIndex, user)
}

func escrowField(account, token string) string {
	return account + "|" + token
}

func proofField(chain, proofRef string) string {
	return chain + "|" + normalizeProof(proofRef)
}

func (r *KVRepository) NextIntentID(ctx context.Context) (uint64, error) {
	n, err := r.kv.IncrBy(ctx, KeyIntentCounter, 1)
	if err != nil {
		return 0, fmt.Errorf("kv incr counter: %w", err)
	}
	return uint64(n), nil
}

func (r *KVRepository) LastIntentID(ctx context.Context) (uint64, error) {
	v, err := r.kv.Get(ctx, KeyIntentCounter)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kv get counter: %w", err)
	}
	id, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kv counter corrupt: %w", err)
	}
	return id, nil
}

func (r *KVRepository) SetLastIntentID(ctx context.Context, id uint64) error {
	if err := r.kv.Set(ctx, KeyIntentCounter, []byte(strconv.FormatUint(id, 10))); err != nil {
		return fmt.Errorf("kv set counter: %w", err)
	}
	return nil
}

func (r *KVRepository) SaveIntent(ctx context.Context, in *intent.Intent) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	if err := r.kv.Set(ctx, intentKey(in.ID), data); err != nil {
		return fmt.Errorf("kv set intent: %w", err)
	}
	member := []byte(strconv.FormatUint(in.ID, 10))
	if _, err := r.kv.SAdd(ctx, KeyIntentIndex, member); err != nil {
		return fmt.Errorf("kv index intent: %w", err)
	}
	if _, err := r.kv.SAdd(ctx, userIndexKey(in.User), member); err != nil {
		return fmt.Errorf("kv index user: %w", err)
	}
	return nil
}

func (r *KVRepository) GetIntent(ctx context.Context, id uint64) (*intent.Intent, error) {
	data, err := r.kv.Get(ctx, intentKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, intent.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get intent: %w", err)
	}
	var in intent.Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("unmarshal intent %d: %w", id, err)
	}
	return &in, nil
}

func (r *KVRepository) ListIntents(ctx context.Context, filter intent.ListFilter) ([]*intent.Intent, error) {
	index := KeyIntentIndex
	if filter.User != "" {
		index = userIndexKey(filter.User)
	}
	members, err := r.kv.SMembers(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("kv list index: %w", err)
	}
	if len(members) == 0 {
		return []*intent.Intent{}, nil
	}

	ids := make([]uint64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(string(m), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("kv index corrupt: %w", err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = intentKey(id)
	}
	values, err := r.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("kv mget intents: %w", err)
	}

	list := make([]*intent.Intent, 0, len(values))
	for i, data := range values {
		if data == nil {
			continue
		}
		var in intent.Intent
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, fmt.Errorf("unmarshal intent %d: %w", ids[i], err)
		}
		if filter.Matches(&in) {
			list = append(list, &in)
		}
	}
	return paginate(list, filter), nil
}

func (r *KVRepository) ClaimProof(ctx context.Context, chain, proofRef string, intentID uint64) error {
	field := proofField(chain, proofRef)
	claimed, err := r.kv.HSetNX(ctx, KeyProofs, field, []byte(strconv.FormatUint(intentID, 10)))
	if err != nil {
		return fmt.Errorf("kv claim proof: %w", err)
	}
	if claimed {
		return nil
	}
	owner, err := r.ProofClaimant(ctx, chain, proofRef)
	if err != nil {
		return err
	}
	if owner != intentID {
		return fmt.Errorf("%w: %s on %s is bound to intent %d", intent.ErrProofReused, proofRef, chain, owner)
	}
	return nil
}

func (r *KVRepository) ProofClaimant(ctx context.Context, chain, proofRef string) (uint64, error) {
	v, err := r.kv.HGet(ctx, KeyProofs, proofField(chain, proofRef))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kv get proof: %w", err)
	}
	id, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kv proof index corrupt: %w", err)
	}
	return id, nil
}

func (r *KVRepository) SaveEscrowEntries(ctx context.Context, entries []escrow.Entry) error {
	for _, e := range entries {
		field := escrowField(e.Account, e.Token)
		if e.Locked.IsZero() {
			if _, err := r.kv.HDel(ctx, KeyEscrow, field); err != nil {
				return fmt.Errorf("kv delete escrow entry: %w", err)
			}
			continue
		}
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal escrow entry: %w", err)
		}
		if err := r.kv.HSet(ctx, KeyEscrow, field, data); err != nil {
			return fmt.Errorf("kv save escrow entry: %w", err)
		}
	}
	return nil
}

func (r *KVRepository) LoadEscrowEntries(ctx context.Context) ([]escrow.Entry, error) {
	fields, err := r.kv.HGetAll(ctx, KeyEscrow)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("kv load escrow: %w", err)
	}
	entries := make([]escrow.Entry, 0, len(fields))
	for field, data := range fields {
		var e escrow.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("unmarshal escrow entry %q: %w", field, err)
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

func (r *KVRepository) Close() error {
	return r.kv.Close()
}
