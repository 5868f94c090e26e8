package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/leafsii/leafsii-intents/internal/escrow"
	"github.com/leafsii/leafsii-intents/internal/intent"
	"github.com/leafsii/leafsii-intents/migrations"
)

// PostgresRepository persists intents as JSONB rows alongside the indexed
// columns used for listing.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects using dsn and verifies the connection.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

// Migrate applies the embedded goose migrations.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) NextIntentID(ctx context.Context) (uint64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`UPDATE intent_counter SET last_id = last_id + 1 WHERE singleton RETURNING last_id`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("increment intent counter: %w", err)
	}
	return uint64(id), nil
}

func (r *PostgresRepository) LastIntentID(ctx context.Context) (uint64, error) {
	var id int64
	if err := r.pool.QueryRow(ctx, `SELECT last_id FROM intent_counter WHERE singleton`).Scan(&id); err != nil {
		return 0, fmt.Errorf("read intent counter: %w", err)
	}
	return uint64(id), nil
}

func (r *PostgresRepository) SetLastIntentID(ctx context.Context, id uint64) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO intent_counter (singleton, last_id) VALUES (TRUE, $1)
ON CONFLICT (singleton) DO UPDATE SET last_id = EXCLUDED.last_id
`, int64(id))
	if err != nil {
		return fmt.Errorf("set intent counter: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SaveIntent(ctx context.Context, in *intent.Intent) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO intents (id, user_account, status, deadline, created_at, updated_at, data)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    updated_at = EXCLUDED.updated_at,
    data = EXCLUDED.data
`, int64(in.ID), in.User, string(in.Status), in.Deadline, in.CreatedAt, in.UpdatedAt, data)
	if err != nil {
		return fmt.Errorf("save intent %d: %w", in.ID, err)
	}
	return nil
}

func (r *PostgresRepository) GetIntent(ctx context.Context, id uint64) (*intent.Intent, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, `SELECT data FROM intents WHERE id = $1`, int64(id)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, intent.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intent %d: %w", id, err)
	}
	var in intent.Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("unmarshal intent %d: %w", id, err)
	}
	return &in, nil
}

func (r *PostgresRepository) ListIntents(ctx context.Context, filter intent.ListFilter) ([]*intent.Intent, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}
	var deadlineBefore *time.Time
	if !filter.DeadlineBefore.IsZero() {
		deadlineBefore = &filter.DeadlineBefore
	}

	rows, err := r.pool.Query(ctx, `
SELECT data FROM intents
WHERE ($1::text = '' OR user_account = $1)
  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
  AND ($5::timestamptz IS NULL OR deadline < $5)
ORDER BY id
LIMIT $3 OFFSET $4
`, filter.User, statuses, limit, filter.Offset, deadlineBefore)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}

	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*intent.Intent, error) {
		var data []byte
		if err := row.Scan(&data); err != nil {
			return nil, err
		}
		var in intent.Intent
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, err
		}
		return &in, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan intents: %w", err)
	}
	return list, nil
}

// ClaimProof inserts the claim, or reads back the existing owner on conflict.
func (r *PostgresRepository) ClaimProof(ctx context.Context, chain, proofRef string, intentID uint64) error {
	var owner int64
	err := r.pool.QueryRow(ctx, `
INSERT INTO fulfilment_proofs (chain, proof_ref, intent_id)
VALUES ($1, $2, $3)
ON CONFLICT (chain, proof_ref) DO UPDATE SET chain = EXCLUDED.chain
RETURNING intent_id
`, chain, normalizeProof(proofRef), int64(intentID)).Scan(&owner)
	if err != nil {
		return fmt.Errorf("claim proof: %w", err)
	}
	if uint64(owner) != intentID {
		return fmt.Errorf("%w: %s on %s is bound to intent %d", intent.ErrProofReused, proofRef, chain, owner)
	}
	return nil
}

func (r *PostgresRepository) ProofClaimant(ctx context.Context, chain, proofRef string) (uint64, error) {
	var owner int64
	err := r.pool.QueryRow(ctx, `SELECT intent_id FROM fulfilment_proofs WHERE chain = $1 AND proof_ref = $2`,
		chain, normalizeProof(proofRef)).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read proof claim: %w", err)
	}
	return uint64(owner), nil
}

func (r *PostgresRepository) SaveEscrowEntries(ctx context.Context, entries []escrow.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		if e.Locked.IsZero() {
			batch.Queue(`DELETE FROM escrow_entries WHERE account = $1 AND token = $2`, e.Account, e.Token)
			continue
		}
		batch.Queue(`
INSERT INTO escrow_entries (account, token, locked, updated_at)
VALUES ($1, $2, $3::numeric, now())
ON CONFLICT (account, token) DO UPDATE
SET locked = EXCLUDED.locked, updated_at = now()
`, e.Account, e.Token, e.Locked.String())
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin escrow tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save escrow entries: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) LoadEscrowEntries(ctx context.Context) ([]escrow.Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT account, token, locked::text FROM escrow_entries ORDER BY token, account`)
	if err != nil {
		return nil, fmt.Errorf("load escrow entries: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (escrow.Entry, error) {
		var (
			e      escrow.Entry
			locked string
		)
		if err := row.Scan(&e.Account, &e.Token, &locked); err != nil {
			return escrow.Entry{}, err
		}
		amount, err := decimal.NewFromString(locked)
		if err != nil {
			return escrow.Entry{}, fmt.Errorf("escrow entry %s/%s: %w", e.Account, e.Token, err)
		}
		e.Locked = amount
		return e, nil
	})
}

// normalizeProof keys the proof index. Proof references are hex transaction
// ids, so case is not significant.
func normalizeProof(proofRef string) string {
	return strings.ToLower(strings.TrimSpace(proofRef))
}
