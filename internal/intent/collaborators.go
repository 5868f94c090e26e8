package intent

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leafsii/leafsii-intents/internal/escrow"
	"github.com/leafsii/leafsii-intents/internal/verify"
)

// Signer derives per-intent deposit addresses and signs release messages.
// DeriveAddress must be deterministic and unique per (chain, intentID, user).
type Signer interface {
	DeriveAddress(ctx context.Context, chain string, intentID uint64, user string) (string, error)
	DerivationPath(chain string, intentID uint64, user string) string
	Sign(ctx context.Context, messageHash []byte, path string) ([]byte, error)
}

// ChainDataProvider fetches transaction facts. Retryable transport failures
// are reported as verify.TransientError.
type ChainDataProvider interface {
	FetchFacts(ctx context.Context, q verify.Query) (verify.ObservedFacts, error)
}

// TransferReceipt is returned by a successful token ledger transfer.
type TransferReceipt struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Token     string          `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	At        time.Time       `json:"at"`
}

// TokenLedger moves custody of funds. It is only called after the escrow
// bookkeeping for the transfer has been committed.
type TokenLedger interface {
	Transfer(ctx context.Context, from, to, token string, amount decimal.Decimal, reference string) (TransferReceipt, error)
}

// DepositRecorder is implemented by token ledgers that mirror verified chain
// deposits into custody accounts.
type DepositRecorder interface {
	RecordDeposit(ctx context.Context, account, token string, amount decimal.Decimal, reference string) error
}

// EventPublisher fans committed lifecycle events out to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Repository persists intents, escrow entries and the id counter.
// Implementations return copies; callers own what they get back.
type Repository interface {
	NextIntentID(ctx context.Context) (uint64, error)
	LastIntentID(ctx context.Context) (uint64, error)
	SetLastIntentID(ctx context.Context, id uint64) error

	SaveIntent(ctx context.Context, in *Intent) error
	GetIntent(ctx context.Context, id uint64) (*Intent, error)
	ListIntents(ctx context.Context, filter ListFilter) ([]*Intent, error)

	// ClaimProof binds a fulfilment proof on chain to intentID. A proof
	// already bound to another intent fails with ErrProofReused; claiming it
	// again for the same intent succeeds.
	ClaimProof(ctx context.Context, chain, proofRef string, intentID uint64) error
	// ProofClaimant returns the intent bound to the proof, or 0.
	ProofClaimant(ctx context.Context, chain, proofRef string) (uint64, error)

	// SaveEscrowEntries upserts entries; a zero Locked deletes the entry.
	SaveEscrowEntries(ctx context.Context, entries []escrow.Entry) error
	LoadEscrowEntries(ctx context.Context) ([]escrow.Entry, error)
}

// Recorder receives operational measurements.
type Recorder interface {
	RecordTransition(ctx context.Context, from, to Status)
	RecordVerdict(ctx context.Context, stage string, outcome verify.Outcome)
	RecordEscrow(ctx context.Context, op, token string, amount decimal.Decimal)
	RecordHalt(ctx context.Context)
	RecordSettlement(ctx context.Context, ok bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordTransition(context.Context, Status, Status) {}
func (nopRecorder) RecordVerdict(context.Context, string, verify.Outcome) {}
func (nopRecorder) RecordEscrow(context.Context, string, string, decimal.Decimal) {}
func (nopRecorder) RecordHalt(context.Context) {}
func (nopRecorder) RecordSettlement(context.Context, bool) {}
