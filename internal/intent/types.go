package intent

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/leafsii/leafsii-intents/internal/calc"
	"github.com/leafsii/leafsii-intents/internal/chains"
)

// Quote is a solver's proposed fulfilment terms. Quotes are immutable once
// appended to an intent.
type Quote struct {
	Solver            string          `json:"solver"`
	OutputAmount      decimal.Decimal `json:"outputAmount"`
	Fee               decimal.Decimal `json:"fee"`
	SolverTip         decimal.Decimal `json:"solverTip"`
	Expiry            time.Time       `json:"expiry"`
	SubmittedAt       time.Time       `json:"submittedAt"`
	SolverDestAddress string          `json:"solverDestAddress,omitempty"`
}

// SettlementStatus tracks the token ledger transfer that follows a terminal
// commit.
type SettlementStatus string

const (
	SettlementNone      SettlementStatus = ""
	SettlementPending   SettlementStatus = "pending"
	SettlementCompleted SettlementStatus = "completed"
)

// Settlement records the payout (fulfilment) or refund (cancel/expire) of
// deposited collateral.
type Settlement struct {
	Status           SettlementStatus `json:"status,omitempty"`
	From             string           `json:"from,omitempty"`
	To               string           `json:"to,omitempty"`
	Token            string           `json:"token,omitempty"`
	Amount           decimal.Decimal  `json:"amount"`
	ReceiptID        string           `json:"receiptId,omitempty"`
	ReleaseSignature string           `json:"releaseSignature,omitempty"`
	Attempts         int              `json:"attempts,omitempty"`
	LastError        string           `json:"lastError,omitempty"`
	SettledAt        *time.Time       `json:"settledAt,omitempty"`
}

// Intent is the aggregate root of a cross-chain swap request.
type Intent struct {
	ID            uint64          `json:"id"`
	User          string          `json:"user"`
	Source        chains.Spec     `json:"source"`
	Destination   chains.Spec     `json:"destination"`
	SourceAmount  decimal.Decimal `json:"sourceAmount"`
	MinOutput     decimal.Decimal `json:"minOutput"`
	DestRecipient string          `json:"destRecipient"`
	CreatedAt     time.Time       `json:"createdAt"`
	Deadline      time.Time       `json:"deadline"`
	Status        Status          `json:"status"`

	Quotes             []Quote `json:"quotes"`
	SelectedQuote      *Quote  `json:"selectedQuote,omitempty"`
	SelectedQuoteIndex *int    `json:"selectedQuoteIndex,omitempty"`

	EscrowLocked     decimal.Decimal `json:"escrowLocked"`
	GeneratedAddress string          `json:"generatedAddress,omitempty"`

	DepositProof      string              `json:"depositProof,omitempty"`
	DepositAmount     decimal.NullDecimal `json:"depositAmount"`
	DepositVerifiedAt *time.Time          `json:"depositVerifiedAt,omitempty"`

	FulfillmentProof string             `json:"fulfillmentProof,omitempty"`
	Fees             *calc.FeeBreakdown `json:"fees,omitempty"`

	ProtocolFeeBps uint32 `json:"protocolFeeBps"`

	// Outcome is set once the intent reaches a terminal status.
	Outcome    Status     `json:"outcome,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	Settlement Settlement `json:"settlement"`

	Halted     bool   `json:"halted,omitempty"`
	HaltReason string `json:"haltReason,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy.
func (in *Intent) Clone() *Intent {
	if in == nil {
		return nil
	}
	out := *in
	out.Source = cloneSpec(in.Source)
	out.Destination = cloneSpec(in.Destination)
	if in.Quotes != nil {
		out.Quotes = append([]Quote(nil), in.Quotes...)
	}
	if in.SelectedQuote != nil {
		q := *in.SelectedQuote
		out.SelectedQuote = &q
	}
	if in.SelectedQuoteIndex != nil {
		idx := *in.SelectedQuoteIndex
		out.SelectedQuoteIndex = &idx
	}
	out.DepositVerifiedAt = cloneTime(in.DepositVerifiedAt)
	out.FinishedAt = cloneTime(in.FinishedAt)
	out.Settlement.SettledAt = cloneTime(in.Settlement.SettledAt)
	if in.Fees != nil {
		f := *in.Fees
		out.Fees = &f
	}
	return &out
}

// Deposited reports whether a deposit was verified for the intent.
func (in *Intent) Deposited() bool {
	return in.DepositVerifiedAt != nil
}

// EscrowToken is the escrow ledger token key for the source asset.
func (in *Intent) EscrowToken() string {
	return in.Source.TokenKey()
}

func cloneSpec(s chains.Spec) chains.Spec {
	if s.ChainID != nil {
		id := *s.ChainID
		s.ChainID = &id
	}
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateRequest carries the parameters of CreateIntent.
type CreateRequest struct {
	User          string          `json:"user"`
	Source        chains.Spec     `json:"source"`
	Destination   chains.Spec     `json:"destination"`
	SourceAmount  decimal.Decimal `json:"sourceAmount"`
	MinOutput     decimal.Decimal `json:"minOutput"`
	DestRecipient string          `json:"destRecipient"`
	Deadline      time.Time       `json:"deadline"`
	// ExpectedOutput and SlippageBps, when set, bound MinOutput from below
	// by ExpectedOutput less the tolerance. A zero MinOutput takes the bound.
	ExpectedOutput decimal.Decimal `json:"expectedOutput,omitempty"`
	SlippageBps    uint32          `json:"slippageBps,omitempty"`
}

// QuoteRequest carries the parameters of SubmitQuote.
type QuoteRequest struct {
	Solver            string          `json:"solver"`
	OutputAmount      decimal.Decimal `json:"outputAmount"`
	Fee               decimal.Decimal `json:"fee"`
	SolverTip         decimal.Decimal `json:"solverTip"`
	Expiry            time.Time       `json:"expiry"`
	SolverDestAddress string          `json:"solverDestAddress,omitempty"`
}

// ListFilter narrows ListIntents. Zero values match everything.
type ListFilter struct {
	User     string
	Statuses []Status
	// DeadlineBefore keeps intents whose deadline is strictly earlier.
	DeadlineBefore time.Time
	Limit          int
	Offset         int
}

// Matches reports whether in passes the user, deadline and status filters.
func (f ListFilter) Matches(in *Intent) bool {
	if f.User != "" && in.User != f.User {
		return false
	}
	if !f.DeadlineBefore.IsZero() && !in.Deadline.Before(f.DeadlineBefore) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if in.Status == s {
			return true
		}
	}
	return false
}
