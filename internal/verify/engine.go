package verify

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ObservedFacts is what a chain data provider reports about a transaction,
// already reduced to a shape that does not depend on the chain family.
type ObservedFacts struct {
	TransactionFound   bool                `json:"transactionFound"`
	Succeeded          bool                `json:"succeeded"`
	Recipient          string              `json:"recipient"`
	ObservedAmount     decimal.NullDecimal `json:"observedAmount"`
	TxReferenceHeight  *uint64             `json:"txReferenceHeight,omitempty"`
	CurrentChainHeight *uint64             `json:"currentChainHeight,omitempty"`
}

// Normalizer maps an address to its canonical comparison form.
type Normalizer func(address string) string

// Expectation describes what a transaction must show to be accepted.
type Expectation struct {
	Recipient             string
	Amount                decimal.Decimal
	RequiredConfirmations uint64
	ProofReference        string
	// Normalize defaults to trimming whitespace when nil.
	Normalize Normalizer
}

func (e Expectation) normalize(addr string) string {
	if e.Normalize == nil {
		return strings.TrimSpace(addr)
	}
	return e.Normalize(addr)
}

// Verify checks facts against exp, short-circuiting on the first failing step.
// Amounts above the expectation are accepted.
func Verify(facts ObservedFacts, exp Expectation, now time.Time) Verdict {
	if !facts.TransactionFound {
		return Pending(0, exp.RequiredConfirmations)
	}
	if !facts.Succeeded {
		return Failed(ReasonReverted)
	}
	if exp.normalize(facts.Recipient) != exp.normalize(exp.Recipient) {
		return Failed(ReasonAddressMismatch)
	}
	if !facts.ObservedAmount.Valid {
		return Failed(ReasonUnknownAmount)
	}
	amount := facts.ObservedAmount.Decimal
	if amount.LessThan(exp.Amount) {
		return Failed(ReasonInsufficientAmount)
	}

	confirmations := Confirmations(facts.TxReferenceHeight, facts.CurrentChainHeight)
	if confirmations < exp.RequiredConfirmations {
		return Pending(confirmations, exp.RequiredConfirmations)
	}
	return Success(amount, exp.ProofReference, confirmations, now)
}

// Confirmations returns current-tx+1 when current >= tx and 0 otherwise,
// including when either height is unknown. A same-height transaction has one
// confirmation; a height regression yields zero.
func Confirmations(txHeight, currentHeight *uint64) uint64 {
	if txHeight == nil || currentHeight == nil {
		return 0
	}
	if *currentHeight < *txHeight {
		return 0
	}
	return *currentHeight - *txHeight + 1
}

// Resolve combines a provider fetch result with Verify. Transient fetch errors
// become Pending{0, required}; any other fetch error is returned as is and no
// verdict is produced.
func Resolve(facts ObservedFacts, fetchErr error, exp Expectation, now time.Time) (Verdict, error) {
	if fetchErr != nil {
		if IsTransient(fetchErr) {
			return Pending(0, exp.RequiredConfirmations), nil
		}
		return Verdict{}, fetchErr
	}
	return Verify(facts, exp, now), nil
}
