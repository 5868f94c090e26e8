// Package verify turns chain-agnostic transaction observations into a
// verification verdict.
package verify

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the tri-state result of a verification.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*o = OutcomePending
	case "success":
		*o = OutcomeSuccess
	case "failed":
		*o = OutcomeFailed
	default:
		return fmt.Errorf("unknown verification outcome %q", string(b))
	}
	return nil
}

// Failure reasons.
const (
	ReasonReverted           = "transaction reverted/failed"
	ReasonAddressMismatch    = "address mismatch"
	ReasonUnknownAmount      = "could not determine amount"
	ReasonInsufficientAmount = "insufficient amount"
)

// Verdict is consumed immediately by the caller and never persisted.
// Which fields are meaningful depends on Outcome:
//   - success: VerifiedAmount, ProofReference, Confirmations, Timestamp
//   - pending: Confirmations, Required
//   - failed:  Reason
type Verdict struct {
	Outcome        Outcome         `json:"outcome"`
	VerifiedAmount decimal.Decimal `json:"verifiedAmount,omitempty"`
	ProofReference string          `json:"proofReference,omitempty"`
	Confirmations  uint64          `json:"confirmations"`
	Required       uint64          `json:"requiredConfirmations,omitempty"`
	Timestamp      time.Time       `json:"timestamp,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

func Success(amount decimal.Decimal, proofRef string, confirmations uint64, at time.Time) Verdict {
	return Verdict{
		Outcome:        OutcomeSuccess,
		VerifiedAmount: amount,
		ProofReference: proofRef,
		Confirmations:  confirmations,
		Timestamp:      at,
	}
}

func Pending(current, required uint64) Verdict {
	return Verdict{Outcome: OutcomePending, Confirmations: current, Required: required}
}

func Failed(reason string) Verdict {
	return Verdict{Outcome: OutcomeFailed, Reason: reason}
}

func (v Verdict) IsSuccess() bool { return v.Outcome == OutcomeSuccess }
func (v Verdict) IsPending() bool { return v.Outcome == OutcomePending }
func (v Verdict) IsFailed() bool  { return v.Outcome == OutcomeFailed }

func (v Verdict) String() string {
	switch v.Outcome {
	case OutcomeSuccess:
		return fmt.Sprintf("success{amount=%s confirmations=%d}", v.VerifiedAmount, v.Confirmations)
	case OutcomePending:
		return fmt.Sprintf("pending{%d/%d}", v.Confirmations, v.Required)
	default:
		return fmt.Sprintf("failed{%s}", v.Reason)
	}
}
