package intent

import (
	"errors"
	"fmt"

	"github.com/leafsii/leafsii-intents/internal/calc"
	"github.com/leafsii/leafsii-intents/internal/chains"
	"github.com/leafsii/leafsii-intents/internal/escrow"
	"github.com/leafsii/leafsii-intents/internal/verify"
)

var (
	ErrNotFound            = errors.New("intent not found")
	ErrInvalidStatus       = errors.New("invalid status")
	ErrExpired             = errors.New("intent expired")
	ErrNotExpired          = errors.New("intent not expired")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrSolverNotAllowed    = errors.New("solver not allowed")
	ErrInvalidQuote        = errors.New("invalid quote")
	ErrInvalidProof        = errors.New("invalid proof reference")
	ErrEscrowLockFailed    = errors.New("escrow lock failed")
	ErrDerivationFailed    = errors.New("address derivation failed")
	ErrSigningFailed       = errors.New("signing failed")
	ErrVerificationFailed  = errors.New("verification failed")
	ErrVerificationPending = errors.New("verification pending")
	ErrIntentHalted        = errors.New("intent halted")
	ErrTransferFailed      = errors.New("token transfer failed")
	ErrChainData           = errors.New("chain data unavailable")
	ErrFeesExceedOutput    = errors.New("fees exceed output")
	ErrInvariantViolated   = errors.New("escrow invariant violated")
	ErrSnapshotVersion     = errors.New("unsupported snapshot version")

	// ErrProofReused marks a fulfilment proof already spent by another intent.
	ErrProofReused = fmt.Errorf("%w: already used by another intent", ErrInvalidProof)

	ErrInvalidAmount       = calc.ErrInvalidAmount
	ErrInvalidDeadline     = calc.ErrInvalidDeadline
	ErrInvalidChain        = chains.ErrInvalidChain
	ErrInvalidToken        = chains.ErrInvalidToken
	ErrInvalidAddress      = chains.ErrInvalidAddress
	ErrChainNotSupported   = chains.ErrChainNotSupported
	ErrInsufficientBalance = escrow.ErrInsufficientBalance
)

// Kind classifies errors by how callers should react to them.
type Kind string

const (
	KindInternal      Kind = "internal"
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindState         Kind = "state"
	KindEscrow        Kind = "escrow"
	KindPending       Kind = "pending"
	KindVerification  Kind = "verification"
	KindExternal      Kind = "external"
	KindCryptographic Kind = "cryptographic"
	KindFatal         Kind = "fatal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrIntentHalted, KindFatal},
	{ErrInvariantViolated, KindFatal},
	{ErrInsufficientBalance, KindFatal},
	{ErrNotFound, KindNotFound},
	{ErrUnauthorized, KindAuthorization},
	{ErrSolverNotAllowed, KindAuthorization},
	{ErrInvalidStatus, KindState},
	{ErrExpired, KindState},
	{ErrNotExpired, KindState},
	{ErrEscrowLockFailed, KindEscrow},
	{ErrDerivationFailed, KindCryptographic},
	{ErrSigningFailed, KindCryptographic},
	{ErrVerificationPending, KindPending},
	{ErrVerificationFailed, KindVerification},
	{ErrTransferFailed, KindExternal},
	{ErrChainData, KindExternal},
	{ErrInvalidQuote, KindValidation},
	{ErrInvalidProof, KindValidation},
	{ErrFeesExceedOutput, KindValidation},
	{ErrSnapshotVersion, KindValidation},
	{ErrInvalidAmount, KindValidation},
	{ErrInvalidDeadline, KindValidation},
	{ErrInvalidChain, KindValidation},
	{ErrInvalidToken, KindValidation},
	{ErrInvalidAddress, KindValidation},
	{ErrChainNotSupported, KindValidation},
	{calc.ErrInvalidBps, KindValidation},
	{calc.ErrBelowMinimum, KindValidation},
	{escrow.ErrInvalidAmount, KindEscrow},
}

// Error carries the kind, operation and intent of a failed operation. It
// unwraps to the underlying sentinel.
type Error struct {
	Kind     Kind
	Op       string
	IntentID uint64
	Err      error
}

func (e *Error) Error() string {
	if e.IntentID == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s intent %d: %v", e.Op, e.IntentID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err. Errors that are neither an *Error nor a known
// sentinel are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if verify.IsTransient(err) {
		return KindExternal
	}
	return KindInternal
}

func opError(op string, id uint64, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, IntentID: id, Err: err}
}
