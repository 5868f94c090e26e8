package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leafsii/leafsii-intents/internal/calc"
	"github.com/leafsii/leafsii-intents/internal/chains"
	"github.com/leafsii/leafsii-intents/internal/escrow"
	"github.com/leafsii/leafsii-intents/internal/verify"
)

const (
	stageDeposit     = "deposit"
	stageFulfillment = "fulfillment"
)

// MarkDeposited verifies the deposit transaction named by proofRef against the
// intent's generated address and moves the intent to Deposited on success.
//
// A pending verdict leaves the intent unchanged and returns
// ErrVerificationPending; a failed verdict returns ErrVerificationFailed. The
// verdict is returned in every case where one was produced.
func (s *Service) MarkDeposited(ctx context.Context, id uint64, proofRef, caller string) (*Intent, verify.Verdict, error) {
	const op = "mark_deposited"
	proofRef = strings.TrimSpace(proofRef)
	if proofRef == "" {
		return nil, verify.Verdict{}, opError(op, id, ErrInvalidProof)
	}

	s.mu.Lock()
	in, err := s.load(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, verify.Verdict{}, opError(op, id, err)
	}
	if in.User != caller && !s.roles.isVerifier(caller) {
		s.mu.Unlock()
		return nil, verify.Verdict{}, opError(op, id, ErrUnauthorized)
	}
	if in.Status == StatusDeposited && in.DepositProof == proofRef && !in.Halted {
		s.mu.Unlock()
		return in, depositVerdict(in), nil
	}
	if err := depositable(in, s.clock.Now()); err != nil {
		s.mu.Unlock()
		return nil, verify.Verdict{}, opError(op, id, err)
	}
	chain, token, err := s.chainFor(in.Source)
	if err != nil {
		s.mu.Unlock()
		return nil, verify.Verdict{}, opError(op, id, err)
	}
	exp := verify.Expectation{
		Recipient:             in.GeneratedAddress,
		Amount:                in.EscrowLocked,
		RequiredConfirmations: chain.RequiredConfirmations,
		ProofReference:        proofRef,
		Normalize:             chain.Normalizer(),
	}
	query := verify.Query{Chain: chain, Token: token, ProofReference: proofRef, Recipient: in.GeneratedAddress}
	s.mu.Unlock()

	verdict, err := s.verifyFacts(ctx, stageDeposit, query, exp)
	if err != nil {
		return in, verdict, opError(op, id, err)
	}

	s.mu.Lock()
	current, err := s.load(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, verdict, opError(op, id, err)
	}
	if current.Status == StatusDeposited && current.DepositProof == proofRef {
		s.mu.Unlock()
		return current, verdict, nil
	}
	now := s.clock.Now()
	if err := depositable(current, now); err != nil {
		s.mu.Unlock()
		return nil, verdict, opError(op, id, err)
	}

	from := current.Status
	verifiedAt := verdict.Timestamp
	current.DepositProof = proofRef
	current.DepositAmount = decimal.NewNullDecimal(verdict.VerifiedAmount)
	current.DepositVerifiedAt = &verifiedAt
	if _, err := transition(current, StatusDeposited, now); err != nil {
		s.mu.Unlock()
		return nil, verdict, opError(op, id, err)
	}
	if err := s.commit(ctx, from, current, nil); err != nil {
		s.mu.Unlock()
		return nil, verdict, opError(op, id, err)
	}
	s.mu.Unlock()

	s.logger.Infow("Deposit verified", "intentId", id, "proofRef", proofRef,
		"amount", verdict.VerifiedAmount, "confirmations", verdict.Confirmations)

	if rec, ok := s.ledger.(DepositRecorder); ok {
		if err := rec.RecordDeposit(ctx, current.GeneratedAddress, current.EscrowToken(), verdict.VerifiedAmount, proofRef); err != nil {
			s.logger.Errorw("Failed to record deposit in token ledger", "intentId", id, "error", err)
		}
	}
	return current.Clone(), verdict, nil
}

func depositable(in *Intent, now time.Time) error {
	if err := checkHalted(in); err != nil {
		return err
	}
	switch CheckTransition(in.Status, StatusDeposited, now, in.Deadline) {
	case RejectInvalid:
		return fmt.Errorf("%w: cannot mark a %s intent deposited", ErrInvalidStatus, in.Status)
	case RejectExpired:
		return ErrExpired
	}
	if in.Status != StatusConfirmed {
		return fmt.Errorf("%w: deposit already recorded", ErrInvalidStatus)
	}
	return nil
}

func depositVerdict(in *Intent) verify.Verdict {
	var at time.Time
	if in.DepositVerifiedAt != nil {
		at = *in.DepositVerifiedAt
	}
	return verify.Success(in.DepositAmount.Decimal, in.DepositProof, 0, at)
}

// verifyFacts fetches facts and runs the verification engine. Pending and
// failed verdicts are returned together with their sentinel error.
func (s *Service) verifyFacts(ctx context.Context, stage string, q verify.Query, exp verify.Expectation) (verify.Verdict, error) {
	facts, fetchErr := s.chainData.FetchFacts(ctx, q)
	verdict, err := verify.Resolve(facts, fetchErr, exp, s.clock.Now())
	if err != nil {
		s.logger.Warnw("Chain data fetch failed", "stage", stage, "chain", q.Chain.Name,
			"proofRef", q.ProofReference, "error", err)
		return verify.Verdict{}, fmt.Errorf("%w: %v", ErrChainData, err)
	}
	s.recorder.RecordVerdict(ctx, stage, verdict.Outcome)

	switch verdict.Outcome {
	case verify.OutcomePending:
		if fetchErr != nil {
			s.logger.Warnw("Transient chain data failure treated as pending", "stage", stage,
				"chain", q.Chain.Name, "proofRef", q.ProofReference, "error", fetchErr)
		} else {
			s.logger.Debugw("Verification pending", "stage", stage, "chain", q.Chain.Name,
				"proofRef", q.ProofReference, "confirmations", verdict.Confirmations, "required", verdict.Required)
		}
		return verdict, fmt.Errorf("%w: %d/%d confirmations", ErrVerificationPending, verdict.Confirmations, verdict.Required)
	case verify.OutcomeFailed:
		s.logger.Warnw("Verification failed", "stage", stage, "chain", q.Chain.Name,
			"proofRef", q.ProofReference, "reason", verdict.Reason)
		return verdict, fmt.Errorf("%w: %s", ErrVerificationFailed, verdict.Reason)
	}
	return verdict, nil
}

// FulfillIntent verifies the solver's payout to the destination recipient,
// releases escrow and moves the intent to Fulfilled. The collateral is then
// transferred to the solver; a failed transfer leaves the settlement pending
// for RetrySettlement.
func (s *Service) FulfillIntent(ctx context.Context, id uint64, proofRef, caller string) (*Intent, verify.Verdict, error) {
	const op = "fulfill_intent"
	proofRef = strings.TrimSpace(proofRef)
	if proofRef == "" {
		return nil, verify.Verdict{}, opError(op, id, ErrInvalidProof)
	}

	s.mu.Lock()
	in, err := s.load(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, verify.Verdict{}, opError(op, id, err)
	}
	if !s.mayFulfil(in, caller) {
		s.mu.Unlock()
		return nil, verify.Verdict{}, opError(op, id, ErrUnauthorized)
	}
	if in.Status == StatusFulfilled && in.FulfillmentProof == proofRef {
		s.mu.Unlock()
		return in, verify.Verdict{}, nil
	}
	if err := fulfillable(in, s.clock.Now()); err != nil {
		s.mu.Unlock()
		return nil, verify.Verdict{}, opError(op, id, err)
	}
	if err := s.proofUnclaimed(ctx, in.Destination.Chain, proofRef, id); err != nil {
		s.mu.Unlock()
		return nil, verify.Verdict{}, opError(op, id, err)
	}
	q := *in.SelectedQuote
	fees, ok := calc.CalculateFees(q.OutputAmount, in.ProtocolFeeBps, q.Fee, q.SolverTip)
	if !ok {
		s.mu.Unlock()
		return nil, verify.Verdict{}, opError(op, id, ErrFeesExceedOutput)
	}
	chain, token, err := s.chainFor(in.Destination)
	if err != nil {
		s.mu.Unlock()
		return nil, verify.Verdict{}, opError(op, id, err)
	}
	exp := verify.Expectation{
		Recipient:             in.DestRecipient,
		Amount:                fees.NetOutput,
		RequiredConfirmations: chain.RequiredConfirmations,
		ProofReference:        proofRef,
		Normalize:             chain.Normalizer(),
	}
	query := verify.Query{Chain: chain, Token: token, ProofReference: proofRef, Recipient: in.DestRecipient}
	s.mu.Unlock()

	verdict, err := s.verifyFacts(ctx, stageFulfillment, query, exp)
	if err != nil {
		return in, verdict, opError(op, id, err)
	}

	s.mu.Lock()
	current, err := s.load(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, verdict, opError(op, id, err)
	}
	if current.Status == StatusFulfilled && current.FulfillmentProof == proofRef {
		s.mu.Unlock()
		return current, verdict, nil
	}
	now := s.clock.Now()
	if err := fulfillable(current, now); err != nil {
		s.mu.Unlock()
		return nil, verdict, opError(op, id, err)
	}
	if err := s.proofUnclaimed(ctx, current.Destination.Chain, proofRef, id); err != nil {
		s.mu.Unlock()
		return nil, verdict, opError(op, id, err)
	}

	key := escrowKey(current)
	released := current.EscrowLocked
	if err := s.releaseEscrow(ctx, key, released); err != nil {
		if errors.Is(err, escrow.ErrInsufficientBalance) {
			s.halt(ctx, current, err.Error())
		}
		s.mu.Unlock()
		return nil, verdict, opError(op, id, err)
	}
	undo := func() { s.relock(ctx, key, released) }

	from := current.Status
	current.Fees = &fees
	current.FulfillmentProof = proofRef
	current.EscrowLocked = decimal.Zero
	if _, err := transition(current, StatusFulfilled, now); err != nil {
		undo()
		s.mu.Unlock()
		return nil, verdict, opError(op, id, err)
	}
	current.Settlement = Settlement{
		Status: SettlementPending,
		From:   current.GeneratedAddress,
		To:     q.Solver,
		Token:  current.EscrowToken(),
		Amount: released,
	}
	// A claim left behind by a failed commit stays bound to this intent, so a
	// retry with the same proof still succeeds.
	if err := s.repo.ClaimProof(ctx, current.Destination.Chain, proofRef, id); err != nil {
		undo()
		s.mu.Unlock()
		return nil, verdict, opError(op, id, err)
	}
	if err := s.commit(ctx, from, current, undo, key); err != nil {
		s.mu.Unlock()
		return nil, verdict, opError(op, id, err)
	}
	s.mu.Unlock()

	s.logger.Infow("Intent fulfilled", "intentId", id, "solver", q.Solver,
		"netOutput", fees.NetOutput, "protocolFee", fees.ProtocolFee, "released", released)

	settled, err := s.settle(ctx, id)
	if err != nil {
		s.logger.Warnw("Settlement pending after fulfilment", "intentId", id, "error", err)
	}
	if settled == nil {
		settled = current
	}
	return settled.Clone(), verdict, nil
}

// mayFulfil reports whether caller is the selected solver or a verifier.
func (s *Service) mayFulfil(in *Intent, caller string) bool {
	if s.roles.isVerifier(caller) {
		return true
	}
	return in.SelectedQuote != nil && in.SelectedQuote.Solver == caller
}

// proofUnclaimed rejects a fulfilment proof already spent by another intent.
// The caller holds s.mu.
func (s *Service) proofUnclaimed(ctx context.Context, chain, proofRef string, id uint64) error {
	owner, err := s.repo.ProofClaimant(ctx, chain, proofRef)
	if err != nil {
		return fmt.Errorf("read proof claim: %w", err)
	}
	if owner != 0 && owner != id {
		s.logger.Warnw("Fulfilment proof reused", "intentId", id, "chain", chain,
			"proofRef", proofRef, "claimedBy", owner)
		return fmt.Errorf("%w: %s is bound to intent %d", ErrProofReused, proofRef, owner)
	}
	return nil
}

func fulfillable(in *Intent, now time.Time) error {
	if err := checkHalted(in); err != nil {
		return err
	}
	switch CheckTransition(in.Status, StatusFulfilled, now, in.Deadline) {
	case RejectInvalid:
		return fmt.Errorf("%w: cannot fulfil a %s intent", ErrInvalidStatus, in.Status)
	case RejectExpired:
		return ErrExpired
	}
	if in.Status != StatusDeposited || in.SelectedQuote == nil {
		return fmt.Errorf("%w: intent already fulfilled", ErrInvalidStatus)
	}
	return nil
}

// relock reverses a release after a failed commit. The caller holds s.mu.
func (s *Service) relock(ctx context.Context, key escrow.Key, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	if err := s.lockEscrow(ctx, key, amount); err != nil {
		s.logger.Errorw("Failed to restore escrow after rollback", "account", key.Account, "token", key.Token, "error", err)
	}
}

// CancelIntent releases held escrow and moves the intent to Cancelled. Only
// the creator or an admin may cancel. Deposited collateral is refunded.
func (s *Service) CancelIntent(ctx context.Context, id uint64, caller string) (*Intent, error) {
	const op = "cancel_intent"

	in, err := s.terminate(ctx, id, StatusCancelled, func(in *Intent, _ time.Time) error {
		if in.User != caller && !s.roles.isAdmin(caller) {
			return ErrUnauthorized
		}
		if in.Status == StatusExpired {
			return fmt.Errorf("%w: intent already expired", ErrInvalidStatus)
		}
		return nil
	})
	return in, opError(op, id, err)
}

// ExpireIntent moves an intent past its deadline to Expired, releasing escrow
// and refunding deposited collateral. It is a no-op on terminal intents.
func (s *Service) ExpireIntent(ctx context.Context, id uint64) (*Intent, error) {
	const op = "expire_intent"

	in, err := s.terminate(ctx, id, StatusExpired, func(in *Intent, now time.Time) error {
		if !now.After(in.Deadline) {
			return ErrNotExpired
		}
		return nil
	})
	return in, opError(op, id, err)
}

// terminate implements cancel and expire. Expiring a terminal intent is a
// no-op; check runs before the self-transition no-op so callers are still
// authorized.
func (s *Service) terminate(ctx context.Context, id uint64, to Status, check func(*Intent, time.Time) error) (*Intent, error) {
	s.mu.Lock()
	in, err := s.load(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if to == StatusExpired && in.Status.Terminal() {
		s.mu.Unlock()
		return in, nil
	}
	if err := checkHalted(in); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	now := s.clock.Now()
	if err := check(in, now); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if in.Status == to {
		s.mu.Unlock()
		return in, nil
	}
	if !ValidateTransition(in.Status, to) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, in.Status, to)
	}

	key := escrowKey(in)
	released := in.EscrowLocked
	if err := s.releaseEscrow(ctx, key, released); err != nil {
		if errors.Is(err, escrow.ErrInsufficientBalance) {
			s.halt(ctx, in, err.Error())
		}
		s.mu.Unlock()
		return nil, err
	}
	undo := func() { s.relock(ctx, key, released) }

	from := in.Status
	in.EscrowLocked = decimal.Zero
	if _, err := transition(in, to, now); err != nil {
		undo()
		s.mu.Unlock()
		return nil, err
	}
	if in.Deposited() && released.IsPositive() {
		in.Settlement = Settlement{
			Status: SettlementPending,
			From:   in.GeneratedAddress,
			To:     in.User,
			Token:  in.EscrowToken(),
			Amount: released,
		}
	}

	var keys []escrow.Key
	if released.IsPositive() {
		keys = append(keys, key)
	}
	if err := s.commit(ctx, from, in, undo, keys...); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	if in.Settlement.Status != SettlementPending {
		return in.Clone(), nil
	}
	settled, err := s.settle(ctx, id)
	if err != nil {
		s.logger.Warnw("Refund pending", "intentId", id, "status", to, "error", err)
	}
	if settled == nil {
		settled = in
	}
	return settled.Clone(), nil
}

// RetrySettlement retries a pending token ledger transfer.
func (s *Service) RetrySettlement(ctx context.Context, id uint64) (*Intent, error) {
	const op = "retry_settlement"
	in, err := s.load(ctx, id)
	if err != nil {
		return nil, opError(op, id, err)
	}
	if in.Settlement.Status != SettlementPending {
		return nil, opError(op, id, fmt.Errorf("%w: no pending settlement", ErrInvalidStatus))
	}
	settled, err := s.settle(ctx, id)
	if err != nil {
		return settled, opError(op, id, err)
	}
	return settled, nil
}

// PendingSettlements lists terminal intents whose transfer has not completed.
func (s *Service) PendingSettlements(ctx context.Context) ([]*Intent, error) {
	list, err := s.repo.ListIntents(ctx, ListFilter{Statuses: []Status{StatusFulfilled, StatusCancelled, StatusExpired}})
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, in := range list {
		if in.Settlement.Status == SettlementPending {
			out = append(out, in)
		}
	}
	return out, nil
}

// settle performs the token ledger transfer recorded on the intent. At most
// one transfer per intent is in flight.
func (s *Service) settle(ctx context.Context, id uint64) (*Intent, error) {
	s.mu.Lock()
	in, err := s.load(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if in.Settlement.Status != SettlementPending {
		s.mu.Unlock()
		return in, nil
	}
	if _, busy := s.settling[id]; busy {
		s.mu.Unlock()
		return in, nil
	}
	s.settling[id] = struct{}{}
	st := in.Settlement
	chain, _, chainErr := s.chainFor(in.Source)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.settling, id)
		s.mu.Unlock()
	}()

	var (
		signature string
		receipt   TransferReceipt
	)
	err = chainErr
	if err == nil && chain.Family == chains.FamilyUTXO {
		signature, err = s.signRelease(ctx, in, st)
	}
	if err == nil {
		receipt, err = s.ledger.Transfer(ctx, st.From, st.To, st.Token, st.Amount, fmt.Sprintf("intent-%d", id))
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, lerr := s.load(ctx, id)
	if lerr != nil {
		return nil, lerr
	}
	if current.Settlement.Status != SettlementPending {
		return current, nil
	}
	now := s.clock.Now()
	current.Settlement.Attempts++
	current.UpdatedAt = now
	s.recorder.RecordSettlement(ctx, err == nil)

	if err != nil {
		current.Settlement.LastError = err.Error()
		if serr := s.repo.SaveIntent(ctx, current); serr != nil {
			s.logger.Errorw("Failed to record settlement failure", "intentId", id, "error", serr)
		}
		return current, err
	}

	current.Settlement.Status = SettlementCompleted
	current.Settlement.ReceiptID = receipt.ID
	current.Settlement.ReleaseSignature = signature
	current.Settlement.LastError = ""
	current.Settlement.SettledAt = &now
	if err := s.repo.SaveIntent(ctx, current); err != nil {
		// The transfer happened; surface the bookkeeping failure loudly.
		s.logger.Errorw("Transfer completed but settlement could not be saved",
			"intentId", id, "receiptId", receipt.ID, "error", err)
		return current, err
	}
	s.logger.Infow("Settlement completed", "intentId", id, "to", st.To,
		"amount", st.Amount, "token", st.Token, "receiptId", receipt.ID)
	s.publish(ctx, EventSettled, current)
	return current, nil
}

// signRelease signs the release of UTXO collateral held at the intent's
// derived address.
func (s *Service) signRelease(ctx context.Context, in *Intent, st Settlement) (string, error) {
	msg := fmt.Sprintf("release:%d:%s:%s:%s:%s", in.ID, st.From, st.To, st.Token, st.Amount)
	hash := sha256.Sum256([]byte(msg))
	path := s.signer.DerivationPath(in.Source.Chain, in.ID, in.User)
	sig, err := s.signer.Sign(ctx, hash[:], path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return hex.EncodeToString(sig), nil
}
