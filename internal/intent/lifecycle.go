package intent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leafsii/leafsii-intents/internal/calc"
)

// CreateIntent validates req and stores a new intent in PendingQuote.
func (s *Service) CreateIntent(ctx context.Context, req CreateRequest) (*Intent, error) {
	const op = "create_intent"
	now := s.clock.Now()

	in, err := s.newIntent(req, now)
	if err != nil {
		return nil, opError(op, 0, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.repo.NextIntentID(ctx)
	if err != nil {
		return nil, opError(op, 0, fmt.Errorf("allocate id: %w", err))
	}
	in.ID = id

	if err := s.commit(ctx, "", in, nil); err != nil {
		return nil, opError(op, id, err)
	}
	return in.Clone(), nil
}

func (s *Service) newIntent(req CreateRequest, now time.Time) (*Intent, error) {
	user := strings.TrimSpace(req.User)
	if user == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidAddress)
	}

	src, err := s.registry.Canonical(req.Source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	dst, err := s.registry.Canonical(req.Destination)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	if src.Chain == dst.Chain && src.Token == dst.Token {
		return nil, fmt.Errorf("%w: source and destination are the same asset", ErrInvalidChain)
	}

	if err := calc.ValidateAmount(req.SourceAmount, s.policy.MinAmount, s.policy.MaxAmount); err != nil {
		return nil, fmt.Errorf("source amount: %w", err)
	}
	minOutput, err := minOutputFor(req)
	if err != nil {
		return nil, err
	}
	if err := calc.ValidateDeadline(now, req.Deadline, s.policy.MinDeadline, s.policy.MaxDeadline); err != nil {
		return nil, err
	}

	recipient, err := s.registry.NormalizeAddress(dst.Chain, req.DestRecipient)
	if err != nil {
		return nil, fmt.Errorf("destination recipient: %w", err)
	}

	return &Intent{
		User:           user,
		Source:         src,
		Destination:    dst,
		SourceAmount:   req.SourceAmount,
		MinOutput:      minOutput,
		DestRecipient:  recipient,
		CreatedAt:      now,
		Deadline:       req.Deadline,
		Status:         StatusPendingQuote,
		Quotes:         []Quote{},
		EscrowLocked:   decimal.Zero,
		ProtocolFeeBps: s.policy.ProtocolFeeBps,
		UpdatedAt:      now,
	}, nil
}

// minOutputFor resolves the intent's minimum output, applying the slippage
// tolerance to ExpectedOutput when one is given.
func minOutputFor(req CreateRequest) (decimal.Decimal, error) {
	minOutput := req.MinOutput
	if !req.ExpectedOutput.IsZero() {
		if err := calc.ValidateBps(req.SlippageBps); err != nil {
			return decimal.Zero, fmt.Errorf("slippage: %w", err)
		}
		if err := calc.ValidateAmount(req.ExpectedOutput, decimal.Zero, decimal.Zero); err != nil {
			return decimal.Zero, fmt.Errorf("expected output: %w", err)
		}
		floor := calc.ApplySlippage(req.ExpectedOutput, req.SlippageBps)
		if minOutput.IsZero() {
			minOutput = floor
		} else if err := calc.ValidateMinReceived(minOutput, floor); err != nil {
			return decimal.Zero, fmt.Errorf("min output outside %d bps slippage: %w", req.SlippageBps, err)
		}
	}
	if err := calc.ValidateAmount(minOutput, decimal.Zero, decimal.Zero); err != nil {
		return decimal.Zero, fmt.Errorf("min output: %w", err)
	}
	return minOutput, nil
}

// SubmitQuote appends a solver quote and moves the intent to Quoted.
func (s *Service) SubmitQuote(ctx context.Context, id uint64, req QuoteRequest) (*Intent, error) {
	const op = "submit_quote"
	solver := strings.TrimSpace(req.Solver)
	if solver == "" {
		return nil, opError(op, id, fmt.Errorf("%w: solver is required", ErrInvalidQuote))
	}
	if !s.roles.solverAllowed(solver) {
		return nil, opError(op, id, ErrSolverNotAllowed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	in, err := s.load(ctx, id)
	if err != nil {
		return nil, opError(op, id, err)
	}
	if err := checkHalted(in); err != nil {
		return nil, opError(op, id, err)
	}
	if in.Status != StatusPendingQuote && in.Status != StatusQuoted {
		return nil, opError(op, id, fmt.Errorf("%w: cannot quote a %s intent", ErrInvalidStatus, in.Status))
	}

	now := s.clock.Now()
	if now.After(in.Deadline) {
		return nil, opError(op, id, ErrExpired)
	}

	q, err := s.validateQuote(in, req, now)
	if err != nil {
		return nil, opError(op, id, err)
	}
	q.Solver = solver

	from := in.Status
	in.Quotes = append(in.Quotes, q)
	if _, err := transition(in, StatusQuoted, now); err != nil {
		return nil, opError(op, id, err)
	}
	in.UpdatedAt = now

	if err := s.commit(ctx, from, in, nil); err != nil {
		return nil, opError(op, id, err)
	}
	s.logger.Infow("Quote submitted", "intentId", id, "solver", solver,
		"quoteIndex", len(in.Quotes)-1, "outputAmount", q.OutputAmount)
	return in.Clone(), nil
}

func (s *Service) validateQuote(in *Intent, req QuoteRequest, now time.Time) (Quote, error) {
	for name, v := range map[string]decimal.Decimal{
		"output amount": req.OutputAmount,
		"fee":           req.Fee,
		"solver tip":    req.SolverTip,
	} {
		if err := calc.ValidateBaseUnits(v); err != nil {
			return Quote{}, fmt.Errorf("%w: %s: %v", ErrInvalidQuote, name, err)
		}
	}
	if err := calc.ValidateMinReceived(req.OutputAmount, in.MinOutput); err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrInvalidQuote, err)
	}
	if req.Fee.Add(req.SolverTip).GreaterThan(req.OutputAmount) {
		return Quote{}, fmt.Errorf("%w: fee and tip exceed output", ErrInvalidQuote)
	}
	if _, ok := calc.CalculateFees(req.OutputAmount, in.ProtocolFeeBps, req.Fee, req.SolverTip); !ok {
		return Quote{}, fmt.Errorf("%w: %w", ErrInvalidQuote, ErrFeesExceedOutput)
	}
	if !req.Expiry.After(now) {
		return Quote{}, fmt.Errorf("%w: expiry must be in the future", ErrInvalidQuote)
	}
	if req.Expiry.After(in.Deadline) {
		return Quote{}, fmt.Errorf("%w: expiry after intent deadline", ErrInvalidQuote)
	}

	q := Quote{
		OutputAmount: req.OutputAmount,
		Fee:          req.Fee,
		SolverTip:    req.SolverTip,
		Expiry:       req.Expiry,
		SubmittedAt:  now,
	}
	if addr := strings.TrimSpace(req.SolverDestAddress); addr != "" {
		normalized, err := s.registry.NormalizeAddress(in.Destination.Chain, addr)
		if err != nil {
			return Quote{}, fmt.Errorf("%w: solver destination: %v", ErrInvalidQuote, err)
		}
		q.SolverDestAddress = normalized
	}
	return q, nil
}

// confirmable checks that quoteIndex on in may be confirmed at now.
func confirmable(in *Intent, quoteIndex int, now time.Time) (Quote, error) {
	if err := checkHalted(in); err != nil {
		return Quote{}, err
	}
	switch CheckTransition(in.Status, StatusConfirmed, now, in.Deadline) {
	case RejectInvalid:
		return Quote{}, fmt.Errorf("%w: cannot confirm a %s intent", ErrInvalidStatus, in.Status)
	case RejectExpired:
		return Quote{}, ErrExpired
	}
	if in.Status != StatusQuoted || in.SelectedQuote != nil {
		return Quote{}, fmt.Errorf("%w: quote already selected", ErrInvalidStatus)
	}
	if quoteIndex < 0 || quoteIndex >= len(in.Quotes) {
		return Quote{}, fmt.Errorf("%w: no quote at index %d", ErrInvalidQuote, quoteIndex)
	}
	q := in.Quotes[quoteIndex]
	if now.After(q.Expiry) {
		return Quote{}, fmt.Errorf("%w: quote %d expired at %s", ErrExpired, quoteIndex, q.Expiry.Format(time.RFC3339))
	}
	return q, nil
}

// ConfirmQuote selects a quote, locks collateral, obtains a deposit address and
// moves the intent to Confirmed. The escrow lock is rolled back if derivation
// fails or the intent changed while the signer was called. Until then the lock
// is held as a reservation, so commits on the same key never persist it.
func (s *Service) ConfirmQuote(ctx context.Context, id uint64, quoteIndex int, caller string) (*Intent, error) {
	const op = "confirm_quote"

	s.mu.Lock()
	in, err := s.load(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, opError(op, id, err)
	}
	if in.User != caller {
		s.mu.Unlock()
		return nil, opError(op, id, ErrUnauthorized)
	}
	if in.Status == StatusConfirmed && in.SelectedQuoteIndex != nil && *in.SelectedQuoteIndex == quoteIndex && !in.Halted {
		s.mu.Unlock()
		return in, nil
	}

	q, err := confirmable(in, quoteIndex, s.clock.Now())
	if err != nil {
		s.mu.Unlock()
		return nil, opError(op, id, err)
	}
	if _, ok := calc.CalculateFees(q.OutputAmount, in.ProtocolFeeBps, q.Fee, q.SolverTip); !ok {
		s.mu.Unlock()
		return nil, opError(op, id, ErrFeesExceedOutput)
	}

	key := escrowKey(in)
	collateral := s.policy.Collateral.Collateral(in, q)
	if err := s.lockEscrow(ctx, key, collateral); err != nil {
		s.mu.Unlock()
		return nil, opError(op, id, fmt.Errorf("%w: %v", ErrEscrowLockFailed, err))
	}
	s.reserve(key, collateral)
	s.mu.Unlock()

	addr, derr := s.signer.DeriveAddress(ctx, in.Source.Chain, in.ID, in.User)

	s.mu.Lock()
	defer s.mu.Unlock()
	// From here the lock is either committed with the intent or rolled back.
	s.unreserve(key, collateral)

	rollback := func() {
		if err := s.releaseEscrow(ctx, key, collateral); err != nil {
			s.logger.Errorw("Failed to roll back escrow lock", "intentId", id, "error", err)
		}
	}

	if derr != nil {
		rollback()
		s.logger.Warnw("Address derivation failed, escrow lock rolled back", "intentId", id, "error", derr)
		return nil, opError(op, id, fmt.Errorf("%w: %v", ErrDerivationFailed, derr))
	}
	normalized, err := s.registry.NormalizeAddress(in.Source.Chain, addr)
	if err != nil {
		rollback()
		return nil, opError(op, id, fmt.Errorf("%w: signer returned %v", ErrDerivationFailed, err))
	}

	current, err := s.load(ctx, id)
	if err != nil {
		rollback()
		return nil, opError(op, id, err)
	}
	now := s.clock.Now()
	if _, err := confirmable(current, quoteIndex, now); err != nil {
		rollback()
		return nil, opError(op, id, err)
	}
	if current.GeneratedAddress != "" && current.GeneratedAddress != normalized {
		rollback()
		return nil, opError(op, id, fmt.Errorf("%w: deposit address already issued", ErrDerivationFailed))
	}

	from := current.Status
	selected := current.Quotes[quoteIndex]
	idx := quoteIndex
	current.SelectedQuote = &selected
	current.SelectedQuoteIndex = &idx
	current.GeneratedAddress = normalized
	current.EscrowLocked = current.EscrowLocked.Add(collateral)
	if _, err := transition(current, StatusConfirmed, now); err != nil {
		rollback()
		return nil, opError(op, id, err)
	}

	if err := s.commit(ctx, from, current, rollback, key); err != nil {
		return nil, opError(op, id, err)
	}
	s.logger.Infow("Quote confirmed", "intentId", id, "quoteIndex", quoteIndex,
		"solver", selected.Solver, "collateral", collateral, "depositAddress", normalized)
	return current.Clone(), nil
}
