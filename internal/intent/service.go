// Package intent implements the cross-chain intent lifecycle: the status
// state machine, the orchestrator that drives it, and snapshot export.
package intent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/leafsii/leafsii-intents/internal/chains"
	"github.com/leafsii/leafsii-intents/internal/escrow"
)

// Service orchestrates intent operations.
//
// Every operation that calls out to a collaborator runs in three phases:
// validate under the service mutex, call out without holding it, then
// re-validate under the mutex before committing. The mutex is never held
// across a signer, chain data or token ledger call.
type Service struct {
	mu sync.Mutex

	repo      Repository
	registry  *chains.Registry
	signer    Signer
	chainData ChainDataProvider
	ledger    TokenLedger
	publisher EventPublisher
	escrow    *escrow.Ledger

	policy   Policy
	roles    roles
	clock    clock.Clock
	recorder Recorder

	// settling holds intents with a token ledger transfer in flight.
	settling map[uint64]struct{}
	// reserved holds escrow locked by ConfirmQuote calls that are waiting on
	// the signer. It is part of the live ledger but not of any intent.
	reserved map[escrow.Key]decimal.Decimal

	logger *zap.SugaredLogger
}

// Deps are the collaborators a Service cannot run without.
type Deps struct {
	Repo      Repository
	Registry  *chains.Registry
	Signer    Signer
	ChainData ChainDataProvider
	Ledger    TokenLedger
}

// Option customizes a Service.
type Option func(*Service)

func WithPolicy(p Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithPublisher(p EventPublisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithEscrowLedger shares an existing ledger, e.g. with a metrics observer.
func WithEscrowLedger(l *escrow.Ledger) Option {
	return func(s *Service) {
		if l != nil {
			s.escrow = l
		}
	}
}

func NewService(deps Deps, logger *zap.SugaredLogger, opts ...Option) (*Service, error) {
	switch {
	case deps.Repo == nil:
		return nil, errors.New("intent: repository is required")
	case deps.Registry == nil:
		return nil, errors.New("intent: chain registry is required")
	case deps.Signer == nil:
		return nil, errors.New("intent: signer is required")
	case deps.ChainData == nil:
		return nil, errors.New("intent: chain data provider is required")
	case deps.Ledger == nil:
		return nil, errors.New("intent: token ledger is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Service{
		repo:      deps.Repo,
		registry:  deps.Registry,
		signer:    deps.Signer,
		chainData: deps.ChainData,
		ledger:    deps.Ledger,
		escrow:    escrow.NewLedger(),
		policy:    DefaultPolicy(),
		clock:     clock.NewDefaultClock(),
		recorder:  nopRecorder{},
		settling:  make(map[uint64]struct{}),
		reserved:  make(map[escrow.Key]decimal.Decimal),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policy.Collateral == "" {
		s.policy.Collateral = CollateralSourceOnly
	}
	if err := s.policy.Validate(); err != nil {
		return nil, fmt.Errorf("intent: invalid policy: %w", err)
	}
	s.roles = newRoles(s.policy)
	return s, nil
}

func (s *Service) Policy() Policy { return s.policy }

func (s *Service) Registry() *chains.Registry { return s.registry }

// GetIntent returns a copy of the intent.
func (s *Service) GetIntent(ctx context.Context, id uint64) (*Intent, error) {
	in, err := s.load(ctx, id)
	return in, opError("get_intent", id, err)
}

func (s *Service) GetIntentsByUser(ctx context.Context, user string) ([]*Intent, error) {
	list, err := s.repo.ListIntents(ctx, ListFilter{User: user})
	if err != nil {
		return nil, opError("get_intents_by_user", 0, err)
	}
	return list, nil
}

func (s *Service) ListIntents(ctx context.Context, filter ListFilter) ([]*Intent, error) {
	list, err := s.repo.ListIntents(ctx, filter)
	if err != nil {
		return nil, opError("list_intents", 0, err)
	}
	return list, nil
}

// GetEscrowBalance returns what is locked for account in token, where token is
// a "chain:SYMBOL" escrow key.
func (s *Service) GetEscrowBalance(account, token string) decimal.Decimal {
	return s.escrow.Balance(account, token)
}

// EscrowTotals returns the running total per escrow token.
func (s *Service) EscrowTotals() map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for _, token := range s.escrow.Tokens() {
		totals[token] = s.escrow.TotalLocked(token)
	}
	return totals
}

// VerifyInvariants checks the escrow ledger and its agreement with the
// per-intent escrow_locked fields.
func (s *Service) VerifyInvariants(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.escrow.VerifyInvariants() {
		return ErrInvariantViolated
	}
	intents, err := s.repo.ListIntents(ctx, ListFilter{})
	if err != nil {
		return err
	}
	return crossCheck(intents, s.committedEntries())
}

// Restore reloads the escrow ledger from the repository and checks it
// against the stored intents. Call it once at startup.
func (s *Service) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.repo.LoadEscrowEntries(ctx)
	if err != nil {
		return fmt.Errorf("load escrow entries: %w", err)
	}
	restored := escrow.NewLedger()
	if err := restored.Restore(entries); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolated, err)
	}
	intents, err := s.repo.ListIntents(ctx, ListFilter{})
	if err != nil {
		return fmt.Errorf("list intents: %w", err)
	}
	if err := crossCheck(intents, restored.Entries()); err != nil {
		return err
	}
	if err := s.escrow.Restore(entries); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolated, err)
	}

	s.logger.Infow("Restored escrow ledger", "entries", len(entries), "intents", len(intents))
	return nil
}

// crossCheck compares the sum of escrow_locked per (user, token) with the
// ledger entries.
func crossCheck(intents []*Intent, entries []escrow.Entry) error {
	expected := make(map[escrow.Key]decimal.Decimal)
	for _, in := range intents {
		if in.EscrowLocked.IsNegative() {
			return fmt.Errorf("%w: intent %d has negative escrow", ErrInvariantViolated, in.ID)
		}
		if in.EscrowLocked.IsZero() {
			continue
		}
		key := escrow.Key{Account: in.User, Token: in.EscrowToken()}
		expected[key] = expected[key].Add(in.EscrowLocked)
	}

	seen := make(map[escrow.Key]bool, len(entries))
	for _, e := range entries {
		key := escrow.Key{Account: e.Account, Token: e.Token}
		seen[key] = true
		if !expected[key].Equal(e.Locked) {
			return fmt.Errorf("%w: ledger holds %s for %s/%s, intents account for %s",
				ErrInvariantViolated, e.Locked, e.Account, e.Token, expected[key])
		}
	}
	for key, amount := range expected {
		if !seen[key] {
			return fmt.Errorf("%w: intents lock %s for %s/%s with no ledger entry",
				ErrInvariantViolated, amount, key.Account, key.Token)
		}
	}
	return nil
}

func (s *Service) load(ctx context.Context, id uint64) (*Intent, error) {
	in, err := s.repo.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	return in, nil
}

func checkHalted(in *Intent) error {
	if in.Halted {
		return fmt.Errorf("%w: %s", ErrIntentHalted, in.HaltReason)
	}
	return nil
}

func (s *Service) chainFor(spec chains.Spec) (chains.Chain, chains.Token, error) {
	c, err := s.registry.Lookup(spec.Chain)
	if err != nil {
		return chains.Chain{}, chains.Token{}, err
	}
	tok, ok := c.Token(spec.Token)
	if !ok {
		return chains.Chain{}, chains.Token{}, fmt.Errorf("%w: %s on %s", ErrInvalidToken, spec.Token, spec.Chain)
	}
	return c, tok, nil
}

// committedBalance is the ledger balance for key less any reservation still
// waiting on the signer. The caller holds s.mu.
func (s *Service) committedBalance(key escrow.Key) decimal.Decimal {
	return s.escrow.Balance(key.Account, key.Token).Sub(s.reserved[key])
}

// committedEntries returns the ledger entries without pending reservations.
// The caller holds s.mu.
func (s *Service) committedEntries() []escrow.Entry {
	entries := s.escrow.Entries()
	out := entries[:0]
	for _, e := range entries {
		e.Locked = s.committedBalance(escrow.Key{Account: e.Account, Token: e.Token})
		if e.Locked.IsZero() {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Service) reserve(key escrow.Key, amount decimal.Decimal) {
	s.reserved[key] = s.reserved[key].Add(amount)
}

func (s *Service) unreserve(key escrow.Key, amount decimal.Decimal) {
	left := s.reserved[key].Sub(amount)
	if left.Sign() <= 0 {
		delete(s.reserved, key)
		return
	}
	s.reserved[key] = left
}

// persistEscrow writes the committed balance for each key.
func (s *Service) persistEscrow(ctx context.Context, keys ...escrow.Key) error {
	entries := make([]escrow.Entry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, escrow.Entry{
			Account: k.Account,
			Token:   k.Token,
			Locked:  s.committedBalance(k),
		})
	}
	return s.repo.SaveEscrowEntries(ctx, entries)
}

// commit persists in and any touched escrow entries, then records and
// publishes the change. undo reverts in-memory escrow changes when the write
// fails. The caller holds s.mu.
func (s *Service) commit(ctx context.Context, from Status, in *Intent, undo func(), keys ...escrow.Key) error {
	if len(keys) > 0 {
		if err := s.persistEscrow(ctx, keys...); err != nil {
			if undo != nil {
				undo()
			}
			return fmt.Errorf("persist escrow: %w", err)
		}
	}
	if err := s.repo.SaveIntent(ctx, in); err != nil {
		if undo != nil {
			undo()
			if len(keys) > 0 {
				if perr := s.persistEscrow(ctx, keys...); perr != nil {
					s.logger.Errorw("Failed to restore escrow entries after rollback", "intentId", in.ID, "error", perr)
				}
			}
		}
		return fmt.Errorf("save intent: %w", err)
	}

	if from != in.Status {
		s.recorder.RecordTransition(ctx, from, in.Status)
		s.logger.Infow("Intent transition", "intentId", in.ID, "from", from, "status", in.Status)
	}
	if typ, ok := statusEvents[in.Status]; ok {
		s.publish(ctx, typ, in)
	}
	return nil
}

// halt marks the intent for manual intervention. The caller holds s.mu.
func (s *Service) halt(ctx context.Context, in *Intent, reason string) {
	in.Halted = true
	in.HaltReason = reason
	in.UpdatedAt = s.clock.Now()
	if err := s.repo.SaveIntent(ctx, in); err != nil {
		s.logger.Errorw("Failed to persist halted intent", "intentId", in.ID, "error", err)
	}
	s.recorder.RecordHalt(ctx)
	s.logger.Errorw("Intent halted: escrow bookkeeping violated",
		"intentId", in.ID, "halted", true, "reason", reason)
	s.publish(ctx, EventHalted, in)
}

func (s *Service) lockEscrow(ctx context.Context, key escrow.Key, amount decimal.Decimal) error {
	if err := s.escrow.Lock(key.Account, key.Token, amount); err != nil {
		return err
	}
	s.recorder.RecordEscrow(ctx, "lock", key.Token, amount)
	return nil
}

func (s *Service) releaseEscrow(ctx context.Context, key escrow.Key, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if err := s.escrow.Release(key.Account, key.Token, amount); err != nil {
		return err
	}
	s.recorder.RecordEscrow(ctx, "release", key.Token, amount)
	return nil
}

func escrowKey(in *Intent) escrow.Key {
	return escrow.Key{Account: in.User, Token: in.EscrowToken()}
}
