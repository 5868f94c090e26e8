// Package ledger is an in-memory custody ledger. Deposits verified on chain
// are credited to the intent's deposit address and settlement moves them to
// the solver or back to the user.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/leafsii/leafsii-intents/internal/intent"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

type account struct {
	owner string
	token string
}

// Ledger implements intent.TokenLedger and intent.DepositRecorder.
// Transfers and deposits are idempotent per reference: replaying a
// reference returns the original receipt without moving funds twice.
type Ledger struct {
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu        sync.Mutex
	balances  map[account]decimal.Decimal
	transfers map[string]intent.TransferReceipt
	deposits  map[string]struct{}
	history   []intent.TransferReceipt
}

func New(c clock.Clock, logger *zap.SugaredLogger) *Ledger {
	if c == nil {
		c = clock.NewDefaultClock()
	}
	return &Ledger{
		clock:     c,
		logger:    logger,
		balances:  make(map[account]decimal.Decimal),
		transfers: make(map[string]intent.TransferReceipt),
		deposits:  make(map[string]struct{}),
	}
}

func (l *Ledger) Balance(owner, token string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account{owner, token}]
}

// RecordDeposit credits owner with amount. A reference that was already
// recorded is ignored.
func (l *Ledger) RecordDeposit(ctx context.Context, owner, token string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := token + "|" + reference
	if reference != "" {
		if _, ok := l.deposits[key]; ok {
			l.logger.Debugw("Deposit already recorded", "account", owner, "token", token, "reference", reference)
			return nil
		}
		l.deposits[key] = struct{}{}
	}
	acct := account{owner, token}
	l.balances[acct] = l.balances[acct].Add(amount)
	l.logger.Infow("Recorded deposit", "account", owner, "token", token, "amount", amount.String(), "reference", reference)
	return nil
}

func (l *Ledger) Transfer(ctx context.Context, from, to, token string, amount decimal.Decimal, reference string) (intent.TransferReceipt, error) {
	if !amount.IsPositive() {
		return intent.TransferReceipt{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if reference != "" {
		if r, ok := l.transfers[reference]; ok {
			return r, nil
		}
	}

	src := account{from, token}
	if l.balances[src].LessThan(amount) {
		return intent.TransferReceipt{}, fmt.Errorf("%w: %s holds %s %s, need %s",
			ErrInsufficientFunds, from, l.balances[src].String(), token, amount.String())
	}
	dst := account{to, token}
	l.balances[src] = l.balances[src].Sub(amount)
	if l.balances[src].IsZero() {
		delete(l.balances, src)
	}
	l.balances[dst] = l.balances[dst].Add(amount)

	receipt := intent.TransferReceipt{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Token:     token,
		Amount:    amount,
		Reference: reference,
		At:        l.clock.Now().UTC(),
	}
	if reference != "" {
		l.transfers[reference] = receipt
	}
	l.history = append(l.history, receipt)

	l.logger.Infow("Transferred", "receiptId", receipt.ID, "from", from, "to", to,
		"token", token, "amount", amount.String(), "reference", reference)
	return receipt, nil
}

// Receipts returns every transfer in the order it happened.
func (l *Ledger) Receipts() []intent.TransferReceipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]intent.TransferReceipt, len(l.history))
	copy(out, l.history)
	return out
}

var (
	_ intent.TokenLedger     = (*Ledger)(nil)
	_ intent.DepositRecorder = (*Ledger)(nil)
)
