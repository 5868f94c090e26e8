// Package escrow keeps the bookkeeping of collateral held for in-flight intents.
//
// The ledger is a record of obligations, not a wallet: it tracks how much value
// the service believes it holds per (account, token) and never checks that the
// value exists anywhere. Custody lives with the token ledger collaborator.
package escrow

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount       = errors.New("invalid escrow amount")
	ErrInsufficientBalance = errors.New("insufficient escrow balance")
	ErrInvariantViolated   = errors.New("escrow invariant violated")
)

// Key identifies an escrow entry.
type Key struct {
	Account string `json:"account"`
	Token   string `json:"token"`
}

// Entry is an exported (account, token) lock record.
type Entry struct {
	Account string          `json:"account"`
	Token   string          `json:"token"`
	Locked  decimal.Decimal `json:"locked"`
}

// Ledger tracks locked value per (account, token) and a running total per token.
// Lock and Release are single-step under the ledger mutex, so concurrent intents
// sharing an entry never observe a partial update.
type Ledger struct {
	mu     sync.RWMutex
	locked map[Key]decimal.Decimal
	totals map[string]decimal.Decimal
}

func NewLedger() *Ledger {
	return &Ledger{
		locked: make(map[Key]decimal.Decimal),
		totals: make(map[string]decimal.Decimal),
	}
}

// Lock records amount as held for account in token. It rejects non-positive
// amounts and never rejects for lack of funds.
func (l *Ledger) Lock(account, token string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key{Account: account, Token: token}
	l.locked[key] = l.locked[key].Add(amount)
	l.totals[token] = l.totals[token].Add(amount)
	return nil
}

// Release removes amount from the entry. It fails without side effects when the
// entry holds less than amount.
func (l *Ledger) Release(account, token string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key{Account: account, Token: token}
	current := l.locked[key]
	if current.LessThan(amount) {
		return fmt.Errorf("%w: %s locked for %s/%s, release of %s requested",
			ErrInsufficientBalance, current, account, token, amount)
	}
	if amount.IsZero() {
		return nil
	}

	remaining := current.Sub(amount)
	if remaining.IsZero() {
		delete(l.locked, key)
	} else {
		l.locked[key] = remaining
	}

	total := l.totals[token].Sub(amount)
	if total.IsZero() {
		delete(l.totals, token)
	} else {
		l.totals[token] = total
	}
	return nil
}

// Balance returns the amount locked for account in token.
func (l *Ledger) Balance(account, token string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.locked[Key{Account: account, Token: token}]
}

// TotalLocked returns the running total for token.
func (l *Ledger) TotalLocked(token string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totals[token]
}

// Tokens lists every token with a non-zero total, sorted.
func (l *Ledger) Tokens() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tokens := make([]string, 0, len(l.totals))
	for token := range l.totals {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

// VerifyInvariants recomputes per-token sums from the entries and compares them
// with the running totals. Negative entries also fail the check.
func (l *Ledger) VerifyInvariants() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verifyLocked()
}

func (l *Ledger) verifyLocked() bool {
	sums := make(map[string]decimal.Decimal, len(l.totals))
	for key, amount := range l.locked {
		if amount.IsNegative() {
			return false
		}
		sums[key.Token] = sums[key.Token].Add(amount)
	}

	for token, total := range l.totals {
		if !sums[token].Equal(total) {
			return false
		}
	}
	for token, sum := range sums {
		if !sum.Equal(l.totals[token]) {
			return false
		}
	}
	return true
}

// Entries exports every non-zero entry, sorted by token then account.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]Entry, 0, len(l.locked))
	for key, amount := range l.locked {
		entries = append(entries, Entry{Account: key.Account, Token: key.Token, Locked: amount})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Token != entries[j].Token {
			return entries[i].Token < entries[j].Token
		}
		return entries[i].Account < entries[j].Account
	})
	return entries
}

// Restore replaces the ledger contents with entries and rebuilds the totals.
// The previous contents are kept when the restored state fails the invariant
// check or contains a negative entry.
func (l *Ledger) Restore(entries []Entry) error {
	locked := make(map[Key]decimal.Decimal, len(entries))
	totals := make(map[string]decimal.Decimal)
	for _, e := range entries {
		if e.Locked.IsNegative() {
			return fmt.Errorf("%w: negative entry for %s/%s", ErrInvariantViolated, e.Account, e.Token)
		}
		if e.Locked.IsZero() {
			continue
		}
		key := Key{Account: e.Account, Token: e.Token}
		locked[key] = locked[key].Add(e.Locked)
		totals[e.Token] = totals[e.Token].Add(e.Locked)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prevLocked, prevTotals := l.locked, l.totals
	l.locked, l.totals = locked, totals
	if !l.verifyLocked() {
		l.locked, l.totals = prevLocked, prevTotals
		return ErrInvariantViolated
	}
	return nil
}
