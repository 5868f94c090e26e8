package intent

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leafsii/leafsii-intents/internal/calc"
)

// CollateralPolicy decides how much escrow a confirmed quote locks.
type CollateralPolicy string

const (
	CollateralSourceOnly          CollateralPolicy = "source"
	CollateralSourcePlusSolverFee CollateralPolicy = "source_plus_fee"
)

func ParseCollateralPolicy(v string) (CollateralPolicy, error) {
	switch CollateralPolicy(strings.ToLower(strings.TrimSpace(v))) {
	case "", CollateralSourceOnly:
		return CollateralSourceOnly, nil
	case CollateralSourcePlusSolverFee:
		return CollateralSourcePlusSolverFee, nil
	default:
		return "", fmt.Errorf("unknown collateral policy %q", v)
	}
}

// Collateral returns the escrow amount for confirming q on in.
func (p CollateralPolicy) Collateral(in *Intent, q Quote) decimal.Decimal {
	if p == CollateralSourcePlusSolverFee {
		return in.SourceAmount.Add(q.Fee)
	}
	return in.SourceAmount
}

// Policy holds the limits and roles the orchestrator enforces.
type Policy struct {
	ProtocolFeeBps uint32
	MinAmount      decimal.Decimal
	// MaxAmount of zero disables the upper bound.
	MaxAmount   decimal.Decimal
	MinDeadline time.Duration
	MaxDeadline time.Duration
	Collateral  CollateralPolicy

	// An empty SolverAllowlist admits every solver.
	SolverAllowlist []string
	Verifiers       []string
	Admins          []string
}

func DefaultPolicy() Policy {
	return Policy{
		ProtocolFeeBps: 30,
		MinAmount:      decimal.NewFromInt(1),
		MinDeadline:    5 * time.Minute,
		MaxDeadline:    7 * 24 * time.Hour,
		Collateral:     CollateralSourceOnly,
	}
}

func (p Policy) Validate() error {
	if err := calc.ValidateBps(p.ProtocolFeeBps); err != nil {
		return err
	}
	if p.MinAmount.IsNegative() {
		return fmt.Errorf("%w: negative minimum", calc.ErrInvalidAmount)
	}
	if !p.MaxAmount.IsZero() && p.MaxAmount.LessThan(p.MinAmount) {
		return fmt.Errorf("%w: maximum %s below minimum %s", calc.ErrInvalidAmount, p.MaxAmount, p.MinAmount)
	}
	if p.MaxDeadline > 0 && p.MaxDeadline <= p.MinDeadline {
		return fmt.Errorf("%w: max window %v must exceed min window %v", calc.ErrInvalidDeadline, p.MaxDeadline, p.MinDeadline)
	}
	if _, err := ParseCollateralPolicy(string(p.Collateral)); err != nil {
		return err
	}
	return nil
}

type roles struct {
	solvers   map[string]struct{}
	verifiers map[string]struct{}
	admins    map[string]struct{}
}

func newRoles(p Policy) roles {
	return roles{
		solvers:   toSet(p.SolverAllowlist),
		verifiers: toSet(p.Verifiers),
		admins:    toSet(p.Admins),
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}

func (r roles) solverAllowed(solver string) bool {
	if len(r.solvers) == 0 {
		return true
	}
	_, ok := r.solvers[solver]
	return ok
}

func (r roles) isVerifier(caller string) bool {
	_, ok := r.verifiers[caller]
	return ok
}

func (r roles) isAdmin(caller string) bool {
	_, ok := r.admins[caller]
	return ok
}
