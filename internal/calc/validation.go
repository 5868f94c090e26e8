package calc

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidDeadline = errors.New("invalid deadline")
	ErrInvalidBps      = errors.New("invalid basis points")
	ErrBelowMinimum    = errors.New("output below minimum")
)

// MaxAmount is the largest representable base-unit amount (2^128 - 1).
var MaxAmount = decimal.RequireFromString("340282366920938463463374607431768211455")

// ValidateBaseUnits checks that an amount is a non-negative whole number of base units
// that fits in 128 bits.
func ValidateBaseUnits(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	if !amount.Equal(amount.Truncate(0)) {
		return fmt.Errorf("%w: must be a whole number of base units", ErrInvalidAmount)
	}
	if amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: too large", ErrInvalidAmount)
	}
	return nil
}

// ValidateAmount checks that an amount is positive, whole and within [min, max].
// A zero max disables the upper bound.
func ValidateAmount(amount, min, max decimal.Decimal) error {
	if err := ValidateBaseUnits(amount); err != nil {
		return err
	}
	if amount.IsZero() {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if amount.LessThan(min) {
		return fmt.Errorf("%w: %s below minimum %s", ErrInvalidAmount, amount, min)
	}
	if !max.IsZero() && amount.GreaterThan(max) {
		return fmt.Errorf("%w: %s above maximum %s", ErrInvalidAmount, amount, max)
	}
	return nil
}

// ValidateMinReceived rejects an output below minReceived.
func ValidateMinReceived(actualOutput, minReceived decimal.Decimal) error {
	if actualOutput.LessThan(minReceived) {
		return fmt.Errorf("%w: %s less than minimum required %s",
			ErrBelowMinimum, actualOutput.String(), minReceived.String())
	}
	return nil
}

// ValidateBps rejects rates above 100%.
func ValidateBps(bps uint32) error {
	if bps > BasisPoints {
		return fmt.Errorf("%w: %d exceeds %d", ErrInvalidBps, bps, BasisPoints)
	}
	return nil
}

// ValidateDeadline checks that the deadline lies within (now+minWindow, now+maxWindow].
func ValidateDeadline(now, deadline time.Time, minWindow, maxWindow time.Duration) error {
	if !deadline.After(now) {
		return fmt.Errorf("%w: deadline must be in the future", ErrInvalidDeadline)
	}
	window := deadline.Sub(now)
	if window < minWindow {
		return fmt.Errorf("%w: %v is shorter than minimum %v", ErrInvalidDeadline, window, minWindow)
	}
	if maxWindow > 0 && window > maxWindow {
		return fmt.Errorf("%w: %v is longer than maximum %v", ErrInvalidDeadline, window, maxWindow)
	}
	return nil
}
