package calc

import (
	"github.com/shopspring/decimal"
)

// BasisPoints is the denominator for all bps-denominated rates.
const BasisPoints = 10_000

var bpsDenominator = decimal.NewFromInt(BasisPoints)

// FeeBreakdown splits a solver's quoted output into its fee components.
// It is derived at fulfilment time and never stored.
type FeeBreakdown struct {
	ProtocolFee decimal.Decimal `json:"protocolFee"`
	SolverFee   decimal.Decimal `json:"solverFee"`
	SolverTip   decimal.Decimal `json:"solverTip"`
	TotalFees   decimal.Decimal `json:"totalFees"`
	NetOutput   decimal.Decimal `json:"netOutput"`
}

// ProtocolFee returns amount * bps / 10_000, truncated toward zero.
func ProtocolFee(amount decimal.Decimal, bps uint32) decimal.Decimal {
	q, _ := amount.Mul(decimal.NewFromInt(int64(bps))).QuoRem(bpsDenominator, 0)
	return q
}

// CalculateFees computes the fee breakdown for a quoted output.
//
// The second return value is false when the combined fees exceed the output.
// Fees are never clamped: a quote whose fee and tip would consume more than the
// output is unusable. protocolFeeBps is assumed to be validated by the caller.
func CalculateFees(outputAmount decimal.Decimal, protocolFeeBps uint32, solverFee, solverTip decimal.Decimal) (FeeBreakdown, bool) {
	protocolFee := ProtocolFee(outputAmount, protocolFeeBps)
	total := protocolFee.Add(solverFee).Add(solverTip)
	if total.GreaterThan(outputAmount) {
		return FeeBreakdown{}, false
	}

	return FeeBreakdown{
		ProtocolFee: protocolFee,
		SolverFee:   solverFee,
		SolverTip:   solverTip,
		TotalFees:   total,
		NetOutput:   outputAmount.Sub(total),
	}, true
}

// ApplySlippage returns amount * (10_000 - bps) / 10_000, truncated toward zero.
// A tolerance of 10_000 bps or more yields zero.
func ApplySlippage(amount decimal.Decimal, bps uint32) decimal.Decimal {
	if bps >= BasisPoints {
		return decimal.Zero
	}
	keep := decimal.NewFromInt(int64(BasisPoints - bps))
	q, _ := amount.Mul(keep).QuoRem(bpsDenominator, 0)
	return q
}
