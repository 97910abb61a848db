package calculator

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultFeeRate is the platform's share of a party's monthly gross.
var DefaultFeeRate = decimal.RequireFromString("0.15")

// Breakdown is the fee-adjusted payout for one settlement.
type Breakdown struct {
	Gross int64
	Fee   int64
	Net   int64
}

// SettlementFee computes fee = round(gross × rate) and net = gross − fee.
//
// Rounding is half-up on the smallest currency unit: 30 × 0.15 = 4.5 rounds
// to 5, never to the even 4. decimal.Round rounds half away from zero, which
// is half-up for the non-negative amounts accepted here.
func SettlementFee(gross int64, rate decimal.Decimal) (Breakdown, error) {
	if gross < 0 {
		return Breakdown{}, fmt.Errorf("gross amount cannot be negative: %d", gross)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return Breakdown{}, fmt.Errorf("fee rate must be within [0, 1]: %s", rate)
	}

	fee := decimal.NewFromInt(gross).Mul(rate).Round(0).IntPart()
	return Breakdown{
		Gross: gross,
		Fee:   fee,
		Net:   gross - fee,
	}, nil
}

// Sum totals amounts, failing instead of wrapping on overflow.
func Sum(amounts []int64) (int64, error) {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(decimal.NewFromInt(a))
	}
	if !total.Equal(decimal.NewFromInt(total.IntPart())) || total.GreaterThan(decimal.NewFromInt(1<<62)) {
		return 0, fmt.Errorf("amount total out of range: %s", total)
	}
	return total.IntPart(), nil
}
