// Package pricing implements the fixed-price share model and the derived
// odds for binary snowfall markets.
//
// Every share costs SharePrice regardless of market state, so the pool of a
// market is always a multiple of SharePrice until the first claim. Odds are
// the YES share of all shares sold, as an integer percentage.
//
// Arithmetic runs on 256-bit intermediates (holiman/uint256) and reports
// overflow instead of wrapping. Display conversions use shopspring/decimal.
// Nothing in here touches float64.
package pricing

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/powguess/market-engine/internal/model"
)

const (
	// CurrencyDecimals is the number of decimals of the settlement token (USDC).
	CurrencyDecimals = 6

	// SharePrice is the cost of one share: 0.5 USDC in smallest units.
	SharePrice uint64 = 500_000
)

// ErrOverflow is returned when a quantity does not fit the 64-bit ledger.
var ErrOverflow = fmt.Errorf("%w: amount overflows", model.ErrInvalidParameters)

var errZeroDenominator = errors.New("pricing: zero winning total")

// Cost returns shares × SharePrice.
func Cost(shares uint64) (uint64, error) {
	z, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(shares), uint256.NewInt(SharePrice))
	if overflow || !z.IsUint64() {
		return 0, ErrOverflow
	}
	return z.Uint64(), nil
}

// Add returns a+b or ErrOverflow.
func Add(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Odds derives YES/NO percentages from share totals. With no shares sold the
// market quotes 50/50. YES is rounded half-up and NO is derived from it, so
// the pair always sums to exactly 100.
func Odds(totalYes, totalNo uint64) model.Odds {
	total := new(uint256.Int).Add(uint256.NewInt(totalYes), uint256.NewInt(totalNo))
	if total.IsZero() {
		return model.Odds{Yes: 50, No: 50}
	}

	// round(100*yes/total) == floor((200*yes + total) / (2*total))
	num := new(uint256.Int).Mul(uint256.NewInt(totalYes), uint256.NewInt(200))
	num.Add(num, total)
	den := new(uint256.Int).Lsh(total, 1)
	yes := new(uint256.Int).Div(num, den).Uint64()

	return model.Odds{Yes: yes, No: 100 - yes}
}

// Payout returns floor(pool × winningShares / winningTotal), the holder's
// proportional share of the whole settled pool.
func Payout(pool, winningShares, winningTotal uint64) (uint64, error) {
	if winningTotal == 0 {
		return 0, errZeroDenominator
	}
	if winningShares > winningTotal {
		return 0, fmt.Errorf("%w: %d winning shares exceed market total %d",
			model.ErrInvalidParameters, winningShares, winningTotal)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(
		uint256.NewInt(pool), uint256.NewInt(winningShares), uint256.NewInt(winningTotal))
	if overflow || !z.IsUint64() {
		return 0, ErrOverflow
	}
	return z.Uint64(), nil
}

// ToCurrency converts smallest units to a display amount (e.g. 1500000 → 1.5).
func ToCurrency(units uint64) decimal.Decimal {
	return decimal.NewFromUint64(units).Shift(-CurrencyDecimals)
}

// FromCurrency converts a display amount to smallest units, truncating any
// precision below one unit. Negative amounts are rejected.
func FromCurrency(amount decimal.Decimal) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", model.ErrInvalidParameters, amount)
	}
	units := amount.Shift(CurrencyDecimals).Truncate(0)
	bi := units.BigInt()
	if !bi.IsUint64() {
		return 0, ErrOverflow
	}
	return bi.Uint64(), nil
}
