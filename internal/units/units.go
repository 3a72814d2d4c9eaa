// Package units converts between whole-coin decimal amounts, as users type
// them, and the integer base units the ledger stores.
//
// All monetary values use shopspring/decimal at the edge, never float64.
package units

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// BaseUnitsPerCoin is the number of base units in one whole coin.
const BaseUnitsPerCoin = 1_000_000_000

// Decimals is the number of fractional digits a coin amount may carry.
const Decimals int32 = 9

var (
	ErrNegativeAmount = errors.New("units: amount must not be negative")
	ErrTooPrecise     = errors.New("units: amount has more than 9 decimal places")
	ErrOverflow       = errors.New("units: amount exceeds the base-unit range")

	perCoin   = decimal.NewFromInt(BaseUnitsPerCoin)
	maxAmount = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)
)

// ToBaseUnits converts a whole-coin amount to base units. Amounts finer than
// one base unit are rejected rather than truncated.
func ToBaseUnits(coins decimal.Decimal) (uint64, error) {
	if coins.IsNegative() {
		return 0, fmt.Errorf("%w: %s", ErrNegativeAmount, coins)
	}
	base := coins.Mul(perCoin)
	if !base.Equal(base.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrTooPrecise, coins)
	}
	if base.GreaterThan(maxAmount) {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, coins)
	}
	return base.BigInt().Uint64(), nil
}

// FromBaseUnits converts base units back to whole coins.
func FromBaseUnits(amount uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -Decimals)
}
