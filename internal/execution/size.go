package execution

import (
	"github.com/shopspring/decimal"

	"signal-core/pkg/db"
	"signal-core/pkg/exchanges/common"
)

// SizeDigits is the significant-digit precision of computed sizes.
const SizeDigits = 4

// EffectiveLeverage picks the leverage for one execution. A signal value of
// zero means the signal carried none.
func EffectiveLeverage(source string, configured, fromSignal int) int {
	switch source {
	case db.LeverageSourceSignal:
		if fromSignal > 0 {
			return fromSignal
		}
	case db.LeverageSourceMax:
		if fromSignal > configured {
			return fromSignal
		}
	}
	if configured <= 0 {
		return 1
	}
	return configured
}

// Size returns (amount × leverage) / price at SizeDigits significant digits,
// floored to the instrument step. Zero means the order cannot be sized.
func Size(amount float64, leverage int, price, step float64) float64 {
	if amount <= 0 || leverage <= 0 || price <= 0 {
		return 0
	}
	notional := decimal.NewFromFloat(amount).Mul(decimal.NewFromInt(int64(leverage)))
	raw, _ := notional.Div(decimal.NewFromFloat(price)).Float64()
	return common.FloorToStep(common.SignificantDigits(raw, SizeDigits), step)
}

// Deviation returns |market - entry| / entry as a percentage.
func Deviation(entry, market float64) float64 {
	if entry <= 0 {
		return 0
	}
	e := decimal.NewFromFloat(entry)
	d, _ := decimal.NewFromFloat(market).Sub(e).Abs().Div(e).Mul(decimal.NewFromInt(100)).Float64()
	return d
}
