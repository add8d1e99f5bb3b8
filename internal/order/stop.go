package order

import (
	"github.com/shopspring/decimal"

	"signal-core/internal/signal"
	"signal-core/pkg/exchanges/common"
)

// StopPrice offsets entry by variancePercent against the position: below
// entry for longs, above for shorts. The result is rounded to tick.
func StopPrice(entry float64, dir signal.Direction, variancePercent, tick float64) float64 {
	v := decimal.NewFromFloat(variancePercent).Div(decimal.NewFromInt(100))
	factor := decimal.NewFromInt(1).Sub(v)
	if dir == signal.Short {
		factor = decimal.NewFromInt(1).Add(v)
	}
	stop, _ := decimal.NewFromFloat(entry).Mul(factor).Float64()
	return common.RoundToTick(stop, tick)
}

// profitable reports whether a take-profit at tp lies on the winning side.
func profitable(dir signal.Direction, entry, tp float64) bool {
	if dir == signal.Short {
		return tp < entry
	}
	return tp > entry
}
