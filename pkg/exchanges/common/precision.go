package common

import (
	"math"

	"github.com/shopspring/decimal"
)

// SignificantDigits rounds v to n significant digits.
func SignificantDigits(v float64, n int) float64 {
	if v == 0 || n <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	mag := int(math.Floor(math.Log10(math.Abs(v))))
	f, _ := decimal.NewFromFloat(v).Round(int32(n - mag - 1)).Float64()
	return f
}

// RoundToTick rounds a price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	f, _ := decimal.NewFromFloat(price).Div(t).Round(0).Mul(t).Float64()
	return f
}

// FloorToStep truncates a size down to a multiple of step.
func FloorToStep(size, step float64) float64 {
	if step <= 0 {
		return size
	}
	s := decimal.NewFromFloat(step)
	f, _ := decimal.NewFromFloat(size).Div(s).Floor().Mul(s).Float64()
	return f
}
