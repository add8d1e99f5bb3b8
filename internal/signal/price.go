package signal

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var thousandsOnly = regexp.MustCompile(`^\d{1,3}(,\d{3})+$`)

// parseNumber accepts "$65,000", "0.02936", "0,5" and "−3.2".
func parseNumber(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(raw)
	s = strings.NewReplacer("$", "", "€", "", "£", "", "USDT", "", " ", "", "\u00a0", "", "−", "-", "+", "").Replace(s)
	s = strings.TrimRight(s, ",.")
	if s == "" {
		return decimal.Zero, false
	}
	switch {
	case strings.Contains(s, ",") && strings.Contains(s, "."):
		s = strings.ReplaceAll(s, ",", "")
	case strings.Contains(s, ","):
		digits := strings.TrimPrefix(s, "-")
		if thousandsOnly.MatchString(digits) {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// parsePrice returns 0 for anything non-numeric or non-positive.
func parsePrice(raw string) float64 {
	d, ok := parseNumber(raw)
	if !ok || !d.IsPositive() {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// parseLeverage returns 0 for anything non-numeric or non-positive.
func parseLeverage(raw string) int {
	d, ok := parseNumber(raw)
	if !ok || !d.IsPositive() {
		return 0
	}
	return int(d.Round(0).IntPart())
}
