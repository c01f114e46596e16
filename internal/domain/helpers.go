package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

const maxSignificantFigures = 5

func ParseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// RoundDownToStep floors size to a whole multiple of step.
func RoundDownToStep(size, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return size
	}
	return size.Div(step).Floor().Mul(step)
}

// SizeForNotional converts a quote amount into a lot-aligned base size at
// price. The result never costs more than notional at price.
func SizeForNotional(notional, price, step decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	size := RoundDownToStep(notional.Div(price), step)
	if !step.IsPositive() {
		return size
	}
	// Div rounds half-up at DivisionPrecision, which can land one lot high.
	for size.IsPositive() && size.Mul(price).GreaterThan(notional) {
		size = size.Sub(step)
	}
	return size
}

// RoundPrice limits price to the market's decimal precision and to five
// significant figures. Integer prices are always accepted by the venue.
func RoundPrice(price decimal.Decimal, priceDecimals int32) decimal.Decimal {
	if price.IsZero() {
		return price
	}
	abs := price.Abs()
	digits := int32(len(abs.Coefficient().String()))
	magnitude := digits + abs.Exponent() - 1
	places := maxSignificantFigures - 1 - magnitude
	if places > priceDecimals {
		places = priceDecimals
	}
	if places < 0 {
		places = 0
	}
	return price.Round(places)
}

// FormatDecimal renders d without trailing zeros, the form the venue hashes.
func FormatDecimal(d decimal.Decimal) string {
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "-0" {
		return "0"
	}
	return s
}

var quoteSuffixes = []string{"-PERP", "_PERP", "/USDC", "/USDT", "/USD", "-USDC", "-USDT", "-USD"}

// VenueSymbol converts an internal symbol such as "BTC-PERP" or "ETH/USDC"
// into the venue coin name. Explicit overrides win.
func VenueSymbol(internal string, overrides map[string]string) string {
	if v, ok := overrides[internal]; ok {
		return v
	}
	s := strings.TrimSpace(internal)
	for _, suffix := range quoteSuffixes {
		if len(s) > len(suffix) && strings.HasSuffix(s, suffix) {
			return s[:len(s)-len(suffix)]
		}
	}
	return s
}
