package strategy

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	decHundred  = decimal.NewFromInt(100)
	decimalZero = decimal.Zero
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimalZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalGTE(a, b float64) bool { return decimalCompare(a, b) >= 0 }
func decimalGT(a, b float64) bool  { return decimalCompare(a, b) > 0 }
func decimalLT(a, b float64) bool  { return decimalCompare(a, b) < 0 }

// RoundCents rounds a price to the cent.
func RoundCents(price float64) float64 {
	return decToFloat(decFromFloat(price).Round(2))
}

// priceMinusATR returns round2(base − mult × atr).
func priceMinusATR(base, mult, atr float64) float64 {
	return decToFloat(decFromFloat(base).Sub(decFromFloat(mult).Mul(decFromFloat(atr))).Round(2))
}

// pricePlusATR returns round2(base + mult × atr).
func pricePlusATR(base, mult, atr float64) float64 {
	return decToFloat(decFromFloat(base).Add(decFromFloat(mult).Mul(decFromFloat(atr))).Round(2))
}
