package orders

import (
	"math"

	"github.com/shopspring/decimal"
)

// Quantities and prices cross the API as float64 and are accumulated through
// shopspring/decimal so fill averaging stays exact regardless of fill count.

var decimalZero = decimal.Zero

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

// weightedAvgPrice returns the fill-size weighted average price across fills.
// Zero-quantity fills carry no weight; an empty list averages to zero.
func weightedAvgPrice(fills []Fill) float64 {
	notional := decimalZero
	volume := decimalZero
	for _, f := range fills {
		qty := decFromFloat(f.Quantity).Abs()
		if qty.IsZero() {
			continue
		}
		notional = notional.Add(qty.Mul(decFromFloat(f.Price)))
		volume = volume.Add(qty)
	}
	if volume.IsZero() {
		return 0
	}
	return decToFloat(notional.Div(volume))
}

// sumFillQty totals signed fill quantities.
func sumFillQty(fills []Fill) float64 {
	total := decimalZero
	for _, f := range fills {
		total = total.Add(decFromFloat(f.Quantity))
	}
	return decToFloat(total)
}

// signedSlippage measures execution cost versus the reference price: positive
// means the order filled on the wrong side of the reference for its direction.
func signedSlippage(orderQty, avgPrice, referencePrice float64) float64 {
	if referencePrice == 0 || avgPrice == 0 {
		return 0
	}
	diff := decFromFloat(avgPrice).Sub(decFromFloat(referencePrice))
	if orderQty < 0 {
		diff = diff.Neg()
	}
	return decToFloat(diff)
}
