package orders

import "math"

// TradePolicy holds the pure sizing rules applied before an instrument order
// is created. All methods are side-effect free.
type TradePolicy struct {
	// MinTradeSize is the smallest position change worth trading.
	MinTradeSize float64
	// BufferFraction suppresses churn: with an open position, a change
	// smaller than this fraction of the current position is skipped.
	BufferFraction float64
}

// DefaultBufferFraction suppresses trades under 10% of the open position.
const DefaultBufferFraction = 0.10

func NewTradePolicy(minTradeSize, bufferFraction float64) TradePolicy {
	if bufferFraction <= 0 {
		bufferFraction = DefaultBufferFraction
	}
	if minTradeSize <= 0 {
		minTradeSize = 1
	}
	return TradePolicy{MinTradeSize: minTradeSize, BufferFraction: bufferFraction}
}

// ShouldCreateOrder decides whether moving from current to target is worth an
// order. Changes below MinTradeSize are never traded; with a non-zero current
// position the change must also clear the buffer fraction.
func (p TradePolicy) ShouldCreateOrder(current, target float64) bool {
	delta := math.Abs(decToFloat(decFromFloat(target).Sub(decFromFloat(current))))
	if delta < p.MinTradeSize {
		return false
	}
	if current != 0 && delta/math.Abs(current) < p.BufferFraction {
		return false
	}
	return true
}

// ApplyPositionLimits clamps a proposed trade so the resulting position stays
// inside ±maxPosition. maxPosition <= 0 means unlimited. A clamped trade that
// falls below MinTradeSize is zeroed rather than sent as dust.
func (p TradePolicy) ApplyPositionLimits(proposed, current, maxPosition float64) float64 {
	if maxPosition <= 0 {
		return proposed
	}
	resulting := decFromFloat(current).Add(decFromFloat(proposed))
	limit := decFromFloat(maxPosition)
	if resulting.GreaterThan(limit) {
		resulting = limit
	} else if resulting.LessThan(limit.Neg()) {
		resulting = limit.Neg()
	}
	trade := decToFloat(resulting.Sub(decFromFloat(current)))
	if math.Abs(trade) < p.MinTradeSize {
		return 0
	}
	return trade
}
