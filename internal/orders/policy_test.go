package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldCreateOrder(t *testing.T) {
	p := NewTradePolicy(1, 0.10)

	t.Run("Below Min Trade Size", func(t *testing.T) {
		assert.False(t, p.ShouldCreateOrder(0, 0.5))
	})

	t.Run("Inside Buffer", func(t *testing.T) {
		// 5 contracts on a 100 lot book is churn, not signal.
		assert.False(t, p.ShouldCreateOrder(100, 105))
	})

	t.Run("Outside Buffer", func(t *testing.T) {
		assert.True(t, p.ShouldCreateOrder(100, 115))
	})

	t.Run("Flat Book Ignores Buffer", func(t *testing.T) {
		assert.True(t, p.ShouldCreateOrder(0, 2))
	})

	t.Run("Short Positions", func(t *testing.T) {
		assert.False(t, p.ShouldCreateOrder(-100, -105))
		assert.True(t, p.ShouldCreateOrder(-100, -115))
	})

	t.Run("Exact Buffer Boundary Trades", func(t *testing.T) {
		assert.True(t, p.ShouldCreateOrder(100, 110))
	})
}

func TestApplyPositionLimits(t *testing.T) {
	p := NewTradePolicy(1, 0.10)

	t.Run("Clamp Long", func(t *testing.T) {
		got := p.ApplyPositionLimits(20, 90, 100)
		assert.InDelta(t, 10, got, 1e-9)
	})

	t.Run("Clamp Short", func(t *testing.T) {
		got := p.ApplyPositionLimits(-20, -90, 100)
		assert.InDelta(t, -10, got, 1e-9)
	})

	t.Run("No Limit", func(t *testing.T) {
		got := p.ApplyPositionLimits(20, 90, 0)
		assert.InDelta(t, 20, got, 1e-9)
	})

	t.Run("Within Limit Untouched", func(t *testing.T) {
		got := p.ApplyPositionLimits(5, 10, 100)
		assert.InDelta(t, 5, got, 1e-9)
	})

	t.Run("Clamped To Dust Becomes Zero", func(t *testing.T) {
		got := p.ApplyPositionLimits(20, 99.5, 100)
		assert.InDelta(t, 0, got, 1e-9)
	})

	t.Run("Already At Limit", func(t *testing.T) {
		got := p.ApplyPositionLimits(20, 100, 100)
		assert.InDelta(t, 0, got, 1e-9)
	})
}
