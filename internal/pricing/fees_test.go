package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeeAdjustedBuyPrice(t *testing.T) {
	assert.InDelta(t, 1.0004, FeeAdjustedBuyPrice(1.0, 0.0004), 1e-12)
	assert.InDelta(t, 0.997899, FeeAdjustedBuyPrice(0.9975, 0.0004), 1e-9)
	assert.InDelta(t, 0.995, FeeAdjustedBuyPrice(0.995, 0), 1e-12)
}

func TestBuyCostAndSellRevenue(t *testing.T) {
	// Buying 100 units at 0.9990 with a 4 bps fee costs more than notional.
	cost := BuyCost(0.9990, 100, 0.0004)
	assert.InDelta(t, 99.939960, cost, 1e-6)
	assert.Greater(t, cost, 0.9990*100)

	// Selling receives less than notional.
	rev := SellRevenue(0.9990, 100, 0.0004)
	assert.InDelta(t, 99.860040, rev, 1e-6)
	assert.Less(t, rev, 0.9990*100)
}

func TestCycleProfit(t *testing.T) {
	// Round trip 0.9975 -> 0.9985 on 50 units at 4 bps per side.
	got := CycleProfit(0.9975, 0.9985, 50, 0.0004)
	want := SellRevenue(0.9985, 50, 0.0004) - BuyCost(0.9975, 50, 0.0004)
	assert.InDelta(t, want, got, 1e-12)
	assert.InDelta(t, 0.01008, got, 1e-5)

	// Equal buy and sell price loses exactly the two fees.
	flat := CycleProfit(1.0, 1.0, 10, 0.0004)
	assert.InDelta(t, -10*2*0.0004, flat, 1e-12)

	// Zero fee, the profit is the raw price difference.
	assert.InDelta(t, 0.05, CycleProfit(0.9975, 0.9985, 50, 0), 1e-12)
}

func TestBreakeven(t *testing.T) {
	// Selling at breakeven must realize zero after the sell-side fee.
	avg := FeeAdjustedBuyPrice(1.0, 0.0004)
	be := Breakeven(avg, 0.0004)
	assert.InDelta(t, 0, SellRevenue(be, 25, 0.0004)-avg*25, 1e-9)
	assert.Greater(t, be, avg)

	assert.Equal(t, 0.998, Breakeven(0.998, 0))
}

func TestDriftBps(t *testing.T) {
	assert.InDelta(t, 10, DriftBps(1.0010, 1.0), 1e-9)
	assert.InDelta(t, 10, DriftBps(0.9990, 1.0), 1e-9)
	assert.Equal(t, 0.0, DriftBps(1.0, 0))
}

func TestSpreadBps(t *testing.T) {
	// 0.9990 / 0.9992: 2 ticks of 1e-4 around a ~0.9991 mid.
	got := SpreadBps(0.9990, 0.9992)
	assert.InDelta(t, 0.0002/0.9991*10000, got, 1e-9)
	assert.Equal(t, 0.0, SpreadBps(-1, 1))
}

func TestOffsetBps(t *testing.T) {
	assert.InDelta(t, 1.0005, OffsetBps(1.0, 5), 1e-12)
	assert.InDelta(t, 0.9995, OffsetBps(1.0, -5), 1e-12)
	assert.Equal(t, 0.998, OffsetBps(0.998, 0))
}

func TestRoundToTick(t *testing.T) {
	assert.InDelta(t, 0.99873, RoundToTick(0.998734, 0.00001), 1e-12)
	assert.InDelta(t, 0.99874, RoundToTick(0.998736, 0.00001), 1e-12)
	// Non-positive tick size leaves the price untouched.
	assert.Equal(t, 0.998736, RoundToTick(0.998736, 0))
	assert.Equal(t, 0.998736, RoundToTick(0.998736, -1))
}
