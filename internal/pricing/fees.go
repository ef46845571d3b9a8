// Package pricing holds the fee arithmetic shared by both strategies.
// Everything here is pure: the grid engine and the inventory ledger must use
// the same formulas so round-trip profits are comparable.
package pricing

import "math"

// FeeAdjustedBuyPrice is the effective unit cost of a passive buy fill.
func FeeAdjustedBuyPrice(price, makerFee float64) float64 {
	return price * (1 + makerFee)
}

// BuyCost is the total quote spent acquiring size units at price.
func BuyCost(price, size, makerFee float64) float64 {
	return price * (1 + makerFee) * size
}

// SellRevenue is the quote received for selling size units at price.
func SellRevenue(price, size, makerFee float64) float64 {
	return price * (1 - makerFee) * size
}

// CycleProfit is the realized profit of one buy->sell round trip.
func CycleProfit(buyPrice, sellPrice, size, makerFee float64) float64 {
	return SellRevenue(sellPrice, size, makerFee) - BuyCost(buyPrice, size, makerFee)
}

// Breakeven is the minimum sell price at which a position acquired at the
// given fee-adjusted average cost realizes zero profit after the sell fee.
func Breakeven(feeAdjustedAvgCost, makerFee float64) float64 {
	return feeAdjustedAvgCost / (1 - makerFee)
}

// DriftBps is the unsigned basis-point distance of mid from a reference price.
func DriftBps(mid, reference float64) float64 {
	if reference == 0 {
		return 0
	}
	return math.Abs(mid-reference) / reference * 10000
}

// SpreadBps converts a bid/ask pair into the spread in basis points.
func SpreadBps(bid, ask float64) float64 {
	mid := (bid + ask) / 2
	if mid == 0 {
		return 0
	}
	return (ask - bid) / mid * 10000
}

// OffsetBps moves a price by the given number of basis points.
func OffsetBps(price, bps float64) float64 {
	return price * (1 + bps/10000)
}

// RoundToTick snaps a price to the nearest multiple of tickSize.
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Round(price/tickSize) * tickSize
}
