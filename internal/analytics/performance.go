// Package analytics computes realized-performance figures from the
// append-only trade log. It is a pure projection: replaying the same log
// always yields the same report, which is what the status surface and the
// inspect command expose.
package analytics

import (
	"sort"
	"time"

	"pegmaker/internal/domain"
)

// Report holds performance metrics derived from a sequence of fills.
type Report struct {
	TotalTrades    int
	Buys           int
	Sells          int
	Volume         float64 // quote units traded (pre-fee)
	FeesPaid       float64
	RealizedProfit float64 // FIFO-matched, fee-adjusted
	WinningSells   int
	LosingSells    int
	WinRate        float64
	AverageWin     float64
	AverageLoss    float64
	ProfitFactor   float64
	ByStrategy     map[domain.StrategyTag]float64 // realized profit per strategy
	FirstTrade     time.Time
	LastTrade      time.Time
}

type openBuy struct {
	price  float64
	amount float64
}

// Analyze replays the trade log oldest-first, matching sells against buys
// FIFO and applying the maker fee on both legs.
func Analyze(trades []*domain.TradeRecord, makerFee float64) *Report {
	report := &Report{ByStrategy: make(map[domain.StrategyTag]float64)}
	if len(trades) == 0 {
		return report
	}

	sorted := make([]*domain.TradeRecord, len(trades))
	copy(sorted, trades)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	report.FirstTrade = sorted[0].Timestamp
	report.LastTrade = sorted[len(sorted)-1].Timestamp

	var queue []openBuy
	var grossWins, grossLosses float64

	for _, t := range sorted {
		report.TotalTrades++
		report.Volume += t.Cost
		report.FeesPaid += t.Fee

		switch t.Side {
		case domain.Buy:
			report.Buys++
			queue = append(queue, openBuy{price: t.Price, amount: t.Amount})
		case domain.Sell:
			report.Sells++
			sellAmount := t.Amount
			var profit float64
			for sellAmount > 0 && len(queue) > 0 {
				buy := &queue[0]
				matched := sellAmount
				if buy.amount < matched {
					matched = buy.amount
				}
				buyCost := buy.price * (1 + makerFee)
				sellRevenue := t.Price * (1 - makerFee)
				profit += matched * (sellRevenue - buyCost)
				sellAmount -= matched
				buy.amount -= matched
				if buy.amount <= 0 {
					queue = queue[1:]
				}
			}
			report.RealizedProfit += profit
			report.ByStrategy[t.Strategy] += profit
			if profit > 0 {
				report.WinningSells++
				grossWins += profit
			} else {
				report.LosingSells++
				grossLosses += -profit
			}
		}
	}

	if report.Sells > 0 {
		report.WinRate = float64(report.WinningSells) / float64(report.Sells)
	}
	if report.WinningSells > 0 {
		report.AverageWin = grossWins / float64(report.WinningSells)
	}
	if report.LosingSells > 0 {
		report.AverageLoss = -grossLosses / float64(report.LosingSells)
	}
	if grossLosses > 0 {
		report.ProfitFactor = grossWins / grossLosses
	}
	return report
}
