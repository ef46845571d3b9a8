package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pegmaker/internal/domain"
)

const testFee = 0.0004

func trade(id string, side domain.OrderSide, price, amount float64, ts time.Time, tag domain.StrategyTag) *domain.TradeRecord {
	return &domain.TradeRecord{
		TradeID:   id,
		Timestamp: ts,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Cost:      price * amount,
		Fee:       price * amount * testFee,
		Strategy:  tag,
	}
}

func TestAnalyze_Empty(t *testing.T) {
	report := Analyze(nil, testFee)
	assert.Equal(t, 0, report.TotalTrades)
	assert.Equal(t, 0.0, report.RealizedProfit)
	assert.NotNil(t, report.ByStrategy)
}

func TestAnalyze_SingleCycle(t *testing.T) {
	now := time.Now()
	trades := []*domain.TradeRecord{
		trade("b1", domain.Buy, 0.9975, 50, now, domain.StrategyMaker),
		trade("s1", domain.Sell, 0.9985, 50, now.Add(time.Minute), domain.StrategyMaker),
	}

	report := Analyze(trades, testFee)
	assert.Equal(t, 2, report.TotalTrades)
	assert.Equal(t, 1, report.Buys)
	assert.Equal(t, 1, report.Sells)
	assert.InDelta(t, 0.9975*50+0.9985*50, report.Volume, 1e-9)

	want := 50 * (0.9985*(1-testFee) - 0.9975*(1+testFee))
	assert.InDelta(t, want, report.RealizedProfit, 1e-9)
	assert.Equal(t, 1, report.WinningSells)
	assert.Equal(t, 0, report.LosingSells)
	assert.Equal(t, 1.0, report.WinRate)
	assert.Equal(t, now, report.FirstTrade)
	assert.Equal(t, now.Add(time.Minute), report.LastTrade)
}

func TestAnalyze_FIFOMatching(t *testing.T) {
	now := time.Now()
	// Two buys at different prices, one sell spanning both.
	trades := []*domain.TradeRecord{
		trade("b1", domain.Buy, 0.9970, 50, now, domain.StrategyMaker),
		trade("b2", domain.Buy, 0.9980, 50, now.Add(time.Second), domain.StrategyMaker),
		trade("s1", domain.Sell, 0.9990, 70, now.Add(time.Minute), domain.StrategyMaker),
	}

	report := Analyze(trades, testFee)
	rev := 0.9990 * (1 - testFee)
	want := 50*(rev-0.9970*(1+testFee)) + 20*(rev-0.9980*(1+testFee))
	assert.InDelta(t, want, report.RealizedProfit, 1e-9)
}

func TestAnalyze_OutOfOrderInput(t *testing.T) {
	now := time.Now()
	// The sell arrives first in the slice; sorting must fix matching.
	trades := []*domain.TradeRecord{
		trade("s1", domain.Sell, 0.9990, 50, now.Add(time.Minute), domain.StrategyMaker),
		trade("b1", domain.Buy, 0.9970, 50, now, domain.StrategyMaker),
	}

	report := Analyze(trades, testFee)
	want := 50 * (0.9990*(1-testFee) - 0.9970*(1+testFee))
	assert.InDelta(t, want, report.RealizedProfit, 1e-9)
	assert.Equal(t, now, report.FirstTrade)
}

func TestAnalyze_WinLossAndProfitFactor(t *testing.T) {
	now := time.Now()
	trades := []*domain.TradeRecord{
		trade("b1", domain.Buy, 0.9970, 50, now, domain.StrategyMaker),
		trade("s1", domain.Sell, 0.9990, 50, now.Add(1*time.Minute), domain.StrategyMaker),
		trade("b2", domain.Buy, 0.9990, 50, now.Add(2*time.Minute), domain.StrategyMaker),
		trade("s2", domain.Sell, 0.9970, 50, now.Add(3*time.Minute), domain.StrategyMaker),
	}

	report := Analyze(trades, testFee)
	require.Equal(t, 2, report.Sells)
	assert.Equal(t, 1, report.WinningSells)
	assert.Equal(t, 1, report.LosingSells)
	assert.Equal(t, 0.5, report.WinRate)
	assert.Greater(t, report.AverageWin, 0.0)
	assert.Less(t, report.AverageLoss, 0.0)
	assert.Greater(t, report.ProfitFactor, 0.0)
	assert.Less(t, report.ProfitFactor, 1.0) // the loss leg is bigger

	wantFees := (0.9970*50 + 0.9990*50 + 0.9990*50 + 0.9970*50) * testFee
	assert.InDelta(t, wantFees, report.FeesPaid, 1e-9)
}

func TestAnalyze_ByStrategy(t *testing.T) {
	now := time.Now()
	trades := []*domain.TradeRecord{
		trade("b1", domain.Buy, 0.9970, 50, now, domain.StrategyMaker),
		trade("s1", domain.Sell, 0.9990, 50, now.Add(1*time.Minute), domain.StrategyMaker),
		trade("b2", domain.Buy, 0.9975, 50, now.Add(2*time.Minute), domain.StrategyGrid),
		trade("s2", domain.Sell, 0.9985, 50, now.Add(3*time.Minute), domain.StrategyGrid),
	}

	report := Analyze(trades, testFee)
	require.Len(t, report.ByStrategy, 2)
	rev1 := 0.9990 * (1 - testFee)
	rev2 := 0.9985 * (1 - testFee)
	assert.InDelta(t, 50*(rev1-0.9970*(1+testFee)), report.ByStrategy[domain.StrategyMaker], 1e-9)
	assert.InDelta(t, 50*(rev2-0.9975*(1+testFee)), report.ByStrategy[domain.StrategyGrid], 1e-9)
	assert.InDelta(t, report.ByStrategy[domain.StrategyMaker]+report.ByStrategy[domain.StrategyGrid],
		report.RealizedProfit, 1e-9)
}
