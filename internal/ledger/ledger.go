// Package ledger maintains the FIFO cost basis for the inventory-averaging
// strategy: open purchase lots, average cost, breakeven, and the buy/sell
// gates the reconciliation loop consults each tick.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pegmaker/internal/domain"
	"pegmaker/internal/ports"
	"pegmaker/internal/pricing"
)

// amountEpsilon absorbs float noise when comparing base amounts.
const amountEpsilon = 1e-9

// Config holds the thresholds the ledger enforces.
type Config struct {
	MakerFee         float64
	MaxPosition      float64 // base units
	OnlyAverageDown  bool    // block buys that would raise the average cost
	SellTranches     int     // number of slices for incremental selling
	TrancheSpreadBps float64 // spacing between tranche prices in bps
}

// Ledger owns the ordered set of open lots. It is not safe for concurrent
// use; the single reconciliation loop is its only caller.
type Ledger struct {
	cfg      Config
	logger   ports.Logger
	lots     []*domain.PositionLot // oldest first
	realized float64               // profit realized since construction/load
}

// New creates an empty ledger.
func New(cfg Config, logger ports.Logger) (*Ledger, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for ledger")
	}
	if cfg.MakerFee < 0 || cfg.MakerFee >= 1 {
		return nil, fmt.Errorf("%w: maker fee %v out of range", ports.ErrConfigurationError, cfg.MakerFee)
	}
	if cfg.MaxPosition <= 0 {
		return nil, fmt.Errorf("%w: max position must be positive", ports.ErrConfigurationError)
	}
	if cfg.SellTranches <= 0 {
		cfg.SellTranches = 1
	}
	return &Ledger{cfg: cfg, logger: logger}, nil
}

// Load replaces the in-memory lots with the persisted set (oldest first).
// Used on startup and after a failed persistence step forces a re-sync.
func (l *Ledger) Load(lots []*domain.PositionLot) {
	l.lots = make([]*domain.PositionLot, 0, len(lots))
	for _, lot := range lots {
		if !lot.Exhausted() {
			l.lots = append(l.lots, lot)
		}
	}
}

// Position is the total base amount remaining across all lots.
func (l *Ledger) Position() float64 {
	var total float64
	for _, lot := range l.lots {
		total += lot.AmountRemaining
	}
	return total
}

// AverageCost is the weighted mean fee-adjusted price of the remaining lots.
// ok is false when the position is zero.
func (l *Ledger) AverageCost() (avg float64, ok bool) {
	pos := l.Position()
	if pos <= amountEpsilon {
		return 0, false
	}
	var cost float64
	for _, lot := range l.lots {
		cost += lot.FeeAdjustedPrice * lot.AmountRemaining
	}
	return cost / pos, true
}

// BreakevenPrice is the minimum sell price realizing zero profit after fees.
func (l *Ledger) BreakevenPrice() (price float64, ok bool) {
	avg, ok := l.AverageCost()
	if !ok {
		return 0, false
	}
	return pricing.Breakeven(avg, l.cfg.MakerFee), true
}

// CanBuy reports whether the ledger permits another buy at the given mid.
func (l *Ledger) CanBuy(midPrice float64) bool {
	if l.Position() >= l.cfg.MaxPosition {
		return false
	}
	avg, ok := l.AverageCost()
	if !ok || !l.cfg.OnlyAverageDown {
		return true
	}
	return midPrice < avg
}

// CanSell reports whether the position can be sold profitably at the mid.
func (l *Ledger) CanSell(midPrice float64) bool {
	breakeven, ok := l.BreakevenPrice()
	if !ok {
		return false
	}
	return midPrice >= breakeven
}

// RealizedProfit returns the profit realized through this ledger instance.
func (l *Ledger) RealizedProfit() float64 {
	return l.realized
}

// Lots returns the open lots oldest first. The slice is a copy; the lots are
// the live objects and must not be mutated by callers.
func (l *Ledger) Lots() []*domain.PositionLot {
	out := make([]*domain.PositionLot, len(l.lots))
	copy(out, l.lots)
	return out
}

// BuyResult carries the rows a buy fill produced, for persistence.
type BuyResult struct {
	Lot   *domain.PositionLot
	Trade *domain.TradeRecord
}

// RecordBuyFill fee-adjusts the fill price, appends a new lot and returns the
// rows to persist. Only a non-negative amount is required.
func (l *Ledger) RecordBuyFill(ctx context.Context, tradeID string, price, amount float64, ts time.Time, tag domain.StrategyTag) (*BuyResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: buy amount %v must be positive", ports.ErrInvalidRequest, amount)
	}
	effective := pricing.FeeAdjustedBuyPrice(price, l.cfg.MakerFee)
	lot := &domain.PositionLot{
		LotID:            uuid.NewString(),
		AmountRemaining:  amount,
		OriginalAmount:   amount,
		FeeAdjustedPrice: effective,
		CostBasis:        effective * amount,
		AcquiredAt:       ts,
		Strategy:         tag,
	}
	l.lots = append(l.lots, lot)

	trade := &domain.TradeRecord{
		TradeID:   tradeID,
		Timestamp: ts,
		Side:      domain.Buy,
		Price:     price,
		Amount:    amount,
		Cost:      price * amount,
		Fee:       price * amount * l.cfg.MakerFee,
		Strategy:  tag,
		RelatedID: lot.LotID,
	}

	avg, _ := l.AverageCost()
	l.logger.Info(ctx, "Buy fill recorded", map[string]interface{}{
		"lotID": lot.LotID, "price": price, "amount": amount,
		"effectivePrice": effective, "newAverage": avg, "position": l.Position(),
	})
	return &BuyResult{Lot: lot, Trade: trade}, nil
}

// AdoptLot appends an externally created lot (a fold from a superseded grid
// generation). The lot keeps its original acquisition time so FIFO order is
// preserved on the next reload.
func (l *Ledger) AdoptLot(ctx context.Context, lot *domain.PositionLot) {
	l.lots = append(l.lots, lot)
	l.logger.Info(ctx, "Lot adopted into inventory ledger", map[string]interface{}{
		"lotID": lot.LotID, "amount": lot.AmountRemaining,
		"effectivePrice": lot.FeeAdjustedPrice, "strategy": lot.Strategy,
	})
}

// SellResult carries everything a sell fill changed, for persistence.
type SellResult struct {
	Trade   *domain.TradeRecord
	Profit  float64
	Updated []*domain.PositionLot // lots partially consumed
	Removed []string              // lot ids fully consumed
}

// RecordSellFill consumes the oldest lots first and returns the aggregate
// trade record, the realized profit, and the lot rows that changed.
// Fails with ErrInsufficientInventory when amount exceeds the total remaining;
// the caller logs it as a consistency violation and drops the fill.
func (l *Ledger) RecordSellFill(ctx context.Context, tradeID string, price, amount float64, ts time.Time, tag domain.StrategyTag) (*SellResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: sell amount %v must be positive", ports.ErrInvalidRequest, amount)
	}
	if amount > l.Position()+amountEpsilon {
		return nil, fmt.Errorf("%w: sell of %v against position %v", ports.ErrInsufficientInventory, amount, l.Position())
	}

	res := &SellResult{}
	revenuePerUnit := price * (1 - l.cfg.MakerFee)
	remaining := amount
	firstLotID := ""

	kept := l.lots[:0]
	for _, lot := range l.lots {
		if remaining <= amountEpsilon {
			kept = append(kept, lot)
			continue
		}
		if firstLotID == "" {
			firstLotID = lot.LotID
		}
		consumed := lot.AmountRemaining
		if consumed > remaining {
			consumed = remaining
		}
		res.Profit += (revenuePerUnit - lot.FeeAdjustedPrice) * consumed
		lot.AmountRemaining -= consumed
		remaining -= consumed

		if lot.AmountRemaining <= amountEpsilon {
			lot.AmountRemaining = 0
		}
		if lot.Exhausted() {
			res.Removed = append(res.Removed, lot.LotID)
		} else {
			res.Updated = append(res.Updated, lot)
			kept = append(kept, lot)
		}
	}
	l.lots = kept
	l.realized += res.Profit

	res.Trade = &domain.TradeRecord{
		TradeID:   tradeID,
		Timestamp: ts,
		Side:      domain.Sell,
		Price:     price,
		Amount:    amount,
		Cost:      price * amount,
		Fee:       price * amount * l.cfg.MakerFee,
		Strategy:  tag,
		RelatedID: firstLotID,
	}

	l.logger.Info(ctx, "Sell fill recorded", map[string]interface{}{
		"price": price, "amount": amount, "profit": res.Profit,
		"lotsClosed": len(res.Removed), "position": l.Position(),
	})
	return res, nil
}
