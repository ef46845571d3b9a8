// Package grid drives a fixed array of price levels, each an independent
// buy->sell cycle, plus the controller deciding when the whole grid must be
// rebuilt around a fresh center price.
package grid

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pegmaker/internal/domain"
	"pegmaker/internal/ports"
	"pegmaker/internal/pricing"
)

// Config holds the grid construction and admission parameters.
type Config struct {
	Levels                int     // number of levels per generation
	Size                  float64 // base units per level
	SpacingBps            float64 // distance between adjacent buy prices
	ProfitTargetBps       float64 // sell price offset above each buy price
	MaxPosition           float64 // cap on filled-but-unsold size across levels
	MaxBuyPrice           float64 // never quote a buy above this (peg guard)
	RebalanceThresholdBps float64 // drift from center triggering a rebuild
	MakerFee              float64
	TickSize              float64
}

func (c Config) validate() error {
	if c.Levels <= 0 {
		return fmt.Errorf("%w: grid levels must be positive", ports.ErrConfigurationError)
	}
	if c.Size <= 0 {
		return fmt.Errorf("%w: grid size must be positive", ports.ErrConfigurationError)
	}
	if c.SpacingBps <= 0 || c.ProfitTargetBps <= 0 {
		return fmt.Errorf("%w: grid spacing and profit target must be positive", ports.ErrConfigurationError)
	}
	if c.MaxPosition <= 0 || c.MaxBuyPrice <= 0 {
		return fmt.Errorf("%w: grid position cap and max buy price must be positive", ports.ErrConfigurationError)
	}
	return nil
}

// Engine owns the active generation and its levels. Like the ledger it is
// single-threaded by construction: only the reconciliation loop calls it.
type Engine struct {
	cfg      Config
	logger   ports.Logger
	gen      *domain.GridGeneration
	levels   []*domain.GridLevel // ordered by level index
	realized float64
}

// NewEngine creates an engine with no active generation.
func NewEngine(cfg Config, logger ports.Logger) (*Engine, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for grid engine")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, logger: logger}, nil
}

// Load restores a persisted generation and its levels (startup / re-sync).
func (e *Engine) Load(gen *domain.GridGeneration, levels []*domain.GridLevel) {
	e.gen = gen
	e.levels = levels
}

// Active reports whether a generation is currently live.
func (e *Engine) Active() bool {
	return e.gen != nil && e.gen.IsActive
}

// Generation returns the active generation, or nil.
func (e *Engine) Generation() *domain.GridGeneration { return e.gen }

// Levels returns the live level objects ordered by index.
func (e *Engine) Levels() []*domain.GridLevel { return e.levels }

// RealizedProfit is the profit recorded by sell fills on this engine instance.
func (e *Engine) RealizedProfit() float64 { return e.realized }

// Initialize builds a fresh generation centered on min(center, MaxBuyPrice)
// and makes it the active one. The returned rows must be persisted before any
// orders are placed against the new grid id.
func (e *Engine) Initialize(ctx context.Context, centerPrice float64, now time.Time) (*domain.GridGeneration, []*domain.GridLevel) {
	if centerPrice > e.cfg.MaxBuyPrice {
		e.logger.Warn(ctx, "Center price above max buy price, clamping", map[string]interface{}{
			"mid": centerPrice, "maxBuyPrice": e.cfg.MaxBuyPrice,
		})
		centerPrice = e.cfg.MaxBuyPrice
	}

	gen := &domain.GridGeneration{
		GridID:          "gd-" + uuid.NewString()[:8],
		CenterPrice:     centerPrice,
		Levels:          e.cfg.Levels,
		SpacingBps:      e.cfg.SpacingBps,
		ProfitTargetBps: e.cfg.ProfitTargetBps,
		IsActive:        true,
		CreatedAt:       now,
	}

	half := e.cfg.Levels / 2
	levels := make([]*domain.GridLevel, 0, e.cfg.Levels)
	for i := -half; i < e.cfg.Levels-half; i++ {
		buy := pricing.OffsetBps(centerPrice, float64(i)*e.cfg.SpacingBps)
		if buy > e.cfg.MaxBuyPrice {
			buy = e.cfg.MaxBuyPrice
		}
		buy = pricing.RoundToTick(buy, e.cfg.TickSize)
		sell := pricing.RoundToTick(pricing.OffsetBps(buy, e.cfg.ProfitTargetBps), e.cfg.TickSize)
		levels = append(levels, &domain.GridLevel{
			GridID:     gen.GridID,
			LevelIndex: i + half,
			BuyPrice:   buy,
			SellPrice:  sell,
			Size:       e.cfg.Size,
			Status:     domain.LevelEmpty,
			UpdatedAt:  now,
		})
	}

	e.gen = gen
	e.levels = levels
	e.logger.Info(ctx, "Grid generation built", map[string]interface{}{
		"gridID": gen.GridID, "center": centerPrice, "levels": len(levels),
		"lowBuy": levels[0].BuyPrice, "highSell": levels[len(levels)-1].SellPrice,
	})
	return gen, levels
}

// TotalPosition sums level size over levels holding inventory
// (BUY_FILLED or SELL_PLACED).
func (e *Engine) TotalPosition() float64 {
	var total float64
	for _, lv := range e.levels {
		if lv.Status.HoldsInventory() {
			total += lv.Size
		}
	}
	return total
}

// LevelsNeedingBuy returns levels eligible to (re)enter BUY_PLACED this tick:
// EMPTY or COMPLETED, no open order, buy price within the peg guard, and room
// under the position cap counting the buys already granted in this pass.
func (e *Engine) LevelsNeedingBuy(ctx context.Context) []*domain.GridLevel {
	if !e.Active() {
		return nil
	}
	granted := e.TotalPosition()
	var out []*domain.GridLevel
	for _, lv := range e.levels {
		if lv.Status != domain.LevelEmpty && lv.Status != domain.LevelCompleted {
			continue
		}
		if lv.OpenOrderID != "" {
			continue
		}
		if lv.BuyPrice > e.cfg.MaxBuyPrice {
			e.logger.Debug(ctx, "Skipping level: buy price above peg guard", map[string]interface{}{
				"gridID": lv.GridID, "level": lv.LevelIndex, "buyPrice": lv.BuyPrice,
			})
			continue
		}
		if granted+lv.Size > e.cfg.MaxPosition {
			e.logger.Debug(ctx, "Skipping level: grid position cap", map[string]interface{}{
				"gridID": lv.GridID, "level": lv.LevelIndex,
				"position": granted, "cap": e.cfg.MaxPosition,
			})
			continue
		}
		granted += lv.Size
		out = append(out, lv)
	}
	return out
}

// PendingSells returns levels in BUY_FILLED awaiting their paired sell order.
func (e *Engine) PendingSells() []*domain.GridLevel {
	var out []*domain.GridLevel
	for _, lv := range e.levels {
		if lv.Status == domain.LevelBuyFilled && lv.OpenOrderID == "" {
			out = append(out, lv)
		}
	}
	return out
}

// MarkBuyPlaced records the accepted buy order for a level and moves it to
// BUY_PLACED. Only EMPTY or COMPLETED levels with no open order may enter.
func (e *Engine) MarkBuyPlaced(idx int, orderID string, now time.Time) error {
	lv, err := e.level(idx)
	if err != nil {
		return err
	}
	if lv.OpenOrderID != "" {
		return fmt.Errorf("%w: level %d already tracks order %s", ports.ErrOrderConflict, idx, lv.OpenOrderID)
	}
	if lv.Status != domain.LevelEmpty && lv.Status != domain.LevelCompleted {
		return fmt.Errorf("%w: level %d in status %s cannot enter BUY_PLACED", ports.ErrOrderConflict, idx, lv.Status)
	}
	lv.Status = domain.LevelBuyPlaced
	lv.OpenOrderID = orderID
	lv.UpdatedAt = now
	return nil
}

// MarkSellPlaced records the accepted paired sell for a BUY_FILLED level.
func (e *Engine) MarkSellPlaced(idx int, orderID string, now time.Time) error {
	lv, err := e.level(idx)
	if err != nil {
		return err
	}
	if lv.Status != domain.LevelBuyFilled {
		return fmt.Errorf("%w: level %d in status %s cannot enter SELL_PLACED", ports.ErrOrderConflict, idx, lv.Status)
	}
	if lv.OpenOrderID != "" {
		return fmt.Errorf("%w: level %d already tracks order %s", ports.ErrOrderConflict, idx, lv.OpenOrderID)
	}
	lv.Status = domain.LevelSellPlaced
	lv.OpenOrderID = orderID
	lv.UpdatedAt = now
	return nil
}

// FillOutcome carries the rows a grid fill produced, for persistence.
type FillOutcome struct {
	Level  *domain.GridLevel
	Trade  *domain.TradeRecord
	Profit float64 // non-zero for sell fills only
}

// OnBuyFill transitions BUY_PLACED -> BUY_FILLED. The paired sell is emitted
// by the loop on the same tick via PendingSells.
func (e *Engine) OnBuyFill(ctx context.Context, idx int, fill *domain.FillEvent) (*FillOutcome, error) {
	lv, err := e.level(idx)
	if err != nil {
		return nil, err
	}
	if lv.Status != domain.LevelBuyPlaced {
		return nil, fmt.Errorf("%w: buy fill for level %d in status %s", ports.ErrOrderConflict, idx, lv.Status)
	}
	lv.Status = domain.LevelBuyFilled
	lv.OpenOrderID = ""
	lv.UpdatedAt = fill.Timestamp

	trade := e.tradeRecord(lv, fill)
	e.logger.Info(ctx, "Grid buy filled", map[string]interface{}{
		"gridID": lv.GridID, "level": idx, "price": fill.Price, "amount": fill.Amount,
		"gridPosition": e.TotalPosition(),
	})
	return &FillOutcome{Level: lv, Trade: trade}, nil
}

// OnSellFill transitions SELL_PLACED -> COMPLETED and records the cycle's
// profit with the shared fee formula.
func (e *Engine) OnSellFill(ctx context.Context, idx int, fill *domain.FillEvent) (*FillOutcome, error) {
	lv, err := e.level(idx)
	if err != nil {
		return nil, err
	}
	if lv.Status != domain.LevelSellPlaced {
		return nil, fmt.Errorf("%w: sell fill for level %d in status %s", ports.ErrOrderConflict, idx, lv.Status)
	}
	profit := pricing.CycleProfit(lv.BuyPrice, fill.Price, fill.Amount, e.cfg.MakerFee)
	lv.Status = domain.LevelCompleted
	lv.OpenOrderID = ""
	lv.CycleCount++
	lv.Profit += profit
	lv.UpdatedAt = fill.Timestamp
	e.realized += profit

	trade := e.tradeRecord(lv, fill)
	e.logger.Info(ctx, "Grid sell filled", map[string]interface{}{
		"gridID": lv.GridID, "level": idx, "price": fill.Price, "amount": fill.Amount,
		"profit": profit, "cycles": lv.CycleCount,
	})
	return &FillOutcome{Level: lv, Trade: trade, Profit: profit}, nil
}

// ReconcileOrders drops references to orders that are no longer resting on
// the exchange and have no pending fill. A BUY_PLACED level reverts to EMPTY
// and a SELL_PLACED level to BUY_FILLED, so the next tick requotes them.
// Returns the levels that changed, for persistence.
func (e *Engine) ReconcileOrders(ctx context.Context, resting map[string]bool, now time.Time) []*domain.GridLevel {
	var changed []*domain.GridLevel
	for _, lv := range e.levels {
		if lv.OpenOrderID == "" || resting[lv.OpenOrderID] {
			continue
		}
		e.logger.Warn(ctx, "Tracked grid order no longer resting, reverting level", map[string]interface{}{
			"gridID": lv.GridID, "level": lv.LevelIndex, "orderID": lv.OpenOrderID, "status": lv.Status,
		})
		switch lv.Status {
		case domain.LevelBuyPlaced:
			lv.Status = domain.LevelEmpty
		case domain.LevelSellPlaced:
			lv.Status = domain.LevelBuyFilled
		}
		lv.OpenOrderID = ""
		lv.UpdatedAt = now
		changed = append(changed, lv)
	}
	return changed
}

// FindLevelByOrderID locates the level tracking the given open order id.
func (e *Engine) FindLevelByOrderID(orderID string) (*domain.GridLevel, bool) {
	if orderID == "" {
		return nil, false
	}
	for _, lv := range e.levels {
		if lv.OpenOrderID == orderID {
			return lv, true
		}
	}
	return nil, false
}

// SupersedeResult is what a generation retirement leaves behind.
type SupersedeResult struct {
	Generation   *domain.GridGeneration
	Levels       []*domain.GridLevel   // frozen level rows, for persistence
	OpenOrderIDs []string              // orders to cancel on the exchange
	OrphanLots   []*domain.PositionLot // inventory held by mid-cycle levels
}

// Supersede retires the active generation: collects its open order ids,
// freezes every level, and converts mid-cycle inventory into lots for the
// inventory ledger so no exchange position is left unaccounted for.
func (e *Engine) Supersede(ctx context.Context, now time.Time) *SupersedeResult {
	if e.gen == nil {
		return nil
	}
	res := &SupersedeResult{Generation: e.gen, Levels: e.levels}
	for _, lv := range e.levels {
		if lv.OpenOrderID != "" {
			res.OpenOrderIDs = append(res.OpenOrderIDs, lv.OpenOrderID)
		}
		if lv.Status.HoldsInventory() {
			effective := pricing.FeeAdjustedBuyPrice(lv.BuyPrice, e.cfg.MakerFee)
			res.OrphanLots = append(res.OrphanLots, &domain.PositionLot{
				LotID:            uuid.NewString(),
				AmountRemaining:  lv.Size,
				OriginalAmount:   lv.Size,
				FeeAdjustedPrice: effective,
				CostBasis:        effective * lv.Size,
				AcquiredAt:       lv.UpdatedAt,
				Strategy:         domain.StrategyGridOrphan,
			})
		}
		lv.OpenOrderID = ""
		lv.UpdatedAt = now
	}
	e.gen.IsActive = false
	e.gen.SupersededAt = now

	e.logger.Info(ctx, "Grid generation superseded", map[string]interface{}{
		"gridID": e.gen.GridID, "openOrders": len(res.OpenOrderIDs),
		"orphanLots": len(res.OrphanLots), "realizedProfit": e.realized,
	})
	e.gen = nil
	e.levels = nil
	return res
}

func (e *Engine) level(idx int) (*domain.GridLevel, error) {
	if !e.Active() {
		return nil, fmt.Errorf("%w: no active grid generation", ports.ErrNotFound)
	}
	for _, lv := range e.levels {
		if lv.LevelIndex == idx {
			return lv, nil
		}
	}
	return nil, fmt.Errorf("%w: grid level %d", ports.ErrNotFound, idx)
}

func (e *Engine) tradeRecord(lv *domain.GridLevel, fill *domain.FillEvent) *domain.TradeRecord {
	return &domain.TradeRecord{
		TradeID:   fill.TradeID,
		Timestamp: fill.Timestamp,
		Side:      fill.Side,
		Price:     fill.Price,
		Amount:    fill.Amount,
		Cost:      fill.Price * fill.Amount,
		Fee:       fill.Price * fill.Amount * e.cfg.MakerFee,
		Strategy:  domain.StrategyGrid,
		RelatedID: fmt.Sprintf("%s/L%d", lv.GridID, lv.LevelIndex),
	}
}
