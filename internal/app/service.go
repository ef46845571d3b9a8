package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"pegmaker/config"
	"pegmaker/internal/domain"
	"pegmaker/internal/grid"
	"pegmaker/internal/ledger"
	"pegmaker/internal/metrics"
	"pegmaker/internal/ports"
	"pegmaker/internal/pricing"
	"pegmaker/internal/risk"
)

const (
	makerIDPrefix = "mm-"

	// amountEpsilon absorbs float noise when comparing base amounts.
	amountEpsilon = 1e-9

	// vanishedOrderGraceTicks is how many consecutive reconciliations a
	// tracked order may be absent from the open-order list before its slot is
	// reverted. An order can leave the book by filling before the fill shows
	// up in the trade feed; the grace window lets the fill path claim it.
	vanishedOrderGraceTicks = 1
)

// makerOrder is a resting inventory-strategy quote the loop tracks in memory.
// Tracking is rebuilt from client order ids on restart, so losing it is never
// fatal: the next tick re-adopts whatever is still resting.
type makerOrder struct {
	orderID       string
	clientOrderID string
	key           string // quote slot, e.g. "b0" or "s2"
	side          domain.OrderSide
	price         float64
	size          float64
	placedAt      time.Time
	positionAt    float64 // ledger position when the quote was placed
}

// desiredQuote is one slot of the maker strategy's desired order set.
type desiredQuote struct {
	key   string
	side  domain.OrderSide
	price float64
	size  float64
}

// Status is the read-only view served by the health endpoint.
type Status struct {
	Position       float64
	AverageCost    float64
	BreakevenPrice float64
	OpenLots       int
	MakerProfit    float64
	GridProfit     float64
	GridID         string
	GridActive     bool
	OpenOrders     int
	MidPrice       float64
	SpreadBps      float64
	LastTick       time.Time
	LastFill       time.Time
	LastError      string
}

// Service drives the single-threaded reconciliation loop: one tick fetches a
// snapshot, applies fills, reconciles resting orders against durable state,
// and requotes both strategies. No two ticks ever run concurrently.
type Service struct {
	cfg        *config.Config
	logger     ports.Logger
	market     ports.MarketDataProvider
	dispatcher ports.OrderDispatcher
	store      ports.Store

	ledger     *ledger.Ledger
	grid       *grid.Engine
	rebalancer *grid.Rebalancer
	checker    *risk.Checker

	makerOrders   map[string]*makerOrder // keyed by exchange order id
	missingOrders map[string]int         // consecutive reconciliations an order was absent
	seq           uint64                 // per-process client order id sequence

	mu     sync.Mutex // guards status only; all state mutation is loop-local
	status Status
}

// NewService wires the core components from configuration.
func NewService(
	cfg *config.Config,
	logger ports.Logger,
	market ports.MarketDataProvider,
	dispatcher ports.OrderDispatcher,
	store ports.Store,
) (*Service, error) {
	if cfg == nil || logger == nil || market == nil || dispatcher == nil || store == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}

	led, err := ledger.New(ledger.Config{
		MakerFee:         cfg.MakerFee,
		MaxPosition:      cfg.MaxPosition,
		OnlyAverageDown:  cfg.OnlyAverageDown,
		SellTranches:     cfg.SellTranches,
		TrancheSpreadBps: cfg.TrancheSpreadBps,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build inventory ledger: %w", err)
	}

	eng, err := grid.NewEngine(grid.Config{
		Levels:                cfg.GridLevels,
		Size:                  cfg.GridSize,
		SpacingBps:            cfg.GridSpacingBps,
		ProfitTargetBps:       cfg.GridProfitTargetBps,
		MaxPosition:           cfg.MaxGridPosition,
		MaxBuyPrice:           cfg.GridMaxBuyPrice,
		RebalanceThresholdBps: cfg.GridRebalanceThresholdBps,
		MakerFee:              cfg.MakerFee,
		TickSize:              cfg.TickSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build grid engine: %w", err)
	}

	return &Service{
		cfg:        cfg,
		logger:     logger,
		market:     market,
		dispatcher: dispatcher,
		store:      store,
		ledger:     led,
		grid:       eng,
		rebalancer: grid.NewRebalancer(cfg.GridRebalanceThresholdBps, logger),
		checker: risk.NewChecker(risk.Config{
			MinOrderValue: cfg.MinOrderValue,
			MaxBuyPrice:   cfg.MaxBuyPrice,
			MaxPosition:   cfg.MaxPosition,
			MinOrderSize:  cfg.MinOrderSize,
		}),
		makerOrders:   make(map[string]*makerOrder),
		missingOrders: make(map[string]int),
	}, nil
}

// Status returns a copy of the last published loop state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start recovers durable state, reconciles it against the exchange, then runs
// the polling loop until the context is cancelled or a shutdown signal fires.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting reconciliation service...", map[string]interface{}{
		"symbol":       s.cfg.Symbol,
		"tickInterval": s.cfg.TickInterval.String(),
		"makerEnabled": s.cfg.MakerEnabled,
		"gridEnabled":  s.cfg.GridEnabled,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// --- Restart recovery ---
	if err := s.reloadState(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to load durable state")
		return fmt.Errorf("failed to load durable state: %w", err)
	}

	// Apply fills that landed while we were down, then reconcile resting
	// orders. Fills must come first: reconciliation reverts levels whose
	// order vanished, and a vanished order may have vanished by filling.
	if err := s.applyFills(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to apply fills during startup recovery")
		return fmt.Errorf("startup fill recovery failed: %w", err)
	}
	open, err := s.listOpenWithRetry(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to list open orders during startup recovery")
		return fmt.Errorf("startup order reconciliation failed: %w", err)
	}
	if err := s.syncOrders(ctx, open, time.Now().UTC()); err != nil {
		return fmt.Errorf("startup order reconciliation failed: %w", err)
	}
	s.checkBalances(ctx)
	s.logger.Info(ctx, "Startup recovery complete", map[string]interface{}{
		"position":    s.ledger.Position(),
		"openLots":    len(s.ledger.Lots()),
		"gridActive":  s.grid.Active(),
		"makerOrders": len(s.makerOrders),
	})

	// --- Main loop ---
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Context cancelled, reconciliation service stopping")
			return nil
		case <-ticker.C:
			if err := s.runTick(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				// Ticks never kill the loop; the error is surfaced and the
				// next tick retries from durable state.
				s.logger.Error(ctx, err, "Tick aborted")
				metrics.TickErrorsTotal.Inc()
				s.setLastError(err)
			}
		}
	}
}

// runTick executes one full reconciliation cycle.
func (s *Service) runTick(ctx context.Context) error {
	now := time.Now().UTC()

	// 1. Market snapshot.
	snap, err := s.fetchSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot fetch failed: %w", err)
	}
	if !snap.Complete() {
		s.logger.Warn(ctx, "Order book incomplete, skipping tick", map[string]interface{}{
			"bestBid": snap.BestBid, "bestAsk": snap.BestAsk,
		})
		return nil
	}
	metrics.MidPrice.Set(snap.MidPrice)
	metrics.SpreadBps.Set(snap.SpreadBps)
	if err := s.store.SaveMarketSnapshot(ctx, snap); err != nil {
		// Observational data only; the tick goes on.
		s.logger.Warn(ctx, "Failed to persist market snapshot", map[string]interface{}{"error": err.Error()})
	}

	// 2. Apply fills since the last tick, in exchange order.
	if err := s.applyFills(ctx); err != nil {
		return fmt.Errorf("fill application failed: %w", err)
	}

	// 3. Reconcile tracked orders against what is actually resting.
	open, err := s.listOpenWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("open order listing failed: %w", err)
	}
	if err := s.syncOrders(ctx, open, now); err != nil {
		return fmt.Errorf("order reconciliation failed: %w", err)
	}
	metrics.OpenOrders.Set(float64(len(open)))

	// 4. Grid: rebuild on drift, then quote level buys and paired sells.
	if s.cfg.GridEnabled {
		if _, rebuild := s.rebalancer.ShouldRebalance(ctx, s.grid.Generation(), snap.MidPrice); rebuild {
			if err := s.rebuildGrid(ctx, snap.MidPrice, now); err != nil {
				s.reloadOrWarn(ctx)
				return fmt.Errorf("grid rebuild failed: %w", err)
			}
		}
		s.quoteGrid(ctx, now)
	}

	// 5. Inventory maker quotes.
	if s.cfg.MakerEnabled {
		s.quoteMaker(ctx, snap, now)
	}

	metrics.TicksTotal.Inc()
	metrics.LastTickUnix.Set(float64(now.Unix()))
	metrics.PositionBase.WithLabelValues(string(domain.StrategyMaker)).Set(s.ledger.Position())
	metrics.PositionBase.WithLabelValues(string(domain.StrategyGrid)).Set(s.grid.TotalPosition())
	metrics.RealizedProfit.WithLabelValues(string(domain.StrategyMaker)).Set(s.ledger.RealizedProfit())
	metrics.RealizedProfit.WithLabelValues(string(domain.StrategyGrid)).Set(s.grid.RealizedProfit())
	s.publishStatus(snap, now, len(open))
	return nil
}

// --- Fill application ---

// applyFills pulls recent fills from the dispatcher and routes each one to
// the grid engine or the inventory ledger. Replayed fills are skipped via the
// trade log; fills matching no tracked order are consistency violations and
// are dropped with full context.
func (s *Service) applyFills(ctx context.Context) error {
	fills, err := s.recentFillsWithRetry(ctx)
	if err != nil {
		return err
	}

	for _, fill := range fills {
		seen, err := s.store.HasTrade(ctx, fill.TradeID)
		if err != nil {
			return fmt.Errorf("trade dedup check failed: %w", err)
		}
		if seen {
			continue
		}

		if lv, ok := s.grid.FindLevelByOrderID(fill.OrderID); ok {
			if err := s.applyGridFill(ctx, lv.LevelIndex, fill); err != nil {
				return err
			}
			continue
		}
		if mo, ok := s.makerOrders[fill.OrderID]; ok {
			if err := s.applyMakerFill(ctx, mo, fill); err != nil {
				return err
			}
			continue
		}

		s.logger.Error(ctx, ports.ErrUnknownOrder, "Fill matches no tracked order, dropping", map[string]interface{}{
			"tradeID": fill.TradeID, "orderID": fill.OrderID, "side": fill.Side,
			"price": fill.Price, "amount": fill.Amount,
		})
		metrics.ConsistencyViolationsTotal.Inc()
	}
	return nil
}

func (s *Service) applyGridFill(ctx context.Context, idx int, fill *domain.FillEvent) error {
	var out *grid.FillOutcome
	var err error
	if fill.Side == domain.Buy {
		out, err = s.grid.OnBuyFill(ctx, idx, fill)
	} else {
		out, err = s.grid.OnSellFill(ctx, idx, fill)
	}
	if err != nil {
		// Fatal for this fill only.
		s.logger.Error(ctx, err, "Grid fill rejected by level state machine", map[string]interface{}{
			"tradeID": fill.TradeID, "orderID": fill.OrderID, "level": idx,
		})
		metrics.ConsistencyViolationsTotal.Inc()
		return nil
	}

	err = s.store.Transact(ctx, func(tx ports.StoreTx) error {
		if err := tx.InsertTrade(ctx, out.Trade); err != nil {
			return err
		}
		return tx.UpsertLevel(ctx, out.Level)
	})
	if errors.Is(err, ports.ErrDuplicateEntry) {
		metrics.DuplicateFillsTotal.Inc()
		s.reloadOrWarn(ctx) // in-memory transition already applied, roll it back
		return nil
	}
	if err != nil {
		s.reloadOrWarn(ctx)
		return fmt.Errorf("failed to persist grid fill %s: %w", fill.TradeID, err)
	}

	metrics.FillsTotal.WithLabelValues(string(fill.Side), string(domain.StrategyGrid)).Inc()
	s.noteFill(fill.Timestamp)
	return nil
}

func (s *Service) applyMakerFill(ctx context.Context, mo *makerOrder, fill *domain.FillEvent) error {
	var err error
	if fill.Side == domain.Buy {
		var res *ledger.BuyResult
		res, err = s.ledger.RecordBuyFill(ctx, fill.TradeID, fill.Price, fill.Amount, fill.Timestamp, domain.StrategyMaker)
		if err == nil {
			err = s.store.Transact(ctx, func(tx ports.StoreTx) error {
				if err := tx.InsertTrade(ctx, res.Trade); err != nil {
					return err
				}
				return tx.InsertLot(ctx, res.Lot)
			})
		}
	} else {
		var res *ledger.SellResult
		res, err = s.ledger.RecordSellFill(ctx, fill.TradeID, fill.Price, fill.Amount, fill.Timestamp, domain.StrategyMaker)
		if err == nil {
			err = s.store.Transact(ctx, func(tx ports.StoreTx) error {
				if err := tx.InsertTrade(ctx, res.Trade); err != nil {
					return err
				}
				for _, lot := range res.Updated {
					if err := tx.UpdateLot(ctx, lot); err != nil {
						return err
					}
				}
				for _, lotID := range res.Removed {
					if err := tx.DeleteLot(ctx, lotID); err != nil {
						return err
					}
				}
				return nil
			})
		}
	}

	if errors.Is(err, ports.ErrInsufficientInventory) || errors.Is(err, ports.ErrInvalidRequest) {
		s.logger.Error(ctx, err, "Maker fill rejected by ledger, dropping", map[string]interface{}{
			"tradeID": fill.TradeID, "orderID": fill.OrderID, "amount": fill.Amount,
		})
		metrics.ConsistencyViolationsTotal.Inc()
		return nil
	}
	if errors.Is(err, ports.ErrDuplicateEntry) {
		metrics.DuplicateFillsTotal.Inc()
		s.reloadOrWarn(ctx)
		return nil
	}
	if err != nil {
		s.reloadOrWarn(ctx)
		return fmt.Errorf("failed to persist maker fill %s: %w", fill.TradeID, err)
	}

	mo.size -= fill.Amount
	if mo.size <= amountEpsilon {
		delete(s.makerOrders, mo.orderID)
	}
	metrics.FillsTotal.WithLabelValues(string(fill.Side), string(domain.StrategyMaker)).Inc()
	s.noteFill(fill.Timestamp)
	return nil
}

// --- Order reconciliation ---

// syncOrders aligns tracking with the set of orders actually resting on the
// exchange: adopts resting orders the process does not know (restart), drops
// tracking for orders that stayed gone past the vanish grace window, and
// cancels orders nothing claims.
func (s *Service) syncOrders(ctx context.Context, open []*domain.OpenOrder, now time.Time) error {
	resting := make(map[string]bool, len(open))
	for _, o := range open {
		resting[o.OrderID] = true
	}

	gridPrefix := ""
	if s.grid.Active() {
		gridPrefix = s.grid.Generation().GridID + "-"
	}

	var changed []*domain.GridLevel
	for _, o := range open {
		switch {
		case strings.HasPrefix(o.ClientOrderID, makerIDPrefix):
			if _, tracked := s.makerOrders[o.OrderID]; tracked {
				continue
			}
			key, ok := parseMakerKey(o.ClientOrderID)
			if !ok {
				s.logger.Warn(ctx, "Unparseable maker order id, cancelling", map[string]interface{}{"clientOrderID": o.ClientOrderID})
				s.cancelOrderWarn(ctx, o.OrderID)
				continue
			}
			s.makerOrders[o.OrderID] = &makerOrder{
				orderID:       o.OrderID,
				clientOrderID: o.ClientOrderID,
				key:           key,
				side:          o.Side,
				price:         o.Price,
				size:          o.Size,
				placedAt:      o.PlacedAt,
				positionAt:    s.ledger.Position(),
			}
			s.logger.Info(ctx, "Adopted resting maker order", map[string]interface{}{
				"orderID": o.OrderID, "key": key, "price": o.Price, "size": o.Size,
			})

		case gridPrefix != "" && strings.HasPrefix(o.ClientOrderID, gridPrefix):
			if _, tracked := s.grid.FindLevelByOrderID(o.OrderID); tracked {
				continue
			}
			idx, side, ok := parseGridClientID(o.ClientOrderID)
			if !ok {
				s.logger.Warn(ctx, "Unparseable grid order id, cancelling", map[string]interface{}{"clientOrderID": o.ClientOrderID})
				s.cancelOrderWarn(ctx, o.OrderID)
				continue
			}
			var adoptErr error
			if side == domain.Buy {
				adoptErr = s.grid.MarkBuyPlaced(idx, o.OrderID, now)
			} else {
				adoptErr = s.grid.MarkSellPlaced(idx, o.OrderID, now)
			}
			if adoptErr != nil {
				s.logger.Warn(ctx, "Resting grid order contradicts level state, cancelling", map[string]interface{}{
					"orderID": o.OrderID, "level": idx, "error": adoptErr.Error(),
				})
				s.cancelOrderWarn(ctx, o.OrderID)
				continue
			}
			if lv, ok := s.grid.FindLevelByOrderID(o.OrderID); ok {
				changed = append(changed, lv)
			}
			s.logger.Info(ctx, "Adopted resting grid order", map[string]interface{}{
				"orderID": o.OrderID, "level": idx, "side": side,
			})

		default:
			// Stale: typically a superseded generation whose cancel failed.
			s.logger.Warn(ctx, "Unclaimed resting order, cancelling", map[string]interface{}{
				"orderID": o.OrderID, "clientOrderID": o.ClientOrderID,
			})
			s.cancelOrderWarn(ctx, o.OrderID)
		}
	}

	// An order that left the book may have left it by filling; the fill can
	// trail the open-order listing by a tick. Hold a vanished order's slot for
	// vanishedOrderGraceTicks reconciliations so the fill path can still claim
	// it; only a repeated absence reverts the slot below.
	tracked := make(map[string]bool, len(s.makerOrders))
	for _, lv := range s.grid.Levels() {
		if lv.OpenOrderID != "" {
			tracked[lv.OpenOrderID] = true
		}
	}
	for id := range s.makerOrders {
		tracked[id] = true
	}
	for id := range tracked {
		if resting[id] {
			delete(s.missingOrders, id)
			continue
		}
		s.missingOrders[id]++
		if s.missingOrders[id] <= vanishedOrderGraceTicks {
			resting[id] = true
		}
	}
	for id := range s.missingOrders {
		if !tracked[id] {
			delete(s.missingOrders, id)
		}
	}

	changed = append(changed, s.grid.ReconcileOrders(ctx, resting, now)...)
	if len(changed) > 0 {
		err := s.store.Transact(ctx, func(tx ports.StoreTx) error {
			for _, lv := range changed {
				if err := tx.UpsertLevel(ctx, lv); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.reloadOrWarn(ctx)
			return fmt.Errorf("failed to persist reconciled levels: %w", err)
		}
	}

	for id, mo := range s.makerOrders {
		if !resting[id] {
			s.logger.Debug(ctx, "Tracked maker order no longer resting, dropping", map[string]interface{}{
				"orderID": id, "key": mo.key,
			})
			delete(s.makerOrders, id)
		}
	}
	return nil
}

// --- Grid quoting ---

// rebuildGrid supersedes the active generation (if any), folds its mid-cycle
// inventory into the ledger, and activates a fresh generation centered on mid.
func (s *Service) rebuildGrid(ctx context.Context, mid float64, now time.Time) error {
	if res := s.grid.Supersede(ctx, now); res != nil {
		for _, orderID := range res.OpenOrderIDs {
			// A failed cancel is retried next tick via the unclaimed-order path.
			s.cancelOrderWarn(ctx, orderID)
		}
		err := s.store.Transact(ctx, func(tx ports.StoreTx) error {
			if err := tx.DeactivateGeneration(ctx, res.Generation.GridID, now); err != nil {
				return err
			}
			for _, lv := range res.Levels {
				if err := tx.UpsertLevel(ctx, lv); err != nil {
					return err
				}
			}
			for _, lot := range res.OrphanLots {
				if err := tx.InsertLot(ctx, lot); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to persist generation retirement: %w", err)
		}
		for _, lot := range res.OrphanLots {
			s.ledger.AdoptLot(ctx, lot)
		}
		metrics.GridRebuildsTotal.Inc()
	}

	gen, levels := s.grid.Initialize(ctx, mid, now)
	err := s.store.Transact(ctx, func(tx ports.StoreTx) error {
		if err := tx.InsertGeneration(ctx, gen); err != nil {
			return err
		}
		for _, lv := range levels {
			if err := tx.UpsertLevel(ctx, lv); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist new generation: %w", err)
	}
	return nil
}

// quoteGrid places level buys and paired sells. Placement failures skip the
// level; the diff recomputes it next tick.
func (s *Service) quoteGrid(ctx context.Context, now time.Time) {
	if !s.grid.Active() {
		return
	}

	for _, lv := range s.grid.LevelsNeedingBuy(ctx) {
		if ok, reason := s.checker.CheckOrderValue(lv.BuyPrice, lv.Size); !ok {
			s.logger.Debug(ctx, "Grid buy skipped by admission check", map[string]interface{}{
				"level": lv.LevelIndex, "reason": reason,
			})
			continue
		}
		orderID, err := s.dispatch(ctx, &domain.OrderIntent{
			Kind:          domain.IntentPlace,
			Side:          domain.Buy,
			Price:         lv.BuyPrice,
			Size:          lv.Size,
			ClientOrderID: s.gridClientID(lv, domain.Buy),
			Strategy:      domain.StrategyGrid,
			LevelIndex:    lv.LevelIndex,
		})
		if err != nil {
			s.logger.Warn(ctx, "Grid buy placement failed, retrying next tick", map[string]interface{}{
				"level": lv.LevelIndex, "price": lv.BuyPrice, "error": err.Error(),
			})
			continue
		}
		if err := s.grid.MarkBuyPlaced(lv.LevelIndex, orderID, now); err != nil {
			s.logger.Error(ctx, err, "Placed grid buy could not be tracked, cancelling", map[string]interface{}{
				"level": lv.LevelIndex, "orderID": orderID,
			})
			s.cancelOrderWarn(ctx, orderID)
			continue
		}
		s.persistLevel(ctx, lv)
	}

	for _, lv := range s.grid.PendingSells() {
		orderID, err := s.dispatch(ctx, &domain.OrderIntent{
			Kind:          domain.IntentPlace,
			Side:          domain.Sell,
			Price:         lv.SellPrice,
			Size:          lv.Size,
			ClientOrderID: s.gridClientID(lv, domain.Sell),
			Strategy:      domain.StrategyGrid,
			LevelIndex:    lv.LevelIndex,
		})
		if err != nil {
			s.logger.Warn(ctx, "Grid sell placement failed, retrying next tick", map[string]interface{}{
				"level": lv.LevelIndex, "price": lv.SellPrice, "error": err.Error(),
			})
			continue
		}
		if err := s.grid.MarkSellPlaced(lv.LevelIndex, orderID, now); err != nil {
			s.logger.Error(ctx, err, "Placed grid sell could not be tracked, cancelling", map[string]interface{}{
				"level": lv.LevelIndex, "orderID": orderID,
			})
			s.cancelOrderWarn(ctx, orderID)
			continue
		}
		s.persistLevel(ctx, lv)
	}
}

// --- Maker quoting ---

// quoteMaker computes the desired inventory-strategy quote set and diffs it
// against the tracked resting quotes, cancelling and re-placing only where the
// requote policy demands it.
func (s *Service) quoteMaker(ctx context.Context, snap *domain.MarketSnapshot, now time.Time) {
	desired := s.makerDesired(ctx, snap)
	desiredByKey := make(map[string]desiredQuote, len(desired))
	for _, d := range desired {
		desiredByKey[d.key] = d
	}

	position := s.ledger.Position()
	for id, mo := range s.makerOrders {
		d, wanted := desiredByKey[mo.key]
		if wanted && !s.requoteNeeded(mo, d, position, now) {
			delete(desiredByKey, mo.key) // keep resting
			continue
		}
		if err := s.cancelWithRetry(ctx, id); err != nil {
			s.logger.Warn(ctx, "Maker cancel failed, keeping quote until next tick", map[string]interface{}{
				"orderID": id, "key": mo.key, "error": err.Error(),
			})
			delete(desiredByKey, mo.key) // don't double-quote the slot
			continue
		}
		delete(s.makerOrders, id)
	}

	for _, d := range desired {
		if _, still := desiredByKey[d.key]; !still {
			continue
		}
		cid := fmt.Sprintf("%s%s-%s", makerIDPrefix, d.key, uuid.NewString()[:8])
		orderID, err := s.dispatch(ctx, &domain.OrderIntent{
			Kind:          domain.IntentPlace,
			Side:          d.side,
			Price:         d.price,
			Size:          d.size,
			ClientOrderID: cid,
			Strategy:      domain.StrategyMaker,
			LevelIndex:    -1,
		})
		if err != nil {
			s.logger.Warn(ctx, "Maker placement failed, retrying next tick", map[string]interface{}{
				"key": d.key, "price": d.price, "error": err.Error(),
			})
			continue
		}
		s.makerOrders[orderID] = &makerOrder{
			orderID:       orderID,
			clientOrderID: cid,
			key:           d.key,
			side:          d.side,
			price:         d.price,
			size:          d.size,
			placedAt:      now,
			positionAt:    position,
		}
	}
}

// makerDesired derives the quote slots the inventory strategy wants resting.
// The minimum-spread gate is bypassed when an inventory action (average-down
// buy or profitable sell) is available.
func (s *Service) makerDesired(ctx context.Context, snap *domain.MarketSnapshot) []desiredQuote {
	mid := snap.MidPrice
	position := s.ledger.Position()
	avg, hasAvg := s.ledger.AverageCost()

	canBuy := s.ledger.CanBuy(mid)
	canSell := s.ledger.CanSell(mid)
	averageDown := hasAvg && mid < avg
	inventoryAction := canSell || (canBuy && averageDown)

	if snap.SpreadBps < s.cfg.MinSpreadBps && !inventoryAction {
		s.logger.Debug(ctx, "Spread below minimum and no inventory action, not quoting", map[string]interface{}{
			"spreadBps": snap.SpreadBps, "minSpreadBps": s.cfg.MinSpreadBps,
		})
		return nil
	}

	var desired []desiredQuote

	if canBuy {
		buyPrice := pricing.RoundToTick(math.Min(snap.BestBid, s.cfg.MaxBuyPrice-s.cfg.TickSize), s.cfg.TickSize)
		ok, reason := s.checker.CheckBuyPrice(buyPrice)
		if ok && hasAvg && position/s.cfg.MaxPosition >= s.cfg.InventorySkewThreshold {
			// Skewed book: only keep buying for a material improvement in basis.
			improvementBps := (avg - buyPrice) / avg * 10000
			if improvementBps < s.cfg.AverageDownThresholdBps {
				ok, reason = false, fmt.Sprintf("inventory skewed, improvement %.2f bps below threshold", improvementBps)
			}
		}
		if ok {
			size := math.Min(s.cfg.OrderSize, s.cfg.MaxPosition-position)
			size = s.checker.BuySizeForMinValue(buyPrice, size)
			if roomOK, roomReason := s.checker.CheckBuyRoom(position, size); !roomOK {
				ok, reason = false, roomReason
			} else if valueOK, valueReason := s.checker.CheckOrderValue(buyPrice, size); !valueOK {
				ok, reason = false, valueReason
			} else {
				desired = append(desired, desiredQuote{key: "b0", side: domain.Buy, price: buyPrice, size: size})
			}
		}
		if !ok {
			s.logger.Debug(ctx, "Maker buy skipped", map[string]interface{}{"reason": reason})
		}
	}

	if canSell {
		for _, tr := range s.ledger.PlanSellTranches(snap.BestAsk) {
			price := pricing.RoundToTick(tr.Price, s.cfg.TickSize)
			if ok, reason := s.checker.CheckOrderValue(price, tr.Size); !ok {
				s.logger.Debug(ctx, "Maker sell tranche skipped", map[string]interface{}{
					"tranche": tr.Index, "reason": reason,
				})
				continue
			}
			desired = append(desired, desiredQuote{
				key:   fmt.Sprintf("s%d", tr.Index),
				side:  domain.Sell,
				price: price,
				size:  tr.Size,
			})
		}
	}
	return desired
}

// requoteNeeded implements the requote policy: leave resting quotes alone
// unless price moved beyond the tick threshold, the order aged out, or the
// position changed under it.
func (s *Service) requoteNeeded(mo *makerOrder, d desiredQuote, position float64, now time.Time) bool {
	threshold := float64(s.cfg.RequoteThresholdTicks) * s.cfg.TickSize
	if math.Abs(d.price-mo.price) > threshold+1e-12 {
		return true
	}
	if now.Sub(mo.placedAt) > s.cfg.MaxOrderAge {
		return true
	}
	if s.cfg.RequoteOnPositionChange && math.Abs(position-mo.positionAt) > amountEpsilon {
		return true
	}
	return false
}

// --- Dispatch helpers ---

func (s *Service) newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    200 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}

// isTransient reports whether a dispatch error is worth retrying in-tick.
func isTransient(err error) bool {
	return errors.Is(err, ports.ErrTimeout) ||
		errors.Is(err, ports.ErrRateLimited) ||
		errors.Is(err, ports.ErrConnectionFailed) ||
		errors.Is(err, ports.ErrExchangeUnavailable)
}

// dispatch executes one order intent with bounded retries, each attempt under
// its own timeout. Place intents return the exchange order id; cancel intents
// treat an already-gone order as done.
func (s *Service) dispatch(ctx context.Context, intent *domain.OrderIntent) (string, error) {
	b := s.newBackoff()
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxDispatchRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		var orderID string
		var err error
		if intent.Kind == domain.IntentCancel {
			err = s.dispatcher.CancelOrder(callCtx, intent.CancelOrderID)
			if errors.Is(err, ports.ErrOrderNotFound) {
				err = nil
			}
		} else {
			orderID, err = s.dispatcher.PlaceOrder(callCtx, intent.Side, intent.Price, intent.Size, intent.ClientOrderID)
		}
		cancel()
		if err == nil {
			if intent.Kind == domain.IntentCancel {
				metrics.OrdersCanceledTotal.Inc()
			} else {
				metrics.OrdersPlacedTotal.WithLabelValues(string(intent.Side), string(intent.Strategy)).Inc()
			}
			return orderID, nil
		}
		lastErr = err
		if !isTransient(err) {
			if intent.Kind == domain.IntentPlace {
				metrics.OrderRejectsTotal.Inc()
			}
			return "", err
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func (s *Service) cancelWithRetry(ctx context.Context, orderID string) error {
	_, err := s.dispatch(ctx, &domain.OrderIntent{Kind: domain.IntentCancel, CancelOrderID: orderID, LevelIndex: -1})
	return err
}

// cancelOrderWarn cancels best-effort; failures are retried by reconciliation.
func (s *Service) cancelOrderWarn(ctx context.Context, orderID string) {
	if err := s.cancelWithRetry(ctx, orderID); err != nil {
		s.logger.Warn(ctx, "Cancel failed", map[string]interface{}{"orderID": orderID, "error": err.Error()})
	}
}

func (s *Service) fetchSnapshot(ctx context.Context) (*domain.MarketSnapshot, error) {
	b := s.newBackoff()
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxDispatchRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		snap, err := s.market.GetSnapshot(callCtx)
		cancel()
		if err == nil {
			return snap, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (s *Service) listOpenWithRetry(ctx context.Context) ([]*domain.OpenOrder, error) {
	b := s.newBackoff()
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxDispatchRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		open, err := s.dispatcher.ListOpenOrders(callCtx)
		cancel()
		if err == nil {
			return open, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (s *Service) recentFillsWithRetry(ctx context.Context) ([]*domain.FillEvent, error) {
	b := s.newBackoff()
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxDispatchRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		fills, err := s.dispatcher.RecentFills(callCtx, s.cfg.FillFetchLimit)
		cancel()
		if err == nil {
			return fills, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// --- State helpers ---

// reloadState rebuilds the in-memory ledger and grid from the store. Called
// on startup and whenever a persistence step fails mid-tick, so memory never
// drifts ahead of what is durable.
func (s *Service) reloadState(ctx context.Context) error {
	lots, err := s.store.OpenLots(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open lots: %w", err)
	}
	s.ledger.Load(lots)

	gen, err := s.store.ActiveGeneration(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active generation: %w", err)
	}
	if gen == nil {
		s.grid.Load(nil, nil)
		return nil
	}
	levels, err := s.store.LevelsByGrid(ctx, gen.GridID)
	if err != nil {
		return fmt.Errorf("failed to load grid levels: %w", err)
	}
	s.grid.Load(gen, levels)
	return nil
}

// checkBalances reconciles the tracked position against the exchange's view
// of the base asset. A shortfall means fills were missed while the process
// was away; it is surfaced loudly but does not block startup, since the loop
// itself never places sells beyond the tracked position.
func (s *Service) checkBalances(ctx context.Context) {
	base, quote, err := s.dispatcher.GetBalances(ctx)
	if err != nil {
		s.logger.Warn(ctx, "Balance check failed", map[string]interface{}{"error": err.Error()})
		return
	}
	tracked := s.ledger.Position() + s.grid.TotalPosition()
	if base+amountEpsilon < tracked {
		s.logger.Warn(ctx, "Exchange base balance below tracked position", map[string]interface{}{
			"base": base, "tracked": tracked,
		})
		metrics.ConsistencyViolationsTotal.Inc()
		return
	}
	s.logger.Info(ctx, "Balances reconciled", map[string]interface{}{
		"base": base, "quote": quote, "trackedPosition": tracked,
	})
}

func (s *Service) reloadOrWarn(ctx context.Context) {
	if err := s.reloadState(ctx); err != nil {
		s.logger.Error(ctx, err, "State reload after persistence failure also failed")
	}
}

func (s *Service) persistLevel(ctx context.Context, lv *domain.GridLevel) {
	err := s.store.Transact(ctx, func(tx ports.StoreTx) error {
		return tx.UpsertLevel(ctx, lv)
	})
	if err != nil {
		s.logger.Error(ctx, err, "Failed to persist level transition", map[string]interface{}{
			"gridID": lv.GridID, "level": lv.LevelIndex, "status": lv.Status,
		})
		s.reloadOrWarn(ctx)
	}
}

func (s *Service) gridClientID(lv *domain.GridLevel, side domain.OrderSide) string {
	s.seq++
	tag := "b"
	if side == domain.Sell {
		tag = "s"
	}
	return fmt.Sprintf("%s-L%d-%s-%d", lv.GridID, lv.LevelIndex, tag, s.seq)
}

func (s *Service) publishStatus(snap *domain.MarketSnapshot, now time.Time, openOrders int) {
	avg, _ := s.ledger.AverageCost()
	breakeven, _ := s.ledger.BreakevenPrice()
	gridID := ""
	if s.grid.Active() {
		gridID = s.grid.Generation().GridID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lastFill := s.status.LastFill
	s.status = Status{
		Position:       s.ledger.Position(),
		AverageCost:    avg,
		BreakevenPrice: breakeven,
		OpenLots:       len(s.ledger.Lots()),
		MakerProfit:    s.ledger.RealizedProfit(),
		GridProfit:     s.grid.RealizedProfit(),
		GridID:         gridID,
		GridActive:     s.grid.Active(),
		OpenOrders:     openOrders,
		MidPrice:       snap.MidPrice,
		SpreadBps:      snap.SpreadBps,
		LastTick:       now,
		LastFill:       lastFill,
	}
}

func (s *Service) noteFill(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts.After(s.status.LastFill) {
		s.status.LastFill = ts
	}
}

func (s *Service) setLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LastError = err.Error()
}

// --- Client order id parsing ---

// parseMakerKey extracts the quote slot from "mm-<key>-<8hex>".
func parseMakerKey(clientOrderID string) (string, bool) {
	parts := strings.Split(clientOrderID, "-")
	if len(parts) != 3 || parts[0] != "mm" || len(parts[1]) < 2 {
		return "", false
	}
	if parts[1][0] != 'b' && parts[1][0] != 's' {
		return "", false
	}
	return parts[1], true
}

// parseGridClientID extracts level index and side from
// "gd-<genid>-L<idx>-b|s-<seq>".
func parseGridClientID(clientOrderID string) (int, domain.OrderSide, bool) {
	parts := strings.Split(clientOrderID, "-")
	if len(parts) != 5 || !strings.HasPrefix(parts[2], "L") {
		return 0, "", false
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(parts[2], "L"))
	if err != nil {
		return 0, "", false
	}
	switch parts[3] {
	case "b":
		return idx, domain.Buy, true
	case "s":
		return idx, domain.Sell, true
	default:
		return 0, "", false
	}
}
