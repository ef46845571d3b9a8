package grid

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pegmaker/internal/domain"
	"pegmaker/internal/ports"
	"pegmaker/internal/pricing"
)

type mockLogger struct {
	debugMsgs []string
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.debugMsgs = append(m.debugMsgs, msg)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.errorMsgs = append(m.errorMsgs, msg)
}

func testConfig() Config {
	return Config{
		Levels:                10,
		Size:                  50,
		SpacingBps:            5,
		ProfitTargetBps:       10,
		MaxPosition:           500,
		MaxBuyPrice:           0.999,
		RebalanceThresholdBps: 50,
		MakerFee:              0.0004,
		TickSize:              0.00001,
	}
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, &mockLogger{})
	require.NoError(t, err)
	return e
}

func fill(tradeID string, side domain.OrderSide, price, amount float64, ts time.Time) *domain.FillEvent {
	return &domain.FillEvent{TradeID: tradeID, Side: side, Price: price, Amount: amount, Timestamp: ts}
}

func TestNewEngine_Validation(t *testing.T) {
	logger := &mockLogger{}

	_, err := NewEngine(testConfig(), nil)
	assert.Error(t, err)

	bad := testConfig()
	bad.Levels = 0
	_, err = NewEngine(bad, logger)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)

	bad = testConfig()
	bad.SpacingBps = 0
	_, err = NewEngine(bad, logger)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e := newTestEngine(t, testConfig())

	assert.False(t, e.Active())

	gen, levels := e.Initialize(ctx, 0.9950, now)
	require.NotNil(t, gen)
	require.Len(t, levels, 10)
	assert.True(t, e.Active())
	assert.True(t, gen.IsActive)
	assert.Equal(t, 0.9950, gen.CenterPrice)

	for i, lv := range levels {
		assert.Equal(t, gen.GridID, lv.GridID)
		assert.Equal(t, i, lv.LevelIndex)
		assert.Equal(t, domain.LevelEmpty, lv.Status)
		assert.Equal(t, 50.0, lv.Size)

		wantBuy := pricing.RoundToTick(pricing.OffsetBps(0.9950, float64(i-5)*5), 0.00001)
		assert.InDelta(t, wantBuy, lv.BuyPrice, 1e-12, "level %d buy", i)
		wantSell := pricing.RoundToTick(pricing.OffsetBps(lv.BuyPrice, 10), 0.00001)
		assert.InDelta(t, wantSell, lv.SellPrice, 1e-12, "level %d sell", i)
		assert.Greater(t, lv.SellPrice, lv.BuyPrice)
	}
	// Buys ascend with the level index.
	for i := 1; i < len(levels); i++ {
		assert.Greater(t, levels[i].BuyPrice, levels[i-1].BuyPrice)
	}
}

func TestInitialize_ClampsCenterToPegGuard(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig())

	gen, levels := e.Initialize(ctx, 1.0010, time.Now())
	assert.Equal(t, 0.999, gen.CenterPrice)
	for _, lv := range levels {
		assert.LessOrEqual(t, lv.BuyPrice, 0.999+1e-9)
	}
}

func TestLevelLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e := newTestEngine(t, testConfig())
	_, levels := e.Initialize(ctx, 0.9980, now)
	lv := levels[3]

	require.NoError(t, e.MarkBuyPlaced(3, "o1", now))
	assert.Equal(t, domain.LevelBuyPlaced, lv.Status)
	assert.Equal(t, "o1", lv.OpenOrderID)

	// A second buy on the same level conflicts.
	err := e.MarkBuyPlaced(3, "o2", now)
	assert.ErrorIs(t, err, ports.ErrOrderConflict)

	out, err := e.OnBuyFill(ctx, 3, fill("t1", domain.Buy, lv.BuyPrice, 50, now))
	require.NoError(t, err)
	assert.Equal(t, domain.LevelBuyFilled, lv.Status)
	assert.Empty(t, lv.OpenOrderID)
	assert.Equal(t, domain.StrategyGrid, out.Trade.Strategy)
	assert.Equal(t, 50.0, e.TotalPosition())

	pending := e.PendingSells()
	require.Len(t, pending, 1)
	assert.Same(t, lv, pending[0])

	require.NoError(t, e.MarkSellPlaced(3, "o3", now))
	assert.Equal(t, domain.LevelSellPlaced, lv.Status)
	assert.Equal(t, 50.0, e.TotalPosition())

	out, err = e.OnSellFill(ctx, 3, fill("t2", domain.Sell, lv.SellPrice, 50, now))
	require.NoError(t, err)
	assert.Equal(t, domain.LevelCompleted, lv.Status)
	assert.Equal(t, 1, lv.CycleCount)
	assert.Equal(t, 0.0, e.TotalPosition())

	wantProfit := pricing.CycleProfit(lv.BuyPrice, lv.SellPrice, 50, 0.0004)
	assert.InDelta(t, wantProfit, out.Profit, 1e-12)
	assert.InDelta(t, wantProfit, e.RealizedProfit(), 1e-12)
	assert.Greater(t, out.Profit, 0.0)

	// A COMPLETED level may re-enter the cycle.
	require.NoError(t, e.MarkBuyPlaced(3, "o4", now))
	assert.Equal(t, domain.LevelBuyPlaced, lv.Status)
}

func TestFillsRejectWrongState(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e := newTestEngine(t, testConfig())
	e.Initialize(ctx, 0.9980, now)

	_, err := e.OnBuyFill(ctx, 3, fill("t1", domain.Buy, 0.9975, 50, now))
	assert.ErrorIs(t, err, ports.ErrOrderConflict)

	_, err = e.OnSellFill(ctx, 3, fill("t2", domain.Sell, 0.9985, 50, now))
	assert.ErrorIs(t, err, ports.ErrOrderConflict)

	err = e.MarkSellPlaced(3, "o1", now)
	assert.ErrorIs(t, err, ports.ErrOrderConflict)

	_, err = e.OnBuyFill(ctx, 99, fill("t3", domain.Buy, 0.9975, 50, now))
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestLevelsNeedingBuy(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("peg guard excludes high levels", func(t *testing.T) {
		e := newTestEngine(t, testConfig())
		e.Initialize(ctx, 0.9989, now)

		eligible := e.LevelsNeedingBuy(ctx)
		for _, lv := range eligible {
			assert.LessOrEqual(t, lv.BuyPrice, 0.999+1e-9)
		}
	})

	t.Run("position cap limits grants", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxPosition = 125 // room for two 50-unit levels only
		e := newTestEngine(t, cfg)
		e.Initialize(ctx, 0.9980, now)

		eligible := e.LevelsNeedingBuy(ctx)
		assert.Len(t, eligible, 2)
	})

	t.Run("cap counts held inventory", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxPosition = 125
		e := newTestEngine(t, cfg)
		_, levels := e.Initialize(ctx, 0.9980, now)

		require.NoError(t, e.MarkBuyPlaced(0, "o1", now))
		_, err := e.OnBuyFill(ctx, 0, fill("t1", domain.Buy, levels[0].BuyPrice, 50, now))
		require.NoError(t, err)

		eligible := e.LevelsNeedingBuy(ctx)
		assert.Len(t, eligible, 1)
	})

	t.Run("no active generation", func(t *testing.T) {
		e := newTestEngine(t, testConfig())
		assert.Nil(t, e.LevelsNeedingBuy(ctx))
	})
}

func TestReconcileOrders(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e := newTestEngine(t, testConfig())
	_, levels := e.Initialize(ctx, 0.9980, now)

	require.NoError(t, e.MarkBuyPlaced(1, "keep", now))
	require.NoError(t, e.MarkBuyPlaced(2, "gone-buy", now))
	require.NoError(t, e.MarkBuyPlaced(3, "o3", now))
	_, err := e.OnBuyFill(ctx, 3, fill("t1", domain.Buy, levels[3].BuyPrice, 50, now))
	require.NoError(t, err)
	require.NoError(t, e.MarkSellPlaced(3, "gone-sell", now))

	changed := e.ReconcileOrders(ctx, map[string]bool{"keep": true}, now)
	require.Len(t, changed, 2)

	assert.Equal(t, domain.LevelBuyPlaced, levels[1].Status)
	assert.Equal(t, "keep", levels[1].OpenOrderID)
	assert.Equal(t, domain.LevelEmpty, levels[2].Status)
	assert.Empty(t, levels[2].OpenOrderID)
	assert.Equal(t, domain.LevelBuyFilled, levels[3].Status)
	assert.Empty(t, levels[3].OpenOrderID)
}

func TestFindLevelByOrderID(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e := newTestEngine(t, testConfig())
	e.Initialize(ctx, 0.9980, now)
	require.NoError(t, e.MarkBuyPlaced(4, "o4", now))

	lv, ok := e.FindLevelByOrderID("o4")
	require.True(t, ok)
	assert.Equal(t, 4, lv.LevelIndex)

	_, ok = e.FindLevelByOrderID("missing")
	assert.False(t, ok)
	_, ok = e.FindLevelByOrderID("")
	assert.False(t, ok)
}

func TestSupersede(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e := newTestEngine(t, testConfig())
	gen, levels := e.Initialize(ctx, 0.9980, now)

	// Level 1 resting buy, level 2 holding inventory, level 3 mid sell.
	require.NoError(t, e.MarkBuyPlaced(1, "o1", now))
	require.NoError(t, e.MarkBuyPlaced(2, "o2", now))
	_, err := e.OnBuyFill(ctx, 2, fill("t1", domain.Buy, levels[2].BuyPrice, 50, now))
	require.NoError(t, err)
	require.NoError(t, e.MarkBuyPlaced(3, "o3", now))
	_, err = e.OnBuyFill(ctx, 3, fill("t2", domain.Buy, levels[3].BuyPrice, 50, now))
	require.NoError(t, err)
	require.NoError(t, e.MarkSellPlaced(3, "o4", now))

	res := e.Supersede(ctx, now.Add(time.Minute))
	require.NotNil(t, res)
	assert.Equal(t, gen, res.Generation)
	assert.False(t, gen.IsActive)
	assert.Equal(t, now.Add(time.Minute), gen.SupersededAt)
	assert.ElementsMatch(t, []string{"o1", "o4"}, res.OpenOrderIDs)

	// Mid-cycle inventory folds into orphan lots at fee-adjusted buy cost.
	require.Len(t, res.OrphanLots, 2)
	var total float64
	for _, lot := range res.OrphanLots {
		assert.Equal(t, domain.StrategyGridOrphan, lot.Strategy)
		assert.Equal(t, 50.0, lot.AmountRemaining)
		total += lot.AmountRemaining
	}
	assert.Equal(t, 100.0, total)
	assert.InDelta(t, pricing.FeeAdjustedBuyPrice(levels[2].BuyPrice, 0.0004),
		res.OrphanLots[0].FeeAdjustedPrice, 1e-12)

	assert.False(t, e.Active())
	assert.Nil(t, e.Supersede(ctx, now))
}

func TestLoadRestoresState(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e := newTestEngine(t, testConfig())

	gen := &domain.GridGeneration{GridID: "gd-abc12345", CenterPrice: 0.9980, Levels: 2, IsActive: true, CreatedAt: now}
	levels := []*domain.GridLevel{
		{GridID: gen.GridID, LevelIndex: 0, BuyPrice: 0.9975, SellPrice: 0.9985, Size: 50, Status: domain.LevelBuyFilled},
		{GridID: gen.GridID, LevelIndex: 1, BuyPrice: 0.9980, SellPrice: 0.9990, Size: 50, Status: domain.LevelSellPlaced, OpenOrderID: "o9"},
	}
	e.Load(gen, levels)

	assert.True(t, e.Active())
	assert.Equal(t, 100.0, e.TotalPosition())
	lv, ok := e.FindLevelByOrderID("o9")
	require.True(t, ok)

	out, err := e.OnSellFill(ctx, lv.LevelIndex, fill("t1", domain.Sell, 0.9990, 50, now))
	require.NoError(t, err)
	assert.Equal(t, domain.LevelCompleted, out.Level.Status)
}

func TestShouldRebalance(t *testing.T) {
	ctx := context.Background()
	r := NewRebalancer(50, &mockLogger{})

	t.Run("nil generation forces a build", func(t *testing.T) {
		drift, rebuild := r.ShouldRebalance(ctx, nil, 0.9980)
		assert.True(t, rebuild)
		assert.Equal(t, 0.0, drift)
	})

	t.Run("inactive generation forces a build", func(t *testing.T) {
		gen := &domain.GridGeneration{GridID: "gd-old", CenterPrice: 0.9980, IsActive: false}
		_, rebuild := r.ShouldRebalance(ctx, gen, 0.9980)
		assert.True(t, rebuild)
	})

	t.Run("within threshold", func(t *testing.T) {
		gen := &domain.GridGeneration{GridID: "gd-a", CenterPrice: 0.9980, IsActive: true}
		drift, rebuild := r.ShouldRebalance(ctx, gen, 0.9991)
		assert.False(t, rebuild)
		assert.InDelta(t, pricing.DriftBps(0.9991, 0.9980), drift, 1e-9)
	})

	t.Run("past threshold", func(t *testing.T) {
		gen := &domain.GridGeneration{GridID: "gd-a", CenterPrice: 0.9980, IsActive: true}
		drift, rebuild := r.ShouldRebalance(ctx, gen, 1.0035)
		assert.True(t, rebuild)
		assert.Greater(t, drift, 50.0)
	})
}
