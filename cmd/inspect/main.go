// Command inspect dumps the durable state of a market maker database:
// trade log, open lots, active grid, and a realized-performance report.
// It never touches the exchange.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"pegmaker/internal/adapters/logger"
	"pegmaker/internal/adapters/sqlite"
	"pegmaker/internal/analytics"
	"pegmaker/internal/utils"
)

func main() {
	dbPath := flag.String("db", "./data/pegmaker.db", "Path to the SQLite database")
	makerFee := flag.Float64("fee", 0.0004, "Maker fee used for the performance projection")
	since := flag.Duration("since", 30*24*time.Hour, "How far back to read the trade log")
	limit := flag.Int("limit", 0, "Cap on trade rows read (0 = no cap)")
	csvPath := flag.String("csv", "", "Export the trade log to this CSV file")
	flag.Parse()

	ctx := context.Background()
	appLogger := logger.NewStdLogger(logger.LevelWarn)

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer repo.Close()

	trades, err := repo.TradesSince(ctx, time.Now().Add(-*since), *limit)
	if err != nil {
		log.Fatalf("failed to read trade log: %v", err)
	}

	if *csvPath != "" {
		if err := utils.WriteTradesToCSV(trades, *csvPath); err != nil {
			log.Fatalf("failed to write CSV: %v", err)
		}
		fmt.Printf("wrote %d trades to %s\n", len(trades), *csvPath)
	}

	lots, err := repo.OpenLots(ctx)
	if err != nil {
		log.Fatalf("failed to read open lots: %v", err)
	}

	fmt.Printf("=== Open lots (%d, oldest first) ===\n", len(lots))
	var position, costBasis float64
	for _, lot := range lots {
		position += lot.AmountRemaining
		costBasis += lot.FeeAdjustedPrice * lot.AmountRemaining
		fmt.Printf("  %s  %10.4f / %-10.4f @ %.5f  (%s, %s)\n",
			lot.LotID[:8], lot.AmountRemaining, lot.OriginalAmount,
			lot.FeeAdjustedPrice, lot.Strategy, lot.AcquiredAt.Format(time.RFC3339))
	}
	if position > 0 {
		avg := costBasis / position
		fmt.Printf("  position %.4f, average cost %.5f, breakeven %.5f\n",
			position, avg, avg/(1-*makerFee))
	}

	gen, err := repo.ActiveGeneration(ctx)
	if err != nil {
		log.Fatalf("failed to read active generation: %v", err)
	}
	if gen == nil {
		fmt.Println("=== Grid: no active generation ===")
	} else {
		levels, err := repo.LevelsByGrid(ctx, gen.GridID)
		if err != nil {
			log.Fatalf("failed to read grid levels: %v", err)
		}
		fmt.Printf("=== Grid %s (center %.5f, %d levels, created %s) ===\n",
			gen.GridID, gen.CenterPrice, gen.Levels, gen.CreatedAt.Format(time.RFC3339))
		for _, lv := range levels {
			fmt.Printf("  L%-3d buy %.5f sell %.5f size %.2f  %-11s cycles=%d profit=%.5f\n",
				lv.LevelIndex, lv.BuyPrice, lv.SellPrice, lv.Size, lv.Status, lv.CycleCount, lv.Profit)
		}
	}

	report := analytics.Analyze(trades, *makerFee)
	fmt.Printf("=== Performance (%d trades) ===\n", report.TotalTrades)
	if report.TotalTrades == 0 {
		os.Exit(0)
	}
	fmt.Printf("  buys/sells        %d / %d\n", report.Buys, report.Sells)
	fmt.Printf("  volume            %.2f\n", report.Volume)
	fmt.Printf("  fees paid         %.5f\n", report.FeesPaid)
	fmt.Printf("  realized profit   %.5f\n", report.RealizedProfit)
	fmt.Printf("  win rate          %.1f%% (%d wins, %d losses)\n",
		report.WinRate*100, report.WinningSells, report.LosingSells)
	fmt.Printf("  avg win / loss    %.5f / %.5f\n", report.AverageWin, report.AverageLoss)
	fmt.Printf("  profit factor     %.2f\n", report.ProfitFactor)
	for tag, profit := range report.ByStrategy {
		fmt.Printf("  profit[%s]  %.5f\n", tag, profit)
	}
	fmt.Printf("  first / last      %s / %s\n",
		report.FirstTrade.Format(time.RFC3339), report.LastTrade.Format(time.RFC3339))
}
