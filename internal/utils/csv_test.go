package utils

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pegmaker/internal/domain"
)

func TestWriteTradesToCSV(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	trades := []*domain.TradeRecord{
		{
			TradeID:   "t-1",
			Timestamp: ts,
			Side:      domain.Buy,
			Price:     0.9975,
			Amount:    50,
			Cost:      49.875,
			Fee:       0.01995,
			Strategy:  domain.StrategyMaker,
			RelatedID: "lot-1",
		},
		{
			TradeID:   "t-2",
			Timestamp: ts.Add(time.Minute),
			Side:      domain.Sell,
			Price:     0.9990,
			Amount:    50,
			Cost:      49.95,
			Fee:       0.01998,
			Strategy:  domain.StrategyGrid,
			RelatedID: "gd-abc/L3",
		},
	}

	path := filepath.Join(t.TempDir(), "trades.csv")
	require.NoError(t, WriteTradesToCSV(trades, path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, []string{"trade_id", "timestamp", "side", "price", "amount", "cost", "fee", "strategy", "related_id"}, rows[0])
	assert.Equal(t, []string{"t-1", "2025-03-14T09:30:00Z", "BUY", "0.9975", "50", "49.875", "0.01995", "maker", "lot-1"}, rows[1])
	assert.Equal(t, []string{"t-2", "2025-03-14T09:31:00Z", "SELL", "0.999", "50", "49.95", "0.01998", "grid", "gd-abc/L3"}, rows[2])
}

func TestWriteTradesToCSVEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, WriteTradesToCSV(nil, path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "trade_id", rows[0][0])
}
