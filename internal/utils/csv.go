package utils

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"pegmaker/internal/domain"
)

func WriteTradesToCSV(trades []*domain.TradeRecord, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write([]string{"trade_id", "timestamp", "side", "price", "amount", "cost", "fee", "strategy", "related_id"})

	for _, t := range trades {
		writer.Write([]string{
			t.TradeID,
			t.Timestamp.Format(time.RFC3339),
			string(t.Side),
			strconv.FormatFloat(t.Price, 'f', -1, 64),
			strconv.FormatFloat(t.Amount, 'f', -1, 64),
			strconv.FormatFloat(t.Cost, 'f', -1, 64),
			strconv.FormatFloat(t.Fee, 'f', -1, 64),
			string(t.Strategy),
			t.RelatedID,
		})
	}
	return writer.Error()
}
