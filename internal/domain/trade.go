package domain

import "time"

// TradeRecord is one executed fill in the append-only trade log.
// Records are never mutated after insertion; the ledger and grid state are
// reconstructed from them (plus the lot/level tables) on restart.
type TradeRecord struct {
	TradeID   string      // Exchange fill/trade id, primary key for dedup
	Timestamp time.Time   // Fill time as reported by the exchange
	Side      OrderSide   // BUY or SELL
	Price     float64     // Raw fill price (before fees)
	Amount    float64     // Base units filled
	Cost      float64     // Price * Amount (quote units, before fees)
	Fee       float64     // Maker fee paid in quote units
	Strategy  StrategyTag // Strategy that owned the order
	RelatedID string      // Lot id or "<grid_id>/L<level_index>" the fill applied to
}
