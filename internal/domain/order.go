package domain

import "time"

// OrderIntent is an ephemeral instruction for the dispatch adapter.
// Intents are never persisted; the reconciliation loop recomputes the desired
// order set from durable state every tick, so a lost intent is simply
// re-derived next cycle.
type OrderIntent struct {
	Kind          IntentKind
	Side          OrderSide
	Price         float64
	Size          float64
	ClientOrderID string // structured id carrying strategy/level routing
	CancelOrderID string // set for IntentCancel
	Strategy      StrategyTag
	LevelIndex    int // grid level the intent belongs to; -1 when not level-bound
}

// OpenOrder is an order currently resting on the exchange.
type OpenOrder struct {
	OrderID       string
	ClientOrderID string
	Side          OrderSide
	Price         float64
	Size          float64
	PlacedAt      time.Time
}

// FillEvent is a fill notification surfaced by the dispatch adapter.
// Events may arrive batched and out of order across distinct orders, but are
// in order for any single order.
type FillEvent struct {
	TradeID   string // unique per fill
	OrderID   string
	Side      OrderSide
	Price     float64
	Amount    float64
	Timestamp time.Time
}
