package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// StrategyTag identifies which strategy produced a trade or order.
type StrategyTag string

const (
	StrategyMaker StrategyTag = "maker" // inventory-averaging quotes
	StrategyGrid  StrategyTag = "grid"  // grid level cycles
	// StrategyGridOrphan tags lots folded into the inventory ledger when a
	// grid generation was superseded while the level still held inventory.
	StrategyGridOrphan StrategyTag = "grid-orphan"
)

// IntentKind distinguishes place from cancel intents.
type IntentKind string

const (
	IntentPlace  IntentKind = "PLACE"
	IntentCancel IntentKind = "CANCEL"
)
