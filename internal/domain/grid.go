package domain

import "time"

// LevelStatus is the state of a grid level's buy->sell cycle.
type LevelStatus string

const (
	LevelEmpty      LevelStatus = "EMPTY"       // built, no order yet
	LevelBuyPlaced  LevelStatus = "BUY_PLACED"  // buy limit resting
	LevelBuyFilled  LevelStatus = "BUY_FILLED"  // buy filled, sell not yet placed
	LevelSellPlaced LevelStatus = "SELL_PLACED" // paired sell resting
	LevelCompleted  LevelStatus = "COMPLETED"   // sell filled, profit recorded
)

// HoldsInventory reports whether a level in this status owns base units.
func (s LevelStatus) HoldsInventory() bool {
	return s == LevelBuyFilled || s == LevelSellPlaced
}

// GridLevel is one buy/sell price pair bound to a grid generation.
// A level is recycled in place: COMPLETED returns to BUY_PLACED for a new
// cycle at the same prices until the generation is superseded.
type GridLevel struct {
	GridID      string
	LevelIndex  int
	BuyPrice    float64
	SellPrice   float64
	Size        float64
	Status      LevelStatus
	OpenOrderID string  // at most one open order per level; empty when none
	CycleCount  int     // completed buy->sell round trips on this level
	Profit      float64 // cumulative realized profit across cycles
	UpdatedAt   time.Time
}

// GridGeneration is an immutable snapshot of a grid configuration.
// Exactly one generation is active at a time; superseding cancels every open
// order of the old grid id and freezes its levels.
type GridGeneration struct {
	GridID          string
	CenterPrice     float64
	Levels          int
	SpacingBps      float64
	ProfitTargetBps float64
	IsActive        bool
	CreatedAt       time.Time
	SupersededAt    time.Time // zero while active
}
