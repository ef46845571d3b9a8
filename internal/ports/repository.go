package ports

import (
	"context"
	"time"

	"pegmaker/internal/domain"
)

// StoreTx is the row-level API available inside one transaction. Every state
// transition of a tick-step (trade insert plus the lot/level rows it implies)
// is applied through a single StoreTx so a crash between sibling writes cannot
// leave the tables inconsistent.
type StoreTx interface {
	// InsertTrade appends to the trade log. Returns ErrDuplicateEntry when the
	// trade id was already recorded; callers treat that as "fill already
	// applied" and roll back without side effects.
	InsertTrade(ctx context.Context, trade *domain.TradeRecord) error

	InsertLot(ctx context.Context, lot *domain.PositionLot) error
	// UpdateLot persists a changed AmountRemaining.
	UpdateLot(ctx context.Context, lot *domain.PositionLot) error
	DeleteLot(ctx context.Context, lotID string) error

	// UpsertLevel writes a level keyed by (grid_id, level_index).
	UpsertLevel(ctx context.Context, level *domain.GridLevel) error
	InsertGeneration(ctx context.Context, gen *domain.GridGeneration) error
	// DeactivateGeneration marks a generation superseded; its levels freeze.
	DeactivateGeneration(ctx context.Context, gridID string, at time.Time) error
}

// Store is the durable state the reconciliation loop reads on startup and
// writes through on every tick.
type Store interface {
	// Transact runs fn inside one transaction, committing iff fn returns nil.
	Transact(ctx context.Context, fn func(tx StoreTx) error) error

	// OpenLots returns lots with remaining amount, oldest first.
	OpenLots(ctx context.Context) ([]*domain.PositionLot, error)

	// ActiveGeneration returns the single active generation, or nil, nil.
	ActiveGeneration(ctx context.Context) (*domain.GridGeneration, error)

	// LevelsByGrid returns a generation's levels ordered by level index.
	LevelsByGrid(ctx context.Context, gridID string) ([]*domain.GridLevel, error)

	// HasTrade reports whether a fill was already recorded.
	HasTrade(ctx context.Context, tradeID string) (bool, error)

	// TradesSince returns trade records at or after since, oldest first,
	// capped at limit (0 means no cap).
	TradesSince(ctx context.Context, since time.Time, limit int) ([]*domain.TradeRecord, error)

	// LastTrade returns the most recent trade record, or nil, nil.
	LastTrade(ctx context.Context) (*domain.TradeRecord, error)

	// SaveMarketSnapshot appends a top-of-book observation.
	SaveMarketSnapshot(ctx context.Context, snap *domain.MarketSnapshot) error

	Close() error
}
