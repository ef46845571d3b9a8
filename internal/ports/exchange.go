package ports

import (
	"context"

	"pegmaker/internal/domain"
)

// MarketDataProvider supplies the top-of-book snapshot each poll tick.
type MarketDataProvider interface {
	// GetSnapshot returns best bid/ask, mid price and top-of-book depth.
	GetSnapshot(ctx context.Context) (*domain.MarketSnapshot, error)
}

// OrderDispatcher executes the order intents the core emits and surfaces
// fill notifications. The core treats it as untrusted and eventually
// consistent: it diffs against ListOpenOrders before placing, and dedupes
// fills by trade id.
type OrderDispatcher interface {
	// PlaceOrder places a limit maker order and returns the exchange order id.
	PlaceOrder(ctx context.Context, side domain.OrderSide, price, size float64, clientOrderID string) (string, error)

	// CancelOrder cancels an open order by exchange order id.
	// Cancelling an already filled or cancelled order returns ErrOrderNotFound.
	CancelOrder(ctx context.Context, orderID string) error

	// ListOpenOrders returns every order currently resting for the pair.
	ListOpenOrders(ctx context.Context) ([]*domain.OpenOrder, error)

	// RecentFills returns the most recent fills for the account, oldest first.
	// Callers must dedupe: fills already seen are returned again.
	RecentFills(ctx context.Context, limit int) ([]*domain.FillEvent, error)

	// GetBalances returns (base position, free quote balance).
	GetBalances(ctx context.Context) (base float64, quote float64, err error)
}
