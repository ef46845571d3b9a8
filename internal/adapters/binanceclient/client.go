package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"pegmaker/internal/domain"
	"pegmaker/internal/ports"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

const (
	// Base URLs
	baseURLProduction = "https://api.binance.com"
	baseURLTestnet    = "https://testnet.binance.vision"

	// Depth levels summed into the snapshot's top-of-book depth figures.
	depthLevels = 5
)

// Client implements ports.MarketDataProvider and ports.OrderDispatcher using
// the go-binance spot client. All orders are LIMIT_MAKER: the exchange
// rejects any price that would cross, which is exactly the behaviour a
// passive quoting loop wants.
type Client struct {
	spotClient *binance.Client
	logger     ports.Logger
	symbol     string

	priceDecimals int
	qtyDecimals   int

	// Resolved lazily from exchange info on first balance query.
	baseAsset  string
	quoteAsset string
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Symbol     string
	TickSize   float64 // price increment, drives price string precision
	StepSize   float64 // quantity increment, drives size string precision
	Logger     ports.Logger
}

// New creates a new Binance spot client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("symbol is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using the global binance.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	tickSize := cfg.TickSize
	if tickSize <= 0 {
		tickSize = 0.00001
	}
	stepSize := cfg.StepSize
	if stepSize <= 0 {
		stepSize = 0.01
	}

	return &Client{
		spotClient:    client,
		logger:        cfg.Logger,
		symbol:        cfg.Symbol,
		priceDecimals: decimalsOf(tickSize),
		qtyDecimals:   decimalsOf(stepSize),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		// Map specific Binance error codes to custom errors
		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1013, -1100, -1101, -1102, -1103, -1104, -1106, -1111, -1121: // Filter/parameter errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected (LIMIT_MAKER would immediately match, or balance)
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel rejected: unknown order
			mappedErr = ports.ErrOrderNotFound
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key format invalid / permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -3005: // Insufficient balance
			mappedErr = ports.ErrInsufficientFunds
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.spotClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// SetServerTime synchronizes the client's time offset with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	if _, err := c.spotClient.NewSetServerTimeService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// --- ports.MarketDataProvider ---

// GetSnapshot returns best bid/ask, mid price, spread and summed depth over
// the top book levels. A one-sided or empty book yields an incomplete
// snapshot; the caller decides whether to act on it.
func (c *Client) GetSnapshot(ctx context.Context) (*domain.MarketSnapshot, error) {
	op := "GetSnapshot"
	depth, err := c.spotClient.NewDepthService().Symbol(c.symbol).Limit(depthLevels).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	snap := &domain.MarketSnapshot{Timestamp: time.Now().UTC()}

	for i, bid := range depth.Bids {
		price, qty, err := parseLevel(bid.Price, bid.Quantity)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to parse bid level: %w", err), op)
		}
		if i == 0 {
			snap.BestBid = price
		}
		snap.BidDepthTop += qty
	}
	for i, ask := range depth.Asks {
		price, qty, err := parseLevel(ask.Price, ask.Quantity)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to parse ask level: %w", err), op)
		}
		if i == 0 {
			snap.BestAsk = price
		}
		snap.AskDepthTop += qty
	}

	if snap.Complete() {
		snap.MidPrice = (snap.BestBid + snap.BestAsk) / 2
		snap.SpreadBps = (snap.BestAsk - snap.BestBid) / snap.MidPrice * 10000
	}
	return snap, nil
}

// --- ports.OrderDispatcher ---

// PlaceOrder places a LIMIT_MAKER order and returns the exchange order id.
func (c *Client) PlaceOrder(ctx context.Context, side domain.OrderSide, price, size float64, clientOrderID string) (string, error) {
	op := "PlaceOrder"
	binanceSide := binance.SideType(side) // Direct conversion, values match

	order, err := c.spotClient.NewCreateOrderService().
		Symbol(c.symbol).
		Side(binanceSide).
		Type(binance.OrderTypeLimitMaker).
		Price(c.formatPrice(price)).
		Quantity(c.formatQuantity(size)).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return "", c.handleError(ctx, err, op)
	}

	orderID := strconv.FormatInt(order.OrderID, 10)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":        c.symbol,
		"side":          side,
		"price":         c.formatPrice(price),
		"size":          c.formatQuantity(size),
		"orderID":       orderID,
		"clientOrderID": clientOrderID,
	})
	return orderID, nil
}

// CancelOrder cancels an open order by exchange order id. Cancelling an
// order that already filled or was cancelled surfaces ErrOrderNotFound.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	op := "CancelOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return c.handleError(ctx, fmt.Errorf("invalid order id '%s': %w", orderID, err), op)
	}

	_, err = c.spotClient.NewCancelOrderService().
		Symbol(c.symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": c.symbol, "orderID": orderID})
	return nil
}

// ListOpenOrders returns every order currently resting for the pair.
func (c *Client) ListOpenOrders(ctx context.Context) ([]*domain.OpenOrder, error) {
	op := "ListOpenOrders"
	orders, err := c.spotClient.NewListOpenOrdersService().Symbol(c.symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	open := make([]*domain.OpenOrder, 0, len(orders))
	for _, o := range orders {
		price, err := strconv.ParseFloat(o.Price, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to parse order price '%s': %w", o.Price, err), op)
		}
		size, err := strconv.ParseFloat(o.OrigQuantity, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to parse order quantity '%s': %w", o.OrigQuantity, err), op)
		}
		open = append(open, &domain.OpenOrder{
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Side:          domain.OrderSide(o.Side),
			Price:         price,
			Size:          size,
			PlacedAt:      time.UnixMilli(o.Time),
		})
	}
	return open, nil
}

// RecentFills returns the account's most recent fills for the pair, oldest
// first as the API delivers them. Fills already seen come back again;
// deduplication by trade id is the caller's job.
func (c *Client) RecentFills(ctx context.Context, limit int) ([]*domain.FillEvent, error) {
	op := "RecentFills"
	if limit <= 0 {
		limit = 50
	}
	trades, err := c.spotClient.NewListTradesService().Symbol(c.symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	fills := make([]*domain.FillEvent, 0, len(trades))
	for _, tr := range trades {
		price, err := strconv.ParseFloat(tr.Price, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to parse fill price '%s': %w", tr.Price, err), op)
		}
		amount, err := strconv.ParseFloat(tr.Quantity, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to parse fill quantity '%s': %w", tr.Quantity, err), op)
		}
		side := domain.Sell
		if tr.IsBuyer {
			side = domain.Buy
		}
		fills = append(fills, &domain.FillEvent{
			TradeID:   strconv.FormatInt(tr.ID, 10),
			OrderID:   strconv.FormatInt(tr.OrderID, 10),
			Side:      side,
			Price:     price,
			Amount:    amount,
			Timestamp: time.UnixMilli(tr.Time),
		})
	}
	return fills, nil
}

// GetBalances returns the free base and quote balances for the pair.
func (c *Client) GetBalances(ctx context.Context) (float64, float64, error) {
	op := "GetBalances"
	if err := c.resolveAssets(ctx); err != nil {
		return 0, 0, err
	}

	account, err := c.spotClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, 0, c.handleError(ctx, err, op)
	}

	var base, quote float64
	for _, bal := range account.Balances {
		switch bal.Asset {
		case c.baseAsset:
			base, err = strconv.ParseFloat(bal.Free, 64)
		case c.quoteAsset:
			quote, err = strconv.ParseFloat(bal.Free, 64)
		default:
			continue
		}
		if err != nil {
			return 0, 0, c.handleError(ctx, fmt.Errorf("failed to parse balance '%s' for asset %s: %w", bal.Free, bal.Asset, err), op)
		}
	}
	return base, quote, nil
}

// resolveAssets looks up the pair's base and quote asset names once.
// The reconciliation loop is single-threaded so no locking is needed.
func (c *Client) resolveAssets(ctx context.Context) error {
	op := "resolveAssets"
	if c.baseAsset != "" && c.quoteAsset != "" {
		return nil
	}

	info, err := c.spotClient.NewExchangeInfoService().Symbol(c.symbol).Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	for _, s := range info.Symbols {
		if s.Symbol == c.symbol {
			c.baseAsset = s.BaseAsset
			c.quoteAsset = s.QuoteAsset
			c.logger.Debug(ctx, "Resolved pair assets", map[string]interface{}{"base": c.baseAsset, "quote": c.quoteAsset})
			return nil
		}
	}
	err = fmt.Errorf("symbol %s not found in exchange info", c.symbol)
	return c.handleError(ctx, err, op)
}

// --- Formatting Helpers ---

func (c *Client) formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', c.priceDecimals, 64)
}

func (c *Client) formatQuantity(size float64) string {
	return strconv.FormatFloat(size, 'f', c.qtyDecimals, 64)
}

func parseLevel(priceStr, qtyStr string) (float64, float64, error) {
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing price '%s': %w", priceStr, err)
	}
	qty, err := strconv.ParseFloat(qtyStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing quantity '%s': %w", qtyStr, err)
	}
	return price, qty, nil
}

// decimalsOf derives the decimal places implied by an increment such as
// 0.00001. Increments that are not clean powers of ten round up.
func decimalsOf(increment float64) int {
	if increment >= 1 {
		return 0
	}
	d := int(math.Ceil(-math.Log10(increment) - 1e-9))
	if d < 0 {
		d = 0
	}
	return d
}
