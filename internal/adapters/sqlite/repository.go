package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pegmaker/internal/domain"
	"pegmaker/internal/ports"

	"github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ports.Store interface using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/pegmaker.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Open database connection
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close() // Close the connection if ping fails
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Set connection pool settings (important for SQLite)
	db.SetMaxOpenConns(1) // SQLite handles concurrency internally, but Go driver benefits from limiting connections
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
// NOTE: This is a basic approach. A proper migration tool is recommended for production.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		trade_id   TEXT PRIMARY KEY,
		timestamp  TIMESTAMP NOT NULL,
		side       TEXT NOT NULL,
		price      REAL NOT NULL,
		amount     REAL NOT NULL,
		cost       REAL NOT NULL,
		fee        REAL NOT NULL,
		strategy   TEXT NOT NULL,
		related_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS position_lots (
		lot_id             TEXT PRIMARY KEY,
		amount_remaining   REAL NOT NULL,
		original_amount    REAL NOT NULL,
		fee_adjusted_price REAL NOT NULL,
		cost_basis         REAL NOT NULL,
		acquired_at        TIMESTAMP NOT NULL,
		strategy           TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS grid_generations (
		grid_id           TEXT PRIMARY KEY,
		center_price      REAL NOT NULL,
		levels            INTEGER NOT NULL,
		spacing_bps       REAL NOT NULL,
		profit_target_bps REAL NOT NULL,
		is_active         INTEGER NOT NULL,
		created_at        TIMESTAMP NOT NULL,
		superseded_at     TIMESTAMP DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS grid_levels (
		grid_id       TEXT NOT NULL,
		level_index   INTEGER NOT NULL,
		buy_price     REAL NOT NULL,
		sell_price    REAL NOT NULL,
		size          REAL NOT NULL,
		status        TEXT NOT NULL,
		open_order_id TEXT NOT NULL DEFAULT '',
		cycle_count   INTEGER NOT NULL DEFAULT 0,
		profit        REAL NOT NULL DEFAULT 0,
		updated_at    TIMESTAMP NOT NULL,
		PRIMARY KEY (grid_id, level_index)
	);

	CREATE TABLE IF NOT EXISTS market_snapshots (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp     TIMESTAMP NOT NULL,
		best_bid      REAL NOT NULL,
		best_ask      REAL NOT NULL,
		mid_price     REAL NOT NULL,
		spread_bps    REAL NOT NULL,
		bid_depth_top REAL NOT NULL,
		ask_depth_top REAL NOT NULL
	);

	-- Add indexes for common lookups
	CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades (timestamp);
	CREATE INDEX IF NOT EXISTS idx_lots_acquired_at ON position_lots (acquired_at);
	CREATE INDEX IF NOT EXISTS idx_generations_active ON grid_generations (is_active);
	CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON market_snapshots (timestamp);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- Transactional writes ---

// Transact runs fn inside a single SQLite transaction, committing only if fn
// returns nil. A failed commit or a panic rolls everything back.
func (r *Repository) Transact(ctx context.Context, fn func(tx ports.StoreTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txStore := &storeTx{tx: tx}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error(ctx, rbErr, "Transaction rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// storeTx implements ports.StoreTx over one open *sql.Tx.
type storeTx struct {
	tx *sql.Tx
}

// InsertTrade appends to the trade log. A primary-key collision on trade_id
// maps to ports.ErrDuplicateEntry so callers can treat replayed fills as
// already applied.
func (s *storeTx) InsertTrade(ctx context.Context, trade *domain.TradeRecord) error {
	const query = `
	INSERT INTO trades (trade_id, timestamp, side, price, amount, cost, fee, strategy, related_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.tx.ExecContext(ctx, query,
		trade.TradeID, trade.Timestamp, string(trade.Side), trade.Price, trade.Amount,
		trade.Cost, trade.Fee, string(trade.Strategy), trade.RelatedID)
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("trade %s already recorded: %w", trade.TradeID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert trade %s: %w", trade.TradeID, err)
	}
	return nil
}

func (s *storeTx) InsertLot(ctx context.Context, lot *domain.PositionLot) error {
	const query = `
	INSERT INTO position_lots (lot_id, amount_remaining, original_amount, fee_adjusted_price, cost_basis, acquired_at, strategy)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.tx.ExecContext(ctx, query,
		lot.LotID, lot.AmountRemaining, lot.OriginalAmount, lot.FeeAdjustedPrice,
		lot.CostBasis, lot.AcquiredAt, string(lot.Strategy))
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("lot %s already exists: %w", lot.LotID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert lot %s: %w", lot.LotID, err)
	}
	return nil
}

func (s *storeTx) UpdateLot(ctx context.Context, lot *domain.PositionLot) error {
	const query = `UPDATE position_lots SET amount_remaining = ? WHERE lot_id = ?`

	result, err := s.tx.ExecContext(ctx, query, lot.AmountRemaining, lot.LotID)
	if err != nil {
		return fmt.Errorf("failed to update lot %s: %w", lot.LotID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for lot %s: %w", lot.LotID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("lot %s not found for update: %w", lot.LotID, ports.ErrNotFound)
	}
	return nil
}

func (s *storeTx) DeleteLot(ctx context.Context, lotID string) error {
	const query = `DELETE FROM position_lots WHERE lot_id = ?`

	result, err := s.tx.ExecContext(ctx, query, lotID)
	if err != nil {
		return fmt.Errorf("failed to delete lot %s: %w", lotID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for lot delete %s: %w", lotID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("lot %s not found for delete: %w", lotID, ports.ErrNotFound)
	}
	return nil
}

func (s *storeTx) UpsertLevel(ctx context.Context, level *domain.GridLevel) error {
	const query = `
	INSERT INTO grid_levels (grid_id, level_index, buy_price, sell_price, size, status, open_order_id, cycle_count, profit, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (grid_id, level_index) DO UPDATE SET
		buy_price = excluded.buy_price,
		sell_price = excluded.sell_price,
		size = excluded.size,
		status = excluded.status,
		open_order_id = excluded.open_order_id,
		cycle_count = excluded.cycle_count,
		profit = excluded.profit,
		updated_at = excluded.updated_at`

	_, err := s.tx.ExecContext(ctx, query,
		level.GridID, level.LevelIndex, level.BuyPrice, level.SellPrice, level.Size,
		string(level.Status), level.OpenOrderID, level.CycleCount, level.Profit, level.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert level %s/L%d: %w", level.GridID, level.LevelIndex, err)
	}
	return nil
}

func (s *storeTx) InsertGeneration(ctx context.Context, gen *domain.GridGeneration) error {
	const query = `
	INSERT INTO grid_generations (grid_id, center_price, levels, spacing_bps, profit_target_bps, is_active, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.tx.ExecContext(ctx, query,
		gen.GridID, gen.CenterPrice, gen.Levels, gen.SpacingBps, gen.ProfitTargetBps,
		boolToInt(gen.IsActive), gen.CreatedAt)
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("generation %s already exists: %w", gen.GridID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert generation %s: %w", gen.GridID, err)
	}
	return nil
}

func (s *storeTx) DeactivateGeneration(ctx context.Context, gridID string, at time.Time) error {
	const query = `UPDATE grid_generations SET is_active = 0, superseded_at = ? WHERE grid_id = ? AND is_active = 1`

	result, err := s.tx.ExecContext(ctx, query, at, gridID)
	if err != nil {
		return fmt.Errorf("failed to deactivate generation %s: %w", gridID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for generation %s: %w", gridID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("active generation %s not found: %w", gridID, ports.ErrNotFound)
	}
	return nil
}

// --- Read side ---

// OpenLots returns lots with remaining inventory, oldest first. Oldest-first
// ordering is what makes ledger consumption FIFO across restarts.
func (r *Repository) OpenLots(ctx context.Context) ([]*domain.PositionLot, error) {
	const query = `
	SELECT lot_id, amount_remaining, original_amount, fee_adjusted_price, cost_basis, acquired_at, strategy
	FROM position_lots
	WHERE amount_remaining > 0
	ORDER BY acquired_at ASC, lot_id ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open lots: %w", err)
	}
	defer rows.Close()

	lots := make([]*domain.PositionLot, 0)
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lot during OpenLots: %w", err)
		}
		lots = append(lots, lot)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lot rows: %w", err)
	}
	return lots, nil
}

// ActiveGeneration returns the single active grid generation, or nil when no
// grid has been initialized yet.
func (r *Repository) ActiveGeneration(ctx context.Context) (*domain.GridGeneration, error) {
	const query = `
	SELECT grid_id, center_price, levels, spacing_bps, profit_target_bps, is_active, created_at, superseded_at
	FROM grid_generations
	WHERE is_active = 1`

	row := r.db.QueryRowContext(ctx, query)
	gen, err := scanGeneration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just no active grid
		}
		return nil, fmt.Errorf("failed to query active generation: %w", err)
	}
	return gen, nil
}

// LevelsByGrid returns a generation's levels ordered by level index.
func (r *Repository) LevelsByGrid(ctx context.Context, gridID string) ([]*domain.GridLevel, error) {
	const query = `
	SELECT grid_id, level_index, buy_price, sell_price, size, status, open_order_id, cycle_count, profit, updated_at
	FROM grid_levels
	WHERE grid_id = ?
	ORDER BY level_index ASC`

	rows, err := r.db.QueryContext(ctx, query, gridID)
	if err != nil {
		return nil, fmt.Errorf("failed to query levels for grid %s: %w", gridID, err)
	}
	defer rows.Close()

	levels := make([]*domain.GridLevel, 0)
	for rows.Next() {
		lv, err := scanLevel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan level during LevelsByGrid: %w", err)
		}
		levels = append(levels, lv)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating level rows: %w", err)
	}
	return levels, nil
}

// HasTrade reports whether a fill was already recorded.
func (r *Repository) HasTrade(ctx context.Context, tradeID string) (bool, error) {
	const query = `SELECT COUNT(*) FROM trades WHERE trade_id = ?`
	var count int
	if err := r.db.QueryRowContext(ctx, query, tradeID).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check trade %s: %w", tradeID, err)
	}
	return count > 0, nil
}

// TradesSince returns trade records at or after since, oldest first.
// A limit of 0 means no cap.
func (r *Repository) TradesSince(ctx context.Context, since time.Time, limit int) ([]*domain.TradeRecord, error) {
	query := `
	SELECT trade_id, timestamp, side, price, amount, cost, fee, strategy, related_id
	FROM trades
	WHERE timestamp >= ?
	ORDER BY timestamp ASC, trade_id ASC`
	args := []interface{}{since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades since %s: %w", since, err)
	}
	defer rows.Close()

	trades := make([]*domain.TradeRecord, 0)
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade during TradesSince: %w", err)
		}
		trades = append(trades, tr)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

// LastTrade returns the most recent trade record, or nil when the log is empty.
func (r *Repository) LastTrade(ctx context.Context) (*domain.TradeRecord, error) {
	const query = `
	SELECT trade_id, timestamp, side, price, amount, cost, fee, strategy, related_id
	FROM trades
	ORDER BY timestamp DESC, trade_id DESC
	LIMIT 1`

	row := r.db.QueryRowContext(ctx, query)
	tr, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query last trade: %w", err)
	}
	return tr, nil
}

// SaveMarketSnapshot appends a top-of-book observation outside any transaction.
func (r *Repository) SaveMarketSnapshot(ctx context.Context, snap *domain.MarketSnapshot) error {
	const query = `
	INSERT INTO market_snapshots (timestamp, best_bid, best_ask, mid_price, spread_bps, bid_depth_top, ask_depth_top)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		snap.Timestamp, snap.BestBid, snap.BestAsk, snap.MidPrice, snap.SpreadBps,
		snap.BidDepthTop, snap.AskDepthTop)
	if err != nil {
		return fmt.Errorf("failed to insert market snapshot: %w", err)
	}
	return nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLot(s scanner) (*domain.PositionLot, error) {
	l := &domain.PositionLot{}
	var strategy string
	err := s.Scan(
		&l.LotID, &l.AmountRemaining, &l.OriginalAmount, &l.FeeAdjustedPrice,
		&l.CostBasis, &l.AcquiredAt, &strategy)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	l.Strategy = domain.StrategyTag(strategy)
	return l, nil
}

func scanLevel(s scanner) (*domain.GridLevel, error) {
	lv := &domain.GridLevel{}
	var status string
	err := s.Scan(
		&lv.GridID, &lv.LevelIndex, &lv.BuyPrice, &lv.SellPrice, &lv.Size,
		&status, &lv.OpenOrderID, &lv.CycleCount, &lv.Profit, &lv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	lv.Status = domain.LevelStatus(status)
	return lv, nil
}

func scanGeneration(s scanner) (*domain.GridGeneration, error) {
	g := &domain.GridGeneration{}
	var isActive int
	var supersededAt sql.NullTime
	err := s.Scan(
		&g.GridID, &g.CenterPrice, &g.Levels, &g.SpacingBps, &g.ProfitTargetBps,
		&isActive, &g.CreatedAt, &supersededAt)
	if err != nil {
		return nil, err
	}
	g.IsActive = isActive != 0
	if supersededAt.Valid {
		g.SupersededAt = supersededAt.Time
	}
	return g, nil
}

func scanTrade(s scanner) (*domain.TradeRecord, error) {
	t := &domain.TradeRecord{}
	var side, strategy string
	err := s.Scan(
		&t.TradeID, &t.Timestamp, &side, &t.Price, &t.Amount,
		&t.Cost, &t.Fee, &strategy, &t.RelatedID)
	if err != nil {
		return nil, err
	}
	t.Side = domain.OrderSide(side)
	t.Strategy = domain.StrategyTag(strategy)
	return t, nil
}

// isConstraintErr reports whether err is a SQLite uniqueness violation.
func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
