// Package risk centralizes the admission checks applied to every order
// intent before it reaches the dispatcher. Failing a check is not an error:
// the intent is skipped for this tick and logged at informational level.
package risk

import (
	"fmt"
	"math"
)

// Config holds the admission thresholds.
type Config struct {
	MinOrderValue float64 // minimum quote value per order
	MaxBuyPrice   float64 // absolute buy price ceiling (peg guard)
	MaxPosition   float64 // inventory strategy position cap, base units
	MinOrderSize  float64 // dust floor in base units
}

// Checker validates order intents against the configured limits.
type Checker struct {
	cfg Config
}

// NewChecker creates an admission checker.
func NewChecker(cfg Config) *Checker {
	return &Checker{cfg: cfg}
}

// CheckOrderValue verifies the quote value and base size floors.
func (c *Checker) CheckOrderValue(price, size float64) (bool, string) {
	if c.cfg.MinOrderSize > 0 && size < c.cfg.MinOrderSize {
		return false, fmt.Sprintf("size %.4f below minimum %.4f", size, c.cfg.MinOrderSize)
	}
	value := price * size
	if c.cfg.MinOrderValue > 0 && value < c.cfg.MinOrderValue {
		return false, fmt.Sprintf("order value %.4f below minimum %.2f", value, c.cfg.MinOrderValue)
	}
	return true, ""
}

// CheckBuyPrice enforces the peg-guard ceiling on buy quotes.
func (c *Checker) CheckBuyPrice(price float64) (bool, string) {
	if c.cfg.MaxBuyPrice > 0 && price >= c.cfg.MaxBuyPrice {
		return false, fmt.Sprintf("buy price %.5f at or above ceiling %.5f", price, c.cfg.MaxBuyPrice)
	}
	return true, ""
}

// CheckBuyRoom verifies the inventory cap leaves room for another buy.
func (c *Checker) CheckBuyRoom(position, size float64) (bool, string) {
	if c.cfg.MaxPosition <= 0 {
		return true, ""
	}
	if position+size > c.cfg.MaxPosition {
		return false, fmt.Sprintf("position %.2f + size %.2f exceeds cap %.2f",
			position, size, c.cfg.MaxPosition)
	}
	return true, ""
}

// BuySizeForMinValue bumps a buy size up to the minimum order value if the
// requested size would be rejected, mirroring the quote-side floor.
func (c *Checker) BuySizeForMinValue(price, size float64) float64 {
	if price <= 0 || c.cfg.MinOrderValue <= 0 {
		return size
	}
	minSize := c.cfg.MinOrderValue / price
	return math.Max(size, minSize)
}
