package domain

import "time"

// PositionLot is one accepted buy fill that has not been fully sold yet.
// Lots are owned by the inventory ledger and consumed oldest-first.
type PositionLot struct {
	LotID            string      // Unique identifier (UUID)
	AmountRemaining  float64     // Base units still open; 0 < AmountRemaining <= OriginalAmount while live
	OriginalAmount   float64     // Base units acquired by the buy fill
	FeeAdjustedPrice float64     // Fill price including maker fee (price * (1 + fee))
	CostBasis        float64     // FeeAdjustedPrice * OriginalAmount
	AcquiredAt       time.Time   // Fill timestamp
	Strategy         StrategyTag // Which strategy acquired the lot
}

// Exhausted reports whether the lot is fully consumed.
func (l *PositionLot) Exhausted() bool {
	return l.AmountRemaining <= 0
}
