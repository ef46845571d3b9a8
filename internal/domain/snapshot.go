package domain

import "time"

// MarketSnapshot is the top-of-book view fed into every tick.
type MarketSnapshot struct {
	Timestamp   time.Time
	BestBid     float64
	BestAsk     float64
	MidPrice    float64
	SpreadBps   float64
	BidDepthTop float64 // base units resting on the top 5 bid levels
	AskDepthTop float64 // base units resting on the top 5 ask levels
}

// Complete reports whether both sides of the book were present.
func (s *MarketSnapshot) Complete() bool {
	return s.BestBid > 0 && s.BestAsk > 0
}
