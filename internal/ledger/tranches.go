package ledger

import "pegmaker/internal/pricing"

// Tranche is one slice of an incremental sell plan.
type Tranche struct {
	Index     int
	Price     float64
	Size      float64
	OffsetBps float64 // bps above the plan's base price
}

// PlanSellTranches splits the current position into equal slices priced at
// increasing offsets above breakeven. The base price is the greater of the
// reference price and breakeven; tranches that would price below breakeven
// are skipped. The last tranche absorbs rounding remainder. FIFO consumption
// stays a ledger invariant regardless of which tranche fills first.
func (l *Ledger) PlanSellTranches(refPrice float64) []Tranche {
	position := l.Position()
	breakeven, ok := l.BreakevenPrice()
	if !ok || position <= amountEpsilon {
		return nil
	}

	base := refPrice
	if base < breakeven {
		base = breakeven
	}

	n := l.cfg.SellTranches
	sliceSize := position / float64(n)
	tranches := make([]Tranche, 0, n)
	var allocated float64

	for i := 0; i < n; i++ {
		offset := float64(i) * l.cfg.TrancheSpreadBps
		price := pricing.OffsetBps(base, offset)
		if price < breakeven {
			continue
		}
		size := sliceSize
		if i == n-1 {
			size = position - allocated
		}
		if size <= amountEpsilon {
			continue
		}
		allocated += size
		tranches = append(tranches, Tranche{
			Index:     i,
			Price:     price,
			Size:      size,
			OffsetBps: offset,
		})
	}
	return tranches
}
