package grid

import (
	"context"

	"pegmaker/internal/domain"
	"pegmaker/internal/ports"
	"pegmaker/internal/pricing"
)

// Rebalancer decides when the active generation's center price has drifted
// too far from the market to keep quoting against it.
type Rebalancer struct {
	thresholdBps float64
	logger       ports.Logger
}

// NewRebalancer creates a drift detector with the given threshold.
func NewRebalancer(thresholdBps float64, logger ports.Logger) *Rebalancer {
	return &Rebalancer{thresholdBps: thresholdBps, logger: logger}
}

// ShouldRebalance returns the current drift and whether it exceeds the
// threshold. A nil generation always requires a (re)build.
func (r *Rebalancer) ShouldRebalance(ctx context.Context, gen *domain.GridGeneration, midPrice float64) (driftBps float64, rebuild bool) {
	if gen == nil || !gen.IsActive || gen.CenterPrice == 0 {
		return 0, true
	}
	driftBps = pricing.DriftBps(midPrice, gen.CenterPrice)
	if driftBps > r.thresholdBps {
		r.logger.Warn(ctx, "Grid center drifted past threshold", map[string]interface{}{
			"gridID": gen.GridID, "center": gen.CenterPrice, "mid": midPrice,
			"driftBps": driftBps, "thresholdBps": r.thresholdBps,
		})
		return driftBps, true
	}
	return driftBps, false
}
