// Package evaluation implements one evaluation cycle: price trigger,
// sizing, guardrail trimming, and the conductor that turns a quote into
// an executed rebalancing trade (or a recorded no-action).
//
// The trigger, sizing and guardrail services are pure: they never touch
// I/O and report outcomes as decision values, not errors.
package evaluation

import (
	"fmt"

	"github.com/iharari2/volbalance/internal/domain"
)

// EvaluateTrigger compares the current price to the anchor. Thresholds
// are inclusive: a drift exactly at the threshold fires. A price exactly
// at the anchor never fires.
func EvaluateTrigger(cfg domain.TriggerConfig, anchor *float64, price float64) domain.TriggerDecision {
	if anchor == nil {
		return domain.TriggerDecision{
			Fired:     false,
			Direction: domain.SideNone,
			Reason:    domain.ReasonAnchorUnarmed,
		}
	}

	pct := (price - *anchor) / *anchor

	switch {
	case pct <= -cfg.DownThresholdPct:
		return domain.TriggerDecision{
			Fired:     true,
			Direction: domain.SideBuy,
			PctChange: pct,
			Reason:    fmt.Sprintf("drift %.4f breached down threshold %.4f", pct, -cfg.DownThresholdPct),
		}
	case pct >= cfg.UpThresholdPct:
		return domain.TriggerDecision{
			Fired:     true,
			Direction: domain.SideSell,
			PctChange: pct,
			Reason:    fmt.Sprintf("drift %.4f breached up threshold %.4f", pct, cfg.UpThresholdPct),
		}
	default:
		return domain.TriggerDecision{
			Fired:     false,
			Direction: domain.SideNone,
			PctChange: pct,
			Reason:    domain.ReasonNoTrigger,
		}
	}
}

// NeedsAnchorReset reports whether the drift is too large to trade on.
// A dormant position waking up across a split or a long gap would
// otherwise fire runaway triggers; the cycle resets the anchor instead.
func NeedsAnchorReset(anchor *float64, price float64) bool {
	if anchor == nil {
		return false
	}
	pct := (price - *anchor) / *anchor
	if pct < 0 {
		pct = -pct
	}
	return pct > domain.DefaultAnchorDriftCeiling
}
