package evaluation

import (
	"math"

	"github.com/iharari2/volbalance/internal/domain"
)

// GuardrailEvaluator validates and trims trade intents. It is pure and
// stateless; the caller supplies the day's order count.
//
// Checks run in a fixed order: daily cap, resource ceiling, max trade
// size, post-trade allocation band, final rounding. Trimming is monotone:
// the quantity only ever shrinks.
type GuardrailEvaluator struct{}

// Check evaluates an intent against the guardrail config and returns the
// trimmed quantity or a block with a reason.
func (GuardrailEvaluator) Check(in domain.GuardrailInput, cfg domain.GuardrailConfig) domain.GuardrailDecision {
	effCash := in.EffectiveCash()
	positionValue := in.QtyHeld*in.Price + effCash

	decision := domain.GuardrailDecision{
		AllocationBefore: allocation(in.QtyHeld, in.Price, effCash),
	}
	block := func(reason string) domain.GuardrailDecision {
		decision.Allowed = false
		decision.TrimmedQty = 0
		decision.BlockReason = reason
		decision.AllocationAfter = decision.AllocationBefore
		return decision
	}

	// 1. Daily order cap.
	if in.OrdersToday >= cfg.MaxOrdersPerDay {
		return block(domain.ReasonDailyCap)
	}

	qty := in.Qty

	// 2. Resource ceiling: cash covers notional plus estimated
	// commission on a BUY; holdings cover the quantity on a SELL.
	switch in.Side {
	case domain.SideBuy:
		ceiling := effCash / (in.Price * (1 + in.CommissionRate))
		if ceiling <= 0 {
			return block(domain.ReasonInsufficientCash)
		}
		qty = math.Min(qty, ceiling)
	case domain.SideSell:
		if in.QtyHeld <= 0 {
			return block(domain.ReasonInsufficientQty)
		}
		qty = math.Min(qty, in.QtyHeld)
	default:
		return block(domain.ReasonNoTrigger)
	}

	// 3. Max trade size as a share of total position value.
	if positionValue > 0 {
		maxQty := cfg.MaxTradePct * positionValue / in.Price
		qty = math.Min(qty, maxQty)
	}

	// 4. Post-trade allocation band. Only the bound the trade moves
	// toward is enforced: a BUY must not overshoot max_stock_pct, a
	// SELL must not undershoot min_stock_pct. A trade that starts
	// outside the band but moves toward it passes untouched.
	allocTrimmed := false
	if positionValue > 0 {
		switch in.Side {
		case domain.SideBuy:
			maxQty := (cfg.MaxStockPct*positionValue - in.QtyHeld*in.Price) / in.Price
			if qty > maxQty {
				qty = maxQty
				allocTrimmed = true
			}
		case domain.SideSell:
			maxQty := (in.QtyHeld*in.Price - cfg.MinStockPct*positionValue) / in.Price
			if qty > maxQty {
				qty = maxQty
				allocTrimmed = true
			}
		}
		if qty <= 0 {
			return block(domain.ReasonAllocationBand)
		}
	}

	// 5. Final rounding and notional re-check.
	qty = RoundQty(qty, cfg)
	if qty <= 0 {
		if allocTrimmed {
			return block(domain.ReasonAllocationBand)
		}
		return block(domain.ReasonBelowLot)
	}
	if qty*in.Price < in.MinNotional {
		return block(domain.ReasonBelowMinNotional)
	}

	decision.Allowed = true
	decision.TrimmedQty = qty
	decision.AllocationAfter = postTradeAllocation(in, qty)
	return decision
}

// allocation returns the stock share of total position value.
func allocation(qty, price, cash float64) float64 {
	total := qty*price + cash
	if total <= 0 {
		return 0
	}
	return qty * price / total
}

// postTradeAllocation simulates the allocation after the trimmed trade,
// commission included.
func postTradeAllocation(in domain.GuardrailInput, qty float64) float64 {
	commission := qty * in.Price * in.CommissionRate
	effCash := in.EffectiveCash()
	switch in.Side {
	case domain.SideBuy:
		return allocation(in.QtyHeld+qty, in.Price, effCash-qty*in.Price-commission)
	case domain.SideSell:
		return allocation(in.QtyHeld-qty, in.Price, effCash+qty*in.Price-commission)
	default:
		return allocation(in.QtyHeld, in.Price, effCash)
	}
}
