package evaluation

import (
	"math"

	"github.com/iharari2/volbalance/internal/domain"
)

// SizingInput carries the state the sizing formulas run against.
// EffectiveCash must already include the dividend receivable.
type SizingInput struct {
	Direction     domain.Side
	Price         float64
	Anchor        float64
	QtyHeld       float64
	EffectiveCash float64
	Policy        domain.OrderPolicy
	Guardrails    domain.GuardrailConfig
}

// ComputeSizing turns a fired trigger into a raw trade proposal, rounded
// to lot/step granularity and screened against the minimum notional.
// A zero quantity comes back as a no-action proposal with a reason.
func ComputeSizing(in SizingInput) domain.SizingProposal {
	proposal := domain.SizingProposal{
		Side:     in.Direction,
		Price:    in.Price,
		Strategy: in.Policy.SizingStrategy,
	}
	if in.Price <= 0 || (in.Direction != domain.SideBuy && in.Direction != domain.SideSell) {
		proposal.Reason = domain.ReasonNoTrigger
		return proposal
	}

	r := in.Policy.RebalanceRatio
	positionValue := in.EffectiveCash + in.QtyHeld*in.Price

	var raw float64
	switch in.Policy.SizingStrategy {
	case domain.SizingFixedPercentage:
		if in.Direction == domain.SideBuy {
			raw = in.EffectiveCash * r / in.Price
		} else {
			raw = in.QtyHeld * r
		}
	case domain.SizingOriginal:
		// Legacy formula; does not zero out at the anchor, which makes
		// it markedly more aggressive than proportional.
		raw = (in.Anchor / in.Price) * r * positionValue / in.Price
	default: // proportional
		raw = (in.Anchor/in.Price - 1) * r * positionValue / in.Price
	}

	proposal.RawQty = math.Abs(raw)

	qty := RoundQty(proposal.RawQty, in.Guardrails)
	if qty <= 0 {
		proposal.Reason = domain.ReasonBelowLot
		return proposal
	}
	if qty*in.Price < in.Policy.MinNotional {
		proposal.Reason = domain.ReasonBelowMinNotional
		return proposal
	}

	proposal.Qty = qty
	return proposal
}

// RoundQty rounds a quantity down to the lot and step granularity of the
// guardrail config. Zero lot/step means fractional quantities pass
// through untouched.
func RoundQty(qty float64, cfg domain.GuardrailConfig) float64 {
	if qty <= 0 {
		return 0
	}
	// Nudge by an epsilon so quantities sitting exactly on a boundary
	// (after float arithmetic) are not rounded a full step down.
	const eps = 1e-9
	if cfg.LotSize > 0 {
		qty = math.Floor(qty/cfg.LotSize+eps) * cfg.LotSize
	}
	if cfg.QtyStep > 0 {
		qty = math.Floor(qty/cfg.QtyStep+eps) * cfg.QtyStep
	}
	if qty < 0 {
		return 0
	}
	return qty
}
