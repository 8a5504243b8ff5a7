package evaluation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iharari2/volbalance/internal/domain"
)

func sizingPolicy() domain.OrderPolicy {
	p := domain.DefaultOrderPolicy()
	p.RebalanceRatio = 1.6667
	return p
}

func TestComputeSizingProportionalBuy(t *testing.T) {
	proposal := ComputeSizing(SizingInput{
		Direction:     domain.SideBuy,
		Price:         97,
		Anchor:        100,
		QtyHeld:       0,
		EffectiveCash: 10000,
		Policy:        sizingPolicy(),
		Guardrails:    domain.DefaultGuardrailConfig(),
	})

	assert.True(t, proposal.Actionable())
	assert.Equal(t, domain.SideBuy, proposal.Side)
	// (100/97 - 1) * 1.6667 * 10000 / 97
	assert.InDelta(t, 5.314, proposal.RawQty, 0.001)
	assert.InDelta(t, 5.314, proposal.Qty, 0.001)
}

func TestComputeSizingProportionalSell(t *testing.T) {
	proposal := ComputeSizing(SizingInput{
		Direction:     domain.SideSell,
		Price:         103,
		Anchor:        100,
		QtyHeld:       100,
		EffectiveCash: 500,
		Policy:        sizingPolicy(),
		Guardrails:    domain.DefaultGuardrailConfig(),
	})

	assert.True(t, proposal.Actionable())
	assert.Equal(t, domain.SideSell, proposal.Side)
	// Magnitude of (100/103 - 1) * 1.6667 * (500 + 100*103) / 103
	assert.InDelta(t, 5.090, proposal.RawQty, 0.001)
}

func TestComputeSizingFixedPercentage(t *testing.T) {
	policy := sizingPolicy()
	policy.SizingStrategy = domain.SizingFixedPercentage
	policy.RebalanceRatio = 0.1

	buy := ComputeSizing(SizingInput{
		Direction:     domain.SideBuy,
		Price:         50,
		Anchor:        52,
		QtyHeld:       10,
		EffectiveCash: 1000,
		Policy:        policy,
		Guardrails:    domain.DefaultGuardrailConfig(),
	})
	assert.InDelta(t, 2.0, buy.Qty, 0.001) // 1000 * 0.1 / 50

	sell := ComputeSizing(SizingInput{
		Direction:     domain.SideSell,
		Price:         55,
		Anchor:        52,
		QtyHeld:       10,
		EffectiveCash: 1000,
		Policy:        policy,
		Guardrails:    domain.DefaultGuardrailConfig(),
	})
	assert.InDelta(t, 1.0, sell.Qty, 0.001) // 10 * 0.1
}

func TestComputeSizingOriginalIsAggressive(t *testing.T) {
	proportional := ComputeSizing(SizingInput{
		Direction:     domain.SideBuy,
		Price:         97,
		Anchor:        100,
		EffectiveCash: 10000,
		Policy:        sizingPolicy(),
		Guardrails:    domain.DefaultGuardrailConfig(),
	})

	policy := sizingPolicy()
	policy.SizingStrategy = domain.SizingOriginal
	original := ComputeSizing(SizingInput{
		Direction:     domain.SideBuy,
		Price:         97,
		Anchor:        100,
		EffectiveCash: 10000,
		Policy:        policy,
		Guardrails:    domain.DefaultGuardrailConfig(),
	})

	assert.Greater(t, original.Qty, proportional.Qty)
}

func TestComputeSizingIncludesReceivableInEffectiveCash(t *testing.T) {
	// Effective cash is supplied by the caller as cash + receivable;
	// doubling it doubles the proportional proposal.
	base := ComputeSizing(SizingInput{
		Direction:     domain.SideBuy,
		Price:         97,
		Anchor:        100,
		EffectiveCash: 5000,
		Policy:        sizingPolicy(),
		Guardrails:    domain.DefaultGuardrailConfig(),
	})
	withReceivable := ComputeSizing(SizingInput{
		Direction:     domain.SideBuy,
		Price:         97,
		Anchor:        100,
		EffectiveCash: 10000,
		Policy:        sizingPolicy(),
		Guardrails:    domain.DefaultGuardrailConfig(),
	})
	assert.InDelta(t, base.Qty*2, withReceivable.Qty, 0.001)
}

func TestComputeSizingBelowLot(t *testing.T) {
	guardrails := domain.DefaultGuardrailConfig()
	guardrails.LotSize = 10

	proposal := ComputeSizing(SizingInput{
		Direction:     domain.SideBuy,
		Price:         97,
		Anchor:        100,
		EffectiveCash: 10000,
		Policy:        sizingPolicy(),
		Guardrails:    guardrails,
	})

	assert.False(t, proposal.Actionable())
	assert.Equal(t, domain.ReasonBelowLot, proposal.Reason)
	assert.Zero(t, proposal.Qty)
}

func TestComputeSizingBelowMinNotional(t *testing.T) {
	policy := sizingPolicy()
	policy.MinNotional = 1000

	proposal := ComputeSizing(SizingInput{
		Direction:     domain.SideBuy,
		Price:         97,
		Anchor:        100,
		EffectiveCash: 10000,
		Policy:        policy,
		Guardrails:    domain.DefaultGuardrailConfig(),
	})

	assert.False(t, proposal.Actionable())
	assert.Equal(t, domain.ReasonBelowMinNotional, proposal.Reason)
}

func TestRoundQty(t *testing.T) {
	cfg := domain.GuardrailConfig{QtyStep: 0.01}
	assert.InDelta(t, 5.31, RoundQty(5.3199, cfg), 1e-9)
	assert.InDelta(t, 5.32, RoundQty(5.32, cfg), 1e-9) // exact boundary survives

	lots := domain.GuardrailConfig{LotSize: 5}
	assert.InDelta(t, 15, RoundQty(19.99, lots), 1e-9)
	assert.Zero(t, RoundQty(4.2, lots))
	assert.Zero(t, RoundQty(-1, lots))
}
