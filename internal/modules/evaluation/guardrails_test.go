package evaluation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iharari2/volbalance/internal/domain"
)

func guardrailCfg() domain.GuardrailConfig {
	return domain.GuardrailConfig{
		MinStockPct:     0.0,
		MaxStockPct:     1.0,
		MaxTradePct:     1.0,
		MaxOrdersPerDay: 5,
		QtyStep:         0.0001,
	}
}

func TestGuardrailDailyCap(t *testing.T) {
	decision := GuardrailEvaluator{}.Check(domain.GuardrailInput{
		Side:        domain.SideBuy,
		Qty:         1,
		Price:       100,
		Cash:        10000,
		OrdersToday: 5,
	}, guardrailCfg())

	assert.False(t, decision.Allowed)
	assert.Equal(t, domain.ReasonDailyCap, decision.BlockReason)
}

func TestGuardrailInsufficientCashTrims(t *testing.T) {
	decision := GuardrailEvaluator{}.Check(domain.GuardrailInput{
		Side:  domain.SideBuy,
		Qty:   100,
		Price: 100,
		Cash:  1000,
	}, guardrailCfg())

	assert.True(t, decision.Allowed)
	// Trimmed to what cash can cover: 1000 / 100 = 10 shares.
	assert.InDelta(t, 10, decision.TrimmedQty, 0.01)
}

func TestGuardrailInsufficientCashBlocks(t *testing.T) {
	decision := GuardrailEvaluator{}.Check(domain.GuardrailInput{
		Side:  domain.SideBuy,
		Qty:   1,
		Price: 100,
		Cash:  0,
	}, guardrailCfg())

	assert.False(t, decision.Allowed)
	assert.Equal(t, domain.ReasonInsufficientCash, decision.BlockReason)
}

func TestGuardrailReceivableCountsAsCash(t *testing.T) {
	decision := GuardrailEvaluator{}.Check(domain.GuardrailInput{
		Side:               domain.SideBuy,
		Qty:                1,
		Price:              100,
		Cash:               0,
		DividendReceivable: 150,
	}, guardrailCfg())

	assert.True(t, decision.Allowed)
	assert.InDelta(t, 1, decision.TrimmedQty, 1e-9)
}

func TestGuardrailSellWithoutShares(t *testing.T) {
	decision := GuardrailEvaluator{}.Check(domain.GuardrailInput{
		Side:    domain.SideSell,
		Qty:     5,
		Price:   100,
		QtyHeld: 0,
		Cash:    1000,
	}, guardrailCfg())

	assert.False(t, decision.Allowed)
	assert.Equal(t, domain.ReasonInsufficientQty, decision.BlockReason)
}

func TestGuardrailSellTrimsToHoldings(t *testing.T) {
	decision := GuardrailEvaluator{}.Check(domain.GuardrailInput{
		Side:    domain.SideSell,
		Qty:     20,
		Price:   100,
		QtyHeld: 8,
		Cash:    1000,
	}, guardrailCfg())

	assert.True(t, decision.Allowed)
	assert.InDelta(t, 8, decision.TrimmedQty, 1e-9)
}

func TestGuardrailMaxTradePct(t *testing.T) {
	cfg := guardrailCfg()
	cfg.MaxTradePct = 0.10

	decision := GuardrailEvaluator{}.Check(domain.GuardrailInput{
		Side:  domain.SideBuy,
		Qty:   50,
		Price: 100,
		Cash:  10000,
	}, cfg)

	assert.True(t, decision.Allowed)
	// 10% of the 10000 position value is 1000 notional = 10 shares.
	assert.InDelta(t, 10, decision.TrimmedQty, 0.001)
}

func TestGuardrailBuyTrimmedToMaxStockPct(t *testing.T) {
	cfg := guardrailCfg()
	cfg.MaxStockPct = 0.75

	decision := GuardrailEvaluator{}.Check(domain.GuardrailInput{
		Side:  domain.SideBuy,
		Qty:   100,
		Price: 100,
		Cash:  10000,
	}, cfg)

	assert.True(t, decision.Allowed)
	// Post-trade stock share capped at 75% of the 10000 value: 75 shares.
	assert.InDelta(t, 75, decision.TrimmedQty, 0.01)
	assert.InDelta(t, 0.75, decision.AllocationAfter, 0.01)
}

func TestGuardrailSellTowardBandIsNotForced(t *testing.T) {
	// Allocation starts above max (0.9537); a small SELL moves toward
	// the band and passes without extra trimming.
	cfg := guardrailCfg()
	cfg.MinStockPct = 0.25
	cfg.MaxStockPct = 0.75

	decision := GuardrailEvaluator{}.Check(domain.GuardrailInput{
		Side:    domain.SideSell,
		Qty:     5,
		Price:   103,
		QtyHeld: 100,
		Cash:    500,
	}, cfg)

	assert.True(t, decision.Allowed)
	assert.InDelta(t, 5, decision.TrimmedQty, 1e-9)
	assert.InDelta(t, 0.9537, decision.AllocationBefore, 0.001)
	// Still above max after the trade; SELLs are never trimmed against
	// the max bound.
	assert.Greater(t, decision.AllocationAfter, cfg.MaxStockPct)
}

func TestGuardrailSellTrimmedAtMinStockPct(t *testing.T) {
	cfg := guardrailCfg()
	cfg.MinStockPct = 0.50

	decision := GuardrailEvaluator{}.Check(domain.GuardrailInput{
		Side:    domain.SideSell,
		Qty:     40,
		Price:   100,
		QtyHeld: 60,
		Cash:    4000,
	}, cfg)

	assert.True(t, decision.Allowed)
	// Position value 10000; min stock 5000 = 50 shares kept, 10 sellable.
	assert.InDelta(t, 10, decision.TrimmedQty, 0.001)
}

func TestGuardrailBuyBlockedAtAllocationBand(t *testing.T) {
	cfg := guardrailCfg()
	cfg.MaxStockPct = 0.50

	decision := GuardrailEvaluator{}.Check(domain.GuardrailInput{
		Side:    domain.SideBuy,
		Qty:     10,
		Price:   100,
		QtyHeld: 60,
		Cash:    4000,
	}, cfg)

	// Already at 60% stock, above the 50% cap: any BUY trims to zero.
	assert.False(t, decision.Allowed)
	assert.Equal(t, domain.ReasonAllocationBand, decision.BlockReason)
}

func TestGuardrailPostTradeAllocationExactlyAtBound(t *testing.T) {
	cfg := guardrailCfg()
	cfg.MaxStockPct = 0.50

	// Buying exactly to the bound is allowed: 50 shares at 100 lands on
	// a 50% allocation of the 10000 position value.
	decision := GuardrailEvaluator{}.Check(domain.GuardrailInput{
		Side:  domain.SideBuy,
		Qty:   50,
		Price: 100,
		Cash:  10000,
	}, cfg)

	assert.True(t, decision.Allowed)
	assert.InDelta(t, 50, decision.TrimmedQty, 0.001)
}
