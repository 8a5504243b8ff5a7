// Package positions provides the position aggregate: one asset plus its
// dedicated cash, operating as a self-contained trading cell. Positions
// are mutated only by order execution and the dividend lifecycle; all
// other components read.
package positions

import (
	"fmt"
	"math"
	"time"

	"github.com/iharari2/volbalance/internal/domain"
)

// roundingTolerance absorbs float drift in receivable payout checks.
const roundingTolerance = 1e-6

// Position is the mutable aggregate of one trading cell. Quantity is
// non-negative (no shorts); dividend receivable is tracked separately
// from cash but counts toward effective cash everywhere.
type Position struct {
	CreatedAt time.Time
	UpdatedAt time.Time

	Scope       domain.Scope
	AssetSymbol string

	Qty                float64
	Cash               float64
	AnchorPrice        *float64
	AvgCost            *float64
	DividendReceivable float64

	TotalCommissionPaid    float64
	TotalDividendsReceived float64

	TradingState domain.TradingState
}

// New creates a position with initial cash and an optional starting
// quantity and anchor.
func New(scope domain.Scope, symbol string, cash float64, qty float64, anchor *float64, now time.Time) (*Position, error) {
	if symbol == "" {
		return nil, domain.ErrValidation("asset symbol is required")
	}
	if cash < 0 {
		return nil, domain.ErrValidation("initial cash must be non-negative")
	}
	if qty < 0 {
		return nil, domain.ErrValidation("initial quantity must be non-negative")
	}
	if anchor != nil && *anchor <= 0 {
		return nil, domain.ErrValidation("anchor price must be positive")
	}
	p := &Position{
		Scope:        scope,
		AssetSymbol:  symbol,
		Cash:         cash,
		Qty:          qty,
		TradingState: domain.TradingStateNotConfigured,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if anchor != nil {
		a := *anchor
		p.AnchorPrice = &a
	}
	return p, nil
}

// EffectiveCash returns cash plus accrued-but-unpaid dividends. All sizing
// and guardrail math runs against this value.
func (p *Position) EffectiveCash() float64 {
	return p.Cash + p.DividendReceivable
}

// Armed reports whether the anchor is set. No triggers fire before arming.
func (p *Position) Armed() bool {
	return p.AnchorPrice != nil
}

// ApplyBuy applies a buy fill: quantity up, cash down by notional plus
// commission, average cost re-weighted, commission aggregated.
func (p *Position) ApplyBuy(qty, price, commission float64, now time.Time) error {
	if qty <= 0 || price <= 0 || commission < 0 {
		return fmt.Errorf("invalid buy fill: qty=%f price=%f commission=%f", qty, price, commission)
	}

	if p.AvgCost == nil {
		c := price
		p.AvgCost = &c
	} else {
		weighted := (*p.AvgCost*p.Qty + price*qty) / (p.Qty + qty)
		p.AvgCost = &weighted
	}

	p.Qty += qty
	p.Cash -= qty*price + commission
	p.TotalCommissionPaid += commission
	p.UpdatedAt = now

	return p.checkInvariants()
}

// ApplySell applies a sell fill: quantity down, cash up by notional minus
// commission. Selling more than held is a programming error upstream.
func (p *Position) ApplySell(qty, price, commission float64, now time.Time) error {
	if qty <= 0 || price <= 0 || commission < 0 {
		return fmt.Errorf("invalid sell fill: qty=%f price=%f commission=%f", qty, price, commission)
	}
	if qty > p.Qty+roundingTolerance {
		return fmt.Errorf("sell qty %f exceeds held qty %f", qty, p.Qty)
	}

	p.Qty = math.Max(p.Qty-qty, 0)
	p.Cash += qty*price - commission
	p.TotalCommissionPaid += commission
	p.UpdatedAt = now

	return p.checkInvariants()
}

// SetAnchor arms or moves the anchor.
func (p *Position) SetAnchor(price float64, now time.Time) error {
	if price <= 0 {
		return fmt.Errorf("anchor price must be positive, got %f", price)
	}
	p.AnchorPrice = &price
	p.UpdatedAt = now
	return nil
}

// AdjustAnchorForDividend lowers the anchor by the dividend per share so
// the ex-date price drop does not read as a drift. The anchor never goes
// below the floor; floored reports whether the floor clipped it.
func (p *Position) AdjustAnchorForDividend(dps float64, now time.Time) (floored bool) {
	if p.AnchorPrice == nil {
		return false
	}
	adjusted := *p.AnchorPrice - dps
	if adjusted < domain.AnchorFloor {
		adjusted = domain.AnchorFloor
		floored = true
	}
	p.AnchorPrice = &adjusted
	p.UpdatedAt = now
	return floored
}

// AccrueReceivable adds a net dividend amount to the receivable bucket.
func (p *Position) AccrueReceivable(netAmount float64, now time.Time) error {
	if netAmount < 0 {
		return fmt.Errorf("receivable accrual must be non-negative, got %f", netAmount)
	}
	p.DividendReceivable += netAmount
	p.UpdatedAt = now
	return p.checkInvariants()
}

// PayReceivable moves a net dividend amount from receivable to cash and
// bumps the lifetime dividend total.
func (p *Position) PayReceivable(netAmount float64, now time.Time) error {
	if netAmount < 0 {
		return fmt.Errorf("receivable payment must be non-negative, got %f", netAmount)
	}
	if netAmount > p.DividendReceivable+roundingTolerance {
		return fmt.Errorf("receivable payment %f exceeds accrued %f", netAmount, p.DividendReceivable)
	}
	p.Cash += netAmount
	p.DividendReceivable = math.Max(p.DividendReceivable-netAmount, 0)
	p.TotalDividendsReceived += netAmount
	p.UpdatedAt = now
	return p.checkInvariants()
}

// checkInvariants asserts the aggregate invariants. A violation here is a
// programming error in the calling use-case, not a domain outcome.
func (p *Position) checkInvariants() error {
	if p.Qty < 0 {
		return fmt.Errorf("invariant violated: negative quantity %f", p.Qty)
	}
	if p.Cash+p.DividendReceivable < -roundingTolerance {
		return fmt.Errorf("invariant violated: negative effective cash %f", p.Cash+p.DividendReceivable)
	}
	if p.AnchorPrice != nil && *p.AnchorPrice <= 0 {
		return fmt.Errorf("invariant violated: non-positive anchor %f", *p.AnchorPrice)
	}
	if p.TotalCommissionPaid < 0 || p.TotalDividendsReceived < 0 {
		return fmt.Errorf("invariant violated: negative lifetime aggregate")
	}
	return nil
}
