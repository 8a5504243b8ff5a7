// Package orders provides order intents, immutable trade records, and the
// submit/execute use-cases. Submission is idempotent per
// (position, idempotency key); execution applies full fills only.
package orders

import (
	"time"

	"github.com/iharari2/volbalance/internal/domain"
)

// Order is a trade intent with a monotonic lifecycle status. The order row
// doubles as the idempotency record: it persists beyond terminal states
// and replays of the same key return the same order.
type Order struct {
	CreatedAt time.Time
	UpdatedAt time.Time

	OrderID string
	Scope   domain.Scope

	Side               domain.Side
	Qty                float64
	Status             domain.OrderStatus
	IdempotencyKey     string
	RequestSignature   string
	CommissionRate     float64
	CommissionEstimate *float64
}

// Validate checks order fields before persistence.
func (o *Order) Validate() error {
	if o.Side != domain.SideBuy && o.Side != domain.SideSell {
		return domain.ErrValidation("order side must be BUY or SELL")
	}
	if o.Qty <= 0 {
		return domain.ErrValidation("order quantity must be positive")
	}
	if o.IdempotencyKey == "" {
		return domain.ErrValidation("idempotency key is required")
	}
	return nil
}

// Trade is an immutable fill record referencing its order.
type Trade struct {
	ExecutedAt time.Time
	CreatedAt  time.Time

	TradeID string
	OrderID string
	Scope   domain.Scope

	Side       domain.Side
	Qty        float64
	Price      float64
	Commission float64
	// RateEffective is commission divided by notional; nil when the
	// notional is zero.
	RateEffective *float64
	Status        string
}

// Validate checks trade fields before persistence.
func (t *Trade) Validate() error {
	if t.Side != domain.SideBuy && t.Side != domain.SideSell {
		return domain.ErrValidation("trade side must be BUY or SELL")
	}
	if t.Qty <= 0 {
		return domain.ErrValidation("trade quantity must be positive")
	}
	if t.Price <= 0 {
		return domain.ErrValidation("trade price must be positive")
	}
	if t.Commission < 0 {
		return domain.ErrValidation("trade commission must be non-negative")
	}
	return nil
}
