// Package domain provides core domain models and types.
package domain

import "time"

// Side represents the direction of a trade intent.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
	SideNone Side = "NONE"
)

// OrderStatus represents the lifecycle status of an order.
// Transitions are monotonic: submitted is the only non-terminal state.
type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusFilled    OrderStatus = "filled"
	// OrderStatusPartiallyExecuted exists in the schema for forward
	// compatibility; the engine rejects partial fills (see ExecuteOrder).
	OrderStatusPartiallyExecuted OrderStatus = "partially_executed"
	OrderStatusCancelled         OrderStatus = "cancelled"
	OrderStatusExpired           OrderStatus = "expired"
	OrderStatusRejected          OrderStatus = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s != OrderStatusSubmitted
}

// TradingState represents the orchestration state of a position.
// Only RUNNING positions are polled by the live orchestrator.
type TradingState string

const (
	TradingStateNotConfigured TradingState = "NOT_CONFIGURED"
	TradingStateRunning       TradingState = "RUNNING"
	TradingStatePaused        TradingState = "PAUSED"
	TradingStateStopped       TradingState = "STOPPED"
)

// MarketSession identifies the trading session a quote belongs to.
type MarketSession string

const (
	SessionRegular  MarketSession = "REGULAR"
	SessionExtended MarketSession = "EXTENDED"
	SessionClosed   MarketSession = "CLOSED"
)

// QuoteSource identifies where a quote came from. The live orchestrator
// rejects mock quotes.
type QuoteSource string

const (
	SourceLive       QuoteSource = "live"
	SourceHistorical QuoteSource = "historical"
	SourceMock       QuoteSource = "mock"
)

// PricePolicy selects which price field of a quote drives evaluation.
type PricePolicy string

const (
	PriceMid           PricePolicy = "MID"
	PriceLast          PricePolicy = "LAST"
	PriceBid           PricePolicy = "BID"
	PriceAsk           PricePolicy = "ASK"
	PriceOfficialClose PricePolicy = "OFFICIAL_CLOSE"
)

// SizingStrategy selects the formula used to turn a trigger into a quantity.
type SizingStrategy string

const (
	SizingProportional    SizingStrategy = "proportional"
	SizingFixedPercentage SizingStrategy = "fixed_percentage"
	SizingOriginal        SizingStrategy = "original"
)

// Scope identifies a position within a tenant and portfolio. All
// position-scoped rows carry the full scope as a composite key.
type Scope struct {
	TenantID    string `json:"tenant_id"`
	PortfolioID string `json:"portfolio_id"`
	PositionID  string `json:"position_id"`
}

// MarketQuote is a point-in-time price observation for a ticker.
// Bid/Ask/OHLC/Volume are optional (zero when the provider does not
// supply them).
type MarketQuote struct {
	Timestamp time.Time     `json:"timestamp"`
	Ticker    string        `json:"ticker"`
	Price     float64       `json:"price"`
	Bid       float64       `json:"bid,omitempty"`
	Ask       float64       `json:"ask,omitempty"`
	Open      float64       `json:"open,omitempty"`
	High      float64       `json:"high,omitempty"`
	Low       float64       `json:"low,omitempty"`
	Close     float64       `json:"close,omitempty"`
	Volume    float64       `json:"volume,omitempty"`
	Session   MarketSession `json:"session"`
	Source    QuoteSource   `json:"source"`
	Policy    PricePolicy   `json:"price_policy"`
}

// EffectivePrice resolves the price to use for evaluation under the given
// policy. MID falls back to LAST when either side of the book is missing,
// and LAST falls back to the official close.
func (q *MarketQuote) EffectivePrice(policy PricePolicy) float64 {
	switch policy {
	case PriceMid:
		if q.Bid > 0 && q.Ask > 0 {
			return (q.Bid + q.Ask) / 2
		}
	case PriceBid:
		if q.Bid > 0 {
			return q.Bid
		}
	case PriceAsk:
		if q.Ask > 0 {
			return q.Ask
		}
	case PriceOfficialClose:
		if q.Close > 0 {
			return q.Close
		}
	}
	if q.Price > 0 {
		return q.Price
	}
	return q.Close
}

// Bar is one OHLCV bar of historical market data.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Dividend is an announced cash dividend for a ticker.
type Dividend struct {
	ID              string    `json:"id"`
	Ticker          string    `json:"ticker"`
	ExDate          time.Time `json:"ex_date"`
	PayDate         time.Time `json:"pay_date"`
	DPS             float64   `json:"dps"`
	Currency        string    `json:"currency"`
	WithholdingRate float64   `json:"withholding_tax_rate"`
}

// Validate checks the announcement fields. A withholding rate outside
// [0, 1] rejects the announcement entirely.
func (d *Dividend) Validate() error {
	if d.Ticker == "" {
		return ErrValidation("dividend ticker is required")
	}
	if d.DPS <= 0 {
		return ErrValidation("dividend per share must be positive")
	}
	if d.WithholdingRate < 0 || d.WithholdingRate > 1 {
		return ErrValidation("withholding tax rate must be within [0, 1]")
	}
	if d.PayDate.Before(d.ExDate) {
		return ErrValidation("pay date precedes ex date")
	}
	return nil
}
