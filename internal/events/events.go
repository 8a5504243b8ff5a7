// Package events defines the position event log: a totally ordered,
// gap-free, append-only sequence of structured events per position. The
// event log is the authoritative ledger; position aggregates are a cache
// reconstructible from it.
package events

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/iharari2/volbalance/internal/domain"
)

// EventType enumerates every event the engine emits.
type EventType string

const (
	PriceEvent             EventType = "PRICE_EVENT"
	AnchorSet              EventType = "ANCHOR_SET"
	AnchorUpdated          EventType = "ANCHOR_UPDATED"
	AnchorReset            EventType = "ANCHOR_RESET"
	AnchorFloored          EventType = "ANCHOR_FLOORED"
	AnchorAdjustedDividend EventType = "ANCHOR_ADJUSTED_DIVIDEND"
	TriggerEvaluated       EventType = "TRIGGER_EVALUATED"
	GuardrailEvaluated     EventType = "GUARDRAIL_EVALUATED"
	GuardrailBlocked       EventType = "GUARDRAIL_BLOCKED"
	OrderCreated           EventType = "ORDER_CREATED"
	OrderCancelled         EventType = "ORDER_CANCELLED"
	ExecutionRecorded      EventType = "EXECUTION_RECORDED"
	PositionUpdated        EventType = "POSITION_UPDATED"
	DividendAccrued        EventType = "DIVIDEND_ACCRUED"
	DividendPaid           EventType = "DIVIDEND_PAID"
	NoAction               EventType = "NO_ACTION"
	Error                  EventType = "ERROR"
)

// Event is one audit row in a position's event log. Seq is monotone and
// gap-free per position; ParentEventID chains the events of one evaluation
// cycle in canonical order.
type Event struct {
	Timestamp     time.Time       `json:"timestamp"`
	Scope         domain.Scope    `json:"scope"`
	Seq           int64           `json:"event_id"`
	Type          EventType       `json:"type"`
	TraceID       string          `json:"trace_id"`
	ParentEventID *int64          `json:"parent_event_id,omitempty"`
	Inputs        json.RawMessage `json:"inputs,omitempty"`
	Outputs       json.RawMessage `json:"outputs,omitempty"`
	Message       string          `json:"message,omitempty"`
	Source        string          `json:"source"`
}

// New builds an event with marshalled inputs and outputs. Marshal failures
// are programming errors (payload structs are engine-owned) and degrade to
// a nil payload rather than failing the cycle.
func New(scope domain.Scope, typ EventType, traceID string, ts time.Time, inputs, outputs interface{}, message string) *Event {
	e := &Event{
		Timestamp: ts,
		Scope:     scope,
		Type:      typ,
		TraceID:   traceID,
		Message:   message,
		Source:    "live",
	}
	if inputs != nil {
		if b, err := json.Marshal(inputs); err == nil {
			e.Inputs = b
		}
	}
	if outputs != nil {
		if b, err := json.Marshal(outputs); err == nil {
			e.Outputs = b
		}
	}
	return e
}

// QuotePayload captures the quote that opened a cycle.
type QuotePayload struct {
	Ticker         string               `json:"ticker"`
	Price          float64              `json:"price"`
	EffectivePrice float64              `json:"effective_price"`
	Session        domain.MarketSession `json:"session"`
	Source         domain.QuoteSource   `json:"source"`
	Policy         domain.PricePolicy   `json:"price_policy"`
	Timestamp      time.Time            `json:"timestamp"`
}

// AnchorPayload captures an anchor transition.
type AnchorPayload struct {
	Before *float64 `json:"before"`
	After  float64  `json:"after"`
	Reason string   `json:"reason,omitempty"`
}

// OrderPayload captures order creation and cancellation.
type OrderPayload struct {
	OrderID        string      `json:"order_id"`
	Side           domain.Side `json:"side"`
	Qty            float64     `json:"qty"`
	CommissionRate float64     `json:"commission_rate_snapshot"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// ExecutionPayload captures a recorded fill.
type ExecutionPayload struct {
	OrderID    string      `json:"order_id"`
	TradeID    string      `json:"trade_id"`
	Side       domain.Side `json:"side"`
	Qty        float64     `json:"qty"`
	Price      float64     `json:"price"`
	Commission float64     `json:"commission"`
}

// PositionDeltaPayload captures the pre/post state of a position mutation.
type PositionDeltaPayload struct {
	QtyBefore        float64  `json:"qty_before"`
	QtyAfter         float64  `json:"qty_after"`
	CashBefore       float64  `json:"cash_before"`
	CashAfter        float64  `json:"cash_after"`
	ReceivableBefore float64  `json:"receivable_before"`
	ReceivableAfter  float64  `json:"receivable_after"`
	Anchor           *float64 `json:"anchor,omitempty"`
}

// DividendPayload captures dividend accrual and payment.
type DividendPayload struct {
	DividendID      string  `json:"dividend_id"`
	ReceivableID    string  `json:"receivable_id"`
	SharesAtRecord  float64 `json:"shares_at_record,omitempty"`
	DPS             float64 `json:"dps,omitempty"`
	GrossAmount     float64 `json:"gross_amount,omitempty"`
	WithholdingTax  float64 `json:"withholding_tax,omitempty"`
	NetAmount       float64 `json:"net_amount"`
	WithholdingRate float64 `json:"withholding_rate,omitempty"`
}

// ErrorPayload captures a swallowed per-position failure.
type ErrorPayload struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
}
