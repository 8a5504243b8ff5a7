package evaluation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iharari2/volbalance/internal/configstore"
	"github.com/iharari2/volbalance/internal/database"
	"github.com/iharari2/volbalance/internal/domain"
	"github.com/iharari2/volbalance/internal/events"
	"github.com/iharari2/volbalance/internal/modules/orders"
	"github.com/iharari2/volbalance/internal/modules/positions"
)

// Actions recorded on the timeline for one cycle.
const (
	ActionExecuted    = "executed"
	ActionNoAction    = "no_action"
	ActionAnchorArmed = "anchor_armed"
	ActionAnchorReset = "anchor_reset"
)

// Outcome is the result of one evaluation cycle.
type Outcome struct {
	TraceID   string
	Action    string
	Reason    string
	Trigger   domain.TriggerDecision
	Proposal  *domain.SizingProposal
	Guardrail *domain.GuardrailDecision
	Order     *orders.Order
	Trade     *orders.Trade
}

// Service conducts evaluation cycles. One service instance serves either
// the live stores or one simulation run's isolated stores; the two never
// mix.
//
// A cycle is written as a single ledger transaction; the position row in
// portfolio.db is persisted after commit. The ledger is authoritative if
// the two ever diverge.
type Service struct {
	ledgerDB     *sql.DB
	positionRepo *positions.Repository
	orderRepo    *orders.OrderRepository
	orderSvc     *orders.Service
	eventRepo    *events.Repository
	timelineRepo *TimelineRepository
	configStore  configstore.Store
	guardrails   GuardrailEvaluator
	clock        domain.Clock
	ids          domain.IDGenerator
	source       string
	log          zerolog.Logger
}

// NewService creates an evaluation service.
func NewService(
	ledgerDB *sql.DB,
	positionRepo *positions.Repository,
	orderRepo *orders.OrderRepository,
	orderSvc *orders.Service,
	eventRepo *events.Repository,
	timelineRepo *TimelineRepository,
	configStore configstore.Store,
	clock domain.Clock,
	ids domain.IDGenerator,
	source string,
	log zerolog.Logger,
) *Service {
	return &Service{
		ledgerDB:     ledgerDB,
		positionRepo: positionRepo,
		orderRepo:    orderRepo,
		orderSvc:     orderSvc,
		eventRepo:    eventRepo,
		timelineRepo: timelineRepo,
		configStore:  configStore,
		clock:        clock,
		ids:          ids,
		source:       source,
		log:          log.With().Str("service", "evaluation").Logger(),
	}
}

// Evaluate runs one cycle for a position against a quote. The caller must
// hold the position's single-writer lock; cycles for the same position
// never run concurrently.
func (s *Service) Evaluate(ctx context.Context, scope domain.Scope, quote *domain.MarketQuote) (*Outcome, error) {
	if quote == nil || quote.Price <= 0 && quote.Close <= 0 {
		return nil, domain.ErrValidation("quote carries no usable price")
	}

	policy, err := s.configStore.GetOrderPolicy(scope)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve order policy: %w", err)
	}
	triggerCfg, err := s.configStore.GetTriggerConfig(scope)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve trigger config: %w", err)
	}
	guardrailCfg, err := s.configStore.GetGuardrailConfig(scope)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve guardrail config: %w", err)
	}

	position, err := s.positionRepo.Get(scope)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	traceID := s.ids.NewTraceID()
	price := quote.EffectivePrice(policy.PricePolicy)
	if price <= 0 {
		return nil, domain.ErrValidation("effective price is not positive")
	}

	outcome := &Outcome{TraceID: traceID, Action: ActionNoAction}

	row := &TimelineRow{
		Timestamp:      now,
		Scope:          scope,
		TraceID:        traceID,
		EffectivePrice: price,
		AnchorBefore:   position.AnchorPrice,
		QtyBefore:      position.Qty,
		CashBefore:     position.Cash,
		MarketSession:  quote.Session,
		PricePolicy:    policy.PricePolicy,
		SizingStrategy: policy.SizingStrategy,
	}
	if quote.Open > 0 || quote.Close > 0 {
		row.OHLCV = &domain.Bar{
			Timestamp: quote.Timestamp,
			Open:      quote.Open,
			High:      quote.High,
			Low:       quote.Low,
			Close:     quote.Close,
			Volume:    quote.Volume,
		}
	}

	// positionDirty marks in-memory mutations that must be persisted
	// after the ledger transaction commits.
	positionDirty := false

	err = database.WithTransaction(s.ledgerDB, func(tx *sql.Tx) error {
		rec := s.eventRepo.NewRecorder(scope, traceID, s.source)

		if err := rec.Record(tx, events.PriceEvent, now, &events.QuotePayload{
			Ticker:         quote.Ticker,
			Price:          quote.Price,
			EffectivePrice: price,
			Session:        quote.Session,
			Source:         quote.Source,
			Policy:         policy.PricePolicy,
			Timestamp:      quote.Timestamp,
		}, nil, "quote received"); err != nil {
			return err
		}

		finish := func(action, reason string) error {
			outcome.Action = action
			outcome.Reason = reason
			row.Action = action
			row.Reason = reason
			row.AnchorAfter = position.AnchorPrice
			row.QtyAfter = position.Qty
			row.CashAfter = position.Cash
			return s.timelineRepo.Insert(tx, row)
		}

		// Session gate: closed-session quotes never trade; extended
		// hours trade only when the policy allows it.
		if quote.Session == domain.SessionClosed {
			if err := rec.Record(tx, events.NoAction, now, nil, nil, domain.ReasonSessionClosed); err != nil {
				return err
			}
			return finish(ActionNoAction, domain.ReasonSessionClosed)
		}
		if quote.Session == domain.SessionExtended && !policy.AllowAfterHrs {
			if err := rec.Record(tx, events.NoAction, now, nil, nil, domain.ReasonAfterHoursBlocked); err != nil {
				return err
			}
			return finish(ActionNoAction, domain.ReasonAfterHoursBlocked)
		}

		// First quote arms the anchor when the policy says so.
		if !position.Armed() {
			if !policy.AutoArmAnchor {
				outcome.Trigger = EvaluateTrigger(triggerCfg, nil, price)
				if err := rec.Record(tx, events.NoAction, now, nil, nil, domain.ReasonAnchorUnarmed); err != nil {
					return err
				}
				return finish(ActionNoAction, domain.ReasonAnchorUnarmed)
			}
			if err := position.SetAnchor(price, now); err != nil {
				return err
			}
			positionDirty = true
			if err := rec.Record(tx, events.AnchorSet, now, nil,
				&events.AnchorPayload{After: price, Reason: "auto_arm"}, "anchor armed on first quote"); err != nil {
				return err
			}
			return finish(ActionAnchorArmed, "anchor armed")
		}

		// Anchor self-heal: a drift beyond the ceiling re-bases the
		// anchor instead of trading on it.
		if NeedsAnchorReset(position.AnchorPrice, price) {
			before := position.AnchorPrice
			if err := position.SetAnchor(price, now); err != nil {
				return err
			}
			positionDirty = true
			if err := rec.Record(tx, events.AnchorReset, now, nil,
				&events.AnchorPayload{Before: before, After: price, Reason: domain.ReasonAnchorReset},
				"anchor reset after oversized drift"); err != nil {
				return err
			}
			return finish(ActionAnchorReset, domain.ReasonAnchorReset)
		}

		trigger := EvaluateTrigger(triggerCfg, position.AnchorPrice, price)
		outcome.Trigger = trigger
		if err := rec.Record(tx, events.TriggerEvaluated, now, nil, &trigger, trigger.Reason); err != nil {
			return err
		}

		if !trigger.Fired {
			if err := rec.Record(tx, events.NoAction, now, nil, nil, domain.ReasonNoTrigger); err != nil {
				return err
			}
			return finish(ActionNoAction, domain.ReasonNoTrigger)
		}

		proposal := ComputeSizing(SizingInput{
			Direction:     trigger.Direction,
			Price:         price,
			Anchor:        *position.AnchorPrice,
			QtyHeld:       position.Qty,
			EffectiveCash: position.EffectiveCash(),
			Policy:        policy,
			Guardrails:    guardrailCfg,
		})
		outcome.Proposal = &proposal
		row.Proposal = &proposal

		if !proposal.Actionable() {
			if err := rec.Record(tx, events.NoAction, now, &proposal, nil, proposal.Reason); err != nil {
				return err
			}
			return finish(ActionNoAction, proposal.Reason)
		}

		dayStart, dayEnd := dayBounds(now)
		ordersToday, err := s.orderRepo.CountCreatedBetween(tx, scope.PositionID, dayStart, dayEnd, "")
		if err != nil {
			return err
		}

		commissionRate, found, err := s.configStore.GetCommissionRate(scope.TenantID, position.AssetSymbol)
		if err != nil {
			return err
		}
		if !found {
			commissionRate = policy.CommissionRate
		}

		decision := s.guardrails.Check(domain.GuardrailInput{
			Side:               proposal.Side,
			Qty:                proposal.Qty,
			Price:              price,
			QtyHeld:            position.Qty,
			Cash:               position.Cash,
			DividendReceivable: position.DividendReceivable,
			CommissionRate:     commissionRate,
			MinNotional:        policy.MinNotional,
			OrdersToday:        ordersToday,
		}, guardrailCfg)
		outcome.Guardrail = &decision
		row.Guardrail = &decision
		if err := rec.Record(tx, events.GuardrailEvaluated, now, nil, &decision, decision.BlockReason); err != nil {
			return err
		}

		if !decision.Allowed {
			if err := rec.Record(tx, events.NoAction, now, nil, nil, decision.BlockReason); err != nil {
				return err
			}
			return finish(ActionNoAction, decision.BlockReason)
		}

		// Auto-execute: submit and fill in the same transaction. The
		// idempotency key derives from the trace so a replayed cycle
		// cannot double-order.
		submitResult, err := s.orderSvc.SubmitTx(tx, rec, orders.SubmitRequest{
			Scope:          scope,
			Side:           proposal.Side,
			Qty:            decision.TrimmedQty,
			IdempotencyKey: "auto-" + traceID,
			LastKnownPrice: price,
		})
		if err != nil {
			return err
		}
		outcome.Order = submitResult.Order

		commission := decision.TrimmedQty * price * submitResult.Order.CommissionRate
		execResult, err := s.orderSvc.ExecuteTx(tx, rec, orders.FillRequest{
			OrderID:    submitResult.Order.OrderID,
			Qty:        decision.TrimmedQty,
			Price:      price,
			Commission: commission,
			ExecutedAt: now,
		})
		if err != nil {
			return err
		}
		outcome.Order = execResult.Order
		outcome.Trade = execResult.Trade

		// ExecuteTx mutated its own copy loaded from the store; adopt
		// it as the cycle's view for persistence and the timeline.
		position = execResult.Position
		positionDirty = true

		return finish(ActionExecuted, trigger.Reason)
	})
	if err != nil {
		return nil, err
	}

	if positionDirty {
		if err := s.positionRepo.Save(position); err != nil {
			return nil, fmt.Errorf("failed to persist position after cycle: %w", err)
		}
	}

	s.log.Debug().
		Str("position_id", scope.PositionID).
		Str("trace_id", traceID).
		Str("action", outcome.Action).
		Str("reason", outcome.Reason).
		Msg("Evaluation cycle complete")

	return outcome, nil
}

// dayBounds returns the UTC day window containing t.
func dayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
