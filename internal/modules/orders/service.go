package orders

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/iharari2/volbalance/internal/configstore"
	"github.com/iharari2/volbalance/internal/database"
	"github.com/iharari2/volbalance/internal/domain"
	"github.com/iharari2/volbalance/internal/events"
	"github.com/iharari2/volbalance/internal/modules/positions"
)

// fullFillTolerance bounds the quantity drift accepted as a full fill.
const fullFillTolerance = 1e-9

// PositionStore is the position persistence the order use-cases depend on.
// Defined here to keep the dependency direction one-way.
type PositionStore interface {
	Get(scope domain.Scope) (*positions.Position, error)
	Save(p *positions.Position) error
}

// Compile-time check that the positions repository satisfies PositionStore.
var _ PositionStore = (*positions.Repository)(nil)

// GuardrailChecker re-validates a fill against the guardrails at execution
// time. Implemented by the evaluation module; an interface here avoids an
// import cycle with it.
type GuardrailChecker interface {
	Check(in domain.GuardrailInput, cfg domain.GuardrailConfig) domain.GuardrailDecision
}

// Service implements idempotent order submission and full-fill execution.
type Service struct {
	ledgerDB    *sql.DB
	orderRepo   *OrderRepository
	tradeRepo   *TradeRepository
	eventRepo   *events.Repository
	positionSt  PositionStore
	configStore configstore.Store
	guardrails  GuardrailChecker
	clock       domain.Clock
	ids         domain.IDGenerator
	source      string
	log         zerolog.Logger
}

// NewService creates an order service. Source stamps emitted events
// ("live" or "historical" for simulation).
func NewService(
	ledgerDB *sql.DB,
	orderRepo *OrderRepository,
	tradeRepo *TradeRepository,
	eventRepo *events.Repository,
	positionSt PositionStore,
	configStore configstore.Store,
	guardrails GuardrailChecker,
	clock domain.Clock,
	ids domain.IDGenerator,
	source string,
	log zerolog.Logger,
) *Service {
	return &Service{
		ledgerDB:    ledgerDB,
		orderRepo:   orderRepo,
		tradeRepo:   tradeRepo,
		eventRepo:   eventRepo,
		positionSt:  positionSt,
		configStore: configStore,
		guardrails:  guardrails,
		clock:       clock,
		ids:         ids,
		source:      source,
		log:         log.With().Str("service", "orders").Logger(),
	}
}

// SubmitRequest is the input to order submission.
type SubmitRequest struct {
	Scope          domain.Scope
	Side           domain.Side
	Qty            float64
	IdempotencyKey string
	// LastKnownPrice, when positive, produces a commission estimate on
	// the order for display purposes. It plays no role in execution.
	LastKnownPrice float64
}

// SubmitResult is the outcome of a submission.
type SubmitResult struct {
	Order    *Order
	Accepted bool
	// Replayed is true when an existing order was returned for a
	// repeated idempotency key.
	Replayed bool
}

// Submit runs SubmitTx in its own ledger transaction.
func (s *Service) Submit(req SubmitRequest) (*SubmitResult, error) {
	var result *SubmitResult
	err := database.WithTransaction(s.ledgerDB, func(tx *sql.Tx) error {
		rec := s.eventRepo.NewRecorder(req.Scope, s.ids.NewTraceID(), s.source)
		var err error
		result, err = s.SubmitTx(tx, rec, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitTx creates an order inside the caller's ledger transaction.
// Replaying an idempotency key with a matching signature returns the
// existing order without new events; a mismatched signature conflicts.
func (s *Service) SubmitTx(q database.Queryer, rec *events.Recorder, req SubmitRequest) (*SubmitResult, error) {
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return nil, domain.ErrValidation("side must be BUY or SELL")
	}
	if req.Qty <= 0 {
		return nil, domain.ErrValidation("quantity must be positive")
	}
	if req.IdempotencyKey == "" {
		return nil, domain.ErrValidation("idempotency key is required")
	}

	position, err := s.positionSt.Get(req.Scope)
	if err != nil {
		return nil, err
	}

	signature := SignRequest(req.Side, req.Qty)

	existing, err := s.orderRepo.GetByIdempotencyKey(q, req.Scope.PositionID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.RequestSignature != signature {
			return nil, domain.ErrIdempotencyConflict
		}
		s.log.Debug().
			Str("order_id", existing.OrderID).
			Str("idempotency_key", req.IdempotencyKey).
			Msg("Idempotent replay, returning existing order")
		return &SubmitResult{Order: existing, Accepted: true, Replayed: true}, nil
	}

	// Cheap daily-cap pre-filter; the authoritative check runs again at
	// execution time.
	guardrailCfg, err := s.configStore.GetGuardrailConfig(req.Scope)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	dayStart, dayEnd := dayBounds(now)
	ordersToday, err := s.orderRepo.CountCreatedBetween(q, req.Scope.PositionID, dayStart, dayEnd, "")
	if err != nil {
		return nil, err
	}
	if ordersToday >= guardrailCfg.MaxOrdersPerDay {
		return nil, fmt.Errorf("%w: %s", domain.ErrGuardrailBreach, domain.ReasonDailyCap)
	}

	rate, found, err := s.configStore.GetCommissionRate(req.Scope.TenantID, position.AssetSymbol)
	if err != nil {
		return nil, err
	}
	if !found {
		policy, err := s.configStore.GetOrderPolicy(req.Scope)
		if err != nil {
			return nil, err
		}
		rate = policy.CommissionRate
	}

	order := &Order{
		OrderID:          s.ids.NewID(),
		Scope:            req.Scope,
		Side:             req.Side,
		Qty:              req.Qty,
		Status:           domain.OrderStatusSubmitted,
		IdempotencyKey:   req.IdempotencyKey,
		RequestSignature: signature,
		CommissionRate:   rate,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.LastKnownPrice > 0 {
		estimate := req.Qty * req.LastKnownPrice * rate
		order.CommissionEstimate = &estimate
	}

	if err := s.orderRepo.Create(q, order); err != nil {
		return nil, err
	}

	err = rec.Record(q, events.OrderCreated, now,
		&events.OrderPayload{
			OrderID:        order.OrderID,
			Side:           order.Side,
			Qty:            order.Qty,
			CommissionRate: order.CommissionRate,
			IdempotencyKey: order.IdempotencyKey,
		},
		nil,
		"order created",
	)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("order_id", order.OrderID).
		Str("position_id", req.Scope.PositionID).
		Str("side", string(order.Side)).
		Float64("qty", order.Qty).
		Msg("Order submitted")

	return &SubmitResult{Order: order, Accepted: true}, nil
}

// FillRequest is the input to order execution.
type FillRequest struct {
	OrderID    string
	Qty        float64
	Price      float64
	Commission float64
	ExecutedAt time.Time
}

// ExecuteResult is the outcome of a successful execution.
type ExecuteResult struct {
	Order     *Order
	Trade     *Trade
	Position  *positions.Position
	FilledQty float64
}

// Execute runs ExecuteTx in its own ledger transaction and persists the
// mutated position afterwards.
func (s *Service) Execute(req FillRequest) (*ExecuteResult, error) {
	var result *ExecuteResult
	err := database.WithTransaction(s.ledgerDB, func(tx *sql.Tx) error {
		order, err := s.orderRepo.GetTx(tx, req.OrderID)
		if err != nil {
			return err
		}
		rec := s.eventRepo.NewRecorder(order.Scope, s.ids.NewTraceID(), s.source)
		result, err = s.ExecuteTx(tx, rec, req)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrGuardrailBreach) {
			s.recordBlocked(req.OrderID, err)
		}
		return nil, err
	}
	if err := s.positionSt.Save(result.Position); err != nil {
		return nil, fmt.Errorf("failed to persist position after fill: %w", err)
	}
	return result, nil
}

// ExecuteTx applies a full fill inside the caller's ledger transaction:
// guardrail re-check at fill price, position mutation, anchor reset to the
// fill price, trade creation, order status advance, and the
// execution/update events. The mutated position is returned for the
// caller to persist after commit.
func (s *Service) ExecuteTx(q database.Queryer, rec *events.Recorder, req FillRequest) (*ExecuteResult, error) {
	if req.Price <= 0 {
		return nil, domain.ErrValidation("fill price must be positive")
	}
	if req.Qty <= 0 {
		return nil, domain.ErrValidation("fill quantity must be positive")
	}
	if req.Commission < 0 {
		return nil, domain.ErrValidation("fill commission must be non-negative")
	}

	order, err := s.orderRepo.GetTx(q, req.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusSubmitted {
		return nil, domain.ErrOrderNotSubmitted
	}
	if math.Abs(req.Qty-order.Qty) > fullFillTolerance {
		return nil, domain.ErrPartialFillUnsupported
	}

	position, err := s.positionSt.Get(order.Scope)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	executedAt := req.ExecutedAt
	if executedAt.IsZero() {
		executedAt = now
	}

	// Authoritative guardrail re-check at the fill price. A block leaves
	// the order submitted; caller policy decides its fate.
	guardrailCfg, err := s.configStore.GetGuardrailConfig(order.Scope)
	if err != nil {
		return nil, err
	}
	policy, err := s.configStore.GetOrderPolicy(order.Scope)
	if err != nil {
		return nil, err
	}
	dayStart, dayEnd := dayBounds(now)
	ordersToday, err := s.orderRepo.CountCreatedBetween(q, order.Scope.PositionID, dayStart, dayEnd, order.OrderID)
	if err != nil {
		return nil, err
	}

	decision := s.guardrails.Check(domain.GuardrailInput{
		Side:               order.Side,
		Qty:                req.Qty,
		Price:              req.Price,
		QtyHeld:            position.Qty,
		Cash:               position.Cash,
		DividendReceivable: position.DividendReceivable,
		CommissionRate:     order.CommissionRate,
		MinNotional:        policy.MinNotional,
		OrdersToday:        ordersToday,
	}, guardrailCfg)
	if !decision.Allowed || decision.TrimmedQty+fullFillTolerance < req.Qty {
		reason := decision.BlockReason
		if reason == "" {
			reason = domain.ReasonAllocationBand
		}
		s.log.Warn().
			Str("order_id", order.OrderID).
			Str("reason", reason).
			Msg("Fill blocked by guardrail re-check")
		// The transaction is about to roll back, so the block event is
		// emitted by Execute outside it; see recordBlocked.
		return nil, fmt.Errorf("%w: %s", domain.ErrGuardrailBreach, reason)
	}

	delta := events.PositionDeltaPayload{
		QtyBefore:        position.Qty,
		CashBefore:       position.Cash,
		ReceivableBefore: position.DividendReceivable,
	}

	switch order.Side {
	case domain.SideBuy:
		err = position.ApplyBuy(req.Qty, req.Price, req.Commission, now)
	case domain.SideSell:
		err = position.ApplySell(req.Qty, req.Price, req.Commission, now)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply fill: %w", err)
	}

	anchorBefore := position.AnchorPrice
	if err := position.SetAnchor(req.Price, now); err != nil {
		return nil, err
	}
	err = rec.Record(q, events.AnchorUpdated, now,
		&events.AnchorPayload{Before: anchorBefore, After: req.Price, Reason: "fill"},
		nil, "anchor moved to fill price")
	if err != nil {
		return nil, err
	}

	trade := &Trade{
		TradeID:    s.ids.NewID(),
		OrderID:    order.OrderID,
		Scope:      order.Scope,
		Side:       order.Side,
		Qty:        req.Qty,
		Price:      req.Price,
		Commission: req.Commission,
		Status:     "executed",
		ExecutedAt: executedAt,
		CreatedAt:  now,
	}
	if notional := req.Qty * req.Price; notional > 0 {
		rate := req.Commission / notional
		trade.RateEffective = &rate
	}
	if err := s.tradeRepo.Create(q, trade); err != nil {
		return nil, err
	}

	if err := s.orderRepo.UpdateStatus(q, order.OrderID, domain.OrderStatusFilled, now); err != nil {
		return nil, err
	}
	order.Status = domain.OrderStatusFilled
	order.UpdatedAt = now

	err = rec.Record(q, events.ExecutionRecorded, now,
		&events.ExecutionPayload{
			OrderID:    order.OrderID,
			TradeID:    trade.TradeID,
			Side:       trade.Side,
			Qty:        trade.Qty,
			Price:      trade.Price,
			Commission: trade.Commission,
		},
		nil, "fill recorded")
	if err != nil {
		return nil, err
	}

	delta.QtyAfter = position.Qty
	delta.CashAfter = position.Cash
	delta.ReceivableAfter = position.DividendReceivable
	delta.Anchor = position.AnchorPrice
	if err := rec.Record(q, events.PositionUpdated, now, nil, &delta, "position updated"); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("order_id", order.OrderID).
		Str("trade_id", trade.TradeID).
		Str("side", string(trade.Side)).
		Float64("qty", trade.Qty).
		Float64("price", trade.Price).
		Msg("Order filled")

	return &ExecuteResult{Order: order, Trade: trade, Position: position, FilledQty: trade.Qty}, nil
}

// recordBlocked appends the GUARDRAIL_BLOCKED event after the execution
// transaction rolled back. The order itself stays submitted.
func (s *Service) recordBlocked(orderID string, cause error) {
	order, err := s.orderRepo.Get(orderID)
	if err != nil {
		s.log.Error().Err(err).Str("order_id", orderID).Msg("Failed to load order for block event")
		return
	}
	e := events.New(order.Scope, events.GuardrailBlocked, s.ids.NewTraceID(), s.clock.Now().UTC(),
		&events.OrderPayload{OrderID: order.OrderID, Side: order.Side, Qty: order.Qty},
		nil, cause.Error())
	e.Source = s.source
	if err := s.eventRepo.AppendStandalone(e); err != nil {
		s.log.Error().Err(err).Str("order_id", orderID).Msg("Failed to append block event")
	}
}

// Cancel moves a submitted order to cancelled. Used by callers whose
// policy cancels orders blocked at execution time.
func (s *Service) Cancel(orderID, reason string) error {
	return database.WithTransaction(s.ledgerDB, func(tx *sql.Tx) error {
		order, err := s.orderRepo.GetTx(tx, orderID)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		if err := s.orderRepo.UpdateStatus(tx, orderID, domain.OrderStatusCancelled, now); err != nil {
			return err
		}
		rec := s.eventRepo.NewRecorder(order.Scope, s.ids.NewTraceID(), s.source)
		return rec.Record(tx, events.OrderCancelled, now,
			&events.OrderPayload{OrderID: orderID, Side: order.Side, Qty: order.Qty},
			nil, reason)
	})
}

// dayBounds returns the UTC day window containing t.
func dayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
