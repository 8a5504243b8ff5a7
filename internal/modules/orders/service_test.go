package orders

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iharari2/volbalance/internal/domain"
	"github.com/iharari2/volbalance/internal/events"
	"github.com/iharari2/volbalance/internal/modules/positions"
	itesting "github.com/iharari2/volbalance/internal/testing"
)

var testScope = domain.Scope{TenantID: "t1", PortfolioID: "pf1", PositionID: "pos1"}

// stubConfigStore returns fixed configs without touching config.db.
type stubConfigStore struct {
	guardrails domain.GuardrailConfig
	policy     domain.OrderPolicy
	rate       float64
	rateFound  bool
}

func (s *stubConfigStore) GetCommissionRate(string, string) (float64, bool, error) {
	return s.rate, s.rateFound, nil
}
func (s *stubConfigStore) GetTriggerConfig(domain.Scope) (domain.TriggerConfig, error) {
	return domain.DefaultTriggerConfig(), nil
}
func (s *stubConfigStore) GetGuardrailConfig(domain.Scope) (domain.GuardrailConfig, error) {
	return s.guardrails, nil
}
func (s *stubConfigStore) GetOrderPolicy(domain.Scope) (domain.OrderPolicy, error) {
	return s.policy, nil
}

// passThroughGuardrails approves every fill unchanged. Tests that need a
// block pass a different checker to newServiceFixture.
type passThroughGuardrails struct{}

func (passThroughGuardrails) Check(in domain.GuardrailInput, _ domain.GuardrailConfig) domain.GuardrailDecision {
	return domain.GuardrailDecision{Allowed: true, TrimmedQty: in.Qty}
}

// resourceGuardrails blocks BUYs whose notional exceeds effective cash.
type resourceGuardrails struct{}

func (resourceGuardrails) Check(in domain.GuardrailInput, _ domain.GuardrailConfig) domain.GuardrailDecision {
	if in.Side == domain.SideBuy && in.Qty*in.Price > in.EffectiveCash() {
		return domain.GuardrailDecision{Allowed: false, BlockReason: domain.ReasonInsufficientCash}
	}
	return domain.GuardrailDecision{Allowed: true, TrimmedQty: in.Qty}
}

type serviceFixture struct {
	svc          *Service
	positionRepo *positions.Repository
	orderRepo    *OrderRepository
	tradeRepo    *TradeRepository
	eventRepo    *events.Repository
	store        *stubConfigStore
	clock        *domain.FixedClock
}

func newServiceFixture(t *testing.T, guardrails GuardrailChecker) (*serviceFixture, func()) {
	t.Helper()

	ledgerDB, cleanupLedger := itesting.NewTestDB(t, "ledger")
	portfolioDB, cleanupPortfolio := itesting.NewTestDB(t, "portfolio")
	cleanup := func() {
		cleanupLedger()
		cleanupPortfolio()
	}

	log := zerolog.Nop()
	store := &stubConfigStore{
		guardrails: domain.DefaultGuardrailConfig(),
		policy:     domain.DefaultOrderPolicy(),
		rate:       0.0001,
		rateFound:  true,
	}
	clock := &domain.FixedClock{T: time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC)}

	positionRepo := positions.NewRepository(portfolioDB.Conn(), log)
	orderRepo := NewOrderRepository(ledgerDB.Conn(), log)
	tradeRepo := NewTradeRepository(ledgerDB.Conn(), log)
	eventRepo := events.NewRepository(ledgerDB.Conn(), log)

	svc := NewService(
		ledgerDB.Conn(), orderRepo, tradeRepo, eventRepo, positionRepo,
		store, guardrails, clock, domain.NewSequentialIDGenerator("test"), "live", log,
	)

	anchor := 100.0
	position, err := positions.New(testScope, "ACME", 10000, 0, &anchor, clock.Now())
	require.NoError(t, err)
	require.NoError(t, positionRepo.Create(position))

	return &serviceFixture{
		svc:          svc,
		positionRepo: positionRepo,
		orderRepo:    orderRepo,
		tradeRepo:    tradeRepo,
		eventRepo:    eventRepo,
		store:        store,
		clock:        clock,
	}, cleanup
}

func TestSubmitCreatesOrder(t *testing.T) {
	f, cleanup := newServiceFixture(t, passThroughGuardrails{})
	defer cleanup()

	result, err := f.svc.Submit(SubmitRequest{
		Scope:          testScope,
		Side:           domain.SideBuy,
		Qty:            1.5,
		IdempotencyKey: "k1",
		LastKnownPrice: 97,
	})
	require.NoError(t, err)

	assert.True(t, result.Accepted)
	assert.False(t, result.Replayed)
	assert.Equal(t, domain.OrderStatusSubmitted, result.Order.Status)
	assert.InDelta(t, 0.0001, result.Order.CommissionRate, 1e-12)
	require.NotNil(t, result.Order.CommissionEstimate)
	assert.InDelta(t, 1.5*97*0.0001, *result.Order.CommissionEstimate, 1e-9)

	evts, err := f.eventRepo.ListByPosition(testScope.PositionID, 0)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.OrderCreated, evts[0].Type)
}

func TestSubmitIdempotentReplay(t *testing.T) {
	f, cleanup := newServiceFixture(t, passThroughGuardrails{})
	defer cleanup()

	first, err := f.svc.Submit(SubmitRequest{
		Scope: testScope, Side: domain.SideBuy, Qty: 1.5, IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	replay, err := f.svc.Submit(SubmitRequest{
		Scope: testScope, Side: domain.SideBuy, Qty: 1.5, IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	assert.Equal(t, first.Order.OrderID, replay.Order.OrderID)
	assert.True(t, replay.Accepted)
	assert.True(t, replay.Replayed)

	// The replay appends no new events.
	evts, err := f.eventRepo.ListByPosition(testScope.PositionID, 0)
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestSubmitIdempotencyConflict(t *testing.T) {
	f, cleanup := newServiceFixture(t, passThroughGuardrails{})
	defer cleanup()

	_, err := f.svc.Submit(SubmitRequest{
		Scope: testScope, Side: domain.SideBuy, Qty: 1.5, IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	_, err = f.svc.Submit(SubmitRequest{
		Scope: testScope, Side: domain.SideSell, Qty: 2.0, IdempotencyKey: "k1",
	})
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
}

func TestSubmitPositionNotFound(t *testing.T) {
	f, cleanup := newServiceFixture(t, passThroughGuardrails{})
	defer cleanup()

	missing := domain.Scope{TenantID: "t1", PortfolioID: "pf1", PositionID: "nope"}
	_, err := f.svc.Submit(SubmitRequest{
		Scope: missing, Side: domain.SideBuy, Qty: 1, IdempotencyKey: "k1",
	})
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestSubmitDailyCapPreFilter(t *testing.T) {
	f, cleanup := newServiceFixture(t, passThroughGuardrails{})
	defer cleanup()
	f.store.guardrails.MaxOrdersPerDay = 1

	_, err := f.svc.Submit(SubmitRequest{
		Scope: testScope, Side: domain.SideBuy, Qty: 1, IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	_, err = f.svc.Submit(SubmitRequest{
		Scope: testScope, Side: domain.SideBuy, Qty: 1, IdempotencyKey: "k2",
	})
	assert.ErrorIs(t, err, domain.ErrGuardrailBreach)
}

func TestSubmitCommissionRateFallsBackToPolicy(t *testing.T) {
	f, cleanup := newServiceFixture(t, passThroughGuardrails{})
	defer cleanup()
	f.store.rateFound = false
	f.store.policy.CommissionRate = 0.002

	result, err := f.svc.Submit(SubmitRequest{
		Scope: testScope, Side: domain.SideBuy, Qty: 1, IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.002, result.Order.CommissionRate, 1e-12)
}

func TestExecuteFullFill(t *testing.T) {
	f, cleanup := newServiceFixture(t, passThroughGuardrails{})
	defer cleanup()

	submitted, err := f.svc.Submit(SubmitRequest{
		Scope: testScope, Side: domain.SideBuy, Qty: 5, IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	result, err := f.svc.Execute(FillRequest{
		OrderID:    submitted.Order.OrderID,
		Qty:        5,
		Price:      97,
		Commission: 5 * 97 * 0.0001,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusFilled, result.Order.Status)
	assert.InDelta(t, 5, result.FilledQty, 1e-9)
	require.NotNil(t, result.Trade.RateEffective)
	assert.InDelta(t, 0.0001, *result.Trade.RateEffective, 1e-9)

	// Position mutated and persisted: qty up, cash down, anchor at fill.
	p, err := f.positionRepo.Get(testScope)
	require.NoError(t, err)
	assert.InDelta(t, 5, p.Qty, 1e-9)
	assert.InDelta(t, 10000-5*97-5*97*0.0001, p.Cash, 1e-6)
	require.NotNil(t, p.AnchorPrice)
	assert.InDelta(t, 97, *p.AnchorPrice, 1e-9)
	assert.InDelta(t, 5*97*0.0001, p.TotalCommissionPaid, 1e-9)

	// Aggregate reconstructible from the trade ledger.
	sum, err := f.tradeRepo.SumCommission(testScope.PositionID)
	require.NoError(t, err)
	assert.InDelta(t, p.TotalCommissionPaid, sum, 1e-9)
}

func TestExecuteRejectsPartialFill(t *testing.T) {
	f, cleanup := newServiceFixture(t, passThroughGuardrails{})
	defer cleanup()

	submitted, err := f.svc.Submit(SubmitRequest{
		Scope: testScope, Side: domain.SideBuy, Qty: 5, IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	_, err = f.svc.Execute(FillRequest{
		OrderID: submitted.Order.OrderID, Qty: 3, Price: 97,
	})
	assert.ErrorIs(t, err, domain.ErrPartialFillUnsupported)

	// Order untouched.
	order, err := f.orderRepo.Get(submitted.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSubmitted, order.Status)
}

func TestExecuteTwiceRejected(t *testing.T) {
	f, cleanup := newServiceFixture(t, passThroughGuardrails{})
	defer cleanup()

	submitted, err := f.svc.Submit(SubmitRequest{
		Scope: testScope, Side: domain.SideBuy, Qty: 5, IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	fill := FillRequest{OrderID: submitted.Order.OrderID, Qty: 5, Price: 97}
	_, err = f.svc.Execute(fill)
	require.NoError(t, err)

	_, err = f.svc.Execute(fill)
	assert.ErrorIs(t, err, domain.ErrOrderNotSubmitted)
}

func TestExecuteGuardrailBreachLeavesOrderSubmitted(t *testing.T) {
	f, cleanup := newServiceFixture(t, resourceGuardrails{})
	defer cleanup()

	// 200 shares at 100 needs 20000, cash holds 10000.
	submitted, err := f.svc.Submit(SubmitRequest{
		Scope: testScope, Side: domain.SideBuy, Qty: 200, IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	_, err = f.svc.Execute(FillRequest{
		OrderID: submitted.Order.OrderID, Qty: 200, Price: 100,
	})
	assert.ErrorIs(t, err, domain.ErrGuardrailBreach)

	order, err := f.orderRepo.Get(submitted.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSubmitted, order.Status)

	// Position untouched.
	p, err := f.positionRepo.Get(testScope)
	require.NoError(t, err)
	assert.InDelta(t, 10000, p.Cash, 1e-9)
	assert.Zero(t, p.Qty)

	// The block itself is on the audit trail.
	evts, err := f.eventRepo.ListByPosition(testScope.PositionID, 0)
	require.NoError(t, err)
	var blocked bool
	for _, e := range evts {
		if e.Type == events.GuardrailBlocked {
			blocked = true
		}
	}
	assert.True(t, blocked)
}

func TestCancelSubmittedOrder(t *testing.T) {
	f, cleanup := newServiceFixture(t, passThroughGuardrails{})
	defer cleanup()

	submitted, err := f.svc.Submit(SubmitRequest{
		Scope: testScope, Side: domain.SideBuy, Qty: 5, IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(submitted.Order.OrderID, "operator cancel"))

	order, err := f.orderRepo.Get(submitted.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)

	// Terminal: cannot cancel again or fill.
	err = f.svc.Cancel(submitted.Order.OrderID, "again")
	assert.ErrorIs(t, err, domain.ErrOrderNotSubmitted)
}

func TestSignRequestDistinguishesBody(t *testing.T) {
	assert.Equal(t, SignRequest(domain.SideBuy, 1.5), SignRequest(domain.SideBuy, 1.5))
	assert.NotEqual(t, SignRequest(domain.SideBuy, 1.5), SignRequest(domain.SideSell, 1.5))
	assert.NotEqual(t, SignRequest(domain.SideBuy, 1.5), SignRequest(domain.SideBuy, 2.0))
}
