package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iharari2/volbalance/internal/clients/marketdata"
	"github.com/iharari2/volbalance/internal/configstore"
	"github.com/iharari2/volbalance/internal/domain"
	"github.com/iharari2/volbalance/internal/events"
	"github.com/iharari2/volbalance/internal/modules/dividends"
	"github.com/iharari2/volbalance/internal/modules/evaluation"
	"github.com/iharari2/volbalance/internal/modules/orders"
	"github.com/iharari2/volbalance/internal/modules/positions"
	itesting "github.com/iharari2/volbalance/internal/testing"
)

var testScope = domain.Scope{TenantID: "t1", PortfolioID: "pf1", PositionID: "pos1"}

type staticConfig struct{}

func (staticConfig) GetCommissionRate(string, string) (float64, bool, error) {
	return 0.0001, true, nil
}
func (staticConfig) GetTriggerConfig(domain.Scope) (domain.TriggerConfig, error) {
	return domain.DefaultTriggerConfig(), nil
}
func (staticConfig) GetGuardrailConfig(domain.Scope) (domain.GuardrailConfig, error) {
	return domain.DefaultGuardrailConfig(), nil
}
func (staticConfig) GetOrderPolicy(domain.Scope) (domain.OrderPolicy, error) {
	return domain.DefaultOrderPolicy(), nil
}

var _ configstore.Store = staticConfig{}

type orchestratorFixture struct {
	orch         *Orchestrator
	positionRepo *positions.Repository
	eventRepo    *events.Repository
	provider     *marketdata.MockProvider
	clock        *domain.FixedClock
}

func newOrchestratorFixture(t *testing.T) (*orchestratorFixture, func()) {
	t.Helper()

	ledgerDB, cleanupLedger := itesting.NewTestDB(t, "ledger")
	portfolioDB, cleanupPortfolio := itesting.NewTestDB(t, "portfolio")
	cleanup := func() {
		cleanupLedger()
		cleanupPortfolio()
	}

	log := zerolog.Nop()
	clock := &domain.FixedClock{T: time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC)}
	ids := domain.NewSequentialIDGenerator("test")
	store := staticConfig{}

	positionRepo := positions.NewRepository(portfolioDB.Conn(), log)
	orderRepo := orders.NewOrderRepository(ledgerDB.Conn(), log)
	tradeRepo := orders.NewTradeRepository(ledgerDB.Conn(), log)
	eventRepo := events.NewRepository(ledgerDB.Conn(), log)
	timelineRepo := evaluation.NewTimelineRepository(ledgerDB.Conn(), log)
	dividendRepo := dividends.NewRepository(ledgerDB.Conn(), log)

	orderSvc := orders.NewService(
		ledgerDB.Conn(), orderRepo, tradeRepo, eventRepo, positionRepo,
		store, evaluation.GuardrailEvaluator{}, clock, ids, "live", log,
	)
	evaluator := evaluation.NewService(
		ledgerDB.Conn(), positionRepo, orderRepo, orderSvc, eventRepo,
		timelineRepo, store, clock, ids, "live", log,
	)
	dividendSvc := dividends.NewService(
		ledgerDB.Conn(), dividendRepo, eventRepo, positionRepo, clock, ids, "live", log,
	)

	provider := marketdata.NewMockProvider()
	orch := NewOrchestrator(
		OrchestratorConfig{PollInterval: time.Hour, Workers: 2},
		positionRepo, evaluator, dividendSvc, dividendRepo, provider, eventRepo, clock, log,
	)

	return &orchestratorFixture{
		orch:         orch,
		positionRepo: positionRepo,
		eventRepo:    eventRepo,
		provider:     provider,
		clock:        clock,
	}, cleanup
}

func (f *orchestratorFixture) createPosition(t *testing.T, state domain.TradingState) {
	t.Helper()
	anchor := 100.0
	p, err := positions.New(testScope, "ACME", 10000, 0, &anchor, f.clock.Now())
	require.NoError(t, err)
	p.TradingState = state
	require.NoError(t, f.positionRepo.Create(p))
}

func TestTradingStateTransitions(t *testing.T) {
	f, cleanup := newOrchestratorFixture(t)
	defer cleanup()
	f.createPosition(t, domain.TradingStateNotConfigured)

	require.NoError(t, f.orch.StartTrading(testScope))
	require.NoError(t, f.orch.PauseTrading(testScope))
	require.NoError(t, f.orch.ResumeTrading(testScope))
	require.NoError(t, f.orch.StopTrading(testScope))

	// STOPPED admits restart but not pause/resume.
	assert.Error(t, f.orch.PauseTrading(testScope))
	assert.Error(t, f.orch.ResumeTrading(testScope))
	require.NoError(t, f.orch.StartTrading(testScope))
}

func TestPauseRequiresRunning(t *testing.T) {
	f, cleanup := newOrchestratorFixture(t)
	defer cleanup()
	f.createPosition(t, domain.TradingStateNotConfigured)

	assert.Error(t, f.orch.PauseTrading(testScope))
}

func TestTickEvaluatesRunningPositions(t *testing.T) {
	f, cleanup := newOrchestratorFixture(t)
	defer cleanup()
	f.createPosition(t, domain.TradingStateRunning)

	quote := domain.MarketQuote{
		Ticker:    "ACME",
		Price:     97,
		Session:   domain.SessionRegular,
		Timestamp: f.clock.Now(),
	}
	quote.Source = domain.SourceLive
	f.provider.Quotes["ACME"] = []domain.MarketQuote{quote}

	f.orch.tick(context.Background())

	// The BUY trigger fired and executed: position mutated.
	p, err := f.positionRepo.Get(testScope)
	require.NoError(t, err)
	assert.Greater(t, p.Qty, 0.0)
	require.NotNil(t, p.AnchorPrice)
	assert.InDelta(t, 97, *p.AnchorPrice, 1e-9)
}

func TestTickSkipsNonRunningPositions(t *testing.T) {
	f, cleanup := newOrchestratorFixture(t)
	defer cleanup()
	f.createPosition(t, domain.TradingStatePaused)

	f.orch.tick(context.Background())

	p, err := f.positionRepo.Get(testScope)
	require.NoError(t, err)
	assert.Zero(t, p.Qty)
}

func TestTickRejectsMockQuotes(t *testing.T) {
	f, cleanup := newOrchestratorFixture(t)
	defer cleanup()
	f.createPosition(t, domain.TradingStateRunning)

	// PushQuote stamps the mock source, which production refuses.
	f.provider.PushQuote(domain.MarketQuote{
		Ticker:    "ACME",
		Price:     97,
		Session:   domain.SessionRegular,
		Timestamp: f.clock.Now(),
	})

	f.orch.tick(context.Background())

	p, err := f.positionRepo.Get(testScope)
	require.NoError(t, err)
	assert.Zero(t, p.Qty)

	// The rejection is on the audit trail as an ERROR event.
	evts, err := f.eventRepo.ListByPosition(testScope.PositionID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, events.Error, evts[len(evts)-1].Type)
}

func TestTickSurvivesProviderOutage(t *testing.T) {
	f, cleanup := newOrchestratorFixture(t)
	defer cleanup()
	f.createPosition(t, domain.TradingStateRunning)
	f.provider.Err = context.DeadlineExceeded

	f.orch.tick(context.Background())

	// No state change; an ERROR event marks the skipped cycle.
	p, err := f.positionRepo.Get(testScope)
	require.NoError(t, err)
	assert.Zero(t, p.Qty)
	assert.InDelta(t, 10000, p.Cash, 1e-9)

	evts, err := f.eventRepo.ListByPosition(testScope.PositionID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, events.Error, evts[len(evts)-1].Type)
}
