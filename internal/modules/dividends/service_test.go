package dividends

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

type serviceFixture struct {
	svc          *Service
	repo         *Repository
	positionRepo *positions.Repository
	eventRepo    *events.Repository
	clock        *domain.FixedClock
}

func newServiceFixture(t *testing.T) (*serviceFixture, func()) {
	t.Helper()

	ledgerDB, cleanupLedger := itesting.NewTestDB(t, "ledger")
	portfolioDB, cleanupPortfolio := itesting.NewTestDB(t, "portfolio")
	cleanup := func() {
		cleanupLedger()
		cleanupPortfolio()
	}

	log := zerolog.Nop()
	clock := &domain.FixedClock{T: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)}

	repo := NewRepository(ledgerDB.Conn(), log)
	positionRepo := positions.NewRepository(portfolioDB.Conn(), log)
	eventRepo := events.NewRepository(ledgerDB.Conn(), log)

	svc := NewService(
		ledgerDB.Conn(), repo, eventRepo, positionRepo,
		clock, domain.NewSequentialIDGenerator("test"), "live", log,
	)

	return &serviceFixture{
		svc:          svc,
		repo:         repo,
		positionRepo: positionRepo,
		eventRepo:    eventRepo,
		clock:        clock,
	}, cleanup
}

func (f *serviceFixture) createPosition(t *testing.T, cash, qty float64, anchor *float64) {
	t.Helper()
	p, err := positions.New(testScope, "ACME", cash, qty, anchor, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, f.positionRepo.Create(p))
}

func testDividend() *domain.Dividend {
	return &domain.Dividend{
		ID:              "div-1",
		Ticker:          "ACME",
		ExDate:          time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
		PayDate:         time.Date(2024, 4, 14, 0, 0, 0, 0, time.UTC),
		DPS:             2,
		Currency:        "USD",
		WithholdingRate: 0.25,
	}
}

func anchorPtr(f float64) *float64 { return &f }

func TestDividendLifecycle(t *testing.T) {
	f, cleanup := newServiceFixture(t)
	defer cleanup()
	f.createPosition(t, 5000, 100, anchorPtr(100))

	// Ex-date: 100 shares x 2 DPS = 200 gross, 50 tax, 150 net.
	exResult, err := f.svc.ProcessExDividendDate(testScope, testDividend())
	require.NoError(t, err)
	require.NotNil(t, exResult.Receivable)

	assert.InDelta(t, 100, exResult.Receivable.SharesAtRecord, 1e-9)
	assert.InDelta(t, 200, exResult.Receivable.GrossAmount, 1e-9)
	assert.InDelta(t, 50, exResult.Receivable.WithholdingTax, 1e-9)
	assert.InDelta(t, 150, exResult.Receivable.NetAmount, 1e-9)
	assert.Equal(t, ReceivablePending, exResult.Receivable.Status)
	assert.False(t, exResult.AnchorFloored)

	p, err := f.positionRepo.Get(testScope)
	require.NoError(t, err)
	assert.InDelta(t, 150, p.DividendReceivable, 1e-9)
	assert.InDelta(t, 5000, p.Cash, 1e-9) // cash untouched until pay date
	assert.InDelta(t, 5150, p.EffectiveCash(), 1e-9)
	require.NotNil(t, p.AnchorPrice)
	assert.InDelta(t, 98, *p.AnchorPrice, 1e-9)

	// Pay date: receivable moves into cash exactly once.
	payResult, err := f.svc.ProcessDividendPayment(testScope, exResult.Receivable.ReceivableID)
	require.NoError(t, err)
	assert.False(t, payResult.AlreadyPaid)

	p, err = f.positionRepo.Get(testScope)
	require.NoError(t, err)
	assert.InDelta(t, 5150, p.Cash, 1e-9)
	assert.InDelta(t, 0, p.DividendReceivable, 1e-9)
	assert.InDelta(t, 150, p.TotalDividendsReceived, 1e-9)

	// Aggregate reconstructible from paid receivables.
	sum, err := f.repo.SumPaidByPosition(testScope.PositionID)
	require.NoError(t, err)
	assert.InDelta(t, p.TotalDividendsReceived, sum, 1e-9)
}

func TestExDateIsIdempotent(t *testing.T) {
	f, cleanup := newServiceFixture(t)
	defer cleanup()
	f.createPosition(t, 5000, 100, anchorPtr(100))

	first, err := f.svc.ProcessExDividendDate(testScope, testDividend())
	require.NoError(t, err)
	replay, err := f.svc.ProcessExDividendDate(testScope, testDividend())
	require.NoError(t, err)

	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Receivable.ReceivableID, replay.Receivable.ReceivableID)

	// Single accrual, single anchor adjustment.
	p, err := f.positionRepo.Get(testScope)
	require.NoError(t, err)
	assert.InDelta(t, 150, p.DividendReceivable, 1e-9)
	assert.InDelta(t, 98, *p.AnchorPrice, 1e-9)
}

func TestPaymentTwiceIsNoOp(t *testing.T) {
	f, cleanup := newServiceFixture(t)
	defer cleanup()
	f.createPosition(t, 5000, 100, anchorPtr(100))

	exResult, err := f.svc.ProcessExDividendDate(testScope, testDividend())
	require.NoError(t, err)

	_, err = f.svc.ProcessDividendPayment(testScope, exResult.Receivable.ReceivableID)
	require.NoError(t, err)
	second, err := f.svc.ProcessDividendPayment(testScope, exResult.Receivable.ReceivableID)
	require.NoError(t, err)

	assert.True(t, second.AlreadyPaid)

	// No double credit.
	p, err := f.positionRepo.Get(testScope)
	require.NoError(t, err)
	assert.InDelta(t, 5150, p.Cash, 1e-9)
	assert.InDelta(t, 150, p.TotalDividendsReceived, 1e-9)
}

func TestDividendLargerThanAnchorFloors(t *testing.T) {
	f, cleanup := newServiceFixture(t)
	defer cleanup()
	f.createPosition(t, 5000, 100, anchorPtr(1.50))

	dividend := testDividend()
	dividend.DPS = 5

	exResult, err := f.svc.ProcessExDividendDate(testScope, dividend)
	require.NoError(t, err)
	assert.True(t, exResult.AnchorFloored)

	p, err := f.positionRepo.Get(testScope)
	require.NoError(t, err)
	require.NotNil(t, p.AnchorPrice)
	assert.InDelta(t, domain.AnchorFloor, *p.AnchorPrice, 1e-9)

	// ANCHOR_FLOORED is on the audit trail.
	evts, err := f.eventRepo.ListByPosition(testScope.PositionID, 0)
	require.NoError(t, err)
	var floored bool
	for _, e := range evts {
		if e.Type == events.AnchorFloored {
			floored = true
		}
	}
	assert.True(t, floored)
}

func TestInvalidWithholdingRateRejected(t *testing.T) {
	f, cleanup := newServiceFixture(t)
	defer cleanup()
	f.createPosition(t, 5000, 100, anchorPtr(100))

	dividend := testDividend()
	dividend.WithholdingRate = 1.2

	_, err := f.svc.ProcessExDividendDate(testScope, dividend)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	// No accrual happened.
	p, err := f.positionRepo.Get(testScope)
	require.NoError(t, err)
	assert.Zero(t, p.DividendReceivable)
}

func TestZeroShareExDateAccruesNothing(t *testing.T) {
	f, cleanup := newServiceFixture(t)
	defer cleanup()
	f.createPosition(t, 5000, 0, anchorPtr(100))

	exResult, err := f.svc.ProcessExDividendDate(testScope, testDividend())
	require.NoError(t, err)

	assert.Zero(t, exResult.Receivable.NetAmount)
	p, err := f.positionRepo.Get(testScope)
	require.NoError(t, err)
	assert.Zero(t, p.DividendReceivable)
	// Anchor still adjusts: the market drops the price regardless of
	// how many shares the cell holds.
	assert.InDelta(t, 98, *p.AnchorPrice, 1e-9)
}
