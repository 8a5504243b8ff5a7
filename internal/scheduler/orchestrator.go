// Package scheduler runs the live side of the engine: a polling
// orchestrator that feeds quotes through evaluation cycles, plus the
// cron-driven maintenance and health jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/iharari2/volbalance/internal/domain"
	"github.com/iharari2/volbalance/internal/events"
	"github.com/iharari2/volbalance/internal/modules/dividends"
	"github.com/iharari2/volbalance/internal/modules/evaluation"
	"github.com/iharari2/volbalance/internal/modules/positions"
)

// Orchestrator polls RUNNING positions on an interval and drives one
// evaluation cycle per position per tick. Each position is a strict
// single writer: a per-position mutex guarantees no two cycles for the
// same position overlap, while different positions evaluate in parallel
// across the worker pool.
//
// All ex-date dividends for a trading day are processed before the
// day's first cycle, so cycles never see a pre-dividend anchor on
// ex-date.
type Orchestrator struct {
	positionRepo *positions.Repository
	evaluator    *evaluation.Service
	dividendSvc  *dividends.Service
	dividendRepo *dividends.Repository
	provider     domain.MarketDataProvider
	eventRepo    *events.Repository
	clock        domain.Clock
	log          zerolog.Logger

	pollInterval time.Duration
	quoteTimeout time.Duration
	workers      int

	locks sync.Map // position id -> *sync.Mutex

	mu           sync.Mutex
	lastSweepDay string
}

// OrchestratorConfig tunes the poll loop.
type OrchestratorConfig struct {
	// PollInterval between cycles. Zero defaults to 15 seconds.
	PollInterval time.Duration
	// QuoteTimeout bounds each quote fetch. Zero defaults to 5 seconds.
	QuoteTimeout time.Duration
	// Workers bounds parallel position cycles. Zero defaults to 4.
	Workers int
}

// NewOrchestrator creates a live orchestrator.
func NewOrchestrator(
	cfg OrchestratorConfig,
	positionRepo *positions.Repository,
	evaluator *evaluation.Service,
	dividendSvc *dividends.Service,
	dividendRepo *dividends.Repository,
	provider domain.MarketDataProvider,
	eventRepo *events.Repository,
	clock domain.Clock,
	log zerolog.Logger,
) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Orchestrator{
		positionRepo: positionRepo,
		evaluator:    evaluator,
		dividendSvc:  dividendSvc,
		dividendRepo: dividendRepo,
		provider:     provider,
		eventRepo:    eventRepo,
		clock:        clock,
		log:          log.With().Str("component", "orchestrator").Logger(),
		pollInterval: cfg.PollInterval,
		quoteTimeout: cfg.QuoteTimeout,
		workers:      cfg.Workers,
	}
}

// Run polls until ctx is cancelled. In-flight cycles finish before Run
// returns; cancellation takes effect at the next cycle boundary.
func (o *Orchestrator) Run(ctx context.Context) {
	o.log.Info().Dur("interval", o.pollInterval).Msg("Orchestrator started")
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.log.Info().Msg("Orchestrator stopped")
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// tick runs one poll round across all RUNNING positions.
func (o *Orchestrator) tick(ctx context.Context) {
	running, err := o.positionRepo.ListByState(domain.TradingStateRunning)
	if err != nil {
		o.log.Error().Err(err).Msg("Failed to list running positions")
		return
	}
	if len(running) == 0 {
		return
	}

	o.sweepDividends(ctx, running)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, p := range running {
		position := p
		g.Go(func() error {
			o.evaluateOne(gctx, position)
			return nil // per-position failures are logged, never fatal
		})
	}
	_ = g.Wait()
}

// evaluateOne runs one cycle for one position under its single-writer
// lock. Every failure is swallowed into an ERROR event so one bad
// position cannot stop the loop.
func (o *Orchestrator) evaluateOne(ctx context.Context, p *positions.Position) {
	lock := o.lockFor(p.Scope.PositionID)
	lock.Lock()
	defer lock.Unlock()

	quoteCtx, cancel := context.WithTimeout(ctx, o.quoteTimeout)
	quote, err := o.provider.GetLatestQuote(quoteCtx, p.AssetSymbol)
	cancel()
	if err != nil {
		o.recordError(p.Scope, "quote_fetch", err)
		return
	}
	if quote.Source != domain.SourceLive && quote.Source != domain.SourceHistorical {
		o.recordError(p.Scope, "quote_source", fmt.Errorf("%w: %s", domain.ErrQuoteRejected, quote.Source))
		return
	}

	if _, err := o.evaluator.Evaluate(ctx, p.Scope, quote); err != nil {
		o.recordError(p.Scope, "evaluation", err)
	}
}

// sweepDividends processes ex-date accruals and due payments once per
// UTC day, before the first cycles of that day run.
func (o *Orchestrator) sweepDividends(ctx context.Context, running []*positions.Position) {
	now := o.clock.Now().UTC()
	today := now.Format("2006-01-02")

	o.mu.Lock()
	if o.lastSweepDay == today {
		o.mu.Unlock()
		return
	}
	o.lastSweepDay = today
	o.mu.Unlock()

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	for _, p := range running {
		lock := o.lockFor(p.Scope.PositionID)
		lock.Lock()

		divCtx, cancel := context.WithTimeout(ctx, o.quoteTimeout)
		announced, err := o.provider.GetDividends(divCtx, p.AssetSymbol, dayStart, dayEnd)
		cancel()
		if err != nil {
			o.recordError(p.Scope, "dividend_fetch", err)
			lock.Unlock()
			continue
		}

		for _, d := range announced {
			dividend := d
			if _, err := o.dividendSvc.ProcessExDividendDate(p.Scope, &dividend); err != nil {
				o.recordError(p.Scope, "dividend_ex_date", err)
			}
		}

		o.payDueReceivables(p.Scope, now)
		lock.Unlock()
	}
}

// payDueReceivables credits pending receivables whose pay date arrived.
func (o *Orchestrator) payDueReceivables(scope domain.Scope, now time.Time) {
	pending, err := o.dividendRepo.ListPendingByPosition(scope.PositionID)
	if err != nil {
		o.recordError(scope, "dividend_pending", err)
		return
	}
	for _, rec := range pending {
		dividend, err := o.dividendRepo.GetDividend(rec.DividendID)
		if err != nil {
			o.recordError(scope, "dividend_lookup", err)
			continue
		}
		if dividend.PayDate.After(now) {
			continue
		}
		if _, err := o.dividendSvc.ProcessDividendPayment(scope, rec.ReceivableID); err != nil {
			o.recordError(scope, "dividend_payment", err)
		}
	}
}

func (o *Orchestrator) lockFor(positionID string) *sync.Mutex {
	lock, _ := o.locks.LoadOrStore(positionID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// recordError logs a swallowed failure and appends an ERROR event so the
// audit trail shows the skipped cycle.
func (o *Orchestrator) recordError(scope domain.Scope, stage string, err error) {
	o.log.Error().
		Err(err).
		Str("position_id", scope.PositionID).
		Str("stage", stage).
		Msg("Cycle failed, skipping position until next poll")

	e := events.New(scope, events.Error, "", o.clock.Now().UTC(),
		nil, &events.ErrorPayload{Stage: stage, Error: err.Error()}, "cycle error")
	if appendErr := o.eventRepo.AppendStandalone(e); appendErr != nil {
		o.log.Error().Err(appendErr).Msg("Failed to append error event")
	}
}

// Trading-state transitions. The poll loop only ever sees positions whose
// state is RUNNING; a transition never interrupts an in-flight cycle.

var errBadTransition = errors.New("invalid trading state transition")

// StartTrading moves a position into RUNNING.
func (o *Orchestrator) StartTrading(scope domain.Scope) error {
	return o.transition(scope, domain.TradingStateRunning,
		domain.TradingStateNotConfigured, domain.TradingStatePaused, domain.TradingStateStopped)
}

// PauseTrading moves a RUNNING position to PAUSED.
func (o *Orchestrator) PauseTrading(scope domain.Scope) error {
	return o.transition(scope, domain.TradingStatePaused, domain.TradingStateRunning)
}

// ResumeTrading moves a PAUSED position back to RUNNING.
func (o *Orchestrator) ResumeTrading(scope domain.Scope) error {
	return o.transition(scope, domain.TradingStateRunning, domain.TradingStatePaused)
}

// StopTrading detaches a position from the poll loop without touching its
// holdings.
func (o *Orchestrator) StopTrading(scope domain.Scope) error {
	return o.transition(scope, domain.TradingStateStopped,
		domain.TradingStateRunning, domain.TradingStatePaused)
}

func (o *Orchestrator) transition(scope domain.Scope, to domain.TradingState, validFrom ...domain.TradingState) error {
	p, err := o.positionRepo.Get(scope)
	if err != nil {
		return err
	}
	ok := false
	for _, from := range validFrom {
		if p.TradingState == from {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", errBadTransition, p.TradingState, to)
	}
	return o.positionRepo.SetTradingState(scope, to, o.clock.Now().UTC())
}
