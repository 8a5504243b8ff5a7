// Package simulation replays historical bars through the evaluation
// engine against throwaway stores. A run never reads or writes live
// state, and identical inputs replay to identical trades and events.
package simulation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/iharari2/volbalance/internal/configstore"
	"github.com/iharari2/volbalance/internal/database"
	"github.com/iharari2/volbalance/internal/domain"
	"github.com/iharari2/volbalance/internal/events"
	"github.com/iharari2/volbalance/internal/modules/dividends"
	"github.com/iharari2/volbalance/internal/modules/evaluation"
	"github.com/iharari2/volbalance/internal/modules/orders"
	"github.com/iharari2/volbalance/internal/modules/positions"
)

// RunConfig describes one simulation run.
type RunConfig struct {
	Ticker   string
	Start    time.Time
	End      time.Time
	Interval time.Duration
	// BarPrice selects which bar field becomes the quote price:
	// "close" (default), "open", "high" or "low".
	BarPrice string

	InitialCash float64
	StartQty    float64
	StartAnchor *float64

	Trigger    domain.TriggerConfig
	Guardrails domain.GuardrailConfig
	Policy     domain.OrderPolicy

	// WithDividends replays the dividend schedule: ex-dates process
	// before the first bar of their day, payments credit on pay date.
	WithDividends bool
}

// Validate checks run parameters.
func (c *RunConfig) Validate() error {
	if c.Ticker == "" {
		return domain.ErrValidation("simulation ticker is required")
	}
	if !c.End.After(c.Start) {
		return domain.ErrValidation("simulation end must follow start")
	}
	if c.InitialCash < 0 || c.StartQty < 0 {
		return domain.ErrValidation("initial cash and quantity must be non-negative")
	}
	switch c.BarPrice {
	case "", "close", "open", "high", "low":
	default:
		return domain.ErrValidation("bar price must be one of open/high/low/close")
	}
	return nil
}

// Runner builds isolated stores per run and drives the replay.
type Runner struct {
	provider domain.MarketDataProvider
	// workDir hosts the throwaway databases; empty means the system
	// temp directory.
	workDir string
	log     zerolog.Logger
}

// NewRunner creates a simulation runner.
func NewRunner(provider domain.MarketDataProvider, workDir string, log zerolog.Logger) *Runner {
	return &Runner{
		provider: provider,
		workDir:  workDir,
		log:      log.With().Str("component", "simulation").Logger(),
	}
}

// staticStore satisfies the config port with the run's fixed configs.
// Simulation never consults the live config database.
type staticStore struct {
	trigger   domain.TriggerConfig
	guardrail domain.GuardrailConfig
	policy    domain.OrderPolicy
}

func (s *staticStore) GetCommissionRate(string, string) (float64, bool, error) {
	return s.policy.CommissionRate, true, nil
}
func (s *staticStore) GetTriggerConfig(domain.Scope) (domain.TriggerConfig, error) {
	return s.trigger, nil
}
func (s *staticStore) GetGuardrailConfig(domain.Scope) (domain.GuardrailConfig, error) {
	return s.guardrail, nil
}
func (s *staticStore) GetOrderPolicy(domain.Scope) (domain.OrderPolicy, error) {
	return s.policy, nil
}

var _ configstore.Store = (*staticStore)(nil)

// Run replays the configured range and returns the result. The throwaway
// databases are removed when the run finishes.
func (r *Runner) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}

	bars, err := r.provider.GetHistoricalBars(ctx, cfg.Ticker, cfg.Start, cfg.End, cfg.Interval)
	if err != nil {
		return nil, fmt.Errorf("failed to load bars: %w", err)
	}
	if len(bars) == 0 {
		return nil, domain.ErrValidation("no bars in simulation range")
	}

	var schedule []domain.Dividend
	if cfg.WithDividends {
		schedule, err = r.provider.GetDividends(ctx, cfg.Ticker, cfg.Start, cfg.End)
		if err != nil {
			return nil, fmt.Errorf("failed to load dividend schedule: %w", err)
		}
	}

	dir, err := os.MkdirTemp(r.workDir, "volbalance-sim-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create simulation workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	portfolioDB, err := openSimDB(dir, "sim_portfolio")
	if err != nil {
		return nil, err
	}
	defer portfolioDB.Close()
	ledgerDB, err := openSimDB(dir, "sim_ledger")
	if err != nil {
		return nil, err
	}
	defer ledgerDB.Close()

	log := r.log.With().Str("ticker", cfg.Ticker).Logger()
	clock := &domain.FixedClock{T: bars[0].Timestamp}
	ids := domain.NewSequentialIDGenerator("sim-" + cfg.Ticker)
	store := &staticStore{trigger: cfg.Trigger, guardrail: cfg.Guardrails, policy: cfg.Policy}

	positionRepo := positions.NewRepository(portfolioDB.Conn(), log)
	orderRepo := orders.NewOrderRepository(ledgerDB.Conn(), log)
	tradeRepo := orders.NewTradeRepository(ledgerDB.Conn(), log)
	eventRepo := events.NewRepository(ledgerDB.Conn(), log)
	timelineRepo := evaluation.NewTimelineRepository(ledgerDB.Conn(), log)
	dividendRepo := dividends.NewRepository(ledgerDB.Conn(), log)

	orderSvc := orders.NewService(
		ledgerDB.Conn(), orderRepo, tradeRepo, eventRepo, positionRepo,
		store, evaluation.GuardrailEvaluator{}, clock, ids, "historical", log,
	)
	evaluator := evaluation.NewService(
		ledgerDB.Conn(), positionRepo, orderRepo, orderSvc, eventRepo,
		timelineRepo, store, clock, ids, "historical", log,
	)
	dividendSvc := dividends.NewService(
		ledgerDB.Conn(), dividendRepo, eventRepo, positionRepo, clock, ids, "historical", log,
	)

	scope := domain.Scope{
		TenantID:    "sim",
		PortfolioID: "sim",
		PositionID:  "sim-" + cfg.Ticker,
	}
	position, err := positions.New(scope, cfg.Ticker, cfg.InitialCash, cfg.StartQty, cfg.StartAnchor, clock.Now())
	if err != nil {
		return nil, err
	}
	position.TradingState = domain.TradingStateRunning
	if err := positionRepo.Create(position); err != nil {
		return nil, err
	}

	tracker := newTracker(cfg, bars[0])
	var currentDay string
	// Pending receivable ids in accrual order; a slice keeps payment
	// processing deterministic across runs.
	var pendingReceivables []string

	for _, bar := range bars {
		clock.Set(bar.Timestamp)
		day := bar.Timestamp.UTC().Format("2006-01-02")

		if day != currentDay {
			if currentDay != "" {
				tracker.closeDay(currentDay)
			}
			currentDay = day

			// Ex-date dividends land before the day's first bar so the
			// adjusted anchor is in place for every cycle of the day.
			for i := range schedule {
				d := schedule[i]
				if d.ExDate.UTC().Format("2006-01-02") != day {
					continue
				}
				result, err := dividendSvc.ProcessExDividendDate(scope, &d)
				if err != nil {
					return nil, fmt.Errorf("ex-date processing failed: %w", err)
				}
				if !result.Replayed {
					pendingReceivables = append(pendingReceivables, result.Receivable.ReceivableID)
				}
			}

			// Payments due on or before this day credit cash.
			remaining := pendingReceivables[:0]
			for _, receivableID := range pendingReceivables {
				rec, err := dividendRepo.GetReceivable(ledgerDB.Conn(), receivableID)
				if err != nil {
					return nil, err
				}
				dividend, err := dividendRepo.GetDividend(rec.DividendID)
				if err != nil {
					return nil, err
				}
				if dividend.PayDate.UTC().Format("2006-01-02") > day {
					remaining = append(remaining, receivableID)
					continue
				}
				if _, err := dividendSvc.ProcessDividendPayment(scope, receivableID); err != nil {
					return nil, err
				}
			}
			pendingReceivables = remaining
		}

		quote := quoteFromBar(cfg, bar)
		if _, err := evaluator.Evaluate(ctx, scope, quote); err != nil {
			return nil, fmt.Errorf("cycle failed at %s: %w", bar.Timestamp, err)
		}

		final, err := positionRepo.Get(scope)
		if err != nil {
			return nil, err
		}
		tracker.observe(final, quote.Price)
	}
	tracker.closeDay(currentDay)

	finalPosition, err := positionRepo.Get(scope)
	if err != nil {
		return nil, err
	}
	trades, err := tradeRepo.ListByPosition(scope.PositionID)
	if err != nil {
		return nil, err
	}
	eventCount, err := eventRepo.CountByPosition(scope.PositionID)
	if err != nil {
		return nil, err
	}

	result := tracker.result(finalPosition, trades, eventCount)
	log.Info().
		Int("bars", len(bars)).
		Int("trades", len(trades)).
		Float64("total_return", result.TotalReturn).
		Msg("Simulation complete")
	return result, nil
}

func openSimDB(dir, name string) (*database.DB, error) {
	db, err := database.New(database.Config{
		Path:    filepath.Join(dir, name+".db"),
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open simulation database %s: %w", name, err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate simulation database %s: %w", name, err)
	}
	return db, nil
}

// quoteFromBar synthesises an evaluation quote from one bar.
func quoteFromBar(cfg RunConfig, bar domain.Bar) *domain.MarketQuote {
	price := bar.Close
	switch cfg.BarPrice {
	case "open":
		price = bar.Open
	case "high":
		price = bar.High
	case "low":
		price = bar.Low
	}
	return &domain.MarketQuote{
		Ticker:    cfg.Ticker,
		Price:     price,
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
		Volume:    bar.Volume,
		Session:   domain.SessionRegular,
		Source:    domain.SourceHistorical,
		Policy:    domain.PriceLast,
		Timestamp: bar.Timestamp,
	}
}
