package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iharari2/volbalance/internal/clients/marketdata"
	"github.com/iharari2/volbalance/internal/domain"
)

// oscillatingBars builds a daily price path that repeatedly crosses the
// 3% trigger thresholds around 100.
func oscillatingBars(days int) []domain.Bar {
	prices := []float64{100, 96, 100, 104, 99, 103, 97, 101}
	start := time.Date(2024, 1, 2, 21, 0, 0, 0, time.UTC)

	var bars []domain.Bar
	for i := 0; i < days; i++ {
		p := prices[i%len(prices)]
		bars = append(bars, domain.Bar{
			Timestamp: start.AddDate(0, 0, i),
			Open:      p * 0.995,
			High:      p * 1.01,
			Low:       p * 0.99,
			Close:     p,
			Volume:    1_000_000,
		})
	}
	return bars
}

func testRunConfig() RunConfig {
	return RunConfig{
		Ticker:      "ACME",
		Start:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Interval:    24 * time.Hour,
		InitialCash: 10000,
		Trigger:     domain.TriggerConfig{UpThresholdPct: 0.03, DownThresholdPct: 0.03},
		Guardrails: domain.GuardrailConfig{
			MinStockPct:     0.0,
			MaxStockPct:     1.0,
			MaxTradePct:     1.0,
			MaxOrdersPerDay: 5,
			QtyStep:         0.0001,
		},
		Policy: domain.OrderPolicy{
			RebalanceRatio: 1.6667,
			CommissionRate: 0.0001,
			SizingStrategy: domain.SizingProportional,
			PricePolicy:    domain.PriceLast,
			AutoArmAnchor:  true,
		},
	}
}

func newTestProvider(days int, withDividend bool) *marketdata.MockProvider {
	provider := marketdata.NewMockProvider()
	provider.Bars["ACME"] = oscillatingBars(days)
	if withDividend {
		provider.Dividends["ACME"] = []domain.Dividend{{
			ID:              "div-1",
			Ticker:          "ACME",
			ExDate:          time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
			PayDate:         time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC),
			DPS:             1,
			Currency:        "USD",
			WithholdingRate: 0.25,
		}}
	}
	return provider
}

func TestRunExecutesTrades(t *testing.T) {
	runner := NewRunner(newTestProvider(30, false), t.TempDir(), zerolog.Nop())

	result, err := runner.Run(context.Background(), testRunConfig())
	require.NoError(t, err)

	assert.NotEmpty(t, result.Trades)
	assert.Greater(t, result.EventCount, int64(0))
	assert.NotEmpty(t, result.Daily)
	assert.Greater(t, result.FinalValue, 0.0)
	assert.Greater(t, result.TotalCommission, 0.0)
	// Equity never goes negative and drawdown is a sane fraction.
	assert.GreaterOrEqual(t, result.MaxDrawdown, 0.0)
	assert.Less(t, result.MaxDrawdown, 1.0)
}

func TestRunIsDeterministic(t *testing.T) {
	cfg := testRunConfig()
	cfg.WithDividends = true

	first, err := NewRunner(newTestProvider(40, true), t.TempDir(), zerolog.Nop()).Run(context.Background(), cfg)
	require.NoError(t, err)
	second, err := NewRunner(newTestProvider(40, true), t.TempDir(), zerolog.Nop()).Run(context.Background(), cfg)
	require.NoError(t, err)

	require.Equal(t, len(first.Trades), len(second.Trades))
	for i := range first.Trades {
		assert.Equal(t, first.Trades[i].TradeID, second.Trades[i].TradeID)
		assert.Equal(t, first.Trades[i].OrderID, second.Trades[i].OrderID)
		assert.Equal(t, first.Trades[i].Side, second.Trades[i].Side)
		assert.Equal(t, first.Trades[i].Qty, second.Trades[i].Qty)
		assert.Equal(t, first.Trades[i].Price, second.Trades[i].Price)
		assert.Equal(t, first.Trades[i].ExecutedAt, second.Trades[i].ExecutedAt)
	}
	assert.Equal(t, first.EventCount, second.EventCount)
	assert.Equal(t, first.FinalValue, second.FinalValue)
	assert.Equal(t, first.TotalReturn, second.TotalReturn)
}

func TestRunDividendsFlowThroughCell(t *testing.T) {
	cfg := testRunConfig()
	cfg.WithDividends = true

	result, err := NewRunner(newTestProvider(40, true), t.TempDir(), zerolog.Nop()).Run(context.Background(), cfg)
	require.NoError(t, err)

	// The position held shares across the ex-date, so net dividends
	// landed in cash by the pay date.
	assert.Greater(t, result.TotalDividends, 0.0)
}

func TestRunBenchmarkTracksBuyAndHold(t *testing.T) {
	// A flat price path: the strategy never trades and both curves sit
	// at the initial value.
	provider := marketdata.NewMockProvider()
	start := time.Date(2024, 1, 2, 21, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		provider.Bars["ACME"] = append(provider.Bars["ACME"], domain.Bar{
			Timestamp: start.AddDate(0, 0, i),
			Open:      100, High: 100, Low: 100, Close: 100,
			Volume: 1000,
		})
	}

	result, err := NewRunner(provider, t.TempDir(), zerolog.Nop()).Run(context.Background(), testRunConfig())
	require.NoError(t, err)

	assert.Empty(t, result.Trades)
	assert.InDelta(t, 0, result.TotalReturn, 1e-9)
	assert.InDelta(t, 0, result.BenchmarkReturn, 1e-9)
	assert.InDelta(t, 0, result.AnnualizedVolatility, 1e-9)
}

func TestRunValidatesConfig(t *testing.T) {
	runner := NewRunner(marketdata.NewMockProvider(), t.TempDir(), zerolog.Nop())

	cfg := testRunConfig()
	cfg.Ticker = ""
	_, err := runner.Run(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testRunConfig()
	cfg.End = cfg.Start
	_, err = runner.Run(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testRunConfig()
	cfg.BarPrice = "vwap"
	_, err = runner.Run(context.Background(), cfg)
	assert.Error(t, err)
}
