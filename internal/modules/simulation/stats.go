package simulation

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/iharari2/volbalance/internal/domain"
	"github.com/iharari2/volbalance/internal/modules/orders"
	"github.com/iharari2/volbalance/internal/modules/positions"
)

// tradingDaysPerYear annualizes daily return volatility.
const tradingDaysPerYear = 252

// DailyPoint is one day of the equity curve.
type DailyPoint struct {
	Date string
	// Value is cash + receivable + quantity at the day's last price.
	Value float64
	// Benchmark is the buy-and-hold value on the same schedule.
	Benchmark float64
}

// Result summarises a simulation run.
type Result struct {
	InitialCash float64
	FinalValue  float64
	FinalQty    float64
	FinalCash   float64

	TotalReturn     float64
	BenchmarkReturn float64

	// AnnualizedVolatility is the standard deviation of daily returns
	// scaled to a trading year.
	AnnualizedVolatility float64
	MaxDrawdown          float64

	TotalCommission float64
	TotalDividends  float64

	Trades     []orders.Trade
	Daily      []DailyPoint
	EventCount int64
}

// tracker accumulates the equity curve as bars replay.
type tracker struct {
	initialValue float64
	// benchmarkShares is the buy-and-hold holding bought at the first
	// bar with the same starting capital.
	benchmarkShares float64

	lastValue     float64
	lastBenchmark float64
	daily         []DailyPoint
}

func newTracker(cfg RunConfig, first domain.Bar) *tracker {
	firstPrice := first.Close
	switch cfg.BarPrice {
	case "open":
		firstPrice = first.Open
	case "high":
		firstPrice = first.High
	case "low":
		firstPrice = first.Low
	}

	initial := cfg.InitialCash + cfg.StartQty*firstPrice
	t := &tracker{initialValue: initial}
	if firstPrice > 0 {
		t.benchmarkShares = initial / firstPrice
	}
	return t
}

// observe records the position value at the current bar.
func (t *tracker) observe(p *positions.Position, price float64) {
	t.lastValue = p.Cash + p.DividendReceivable + p.Qty*price
	t.lastBenchmark = t.benchmarkShares * price
}

// closeDay seals one day of the equity curve.
func (t *tracker) closeDay(day string) {
	if day == "" {
		return
	}
	t.daily = append(t.daily, DailyPoint{
		Date:      day,
		Value:     t.lastValue,
		Benchmark: t.lastBenchmark,
	})
}

// result computes the final statistics.
func (t *tracker) result(final *positions.Position, trades []orders.Trade, eventCount int64) *Result {
	res := &Result{
		InitialCash:     t.initialValue,
		FinalValue:      t.lastValue,
		FinalQty:        final.Qty,
		FinalCash:       final.Cash,
		TotalCommission: final.TotalCommissionPaid,
		TotalDividends:  final.TotalDividendsReceived,
		Trades:          trades,
		Daily:           t.daily,
		EventCount:      eventCount,
	}

	if t.initialValue > 0 {
		res.TotalReturn = t.lastValue/t.initialValue - 1
		res.BenchmarkReturn = t.lastBenchmark/t.initialValue - 1
	}

	returns := dailyReturns(t.daily)
	if len(returns) > 1 {
		res.AnnualizedVolatility = stat.StdDev(returns, nil) * math.Sqrt(tradingDaysPerYear)
	}
	res.MaxDrawdown = maxDrawdown(t.daily)

	return res
}

// dailyReturns converts the equity curve into simple daily returns.
func dailyReturns(daily []DailyPoint) []float64 {
	var out []float64
	for i := 1; i < len(daily); i++ {
		prev := daily[i-1].Value
		if prev <= 0 {
			continue
		}
		out = append(out, daily[i].Value/prev-1)
	}
	return out
}

// maxDrawdown returns the deepest peak-to-trough loss as a positive
// fraction.
func maxDrawdown(daily []DailyPoint) float64 {
	var peak, worst float64
	for _, p := range daily {
		if p.Value > peak {
			peak = p.Value
		}
		if peak > 0 {
			dd := 1 - p.Value/peak
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
