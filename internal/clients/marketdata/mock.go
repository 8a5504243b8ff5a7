package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/iharari2/volbalance/internal/domain"
)

// MockProvider serves scripted quotes, bars and dividends. Responses are
// stamped with the mock source, which the live orchestrator rejects; the
// mock is for tests only.
type MockProvider struct {
	Quotes    map[string][]domain.MarketQuote
	Bars      map[string][]domain.Bar
	Dividends map[string][]domain.Dividend

	// Err, when set, fails every call. Simulates provider outages.
	Err error

	cursor map[string]int
}

// NewMockProvider creates an empty mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Quotes:    make(map[string][]domain.MarketQuote),
		Bars:      make(map[string][]domain.Bar),
		Dividends: make(map[string][]domain.Dividend),
		cursor:    make(map[string]int),
	}
}

// PushQuote appends a scripted quote for a ticker.
func (m *MockProvider) PushQuote(q domain.MarketQuote) {
	q.Source = domain.SourceMock
	m.Quotes[q.Ticker] = append(m.Quotes[q.Ticker], q)
}

// GetLatestQuote returns the next scripted quote, sticking to the last
// one once the script runs out.
func (m *MockProvider) GetLatestQuote(_ context.Context, ticker string) (*domain.MarketQuote, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	quotes := m.Quotes[ticker]
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no scripted quotes for %s", ticker)
	}
	i := m.cursor[ticker]
	if i >= len(quotes) {
		i = len(quotes) - 1
	} else {
		m.cursor[ticker] = i + 1
	}
	q := quotes[i]
	return &q, nil
}

// GetHistoricalBars returns the scripted bars inside [start, end).
func (m *MockProvider) GetHistoricalBars(_ context.Context, ticker string, start, end time.Time, _ time.Duration) ([]domain.Bar, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	var out []domain.Bar
	for _, b := range m.Bars[ticker] {
		if !b.Timestamp.Before(start) && b.Timestamp.Before(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

// GetDividends returns scripted dividends with ex-dates inside [start, end).
func (m *MockProvider) GetDividends(_ context.Context, ticker string, start, end time.Time) ([]domain.Dividend, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	var out []domain.Dividend
	for _, d := range m.Dividends[ticker] {
		if !d.ExDate.Before(start) && d.ExDate.Before(end) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Compile-time check that MockProvider implements the provider port.
var _ domain.MarketDataProvider = (*MockProvider)(nil)
