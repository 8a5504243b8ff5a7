// Package marketdata implements the market data provider port: a REST
// client for quotes, historical bars and dividend schedules, an optional
// websocket stream for live quotes, and a mock provider for tests and
// simulations.
package marketdata

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/iharari2/volbalance/internal/clientdata"
	"github.com/iharari2/volbalance/internal/domain"
)

// Client talks to the market data API. Responses are cached through the
// client-data repository; when the API fails, a stale cached quote is
// surfaced with its timestamp intact so callers can decide whether it is
// usable.
type Client struct {
	http      *resty.Client
	limiter   *rate.Limiter
	cacheRepo *clientdata.Repository
	stream    *Stream
	log       zerolog.Logger
}

// ClientConfig holds market data client configuration.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	// Timeout bounds each HTTP call. Zero defaults to 5 seconds.
	Timeout time.Duration
	// RequestsPerSecond throttles outbound calls. Zero defaults to 5.
	RequestsPerSecond float64
}

// NewClient creates a market data client. cacheRepo and stream are
// optional; nil disables caching or streaming respectively.
func NewClient(cfg ClientConfig, cacheRepo *clientdata.Repository, stream *Stream, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	if cfg.APIKey != "" {
		httpClient.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &Client{
		http:      httpClient,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		cacheRepo: cacheRepo,
		stream:    stream,
		log:       log.With().Str("client", "marketdata").Logger(),
	}
}

// quoteDTO mirrors the API's quote payload.
type quoteDTO struct {
	Ticker    string  `json:"ticker"`
	Price     float64 `json:"price"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Session   string  `json:"session"`
	Timestamp int64   `json:"timestamp"`
}

// GetLatestQuote implements domain.MarketDataProvider. Stream quotes win
// when fresh; the REST endpoint is the fallback; a stale cached quote is
// the last resort when the API is down.
func (c *Client) GetLatestQuote(ctx context.Context, ticker string) (*domain.MarketQuote, error) {
	if c.stream != nil {
		if q, ok := c.stream.LastQuote(ticker); ok {
			return q, nil
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter interrupted: %w", err)
	}

	var dto quoteDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&dto).
		Get("/v1/quotes/" + ticker)
	if err != nil || resp.IsError() {
		if cached := c.staleQuote(ticker); cached != nil {
			c.log.Warn().
				Str("ticker", ticker).
				Time("as_of", cached.Timestamp).
				Msg("Quote API failed, returning stale cached quote")
			return cached, nil
		}
		if err != nil {
			return nil, fmt.Errorf("quote request failed: %w", err)
		}
		return nil, fmt.Errorf("quote request failed: %s", resp.Status())
	}

	quote := dtoToQuote(&dto)
	if quote.Price <= 0 {
		return nil, fmt.Errorf("quote for %s carries no price", ticker)
	}

	if c.cacheRepo != nil {
		if err := c.cacheRepo.Store("quotes", ticker, quote, clientdata.TTLQuote); err != nil {
			c.log.Debug().Err(err).Str("ticker", ticker).Msg("Failed to cache quote")
		}
	}
	return quote, nil
}

func (c *Client) staleQuote(ticker string) *domain.MarketQuote {
	if c.cacheRepo == nil {
		return nil
	}
	var quote domain.MarketQuote
	ok, err := c.cacheRepo.GetStale("quotes", ticker, &quote)
	if err != nil || !ok {
		return nil
	}
	return &quote
}

func dtoToQuote(dto *quoteDTO) *domain.MarketQuote {
	session := domain.MarketSession(dto.Session)
	switch session {
	case domain.SessionRegular, domain.SessionExtended, domain.SessionClosed:
	default:
		session = domain.SessionRegular
	}
	return &domain.MarketQuote{
		Ticker:    dto.Ticker,
		Price:     dto.Price,
		Bid:       dto.Bid,
		Ask:       dto.Ask,
		Open:      dto.Open,
		High:      dto.High,
		Low:       dto.Low,
		Close:     dto.Close,
		Volume:    dto.Volume,
		Session:   session,
		Source:    domain.SourceLive,
		Policy:    domain.PriceLast,
		Timestamp: time.Unix(dto.Timestamp, 0).UTC(),
	}
}

// barDTO mirrors the API's bar payload.
type barDTO struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// GetHistoricalBars implements domain.MarketDataProvider. Bars come back
// sorted ascending regardless of API ordering.
func (c *Client) GetHistoricalBars(ctx context.Context, ticker string, start, end time.Time, interval time.Duration) ([]domain.Bar, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter interrupted: %w", err)
	}

	var dtos []barDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"start":    fmt.Sprintf("%d", start.Unix()),
			"end":      fmt.Sprintf("%d", end.Unix()),
			"interval": interval.String(),
		}).
		SetResult(&dtos).
		Get("/v1/bars/" + ticker)
	if err != nil {
		return nil, fmt.Errorf("bars request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("bars request failed: %s", resp.Status())
	}

	bars := make([]domain.Bar, 0, len(dtos))
	for _, dto := range dtos {
		bars = append(bars, domain.Bar{
			Timestamp: time.Unix(dto.Timestamp, 0).UTC(),
			Open:      dto.Open,
			High:      dto.High,
			Low:       dto.Low,
			Close:     dto.Close,
			Volume:    dto.Volume,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// dividendDTO mirrors the API's dividend payload.
type dividendDTO struct {
	ID              string  `json:"id"`
	Ticker          string  `json:"ticker"`
	ExDate          int64   `json:"ex_date"`
	PayDate         int64   `json:"pay_date"`
	DPS             float64 `json:"dps"`
	Currency        string  `json:"currency"`
	WithholdingRate float64 `json:"withholding_tax_rate"`
}

// GetDividends implements domain.MarketDataProvider. The schedule is
// cached for a day; a fresh cache hit skips the API entirely.
func (c *Client) GetDividends(ctx context.Context, ticker string, start, end time.Time) ([]domain.Dividend, error) {
	cacheKey := fmt.Sprintf("%s:%d:%d", ticker, start.Unix(), end.Unix())
	if c.cacheRepo != nil {
		var cached []domain.Dividend
		if ok, err := c.cacheRepo.GetIfFresh("dividend_schedules", cacheKey, &cached); err == nil && ok {
			return cached, nil
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter interrupted: %w", err)
	}

	var dtos []dividendDTO
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"start": fmt.Sprintf("%d", start.Unix()),
			"end":   fmt.Sprintf("%d", end.Unix()),
		}).
		SetResult(&dtos).
		Get("/v1/dividends/" + ticker)
	if err != nil {
		return nil, fmt.Errorf("dividends request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("dividends request failed: %s", resp.Status())
	}

	dividends := make([]domain.Dividend, 0, len(dtos))
	for _, dto := range dtos {
		dividends = append(dividends, domain.Dividend{
			ID:              dto.ID,
			Ticker:          dto.Ticker,
			ExDate:          time.Unix(dto.ExDate, 0).UTC(),
			PayDate:         time.Unix(dto.PayDate, 0).UTC(),
			DPS:             dto.DPS,
			Currency:        dto.Currency,
			WithholdingRate: dto.WithholdingRate,
		})
	}
	sort.Slice(dividends, func(i, j int) bool { return dividends[i].ExDate.Before(dividends[j].ExDate) })

	if c.cacheRepo != nil {
		if err := c.cacheRepo.Store("dividend_schedules", cacheKey, dividends, clientdata.TTLDividendSchedule); err != nil {
			c.log.Debug().Err(err).Str("ticker", ticker).Msg("Failed to cache dividend schedule")
		}
	}
	return dividends, nil
}

// Compile-time check that Client implements the provider port.
var _ domain.MarketDataProvider = (*Client)(nil)
