package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/iharari2/volbalance/internal/domain"
)

const (
	dialTimeout        = 30 * time.Second
	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute

	// streamStaleThreshold is the age beyond which a streamed quote is
	// ignored in favour of the REST endpoint.
	streamStaleThreshold = 30 * time.Second
)

// Stream maintains a websocket subscription for live quotes. Quotes are
// kept in an in-memory cache keyed by ticker; the REST client consults it
// before hitting the HTTP endpoint. The stream reconnects with capped
// exponential backoff and is entirely optional.
type Stream struct {
	url     string
	tickers []string
	log     zerolog.Logger
	clock   domain.Clock

	mu      sync.RWMutex
	conn    *websocket.Conn
	stopped bool

	cacheMu sync.RWMutex
	quotes  map[string]streamQuote

	stopChan chan struct{}
	done     chan struct{}
}

type streamQuote struct {
	quote      domain.MarketQuote
	receivedAt time.Time
}

// NewStream creates a quote stream for the given tickers.
func NewStream(url string, tickers []string, clock domain.Clock, log zerolog.Logger) *Stream {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Stream{
		url:      url,
		tickers:  tickers,
		clock:    clock,
		log:      log.With().Str("component", "quote_stream").Logger(),
		quotes:   make(map[string]streamQuote),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start connects and runs the read loop in the background, reconnecting
// on failure until Stop is called.
func (s *Stream) Start() {
	go s.run()
}

// Stop closes the connection and ends the reconnect loop.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conn := s.conn
	s.mu.Unlock()

	close(s.stopChan)
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	<-s.done
}

// LastQuote returns the streamed quote for a ticker when it is fresh
// enough to trade on.
func (s *Stream) LastQuote(ticker string) (*domain.MarketQuote, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	sq, ok := s.quotes[ticker]
	if !ok || s.clock.Now().Sub(sq.receivedAt) > streamStaleThreshold {
		return nil, false
	}
	q := sq.quote
	return &q, true
}

func (s *Stream) run() {
	defer close(s.done)

	delay := baseReconnectDelay
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		if err := s.connectAndRead(); err != nil {
			s.log.Warn().Err(err).Dur("retry_in", delay).Msg("Quote stream disconnected")
		}

		select {
		case <-s.stopChan:
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (s *Stream) connectAndRead() error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.subscribe(conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return err
	}

	s.log.Info().Int("tickers", len(s.tickers)).Msg("Quote stream connected")

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		s.handleMessage(data)
	}
}

func (s *Stream) subscribe(conn *websocket.Conn) error {
	msg := struct {
		Action  string   `json:"action"`
		Tickers []string `json:"tickers"`
	}{Action: "subscribe", Tickers: s.tickers}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("failed to send subscription: %w", err)
	}
	return nil
}

func (s *Stream) handleMessage(data []byte) {
	var dto quoteDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		s.log.Debug().Err(err).Msg("Ignoring malformed stream message")
		return
	}
	if dto.Ticker == "" || dto.Price <= 0 {
		return
	}

	quote := dtoToQuote(&dto)
	s.cacheMu.Lock()
	s.quotes[dto.Ticker] = streamQuote{quote: *quote, receivedAt: s.clock.Now()}
	s.cacheMu.Unlock()
}
