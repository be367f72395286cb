package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/trading-core/internal/clock"
)

// Quote is one tick from the feed.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	At     time.Time `json:"at"`
}

// Stream consumes the market data websocket feed and tracks tick
// freshness for the staleness probe.
type Stream struct {
	url string
	clk clock.Clock
	log zerolog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	lastTickSet bool
	lastTick    time.Duration

	quotes chan Quote
}

// NewStream creates a stream. It does not connect; call
// EnsureConnected or Run.
func NewStream(url string, clk clock.Clock, log zerolog.Logger) *Stream {
	return &Stream{
		url:    url,
		clk:    clk,
		log:    log.With().Str("component", "marketdata").Logger(),
		quotes: make(chan Quote, 256),
	}
}

// C returns the quote channel. Slow consumers lose ticks; the channel
// never blocks the read loop.
func (s *Stream) C() <-chan Quote { return s.quotes }

// LastTickMono returns the monotonic time of the most recent tick, or
// zero when no tick has been seen yet.
func (s *Stream) LastTickMono() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastTickSet {
		return 0
	}
	return s.lastTick
}

// EnsureConnected dials the feed if not already connected.
func (s *Stream) EnsureConnected(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial market data feed: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.log.Info().Str("url", s.url).Msg("Market data feed connected")
	return nil
}

// Run reads ticks until the context is cancelled or the connection
// drops. The caller owns reconnection policy.
func (s *Stream) Run(ctx context.Context) error {
	if err := s.EnsureConnected(ctx); err != nil {
		return err
	}

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("market data feed not connected")
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			s.dropConn()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("market data read failed: %w", err)
		}

		var q Quote
		if err := json.Unmarshal(data, &q); err != nil {
			s.log.Warn().Err(err).Msg("Skipping malformed tick")
			continue
		}

		s.mu.Lock()
		s.lastTick = s.clk.Mono()
		s.lastTickSet = true
		s.mu.Unlock()

		select {
		case s.quotes <- q:
		default:
			// Consumer behind; freshness already recorded.
		}
	}
}

func (s *Stream) dropConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "closing")
		s.conn = nil
	}
}

// Close terminates the connection.
func (s *Stream) Close() {
	s.dropConn()
}
