// Package feed streams live prices from the aggregated quote venue over
// WebSocket and writes them through to the price cache, so monitor ticks
// usually hit a fresh cache instead of the venue's HTTP API.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solhedge/exitpilot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// Config holds the price stream parameters.
type Config struct {
	// URL is the quote venue's WebSocket endpoint.
	URL string

	// RefreshInterval is how often the subscription set is re-derived from
	// the open positions.
	RefreshInterval time.Duration
}

// subscribeCommand is the wire format for (un)subscribe requests.
type subscribeCommand struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// priceMessage is the wire format of a streamed quote.
type priceMessage struct {
	Type     string  `json:"type"`
	Symbol   string  `json:"symbol"`
	Chain    string  `json:"chain"`
	Contract string  `json:"contract"`
	PriceUsd float64 `json:"price_usd"`
	Ts       int64   `json:"ts"`
}

// PriceStream maintains a WebSocket subscription covering the symbols of
// open alpha-classified positions and writes every received quote into the
// price cache. It
// reconnects with capped exponential backoff and re-subscribes after each
// reconnect.
type PriceStream struct {
	cfg       Config
	positions domain.PositionStore
	cache     domain.PriceCache
	logger    *slog.Logger

	writeMu    sync.Mutex
	conn       *websocket.Conn
	subscribed map[string]struct{}
}

// NewPriceStream creates a price stream. It does not connect until Run.
func NewPriceStream(cfg Config, positions domain.PositionStore, cache domain.PriceCache, logger *slog.Logger) *PriceStream {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	return &PriceStream{
		cfg:        cfg,
		positions:  positions,
		cache:      cache,
		logger:     logger.With(slog.String("component", "price_stream")),
		subscribed: make(map[string]struct{}),
	}
}

// Run connects and streams until ctx is cancelled. Each connection failure
// triggers a reconnect with exponential backoff; a connection that stayed up
// past the first refresh interval resets the backoff.
func (s *PriceStream) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		start := time.Now()
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(start) > s.cfg.RefreshInterval {
			delay = reconnectDelay
		}
		s.logger.WarnContext(ctx, "price stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// runConnection dials, subscribes, and pumps messages until the connection
// drops or ctx is cancelled.
func (s *PriceStream) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect %s: %w", s.cfg.URL, err)
	}
	defer conn.Close()

	s.writeMu.Lock()
	s.conn = conn
	s.subscribed = make(map[string]struct{})
	s.writeMu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := s.refreshSubscriptions(ctx); err != nil {
		return err
	}

	// Side loops own keep-alive and subscription refresh. Closing the
	// connection on ctx cancellation unblocks ReadMessage below.
	loopDone := make(chan struct{})
	defer close(loopDone)
	go s.pingLoop(loopDone, conn)
	go s.refreshLoop(ctx, loopDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		case <-loopDone:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		s.handleMessage(ctx, raw)
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (s *PriceStream) pingLoop(done <-chan struct{}, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// refreshLoop periodically re-derives the subscription set from open
// positions and sends the diff.
func (s *PriceStream) refreshLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.refreshSubscriptions(ctx); err != nil {
				s.logger.WarnContext(ctx, "subscription refresh failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// wantedSymbols derives the subscription set from open positions. Only
// alpha-classified positions subscribe: the aggregated venue keys quotes by
// bare ticker, and a pool-classified token sharing a ticker with an unrelated
// asset must never have that quote warmed into its cache key.
func wantedSymbols(open []domain.Position) map[string]struct{} {
	wanted := make(map[string]struct{}, len(open))
	for _, p := range open {
		if p.VenueClass != domain.VenueAlpha {
			continue
		}
		wanted[p.TokenSymbol] = struct{}{}
	}
	return wanted
}

// refreshSubscriptions diffs the wanted symbol set against the current
// subscriptions and sends subscribe/unsubscribe commands as needed.
func (s *PriceStream) refreshSubscriptions(ctx context.Context) error {
	open, err := s.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("feed: list open positions: %w", err)
	}
	wanted := wantedSymbols(open)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.conn == nil {
		return nil
	}

	var add, remove []string
	for sym := range wanted {
		if _, ok := s.subscribed[sym]; !ok {
			add = append(add, sym)
		}
	}
	for sym := range s.subscribed {
		if _, ok := wanted[sym]; !ok {
			remove = append(remove, sym)
		}
	}
	sort.Strings(add)
	sort.Strings(remove)

	if len(add) > 0 {
		if err := s.sendCommand(subscribeCommand{Type: "subscribe", Symbols: add}); err != nil {
			return fmt.Errorf("feed: subscribe: %w", err)
		}
		for _, sym := range add {
			s.subscribed[sym] = struct{}{}
		}
	}
	if len(remove) > 0 {
		if err := s.sendCommand(subscribeCommand{Type: "unsubscribe", Symbols: remove}); err != nil {
			return fmt.Errorf("feed: unsubscribe: %w", err)
		}
		for _, sym := range remove {
			delete(s.subscribed, sym)
		}
	}

	if len(add) > 0 || len(remove) > 0 {
		s.logger.InfoContext(ctx, "subscriptions updated",
			slog.Int("added", len(add)),
			slog.Int("removed", len(remove)),
			slog.Int("total", len(s.subscribed)))
	}
	return nil
}

// sendCommand marshals and writes a command. Caller must hold writeMu.
func (s *PriceStream) sendCommand(cmd subscribeCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// handleMessage parses a streamed quote and writes it through to the cache.
// Quotes carrying a contract address are stored under "chain:contract" so
// pool-venue lookups hit the same keys the oracle reads.
func (s *PriceStream) handleMessage(ctx context.Context, raw []byte) {
	var msg priceMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Type != "price" || msg.PriceUsd <= 0 {
		return
	}

	key := msg.Symbol
	if msg.Chain != "" && msg.Contract != "" {
		key = msg.Chain + ":" + msg.Contract
	}

	ts := time.Now()
	if msg.Ts > 0 {
		ts = time.UnixMilli(msg.Ts)
	}

	if err := s.cache.SetPrice(ctx, key, msg.PriceUsd, ts); err != nil {
		s.logger.WarnContext(ctx, "cache write failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return
	}

	// The symbol key keeps symbol-only lookups warm too.
	if key != msg.Symbol && msg.Symbol != "" {
		_ = s.cache.SetPrice(ctx, msg.Symbol, msg.PriceUsd, ts)
	}
}
