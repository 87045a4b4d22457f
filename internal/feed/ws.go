// Package feed connects to a market data source and pushes quotes into the
// engine.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/execution-engine/internal/metrics"
	"github.com/atmx/execution-engine/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
)

// ErrNoURL is returned by Run when the feed has no endpoint configured.
var ErrNoURL = errors.New("feed: no url configured")

// Handler receives each decoded quote. engine.OnMarketData fits once its
// results are discarded.
type Handler func(ctx context.Context, md model.MarketData) error

// Config describes the quote source.
type Config struct {
	URL     string
	Symbols []string
	// ReconnectDelay is the first backoff after a disconnect. It doubles up
	// to MaxReconnectDelay and resets after a connection delivers a quote.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// subscribeMsg is sent once per connection.
type subscribeMsg struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// quoteMsg is one inbound frame. Frames with a type other than "quote" (or
// no type and no symbol) are ignored.
type quoteMsg struct {
	Type string `json:"type"`
	model.MarketData
}

// WSFeed reads JSON quotes from a websocket and reconnects with backoff.
type WSFeed struct {
	cfg    Config
	handle Handler
	logger *slog.Logger
	dialer websocket.Dialer
}

// NewWSFeed creates a feed that calls handle for every quote.
func NewWSFeed(cfg Config, handle Handler, logger *slog.Logger) *WSFeed {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = 60 * time.Second
	}
	return &WSFeed{
		cfg:    cfg,
		handle: handle,
		logger: logger.With(slog.String("component", "feed")),
		dialer: websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

// Run connects, subscribes and dispatches quotes until ctx is done.
func (f *WSFeed) Run(ctx context.Context) error {
	if f.cfg.URL == "" {
		return ErrNoURL
	}
	delay := f.cfg.ReconnectDelay
	for {
		delivered, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			delay = f.cfg.ReconnectDelay
		}
		metrics.FeedReconnects.Inc()
		f.logger.Warn("feed disconnected, reconnecting", "url", f.cfg.URL, "delay", delay, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// runConnection serves one connection. It reports whether any quote was
// delivered before the connection ended.
func (f *WSFeed) runConnection(ctx context.Context) (bool, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("feed: dial: %w", err)
	}
	defer conn.Close()

	if len(f.cfg.Symbols) > 0 {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(subscribeMsg{Action: "subscribe", Symbols: f.cfg.Symbols}); err != nil {
			return false, fmt.Errorf("feed: subscribe: %w", err)
		}
	}
	f.logger.Info("feed connected", "url", f.cfg.URL, "symbols", len(f.cfg.Symbols))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// Unblocks ReadMessage.
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	delivered := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return delivered, fmt.Errorf("feed: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if f.dispatch(ctx, data) {
			delivered = true
		}
	}
}

func (f *WSFeed) dispatch(ctx context.Context, data []byte) bool {
	var msg quoteMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.FeedMessages.WithLabelValues("rejected").Inc()
		f.logger.Warn("undecodable feed message", "err", err)
		return false
	}
	if (msg.Type != "" && msg.Type != "quote") || msg.Symbol == "" {
		metrics.FeedMessages.WithLabelValues("ignored").Inc()
		return false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if err := f.handle(ctx, msg.MarketData); err != nil {
		metrics.FeedMessages.WithLabelValues("rejected").Inc()
		f.logger.Warn("quote rejected", "symbol", msg.Symbol, "err", err)
		return false
	}
	metrics.FeedMessages.WithLabelValues("applied").Inc()
	return true
}
