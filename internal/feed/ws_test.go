package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/execution-engine/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// quoteServer accepts a subscription, writes frames and then closes the
// connection.
func quoteServer(t *testing.T, frames []string, subs chan<- subscribeMsg) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		select {
		case subs <- sub:
		default:
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Give the client time to read before the close.
		time.Sleep(50 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRunDeliversQuotes(t *testing.T) {
	frames := []string{
		`{"type":"heartbeat"}`,
		`{"type":"quote","symbol":"BTC","price":"50000","bid":"49990","ask":"50010","volume":"12.5","timestamp":"2026-03-01T12:00:00Z"}`,
		`not json`,
		`{"symbol":"ETH","price":3000,"bid":2999,"ask":3001,"volume":100}`,
	}
	subs := make(chan subscribeMsg, 1)
	srv := quoteServer(t, frames, subs)

	got := make(chan model.MarketData, 4)
	f := NewWSFeed(Config{URL: wsURL(srv), Symbols: []string{"BTC", "ETH"}, ReconnectDelay: time.Hour}, func(_ context.Context, md model.MarketData) error {
		got <- md
		return nil
	}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.Run(ctx) }()

	select {
	case sub := <-subs:
		if sub.Action != "subscribe" || len(sub.Symbols) != 2 {
			t.Errorf("subscription = %+v", sub)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	var quotes []model.MarketData
	for len(quotes) < 2 {
		select {
		case md := <-got:
			quotes = append(quotes, md)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d quotes, want 2", len(quotes))
		}
	}
	if quotes[0].Symbol != "BTC" || quotes[0].Ask.String() != "50010" {
		t.Errorf("first quote = %+v", quotes[0])
	}
	if quotes[1].Symbol != "ETH" || quotes[1].Timestamp.IsZero() {
		t.Errorf("second quote should default its timestamp: %+v", quotes[1])
	}

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestRunReconnects(t *testing.T) {
	frames := []string{`{"symbol":"BTC","price":"100","bid":"99","ask":"101"}`}
	srv := quoteServer(t, frames, make(chan subscribeMsg, 1))

	var n atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := NewWSFeed(Config{URL: wsURL(srv), Symbols: []string{"BTC"}, ReconnectDelay: 10 * time.Millisecond}, func(context.Context, model.MarketData) error {
		if n.Add(1) == 2 {
			cancel()
		}
		return nil
	}, discard())

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("feed did not reconnect")
	}
	if n.Load() < 2 {
		t.Errorf("quotes across connections = %d, want 2", n.Load())
	}
}

func TestRunWithoutURL(t *testing.T) {
	f := NewWSFeed(Config{}, nil, discard())
	if err := f.Run(context.Background()); !errors.Is(err, ErrNoURL) {
		t.Errorf("expected ErrNoURL, got %v", err)
	}
}
