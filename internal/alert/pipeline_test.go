package alert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/atmx/execution-engine/internal/model"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type countingRecorder struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRecorder) RecordCriticalAlert(time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

type chanListener struct {
	got chan model.AlertMessage
	err error
}

func (l *chanListener) Deliver(_ context.Context, msg model.AlertMessage) error {
	l.got <- msg
	return l.err
}

func (l *chanListener) Name() string { return "chan" }

func TestHistoryIsBounded(t *testing.T) {
	p := NewPipeline(Config{HistorySize: 3, ChannelSize: 10}, discard())
	for i := 0; i < 5; i++ {
		p.Send(model.AlertInfo, fmt.Sprintf("m%d", i), "", "")
	}
	h := p.History(0)
	if len(h) != 3 {
		t.Fatalf("history len = %d, want 3", len(h))
	}
	if h[0].Message != "m2" || h[2].Message != "m4" {
		t.Errorf("oldest not evicted first: %v .. %v", h[0].Message, h[2].Message)
	}
	if last := p.History(1); len(last) != 1 || last[0].Message != "m4" {
		t.Errorf("History(1) = %+v", last)
	}
}

func TestCriticalFeedsRecorder(t *testing.T) {
	p := NewPipeline(DefaultConfig(), discard())
	rec := &countingRecorder{}
	p.SetCriticalRecorder(rec)

	p.Send(model.AlertWarning, "w", "BTC", "")
	p.Send(model.AlertCritical, "c1", "", "")
	p.Send(model.AlertError, "e", "", "o-1")
	p.Send(model.AlertCritical, "c2", "", "")

	if rec.calls != 2 {
		t.Errorf("recorder calls = %d, want 2", rec.calls)
	}
}

func TestFullChannelDropsWithoutBlocking(t *testing.T) {
	p := NewPipeline(Config{HistorySize: 100, ChannelSize: 1}, discard())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			p.Send(model.AlertInfo, "x", "", "")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a full channel")
	}
	if len(p.History(0)) != 50 {
		t.Errorf("dropped deliveries must still be kept in history")
	}
}

func TestRunDeliversToListenersAndSubscribers(t *testing.T) {
	p := NewPipeline(DefaultConfig(), discard())
	failing := &chanListener{got: make(chan model.AlertMessage, 1), err: errors.New("webhook down")}
	ok := &chanListener{got: make(chan model.AlertMessage, 1)}
	p.AddListener(failing)
	p.AddListener(ok)
	sub, unsubscribe := p.Subscribe(4)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Send(model.AlertError, "order failed", "ETH", "o-9")

	for _, ch := range []<-chan model.AlertMessage{failing.got, ok.got, sub} {
		select {
		case msg := <-ch:
			if msg.Symbol != "ETH" || msg.OrderID != "o-9" || msg.Level != model.AlertError {
				t.Errorf("unexpected alert %+v", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("alert not delivered")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewPipeline(DefaultConfig(), discard())
	sub, unsubscribe := p.Subscribe(1)
	unsubscribe()
	unsubscribe()
	if _, open := <-sub; open {
		t.Error("channel still open after unsubscribe")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	p := NewPipeline(DefaultConfig(), discard())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
