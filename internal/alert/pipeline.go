// Package alert routes engine events by severity. Every alert is logged and
// kept in a bounded history; critical alerts also feed the circuit breaker;
// delivery to listeners happens on a separate task and never blocks the
// sender.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/execution-engine/internal/metrics"
	"github.com/atmx/execution-engine/internal/model"
)

// CriticalRecorder is told about every Critical alert. The circuit breaker
// implements it.
type CriticalRecorder interface {
	RecordCriticalAlert(at time.Time) error
}

// Listener receives alerts from the dispatch task.
type Listener interface {
	Deliver(ctx context.Context, msg model.AlertMessage) error
	Name() string
}

// Config sizes the history and the outbound channel.
type Config struct {
	HistorySize     int
	ChannelSize     int
	DeliveryTimeout time.Duration
}

// DefaultConfig keeps 1000 alerts and buffers 256 for delivery.
func DefaultConfig() Config {
	return Config{HistorySize: 1000, ChannelSize: 256, DeliveryTimeout: 10 * time.Second}
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	out    chan model.AlertMessage

	mu          sync.Mutex
	recorder    CriticalRecorder
	history     []model.AlertMessage
	listeners   []Listener
	subscribers map[int]chan model.AlertMessage
	nextSub     int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline. Call Run to start delivery.
func NewPipeline(cfg Config, logger *slog.Logger, opts ...Option) *Pipeline {
	if cfg.ChannelSize < 0 {
		cfg.ChannelSize = 0
	}
	p := &Pipeline{
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "alerts")),
		now:         time.Now,
		out:         make(chan model.AlertMessage, cfg.ChannelSize),
		subscribers: make(map[int]chan model.AlertMessage),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetCriticalRecorder wires the circuit breaker.
func (p *Pipeline) SetCriticalRecorder(r CriticalRecorder) {
	p.mu.Lock()
	p.recorder = r
	p.mu.Unlock()
}

// AddListener registers an external listener.
func (p *Pipeline) AddListener(l Listener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}

// Send raises an alert. symbol and orderID may be empty.
func (p *Pipeline) Send(level model.AlertLevel, message, symbol, orderID string) {
	p.Publish(model.AlertMessage{
		ID:        uuid.New().String(),
		Level:     level,
		Message:   message,
		Symbol:    symbol,
		OrderID:   orderID,
		Timestamp: p.now(),
	})
}

// Publish raises a prepared alert.
func (p *Pipeline) Publish(msg model.AlertMessage) {
	p.log(msg)
	metrics.AlertsTotal.WithLabelValues(string(msg.Level)).Inc()

	p.mu.Lock()
	p.history = append(p.history, msg)
	if limit := p.cfg.HistorySize; limit > 0 && len(p.history) > limit {
		p.history = p.history[len(p.history)-limit:]
	}
	recorder := p.recorder
	p.mu.Unlock()

	if msg.Level == model.AlertCritical && recorder != nil {
		if err := recorder.RecordCriticalAlert(msg.Timestamp); err != nil {
			p.logger.Debug("critical alert tripped breaker", "err", err)
		}
	}

	select {
	case p.out <- msg:
	default:
		metrics.AlertsDropped.Inc()
		p.logger.Warn("alert delivery dropped, channel full", "alert_id", msg.ID, "level", msg.Level)
	}
}

func (p *Pipeline) log(msg model.AlertMessage) {
	attrs := []any{"level_name", msg.Level, "message", msg.Message}
	if msg.Symbol != "" {
		attrs = append(attrs, "symbol", msg.Symbol)
	}
	if msg.OrderID != "" {
		attrs = append(attrs, "order_id", msg.OrderID)
	}
	switch msg.Level {
	case model.AlertInfo:
		p.logger.Info("alert", attrs...)
	case model.AlertWarning:
		p.logger.Warn("alert", attrs...)
	default:
		p.logger.Error("alert", attrs...)
	}
}

// History returns up to limit of the most recent alerts, oldest first.
// A limit ≤ 0 returns the whole history.
func (p *Pipeline) History(limit int) []model.AlertMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]model.AlertMessage, len(h))
	copy(out, h)
	return out
}

// Subscribe returns a channel that receives alerts from the dispatch task
// and a func that unsubscribes. A subscriber that falls behind misses alerts.
func (p *Pipeline) Subscribe(buffer int) (<-chan model.AlertMessage, func()) {
	ch := make(chan model.AlertMessage, buffer)
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subscribers[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subscribers, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

// Run delivers queued alerts until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-p.out:
			p.dispatch(ctx, msg)
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, msg model.AlertMessage) {
	p.mu.Lock()
	listeners := append([]Listener(nil), p.listeners...)
	for _, ch := range p.subscribers {
		select {
		case ch <- msg:
		default:
			metrics.AlertsDropped.Inc()
		}
	}
	p.mu.Unlock()

	for _, l := range listeners {
		dctx := ctx
		var cancel context.CancelFunc
		if p.cfg.DeliveryTimeout > 0 {
			dctx, cancel = context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
		}
		if err := l.Deliver(dctx, msg); err != nil {
			p.logger.Error("alert delivery failed", "listener", l.Name(), "alert_id", msg.ID, "err", err)
		}
		if cancel != nil {
			cancel()
		}
	}
}
