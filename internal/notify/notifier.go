// Package notify forwards alerts to external chat channels. A Notifier fans
// one alert out to every configured Sender and filters by alert level.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/atmx/execution-engine/internal/model"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier implements alert.Listener.
type Notifier struct {
	senders  []Sender
	levels   map[model.AlertLevel]bool
	minLevel model.AlertLevel
	logger   *slog.Logger
}

// NewNotifier delivers to senders. levels lists the alert levels to forward
// (case-insensitive); an empty list forwards Warning and above.
func NewNotifier(senders []Sender, levels []string, logger *slog.Logger) *Notifier {
	allowed := make(map[model.AlertLevel]bool, len(levels))
	for _, l := range levels {
		l = strings.ToUpper(strings.TrimSpace(l))
		if l != "" {
			allowed[model.AlertLevel(l)] = true
		}
	}
	return &Notifier{
		senders:  senders,
		levels:   allowed,
		minLevel: model.AlertWarning,
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Name identifies the notifier in delivery logs.
func (n *Notifier) Name() string { return "notifier" }

// Enabled reports whether alerts of level are forwarded.
func (n *Notifier) Enabled(level model.AlertLevel) bool {
	if len(n.levels) > 0 {
		return n.levels[level]
	}
	return level.Rank() >= n.minLevel.Rank()
}

// Deliver formats msg and sends it to every sender. One failing sender does
// not stop the others.
func (n *Notifier) Deliver(ctx context.Context, msg model.AlertMessage) error {
	if len(n.senders) == 0 || !n.Enabled(msg.Level) {
		return nil
	}
	title, body := Format(msg)

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, body); err != nil {
			n.logger.ErrorContext(ctx, "sender failed", slog.String("sender", s.Name()), slog.String("err", err.Error()))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent", slog.String("sender", s.Name()), slog.String("alert_id", msg.ID))
	}
	return errors.Join(errs...)
}

// Format renders an alert as a title and a body.
func Format(msg model.AlertMessage) (string, string) {
	title := fmt.Sprintf("[%s] execution engine", msg.Level)
	var b strings.Builder
	b.WriteString(msg.Message)
	if msg.Symbol != "" {
		fmt.Fprintf(&b, "\nsymbol: %s", msg.Symbol)
	}
	if msg.OrderID != "" {
		fmt.Fprintf(&b, "\norder: %s", msg.OrderID)
	}
	fmt.Fprintf(&b, "\nat: %s", msg.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	return title, b.String()
}
