// Package retry re-submits failed orders with exponential backoff.
//
// Pending retries sit in a min-heap keyed by next retry time, so a scan only
// touches entries that are due. Each entry moves Pending → Retrying and ends
// Succeeded or Exhausted; ended entries are dropped.
package retry

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/execution-engine/internal/metrics"
	"github.com/atmx/execution-engine/internal/model"
	"github.com/atmx/execution-engine/internal/safety"
)

// State is the lifecycle of one retried order.
type State string

const (
	StatePending   State = "PENDING"
	StateRetrying  State = "RETRYING"
	StateSucceeded State = "SUCCEEDED"
	StateExhausted State = "EXHAUSTED"
)

// Policy bounds retries.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultPolicy returns 3 attempts starting at 500ms, doubling, capped at 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      10 * time.Second,
	}
}

// Delay returns InitialDelay × BackoffFactor^attempts, capped at MaxDelay.
func (p Policy) Delay(attempts int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempts))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Entry is the retry state of one order.
type Entry struct {
	ID          string             `json:"id"`
	Request     model.OrderRequest `json:"request"`
	Attempts    int                `json:"attempts"`
	LastError   string             `json:"last_error"`
	LastAttempt time.Time          `json:"last_attempt"`
	NextRetry   time.Time          `json:"next_retry"`
	State       State              `json:"state"`

	index int
}

// Submitter executes an order request.
type Submitter interface {
	Execute(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
}

// AlertSink receives the Warning raised when an order exhausts its retries.
type AlertSink interface {
	Send(level model.AlertLevel, message, symbol, orderID string)
}

// Scheduler holds pending retries. Safe for concurrent use.
type Scheduler struct {
	policy Policy
	stop   *safety.EmergencyStop
	sink   AlertSink
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	queue entryHeap
	byID  map[string]*Entry
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler. sink may be nil.
func NewScheduler(policy Policy, stop *safety.EmergencyStop, sink AlertSink, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		policy: policy,
		stop:   stop,
		sink:   sink,
		logger: logger.With(slog.String("component", "retry")),
		now:    time.Now,
		byID:   make(map[string]*Entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule queues req for retry after InitialDelay. It returns the retry id,
// or "" when retries are disabled.
func (s *Scheduler) Schedule(req model.OrderRequest, cause error) string {
	if s.policy.MaxAttempts <= 0 {
		return ""
	}
	now := s.now()
	e := &Entry{
		ID:          uuid.New().String(),
		Request:     req,
		LastError:   errString(cause),
		LastAttempt: now,
		NextRetry:   now.Add(s.policy.InitialDelay),
		State:       StatePending,
	}

	s.mu.Lock()
	heap.Push(&s.queue, e)
	s.byID[e.ID] = e
	n := len(s.byID)
	s.mu.Unlock()

	metrics.PendingRetries.Set(float64(n))
	s.logger.Info("scheduled retry", "retry_id", e.ID, "symbol", req.Symbol, "next_retry", e.NextRetry, "err", cause)
	return e.ID
}

// ScanOnce retries every entry due now. It does nothing while the emergency
// stop is set. Returns the number of attempts made.
func (s *Scheduler) ScanOnce(ctx context.Context, submit Submitter) int {
	now := s.now()
	attempts := 0
	for {
		if ctx.Err() != nil || s.stop.Active() {
			return attempts
		}

		s.mu.Lock()
		if s.queue.Len() == 0 || s.queue[0].NextRetry.After(now) {
			s.mu.Unlock()
			return attempts
		}
		e := heap.Pop(&s.queue).(*Entry)
		e.State = StateRetrying
		req := e.Request
		s.mu.Unlock()

		_, err := submit.Execute(ctx, req)
		if !s.finish(e, err) {
			return attempts
		}
		attempts++
	}
}

// finish records the outcome of one attempt. It returns false when the
// attempt was refused by the emergency stop and the scan should end.
func (s *Scheduler) finish(e *Entry, err error) bool {
	now := s.now()

	s.mu.Lock()
	// A stop set between the check and the submit does not use up an attempt.
	if errors.Is(err, model.ErrEmergencyStop) {
		e.State = StatePending
		heap.Push(&s.queue, e)
		s.mu.Unlock()
		return false
	}

	e.Attempts++
	e.LastAttempt = now
	var exhausted bool
	switch {
	case err == nil:
		e.State = StateSucceeded
		delete(s.byID, e.ID)
	case e.Attempts >= s.policy.MaxAttempts:
		e.State = StateExhausted
		e.LastError = err.Error()
		delete(s.byID, e.ID)
		exhausted = true
	default:
		e.State = StatePending
		e.LastError = err.Error()
		e.NextRetry = now.Add(s.policy.Delay(e.Attempts))
		heap.Push(&s.queue, e)
	}
	n := len(s.byID)
	snapshot := *e
	s.mu.Unlock()

	metrics.PendingRetries.Set(float64(n))
	switch {
	case err == nil:
		metrics.RetryAttempts.WithLabelValues("succeeded").Inc()
		s.logger.Info("retry succeeded", "retry_id", snapshot.ID, "attempts", snapshot.Attempts)
	case exhausted:
		metrics.RetryAttempts.WithLabelValues("exhausted").Inc()
		s.logger.Warn("retry limit reached", "retry_id", snapshot.ID, "attempts", snapshot.Attempts, "err", err)
		if s.sink != nil {
			s.sink.Send(model.AlertWarning,
				fmt.Sprintf("Order retry limit reached after %d attempts: %s", snapshot.Attempts, snapshot.LastError),
				snapshot.Request.Symbol, snapshot.ID)
		}
	default:
		metrics.RetryAttempts.WithLabelValues("failed").Inc()
		s.logger.Debug("retry failed", "retry_id", snapshot.ID, "attempt", snapshot.Attempts, "next_retry", snapshot.NextRetry, "err", err)
	}
	return true
}

// Run scans every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, submit Submitter, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.ScanOnce(ctx, submit)
		}
	}
}

// Pending returns copies of the queued entries, soonest first.
func (s *Scheduler) Pending() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.queue))
	for _, e := range s.queue {
		out = append(out, *e)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetry.Before(out[j].NextRetry) })
	return out
}

// Len returns the number of pending retries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// entryHeap is a min-heap on NextRetry.
type entryHeap []*Entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].NextRetry.Before(h[j].NextRetry) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
