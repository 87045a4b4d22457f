package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/execution-engine/internal/model"
)

// MemoryStore implements Store with slices. Nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	trades   []model.TradeLogEntry
	tradeIDs map[string]struct{}
	orders   []model.OrderResult
	orderIDs map[string]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tradeIDs: make(map[string]struct{}),
		orderIDs: make(map[string]struct{}),
	}
}

func (s *MemoryStore) AppendTrade(_ context.Context, t *model.TradeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tradeIDs[t.ID]; ok {
		return fmt.Errorf("%w: trade %s", ErrDuplicate, t.ID)
	}
	entry := *t
	if t.PnL != nil {
		pnl := *t.PnL
		entry.PnL = &pnl
	}
	s.tradeIDs[t.ID] = struct{}{}
	s.trades = append(s.trades, entry)
	return nil
}

func (s *MemoryStore) Trades(_ context.Context, symbol string) ([]model.TradeLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.TradeLogEntry, 0, len(s.trades))
	for _, t := range s.trades {
		if symbol == "" || t.Symbol == symbol {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendOrder(_ context.Context, o *model.OrderResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orderIDs[o.OrderID]; ok {
		return fmt.Errorf("%w: order %s", ErrDuplicate, o.OrderID)
	}
	s.orderIDs[o.OrderID] = struct{}{}
	s.orders = append(s.orders, *o)
	return nil
}

func (s *MemoryStore) Orders(_ context.Context) ([]model.OrderResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.OrderResult, len(s.orders))
	copy(out, s.orders)
	return out, nil
}
