package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/execution-engine/internal/model"
)

// CachedStore puts a Redis read-through cache in front of a primary Store.
// Trade reads are cached per symbol; appends invalidate the affected keys.
// Redis failures fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCachedStore wraps primary.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		logger:  logger.With(slog.String("component", "store_cache")),
	}
}

func (s *CachedStore) AppendTrade(ctx context.Context, t *model.TradeLogEntry) error {
	if err := s.primary.AppendTrade(ctx, t); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, tradesKey(t.Symbol), tradesKey("")).Err(); err != nil {
		s.logger.Warn("trade cache invalidation failed", "symbol", t.Symbol, "err", err)
	}
	return nil
}

func (s *CachedStore) Trades(ctx context.Context, symbol string) ([]model.TradeLogEntry, error) {
	key := tradesKey(symbol)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var trades []model.TradeLogEntry
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	trades, err := s.primary.Trades(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return trades, nil
}

func (s *CachedStore) AppendOrder(ctx context.Context, o *model.OrderResult) error {
	return s.primary.AppendOrder(ctx, o)
}

func (s *CachedStore) Orders(ctx context.Context) ([]model.OrderResult, error) {
	return s.primary.Orders(ctx)
}

func tradesKey(symbol string) string {
	if symbol == "" {
		return "trades:all"
	}
	return "trades:" + symbol
}
