package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/execution-engine/internal/model"
)

// RedisMirror publishes quotes into Redis hashes so other processes (and a
// restarted engine) can read the last known book top.
//
// Key schema:
//
//	quote:{symbol} - hash with price, bid, ask, volume, ts (unix nanos)
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisMirror creates a mirror. Quotes expire after ttl; zero keeps them.
func NewRedisMirror(rdb *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{rdb: rdb, ttl: ttl}
}

func quoteKey(symbol string) string { return "quote:" + symbol }

// PublishQuote writes md as one hash in a transaction.
func (m *RedisMirror) PublishQuote(ctx context.Context, md model.MarketData) error {
	key := quoteKey(md.Symbol)
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"price", md.Price.String(),
		"bid", md.Bid.String(),
		"ask", md.Ask.String(),
		"volume", md.Volume.String(),
		"ts", strconv.FormatInt(md.Timestamp.UnixNano(), 10),
	)
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish quote %s: %w", md.Symbol, err)
	}
	return nil
}

// Quote reads a mirrored quote back.
func (m *RedisMirror) Quote(ctx context.Context, symbol string) (model.MarketData, error) {
	vals, err := m.rdb.HGetAll(ctx, quoteKey(symbol)).Result()
	if err != nil {
		return model.MarketData{}, fmt.Errorf("redis: get quote %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return model.MarketData{}, fmt.Errorf("%w: %s", model.ErrMarketDataNotAvailable, symbol)
	}

	md := model.MarketData{Symbol: symbol}
	md.Price, _ = decimal.NewFromString(vals["price"])
	md.Bid, _ = decimal.NewFromString(vals["bid"])
	md.Ask, _ = decimal.NewFromString(vals["ask"])
	md.Volume, _ = decimal.NewFromString(vals["volume"])
	if ts, err := strconv.ParseInt(vals["ts"], 10, 64); err == nil {
		md.Timestamp = time.Unix(0, ts).UTC()
	}
	return md, nil
}
