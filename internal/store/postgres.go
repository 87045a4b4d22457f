package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/execution-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store on PostgreSQL. Money columns are NUMERIC
// and travel as text so no precision is lost on either side.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendTrade(ctx context.Context, t *model.TradeLogEntry) error {
	var pnl *string
	if t.PnL != nil {
		v := t.PnL.String()
		pnl = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_log (id, symbol, side, quantity, price, timestamp, fees, order_type, order_id, pnl)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, $10::NUMERIC)`,
		t.ID, t.Symbol, t.Side,
		t.Quantity.String(), t.Price.String(),
		t.Timestamp, t.Fees.String(),
		t.OrderType, t.OrderID, pnl,
	)
	if err != nil {
		return fmt.Errorf("store: append trade %s: %w", t.ID, wrapUnique(err))
	}
	return nil
}

func (s *PostgresStore) Trades(ctx context.Context, symbol string) ([]model.TradeLogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, side, quantity::TEXT, price::TEXT, timestamp,
		        fees::TEXT, order_type, order_id, pnl::TEXT
		 FROM trade_log
		 WHERE $1 = '' OR symbol = $1
		 ORDER BY timestamp, id`, symbol)
	if err != nil {
		return nil, fmt.Errorf("store: query trades: %w", err)
	}
	defer rows.Close()

	var trades []model.TradeLogEntry
	for rows.Next() {
		var t model.TradeLogEntry
		var qtyS, priceS, feesS string
		var pnlS *string
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &qtyS, &priceS, &t.Timestamp,
			&feesS, &t.OrderType, &t.OrderID, &pnlS); err != nil {
			return nil, fmt.Errorf("store: scan trade: %w", err)
		}
		t.Quantity, _ = decimal.NewFromString(qtyS)
		t.Price, _ = decimal.NewFromString(priceS)
		t.Fees, _ = decimal.NewFromString(feesS)
		if pnlS != nil {
			pnl, _ := decimal.NewFromString(*pnlS)
			t.PnL = &pnl
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) AppendOrder(ctx context.Context, o *model.OrderResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO order_history (order_id, client_order_id, symbol, side, type, quantity,
		                            filled_quantity, average_price, fees, status, error, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		o.OrderID, o.ClientOrderID, o.Symbol, o.Side, o.Type,
		o.Quantity.String(), o.FilledQuantity.String(), o.AveragePrice.String(), o.Fees.String(),
		o.Status, o.Error, o.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("store: append order %s: %w", o.OrderID, wrapUnique(err))
	}
	return nil
}

func (s *PostgresStore) Orders(ctx context.Context) ([]model.OrderResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT order_id, client_order_id, symbol, side, type, quantity::TEXT,
		        filled_quantity::TEXT, average_price::TEXT, fees::TEXT, status, error, timestamp
		 FROM order_history ORDER BY timestamp, order_id`)
	if err != nil {
		return nil, fmt.Errorf("store: query orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows pgx.Rows) ([]model.OrderResult, error) {
	var orders []model.OrderResult
	for rows.Next() {
		var o model.OrderResult
		var qtyS, filledS, avgS, feesS string
		if err := rows.Scan(&o.OrderID, &o.ClientOrderID, &o.Symbol, &o.Side, &o.Type, &qtyS,
			&filledS, &avgS, &feesS, &o.Status, &o.Error, &o.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan order: %w", err)
		}
		o.Quantity, _ = decimal.NewFromString(qtyS)
		o.FilledQuantity, _ = decimal.NewFromString(filledS)
		o.AveragePrice, _ = decimal.NewFromString(avgS)
		o.Fees, _ = decimal.NewFromString(feesS)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// wrapUnique maps a unique-violation to ErrDuplicate.
func wrapUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.Detail)
	}
	return err
}
