package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathanyu/trading-venue/internal/domain"
)

var dbTracer = otel.Tracer("postgres")

// ErrDuplicateOrder is returned by CreateOrder when an order with the same
// id already exists. Creation is idempotent: callers treat this as a
// redelivered message, not a failure.
var ErrDuplicateOrder = errors.New("order already exists")

// ErrOrderNotFound is returned when an order id has no row.
var ErrOrderNotFound = errors.New("order not found")

const orderColumns = `id, user_id, trading_pair, side, price, quantity, filled_quantity, status, created_at, updated_at`

// Postgres is the relational order store. It exclusively owns persisted
// Order and Trade state.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store backed by the given database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return NewPostgres(db), nil
}

// Close closes the underlying database handle.
func (s *Postgres) Close() error {
	return s.db.Close()
}

// CreateOrder inserts a new order row. A uniqueness violation on the id
// maps to ErrDuplicateOrder so redeliveries are distinguishable from real
// failures.
func (s *Postgres) CreateOrder(ctx context.Context, order *domain.Order) error {
	ctx, span := dbTracer.Start(ctx, "postgres.create_order",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", "INSERT"),
			attribute.String("db.sql.table", "orders"),
			attribute.String("order_id", order.ID),
		))
	defer span.End()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO orders (id, user_id, trading_pair, side, price, quantity, filled_quantity, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, order.ID, order.UserID, order.TradingPair, order.Side,
		order.Price, order.Quantity, order.FilledQuantity, order.Status,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateOrder
		}
		span.RecordError(err)
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// FindOrder returns the order with the given id.
func (s *Postgres) FindOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

// FindCrossableOrders returns resting orders on the given side of the pair
// whose price crosses the bound, sorted price-time: best price first
// (ascending when scanning SELL makers, descending for BUY makers), then
// earliest created_at first within a price level.
func (s *Postgres) FindCrossableOrders(ctx context.Context, tradingPair string, makerSide domain.Side, priceBound decimal.Decimal) ([]*domain.Order, error) {
	ctx, span := dbTracer.Start(ctx, "postgres.find_crossable_orders",
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", "SELECT"),
			attribute.String("trading_pair", tradingPair),
		))
	defer span.End()

	priceCond := "price <= $3"
	priceOrder := "price ASC"
	if makerSide == domain.SideBuy {
		priceCond = "price >= $3"
		priceOrder = "price DESC"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE trading_pair = $1
		  AND side = $2
		  AND status IN ('OPEN', 'PARTIALLY_FILLED')
		  AND `+priceCond+`
		ORDER BY `+priceOrder+`, created_at ASC
	`, tradingPair, makerSide, priceBound)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query crossable orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// ListOpenOrders returns all resting orders for a pair, bids first by price
// descending. Used to rebuild the read-side book snapshot.
func (s *Postgres) ListOpenOrders(ctx context.Context, tradingPair string) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE trading_pair = $1
		  AND status IN ('OPEN', 'PARTIALLY_FILLED')
		ORDER BY price DESC
	`, tradingPair)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// TradeWithOrders is a trade joined with the side and age of both its
// orders, enough for the read path to derive the aggressor.
type TradeWithOrders struct {
	domain.Trade
	BuySide       domain.Side
	SellSide      domain.Side
	BuyCreatedAt  time.Time
	SellCreatedAt time.Time
}

// RecentTrades returns the most recent trades for a pair, newest first.
func (s *Postgres) RecentTrades(ctx context.Context, tradingPair string, limit int) ([]*TradeWithOrders, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.trading_pair, t.buy_order_id, t.sell_order_id, t.quantity, t.price, t.created_at,
		       b.side, b.created_at, s.side, s.created_at
		FROM trades t
		JOIN orders b ON b.id = t.buy_order_id
		JOIN orders s ON s.id = t.sell_order_id
		WHERE t.trading_pair = $1
		ORDER BY t.created_at DESC
		LIMIT $2
	`, tradingPair, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent trades: %w", err)
	}
	defer rows.Close()

	var trades []*TradeWithOrders
	for rows.Next() {
		var t TradeWithOrders
		if err := rows.Scan(
			&t.ID, &t.TradingPair, &t.BuyOrderID, &t.SellOrderID, &t.Quantity, &t.Price, &t.CreatedAt,
			&t.BuySide, &t.BuyCreatedAt, &t.SellSide, &t.SellCreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// Tx exposes the read-modify-write operations available inside a
// RunTransaction callback.
type Tx struct {
	tx *sql.Tx
}

// RunTransaction runs fn inside a single database transaction. The matching
// engine confines each chunk of fill updates and trade inserts to one call
// so a mid-run failure leaves only whole chunks committed.
func (s *Postgres) RunTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	ctx, span := dbTracer.Start(ctx, "postgres.transaction",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", "transaction"),
		))
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindOrder reads an order inside the transaction, locking the row so
// concurrent fill updates serialize.
func (t *Tx) FindOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	return scanOrder(row)
}

// CreateTrade inserts a trade row.
func (t *Tx) CreateTrade(ctx context.Context, trade *domain.Trade) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO trades (id, trading_pair, buy_order_id, sell_order_id, quantity, price)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, trade.ID, trade.TradingPair, trade.BuyOrderID, trade.SellOrderID,
		trade.Quantity, trade.Price,
	).Scan(&trade.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// UpdateOrderFill persists a new cumulative fill and status for an order
// and returns the updated row.
func (t *Tx) UpdateOrderFill(ctx context.Context, id string, filled decimal.Decimal, status domain.OrderStatus) (*domain.Order, error) {
	row := t.tx.QueryRowContext(ctx, `
		UPDATE orders
		SET filled_quantity = $2, status = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+orderColumns+`
	`, id, filled, status)
	return scanOrder(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.UserID, &o.TradingPair, &o.Side,
		&o.Price, &o.Quantity, &o.FilledQuantity, &o.Status,
		&o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*domain.Order, error) {
	var orders []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
