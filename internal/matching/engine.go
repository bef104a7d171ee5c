package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/nathanyu/trading-venue/internal/domain"
	"github.com/nathanyu/trading-venue/internal/metacache"
	"github.com/nathanyu/trading-venue/internal/store"
)

// DefaultChunkSize bounds how many maker fills share one transaction.
// An aggressive taker crossing dozens of resting orders in a single
// long-lived transaction risks lock contention and timeouts.
const DefaultChunkSize = 10

var (
	ordersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_engine_orders_created_total",
		Help: "Orders created by the matching engine",
	})

	duplicateOrders = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_engine_duplicate_orders_total",
		Help: "Redelivered order submissions skipped as duplicates",
	})

	tradesMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_engine_trades_matched_total",
		Help: "Trades created by the matching engine",
	}, []string{"trading_pair"})

	attributionMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "venue_engine_attribution_cache_misses_total",
		Help: "Trades attributed with the default aggressor due to a cache miss",
	})

	chunkTxDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "venue_engine_chunk_tx_duration_seconds",
		Help:    "Duration of one matching chunk transaction",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
)

// Tx is the transactional slice of the order store a single matching chunk
// runs against.
type Tx interface {
	FindOrder(ctx context.Context, id string) (*domain.Order, error)
	CreateTrade(ctx context.Context, trade *domain.Trade) error
	UpdateOrderFill(ctx context.Context, id string, filled decimal.Decimal, status domain.OrderStatus) (*domain.Order, error)
}

// Store is the order store surface the engine consumes.
type Store interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	FindCrossableOrders(ctx context.Context, tradingPair string, makerSide domain.Side, priceBound decimal.Decimal) ([]*domain.Order, error)
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// EventPublisher emits domain events to the outbound channel. Publishing is
// best-effort relative to the matching transaction: the engine logs failures
// and keeps going.
type EventPublisher interface {
	PublishOrderUpdated(ctx context.Context, order *domain.Order) error
	PublishTradeExecuted(ctx context.Context, trade *domain.TradeExecuted) error
}

// Engine is the matching engine core. It consumes order submissions in
// arrival order per trading pair, creates orders idempotently, matches them
// against resting liquidity with price-time priority, and persists fills in
// bounded per-chunk transactions.
type Engine struct {
	store     Store
	cache     *metacache.Cache
	publisher EventPublisher
	chunkSize int
}

// NewEngine wires the engine's collaborators explicitly. chunkSize <= 0
// falls back to DefaultChunkSize.
func NewEngine(st Store, cache *metacache.Cache, publisher EventPublisher, chunkSize int) *Engine {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Engine{
		store:     st,
		cache:     cache,
		publisher: publisher,
		chunkSize: chunkSize,
	}
}

// matchRun is the carry state of one matching pass: the taker's remaining
// quantity flows from chunk transaction to chunk transaction, so the
// overall fill is atomic per chunk, not per order. A crash between chunks
// leaves completed chunks durable and the rest of the candidate list
// unprocessed.
type matchRun struct {
	remaining       decimal.Decimal
	completedChunks int
}

// chunkResult collects what one committed chunk produced, for event
// emission after the transaction is durable.
type chunkResult struct {
	trades  []*domain.Trade
	updated []*domain.Order
}

// HandleMessage decodes one inbound channel message and processes it.
// Malformed or schema-invalid payloads are logged and skipped without
// failing the batch; store errors propagate and fail it.
func (e *Engine) HandleMessage(ctx context.Context, key, value []byte) error {
	var sub domain.OrderSubmitted
	if err := json.Unmarshal(value, &sub); err != nil {
		log.Printf("[engine] WARN: malformed submission payload (key=%s), skipping: %v", key, err)
		return nil
	}
	if err := sub.Validate(); err != nil {
		log.Printf("[engine] WARN: quarantining invalid submission %s: %v", sub.ID, err)
		return nil
	}
	return e.ProcessSubmission(ctx, &sub)
}

// ProcessSubmission handles one decoded order-submission record end to end:
// idempotent creation, metadata caching, matching. Any store error
// propagates so the channel's redelivery mechanism retries the batch.
func (e *Engine) ProcessSubmission(ctx context.Context, sub *domain.OrderSubmitted) error {
	order := &domain.Order{
		ID:             sub.ID,
		UserID:         sub.UserID,
		TradingPair:    sub.TradingPair,
		Side:           sub.Side,
		Price:          sub.Price,
		Quantity:       sub.Quantity,
		FilledQuantity: decimal.Zero,
		Status:         domain.OrderStatusOpen,
	}

	err := e.store.CreateOrder(ctx, order)
	if errors.Is(err, store.ErrDuplicateOrder) {
		// Redelivered message: creation is a no-op and matching is skipped
		// entirely. If the first delivery crashed after creation but before
		// matching completed, this leaves the order resting OPEN with
		// crossable liquidity unmatched; there is no reconciliation path.
		log.Printf("[engine] duplicate order %s, skipping", sub.ID)
		duplicateOrders.Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("create order %s: %w", sub.ID, err)
	}
	ordersCreated.Inc()

	e.cache.Put(order.ID, metacache.Entry{
		Side:        order.Side,
		TradingPair: order.TradingPair,
		CreatedAt:   order.CreatedAt,
	})

	// The order is on the book; announce it even if nothing crosses.
	e.publishOrderUpdated(ctx, order)

	return e.match(ctx, order)
}

// match executes the price-time priority algorithm for a newly created
// taker order, one bounded chunk transaction at a time.
func (e *Engine) match(ctx context.Context, taker *domain.Order) error {
	makers, err := e.store.FindCrossableOrders(ctx, taker.TradingPair, taker.Side.Opposite(), taker.Price)
	if err != nil {
		return fmt.Errorf("find crossable orders for %s: %w", taker.ID, err)
	}

	run := &matchRun{remaining: taker.Quantity}

	for start := 0; start < len(makers); start += e.chunkSize {
		if !run.remaining.IsPositive() {
			break
		}
		end := min(start+e.chunkSize, len(makers))

		result, err := e.matchChunk(ctx, taker, makers[start:end], run)
		if err != nil {
			return fmt.Errorf("match chunk %d for %s: %w", run.completedChunks, taker.ID, err)
		}
		run.completedChunks++

		e.publishChunk(ctx, result)
	}

	return nil
}

// matchChunk creates trades and fill updates for every match in one chunk,
// inside a single transaction. The taker's remaining quantity is carried
// onto the run only after the chunk commits.
func (e *Engine) matchChunk(ctx context.Context, taker *domain.Order, makers []*domain.Order, run *matchRun) (*chunkResult, error) {
	timer := prometheus.NewTimer(chunkTxDuration)
	defer timer.ObserveDuration()

	result := &chunkResult{}
	remaining := run.remaining

	err := e.store.RunTransaction(ctx, func(tx Tx) error {
		for _, maker := range makers {
			if !remaining.IsPositive() {
				break
			}

			available := maker.Remaining()
			if !available.IsPositive() {
				// Skip, but do not remove: fully filled rows may appear in
				// the candidate list and must not abort the pass.
				continue
			}

			matchQty := decimal.Min(remaining, available)

			trade := &domain.Trade{
				ID:          uuid.New().String(),
				TradingPair: taker.TradingPair,
				Quantity:    matchQty,
				Price:       maker.Price, // execute at the resting order's price
			}
			if taker.Side == domain.SideBuy {
				trade.BuyOrderID = taker.ID
				trade.SellOrderID = maker.ID
			} else {
				trade.BuyOrderID = maker.ID
				trade.SellOrderID = taker.ID
			}

			if err := tx.CreateTrade(ctx, trade); err != nil {
				return err
			}

			updatedTaker, err := applyFill(ctx, tx, taker.ID, matchQty)
			if err != nil {
				return err
			}
			updatedMaker, err := applyFill(ctx, tx, maker.ID, matchQty)
			if err != nil {
				return err
			}

			remaining = remaining.Sub(matchQty)
			result.trades = append(result.trades, trade)
			result.updated = append(result.updated, updatedTaker, updatedMaker)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	run.remaining = remaining
	return result, nil
}

// applyFill performs the read-modify-write of one order's fill state:
// filled quantity is cumulative and status is derived from it.
func applyFill(ctx context.Context, tx Tx, orderID string, qty decimal.Decimal) (*domain.Order, error) {
	order, err := tx.FindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	newFilled := order.FilledQuantity.Add(qty)
	status := order.Status
	if newFilled.GreaterThanOrEqual(order.Quantity) {
		status = domain.OrderStatusFilled
	} else if newFilled.IsPositive() {
		status = domain.OrderStatusPartiallyFilled
	}

	return tx.UpdateOrderFill(ctx, orderID, newFilled, status)
}

// publishChunk emits the events for a committed chunk: one orders.updated
// per touched order and one trades.executed per trade, with the aggressor
// attributed from the metadata cache.
func (e *Engine) publishChunk(ctx context.Context, result *chunkResult) {
	for _, order := range result.updated {
		e.publishOrderUpdated(ctx, order)
	}
	for _, trade := range result.trades {
		tradesMatched.WithLabelValues(trade.TradingPair).Inc()

		event := &domain.TradeExecuted{
			Trade:         *trade,
			AggressorType: e.attributeAggressor(trade),
		}
		if err := e.publisher.PublishTradeExecuted(ctx, event); err != nil {
			log.Printf("[engine] WARN: failed to publish trade %s: %v", trade.ID, err)
		}
	}
}

func (e *Engine) publishOrderUpdated(ctx context.Context, order *domain.Order) {
	if err := e.publisher.PublishOrderUpdated(ctx, order); err != nil {
		log.Printf("[engine] WARN: failed to publish order update %s: %v", order.ID, err)
	}
}

// attributeAggressor decides which side initiated the trade: of the two
// orders, the one created later is the taker and its side is the aggressor.
// The metadata cache is best-effort (empty after restart), so a miss falls
// back to BUY rather than failing the trade.
func (e *Engine) attributeAggressor(trade *domain.Trade) domain.Side {
	buy, okBuy := e.cache.Get(trade.BuyOrderID)
	sell, okSell := e.cache.Get(trade.SellOrderID)
	if !okBuy || !okSell {
		log.Printf("[engine] WARN: metadata cache miss for trade %s (buy=%t sell=%t), defaulting aggressor to BUY",
			trade.ID, okBuy, okSell)
		attributionMisses.Inc()
		return domain.SideBuy
	}

	if sell.CreatedAt.After(buy.CreatedAt) {
		return domain.SideSell
	}
	return domain.SideBuy
}
