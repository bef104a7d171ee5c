package bookcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nathanyu/trading-venue/internal/domain"
)

const (
	// Snapshots go stale fast under matching, so the TTL is deliberately
	// short; the cache is a fast path, the store is the truth.
	snapshotTTL = 1 * time.Second

	keyPrefix = "orderbook"
)

// OrderLister is the slice of the order store needed to rebuild a snapshot.
type OrderLister interface {
	ListOpenOrders(ctx context.Context, tradingPair string) ([]*domain.Order, error)
}

// Cache holds rendered bid/ask snapshots per trading pair in Redis,
// written optimistically on submission and rebuilt after match cycles.
type Cache struct {
	client *redis.Client
	store  OrderLister
}

// New creates a book cache over the given Redis client and order store.
func New(client *redis.Client, store OrderLister) *Cache {
	return &Cache{client: client, store: store}
}

func snapshotKey(tradingPair string) string {
	return fmt.Sprintf("%s:%s", keyPrefix, tradingPair)
}

// Get returns the cached snapshot for a pair, or nil on a miss.
func (c *Cache) Get(ctx context.Context, tradingPair string) (*domain.BookSnapshot, error) {
	data, err := c.client.Get(ctx, snapshotKey(tradingPair)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached book for %s: %w", tradingPair, err)
	}

	var snap domain.BookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode cached book for %s: %w", tradingPair, err)
	}
	return &snap, nil
}

// GetOrBuild returns the cached snapshot, rebuilding it from the store on
// a miss. A caching failure is logged, not returned: the snapshot is still
// good.
func (c *Cache) GetOrBuild(ctx context.Context, tradingPair string) (*domain.BookSnapshot, error) {
	snap, err := c.Get(ctx, tradingPair)
	if err != nil {
		log.Printf("[bookcache] WARN: cache read failed for %s: %v", tradingPair, err)
	}
	if snap != nil {
		return snap, nil
	}
	return c.Rebuild(ctx, tradingPair)
}

// Rebuild renders a fresh snapshot from the order store and caches it.
func (c *Cache) Rebuild(ctx context.Context, tradingPair string) (*domain.BookSnapshot, error) {
	orders, err := c.store.ListOpenOrders(ctx, tradingPair)
	if err != nil {
		return nil, fmt.Errorf("failed to build book for %s: %w", tradingPair, err)
	}

	snap := Render(orders)
	c.put(ctx, tradingPair, snap)
	return snap, nil
}

// Invalidate drops the cached snapshot for a pair.
func (c *Cache) Invalidate(ctx context.Context, tradingPair string) error {
	if err := c.client.Del(ctx, snapshotKey(tradingPair)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate book for %s: %w", tradingPair, err)
	}
	return nil
}

// ApplyNewOrder optimistically inserts a just-submitted order into the
// cached snapshot so the book reflects it before the engine has consumed
// the message. Best-effort: any failure just leaves the cache to expire.
func (c *Cache) ApplyNewOrder(ctx context.Context, order *domain.Order) {
	snap, err := c.GetOrBuild(ctx, order.TradingPair)
	if err != nil {
		log.Printf("[bookcache] WARN: optimistic update skipped for %s: %v", order.TradingPair, err)
		return
	}

	level := domain.BookLevel{
		Price:          order.Price,
		Quantity:       order.Quantity,
		FilledQuantity: order.FilledQuantity,
		Status:         order.Status,
	}
	if order.Side == domain.SideBuy {
		snap.Bids = insertSorted(snap.Bids, level, true)
	} else {
		snap.Asks = insertSorted(snap.Asks, level, false)
	}

	c.put(ctx, order.TradingPair, snap)
}

func (c *Cache) put(ctx context.Context, tradingPair string, snap *domain.BookSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[bookcache] WARN: failed to encode book for %s: %v", tradingPair, err)
		return
	}
	if err := c.client.Set(ctx, snapshotKey(tradingPair), data, snapshotTTL).Err(); err != nil {
		log.Printf("[bookcache] WARN: failed to cache book for %s: %v", tradingPair, err)
	}
}

// Render builds the bid/ask view from resting orders: bids sorted by price
// descending, asks ascending, each level carrying the remaining quantity.
func Render(orders []*domain.Order) *domain.BookSnapshot {
	snap := &domain.BookSnapshot{
		Bids: []domain.BookLevel{},
		Asks: []domain.BookLevel{},
	}

	for _, o := range orders {
		level := domain.BookLevel{
			Price:          o.Price,
			Quantity:       o.Remaining(),
			FilledQuantity: o.FilledQuantity,
			Status:         o.Status,
		}
		if o.Side == domain.SideBuy {
			snap.Bids = append(snap.Bids, level)
		} else {
			snap.Asks = append(snap.Asks, level)
		}
	}

	sort.SliceStable(snap.Bids, func(i, j int) bool {
		return snap.Bids[i].Price.GreaterThan(snap.Bids[j].Price)
	})
	sort.SliceStable(snap.Asks, func(i, j int) bool {
		return snap.Asks[i].Price.LessThan(snap.Asks[j].Price)
	})

	return snap
}

func insertSorted(levels []domain.BookLevel, level domain.BookLevel, descending bool) []domain.BookLevel {
	levels = append(levels, level)
	sort.SliceStable(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}
