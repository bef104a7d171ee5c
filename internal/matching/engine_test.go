package matching

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/trading-venue/internal/domain"
	"github.com/nathanyu/trading-venue/internal/metacache"
	"github.com/nathanyu/trading-venue/internal/store"
)

// fakeStore is an in-memory stand-in for the Postgres store with
// transaction semantics: a chunk runs against a staged copy that is only
// promoted on commit.
type fakeStore struct {
	orders   map[string]*domain.Order
	trades   []*domain.Trade
	clock    time.Time
	txCalls  int
	failTxOn int // fail the Nth transaction, 1-based; 0 disables
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders: make(map[string]*domain.Order),
		clock:  time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC),
	}
}

func (s *fakeStore) tick() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

// seed places a resting order directly on the book, bypassing the engine.
func (s *fakeStore) seed(order *domain.Order) *domain.Order {
	order.CreatedAt = s.tick()
	order.UpdatedAt = order.CreatedAt
	s.orders[order.ID] = order
	return order
}

func (s *fakeStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	if _, ok := s.orders[order.ID]; ok {
		return store.ErrDuplicateOrder
	}
	order.CreatedAt = s.tick()
	order.UpdatedAt = order.CreatedAt
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

func (s *fakeStore) FindCrossableOrders(ctx context.Context, tradingPair string, makerSide domain.Side, priceBound decimal.Decimal) ([]*domain.Order, error) {
	var out []*domain.Order
	for _, o := range s.orders {
		if o.TradingPair != tradingPair || o.Side != makerSide {
			continue
		}
		if o.Status != domain.OrderStatusOpen && o.Status != domain.OrderStatusPartiallyFilled {
			continue
		}
		if makerSide == domain.SideSell && o.Price.GreaterThan(priceBound) {
			continue
		}
		if makerSide == domain.SideBuy && o.Price.LessThan(priceBound) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Price.Equal(out[j].Price) {
			if makerSide == domain.SideSell {
				return out[i].Price.LessThan(out[j].Price)
			}
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *fakeStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	s.txCalls++
	if s.failTxOn != 0 && s.txCalls == s.failTxOn {
		return fmt.Errorf("connection reset during transaction")
	}

	staged := make(map[string]*domain.Order, len(s.orders))
	for id, o := range s.orders {
		cp := *o
		staged[id] = &cp
	}
	tx := &fakeTx{store: s, orders: staged}
	if err := fn(tx); err != nil {
		return err
	}
	s.orders = staged
	s.trades = append(s.trades, tx.trades...)
	return nil
}

type fakeTx struct {
	store  *fakeStore
	orders map[string]*domain.Order
	trades []*domain.Trade
}

func (t *fakeTx) FindOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, ok := t.orders[id]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *fakeTx) CreateTrade(ctx context.Context, trade *domain.Trade) error {
	trade.CreatedAt = t.store.tick()
	cp := *trade
	t.trades = append(t.trades, &cp)
	return nil
}

func (t *fakeTx) UpdateOrderFill(ctx context.Context, id string, filled decimal.Decimal, status domain.OrderStatus) (*domain.Order, error) {
	o, ok := t.orders[id]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	o.FilledQuantity = filled
	o.Status = status
	o.UpdatedAt = t.store.tick()
	cp := *o
	return &cp, nil
}

type fakePublisher struct {
	orderEvents []*domain.Order
	tradeEvents []*domain.TradeExecuted
}

func (p *fakePublisher) PublishOrderUpdated(ctx context.Context, order *domain.Order) error {
	cp := *order
	p.orderEvents = append(p.orderEvents, &cp)
	return nil
}

func (p *fakePublisher) PublishTradeExecuted(ctx context.Context, trade *domain.TradeExecuted) error {
	cp := *trade
	p.tradeEvents = append(p.tradeEvents, &cp)
	return nil
}

func newTestEngine(chunkSize int) (*Engine, *fakeStore, *fakePublisher, *metacache.Cache) {
	st := newFakeStore()
	pub := &fakePublisher{}
	cache := metacache.New()
	return NewEngine(st, cache, pub, chunkSize), st, pub, cache
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func submission(id string, side domain.Side, price, qty string) *domain.OrderSubmitted {
	return &domain.OrderSubmitted{
		ID:          id,
		UserID:      1,
		TradingPair: "BTC-USDT",
		Side:        side,
		Price:       d(price),
		Quantity:    d(qty),
	}
}

func restingOrder(id string, side domain.Side, price, qty string) *domain.Order {
	return &domain.Order{
		ID:             id,
		UserID:         2,
		TradingPair:    "BTC-USDT",
		Side:           side,
		Price:          d(price),
		Quantity:       d(qty),
		FilledQuantity: decimal.Zero,
		Status:         domain.OrderStatusOpen,
	}
}

func TestEngine_NoCross_RestsOpen(t *testing.T) {
	engine, st, pub, _ := newTestEngine(0)
	ctx := context.Background()

	// Resting bid below the incoming ask: no cross.
	st.seed(restingOrder("b1", domain.SideBuy, "90", "10"))

	err := engine.ProcessSubmission(ctx, submission("s1", domain.SideSell, "95", "5"))
	require.NoError(t, err)

	assert.Empty(t, st.trades)
	assert.Equal(t, domain.OrderStatusOpen, st.orders["s1"].Status)
	assert.True(t, st.orders["s1"].FilledQuantity.IsZero())

	// Exactly one update event: the order entering the book.
	require.Len(t, pub.orderEvents, 1)
	assert.Equal(t, "s1", pub.orderEvents[0].ID)
	assert.Empty(t, pub.tradeEvents)
}

func TestEngine_Cross_FillsAtMakerPrice(t *testing.T) {
	engine, st, pub, _ := newTestEngine(0)
	ctx := context.Background()

	st.seed(restingOrder("b1", domain.SideBuy, "100", "10"))

	err := engine.ProcessSubmission(ctx, submission("s1", domain.SideSell, "95", "15"))
	require.NoError(t, err)

	require.Len(t, st.trades, 1)
	trade := st.trades[0]
	assert.True(t, trade.Price.Equal(d("100")), "trade must execute at the resting order's price")
	assert.True(t, trade.Quantity.Equal(d("10")))
	assert.Equal(t, "b1", trade.BuyOrderID)
	assert.Equal(t, "s1", trade.SellOrderID)

	assert.Equal(t, domain.OrderStatusFilled, st.orders["b1"].Status)
	assert.True(t, st.orders["b1"].FilledQuantity.Equal(d("10")))

	// Taker has 5 left and rests partially filled.
	assert.Equal(t, domain.OrderStatusPartiallyFilled, st.orders["s1"].Status)
	assert.True(t, st.orders["s1"].FilledQuantity.Equal(d("10")))
	assert.True(t, st.orders["s1"].Remaining().Equal(d("5")))

	// Creation event plus one per touched order in the chunk.
	require.Len(t, pub.orderEvents, 3)
	require.Len(t, pub.tradeEvents, 1)
}

func TestEngine_PriceTimePriority(t *testing.T) {
	engine, st, _, _ := newTestEngine(0)
	ctx := context.Background()

	// Two asks at 101 (older first) and a better ask at 100 placed last.
	st.seed(restingOrder("s1", domain.SideSell, "101", "10"))
	st.seed(restingOrder("s2", domain.SideSell, "101", "10"))
	st.seed(restingOrder("s3", domain.SideSell, "100", "10"))

	err := engine.ProcessSubmission(ctx, submission("b1", domain.SideBuy, "101", "25"))
	require.NoError(t, err)

	require.Len(t, st.trades, 3)

	// Best price first, then FIFO within the 101 level.
	assert.Equal(t, "s3", st.trades[0].SellOrderID)
	assert.True(t, st.trades[0].Price.Equal(d("100")))
	assert.True(t, st.trades[0].Quantity.Equal(d("10")))

	assert.Equal(t, "s1", st.trades[1].SellOrderID)
	assert.True(t, st.trades[1].Quantity.Equal(d("10")))

	assert.Equal(t, "s2", st.trades[2].SellOrderID)
	assert.True(t, st.trades[2].Quantity.Equal(d("5")))

	assert.Equal(t, domain.OrderStatusFilled, st.orders["b1"].Status)
	assert.Equal(t, domain.OrderStatusFilled, st.orders["s3"].Status)
	assert.Equal(t, domain.OrderStatusFilled, st.orders["s1"].Status)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, st.orders["s2"].Status)
	assert.True(t, st.orders["s2"].Remaining().Equal(d("5")))
}

func TestEngine_DuplicateSkipsMatching(t *testing.T) {
	engine, st, pub, _ := newTestEngine(0)
	ctx := context.Background()

	// The order already exists (first delivery got this far) and crossable
	// liquidity is waiting. A redelivery must not match it.
	st.seed(restingOrder("b1", domain.SideBuy, "100", "10"))
	st.seed(restingOrder("s1", domain.SideSell, "95", "10"))

	err := engine.ProcessSubmission(ctx, submission("s1", domain.SideSell, "95", "10"))
	require.NoError(t, err)

	assert.Empty(t, st.trades)
	assert.Empty(t, pub.orderEvents)
	assert.Empty(t, pub.tradeEvents)
	assert.Equal(t, domain.OrderStatusOpen, st.orders["s1"].Status)
}

func TestEngine_ChunkBoundaries(t *testing.T) {
	engine, st, _, _ := newTestEngine(10)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		st.seed(restingOrder(fmt.Sprintf("s%02d", i), domain.SideSell, "100", "1"))
	}

	err := engine.ProcessSubmission(ctx, submission("b1", domain.SideBuy, "100", "30"))
	require.NoError(t, err)

	// 25 makers in chunks of 10: three transactions, same fills as one pass.
	assert.Equal(t, 3, st.txCalls)
	assert.Len(t, st.trades, 25)

	total := decimal.Zero
	for _, trade := range st.trades {
		assert.True(t, trade.Quantity.IsPositive())
		total = total.Add(trade.Quantity)
	}
	assert.True(t, total.Equal(d("25")))

	assert.Equal(t, domain.OrderStatusPartiallyFilled, st.orders["b1"].Status)
	assert.True(t, st.orders["b1"].FilledQuantity.Equal(d("25")))
	assert.True(t, st.orders["b1"].Remaining().Equal(d("5")))
}

func TestEngine_ChunkStopsWhenTakerExhausted(t *testing.T) {
	engine, st, _, _ := newTestEngine(10)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		st.seed(restingOrder(fmt.Sprintf("s%02d", i), domain.SideSell, "100", "1"))
	}

	err := engine.ProcessSubmission(ctx, submission("b1", domain.SideBuy, "100", "12"))
	require.NoError(t, err)

	// 10 fills in the first chunk, 2 in the second; the third never runs.
	assert.Equal(t, 2, st.txCalls)
	assert.Len(t, st.trades, 12)
	assert.Equal(t, domain.OrderStatusFilled, st.orders["b1"].Status)
}

func TestEngine_ChunkFailureLeavesCommittedChunks(t *testing.T) {
	engine, st, pub, _ := newTestEngine(10)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		st.seed(restingOrder(fmt.Sprintf("s%02d", i), domain.SideSell, "100", "1"))
	}
	st.failTxOn = 2

	err := engine.ProcessSubmission(ctx, submission("b1", domain.SideBuy, "100", "25"))
	require.Error(t, err)

	// The first chunk is durable; the failure only loses the rest of the run.
	assert.Len(t, st.trades, 10)
	assert.True(t, st.orders["b1"].FilledQuantity.Equal(d("10")))
	assert.Equal(t, domain.OrderStatusPartiallyFilled, st.orders["b1"].Status)

	// Events for the committed chunk were still emitted.
	assert.Len(t, pub.tradeEvents, 10)
}

func TestEngine_SkipsExhaustedMakers(t *testing.T) {
	engine, st, _, _ := newTestEngine(0)
	ctx := context.Background()

	// A stale candidate with nothing left must be skipped, not matched
	// and not allowed to abort the pass.
	exhausted := restingOrder("s1", domain.SideSell, "100", "10")
	exhausted.FilledQuantity = d("10")
	exhausted.Status = domain.OrderStatusPartiallyFilled
	st.seed(exhausted)
	st.seed(restingOrder("s2", domain.SideSell, "100", "10"))

	err := engine.ProcessSubmission(ctx, submission("b1", domain.SideBuy, "100", "5"))
	require.NoError(t, err)

	require.Len(t, st.trades, 1)
	assert.Equal(t, "s2", st.trades[0].SellOrderID)
	assert.True(t, st.orders["s1"].FilledQuantity.Equal(d("10")))
}

func TestEngine_AggressorAttribution(t *testing.T) {
	engine, st, pub, cache := newTestEngine(0)
	ctx := context.Background()

	maker := st.seed(restingOrder("b1", domain.SideBuy, "100", "10"))
	cache.Put(maker.ID, metacache.Entry{
		Side:        maker.Side,
		TradingPair: maker.TradingPair,
		CreatedAt:   maker.CreatedAt,
	})

	err := engine.ProcessSubmission(ctx, submission("s1", domain.SideSell, "100", "10"))
	require.NoError(t, err)

	// The sell arrived later, so it is the aggressor.
	require.Len(t, pub.tradeEvents, 1)
	assert.Equal(t, domain.SideSell, pub.tradeEvents[0].AggressorType)
}

func TestEngine_ColdCacheDefaultsAggressorToBuy(t *testing.T) {
	engine, st, pub, _ := newTestEngine(0)
	ctx := context.Background()

	// Maker predates this process; the cache has never seen it.
	st.seed(restingOrder("b1", domain.SideBuy, "100", "10"))

	err := engine.ProcessSubmission(ctx, submission("s1", domain.SideSell, "100", "10"))
	require.NoError(t, err)

	require.Len(t, pub.tradeEvents, 1)
	assert.Equal(t, domain.SideBuy, pub.tradeEvents[0].AggressorType)
}

func TestEngine_HandleMessage_MalformedSkipped(t *testing.T) {
	engine, st, _, _ := newTestEngine(0)
	ctx := context.Background()

	err := engine.HandleMessage(ctx, []byte("BTC-USDT"), []byte("{not json"))
	require.NoError(t, err)
	assert.Empty(t, st.orders)
}

func TestEngine_HandleMessage_InvalidQuarantined(t *testing.T) {
	engine, st, _, _ := newTestEngine(0)
	ctx := context.Background()

	// Valid JSON, invalid order: negative quantity.
	payload := []byte(`{"id":"o1","tradingPair":"BTC-USDT","side":"BUY","price":"100","quantity":"-5"}`)
	err := engine.HandleMessage(ctx, []byte("BTC-USDT"), payload)
	require.NoError(t, err)
	assert.Empty(t, st.orders)
}

func TestEngine_HandleMessage_ValidProcessed(t *testing.T) {
	engine, st, _, _ := newTestEngine(0)
	ctx := context.Background()

	payload := []byte(`{"id":"o1","userId":7,"tradingPair":"BTC-USDT","side":"BUY","price":"100","quantity":"5"}`)
	err := engine.HandleMessage(ctx, []byte("BTC-USDT"), payload)
	require.NoError(t, err)

	require.Contains(t, st.orders, "o1")
	assert.Equal(t, domain.OrderStatusOpen, st.orders["o1"].Status)
	assert.True(t, st.orders["o1"].Price.Equal(d("100")))
}
