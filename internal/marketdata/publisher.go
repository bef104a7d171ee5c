package marketdata

import (
	"log"
	"sync"
	"time"

	"github.com/nathanyu/trading-venue/internal/domain"
)

const (
	ringBufferCapacity = 100
	candleInterval     = 1 * time.Minute
	intervalLabel      = "1m"
)

// candleState tracks the current (building) candlestick for a trading pair.
type candleState struct {
	current *domain.Candlestick
	hasData bool
}

// RingBuffer is a fixed-size circular buffer of completed candlesticks.
type RingBuffer struct {
	data  [ringBufferCapacity]*domain.Candlestick
	head  int // next write position
	count int
}

// Push adds a candlestick to the ring buffer.
func (rb *RingBuffer) Push(c *domain.Candlestick) {
	rb.data[rb.head] = c
	rb.head = (rb.head + 1) % ringBufferCapacity
	if rb.count < ringBufferCapacity {
		rb.count++
	}
}

// GetRecent returns the N most recent candlesticks in chronological order.
func (rb *RingBuffer) GetRecent(n int) []*domain.Candlestick {
	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}

	result := make([]*domain.Candlestick, n)
	start := (rb.head - n + ringBufferCapacity) % ringBufferCapacity
	for i := 0; i < n; i++ {
		idx := (start + i) % ringBufferCapacity
		result[i] = rb.data[idx]
	}
	return result
}

// Aggregator folds executed trades into per-pair one-minute OHLCV candles.
// It is fed by the trades.executed consumer and serves the candles API.
type Aggregator struct {
	mu sync.RWMutex

	// Completed candles per trading pair
	candles map[string]*RingBuffer

	// Current (building) candle per trading pair
	states map[string]*candleState

	done   chan struct{}
	ticker *time.Ticker
}

// NewAggregator creates an empty candle aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		candles: make(map[string]*RingBuffer),
		states:  make(map[string]*candleState),
		done:    make(chan struct{}),
	}
}

// Start begins the interval-rotation loop.
func (a *Aggregator) Start() {
	a.ticker = time.NewTicker(candleInterval)
	go a.run()
}

// Stop shuts down the rotation loop.
func (a *Aggregator) Stop() {
	if a.ticker != nil {
		a.ticker.Stop()
	}
	close(a.done)
}

func (a *Aggregator) run() {
	log.Println("[marketdata] candle aggregator started")
	for {
		select {
		case <-a.ticker.C:
			a.rotate()
		case <-a.done:
			log.Println("[marketdata] candle aggregator stopped")
			return
		}
	}
}

// HandleTrade updates the building candle for the trade's pair.
func (a *Aggregator) HandleTrade(trade *domain.Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, exists := a.states[trade.TradingPair]
	if !exists {
		state = &candleState{}
		a.states[trade.TradingPair] = state
	}

	if !state.hasData {
		// First trade in this interval
		state.current = &domain.Candlestick{
			TradingPair: trade.TradingPair,
			Open:        trade.Price,
			High:        trade.Price,
			Low:         trade.Price,
			Close:       trade.Price,
			Volume:      trade.Quantity,
			Timestamp:   trade.CreatedAt.Truncate(candleInterval),
			Interval:    intervalLabel,
		}
		state.hasData = true
		return
	}

	c := state.current
	if trade.Price.GreaterThan(c.High) {
		c.High = trade.Price
	}
	if trade.Price.LessThan(c.Low) {
		c.Low = trade.Price
	}
	c.Close = trade.Price
	c.Volume = c.Volume.Add(trade.Quantity)
}

// rotate closes the current candle for every pair and starts a new interval.
func (a *Aggregator) rotate() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for pair, state := range a.states {
		if !state.hasData {
			continue
		}

		rb, exists := a.candles[pair]
		if !exists {
			rb = &RingBuffer{}
			a.candles[pair] = rb
		}
		rb.Push(state.current)

		state.hasData = false
		state.current = nil
	}
}

// GetCandles returns the most recent candlesticks for a pair, including the
// currently building one.
func (a *Aggregator) GetCandles(tradingPair string, count int) []*domain.Candlestick {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var result []*domain.Candlestick
	if rb, exists := a.candles[tradingPair]; exists {
		result = rb.GetRecent(count)
	}
	if state, exists := a.states[tradingPair]; exists && state.hasData {
		result = append(result, state.current)
	}
	return result
}
