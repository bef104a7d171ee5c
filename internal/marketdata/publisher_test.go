package marketdata

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/trading-venue/internal/domain"
)

func newTrade(pair, price, qty string, at time.Time) *domain.Trade {
	return &domain.Trade{
		ID:          "t-" + price,
		TradingPair: pair,
		Quantity:    decimal.RequireFromString(qty),
		Price:       decimal.RequireFromString(price),
		CreatedAt:   at,
	}
}

func TestAggregator_BuildsOHLCV(t *testing.T) {
	agg := NewAggregator()
	now := time.Date(2026, 8, 1, 10, 0, 12, 0, time.UTC)

	agg.HandleTrade(newTrade("BTC-USDT", "100", "2", now))
	agg.HandleTrade(newTrade("BTC-USDT", "105", "1", now.Add(5*time.Second)))
	agg.HandleTrade(newTrade("BTC-USDT", "98", "3", now.Add(10*time.Second)))
	agg.HandleTrade(newTrade("BTC-USDT", "101", "1", now.Add(15*time.Second)))

	candles := agg.GetCandles("BTC-USDT", 10)
	require.Len(t, candles, 1)

	c := candles[0]
	assert.True(t, c.Open.Equal(decimal.RequireFromString("100")))
	assert.True(t, c.High.Equal(decimal.RequireFromString("105")))
	assert.True(t, c.Low.Equal(decimal.RequireFromString("98")))
	assert.True(t, c.Close.Equal(decimal.RequireFromString("101")))
	assert.True(t, c.Volume.Equal(decimal.RequireFromString("7")))
	assert.Equal(t, "1m", c.Interval)
	assert.Equal(t, now.Truncate(time.Minute), c.Timestamp)
}

func TestAggregator_RotateClosesCandle(t *testing.T) {
	agg := NewAggregator()
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	agg.HandleTrade(newTrade("BTC-USDT", "100", "1", now))
	agg.rotate()
	agg.HandleTrade(newTrade("BTC-USDT", "110", "2", now.Add(time.Minute)))

	candles := agg.GetCandles("BTC-USDT", 10)
	require.Len(t, candles, 2)

	// Closed candle first, building candle last.
	assert.True(t, candles[0].Close.Equal(decimal.RequireFromString("100")))
	assert.True(t, candles[1].Open.Equal(decimal.RequireFromString("110")))
}

func TestAggregator_PairsAreIndependent(t *testing.T) {
	agg := NewAggregator()
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	agg.HandleTrade(newTrade("BTC-USDT", "100", "1", now))
	agg.HandleTrade(newTrade("ETH-USDT", "50", "4", now))

	btc := agg.GetCandles("BTC-USDT", 10)
	eth := agg.GetCandles("ETH-USDT", 10)
	require.Len(t, btc, 1)
	require.Len(t, eth, 1)
	assert.True(t, btc[0].Volume.Equal(decimal.RequireFromString("1")))
	assert.True(t, eth[0].Volume.Equal(decimal.RequireFromString("4")))

	assert.Empty(t, agg.GetCandles("SOL-USDT", 10))
}

func TestRingBuffer_WrapsAndReturnsChronological(t *testing.T) {
	rb := &RingBuffer{}
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < ringBufferCapacity+5; i++ {
		rb.Push(&domain.Candlestick{
			TradingPair: "BTC-USDT",
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		})
	}

	recent := rb.GetRecent(3)
	require.Len(t, recent, 3)
	assert.True(t, recent[0].Timestamp.Before(recent[1].Timestamp))
	assert.True(t, recent[1].Timestamp.Before(recent[2].Timestamp))
	assert.Equal(t, base.Add(time.Duration(ringBufferCapacity+4)*time.Minute), recent[2].Timestamp)

	// Asking for more than capacity caps at what the buffer holds.
	all := rb.GetRecent(1000)
	assert.Len(t, all, ringBufferCapacity)

	assert.Nil(t, rb.GetRecent(0))
}

func TestRingBuffer_Empty(t *testing.T) {
	rb := &RingBuffer{}
	assert.Nil(t, rb.GetRecent(5))
}

func TestAggregator_GetCandlesCount(t *testing.T) {
	agg := NewAggregator()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		agg.HandleTrade(newTrade("BTC-USDT", fmt.Sprintf("10%d", i), "1", base.Add(time.Duration(i)*time.Minute)))
		agg.rotate()
	}

	candles := agg.GetCandles("BTC-USDT", 3)
	require.Len(t, candles, 3)
	assert.True(t, candles[2].Close.Equal(decimal.RequireFromString("104")))
}
