package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nathanyu/trading-venue/internal/bookcache"
	"github.com/nathanyu/trading-venue/internal/domain"
	"github.com/nathanyu/trading-venue/internal/marketdata"
	"github.com/nathanyu/trading-venue/internal/middleware"
	"github.com/nathanyu/trading-venue/internal/store"
	"github.com/nathanyu/trading-venue/internal/stream"
)

const recentTradesLimit = 50

// Handler holds the HTTP surface dependencies. The submission path only
// touches Kafka and the cache; matching itself is asynchronous.
type Handler struct {
	store      *store.Postgres
	book       *bookcache.Cache
	candles    *marketdata.Aggregator
	submission *stream.SubmissionProducer
}

// NewHandler creates a new Handler.
func NewHandler(st *store.Postgres, book *bookcache.Cache, candles *marketdata.Aggregator, submission *stream.SubmissionProducer) *Handler {
	return &Handler{
		store:      st,
		book:       book,
		candles:    candles,
		submission: submission,
	}
}

// RegisterRoutes sets up the Gin routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	{
		v1.POST("/orders", h.SubmitOrder)
		v1.GET("/orders/:id", h.GetOrder)
		v1.GET("/market/:pair/orderbook", h.GetOrderBook)
		v1.GET("/market/:pair/trades", h.GetRecentTrades)
		v1.GET("/market/:pair/candles", h.GetCandles)
	}
}

// Health returns a health check response.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "trading-venue",
	})
}

// SubmitOrderRequest is the request body for submitting an order.
type SubmitOrderRequest struct {
	UserID      int64           `json:"userId" binding:"required"`
	TradingPair string          `json:"tradingPair" binding:"required"`
	Side        domain.Side     `json:"side" binding:"required"`
	Price       decimal.Decimal `json:"price" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
}

// SubmitOrder handles POST /v1/orders. Success means the order is on the
// inbound channel, not that it has matched: matching is asynchronous and
// eventually consistent from the submitter's perspective.
func (h *Handler) SubmitOrder(c *gin.Context) {
	var req SubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub := &domain.OrderSubmitted{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		TradingPair: req.TradingPair,
		Side:        req.Side,
		Price:       req.Price,
		Quantity:    req.Quantity,
	}
	if err := sub.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.submission.Publish(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to accept order"})
		return
	}
	middleware.OrdersSubmitted.WithLabelValues(sub.TradingPair, string(sub.Side)).Inc()

	// Show the order on the book before the engine consumes it.
	h.book.ApplyNewOrder(c.Request.Context(), &domain.Order{
		ID:          sub.ID,
		TradingPair: sub.TradingPair,
		Side:        sub.Side,
		Price:       sub.Price,
		Quantity:    sub.Quantity,
		Status:      domain.OrderStatusOpen,
	})

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Order submitted successfully",
		"orderId": sub.ID,
	})
}

// GetOrder handles GET /v1/orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.store.FindOrder(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

// GetOrderBook handles GET /v1/market/:pair/orderbook.
func (h *Handler) GetOrderBook(c *gin.Context) {
	snap, err := h.book.GetOrBuild(c.Request.Context(), c.Param("pair"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// RecentTrade is one row of the recent-trades response.
type RecentTrade struct {
	domain.Trade
	AggressorType domain.Side `json:"aggressorType"`
}

// GetRecentTrades handles GET /v1/market/:pair/trades. The aggressor is
// the order created later; on the read path it is derived from the joined
// order rows rather than the engine's metadata cache.
func (h *Handler) GetRecentTrades(c *gin.Context) {
	trades, err := h.store.RecentTrades(c.Request.Context(), c.Param("pair"), recentTradesLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	result := make([]RecentTrade, 0, len(trades))
	for _, t := range trades {
		aggressor := t.BuySide
		if t.SellCreatedAt.After(t.BuyCreatedAt) {
			aggressor = t.SellSide
		}
		result = append(result, RecentTrade{Trade: t.Trade, AggressorType: aggressor})
	}
	c.JSON(http.StatusOK, result)
}

// GetCandles handles GET /v1/market/:pair/candles.
func (h *Handler) GetCandles(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "60"))
	if err != nil || count <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be a positive integer"})
		return
	}

	candles := h.candles.GetCandles(c.Param("pair"), count)
	c.JSON(http.StatusOK, candles)
}
