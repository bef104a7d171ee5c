package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nathanyu/trading-venue/internal/bookcache"
	"github.com/nathanyu/trading-venue/internal/config"
	"github.com/nathanyu/trading-venue/internal/domain"
	"github.com/nathanyu/trading-venue/internal/handler"
	"github.com/nathanyu/trading-venue/internal/marketdata"
	"github.com/nathanyu/trading-venue/internal/middleware"
	"github.com/nathanyu/trading-venue/internal/store"
	"github.com/nathanyu/trading-venue/internal/stream"
	"github.com/nathanyu/trading-venue/internal/tracing"
)

func main() {
	log.Println("Starting trading venue API service...")

	cfg := config.Load()

	shutdownTracer, err := tracing.InitTracer("trading-venue-api")
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer shutdownTracer()

	// --- Storage and caches ---

	st, err := store.Open(cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to open order store: %v", err)
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	book := bookcache.New(redisClient, st)

	candles := marketdata.NewAggregator()
	candles.Start()
	defer candles.Stop()

	// --- Kafka: submission producer + downstream consumers ---

	submission := stream.NewSubmissionProducer(cfg.Kafka.Brokers)
	defer submission.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Rebuild the cached book after every match cycle.
	bookConsumer, err := stream.NewConsumer(
		cfg.Kafka.Brokers,
		"book-cache",
		[]string{stream.TopicOrdersUpdated},
		"bookcache",
		func(ctx context.Context, key, value []byte) error {
			var order domain.Order
			if err := json.Unmarshal(value, &order); err != nil {
				log.Printf("[bookcache] WARN: malformed order event (key=%s), skipping: %v", key, err)
				return nil
			}
			if _, err := book.Rebuild(ctx, order.TradingPair); err != nil {
				log.Printf("[bookcache] WARN: rebuild failed for %s: %v", order.TradingPair, err)
				return nil
			}
			middleware.BookCacheRebuilds.WithLabelValues(order.TradingPair).Inc()
			return nil
		},
	)
	if err != nil {
		log.Fatalf("failed to create book cache consumer: %v", err)
	}
	go runConsumer(ctx, "bookcache", bookConsumer)

	// Feed executed trades into the candle aggregator.
	tradesConsumer, err := stream.NewConsumer(
		cfg.Kafka.Brokers,
		"marketdata",
		[]string{stream.TopicTradesExecuted},
		"marketdata",
		func(ctx context.Context, key, value []byte) error {
			var trade domain.TradeExecuted
			if err := json.Unmarshal(value, &trade); err != nil {
				log.Printf("[marketdata] WARN: malformed trade event (key=%s), skipping: %v", key, err)
				return nil
			}
			candles.HandleTrade(&trade.Trade)
			return nil
		},
	)
	if err != nil {
		log.Fatalf("failed to create market data consumer: %v", err)
	}
	go runConsumer(ctx, "marketdata", tradesConsumer)

	// --- HTTP server ---

	r := gin.Default()
	r.Use(middleware.PrometheusMiddleware())

	h := handler.NewHandler(st, book, candles, submission)
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: r,
	}

	// --- Metrics server ---

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    ":" + cfg.HTTP.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		log.Printf("Metrics server listening on :%s", cfg.HTTP.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server error: %v", err)
		}
	}()

	go func() {
		log.Printf("HTTP server listening on :%s", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// --- Graceful shutdown ---

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
	if err := bookConsumer.Close(); err != nil {
		log.Printf("book cache consumer close error: %v", err)
	}
	if err := tradesConsumer.Close(); err != nil {
		log.Printf("market data consumer close error: %v", err)
	}

	log.Println("Trading venue API service stopped.")
}

// runConsumer keeps a downstream consumer alive: these feed caches, so a
// failed session is retried instead of taking the API down.
func runConsumer(ctx context.Context, name string, c *stream.Consumer) {
	for {
		err := c.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("[%s] consumer error: %v, retrying", name, err)
		time.Sleep(time.Second)
	}
}
