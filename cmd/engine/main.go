package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nathanyu/trading-venue/internal/config"
	"github.com/nathanyu/trading-venue/internal/matching"
	"github.com/nathanyu/trading-venue/internal/metacache"
	"github.com/nathanyu/trading-venue/internal/store"
	"github.com/nathanyu/trading-venue/internal/stream"
	"github.com/nathanyu/trading-venue/internal/tracing"
)

// engineStore narrows the Postgres store to the engine's Store interface,
// hiding the concrete transaction type.
type engineStore struct {
	*store.Postgres
}

func (s engineStore) RunTransaction(ctx context.Context, fn func(tx matching.Tx) error) error {
	return s.Postgres.RunTransaction(ctx, func(tx *store.Tx) error {
		return fn(tx)
	})
}

func main() {
	log.Println("Starting matching engine worker...")

	cfg := config.Load()

	shutdownTracer, err := tracing.InitTracer("matching-engine")
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer shutdownTracer()

	// --- Core components, wired explicitly ---

	st, err := store.Open(cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to open order store: %v", err)
	}
	defer st.Close()

	publisher := stream.NewPublisher(cfg.Kafka.Brokers)
	defer publisher.Close()

	// Best-effort attribution cache; empty after every restart.
	cache := metacache.New()

	engine := matching.NewEngine(engineStore{st}, cache, publisher, matching.DefaultChunkSize)

	consumer, err := stream.NewConsumer(
		cfg.Kafka.Brokers,
		cfg.Kafka.GroupID,
		[]string{stream.TopicOrdersNew},
		"engine",
		engine.HandleMessage,
	)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
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

	// --- Consumption loop ---

	ctx, cancel := context.WithCancel(context.Background())
	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.Run(ctx)
	}()

	// --- Graceful shutdown ---

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Println("Shutting down...")
	case err := <-consumerDone:
		// Store outages and other hard failures land here; the channel
		// retains everything uncommitted for the next run.
		log.Printf("consumer stopped: %v", err)
	}

	cancel()
	if err := consumer.Close(); err != nil {
		log.Printf("consumer close error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	log.Println("Matching engine worker stopped.")
}
