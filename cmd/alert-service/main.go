// Package main provides the alert service entry point.
// Consumes stock events and publishes low-stock alerts.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medstock/medstock/internal/alerts"
	"github.com/medstock/medstock/internal/config"
	"github.com/medstock/medstock/internal/infrastructure/postgres"
	"github.com/medstock/medstock/internal/infrastructure/redpanda"
	"github.com/medstock/medstock/internal/observability/logging"
	"github.com/medstock/medstock/internal/observability/metrics"
	"github.com/medstock/medstock/internal/observability/tracing"
	"github.com/medstock/medstock/pkg/circuitbreaker"
	"github.com/medstock/medstock/pkg/idempotency"
)

const serviceName = "alert-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(serviceName, cfg.LogLevel, cfg.IsDev())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	m := metrics.New(nil)
	breaker := func(name string, ignore func(error) bool) *circuitbreaker.CircuitBreaker {
		cbCfg := circuitbreaker.DefaultConfig(name)
		cbCfg.Ignore = ignore
		cbCfg.OnStateChange = func(name string, to circuitbreaker.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(to.Gauge())
		}
		cb, err := circuitbreaker.New(cbCfg, logger)
		if err != nil {
			logger.Fatal("circuit breaker creation failed", zap.String("name", name), zap.Error(err))
		}
		return cb
	}

	store := postgres.NewGuarded(postgres.NewStore(pool, logger), breaker("postgres", postgres.IsBusinessError))

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	producer.OnProduced = m.KafkaMessagesProduced.Inc

	loc, _ := cfg.Location()
	alertCfg := alerts.DefaultConfig()
	alertCfg.Location = loc
	alertCfg.Pool.Workers = cfg.AlertWorkers

	svc, err := alerts.NewService(store, inbox, producer, breaker("alerts-publisher", nil), m, alertCfg, logger)
	if err != nil {
		logger.Fatal("alert service creation failed", zap.Error(err))
	}
	svc.Start()

	// Create consumer
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.Skip = func(err error) bool { return errors.Is(err, idempotency.ErrPermanent) }

	consumer, err := redpanda.NewConsumer(consumerCfg, svc.HandleMessage, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.OnConsumed = m.KafkaMessagesConsumed.Inc

	consumer.Start()
	logger.Info("alert service started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.Int("workers", cfg.AlertWorkers))

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := redpanda.HealthCheck(r.Context(), cfg.KafkaBrokers); err != nil {
			http.Error(w, "broker unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/lag", func(w http.ResponseWriter, r *http.Request) {
		admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer admin.Close()
		lag, err := admin.GroupLag(r.Context(), consumerCfg.GroupID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(lag)
	})
	r.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop error", zap.Error(err))
	}
	svc.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	_ = tp.Shutdown(shutdownCtx)

	stats := svc.Stats()
	consumed := consumer.Stats()
	logger.Info("alert service stopped",
		zap.Int64("messages_read", consumed.MessagesRead),
		zap.Int64("consumer_errors", consumed.ErrorCount),
		zap.Int64("completed", stats.Completed),
		zap.Int64("failed", stats.Failed))
}
