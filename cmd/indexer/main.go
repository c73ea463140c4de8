package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/internal/tasks"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting indexer service", "data_dir", cfg.Indexer.DataDir)

	indexerCfg, err := indexer.ConfigFrom(cfg.Indexer)
	if err != nil {
		slog.Error("invalid indexer config", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	router, err := shard.NewRouter(cfg.Indexer,
		shard.WithOpenHook(func(n int) { m.ActiveIndexes.Set(float64(n)) }),
	)
	if err != nil {
		slog.Error("failed to create shard router", "error", err)
		os.Exit(1)
	}
	defer router.Close()
	prometheus.MustRegister(metrics.NewPebbleCollector(router.Stores))

	checker := health.NewChecker()
	checker.Register("indexes", health.Ping(router.Check, true))

	deps := consumer.Deps{
		Router:      router,
		CachePrefix: cfg.Redis.CachePrefix,
		Metrics:     m,
		Retry: resilience.RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		slog.Warn("postgres unavailable, task status will not be stored", "error", err)
	} else {
		defer db.Close()
		store := tasks.NewStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			slog.Error("failed to create task schema", "error", err)
			os.Exit(1)
		}
		deps.Tasks = store
		checker.Register("postgres", health.Ping(db.DB.PingContext, false))
	}

	cache, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, search cache will not be invalidated", "error", err)
	} else {
		defer cache.Close()
		deps.Cache = cache
		checker.Register("redis", health.Ping(cache.Ping, false))
	}

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexComplete)
	defer producer.Close()
	deps.Publisher = producer

	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port, map[string]http.Handler{
			"/livez":  checker.LiveHandler(),
			"/readyz": checker.ReadyHandler(),
		})
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	var consumerOpts []kafka.ConsumerOption
	if cfg.Kafka.Topics.DeadLetter != "" {
		deadLetter := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DeadLetter)
		defer deadLetter.Close()
		consumerOpts = append(consumerOpts, kafka.WithDeadLetter(deadLetter))
	}

	processor := consumer.NewProcessor(deps, indexerCfg)
	kafkaConsumer := kafka.NewConsumer(
		cfg.Kafka,
		cfg.Kafka.Topics.DocumentBatches,
		processor.HandleMessage(),
		consumerOpts...,
	)
	indexConsumer := consumer.New(kafkaConsumer)

	slog.Info("indexer service ready, consuming from kafka",
		"topic", cfg.Kafka.Topics.DocumentBatches,
		"group", cfg.Kafka.ConsumerGroup,
		"dead_letter_topic", cfg.Kafka.Topics.DeadLetter,
	)

	if err := indexConsumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}

	slog.Info("indexer service stopped")
}
