package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ambegh/Living-labs/internal/analysis"
	"github.com/ambegh/Living-labs/internal/analytics"
	"github.com/ambegh/Living-labs/internal/ranker"
	"github.com/ambegh/Living-labs/internal/scorer"
	"github.com/ambegh/Living-labs/internal/service"
	"github.com/ambegh/Living-labs/internal/stats"
	"github.com/ambegh/Living-labs/pkg/config"
	"github.com/ambegh/Living-labs/pkg/health"
	"github.com/ambegh/Living-labs/pkg/kafka"
	"github.com/ambegh/Living-labs/pkg/logger"
	"github.com/ambegh/Living-labs/pkg/metrics"
	"github.com/ambegh/Living-labs/pkg/middleware"
	"github.com/ambegh/Living-labs/pkg/postgres"
	pkgredis "github.com/ambegh/Living-labs/pkg/redis"
	"github.com/ambegh/Living-labs/pkg/resilience"
)

func main() {
	configPath := pflag.String("config", "configs/development.yaml", "path to config file")
	importCorpus := pflag.Bool("import", false, "load the corpus or snapshot into PostgreSQL before serving")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg, *importCorpus); err != nil {
		slog.Error("ranker service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("ranker service stopped")
}

func run(cfg *config.Config, importCorpus bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model, err := scorer.ParseModel(cfg.Scoring.Model)
	if err != nil {
		return err
	}
	slog.Info("starting ranker service",
		"port", cfg.Server.Port, "model", model, "stats_backend", cfg.Stats.Backend)

	m := metrics.New()
	checker := health.NewChecker()
	analyzer := analysis.ByName(cfg.Stats.Analyzer)

	var provider stats.Provider
	var pg *postgres.Client
	switch cfg.Stats.Backend {
	case "memory":
		idx, err := stats.OpenMemoryIndex(cfg.Stats, analyzer)
		if err != nil {
			return fmt.Errorf("building in-memory statistics: %w", err)
		}
		provider = idx
		checker.Register("stats", func(ctx context.Context) health.ComponentHealth {
			return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d documents", idx.DocCount())}
		})
	case "postgres":
		pg, err = postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer pg.Close()
		pgProvider := stats.NewPostgresProvider(pg)
		if err := pgProvider.Migrate(ctx); err != nil {
			return err
		}
		if importCorpus {
			idx, err := stats.OpenMemoryIndex(cfg.Stats, analyzer)
			if err != nil {
				return fmt.Errorf("building statistics for import: %w", err)
			}
			if err := stats.NewImporter(pg).Import(ctx, idx); err != nil {
				return err
			}
		}
		provider = pgProvider
		checker.Register("postgres", health.Ping(pgProvider.Ping, true))
	default:
		return fmt.Errorf("unknown statistics backend %q", cfg.Stats.Backend)
	}

	cacheOpts := stats.CacheOptions{
		Size:      cfg.Stats.CacheSize,
		RemoteTTL: cfg.Redis.CacheTTL,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold:    5,
			ResetTimeout:        30 * time.Second,
			HalfOpenMaxRequests: 1,
		},
		Metrics: m,
	}
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, statistics cache is process-local", "error", err)
		} else {
			defer redisClient.Close()
			cacheOpts.Remote = redisClient
			checker.Register("redis", health.Ping(redisClient.Ping, false))
			slog.Info("shared statistics cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}
	cached, err := stats.NewCachedProvider(provider, cacheOpts)
	if err != nil {
		return err
	}

	aggregator := analytics.NewAggregator()
	var observer ranker.Observer = aggregator
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.RankTopic)
		defer producer.Close()
		collector := analytics.NewCollector(producer, 100, 5*time.Second)
		collector.Start(ctx)
		defer collector.Close()
		observer = collector

		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.RankTopic, analytics.HandleEvent(aggregator))
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("analytics consumer error", "error", err)
			}
		}()
		slog.Info("rank analytics published to kafka", "topic", cfg.Kafka.RankTopic)
	}
	if pg != nil {
		store := analytics.NewStore(pg)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		store.StartPeriodicSave(ctx, aggregator, time.Minute)
	}

	rk := ranker.New(cached, analyzer, model, scorer.ParamsFromConfig(cfg.Scoring), ranker.Options{
		Workers:      cfg.Ranking.Workers,
		BatchTimeout: cfg.Ranking.BatchTimeout,
		DefaultLimit: cfg.Ranking.DefaultLimit,
		MaxResults:   cfg.Ranking.MaxResults,
		Metrics:      m,
		Observer:     observer,
	})

	mux := http.NewServeMux()
	service.New(rk).Register(mux)
	mux.HandleFunc("GET /api/v1/analytics", analytics.NewHandler(aggregator).Stats)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.RateLimit(middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst))(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	if cfg.Metrics.Enabled {
		admin := metrics.NewAdminMux(metrics.ServiceInfo{
			Model:     model.String(),
			Smoothing: cfg.Scoring.SmoothingMethod,
			Backend:   cfg.Stats.Backend,
			Analyzer:  cfg.Stats.Analyzer,
			StartedAt: time.Now(),
		}, checker.ReadyHandler())
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, admin)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownMetrics(shutdownCtx)
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("ranker service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}
