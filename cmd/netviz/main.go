package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"netviz/internal/config"
	"netviz/internal/handler"
	"netviz/internal/repository"
	"netviz/internal/service"
)

const (
	leaseKey        = "netviz:refresh-lease"
	shutdownTimeout = 10 * time.Second
)

func main() {
	// Initialize logger
	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := logConfig.Build()
	defer logger.Sync()

	logger.Info("Starting up server...")

	// Load configuration
	configFile := os.Getenv("CONFIG_FILE")
	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	setLogLevel(logConfig.Level, cfg.LogLevel, logger)

	// Initialize cache store
	cache, err := repository.NewFileCache(cfg.DataDir, cfg.CacheCompression == config.CompressionZstd, logger)
	if err != nil {
		logger.Fatal("Failed to initialize cache store", zap.Error(err))
	}
	defer cache.Close()

	// Optional Redis lease shared by replicas
	var lease service.Lease
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to parse Redis URL", zap.Error(err))
		}
		redisClient := redis.NewClient(opt)
		defer redisClient.Close()
		redisLease := repository.NewRedisLease(redisClient, leaseKey, cfg.LeaseTTL, logger)
		logger.Info("Refresh lease enabled",
			zap.String("key", leaseKey),
			zap.String("owner", redisLease.Owner()),
			zap.Duration("ttl", cfg.LeaseTTL))
		lease = redisLease
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := service.NewMetrics(registry)

	// Initialize services
	fetcher := service.NewPeeringDBService(cfg, nil, metrics, logger)
	coordinator := service.NewRefreshCoordinator(fetcher, cache, lease, cfg, metrics, logger)
	queryService := service.NewQueryService(coordinator, cfg.MaxCacheAge, logger)

	// Initialize HTTP server
	app := fiber.New(fiber.Config{
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(handler.RequestLogger(logger, 10*time.Second))

	// Initialize and register handlers
	h := handler.NewHandler(queryService, coordinator,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}), logger)
	h.RegisterRoutes(app)

	// Apply log level and refresh interval changes without a restart
	err = config.Watch(configFile, logger, func(updated *config.Config) {
		setLogLevel(logConfig.Level, updated.LogLevel, logger)
		coordinator.SetInterval(updated.RefreshInterval)
	})
	if err != nil {
		logger.Warn("Config hot reload disabled", zap.Error(err))
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Publish the cached snapshot before the API accepts refresh requests
	if err := coordinator.LoadCache(ctx); err != nil {
		logger.Warn("Cache unreadable, starting without data", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Start(ctx)
	})
	g.Go(func() error {
		logger.Info("Listening", zap.String("addr", cfg.ServerPort))
		return app.Listen(cfg.ServerPort)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func setLogLevel(level zap.AtomicLevel, name string, logger *zap.Logger) {
	l, err := zapcore.ParseLevel(name)
	if err != nil {
		logger.Warn("Unknown log level, keeping current", zap.String("level", name))
		return
	}
	level.SetLevel(l)
}
