package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"momo-orchestrator/api"
	"momo-orchestrator/cache"
	"momo-orchestrator/config"
	"momo-orchestrator/notify"
	"momo-orchestrator/orchestrator"
	"momo-orchestrator/providers"
	"momo-orchestrator/store"

	"go.uber.org/zap"
)

// newProviders builds every configured adapter, each wrapped with a token
// cache and a circuit breaker. tokens may be nil.
func newProviders(cfg *config.Config, tokens providers.TokenStore, logger *zap.Logger) []providers.PaymentProvider {
	httpClient := &http.Client{Timeout: cfg.Gateway.Timeout}

	adapters := []providers.PaymentProvider{
		providers.NewMTNProvider(cfg.MTN, httpClient),
		providers.NewAirtelProvider(cfg.Airtel, httpClient),
	}

	wrapped := make([]providers.PaymentProvider, 0, len(adapters))
	for _, a := range adapters {
		p := providers.WithTokenCache(a, tokens, logger)
		p = providers.WithBreaker(p, cfg.Gateway.BreakerMaxFailures, cfg.Gateway.BreakerOpenTimeout, logger)
		wrapped = append(wrapped, p)
	}
	return wrapped
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func main() {
	logger, err := newLogger(os.Getenv("ENVIRONMENT"))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger.Info("configuration loaded",
		zap.String("environment", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
		zap.String("currency", cfg.Currency),
		zap.String("callback_host", cfg.CallbackHost))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	txStore, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("failed to open transaction store", zap.Error(err))
	}
	defer txStore.Close()

	var (
		redisStore *cache.RedisStore
		tokens     providers.TokenStore
		locks      cache.ReferenceLock
		publisher  notify.Publisher
	)
	if cfg.Redis.Enabled() {
		redisStore = cache.NewRedisStore(cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB))
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisStore.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer redisStore.Close()
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
		tokens, locks, publisher = redisStore, redisStore, redisStore
	}

	dispatcher, err := notify.New(cfg.Notify, publisher, logger)
	if err != nil {
		logger.Fatal("failed to create notification dispatcher", zap.Error(err))
	}
	defer dispatcher.Close()

	orch := orchestrator.New(txStore, newProviders(cfg, tokens, logger), orchestrator.Options{
		Currency:    cfg.Currency,
		GracePeriod: cfg.Sweeper.GracePeriod,
		BatchSize:   cfg.Sweeper.BatchSize,
		Locks:       locks,
		Dispatcher:  dispatcher,
	}, logger)

	if cfg.Sweeper.Enabled {
		sweeper := orchestrator.NewSweeper(orch, cfg.Sweeper.Interval, logger)
		go sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewRouter(api.NewPaymentHandler(orch, logger), logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Gateway.Timeout*2 + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
