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

	"github.com/Vinayak0723/cryptoexchange/libs/health"
	"github.com/Vinayak0723/cryptoexchange/libs/httpmiddleware"
	"github.com/Vinayak0723/cryptoexchange/libs/logging"
	"github.com/Vinayak0723/cryptoexchange/libs/metrics"
	"github.com/Vinayak0723/cryptoexchange/libs/trace"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/config"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/handlers"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/nonce"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/rate"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/storage"
	"github.com/Vinayak0723/cryptoexchange/services/identity/internal/wallet"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTP(registry)
	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	ready.AddCheck("postgres", pool.Ping)

	client, err := connectRedis(cfg, logger)
	if err != nil {
		logger.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	if client != nil {
		defer func() {
			_ = client.Close()
		}()
		ready.AddCheck("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nonceStore := buildNonceStore(ctx, cfg, client, logger)
	limits := buildLimits(cfg, client)

	store := storage.New(pool)
	nonces := nonce.NewService(nonceStore, cfg.Nonce.TTL, cfg.Nonce.AppName, nil)
	wallets := wallet.NewAuthenticator(nonces, store, cfg.App.Features.WalletAuthEnabled, logger)
	h := handlers.New(store, wallets, logger, handlers.Options{
		JWTSecret:  cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
		TOTPIssuer: cfg.TOTPIssuer,
		APIKeyEnv:  cfg.APIKeyEnv,
		Argon2:     cfg.Argon2,
	}, limits).WithKeyResolver(store)

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, httpMetrics))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(httpmiddleware.CORS(cfg.App.HTTP.CORSOrigins))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	h.RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("identity service starting", "addr", addr, "wallet_auth", cfg.App.Features.WalletAuthEnabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}()
	ready.SetReady(true)

	waitForShutdown(server, logger, ready)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.URL())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// connectRedis returns nil when Redis is not configured and local fallbacks are allowed.
func connectRedis(cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		if cfg.LocalFallback() {
			logger.Warn("redis not configured, using in-memory nonces and rate limits")
			return nil, nil
		}
		return nil, fmt.Errorf("CEX_REDIS_ADDR must be set outside dev")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if cfg.LocalFallback() {
			logger.Warn("redis unavailable, falling back to memory", "error", err)
			return nil, nil
		}
		return nil, err
	}
	return client, nil
}

func buildNonceStore(ctx context.Context, cfg *config.Config, client *redis.Client, logger *slog.Logger) nonce.Store {
	if client != nil {
		return nonce.NewRedisStore(client, cfg.Nonce.Prefix, cfg.Nonce.Retention)
	}
	store := nonce.NewMemoryStore()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n, _ := store.Sweep(ctx, now); n > 0 {
					logger.Debug("nonces swept", "count", n)
				}
			}
		}
	}()
	return store
}

// buildLimits shares one counter between the endpoint throttles; their scopes keep
// the budgets apart.
func buildLimits(cfg *config.Config, client *redis.Client) handlers.Limits {
	rl := cfg.RateLimit
	var (
		counter rate.Counter
		blocker rate.Blocker
	)
	if client != nil {
		counter = rate.NewRedisCounter(client, rl.Prefix)
		blocker = rate.NewRedisBlocker(client, rl.Block, rl.Prefix)
	} else {
		counter = rate.NewWindowCounter()
		blocker = rate.NewMemoryBlocker(rl.Block)
	}
	return handlers.Limits{
		Login:    rate.NewThrottle(counter, rate.Policy{Scope: "login", Limit: rl.LoginLimit, Window: rl.Window}),
		Nonce:    rate.NewThrottle(counter, rate.Policy{Scope: "nonce", Limit: rl.NonceLimit, Window: rl.Window}),
		Register: rate.NewThrottle(counter, rate.Policy{Scope: "register", Limit: rl.RegisterLimit, Window: rl.Window}),
		Blocker:  blocker,
	}
}

func waitForShutdown(server *http.Server, logger *slog.Logger, ready *health.Manager) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ready.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutdown started")
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		return
	}
	logger.Info("shutdown complete")
}
