package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/health"
	"github.com/Vinayak0723/cryptoexchange/libs/httpmiddleware"
	"github.com/Vinayak0723/cryptoexchange/libs/kafka"
	"github.com/Vinayak0723/cryptoexchange/libs/logging"
	"github.com/Vinayak0723/cryptoexchange/libs/metrics"
	"github.com/Vinayak0723/cryptoexchange/libs/trace"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/audit"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/chain"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/config"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/consumer"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/deposit"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/gateway"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/handlers"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/kyc"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/rates"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/retry"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/service"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/storage"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/twofactor"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/withdrawal"
	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// fundsStore is what the workflows need from either backing store.
type fundsStore interface {
	withdrawal.Store
	deposit.Store
	handlers.Book
	audit.AuditWriter
	consumer.EventDeduper
}

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
	fundsMetrics := service.NewMetrics(registry)
	ready := health.NewManager(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		store       fundsStore
		kycProvider kyc.Provider
		secrets     twofactor.SecretSource
		keys        *storage.Store
	)
	pool, err := connectDB(cfg)
	switch {
	case err == nil:
		defer pool.Close()
		ready.AddCheck("postgres", pool.Ping)
		pg := storage.New(pool, logger).WithObserver(fundsMetrics)
		store, kycProvider, secrets, keys = pg, pg, pg, pg
	case cfg.App.Features.DemoMode:
		logger.Warn("postgres unavailable, running demo mode on the in-memory store", "error", err)
		store = storage.NewMemoryStore().WithObserver(fundsMetrics)
		demoKYC := kyc.NewStatic(nil)
		demoKYC.Default = 2
		kycProvider = demoKYC
		secrets = twofactor.NewStaticSecrets()
	default:
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}

	client := connectRedis(cfg, logger)
	if client != nil {
		defer func() {
			_ = client.Close()
		}()
		ready.AddCheck("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}

	fundsChain, closeChain, err := buildChain(ctx, cfg, logger)
	if err != nil {
		logger.Error("chain init failed", "error", err)
		os.Exit(1)
	}
	defer closeChain()

	policy := retry.Policy{Attempts: cfg.Collaborators.Attempts, Timeout: cfg.Collaborators.Timeout}
	quoter, err := buildQuoter(cfg, client, policy, fundsMetrics, logger)
	if err != nil {
		logger.Error("rates init failed", "error", err)
		os.Exit(1)
	}

	gw := cfg.GatewaySecrets()
	payments, err := gateway.NewHMACGateway(gw.KeyID, gw.KeySecret, gw.WebhookSecret, nil)
	if err != nil {
		logger.Error("gateway init failed", "error", err)
		os.Exit(1)
	}

	var producer *kafka.SyncProducer
	if cfg.Kafka.Enabled() {
		producer, err = kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
	}

	sinks := audit.Multi{audit.NewPostgresSink(store, logger), audit.NewLogSink(logger)}
	if producer != nil {
		publisher := kafka.NewDeadLetterPublisher(producer, nil, cfg.Kafka.Topics.DeadLetter, logger)
		sinks = append(sinks, audit.NewKafkaSink(publisher, cfg.Kafka.Topics.Audit, logger))
	}
	auditSink := audit.NewAsyncSink(sinks, 1024, logger)
	auditCtx, auditCancel := context.WithCancel(context.Background())
	go auditSink.Run(auditCtx)

	wcfg := withdrawal.DefaultConfig()
	wcfg.Features = cfg.App.Features
	wcfg.FeePercent = cfg.Funds.WithdrawalFeePercent
	wcfg.FiatCurrency = cfg.Funds.FiatCurrency
	wcfg.SourceCurrency = cfg.Funds.CreditCurrency
	wcfg.LimitCurrency = cfg.Funds.LimitCurrency
	wcfg.MinFiatAmount = cfg.Funds.MinFiatWithdrawal
	wcfg.AutoApproveLimit = cfg.Funds.AutoApproveLimit
	wcfg.Confirmations = cfg.Funds.Confirmations
	wcfg.DefaultConfirmations = cfg.Funds.DefaultConfirmations
	wcfg.Policy = policy
	withdrawals := withdrawal.NewService(withdrawal.Deps{
		Store:     store,
		KYC:       kycProvider,
		Rates:     quoter,
		Chain:     fundsChain,
		TwoFactor: twofactor.NewTOTPVerifier(secrets),
		Audit:     auditSink,
		Metrics:   fundsMetrics,
		Logger:    logger,
	}, wcfg)

	dcfg := deposit.DefaultConfig()
	dcfg.Features = cfg.App.Features
	dcfg.FiatCurrency = cfg.Funds.FiatCurrency
	dcfg.CreditCurrency = cfg.Funds.CreditCurrency
	dcfg.LimitCurrency = cfg.Funds.LimitCurrency
	dcfg.FeePercent = cfg.Funds.DepositFeePercent
	dcfg.MinFiatAmount = cfg.Funds.MinFiatDeposit
	dcfg.DepositAddress = cfg.Chain.DepositAddress
	dcfg.Confirmations = cfg.Funds.Confirmations
	dcfg.DefaultConfirmations = cfg.Funds.DefaultConfirmations
	dcfg.Policy = policy
	deposits := deposit.NewService(deposit.Deps{
		Store:   store,
		KYC:     kycProvider,
		Rates:   quoter,
		Gateway: payments,
		Chain:   fundsChain,
		Audit:   auditSink,
		Metrics: fundsMetrics,
		Logger:  logger,
	}, dcfg)

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	h := handlers.New(store, withdrawals, deposits, cfg.JWTSecret, logger)
	if keys != nil {
		h = h.WithKeyResolver(keys)
	}
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

	poller := worker.NewPoller(deposits, withdrawals, fundsMetrics, logger, worker.Options{
		Interval:    cfg.Poller.Interval,
		Concurrency: cfg.Poller.Concurrency,
		BatchSize:   cfg.Poller.BatchSize,
	})
	go poller.Run(ctx)

	if cfg.Kafka.Enabled() {
		group, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		defer group.Close()
		if cfg.Kafka.Topics.DeadLetter != "" {
			group = group.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter)
		}
		chainConsumer := consumer.NewChainConsumer(deposits, store, fundsMetrics, logger)
		go func() {
			logger.Info("funds consumer starting", "topic", cfg.Kafka.Topics.DepositsObserved)
			if err := group.Consume(ctx, []string{cfg.Kafka.Topics.DepositsObserved}, chainConsumer); err != nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("funds grpc starting", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()
	go func() {
		logger.Info("funds service starting", "addr", addr, "demo_mode", cfg.App.Features.DemoMode, "simulated_chain", cfg.SimulatedChain())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}()
	ready.SetReady(true)

	waitForShutdown(grpcServer, healthServer, server, ready, cancel, logger)

	auditCancel()
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := auditSink.Wait(flushCtx); err != nil {
		logger.Warn("audit flush incomplete", "error", err)
	}
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

// connectRedis returns nil when Redis is not configured or unreachable. Rates then fall back
// to a per-replica cache.
func connectRedis(cfg *config.Config, logger *slog.Logger) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
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
		logger.Warn("redis unavailable, using in-process rate cache", "error", err)
		return nil
	}
	return client
}

func buildQuoter(cfg *config.Config, client *redis.Client, policy retry.Policy, m *service.Metrics, logger *slog.Logger) (rates.Quoter, error) {
	static, err := rates.NewStaticQuoter(cfg.Rates.Static)
	if err != nil {
		return nil, err
	}
	q := rates.NewCachedQuoter(static, cfg.Rates.CacheTTL, policy, m, m, logger)
	if client != nil {
		q = q.WithCache(rates.NewRedisCache(client, cfg.Rates.CacheTTL, cfg.Redis.Prefix, logger))
	}
	return q, nil
}

// buildChain dials the configured EVM network, or starts the simulated chain when no RPC URL
// is set.
func buildChain(ctx context.Context, cfg *config.Config, logger *slog.Logger) (chain.Chain, func(), error) {
	var (
		inner   chain.Chain
		closeFn = func() {}
	)
	if cfg.SimulatedChain() {
		inner = chain.NewSimulated(cfg.Chain.BlockTime)
	} else {
		evm, err := chain.DialEVM(ctx, cfg.Chain.Name, cfg.Chain.Native, cfg.Chain.RPCURL, cfg.Chain.HotWalletKey, cfg.Chain.ChainID)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("evm chain connected", "chain", cfg.Chain.Name, "chain_id", cfg.Chain.ChainID, "hot_wallet", evm.HotWallet())
		inner, closeFn = evm, evm.Close
	}
	router := chain.Router{chain.NormalizeName(cfg.Chain.Name): inner}
	breaker := chain.NewBreaker(cfg.Collaborators.BreakerThreshold, cfg.Collaborators.BreakerCooldown)
	return chain.WithBreaker(router, breaker, cfg.Collaborators.Timeout), closeFn, nil
}

func waitForShutdown(grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()

	select {
	case <-grpcDone:
	case <-ctx.Done():
		grpcServer.Stop()
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
