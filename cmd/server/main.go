package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/kevin07696/checkout-authorizer/internal/adapters/applepay"
	"github.com/kevin07696/checkout-authorizer/internal/adapters/gateway"
	"github.com/kevin07696/checkout-authorizer/internal/adapters/kafka"
	"github.com/kevin07696/checkout-authorizer/internal/adapters/postgres"
	"github.com/kevin07696/checkout-authorizer/internal/config"
	"github.com/kevin07696/checkout-authorizer/internal/domain/ports"
	paymentHandler "github.com/kevin07696/checkout-authorizer/internal/handlers/payment"
	"github.com/kevin07696/checkout-authorizer/internal/middleware"
	"github.com/kevin07696/checkout-authorizer/internal/services/authorization"
	"github.com/kevin07696/checkout-authorizer/internal/services/wallet"
	pkghttp "github.com/kevin07696/checkout-authorizer/pkg/http"
	"github.com/kevin07696/checkout-authorizer/pkg/observability"
	"github.com/kevin07696/checkout-authorizer/pkg/resilience"
	"github.com/kevin07696/checkout-authorizer/pkg/shutdown"
)

const routeAuthorize = "POST /api/v2/payments"

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logger)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting checkout authorizer",
		zap.String("version", "0.1.0"),
		zap.String("environment", cfg.Server.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := initDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	logger.Info("Database connection established",
		zap.String("database", cfg.Database.Database),
	)

	shutdownMgr := shutdown.NewManager(logger, cfg.Server.ShutdownTimeout)
	shutdownMgr.RegisterNoErr("database", dbPool.Close)

	healthChecker := observability.NewHealthChecker(dbPool)
	deps := initDependencies(ctx, cfg, dbPool, healthChecker, logger)
	shutdownMgr.RegisterCloser("event-publisher", deps.publisher)

	rateLimiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, logger)
	shutdownMgr.RegisterNoErr("rate-limiter", rateLimiter.Shutdown)

	mux := http.NewServeMux()
	mux.Handle(routeAuthorize, observability.HTTPMetrics(routeAuthorize, deps.authorizeHandler))
	deps.walletHandler.RegisterRoutes(mux)

	handler := middleware.Chain(mux,
		middleware.Correlation(logger),
		middleware.Recovery(logger),
		middleware.NewSecurityHeaders(!cfg.Server.IsProduction()).Middleware,
		rateLimiter.Middleware,
	)

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Server.HandlerTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsServer := observability.StartMetricsServer(strconv.Itoa(cfg.Server.MetricsPort), healthChecker, logger)
	shutdownMgr.Register("metrics-server", func(ctx context.Context) error {
		return observability.ShutdownMetricsServer(ctx, metricsServer)
	})
	shutdownMgr.RegisterHTTPServer("http-server", httpServer)
	shutdownMgr.RegisterNoErr("readiness", func() { healthChecker.SetReady(false) })

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening",
			zap.String("address", httpServer.Addr),
			zap.Int("metrics_port", cfg.Server.MetricsPort),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down servers...")
		return shutdownMgr.Shutdown()
	})

	healthChecker.SetReady(true)

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Servers stopped")
}

// Dependencies holds the wired services and handlers
type Dependencies struct {
	publisher        interface{ Close() error }
	authorizeHandler *paymentHandler.AuthorizeHandler
	walletHandler    *paymentHandler.WalletHandler
}

// initLogger initializes the logger
func initLogger(cfg config.LoggerConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// initDatabase initializes the PostgreSQL connection pool
func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// initTimeouts derives the call chain budgets from configuration
func initTimeouts(cfg *config.Config) *resilience.TimeoutConfig {
	timeouts := resilience.DefaultTimeoutConfig()
	timeouts.HTTPHandler = cfg.Server.HandlerTimeout
	timeouts.Gateway = cfg.Gateway.Timeout
	timeouts.LockWait = cfg.Lock.Wait
	if budget := cfg.Server.HandlerTimeout - 5*time.Second; budget > timeouts.Gateway {
		timeouts.Authorization = budget
	}
	return timeouts
}

// initDependencies wires adapters, services and handlers
func initDependencies(
	ctx context.Context,
	cfg *config.Config,
	dbPool *pgxpool.Pool,
	healthChecker *observability.HealthChecker,
	logger *zap.Logger,
) *Dependencies {
	timeouts := initTimeouts(cfg)
	secretManager := initSecretManager(ctx, cfg, logger)

	// Gateway
	secretKey, err := loadGatewaySecretKey(ctx, secretManager, cfg.Gateway.SecretKeyPath)
	if err != nil {
		logger.Fatal("Failed to load gateway secret key", zap.Error(err))
	}

	gatewayCfg := gateway.DefaultConfig(cfg.Server.Environment)
	if cfg.Gateway.BaseURL != "" {
		gatewayCfg.BaseURL = cfg.Gateway.BaseURL
	}
	gatewayCfg.SecretKey = secretKey
	gatewayCfg.Timeout = cfg.Gateway.Timeout
	gatewayCfg.FetchMaxAttempts = cfg.Gateway.FetchMaxAttempts
	gatewayCfg.ThreeDSEnabled = cfg.Gateway.ThreeDSEnabled
	gatewayCfg.AutoCapture = cfg.Gateway.AutoCapture
	gatewayCfg.CircuitBreaker.MaxFailures = cfg.Gateway.BreakerFailures
	gatewayCfg.CircuitBreaker.OpenTimeout = cfg.Gateway.BreakerOpenFor

	gatewayClient := gateway.NewClient(
		gatewayCfg,
		pkghttp.NewHTTPClient(pkghttp.GatewayClientConfig(), cfg.Gateway.Timeout),
		logger,
	)

	logger.Info("Gateway client initialized",
		zap.String("base_url", gatewayCfg.BaseURL),
		zap.Bool("three_ds", gatewayCfg.ThreeDSEnabled),
		zap.Bool("auto_capture", gatewayCfg.AutoCapture),
	)

	// Persistence
	db := postgres.NewDBExecutor(dbPool)
	orders := postgres.NewOrderRepository(db, logger)
	recorder := postgres.NewPaymentRecorder(db, logger)
	shipping := postgres.NewShippingRepository(db, logger)

	var locker ports.OrderLocker
	switch cfg.Lock.Backend {
	case "memory":
		logger.Warn("Using in-process order lock, unsafe with more than one replica")
		locker = authorization.NewMemoryLocker(cfg.Lock.Wait)
	default:
		locker = postgres.NewAdvisoryLocker(db, cfg.Lock.Wait, postgres.MaxLockHolders(cfg.Database.MaxConns), logger)
	}

	// Events
	var publisher interface {
		ports.OutcomePublisher
		Close() error
	}
	if cfg.Kafka.Enabled() {
		publisher = kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		healthChecker.AddCheck("kafka", kafka.BrokerCheck(cfg.Kafka.Brokers))
		logger.Info("Publishing authorization events",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	} else {
		publisher = kafka.NopPublisher{}
	}

	// Services
	stores := authorization.NewStoreCredentialResolver(secretManager, authorization.StoreDefaults{
		SuccessURL:    cfg.Store.SuccessURL,
		FailureURL:    cfg.Store.FailureURL,
		WalletEnabled: cfg.Store.WalletEnabled,
	}, cfg.Store.CacheTTL, logger)

	orchestrator := authorization.NewOrchestrator(orders, gatewayClient, recorder, locker, publisher, timeouts, logger)

	var validator ports.MerchantValidator = applepay.DisabledValidator{}
	if cfg.Wallet.Configured() {
		v, err := applepay.NewMerchantValidator(applepay.Config{
			MerchantIdentifier: cfg.Wallet.MerchantIdentifier,
			DisplayName:        cfg.Wallet.DisplayName,
			CertFile:           cfg.Wallet.CertFile,
			KeyFile:            cfg.Wallet.KeyFile,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize wallet merchant validator", zap.Error(err))
		}
		validator = v
	}

	session := wallet.NewSessionAdapter(shipping, validator, orchestrator, wallet.Config{
		MerchantDomain:  cfg.Wallet.MerchantDomain,
		DisplayLabel:    cfg.Wallet.DisplayName,
		ValidationHosts: cfg.Wallet.ValidationHosts,
	}, logger)

	return &Dependencies{
		publisher:        publisher,
		authorizeHandler: paymentHandler.NewAuthorizeHandler(orchestrator, stores, cfg.Store.DefaultCode, timeouts, logger),
		walletHandler:    paymentHandler.NewWalletHandler(session, stores, cfg.Store.DefaultCode, timeouts, logger),
	}
}
