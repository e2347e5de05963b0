package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/MarkoPoloResearchLab/quotagate/internal/config"
	"github.com/MarkoPoloResearchLab/quotagate/internal/events"
	"github.com/MarkoPoloResearchLab/quotagate/internal/gateway"
	"github.com/MarkoPoloResearchLab/quotagate/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/quotagate/internal/httpapi"
	"github.com/MarkoPoloResearchLab/quotagate/internal/job"
	"github.com/MarkoPoloResearchLab/quotagate/internal/logging"
	"github.com/MarkoPoloResearchLab/quotagate/internal/metrics"
	"github.com/MarkoPoloResearchLab/quotagate/internal/provider"
	"github.com/MarkoPoloResearchLab/quotagate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/credit"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/ratelimit"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

func migrate(db *database) error {
	if err := gormstore.AutoMigrate(db.gorm); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// newWalletService builds the ledger with the structured operation log, the
// optional Kafka publisher and audit failure metrics.
func newWalletService(db *database, cfg config.Config, logger *zap.Logger, publisher wallet.OperationLogger, collectors *metrics.Collectors) (*wallet.Service, error) {
	var observe func(operation string)
	if collectors != nil {
		observe = collectors.ObserveAuditFailure
	}
	options := []wallet.ServiceOption{
		wallet.WithOperationLogger(logging.NewOperationLogger(logger)),
		wallet.WithAuditErrorHandler(logging.AuditErrorHandler(logger, observe)),
		wallet.WithDefaultReservationTTL(cfg.Wallet.ReservationTTL),
	}
	if publisher != nil {
		options = append(options, wallet.WithOperationLogger(publisher))
	}
	wallets, err := wallet.NewService(db.walletStore(), func() time.Time { return time.Now().UTC() }, options...)
	if err != nil {
		return nil, fmt.Errorf("wallet service init: %w", err)
	}
	return wallets, nil
}

func newCalculator(cfg config.CreditConfig) (*credit.Calculator, error) {
	table := credit.DefaultRateTable()
	if path := strings.TrimSpace(cfg.RateTablePath); path != "" {
		loaded, err := credit.LoadRateTable(path)
		if err != nil {
			return nil, fmt.Errorf("rate table: %w", err)
		}
		table = loaded
	}
	exchangeRate, err := decimal.NewFromString(cfg.ExchangeRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", credit.ErrInvalidExchangeRate, cfg.ExchangeRate)
	}
	return credit.NewCalculator(table, credit.WithExchangeRate(exchangeRate))
}

// newLimiter returns the admission limiter and, for the redis backend, the
// client to close on shutdown.
func newLimiter(cfg config.Config, logger *zap.Logger) (ratelimit.Limiter, *goredis.Client, error) {
	limits := ratelimit.Config{
		RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
		Window:            cfg.RateLimit.Window,
		Burst:             cfg.RateLimit.Burst,
	}
	options := []ratelimit.Option{
		ratelimit.WithKeyPrefix(cfg.RateLimit.KeyPrefix),
		ratelimit.WithLogger(logger),
	}
	if cfg.RateLimit.Backend != config.BackendRedis {
		limiter, err := ratelimit.New(limits, ratelimit.BackendLocal, nil, options...)
		return limiter, nil, err
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	limiter, err := ratelimit.New(limits, ratelimit.BackendRedis, client, options...)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return limiter, client, nil
}

func newPublisher(cfg config.KafkaConfig, logger *zap.Logger) (*events.Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	producer, err := events.NewSyncProducer(cfg.Brokers, cfg.ClientID)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	publisher, err := events.NewPublisher(producer, cfg.Topic, logger)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	return publisher, nil
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer db.close()
	if cfg.Database.AutoMigrate {
		if err := migrate(db); err != nil {
			return err
		}
	}

	collectors := metrics.NewCollectors(prometheus.NewRegistry())

	publisher, err := newPublisher(cfg.Kafka, logger)
	if err != nil {
		return err
	}
	var operationPublisher wallet.OperationLogger
	if publisher != nil {
		defer func() { _ = publisher.Close() }()
		operationPublisher = publisher
		logger.Info("publishing ledger events", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	wallets, err := newWalletService(db, cfg, logger, operationPublisher, collectors)
	if err != nil {
		return err
	}
	calculator, err := newCalculator(cfg.Credit)
	if err != nil {
		return err
	}
	directory := gormstore.NewDirectory(db.gorm)
	engine, err := quota.NewEngine(directory, quota.WithApprovalEndpoint(cfg.Quota.ApprovalEndpoint))
	if err != nil {
		return err
	}
	policies := gormstore.NewPolicyStore(db.gorm, quota.Policy{
		AllowPriorityBypass:  cfg.Quota.AllowPriorityBypass,
		AllowVacationSharing: cfg.Quota.AllowVacationSharing,
	})
	requests := gormstore.NewRequestLogStore(db.gorm)

	limiter, redisClient, err := newLimiter(cfg, logger)
	if err != nil {
		return fmt.Errorf("rate limiter init: %w", err)
	}
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	metering, err := gateway.ParseMeteringMode(cfg.Gateway.MeteringMode)
	if err != nil {
		return err
	}
	governed, err := gateway.New(gateway.Dependencies{
		Calculator: calculator,
		Quota:      engine,
		Policies:   policies,
		Holders:    directory,
		Ledger:     wallets,
		Provider: provider.NewOpenAIClient(provider.OpenAIConfig{
			APIKey:     cfg.Provider.APIKey,
			BaseURL:    cfg.Provider.BaseURL,
			CostHeader: cfg.Provider.CostHeader,
			Timeout:    cfg.Provider.Timeout,
			Logger:     logger,
		}),
	},
		gateway.WithMeteringMode(metering),
		gateway.WithRetryPolicy(gateway.RetryPolicy{
			MaxAttempts: cfg.Gateway.MaxAttempts,
			BaseDelay:   cfg.Gateway.BaseDelay,
			MaxDelay:    cfg.Gateway.MaxDelay,
			Multiplier:  cfg.Gateway.BackoffMultiplier,
		}),
		gateway.WithReservationTTL(cfg.Wallet.ReservationTTL),
		gateway.WithRequestTimeout(cfg.Gateway.RequestTimeout),
		gateway.WithRequestLogger(requests),
		gateway.WithLogger(logger),
		gateway.WithMetrics(collectors),
	)
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}

	tickers := []*job.Ticker{
		job.WalletReset(wallets, cfg.Wallet.ResetInterval, logger),
		job.ReservationExpiry(wallets, cfg.Wallet.ExpiryInterval, cfg.Wallet.ExpiryPageSize, logger),
	}
	if pruner, ok := limiter.(job.Pruner); ok {
		tickers = append(tickers, job.RateLimitPrune(pruner, cfg.RateLimit.PruneInterval, nil, logger))
	}
	for _, ticker := range tickers {
		ticker.Observe = collectors.ObserveJob
	}
	jobs := job.NewGroup(tickers...)
	if err := jobs.Start(ctx); err != nil {
		return fmt.Errorf("jobs start: %w", err)
	}
	defer jobs.Stop()

	httpServer, err := httpapi.New(httpapi.Config{
		ListenAddr:        cfg.HTTP.ListenAddr,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.HTTP.ShutdownTimeout,
		AllowedOrigins:    cfg.HTTP.AllowedOrigins,
		BypassPaths:       cfg.RateLimit.BypassPaths,
		AdminEnabled:      cfg.Admin.Enabled,
		AdminSigningKey:   cfg.Admin.SigningKey,
		AdminIssuer:       cfg.Admin.Issuer,
		AdminRole:         cfg.Admin.Role,
	}, httpapi.Dependencies{
		Gateway:    governed,
		Calculator: calculator,
		Quota:      engine,
		Policies:   policies,
		Wallets:    wallets,
		Requests:   requests,
		Limiter:    limiter,
		Metrics:    collectors,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpServer.Run(groupCtx)
	})
	if cfg.GRPC.Enabled {
		service, err := grpcserver.NewGovernanceServer(calculator, engine, policies, wallets)
		if err != nil {
			return err
		}
		group.Go(func() error {
			return serveGRPC(groupCtx, cfg.GRPC.ListenAddr, service, limiter, logger)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func serveGRPC(ctx context.Context, listenAddr string, service grpcserver.GovernanceService, limiter ratelimit.Limiter, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	grpcServer := grpc.NewServer(
		grpcserver.ServerCodecOption(),
		grpc.ChainUnaryInterceptor(
			grpcserver.LoggingInterceptor(logger),
			grpcserver.RateLimitInterceptor(limiter),
		),
	)
	grpcserver.RegisterGovernanceServer(grpcServer, service)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listenAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}
