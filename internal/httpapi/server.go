// Package httpapi exposes the governed completion endpoint, quota checks and
// wallet administration over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/quotagate/internal/gateway"
	"github.com/MarkoPoloResearchLab/quotagate/internal/metrics"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/credit"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/quota"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/ratelimit"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

var ErrInvalidServerConfig = errors.New("invalid http server config")

// Completer runs one governed completion.
type Completer interface {
	Complete(ctx context.Context, request gateway.CompletionRequest) (gateway.Outcome, error)
}

// QuotaChecker evaluates the cascade without spending.
type QuotaChecker interface {
	Check(ctx context.Context, policy quota.Policy, request quota.CheckRequest) (quota.CheckResult, error)
}

// WalletAdmin is the wallet service surface the admin routes drive.
type WalletAdmin interface {
	CreateWallet(ctx context.Context, spec wallet.WalletSpec) (wallet.Wallet, error)
	UpdateWallet(ctx context.Context, walletID wallet.WalletID, update wallet.WalletUpdate) (wallet.Wallet, error)
	SuspendWallet(ctx context.Context, walletID wallet.WalletID) (wallet.Wallet, error)
	ActivateWallet(ctx context.Context, walletID wallet.WalletID) (wallet.Wallet, error)
	CloseWallet(ctx context.Context, walletID wallet.WalletID) (wallet.Wallet, error)
	GetWallet(ctx context.Context, walletID wallet.WalletID) (wallet.Wallet, error)
	ListWallets(ctx context.Context, filter wallet.WalletFilter) ([]wallet.Wallet, error)
	Transactions(ctx context.Context, walletID wallet.WalletID, filter wallet.TransactionFilter) ([]wallet.Transaction, error)
	TopUp(ctx context.Context, request wallet.TopUpRequest) (wallet.Receipt, error)
	Verify(ctx context.Context, walletID wallet.WalletID) (wallet.VerifyResult, error)
	Chargeback(ctx context.Context, query wallet.ChargebackQuery) (wallet.ChargebackReport, error)
}

// RequestLister reads persisted gateway request logs.
type RequestLister interface {
	ListRequests(ctx context.Context, holderID string, limit int) ([]gateway.RequestLog, error)
}

// Dependencies are the collaborators behind the routes. Wallets and Requests
// are only needed when admin routes are enabled.
type Dependencies struct {
	Gateway    Completer
	Calculator *credit.Calculator
	Quota      QuotaChecker
	Policies   quota.PolicySource
	Wallets    WalletAdmin
	Requests   RequestLister
	Limiter    ratelimit.Limiter
	Metrics    *metrics.Collectors
	Logger     *zap.Logger
}

// Config carries the HTTP-facing settings.
type Config struct {
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	AllowedOrigins    []string
	BypassPaths       []string
	AdminEnabled      bool
	AdminSigningKey   string
	AdminIssuer       string
	AdminRole         string
}

// Server owns the gin engine and its handlers.
type Server struct {
	cfg          Config
	dependencies Dependencies
	logger       *zap.Logger
	router       *gin.Engine
	routes       []routeInfo
}

type routeInfo struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// New validates dependencies and builds the router.
func New(cfg Config, dependencies Dependencies) (*Server, error) {
	switch {
	case dependencies.Gateway == nil:
		return nil, fmt.Errorf("%w: gateway is required", ErrInvalidServerConfig)
	case dependencies.Calculator == nil:
		return nil, fmt.Errorf("%w: calculator is required", ErrInvalidServerConfig)
	case dependencies.Quota == nil || dependencies.Policies == nil:
		return nil, fmt.Errorf("%w: quota engine and policy source are required", ErrInvalidServerConfig)
	case dependencies.Limiter == nil:
		return nil, fmt.Errorf("%w: rate limiter is required", ErrInvalidServerConfig)
	}
	if cfg.AdminEnabled {
		if dependencies.Wallets == nil {
			return nil, fmt.Errorf("%w: wallet service is required for admin routes", ErrInvalidServerConfig)
		}
		if cfg.AdminSigningKey == "" {
			return nil, fmt.Errorf("%w: admin signing key is required", ErrInvalidServerConfig)
		}
	}
	if len(cfg.BypassPaths) == 0 {
		cfg.BypassPaths = ratelimit.DefaultBypassPaths
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{cfg: cfg, dependencies: dependencies, logger: logger}
	server.router = server.setupRouter()
	return server, nil
}

// Handler returns the router for embedding or tests.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: server.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		timeout := server.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("http shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware(server.logger))
	if server.dependencies.Metrics != nil {
		router.Use(server.dependencies.Metrics.Middleware())
	}
	router.Use(accessLogMiddleware())
	if len(server.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization", headerAPIKey, headerRequestID},
			ExposeHeaders:    []string{headerRequestID, headerRateLimitLimit, headerRateLimitRemaining, headerRetryAfter},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	router.Use(rateLimitMiddleware(server.dependencies.Limiter, server.cfg.BypassPaths, server.dependencies.Metrics))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/docs", server.handleDocs)
	if server.dependencies.Metrics != nil {
		router.GET("/metrics", gin.WrapH(server.dependencies.Metrics.Handler()))
	}

	v1 := router.Group("/v1")
	v1.POST("/chat/completions", server.handleCompletion)
	v1.POST("/quota/estimate", server.handleEstimate)
	v1.POST("/quota/check", server.handleCheck)

	if server.cfg.AdminEnabled {
		admin := router.Group("/admin")
		admin.Use(adminAuthMiddleware([]byte(server.cfg.AdminSigningKey), server.cfg.AdminIssuer, server.cfg.AdminRole))
		admin.POST("/wallets", server.handleCreateWallet)
		admin.GET("/wallets", server.handleListWallets)
		admin.GET("/wallets/:id", server.handleGetWallet)
		admin.PATCH("/wallets/:id", server.handleUpdateWallet)
		admin.DELETE("/wallets/:id", server.handleCloseWallet)
		admin.POST("/wallets/:id/suspend", server.handleSuspendWallet)
		admin.POST("/wallets/:id/activate", server.handleActivateWallet)
		admin.POST("/wallets/:id/top-up", server.handleTopUp)
		admin.GET("/wallets/:id/transactions", server.handleTransactions)
		admin.GET("/wallets/:id/verify", server.handleVerify)
		admin.GET("/chargeback", server.handleChargeback)
		if server.dependencies.Requests != nil {
			admin.GET("/requests", server.handleListRequests)
		}
	}

	for _, route := range router.Routes() {
		server.routes = append(server.routes, routeInfo{Method: route.Method, Path: route.Path})
	}
	sort.Slice(server.routes, func(left, right int) bool {
		if server.routes[left].Path != server.routes[right].Path {
			return server.routes[left].Path < server.routes[right].Path
		}
		return server.routes[left].Method < server.routes[right].Method
	})
	return router
}

func (server *Server) handleDocs(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"service": "quotagate", "routes": server.routes})
}
