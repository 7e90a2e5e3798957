// Package api exposes the wallet over HTTP with gin.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/orchestrator"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	claimsContextKey   = "auth_claims"
	adminContextKey    = "admin_claims"
	defaultTimeout     = 5 * time.Second
	shutdownTimeout    = 5 * time.Second
	readHeaderTimeout  = 5 * time.Second
	defaultHistorySize = 50
)

// Config carries the HTTP settings walletd passes in.
type Config struct {
	ListenAddr         string
	AllowedOrigins     []string
	RequestTimeout     time.Duration
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	AdminJWTSecret     string
	RateLimitPerSecond float64
	RateLimitBurst     int
	PayoutCentsPerCoin int64
	PayoutCurrency     string
}

// Server owns the router and the http.Server around it.
type Server struct {
	cfg    Config
	router *gin.Engine
	logger *zap.Logger
}

// NewServer builds the router. The orchestrator carries every wallet operation.
func NewServer(cfg Config, service *orchestrator.Service, logger *zap.Logger) (*Server, error) {
	if service == nil {
		return nil, errors.New("orchestrator dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.PayoutCentsPerCoin <= 0 {
		cfg.PayoutCentsPerCoin = 1
	}
	if cfg.PayoutCurrency == "" {
		cfg.PayoutCurrency = "USD"
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, err
	}
	admin, err := newAdminAuthenticator([]byte(cfg.AdminJWTSecret))
	if err != nil {
		return nil, err
	}
	handler := &httpHandler{
		service: service,
		logger:  logger,
		cfg:     cfg,
	}
	limiter := newUserRateLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst)
	return &Server{
		cfg:    cfg,
		router: setupRouter(cfg, handler, sessionValidator, admin, limiter),
		logger: logger,
	}, nil
}

// Handler exposes the router for tests and embedding.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator, admin *adminAuthenticator, limiter *userRateLimiter) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.Use(requestTimeout(cfg.RequestTimeout))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey), limiter.middleware())

	api.GET("/wallet", handler.handleWallet)
	api.GET("/wallet/entries", handler.handleEntries)
	api.GET("/entitlements", handler.handleEntitlements)
	api.POST("/tips", handler.handleTip)
	api.POST("/gifts", handler.handleGift)
	api.POST("/tickets", handler.handleTicket)
	api.POST("/unlocks", handler.handleUnlock)
	api.POST("/subscriptions", handler.handleSubscription)
	api.POST("/goals", handler.handleCreateGoal)
	api.GET("/goals/:goalId", handler.handleGoal)
	api.POST("/goals/:goalId/cancel", handler.handleCancelGoal)
	api.POST("/goals/:goalId/tips", handler.handleGoalTip)
	api.POST("/sessions", handler.handleStartSession)
	api.GET("/sessions/:sessionId", handler.handleSession)
	api.POST("/sessions/:sessionId/end", handler.handleEndSession)
	api.POST("/sessions/:sessionId/cancel", handler.handleCancelSession)
	api.POST("/payouts", handler.handleRequestPayout)
	api.GET("/payouts", handler.handlePayouts)
	api.GET("/payouts/:payoutId", handler.handlePayout)

	adminGroup := router.Group("/admin")
	adminGroup.Use(admin.middleware())
	adminGroup.POST("/credits", handler.handleGrant)
	adminGroup.POST("/payouts/:payoutId/transition", handler.handleTransitionPayout)
	adminGroup.GET("/accounts/:userId/reconciliation", handler.handleReconcile)

	return router
}

type httpHandler struct {
	service *orchestrator.Service
	logger  *zap.Logger
	cfg     Config
}
