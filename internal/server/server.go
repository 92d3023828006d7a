// Package server wires the carebid services together and serves the HTTP API
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/carebid/internal/auth"
	"github.com/mbd888/carebid/internal/config"
	"github.com/mbd888/carebid/internal/escrow"
	"github.com/mbd888/carebid/internal/gateway"
	"github.com/mbd888/carebid/internal/health"
	"github.com/mbd888/carebid/internal/lifecycle"
	"github.com/mbd888/carebid/internal/logging"
	"github.com/mbd888/carebid/internal/metrics"
	"github.com/mbd888/carebid/internal/notify"
	"github.com/mbd888/carebid/internal/ratelimit"
	"github.com/mbd888/carebid/internal/reconciliation"
	"github.com/mbd888/carebid/internal/registry"
	"github.com/mbd888/carebid/internal/security"
	"github.com/mbd888/carebid/internal/traces"
	"github.com/mbd888/carebid/internal/validation"
	"github.com/mbd888/carebid/internal/webhooks"
)

// Version is reported by the health endpoint. Set by ldflags.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	authMgr        *auth.Manager
	gateway        *gateway.Resilient
	sandbox        *gateway.Memory // set when the in-memory gateway is in use
	lifecycle      *lifecycle.Service
	escrow         *escrow.Service
	registry       *registry.Service
	ingestor       *webhooks.Ingestor
	notifier       *notify.Dispatcher
	reconcileTimer *reconciliation.Timer
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// injected by options
	gatewayOverride gateway.Gateway
	transport       notify.Transport

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway replaces the configured payment gateway (for testing)
func WithGateway(g gateway.Gateway) Option {
	return func(s *Server) {
		s.gatewayOverride = g
	}
}

// WithNotifyTransport replaces the notification transport (for testing)
func WithNotifyTransport(t notify.Transport) Option {
	return func(s *Server) {
		s.transport = t
	}
}

type stores struct {
	lifecycle lifecycle.Store
	escrow    escrow.Store
	registry  registry.Store
	webhooks  webhooks.Store
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set gateway/logger/transport)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var st stores
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		st = stores{
			lifecycle: lifecycle.NewPostgresStore(db),
			escrow:    escrow.NewPostgresStore(db),
			registry:  registry.NewPostgresStore(db),
			webhooks:  webhooks.NewPostgresStore(db),
		}
		s.health.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		st = stores{
			lifecycle: lifecycle.NewMemoryStore(),
			escrow:    escrow.NewMemoryStore(),
			registry:  registry.NewMemoryStore(),
			webhooks:  webhooks.NewMemoryStore(),
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Payment gateway
	inner := s.gatewayOverride
	if inner == nil {
		if cfg.UsesStripe() {
			inner = gateway.NewStripe(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
		} else {
			inner = gateway.NewMemory(cfg.GatewayWebhookSecret)
		}
	}
	if mem, ok := inner.(*gateway.Memory); ok {
		s.sandbox = mem
		s.logger.Warn("using in-memory payment gateway (no real money moves)")
	}
	s.gateway = gateway.NewResilient(inner, gateway.DefaultResilientConfig(), s.logger)
	s.health.Register("gateway", func(context.Context) health.Status {
		ok, detail := s.gateway.Healthy()
		return health.Status{Healthy: ok, Detail: detail}
	})
	s.logger.Info("payment gateway configured", "gateway", s.gateway.Name())

	// Notifications
	if s.transport == nil {
		if cfg.NotifyURL != "" {
			if err := security.ValidateEndpointURL(cfg.NotifyURL, cfg.IsProduction()); err != nil {
				return nil, fmt.Errorf("invalid NOTIFY_URL: %w", err)
			}
			s.transport = notify.NewHTTPTransport(cfg.NotifyURL, cfg.NotifySecret)
			s.logger.Info("notifications enabled", "url", cfg.NotifyURL)
		} else {
			s.transport = notify.NewLogTransport(s.logger)
		}
	}
	s.notifier = notify.NewDispatcher(s.transport, s.logger)

	// Domain services. Escrow and lifecycle depend on each other only
	// through interfaces, so escrow is built first and completed after.
	s.authMgr = auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	s.registry = registry.NewService(st.registry, s.gateway, s.logger)

	s.escrow = escrow.NewService(st.escrow, s.gateway, &paymentSubjects{st.lifecycle}, s.registry, escrow.Config{
		Currency:           cfg.Currency,
		CommissionBPS:      cfg.CommissionBPS,
		MinimumChargeMinor: cfg.MinimumChargeMinor,
	}, s.logger).WithNotifier(s.notifier)

	s.lifecycle = lifecycle.NewService(st.lifecycle, s.escrow, s.logger).
		WithNotifier(s.notifier).
		WithRatings(s.registry)

	s.escrow.WithCompletions(s.lifecycle)

	s.ingestor = webhooks.NewIngestor(s.gateway, st.webhooks, s.escrow, s.registry, s.logger)

	s.reconcileTimer = reconciliation.NewTimer(
		reconciliation.NewRunner(s.escrow, s.lifecycle),
		cfg.ReconcileInterval,
		s.logger,
	)
	s.health.RegisterOptional("reconciler", func(context.Context) health.Status {
		// Only meaningful once Run has started the loop.
		if s.ready.Load() && !s.reconcileTimer.Running() {
			return health.Status{Healthy: false, Detail: "not running"}
		}
		last, err := s.reconcileTimer.LastRun()
		switch {
		case last.IsZero():
			return health.Status{Healthy: true, Detail: "no pass yet"}
		case err != nil:
			return health.Status{Healthy: false, Detail: "last pass failed: " + err.Error()}
		}
		return health.Status{Healthy: true, Detail: "last pass " + last.UTC().Format(time.RFC3339)}
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Gateway webhooks authenticate by signature, not bearer token.
	webhooks.NewHandler(s.ingestor).RegisterRoutes(&s.router.RouterGroup)

	v1 := s.router.Group("/v1", auth.Middleware(s.authMgr))

	authHandler := auth.NewHandler(s.authMgr)
	authHandler.RegisterRoutes(v1)
	if s.cfg.IsDevelopment() {
		authHandler.RegisterDevRoutes(v1)
		s.logger.Warn("development token minting enabled at /v1/auth/dev-token")
	}

	protected := v1.Group("", auth.RequireAuth())
	lifecycle.NewHandler(s.lifecycle).RegisterRoutes(protected)
	escrow.NewHandler(s.escrow).RegisterRoutes(protected)
	registry.NewHandler(s.registry).RegisterRoutes(protected)

	if s.sandbox != nil && !s.cfg.IsProduction() {
		s.registerSandboxRoutes(s.router.Group("/sandbox"))
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"gateway", s.gateway.Name(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.reconcileTimer.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (reconciler, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.reconcileTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Let in-flight notifications finish
	s.notifier.Wait()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
