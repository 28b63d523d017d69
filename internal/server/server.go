// Package server wires the escrow engine together and serves the HTTP API.
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

	"github.com/Satisfyguy/escrowd/internal/admin"
	"github.com/Satisfyguy/escrowd/internal/circuitbreaker"
	"github.com/Satisfyguy/escrowd/internal/config"
	"github.com/Satisfyguy/escrowd/internal/escrow"
	"github.com/Satisfyguy/escrowd/internal/events"
	"github.com/Satisfyguy/escrowd/internal/health"
	"github.com/Satisfyguy/escrowd/internal/logging"
	"github.com/Satisfyguy/escrowd/internal/metrics"
	"github.com/Satisfyguy/escrowd/internal/multisig"
	"github.com/Satisfyguy/escrowd/internal/ratelimit"
	"github.com/Satisfyguy/escrowd/internal/realtime"
	"github.com/Satisfyguy/escrowd/internal/security"
	"github.com/Satisfyguy/escrowd/internal/traces"
	"github.com/Satisfyguy/escrowd/internal/validation"
	"github.com/Satisfyguy/escrowd/internal/walletrpc"
	"github.com/Satisfyguy/escrowd/internal/wallets"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the escrow engine's moving parts.
type Server struct {
	cfg         *config.Config
	store       escrow.Store
	pool        *wallets.Pool
	breaker     *circuitbreaker.Breaker
	registry    *wallets.Registry
	coordinator *multisig.Coordinator
	service     *escrow.Service
	bus         *events.Bus
	hub         *realtime.Hub
	detector    *escrow.Detector
	monitor     *escrow.Monitor
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithStore sets a custom escrow store (for testing)
func WithStore(store escrow.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Tracing (no-op when no OTLP endpoint is configured)
	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			if err := db.Ping(); err != nil {
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}

			s.db = db
			s.store = escrow.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = escrow.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	// Wallet endpoint pool. One shared breaker so a flapping backend trips
	// the circuit for every caller at once.
	s.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	s.pool = wallets.NewPool(cfg.WalletRPCURLs, walletrpc.Options{
		RetryAttempts: cfg.RPCRetryAttempts,
		RetryDelay:    cfg.RPCRetryDelay,
		Breaker:       s.breaker,
	})
	s.registry = wallets.NewRegistry(s.pool, cfg.SettleDelay, s.logger)
	s.coordinator = multisig.NewCoordinator(s.registry, cfg.Network, s.logger)
	s.logger.Info("wallet pool configured",
		"endpoints", len(cfg.WalletRPCURLs), "network", cfg.Network)

	// Event fan-out: structured log always, WebSocket hub always, webhooks
	// when configured.
	s.bus = events.NewBus(s.logger)
	s.bus.Subscribe(events.LogSubscriber(s.logger))

	s.hub = realtime.NewHub(s.logger)
	s.bus.Subscribe(s.hub)
	s.logger.Info("realtime streaming enabled")

	if urls := safeWebhookURLs(cfg.WebhookURLs, s.logger); len(urls) > 0 {
		s.bus.Subscribe(events.NewWebhookDispatcher(urls, cfg.WebhookSecret, s.logger))
		s.logger.Info("webhooks enabled", "subscribers", len(urls))
	}

	// Escrow service and pollers
	policy := &escrow.Policy{
		CreatedDeadline:  cfg.CreatedDeadline,
		FundedDeadline:   cfg.FundedDeadline,
		InFlightDeadline: cfg.ReleasingDeadline,
		DisputedDeadline: cfg.DisputedDeadline,
		WarningThreshold: cfg.WarningThreshold,
		SetupStuckAfter:  escrow.DefaultPolicy().SetupStuckAfter,
		BackupArbiter:    cfg.BackupArbiterID,
	}
	s.service = escrow.NewService(s.store, s.coordinator, s.bus, policy, s.logger)
	s.detector = escrow.NewDetector(s.service, s.store, s.coordinator, cfg.FundingInterval, cfg.MinConfirms, s.logger)
	s.monitor = escrow.NewMonitor(s.service, s.store, s.bus, cfg.TimeoutInterval, s.logger)

	s.setupHealthChecks()

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

// safeWebhookURLs drops webhook targets that would let the engine be used
// as an SSRF proxy into internal networks.
func safeWebhookURLs(urls []string, logger *slog.Logger) []string {
	var out []string
	for _, u := range urls {
		if err := security.ValidateWebhookURL(u); err != nil {
			logger.Warn("rejecting webhook URL", "url", u, "error", err)
			continue
		}
		out = append(out, u)
	}
	return out
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
// Health checks
// -----------------------------------------------------------------------------

func (s *Server) setupHealthChecks() {
	s.checks = health.NewRegistry()

	s.checks.Register("store", func(ctx context.Context) health.Status {
		if s.db != nil {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "store", Healthy: false, Detail: err.Error()}
			}
		}
		return health.Status{Name: "store", Healthy: true}
	})

	s.checks.Register("wallet_pool", func(ctx context.Context) health.Status {
		stats := s.pool.Stats()
		if stats.Total == 0 {
			return health.Status{Name: "wallet_pool", Healthy: false, Detail: "no endpoints configured"}
		}
		open := 0
		for _, state := range s.breaker.Snapshot() {
			if state != circuitbreaker.StateClosed {
				open++
			}
		}
		if open >= stats.Total {
			return health.Status{
				Name:    "wallet_pool",
				Healthy: false,
				Detail:  fmt.Sprintf("all %d endpoint circuits open", stats.Total),
			}
		}
		detail := fmt.Sprintf("%d endpoints, %d busy", stats.Total, stats.Busy)
		if open > 0 {
			detail += fmt.Sprintf(", %d circuits open", open)
		}
		return health.Status{Name: "wallet_pool", Healthy: true, Detail: detail}
	})

	s.checks.Register("funding_detector", func(ctx context.Context) health.Status {
		return health.Status{Name: "funding_detector", Healthy: s.detector.Running()}
	})

	s.checks.Register("timeout_monitor", func(ctx context.Context) health.Status {
		return health.Status{Name: "timeout_monitor", Healthy: s.monitor.Running()}
	})
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.FromContext(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithLogger(c.Request.Context(), s.logger.With("request_id", requestID))
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

		logger := logging.FromContext(c.Request.Context())

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
			logger.Info("request completed",
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

	// WebSocket for real-time escrow events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	escrowHandler := escrow.NewHandler(s.service, s.cfg.Network)
	escrowHandler.RegisterRoutes(v1)

	// Admin surface, bearer-secret protected
	adminHandler := admin.NewHandler(s.store, s.service).
		WithPool(s.pool).
		WithDetector(s.detector).
		WithMonitor(s.monitor).
		WithHubStats(s.hub.Stats)
	adminGroup := v1.Group("", admin.Middleware(s.cfg.AdminSecret))
	adminHandler.RegisterRoutes(adminGroup)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "escrowd",
		"description": "Non-custodial 2-of-3 multisig escrow engine",
		"version":     "0.1.0",
		"network":     s.cfg.Network,
		"currency":    "XMR (atomic units)",
	})
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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"network", s.cfg.Network,
			"endpoints", s.pool.Size(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Rebind wallet instances of live escrows before the pollers start,
	// so a restart does not strand funded escrows or let the timeout
	// monitor cancel escrows whose wallets merely need rebinding.
	if n, err := s.service.RecoverWallets(runCtx); err != nil {
		s.logger.Error("wallet recovery incomplete", "recovered", n, "error", err)
	} else if n > 0 {
		s.logger.Info("recovered wallet instances for live escrows", "escrows", n)
	}

	// Start funding detector and timeout monitor
	go s.detector.Start(runCtx)
	go s.monitor.Start(runCtx)

	// Collect DB pool stats while running
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Export wallet pool occupancy
	go func() {
		metrics.PoolEndpointsTotal.Set(float64(s.pool.Size()))
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.PoolEndpointsBusy.Set(float64(s.pool.Stats().Busy))
			case <-runCtx.Done():
				return
			}
		}
	}()

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

	// Cancel the context for all background goroutines (hub, pollers)
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

	// Stop pollers
	s.detector.Stop()
	s.monitor.Stop()
	s.logger.Info("pollers stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Warn("trace flush error", "error", err)
		}
	}

	// Close database connection pool
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
