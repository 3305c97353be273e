// Package server wires the invoice engine together and serves its HTTP API.
package server

import (
	"context"
	"database/sql"
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

	"github.com/mbd888/chainbill/internal/auth"
	"github.com/mbd888/chainbill/internal/chains"
	"github.com/mbd888/chainbill/internal/config"
	"github.com/mbd888/chainbill/internal/hashguard"
	"github.com/mbd888/chainbill/internal/health"
	"github.com/mbd888/chainbill/internal/invoice"
	"github.com/mbd888/chainbill/internal/logging"
	"github.com/mbd888/chainbill/internal/metrics"
	"github.com/mbd888/chainbill/internal/ratelimit"
	"github.com/mbd888/chainbill/internal/realtime"
	"github.com/mbd888/chainbill/internal/retry"
	"github.com/mbd888/chainbill/internal/security"
	"github.com/mbd888/chainbill/internal/subscription"
	"github.com/mbd888/chainbill/internal/traces"
	"github.com/mbd888/chainbill/internal/validation"
	"github.com/mbd888/chainbill/internal/watcher"
	"github.com/mbd888/chainbill/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB // nil if using in-memory
	chains        *chains.Registry
	guard         *hashguard.Guard // nil without REDIS_URL
	invoices      *invoice.Service
	subscriptions *subscription.Service
	sweeper       *invoice.Timer
	verifier      *watcher.Watcher // nil when VERIFY_POLL_INTERVAL is 0
	realtimeHub   *realtime.Hub
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration

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

// WithChainRegistry injects a prebuilt chain registry (for testing).
func WithChainRegistry(r *chains.Registry) Option {
	return func(s *Server) {
		s.chains = r
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to notice
// the server is not ready.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var invoiceStore invoice.Store
	var subscriptionStore subscription.Store
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
		s.db = db
		invoiceStore = invoice.NewPostgresStore(db)
		subscriptionStore = subscription.NewPostgresStore(db)
		s.health.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		invoiceStore = invoice.NewMemoryStore()
		subscriptionStore = subscription.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Chain clients are dialed lazily on first verification.
	if s.chains == nil {
		s.chains = chains.NewRegistry(cfg.Chains(),
			chains.WithRPCURLs(cfg.RPCURLs),
			chains.WithConfirmations(cfg.Confirmations),
			chains.WithTimeout(cfg.RPCTimeout),
			chains.WithRetryPolicy(retry.Policy{
				MaxAttempts: cfg.RPCMaxAttempts,
				BaseDelay:   retry.DefaultPolicy.BaseDelay,
				MaxDelay:    retry.DefaultPolicy.MaxDelay,
			}),
			chains.WithLogger(s.logger),
		)
	}
	for _, c := range s.chains.Chains() {
		key := c.Key
		s.health.Register("chain:"+key, health.Ping("chain:"+key, false, func(ctx context.Context) error {
			return s.chains.Ping(ctx, key)
		}))
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.subscriptions = subscription.NewService(subscriptionStore, s.logger)
	s.invoices = invoice.NewService(invoiceStore, s.chains, s.subscriptions, s.logger).
		WithTreasury(cfg.TreasuryAddress).
		WithTTL(cfg.InvoiceTTL).
		WithNotifier(s.realtimeHub)

	if cfg.RedisURL != "" {
		guard, err := hashguard.Open(ctx, cfg.RedisURL, hashguard.DefaultTTL)
		if err != nil {
			// The store's unique index still rejects reused hashes.
			s.logger.Warn("tx hash guard disabled", "error", err)
		} else {
			s.guard = guard
			s.invoices.WithHashClaimer(guard)
			s.health.Register("redis", health.Ping("redis", false, guard.Ping))
			s.logger.Info("tx hash guard enabled")
		}
	}

	s.sweeper = invoice.NewTimer(s.invoices, cfg.SweepInterval, s.logger)
	if cfg.VerifyPollInterval > 0 {
		wcfg := watcher.DefaultConfig()
		wcfg.PollInterval = cfg.VerifyPollInterval
		s.verifier = watcher.New(wcfg, s.invoices, s.logger)
	}

	if cfg.TreasuryAddress == "" {
		s.logger.Warn("TREASURY_ADDRESS not set; invoice issuance will be refused")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
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
	s.router.Use(security.CORSMiddleware(security.ParseOrigins(s.cfg.CORSOrigins)))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.ForRPM(s.cfg.RateLimitRPM))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessLogMiddleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for invoice status streaming
	s.router.GET("/ws", gin.WrapF(s.realtimeHub.HandleWebSocket))

	v1 := s.router.Group("/v1")
	invoiceHandler := invoice.NewHandler(s.invoices)
	invoiceHandler.RegisterRoutes(v1)
	subscription.NewHandler(s.subscriptions).RegisterRoutes(v1)

	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	invoiceHandler.RegisterAdminRoutes(admin)
	admin.GET("/admin/realtime", s.realtimeStatsHandler)
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
	_, ready, statuses := s.health.CheckAll(c.Request.Context())
	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches background workers: the realtime hub, the expiry sweeper and
// the verification watcher. Run calls it; tests may call it directly.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

	go s.realtimeHub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	if s.verifier != nil {
		s.verifier.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready",
		"network", s.cfg.Network,
		"chains", len(s.chains.Chains()),
		"watcher", s.verifier != nil,
	)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// The watcher waits for in-flight verifications to finish.
	if s.verifier != nil {
		s.verifier.Stop()
		s.logger.Info("verification watcher stopped")
	}
	s.sweeper.Stop()
	s.rateLimiter.Stop()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.chains.Close()

	if s.guard != nil {
		if err := s.guard.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Invoices returns the invoice service (for embedding and tests).
func (s *Server) Invoices() *invoice.Service {
	return s.invoices
}
