// Package server sets up the HTTP server with all routes
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
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/TOOL2U/BookMate-sub002/internal/cache"
	"github.com/TOOL2U/BookMate-sub002/internal/config"
	"github.com/TOOL2U/BookMate-sub002/internal/gateway"
	"github.com/TOOL2U/BookMate-sub002/internal/health"
	"github.com/TOOL2U/BookMate-sub002/internal/logging"
	"github.com/TOOL2U/BookMate-sub002/internal/metrics"
	"github.com/TOOL2U/BookMate-sub002/internal/monitor"
	"github.com/TOOL2U/BookMate-sub002/internal/narrative"
	"github.com/TOOL2U/BookMate-sub002/internal/ratelimit"
	"github.com/TOOL2U/BookMate-sub002/internal/reconciliation"
	"github.com/TOOL2U/BookMate-sub002/internal/security"
	"github.com/TOOL2U/BookMate-sub002/internal/tenant"
	"github.com/TOOL2U/BookMate-sub002/internal/traces"
	"github.com/TOOL2U/BookMate-sub002/internal/webhook"
	"github.com/TOOL2U/BookMate-sub002/migrations"
)

// Version is reported by /health and attached to traces.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil if using process-local stores
	tenants     tenant.Store
	cache       cache.Store
	rateLimiter *ratelimit.Limiter
	upstream    gateway.Upstream
	narrator    narrative.Narrator
	gateway     *gateway.Service
	monitor     *monitor.Timer
	sweeper     *cache.Sweeper
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	shutdownTracer func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	drainDelay     time.Duration

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

// WithUpstream replaces the webhook client (for testing)
func WithUpstream(u gateway.Upstream) Option {
	return func(s *Server) {
		s.upstream = u
	}
}

// WithNarrator replaces the narrative backend (for testing)
func WithNarrator(n narrative.Narrator) Option {
	return func(s *Server) {
		s.narrator = n
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
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

	shutdownTracer, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracer = shutdownTracer

	if err := s.initTenantStore(ctx); err != nil {
		return nil, err
	}
	rlStore, err := s.initSharedStores(ctx)
	if err != nil {
		return nil, err
	}

	seeded, err := tenant.Seed(ctx, s.tenants, cfg.Tenants)
	if err != nil {
		return nil, fmt.Errorf("failed to seed tenants: %w", err)
	}
	if seeded > 0 {
		s.logger.Info("tenants seeded from environment", "count", seeded)
	}
	s.refreshTenantMetrics(ctx)

	s.rateLimiter = ratelimit.New(rlStore, s.logger,
		ratelimit.WithLimits(cfg.RateLimits),
		ratelimit.WithWindow(cfg.RateLimitWindow),
	)

	if s.upstream == nil {
		s.upstream = webhook.NewClient(cfg.WebhookTimeout)
	}
	if s.narrator == nil {
		s.narrator = s.newNarrator(ctx)
	}

	s.gateway = gateway.NewService(s.tenants, s.cache, s.rateLimiter, s.upstream, s.logger,
		gateway.WithTTL(cfg.CacheTTL),
		gateway.WithThresholds(reconciliation.Thresholds{
			Tolerance: cfg.DriftTolerance,
			Warn:      cfg.DriftWarnThreshold,
			Fail:      cfg.DriftFailThreshold,
			Policy:    reconciliation.Policy(cfg.SeverityPolicy),
		}),
		gateway.WithFactsPath(cfg.BalanceFactsPath),
		gateway.WithNarrator(s.narrator),
	)
	s.monitor = monitor.NewTimer(s.gateway, s.tenants, cfg.MonitorInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initTenantStore picks Postgres when DATABASE_URL is set, otherwise memory.
func (s *Server) initTenantStore(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.tenants = tenant.NewMemoryStore()
		s.logger.Info("using in-memory tenant registry (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	s.db = db
	s.tenants = tenant.NewPostgresStore(db)
	s.health.Register("postgres", health.Ping(db.PingContext))
	s.logger.Info("using PostgreSQL tenant registry", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// initSharedStores picks Redis for the cache and rate-limit windows when
// REDIS_URL is set, so every replica sees the same entries and fences.
func (s *Server) initSharedStores(ctx context.Context) (ratelimit.Store, error) {
	s.sweeper = cache.NewSweeper(time.Minute, s.logger)

	if s.cfg.RedisURL == "" {
		mem := cache.NewMemoryStore(cache.WithRetention(s.cfg.CacheStaleRetention))
		rl := ratelimit.NewMemoryStore()
		s.sweeper.Add("cache", mem)
		s.sweeper.Add("ratelimit", rl)
		s.cache = mem
		s.logger.Info("using process-local cache and rate limiter")
		return rl, nil
	}

	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s.redis = client
	store := cache.NewRedisStore(client, s.logger, cache.WithRetention(s.cfg.CacheStaleRetention))
	s.cache = store
	s.health.Register("redis", health.Ping(store.Ping))
	s.logger.Info("using Redis cache and rate limiter", "addr", opts.Addr)
	return ratelimit.NewRedisStore(client), nil
}

func (s *Server) newNarrator(ctx context.Context) narrative.Narrator {
	if s.cfg.GeminiAPIKey == "" {
		return narrative.Noop{}
	}
	g, err := narrative.NewGemini(ctx, s.cfg.GeminiAPIKey, s.cfg.GeminiModel, s.cfg.NarrativeTimeout)
	if err != nil {
		s.logger.Warn("narrative enrichment disabled", "error", err)
		return narrative.Noop{}
	}
	s.logger.Info("narrative enrichment enabled", "model", s.cfg.GeminiModel)
	return g
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"ok":    false,
			"error": "internal error",
			"code":  "INTERNAL_ERROR",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an ID assigned upstream (load balancer, client).
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
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
	hg := s.router.Group("/health", s.rateLimiter.Middleware(ratelimit.ClassHealth))
	hg.GET("", s.health.Handler(Version))
	hg.GET("/live", s.livenessHandler)
	hg.GET("/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Tenant-scoped gateway routes
	resolver := tenant.NewResolver(s.cfg.JWTSecret)
	gw := gateway.NewHandler(s.gateway, s.rateLimiter)
	tenants := v1.Group("/tenants/:tenant", gw.Preflight(), resolver.Middleware())
	gw.RegisterRoutes(tenants)

	// Admin routes
	tenantHandler := tenant.NewHandler(s.tenants, s.cfg.AdminSecret, s.onTenantChanged)
	if s.cfg.IsProduction() {
		tenantHandler.SetEndpointCheck(security.ValidateEndpointURL)
	}
	tenantHandler.RegisterAdminRoutes(v1.Group("", s.rateLimiter.Middleware(ratelimit.ClassAuth)))

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not found", "code": "NOT_FOUND"})
	})
}

// onTenantChanged drops everything cached for a tenant whose credentials or
// status changed.
func (s *Server) onTenantChanged(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.gateway.Invalidate(ctx, id); err != nil {
		s.logger.Warn("failed to invalidate cache after tenant change", "tenant", id, "error", err)
	}
	s.refreshTenantMetrics(ctx)
}

func (s *Server) refreshTenantMetrics(ctx context.Context) {
	all, err := s.tenants.List(ctx)
	if err != nil {
		s.logger.Warn("failed to list tenants", "error", err)
		return
	}
	counts := make(map[string]int)
	for _, t := range all {
		counts[string(t.Status)]++
	}
	metrics.SetTenantCounts(counts)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Upstream calls may take the full webhook timeout.
		WriteTimeout: s.cfg.WebhookTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// startBackground launches the sweeper, drift monitor and runtime collector
// and registers their health checks.
func (s *Server) startBackground(ctx context.Context) {
	go s.sweeper.Start(ctx)
	s.health.Register("cache_sweeper", health.Running(s.sweeper.Running))

	go s.monitor.Start(ctx)
	s.health.Register("drift_monitor", health.Running(s.monitor.Running))

	go metrics.StartRuntimeCollector(ctx, s.db, 15*time.Second)
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.monitor.Stop()
	s.sweeper.Stop()
	s.logger.Info("background timers stopped")

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
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

	if s.shutdownTracer != nil {
		if err := s.shutdownTracer(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Gateway returns the gateway service.
func (s *Server) Gateway() *gateway.Service {
	return s.gateway
}
