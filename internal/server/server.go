// Package server exposes the tracker over an HTTP admin API with a live
// WebSocket event stream, and runs the periodic refresh and ingest timers.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mbd888/korarent/internal/config"
	"github.com/mbd888/korarent/internal/health"
	"github.com/mbd888/korarent/internal/logging"
	"github.com/mbd888/korarent/internal/metrics"
	"github.com/mbd888/korarent/internal/ratelimit"
	"github.com/mbd888/korarent/internal/realtime"
	"github.com/mbd888/korarent/internal/security"
	"github.com/mbd888/korarent/internal/status"
	"github.com/mbd888/korarent/internal/tracker"
	"github.com/mbd888/korarent/internal/validation"
)

// Version is reported by /health and /. Set with -ldflags at build time.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	tracker      *tracker.Tracker
	realtimeHub  *realtime.Hub
	health       *health.Registry
	db           *sql.DB // nil without a report database
	refreshTimer *status.Timer
	ingestTimer  *status.Timer
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc
	drainDelay   time.Duration

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHub streams tracker events through hub instead of a fresh one.
func WithHub(hub *realtime.Hub) Option {
	return func(s *Server) {
		s.realtimeHub = hub
	}
}

// WithHealth replaces the health registry. The registry checker is always
// added.
func WithHealth(r *health.Registry) Option {
	return func(s *Server) {
		s.health = r
	}
}

// WithDB samples pool statistics of the report database.
func WithDB(db *sql.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// WithDrainDelay sets how long Shutdown waits after marking the server not
// ready before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a server around trk.
func New(cfg *config.Config, trk *tracker.Tracker, opts ...Option) (*Server, error) {
	if trk == nil {
		return nil, errors.New("server: tracker required")
	}
	s := &Server{
		cfg:        cfg,
		tracker:    trk,
		logger:     slog.Default(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.realtimeHub == nil {
		s.realtimeHub = realtime.NewHub(s.logger)
	}
	trk.WithEmitter(s.realtimeHub)

	if s.health == nil {
		s.health = health.NewRegistry()
	}
	s.health.Register("registry", health.Critical, health.RegistryChecker(health.LoaderFunc(func(ctx context.Context) error {
		_, err := trk.Snapshot(ctx)
		return err
	})))
	if s.db != nil {
		s.health.Register("database", health.Auxiliary, health.DatabaseChecker(s.db))
	}

	if cfg.RefreshInterval > 0 {
		s.refreshTimer = status.NewTimer("refresh", cfg.RefreshInterval, func(ctx context.Context) error {
			_, err := trk.RefreshAccountStatuses(ctx)
			return err
		}, s.logger)
	}
	if cfg.IngestInterval > 0 {
		s.ingestTimer = status.NewTimer("ingest", cfg.IngestInterval, func(ctx context.Context) error {
			_, err := trk.IngestTransactionHistory(ctx, "", cfg.IngestTxLimit)
			return err
		}, s.logger)
	}

	if cfg.AdminSecret == "" {
		if cfg.IsProduction() {
			return nil, fmt.Errorf("%w: ADMIN_SECRET is required in production", config.ErrInvalidConfig)
		}
		s.logger.Warn("ADMIN_SECRET not set, mutating routes are unauthenticated")
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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.APIRatePerMin,
		BurstSize:         s.cfg.APIRateBurst,
		CleanupInterval:   time.Minute,
		IdleAfter:         5 * time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())
	{
		v1.GET("/registry", s.registryHandler)
		v1.GET("/accounts", s.listAccounts)
		v1.GET("/accounts/:address", s.getAccount)
		v1.GET("/accounts/:address/validation", s.validateAccount)
		v1.GET("/reports", s.listReports)
		v1.GET("/reports/:id", s.getReport)
	}

	admin := v1.Group("")
	admin.Use(security.RequireBearer(s.cfg.AdminSecret))
	{
		admin.POST("/ingest", s.ingestHandler)
		admin.POST("/refresh", s.refreshHandler)
		admin.POST("/reclaim", s.reclaimHandler)
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	report := s.health.Check(c.Request.Context())

	checks := make(map[string]string, len(report.Statuses))
	for _, st := range report.Statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
			continue
		}
		checks[st.Name] = "unhealthy"
		logging.L(c.Request.Context()).Warn("health check failed",
			"check", st.Name, "impact", st.Impact.String(), "detail", st.Detail, "took", st.Took)
	}

	// degraded still serves; only critical failures return 503
	httpStatus := http.StatusOK
	if report.State == health.StateUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    string(report.State),
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":     "korarentd",
		"version":  Version,
		"operator": s.tracker.Operator(),
		"canSign":  s.tracker.CanSign(),
		"stream":   s.realtimeHub.Stats(),
	})
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
		// live reclaims wait for confirmations
		WriteTimeout: s.cfg.ConfirmTimeout + 5*time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"operator", s.tracker.Operator(),
			"can_sign", s.tracker.CanSign(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

	if s.refreshTimer != nil {
		go s.refreshTimer.Start(runCtx)
	}
	if s.ingestTimer != nil {
		go s.ingestTimer.Start(runCtx)
	}

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
		cancel()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	time.Sleep(s.drainDelay)

	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}
	if s.ingestTimer != nil {
		s.ingestTimer.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Hub returns the event hub.
func (s *Server) Hub() *realtime.Hub {
	return s.realtimeHub
}
