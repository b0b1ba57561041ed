// Package server wires the engine together and runs the HTTP API.
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

	"github.com/creatorpay/creatorpay/internal/approval"
	"github.com/creatorpay/creatorpay/internal/auth"
	"github.com/creatorpay/creatorpay/internal/clearing"
	"github.com/creatorpay/creatorpay/internal/config"
	"github.com/creatorpay/creatorpay/internal/dispute"
	"github.com/creatorpay/creatorpay/internal/health"
	"github.com/creatorpay/creatorpay/internal/idgen"
	"github.com/creatorpay/creatorpay/internal/logging"
	"github.com/creatorpay/creatorpay/internal/metrics"
	"github.com/creatorpay/creatorpay/internal/notify"
	"github.com/creatorpay/creatorpay/internal/payout"
	"github.com/creatorpay/creatorpay/internal/payrail"
	"github.com/creatorpay/creatorpay/internal/purchase"
	"github.com/creatorpay/creatorpay/internal/session"
	"github.com/creatorpay/creatorpay/internal/traces"
	"github.com/creatorpay/creatorpay/internal/validation"
	"github.com/creatorpay/creatorpay/internal/wallet"
)

// Server wraps the HTTP server and all engine services.
type Server struct {
	cfg *config.Config

	wallets   *wallet.Service
	purchases *purchase.Service
	sessions  *session.Service
	disputes  *dispute.Service
	approvals *approval.Service
	payouts   *payout.Service
	sweeper   *clearing.Sweeper
	emitter   *notify.Emitter
	rail      payrail.Rail

	db           *sql.DB // nil in demo mode
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	healthReg    *health.Registry
	shutdownOTel func(context.Context) error
	cancelRunCtx context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRail overrides the payment rail (for testing).
func WithRail(r payrail.Rail) Option {
	return func(s *Server) {
		s.rail = r
	}
}

// New creates a server with either Postgres or in-memory storage, depending
// on whether DATABASE_URL is set.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Payment rail: Stripe in production, simulated otherwise.
	if s.rail == nil {
		if cfg.StripeSecretKey != "" {
			s.rail = payrail.NewStripeRail(cfg.StripeSecretKey)
			s.logger.Info("stripe payment rail enabled")
		} else {
			s.rail = payrail.NoopRail{}
			s.logger.Info("simulated payment rail (no STRIPE_SECRET_KEY set)")
		}
	}

	s.emitter = notify.New(notify.LogSink{})

	var (
		walletStore   wallet.Store
		purchaseStore purchase.Store
		sessionStore  session.Store
		disputeStore  dispute.Store
		approvalStore approval.Store
		payoutStore   payout.Store
		walletAudit   wallet.AuditLogger
	)

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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		walletStore = wallet.NewPostgresStore(db)
		walletAudit = wallet.NewPostgresAudit(db)
		purchaseStore = purchase.NewPostgresStore(db)
		sessionStore = session.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		approvalStore = approval.NewPostgresStore(db)
		payoutStore = payout.NewPostgresStore(db)

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		wstore := wallet.NewMemoryStore()
		pstore := payout.NewMemoryStore()
		walletStore = wstore
		walletAudit = wallet.NewMemoryAudit()
		purchaseStore = purchase.NewMemoryStore(wstore)
		sstore := session.NewMemoryStore(wstore, pstore)
		sessionStore = sstore
		disputeStore = dispute.NewMemoryStore(sstore, wstore)
		approvalStore = approval.NewMemoryStore()
		payoutStore = pstore
	}

	policy := approval.Policy{
		LowMaxCents:    cfg.LowTierMaxCents,
		MediumMaxCents: cfg.MediumTierMaxCents,
		HighDelay:      cfg.HighTierDelay,
		TTL:            cfg.ApprovalTTL,
		RejectMode:     cfg.RejectMode,
	}

	s.wallets = wallet.New(walletStore).WithAudit(walletAudit)
	s.purchases = purchase.New(purchaseStore)
	s.sessions = session.New(sessionStore, cfg.DisputeWindow).WithNotifier(s.emitter)
	s.approvals = approval.New(approvalStore, policy, s.rail).WithNotifier(s.emitter)
	s.disputes = dispute.New(disputeStore, sessionStore, cfg.DisputeWindow, cfg.LowTierMaxCents).
		WithGate(s.approvals).
		WithNotifier(s.emitter)
	s.payouts = payout.New(payoutStore, cfg.FlagWindow, cfg.ClearingWindow).WithNotifier(s.emitter)
	s.sweeper = clearing.NewSweeper(s.sessions, s.payouts, s.approvals, cfg.SweepInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides the password in a connection string for logging.
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Honor an existing request ID from the load balancer.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = "req_" + idgen.New()
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

func (s *Server) setupRoutes() {
	// Health & metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// All v1 routes require a forwarded identity.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware())

	// Admin-gated mutations live at two prefixes: operational overrides under
	// /v1/admin, resource mutations on the resource path itself.
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin())
	gated := v1.Group("")
	gated.Use(auth.RequireAdmin())

	wallet.NewHandler(s.wallets).RegisterRoutes(v1)
	purchaseHandler := purchase.NewHandler(s.purchases)
	purchaseHandler.RegisterRoutes(v1)
	session.NewHandler(s.sessions).RegisterRoutes(v1)
	dispute.NewHandler(s.disputes).RegisterRoutes(v1, gated)
	payout.NewHandler(s.payouts).RegisterRoutes(v1, admin)
	approval.NewHandler(s.approvals).RegisterRoutes(gated)

	// Purchase simulation shortcut. Never mounted in production, where the
	// payment provider's confirmation drives completion.
	if !s.cfg.IsProduction() {
		dev := s.router.Group("/dev")
		dev.Use(auth.Middleware())
		purchaseHandler.RegisterDevRoutes(dev)
		dev.POST("/book-session", s.devBookSession)
		s.logger.Info("dev endpoints enabled")
	}
}

type bookSessionRequest struct {
	BuyerID    string `json:"buyerId" binding:"required"`
	SellerID   string `json:"sellerId" binding:"required"`
	Units      int64  `json:"units" binding:"required"`
	PriceCents int64  `json:"priceCents" binding:"required"`
}

// devBookSession reserves wallet units and creates an accepted session, the
// booking step the marketplace performs in production.
func (s *Server) devBookSession(c *gin.Context) {
	var req bookSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}
	if req.Units <= 0 || req.PriceCents <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "units and priceCents must be positive"})
		return
	}

	ctx := c.Request.Context()
	if err := s.wallets.Reserve(ctx, req.BuyerID, req.SellerID, req.Units, ""); err != nil {
		if errors.Is(err, wallet.ErrInsufficientBalance) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_balance", "message": "Not enough unreserved units"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
		return
	}
	sess, err := s.sessions.Create(ctx, req.BuyerID, req.SellerID, req.Units, req.PriceCents)
	if err != nil {
		// Undo the reservation so a failed booking leaves no units stuck.
		if rerr := s.wallets.Release(ctx, req.BuyerID, req.SellerID, req.Units, ""); rerr != nil {
			logging.L(ctx).Error("failed to release after booking failure", "error", rerr)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// Run starts the HTTP server, the clearing sweeper, and the background
// collectors, then blocks until a shutdown signal or server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownOTel, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownOTel = shutdownOTel
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.sweeper.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark ready after a brief delay for startup.
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server and background work.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.sweeper.Stop()
	s.logger.Info("clearing sweeper stopped")

	if s.shutdownOTel != nil {
		if err := s.shutdownOTel(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
