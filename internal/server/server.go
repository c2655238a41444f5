// Package server wires every money-path subsystem into the HTTP surface of
// the platform: a single *Server built from server.New(cfg, opts...) holds
// every dependency explicitly rather than reaching for package-level state.
package server

import (
	"compress/gzip"
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/hustlexp/money-core/internal/auth"
	"github.com/hustlexp/money-core/internal/circuitbreaker"
	"github.com/hustlexp/money-core/internal/config"
	"github.com/hustlexp/money-core/internal/health"
	"github.com/hustlexp/money-core/internal/logging"
	"github.com/hustlexp/money-core/internal/metrics"
	"github.com/hustlexp/money-core/internal/money/admin"
	"github.com/hustlexp/money-core/internal/money/ledger"
	"github.com/hustlexp/money-core/internal/money/lock"
	"github.com/hustlexp/money-core/internal/money/obs"
	"github.com/hustlexp/money-core/internal/money/ordering"
	"github.com/hustlexp/money-core/internal/money/outbox"
	"github.com/hustlexp/money-core/internal/money/provider"
	"github.com/hustlexp/money-core/internal/money/saga"
	"github.com/hustlexp/money-core/internal/money/taskfsm"
	"github.com/hustlexp/money-core/internal/money/trust"
	"github.com/hustlexp/money-core/internal/ratelimit"
	"github.com/hustlexp/money-core/internal/realtime"
	"github.com/hustlexp/money-core/internal/security"
	"github.com/hustlexp/money-core/internal/traces"
	"github.com/hustlexp/money-core/internal/validation"
)

// shutdownWatchdog is the hard-exit deadline for graceful shutdown: if
// in-flight requests and background workers have not finished by this long
// after a SIGTERM/SIGINT, the process exits anyway rather than hang an
// orchestrator's rolling deploy.
const shutdownWatchdog = 45 * time.Second

// Server wires every internal/money/* subsystem plus the ambient stack
// (config, logging, metrics, health, tracing) into one HTTP surface.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine
	httpSrv *http.Server

	db *sql.DB

	ready   atomic.Bool
	healthy atomic.Bool

	tracerShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc

	healthRegistry *health.Registry

	// Money & Trust Core subsystems.
	ledgerSvc      *ledger.Service
	lockMgr        *lock.Manager
	lockSweeper    *lock.Sweeper
	taskMachine    *taskfsm.TaskMachine
	escrowMachine  *taskfsm.EscrowMachine
	proofMachine   *taskfsm.ProofMachine
	stateLocks     *taskfsm.StateLockStore
	logStore       *taskfsm.PostgresLogStore
	sagaEngine     *saga.Engine
	orderingGate   *ordering.Gate
	outboxPub      *outbox.Publisher
	providerClient *provider.Client
	providerSaga   *provider.SagaAdapter
	providerBreaker *circuitbreaker.Breaker

	xpStore   *trust.PostgresXPStore
	tierStore *trust.PostgresTierStore
	trustSvc  *trust.Service

	killswitch      *admin.Killswitch
	safeMode        *admin.SafeMode
	denylist        *admin.Denylist
	adminSvc        *admin.Service
	outcomeAnalyzer *admin.OutcomeAnalyzer

	conflictLog *obs.ConflictLog
	scanner     *obs.Scanner
	alertFanout *obs.Fanout
	alertStream *realtime.Hub

	authMgr     *auth.Manager
	rateLimiter *ratelimit.Limiter

	idem *idempotencyStore
}

// Option configures a Server before wiring begins.
type Option func(*Server)

// WithLogger overrides the default structured logger (tests, CLIs).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds the full dependency graph and returns a ready-to-Run server.
// Every money-path dependency is explicit here — Design Note: "replace
// module-level singletons with an explicit dependency graph passed from
// main", generalized from the Saga engine to the whole process.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	s.tracerShutdown = tracerShutdown

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required: the ledger has no in-memory mode, all balances are derived, not cached")
	}

	dbDSN := appendDSNParams(cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
	db, err := sql.Open("postgres", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	s.logger.Info("connected to database", "url", maskDSN(cfg.DatabaseURL))

	s.logStore = taskfsm.NewPostgresLogStore()
	s.taskMachine = taskfsm.NewTaskMachine(s.logStore)
	s.escrowMachine = taskfsm.NewEscrowMachine(s.logStore)
	s.proofMachine = taskfsm.NewProofMachine(s.logStore)
	s.stateLocks = taskfsm.NewStateLockStore()

	s.ledgerSvc = ledger.New(ledger.NewPostgresStore())
	s.lockMgr = lock.New(db)
	s.lockSweeper = lock.NewSweeper(s.lockMgr, s.logger)

	s.providerClient = provider.New(cfg.StripeSecretKey, cfg.StripeWebhookSecret, provider.Mode(cfg.StripeMode))
	s.providerSaga = provider.NewSagaAdapter(s.providerClient)
	s.providerBreaker = circuitbreaker.New(5, 30*time.Second)

	s.killswitch = admin.NewKillswitch(db)
	s.safeMode = admin.NewSafeMode(db)
	s.denylist = admin.NewDenylist(db)

	s.xpStore = trust.NewPostgresXPStore()
	s.tierStore = trust.NewPostgresTierStore()
	s.trustSvc = trust.New(s.tierStore)

	s.sagaEngine = saga.New(db, s.ledgerSvc, s.lockMgr, s.stateLocks, s.escrowMachine, s.providerSaga, s.logger,
		saga.WithKillswitch(s.killswitch),
		saga.WithBreaker(s.providerBreaker),
		saga.WithCompletionHandler(s.completeTaskAndAwardXP),
	)

	s.orderingGate = ordering.New(db, s.providerClient, s.sagaEngine)

	s.outboxPub = outbox.NewPublisher(db, s.logger)

	actionLog := admin.NewActionLogStore(db)
	s.adminSvc = admin.New(s.sagaEngine, actionLog, s.ledgerSvc, db, s.providerClient)
	s.outcomeAnalyzer = admin.NewOutcomeAnalyzer(db, s.safeMode, cfg.NegativeOutcomeRateThreshold)

	s.alertStream = realtime.NewHub(s.logger)
	sinks := []obs.Sink{obs.NewLogSink(s.logger), s.alertStream}
	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, obs.NewWebhookSink(cfg.AlertWebhookURL))
	}
	s.alertFanout = obs.NewFanout(s.logger, sinks...)
	s.conflictLog = obs.NewConflictLog(db)
	s.scanner = obs.NewScanner(db, s.conflictLog, s.alertFanout, time.Duration(cfg.RecoveryStuckTimeoutMinutes)*time.Minute)

	s.healthRegistry = health.NewRegistry()
	obs.RegisterHealthChecks(s.healthRegistry, db, 300)

	s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
	s.idem = newIdempotencyStore(db)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// Run starts the HTTP listener and every background worker, then blocks
// until a shutdown signal, a fatal server error, or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "stripe_mode", s.cfg.StripeMode)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.registerOutboxHandlers()
	s.outboxPub.Start(runCtx)
	go s.lockSweeper.Start(runCtx)
	go s.recoverySweepLoop(runCtx)
	go s.alertStream.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.healthy.Store(true)
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

// recoverySweepLoop runs the crash-safety recovery passes
// name: reclaiming stuck webhook/outbox claims, the obs stuck-entity scanner,
// and the negative-outcome-rate SafeMode evaluation — on a fixed interval
// independent of the outbox's own poll loop, since these scan across queues.
func (s *Server) recoverySweepLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.RecoveryStuckTimeoutMinutes) * time.Minute / 2
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	stuckAfter := time.Duration(s.cfg.RecoveryStuckTimeoutMinutes) * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.orderingGate.ReclaimStuckClaims(ctx, stuckAfter); err != nil {
				s.logger.Error("reclaim stuck webhook claims failed", "error", err)
			} else if n > 0 {
				s.logger.Warn("reclaimed stuck webhook claims", "count", n)
			}
			if n, err := s.outboxPub.ReclaimStuck(ctx, stuckAfter); err != nil {
				s.logger.Error("reclaim stuck outbox claims failed", "error", err)
			} else if n > 0 {
				s.logger.Warn("reclaimed stuck outbox claims", "count", n)
			}
			if n, err := s.sagaEngine.RecoverStuck(ctx, stuckAfter); err != nil {
				s.logger.Error("recover stuck saga transactions failed", "error", err)
			} else if n > 0 {
				s.logger.Warn("recovered stuck saga transactions", "count", n)
			}
			s.scanner.Sweep(ctx)
			if engaged, rate, err := s.outcomeAnalyzer.Evaluate(ctx); err != nil {
				s.logger.Error("outcome analysis failed", "error", err)
			} else if engaged {
				s.logger.Error("safe mode engaged by negative outcome rate", "rate", rate)
			}
		}
	}
}

// Shutdown drains in-flight requests and background workers, bounded by
// shutdownWatchdog — a hard exit rather than an indefinite hang.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		time.Sleep(2 * time.Second) // let load balancers stop sending traffic

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				s.logger.Error("http shutdown error", "error", err)
			}
		}

		s.outboxPub.Stop()
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}

		if s.tracerShutdown != nil {
			if err := s.tracerShutdown(ctx); err != nil {
				s.logger.Error("tracer shutdown error", "error", err)
			}
		}

		if s.db != nil {
			if err := s.db.Close(); err != nil {
				s.logger.Error("database close error", "error", err)
			}
		}
	}()

	select {
	case <-done:
		s.logger.Info("server stopped")
		return nil
	case <-time.After(shutdownWatchdog):
		s.logger.Error("graceful shutdown watchdog expired, forcing exit", "watchdog", shutdownWatchdog)
		return fmt.Errorf("shutdown watchdog (%s) expired before workers drained", shutdownWatchdog)
	}
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "an unexpected error occurred"})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(gzipMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.timeoutMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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
		switch {
		case status >= 500:
			logger.Error("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		case status >= 400:
			logger.Warn("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type gzipWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (g *gzipWriter) Write(data []byte) (int, error) {
	return g.writer.Write(data)
}

func gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") {
			c.Next()
			return
		}
		gz, err := gzip.NewWriterLevel(c.Writer, gzip.DefaultCompression)
		if err != nil {
			c.Next()
			return
		}
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer = &gzipWriter{ResponseWriter: c.Writer, writer: gz}
		defer func() {
			_ = gz.Close()
		}()
		c.Next()
	}
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func appendDSNParams(dsn string, connectTimeout, statementTimeout int) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return fmt.Sprintf("%s%sconnect_timeout=%d&statement_timeout=%d", dsn, sep, connectTimeout, statementTimeout)
	}
	return fmt.Sprintf("%s connect_timeout=%d statement_timeout=%d", dsn, connectTimeout, statementTimeout)
}

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
