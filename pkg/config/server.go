package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/api"
	"github.com/Egham-7/adaptive-governor/internal/config"
	"github.com/Egham-7/adaptive-governor/internal/models"
	"github.com/Egham-7/adaptive-governor/internal/services/budget"
	"github.com/Egham-7/adaptive-governor/internal/services/database"
	"github.com/Egham-7/adaptive-governor/internal/services/governor"
	"github.com/Egham-7/adaptive-governor/internal/services/middleware"
	"github.com/Egham-7/adaptive-governor/internal/services/ratelimit"
	"github.com/Egham-7/adaptive-governor/internal/services/store"
	"github.com/Egham-7/adaptive-governor/internal/services/telemetry"
	"github.com/Egham-7/adaptive-governor/internal/services/usage"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is a governor instance: the admission API, the usage read API and
// the background workers behind them.
type Server struct {
	config  *config.Config
	builder *Builder
	app     *fiber.App

	store     store.Store
	db        *database.DB
	registry  *prometheus.Registry
	optimizer *budget.CostOptimizer
	governor  *governor.Governor
	worker    *usage.Worker
	refresher *usage.MetricsRefresher

	closeOnce sync.Once
}

type serverServices struct {
	registry  *prometheus.Registry
	usage     *usage.Service
	optimizer *budget.CostOptimizer
	governor  *governor.Governor
	worker    *usage.Worker
	refresher *usage.MetricsRefresher
}

type serverInfrastructure struct {
	store store.Store
	db    *database.DB
}

// NewServer creates a new Server with the given configuration.
// The cfg parameter is required and must not be nil.
// For middleware, router and gated route control, use NewServerWithBuilder.
func NewServer(cfg *config.Config) *Server {
	if cfg == nil {
		panic("config cannot be nil - use config.LoadFromFile() or config builder to create config")
	}

	return &Server{config: cfg}
}

// NewServerWithBuilder creates a new Server from a configuration builder.
func NewServerWithBuilder(b *Builder) *Server {
	return &Server{
		config:  b.Build(),
		builder: b,
	}
}

// App returns the fiber app once Setup has run.
func (s *Server) App() *fiber.App {
	return s.app
}

// Governor returns the admission pipeline once Setup has run.
func (s *Server) Governor() *governor.Governor {
	return s.governor
}

// Setup connects the store and database, builds every component and
// registers routes. Close releases what Setup acquired.
func (s *Server) Setup() error {
	s.config.ApplyDefaults()
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogLevel(s.config)

	s.app = createFiberApp(s.config)

	// === Infrastructure Setup ===
	infra, err := initializeInfrastructure(s.config)
	if err != nil {
		return err
	}
	s.store = infra.store
	s.db = infra.db

	// === Services Initialization ===
	services, err := initializeServices(s.config, infra, s.router())
	if err != nil {
		s.Close()
		return err
	}
	s.registry = services.registry
	s.optimizer = services.optimizer
	s.governor = services.governor
	s.worker = services.worker
	s.refresher = services.refresher

	// === Middleware Setup ===
	setupMiddleware(s.app, s.config, s.builder)

	// === Routes Setup ===
	s.setupRoutes(services)

	s.app.Get("/", welcomeHandler())

	if s.refresher != nil {
		s.refresher.Start()
	}
	return nil
}

func (s *Server) router() models.Router {
	if s.builder == nil {
		return nil
	}
	return s.builder.GetRouter()
}

// Close drains background work and releases connections. It is safe to call
// after a failed Setup.
func (s *Server) Close() {
	s.closeOnce.Do(s.close)
}

func (s *Server) close() {
	if s.refresher != nil {
		s.refresher.Stop()
	}
	if s.worker != nil {
		s.worker.Stop()
	}
	if s.optimizer != nil {
		s.optimizer.Wait()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			fiberlog.Errorf("Failed to close store: %v", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			fiberlog.Errorf("Failed to close database connection: %v", err)
		}
	}
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	if err := s.Setup(); err != nil {
		return err
	}
	defer s.Close()

	listenAddr := ":" + s.config.Server.Port

	fmt.Printf("🚀 AdaptiveGovernor starting on %s\n", listenAddr)
	fmt.Printf("   Environment: %s\n", s.config.Server.Environment)
	fmt.Printf("   Store: %s\n", s.config.Store.Backend)
	fmt.Printf("   Go version: %s\n", runtime.Version())
	fmt.Printf("   GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	serverErrChan := make(chan error, 1)
	go func() {
		if err := s.app.Listen(listenAddr); err != nil {
			serverErrChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		fiberlog.Infof("Received signal: %v. Starting graceful shutdown...", sig)
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	}

	fiberlog.Info("Server shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	shutdownErrChan := make(chan error, 1)
	go func() {
		shutdownErrChan <- s.app.ShutdownWithTimeout(30 * time.Second)
	}()

	select {
	case err := <-shutdownErrChan:
		if err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		fiberlog.Info("Server shutdown completed successfully")
	case <-shutdownCtx.Done():
		return errors.New("shutdown timeout exceeded")
	}

	return nil
}

func createFiberApp(cfg *config.Config) *fiber.App {
	isProd := cfg.IsProduction()

	return fiber.New(fiber.Config{
		AppName:           "AdaptiveGovernor v1.0",
		EnablePrintRoutes: !isProd,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ReadBufferSize:    8192,
		WriteBufferSize:   8192,
		CaseSensitive:     true,
		StrictRouting:     false,
		Network:           "tcp",
		ServerHeader:      "AdaptiveGovernor",
	})
}

func setupMiddleware(app *fiber.App, cfg *config.Config, b *Builder) {
	isProd := cfg.IsProduction()

	// Recover middleware (must be first)
	app.Use(recover.New(recover.Config{
		EnableStackTrace: !isProd,
	}))

	// Limits callers of the governor's own API, not the providers behind it.
	rlCfg := &models.HTTPLimiterConfig{Max: 6000, Expiration: time.Minute}
	if b != nil && b.GetHTTPLimiterConfig() != nil {
		rlCfg = b.GetHTTPLimiterConfig()
	}
	keyFunc := rlCfg.KeyFunc
	if keyFunc == nil {
		keyFunc = func(c *fiber.Ctx) string {
			if userID := c.Get(middleware.HeaderUserID); userID != "" {
				return userID
			}
			return c.IP()
		}
	}
	app.Use(limiter.New(limiter.Config{
		Max:               rlCfg.Max,
		Expiration:        rlCfg.Expiration,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      keyFunc,
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": fmt.Sprintf("%d requests per %v", rlCfg.Max, rlCfg.Expiration),
			})
		},
	}))

	requestTimeout := time.Duration(cfg.Server.RequestTimeoutMs) * time.Millisecond
	if b != nil && b.GetTimeoutConfig() != nil {
		requestTimeout = b.GetTimeoutConfig().Timeout
	}
	app.Use(func(c *fiber.Ctx) error {
		const maxTimeout = 2 * time.Minute

		timeout := requestTimeout
		if customTimeout := c.Get("X-Request-Timeout"); customTimeout != "" {
			if d, err := time.ParseDuration(customTimeout); err == nil && d > 0 {
				timeout = min(d, maxTimeout)
			}
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()
		c.SetUserContext(ctx)

		return c.Next()
	})

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	if isProd {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} ${method} ${path} ${latency} ${bytesSent}b\n",
			Output: os.Stdout,
		}))
	} else {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${error}\n",
			Output: os.Stdout,
		}))
	}

	allowedHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization", "User-Agent",
		middleware.HeaderUserID, middleware.HeaderProvider, middleware.HeaderModel,
		middleware.HeaderRoutingStrategy, middleware.HeaderEstimatedTokens,
		"X-Request-Timeout",
	}
	exposedHeaders := []string{
		"Content-Length", "Content-Type", "Retry-After",
		"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowHeaders: strings.Join(allowedHeaders, ", "),
		AllowMethods: "GET, POST, OPTIONS",
		// credentials cannot be combined with a wildcard origin
		AllowCredentials: cfg.Server.AllowedOrigins != "*",
		MaxAge:           86400,
		ExposeHeaders:    strings.Join(exposedHeaders, ", "),
	}))

	if b != nil {
		for _, mw := range b.GetMiddlewares() {
			app.Use(mw)
		}
	}

	// Profiler (dev only)
	if !isProd {
		app.Use(pprof.New())
	}
}

func setupLogLevel(cfg *config.Config) {
	logLevel := cfg.GetNormalizedLogLevel()

	switch logLevel {
	case "trace":
		fiberlog.SetLevel(fiberlog.LevelTrace)
	case "debug":
		fiberlog.SetLevel(fiberlog.LevelDebug)
	case "info", "":
		fiberlog.SetLevel(fiberlog.LevelInfo)
	case "warn", "warning":
		fiberlog.SetLevel(fiberlog.LevelWarn)
	case "error":
		fiberlog.SetLevel(fiberlog.LevelError)
	case "fatal":
		fiberlog.SetLevel(fiberlog.LevelFatal)
	case "panic":
		fiberlog.SetLevel(fiberlog.LevelPanic)
	default:
		fiberlog.SetLevel(fiberlog.LevelInfo)
		fiberlog.Warnf("Unknown log level '%s', defaulting to 'info'", logLevel)
	}

	fiberlog.Infof("Log level set to: %s", logLevel)
}

func createStore(cfg *config.Config) (store.Store, error) {
	st, err := store.New(cfg.Store)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Backend != models.StoreBackendRedis {
		fiberlog.Warn("Using in-process memory store - counters are not shared between instances")
		return st, nil
	}
	return testStoreConnectionWithRetry(st)
}

func testStoreConnectionWithRetry(st store.Store) (store.Store, error) {
	const maxAttempts = 3
	const baseDelay = 1 * time.Second

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := st.Ping(ctx)
		cancel()

		if err == nil {
			fiberlog.Infof("Redis connection established successfully (attempt %d/%d)", attempt, maxAttempts)
			return st, nil
		}

		fiberlog.Warnf("Redis connection failed (attempt %d/%d): %v", attempt, maxAttempts, err)

		if attempt < maxAttempts {
			delay := time.Duration(attempt) * baseDelay
			fiberlog.Infof("Retrying Redis connection in %v...", delay)
			time.Sleep(delay)
		}
	}

	if err := st.Close(); err != nil {
		fiberlog.Errorf("Failed to close Redis client after connection failures: %v", err)
	}

	return nil, fmt.Errorf("failed to connect to Redis after %d attempts", maxAttempts)
}

func (s *Server) setupRoutes(services *serverServices) {
	var dbPinger api.Pinger
	if s.db != nil {
		dbPinger = api.PingFunc(s.db.Ping)
	}
	healthHandler := api.NewHealthHandler(s.store, dbPinger)
	s.app.Get("/health", healthHandler.HealthCheck)

	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(services.registry, promhttp.HandlerOpts{})))

	api.NewAdmissionHandler(services.governor, services.worker).RegisterRoutes(s.app, "/v1/admission")
	api.NewBudgetHandler(services.optimizer).RegisterRoutes(s.app, "/v1/budget")
	api.NewUsageHandler(services.usage).RegisterRoutes(s.app, "/v1/usage")

	if s.builder == nil || len(s.builder.GetGatedRoutes()) == 0 {
		return
	}
	admission := middleware.NewAdmissionControl(services.governor, services.worker)
	for _, route := range s.builder.GetGatedRoutes() {
		s.app.Add(route.Method, route.Path, admission.Handler(), route.Handler)
	}
}

func welcomeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message":    "Welcome to AdaptiveGovernor!",
			"version":    "1.0.0",
			"go_version": runtime.Version(),
			"status":     "running",
			"endpoints": fiber.Map{
				"admission":  "/v1/admission",
				"complete":   "/v1/admission/complete",
				"budget":     "/v1/budget/status",
				"usage":      "/v1/usage",
				"health":     "/health",
				"prometheus": "/metrics",
			},
		})
	}
}

func initializeServices(cfg *config.Config, infra *serverInfrastructure, router models.Router) (*serverServices, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(registry)

	pricing, err := usage.NewPricingTable(cfg.Pricing.Entries)
	if err != nil {
		return nil, fmt.Errorf("invalid pricing table: %w", err)
	}
	usageSvc := usage.NewService(infra.db.DB, infra.store, pricing, usage.Options{
		RejectUnpriced:   cfg.Pricing.RejectUnpriced,
		RealtimeCacheTTL: time.Duration(cfg.Usage.RealtimeCacheTTLSeconds) * time.Second,
		Metrics:          metrics,
	})

	rateLimiter := ratelimit.New(infra.store, cfg.RateLimits, ratelimit.WithMetrics(metrics))

	dispatcher, err := budget.NewDispatcher(cfg.Alerts, cfg.Server.Environment, budget.WithDispatcherMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("failed to create alert dispatcher: %w", err)
	}
	if channels := dispatcher.Channels(); len(channels) > 0 {
		fiberlog.Infof("Budget alerts enabled on %v", channels)
	} else {
		fiberlog.Info("No alert channels configured - budget alerts are logged only")
	}

	optimizer := budget.NewCostOptimizer(infra.store, cfg.Budget, budget.Options{
		Alerts:   dispatcher,
		Cooldown: time.Duration(cfg.Alerts.CooldownSeconds) * time.Second,
		Metrics:  metrics,
	})

	gov := governor.New(rateLimiter, optimizer, usageSvc, router)
	worker := usage.NewWorker(gov.Record, cfg.Usage.WorkerCount, cfg.Usage.WorkerBufferSize)

	var refresher *usage.MetricsRefresher
	if cfg.Usage.RefreshSchedule != "" {
		refresher, err = usage.NewMetricsRefresher(usageSvc, cfg.Usage.RefreshSchedule)
		if err != nil {
			worker.Stop()
			return nil, err
		}
	}

	return &serverServices{
		registry:  registry,
		usage:     usageSvc,
		optimizer: optimizer,
		governor:  gov,
		worker:    worker,
		refresher: refresher,
	}, nil
}

func initializeInfrastructure(cfg *config.Config) (*serverInfrastructure, error) {
	st, err := createStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	infra := &serverInfrastructure{store: st}

	dbCfg := models.DatabaseConfig{Type: models.SQLite, FilePath: ":memory:"}
	if cfg.Database != nil {
		dbCfg = *cfg.Database
	} else {
		fiberlog.Warn("Database not configured - usage records are kept in memory and lost on restart")
	}

	db, err := database.New(dbCfg)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	infra.db = db
	fiberlog.Infof("Database (%s) initialized successfully", db.DriverName())

	if err := db.Migrate(); err != nil {
		_ = st.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	fiberlog.Info("Database migrations completed successfully")

	return infra, nil
}
