package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/blueprinthq/valueflow/api/handlers"
	"github.com/blueprinthq/valueflow/config"
	"github.com/blueprinthq/valueflow/internal/cache"
	"github.com/blueprinthq/valueflow/internal/database"
	"github.com/blueprinthq/valueflow/internal/metrics"
	"github.com/blueprinthq/valueflow/internal/server"
	"github.com/blueprinthq/valueflow/internal/telemetry"
	"github.com/blueprinthq/valueflow/routing"
	"github.com/blueprinthq/valueflow/store"
	"github.com/blueprinthq/valueflow/workflow"
)

// Server wires the engine, stores, routing pool, and HTTP surface together.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers
	db     *gorm.DB

	httpManager    *server.Manager
	metricsManager *server.Manager

	pool         *database.PoolManager
	cacheManager *cache.Manager
	engine       *workflow.Engine
	registry     *routing.Registry

	healthHandler     *handlers.HealthHandler
	definitionHandler *handlers.DefinitionHandler
	executionHandler  *handlers.ExecutionHandler
	agentHandler      *handlers.AgentHandler

	collector *metrics.Collector

	rateLimiterCancel context.CancelFunc
}

// NewServer creates the server. Start performs the actual wiring.
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
		db:     db,
	}
}

// Start initializes every component and begins serving.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("valueflow", nil, s.logger)

	if err := s.initEngine(); err != nil {
		return fmt.Errorf("failed to init engine: %w", err)
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// initEngine builds the persistence, routing, and execution stack.
func (s *Server) initEngine() error {
	pool, err := database.NewPoolManager(s.db, database.PoolConfig{
		MaxIdleConns:        s.cfg.Database.MaxIdleConns,
		MaxOpenConns:        s.cfg.Database.MaxOpenConns,
		ConnMaxLifetime:     s.cfg.Database.ConnMaxLifetime,
		HealthCheckInterval: 30 * time.Second,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init connection pool: %w", err)
	}
	s.pool = pool

	gormStore, err := store.NewGormStore(s.db, s.logger)
	if err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}

	// Sticky sessions degrade to in-memory pinning when Redis is down;
	// routing itself keeps working.
	var sessions routing.SessionStore
	cacheManager, err := cache.NewManager(cache.Config{
		Addr:                s.cfg.Redis.Addr,
		Password:            s.cfg.Redis.Password,
		DB:                  s.cfg.Redis.DB,
		PoolSize:            s.cfg.Redis.PoolSize,
		MinIdleConns:        s.cfg.Redis.MinIdleConns,
		HealthCheckInterval: 30 * time.Second,
	}, s.logger)
	if err != nil {
		s.logger.Warn("redis not available, sticky sessions held in memory", zap.Error(err))
		sessions = routing.NewMemorySessionStore()
	} else {
		s.cacheManager = cacheManager
		sessions = routing.NewRedisSessionStore(cacheManager.Client())
	}

	s.registry = routing.NewRegistry(s.cfg.Routing.HeartbeatTimeout, s.logger)
	scorer := routing.NewScorer(routing.ScoreWeights{
		Capability: s.cfg.Routing.CapabilityWeight,
		Load:       s.cfg.Routing.LoadWeight,
		Proximity:  s.cfg.Routing.ProximityWeight,
		Stickiness: s.cfg.Routing.StickinessWeight,
	})
	router := routing.NewRouter(s.registry, scorer, sessions, s.cfg.Routing.SessionTTL, s.logger)

	breakers := workflow.NewBreakerManager(workflow.BreakerConfig{
		FailureThreshold: s.cfg.Breaker.FailureThreshold,
		Cooldown:         s.cfg.Breaker.Cooldown,
		LatencyThreshold: s.cfg.Breaker.LatencyThreshold,
	}, s.logger)

	invoker := workflow.NewHTTPInvoker(nil, s.logger)
	table := workflow.NewDefaultCompensatorTable(gormStore, s.logger)
	coordinator := workflow.NewCoordinator(gormStore, table, s.logger)

	s.engine = workflow.NewEngine(
		gormStore, gormStore, router, s.registry, breakers, invoker,
		workflow.EngineConfig{
			MaxConcurrentExecutions: s.cfg.Engine.MaxConcurrentExecutions,
			DefaultTimeout:          s.cfg.Engine.DefaultStageTimeout,
			AutoRollback:            s.cfg.Engine.AutoRollback,
		},
		s.logger,
		workflow.WithMetrics(s.collector),
		workflow.WithCoordinator(coordinator),
		workflow.WithPredictor(workflow.NewHeuristicPredictor(s.registry)),
	)

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cacheManager.Ping))
	}

	s.definitionHandler = handlers.NewDefinitionHandler(gormStore, s.logger)
	s.executionHandler = handlers.NewExecutionHandler(s.engine, s.logger)
	s.agentHandler = handlers.NewAgentHandler(s.registry, s.logger)

	s.logger.Info("engine initialized")
	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", s.healthHandler.HandleLive)
	mux.HandleFunc("GET /health/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/workflows", s.definitionHandler.HandleCreate)
	mux.HandleFunc("GET /api/v1/workflows/{id}", s.definitionHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/workflows/{id}/executions", s.executionHandler.HandleExecute)
	mux.HandleFunc("POST /api/v1/workflows/{id}/stages/{stage}/route-preview", s.executionHandler.HandlePreviewRoute)

	mux.HandleFunc("GET /api/v1/executions/{id}", s.executionHandler.HandleStatus)
	mux.HandleFunc("GET /api/v1/executions/{id}/logs", s.executionHandler.HandleLogs)
	mux.HandleFunc("GET /api/v1/executions/{id}/events", s.executionHandler.HandleEvents)
	mux.HandleFunc("POST /api/v1/executions/{id}/rollback", s.executionHandler.HandleRollback)
	mux.HandleFunc("POST /api/v1/executions/{id}/resume", s.executionHandler.HandleResume)

	mux.HandleFunc("POST /api/v1/agents", s.agentHandler.HandleRegister)
	mux.HandleFunc("GET /api/v1/agents", s.agentHandler.HandleList)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.agentHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/agents/{id}/heartbeat", s.agentHandler.HandleHeartbeat)

	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger))
	}
	handler := Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a shutdown signal, then tears everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the HTTP surface first, then drains in-flight executions,
// then closes the backing stores.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.engine != nil {
		if err := s.engine.Drain(ctx); err != nil {
			s.logger.Warn("executions still in flight at shutdown", zap.Error(err))
		}
	}
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("redis shutdown error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("database shutdown error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
