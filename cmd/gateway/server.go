// Package main provides the gateway server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/llmgateway/gateway/admission"
	"github.com/llmgateway/gateway/api/handlers"
	"github.com/llmgateway/gateway/archive"
	"github.com/llmgateway/gateway/config"
	"github.com/llmgateway/gateway/dispatcher"
	"github.com/llmgateway/gateway/internal/database"
	"github.com/llmgateway/gateway/internal/metrics"
	"github.com/llmgateway/gateway/internal/server"
	"github.com/llmgateway/gateway/internal/telemetry"
	"github.com/llmgateway/gateway/notify"
	"github.com/llmgateway/gateway/pool"
	"github.com/llmgateway/gateway/reconciler"
	"github.com/llmgateway/gateway/store"
	"github.com/llmgateway/gateway/upstream"
)

// Server is the gateway's process: every long-lived component plus the
// two HTTP listeners (API, metrics) that front them.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers
	dbPool     *database.PoolManager

	httpManager    *server.Manager
	metricsManager *server.Manager

	repo       *store.Repository
	pool       *pool.Pool
	client     *upstream.Client
	reconciler *reconciler.Reconciler
	dispatcher *dispatcher.Dispatcher
	pricing    *dispatcher.PricingHandler
	admission  *admission.Admission
	notifier   *notify.Notifier
	archiver   *archive.Archiver

	healthHandler *handlers.HealthHandler

	metricsCollector *metrics.Collector
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	reconcilerCancel context.CancelFunc
	wg               sync.WaitGroup
}

// NewServer builds an unstarted Server. dbPool wraps the already-opened
// database connection with pool tuning and background health checks
// (see internal/database.PoolManager).
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers, dbPool *database.PoolManager) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
		dbPool:     dbPool,
	}
}

// Start wires every component and brings up both HTTP listeners. Returns
// once the API server is accepting connections; shutdown is handled by
// WaitForShutdown.
func (s *Server) Start() error {
	ctx := context.Background()

	s.metricsCollector = metrics.NewCollector("gateway", s.logger)

	if err := s.initComponents(ctx); err != nil {
		return fmt.Errorf("init components: %w", err)
	}

	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("init hot reload manager: %w", err)
	}

	reconcilerCtx, cancel := context.WithCancel(ctx)
	s.reconcilerCancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reconciler.Run(reconcilerCtx)
	}()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.Port),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// initComponents builds the store, pool, upstream client, reconciler,
// dispatcher, admission, and the optional notify/archive sinks, then
// loads the pool from persisted providers and seeds any configured
// providers.
func (s *Server) initComponents(ctx context.Context) error {
	s.repo = store.New(s.dbPool.DB(), s.logger)
	if err := s.repo.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	s.pool = pool.New()
	providers, err := s.repo.ActiveProviders(ctx)
	if err != nil {
		return fmt.Errorf("load active providers: %w", err)
	}
	s.pool.Rebuild(providers)

	s.client = upstream.New(s.logger)

	notifier, err := notify.New(s.cfg.Telemetry.RedisURL, s.logger)
	if err != nil {
		s.logger.Warn("eviction notifier disabled", zap.Error(err))
		notifier, _ = notify.New("", s.logger)
	}
	s.notifier = notifier

	s.reconciler = reconciler.New(s.repo, s.pool, s.notifier, s.cfg.Reconciler.Interval, s.logger)

	archiver, err := archive.New(ctx, s.cfg.Telemetry.MongoDBURI, s.logger)
	if err != nil {
		s.logger.Warn("usage archive disabled", zap.Error(err))
		archiver, _ = archive.New(ctx, "", s.logger)
	}
	s.archiver = archiver

	s.dispatcher = dispatcher.New(s.pool, s.client, s.repo, s.logger)
	s.pricing = dispatcher.NewPricingHandler(s.repo, s.logger)
	s.admission = admission.New(s.repo, s.pool, s.reconciler, s.logger)

	s.admission.Seed(ctx, seedRequestsFrom(s.cfg.Providers))

	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("database", s.dbPool.Ping))

	return nil
}

// seedRequestsFrom converts SPEC_FULL.md's statically-configured
// provider seeds into admission requests, skipping any seed with no
// API key set.
func seedRequestsFrom(cfg config.ProvidersConfig) []admission.AddProviderRequest {
	var reqs []admission.AddProviderRequest
	for providerType, seed := range map[string]config.ProviderSeed{
		"OpenAI":    cfg.OpenAI,
		"Anthropic": cfg.Anthropic,
		"DeepSeek":  cfg.DeepSeek,
	} {
		if seed.APIKey == "" {
			continue
		}
		reqs = append(reqs, admission.AddProviderRequest{
			APIKey:       seed.APIKey,
			ProviderType: providerType,
			ModelName:    providerType,
			BaseURL:      seed.BaseURL,
		})
	}
	return reqs
}

func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}
	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("configuration reloaded")
		s.cfg = newConfig
	})

	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("start hot reload manager: %w", err)
	}

	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)
	return nil
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.Handle("/v1/chat/completions", s.dispatcher)
	mux.HandleFunc("/v1/providers", s.routeProviders)
	mux.HandleFunc("/v1/providers/batch", s.admission.CreateBatch)
	mux.HandleFunc("/v1/pricing", s.routePricing)
	mux.HandleFunc("/v1/pricing/", s.routePricing)
	mux.HandleFunc("/v1/admin/stream", s.notifier.ServeStream)
	mux.HandleFunc("/v1/admin/login", s.handleAdminLogin)

	if s.configAPIHandler != nil {
		s.configAPIHandler.RegisterRoutes(mux)
	}

	skipAuthPaths := []string{
		"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics",
		"/v1/admin/login",
	}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(context.Background(), s.cfg.Server.RateLimitRPS, int(s.cfg.Server.RateLimitRPS*2), s.logger),
		AdminAuth(s.cfg.Admin, skipAuthPaths, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.Port),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.Port))
	return nil
}

// routeProviders dispatches GET (list) vs POST (create) on /v1/providers.
func (s *Server) routeProviders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.admission.List(w, r)
	case http.MethodPost:
		s.admission.Create(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// routePricing dispatches GET (list or current) vs POST/PUT (create) on
// /v1/pricing and /v1/pricing/{name}/{model}. A GET naming both name and
// model, in the path or as query params, returns the current price;
// otherwise it lists every history row. POST/PUT take name and model
// from the request body.
func (s *Server) routePricing(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		name := r.URL.Query().Get("name")
		model := r.URL.Query().Get("model")
		if rest := strings.TrimPrefix(r.URL.Path, "/v1/pricing/"); rest != r.URL.Path {
			name, model, _ = strings.Cut(rest, "/")
		}
		if name != "" && model != "" {
			s.pricing.Current(w, r, name, model)
			return
		}
		s.pricing.List(w, r)
	case http.MethodPost, http.MethodPut:
		s.pricing.Create(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks on the HTTP manager's own signal handling, then
// tears down every other component.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown tears every component down in reverse dependency order.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx := context.Background()

	if s.reconcilerCancel != nil {
		s.reconcilerCancel()
	}

	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("hot reload manager shutdown error", zap.Error(err))
		}
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

	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			s.logger.Warn("notifier close error", zap.Error(err))
		}
	}
	if s.archiver != nil {
		if err := s.archiver.Close(ctx); err != nil {
			s.logger.Warn("archiver close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Warn("database pool close error", zap.Error(err))
		}
	}

	s.wg.Wait()

	s.logger.Info("graceful shutdown completed")
}
