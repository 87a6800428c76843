// Package server orchestrates the gateway listener and the admin server.
// The main server routes inbound traffic through the per-route filter chain
// while the admin server exposes health checks, readiness probes, the route
// table and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/wheelsondemand/gateway/internal/config"
	"github.com/wheelsondemand/gateway/internal/forward"
	"github.com/wheelsondemand/gateway/internal/gateway"
	"github.com/wheelsondemand/gateway/internal/observability"
	"github.com/wheelsondemand/gateway/internal/ratelimit"
	iredis "github.com/wheelsondemand/gateway/internal/redis"
	"github.com/wheelsondemand/gateway/internal/route"
)

// Server is the API gateway process.
type Server struct {
	mu              sync.Mutex
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	clock           clockwork.Clock
	mainServer      *http.Server
	adminServer     *http.Server
	gateway         *gateway.Gateway
	limiter         *ratelimit.Limiter
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	registry        *prometheus.Registry
	tracingShutdown func(context.Context) error
}

// New wires the limiter, route table, forwarder and gateway for cfg. cfg
// must already be validated.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()
	clock := clockwork.NewRealClock()

	iredis.InitLogger(logger)
	if cfg.RateLimit.Store == config.StoreRedis {
		iredis.WarnInsecure(cfg.Redis.TLS, logger)
	}

	limiter, err := ratelimit.NewLimiter(context.Background(), cfg, logger, ratelimit.WithObserver(metrics))
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}
	health.SetStorePinger(limiter)

	table, err := route.Build(cfg, gateway.BuildOptions(logger, metrics, clock, nil))
	if err != nil {
		_ = limiter.Close()
		return nil, fmt.Errorf("build routes: %w", err)
	}
	gateway.RegisterBreakers(metrics, table)

	fwd := forward.New(cfg.Transport, logger)
	gw, err := gateway.New(cfg, table, limiter, fwd, logger,
		gateway.WithMetrics(metrics), gateway.WithClock(clock))
	if err != nil {
		_ = limiter.Close()
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		version:  version,
		clock:    clock,
		gateway:  gw,
		limiter:  limiter,
		health:   health,
		metrics:  metrics,
		registry: reg,
	}
	s.mainServer = buildMainServer(cfg, gw, logger)
	s.adminServer = buildAdminServer(cfg, health, gw, reg, logger)

	for _, rt := range table.Routes() {
		logger.Info("route registered", "route", rt.ID, "pattern", rt.Pattern, "upstream", rt.Upstream.Redacted())
	}
	return s, nil
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) *http.Server {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 60*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, gw *gateway.Gateway, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/routes", gw.RoutesHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second),
		WriteTimeout:      config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second),
		IdleTimeout:       config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second),
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}

// Handler returns the gateway handler, without the h2c wrapper.
func (s *Server) Handler() http.Handler { return s.gateway }

// Run starts both servers and blocks until ctx is canceled, then drains.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.Config().Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 2)

	// readyCh is closed once the main listener is bound, so readiness is not
	// reported before connections can be accepted.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServer(errCh, readyCh)

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("gateway is ready", "version", s.version)
	case srvErr := <-errCh:
		_ = s.shutdown()
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		_ = s.shutdown()
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.adminServer.Addr)
	if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServer(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("gateway server starting",
		"address", s.mainServer.Addr,
		"routes", len(s.gateway.Table().Routes()),
		"rate_limit_store", s.Config().RateLimit.Store)

	// Listen separately from Serve so readiness follows the bind.
	ln, err := net.Listen("tcp", s.mainServer.Addr)
	if err != nil {
		errCh <- fmt.Errorf("gateway server listen: %w", err)
		return
	}
	close(readyCh)

	if err := s.mainServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("gateway server: %w", err)
	}
}

// Reload swaps in the routes, filter parameters and key resolver of newCfg.
// Breakers of routes whose settings did not change keep their state. Fields
// that only take effect on restart are logged and otherwise ignored.
func (s *Server) Reload(newCfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fields := newCfg.RequiresRestart(s.cfg); len(fields) > 0 {
		s.logger.Warn("config changes require a restart to take effect", "fields", fields)
	}

	keys, err := ratelimit.NewKeyResolver(newCfg.RateLimit.KeyResolver)
	if err != nil {
		return fmt.Errorf("key resolver: %w", err)
	}
	table, err := route.Build(newCfg, gateway.BuildOptions(s.logger, s.metrics, s.clock, s.gateway.Table()))
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	gateway.RegisterBreakers(s.metrics, table)
	s.gateway.SetKeyResolver(keys)
	s.gateway.Swap(table)
	s.cfg = newCfg

	s.logger.Info("routes reloaded", "routes", len(table.Routes()))
	return nil
}

// Config returns the config currently in effect.
func (s *Server) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.Config().Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("gateway server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	s.closeResources(shutdownCtx)
	s.logger.Info("shutdown complete")
	return nil
}

func (s *Server) closeResources(ctx context.Context) {
	if err := s.limiter.Close(); err != nil {
		s.logger.Error("rate limiter close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}
}

// Close releases the limiter without running the servers. It is for
// callers that built a Server but never called Run.
func (s *Server) Close() error {
	return s.limiter.Close()
}
